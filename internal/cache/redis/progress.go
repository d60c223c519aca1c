package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/connect3/backend/internal/query"
	"github.com/connect3/backend/internal/stream"
	"github.com/connect3/backend/pkg/logger"
)

// ProgressLog keeps the event history of each run so a client can re-attach
// mid-stream. Events live in a list, live tails go over pub/sub and an
// in-flight run holds a lease key.
type ProgressLog struct {
	client *redis.Client
	ttl    time.Duration
}

func NewProgressLog(c *Client, ttl time.Duration) *ProgressLog {
	return &ProgressLog{client: c.client, ttl: ttl}
}

func seqKey(messageID string) string    { return "search:seq:" + messageID }
func eventsKey(messageID string) string { return "search:events:" + messageID }
func liveChannel(messageID string) string {
	return "search:live:" + messageID
}
func leaseKey(messageID string) string { return "search:lease:" + messageID }

// Append assigns the next sequence number to ev, stores it and publishes it
// to live subscribers.
func (p *ProgressLog) Append(ctx context.Context, messageID string, ev query.Event) (query.Event, error) {
	seq, err := p.client.Incr(ctx, seqKey(messageID)).Result()
	if err != nil {
		return ev, fmt.Errorf("failed to allocate event sequence: %w", err)
	}
	ev.Seq = seq

	data, err := json.Marshal(ev)
	if err != nil {
		return ev, fmt.Errorf("failed to marshal event: %w", err)
	}

	pipe := p.client.TxPipeline()
	pipe.RPush(ctx, eventsKey(messageID), data)
	pipe.Expire(ctx, eventsKey(messageID), p.ttl)
	pipe.Expire(ctx, seqKey(messageID), p.ttl)
	pipe.Publish(ctx, liveChannel(messageID), data)
	if _, err := pipe.Exec(ctx); err != nil {
		return ev, fmt.Errorf("failed to append event: %w", err)
	}
	return ev, nil
}

// Replay returns the stored events with a sequence number above afterSeq.
func (p *ProgressLog) Replay(ctx context.Context, messageID string, afterSeq int64) ([]query.Event, error) {
	raw, err := p.client.LRange(ctx, eventsKey(messageID), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read event log: %w", err)
	}

	events := make([]query.Event, 0, len(raw))
	for _, item := range raw {
		var ev query.Event
		if err := json.Unmarshal([]byte(item), &ev); err != nil {
			logger.Warn("Skipping undecodable event", zap.String("message_id", messageID), zap.Error(err))
			continue
		}
		if ev.Seq > afterSeq {
			events = append(events, ev)
		}
	}
	return events, nil
}

// Subscribe tails new events for messageID. The returned func stops the
// subscription and closes the channel.
func (p *ProgressLog) Subscribe(ctx context.Context, messageID string) (<-chan query.Event, func(), error) {
	sub := p.client.Subscribe(ctx, liveChannel(messageID))
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return nil, nil, fmt.Errorf("failed to subscribe to live events: %w", err)
	}

	out := make(chan query.Event, 64)
	done := make(chan struct{})
	go func() {
		defer close(out)
		for msg := range sub.Channel() {
			var ev query.Event
			if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
				logger.Warn("Skipping undecodable live event", zap.String("message_id", messageID), zap.Error(err))
				continue
			}
			select {
			case <-done:
				return
			default:
			}
			if stream.Offer(out, ev) {
				logger.Debug("Live tail full, discarded oldest event", zap.String("message_id", messageID))
			}
		}
	}()

	var once sync.Once
	stop := func() {
		once.Do(func() {
			close(done)
			_ = sub.Close()
		})
	}
	return out, stop, nil
}

// AcquireLease marks messageID as in flight. It reports false when another
// run already holds the lease.
func (p *ProgressLog) AcquireLease(ctx context.Context, messageID string, ttl time.Duration) (bool, error) {
	ok, err := p.client.SetNX(ctx, leaseKey(messageID), time.Now().UTC().Format(time.RFC3339), ttl).Result()
	if err != nil {
		return false, fmt.Errorf("failed to acquire run lease: %w", err)
	}
	return ok, nil
}

func (p *ProgressLog) ReleaseLease(ctx context.Context, messageID string) error {
	if err := p.client.Del(ctx, leaseKey(messageID)).Err(); err != nil {
		return fmt.Errorf("failed to release run lease: %w", err)
	}
	return nil
}

// Reset drops the stored events of a previous run. The sequence counter is
// kept so numbers stay increasing across retries.
func (p *ProgressLog) Reset(ctx context.Context, messageID string) error {
	if err := p.client.Del(ctx, eventsKey(messageID)).Err(); err != nil {
		return fmt.Errorf("failed to reset event log: %w", err)
	}
	return nil
}
