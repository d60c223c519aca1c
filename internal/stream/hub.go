package stream

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/connect3/backend/internal/metrics"
	"github.com/connect3/backend/internal/query"
	"github.com/connect3/backend/internal/sentry"
	"github.com/connect3/backend/internal/storage/models"
	"github.com/connect3/backend/internal/storage/sqlite"
	"github.com/connect3/backend/pkg/config"
	"github.com/connect3/backend/pkg/logger"
)

var ErrMessageNotFound = errors.New("message not found")

// ProgressLog stores the events of each run and tails them live. The redis
// implementation lives in internal/cache/redis.
type ProgressLog interface {
	Append(ctx context.Context, messageID string, ev query.Event) (query.Event, error)
	Replay(ctx context.Context, messageID string, afterSeq int64) ([]query.Event, error)
	Subscribe(ctx context.Context, messageID string) (<-chan query.Event, func(), error)
	AcquireLease(ctx context.Context, messageID string, ttl time.Duration) (bool, error)
	ReleaseLease(ctx context.Context, messageID string) error
	Reset(ctx context.Context, messageID string) error
}

// Offer hands ev to a live subscriber without blocking. When ch is full the
// oldest buffered event is discarded, so the newest event, terminal ones
// included, always reaches the tail and the hub can see the gap. It reports
// whether anything was discarded. ch must have a single sender.
func Offer(ch chan query.Event, ev query.Event) bool {
	dropped := false
	for {
		select {
		case ch <- ev:
			return dropped
		default:
		}
		select {
		case <-ch:
			dropped = true
		default:
		}
	}
}

type Runner interface {
	Run(ctx context.Context, messageID string, emit query.Emitter) (*models.MessageContent, error)
}

type MessageReader interface {
	GetMessage(ctx context.Context, id string) (*models.ChatMessage, error)
}

type Config struct {
	LeaseTTL        time.Duration
	RunTimeout      time.Duration
	SubscriberQueue int
	ResyncInterval  time.Duration
}

func ConfigFrom(cfg config.SearchConfig) Config {
	return Config{
		LeaseTTL:        time.Duration(cfg.LeaseTTLSec) * time.Second,
		RunTimeout:      time.Duration(cfg.RunTimeoutSec) * time.Second,
		SubscriberQueue: cfg.SubscriberQueue,
	}
}

func (c *Config) applyDefaults() {
	if c.LeaseTTL <= 0 {
		c.LeaseTTL = 5 * time.Minute
	}
	if c.RunTimeout <= 0 {
		c.RunTimeout = 3 * time.Minute
	}
	if c.SubscriberQueue <= 0 {
		c.SubscriberQueue = 64
	}
	if c.ResyncInterval <= 0 {
		c.ResyncInterval = 2 * time.Second
	}
}

// Hub runs at most one pipeline per message and lets any number of clients
// attach to it, including clients that reconnect mid-run.
type Hub struct {
	runner   Runner
	messages MessageReader
	log      ProgressLog
	cfg      Config
	group    singleflight.Group
	runs     sync.WaitGroup
}

func NewHub(runner Runner, messages MessageReader, log ProgressLog, cfg Config) *Hub {
	cfg.applyDefaults()
	return &Hub{
		runner:   runner,
		messages: messages,
		log:      log,
		cfg:      cfg,
	}
}

// Attach returns the events of messageID with a sequence number above
// afterSeq. A completed message yields a single complete event. Otherwise the
// run is started unless one is already in flight. The channel closes after
// the terminal event or when ctx is done; cancelling ctx never stops the run.
func (h *Hub) Attach(ctx context.Context, messageID string, afterSeq int64) (<-chan query.Event, error) {
	msg, err := h.messages.GetMessage(ctx, messageID)
	if err != nil {
		if errors.Is(err, sqlite.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrMessageNotFound, messageID)
		}
		return nil, fmt.Errorf("failed to load message: %w", err)
	}

	if msg.Status == models.StatusCompleted && msg.Content != nil {
		out := make(chan query.Event, 1)
		out <- query.CompleteEvent(msg.Content)
		close(out)
		return out, nil
	}

	// Subscribe before starting so no event falls between replay and tail.
	live, stop, err := h.log.Subscribe(ctx, messageID)
	if err != nil {
		return nil, err
	}

	started, err := h.ensureRunning(ctx, msg, afterSeq)
	if err != nil {
		stop()
		return nil, err
	}
	if !started {
		metrics.Reattachments.Inc()
		logger.Debug("Attached to in-flight search", zap.String("message_id", messageID), zap.Int64("after_seq", afterSeq))
	}

	out := make(chan query.Event, h.cfg.SubscriberQueue)
	metrics.ActiveStreams.Inc()
	resumingFailure := msg.Status == models.StatusFailed && afterSeq > 0
	go h.forward(ctx, msg.ID, afterSeq, resumingFailure, live, stop, out)
	return out, nil
}

// ensureRunning starts the run unless another attach, here or on another
// node, already holds the lease. A failed message is only re-run for a fresh
// attach; a client resuming its stream replays the failure instead.
func (h *Hub) ensureRunning(ctx context.Context, msg *models.ChatMessage, afterSeq int64) (bool, error) {
	if msg.Status == models.StatusFailed && afterSeq > 0 {
		return false, nil
	}

	// Callers sharing the flight all see shared=true, so the starter is
	// recognised by its token instead.
	token := new(byte)
	v, err, _ := h.group.Do(msg.ID, func() (any, error) {
		ok, err := h.log.AcquireLease(ctx, msg.ID, h.cfg.LeaseTTL)
		if err != nil || !ok {
			return (*byte)(nil), err
		}
		if err := h.log.Reset(ctx, msg.ID); err != nil {
			h.releaseLease(msg.ID)
			return (*byte)(nil), err
		}
		h.start(msg.ID)
		return token, nil
	})
	if err != nil {
		return false, err
	}
	return v.(*byte) == token, nil
}

func (h *Hub) start(messageID string) {
	h.runs.Add(1)
	metrics.ActiveRuns.Inc()

	go func() {
		defer h.runs.Done()
		defer metrics.ActiveRuns.Dec()
		defer h.releaseLease(messageID)

		ctx, cancel := context.WithTimeout(context.Background(), h.cfg.RunTimeout)
		defer cancel()

		defer func() {
			if r := recover(); r != nil {
				err := fmt.Errorf("search run panicked: %v", r)
				logger.Error("Search run panicked", zap.String("message_id", messageID), zap.Any("panic", r))
				sentry.CaptureError(err, map[string]string{"component": "stream"}, map[string]any{"message_id": messageID})
				h.append(ctx, messageID, query.ErrorEvent(err))
			}
		}()

		_, err := h.runner.Run(ctx, messageID, func(ev query.Event) {
			h.append(ctx, messageID, ev)
		})
		if err != nil && query.KindOf(err) != query.KindLimit && query.KindOf(err) != query.KindContext {
			sentry.CaptureError(err, map[string]string{
				"component": "stream",
				"kind":      string(query.KindOf(err)),
			}, map[string]any{"message_id": messageID})
		}
	}()
}

func (h *Hub) append(ctx context.Context, messageID string, ev query.Event) {
	ctx = context.WithoutCancel(ctx)
	if _, err := h.log.Append(ctx, messageID, ev); err != nil {
		logger.Warn("Failed to record search event",
			zap.String("message_id", messageID),
			zap.String("type", string(ev.Type)),
			zap.Error(err),
		)
	}
}

func (h *Hub) releaseLease(messageID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := h.log.ReleaseLease(ctx, messageID); err != nil {
		logger.Warn("Failed to release run lease", zap.String("message_id", messageID), zap.Error(err))
	}
}

// forward replays the log, then tails it. A gap in the tail's sequence
// numbers is filled from the log before the event that revealed it; the
// periodic resync covers a tail that dropped the final events.
func (h *Hub) forward(ctx context.Context, messageID string, afterSeq int64, resumingFailure bool, live <-chan query.Event, stop func(), out chan<- query.Event) {
	defer close(out)
	defer stop()
	defer metrics.ActiveStreams.Dec()

	last := afterSeq
	// send reports whether forwarding should continue.
	send := func(ev query.Event) bool {
		if ev.Seq <= last {
			return true
		}
		last = ev.Seq
		if ev.Type == query.EventResponse {
			select {
			case out <- ev:
			default:
				logger.Debug("Dropping partial response for slow subscriber", zap.String("message_id", messageID), zap.Int64("seq", ev.Seq))
			}
			return true
		}
		select {
		case out <- ev:
		case <-ctx.Done():
			return false
		}
		return !ev.Terminal()
	}
	// resync forwards everything in the log after last. ok is false when
	// the replay failed and last did not move.
	resync := func() (cont, ok bool) {
		events, err := h.log.Replay(ctx, messageID, last)
		if err != nil {
			logger.Warn("Failed to replay search events", zap.String("message_id", messageID), zap.Error(err))
			return true, false
		}
		for _, ev := range events {
			if !send(ev) {
				return false, true
			}
		}
		return true, true
	}

	if cont, _ := resync(); !cont {
		return
	}
	if resumingFailure && h.finishedWithFailure(ctx, messageID, last, send) {
		return
	}

	ticker := time.NewTicker(h.cfg.ResyncInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-live:
			if !ok {
				live = nil
				continue
			}
			// The tail may have dropped events; the log fills the gap so
			// last never moves past an event that was not forwarded.
			if ev.Seq > last+1 {
				cont, replayed := resync()
				if !cont {
					return
				}
				if !replayed {
					continue
				}
			}
			if !send(ev) {
				return
			}
		case <-ticker.C:
			if cont, _ := resync(); !cont {
				return
			}
		}
	}
}

// finishedWithFailure ends a resumed stream whose run already failed and
// whose events have expired from the log.
func (h *Hub) finishedWithFailure(ctx context.Context, messageID string, last int64, send func(query.Event) bool) bool {
	msg, err := h.messages.GetMessage(ctx, messageID)
	if err != nil || msg.Status != models.StatusFailed {
		return false
	}
	send(query.Event{
		Seq:       last + 1,
		Type:      query.EventError,
		Status:    models.StatusFailed,
		Error:     msg.Error,
		Retriable: true,
		Time:      time.Now(),
	})
	return true
}

// Wait blocks until every started run has finished or ctx is done.
func (h *Hub) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		h.runs.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
