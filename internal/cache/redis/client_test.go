package redis

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/connect3/backend/internal/query"
)

func newTestClient(t *testing.T) (*Client, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return NewWithClient(rdb), mr
}

func TestJSONCache(t *testing.T) {
	c, mr := newTestClient(t)
	ctx := context.Background()

	type page struct {
		Title string `json:"title"`
	}

	var got page
	found, err := c.GetJSON(ctx, "web:abc", &got)
	require.NoError(t, err)
	assert.False(t, found)

	require.NoError(t, c.SetJSON(ctx, "web:abc", page{Title: "Key dates"}, time.Minute))
	found, err = c.GetJSON(ctx, "web:abc", &got)
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, "Key dates", got.Title)

	mr.FastForward(2 * time.Minute)
	found, err = c.GetJSON(ctx, "web:abc", &got)
	require.NoError(t, err)
	assert.False(t, found)
}

func TestEmbeddingCache(t *testing.T) {
	c, _ := newTestClient(t)
	ctx := context.Background()

	require.NoError(t, c.SetEmbedding(ctx, "h1", []float32{0.5, 0.25}, time.Hour))
	v, found, err := c.GetEmbedding(ctx, "h1")
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, []float32{0.5, 0.25}, v)

	_, found, err = c.GetEmbedding(ctx, "missing")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestInvalidatePrefix(t *testing.T) {
	c, mr := newTestClient(t)
	ctx := context.Background()

	require.NoError(t, c.SetJSON(ctx, "web:1", "a", 0))
	require.NoError(t, c.SetJSON(ctx, "web:2", "b", 0))
	require.NoError(t, c.SetJSON(ctx, "other:1", "c", 0))

	n, err := c.InvalidatePrefix(ctx, "web:")
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.True(t, mr.Exists("cache:other:1"))
	assert.False(t, mr.Exists("cache:web:1"))
}

func TestIncrementQuota(t *testing.T) {
	c, mr := newTestClient(t)
	ctx := context.Background()
	day := time.Now().UTC()

	for want := int64(1); want <= 3; want++ {
		n, err := c.IncrementQuota(ctx, "user-1", day)
		require.NoError(t, err)
		assert.Equal(t, want, n)
	}

	n, err := c.IncrementQuota(ctx, "user-1", day.Add(24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	n, err = c.IncrementQuota(ctx, "user-2", day)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	assert.Greater(t, mr.TTL("search:quota:user-1:"+day.Format("20060102")), time.Duration(0))
}

func TestProgressLogReplay(t *testing.T) {
	c, _ := newTestClient(t)
	log := NewProgressLog(c, time.Hour)
	ctx := context.Background()

	for _, step := range []query.Step{query.StepContext, query.StepReasoning, query.StepSearching} {
		ev, err := log.Append(ctx, "m1", query.Event{Type: query.EventProgress, Step: step})
		require.NoError(t, err)
		assert.Positive(t, ev.Seq)
	}

	all, err := log.Replay(ctx, "m1", 0)
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, []int64{1, 2, 3}, []int64{all[0].Seq, all[1].Seq, all[2].Seq})

	tail, err := log.Replay(ctx, "m1", 2)
	require.NoError(t, err)
	require.Len(t, tail, 1)
	assert.Equal(t, query.StepSearching, tail[0].Step)

	require.NoError(t, log.Reset(ctx, "m1"))
	empty, err := log.Replay(ctx, "m1", 0)
	require.NoError(t, err)
	assert.Empty(t, empty)

	next, err := log.Append(ctx, "m1", query.Event{Type: query.EventStatus})
	require.NoError(t, err)
	assert.Equal(t, int64(4), next.Seq)
}

func TestProgressLogSubscribe(t *testing.T) {
	c, _ := newTestClient(t)
	log := NewProgressLog(c, time.Hour)
	ctx := context.Background()

	live, stop, err := log.Subscribe(ctx, "m1")
	require.NoError(t, err)
	defer stop()

	_, err = log.Append(ctx, "m1", query.Event{Type: query.EventProgress, Step: query.StepContext})
	require.NoError(t, err)

	select {
	case ev := <-live:
		assert.Equal(t, int64(1), ev.Seq)
		assert.Equal(t, query.StepContext, ev.Step)
	case <-time.After(2 * time.Second):
		t.Fatal("live event not delivered")
	}

	stop()
	select {
	case _, open := <-live:
		assert.False(t, open)
	case <-time.After(2 * time.Second):
		t.Fatal("live channel not closed")
	}
}

func TestProgressLogSubscribeKeepsNewest(t *testing.T) {
	c, _ := newTestClient(t)
	log := NewProgressLog(c, time.Hour)
	ctx := context.Background()

	live, stop, err := log.Subscribe(ctx, "m1")
	require.NoError(t, err)
	defer stop()

	for i := 0; i < 90; i++ {
		_, err := log.Append(ctx, "m1", query.Event{Type: query.EventResponse})
		require.NoError(t, err)
	}
	_, err = log.Append(ctx, "m1", query.CompleteEvent(nil))
	require.NoError(t, err)

	var seen []query.Event
	timeout := time.After(2 * time.Second)
	for len(seen) == 0 || seen[len(seen)-1].Seq < 91 {
		select {
		case ev := <-live:
			seen = append(seen, ev)
		case <-timeout:
			t.Fatal("newest live event not delivered")
		}
	}
	assert.Equal(t, query.EventComplete, seen[len(seen)-1].Type)
}

func TestLease(t *testing.T) {
	c, mr := newTestClient(t)
	log := NewProgressLog(c, time.Hour)
	ctx := context.Background()

	ok, err := log.AcquireLease(ctx, "m1", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = log.AcquireLease(ctx, "m1", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, log.ReleaseLease(ctx, "m1"))
	ok, err = log.AcquireLease(ctx, "m1", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)

	mr.FastForward(2 * time.Minute)
	ok, err = log.AcquireLease(ctx, "m1", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)
}
