package stream

import (
	"context"
	"sync"
	"time"

	"github.com/connect3/backend/internal/query"
)

// MemoryLog is a ProgressLog for single-node deployments and tests. Logs
// untouched for longer than ttl are pruned when a new run starts.
type MemoryLog struct {
	mu      sync.Mutex
	ttl     time.Duration
	now     func() time.Time
	seq     map[string]int64
	events  map[string][]query.Event
	touched map[string]time.Time
	leases  map[string]time.Time
	subs    map[string]map[int]chan query.Event
	nextSub int
}

func NewMemoryLog(ttl time.Duration) *MemoryLog {
	return &MemoryLog{
		ttl:     ttl,
		now:     time.Now,
		seq:     make(map[string]int64),
		events:  make(map[string][]query.Event),
		touched: make(map[string]time.Time),
		leases:  make(map[string]time.Time),
		subs:    make(map[string]map[int]chan query.Event),
	}
}

func (m *MemoryLog) Append(_ context.Context, messageID string, ev query.Event) (query.Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.seq[messageID]++
	ev.Seq = m.seq[messageID]
	m.events[messageID] = append(m.events[messageID], ev)
	m.touched[messageID] = m.now()

	for _, ch := range m.subs[messageID] {
		Offer(ch, ev)
	}
	return ev, nil
}

func (m *MemoryLog) Replay(_ context.Context, messageID string, afterSeq int64) ([]query.Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []query.Event
	for _, ev := range m.events[messageID] {
		if ev.Seq > afterSeq {
			out = append(out, ev)
		}
	}
	return out, nil
}

func (m *MemoryLog) Subscribe(_ context.Context, messageID string) (<-chan query.Event, func(), error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	id := m.nextSub
	m.nextSub++
	ch := make(chan query.Event, 64)
	if m.subs[messageID] == nil {
		m.subs[messageID] = make(map[int]chan query.Event)
	}
	m.subs[messageID][id] = ch

	var once sync.Once
	stop := func() {
		once.Do(func() {
			m.mu.Lock()
			defer m.mu.Unlock()
			delete(m.subs[messageID], id)
			if len(m.subs[messageID]) == 0 {
				delete(m.subs, messageID)
			}
			close(ch)
		})
	}
	return ch, stop, nil
}

func (m *MemoryLog) AcquireLease(_ context.Context, messageID string, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	if expires, ok := m.leases[messageID]; ok && now.Before(expires) {
		return false, nil
	}
	m.leases[messageID] = now.Add(ttl)
	m.prune(now)
	return true, nil
}

func (m *MemoryLog) ReleaseLease(_ context.Context, messageID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.leases, messageID)
	return nil
}

func (m *MemoryLog) Reset(_ context.Context, messageID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.events, messageID)
	return nil
}

func (m *MemoryLog) prune(now time.Time) {
	if m.ttl <= 0 {
		return
	}
	for id, at := range m.touched {
		if now.Sub(at) <= m.ttl {
			continue
		}
		if _, running := m.leases[id]; running {
			continue
		}
		delete(m.events, id)
		delete(m.seq, id)
		delete(m.touched, id)
	}
}
