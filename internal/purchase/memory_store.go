package purchase

import (
	"context"
	"sort"
	"sync/atomic"
	"time"

	"github.com/puzpuzpuz/xsync/v3"
)

type memoryOutboxEntry struct {
	seq          int64
	record       OutboxRecord
	dispatchedAt time.Time
}

// MemoryStore keeps purchases and their outbox in process memory.
type MemoryStore struct {
	states *xsync.MapOf[string, State]
	outbox *xsync.MapOf[string, memoryOutboxEntry]
	seq    atomic.Int64
	now    func() time.Time
}

// NewMemoryStore constructs an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		states: xsync.NewMapOf[string, State](),
		outbox: xsync.NewMapOf[string, memoryOutboxEntry](),
		now:    time.Now,
	}
}

func (m *MemoryStore) Load(ctx context.Context, correlationID string) (State, error) {
	if err := ctx.Err(); err != nil {
		return State{}, err
	}
	state, ok := m.states.Load(correlationID)
	if !ok {
		return State{}, ErrNotFound
	}
	return state, nil
}

func (m *MemoryStore) Create(ctx context.Context, state State, outbox []Envelope) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	state.Version = 1
	if _, loaded := m.states.LoadOrStore(state.CorrelationID, state); loaded {
		return ErrAlreadyExists
	}
	m.enqueue(outbox)
	return nil
}

func (m *MemoryStore) SaveIfVersionMatches(ctx context.Context, state State, expectedVersion int64, outbox []Envelope) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	var conflict error
	m.states.Compute(state.CorrelationID, func(old State, loaded bool) (State, bool) {
		if !loaded {
			conflict = ErrNotFound
			return old, true
		}
		if old.Version != expectedVersion {
			conflict = ErrVersionConflict
			return old, false
		}
		state.Version = expectedVersion + 1
		return state, false
	})
	if conflict != nil {
		return conflict
	}
	m.enqueue(outbox)
	return nil
}

func (m *MemoryStore) enqueue(outbox []Envelope) {
	now := m.now().UTC()
	for _, env := range outbox {
		m.outbox.Store(env.ID, memoryOutboxEntry{
			seq:    m.seq.Add(1),
			record: OutboxRecord{Envelope: env, CreatedAt: now},
		})
	}
}

func (m *MemoryStore) PendingOutbox(ctx context.Context, limit int) ([]OutboxRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var pending []memoryOutboxEntry
	m.outbox.Range(func(_ string, entry memoryOutboxEntry) bool {
		if entry.dispatchedAt.IsZero() {
			pending = append(pending, entry)
		}
		return true
	})
	sort.Slice(pending, func(i, j int) bool { return pending[i].seq < pending[j].seq })
	if limit > 0 && len(pending) > limit {
		pending = pending[:limit]
	}
	records := make([]OutboxRecord, 0, len(pending))
	for _, entry := range pending {
		records = append(records, entry.record)
	}
	return records, nil
}

func (m *MemoryStore) MarkDispatched(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	now := m.now().UTC()
	m.outbox.Compute(id, func(entry memoryOutboxEntry, loaded bool) (memoryOutboxEntry, bool) {
		if !loaded {
			return entry, true
		}
		if entry.dispatchedAt.IsZero() {
			entry.dispatchedAt = now
		}
		return entry, false
	})
	return nil
}

func (m *MemoryStore) MarkFailed(ctx context.Context, id string, cause string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.outbox.Compute(id, func(entry memoryOutboxEntry, loaded bool) (memoryOutboxEntry, bool) {
		if !loaded {
			return entry, true
		}
		entry.record.Attempts++
		entry.record.LastError = cause
		return entry, false
	})
	return nil
}

// Dispatched returns the envelopes already handed off, in enqueue order.
func (m *MemoryStore) Dispatched() []Envelope {
	var done []memoryOutboxEntry
	m.outbox.Range(func(_ string, entry memoryOutboxEntry) bool {
		if !entry.dispatchedAt.IsZero() {
			done = append(done, entry)
		}
		return true
	})
	sort.Slice(done, func(i, j int) bool { return done[i].seq < done[j].seq })
	envs := make([]Envelope, 0, len(done))
	for _, entry := range done {
		envs = append(envs, entry.record.Envelope)
	}
	return envs
}
