package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/tidwall/btree"

	"trading/internal/purchase"
)

// ErrNotDelayed is returned when an envelope without DeliverAt is scheduled.
var ErrNotDelayed = errors.New("envelope has no delivery time")

// Store holds delayed envelopes. Scheduling the same id twice keeps the first entry.
type Store interface {
	Schedule(ctx context.Context, env purchase.Envelope) error
	// Due returns up to limit envelopes whose DeliverAt is not after now, earliest first.
	Due(ctx context.Context, now time.Time, limit int) ([]purchase.Envelope, error)
	Remove(ctx context.Context, ids ...string) error
}

type entry struct {
	at  time.Time
	env purchase.Envelope
}

func entryLess(a, b entry) bool {
	if !a.at.Equal(b.at) {
		return a.at.Before(b.at)
	}
	return a.env.ID < b.env.ID
}

// MemoryScheduler keeps delayed envelopes in a btree ordered by delivery time.
type MemoryScheduler struct {
	mu   sync.Mutex
	tree *btree.BTreeG[entry]
	byID map[string]entry
}

func NewMemoryScheduler() *MemoryScheduler {
	return &MemoryScheduler{
		tree: btree.NewBTreeG(entryLess),
		byID: make(map[string]entry),
	}
}

func (s *MemoryScheduler) Schedule(ctx context.Context, env purchase.Envelope) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if !env.Delayed() {
		return fmt.Errorf("%w: %s", ErrNotDelayed, env.ID)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.byID[env.ID]; ok {
		return nil
	}
	e := entry{at: env.DeliverAt.UTC(), env: env}
	s.byID[env.ID] = e
	s.tree.Set(e)
	return nil
}

func (s *MemoryScheduler) Due(ctx context.Context, now time.Time, limit int) ([]purchase.Envelope, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	var due []purchase.Envelope
	s.tree.Scan(func(e entry) bool {
		if e.at.After(now) || (limit > 0 && len(due) >= limit) {
			return false
		}
		due = append(due, e.env)
		return true
	})
	return due, nil
}

func (s *MemoryScheduler) Remove(ctx context.Context, ids ...string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range ids {
		e, ok := s.byID[id]
		if !ok {
			continue
		}
		delete(s.byID, id)
		s.tree.Delete(e)
	}
	return nil
}

// Len reports how many envelopes are waiting.
func (s *MemoryScheduler) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tree.Len()
}
