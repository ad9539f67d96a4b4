package purchase

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mustEnvelope(t *testing.T, id string, msg Message) Envelope {
	t.Helper()
	env, err := NewEnvelope(id, msg, machineEpoch)
	require.NoError(t, err)
	return env
}

func TestMemoryStoreCreateAndLoad(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	_, err := store.Load(ctx, "c1")
	require.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, store.Create(ctx, acceptedState(), nil))
	got, err := store.Load(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), got.Version)

	require.ErrorIs(t, store.Create(ctx, acceptedState(), nil), ErrAlreadyExists)
}

func TestMemoryStoreCompareAndSwap(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	require.NoError(t, store.Create(ctx, acceptedState(), nil))

	next := reservedState()
	require.NoError(t, store.SaveIfVersionMatches(ctx, next, 1, nil))
	require.ErrorIs(t, store.SaveIfVersionMatches(ctx, next, 1, nil), ErrVersionConflict)

	got, err := store.Load(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, int64(2), got.Version)
	assert.Equal(t, StatusItemsReserved, got.Status)

	missing := acceptedState()
	missing.CorrelationID = "c404"
	require.ErrorIs(t, store.SaveIfVersionMatches(ctx, missing, 1, nil), ErrNotFound)
}

func TestMemoryStoreConcurrentWritersOnlyOneWins(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	require.NoError(t, store.Create(ctx, acceptedState(), nil))

	const writers = 16
	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		wins int
	)
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if store.SaveIfVersionMatches(ctx, reservedState(), 1, nil) == nil {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, wins)
}

func TestMemoryStoreOutboxLifecycle(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	reserve := mustEnvelope(t, "e1", ReserveItems{CorrelationID: "c1", UserID: "u1", ItemID: "item7", Quantity: 3})
	require.NoError(t, store.Create(ctx, acceptedState(), []Envelope{reserve}))

	debit := mustEnvelope(t, "e2", DebitFunds{CorrelationID: "c1", UserID: "u1", Amount: 7.5})
	require.NoError(t, store.SaveIfVersionMatches(ctx, reservedState(), 1, []Envelope{debit}))

	pending, err := store.PendingOutbox(ctx, 1)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "e1", pending[0].ID)

	require.NoError(t, store.MarkFailed(ctx, "e1", "broker down"))
	pending, err = store.PendingOutbox(ctx, 0)
	require.NoError(t, err)
	require.Len(t, pending, 2)
	assert.Equal(t, 1, pending[0].Attempts)
	assert.Equal(t, "broker down", pending[0].LastError)

	require.NoError(t, store.MarkDispatched(ctx, "e1"))
	require.NoError(t, store.MarkDispatched(ctx, "unknown"))
	pending, err = store.PendingOutbox(ctx, 0)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "e2", pending[0].ID)

	dispatched := store.Dispatched()
	require.Len(t, dispatched, 1)
	assert.Equal(t, TypeReserveItems, dispatched[0].Type)
}

func TestMemoryStoreConflictWritesNoOutbox(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	require.NoError(t, store.Create(ctx, acceptedState(), nil))

	debit := mustEnvelope(t, "e2", DebitFunds{CorrelationID: "c1"})
	require.ErrorIs(t, store.SaveIfVersionMatches(ctx, reservedState(), 7, []Envelope{debit}), ErrVersionConflict)

	pending, err := store.PendingOutbox(ctx, 0)
	require.NoError(t, err)
	assert.Empty(t, pending)
}
