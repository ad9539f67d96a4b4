package purchase

import (
	"context"
	"time"
)

// Loader reads purchase records.
type Loader interface {
	Load(ctx context.Context, correlationID string) (State, error)
}

// Store persists purchase records with optimistic concurrency. Outbox envelopes passed to
// Create and SaveIfVersionMatches are written in the same atomic unit as the state.
type Store interface {
	Loader
	// Create inserts a new record with version 1 or returns ErrAlreadyExists.
	Create(ctx context.Context, state State, outbox []Envelope) error
	// SaveIfVersionMatches writes state with version expectedVersion+1 or returns ErrVersionConflict.
	SaveIfVersionMatches(ctx context.Context, state State, expectedVersion int64, outbox []Envelope) error
}

// OutboxRecord is an envelope waiting to be handed to the bus or the timeout scheduler.
type OutboxRecord struct {
	Envelope
	Attempts  int
	LastError string
	CreatedAt time.Time
}

// Outbox exposes undelivered envelopes to the relay.
type Outbox interface {
	PendingOutbox(ctx context.Context, limit int) ([]OutboxRecord, error)
	MarkDispatched(ctx context.Context, id string) error
	MarkFailed(ctx context.Context, id string, cause string) error
}
