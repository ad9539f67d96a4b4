package purchase

import (
	"context"
	"time"
)

// Resolution is the caller-facing summary of where a purchase ended up.
type Resolution string

const (
	ResolutionInProgress Resolution = "in-progress"
	ResolutionCompleted  Resolution = "completed"
	ResolutionRejected   Resolution = "rejected"
	ResolutionFaulted    Resolution = "faulted-and-compensated"
)

// Resolve maps a status onto its resolution.
func Resolve(status Status) Resolution {
	switch status {
	case StatusCompleted:
		return ResolutionCompleted
	case StatusRejected:
		return ResolutionRejected
	case StatusFaulted:
		return ResolutionFaulted
	default:
		return ResolutionInProgress
	}
}

// StatusView is the read model returned by GetPurchaseStatus.
type StatusView struct {
	CorrelationID string
	Status        Status
	ErrorReason   string
	Resolution    Resolution
	PurchaseTotal float64
	LastUpdated   time.Time
}

// Query serves read-only purchase lookups.
type Query struct {
	loader Loader
}

func NewQuery(loader Loader) *Query {
	return &Query{loader: loader}
}

// GetPurchaseStatus returns the status of a purchase or ErrNotFound.
func (q *Query) GetPurchaseStatus(ctx context.Context, correlationID string) (StatusView, error) {
	state, err := q.loader.Load(ctx, correlationID)
	if err != nil {
		return StatusView{}, err
	}
	return ViewOf(state), nil
}

func ViewOf(state State) StatusView {
	return StatusView{
		CorrelationID: state.CorrelationID,
		Status:        state.Status,
		ErrorReason:   state.ErrorReason,
		Resolution:    Resolve(state.Status),
		PurchaseTotal: state.PurchaseTotal,
		LastUpdated:   state.LastUpdated,
	}
}
