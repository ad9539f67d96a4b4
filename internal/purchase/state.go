package purchase

import (
	"errors"
	"fmt"
	"time"
)

// Status is the current step of a purchase saga.
type Status string

const (
	StatusAccepted         Status = "Accepted"
	StatusItemsReserved    Status = "ItemsReserved"
	StatusPaymentInitiated Status = "PaymentInitiated"
	StatusCompleted        Status = "Completed"
	StatusFaulted          Status = "Faulted"
	StatusRejected         Status = "Rejected"
)

var statuses = []Status{
	StatusAccepted,
	StatusItemsReserved,
	StatusPaymentInitiated,
	StatusCompleted,
	StatusFaulted,
	StatusRejected,
}

// ParseStatus converts a stored status string.
func ParseStatus(raw string) (Status, error) {
	for _, s := range statuses {
		if string(s) == raw {
			return s, nil
		}
	}
	return "", fmt.Errorf("unknown purchase status %q", raw)
}

// Terminal reports whether no further transitions are accepted.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFaulted || s == StatusRejected
}

// AwaitingPayment reports whether the saga holds reserved items and waits on the wallet.
func (s Status) AwaitingPayment() bool {
	return s == StatusItemsReserved || s == StatusPaymentInitiated
}

// State is the persisted record of one purchase in progress.
type State struct {
	CorrelationID string
	UserID        string
	ItemID        string
	Quantity      int
	PurchaseTotal float64

	Status                     Status
	ReservedItemsTransactionID string
	PaymentCorrelationID       string
	BillID                     string
	ErrorReason                string
	// Compensated is set once a ReleaseItems command has been issued.
	Compensated bool

	CreatedAt   time.Time
	LastUpdated time.Time
	Version     int64
}

var (
	ErrNotFound            = errors.New("purchase not found")
	ErrAlreadyExists       = errors.New("purchase already exists")
	ErrVersionConflict     = errors.New("purchase version conflict")
	ErrIdempotencyConflict = errors.New("correlation id reused with different purchase intent")
	ErrInvalidMessage      = errors.New("invalid purchase message")
	ErrUnknownItem         = errors.New("unknown item")
)

// Validate checks the cross-field invariants of a purchase record.
func (s State) Validate() error {
	if s.CorrelationID == "" {
		return errors.New("correlation id is required")
	}
	reserved := s.ReservedItemsTransactionID != ""

	switch s.Status {
	case StatusAccepted:
		if reserved || s.BillID != "" || s.Compensated {
			return fmt.Errorf("%s purchase must not hold a reservation, bill or compensation", s.Status)
		}
	case StatusItemsReserved, StatusPaymentInitiated:
		if !reserved {
			return fmt.Errorf("%s purchase requires a reservation id", s.Status)
		}
		if s.BillID != "" || s.Compensated {
			return fmt.Errorf("%s purchase must not hold a bill or compensation", s.Status)
		}
	case StatusCompleted:
		if !reserved || s.BillID == "" {
			return errors.New("completed purchase requires a reservation id and a bill id")
		}
		if s.Compensated {
			return errors.New("completed purchase must not be compensated")
		}
	case StatusFaulted:
		if !reserved || !s.Compensated {
			return errors.New("faulted purchase requires a released reservation")
		}
	case StatusRejected:
		if reserved || s.BillID != "" {
			return errors.New("rejected purchase must not hold a reservation or bill")
		}
	default:
		return fmt.Errorf("unknown purchase status %q", s.Status)
	}
	return nil
}

// SameIntent reports whether start describes the purchase already recorded in s.
func (s State) SameIntent(start StartPurchase) bool {
	return s.UserID == start.UserID && s.ItemID == start.ItemID && s.Quantity == start.Quantity
}
