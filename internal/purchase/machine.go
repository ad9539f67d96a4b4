package purchase

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Outcome classifies what the machine did with an inbound message.
type Outcome string

const (
	OutcomeApplied   Outcome = "applied"
	OutcomeDuplicate Outcome = "duplicate"
	OutcomeStale     Outcome = "stale"
	OutcomeTerminal  Outcome = "terminal"
	OutcomeInvalid   Outcome = "invalid"
	OutcomeUnknown   Outcome = "unknown"
)

// ReasonTimeout is recorded when the wallet never answers.
const ReasonTimeout = "timeout"

// ReasonReservationTimeout is recorded when inventory never answers.
const ReasonReservationTimeout = "reservation timeout"

const (
	// DefaultPaymentTimeout bounds how long a purchase waits on the wallet.
	DefaultPaymentTimeout = 30 * time.Second
	// DefaultReservationTimeout bounds how long a purchase waits on inventory.
	DefaultReservationTimeout = 30 * time.Second
)

// Effect is a message emitted as part of a transition.
type Effect struct {
	ID        string
	Message   Outbound
	DeliverAt time.Time
}

// Decision is the result of evaluating one inbound message against the current state.
type Decision struct {
	Outcome Outcome
	// State is the next state when applied and the unchanged current state otherwise.
	State   State
	Effects []Effect
	Reason  string
}

// Applied reports whether the decision must be persisted.
func (d Decision) Applied() bool { return d.Outcome == OutcomeApplied }

// Machine is the purchase transition table. It is pure: no I/O and a fixed clock per call.
type Machine struct {
	PaymentTimeout     time.Duration
	ReservationTimeout time.Duration
	Now                func() time.Time
}

var effectNamespace = uuid.MustParse("8f1d7c2e-3a5b-4e7f-9c1a-2b6d4e8f0a13")

// EffectID derives a stable message id so that re-evaluating a transition yields the same id.
func EffectID(correlationID, msgType, discriminator string) string {
	return uuid.NewSHA1(effectNamespace, []byte(correlationID+"|"+msgType+"|"+discriminator)).String()
}

// PaymentCorrelationID derives the id the wallet uses to dedupe debits for a purchase.
func PaymentCorrelationID(correlationID string) string {
	return uuid.NewSHA1(effectNamespace, []byte("payment|"+correlationID)).String()
}

func (m Machine) now() time.Time {
	if m.Now != nil {
		return m.Now().UTC()
	}
	return time.Now().UTC()
}

func (m Machine) paymentTimeout() time.Duration {
	if m.PaymentTimeout > 0 {
		return m.PaymentTimeout
	}
	return DefaultPaymentTimeout
}

func (m Machine) reservationTimeout() time.Duration {
	if m.ReservationTimeout > 0 {
		return m.ReservationTimeout
	}
	return DefaultReservationTimeout
}

// ValidateStart rejects start messages that can never become a purchase record.
func ValidateStart(msg StartPurchase) error {
	if msg.CorrelationID == "" || msg.UserID == "" || msg.ItemID == "" {
		return fmt.Errorf("%w: correlation, user and item ids are required", ErrInvalidMessage)
	}
	return nil
}

// Start decides the initial state for a correlation id that has never been seen.
// known reports whether the item exists in the catalog and unitPrice is its price.
func (m Machine) Start(msg StartPurchase, unitPrice float64, known bool) Decision {
	if err := ValidateStart(msg); err != nil {
		return Decision{Outcome: OutcomeInvalid, Reason: err.Error()}
	}
	now := m.now()
	state := State{
		CorrelationID: msg.CorrelationID,
		UserID:        msg.UserID,
		ItemID:        msg.ItemID,
		Quantity:      msg.Quantity,
		CreatedAt:     now,
		LastUpdated:   now,
	}

	switch {
	case msg.Quantity <= 0:
		state.Status = StatusRejected
		state.ErrorReason = fmt.Sprintf("invalid quantity %d", msg.Quantity)
		return Decision{Outcome: OutcomeApplied, State: state}
	case !known:
		state.Status = StatusRejected
		state.ErrorReason = fmt.Sprintf("unknown item %s", msg.ItemID)
		return Decision{Outcome: OutcomeApplied, State: state}
	}

	state.Status = StatusAccepted
	state.PurchaseTotal = unitPrice * float64(msg.Quantity)
	return Decision{
		Outcome: OutcomeApplied,
		State:   state,
		Effects: []Effect{
			{
				ID: EffectID(state.CorrelationID, TypeReserveItems, ""),
				Message: ReserveItems{
					CorrelationID: state.CorrelationID,
					UserID:        state.UserID,
					ItemID:        state.ItemID,
					Quantity:      state.Quantity,
				},
			},
			m.scheduleTimeout(state, m.reservationTimeout()),
		},
	}
}

// Evaluate applies the transition table to an existing purchase.
func (m Machine) Evaluate(current State, msg Inbound) Decision {
	if current.Status.Terminal() {
		return skip(current, OutcomeTerminal, fmt.Sprintf("purchase is %s", current.Status))
	}

	switch msg := msg.(type) {
	case StartPurchase:
		if !current.SameIntent(msg) {
			return skip(current, OutcomeInvalid, ErrIdempotencyConflict.Error())
		}
		return skip(current, OutcomeDuplicate, "purchase already started")

	case ItemsReserved:
		switch {
		case msg.ReservationID == "":
			return skip(current, OutcomeInvalid, "reservation id is required")
		case current.Status == StatusAccepted:
			return m.reserved(current, msg)
		case current.ReservedItemsTransactionID == msg.ReservationID:
			return skip(current, OutcomeDuplicate, "reservation already recorded")
		default:
			return skip(current, OutcomeStale, fmt.Sprintf("reservation %s does not match recorded %s", msg.ReservationID, current.ReservedItemsTransactionID))
		}

	case ItemsReservationFailed:
		if current.Status == StatusAccepted {
			next := m.touch(current)
			next.Status = StatusRejected
			next.ErrorReason = reasonOr(msg.Reason, "items reservation failed")
			return Decision{Outcome: OutcomeApplied, State: next}
		}
		return skip(current, OutcomeStale, "reservation already confirmed")

	case PaymentAccepted:
		switch current.Status {
		case StatusItemsReserved:
			next := m.touch(current)
			next.Status = StatusPaymentInitiated
			return Decision{
				Outcome: OutcomeApplied,
				State:   next,
				Effects: []Effect{m.scheduleTimeout(next, m.paymentTimeout())},
			}
		case StatusPaymentInitiated:
			return skip(current, OutcomeDuplicate, "payment already initiated")
		}
		return skip(current, OutcomeStale, "payment acknowledged before items were reserved")

	case PaymentCompleted:
		if !current.Status.AwaitingPayment() {
			return skip(current, OutcomeStale, "payment completed before items were reserved")
		}
		if msg.BillID == "" {
			return skip(current, OutcomeInvalid, "bill id is required")
		}
		next := m.touch(current)
		next.Status = StatusCompleted
		next.BillID = msg.BillID
		return Decision{Outcome: OutcomeApplied, State: next}

	case PaymentFailed:
		if !current.Status.AwaitingPayment() {
			return skip(current, OutcomeStale, "payment failed before items were reserved")
		}
		return m.fault(current, reasonOr(msg.Reason, "payment failed"))

	case PurchaseTimeoutExpired:
		switch {
		case msg.ExpectedStatus != current.Status:
			return skip(current, OutcomeStale, fmt.Sprintf("timeout expected %s but purchase is %s", msg.ExpectedStatus, current.Status))
		case current.Status == StatusAccepted:
			return m.abandonReservation(current)
		case current.Status.AwaitingPayment():
			return m.fault(current, ReasonTimeout)
		}
		return skip(current, OutcomeStale, fmt.Sprintf("no timeout applies to %s", current.Status))
	}

	return skip(current, OutcomeInvalid, fmt.Sprintf("unsupported message %T", msg))
}

func (m Machine) reserved(current State, msg ItemsReserved) Decision {
	next := m.touch(current)
	next.Status = StatusItemsReserved
	next.ReservedItemsTransactionID = msg.ReservationID
	next.PaymentCorrelationID = PaymentCorrelationID(current.CorrelationID)

	return Decision{
		Outcome: OutcomeApplied,
		State:   next,
		Effects: []Effect{
			{
				ID: EffectID(next.CorrelationID, TypeDebitFunds, ""),
				Message: DebitFunds{
					CorrelationID: next.CorrelationID,
					PaymentID:     next.PaymentCorrelationID,
					UserID:        next.UserID,
					Amount:        next.PurchaseTotal,
				},
			},
			m.scheduleTimeout(next, m.paymentTimeout()),
		},
	}
}

func (m Machine) fault(current State, reason string) Decision {
	next := m.touch(current)
	next.Status = StatusFaulted
	next.ErrorReason = reason
	next.Compensated = true
	return Decision{
		Outcome: OutcomeApplied,
		State:   next,
		Effects: []Effect{{
			ID: EffectID(next.CorrelationID, TypeReleaseItems, ""),
			Message: ReleaseItems{
				CorrelationID: next.CorrelationID,
				ReservationID: next.ReservedItemsTransactionID,
			},
		}},
	}
}

// abandonReservation rejects a purchase inventory never answered. The release
// carries no reservation id: it follows ReserveItems on the same key, so
// inventory frees whatever it reserved for the correlation id.
func (m Machine) abandonReservation(current State) Decision {
	next := m.touch(current)
	next.Status = StatusRejected
	next.ErrorReason = ReasonReservationTimeout
	next.Compensated = true
	return Decision{
		Outcome: OutcomeApplied,
		State:   next,
		Effects: []Effect{{
			ID:      EffectID(next.CorrelationID, TypeReleaseItems, ""),
			Message: ReleaseItems{CorrelationID: next.CorrelationID},
		}},
	}
}

func (m Machine) scheduleTimeout(next State, after time.Duration) Effect {
	return Effect{
		ID: EffectID(next.CorrelationID, TypePurchaseTimeoutExpired, string(next.Status)),
		Message: PurchaseTimeoutExpired{
			CorrelationID:  next.CorrelationID,
			ExpectedStatus: next.Status,
		},
		DeliverAt: next.LastUpdated.Add(after),
	}
}

func (m Machine) touch(current State) State {
	next := current
	next.LastUpdated = m.now()
	return next
}

func skip(current State, outcome Outcome, reason string) Decision {
	return Decision{Outcome: outcome, State: current, Reason: reason}
}

func reasonOr(reason, fallback string) string {
	if reason == "" {
		return fallback
	}
	return reason
}
