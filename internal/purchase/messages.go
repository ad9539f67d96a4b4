package purchase

import (
	"encoding/json"
	"fmt"
	"time"
)

// Message type names as they travel on the bus.
const (
	TypeStartPurchase          = "StartPurchase"
	TypeItemsReserved          = "ItemsReserved"
	TypeItemsReservationFailed = "ItemsReservationFailed"
	TypePaymentAccepted        = "PaymentAccepted"
	TypePaymentCompleted       = "PaymentCompleted"
	TypePaymentFailed          = "PaymentFailed"
	TypePurchaseTimeoutExpired = "PurchaseTimeoutExpired"

	TypeReserveItems = "ReserveItems"
	TypeReleaseItems = "ReleaseItems"
	TypeDebitFunds   = "DebitFunds"
)

// Message is anything addressed to a purchase by correlation id.
type Message interface {
	MessageType() string
	Correlation() string
}

// Inbound is the closed set of messages the orchestrator consumes.
type Inbound interface {
	Message
	inbound()
}

// Outbound is the closed set of messages the orchestrator emits.
type Outbound interface {
	Message
	outbound()
}

type StartPurchase struct {
	CorrelationID string `json:"correlationId"`
	UserID        string `json:"userId"`
	ItemID        string `json:"itemId"`
	Quantity      int    `json:"quantity"`
}

type ItemsReserved struct {
	CorrelationID string `json:"correlationId"`
	ReservationID string `json:"reservationId"`
}

type ItemsReservationFailed struct {
	CorrelationID string `json:"correlationId"`
	Reason        string `json:"reason"`
}

// PaymentAccepted acknowledges that the wallet started processing a debit.
type PaymentAccepted struct {
	CorrelationID string `json:"correlationId"`
}

type PaymentCompleted struct {
	CorrelationID string `json:"correlationId"`
	BillID        string `json:"billId"`
}

type PaymentFailed struct {
	CorrelationID string `json:"correlationId"`
	Reason        string `json:"reason"`
}

// PurchaseTimeoutExpired is scheduled by the orchestrator and delivered back to it.
type PurchaseTimeoutExpired struct {
	CorrelationID  string `json:"correlationId"`
	ExpectedStatus Status `json:"expectedStatus"`
}

type ReserveItems struct {
	CorrelationID string `json:"correlationId"`
	UserID        string `json:"userId"`
	ItemID        string `json:"itemId"`
	Quantity      int    `json:"quantity"`
}

type ReleaseItems struct {
	CorrelationID string `json:"correlationId"`
	ReservationID string `json:"reservationId"`
}

type DebitFunds struct {
	CorrelationID string  `json:"correlationId"`
	PaymentID     string  `json:"paymentId"`
	UserID        string  `json:"userId"`
	Amount        float64 `json:"amount"`
}

func (m StartPurchase) MessageType() string          { return TypeStartPurchase }
func (m ItemsReserved) MessageType() string          { return TypeItemsReserved }
func (m ItemsReservationFailed) MessageType() string { return TypeItemsReservationFailed }
func (m PaymentAccepted) MessageType() string        { return TypePaymentAccepted }
func (m PaymentCompleted) MessageType() string       { return TypePaymentCompleted }
func (m PaymentFailed) MessageType() string          { return TypePaymentFailed }
func (m PurchaseTimeoutExpired) MessageType() string { return TypePurchaseTimeoutExpired }
func (m ReserveItems) MessageType() string           { return TypeReserveItems }
func (m ReleaseItems) MessageType() string           { return TypeReleaseItems }
func (m DebitFunds) MessageType() string             { return TypeDebitFunds }

func (m StartPurchase) Correlation() string          { return m.CorrelationID }
func (m ItemsReserved) Correlation() string          { return m.CorrelationID }
func (m ItemsReservationFailed) Correlation() string { return m.CorrelationID }
func (m PaymentAccepted) Correlation() string        { return m.CorrelationID }
func (m PaymentCompleted) Correlation() string       { return m.CorrelationID }
func (m PaymentFailed) Correlation() string          { return m.CorrelationID }
func (m PurchaseTimeoutExpired) Correlation() string { return m.CorrelationID }
func (m ReserveItems) Correlation() string           { return m.CorrelationID }
func (m ReleaseItems) Correlation() string           { return m.CorrelationID }
func (m DebitFunds) Correlation() string             { return m.CorrelationID }

func (StartPurchase) inbound()          {}
func (ItemsReserved) inbound()          {}
func (ItemsReservationFailed) inbound() {}
func (PaymentAccepted) inbound()        {}
func (PaymentCompleted) inbound()       {}
func (PaymentFailed) inbound()          {}
func (PurchaseTimeoutExpired) inbound() {}

func (ReserveItems) outbound()           {}
func (ReleaseItems) outbound()           {}
func (DebitFunds) outbound()             {}
func (PurchaseTimeoutExpired) outbound() {}

// Envelope is the serialized unit stored in the outbox and carried by the bus.
type Envelope struct {
	ID            string          `json:"id"`
	Type          string          `json:"type"`
	CorrelationID string          `json:"correlationId"`
	Payload       json.RawMessage `json:"payload"`
	// DeliverAt is set for messages that must not be delivered before a point in time.
	DeliverAt  *time.Time `json:"deliverAt,omitempty"`
	OccurredAt time.Time  `json:"occurredAt"`
}

// Delayed reports whether the envelope is meant for the timeout scheduler.
func (e Envelope) Delayed() bool {
	return e.DeliverAt != nil && !e.DeliverAt.IsZero()
}

// NewEnvelope serializes msg into an envelope with the given id.
func NewEnvelope(id string, msg Message, occurredAt time.Time) (Envelope, error) {
	payload, err := json.Marshal(msg)
	if err != nil {
		return Envelope{}, fmt.Errorf("encode %s: %w", msg.MessageType(), err)
	}
	return Envelope{
		ID:            id,
		Type:          msg.MessageType(),
		CorrelationID: msg.Correlation(),
		Payload:       payload,
		OccurredAt:    occurredAt.UTC(),
	}, nil
}

// IsInboundType reports whether msgType is consumed by the orchestrator.
func IsInboundType(msgType string) bool {
	switch msgType {
	case TypeStartPurchase, TypeItemsReserved, TypeItemsReservationFailed,
		TypePaymentAccepted, TypePaymentCompleted, TypePaymentFailed, TypePurchaseTimeoutExpired:
		return true
	}
	return false
}

// DecodeInbound turns an envelope back into a typed inbound message.
func DecodeInbound(env Envelope) (Inbound, error) {
	var (
		msg Inbound
		err error
	)
	switch env.Type {
	case TypeStartPurchase:
		msg, err = decode[StartPurchase](env.Payload)
	case TypeItemsReserved:
		msg, err = decode[ItemsReserved](env.Payload)
	case TypeItemsReservationFailed:
		msg, err = decode[ItemsReservationFailed](env.Payload)
	case TypePaymentAccepted:
		msg, err = decode[PaymentAccepted](env.Payload)
	case TypePaymentCompleted:
		msg, err = decode[PaymentCompleted](env.Payload)
	case TypePaymentFailed:
		msg, err = decode[PaymentFailed](env.Payload)
	case TypePurchaseTimeoutExpired:
		msg, err = decode[PurchaseTimeoutExpired](env.Payload)
	default:
		return nil, fmt.Errorf("%w: unsupported type %q", ErrInvalidMessage, env.Type)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrInvalidMessage, env.Type, err)
	}
	if msg.Correlation() == "" {
		return nil, fmt.Errorf("%w: %s without correlation id", ErrInvalidMessage, env.Type)
	}
	if env.CorrelationID != "" && env.CorrelationID != msg.Correlation() {
		return nil, fmt.Errorf("%w: envelope correlation %q does not match payload %q", ErrInvalidMessage, env.CorrelationID, msg.Correlation())
	}
	return msg, nil
}

func decode[T Inbound](payload []byte) (T, error) {
	var msg T
	err := json.Unmarshal(payload, &msg)
	return msg, err
}
