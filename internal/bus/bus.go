package bus

import (
	"context"
	"errors"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	"go.uber.org/zap"

	"trading/internal/purchase"
)

// ErrClosed is returned by subscribers that were closed.
var ErrClosed = errors.New("bus closed")

// Header names carried next to every envelope.
const (
	HeaderMessageID     = "message-id"
	HeaderMessageType   = "message-type"
	HeaderCorrelationID = "correlation-id"
)

// Publisher hands an envelope to the bus. Envelopes with the same correlation id
// land on the same partition.
type Publisher interface {
	Publish(ctx context.Context, env purchase.Envelope) error
}

// Delivery is one envelope fetched from a subscriber.
type Delivery struct {
	Envelope purchase.Envelope
	Topic    string
	Headers  map[string]string
	// Attempt counts local redeliveries, starting at 1.
	Attempt int

	ack any
}

// Context returns parent enriched with the trace context carried in the headers.
func (d Delivery) Context(parent context.Context) context.Context {
	if len(d.Headers) == 0 {
		return parent
	}
	return otel.GetTextMapPropagator().Extract(parent, propagation.MapCarrier(d.Headers))
}

// Subscriber is an at-least-once consumer. A delivery that is neither acked nor nacked
// is redelivered after a restart.
type Subscriber interface {
	Fetch(ctx context.Context) (Delivery, error)
	Ack(ctx context.Context, d Delivery) error
	// Nack asks for the delivery to be handed out again by the next Fetch.
	Nack(ctx context.Context, d Delivery) error
	Close() error
}

// Handler processes one envelope. Returning an error nacks the delivery.
type Handler func(ctx context.Context, env purchase.Envelope) error

// Mux routes envelopes to handlers by message type.
type Mux struct {
	routes map[string]Handler
	logger *zap.Logger
}

func NewMux(logger *zap.Logger) *Mux {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Mux{routes: make(map[string]Handler), logger: logger}
}

// Handle registers h for the given message types.
func (m *Mux) Handle(h Handler, msgTypes ...string) {
	for _, t := range msgTypes {
		m.routes[t] = h
	}
}

// HandleEnvelope dispatches env. Types nobody handles are acknowledged and skipped.
func (m *Mux) HandleEnvelope(ctx context.Context, env purchase.Envelope) error {
	h, ok := m.routes[env.Type]
	if !ok {
		m.logger.Warn("no handler for message type",
			zap.String("message_type", env.Type),
			zap.String("message_id", env.ID),
		)
		return nil
	}
	return h(ctx, env)
}

func injectHeaders(ctx context.Context, env purchase.Envelope) map[string]string {
	headers := map[string]string{
		HeaderMessageID:     env.ID,
		HeaderMessageType:   env.Type,
		HeaderCorrelationID: env.CorrelationID,
	}
	otel.GetTextMapPropagator().Inject(ctx, propagation.MapCarrier(headers))
	return headers
}
