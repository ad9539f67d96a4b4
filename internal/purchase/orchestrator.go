package purchase

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"trading/internal/observability"
	"trading/internal/reliability"
)

// PriceBook resolves the current unit price of a catalog item.
// Unknown items are reported with an error wrapping ErrUnknownItem.
type PriceBook interface {
	UnitPrice(ctx context.Context, itemID string) (float64, error)
}

// PriceFunc adapts a function to PriceBook.
type PriceFunc func(ctx context.Context, itemID string) (float64, error)

func (f PriceFunc) UnitPrice(ctx context.Context, itemID string) (float64, error) {
	return f(ctx, itemID)
}

// Waker is signalled after a commit that wrote outbox records.
type Waker interface {
	Notify()
}

// Notifier observes applied transitions.
type Notifier interface {
	PurchaseUpdated(ctx context.Context, state State)
}

// Notifiers fans a transition out to several observers.
type Notifiers []Notifier

func (n Notifiers) PurchaseUpdated(ctx context.Context, state State) {
	for _, notifier := range n {
		if notifier != nil {
			notifier.PurchaseUpdated(ctx, state)
		}
	}
}

// OrchestratorConfig carries the collaborators of an Orchestrator.
type OrchestratorConfig struct {
	Store    Store
	Prices   PriceBook
	Machine  Machine
	Retry    reliability.RetryPolicy
	Relay    Waker
	Notifier Notifier
	Logger   *zap.Logger
	Metrics  *observability.Metrics
	Tracer   trace.Tracer
}

// Orchestrator loads a purchase, runs the transition table and persists the result
// together with the outbound messages it implies.
type Orchestrator struct {
	store    Store
	prices   PriceBook
	machine  Machine
	retry    reliability.RetryPolicy
	relay    Waker
	notifier Notifier
	logger   *zap.Logger
	metrics  *observability.Metrics
	tracer   trace.Tracer
}

func NewOrchestrator(cfg OrchestratorConfig) (*Orchestrator, error) {
	if cfg.Store == nil {
		return nil, errors.New("purchase store is required")
	}
	if cfg.Prices == nil {
		return nil, errors.New("price book is required")
	}
	if err := ValidateTransitions(); err != nil {
		return nil, err
	}
	retry := cfg.Retry
	if retry.MaxAttempts == 0 {
		retry = reliability.DefaultRetryPolicy()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	tracer := cfg.Tracer
	if tracer == nil {
		tracer = otel.Tracer("trading/purchase")
	}
	return &Orchestrator{
		store:    cfg.Store,
		prices:   cfg.Prices,
		machine:  cfg.Machine,
		retry:    retry,
		relay:    cfg.Relay,
		notifier: cfg.Notifier,
		logger:   logger,
		metrics:  cfg.Metrics,
		tracer:   tracer,
	}, nil
}

// HandleEnvelope decodes and handles one delivery. A nil error means the delivery can be
// acknowledged; malformed envelopes are logged and acknowledged since redelivery cannot fix them.
func (o *Orchestrator) HandleEnvelope(ctx context.Context, env Envelope) error {
	msg, err := DecodeInbound(env)
	if err != nil {
		o.metrics.RecordOutcome(string(OutcomeInvalid))
		o.logger.Warn("dropping malformed purchase message",
			zap.String("message_id", env.ID),
			zap.String("message_type", env.Type),
			zap.String("correlation_id", env.CorrelationID),
			zap.Error(err),
		)
		return nil
	}
	_, err = o.Handle(ctx, msg)
	return err
}

// Handle applies msg to its purchase. Version conflicts and transient store failures are retried
// with fresh state; once retries run out the error is returned so the bus redelivers the message.
func (o *Orchestrator) Handle(ctx context.Context, msg Inbound) (Decision, error) {
	ctx, span := o.tracer.Start(ctx, "purchase."+msg.MessageType(), trace.WithAttributes(
		attribute.String("purchase.correlation_id", msg.Correlation()),
		attribute.String("purchase.message_type", msg.MessageType()),
	))
	defer span.End()
	call := o.metrics.Start(msg.MessageType())

	logger := o.logger.With(
		zap.String("correlation_id", msg.Correlation()),
		zap.String("message_type", msg.MessageType()),
	)

	policy := o.retry
	policy.ShouldRetry = retryable
	policy.OnRetry = func(attempt int, delay time.Duration, err error) {
		if errors.Is(err, ErrVersionConflict) || errors.Is(err, ErrAlreadyExists) {
			o.metrics.RecordConflict()
		}
		logger.Debug("retrying purchase transition",
			zap.Int("attempt", attempt),
			zap.Duration("delay", delay),
			zap.Error(err),
		)
	}

	var decision Decision
	err := policy.Do(ctx, func() error {
		d, err := o.attempt(ctx, msg)
		if err != nil {
			return err
		}
		decision = d
		return nil
	})
	call.End(err)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		o.metrics.RecordAlert()
		logger.Error("purchase transition failed, message left for redelivery", zap.Error(err))
		return Decision{}, err
	}

	span.SetAttributes(
		attribute.String("purchase.outcome", string(decision.Outcome)),
		attribute.String("purchase.status", string(decision.State.Status)),
	)
	o.metrics.RecordOutcome(string(decision.Outcome))
	o.report(ctx, logger, msg, decision)
	return decision, nil
}

func (o *Orchestrator) attempt(ctx context.Context, msg Inbound) (Decision, error) {
	current, err := o.store.Load(ctx, msg.Correlation())
	switch {
	case errors.Is(err, ErrNotFound):
		start, ok := msg.(StartPurchase)
		if !ok {
			return Decision{Outcome: OutcomeUnknown, Reason: "no purchase for correlation id"}, nil
		}
		return o.start(ctx, start)
	case err != nil:
		return Decision{}, fmt.Errorf("load purchase %s: %w", msg.Correlation(), err)
	}

	decision := o.machine.Evaluate(current, msg)
	if !decision.Applied() {
		return decision, nil
	}
	if err := o.checkTransition(current.Status, decision.State); err != nil {
		return Decision{}, err
	}
	outbox, err := envelopes(decision.Effects, decision.State.LastUpdated)
	if err != nil {
		return Decision{}, err
	}
	if err := o.store.SaveIfVersionMatches(ctx, decision.State, current.Version, outbox); err != nil {
		return Decision{}, fmt.Errorf("save purchase %s: %w", current.CorrelationID, err)
	}
	decision.State.Version = current.Version + 1
	return decision, nil
}

func (o *Orchestrator) start(ctx context.Context, msg StartPurchase) (Decision, error) {
	if err := ValidateStart(msg); err != nil {
		return Decision{Outcome: OutcomeInvalid, Reason: err.Error()}, nil
	}

	var (
		price float64
		known = true
	)
	if msg.Quantity > 0 {
		p, err := o.prices.UnitPrice(ctx, msg.ItemID)
		switch {
		case errors.Is(err, ErrUnknownItem):
			known = false
		case err != nil:
			return Decision{}, fmt.Errorf("price item %s: %w", msg.ItemID, err)
		default:
			price = p
		}
	}

	decision := o.machine.Start(msg, price, known)
	if !decision.Applied() {
		return decision, nil
	}
	if err := o.checkTransition(statusNone, decision.State); err != nil {
		return Decision{}, err
	}
	outbox, err := envelopes(decision.Effects, decision.State.CreatedAt)
	if err != nil {
		return Decision{}, err
	}
	// ErrAlreadyExists means a concurrent start won; the retry re-evaluates against its record.
	if err := o.store.Create(ctx, decision.State, outbox); err != nil {
		return Decision{}, fmt.Errorf("create purchase %s: %w", msg.CorrelationID, err)
	}
	decision.State.Version = 1
	return decision, nil
}

func (o *Orchestrator) checkTransition(from Status, next State) error {
	if !Allowed(from, next.Status) {
		return fmt.Errorf("%w: transition %q -> %q", errIllegalTransition, from, next.Status)
	}
	if err := next.Validate(); err != nil {
		return fmt.Errorf("%w: %v", errIllegalTransition, err)
	}
	return nil
}

func (o *Orchestrator) report(ctx context.Context, logger *zap.Logger, msg Inbound, decision Decision) {
	fields := []zap.Field{
		zap.String("outcome", string(decision.Outcome)),
		zap.String("status", string(decision.State.Status)),
	}
	if decision.Reason != "" {
		fields = append(fields, zap.String("reason", decision.Reason))
	}

	switch decision.Outcome {
	case OutcomeApplied:
		logger.Info("purchase transition applied", append(fields, zap.Int("effects", len(decision.Effects)))...)
		if len(decision.Effects) > 0 && o.relay != nil {
			o.relay.Notify()
		}
		if o.notifier != nil {
			o.notifier.PurchaseUpdated(ctx, decision.State)
		}
	case OutcomeTerminal:
		if _, late := msg.(PaymentCompleted); late && decision.State.Status == StatusFaulted {
			// Funds were taken after items were released; reconciliation happens outside the saga.
			logger.Warn("payment completed for a faulted purchase", fields...)
			return
		}
		logger.Info("message for finished purchase discarded", fields...)
	case OutcomeInvalid, OutcomeUnknown:
		logger.Warn("purchase message discarded", fields...)
	default:
		logger.Info("purchase message ignored", fields...)
	}
}

// errIllegalTransition marks a decision the transition graph or the record invariants forbid.
var errIllegalTransition = errors.New("illegal purchase transition")

func retryable(err error) bool {
	if errors.Is(err, errIllegalTransition) || errors.Is(err, ErrInvalidMessage) {
		return false
	}
	return reliability.IsRetryable(err)
}

func envelopes(effects []Effect, occurredAt time.Time) ([]Envelope, error) {
	if len(effects) == 0 {
		return nil, nil
	}
	out := make([]Envelope, 0, len(effects))
	for _, effect := range effects {
		env, err := NewEnvelope(effect.ID, effect.Message, occurredAt)
		if err != nil {
			return nil, err
		}
		if !effect.DeliverAt.IsZero() {
			at := effect.DeliverAt.UTC()
			env.DeliverAt = &at
		}
		out = append(out, env)
	}
	return out, nil
}
