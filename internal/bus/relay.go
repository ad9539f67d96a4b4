package bus

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"trading/internal/observability"
	"trading/internal/purchase"
	"trading/internal/reliability"
)

// Scheduler holds delayed envelopes until their DeliverAt.
type Scheduler interface {
	Schedule(ctx context.Context, env purchase.Envelope) error
}

// Purger drops dispatched outbox records older than a cutoff.
type Purger interface {
	PurgeDispatched(ctx context.Context, before time.Time) (int64, error)
}

// RelayConfig configures a Relay.
type RelayConfig struct {
	Outbox    purchase.Outbox
	Publisher Publisher
	Scheduler Scheduler
	Guard     reliability.Guard
	Interval  time.Duration
	BatchSize int
	// Retention enables purging of dispatched records when the outbox implements Purger.
	Retention time.Duration
	Logger    *zap.Logger
	Metrics   *observability.Metrics
}

// Relay moves outbox records to the bus, or to the scheduler when they are delayed.
// A record is marked dispatched only after the hand-off succeeded.
type Relay struct {
	outbox    purchase.Outbox
	publisher Publisher
	scheduler Scheduler
	guard     reliability.Guard
	interval  time.Duration
	batch     int
	retention time.Duration
	logger    *zap.Logger
	metrics   *observability.Metrics
	now       func() time.Time

	wake     chan struct{}
	purgedAt time.Time
}

const purgeEvery = time.Minute

func NewRelay(cfg RelayConfig) (*Relay, error) {
	if cfg.Outbox == nil || cfg.Publisher == nil || cfg.Scheduler == nil {
		return nil, errors.New("relay needs an outbox, a publisher and a scheduler")
	}
	interval := cfg.Interval
	if interval <= 0 {
		interval = time.Second
	}
	batch := cfg.BatchSize
	if batch <= 0 {
		batch = 100
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Relay{
		outbox:    cfg.Outbox,
		publisher: cfg.Publisher,
		scheduler: cfg.Scheduler,
		guard:     cfg.Guard,
		interval:  interval,
		batch:     batch,
		retention: cfg.Retention,
		logger:    logger,
		metrics:   cfg.Metrics,
		now:       time.Now,
		wake:      make(chan struct{}, 1),
	}, nil
}

// Notify wakes the relay without waiting for the next tick.
func (r *Relay) Notify() {
	select {
	case r.wake <- struct{}{}:
	default:
	}
}

// Run drains the outbox on every tick or wake-up until ctx is cancelled.
func (r *Relay) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		if _, err := r.Drain(ctx); err != nil && ctx.Err() == nil {
			r.logger.Warn("outbox drain failed", zap.Error(err))
		}
		r.purge(ctx)
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		case <-r.wake:
		}
	}
}

// Drain dispatches pending records batch by batch and returns how many were handed off.
// It stops early when a batch makes no progress.
func (r *Relay) Drain(ctx context.Context) (int, error) {
	total := 0
	for {
		records, err := r.outbox.PendingOutbox(ctx, r.batch)
		if err != nil {
			return total, err
		}
		sent, err := r.dispatchBatch(ctx, records)
		total += sent
		if err != nil || len(records) < r.batch || sent == 0 {
			return total, err
		}
	}
}

func (r *Relay) dispatchBatch(ctx context.Context, records []purchase.OutboxRecord) (int, error) {
	sent := 0
	for _, rec := range records {
		err := r.guard.Do(ctx, func(ctx context.Context) error {
			if rec.Delayed() {
				return r.scheduler.Schedule(ctx, rec.Envelope)
			}
			return r.publisher.Publish(ctx, rec.Envelope)
		})
		r.metrics.RecordDispatch(err)
		if err != nil {
			r.logger.Warn("outbox dispatch failed",
				zap.String("message_id", rec.ID),
				zap.String("message_type", rec.Type),
				zap.String("correlation_id", rec.CorrelationID),
				zap.Int("attempts", rec.Attempts+1),
				zap.Error(err),
			)
			if markErr := r.outbox.MarkFailed(ctx, rec.ID, err.Error()); markErr != nil {
				return sent, markErr
			}
			if errors.Is(err, reliability.ErrCircuitOpen) || ctx.Err() != nil {
				return sent, err
			}
			continue
		}
		if err := r.outbox.MarkDispatched(ctx, rec.ID); err != nil {
			// The record is dispatched again on the next drain; consumers dedupe by message id.
			return sent, err
		}
		sent++
	}
	return sent, nil
}

func (r *Relay) purge(ctx context.Context) {
	purger, ok := r.outbox.(Purger)
	if !ok || r.retention <= 0 {
		return
	}
	now := r.now()
	if now.Sub(r.purgedAt) < purgeEvery {
		return
	}
	r.purgedAt = now
	n, err := purger.PurgeDispatched(ctx, now.Add(-r.retention))
	if err != nil {
		r.logger.Warn("outbox purge failed", zap.Error(err))
		return
	}
	if n > 0 {
		r.logger.Debug("purged dispatched outbox records", zap.Int64("count", n))
	}
}
