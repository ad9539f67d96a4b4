package scheduler

import (
	"context"
	"time"

	"go.uber.org/zap"

	"trading/internal/bus"
	"trading/internal/observability"
)

// Poller publishes due envelopes and removes them once the bus accepted them.
// With several replicas an envelope may be published twice; consumers treat the copy as stale.
type Poller struct {
	store     Store
	publisher bus.Publisher
	interval  time.Duration
	batch     int
	logger    *zap.Logger
	metrics   *observability.Metrics
	now       func() time.Time
}

func NewPoller(store Store, publisher bus.Publisher, interval time.Duration, batch int, logger *zap.Logger, metrics *observability.Metrics) *Poller {
	if interval <= 0 {
		interval = time.Second
	}
	if batch <= 0 {
		batch = 100
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Poller{
		store:     store,
		publisher: publisher,
		interval:  interval,
		batch:     batch,
		logger:    logger,
		metrics:   metrics,
		now:       time.Now,
	}
}

func (p *Poller) Run(ctx context.Context) error {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	for {
		if _, err := p.Poll(ctx); err != nil && ctx.Err() == nil {
			p.logger.Warn("timeout poll failed", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// Poll delivers one batch of due envelopes and returns how many were published.
func (p *Poller) Poll(ctx context.Context) (int, error) {
	due, err := p.store.Due(ctx, p.now().UTC(), p.batch)
	if err != nil {
		return 0, err
	}
	delivered := 0
	for _, env := range due {
		out := env
		out.DeliverAt = nil
		if err := p.publisher.Publish(ctx, out); err != nil {
			return delivered, err
		}
		if err := p.store.Remove(ctx, env.ID); err != nil {
			return delivered, err
		}
		delivered++
		p.metrics.RecordTimeoutDelivered()
		p.logger.Info("timeout delivered",
			zap.String("message_id", env.ID),
			zap.String("correlation_id", env.CorrelationID),
		)
	}
	return delivered, nil
}
