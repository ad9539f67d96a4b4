package bus

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Pool runs one worker per subscriber. Each worker processes its deliveries serially.
type Pool struct {
	subs    []Subscriber
	handler Handler
	logger  *zap.Logger
}

func NewPool(subs []Subscriber, handler Handler, logger *zap.Logger) *Pool {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Pool{subs: subs, handler: handler, logger: logger}
}

// Run blocks until ctx is cancelled or a subscriber fails.
func (p *Pool) Run(ctx context.Context) error {
	if len(p.subs) == 0 {
		return errors.New("worker pool has no subscribers")
	}
	g, ctx := errgroup.WithContext(ctx)
	for i, sub := range p.subs {
		worker := i
		sub := sub
		g.Go(func() error { return p.work(ctx, worker, sub) })
	}
	err := g.Wait()
	if errors.Is(err, context.Canceled) || errors.Is(err, ErrClosed) {
		return nil
	}
	return err
}

func (p *Pool) work(ctx context.Context, worker int, sub Subscriber) error {
	logger := p.logger.With(zap.Int("worker", worker))
	for {
		d, err := sub.Fetch(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, ErrClosed) {
				return ctx.Err()
			}
			return fmt.Errorf("worker %d fetch: %w", worker, err)
		}

		if err := p.handler(d.Context(ctx), d.Envelope); err != nil {
			logger.Warn("message handling failed, redelivering",
				zap.String("message_id", d.Envelope.ID),
				zap.String("message_type", d.Envelope.Type),
				zap.String("correlation_id", d.Envelope.CorrelationID),
				zap.Int("attempt", d.Attempt),
				zap.Error(err),
			)
			if err := sub.Nack(ctx, d); err != nil {
				return fmt.Errorf("worker %d nack: %w", worker, err)
			}
			continue
		}
		if err := sub.Ack(ctx, d); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("worker %d ack: %w", worker, err)
		}
	}
}
