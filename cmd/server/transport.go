package main

import (
	"go.opentelemetry.io/otel"
	"go.uber.org/zap"

	"trading/cmd/server/config"
	"trading/internal/bus"
	"trading/internal/reliability"
)

// transport is the bus side of the process: where the relay and poller publish,
// and where the worker pool consumes from.
type transport struct {
	publisher   bus.Publisher
	subscribers []bus.Subscriber
	// external is true when commands leave the process for inventory and wallet services.
	external bool
	cleanup  func()
}

func buildTransport(cfg config.KafkaConfig, backoff reliability.RetryPolicy, logger *zap.Logger) (transport, error) {
	if len(cfg.Brokers) == 0 {
		logger.Warn("KAFKA_BROKERS not set, using the in-process bus")
		b := bus.NewMemoryBus(cfg.Workers, 1024)
		b.SetRedeliveryDelay(backoff.BaseDelay)
		return transport{
			publisher:   b,
			subscribers: b.Subscribers(),
			cleanup:     func() { _ = b.Close() },
		}, nil
	}

	topics := bus.Topics{
		Trading:   cfg.Topics.Trading,
		Inventory: cfg.Topics.Inventory,
		Payments:  cfg.Topics.Payments,
		Catalog:   cfg.Topics.Catalog,
	}
	writers, err := bus.NewKafkaWriters(cfg.Brokers, topics, otel.GetTracerProvider(), cfg.ClientID)
	if err != nil {
		return transport{}, err
	}
	publisher := bus.NewKafkaPublisher(topics, writers)

	consumed := []string{topics.Trading}
	if topics.Catalog != "" && topics.Catalog != topics.Trading {
		consumed = append(consumed, topics.Catalog)
	}
	readers := bus.NewKafkaReaders(cfg.Brokers, cfg.GroupID, consumed, cfg.Workers)
	subs := make([]bus.Subscriber, 0, len(readers))
	for i, reader := range readers {
		subs = append(subs, bus.NewKafkaSubscriber(reader, backoff, logger.With(zap.Int("reader", i))))
	}

	cleanup := func() {
		for _, sub := range subs {
			if err := sub.Close(); err != nil {
				logger.Warn("close kafka reader", zap.Error(err))
			}
		}
		if err := publisher.Close(); err != nil {
			logger.Warn("close kafka writers", zap.Error(err))
		}
	}
	return transport{publisher: publisher, subscribers: subs, external: true, cleanup: cleanup}, nil
}
