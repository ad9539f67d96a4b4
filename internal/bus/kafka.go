package bus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	otelkafka "github.com/Trendyol/otel-kafka-konsumer"
	"github.com/segmentio/kafka-go"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"trading/internal/catalog"
	"trading/internal/purchase"
	"trading/internal/reliability"
)

// Topics names the Kafka topics the service talks to.
type Topics struct {
	// Trading carries every message the orchestrator consumes, including its own timeouts.
	Trading   string
	Inventory string
	Payments  string
	Catalog   string
}

// For returns the topic a message type is published to.
func (t Topics) For(msgType string) (string, error) {
	switch {
	case msgType == purchase.TypeReserveItems || msgType == purchase.TypeReleaseItems:
		return t.Inventory, nil
	case msgType == purchase.TypeDebitFunds:
		return t.Payments, nil
	case purchase.IsInboundType(msgType):
		return t.Trading, nil
	case catalog.IsEventType(msgType):
		return t.Catalog, nil
	}
	return "", fmt.Errorf("no topic for message type %q", msgType)
}

// All lists the configured topics without duplicates.
func (t Topics) All() []string {
	seen := make(map[string]bool)
	var out []string
	for _, topic := range []string{t.Trading, t.Inventory, t.Payments, t.Catalog} {
		if topic != "" && !seen[topic] {
			seen[topic] = true
			out = append(out, topic)
		}
	}
	return out
}

// MessageWriter is the slice of a Kafka writer the publisher needs.
type MessageWriter interface {
	WriteMessage(ctx context.Context, msg kafka.Message) error
	Close() error
}

// KafkaPublisher writes envelopes keyed by correlation id.
type KafkaPublisher struct {
	topics  Topics
	writers map[string]MessageWriter
}

func NewKafkaPublisher(topics Topics, writers map[string]MessageWriter) *KafkaPublisher {
	return &KafkaPublisher{topics: topics, writers: writers}
}

// NewKafkaWriters builds one traced writer per topic. The Hash balancer keeps every
// message of a purchase on one partition.
func NewKafkaWriters(brokers []string, topics Topics, tp trace.TracerProvider, clientID string) (map[string]MessageWriter, error) {
	writers := make(map[string]MessageWriter)
	for _, topic := range topics.All() {
		base := &kafka.Writer{
			Addr:         kafka.TCP(brokers...),
			Topic:        topic,
			Balancer:     &kafka.Hash{},
			BatchTimeout: 10 * time.Millisecond,
			RequiredAcks: kafka.RequireAll,
		}
		writer, err := otelkafka.NewWriter(base,
			otelkafka.WithTracerProvider(tp),
			otelkafka.WithPropagator(propagation.TraceContext{}),
			otelkafka.WithAttributes([]attribute.KeyValue{
				attribute.String("messaging.destination.name", topic),
				attribute.String("messaging.kafka.client_id", clientID),
			}),
		)
		if err != nil {
			for _, w := range writers {
				_ = w.Close()
			}
			return nil, fmt.Errorf("kafka writer %s: %w", topic, err)
		}
		writers[topic] = writer
	}
	return writers, nil
}

func (p *KafkaPublisher) Publish(ctx context.Context, env purchase.Envelope) error {
	topic, err := p.topics.For(env.Type)
	if err != nil {
		return err
	}
	writer, ok := p.writers[topic]
	if !ok {
		return fmt.Errorf("no writer for topic %q", topic)
	}
	msg, err := EncodeMessage(env)
	if err != nil {
		return err
	}
	return writer.WriteMessage(ctx, msg)
}

func (p *KafkaPublisher) Close() error {
	var errs []error
	for _, w := range p.writers {
		errs = append(errs, w.Close())
	}
	return errors.Join(errs...)
}

// EncodeMessage turns an envelope into a Kafka message keyed by correlation id.
func EncodeMessage(env purchase.Envelope) (kafka.Message, error) {
	value, err := json.Marshal(env)
	if err != nil {
		return kafka.Message{}, fmt.Errorf("encode envelope %s: %w", env.ID, err)
	}
	headers := []kafka.Header{
		{Key: HeaderMessageID, Value: []byte(env.ID)},
		{Key: HeaderMessageType, Value: []byte(env.Type)},
		{Key: HeaderCorrelationID, Value: []byte(env.CorrelationID)},
	}
	return kafka.Message{
		Key:     []byte(env.CorrelationID),
		Value:   value,
		Headers: headers,
	}, nil
}

// DecodeMessage reads the envelope and headers of a Kafka message.
func DecodeMessage(msg kafka.Message) (purchase.Envelope, map[string]string, error) {
	headers := make(map[string]string, len(msg.Headers))
	for _, h := range msg.Headers {
		headers[h.Key] = string(h.Value)
	}
	var env purchase.Envelope
	if err := json.Unmarshal(msg.Value, &env); err != nil {
		return purchase.Envelope{}, headers, fmt.Errorf("%w: %v", purchase.ErrInvalidMessage, err)
	}
	if env.CorrelationID == "" {
		env.CorrelationID = string(msg.Key)
	}
	return env, headers, nil
}

// MessageReader is the slice of a consumer-group reader the subscriber needs.
type MessageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// NewKafkaReaders builds n readers in one consumer group so partitions spread over n workers.
func NewKafkaReaders(brokers []string, groupID string, topics []string, n int) []MessageReader {
	readers := make([]MessageReader, 0, n)
	for i := 0; i < n; i++ {
		readers = append(readers, kafka.NewReader(kafka.ReaderConfig{
			Brokers:     brokers,
			GroupID:     groupID,
			GroupTopics: topics,
			MinBytes:    1,
			MaxBytes:    10e6,
			MaxWait:     500 * time.Millisecond,
		}))
	}
	return readers
}

// KafkaSubscriber commits offsets only on Ack. A nacked delivery is held and handed out
// again after a backoff, which keeps the partition blocked behind it.
type KafkaSubscriber struct {
	reader  MessageReader
	backoff reliability.RetryPolicy
	sleep   func(context.Context, time.Duration) error
	logger  *zap.Logger

	mu      sync.Mutex
	pending *Delivery
}

func NewKafkaSubscriber(reader MessageReader, backoff reliability.RetryPolicy, logger *zap.Logger) *KafkaSubscriber {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &KafkaSubscriber{
		reader:  reader,
		backoff: backoff,
		sleep:   reliability.SleepWithContext,
		logger:  logger,
	}
}

func (s *KafkaSubscriber) Fetch(ctx context.Context) (Delivery, error) {
	s.mu.Lock()
	pending := s.pending
	s.pending = nil
	s.mu.Unlock()
	if pending != nil {
		if err := s.sleep(ctx, s.backoff.Delay(pending.Attempt-1)); err != nil {
			s.mu.Lock()
			s.pending = pending
			s.mu.Unlock()
			return Delivery{}, err
		}
		return *pending, nil
	}

	for {
		msg, err := s.reader.FetchMessage(ctx)
		if err != nil {
			return Delivery{}, err
		}
		env, headers, err := DecodeMessage(msg)
		if err != nil {
			s.logger.Warn("skipping undecodable kafka message",
				zap.String("topic", msg.Topic),
				zap.Int("partition", msg.Partition),
				zap.Int64("offset", msg.Offset),
				zap.Error(err),
			)
			if err := s.reader.CommitMessages(ctx, msg); err != nil {
				return Delivery{}, err
			}
			continue
		}
		return Delivery{
			Envelope: env,
			Topic:    msg.Topic,
			Headers:  headers,
			Attempt:  1,
			ack:      msg,
		}, nil
	}
}

func (s *KafkaSubscriber) Ack(ctx context.Context, d Delivery) error {
	msg, ok := d.ack.(kafka.Message)
	if !ok {
		return fmt.Errorf("delivery %s did not come from kafka", d.Envelope.ID)
	}
	return s.reader.CommitMessages(ctx, msg)
}

func (s *KafkaSubscriber) Nack(_ context.Context, d Delivery) error {
	d.Attempt++
	s.mu.Lock()
	s.pending = &d
	s.mu.Unlock()
	return nil
}

func (s *KafkaSubscriber) Close() error {
	return s.reader.Close()
}
