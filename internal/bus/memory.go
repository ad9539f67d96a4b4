package bus

import (
	"context"
	"hash/fnv"
	"sync"
	"time"

	"trading/internal/purchase"
	"trading/internal/reliability"
)

// MemoryBus is an in-process bus with a fixed number of partitions. Envelopes are routed
// by correlation id so each purchase is consumed by a single subscriber.
type MemoryBus struct {
	partitions []chan Delivery
	subs       []*memorySubscriber

	mu        sync.Mutex
	published []purchase.Envelope
	closed    bool
}

func NewMemoryBus(partitions, buffer int) *MemoryBus {
	if partitions < 1 {
		partitions = 1
	}
	b := &MemoryBus{partitions: make([]chan Delivery, partitions)}
	for i := range b.partitions {
		b.partitions[i] = make(chan Delivery, buffer)
		b.subs = append(b.subs, &memorySubscriber{in: b.partitions[i], done: make(chan struct{})})
	}
	return b
}

// Partition returns the partition index for a correlation id.
func (b *MemoryBus) Partition(correlationID string) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(correlationID))
	return int(h.Sum32() % uint32(len(b.partitions)))
}

func (b *MemoryBus) Publish(ctx context.Context, env purchase.Envelope) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return ErrClosed
	}
	b.published = append(b.published, env)
	b.mu.Unlock()

	d := Delivery{Envelope: env, Headers: injectHeaders(ctx, env), Attempt: 1}
	select {
	case b.partitions[b.Partition(env.CorrelationID)] <- d:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// SetRedeliveryDelay spaces out redeliveries of nacked envelopes.
func (b *MemoryBus) SetRedeliveryDelay(d time.Duration) {
	for _, s := range b.subs {
		s.mu.Lock()
		s.delay = d
		s.mu.Unlock()
	}
}

// Subscribers returns one subscriber per partition.
func (b *MemoryBus) Subscribers() []Subscriber {
	out := make([]Subscriber, len(b.subs))
	for i, s := range b.subs {
		out[i] = s
	}
	return out
}

// Published returns every envelope accepted so far, in publish order.
func (b *MemoryBus) Published() []purchase.Envelope {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]purchase.Envelope(nil), b.published...)
}

func (b *MemoryBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	for _, s := range b.subs {
		_ = s.Close()
	}
	return nil
}

type memorySubscriber struct {
	in   chan Delivery
	done chan struct{}
	once sync.Once

	mu      sync.Mutex
	pending []Delivery
	delay   time.Duration
}

func (s *memorySubscriber) Fetch(ctx context.Context) (Delivery, error) {
	s.mu.Lock()
	if len(s.pending) > 0 {
		d := s.pending[0]
		s.pending = s.pending[1:]
		delay := s.delay
		s.mu.Unlock()
		if err := reliability.SleepWithContext(ctx, delay); err != nil {
			return Delivery{}, err
		}
		return d, nil
	}
	s.mu.Unlock()

	select {
	case d := <-s.in:
		return d, nil
	case <-s.done:
		return Delivery{}, ErrClosed
	case <-ctx.Done():
		return Delivery{}, ctx.Err()
	}
}

func (s *memorySubscriber) Ack(context.Context, Delivery) error { return nil }

func (s *memorySubscriber) Nack(_ context.Context, d Delivery) error {
	d.Attempt++
	s.mu.Lock()
	s.pending = append(s.pending, d)
	s.mu.Unlock()
	return nil
}

func (s *memorySubscriber) Close() error {
	s.once.Do(func() { close(s.done) })
	return nil
}
