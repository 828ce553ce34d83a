package queue

import (
	"context"
	"sync"
	"time"
)

// Broker is an in-memory queue with prefetch-one delivery: a message handed
// out by Next must be acked or nacked before the next one is delivered.
// SetDown simulates a broker outage.
type Broker struct {
	mu       sync.Mutex
	messages [][]byte
	inflight bool
	down     bool
	notify   chan struct{}

	acked   [][]byte
	dropped [][]byte
}

func NewBroker() *Broker {
	return &Broker{notify: make(chan struct{})}
}

// wake releases every waiter. Callers hold b.mu.
func (b *Broker) wake() {
	close(b.notify)
	b.notify = make(chan struct{})
}

// Publish implements Publisher.
func (b *Broker) Publish(_ context.Context, body []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.down {
		return ErrDisconnected
	}
	b.messages = append(b.messages, append([]byte(nil), body...))
	b.wake()
	return nil
}

// SetDown toggles a simulated outage. Live subscriptions fail with
// ErrDisconnected while the broker is down.
func (b *Broker) SetDown(down bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.down = down
	b.wake()
}

// Pending reports messages not yet delivered.
func (b *Broker) Pending() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.messages)
}

// Acked returns the bodies acknowledged so far.
func (b *Broker) Acked() [][]byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([][]byte(nil), b.acked...)
}

// Dropped returns the bodies nacked without requeue.
func (b *Broker) Dropped() [][]byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([][]byte(nil), b.dropped...)
}

// Connect implements Source.
func (b *Broker) Connect(ctx context.Context) (Subscription, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.down {
		return nil, ErrDisconnected
	}
	return &memorySubscription{broker: b, closed: make(chan struct{})}, nil
}

type memorySubscription struct {
	broker    *Broker
	closeOnce sync.Once
	closed    chan struct{}
}

func (s *memorySubscription) Next(ctx context.Context, timeout time.Duration) (Delivery, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	b := s.broker
	for {
		b.mu.Lock()
		if b.down {
			b.mu.Unlock()
			return nil, ErrDisconnected
		}
		if !b.inflight && len(b.messages) > 0 {
			body := b.messages[0]
			b.messages = b.messages[1:]
			b.inflight = true
			b.mu.Unlock()
			return &memoryDelivery{broker: b, body: body}, nil
		}
		wait := b.notify
		b.mu.Unlock()

		select {
		case <-wait:
		case <-timer.C:
			return nil, ErrNoMessage
		case <-s.closed:
			return nil, ErrClosed
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

func (s *memorySubscription) Close() error {
	s.closeOnce.Do(func() { close(s.closed) })
	return nil
}

type memoryDelivery struct {
	broker *Broker
	body   []byte
	once   sync.Once
}

func (d *memoryDelivery) Body() []byte { return d.body }

func (d *memoryDelivery) Ack() error {
	d.settle(func(b *Broker) { b.acked = append(b.acked, d.body) })
	return nil
}

func (d *memoryDelivery) Nack(requeue bool) error {
	d.settle(func(b *Broker) {
		if requeue {
			b.messages = append([][]byte{d.body}, b.messages...)
			return
		}
		b.dropped = append(b.dropped, d.body)
	})
	return nil
}

func (d *memoryDelivery) settle(fn func(*Broker)) {
	d.once.Do(func() {
		b := d.broker
		b.mu.Lock()
		defer b.mu.Unlock()
		fn(b)
		b.inflight = false
		b.wake()
	})
}
