package queue

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNoMessage is returned by Subscription.Next when the poll timed out.
	ErrNoMessage = errors.New("no message")
	// ErrDisconnected means the broker connection is gone and the
	// subscription must be re-established.
	ErrDisconnected = errors.New("broker disconnected")
	ErrClosed       = errors.New("queue closed")
)

// Delivery is one message handed to a consumer. Exactly one of Ack or Nack
// should be called.
type Delivery interface {
	Body() []byte
	Ack() error
	// Nack rejects the message. With requeue false the message is dropped
	// for good.
	Nack(requeue bool) error
}

// Subscription is a live, prefetch-one pull subscription.
type Subscription interface {
	// Next waits up to timeout for a message.
	Next(ctx context.Context, timeout time.Duration) (Delivery, error)
	// Close releases the subscription and interrupts a pending Next.
	Close() error
}

// Source establishes subscriptions to the command queue.
type Source interface {
	Connect(ctx context.Context) (Subscription, error)
}

// Publisher enqueues command records. Publish does not wait for the broker
// to confirm delivery.
type Publisher interface {
	Publish(ctx context.Context, body []byte) error
}
