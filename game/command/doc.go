// Package command defines the queued command record and the consumer that
// applies it.
//
// Ingress adapters never touch tanks. They publish a Command on the queue;
// the Consumer pulls one message at a time from a single goroutine,
// validates it against a JSON schema and applies it through the session
// registry. Settlement rules:
//
//   - malformed (bad JSON, missing field, unknown verb, bad new_position):
//     nack without requeue
//   - player, session or tank gone: ack, nothing to do
//   - tank inactive: ack, ignored
//   - applied: ack
//
// The consumer survives broker outages: startup retries a bounded number of
// times, then gives up with ErrBrokerUnavailable; once running it reconnects
// indefinitely.
package command
