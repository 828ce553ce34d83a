// Package queue is the durable command queue between ingress adapters and
// the command consumer.
//
// JetStreamPublisher and JetStreamSource implement it on NATS JetStream with
// a file-backed work-queue stream and a durable pull consumer limited to one
// unacknowledged message. Broker is an in-memory implementation with the same
// delivery semantics, used by tests and by the server when no broker URL is
// configured.
package queue
