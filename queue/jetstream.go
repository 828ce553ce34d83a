package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/charmbracelet/log"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
)

// JetStreamConfig names the stream and durable consumer backing the queue.
type JetStreamConfig struct {
	URL     string
	Stream  string
	Subject string
	Durable string
}

func (c JetStreamConfig) withDefaults() JetStreamConfig {
	if c.URL == "" {
		c.URL = nats.DefaultURL
	}
	if c.Stream == "" {
		c.Stream = "TANK_COMMANDS"
	}
	if c.Subject == "" {
		c.Subject = "tankarena.commands"
	}
	if c.Durable == "" {
		c.Durable = "tank-command-consumer"
	}
	return c
}

func ensureStream(ctx context.Context, js jetstream.JetStream, cfg JetStreamConfig) (jetstream.Stream, error) {
	stream, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:      cfg.Stream,
		Subjects:  []string{cfg.Subject},
		Storage:   jetstream.FileStorage,
		Retention: jetstream.WorkQueuePolicy,
	})
	if err != nil {
		return nil, fmt.Errorf("ensure stream %s: %w", cfg.Stream, err)
	}
	return stream, nil
}

// JetStreamPublisher publishes command records asynchronously. The
// connection reconnects on its own; while the broker is away publishes are
// buffered by the client or dropped with a logged error.
type JetStreamPublisher struct {
	conn    *nats.Conn
	js      jetstream.JetStream
	subject string
	logger  *log.Logger
}

// DialPublisher connects the publisher. The connection is retried in the
// background if the broker is not reachable yet.
func DialPublisher(cfg JetStreamConfig, logger *log.Logger) (*JetStreamPublisher, error) {
	cfg = cfg.withDefaults()
	if logger == nil {
		logger = log.Default()
	}
	logger = logger.With("component", "queue.publisher")

	conn, err := nats.Connect(cfg.URL,
		nats.Name("tankarena-publisher"),
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logger.Warn("Publisher disconnected", "error", err)
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			logger.Info("Publisher reconnected", "url", c.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect %s: %w", cfg.URL, err)
	}
	js, err := jetstream.New(conn, jetstream.WithPublishAsyncErrHandler(
		func(_ jetstream.JetStream, msg *nats.Msg, err error) {
			logger.Warn("Command publish failed", "subject", msg.Subject, "error", err)
		},
	))
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("jetstream: %w", err)
	}
	return &JetStreamPublisher{conn: conn, js: js, subject: cfg.Subject, logger: logger}, nil
}

// Conn exposes the underlying connection so other publishers (telemetry)
// can share it.
func (p *JetStreamPublisher) Conn() *nats.Conn {
	return p.conn
}

// Publish implements Publisher.
func (p *JetStreamPublisher) Publish(_ context.Context, body []byte) error {
	if _, err := p.js.PublishAsync(p.subject, body); err != nil {
		return fmt.Errorf("publish %s: %w", p.subject, err)
	}
	return nil
}

// Close waits briefly for pending publishes and closes the connection.
func (p *JetStreamPublisher) Close(ctx context.Context) {
	select {
	case <-p.js.PublishAsyncComplete():
	case <-ctx.Done():
		p.logger.Warn("Closing publisher with pending messages", "pending", p.js.PublishAsyncPending())
	}
	p.conn.Close()
}

// JetStreamSource connects durable pull subscriptions. Its connections do
// not reconnect on their own: the consumer drives reconnection.
type JetStreamSource struct {
	cfg    JetStreamConfig
	logger *log.Logger
}

func NewJetStreamSource(cfg JetStreamConfig, logger *log.Logger) *JetStreamSource {
	if logger == nil {
		logger = log.Default()
	}
	return &JetStreamSource{cfg: cfg.withDefaults(), logger: logger.With("component", "queue.source")}
}

// Connect implements Source.
func (s *JetStreamSource) Connect(ctx context.Context) (Subscription, error) {
	conn, err := nats.Connect(s.cfg.URL,
		nats.Name("tankarena-consumer"),
		nats.NoReconnect(),
		nats.Timeout(2*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDisconnected, err)
	}
	js, err := jetstream.New(conn)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("jetstream: %w", err)
	}
	stream, err := ensureStream(ctx, js, s.cfg)
	if err != nil {
		conn.Close()
		return nil, err
	}
	cons, err := stream.CreateOrUpdateConsumer(ctx, jetstream.ConsumerConfig{
		Durable:       s.cfg.Durable,
		AckPolicy:     jetstream.AckExplicitPolicy,
		MaxAckPending: 1,
		FilterSubject: s.cfg.Subject,
	})
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("ensure consumer %s: %w", s.cfg.Durable, err)
	}
	s.logger.Debug("Subscription established", "stream", s.cfg.Stream, "durable", s.cfg.Durable)
	return &jetStreamSubscription{conn: conn, cons: cons}, nil
}

type jetStreamSubscription struct {
	conn *nats.Conn
	cons jetstream.Consumer
}

func (s *jetStreamSubscription) Next(ctx context.Context, timeout time.Duration) (Delivery, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s.conn.IsClosed() || s.conn.Status() != nats.CONNECTED {
		return nil, ErrDisconnected
	}
	batch, err := s.cons.Fetch(1, jetstream.FetchMaxWait(timeout))
	if err != nil {
		return nil, s.classify(err)
	}
	for msg := range batch.Messages() {
		return jetStreamDelivery{msg: msg}, nil
	}
	if err := batch.Error(); err != nil {
		return nil, s.classify(err)
	}
	return nil, ErrNoMessage
}

func (s *jetStreamSubscription) classify(err error) error {
	switch {
	case errors.Is(err, nats.ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return ErrNoMessage
	case s.conn.IsClosed(), s.conn.Status() != nats.CONNECTED,
		errors.Is(err, nats.ErrConnectionClosed), errors.Is(err, jetstream.ErrNoHeartbeat):
		return fmt.Errorf("%w: %v", ErrDisconnected, err)
	default:
		return err
	}
}

func (s *jetStreamSubscription) Close() error {
	s.conn.Close()
	return nil
}

type jetStreamDelivery struct {
	msg jetstream.Msg
}

func (d jetStreamDelivery) Body() []byte { return d.msg.Data() }

func (d jetStreamDelivery) Ack() error { return d.msg.Ack() }

func (d jetStreamDelivery) Nack(requeue bool) error {
	if requeue {
		return d.msg.Nak()
	}
	return d.msg.Term()
}
