package command

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/charmbracelet/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/wricardo/mcp-training/tankarena/game/session"
	"github.com/wricardo/mcp-training/tankarena/game/tank"
	"github.com/wricardo/mcp-training/tankarena/queue"
)

var (
	ErrBrokerUnavailable = errors.New("command broker unavailable")
	ErrAlreadyRunning    = errors.New("consumer already running")
)

// ConnState is the consumer's view of the broker connection.
type ConnState int32

const (
	Disconnected ConnState = iota
	Connecting
	Connected
)

func (s ConnState) String() string {
	switch s {
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	default:
		return "disconnected"
	}
}

// RunState is the consumer loop lifecycle.
type RunState int32

const (
	Stopped RunState = iota
	Running
	Stopping
)

func (s RunState) String() string {
	switch s {
	case Running:
		return "running"
	case Stopping:
		return "stopping"
	default:
		return "stopped"
	}
}

// Outcome is how a single delivery was settled.
type Outcome string

const (
	OutcomeApplied   Outcome = "applied"   // ack
	OutcomeInactive  Outcome = "inactive"  // ack
	OutcomeNotFound  Outcome = "not_found" // ack
	OutcomeMalformed Outcome = "malformed" // nack, no requeue
	OutcomeRequeued  Outcome = "requeued"  // nack, requeue
)

// TankApplier resolves a player's tank and runs fn against it.
// *session.Registry implements it.
type TankApplier interface {
	ApplyToPlayerTank(playerID string, fn func(s *session.Session, t *tank.Tank)) error
}

// Config tunes polling and reconnection.
type Config struct {
	PollTimeout      time.Duration
	ReconnectBackoff time.Duration
	StartupAttempts  int
}

// DefaultConfig polls every second and retries the broker every five.
func DefaultConfig() Config {
	return Config{
		PollTimeout:      time.Second,
		ReconnectBackoff: 5 * time.Second,
		StartupAttempts:  3,
	}
}

// Stats counts settled deliveries by outcome.
type Stats struct {
	Conn      string `json:"connection"`
	Run       string `json:"run"`
	Applied   int64  `json:"applied"`
	Inactive  int64  `json:"inactive"`
	NotFound  int64  `json:"not_found"`
	Malformed int64  `json:"malformed"`
	Requeued  int64  `json:"requeued"`
}

// Option configures a Consumer.
type Option func(*Consumer)

func WithLogger(logger *log.Logger) Option {
	return func(c *Consumer) { c.logger = logger }
}

func WithTracer(tracer trace.Tracer) Option {
	return func(c *Consumer) { c.tracer = tracer }
}

// Consumer applies queued commands to tanks from a single goroutine, so
// move and shoot are totally ordered per tank.
type Consumer struct {
	source queue.Source
	target TankApplier
	cfg    Config
	logger *log.Logger
	tracer trace.Tracer

	conn atomic.Int32
	run  atomic.Int32

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
	sub    queue.Subscription

	applied, inactive, notFound, malformed, requeued atomic.Int64
}

func NewConsumer(source queue.Source, target TankApplier, cfg Config, opts ...Option) *Consumer {
	def := DefaultConfig()
	if cfg.PollTimeout <= 0 {
		cfg.PollTimeout = def.PollTimeout
	}
	if cfg.ReconnectBackoff <= 0 {
		cfg.ReconnectBackoff = def.ReconnectBackoff
	}
	if cfg.StartupAttempts <= 0 {
		cfg.StartupAttempts = def.StartupAttempts
	}
	c := &Consumer{
		source: source,
		target: target,
		cfg:    cfg,
		logger: log.Default(),
		tracer: otel.Tracer("github.com/wricardo/mcp-training/tankarena/game/command"),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.With("component", "consumer")
	return c
}

func (c *Consumer) ConnState() ConnState { return ConnState(c.conn.Load()) }

func (c *Consumer) RunState() RunState { return RunState(c.run.Load()) }

func (c *Consumer) setConn(s ConnState) {
	if ConnState(c.conn.Swap(int32(s))) != s {
		c.logger.Debug("Connection state changed", "state", s)
	}
}

// Start connects to the broker, retrying up to StartupAttempts times, and
// launches the consume loop. When every attempt fails it returns
// ErrBrokerUnavailable and the consumer stays stopped.
func (c *Consumer) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.RunState() != Stopped {
		return ErrAlreadyRunning
	}

	var sub queue.Subscription
	var lastErr error
	for attempt := 1; attempt <= c.cfg.StartupAttempts; attempt++ {
		c.setConn(Connecting)
		s, err := c.source.Connect(ctx)
		if err == nil {
			sub = s
			break
		}
		lastErr = err
		c.setConn(Disconnected)
		c.logger.Warn("Failed to connect to broker", "attempt", attempt, "of", c.cfg.StartupAttempts, "error", err)
		if attempt == c.cfg.StartupAttempts {
			break
		}
		if !sleepCtx(ctx, c.cfg.ReconnectBackoff) {
			return ctx.Err()
		}
	}
	if sub == nil {
		return fmt.Errorf("%w: %v", ErrBrokerUnavailable, lastErr)
	}
	c.setConn(Connected)
	c.logger.Info("Consumer connected")

	runCtx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	c.done = make(chan struct{})
	c.sub = sub
	c.run.Store(int32(Running))
	go c.loop(runCtx, sub, c.done)
	return nil
}

// Stop cancels the loop, closes the subscription (interrupting a pending
// poll) and waits for the loop to exit or ctx to end.
func (c *Consumer) Stop(ctx context.Context) error {
	c.mu.Lock()
	if c.RunState() != Running {
		c.mu.Unlock()
		return nil
	}
	c.run.Store(int32(Stopping))
	c.cancel()
	sub, done := c.sub, c.done
	c.mu.Unlock()

	if sub != nil {
		_ = sub.Close()
	}
	select {
	case <-done:
		c.logger.Info("Consumer stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Consumer) loop(ctx context.Context, sub queue.Subscription, done chan struct{}) {
	defer func() {
		if sub != nil {
			_ = sub.Close()
		}
		c.setConn(Disconnected)
		c.run.Store(int32(Stopped))
		close(done)
	}()

	for ctx.Err() == nil {
		d, err := sub.Next(ctx, c.cfg.PollTimeout)
		switch {
		case err == nil:
			c.Handle(ctx, d)
		case errors.Is(err, queue.ErrNoMessage):
		case ctx.Err() != nil:
			return
		default:
			c.logger.Warn("Lost broker connection", "error", err)
			_ = sub.Close()
			c.setConn(Disconnected)
			sub = c.reconnect(ctx)
			if sub == nil {
				return
			}
		}
	}
}

// reconnect retries indefinitely until it succeeds or ctx ends.
func (c *Consumer) reconnect(ctx context.Context) queue.Subscription {
	for {
		if !sleepCtx(ctx, c.cfg.ReconnectBackoff) {
			return nil
		}
		c.setConn(Connecting)
		sub, err := c.source.Connect(ctx)
		if err != nil {
			c.setConn(Disconnected)
			c.logger.Warn("Reconnect failed", "error", err)
			continue
		}
		c.mu.Lock()
		c.sub = sub
		c.mu.Unlock()
		if ctx.Err() != nil {
			_ = sub.Close()
			return nil
		}
		c.setConn(Connected)
		c.logger.Info("Consumer reconnected")
		return sub
	}
}

// Handle parses one delivery, applies it and settles it.
func (c *Consumer) Handle(ctx context.Context, d queue.Delivery) Outcome {
	_, span := c.tracer.Start(ctx, "command.handle")
	defer span.End()

	outcome := c.handle(d)
	span.SetAttributes(attribute.String("command.outcome", string(outcome)))
	if outcome == OutcomeMalformed {
		span.SetStatus(codes.Error, "malformed command")
	}
	return outcome
}

func (c *Consumer) handle(d queue.Delivery) Outcome {
	cmd, err := Parse(d.Body())
	if err != nil {
		c.logger.Warn("Dropping malformed command", "error", err)
		c.settle(d.Nack(false))
		c.malformed.Add(1)
		return OutcomeMalformed
	}

	var applied bool
	var inactive bool
	err = c.target.ApplyToPlayerTank(cmd.PlayerID, func(_ *session.Session, t *tank.Tank) {
		if cmd.Details.TankID != "" && cmd.Details.TankID != t.ID().String() {
			c.logger.Debug("Command tank_id differs from player's tank", "player_id", cmd.PlayerID,
				"tank_id", cmd.Details.TankID, "actual", t.ID())
		}
		if !t.IsActive() {
			inactive = true
			return
		}
		switch cmd.Verb {
		case VerbMove:
			applied = t.Move(cmd.Position)
		case VerbShoot:
			applied = t.Shoot()
		}
	})

	switch {
	case errors.Is(err, session.ErrPlayerNotFound), errors.Is(err, session.ErrTankNotFound):
		c.logger.Debug("Command for player without tank", "player_id", cmd.PlayerID, "command", cmd.Verb)
		c.settle(d.Ack())
		c.notFound.Add(1)
		return OutcomeNotFound
	case err != nil:
		c.logger.Warn("Could not apply command, requeueing", "player_id", cmd.PlayerID, "error", err)
		c.settle(d.Nack(true))
		c.requeued.Add(1)
		return OutcomeRequeued
	case inactive || !applied:
		c.logger.Debug("Command for inactive tank ignored", "player_id", cmd.PlayerID, "command", cmd.Verb)
		c.settle(d.Ack())
		c.inactive.Add(1)
		return OutcomeInactive
	}
	c.settle(d.Ack())
	c.applied.Add(1)
	return OutcomeApplied
}

func (c *Consumer) settle(err error) {
	if err != nil {
		c.logger.Warn("Failed to settle delivery", "error", err)
	}
}

func (c *Consumer) Stats() Stats {
	return Stats{
		Conn:      c.ConnState().String(),
		Run:       c.RunState().String(),
		Applied:   c.applied.Load(),
		Inactive:  c.inactive.Load(),
		NotFound:  c.notFound.Load(),
		Malformed: c.malformed.Load(),
		Requeued:  c.requeued.Load(),
	}
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}
