package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/charmbracelet/log"
	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"
)

const (
	ServiceName            = "auth.AuthService"
	authenticateUserMethod = "/" + ServiceName + "/AuthenticateUser"

	// DefaultTimeout bounds a single authentication call. Login is latency
	// sensitive and is never retried.
	DefaultTimeout = time.Second
)

var (
	ErrOracleUnavailable  = errors.New("authentication service unavailable")
	ErrInvalidCredentials = errors.New("invalid credentials")
)

// Request is the AuthenticateUser request.
type Request struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// Response is the AuthenticateUser reply.
type Response struct {
	Authenticated bool   `json:"authenticated"`
	Message       string `json:"message"`
	Token         string `json:"token"`
}

// Authenticator checks credentials.
type Authenticator interface {
	Authenticate(ctx context.Context, username, password string) (Response, error)
}

// DialStage describes where a dial attempt failed.
type DialStage string

const (
	DialStageConnect DialStage = "connect"
	DialStageHealth  DialStage = "health"
)

// DialError wraps dial and health check failures with a stage indicator.
type DialError struct {
	Stage DialStage
	Err   error
}

func (e *DialError) Error() string {
	if e == nil {
		return "auth dial error"
	}
	return fmt.Sprintf("auth %s error: %v", e.Stage, e.Err)
}

func (e *DialError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// Client talks to the authentication oracle over gRPC.
type Client struct {
	conn    *grpc.ClientConn
	timeout time.Duration
	logger  *log.Logger
}

// ClientOption configures a Client.
type ClientOption func(*Client)

func WithTimeout(d time.Duration) ClientOption {
	return func(c *Client) { c.timeout = d }
}

func WithLogger(logger *log.Logger) ClientOption {
	return func(c *Client) { c.logger = logger }
}

// Dial creates a client for addr. The connection is established lazily, so
// an oracle that is down at startup only surfaces as failed logins.
func Dial(addr string, opts []ClientOption, dialOpts ...grpc.DialOption) (*Client, error) {
	base := []grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithStatsHandler(otelgrpc.NewClientHandler()),
	}
	conn, err := grpc.NewClient(addr, append(base, dialOpts...)...)
	if err != nil {
		return nil, &DialError{Stage: DialStageConnect, Err: err}
	}
	c := &Client{conn: conn, timeout: DefaultTimeout, logger: log.Default()}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.With("component", "auth")
	return c, nil
}

// Authenticate implements Authenticator. Transport failures are reported as
// ErrOracleUnavailable; a rejected login returns ErrInvalidCredentials along
// with the oracle's response.
func (c *Client) Authenticate(ctx context.Context, username, password string) (Response, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	var resp Response
	err := c.conn.Invoke(ctx, authenticateUserMethod,
		&Request{Username: username, Password: password}, &resp,
		grpc.CallContentSubtype(codecName))
	if err != nil {
		c.logger.Warn("Authentication call failed", "username", username, "code", status.Code(err), "error", err)
		switch status.Code(err) {
		case codes.Unavailable, codes.DeadlineExceeded, codes.Canceled:
			return Response{}, fmt.Errorf("%w: %v", ErrOracleUnavailable, err)
		}
		return Response{}, fmt.Errorf("authenticate %s: %w", username, err)
	}
	if !resp.Authenticated {
		return resp, ErrInvalidCredentials
	}
	return resp, nil
}

// Healthy reports whether the oracle answers the standard health check.
func (c *Client) Healthy(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	resp, err := healthpb.NewHealthClient(c.conn).Check(ctx, &healthpb.HealthCheckRequest{})
	if err != nil {
		return &DialError{Stage: DialStageHealth, Err: err}
	}
	if resp.GetStatus() != healthpb.HealthCheckResponse_SERVING {
		return &DialError{Stage: DialStageHealth, Err: fmt.Errorf("status %s", resp.GetStatus())}
	}
	return nil
}

func (c *Client) Close() error {
	return c.conn.Close()
}
