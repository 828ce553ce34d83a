package auth

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/test/bufconn"
)

func startOracle(t *testing.T, srv Server, serving healthpb.HealthCheckResponse_ServingStatus) *Client {
	t.Helper()
	lis := bufconn.Listen(1 << 20)
	s := grpc.NewServer()
	RegisterServer(s, srv)
	hs := health.NewServer()
	hs.SetServingStatus("", serving)
	healthpb.RegisterHealthServer(s, hs)
	go s.Serve(lis)
	t.Cleanup(s.Stop)

	client, err := Dial("passthrough:///bufnet", nil,
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}))
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	t.Cleanup(func() { client.Close() })
	return client
}

func TestClient_Authenticate(t *testing.T) {
	client := startOracle(t, NewStaticUsers(DevUsers()), healthpb.HealthCheckResponse_SERVING)
	ctx := context.Background()

	t.Run("valid credentials", func(t *testing.T) {
		resp, err := client.Authenticate(ctx, "player1", "pass1")
		if err != nil {
			t.Fatalf("Authenticate failed: %v", err)
		}
		if !resp.Authenticated || resp.Token != "player1" {
			t.Errorf("Unexpected response: %+v", resp)
		}
	})

	t.Run("wrong password", func(t *testing.T) {
		resp, err := client.Authenticate(ctx, "player1", "nope")
		if !errors.Is(err, ErrInvalidCredentials) {
			t.Errorf("Expected ErrInvalidCredentials, got %v", err)
		}
		if resp.Message != "Invalid password" {
			t.Errorf("Expected oracle message, got %q", resp.Message)
		}
	})

	t.Run("unknown user", func(t *testing.T) {
		if _, err := client.Authenticate(ctx, "ghost", "x"); !errors.Is(err, ErrInvalidCredentials) {
			t.Errorf("Expected ErrInvalidCredentials, got %v", err)
		}
	})

	t.Run("healthy", func(t *testing.T) {
		if err := client.Healthy(ctx); err != nil {
			t.Errorf("Expected healthy oracle, got %v", err)
		}
	})
}

func TestClient_NotServing(t *testing.T) {
	client := startOracle(t, NewStaticUsers(nil), healthpb.HealthCheckResponse_NOT_SERVING)
	err := client.Healthy(context.Background())
	var dialErr *DialError
	if !errors.As(err, &dialErr) || dialErr.Stage != DialStageHealth {
		t.Errorf("Expected health stage DialError, got %v", err)
	}
}

type slowServer struct{}

func (slowServer) AuthenticateUser(ctx context.Context, _ *Request) (*Response, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func TestClient_Deadline(t *testing.T) {
	client := startOracle(t, slowServer{}, healthpb.HealthCheckResponse_SERVING)
	client.timeout = 50 * time.Millisecond

	start := time.Now()
	_, err := client.Authenticate(context.Background(), "player1", "pass1")
	if !errors.Is(err, ErrOracleUnavailable) {
		t.Errorf("Expected ErrOracleUnavailable, got %v", err)
	}
	if time.Since(start) > time.Second {
		t.Errorf("Deadline not enforced, took %v", time.Since(start))
	}
}

func TestClient_Unreachable(t *testing.T) {
	client, err := Dial("127.0.0.1:1", []ClientOption{WithTimeout(200 * time.Millisecond)})
	if err != nil {
		t.Fatalf("Dial should be lazy, got %v", err)
	}
	defer client.Close()
	if _, err := client.Authenticate(context.Background(), "a", "b"); !errors.Is(err, ErrOracleUnavailable) {
		t.Errorf("Expected ErrOracleUnavailable, got %v", err)
	}
}
