// Command authstub is a development authentication oracle. It serves
// auth.AuthService over gRPC from a static username/password table, plus the
// standard gRPC health service.
package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/charmbracelet/log"
	"github.com/urfave/cli/v3"
	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/wricardo/mcp-training/tankarena/auth"
)

func main() {
	cmd := &cli.Command{
		Name:  "authstub",
		Usage: "development authentication oracle for tankarena",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "addr",
				Value:   ":50051",
				Usage:   "gRPC listen address",
				Sources: cli.EnvVars("AUTHSTUB_ADDR"),
			},
			&cli.StringSliceFlag{
				Name:  "user",
				Usage: "additional user as name:password (repeatable)",
			},
			&cli.BoolFlag{
				Name:  "no-dev-users",
				Usage: "do not load the built-in player1/player2/test users",
			},
			&cli.StringFlag{
				Name:    "log-level",
				Value:   "info",
				Sources: cli.EnvVars("LOG_LEVEL"),
			},
		},
		Action: run,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := cmd.Run(ctx, os.Args); err != nil {
		log.Fatal("authstub failed", "error", err)
	}
}

func run(ctx context.Context, cmd *cli.Command) error {
	level, err := log.ParseLevel(cmd.String("log-level"))
	if err != nil {
		return err
	}
	logger := log.NewWithOptions(os.Stderr, log.Options{Level: level, ReportTimestamp: true, Prefix: "authstub"})

	base := auth.DevUsers()
	if cmd.Bool("no-dev-users") {
		base = nil
	}
	users, err := parseUsers(base, cmd.StringSlice("user"))
	if err != nil {
		return err
	}

	lis, err := net.Listen("tcp", cmd.String("addr"))
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	srv, hs := newServer(users)

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(lis) }()
	logger.Info("Auth oracle listening", "addr", lis.Addr().String(), "users", len(users))

	select {
	case <-ctx.Done():
		logger.Info("Shutting down")
		hs.Shutdown()
		srv.GracefulStop()
		return nil
	case err := <-errCh:
		return err
	}
}

func newServer(users map[string]string) (*grpc.Server, *health.Server) {
	srv := grpc.NewServer(grpc.StatsHandler(otelgrpc.NewServerHandler()))
	auth.RegisterServer(srv, auth.NewStaticUsers(users))

	hs := health.NewServer()
	hs.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	hs.SetServingStatus(auth.ServiceName, healthpb.HealthCheckResponse_SERVING)
	healthpb.RegisterHealthServer(srv, hs)
	return srv, hs
}

// parseUsers merges name:password specs over base.
func parseUsers(base map[string]string, specs []string) (map[string]string, error) {
	users := make(map[string]string, len(base)+len(specs))
	for u, p := range base {
		users[u] = p
	}
	for _, spec := range specs {
		name, password, ok := strings.Cut(spec, ":")
		if !ok || name == "" || password == "" {
			return nil, fmt.Errorf("invalid user %q, want name:password", spec)
		}
		users[name] = password
	}
	return users, nil
}
