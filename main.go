// Command tankarena runs the multiplayer tank arena server.
//
// It supports two modes:
//  1. "serve" (default): TCP and UDP game ingress, the command consumer, and
//     an HTTP server exposing the admin REST API, spectator WebSocket and an
//     /mcp endpoint
//  2. "mcp": an MCP stdio server proxying to a running server's REST API
//  3. "validate": a config file checker
//
// Flags override the YAML config file, which overrides built-in defaults.
// Environment variables (and a .env file) override both.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/charmbracelet/log"
	"github.com/mark3labs/mcp-go/server"
	"github.com/urfave/cli/v3"

	"github.com/wricardo/mcp-training/tankarena/game/config"
	"github.com/wricardo/mcp-training/tankarena/transport/mcp"
)

// Version information
const (
	Version = "1.0.0"
	AppName = "tankarena"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCommand(serve).Run(ctx, os.Args); err != nil {
		log.Fatal("tankarena failed", "error", err)
	}
}

// serveFunc runs the server until ctx is cancelled.
type serveFunc func(ctx context.Context, cfg *config.Config, logger *log.Logger) error

func newRootCommand(run serveFunc) *cli.Command {
	serveAction := func(ctx context.Context, cmd *cli.Command) error {
		cfg, err := configFromCommand(cmd)
		if err != nil {
			return err
		}
		return run(ctx, cfg, cfg.NewLogger())
	}

	return &cli.Command{
		Name:    AppName,
		Usage:   "multiplayer tank arena server",
		Version: Version,
		Flags:   serverFlags(),
		Action:  serveAction,
		Commands: []*cli.Command{
			{
				Name:   "serve",
				Usage:  "run the game server (default)",
				Flags:  serverFlags(),
				Action: serveAction,
			},
			{
				Name:      "validate",
				Usage:     "check YAML config files and print the effective settings",
				ArgsUsage: "<config.yaml> [...]",
				Action: func(ctx context.Context, cmd *cli.Command) error {
					return validateConfigs(cmd.Root().Writer, cmd.Args().Slice())
				},
			},
			{
				Name:  "mcp",
				Usage: "serve admin MCP tools on stdio against a running server",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:    "api-url",
						Value:   "http://localhost:8080",
						Usage:   "base URL of the server's HTTP API",
						Sources: cli.EnvVars("TANKARENA_API_URL"),
					},
				},
				Action: func(ctx context.Context, cmd *cli.Command) error {
					client := mcp.NewClient(cmd.String("api-url"), Version)
					return server.ServeStdio(client.GetMCPServer())
				},
			},
		},
	}
}

func serverFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{Name: "config", Aliases: []string{"c"}, Usage: "YAML config file", Sources: cli.EnvVars("TANKARENA_CONFIG")},
		&cli.StringFlag{Name: "tcp-addr", Usage: "TCP text protocol listen address (empty disables)"},
		&cli.StringFlag{Name: "udp-addr", Usage: "UDP JSON protocol listen address (empty disables)"},
		&cli.StringFlag{Name: "http-addr", Usage: "admin HTTP listen address (empty disables)"},
		&cli.IntFlag{Name: "pool-size", Usage: "number of tanks in the arena"},
		&cli.IntFlag{Name: "max-players", Usage: "players per session"},
		&cli.StringFlag{Name: "auth-addr", Usage: "authentication oracle gRPC address"},
		&cli.StringFlag{Name: "nats-url", Usage: "NATS URL for the durable command queue (empty uses an in-process queue)"},
		&cli.StringFlag{Name: "journal", Usage: "SQLite event journal path"},
		&cli.StringFlag{Name: "otel-endpoint", Usage: "OTLP/HTTP trace endpoint"},
		&cli.StringFlag{Name: "log-level", Usage: "debug, info, warn or error"},
		&cli.BoolFlag{Name: "debug", Usage: "shorthand for --log-level debug"},
		&cli.BoolFlag{Name: "ngrok", Usage: "expose the HTTP server through an ngrok tunnel"},
		&cli.StringFlag{Name: "ngrok-domain", Usage: "custom ngrok domain"},
	}
}

// configFromCommand loads the config file and applies explicitly set flags
// on top of it.
func configFromCommand(cmd *cli.Command) (*config.Config, error) {
	cfg, err := config.Load(cmd.String("config"))
	if err != nil {
		return nil, err
	}

	stringFlags := map[string]*string{
		"tcp-addr":      &cfg.TCPAddr,
		"udp-addr":      &cfg.UDPAddr,
		"http-addr":     &cfg.HTTPAddr,
		"auth-addr":     &cfg.AuthAddr,
		"nats-url":      &cfg.NATSURL,
		"journal":       &cfg.JournalPath,
		"otel-endpoint": &cfg.OTelEndpoint,
		"log-level":     &cfg.LogLevel,
		"ngrok-domain":  &cfg.NgrokDomain,
	}
	for name, dst := range stringFlags {
		if cmd.IsSet(name) {
			*dst = cmd.String(name)
		}
	}
	if cmd.IsSet("pool-size") {
		cfg.PoolSize = int(cmd.Int("pool-size"))
	}
	if cmd.IsSet("max-players") {
		cfg.MaxPlayers = int(cmd.Int("max-players"))
	}
	if cmd.Bool("debug") {
		cfg.LogLevel = "debug"
	}
	if cmd.IsSet("ngrok") {
		cfg.NgrokEnabled = cmd.Bool("ngrok")
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	return cfg, nil
}

// validateConfigs loads each file the way serve would and reports the
// result. Environment overrides apply, so the report shows what the server
// would actually run with.
func validateConfigs(w io.Writer, paths []string) error {
	if len(paths) == 0 {
		return errors.New("validate: no config files given")
	}

	allValid := true
	for _, path := range paths {
		fmt.Fprintf(w, "\n%s %s\n", strings.Repeat("=", 20), path)

		cfg, err := config.Load(path)
		if err != nil {
			allValid = false
			fmt.Fprintln(w, "INVALID")
			fmt.Fprintf(w, "  %v\n", err)
			continue
		}
		fmt.Fprintln(w, "VALID")
		fmt.Fprintf(w, "  ingress: tcp=%q udp=%q http=%q\n", cfg.TCPAddr, cfg.UDPAddr, cfg.HTTPAddr)
		fmt.Fprintf(w, "  arena: %d tanks, %d players per session, spawn (%d,%d) at %d health\n",
			cfg.PoolSize, cfg.MaxPlayers, cfg.SpawnX, cfg.SpawnY, cfg.StartHealth)
		if cfg.NATSURL == "" {
			fmt.Fprintln(w, "  commands: in-process queue")
		} else {
			fmt.Fprintf(w, "  commands: %s stream %s\n", cfg.NATSURL, cfg.CommandStream)
		}
	}

	fmt.Fprintf(w, "\n%s\n", strings.Repeat("=", 40))
	if !allValid {
		return errors.New("some configurations have errors")
	}
	fmt.Fprintln(w, "All configurations are valid")
	return nil
}
