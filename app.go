package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"golang.ngrok.com/ngrok"
	ngrokConfig "golang.ngrok.com/ngrok/config"

	"github.com/wricardo/mcp-training/tankarena/api"
	"github.com/wricardo/mcp-training/tankarena/auth"
	"github.com/wricardo/mcp-training/tankarena/game/command"
	"github.com/wricardo/mcp-training/tankarena/game/config"
	"github.com/wricardo/mcp-training/tankarena/game/pool"
	"github.com/wricardo/mcp-training/tankarena/game/service"
	"github.com/wricardo/mcp-training/tankarena/game/session"
	"github.com/wricardo/mcp-training/tankarena/game/tank"
	"github.com/wricardo/mcp-training/tankarena/queue"
	"github.com/wricardo/mcp-training/tankarena/telemetry"
	"github.com/wricardo/mcp-training/tankarena/transport/mcp"
	"github.com/wricardo/mcp-training/tankarena/transport/tcp"
	"github.com/wricardo/mcp-training/tankarena/transport/udp"
	"github.com/wricardo/mcp-training/tankarena/transport/websocket"
)

const (
	journalBuffer   = 1024
	shutdownTimeout = 10 * time.Second
)

// app holds every long-lived component of a running server.
type app struct {
	cfg    *config.Config
	logger *log.Logger

	pool       *pool.Pool
	registry   *session.Registry
	consumer   *command.Consumer
	hub        *websocket.Hub
	journal    *telemetry.SQLiteSink
	authClient *auth.Client
	svc        service.GameService

	tcp *tcp.Server
	udp *udp.Server
	api *api.Server

	commands        queue.Publisher
	closeCommands   func(context.Context)
	shutdownTracing func(context.Context) error
	registryCancel  context.CancelFunc
	hubCancel       context.CancelFunc
}

type listeners struct {
	tcp  net.Listener
	udp  net.PacketConn
	http net.Listener
}

func (l *listeners) close() {
	if l.tcp != nil {
		l.tcp.Close()
	}
	if l.udp != nil {
		l.udp.Close()
	}
	if l.http != nil {
		l.http.Close()
	}
}

// serve is the default command: build, listen, run until ctx ends.
func serve(ctx context.Context, cfg *config.Config, logger *log.Logger) error {
	logger.Info("Starting", "app", AppName, "version", Version)

	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	l, err := a.listen()
	if err != nil {
		a.close(context.Background())
		return err
	}
	return a.run(ctx, l)
}

func newApp(ctx context.Context, cfg *config.Config, logger *log.Logger) (_ *app, err error) {
	a := &app{cfg: cfg, logger: logger}
	defer func() {
		if err != nil {
			a.close(context.Background())
		}
	}()

	a.shutdownTracing, err = telemetry.SetupTracing(ctx, AppName, cfg.OTelEndpoint)
	if err != nil {
		return nil, fmt.Errorf("tracing: %w", err)
	}

	publishers := []telemetry.Publisher{telemetry.LogSink{Logger: logger.With("component", "events")}}

	var source queue.Source
	if cfg.NATSURL == "" {
		logger.Warn("No NATS URL configured, commands use an in-process queue")
		broker := queue.NewBroker()
		a.commands, source = broker, broker
	} else {
		jsCfg := queue.JetStreamConfig{
			URL:     cfg.NATSURL,
			Stream:  cfg.CommandStream,
			Subject: cfg.CommandSubject,
			Durable: cfg.CommandDurable,
		}
		pub, err := queue.DialPublisher(jsCfg, logger)
		if err != nil {
			return nil, fmt.Errorf("command queue: %w", err)
		}
		a.commands, a.closeCommands = pub, pub.Close
		source = queue.NewJetStreamSource(jsCfg, logger)
		publishers = append(publishers, telemetry.NewNATSSink(pub.Conn(), cfg.EventsPrefix, logger))
	}

	if cfg.JournalPath != "" {
		a.journal, err = telemetry.OpenSQLiteSink(cfg.JournalPath, journalBuffer, logger)
		if err != nil {
			return nil, fmt.Errorf("event journal: %w", err)
		}
		publishers = append(publishers, a.journal)
	}

	a.hub = websocket.NewHub(logger)
	var hubCtx context.Context
	hubCtx, a.hubCancel = context.WithCancel(context.Background())
	go a.hub.Run(hubCtx)
	publishers = append(publishers, a.hub)

	events := telemetry.Multi(publishers...)

	a.pool = pool.New(cfg.PoolSize,
		pool.WithLogger(logger),
		pool.WithEvents(events),
		pool.WithSpawn(tank.Position{X: cfg.SpawnX, Y: cfg.SpawnY}, cfg.StartHealth),
	)
	a.registry = session.NewRegistry(a.pool, session.WithLogger(logger), session.WithEvents(events))
	var regCtx context.Context
	regCtx, a.registryCancel = context.WithCancel(context.Background())
	go a.registry.Run(regCtx)

	a.consumer = command.NewConsumer(source, a.registry, command.Config{
		PollTimeout:      cfg.PollTimeout,
		ReconnectBackoff: cfg.ReconnectBackoff,
		StartupAttempts:  cfg.StartupAttempts,
	}, command.WithLogger(logger))

	a.authClient, err = auth.Dial(cfg.AuthAddr, []auth.ClientOption{
		auth.WithTimeout(cfg.AuthTimeout),
		auth.WithLogger(logger),
	})
	if err != nil {
		return nil, fmt.Errorf("auth oracle: %w", err)
	}

	deps := service.Deps{
		Registry:   a.registry,
		Pool:       a.pool,
		Auth:       a.authClient,
		Commands:   a.commands,
		Consumer:   a.consumer,
		AuthHealth: a.authClient,
		MaxPlayers: cfg.MaxPlayers,
		Logger:     logger,
	}
	if a.journal != nil {
		deps.Journal = a.journal
	}
	a.svc = service.NewGameService(deps)

	a.tcp = tcp.NewServer(a.svc, logger)
	a.udp = udp.NewServer(a.svc, udp.WithLogger(logger), udp.WithRateLimit(cfg.UDPRateLimit, cfg.UDPBurst))
	a.api = api.NewServer(a.svc, a.hub, logger)
	return a, nil
}

func (a *app) listen() (*listeners, error) {
	l := &listeners{}
	var err error
	if a.cfg.TCPAddr != "" {
		if l.tcp, err = net.Listen("tcp", a.cfg.TCPAddr); err != nil {
			l.close()
			return nil, fmt.Errorf("listen tcp: %w", err)
		}
	}
	if a.cfg.UDPAddr != "" {
		if l.udp, err = net.ListenPacket("udp", a.cfg.UDPAddr); err != nil {
			l.close()
			return nil, fmt.Errorf("listen udp: %w", err)
		}
	}
	if a.cfg.HTTPAddr != "" {
		if l.http, err = net.Listen("tcp", a.cfg.HTTPAddr); err != nil {
			l.close()
			return nil, fmt.Errorf("listen http: %w", err)
		}
	}
	return l, nil
}

// run serves on l until ctx is cancelled or a listener fails, then shuts
// everything down.
func (a *app) run(ctx context.Context, l *listeners) error {
	serveCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	errCh := make(chan error, 4)
	fail := func(name string, err error) {
		select {
		case errCh <- fmt.Errorf("%s: %w", name, err):
		default:
		}
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		a.startConsumer(serveCtx)
	}()

	if l.tcp != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := a.tcp.Serve(serveCtx, l.tcp); err != nil {
				fail("tcp", err)
			}
		}()
	}
	if l.udp != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := a.udp.Serve(serveCtx, l.udp); err != nil {
				fail("udp", err)
			}
		}()
	}

	var httpServer *http.Server
	if l.http != nil {
		addr := l.http.Addr().String()
		httpServer = &http.Server{
			Handler:      a.httpHandler(addr),
			ReadTimeout:  15 * time.Second,
			WriteTimeout: 15 * time.Second,
			IdleTimeout:  60 * time.Second,
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			a.logger.Info("HTTP server listening", "addr", addr, "api", "/api", "websocket", "/ws", "mcp", "/mcp")
			if err := httpServer.Serve(l.http); err != nil && !errors.Is(err, http.ErrServerClosed) {
				fail("http", err)
			}
		}()

		if a.cfg.NgrokEnabled {
			wg.Add(1)
			go func() {
				defer wg.Done()
				a.runNgrok(serveCtx, httpServer.Handler)
			}()
		}
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		a.broadcastLoop(serveCtx)
	}()

	var runErr error
	select {
	case <-ctx.Done():
		a.logger.Info("Shutting down")
	case runErr = <-errCh:
		a.logger.Error("Server failed", "error", runErr)
	}
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()
	if httpServer != nil {
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			a.logger.Warn("HTTP server shutdown error", "error", err)
		}
	}
	wg.Wait()
	a.close(shutdownCtx)
	a.logger.Info("Server stopped")
	return runErr
}

// startConsumer keeps trying to start the command consumer. Until it
// succeeds the server runs degraded: players can join and leave but their
// commands wait in the queue.
func (a *app) startConsumer(ctx context.Context) {
	for {
		err := a.consumer.Start(ctx)
		if err == nil || errors.Is(err, command.ErrAlreadyRunning) {
			return
		}
		if ctx.Err() != nil {
			return
		}
		a.logger.Warn("Command consumer unavailable, running degraded", "error", err)
		select {
		case <-ctx.Done():
			return
		case <-time.After(a.cfg.ReconnectBackoff):
		}
	}
}

func (a *app) broadcastLoop(ctx context.Context) {
	ticker := time.NewTicker(a.cfg.BroadcastInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			snapshots := a.svc.Snapshots(ctx)
			if len(snapshots) == 0 {
				continue
			}
			a.hub.BroadcastSnapshots(snapshots)
			a.udp.Broadcast(snapshots)
		}
	}
}

// httpHandler mounts the REST API, the spectator WebSocket and the MCP
// JSON-RPC endpoint. The MCP tools call back into the API on addr.
func (a *app) httpHandler(addr string) http.Handler {
	mcpClient := mcp.NewClient(loopbackURL(addr), Version)

	mux := http.NewServeMux()
	mux.Handle("/", a.api)
	mux.HandleFunc("/mcp", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}

		body, err := io.ReadAll(r.Body)
		if err != nil {
			http.Error(w, "Failed to read request", http.StatusBadRequest)
			return
		}
		defer r.Body.Close()

		response := mcpClient.GetMCPServer().HandleMessage(r.Context(), body)

		w.Header().Set("Content-Type", "application/json")
		responseData, err := json.Marshal(response)
		if err != nil {
			http.Error(w, "Failed to marshal response", http.StatusInternalServerError)
			return
		}
		w.Write(responseData)
	})
	return mux
}

// loopbackURL turns a listen address into a URL this process can dial.
func loopbackURL(addr string) string {
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return "http://" + addr
	}
	switch host {
	case "", "0.0.0.0", "::":
		host = "localhost"
	}
	return "http://" + net.JoinHostPort(host, port)
}

func (a *app) runNgrok(ctx context.Context, handler http.Handler) {
	var tunnel ngrokConfig.Tunnel
	if a.cfg.NgrokDomain != "" {
		tunnel = ngrokConfig.HTTPEndpoint(ngrokConfig.WithDomain(a.cfg.NgrokDomain))
	} else {
		tunnel = ngrokConfig.HTTPEndpoint()
	}

	tun, err := ngrok.Listen(ctx, tunnel, ngrok.WithAuthtoken(a.cfg.NgrokAuthToken))
	if err != nil {
		a.logger.Error("Failed to start ngrok tunnel", "error", err)
		return
	}
	go func() {
		<-ctx.Done()
		if err := tun.Close(); err != nil {
			a.logger.Warn("Failed to close ngrok tunnel", "error", err)
		}
	}()

	a.logger.Info("Ngrok tunnel established", "url", tun.URL())
	if err := http.Serve(tun, handler); err != nil && ctx.Err() == nil {
		a.logger.Warn("Ngrok server error", "error", err)
	}
	a.logger.Info("Ngrok tunnel closed")
}

// close releases everything newApp built, in dependency order. The
// registry is drained before the event sinks close so that the shutdown
// events reach them.
func (a *app) close(ctx context.Context) {
	if a.consumer != nil {
		if err := a.consumer.Stop(ctx); err != nil {
			a.logger.Warn("Consumer did not stop cleanly", "error", err)
		}
	}
	if a.registryCancel != nil {
		a.registryCancel()
		<-a.registry.Done()
	}
	if a.hubCancel != nil {
		a.hubCancel()
	}
	if a.closeCommands != nil {
		a.closeCommands(ctx)
	}
	if a.authClient != nil {
		a.authClient.Close()
	}
	if a.journal != nil {
		if err := a.journal.Close(); err != nil {
			a.logger.Warn("Failed to close event journal", "error", err)
		}
	}
	if a.shutdownTracing != nil {
		if err := a.shutdownTracing(ctx); err != nil {
			a.logger.Warn("Failed to flush traces", "error", err)
		}
	}
}
