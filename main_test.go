package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/charmbracelet/log"
	"google.golang.org/grpc"

	"github.com/wricardo/mcp-training/tankarena/auth"
	"github.com/wricardo/mcp-training/tankarena/game/config"
	"github.com/wricardo/mcp-training/tankarena/game/tank"
)

func TestConstants(t *testing.T) {
	if Version == "" {
		t.Error("Version should not be empty")
	}
	if AppName != "tankarena" {
		t.Errorf("Expected app name tankarena, got %s", AppName)
	}
}

// runRoot executes the root command with args and returns the config the
// serve action received.
func runRoot(t *testing.T, args ...string) (*config.Config, error) {
	t.Helper()
	var got *config.Config
	cmd := newRootCommand(func(_ context.Context, cfg *config.Config, _ *log.Logger) error {
		got = cfg
		return nil
	})
	err := cmd.Run(context.Background(), append([]string{AppName}, args...))
	return got, err
}

func TestRootCommand_Flags(t *testing.T) {
	t.Run("defaults", func(t *testing.T) {
		cfg, err := runRoot(t)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if cfg.TCPAddr != ":8888" || cfg.PoolSize != 32 {
			t.Errorf("Expected defaults, got %+v", cfg)
		}
	})

	t.Run("flags override config", func(t *testing.T) {
		cfg, err := runRoot(t, "serve",
			"--tcp-addr", "127.0.0.1:9000",
			"--udp-addr", "",
			"--pool-size", "4",
			"--max-players", "2",
			"--nats-url", "nats://broker:4222",
			"--debug",
		)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if cfg.TCPAddr != "127.0.0.1:9000" {
			t.Errorf("Expected tcp addr override, got %q", cfg.TCPAddr)
		}
		if cfg.UDPAddr != "" {
			t.Errorf("Expected UDP disabled, got %q", cfg.UDPAddr)
		}
		if cfg.PoolSize != 4 || cfg.MaxPlayers != 2 {
			t.Errorf("Expected pool 4 / max 2, got %d / %d", cfg.PoolSize, cfg.MaxPlayers)
		}
		if cfg.NATSURL != "nats://broker:4222" {
			t.Errorf("Expected NATS URL, got %q", cfg.NATSURL)
		}
		if cfg.LogLevel != "debug" {
			t.Errorf("Expected debug level, got %q", cfg.LogLevel)
		}
	})

	t.Run("config file then flag", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "arena.yaml")
		if err := os.WriteFile(path, []byte("pool_size: 6\nmax_players: 3\n"), 0o644); err != nil {
			t.Fatal(err)
		}
		cfg, err := runRoot(t, "--config", path, "--max-players", "5")
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if cfg.PoolSize != 6 {
			t.Errorf("Expected pool size from file, got %d", cfg.PoolSize)
		}
		if cfg.MaxPlayers != 5 {
			t.Errorf("Expected flag to win over file, got %d", cfg.MaxPlayers)
		}
	})

	t.Run("invalid values rejected", func(t *testing.T) {
		if _, err := runRoot(t, "--pool-size", "0"); err == nil {
			t.Error("Expected error for zero pool size")
		}
		if _, err := runRoot(t, "--tcp-addr", "", "--udp-addr", ""); err == nil {
			t.Error("Expected error with no game ingress")
		}
		if _, err := runRoot(t, "--config", filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
			t.Error("Expected error for missing config file")
		}
	})
}

func TestValidateConfigs(t *testing.T) {
	dir := t.TempDir()
	good := filepath.Join(dir, "good.yaml")
	bad := filepath.Join(dir, "bad.yaml")
	if err := os.WriteFile(good, []byte("pool_size: 4\nnats_url: nats://localhost:4222\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(bad, []byte("pool_size: -1\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	t.Run("valid file", func(t *testing.T) {
		var out strings.Builder
		if err := validateConfigs(&out, []string{good}); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if !strings.Contains(out.String(), "4 tanks") || !strings.Contains(out.String(), "stream TANK_COMMANDS") {
			t.Errorf("Report missing settings:\n%s", out.String())
		}
	})

	t.Run("invalid file fails the run", func(t *testing.T) {
		var out strings.Builder
		err := validateConfigs(&out, []string{good, bad})
		if err == nil {
			t.Fatal("Expected an error")
		}
		if !strings.Contains(out.String(), "INVALID") || !strings.Contains(out.String(), "pool_size must be positive") {
			t.Errorf("Expected the bad file to be reported:\n%s", out.String())
		}
	})

	t.Run("no files", func(t *testing.T) {
		if err := validateConfigs(io.Discard, nil); err == nil {
			t.Error("Expected an error with no paths")
		}
	})
}

func TestLoopbackURL(t *testing.T) {
	tests := []struct {
		addr string
		want string
	}{
		{":8080", "http://localhost:8080"},
		{"0.0.0.0:8080", "http://localhost:8080"},
		{"[::]:8080", "http://localhost:8080"},
		{"127.0.0.1:9000", "http://127.0.0.1:9000"},
		{"arena.internal:80", "http://arena.internal:80"},
	}
	for _, tt := range tests {
		t.Run(tt.addr, func(t *testing.T) {
			if got := loopbackURL(tt.addr); got != tt.want {
				t.Errorf("loopbackURL(%q) = %q, want %q", tt.addr, got, tt.want)
			}
		})
	}
}

// startAuth runs an in-process authentication oracle.
func startAuth(t *testing.T, users map[string]string) string {
	t.Helper()
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	srv := grpc.NewServer()
	auth.RegisterServer(srv, auth.NewStaticUsers(users))
	go srv.Serve(lis)
	t.Cleanup(srv.Stop)
	return lis.Addr().String()
}

func readLine(t *testing.T, r *bufio.Reader) string {
	t.Helper()
	line, err := r.ReadString('\n')
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	return strings.TrimRight(line, "\r\n")
}

func TestApp_EndToEnd(t *testing.T) {
	cfg := config.Default()
	cfg.TCPAddr = "127.0.0.1:0"
	cfg.UDPAddr = "127.0.0.1:0"
	cfg.HTTPAddr = "127.0.0.1:0"
	cfg.PoolSize = 2
	cfg.AuthAddr = startAuth(t, map[string]string{"alice": "secret"})
	cfg.PollTimeout = 50 * time.Millisecond
	cfg.BroadcastInterval = 20 * time.Millisecond
	logger := log.New(io.Discard)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		t.Fatalf("newApp: %v", err)
	}
	l, err := a.listen()
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	httpURL := "http://" + l.http.Addr().String()

	runErr := make(chan error, 1)
	go func() { runErr <- a.run(ctx, l) }()

	conn, err := net.Dial("tcp", l.tcp.Addr().String())
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(5 * time.Second))
	r := bufio.NewReader(conn)

	if got := readLine(t, r); got != "SERVER_ACK_CONNECTED" {
		t.Fatalf("Expected greeting, got %q", got)
	}
	fmt.Fprint(conn, "LOGIN alice secret\n")
	if got := readLine(t, r); !strings.HasPrefix(got, "SERVER_RESPONSE LOGIN_SUCCESS Welcome alice.") {
		t.Fatalf("Expected login success, got %q", got)
	}
	joined := readLine(t, r)
	var sessionID, tankID string
	if _, err := fmt.Sscanf(joined, "SERVER: Player alice joined game session %s with tank %s", &sessionID, &tankID); err != nil {
		t.Fatalf("Unexpected join line %q: %v", joined, err)
	}
	readLine(t, r) // tank state

	fmt.Fprint(conn, "MOVE 3 4\n")
	if got := readLine(t, r); got != "SERVER_ACK MOVE_COMMAND_SENT" {
		t.Fatalf("Expected move ack, got %q", got)
	}

	var detail struct {
		Tanks []tank.State `json:"tanks"`
	}
	deadline := time.Now().Add(3 * time.Second)
	for {
		resp, err := http.Get(httpURL + "/api/sessions/" + sessionID)
		if err != nil {
			t.Fatal(err)
		}
		err = json.NewDecoder(resp.Body).Decode(&detail)
		resp.Body.Close()
		if err != nil {
			t.Fatal(err)
		}
		if len(detail.Tanks) == 1 && detail.Tanks[0].Position == (tank.Position{X: 3, Y: 4}) {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("Move never applied, tanks: %+v", detail.Tanks)
		}
		time.Sleep(20 * time.Millisecond)
	}

	t.Run("mcp endpoint", func(t *testing.T) {
		resp, err := http.Get(httpURL + "/mcp")
		if err != nil {
			t.Fatal(err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusMethodNotAllowed {
			t.Errorf("Expected 405 for GET /mcp, got %d", resp.StatusCode)
		}

		body := `{"jsonrpc":"2.0","id":1,"method":"initialize","params":{"protocolVersion":"2024-11-05","capabilities":{},"clientInfo":{"name":"test","version":"1"}}}`
		resp, err = http.Post(httpURL+"/mcp", "application/json", strings.NewReader(body))
		if err != nil {
			t.Fatal(err)
		}
		data, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		if !strings.Contains(string(data), "Tank Arena Admin") {
			t.Errorf("Expected server info in initialize response, got %s", data)
		}
	})

	cancel()
	select {
	case err := <-runErr:
		if err != nil {
			t.Errorf("Expected clean shutdown, got %v", err)
		}
	case <-time.After(15 * time.Second):
		t.Fatal("Server did not shut down")
	}

	select {
	case <-a.registry.Done():
	default:
		t.Error("Registry should be stopped after shutdown")
	}
}
