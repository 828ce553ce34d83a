package udp_test

import (
	"context"
	"encoding/json"
	"net"
	"testing"
	"time"

	"github.com/wricardo/mcp-training/tankarena/auth"
	"github.com/wricardo/mcp-training/tankarena/game/pool"
	"github.com/wricardo/mcp-training/tankarena/game/service"
	"github.com/wricardo/mcp-training/tankarena/game/session"
	"github.com/wricardo/mcp-training/tankarena/queue"
	"github.com/wricardo/mcp-training/tankarena/transport/udp"
)

type denyAll struct{}

func (denyAll) Authenticate(context.Context, string, string) (auth.Response, error) {
	return auth.Response{}, auth.ErrInvalidCredentials
}

type harness struct {
	srv    *udp.Server
	svc    service.GameService
	addr   net.Addr
	pool   *pool.Pool
	broker *queue.Broker
}

func startServer(t *testing.T, capacity int, opts ...udp.Option) *harness {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())

	p := pool.New(capacity)
	reg := session.NewRegistry(p)
	go reg.Run(ctx)
	broker := queue.NewBroker()
	svc := service.NewGameService(service.Deps{
		Registry:   reg,
		Pool:       p,
		Auth:       denyAll{},
		Commands:   broker,
		MaxPlayers: 4,
	})

	pc, err := net.ListenPacket("udp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := udp.NewServer(svc, opts...)
	served := make(chan struct{})
	go func() {
		srv.Serve(ctx, pc)
		close(served)
	}()
	t.Cleanup(func() {
		cancel()
		<-served
		<-reg.Done()
	})
	return &harness{srv: srv, svc: svc, addr: pc.LocalAddr(), pool: p, broker: broker}
}

type client struct {
	t  *testing.T
	pc net.PacketConn
	to net.Addr
}

func newClient(t *testing.T, to net.Addr) *client {
	t.Helper()
	pc, err := net.ListenPacket("udp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("client listen: %v", err)
	}
	t.Cleanup(func() { pc.Close() })
	return &client{t: t, pc: pc, to: to}
}

func (c *client) send(v any) {
	c.t.Helper()
	var data []byte
	switch v := v.(type) {
	case string:
		data = []byte(v)
	default:
		var err error
		if data, err = json.Marshal(v); err != nil {
			c.t.Fatalf("marshal: %v", err)
		}
	}
	if _, err := c.pc.WriteTo(data, c.to); err != nil {
		c.t.Fatalf("write: %v", err)
	}
}

func (c *client) recv(v any) {
	c.t.Helper()
	buf := make([]byte, 64*1024)
	c.pc.SetReadDeadline(time.Now().Add(2 * time.Second))
	n, _, err := c.pc.ReadFrom(buf)
	if err != nil {
		c.t.Fatalf("read: %v", err)
	}
	if err := json.Unmarshal(buf[:n], v); err != nil {
		c.t.Fatalf("unmarshal %q: %v", buf[:n], err)
	}
}

func (c *client) reply() udp.Reply {
	c.t.Helper()
	var r udp.Reply
	c.recv(&r)
	return r
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not met")
}

func TestServer_JoinMoveLeave(t *testing.T) {
	h := startServer(t, 1)
	c := newClient(t, h.addr)

	c.send(udp.Envelope{PlayerID: "u1", Action: udp.ActionJoin})
	joined := c.reply()
	if joined.Status != udp.StatusJoined || joined.SessionID == "" || joined.TankID == "" {
		t.Fatalf("unexpected join reply %+v", joined)
	}
	if joined.InitialState == nil || !joined.InitialState.Active {
		t.Errorf("initial state missing or inactive: %+v", joined.InitialState)
	}

	t.Run("second join reports existing session", func(t *testing.T) {
		c.send(udp.Envelope{PlayerID: "u1", Action: udp.ActionJoin})
		r := c.reply()
		if r.Status != udp.StatusError || r.Message != "already_in_session" || r.SessionID != joined.SessionID {
			t.Errorf("unexpected reply %+v", r)
		}
	})

	t.Run("pool exhausted", func(t *testing.T) {
		other := newClient(t, h.addr)
		other.send(udp.Envelope{PlayerID: "u2", Action: udp.ActionJoin})
		r := other.reply()
		if r.Status != udp.StatusJoinFailed || r.Message != "no_tanks_available" {
			t.Errorf("unexpected reply %+v", r)
		}
	})

	t.Run("move and shoot are queued", func(t *testing.T) {
		c.send(`{"player_id":"u1","action":"move","position":{"x":5,"y":6}}`)
		c.send(udp.Envelope{PlayerID: "u1", Action: udp.ActionShoot})
		waitFor(t, func() bool { return h.broker.Pending() == 2 })
	})

	t.Run("move from unknown player is ignored", func(t *testing.T) {
		c.send(`{"player_id":"ghost","action":"move","position":{"x":1,"y":1}}`)
		c.send(`{"player_id":"u1","action":"move"}`)
		r := c.reply()
		if r.Message != "Move command missing position" {
			t.Errorf("unexpected reply %+v", r)
		}
		if h.broker.Pending() != 2 {
			t.Errorf("pending = %d, want 2", h.broker.Pending())
		}
	})

	t.Run("leave", func(t *testing.T) {
		c.send(udp.Envelope{PlayerID: "u1", Action: udp.ActionLeave})
		r := c.reply()
		if r.Status != udp.StatusLeft || r.PlayerID != "u1" {
			t.Errorf("unexpected reply %+v", r)
		}
		if h.pool.InUse() != 0 {
			t.Errorf("tank not returned: in use %d", h.pool.InUse())
		}
		c.send(udp.Envelope{PlayerID: "u1", Action: udp.ActionLeave})
		if r := c.reply(); r.Status != udp.StatusError {
			t.Errorf("second leave = %+v", r)
		}
	})
}

func TestServer_BadEnvelopes(t *testing.T) {
	h := startServer(t, 1)
	c := newClient(t, h.addr)

	tests := []struct {
		name    string
		payload string
		message string
	}{
		{"invalid json", `{not json`, "Invalid JSON format"},
		{"missing action", `{"player_id":"u1"}`, "Missing player_id or action"},
		{"unknown action", `{"player_id":"u1","action":"dance"}`, "Unknown action: dance"},
		{"fractional position", `{"player_id":"u1","action":"move","position":{"x":1.5,"y":2}}`, "Invalid position"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c.send(tt.payload)
			r := c.reply()
			if r.Status != udp.StatusError || r.Message != tt.message {
				t.Errorf("got %+v, want error %q", r, tt.message)
			}
		})
	}
}

func TestServer_Broadcast(t *testing.T) {
	h := startServer(t, 2)
	c := newClient(t, h.addr)

	c.send(udp.Envelope{PlayerID: "u1", Action: udp.ActionJoin})
	joined := c.reply()

	h.srv.Broadcast(h.svc.Snapshots(context.Background()))

	var state udp.GameState
	c.recv(&state)
	if state.Type != "game_state" || state.SessionID != joined.SessionID {
		t.Fatalf("unexpected broadcast %+v", state)
	}
	if len(state.Tanks) != 1 || state.Tanks[0].ID != joined.TankID {
		t.Errorf("unexpected tanks %+v", state.Tanks)
	}
}

func TestServer_RateLimit(t *testing.T) {
	h := startServer(t, 1, udp.WithRateLimit(0.001, 2))
	c := newClient(t, h.addr)

	for i := 0; i < 5; i++ {
		c.send(`{"player_id":"u1","action":"dance"}`)
	}
	c.reply()
	c.reply()

	buf := make([]byte, 1024)
	c.pc.SetReadDeadline(time.Now().Add(200 * time.Millisecond))
	if n, _, err := c.pc.ReadFrom(buf); err == nil {
		t.Errorf("expected datagrams past the burst to be dropped, got %q", buf[:n])
	}
}
