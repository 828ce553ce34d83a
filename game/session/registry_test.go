package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/wricardo/mcp-training/tankarena/game/pool"
	"github.com/wricardo/mcp-training/tankarena/game/tank"
	"github.com/wricardo/mcp-training/tankarena/telemetry"
)

func newTestRegistry(t *testing.T, capacity int) (*Registry, *pool.Pool, *telemetry.Recorder) {
	t.Helper()
	rec := &telemetry.Recorder{}
	p := pool.New(capacity)
	n := 0
	reg := NewRegistry(p, WithEvents(rec), WithIDGenerator(func() string {
		n++
		return fmt.Sprintf("session_%d", n)
	}))
	ctx, cancel := context.WithCancel(context.Background())
	go reg.Run(ctx)
	t.Cleanup(func() {
		cancel()
		<-reg.Done()
	})
	return reg, p, rec
}

func mustInvariants(t *testing.T, reg *Registry) {
	t.Helper()
	if err := reg.CheckInvariants(); err != nil {
		t.Fatalf("invariant violated: %v", err)
	}
}

func TestRegistry_CreateSession(t *testing.T) {
	reg, _, rec := newTestRegistry(t, 1)

	s, err := reg.CreateSession()
	if err != nil {
		t.Fatalf("CreateSession failed: %v", err)
	}
	if got, ok := reg.Session(s.ID()); !ok || got != s {
		t.Error("Expected session to be retrievable")
	}
	if rec.Count(telemetry.TopicSessionCreated) != 1 {
		t.Errorf("Expected session_created event, got %v", rec.Topics())
	}
	if _, ok := reg.Session("missing"); ok {
		t.Error("Expected unknown session to be missing")
	}
}

func TestRegistry_AddPlayerToSession(t *testing.T) {
	reg, p, rec := newTestRegistry(t, 4)
	s1, _ := reg.CreateSession()
	s2, _ := reg.CreateSession()
	tk, _ := p.Acquire()

	t.Run("joins", func(t *testing.T) {
		got, err := reg.AddPlayerToSession(s1.ID(), "p1", "", tk, TransportTCP)
		if err != nil || got != s1 {
			t.Fatalf("Expected join of s1, got %v, %v", got, err)
		}
		if rec.Count(telemetry.TopicPlayerJoinedSession) != 1 {
			t.Errorf("Expected player_joined_session, got %v", rec.Topics())
		}
		mustInvariants(t, reg)
	})

	t.Run("same session is idempotent", func(t *testing.T) {
		got, err := reg.AddPlayerToSession(s1.ID(), "p1", "", tk, TransportTCP)
		if err != nil || got != s1 {
			t.Errorf("Expected idempotent join, got %v, %v", got, err)
		}
		if s1.PlayerCount() != 1 {
			t.Errorf("Expected 1 player, got %d", s1.PlayerCount())
		}
	})

	t.Run("other session conflicts", func(t *testing.T) {
		other, _ := p.Acquire()
		got, err := reg.AddPlayerToSession(s2.ID(), "p1", "", other, TransportTCP)
		if !errors.Is(err, ErrAlreadyInSession) {
			t.Fatalf("Expected ErrAlreadyInSession, got %v", err)
		}
		if got != s1 {
			t.Error("Expected the existing session to be returned")
		}
		if _, ok := p.Get(other.ID()); !ok {
			t.Error("Registry must not release the caller's tank on conflict")
		}
		mustInvariants(t, reg)
	})

	t.Run("unknown session", func(t *testing.T) {
		other, _ := p.Acquire()
		if _, err := reg.AddPlayerToSession("nope", "p9", "", other, TransportTCP); !errors.Is(err, ErrSessionNotFound) {
			t.Errorf("Expected ErrSessionNotFound, got %v", err)
		}
	})

	t.Run("nil tank", func(t *testing.T) {
		if _, err := reg.AddPlayerToSession(s2.ID(), "p8", "", nil, TransportTCP); !errors.Is(err, ErrNilTank) {
			t.Errorf("Expected ErrNilTank, got %v", err)
		}
	})
}

func TestRegistry_RemovePlayerFromAnySession(t *testing.T) {
	reg, p, rec := newTestRegistry(t, 2)
	s, _ := reg.CreateSession()
	a, _ := p.Acquire()
	b, _ := p.Acquire()
	reg.AddPlayerToSession(s.ID(), "p1", "", a, TransportTCP)
	reg.AddPlayerToSession(s.ID(), "p2", "", b, TransportTCP)

	if err := reg.RemovePlayerFromAnySession("p1"); err != nil {
		t.Fatalf("RemovePlayerFromAnySession failed: %v", err)
	}
	if _, ok := p.Get(a.ID()); ok {
		t.Error("Expected p1's tank to be released")
	}
	if _, ok := reg.Session(s.ID()); !ok {
		t.Error("Session with remaining players must survive")
	}
	mustInvariants(t, reg)

	if err := reg.RemovePlayerFromAnySession("p2"); err != nil {
		t.Fatalf("RemovePlayerFromAnySession failed: %v", err)
	}
	if _, ok := reg.Session(s.ID()); ok {
		t.Error("Removing the last player must remove the session")
	}
	if p.Available() != 2 {
		t.Errorf("Expected all tanks back in the pool, got %d available", p.Available())
	}
	if rec.Count(telemetry.TopicSessionRemoved) != 1 {
		t.Errorf("Expected session_removed, got %v", rec.Topics())
	}

	if err := reg.RemovePlayerFromAnySession("p2"); !errors.Is(err, ErrPlayerNotFound) {
		t.Errorf("Expected ErrPlayerNotFound, got %v", err)
	}
	mustInvariants(t, reg)
}

func TestRegistry_RemoveSession(t *testing.T) {
	reg, p, rec := newTestRegistry(t, 3)
	s, _ := reg.CreateSession()
	for i := 0; i < 3; i++ {
		tk, _ := p.Acquire()
		reg.AddPlayerToSession(s.ID(), fmt.Sprintf("p%d", i), "", tk, TransportUDP)
	}

	if err := reg.RemoveSession(s.ID(), ReasonAdmin); err != nil {
		t.Fatalf("RemoveSession failed: %v", err)
	}
	if p.InUse() != 0 {
		t.Errorf("Expected every tank released, %d still in use", p.InUse())
	}
	for i := 0; i < 3; i++ {
		if _, ok := reg.SessionByPlayer(fmt.Sprintf("p%d", i)); ok {
			t.Errorf("p%d still indexed", i)
		}
	}
	if rec.Count(telemetry.TopicPlayerLeftSession) != 3 {
		t.Errorf("Expected 3 player_left_session events, got %d", rec.Count(telemetry.TopicPlayerLeftSession))
	}
	events := rec.Events()
	last := events[len(events)-1]
	if last.Topic != telemetry.TopicSessionRemoved || last.Fields["reason"] != ReasonAdmin {
		t.Errorf("Expected session_removed with reason admin, got %+v", last)
	}
	if err := reg.RemoveSession(s.ID(), ReasonAdmin); !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("Expected ErrSessionNotFound, got %v", err)
	}
	mustInvariants(t, reg)
}

func TestRegistry_FindOrCreateSessionForPlayer(t *testing.T) {
	reg, p, _ := newTestRegistry(t, 4)

	join := func(playerID string) *Session {
		t.Helper()
		tk, err := p.Acquire()
		if err != nil {
			t.Fatalf("acquire: %v", err)
		}
		s, err := reg.FindOrCreateSessionForPlayer(playerID, "", tk, TransportTCP, 2)
		if err != nil {
			t.Fatalf("join %s: %v", playerID, err)
		}
		return s
	}

	s1 := join("p1")
	s2 := join("p2")
	s3 := join("p3")

	if s1 != s2 {
		t.Error("Expected p1 and p2 to share the first session")
	}
	if s3 == s1 {
		t.Error("Expected p3 to get a new session once the first is full")
	}
	if st := reg.Stats(); st.Sessions != 2 || st.Players != 3 {
		t.Errorf("Unexpected stats: %+v", st)
	}

	t.Run("first fit reuses freed slot", func(t *testing.T) {
		if err := reg.RemovePlayerFromAnySession("p2"); err != nil {
			t.Fatal(err)
		}
		if s4 := join("p4"); s4 != s1 {
			t.Error("Expected p4 to fill the first session")
		}
	})

	t.Run("mapped player returns existing session", func(t *testing.T) {
		s, err := reg.FindOrCreateSessionForPlayer("p1", "", nil, TransportTCP, 2)
		if !errors.Is(err, ErrAlreadyInSession) || s != s1 {
			t.Errorf("Expected existing session with ErrAlreadyInSession, got %v, %v", s, err)
		}
	})

	t.Run("nil tank creates nothing", func(t *testing.T) {
		before := reg.Stats().Sessions
		if _, err := reg.FindOrCreateSessionForPlayer("p5", "", nil, TransportTCP, 2); !errors.Is(err, ErrNilTank) {
			t.Errorf("Expected ErrNilTank, got %v", err)
		}
		if reg.Stats().Sessions != before {
			t.Error("Failed join left a session behind")
		}
	})
	mustInvariants(t, reg)
}

func TestRegistry_Join(t *testing.T) {
	reg, p, _ := newTestRegistry(t, 1)

	s, id, err := reg.Join("p1", "", TransportUDP, 4)
	if err != nil {
		t.Fatalf("Join failed: %v", err)
	}
	if tk, ok := s.TankForPlayer("p1"); !ok || tk.ID() != id || !tk.IsActive() {
		t.Error("Expected p1 to hold an active tank")
	}

	t.Run("already joined keeps tank", func(t *testing.T) {
		again, againID, err := reg.Join("p1", "", TransportUDP, 4)
		if !errors.Is(err, ErrAlreadyInSession) || again != s || againID != id {
			t.Errorf("Expected existing session and tank, got %v %v %v", again, againID, err)
		}
	})

	t.Run("exhausted pool leaves no session", func(t *testing.T) {
		if _, _, err := reg.Join("p2", "", TransportUDP, 4); !errors.Is(err, pool.ErrResourceExhausted) {
			t.Fatalf("Expected ErrResourceExhausted, got %v", err)
		}
		if st := reg.Stats(); st.Sessions != 1 || st.Players != 1 {
			t.Errorf("Unexpected stats: %+v", st)
		}
		if p.Available()+p.InUse() != p.Capacity() {
			t.Error("pool invariant broken")
		}
	})
	mustInvariants(t, reg)
}

func TestRegistry_ApplyToPlayerTank(t *testing.T) {
	reg, _, _ := newTestRegistry(t, 1)
	reg.Join("p1", "", TransportTCP, 4)

	err := reg.ApplyToPlayerTank("p1", func(_ *Session, tk *tank.Tank) {
		tk.Move(tank.Position{X: 10, Y: 20})
	})
	if err != nil {
		t.Fatalf("ApplyToPlayerTank failed: %v", err)
	}
	s, _ := reg.SessionByPlayer("p1")
	tk, _ := s.TankForPlayer("p1")
	if tk.Position() != (tank.Position{X: 10, Y: 20}) {
		t.Errorf("Expected (10,20), got %+v", tk.Position())
	}

	called := false
	err = reg.ApplyToPlayerTank("ghost", func(*Session, *tank.Tank) { called = true })
	if !errors.Is(err, ErrPlayerNotFound) || called {
		t.Errorf("Expected ErrPlayerNotFound without calling fn, got %v", err)
	}
}

func TestRegistry_ConcurrentJoins(t *testing.T) {
	reg, p, _ := newTestRegistry(t, 16)

	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id := fmt.Sprintf("p%d", i%20)
			reg.Join(id, "", TransportTCP, 3)
			if i%3 == 0 {
				reg.RemovePlayerFromAnySession(id)
			}
		}(i)
	}
	wg.Wait()

	mustInvariants(t, reg)
	if st := reg.Stats(); st.Players != p.InUse() {
		t.Errorf("Indexed players (%d) != tanks in use (%d)", st.Players, p.InUse())
	}
	for _, info := range reg.Sessions() {
		if info.PlayerCount == 0 || info.PlayerCount > 3 {
			t.Errorf("Session %s has %d players", info.ID, info.PlayerCount)
		}
	}
}

func TestRegistry_Closed(t *testing.T) {
	p := pool.New(2)
	reg := NewRegistry(p)
	ctx, cancel := context.WithCancel(context.Background())
	go reg.Run(ctx)

	if _, _, err := reg.Join("p1", "", TransportTCP, 2); err != nil {
		t.Fatal(err)
	}
	cancel()
	<-reg.Done()

	if p.InUse() != 0 {
		t.Errorf("Expected shutdown to release tanks, %d in use", p.InUse())
	}
	if _, err := reg.CreateSession(); !errors.Is(err, ErrClosed) {
		t.Errorf("Expected ErrClosed, got %v", err)
	}
}
