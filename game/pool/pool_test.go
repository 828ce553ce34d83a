package pool

import (
	"errors"
	"sync"
	"testing"

	"github.com/wricardo/mcp-training/tankarena/game/tank"
	"github.com/wricardo/mcp-training/tankarena/telemetry"
)

func checkInvariant(t *testing.T, p *Pool) {
	t.Helper()
	s := p.Stats()
	if s.Available+s.InUse != s.Capacity {
		t.Fatalf("available(%d)+in_use(%d) != capacity(%d)", s.Available, s.InUse, s.Capacity)
	}
}

func TestPool_New(t *testing.T) {
	p := New(3)
	if p.Capacity() != 3 || p.Available() != 3 || p.InUse() != 0 {
		t.Errorf("Unexpected stats: %+v", p.Stats())
	}
	if _, ok := p.Get(0); ok {
		t.Error("Available tanks must not be visible through Get")
	}
}

func TestPool_AcquireRelease(t *testing.T) {
	p := New(2, WithSpawn(tank.Position{X: 1, Y: 1}, 100))

	a, err := p.Acquire()
	if err != nil {
		t.Fatalf("acquire A: %v", err)
	}
	b, err := p.Acquire()
	if err != nil {
		t.Fatalf("acquire B: %v", err)
	}
	checkInvariant(t, p)

	if _, err := p.Acquire(); !errors.Is(err, ErrResourceExhausted) {
		t.Fatalf("Expected ErrResourceExhausted, got %v", err)
	}
	checkInvariant(t, p)

	a.Move(tank.Position{X: 9, Y: 9})
	a.TakeDamage(40)
	if !p.Release(a.ID()) {
		t.Fatal("Expected release of A to succeed")
	}
	checkInvariant(t, p)
	if _, ok := p.Get(a.ID()); ok {
		t.Error("Released tank must not be visible through Get")
	}

	again, err := p.Acquire()
	if err != nil {
		t.Fatalf("re-acquire: %v", err)
	}
	if again.ID() != a.ID() {
		t.Errorf("Expected LIFO reuse of %s, got %s", a.ID(), again.ID())
	}
	want := tank.State{ID: a.ID().String(), Position: tank.Position{X: 1, Y: 1}, Health: 100, Active: true}
	if got := again.State(); got != want {
		t.Errorf("Expected %+v, got %+v", want, got)
	}
	if got, ok := p.Get(b.ID()); !ok || got != b {
		t.Error("Expected B to stay in use")
	}
}

func TestPool_ReleaseTwice(t *testing.T) {
	p := New(2)
	a, _ := p.Acquire()

	if !p.Release(a.ID()) {
		t.Fatal("first release failed")
	}
	if p.Release(a.ID()) {
		t.Error("second release should report false")
	}
	if p.Release(tank.ID(99)) {
		t.Error("release of unknown id should report false")
	}
	checkInvariant(t, p)
	if p.Available() != 2 {
		t.Errorf("Expected 2 available, got %d", p.Available())
	}

	seen := map[tank.ID]bool{}
	for i := 0; i < 2; i++ {
		tk, err := p.Acquire()
		if err != nil {
			t.Fatalf("acquire %d: %v", i, err)
		}
		if seen[tk.ID()] {
			t.Fatalf("tank %s handed out twice", tk.ID())
		}
		seen[tk.ID()] = true
	}
}

func TestPool_AcquireEvents(t *testing.T) {
	rec := &telemetry.Recorder{}
	p := New(1, WithEvents(rec))
	tk, _ := p.Acquire()
	p.Release(tk.ID())

	if rec.Count(telemetry.TopicTankActivated) != 1 {
		t.Errorf("Expected 1 activation, got %v", rec.Topics())
	}
	if rec.Count(telemetry.TopicTankDeactivated) != 1 {
		t.Errorf("Expected 1 deactivation, got %v", rec.Topics())
	}
	if rec.Count(telemetry.TopicTankReset) != 2 {
		t.Errorf("Expected 2 resets, got %v", rec.Topics())
	}
}

func TestPool_Concurrent(t *testing.T) {
	p := New(8)
	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				tk, err := p.Acquire()
				if err != nil {
					continue
				}
				s := p.Stats()
				if s.Available+s.InUse != s.Capacity {
					t.Errorf("invariant broken: %+v", s)
				}
				p.Release(tk.ID())
			}
		}()
	}
	wg.Wait()
	checkInvariant(t, p)
	if p.InUse() != 0 {
		t.Errorf("Expected all tanks released, got %d in use", p.InUse())
	}
}
