package pool

import (
	"errors"
	"sync"

	"github.com/charmbracelet/log"

	"github.com/wricardo/mcp-training/tankarena/game/tank"
	"github.com/wricardo/mcp-training/tankarena/telemetry"
)

var (
	ErrResourceExhausted = errors.New("no tanks available")
)

// Stats is a point-in-time view of pool occupancy.
type Stats struct {
	Capacity  int `json:"capacity"`
	Available int `json:"available"`
	InUse     int `json:"in_use"`
}

// Option configures a Pool.
type Option func(*Pool)

// WithLogger sets the pool logger.
func WithLogger(logger *log.Logger) Option {
	return func(p *Pool) { p.logger = logger }
}

// WithEvents sets the publisher handed to every tank.
func WithEvents(events telemetry.Publisher) Option {
	return func(p *Pool) { p.events = events }
}

// WithSpawn sets the position and health tanks are reset to.
func WithSpawn(pos tank.Position, health int) Option {
	return func(p *Pool) {
		p.spawn = pos
		p.health = health
	}
}

// Pool owns a fixed arena of tanks. Tanks move between the available stack
// and the in-use set; they are never created or destroyed after New.
type Pool struct {
	logger *log.Logger
	events telemetry.Publisher
	spawn  tank.Position
	health int

	mu        sync.Mutex
	tanks     []*tank.Tank
	available []tank.ID
	inUse     []bool
	inUseN    int
}

// New pre-creates size tanks, tank_0 through tank_<size-1>, all available
// and inactive.
func New(size int, opts ...Option) *Pool {
	if size < 0 {
		size = 0
	}
	p := &Pool{
		logger: log.Default(),
		health: tank.DefaultHealth,
	}
	for _, opt := range opts {
		opt(p)
	}
	p.logger = p.logger.With("component", "pool")
	p.events = telemetry.OrNop(p.events)

	p.tanks = make([]*tank.Tank, size)
	p.available = make([]tank.ID, 0, size)
	p.inUse = make([]bool, size)
	for i := 0; i < size; i++ {
		id := tank.ID(i)
		p.tanks[i] = tank.New(id, p.spawn, p.health, p.events)
		p.available = append(p.available, id)
	}
	p.logger.Info("Tank pool initialized", "capacity", size)
	return p
}

// Acquire takes the most recently released tank, resets it to the spawn
// state and activates it.
func (p *Pool) Acquire() (*tank.Tank, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	n := len(p.available)
	if n == 0 {
		p.logger.Warn("No tanks available for acquisition")
		return nil, ErrResourceExhausted
	}
	id := p.available[n-1]
	p.available = p.available[:n-1]
	p.inUse[id] = true
	p.inUseN++

	t := p.tanks[id]
	t.Reset(p.spawn, p.health)
	t.SetActive(true)

	p.logger.Debug("Tank acquired", "tank_id", id, "available", len(p.available))
	return t, nil
}

// Release returns an in-use tank to the available stack. Releasing a tank
// that is not in use logs a warning and returns false.
func (p *Pool) Release(id tank.ID) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.valid(id) || !p.inUse[id] {
		p.logger.Warn("Attempted to release tank that is not in use", "tank_id", id)
		return false
	}
	p.tanks[id].Reset(p.spawn, p.health)
	p.inUse[id] = false
	p.inUseN--

	for _, avail := range p.available {
		if avail == id {
			p.logger.Warn("Tank already in available list during release", "tank_id", id)
			return true
		}
	}
	p.available = append(p.available, id)

	p.logger.Debug("Tank released", "tank_id", id, "available", len(p.available))
	return true
}

// Get returns an in-use tank. Available tanks are not visible.
func (p *Pool) Get(id tank.ID) (*tank.Tank, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.valid(id) || !p.inUse[id] {
		return nil, false
	}
	return p.tanks[id], true
}

func (p *Pool) valid(id tank.ID) bool {
	return id >= 0 && int(id) < len(p.tanks)
}

func (p *Pool) Capacity() int {
	return len(p.tanks)
}

func (p *Pool) Available() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.available)
}

func (p *Pool) InUse() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.inUseN
}

// Stats reads all counters under one lock acquisition.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Stats{
		Capacity:  len(p.tanks),
		Available: len(p.available),
		InUse:     p.inUseN,
	}
}
