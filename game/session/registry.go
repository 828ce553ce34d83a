package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"

	"github.com/wricardo/mcp-training/tankarena/game/pool"
	"github.com/wricardo/mcp-training/tankarena/game/tank"
	"github.com/wricardo/mcp-training/tankarena/telemetry"
)

var (
	ErrSessionNotFound  = errors.New("session not found")
	ErrPlayerNotFound   = errors.New("player not found")
	ErrTankNotFound     = errors.New("tank not found")
	ErrAlreadyInSession = errors.New("player already in a session")
	ErrDuplicatePlayer  = errors.New("player already in session roster")
	ErrNilTank          = errors.New("nil tank")
	ErrClosed           = errors.New("registry closed")
)

// Reasons attached to session_removed events.
const (
	ReasonBecameEmpty = "became_empty"
	ReasonAdmin       = "admin"
	ReasonShutdown    = "shutdown"
)

// TankPool is the part of the pool the registry drives.
type TankPool interface {
	TankLookup
	Acquire() (*tank.Tank, error)
	Release(id tank.ID) bool
}

// Stats summarizes registry occupancy.
type Stats struct {
	Sessions int `json:"sessions"`
	Players  int `json:"players"`
}

// RegistryOption configures a Registry.
type RegistryOption func(*Registry)

// WithLogger sets the registry logger.
func WithLogger(logger *log.Logger) RegistryOption {
	return func(r *Registry) { r.logger = logger }
}

// WithEvents sets the publisher for session events.
func WithEvents(events telemetry.Publisher) RegistryOption {
	return func(r *Registry) { r.events = events }
}

// WithIDGenerator replaces the uuid session id generator.
func WithIDGenerator(fn func() string) RegistryOption {
	return func(r *Registry) { r.newID = fn }
}

// Registry is the orchestration authority for sessions. A single goroutine
// (Run) owns the session table, the player index and every pool
// acquire/release made on behalf of sessions. Public methods hand a closure
// to that goroutine and wait for it, so each call is one atomic transaction.
type Registry struct {
	pool   TankPool
	logger *log.Logger
	events telemetry.Publisher
	newID  func() string

	requests chan func()
	done     chan struct{}

	// Owned by the Run goroutine.
	sessions    map[string]*Session
	order       []string
	playerIndex map[string]string
}

// NewRegistry builds a registry over pool. Call Run before using it.
func NewRegistry(p TankPool, opts ...RegistryOption) *Registry {
	r := &Registry{
		pool:        p,
		logger:      log.Default(),
		newID:       func() string { return uuid.NewString() },
		requests:    make(chan func()),
		done:        make(chan struct{}),
		sessions:    make(map[string]*Session),
		playerIndex: make(map[string]string),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.logger = r.logger.With("component", "registry")
	r.events = telemetry.OrNop(r.events)
	return r
}

// Run processes requests until ctx is cancelled. Remaining sessions are torn
// down with reason "shutdown" before Run returns; later calls fail with
// ErrClosed.
func (r *Registry) Run(ctx context.Context) {
	defer close(r.done)
	for {
		select {
		case fn := <-r.requests:
			fn()
		case <-ctx.Done():
			for _, id := range append([]string(nil), r.order...) {
				r.removeSession(id, ReasonShutdown)
			}
			r.logger.Info("Registry stopped")
			return
		}
	}
}

// Done is closed once Run has returned.
func (r *Registry) Done() <-chan struct{} {
	return r.done
}

func (r *Registry) do(fn func()) error {
	reply := make(chan struct{})
	select {
	case r.requests <- func() { defer close(reply); fn() }:
	case <-r.done:
		return ErrClosed
	}
	<-reply
	return nil
}

// CreateSession inserts an empty session.
func (r *Registry) CreateSession() (*Session, error) {
	var s *Session
	if err := r.do(func() { s = r.createSession() }); err != nil {
		return nil, err
	}
	return s, nil
}

// Session looks a session up by id.
func (r *Registry) Session(id string) (*Session, bool) {
	var s *Session
	var ok bool
	if err := r.do(func() { s, ok = r.sessions[id] }); err != nil {
		return nil, false
	}
	return s, ok
}

// RemoveSession tears a session down even if players remain: every rostered
// tank goes back to the pool and every index entry is erased.
func (r *Registry) RemoveSession(id, reason string) error {
	var err error
	if doErr := r.do(func() { err = r.removeSession(id, reason) }); doErr != nil {
		return doErr
	}
	return err
}

// AddPlayerToSession joins a player to a specific session. When the player
// is already mapped to another session the existing session is returned with
// ErrAlreadyInSession and the caller keeps ownership of t. Joining the same
// session twice is idempotent.
func (r *Registry) AddPlayerToSession(sessionID, playerID, address string, t *tank.Tank, transport Transport) (*Session, error) {
	var s *Session
	var err error
	if doErr := r.do(func() { s, err = r.addPlayer(sessionID, playerID, address, t, transport) }); doErr != nil {
		return nil, doErr
	}
	return s, err
}

// RemovePlayerFromAnySession unmaps a player, releases its tank and removes
// the session when it becomes empty.
func (r *Registry) RemovePlayerFromAnySession(playerID string) error {
	var err error
	if doErr := r.do(func() { err = r.removePlayer(playerID) }); doErr != nil {
		return doErr
	}
	return err
}

// SessionByPlayer is the reverse lookup through the player index.
func (r *Registry) SessionByPlayer(playerID string) (*Session, bool) {
	var s *Session
	if err := r.do(func() { s = r.lookupPlayer(playerID) }); err != nil {
		return nil, false
	}
	return s, s != nil
}

// FindOrCreateSessionForPlayer joins the first session, in creation order,
// with fewer than maxPlayers players, creating one if none qualifies. A new
// session is rolled back if the join fails. t is never released here.
func (r *Registry) FindOrCreateSessionForPlayer(playerID, address string, t *tank.Tank, transport Transport, maxPlayers int) (*Session, error) {
	var s *Session
	var err error
	if doErr := r.do(func() { s, err = r.findOrCreate(playerID, address, t, transport, maxPlayers) }); doErr != nil {
		return nil, doErr
	}
	return s, err
}

// Join acquires a tank and places the player with FindOrCreateSessionForPlayer
// semantics in one transaction. The tank is released again on any failure.
func (r *Registry) Join(playerID, address string, transport Transport, maxPlayers int) (*Session, tank.ID, error) {
	var (
		s   *Session
		id  tank.ID
		err error
	)
	doErr := r.do(func() {
		if existing := r.lookupPlayer(playerID); existing != nil {
			s, err = existing, ErrAlreadyInSession
			id, _ = existing.TankIDForPlayer(playerID)
			return
		}
		var t *tank.Tank
		t, err = r.pool.Acquire()
		if err != nil {
			return
		}
		s, err = r.findOrCreate(playerID, address, t, transport, maxPlayers)
		if err != nil {
			r.pool.Release(t.ID())
			return
		}
		id = t.ID()
	})
	if doErr != nil {
		return nil, 0, doErr
	}
	return s, id, err
}

// ApplyToPlayerTank resolves player, session and tank inside the registry
// goroutine and runs fn there. Tank mutations go through here so that the
// registry stays the only writer of tank state.
func (r *Registry) ApplyToPlayerTank(playerID string, fn func(s *Session, t *tank.Tank)) error {
	var err error
	doErr := r.do(func() {
		s := r.lookupPlayer(playerID)
		if s == nil {
			err = ErrPlayerNotFound
			return
		}
		t, ok := s.TankForPlayer(playerID)
		if !ok {
			err = ErrTankNotFound
			return
		}
		fn(s, t)
	})
	if doErr != nil {
		return doErr
	}
	return err
}

// Sessions returns a summary of every session in creation order.
func (r *Registry) Sessions() []Info {
	var out []Info
	_ = r.do(func() {
		out = make([]Info, 0, len(r.order))
		for _, id := range r.order {
			out = append(out, r.sessions[id].Info())
		}
	})
	return out
}

// SessionHandles returns the live sessions in creation order.
func (r *Registry) SessionHandles() []*Session {
	var out []*Session
	_ = r.do(func() {
		out = make([]*Session, 0, len(r.order))
		for _, id := range r.order {
			out = append(out, r.sessions[id])
		}
	})
	return out
}

func (r *Registry) Stats() Stats {
	var st Stats
	_ = r.do(func() {
		st = Stats{Sessions: len(r.sessions), Players: len(r.playerIndex)}
	})
	return st
}

// CheckInvariants verifies that the player index and the session rosters
// agree in both directions.
func (r *Registry) CheckInvariants() error {
	var err error
	if doErr := r.do(func() { err = r.checkInvariants() }); doErr != nil {
		return doErr
	}
	return err
}

func (r *Registry) createSession() *Session {
	s := newSession(r.newID(), r.pool, time.Now())
	r.sessions[s.id] = s
	r.order = append(r.order, s.id)
	r.events.Publish(telemetry.TopicSessionCreated, telemetry.Fields{"session_id": s.id})
	r.logger.Info("Session created", "session_id", s.id)
	return s
}

func (r *Registry) removeSession(id, reason string) error {
	s, ok := r.sessions[id]
	if !ok {
		return ErrSessionNotFound
	}
	for _, p := range s.Players() {
		s.RemovePlayer(p.ID)
		if r.playerIndex[p.ID] == id {
			delete(r.playerIndex, p.ID)
		}
		r.pool.Release(p.TankID)
		r.events.Publish(telemetry.TopicPlayerLeftSession, telemetry.Fields{
			"session_id": id,
			"player_id":  p.ID,
			"tank_id":    p.TankID.String(),
			"reason":     reason,
		})
	}
	delete(r.sessions, id)
	for i, sid := range r.order {
		if sid == id {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
	r.events.Publish(telemetry.TopicSessionRemoved, telemetry.Fields{"session_id": id, "reason": reason})
	r.logger.Info("Session removed", "session_id", id, "reason", reason)
	return nil
}

// lookupPlayer resolves the index and purges entries that point at a
// session which no longer holds the player.
func (r *Registry) lookupPlayer(playerID string) *Session {
	sid, ok := r.playerIndex[playerID]
	if !ok {
		return nil
	}
	s, ok := r.sessions[sid]
	if !ok || !s.HasPlayer(playerID) {
		r.logger.Warn("Purging stale player index entry", "player_id", playerID, "session_id", sid)
		delete(r.playerIndex, playerID)
		return nil
	}
	return s
}

func (r *Registry) addPlayer(sessionID, playerID, address string, t *tank.Tank, transport Transport) (*Session, error) {
	if existing := r.lookupPlayer(playerID); existing != nil {
		if existing.id == sessionID {
			return existing, nil
		}
		return existing, ErrAlreadyInSession
	}
	s, ok := r.sessions[sessionID]
	if !ok {
		return nil, ErrSessionNotFound
	}
	if t == nil {
		return nil, ErrNilTank
	}
	if !s.AddPlayer(playerID, address, t, transport) {
		return s, ErrDuplicatePlayer
	}
	r.playerIndex[playerID] = sessionID
	r.events.Publish(telemetry.TopicPlayerJoinedSession, telemetry.Fields{
		"session_id": sessionID,
		"player_id":  playerID,
		"tank_id":    t.ID().String(),
		"transport":  string(transport),
	})
	r.logger.Info("Player joined session", "player_id", playerID, "session_id", sessionID, "tank_id", t.ID())
	return s, nil
}

func (r *Registry) removePlayer(playerID string) error {
	s := r.lookupPlayer(playerID)
	if s == nil {
		return ErrPlayerNotFound
	}
	tankID, _ := s.TankIDForPlayer(playerID)
	s.RemovePlayer(playerID)
	delete(r.playerIndex, playerID)
	r.pool.Release(tankID)
	r.events.Publish(telemetry.TopicPlayerLeftSession, telemetry.Fields{
		"session_id": s.id,
		"player_id":  playerID,
		"tank_id":    tankID.String(),
	})
	r.logger.Info("Player left session", "player_id", playerID, "session_id", s.id)

	if s.IsEmpty() {
		return r.removeSession(s.id, ReasonBecameEmpty)
	}
	return nil
}

func (r *Registry) findOrCreate(playerID, address string, t *tank.Tank, transport Transport, maxPlayers int) (*Session, error) {
	if existing := r.lookupPlayer(playerID); existing != nil {
		return existing, ErrAlreadyInSession
	}
	if t == nil {
		return nil, ErrNilTank
	}
	for _, id := range r.order {
		s := r.sessions[id]
		if maxPlayers > 0 && s.PlayerCount() >= maxPlayers {
			continue
		}
		return r.addPlayer(id, playerID, address, t, transport)
	}

	s := r.createSession()
	joined, err := r.addPlayer(s.id, playerID, address, t, transport)
	if err != nil {
		// Nothing is rostered yet, so removal releases no tanks.
		_ = r.removeSession(s.id, ReasonBecameEmpty)
		return nil, err
	}
	return joined, nil
}

func (r *Registry) checkInvariants() error {
	for playerID, sid := range r.playerIndex {
		s, ok := r.sessions[sid]
		if !ok {
			return fmt.Errorf("player %s mapped to missing session %s", playerID, sid)
		}
		if !s.HasPlayer(playerID) {
			return fmt.Errorf("player %s not in roster of session %s", playerID, sid)
		}
	}
	for sid, s := range r.sessions {
		for _, p := range s.Players() {
			if r.playerIndex[p.ID] != sid {
				return fmt.Errorf("rostered player %s not indexed to session %s", p.ID, sid)
			}
		}
	}
	return nil
}

var _ TankPool = (*pool.Pool)(nil)
