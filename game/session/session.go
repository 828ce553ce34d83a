package session

import (
	"sort"
	"sync"
	"time"

	"github.com/wricardo/mcp-training/tankarena/game/tank"
)

// Transport identifies the ingress a player joined through.
type Transport string

const (
	TransportTCP Transport = "tcp"
	TransportUDP Transport = "udp"
)

// Player is one roster entry.
type Player struct {
	ID        string    `json:"player_id"`
	TankID    tank.ID   `json:"tank_id"`
	Address   string    `json:"address"`
	Transport Transport `json:"transport"`
	JoinedAt  time.Time `json:"joined_at"`
}

// TankLookup resolves in-use tanks by id. *pool.Pool implements it.
type TankLookup interface {
	Get(id tank.ID) (*tank.Tank, bool)
}

// Info is a serializable summary of a session.
type Info struct {
	ID          string    `json:"session_id"`
	CreatedAt   time.Time `json:"created_at"`
	PlayerCount int       `json:"player_count"`
	Players     []Player  `json:"players"`
}

// Session is a match roster. It stores tank ids only and resolves them
// through the pool, so it can never observe a tank that has been released.
// Sessions never talk to the pool otherwise: releasing tanks is the
// registry's job.
type Session struct {
	id        string
	createdAt time.Time
	tanks     TankLookup

	mu      sync.RWMutex
	players map[string]Player
}

func newSession(id string, tanks TankLookup, now time.Time) *Session {
	return &Session{
		id:        id,
		createdAt: now,
		tanks:     tanks,
		players:   make(map[string]Player),
	}
}

func (s *Session) ID() string { return s.id }

func (s *Session) CreatedAt() time.Time { return s.createdAt }

// AddPlayer inserts a player. It fails without mutation when the player is
// already rostered here or the tank is nil.
func (s *Session) AddPlayer(playerID, address string, t *tank.Tank, transport Transport) bool {
	if t == nil {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.players[playerID]; exists {
		return false
	}
	s.players[playerID] = Player{
		ID:        playerID,
		TankID:    t.ID(),
		Address:   address,
		Transport: transport,
		JoinedAt:  time.Now(),
	}
	return true
}

// RemovePlayer erases a roster entry. The tank is not released.
func (s *Session) RemovePlayer(playerID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.players[playerID]; !exists {
		return false
	}
	delete(s.players, playerID)
	return true
}

// Player returns one roster entry.
func (s *Session) Player(playerID string) (Player, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.players[playerID]
	return p, ok
}

// TankIDForPlayer returns the tank id rostered for a player.
func (s *Session) TankIDForPlayer(playerID string) (tank.ID, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.players[playerID]
	return p.TankID, ok
}

// TankForPlayer resolves a player's tank through the pool's in-use view.
func (s *Session) TankForPlayer(playerID string) (*tank.Tank, bool) {
	id, ok := s.TankIDForPlayer(playerID)
	if !ok {
		return nil, false
	}
	return s.tanks.Get(id)
}

func (s *Session) HasPlayer(playerID string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.players[playerID]
	return ok
}

func (s *Session) PlayerCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.players)
}

func (s *Session) IsEmpty() bool {
	return s.PlayerCount() == 0
}

// Players returns a roster snapshot ordered by join time.
func (s *Session) Players() []Player {
	s.mu.RLock()
	out := make([]Player, 0, len(s.players))
	for _, p := range s.players {
		out = append(out, p)
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].JoinedAt.Equal(out[j].JoinedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].JoinedAt.Before(out[j].JoinedAt)
	})
	return out
}

// UDPAddresses returns the addresses of players that joined over UDP.
func (s *Session) UDPAddresses() []string {
	var out []string
	for _, p := range s.Players() {
		if p.Transport == TransportUDP && p.Address != "" {
			out = append(out, p.Address)
		}
	}
	return out
}

// TanksState snapshots every rostered tank that is still in use. Each tank
// is read atomically, but the set as a whole may interleave with concurrent
// moves.
func (s *Session) TanksState() []tank.State {
	players := s.Players()
	out := make([]tank.State, 0, len(players))
	for _, p := range players {
		if t, ok := s.tanks.Get(p.TankID); ok {
			out = append(out, t.State())
		}
	}
	return out
}

func (s *Session) Info() Info {
	players := s.Players()
	return Info{
		ID:          s.id,
		CreatedAt:   s.createdAt,
		PlayerCount: len(players),
		Players:     players,
	}
}
