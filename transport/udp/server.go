package udp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"golang.org/x/time/rate"

	"github.com/wricardo/mcp-training/tankarena/game/pool"
	"github.com/wricardo/mcp-training/tankarena/game/service"
	"github.com/wricardo/mcp-training/tankarena/game/session"
	"github.com/wricardo/mcp-training/tankarena/game/tank"
)

const (
	maxDatagram    = 64 * 1024
	limiterIdleTTL = time.Minute
)

// Action names carried in the envelope.
const (
	ActionJoin  = "join_game"
	ActionMove  = "move"
	ActionShoot = "shoot"
	ActionLeave = "leave_game"
)

// Reply statuses.
const (
	StatusJoined     = "joined"
	StatusJoinFailed = "join_failed"
	StatusLeft       = "left_game"
	StatusError      = "error"
)

// Service is what the UDP adapter needs from the game service. UDP players
// are not authenticated; the envelope's player_id is trusted.
type Service interface {
	Join(ctx context.Context, playerID, address string, transport session.Transport) (*service.JoinResult, error)
	Leave(ctx context.Context, playerID string) error
	SubmitMove(ctx context.Context, playerID string, pos tank.Position) error
	SubmitShoot(ctx context.Context, playerID string) error
}

// Envelope is one inbound datagram.
type Envelope struct {
	PlayerID string          `json:"player_id"`
	Action   string          `json:"action"`
	Position json.RawMessage `json:"position,omitempty"`
}

// Reply is sent back to the datagram's source address.
type Reply struct {
	Status       string      `json:"status"`
	Message      string      `json:"message,omitempty"`
	PlayerID     string      `json:"player_id,omitempty"`
	SessionID    string      `json:"session_id,omitempty"`
	TankID       string      `json:"tank_id,omitempty"`
	InitialState *tank.State `json:"initial_state,omitempty"`
}

// GameState is the periodic broadcast to every UDP player of a session.
type GameState struct {
	Type      string       `json:"type"`
	SessionID string       `json:"session_id"`
	Tanks     []tank.State `json:"tanks"`
}

type limiterEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

type Option func(*Server)

func WithLogger(logger *log.Logger) Option {
	return func(s *Server) { s.logger = logger }
}

// WithRateLimit caps datagrams per source address. A zero limit disables
// limiting.
func WithRateLimit(perSecond float64, burst int) Option {
	return func(s *Server) {
		s.limit = rate.Limit(perSecond)
		s.burst = burst
	}
}

// Server is the UDP JSON ingress. One goroutine reads the socket; join and
// leave are answered on the same socket, move and shoot are queued without
// a reply.
type Server struct {
	svc    Service
	logger *log.Logger
	limit  rate.Limit
	burst  int

	mu       sync.Mutex
	conn     net.PacketConn
	limiters map[string]*limiterEntry
}

func NewServer(svc Service, opts ...Option) *Server {
	s := &Server{
		svc:      svc,
		logger:   log.Default(),
		limiters: make(map[string]*limiterEntry),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With("component", "udp")
	return s
}

func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	pc, err := net.ListenPacket("udp", addr)
	if err != nil {
		return fmt.Errorf("listen udp %s: %w", addr, err)
	}
	return s.Serve(ctx, pc)
}

// Serve reads datagrams until ctx is cancelled.
func (s *Server) Serve(ctx context.Context, pc net.PacketConn) error {
	s.mu.Lock()
	s.conn = pc
	s.mu.Unlock()
	s.logger.Info("UDP server listening", "addr", pc.LocalAddr().String())

	go func() {
		ticker := time.NewTicker(limiterIdleTTL)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				pc.Close()
				return
			case now := <-ticker.C:
				s.pruneLimiters(now)
			}
		}
	}()

	buf := make([]byte, maxDatagram)
	for {
		n, addr, err := pc.ReadFrom(buf)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if errors.Is(err, net.ErrClosed) {
				return err
			}
			s.logger.Warn("Receive failed", "error", err)
			continue
		}
		if !s.allow(addr.String(), time.Now()) {
			s.logger.Debug("Rate limited", "remote", addr.String())
			continue
		}
		s.handle(ctx, buf[:n], addr)
	}
}

func (s *Server) allow(addr string, now time.Time) bool {
	if s.limit <= 0 {
		return true
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.limiters[addr]
	if !ok {
		e = &limiterEntry{limiter: rate.NewLimiter(s.limit, s.burst)}
		s.limiters[addr] = e
	}
	e.lastSeen = now
	return e.limiter.AllowN(now, 1)
}

func (s *Server) pruneLimiters(now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for addr, e := range s.limiters {
		if now.Sub(e.lastSeen) > limiterIdleTTL {
			delete(s.limiters, addr)
		}
	}
}

func (s *Server) handle(ctx context.Context, data []byte, addr net.Addr) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		s.reply(addr, Reply{Status: StatusError, Message: "Invalid JSON format"})
		return
	}
	if env.PlayerID == "" || env.Action == "" {
		s.reply(addr, Reply{Status: StatusError, Message: "Missing player_id or action"})
		return
	}

	switch env.Action {
	case ActionJoin:
		s.join(ctx, env, addr)
	case ActionMove:
		if len(env.Position) == 0 {
			s.reply(addr, Reply{Status: StatusError, Message: "Move command missing position"})
			return
		}
		pos, err := tank.ParsePosition(env.Position)
		if err != nil {
			s.reply(addr, Reply{Status: StatusError, Message: "Invalid position"})
			return
		}
		// Unknown players are ignored without a reply.
		if err := s.svc.SubmitMove(ctx, env.PlayerID, pos); err != nil {
			s.logger.Debug("Move not queued", "player_id", env.PlayerID, "error", err)
		}
	case ActionShoot:
		if err := s.svc.SubmitShoot(ctx, env.PlayerID); err != nil {
			s.logger.Debug("Shoot not queued", "player_id", env.PlayerID, "error", err)
		}
	case ActionLeave:
		if err := s.svc.Leave(ctx, env.PlayerID); err != nil {
			s.reply(addr, Reply{Status: StatusError, Message: "Player not found or already left"})
			return
		}
		s.logger.Info("Player left", "player_id", env.PlayerID)
		s.reply(addr, Reply{Status: StatusLeft, PlayerID: env.PlayerID})
	default:
		s.reply(addr, Reply{Status: StatusError, Message: "Unknown action: " + env.Action})
	}
}

func (s *Server) join(ctx context.Context, env Envelope, addr net.Addr) {
	result, err := s.svc.Join(ctx, env.PlayerID, addr.String(), session.TransportUDP)
	switch {
	case errors.Is(err, session.ErrAlreadyInSession):
		s.reply(addr, Reply{Status: StatusError, Message: "already_in_session", SessionID: result.SessionID})
		return
	case errors.Is(err, pool.ErrResourceExhausted):
		s.reply(addr, Reply{Status: StatusJoinFailed, Message: "no_tanks_available"})
		return
	case err != nil:
		s.logger.Warn("Join failed", "player_id", env.PlayerID, "error", err)
		s.reply(addr, Reply{Status: StatusJoinFailed, Message: "server_error"})
		return
	}
	s.logger.Info("Player joined", "player_id", result.PlayerID, "session_id", result.SessionID, "tank_id", result.TankID)
	state := result.Tank
	s.reply(addr, Reply{
		Status:       StatusJoined,
		SessionID:    result.SessionID,
		TankID:       result.TankID,
		InitialState: &state,
	})
}

func (s *Server) reply(addr net.Addr, r Reply) {
	data, err := json.Marshal(r)
	if err != nil {
		s.logger.Error("Failed to encode reply", "error", err)
		return
	}
	s.send(addr, data)
}

func (s *Server) send(addr net.Addr, data []byte) {
	s.mu.Lock()
	pc := s.conn
	s.mu.Unlock()
	if pc == nil {
		return
	}
	if _, err := pc.WriteTo(data, addr); err != nil {
		s.logger.Debug("Send failed", "remote", addr.String(), "error", err)
	}
}

// Broadcast sends each session's tank state to that session's UDP players.
func (s *Server) Broadcast(snapshots []service.Snapshot) {
	for _, snap := range snapshots {
		if len(snap.UDPAddresses) == 0 {
			continue
		}
		data, err := json.Marshal(GameState{Type: "game_state", SessionID: snap.SessionID, Tanks: snap.Tanks})
		if err != nil {
			s.logger.Error("Failed to encode game state", "session_id", snap.SessionID, "error", err)
			continue
		}
		for _, a := range snap.UDPAddresses {
			addr, err := net.ResolveUDPAddr("udp", a)
			if err != nil {
				s.logger.Debug("Bad roster address", "address", a, "error", err)
				continue
			}
			s.send(addr, data)
		}
	}
}
