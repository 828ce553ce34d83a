package service

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/charmbracelet/log"

	"github.com/wricardo/mcp-training/tankarena/auth"
	"github.com/wricardo/mcp-training/tankarena/game/command"
	"github.com/wricardo/mcp-training/tankarena/game/pool"
	"github.com/wricardo/mcp-training/tankarena/game/session"
	"github.com/wricardo/mcp-training/tankarena/game/tank"
	"github.com/wricardo/mcp-training/tankarena/queue"
	"github.com/wricardo/mcp-training/tankarena/telemetry"
)

// Deps wires the service to the rest of the server. Consumer, AuthHealth and
// Journal are optional.
type Deps struct {
	Registry   Registry
	Pool       PoolStatter
	Auth       auth.Authenticator
	Commands   queue.Publisher
	Consumer   ConsumerStatus
	AuthHealth HealthChecker
	Journal    EventJournal
	MaxPlayers int
	Logger     *log.Logger
}

// gameServiceImpl implements the GameService interface
type gameServiceImpl struct {
	Deps
	logger *log.Logger
}

// NewGameService creates a new game service instance
func NewGameService(deps Deps) GameService {
	logger := deps.Logger
	if logger == nil {
		logger = log.Default()
	}
	return &gameServiceImpl{
		Deps:   deps,
		logger: logger.With("component", "service"),
	}
}

// Login authenticates against the oracle and places the player. The
// username is the player id.
func (s *gameServiceImpl) Login(ctx context.Context, username, password, address string, transport session.Transport) (*JoinResult, error) {
	resp, err := s.Auth.Authenticate(ctx, username, password)
	if err != nil {
		s.logger.Info("Login rejected", "username", username, "error", err)
		return nil, err
	}
	result, err := s.Join(ctx, username, address, transport)
	if err != nil {
		return result, err
	}
	result.Token = resp.Token
	return result, nil
}

// Join acquires a tank and places the player in the first session with a
// free slot. A player already in a session gets that session back along
// with session.ErrAlreadyInSession.
func (s *gameServiceImpl) Join(_ context.Context, playerID, address string, transport session.Transport) (*JoinResult, error) {
	if strings.TrimSpace(playerID) == "" {
		return nil, ErrInvalidPlayerID
	}
	sess, tankID, err := s.Registry.Join(playerID, address, transport, s.MaxPlayers)
	if err != nil && !errors.Is(err, session.ErrAlreadyInSession) {
		if errors.Is(err, pool.ErrResourceExhausted) {
			s.logger.Warn("No tanks available for player", "player_id", playerID)
		}
		return nil, err
	}
	result := &JoinResult{
		PlayerID:  playerID,
		SessionID: sess.ID(),
		TankID:    tankID.String(),
	}
	if t, ok := sess.TankForPlayer(playerID); ok {
		result.Tank = t.State()
	}
	return result, err
}

func (s *gameServiceImpl) Leave(_ context.Context, playerID string) error {
	return s.Registry.RemovePlayerFromAnySession(playerID)
}

func (s *gameServiceImpl) SubmitMove(ctx context.Context, playerID string, pos tank.Position) error {
	p, err := s.player(playerID)
	if err != nil {
		return err
	}
	return s.publish(ctx, command.NewMove(playerID, p.TankID, pos, string(p.Transport)))
}

func (s *gameServiceImpl) SubmitShoot(ctx context.Context, playerID string) error {
	p, err := s.player(playerID)
	if err != nil {
		return err
	}
	return s.publish(ctx, command.NewShoot(playerID, p.TankID, string(p.Transport)))
}

func (s *gameServiceImpl) player(playerID string) (session.Player, error) {
	sess, ok := s.Registry.SessionByPlayer(playerID)
	if !ok {
		return session.Player{}, ErrNotInSession
	}
	p, ok := sess.Player(playerID)
	if !ok {
		return session.Player{}, ErrNotInSession
	}
	return p, nil
}

func (s *gameServiceImpl) publish(ctx context.Context, cmd command.Command) error {
	body, err := cmd.Encode()
	if err != nil {
		return fmt.Errorf("encode command: %w", err)
	}
	if err := s.Commands.Publish(ctx, body); err != nil {
		s.logger.Warn("Dropping command", "player_id", cmd.PlayerID, "command", cmd.Verb, "error", err)
		return fmt.Errorf("%w: %v", ErrCommandDropped, err)
	}
	return nil
}

func (s *gameServiceImpl) SessionPlayers(_ context.Context, playerID string) ([]session.Player, error) {
	sess, ok := s.Registry.SessionByPlayer(playerID)
	if !ok {
		return nil, ErrNotInSession
	}
	return sess.Players(), nil
}

func (s *gameServiceImpl) ListSessions(_ context.Context) ([]session.Info, error) {
	return s.Registry.Sessions(), nil
}

func (s *gameServiceImpl) GetSession(_ context.Context, sessionID string) (*SessionDetail, error) {
	sess, ok := s.Registry.Session(sessionID)
	if !ok {
		return nil, session.ErrSessionNotFound
	}
	return &SessionDetail{Info: sess.Info(), Tanks: sess.TanksState()}, nil
}

func (s *gameServiceImpl) Snapshots(_ context.Context) []Snapshot {
	handles := s.Registry.SessionHandles()
	out := make([]Snapshot, 0, len(handles))
	for _, sess := range handles {
		out = append(out, Snapshot{
			SessionID:    sess.ID(),
			Tanks:        sess.TanksState(),
			UDPAddresses: sess.UDPAddresses(),
		})
	}
	return out
}

func (s *gameServiceImpl) PoolStats(_ context.Context) pool.Stats {
	return s.Pool.Stats()
}

func (s *gameServiceImpl) Health(ctx context.Context) Health {
	h := Health{
		Status:   "ok",
		Auth:     "unknown",
		Pool:     s.Pool.Stats(),
		Registry: s.Registry.Stats(),
	}
	if s.AuthHealth != nil {
		if err := s.AuthHealth.Healthy(ctx); err != nil {
			h.Auth = "unavailable"
			h.Status = "degraded"
		} else {
			h.Auth = "serving"
		}
	}
	if s.Consumer != nil {
		st := s.Consumer.Stats()
		h.Consumer = &st
		if st.Conn != command.Connected.String() {
			h.Status = "degraded"
		}
	}
	return h
}

func (s *gameServiceImpl) RecentEvents(ctx context.Context, topic string, limit int) ([]telemetry.JournalEntry, error) {
	if s.Journal == nil {
		return nil, ErrNoJournal
	}
	return s.Journal.Recent(ctx, topic, limit)
}

// CloseSession force-removes a session and releases every tank in it.
func (s *gameServiceImpl) CloseSession(_ context.Context, sessionID string) error {
	return s.Registry.RemoveSession(sessionID, session.ReasonAdmin)
}

func (s *gameServiceImpl) KickPlayer(_ context.Context, playerID string) error {
	return s.Registry.RemovePlayerFromAnySession(playerID)
}

// DamageTank applies damage through the registry so it is serialized with
// every other tank mutation.
func (s *gameServiceImpl) DamageTank(_ context.Context, playerID string, amount int) (tank.State, error) {
	if amount < 0 {
		return tank.State{}, fmt.Errorf("damage must be non-negative, got %d", amount)
	}
	var state tank.State
	err := s.Registry.ApplyToPlayerTank(playerID, func(_ *session.Session, t *tank.Tank) {
		t.TakeDamage(amount)
		state = t.State()
	})
	return state, err
}
