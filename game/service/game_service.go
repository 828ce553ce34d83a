package service

import (
	"context"

	"github.com/wricardo/mcp-training/tankarena/game/command"
	"github.com/wricardo/mcp-training/tankarena/game/pool"
	"github.com/wricardo/mcp-training/tankarena/game/session"
	"github.com/wricardo/mcp-training/tankarena/game/tank"
	"github.com/wricardo/mcp-training/tankarena/telemetry"
)

// GameService defines every operation the ingress adapters and the admin
// surfaces need.
type GameService interface {
	// Player lifecycle
	Login(ctx context.Context, username, password, address string, transport session.Transport) (*JoinResult, error)
	Join(ctx context.Context, playerID, address string, transport session.Transport) (*JoinResult, error)
	Leave(ctx context.Context, playerID string) error

	// Commands are queued, never applied here.
	SubmitMove(ctx context.Context, playerID string, pos tank.Position) error
	SubmitShoot(ctx context.Context, playerID string) error

	// Observers
	SessionPlayers(ctx context.Context, playerID string) ([]session.Player, error)
	ListSessions(ctx context.Context) ([]session.Info, error)
	GetSession(ctx context.Context, sessionID string) (*SessionDetail, error)
	Snapshots(ctx context.Context) []Snapshot
	PoolStats(ctx context.Context) pool.Stats
	Health(ctx context.Context) Health
	RecentEvents(ctx context.Context, topic string, limit int) ([]telemetry.JournalEntry, error)

	// Admin
	CloseSession(ctx context.Context, sessionID string) error
	KickPlayer(ctx context.Context, playerID string) error
	DamageTank(ctx context.Context, playerID string, amount int) (tank.State, error)
}

// Registry is the part of *session.Registry the service drives.
type Registry interface {
	Join(playerID, address string, transport session.Transport, maxPlayers int) (*session.Session, tank.ID, error)
	RemovePlayerFromAnySession(playerID string) error
	SessionByPlayer(playerID string) (*session.Session, bool)
	Session(id string) (*session.Session, bool)
	RemoveSession(id, reason string) error
	Sessions() []session.Info
	SessionHandles() []*session.Session
	Stats() session.Stats
	ApplyToPlayerTank(playerID string, fn func(s *session.Session, t *tank.Tank)) error
}

// PoolStatter reports pool occupancy.
type PoolStatter interface {
	Stats() pool.Stats
}

// ConsumerStatus reports command consumer state.
type ConsumerStatus interface {
	Stats() command.Stats
}

// HealthChecker probes a dependency.
type HealthChecker interface {
	Healthy(ctx context.Context) error
}

// EventJournal reads back journaled telemetry.
type EventJournal interface {
	Recent(ctx context.Context, topic string, limit int) ([]telemetry.JournalEntry, error)
}
