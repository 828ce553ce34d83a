package service

import (
	"errors"

	"github.com/wricardo/mcp-training/tankarena/game/command"
	"github.com/wricardo/mcp-training/tankarena/game/pool"
	"github.com/wricardo/mcp-training/tankarena/game/session"
	"github.com/wricardo/mcp-training/tankarena/game/tank"
)

var (
	ErrNotInSession    = errors.New("player is not in a session")
	ErrCommandDropped  = errors.New("command could not be queued")
	ErrInvalidPlayerID = errors.New("invalid player id")
	ErrNoJournal       = errors.New("event journal not configured")
)

// JoinResult describes where a player landed.
type JoinResult struct {
	PlayerID  string     `json:"player_id"`
	SessionID string     `json:"session_id"`
	TankID    string     `json:"tank_id"`
	Token     string     `json:"token,omitempty"`
	Tank      tank.State `json:"tank"`
}

// SessionDetail is a session summary plus its tank snapshot.
type SessionDetail struct {
	session.Info
	Tanks []tank.State `json:"tanks"`
}

// Snapshot is what the broadcaster pushes for one session.
type Snapshot struct {
	SessionID    string       `json:"session_id"`
	Tanks        []tank.State `json:"tanks"`
	UDPAddresses []string     `json:"-"`
}

// Health aggregates dependency status.
type Health struct {
	Status   string         `json:"status"`
	Auth     string         `json:"auth"`
	Consumer *command.Stats `json:"consumer,omitempty"`
	Pool     pool.Stats     `json:"pool"`
	Registry session.Stats  `json:"registry"`
}
