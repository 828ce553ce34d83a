// Package service provides the business logic layer for the tank arena.
//
// The service package implements:
//   - Login against the authentication oracle
//   - Joining and leaving sessions
//   - Queueing move and shoot commands
//   - Read models for observers and admin operations
//
// Architecture:
//
// Every ingress adapter (TCP, UDP, REST, MCP) talks to GameService and
// nothing else. The service never mutates a tank for a player command: move
// and shoot are encoded as command records and published on the queue, where
// the single command consumer applies them. Session membership and tank
// ownership changes go through the session registry.
//
// Usage:
//
//	svc := service.NewGameService(service.Deps{
//		Registry:   registry,
//		Pool:       tanks,
//		Auth:       authClient,
//		Commands:   publisher,
//		MaxPlayers: 8,
//	})
//
//	joined, err := svc.Login(ctx, "player1", "pass1", addr, session.TransportTCP)
//	if err != nil {
//		return err
//	}
//	err = svc.SubmitMove(ctx, joined.PlayerID, tank.Position{X: 3, Y: 4})
package service
