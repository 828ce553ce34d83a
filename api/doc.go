// Package api is the admin HTTP surface of the arena.
//
// Endpoints:
//
// Sessions:
//   - GET /api/sessions?order=asc|desc&limit=N - List sessions
//   - GET /api/sessions/{id} - Session summary plus tank states
//   - DELETE /api/sessions/{id} - Tear a session down, releasing its tanks
//   - GET /api/snapshots - Tank states of every session
//
// Players:
//   - GET /api/players/{id} - The player and the roster of its session
//   - DELETE /api/players/{id} - Kick a player
//   - POST /api/players/{id}/damage {"amount": N} - Damage the player's tank
//
// Status:
//   - GET /api/pool - Tank pool occupancy
//   - GET /api/events?topic=T&limit=N - Journaled telemetry, newest first
//   - GET /api/health - Auth oracle, command consumer, pool and registry
//
// Spectators:
//   - GET /ws?session_id=ID - WebSocket feed, all sessions when ID is omitted
//
// Errors are returned as JSON with the matching status code:
//
//	{
//	  "error": "session not found",
//	  "code": 404
//	}
package api
