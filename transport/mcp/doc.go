// Package mcp exposes arena administration to AI agents over the Model
// Context Protocol.
//
// The Client is a thin proxy: every tool calls the admin REST API served by
// package api and renders the JSON reply as text.
//
// MCP Tools:
//   - list_sessions, get_session, close_session
//   - get_player, kick_player, damage_tank
//   - pool_stats, server_health, recent_events
//
// Transport Modes:
//   - Stdio: "tankarena mcp" serves the tools on stdin/stdout against a
//     running server's HTTP address
//   - HTTP: the server mounts the same tools at POST /mcp
package mcp
