package mcp

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/wricardo/mcp-training/tankarena/game/pool"
	"github.com/wricardo/mcp-training/tankarena/game/service"
	"github.com/wricardo/mcp-training/tankarena/game/session"
	"github.com/wricardo/mcp-training/tankarena/game/tank"
	"github.com/wricardo/mcp-training/tankarena/telemetry"
)

// Client is a thin MCP server whose tools proxy to the admin REST API.
type Client struct {
	baseURL    string
	httpClient *http.Client
	mcpServer  *server.MCPServer
}

// NewClient creates a new MCP client that calls the REST API
func NewClient(baseURL, version string) *Client {
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: 10 * time.Second,
		},
	}

	c.initMCPServer(version)
	return c
}

func (c *Client) initMCPServer(version string) {
	c.mcpServer = server.NewMCPServer(
		"Tank Arena Admin",
		version,
		server.WithToolCapabilities(true),
		server.WithInstructions(`Tank Arena - admin MCP interface

Every tool proxies to the arena's REST API. Players connect over TCP or UDP;
these tools observe and administer them.

AVAILABLE TOOLS:
- list_sessions: List live sessions with their rosters
- get_session: Session roster plus tank positions and health
- close_session: Tear a session down and return its tanks to the pool
- get_player: Show a player and their session roster
- kick_player: Remove a player from their session
- damage_tank: Apply damage to a player's tank
- pool_stats: Tank pool capacity and occupancy
- server_health: Auth oracle, command consumer, pool and registry status
- recent_events: Journaled telemetry events, newest first`),
	)

	c.registerTools()
}

func stringProp(description string) map[string]any {
	return map[string]any{"type": "string", "description": description}
}

// registerTools registers all MCP tools
func (c *Client) registerTools() {
	// Sessions
	c.mcpServer.AddTool(mcp.Tool{
		Name:        "list_sessions",
		Description: "List all live game sessions",
		InputSchema: mcp.ToolInputSchema{
			Type:       "object",
			Properties: map[string]any{},
		},
	}, c.handleListSessions)

	c.mcpServer.AddTool(mcp.Tool{
		Name:        "get_session",
		Description: "Get a session's roster and tank states",
		InputSchema: mcp.ToolInputSchema{
			Type: "object",
			Properties: map[string]any{
				"session_id": stringProp("Session ID to retrieve"),
			},
			Required: []string{"session_id"},
		},
	}, c.handleGetSession)

	c.mcpServer.AddTool(mcp.Tool{
		Name:        "close_session",
		Description: "Force-close a session; every player is removed and every tank released",
		InputSchema: mcp.ToolInputSchema{
			Type: "object",
			Properties: map[string]any{
				"session_id": stringProp("Session ID to close"),
			},
			Required: []string{"session_id"},
		},
	}, c.handleCloseSession)

	// Players
	c.mcpServer.AddTool(mcp.Tool{
		Name:        "get_player",
		Description: "Show a player and the roster of their session",
		InputSchema: mcp.ToolInputSchema{
			Type: "object",
			Properties: map[string]any{
				"player_id": stringProp("Player ID"),
			},
			Required: []string{"player_id"},
		},
	}, c.handleGetPlayer)

	c.mcpServer.AddTool(mcp.Tool{
		Name:        "kick_player",
		Description: "Remove a player from their session and release their tank",
		InputSchema: mcp.ToolInputSchema{
			Type: "object",
			Properties: map[string]any{
				"player_id": stringProp("Player ID"),
			},
			Required: []string{"player_id"},
		},
	}, c.handleKickPlayer)

	c.mcpServer.AddTool(mcp.Tool{
		Name:        "damage_tank",
		Description: "Apply damage to the tank of a player. Health never drops below zero.",
		InputSchema: mcp.ToolInputSchema{
			Type: "object",
			Properties: map[string]any{
				"player_id": stringProp("Player ID"),
				"amount": map[string]any{
					"type":        "integer",
					"minimum":     0,
					"description": "Damage to apply",
				},
			},
			Required: []string{"player_id", "amount"},
		},
	}, c.handleDamageTank)

	// Status
	c.mcpServer.AddTool(mcp.Tool{
		Name:        "pool_stats",
		Description: "Tank pool capacity and occupancy",
		InputSchema: mcp.ToolInputSchema{
			Type:       "object",
			Properties: map[string]any{},
		},
	}, c.handlePoolStats)

	c.mcpServer.AddTool(mcp.Tool{
		Name:        "server_health",
		Description: "Status of the auth oracle, the command consumer, the pool and the registry",
		InputSchema: mcp.ToolInputSchema{
			Type:       "object",
			Properties: map[string]any{},
		},
	}, c.handleHealth)

	c.mcpServer.AddTool(mcp.Tool{
		Name:        "recent_events",
		Description: "Journaled telemetry events, newest first",
		InputSchema: mcp.ToolInputSchema{
			Type: "object",
			Properties: map[string]any{
				"topic": stringProp("Only events of this type, e.g. tank_destroyed (optional)"),
				"limit": map[string]any{
					"type":        "integer",
					"minimum":     1,
					"description": "Maximum events to return (default 20)",
				},
			},
		},
	}, c.handleRecentEvents)
}

// GetMCPServer returns the underlying MCP server for serving
func (c *Client) GetMCPServer() *server.MCPServer {
	return c.mcpServer
}

// Helper methods for API calls

func (c *Client) apiCall(ctx context.Context, method, path string, body any, result any) error {
	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reqBody = bytes.NewBuffer(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reqBody)
	if err != nil {
		return err
	}

	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		var errResp struct {
			Error string `json:"error"`
		}
		json.NewDecoder(resp.Body).Decode(&errResp)
		if errResp.Error != "" {
			return fmt.Errorf("%s", errResp.Error)
		}
		return fmt.Errorf("API error: %d", resp.StatusCode)
	}

	if result != nil {
		return json.NewDecoder(resp.Body).Decode(result)
	}

	return nil
}

func arguments(request mcp.CallToolRequest) map[string]any {
	if args, ok := request.Params.Arguments.(map[string]any); ok {
		return args
	}
	return map[string]any{}
}

func requiredString(args map[string]any, key string) (string, error) {
	v, _ := args[key].(string)
	if strings.TrimSpace(v) == "" {
		return "", fmt.Errorf("%s is required", key)
	}
	return v, nil
}

// intArg accepts JSON numbers and numeric strings.
func intArg(args map[string]any, key string) (int, bool) {
	switch v := args[key].(type) {
	case float64:
		if v != float64(int(v)) {
			return 0, false
		}
		return int(v), true
	case int:
		return v, true
	case string:
		n, err := strconv.Atoi(v)
		return n, err == nil
	}
	return 0, false
}

// Tool handlers

func (c *Client) handleListSessions(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	var response struct {
		Count    int            `json:"count"`
		Sessions []session.Info `json:"sessions"`
	}

	if err := c.apiCall(ctx, "GET", "/api/sessions", nil, &response); err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Active Sessions (%d):\n\n", response.Count)
	for _, s := range response.Sessions {
		fmt.Fprintf(&b, "- %s (%d players, created %s)\n",
			s.ID, s.PlayerCount, s.CreatedAt.Format("15:04:05"))
	}

	return mcp.NewToolResultText(b.String()), nil
}

func (c *Client) handleGetSession(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	sessionID, err := requiredString(arguments(request), "session_id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	var detail service.SessionDetail
	if err := c.apiCall(ctx, "GET", "/api/sessions/"+url.PathEscape(sessionID), nil, &detail); err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	return mcp.NewToolResultText(formatSessionDetail(&detail)), nil
}

func (c *Client) handleCloseSession(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	sessionID, err := requiredString(arguments(request), "session_id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	if err := c.apiCall(ctx, "DELETE", "/api/sessions/"+url.PathEscape(sessionID), nil, nil); err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	return mcp.NewToolResultText(fmt.Sprintf("Session %s closed; its tanks are back in the pool.", sessionID)), nil
}

func (c *Client) handleGetPlayer(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	playerID, err := requiredString(arguments(request), "player_id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	var response struct {
		Player    session.Player   `json:"player"`
		Teammates []session.Player `json:"teammates"`
	}
	if err := c.apiCall(ctx, "GET", "/api/players/"+url.PathEscape(playerID), nil, &response); err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	var b strings.Builder
	p := response.Player
	fmt.Fprintf(&b, "Player: %s\nTank: %s\nTransport: %s\nAddress: %s\nJoined: %s\n\nSession roster:\n",
		p.ID, p.TankID, p.Transport, p.Address, p.JoinedAt.Format("2006-01-02 15:04:05"))
	for _, m := range response.Teammates {
		marker := ""
		if m.ID == p.ID {
			marker = " (this player)"
		}
		fmt.Fprintf(&b, "  - %s%s\n", m.ID, marker)
	}
	return mcp.NewToolResultText(b.String()), nil
}

func (c *Client) handleKickPlayer(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	playerID, err := requiredString(arguments(request), "player_id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	if err := c.apiCall(ctx, "DELETE", "/api/players/"+url.PathEscape(playerID), nil, nil); err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	return mcp.NewToolResultText(fmt.Sprintf("Player %s removed.", playerID)), nil
}

func (c *Client) handleDamageTank(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args := arguments(request)
	playerID, err := requiredString(args, "player_id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	amount, ok := intArg(args, "amount")
	if !ok || amount < 0 {
		return mcp.NewToolResultError("amount must be a non-negative integer"), nil
	}

	var state tank.State
	body := map[string]int{"amount": amount}
	if err := c.apiCall(ctx, "POST", "/api/players/"+url.PathEscape(playerID)+"/damage", body, &state); err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	return mcp.NewToolResultText(fmt.Sprintf("Applied %d damage to %s.\n%s", amount, playerID, formatTank(state))), nil
}

func (c *Client) handlePoolStats(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	var stats pool.Stats
	if err := c.apiCall(ctx, "GET", "/api/pool", nil, &stats); err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	return mcp.NewToolResultText(fmt.Sprintf("Tank pool: %d/%d in use, %d available",
		stats.InUse, stats.Capacity, stats.Available)), nil
}

func (c *Client) handleHealth(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	var h service.Health
	if err := c.apiCall(ctx, "GET", "/api/health", nil, &h); err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	return mcp.NewToolResultText(formatHealth(&h)), nil
}

func (c *Client) handleRecentEvents(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args := arguments(request)
	q := url.Values{}
	if topic, _ := args["topic"].(string); topic != "" {
		q.Set("topic", topic)
	}
	limit := 20
	if n, ok := intArg(args, "limit"); ok && n > 0 {
		limit = n
	}
	q.Set("limit", strconv.Itoa(limit))

	var response struct {
		Count  int                      `json:"count"`
		Events []telemetry.JournalEntry `json:"events"`
	}
	if err := c.apiCall(ctx, "GET", "/api/events?"+q.Encode(), nil, &response); err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Recent events (%d):\n", response.Count)
	for _, e := range response.Events {
		fmt.Fprintf(&b, "[%s] %s %s\n", e.CreatedAt.Format("15:04:05.000"), e.Topic, e.Payload)
	}
	return mcp.NewToolResultText(b.String()), nil
}

// Formatting helpers

func formatTank(t tank.State) string {
	status := "active"
	if !t.Active {
		status = "inactive"
	}
	destroyed := ""
	if t.Health == 0 {
		destroyed = " DESTROYED"
	}
	return fmt.Sprintf("%s at (%d,%d) health %d, %s%s", t.ID, t.Position.X, t.Position.Y, t.Health, status, destroyed)
}

func formatSessionDetail(d *service.SessionDetail) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Session: %s\nCreated: %s\nPlayers (%d):\n",
		d.ID, d.CreatedAt.Format("2006-01-02 15:04:05"), d.PlayerCount)
	for _, p := range d.Players {
		fmt.Fprintf(&b, "  - %s [%s] tank %s\n", p.ID, p.Transport, p.TankID)
	}
	b.WriteString("Tanks:\n")
	if len(d.Tanks) == 0 {
		b.WriteString("  (none)\n")
	}
	for _, t := range d.Tanks {
		fmt.Fprintf(&b, "  - %s\n", formatTank(t))
	}
	return b.String()
}

func formatHealth(h *service.Health) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Status: %s\nAuth oracle: %s\n", h.Status, h.Auth)
	if h.Consumer != nil {
		fmt.Fprintf(&b, "Command consumer: %s/%s (applied %d, inactive %d, not found %d, malformed %d, requeued %d)\n",
			h.Consumer.Run, h.Consumer.Conn, h.Consumer.Applied, h.Consumer.Inactive,
			h.Consumer.NotFound, h.Consumer.Malformed, h.Consumer.Requeued)
	} else {
		b.WriteString("Command consumer: not running\n")
	}
	fmt.Fprintf(&b, "Tank pool: %d/%d in use\nSessions: %d, players: %d\n",
		h.Pool.InUse, h.Pool.Capacity, h.Registry.Sessions, h.Registry.Players)
	return b.String()
}
