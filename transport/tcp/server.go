package tcp

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/log"

	"github.com/wricardo/mcp-training/tankarena/auth"
	"github.com/wricardo/mcp-training/tankarena/game/pool"
	"github.com/wricardo/mcp-training/tankarena/game/service"
	"github.com/wricardo/mcp-training/tankarena/game/session"
	"github.com/wricardo/mcp-training/tankarena/game/tank"
)

const (
	maxLineLength = 4096
	writeWait     = 5 * time.Second
)

// Service is what the TCP adapter needs from the game service.
type Service interface {
	Login(ctx context.Context, username, password, address string, transport session.Transport) (*service.JoinResult, error)
	Leave(ctx context.Context, playerID string) error
	SubmitMove(ctx context.Context, playerID string, pos tank.Position) error
	SubmitShoot(ctx context.Context, playerID string) error
	SessionPlayers(ctx context.Context, playerID string) ([]session.Player, error)
}

// Server speaks the line-oriented text protocol:
//
//	LOGIN <user> <pass> | REGISTER <user> <pass> | MOVE <x> <y> | SHOOT
//	SAY <text> | PLAYERS | HELP | QUIT
//
// Replies start with SERVER_RESPONSE, SERVER_ACK, SERVER_ERROR,
// SERVER_INFO or SERVER:. A connection logs in at most once; when it
// closes, its player leaves the game.
type Server struct {
	svc    Service
	logger *log.Logger

	mu    sync.Mutex
	conns map[net.Conn]struct{}
	wg    sync.WaitGroup
}

func NewServer(svc Service, logger *log.Logger) *Server {
	if logger == nil {
		logger = log.Default()
	}
	return &Server{
		svc:    svc,
		logger: logger.With("component", "tcp"),
		conns:  make(map[net.Conn]struct{}),
	}
}

// ListenAndServe listens on addr and serves until ctx is cancelled.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen tcp %s: %w", addr, err)
	}
	return s.Serve(ctx, lis)
}

// Serve accepts connections until ctx is cancelled, then closes every open
// connection and waits for their handlers to finish.
func (s *Server) Serve(ctx context.Context, lis net.Listener) error {
	s.logger.Info("TCP server listening", "addr", lis.Addr().String())
	go func() {
		<-ctx.Done()
		lis.Close()
		s.mu.Lock()
		for c := range s.conns {
			c.Close()
		}
		s.mu.Unlock()
	}()

	for {
		conn, err := lis.Accept()
		if err != nil {
			if ctx.Err() != nil {
				s.wg.Wait()
				return nil
			}
			if errors.Is(err, net.ErrClosed) {
				s.wg.Wait()
				return err
			}
			s.logger.Warn("Accept failed", "error", err)
			continue
		}
		s.mu.Lock()
		s.conns[conn] = struct{}{}
		s.mu.Unlock()

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.ServeConn(ctx, conn)
			s.mu.Lock()
			delete(s.conns, conn)
			s.mu.Unlock()
		}()
	}
}

// client is the per-connection protocol state.
type client struct {
	conn     net.Conn
	w        *bufio.Writer
	playerID string
}

func (c *client) authenticated() bool { return c.playerID != "" }

func (c *client) write(format string, args ...any) {
	c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	fmt.Fprintf(c.w, format, args...)
	c.w.WriteByte('\n')
	c.w.Flush()
}

// ServeConn runs the protocol on one connection until the peer quits or
// disconnects.
func (s *Server) ServeConn(ctx context.Context, conn net.Conn) {
	c := &client{conn: conn, w: bufio.NewWriter(conn)}
	addr := conn.RemoteAddr().String()
	logger := s.logger.With("remote", addr)
	logger.Debug("Client connected")

	defer func() {
		conn.Close()
		if c.authenticated() {
			// Use a fresh context: ctx may already be cancelled at shutdown.
			if err := s.svc.Leave(context.Background(), c.playerID); err != nil && !errors.Is(err, session.ErrPlayerNotFound) {
				logger.Warn("Failed to remove player on disconnect", "player_id", c.playerID, "error", err)
			}
		}
		logger.Debug("Client disconnected", "player_id", c.playerID)
	}()

	c.write("SERVER_ACK_CONNECTED")

	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 0, 512), maxLineLength)
	for scanner.Scan() {
		if quit := s.handleLine(ctx, c, scanner.Text()); quit {
			return
		}
	}
	if err := scanner.Err(); err != nil && !errors.Is(err, net.ErrClosed) {
		logger.Debug("Read failed", "error", err)
	}
}

func (s *Server) handleLine(ctx context.Context, c *client, line string) (quit bool) {
	parts := strings.Fields(line)
	if len(parts) == 0 {
		return false
	}
	verb := strings.ToUpper(parts[0])
	args := parts[1:]

	switch verb {
	case "LOGIN", "REGISTER", "HELP", "QUIT":
	default:
		if !c.authenticated() {
			c.write("SERVER_ERROR UNAUTHORIZED Please LOGIN or REGISTER first to use command: %s", verb)
			return false
		}
	}

	switch verb {
	case "LOGIN":
		s.login(ctx, c, args)
	case "REGISTER":
		if len(args) < 2 {
			c.write("SERVER_ERROR REGISTER_FAILED Invalid arguments. Usage: REGISTER <username> <password>")
			return false
		}
		c.write("SERVER_ERROR REGISTER_FAILED Registration via game server is not supported.")
	case "MOVE":
		s.move(ctx, c, args)
	case "SHOOT":
		if err := s.svc.SubmitShoot(ctx, c.playerID); err != nil {
			c.write("SERVER_ERROR SHOOT_FAILED %s", errorText(err))
			return false
		}
		c.write("SERVER_ACK SHOOT_COMMAND_SENT")
	case "SAY":
		if len(args) == 0 {
			c.write("SERVER_ERROR SAY_FAILED Message missing. Usage: SAY <message ...>")
			return false
		}
		c.write("SERVER: You said: %s", strings.Join(args, " "))
	case "PLAYERS":
		s.players(ctx, c)
	case "HELP":
		s.help(c)
	case "QUIT":
		c.write("SERVER_RESPONSE GOODBYE Closing connection.")
		return true
	default:
		c.write("SERVER_ERROR UNKNOWN_COMMAND %s", verb)
	}
	return false
}

func (s *Server) login(ctx context.Context, c *client, args []string) {
	if len(args) < 2 {
		c.write("SERVER_ERROR LOGIN_FAILED Invalid arguments. Usage: LOGIN <username> <password>")
		return
	}
	if c.authenticated() {
		c.write("SERVER_ERROR LOGIN_FAILED Already logged in as %s", c.playerID)
		return
	}
	username, password := args[0], args[1]

	result, err := s.svc.Login(ctx, username, password, c.conn.RemoteAddr().String(), session.TransportTCP)
	if err != nil {
		switch {
		case errors.Is(err, auth.ErrInvalidCredentials):
			c.write("SERVER_ERROR LOGIN_FAILED Invalid credentials for username: %s", username)
		case errors.Is(err, auth.ErrOracleUnavailable):
			c.write("SERVER_ERROR LOGIN_FAILED Authentication service unavailable.")
		case errors.Is(err, pool.ErrResourceExhausted):
			c.write("SERVER_ERROR LOGIN_FAILED No tanks available.")
		case errors.Is(err, session.ErrAlreadyInSession):
			c.write("SERVER_ERROR LOGIN_FAILED Already in session %s", result.SessionID)
		default:
			s.logger.Warn("Login failed", "username", username, "error", err)
			c.write("SERVER_ERROR LOGIN_FAILED Server error.")
		}
		return
	}
	c.playerID = result.PlayerID
	c.write("SERVER_RESPONSE LOGIN_SUCCESS Welcome %s. Token: %s", result.PlayerID, result.Token)
	c.write("SERVER: Player %s joined game session %s with tank %s.", result.PlayerID, result.SessionID, result.TankID)
	if state, err := json.Marshal(result.Tank); err == nil {
		c.write("SERVER: Tank state: %s", state)
	}
	s.logger.Info("Player logged in", "player_id", result.PlayerID, "session_id", result.SessionID)
}

func (s *Server) move(ctx context.Context, c *client, args []string) {
	if len(args) < 2 {
		c.write("SERVER_ERROR MOVE_FAILED Invalid arguments. Usage: MOVE <X> <Y>")
		return
	}
	x, errX := strconv.Atoi(args[0])
	y, errY := strconv.Atoi(args[1])
	if errX != nil || errY != nil {
		c.write("SERVER_ERROR MOVE_FAILED Invalid coordinates (not integers).")
		return
	}
	if err := s.svc.SubmitMove(ctx, c.playerID, tank.Position{X: x, Y: y}); err != nil {
		c.write("SERVER_ERROR MOVE_FAILED %s", errorText(err))
		return
	}
	c.write("SERVER_ACK MOVE_COMMAND_SENT")
}

func (s *Server) players(ctx context.Context, c *client) {
	players, err := s.svc.SessionPlayers(ctx, c.playerID)
	if err != nil {
		c.write("SERVER_INFO You are not currently in a game session.")
		return
	}
	var b strings.Builder
	b.WriteString("SERVER: Players in your session:")
	for _, p := range players {
		b.WriteString("\n  - ")
		b.WriteString(p.ID)
		if p.ID == c.playerID {
			b.WriteString(" (You)")
		}
	}
	c.write("%s", b.String())
}

func (s *Server) help(c *client) {
	lines := []string{
		"SERVER: Available commands:",
		"  LOGIN <username> <password>",
		"  REGISTER <username> <password> (not supported)",
	}
	if c.authenticated() {
		lines = append(lines, "  MOVE <x> <y>", "  SHOOT", "  SAY <message ...>", "  PLAYERS")
	}
	lines = append(lines, "  HELP", "  QUIT")
	c.write("%s", strings.Join(lines, "\n"))
}

func errorText(err error) string {
	switch {
	case errors.Is(err, service.ErrNotInSession):
		return "Player not in a game session."
	case errors.Is(err, service.ErrCommandDropped):
		return "Command queue unavailable."
	default:
		return "Server error."
	}
}
