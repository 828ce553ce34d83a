package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strconv"
	"time"

	"github.com/charmbracelet/log"
	"github.com/gorilla/mux"

	"github.com/wricardo/mcp-training/tankarena/game/service"
	"github.com/wricardo/mcp-training/tankarena/game/session"
	"github.com/wricardo/mcp-training/tankarena/transport/websocket"
)

const defaultEventLimit = 50

// Server represents the admin REST API server
type Server struct {
	service service.GameService
	hub     *websocket.Hub
	router  *mux.Router
	logger  *log.Logger
}

// NewServer creates a new API server. hub may be nil, in which case /ws is
// not served.
func NewServer(gameService service.GameService, hub *websocket.Hub, logger *log.Logger) *Server {
	if logger == nil {
		logger = log.Default()
	}
	s := &Server{
		service: gameService,
		hub:     hub,
		router:  mux.NewRouter(),
		logger:  logger.With("component", "api"),
	}

	s.setupRoutes()
	return s
}

// setupRoutes configures all API routes
func (s *Server) setupRoutes() {
	s.router.Use(s.logRequests)

	api := s.router.PathPrefix("/api").Subrouter()

	// Sessions
	api.HandleFunc("/sessions", s.handleListSessions).Methods("GET")
	api.HandleFunc("/sessions/{id}", s.handleGetSession).Methods("GET")
	api.HandleFunc("/sessions/{id}", s.handleDeleteSession).Methods("DELETE")
	api.HandleFunc("/snapshots", s.handleSnapshots).Methods("GET")

	// Players
	api.HandleFunc("/players/{id}", s.handleGetPlayer).Methods("GET")
	api.HandleFunc("/players/{id}", s.handleKickPlayer).Methods("DELETE")
	api.HandleFunc("/players/{id}/damage", s.handleDamage).Methods("POST")

	// Status
	api.HandleFunc("/pool", s.handlePool).Methods("GET")
	api.HandleFunc("/events", s.handleEvents).Methods("GET")
	api.HandleFunc("/health", s.handleHealth).Methods("GET")

	if s.hub != nil {
		s.router.HandleFunc("/ws", s.handleWebSocket)
	}
}

// ServeHTTP implements http.Handler
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.logger.Debug("HTTP request", "method", r.Method, "path", r.URL.Path, "took", time.Since(start))
	})
}

// Response helpers
func respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]any{"error": message, "code": status})
}

// statusFor maps domain errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, session.ErrSessionNotFound),
		errors.Is(err, session.ErrPlayerNotFound),
		errors.Is(err, session.ErrTankNotFound),
		errors.Is(err, service.ErrNotInSession):
		return http.StatusNotFound
	case errors.Is(err, service.ErrInvalidPlayerID):
		return http.StatusBadRequest
	case errors.Is(err, service.ErrNoJournal):
		return http.StatusNotImplemented
	case errors.Is(err, session.ErrClosed):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// Session Handlers

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	sessions, err := s.service.ListSessions(r.Context())
	if err != nil {
		respondError(w, statusFor(err), err.Error())
		return
	}

	query := r.URL.Query()
	order := query.Get("order") // "asc", "desc" (default: "desc")
	if order == "" {
		order = "desc"
	}

	sort.Slice(sessions, func(i, j int) bool {
		ti, tj := sessions[i].CreatedAt, sessions[j].CreatedAt
		if order == "asc" {
			return ti.Before(tj)
		}
		return ti.After(tj)
	})

	total := len(sessions)
	if limitStr := query.Get("limit"); limitStr != "" {
		if l, err := strconv.Atoi(limitStr); err == nil && l > 0 && l < len(sessions) {
			sessions = sessions[:l]
		}
	}

	respondJSON(w, http.StatusOK, map[string]any{
		"count":    len(sessions),
		"total":    total,
		"sessions": sessions,
		"order":    order,
	})
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	sessionID := mux.Vars(r)["id"]

	detail, err := s.service.GetSession(r.Context(), sessionID)
	if err != nil {
		respondError(w, statusFor(err), err.Error())
		return
	}

	respondJSON(w, http.StatusOK, detail)
}

func (s *Server) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	sessionID := mux.Vars(r)["id"]

	if err := s.service.CloseSession(r.Context(), sessionID); err != nil {
		respondError(w, statusFor(err), err.Error())
		return
	}
	s.logger.Info("Session closed by admin", "session_id", sessionID)

	respondJSON(w, http.StatusOK, map[string]string{
		"message": fmt.Sprintf("Session %s closed", sessionID),
	})
}

func (s *Server) handleSnapshots(w http.ResponseWriter, r *http.Request) {
	snapshots := s.service.Snapshots(r.Context())
	respondJSON(w, http.StatusOK, map[string]any{
		"count":     len(snapshots),
		"snapshots": snapshots,
	})
}

// Player Handlers

func (s *Server) handleGetPlayer(w http.ResponseWriter, r *http.Request) {
	playerID := mux.Vars(r)["id"]

	players, err := s.service.SessionPlayers(r.Context(), playerID)
	if err != nil {
		respondError(w, statusFor(err), err.Error())
		return
	}
	for _, p := range players {
		if p.ID == playerID {
			respondJSON(w, http.StatusOK, map[string]any{
				"player":    p,
				"teammates": players,
			})
			return
		}
	}
	respondError(w, http.StatusNotFound, session.ErrPlayerNotFound.Error())
}

func (s *Server) handleKickPlayer(w http.ResponseWriter, r *http.Request) {
	playerID := mux.Vars(r)["id"]

	if err := s.service.KickPlayer(r.Context(), playerID); err != nil {
		respondError(w, statusFor(err), err.Error())
		return
	}
	s.logger.Info("Player kicked by admin", "player_id", playerID)

	respondJSON(w, http.StatusOK, map[string]string{
		"message": fmt.Sprintf("Player %s removed", playerID),
	})
}

func (s *Server) handleDamage(w http.ResponseWriter, r *http.Request) {
	playerID := mux.Vars(r)["id"]

	var req struct {
		Amount *int `json:"amount"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Amount == nil {
		respondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if *req.Amount < 0 {
		respondError(w, http.StatusBadRequest, "amount must be non-negative")
		return
	}

	state, err := s.service.DamageTank(r.Context(), playerID, *req.Amount)
	if err != nil {
		respondError(w, statusFor(err), err.Error())
		return
	}

	respondJSON(w, http.StatusOK, state)
}

// Status Handlers

func (s *Server) handlePool(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, s.service.PoolStats(r.Context()))
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	limit := defaultEventLimit
	if limitStr := query.Get("limit"); limitStr != "" {
		l, err := strconv.Atoi(limitStr)
		if err != nil || l <= 0 {
			respondError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = l
	}

	events, err := s.service.RecentEvents(r.Context(), query.Get("topic"), limit)
	if err != nil {
		respondError(w, statusFor(err), err.Error())
		return
	}

	respondJSON(w, http.StatusOK, map[string]any{
		"count":  len(events),
		"events": events,
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, s.service.Health(r.Context()))
}

// handleWebSocket subscribes a spectator to one session, or to all of them
// when no session_id is given.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	sessionID := r.URL.Query().Get("session_id")
	if sessionID == "" {
		sessionID = websocket.AllSessions
	}

	if sessionID != websocket.AllSessions {
		if _, err := s.service.GetSession(r.Context(), sessionID); err != nil {
			http.Error(w, "Invalid session", http.StatusNotFound)
			return
		}
	}

	s.hub.ServeWS(w, r, sessionID)
}
