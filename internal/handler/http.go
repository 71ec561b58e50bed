package handler

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/blitzboard/blitzboard/internal/config"
	"github.com/blitzboard/blitzboard/internal/domain"
	"github.com/blitzboard/blitzboard/internal/service"
	"github.com/blitzboard/blitzboard/internal/websocket"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/time/rate"
)

// maxBodyBytes bounds request bodies
const maxBodyBytes = 1 << 20

// ReadinessCheck reports whether a dependency can serve traffic
type ReadinessCheck func(ctx context.Context) error

// Handler provides HTTP handlers for the leaderboard API
type Handler struct {
	service  *service.LeaderboardService
	hub      *websocket.Hub
	registry *prometheus.Registry
	limiter  *IPRateLimiter
	logger   *slog.Logger

	checksMu sync.RWMutex
	checks   map[string]ReadinessCheck
}

// NewHandler creates a new HTTP handler. registry may be nil, in which case
// /metrics is not served.
func NewHandler(
	service *service.LeaderboardService,
	hub *websocket.Hub,
	registry *prometheus.Registry,
	cfg *config.ServerConfig,
	logger *slog.Logger,
) *Handler {
	h := &Handler{
		service:  service,
		hub:      hub,
		registry: registry,
		logger:   logger,
		checks:   make(map[string]ReadinessCheck),
	}
	if cfg != nil && cfg.RateLimit.RequestsPerSecond > 0 {
		h.limiter = NewIPRateLimiter(rate.Limit(cfg.RateLimit.RequestsPerSecond), cfg.RateLimit.Burst)
	}
	return h
}

// AddReadinessCheck registers a dependency probed by /ready
func (h *Handler) AddReadinessCheck(name string, check ReadinessCheck) {
	h.checksMu.Lock()
	defer h.checksMu.Unlock()
	h.checks[name] = check
}

// APIResponse represents a standard API response
type APIResponse struct {
	Success bool   `json:"success"`
	Data    any    `json:"data,omitempty"`
	Error   string `json:"error,omitempty"`
}

// Router creates and configures the HTTP router
func (h *Handler) Router() http.Handler {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Compress(5))
	r.Use(corsMiddleware)

	// Health check
	r.Get("/health", h.HealthCheck)
	r.Get("/ready", h.ReadyCheck)
	if h.registry != nil {
		r.Handle("/metrics", promhttp.HandlerFor(h.registry, promhttp.HandlerOpts{}))
	}

	// WebSocket endpoint
	r.Get("/ws", h.HandleWebSocket)

	// API v1 routes
	r.Route("/api/v1", func(r chi.Router) {
		if h.limiter != nil {
			r.Use(h.rateLimit(h.limiter))
		}

		r.Route("/players", func(r chi.Router) {
			r.Post("/", h.CreatePlayer)
			r.Get("/", h.ListPlayers)

			r.Route("/{playerID}", func(r chi.Router) {
				r.Get("/", h.GetPlayer)
				r.Patch("/", h.RenamePlayer)
				r.Delete("/", h.DeletePlayer)
				r.Get("/scores", h.GetPlayerScores)
				r.Delete("/scores", h.DeletePlayerScores)
				r.Get("/games", h.GetPlayerGames)
			})
		})

		r.Route("/games", func(r chi.Router) {
			r.Post("/", h.CreateGame)
			r.Get("/", h.ListGames)

			r.Route("/{gameID}", func(r chi.Router) {
				r.Get("/", h.GetGame)
				r.Patch("/", h.UpdateGame)
				r.Delete("/", h.DeleteGame)

				r.Get("/scores", h.GetLeaderboard)
				r.Delete("/scores", h.DeleteGameScores)
				r.Post("/scores/{playerID}", h.SubmitScore)
				r.Get("/scores/{playerID}", h.GetScore)
				r.Delete("/scores/{playerID}", h.DeleteScore)
			})
		})

		// WebSocket info endpoint
		r.Get("/ws/stats", h.GetWebSocketStats)
	})

	return r
}

// corsMiddleware adds CORS headers
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PATCH, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Accept, Authorization, Content-Type, X-Request-ID")

		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// writeJSON writes a JSON response
func (h *Handler) writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.logger.Error("failed to encode response", "error", err)
	}
}

// writeSuccess writes a successful JSON response
func (h *Handler) writeSuccess(w http.ResponseWriter, data any) {
	h.writeJSON(w, http.StatusOK, APIResponse{
		Success: true,
		Data:    data,
	})
}

// writeCreated writes a 201 JSON response
func (h *Handler) writeCreated(w http.ResponseWriter, data any) {
	h.writeJSON(w, http.StatusCreated, APIResponse{
		Success: true,
		Data:    data,
	})
}

// writeError writes an error JSON response
func (h *Handler) writeError(w http.ResponseWriter, status int, err error) {
	h.writeJSON(w, status, APIResponse{
		Success: false,
		Error:   err.Error(),
	})
}

// writeServiceError maps a service error to its HTTP status. Unexpected
// errors are logged and hidden behind a generic message.
func (h *Handler) writeServiceError(w http.ResponseWriter, r *http.Request, err error, action string) {
	switch {
	case domain.IsValidationError(err):
		h.writeError(w, http.StatusBadRequest, err)
	case domain.IsNotFoundError(err):
		h.writeError(w, http.StatusNotFound, err)
	case domain.IsConflictError(err):
		h.writeError(w, http.StatusConflict, err)
	case errors.Is(err, domain.ErrRateLimited):
		h.writeError(w, http.StatusTooManyRequests, err)
	default:
		h.logger.Error("failed to "+action,
			"request_id", middleware.GetReqID(r.Context()),
			"error", err,
		)
		h.writeError(w, http.StatusInternalServerError, domain.ErrInternalError)
	}
}

// decodeBody decodes a JSON request body into dst
func decodeBody(w http.ResponseWriter, r *http.Request, dst any) error {
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(dst); err != nil {
		return domain.ErrInvalidRequest
	}
	return nil
}

// HandleWebSocket handles WebSocket upgrade requests
func (h *Handler) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	websocket.ServeWs(h.hub, h.service, h.logger, w, r)
}

// GetWebSocketStats returns WebSocket connection statistics
func (h *Handler) GetWebSocketStats(w http.ResponseWriter, r *http.Request) {
	h.writeSuccess(w, map[string]any{
		"total_connections": h.hub.GetTotalConnections(),
		"subscriptions":     h.hub.GetSubscriptions(),
	})
}

// HealthCheck returns service health status
func (h *Handler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	h.writeSuccess(w, map[string]string{"status": "healthy"})
}

// ReadyCheck probes every registered dependency
func (h *Handler) ReadyCheck(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	h.checksMu.RLock()
	defer h.checksMu.RUnlock()

	failed := make(map[string]string)
	for name, check := range h.checks {
		if err := check(ctx); err != nil {
			failed[name] = err.Error()
		}
	}
	if len(failed) > 0 {
		h.writeJSON(w, http.StatusServiceUnavailable, APIResponse{
			Success: false,
			Data:    failed,
			Error:   "not ready",
		})
		return
	}

	h.writeSuccess(w, map[string]string{"status": "ready"})
}

// CreatePlayer handles player creation
func (h *Handler) CreatePlayer(w http.ResponseWriter, r *http.Request) {
	var req domain.CreatePlayerRequest
	if err := decodeBody(w, r, &req); err != nil {
		h.writeError(w, http.StatusBadRequest, err)
		return
	}

	player, err := h.service.CreatePlayer(r.Context(), req)
	if err != nil {
		h.writeServiceError(w, r, err, "create player")
		return
	}

	h.writeCreated(w, player)
}

// ListPlayers returns all players
func (h *Handler) ListPlayers(w http.ResponseWriter, r *http.Request) {
	players, err := h.service.ListPlayers(r.Context())
	if err != nil {
		h.writeServiceError(w, r, err, "list players")
		return
	}
	if players == nil {
		players = []domain.Player{}
	}

	h.writeSuccess(w, players)
}

// GetPlayer returns a player by ID
func (h *Handler) GetPlayer(w http.ResponseWriter, r *http.Request) {
	player, err := h.service.GetPlayer(r.Context(), chi.URLParam(r, "playerID"))
	if err != nil {
		h.writeServiceError(w, r, err, "get player")
		return
	}

	h.writeSuccess(w, player)
}

// RenamePlayer changes a player's name
func (h *Handler) RenamePlayer(w http.ResponseWriter, r *http.Request) {
	var req domain.RenamePlayerRequest
	if err := decodeBody(w, r, &req); err != nil {
		h.writeError(w, http.StatusBadRequest, err)
		return
	}

	player, err := h.service.RenamePlayer(r.Context(), chi.URLParam(r, "playerID"), req)
	if err != nil {
		h.writeServiceError(w, r, err, "rename player")
		return
	}

	h.writeSuccess(w, player)
}

// DeletePlayer deletes a player with all its scores
func (h *Handler) DeletePlayer(w http.ResponseWriter, r *http.Request) {
	if err := h.service.DeletePlayer(r.Context(), chi.URLParam(r, "playerID")); err != nil {
		h.writeServiceError(w, r, err, "delete player")
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// GetPlayerScores returns a player's scores across games
func (h *Handler) GetPlayerScores(w http.ResponseWriter, r *http.Request) {
	scores, err := h.service.GetPlayerScores(r.Context(), chi.URLParam(r, "playerID"))
	if err != nil {
		h.writeServiceError(w, r, err, "get player scores")
		return
	}

	h.writeSuccess(w, scores)
}

// DeletePlayerScores removes a player's scores in every game
func (h *Handler) DeletePlayerScores(w http.ResponseWriter, r *http.Request) {
	if _, err := h.service.DeleteAllScoresForPlayer(r.Context(), chi.URLParam(r, "playerID")); err != nil {
		h.writeServiceError(w, r, err, "delete player scores")
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// GetPlayerGames returns the games a player has scored in
func (h *Handler) GetPlayerGames(w http.ResponseWriter, r *http.Request) {
	games, err := h.service.GetPlayerGames(r.Context(), chi.URLParam(r, "playerID"))
	if err != nil {
		h.writeServiceError(w, r, err, "get player games")
		return
	}

	h.writeSuccess(w, games)
}

// CreateGame handles game creation
func (h *Handler) CreateGame(w http.ResponseWriter, r *http.Request) {
	var req domain.CreateGameRequest
	if err := decodeBody(w, r, &req); err != nil {
		h.writeError(w, http.StatusBadRequest, err)
		return
	}

	game, err := h.service.CreateGame(r.Context(), req)
	if err != nil {
		h.writeServiceError(w, r, err, "create game")
		return
	}

	h.writeCreated(w, game)
}

// ListGames returns all games
func (h *Handler) ListGames(w http.ResponseWriter, r *http.Request) {
	games, err := h.service.ListGames(r.Context())
	if err != nil {
		h.writeServiceError(w, r, err, "list games")
		return
	}
	if games == nil {
		games = []domain.Game{}
	}

	h.writeSuccess(w, games)
}

// GetGame returns a game by ID
func (h *Handler) GetGame(w http.ResponseWriter, r *http.Request) {
	game, err := h.service.GetGame(r.Context(), chi.URLParam(r, "gameID"))
	if err != nil {
		h.writeServiceError(w, r, err, "get game")
		return
	}

	h.writeSuccess(w, game)
}

// UpdateGame replaces a game's template
func (h *Handler) UpdateGame(w http.ResponseWriter, r *http.Request) {
	var req domain.UpdateGameRequest
	if err := decodeBody(w, r, &req); err != nil {
		h.writeError(w, http.StatusBadRequest, err)
		return
	}

	game, err := h.service.UpdateGame(r.Context(), chi.URLParam(r, "gameID"), req)
	if err != nil {
		h.writeServiceError(w, r, err, "update game")
		return
	}

	h.writeSuccess(w, game)
}

// DeleteGame deletes a game with all its scores
func (h *Handler) DeleteGame(w http.ResponseWriter, r *http.Request) {
	if err := h.service.DeleteGame(r.Context(), chi.URLParam(r, "gameID")); err != nil {
		h.writeServiceError(w, r, err, "delete game")
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// GetLeaderboard returns the ranked leaderboard of a game. An optional
// limit query parameter returns only the top entries.
func (h *Handler) GetLeaderboard(w http.ResponseWriter, r *http.Request) {
	gameID := chi.URLParam(r, "gameID")

	var (
		entries []domain.LeaderboardEntry
		err     error
	)
	if limitStr := r.URL.Query().Get("limit"); limitStr != "" {
		limit, convErr := strconv.Atoi(limitStr)
		if convErr != nil || limit <= 0 {
			h.writeError(w, http.StatusBadRequest, domain.ErrInvalidRequest)
			return
		}
		entries, err = h.service.GetTopN(r.Context(), gameID, limit)
	} else {
		entries, err = h.service.GetLeaderboard(r.Context(), gameID)
	}
	if err != nil {
		h.writeServiceError(w, r, err, "get leaderboard")
		return
	}

	h.writeSuccess(w, entries)
}

// DeleteGameScores clears a game's leaderboard
func (h *Handler) DeleteGameScores(w http.ResponseWriter, r *http.Request) {
	if _, err := h.service.DeleteAllScoresForGame(r.Context(), chi.URLParam(r, "gameID")); err != nil {
		h.writeServiceError(w, r, err, "delete game scores")
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// SubmitScore handles score submission. The body is the attribute object.
func (h *Handler) SubmitScore(w http.ResponseWriter, r *http.Request) {
	raw, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		h.writeError(w, http.StatusBadRequest, domain.ErrInvalidRequest)
		return
	}

	result, err := h.service.SubmitScore(r.Context(), chi.URLParam(r, "gameID"), chi.URLParam(r, "playerID"), raw)
	if err != nil {
		h.writeServiceError(w, r, err, "submit score")
		return
	}

	if result.Status == domain.SubmitCreated {
		h.writeCreated(w, result)
		return
	}
	h.writeSuccess(w, result)
}

// GetScore returns a player's score and rank in a game
func (h *Handler) GetScore(w http.ResponseWriter, r *http.Request) {
	entry, err := h.service.GetScore(r.Context(), chi.URLParam(r, "gameID"), chi.URLParam(r, "playerID"))
	if err != nil {
		h.writeServiceError(w, r, err, "get score")
		return
	}

	h.writeSuccess(w, entry)
}

// DeleteScore removes a player's score in a game
func (h *Handler) DeleteScore(w http.ResponseWriter, r *http.Request) {
	if err := h.service.DeleteScore(r.Context(), chi.URLParam(r, "gameID"), chi.URLParam(r, "playerID")); err != nil {
		h.writeServiceError(w, r, err, "delete score")
		return
	}

	w.WriteHeader(http.StatusNoContent)
}
