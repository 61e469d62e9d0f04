package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/mcdev12/slowpoke/go/internal/game"
	"github.com/rs/zerolog/log"
)

const statsTimeout = 2 * time.Second

// StatsProvider answers with a snapshot of the game state
type StatsProvider interface {
	Stats(ctx context.Context) (game.Stats, error)
}

// StatsFunc adapts a function to StatsProvider
type StatsFunc func(ctx context.Context) (game.Stats, error)

func (f StatsFunc) Stats(ctx context.Context) (game.Stats, error) {
	return f(ctx)
}

// StatsResponse is the body of GET /stats
type StatsResponse struct {
	game.Stats
	Spectators int `json:"spectators"`
}

// WebSocketHandler serves the spectator feed and the stats endpoint
type WebSocketHandler struct {
	connectionManager *ConnectionManager
	stats             StatsProvider
}

// NewWebSocketHandler creates a new WebSocket handler
func NewWebSocketHandler(cm *ConnectionManager, stats StatsProvider) *WebSocketHandler {
	return &WebSocketHandler{
		connectionManager: cm,
		stats:             stats,
	}
}

// HandleScores upgrades the request to a spectator feed of game events
func (h *WebSocketHandler) HandleScores(w http.ResponseWriter, r *http.Request) {
	if err := h.connectionManager.UpgradeConnection(w, r); err != nil {
		// The upgrader has already written an HTTP error response.
		log.Error().Err(err).Str("remote_addr", r.RemoteAddr).Msg("failed to upgrade WebSocket connection")
	}
}

// HandleStats returns the current game statistics
func (h *WebSocketHandler) HandleStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), statsTimeout)
	defer cancel()

	stats, err := h.stats.Stats(ctx)
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, game.ErrReactorStopped) {
			status = http.StatusServiceUnavailable
		}
		log.Error().Err(err).Msg("failed to get game stats")
		http.Error(w, "stats unavailable", status)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(StatsResponse{
		Stats:      stats,
		Spectators: h.connectionManager.Count(),
	}); err != nil {
		log.Error().Err(err).Msg("failed to encode stats response")
	}
}

// HandleHealth reports liveness
func (h *WebSocketHandler) HandleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write([]byte("OK")); err != nil {
		log.Error().Err(err).Msg("failed to write health check response")
	}
}

// RegisterRoutes registers the gateway routes with an HTTP mux
func (h *WebSocketHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/ws/scores", h.HandleScores)
	mux.HandleFunc("/stats", h.HandleStats)
	mux.HandleFunc("/health", h.HandleHealth)
}
