package gateway

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/rs/zerolog/log"

	"github.com/mcdev12/punchclock/go/internal/presence/auth"
)

// WebSocketHandler authenticates and upgrades presence connections.
type WebSocketHandler struct {
	authenticator     auth.Authenticator
	connectionManager *ConnectionManager
	registry          *Registry
	store             *Store
	broadcaster       *Broadcaster
}

// NewWebSocketHandler creates the handler for the timer WebSocket and stats
// routes.
func NewWebSocketHandler(authenticator auth.Authenticator, cm *ConnectionManager, registry *Registry, store *Store, broadcaster *Broadcaster) *WebSocketHandler {
	return &WebSocketHandler{
		authenticator:     authenticator,
		connectionManager: cm,
		registry:          registry,
		store:             store,
		broadcaster:       broadcaster,
	}
}

// HandleTimerConnection handles GET /ws/timers?token=...&team_id=...
// Credentials are checked before the upgrade so a rejected client sees a
// plain 401.
func (h *WebSocketHandler) HandleTimerConnection(w http.ResponseWriter, r *http.Request) {
	identity, err := h.authenticator.Authenticate(r.Context(), auth.CredentialFromRequest(r))
	if err != nil {
		if !errors.Is(err, auth.ErrUnauthorized) {
			log.Error().Err(err).Msg("failed to authenticate WebSocket request")
		}
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	var teamFilter int64
	if team, ok, err := teamFromQuery(r); err != nil {
		http.Error(w, "invalid team_id", http.StatusBadRequest)
		return
	} else if ok {
		teamFilter = team
	}

	// The upgrader has already written an HTTP error on failure.
	if _, err := h.connectionManager.UpgradeConnection(w, r, identity, teamFilter); err != nil {
		log.Error().
			Err(err).
			Int64("tenant_id", identity.TenantID).
			Int64("user_id", identity.UserID).
			Msg("failed to upgrade WebSocket connection")
	}
}

// HandleConnectionStats returns statistics about active connections
func (h *WebSocketHandler) HandleConnectionStats(w http.ResponseWriter, r *http.Request) {
	stats := struct {
		RegistryStats
		ActiveTimers  map[int64]int `json:"active_timers"`
		RelayedEvents int64         `json:"relayed_events"`
	}{
		RegistryStats: h.registry.Stats(),
		ActiveTimers:  h.store.Counts(),
		RelayedEvents: h.broadcaster.RelayedEvents(),
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(stats); err != nil {
		log.Error().Err(err).Msg("failed to encode connection stats")
	}
}

// RegisterRoutes registers WebSocket routes with an HTTP mux
func (h *WebSocketHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /ws/timers", h.HandleTimerConnection)
	mux.HandleFunc("GET /ws/stats", h.HandleConnectionStats)
}

// teamFromQuery parses the optional team_id query parameter.
func teamFromQuery(r *http.Request) (int64, bool, error) {
	raw := r.URL.Query().Get("team_id")
	if raw == "" {
		return 0, false, nil
	}
	team, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || team <= 0 {
		return 0, false, errors.New("invalid team_id")
	}
	return team, true, nil
}
