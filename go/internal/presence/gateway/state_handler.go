package gateway

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/rs/zerolog/log"

	"github.com/mcdev12/punchclock/go/internal/presence"
	"github.com/mcdev12/punchclock/go/internal/presence/auth"
)

// ActiveTimersResponse is the REST form of active_timers.
type ActiveTimersResponse struct {
	Timers []presence.ActiveTimerRecord `json:"timers"`
}

type OnlineUsersResponse struct {
	Users []int64 `json:"users"`
}

// StateHandler serves the presence snapshot over plain HTTP for clients that
// can't hold a WebSocket open.
type StateHandler struct {
	authenticator auth.Authenticator
	store         *Store
	registry      *Registry
}

// NewStateHandler creates the REST snapshot handler.
func NewStateHandler(authenticator auth.Authenticator, store *Store, registry *Registry) *StateHandler {
	return &StateHandler{authenticator: authenticator, store: store, registry: registry}
}

// HandleGetActiveTimers handles GET /api/timers/active?team_id=
func (h *StateHandler) HandleGetActiveTimers(w http.ResponseWriter, r *http.Request) {
	identity, team, ok := h.authorize(w, r)
	if !ok {
		return
	}
	writeJSON(w, ActiveTimersResponse{Timers: h.store.Snapshot(identity.TenantID, team)})
}

// HandleGetOnlineUsers handles GET /api/users/online?team_id=
func (h *StateHandler) HandleGetOnlineUsers(w http.ResponseWriter, r *http.Request) {
	identity, team, ok := h.authorize(w, r)
	if !ok {
		return
	}
	writeJSON(w, OnlineUsersResponse{Users: h.registry.OnlineUsers(identity.TenantID, team)})
}

func (h *StateHandler) authorize(w http.ResponseWriter, r *http.Request) (presence.Identity, *int64, bool) {
	identity, err := h.authenticator.Authenticate(r.Context(), auth.CredentialFromRequest(r))
	if err != nil {
		if !errors.Is(err, auth.ErrUnauthorized) {
			log.Error().Err(err).Msg("failed to authenticate state request")
		}
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return presence.Identity{}, nil, false
	}

	team, ok, err := teamFromQuery(r)
	if err != nil {
		http.Error(w, "invalid team_id", http.StatusBadRequest)
		return presence.Identity{}, nil, false
	}
	if !ok {
		return identity, nil, true
	}
	return identity, &team, true
}

// RegisterStateRoutes registers state-related HTTP routes
func (h *StateHandler) RegisterStateRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/timers/active", h.HandleGetActiveTimers)
	mux.HandleFunc("GET /api/users/online", h.HandleGetOnlineUsers)
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Msg("failed to encode response")
	}
}
