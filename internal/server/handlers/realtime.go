package handlers

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/agentstation/ordersync/internal/server/response"
	"github.com/agentstation/ordersync/internal/server/sse"
	"github.com/agentstation/ordersync/pkg/protocol"
)

// HandleWebSocket handles GET /api/v1/restaurants/{restaurant}/rooms/{role}/ws.
// Unknown restaurants and roles are rejected before the upgrade.
func (h *Handlers) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	key, ok := h.roomKey(w, r)
	if !ok {
		return
	}
	after, ok := afterParam(w, r)
	if !ok {
		return
	}
	h.wsHub.Serve(w, r, key, after)
}

// HandleSSE handles GET /api/v1/restaurants/{restaurant}/rooms/{role}/stream.
// A Last-Event-ID header takes precedence over the after query parameter.
func (h *Handlers) HandleSSE(w http.ResponseWriter, r *http.Request) {
	key, ok := h.roomKey(w, r)
	if !ok {
		return
	}
	after, ok := afterParam(w, r)
	if !ok {
		return
	}
	if id := sse.LastEventID(r); id > 0 {
		after = id
	}
	h.sseBroadcaster.Serve(w, r, key, after)
}

func (h *Handlers) roomKey(w http.ResponseWriter, r *http.Request) (protocol.RoomKey, bool) {
	role, err := protocol.ParseRole(chi.URLParam(r, "role"))
	if err != nil {
		response.BadRequest(w, "Invalid role", err.Error())
		return protocol.RoomKey{}, false
	}
	restaurantID, err := h.directory.Resolve(r.Context(), chi.URLParam(r, "restaurant"))
	if err != nil {
		response.ErrorFromType(w, err)
		return protocol.RoomKey{}, false
	}
	return protocol.RoomKey{RestaurantID: restaurantID, Role: role}, true
}

func afterParam(w http.ResponseWriter, r *http.Request) (uint64, bool) {
	raw := r.URL.Query().Get("after")
	if raw == "" {
		return 0, true
	}
	after, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		response.BadRequest(w, "Invalid after parameter", "after must be a non-negative sequence number")
		return 0, false
	}
	return after, true
}
