package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/agentstation/ordersync/internal/server/response"
	"github.com/agentstation/ordersync/pkg/envelope"
	"github.com/agentstation/ordersync/pkg/logging"
)

const maxEnvelopeBytes = 1 << 20

// PublishResponse is the body of an accepted publish.
type PublishResponse struct {
	Envelope  envelope.Envelope `json:"envelope"`
	Delivered int               `json:"delivered"`
	Dropped   int               `json:"dropped"`
	Duplicate bool              `json:"duplicate,omitempty"`
}

// HandlePublish handles POST /api/v1/restaurants/{restaurant}/events.
// The body is an unstamped envelope; the response carries it stamped.
func (h *Handlers) HandlePublish(w http.ResponseWriter, r *http.Request) {
	restaurantID, err := h.directory.Resolve(r.Context(), chi.URLParam(r, "restaurant"))
	if err != nil {
		response.ErrorFromType(w, err)
		return
	}

	var env envelope.Envelope
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxEnvelopeBytes))
	if err := dec.Decode(&env); err != nil {
		response.BadRequest(w, "Invalid envelope", err.Error())
		return
	}
	if env.Sequence != 0 {
		response.BadRequest(w, "Sequence is assigned by the server", "omit the sequence field")
		return
	}
	if !env.Known() {
		response.BadRequest(w, "Unknown envelope kind", string(env.Kind))
		return
	}

	if env.RestaurantID == "" {
		env.RestaurantID = restaurantID
	}
	if env.Order != nil && env.Order.RestaurantID == "" {
		env.Order.RestaurantID = env.RestaurantID
	}
	if env.RestaurantID != restaurantID {
		response.Conflict(w, "Envelope addressed to another restaurant", env.RestaurantID)
		return
	}
	if err := env.Validate(); err != nil {
		response.ErrorFromType(w, err)
		return
	}

	stamped, result, err := h.publisher.Publish(r.Context(), restaurantID, env)
	if err != nil {
		logging.FromContext(r.Context()).Error().Err(err).
			Str("restaurant_id", restaurantID).
			Msg("Publish failed")
		response.ErrorFromType(w, err)
		return
	}

	response.Accepted(w, PublishResponse{
		Envelope:  stamped,
		Delivered: result.Delivered,
		Dropped:   result.Dropped,
		Duplicate: result.Duplicate,
	})
}
