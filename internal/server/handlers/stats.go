package handlers

import (
	"fmt"
	"net/http"
	"runtime"
	"time"

	"github.com/agentstation/ordersync/internal/server/response"
)

// HandleStats handles GET /api/v1/stats.
func (h *Handlers) HandleStats(w http.ResponseWriter, _ *http.Request) {
	stats := h.rooms.Stats()

	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)

	response.OK(w, map[string]any{
		"runtime": map[string]any{
			"uptime_seconds": int64(time.Since(h.startTime).Seconds()),
			"goroutines":     runtime.NumGoroutine(),
			"memory_mb":      memStats.Alloc / 1024 / 1024,
		},
		"registry": stats,
		"realtime": map[string]any{
			"websocket_clients": h.wsHub.ClientCount(),
			"sse_clients":       h.sseBroadcaster.ClientCount(),
		},
	})
}

// HandleMetrics handles GET /metrics in the Prometheus text format.
func (h *Handlers) HandleMetrics(w http.ResponseWriter, _ *http.Request) {
	stats := h.rooms.Stats()

	w.Header().Set("Content-Type", "text/plain; version=0.0.4")
	_, _ = fmt.Fprintf(w, "# TYPE ordersync_envelopes_published_total counter\n")
	_, _ = fmt.Fprintf(w, "ordersync_envelopes_published_total %d\n", stats.Published)
	_, _ = fmt.Fprintf(w, "# TYPE ordersync_envelopes_dropped_total counter\n")
	_, _ = fmt.Fprintf(w, "ordersync_envelopes_dropped_total %d\n", stats.Dropped)
	_, _ = fmt.Fprintf(w, "# TYPE ordersync_members_evicted_total counter\n")
	_, _ = fmt.Fprintf(w, "ordersync_members_evicted_total %d\n", stats.Evicted)
	_, _ = fmt.Fprintf(w, "# TYPE ordersync_restaurants gauge\n")
	_, _ = fmt.Fprintf(w, "ordersync_restaurants %d\n", stats.Restaurants)
	_, _ = fmt.Fprintf(w, "# TYPE ordersync_clients gauge\n")
	_, _ = fmt.Fprintf(w, "ordersync_clients{transport=\"websocket\"} %d\n", h.wsHub.ClientCount())
	_, _ = fmt.Fprintf(w, "ordersync_clients{transport=\"sse\"} %d\n", h.sseBroadcaster.ClientCount())
	_, _ = fmt.Fprintf(w, "# TYPE ordersync_room_members gauge\n")
	for _, room := range stats.Rooms {
		_, _ = fmt.Fprintf(w, "ordersync_room_members{restaurant=%q,role=%q} %d\n", room.RestaurantID, room.Role, room.Members)
	}
	_, _ = fmt.Fprintf(w, "# TYPE ordersync_last_sequence gauge\n")
	seen := map[string]bool{}
	for _, room := range stats.Rooms {
		if seen[room.RestaurantID] {
			continue
		}
		seen[room.RestaurantID] = true
		_, _ = fmt.Fprintf(w, "ordersync_last_sequence{restaurant=%q} %d\n", room.RestaurantID, room.LastSequence)
	}
}
