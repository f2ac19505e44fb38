// Package sse serves room subscriptions as Server-Sent Events streams for
// browser displays.
package sse

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/agentstation/ordersync/internal/registry"
	"github.com/agentstation/ordersync/pkg/protocol"
)

// DefaultKeepAlive is the interval between keepalive comments.
const DefaultKeepAlive = 30 * time.Second

// Rooms is the part of the registry a stream needs.
type Rooms interface {
	Join(member registry.Member, key protocol.RoomKey, after uint64) (protocol.JoinAck, error)
	Leave(member registry.Member)
}

// Config tunes SSE streams.
type Config struct {
	QueueSize int
	KeepAlive time.Duration
}

// Broadcaster attaches SSE streams to rooms.
type Broadcaster struct {
	rooms  Rooms
	cfg    Config
	logger *zerolog.Logger
	active atomic.Int64
}

// NewBroadcaster creates a new SSE broadcaster.
func NewBroadcaster(rooms Rooms, cfg Config, logger *zerolog.Logger) *Broadcaster {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = registry.DefaultQueueSize
	}
	if cfg.KeepAlive <= 0 {
		cfg.KeepAlive = DefaultKeepAlive
	}
	return &Broadcaster{rooms: rooms, cfg: cfg, logger: logger}
}

// ClientCount returns the number of open streams.
func (b *Broadcaster) ClientCount() int {
	return int(b.active.Load())
}

// LastEventID parses the Last-Event-ID header a reconnecting EventSource sends.
func LastEventID(r *http.Request) uint64 {
	seq, err := strconv.ParseUint(r.Header.Get("Last-Event-ID"), 10, 64)
	if err != nil {
		return 0
	}
	return seq
}

// Serve streams the room for key, resuming after the given sequence, until the
// client disconnects or the member is closed.
func (b *Broadcaster) Serve(w http.ResponseWriter, r *http.Request, key protocol.RoomKey, after uint64) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "Streaming not supported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	// Streams outlive the server's write timeout.
	_ = http.NewResponseController(w).SetWriteDeadline(time.Time{})

	member := registry.NewQueue(b.cfg.QueueSize)
	if _, err := b.rooms.Join(member, key, after); err != nil {
		b.logger.Warn().Err(err).
			Str("restaurant_id", key.RestaurantID).
			Str("role", string(key.Role)).
			Msg("SSE join failed")
		b.writeFrame(w, flusher, protocol.ErrorFrame(protocol.JoinErrorCode(err), err.Error()))
		return
	}

	b.active.Add(1)
	defer func() {
		b.active.Add(-1)
		b.rooms.Leave(member)
		member.Close()
	}()

	ticker := time.NewTicker(b.cfg.KeepAlive)
	defer ticker.Stop()

	for {
		select {
		case frame := <-member.Frames():
			if err := b.writeFrame(w, flusher, frame); err != nil {
				return
			}
			member.Touch()

		case <-ticker.C:
			if _, err := fmt.Fprint(w, ": keepalive\n\n"); err != nil {
				return
			}
			flusher.Flush()
			member.Touch()

		case <-member.Done():
			return

		case <-r.Context().Done():
			return
		}
	}
}

// writeFrame writes one frame as an SSE event. Envelopes are sent as "order"
// events whose id is the sequence, so EventSource resumes from it.
func (b *Broadcaster) writeFrame(w http.ResponseWriter, flusher http.Flusher, frame protocol.Frame) error {
	ev := Event{Event: string(frame.Type), Data: frame}
	if frame.Type == protocol.FrameEvent && frame.Envelope != nil {
		ev = Event{
			Event: "order",
			ID:    strconv.FormatUint(frame.Envelope.Sequence, 10),
			Data:  frame.Envelope,
		}
	}
	return b.writeEvent(w, flusher, ev)
}

// writeEvent writes an SSE event to the response writer.
func (b *Broadcaster) writeEvent(w http.ResponseWriter, flusher http.Flusher, event Event) error {
	data, err := json.Marshal(event.Data)
	if err != nil {
		b.logger.Error().Err(err).Msg("Failed to marshal SSE event data")
		return nil
	}

	if event.Event != "" {
		if _, err := fmt.Fprintf(w, "event: %s\n", event.Event); err != nil {
			return err
		}
	}
	if event.ID != "" {
		if _, err := fmt.Fprintf(w, "id: %s\n", event.ID); err != nil {
			return err
		}
	}
	if _, err := fmt.Fprintf(w, "data: %s\n\n", data); err != nil {
		return err
	}

	flusher.Flush()
	return nil
}

// Event represents an SSE event.
type Event struct {
	Event string `json:"event,omitempty"`
	ID    string `json:"id,omitempty"`
	Data  any    `json:"data"`
}
