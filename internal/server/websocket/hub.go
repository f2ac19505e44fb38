// Package websocket serves room subscriptions over WebSocket connections.
package websocket

import (
	"encoding/json"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/agentstation/ordersync/internal/registry"
	"github.com/agentstation/ordersync/pkg/protocol"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Maximum message size allowed from peer.
	maxMessageSize = 512
)

// Rooms is the part of the registry a hub needs.
type Rooms interface {
	Join(member registry.Member, key protocol.RoomKey, after uint64) (protocol.JoinAck, error)
	Leave(member registry.Member)
}

// Config tunes connection handling.
type Config struct {
	QueueSize int
	// PongWait is how long the peer may stay silent before it is dropped.
	PongWait time.Duration
	// CheckOrigin overrides the upgrader's origin check. Nil accepts any origin.
	CheckOrigin func(r *http.Request) bool
}

// Hub upgrades HTTP requests and attaches the connections to rooms.
type Hub struct {
	rooms    Rooms
	cfg      Config
	upgrader websocket.Upgrader
	logger   *zerolog.Logger
	active   atomic.Int64
}

// NewHub creates a new WebSocket hub.
func NewHub(rooms Rooms, cfg Config, logger *zerolog.Logger) *Hub {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = registry.DefaultQueueSize
	}
	if cfg.PongWait <= 0 {
		cfg.PongWait = 60 * time.Second
	}
	checkOrigin := cfg.CheckOrigin
	if checkOrigin == nil {
		checkOrigin = func(*http.Request) bool { return true }
	}
	return &Hub{
		rooms: rooms,
		cfg:   cfg,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     checkOrigin,
		},
		logger: logger,
	}
}

// ClientCount returns the number of open connections.
func (h *Hub) ClientCount() int {
	return int(h.active.Load())
}

// Serve upgrades the request, joins the room for key resuming after the given
// sequence and pumps frames until either side goes away. It returns once the
// connection is closed.
func (h *Hub) Serve(w http.ResponseWriter, r *http.Request, key protocol.RoomKey, after uint64) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error().Err(err).Str("restaurant_id", key.RestaurantID).Msg("WebSocket upgrade failed")
		return
	}

	client := NewClient(h, conn, key)
	h.active.Add(1)
	defer h.active.Add(-1)

	if _, err := h.rooms.Join(client, key, after); err != nil {
		h.logger.Warn().Err(err).
			Str("restaurant_id", key.RestaurantID).
			Str("role", string(key.Role)).
			Msg("WebSocket join failed")
		client.reject(protocol.JoinErrorCode(err), err.Error())
		return
	}

	go client.WritePump()
	client.ReadPump()
}

// Client is one WebSocket connection registered as a room member.
type Client struct {
	*registry.Queue

	hub  *Hub
	conn *websocket.Conn
	key  protocol.RoomKey
	done chan struct{}
}

// NewClient wraps an upgraded connection.
func NewClient(hub *Hub, conn *websocket.Conn, key protocol.RoomKey) *Client {
	return &Client{
		Queue: registry.NewQueue(hub.cfg.QueueSize),
		hub:   hub,
		conn:  conn,
		key:   key,
		done:  make(chan struct{}),
	}
}

// reject writes an error frame and closes the connection.
func (c *Client) reject(code, message string) {
	c.Close()
	data, err := json.Marshal(protocol.ErrorFrame(code, message))
	if err == nil {
		_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
		_ = c.conn.WriteMessage(websocket.TextMessage, data)
	}
	_ = c.conn.Close()
}

// ReadPump consumes control frames from the peer until the connection fails,
// then leaves the room.
func (c *Client) ReadPump() {
	defer func() {
		c.hub.rooms.Leave(c)
		c.Close()
		<-c.done
		_ = c.conn.Close()
	}()

	pongWait := c.hub.cfg.PongWait
	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.Touch()
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				c.hub.logger.Warn().Err(err).
					Str("member_id", c.ID()).
					Str("restaurant_id", c.key.RestaurantID).
					Msg("WebSocket read error")
			}
			return
		}
		// any inbound message proves the peer is alive
		c.Touch()
	}
}

// WritePump writes queued frames and periodic pings until the member is closed
// or a write fails.
func (c *Client) WritePump() {
	ticker := time.NewTicker(c.hub.cfg.PongWait * 9 / 10)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
		close(c.done)
	}()

	for {
		select {
		case frame := <-c.Frames():
			data, err := json.Marshal(frame)
			if err != nil {
				c.hub.logger.Error().Err(err).Str("frame_type", string(frame.Type)).Msg("Failed to marshal frame")
				continue
			}
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}

		case <-c.Done():
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			_ = c.conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "closing"))
			return

		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
