// Package handlers provides HTTP request handlers for the ordersync API.
package handlers

import (
	"time"

	"github.com/rs/zerolog"

	"github.com/agentstation/ordersync/internal/registry"
	"github.com/agentstation/ordersync/internal/relay"
	"github.com/agentstation/ordersync/internal/server/sse"
	ws "github.com/agentstation/ordersync/internal/server/websocket"
)

// Rooms reports room occupancy and sequences.
type Rooms interface {
	Stats() registry.Stats
}

// Handlers provides access to all HTTP handlers.
type Handlers struct {
	rooms          Rooms
	directory      registry.Directory
	publisher      relay.Publisher
	wsHub          *ws.Hub
	sseBroadcaster *sse.Broadcaster
	ready          func() error
	logger         *zerolog.Logger
	startTime      time.Time
}

// New creates a new Handlers instance. ready reports whether the server can
// accept traffic; nil means always ready.
func New(
	rooms Rooms,
	directory registry.Directory,
	publisher relay.Publisher,
	wsHub *ws.Hub,
	sseBroadcaster *sse.Broadcaster,
	ready func() error,
	logger *zerolog.Logger,
) *Handlers {
	return &Handlers{
		rooms:          rooms,
		directory:      directory,
		publisher:      publisher,
		wsHub:          wsHub,
		sseBroadcaster: sseBroadcaster,
		ready:          ready,
		logger:         logger,
		startTime:      time.Now(),
	}
}
