// Package relay carries published envelopes between ordersync instances.
//
// Without a cluster, LocalPublisher hands envelopes straight to the local
// registry. With NATS configured, NATSRelay stamps the envelope locally,
// delivers it to local members and forwards the stamped copy to every other
// instance, which delivers it unchanged.
package relay

import (
	"context"

	"github.com/agentstation/ordersync/internal/registry"
	"github.com/agentstation/ordersync/pkg/envelope"
)

// Rooms publishes into a local registry.
type Rooms interface {
	Publish(ctx context.Context, restaurantID string, env envelope.Envelope) (envelope.Envelope, registry.PublishResult, error)
}

// Publisher is the inbound publish operation used by mutation collaborators.
type Publisher interface {
	Publish(ctx context.Context, restaurantID string, env envelope.Envelope) (envelope.Envelope, registry.PublishResult, error)
}

// LocalPublisher publishes into the local registry only.
type LocalPublisher struct {
	rooms Rooms
}

// NewLocalPublisher creates a publisher for a single instance.
func NewLocalPublisher(rooms Rooms) *LocalPublisher {
	return &LocalPublisher{rooms: rooms}
}

// Publish implements Publisher.
func (p *LocalPublisher) Publish(ctx context.Context, restaurantID string, env envelope.Envelope) (envelope.Envelope, registry.PublishResult, error) {
	return p.rooms.Publish(ctx, restaurantID, env)
}
