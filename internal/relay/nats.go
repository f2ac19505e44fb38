package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"

	"github.com/agentstation/ordersync/internal/registry"
	"github.com/agentstation/ordersync/pkg/envelope"
	"github.com/agentstation/ordersync/pkg/errors"
)

// SubjectPrefix is the subject namespace envelopes are relayed under.
const SubjectPrefix = "ordersync.restaurants"

// Subject returns the subject envelopes for a restaurant are relayed on.
func Subject(restaurantID string) string {
	return SubjectPrefix + "." + restaurantID
}

// Conn is the subset of *nats.Conn the relay uses.
type Conn interface {
	Publish(subject string, data []byte) error
	Subscribe(subject string, cb nats.MsgHandler) (*nats.Subscription, error)
	Drain() error
}

type message struct {
	Origin   string            `json:"origin"`
	Envelope envelope.Envelope `json:"envelope"`
}

// NATSRelay publishes locally and forwards stamped envelopes over NATS.
type NATSRelay struct {
	conn     Conn
	rooms    Rooms
	logger   *zerolog.Logger
	instance string
}

// Connect dials NATS and returns a relay over the connection.
func Connect(url string, rooms Rooms, logger *zerolog.Logger) (*NATSRelay, error) {
	conn, err := nats.Connect(url,
		nats.Name("ordersync"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logger.Warn().Err(err).Str("url", url).Msg("NATS disconnected")
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			logger.Info().Str("url", c.ConnectedUrl()).Msg("NATS reconnected")
		}),
	)
	if err != nil {
		return nil, errors.WrapTransport("dial", url, fmt.Errorf("failed to connect to NATS: %w", err))
	}
	return NewNATSRelay(conn, rooms, logger), nil
}

// NewNATSRelay creates a relay over an existing connection.
func NewNATSRelay(conn Conn, rooms Rooms, logger *zerolog.Logger) *NATSRelay {
	return &NATSRelay{
		conn:     conn,
		rooms:    rooms,
		logger:   logger,
		instance: uuid.NewString(),
	}
}

// Start subscribes to every restaurant's subject. Envelopes received from other
// instances are delivered to local members until ctx is cancelled.
func (r *NATSRelay) Start(ctx context.Context) error {
	_, err := r.conn.Subscribe(SubjectPrefix+".>", func(msg *nats.Msg) {
		r.receive(ctx, msg)
	})
	if err != nil {
		return errors.WrapTransport("subscribe", SubjectPrefix+".>", err)
	}
	r.logger.Info().Str("subject", SubjectPrefix+".>").Str("instance", r.instance).Msg("Cluster relay subscribed")
	return nil
}

func (r *NATSRelay) receive(ctx context.Context, msg *nats.Msg) {
	var m message
	if err := json.Unmarshal(msg.Data, &m); err != nil {
		r.logger.Warn().Err(err).Str("subject", msg.Subject).Msg("Dropping malformed relay message")
		return
	}
	if m.Origin == r.instance {
		return
	}

	env := m.Envelope
	if restaurantID := strings.TrimPrefix(msg.Subject, SubjectPrefix+"."); restaurantID != env.RestaurantID {
		r.logger.Warn().
			Str("subject", msg.Subject).
			Str("restaurant_id", env.RestaurantID).
			Msg("Dropping relay message addressed to another subject")
		return
	}
	if env.Sequence == 0 {
		r.logger.Warn().Str("restaurant_id", env.RestaurantID).Msg("Dropping unstamped relay message")
		return
	}

	if _, _, err := r.rooms.Publish(ctx, env.RestaurantID, env); err != nil {
		r.logger.Warn().Err(err).
			Str("restaurant_id", env.RestaurantID).
			Uint64("sequence", env.Sequence).
			Msg("Failed to deliver relayed envelope")
	}
}

// Publish implements Publisher. Local delivery happens first; a failed
// forward is logged and does not fail the publish.
func (r *NATSRelay) Publish(ctx context.Context, restaurantID string, env envelope.Envelope) (envelope.Envelope, registry.PublishResult, error) {
	stamped, result, err := r.rooms.Publish(ctx, restaurantID, env)
	if err != nil {
		return stamped, result, err
	}

	data, err := json.Marshal(message{Origin: r.instance, Envelope: stamped})
	if err != nil {
		return stamped, result, fmt.Errorf("encoding relay message: %w", err)
	}
	if err := r.conn.Publish(Subject(restaurantID), data); err != nil {
		r.logger.Error().Err(err).
			Str("restaurant_id", restaurantID).
			Uint64("sequence", stamped.Sequence).
			Msg("Failed to forward envelope to cluster")
	}
	return stamped, result, nil
}

// Close drains the connection.
func (r *NATSRelay) Close() error {
	return r.conn.Drain()
}
