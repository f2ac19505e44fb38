// Package registry tracks which live connections are watching which restaurant
// and fans order envelopes out to them.
//
// Every restaurant has its own lock. Stamping the next sequence, recording the
// envelope in the replay ring and enqueueing it to each member all happen under
// that lock, so all members of a restaurant observe envelopes in publish order
// while different restaurants never contend. Enqueueing never blocks: a member
// that cannot keep up is evicted instead of slowing the publisher down.
package registry

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	gocache "github.com/patrickmn/go-cache"
	"github.com/rs/zerolog"

	"github.com/agentstation/ordersync/pkg/envelope"
	"github.com/agentstation/ordersync/pkg/errors"
	"github.com/agentstation/ordersync/pkg/protocol"
)

// Defaults.
const (
	DefaultQueueSize        = 256
	DefaultReplaySize       = 512
	DefaultHeartbeatTimeout = 60 * time.Second
	DefaultReapInterval     = 15 * time.Second
	DefaultRelayWindow      = 10 * time.Minute
)

// Member is one live connection subscribed to a room.
type Member interface {
	ID() string
	// Joined enqueues the join acknowledgement. False means the queue is full.
	Joined(protocol.JoinAck) bool
	// Deliver enqueues an envelope without blocking. False means the queue is full.
	Deliver(envelope.Envelope) bool
	LastSeen() time.Time
	Close()
}

// bounded members report their free queue slots so Join can trade a replay
// that would not fit for a resync.
type bounded interface {
	Free() int
}

// Config tunes the registry.
type Config struct {
	ReplaySize       int           `mapstructure:"replay_size" yaml:"replay_size"`
	HeartbeatTimeout time.Duration `mapstructure:"heartbeat_timeout" yaml:"heartbeat_timeout"`
	ReapInterval     time.Duration `mapstructure:"reap_interval" yaml:"reap_interval"`
	// RelayWindow is how long pre-stamped sequences are remembered for
	// duplicate detection after they leave the replay ring.
	RelayWindow time.Duration `mapstructure:"relay_window" yaml:"relay_window"`
}

// DefaultConfig returns the default registry configuration.
func DefaultConfig() Config {
	return Config{
		ReplaySize:       DefaultReplaySize,
		HeartbeatTimeout: DefaultHeartbeatTimeout,
		ReapInterval:     DefaultReapInterval,
		RelayWindow:      DefaultRelayWindow,
	}
}

// PublishResult reports what a publish did.
type PublishResult struct {
	Delivered int  `json:"delivered"`
	Dropped   int  `json:"dropped"`
	Duplicate bool `json:"duplicate,omitempty"`
}

// Registry maps rooms to members.
type Registry struct {
	cfg    Config
	logger *zerolog.Logger
	now    func() time.Time

	mu          sync.RWMutex
	restaurants map[string]*restaurant
	index       map[string]protocol.RoomKey
	closed      bool

	// relayed remembers pre-stamped sequences by restaurant.
	relayed *gocache.Cache

	published atomic.Uint64
	dropped   atomic.Uint64
	evicted   atomic.Uint64
}

type restaurant struct {
	id string

	mu    sync.Mutex
	seq   uint64
	rooms map[protocol.Role]map[string]Member
	ring  *ring
}

// Option configures a Registry.
type Option func(*Registry)

// WithClock replaces the wall clock used for sequence seeding and reaping.
func WithClock(now func() time.Time) Option {
	return func(r *Registry) {
		r.now = now
	}
}

// New creates a registry.
func New(cfg Config, logger *zerolog.Logger, opts ...Option) *Registry {
	if cfg.HeartbeatTimeout <= 0 {
		cfg.HeartbeatTimeout = DefaultHeartbeatTimeout
	}
	if cfg.ReapInterval <= 0 {
		cfg.ReapInterval = DefaultReapInterval
	}
	if cfg.RelayWindow <= 0 {
		cfg.RelayWindow = DefaultRelayWindow
	}
	if cfg.ReplaySize < 0 {
		cfg.ReplaySize = 0
	}
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}

	r := &Registry{
		cfg:         cfg,
		logger:      logger,
		now:         time.Now,
		restaurants: make(map[string]*restaurant),
		index:       make(map[string]protocol.RoomKey),
		relayed:     gocache.New(cfg.RelayWindow, 2*cfg.RelayWindow),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// restaurant returns the state for id, creating it when create is set.
func (r *Registry) restaurant(id string, create bool) *restaurant {
	r.mu.RLock()
	rest, ok := r.restaurants[id]
	r.mu.RUnlock()
	if ok || !create {
		return rest
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if rest, ok = r.restaurants[id]; ok {
		return rest
	}
	rest = &restaurant{
		id:    id,
		rooms: make(map[protocol.Role]map[string]Member),
		ring:  newRing(r.cfg.ReplaySize),
	}
	r.restaurants[id] = rest
	return rest
}

// seed starts the counter at wall-clock microseconds so sequences keep
// increasing across restarts. Caller holds rest.mu.
func (r *Registry) seed(rest *restaurant) {
	if rest.seq == 0 {
		rest.seq = uint64(r.now().UnixMicro())
		rest.ring.floor = rest.seq
	}
}

// Join registers member in the room for key and enqueues its acknowledgement,
// then every retained envelope with a sequence above after. Joining again with
// the same member replaces its previous registration.
func (r *Registry) Join(member Member, key protocol.RoomKey, after uint64) (protocol.JoinAck, error) {
	if key.RestaurantID == "" {
		return protocol.JoinAck{}, errors.NewValidationError("restaurantId", key.RestaurantID, "cannot be empty")
	}
	if !key.Role.Valid() {
		return protocol.JoinAck{}, errors.NewValidationError("role", key.Role, "unknown role")
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return protocol.JoinAck{}, fmt.Errorf("join %s: registry %w", key, errors.ErrClosed)
	}
	prev, registered := r.index[member.ID()]
	r.index[member.ID()] = key
	r.mu.Unlock()

	if registered && prev != key {
		if old := r.restaurant(prev.RestaurantID, false); old != nil {
			old.mu.Lock()
			delete(old.rooms[prev.Role], member.ID())
			old.mu.Unlock()
		}
	}

	rest := r.restaurant(key.RestaurantID, true)

	rest.mu.Lock()
	r.seed(rest)
	room, ok := rest.rooms[key.Role]
	if !ok {
		room = make(map[string]Member)
		rest.rooms[key.Role] = room
	}
	room[member.ID()] = member

	replay, resumed := rest.ring.since(after, rest.seq)
	if b, ok := member.(bounded); ok && resumed && len(replay)+1 > b.Free() {
		// the member refetches its snapshot instead
		r.logger.Info().
			Str("restaurant_id", key.RestaurantID).
			Str("role", string(key.Role)).
			Str("member_id", member.ID()).
			Int("replay", len(replay)).
			Int("free", b.Free()).
			Msg("Replay exceeds member queue, asking for resync")
		replay, resumed = nil, false
	}
	ack := protocol.JoinAck{
		RestaurantID: key.RestaurantID,
		Role:         key.Role,
		Sequence:     rest.seq,
		After:        after,
		Resumed:      resumed,
	}

	full := !member.Joined(ack)
	for i := 0; !full && i < len(replay); i++ {
		full = !member.Deliver(replay[i])
	}
	if full {
		delete(room, member.ID())
	}
	size := len(room)
	rest.mu.Unlock()

	if full {
		r.forget(member.ID(), key)
		member.Close()
		return ack, fmt.Errorf("join %s: replaying %d envelopes: %w", key, len(replay), errors.ErrQueueFull)
	}

	r.logger.Info().
		Str("restaurant_id", key.RestaurantID).
		Str("role", string(key.Role)).
		Str("member_id", member.ID()).
		Uint64("after", after).
		Bool("resumed", resumed).
		Int("replayed", len(replay)).
		Int("room_size", size).
		Msg("Member joined")

	return ack, nil
}

// Leave removes member from whatever room it is in. Unknown members are ignored.
func (r *Registry) Leave(member Member) {
	r.mu.Lock()
	key, ok := r.index[member.ID()]
	if ok {
		delete(r.index, member.ID())
	}
	r.mu.Unlock()
	if !ok {
		return
	}

	if rest := r.restaurant(key.RestaurantID, false); rest != nil {
		rest.mu.Lock()
		delete(rest.rooms[key.Role], member.ID())
		rest.mu.Unlock()
	}

	r.logger.Debug().
		Str("restaurant_id", key.RestaurantID).
		Str("role", string(key.Role)).
		Str("member_id", member.ID()).
		Msg("Member left")
}

// forget drops the index entry for id if it still points at key.
func (r *Registry) forget(id string, key protocol.RoomKey) {
	r.mu.Lock()
	if current, ok := r.index[id]; ok && current == key {
		delete(r.index, id)
	}
	r.mu.Unlock()
}

// Publish stamps env with the restaurant's next sequence and enqueues it to
// every member of every room of that restaurant. Envelopes that arrive already
// stamped keep their sequence; a stamped envelope still held in the replay ring
// is a duplicate and is not delivered again. Publish never waits on members.
func (r *Registry) Publish(ctx context.Context, restaurantID string, env envelope.Envelope) (envelope.Envelope, PublishResult, error) {
	if err := ctx.Err(); err != nil {
		return env, PublishResult{}, err
	}
	if restaurantID == "" {
		return env, PublishResult{}, errors.NewValidationError("restaurantId", restaurantID, "cannot be empty")
	}
	if env.RestaurantID == "" {
		env.RestaurantID = restaurantID
	}
	if env.RestaurantID != restaurantID {
		return env, PublishResult{}, errors.NewRoomMismatchError(restaurantID, env.RestaurantID)
	}

	rest := r.restaurant(restaurantID, true)
	var (
		result  PublishResult
		evicted []evictee
	)

	rest.mu.Lock()
	r.seed(rest)
	switch {
	case env.Sequence == 0:
		rest.seq++
		env = env.Stamped(rest.seq, r.now())
	case rest.ring.contains(env.Sequence):
		rest.mu.Unlock()
		result.Duplicate = true
		return env, result, nil
	default:
		key := relayKey(restaurantID, env.Sequence)
		if r.relayed.Add(key, struct{}{}, gocache.DefaultExpiration) != nil {
			rest.mu.Unlock()
			result.Duplicate = true
			return env, result, nil
		}
		if env.Sequence > rest.seq {
			rest.seq = env.Sequence
		}
	}
	rest.ring.push(env)

	for role, room := range rest.rooms {
		for id, m := range room {
			if m.Deliver(env) {
				result.Delivered++
				continue
			}
			result.Dropped++
			delete(room, id)
			evicted = append(evicted, evictee{member: m, key: protocol.RoomKey{RestaurantID: restaurantID, Role: role}})
		}
	}
	rest.mu.Unlock()

	r.published.Add(1)
	r.dropped.Add(uint64(result.Dropped))
	r.evict(evicted, "queue full")

	r.logger.Debug().
		Str("restaurant_id", restaurantID).
		Str("kind", string(env.Kind)).
		Str("order_id", env.OrderID()).
		Uint64("sequence", env.Sequence).
		Int("delivered", result.Delivered).
		Int("dropped", result.Dropped).
		Msg("Envelope published")

	return env, result, nil
}

func relayKey(restaurantID string, seq uint64) string {
	return restaurantID + "/" + strconv.FormatUint(seq, 10)
}

type evictee struct {
	member Member
	key    protocol.RoomKey
}

// evict closes members already removed from their rooms.
func (r *Registry) evict(evicted []evictee, reason string) {
	for _, e := range evicted {
		r.forget(e.member.ID(), e.key)
		e.member.Close()
		r.evicted.Add(1)
		r.logger.Warn().
			Str("restaurant_id", e.key.RestaurantID).
			Str("role", string(e.key.Role)).
			Str("member_id", e.member.ID()).
			Str("reason", reason).
			Msg("Member evicted")
	}
}

// Run reaps members whose heartbeat expired until ctx is cancelled, then
// closes every member. Should be called in a goroutine.
func (r *Registry) Run(ctx context.Context) {
	ticker := time.NewTicker(r.cfg.ReapInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			r.Close()
			r.logger.Info().Msg("Room registry shut down")
			return
		case <-ticker.C:
			if n := r.Reap(); n > 0 {
				r.logger.Info().Int("reaped", n).Msg("Reaped stale members")
			}
		}
	}
}

// Reap evicts members not seen within the heartbeat timeout and returns how many.
func (r *Registry) Reap() int {
	cutoff := r.now().Add(-r.cfg.HeartbeatTimeout)

	var stale []evictee
	for _, rest := range r.snapshot() {
		rest.mu.Lock()
		for role, room := range rest.rooms {
			for id, m := range room {
				if m.LastSeen().Before(cutoff) {
					delete(room, id)
					stale = append(stale, evictee{member: m, key: protocol.RoomKey{RestaurantID: rest.id, Role: role}})
				}
			}
		}
		rest.mu.Unlock()
	}

	r.evict(stale, "heartbeat timeout")
	return len(stale)
}

// Close closes every member and rejects further joins.
func (r *Registry) Close() {
	r.mu.Lock()
	r.closed = true
	r.index = make(map[string]protocol.RoomKey)
	r.mu.Unlock()

	for _, rest := range r.snapshot() {
		rest.mu.Lock()
		for role, room := range rest.rooms {
			for _, m := range room {
				m.Close()
			}
			delete(rest.rooms, role)
		}
		rest.mu.Unlock()
	}
}

func (r *Registry) snapshot() []*restaurant {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*restaurant, 0, len(r.restaurants))
	for _, rest := range r.restaurants {
		out = append(out, rest)
	}
	return out
}

// Members returns the number of members in the room for key.
func (r *Registry) Members(key protocol.RoomKey) int {
	rest := r.restaurant(key.RestaurantID, false)
	if rest == nil {
		return 0
	}
	rest.mu.Lock()
	defer rest.mu.Unlock()
	return len(rest.rooms[key.Role])
}

// LastSequence returns the last sequence stamped for a restaurant, zero if none.
func (r *Registry) LastSequence(restaurantID string) uint64 {
	rest := r.restaurant(restaurantID, false)
	if rest == nil {
		return 0
	}
	rest.mu.Lock()
	defer rest.mu.Unlock()
	return rest.seq
}

// RoomStats describes one room.
type RoomStats struct {
	RestaurantID string        `json:"restaurantId" yaml:"restaurantId"`
	Role         protocol.Role `json:"role" yaml:"role"`
	Members      int           `json:"members" yaml:"members"`
	LastSequence uint64        `json:"lastSequence" yaml:"lastSequence"`
	Retained     int           `json:"retained" yaml:"retained"`
}

// Stats is a point-in-time view of the registry.
type Stats struct {
	Restaurants int         `json:"restaurants" yaml:"restaurants"`
	Members     int         `json:"members" yaml:"members"`
	Published   uint64      `json:"published" yaml:"published"`
	Dropped     uint64      `json:"dropped" yaml:"dropped"`
	Evicted     uint64      `json:"evicted" yaml:"evicted"`
	Rooms       []RoomStats `json:"rooms" yaml:"rooms"`
}

// Stats returns member counts per room and counters since start.
func (r *Registry) Stats() Stats {
	restaurants := r.snapshot()
	stats := Stats{
		Restaurants: len(restaurants),
		Published:   r.published.Load(),
		Dropped:     r.dropped.Load(),
		Evicted:     r.evicted.Load(),
		Rooms:       []RoomStats{},
	}

	for _, rest := range restaurants {
		rest.mu.Lock()
		for role, room := range rest.rooms {
			if len(room) == 0 {
				continue
			}
			stats.Members += len(room)
			stats.Rooms = append(stats.Rooms, RoomStats{
				RestaurantID: rest.id,
				Role:         role,
				Members:      len(room),
				LastSequence: rest.seq,
				Retained:     rest.ring.len(),
			})
		}
		rest.mu.Unlock()
	}

	sort.Slice(stats.Rooms, func(i, j int) bool {
		if stats.Rooms[i].RestaurantID != stats.Rooms[j].RestaurantID {
			return stats.Rooms[i].RestaurantID < stats.Rooms[j].RestaurantID
		}
		return stats.Rooms[i].Role < stats.Rooms[j].Role
	})
	return stats
}
