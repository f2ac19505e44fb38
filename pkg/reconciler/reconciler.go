// Package reconciler merges a display's live envelope stream onto the order
// snapshot it started from.
//
// Delivery is at least once and may arrive out of order across reconnects, so
// every rule here is idempotent: a duplicate create is ignored, a stale status
// change never overwrites a newer one, and a deleted order leaves a tombstone
// that suppresses stale updates for it. A Reconciler is owned by a single
// consumer and is not safe for concurrent use.
package reconciler

import (
	"sort"

	"github.com/rs/zerolog"

	"github.com/agentstation/ordersync/pkg/envelope"
	"github.com/agentstation/ordersync/pkg/errors"
	"github.com/agentstation/ordersync/pkg/orders"
)

// DefaultMaxTombstones bounds how many deleted order ids are remembered.
const DefaultMaxTombstones = 4096

// Outcome is what applying an envelope did to local state.
type Outcome int

// Outcomes.
const (
	Ignored Outcome = iota
	Inserted
	Updated
	Removed
	// Healed is a status change for an order never seen created, inserted as
	// if the create had arrived.
	Healed
)

// String implements fmt.Stringer.
func (o Outcome) String() string {
	switch o {
	case Inserted:
		return "inserted"
	case Updated:
		return "updated"
	case Removed:
		return "removed"
	case Healed:
		return "healed"
	default:
		return "ignored"
	}
}

// Changed reports whether local state changed.
func (o Outcome) Changed() bool {
	return o != Ignored
}

type entry struct {
	order orders.Order
	// seq is the sequence of the envelope that last wrote the entry, zero for
	// entries seeded from a snapshot.
	seq uint64
}

// Reconciler holds one restaurant's local order collection.
type Reconciler struct {
	restaurantID  string
	orders        map[string]entry
	tombstones    map[string]uint64
	maxTombstones int
	logger        *zerolog.Logger
}

// Option configures a Reconciler.
type Option func(*Reconciler)

// WithLogger sets the logger used for dropped envelopes.
func WithLogger(logger *zerolog.Logger) Option {
	return func(r *Reconciler) { r.logger = logger }
}

// WithMaxTombstones bounds the number of remembered deletions.
func WithMaxTombstones(n int) Option {
	return func(r *Reconciler) { r.maxTombstones = n }
}

// New creates a reconciler seeded with snapshot. Orders in the snapshot that
// belong to another restaurant are skipped.
func New(restaurantID string, snapshot []orders.Order, opts ...Option) *Reconciler {
	nop := zerolog.Nop()
	r := &Reconciler{
		restaurantID:  restaurantID,
		orders:        make(map[string]entry, len(snapshot)),
		tombstones:    make(map[string]uint64),
		maxTombstones: DefaultMaxTombstones,
		logger:        &nop,
	}
	for _, opt := range opts {
		opt(r)
	}
	r.seed(snapshot)
	return r
}

// RestaurantID returns the restaurant this reconciler is scoped to.
func (r *Reconciler) RestaurantID() string {
	return r.restaurantID
}

func (r *Reconciler) seed(snapshot []orders.Order) {
	for _, o := range snapshot {
		if o.RestaurantID != r.restaurantID {
			r.logger.Warn().
				Str("restaurant_id", r.restaurantID).
				Str("order_id", o.ID).
				Str("order_restaurant_id", o.RestaurantID).
				Msg("Skipping snapshot order of another restaurant")
			continue
		}
		if _, ok := r.orders[o.ID]; ok {
			continue
		}
		r.orders[o.ID] = entry{order: o.Clone()}
	}
}

// Apply merges one envelope into local state.
func (r *Reconciler) Apply(env envelope.Envelope) (Outcome, error) {
	if env.RestaurantID != r.restaurantID {
		return Ignored, errors.NewRoomMismatchError(r.restaurantID, env.RestaurantID)
	}

	var outcome Outcome
	switch env.Kind {
	case envelope.KindCreated:
		if !r.validOrder(env) {
			return Ignored, nil
		}
		outcome = r.created(env)
	case envelope.KindStatusChanged:
		if !r.validOrder(env) {
			return Ignored, nil
		}
		outcome = r.statusChanged(env)
	case envelope.KindDeleted:
		if env.Deleted == nil || env.Deleted.OrderID == "" {
			r.drop(env, "missing order id")
			return Ignored, nil
		}
		outcome = r.deleted(env)
	default:
		r.drop(env, "unknown kind")
		return Ignored, nil
	}

	r.logger.Debug().
		Str("restaurant_id", r.restaurantID).
		Str("kind", string(env.Kind)).
		Str("order_id", env.OrderID()).
		Uint64("sequence", env.Sequence).
		Str("outcome", outcome.String()).
		Msg("Envelope applied")
	return outcome, nil
}

func (r *Reconciler) validOrder(env envelope.Envelope) bool {
	if env.Order == nil || env.Order.ID == "" {
		r.drop(env, "missing order payload")
		return false
	}
	if env.Order.RestaurantID != "" && env.Order.RestaurantID != r.restaurantID {
		r.drop(env, "order belongs to another restaurant")
		return false
	}
	return true
}

func (r *Reconciler) drop(env envelope.Envelope, reason string) {
	r.logger.Warn().
		Str("restaurant_id", r.restaurantID).
		Str("kind", string(env.Kind)).
		Uint64("sequence", env.Sequence).
		Str("reason", reason).
		Msg("Dropping envelope")
}

// buried reports whether the order was deleted at or after seq.
func (r *Reconciler) buried(id string, seq uint64) bool {
	tomb, ok := r.tombstones[id]
	return ok && seq <= tomb
}

func (r *Reconciler) insert(env envelope.Envelope) {
	o := env.Order.Clone()
	o.RestaurantID = r.restaurantID
	r.orders[o.ID] = entry{order: o, seq: env.Sequence}
	delete(r.tombstones, o.ID)
}

func (r *Reconciler) created(env envelope.Envelope) Outcome {
	id := env.Order.ID
	if _, ok := r.orders[id]; ok || r.buried(id, env.Sequence) {
		return Ignored
	}
	r.insert(env)
	return Inserted
}

func (r *Reconciler) statusChanged(env envelope.Envelope) Outcome {
	id := env.Order.ID
	held, ok := r.orders[id]
	if !ok {
		if r.buried(id, env.Sequence) {
			return Ignored
		}
		r.insert(env)
		return Healed
	}
	if !newer(env, held) {
		return Ignored
	}

	o := held.order
	o.Status = env.Order.Status
	o.UpdatedAt = env.Order.UpdatedAt
	o.Items = append([]orders.LineItem(nil), env.Order.Items...)
	o.Note = env.Order.Note
	o.TableID = env.Order.TableID
	if held.seq > env.Sequence {
		env.Sequence = held.seq
	}
	r.orders[id] = entry{order: o, seq: env.Sequence}
	return Updated
}

// newer reports whether env carries a later state of the order than held.
// Entries written by an envelope compare by sequence; snapshot entries have
// none and compare by update time.
func newer(env envelope.Envelope, held entry) bool {
	if held.seq > 0 && env.Sequence > 0 {
		return env.Sequence > held.seq
	}
	incoming, current := env.Order.UpdatedAt, held.order.UpdatedAt
	if !incoming.IsZero() && !current.IsZero() {
		return incoming.After(current)
	}
	return env.Sequence > held.seq
}

func (r *Reconciler) deleted(env envelope.Envelope) Outcome {
	id := env.Deleted.OrderID
	if tomb, ok := r.tombstones[id]; !ok || env.Sequence > tomb {
		r.tombstones[id] = env.Sequence
		r.pruneTombstones()
	}
	if _, ok := r.orders[id]; !ok {
		return Ignored
	}
	delete(r.orders, id)
	return Removed
}

func (r *Reconciler) pruneTombstones() {
	if r.maxTombstones <= 0 || len(r.tombstones) <= r.maxTombstones {
		return
	}
	type tomb struct {
		id  string
		seq uint64
	}
	all := make([]tomb, 0, len(r.tombstones))
	for id, seq := range r.tombstones {
		all = append(all, tomb{id, seq})
	}
	sort.Slice(all, func(i, j int) bool { return all[i].seq < all[j].seq })
	for _, t := range all[:len(all)-r.maxTombstones] {
		delete(r.tombstones, t.id)
	}
}

// Reset replaces local state with a freshly fetched snapshot taken at or after
// sequence asOf. Entries and tombstones written by envelopes newer than asOf
// survive: the snapshot may predate them.
func (r *Reconciler) Reset(snapshot []orders.Order, asOf uint64) {
	kept := make(map[string]entry)
	for id, e := range r.orders {
		if e.seq > asOf {
			kept[id] = e
		}
	}
	for id, seq := range r.tombstones {
		if seq <= asOf {
			delete(r.tombstones, id)
		}
	}

	r.orders = kept
	for _, o := range snapshot {
		if _, ok := r.tombstones[o.ID]; ok {
			continue
		}
		if o.RestaurantID == r.restaurantID {
			if _, ok := r.orders[o.ID]; !ok {
				r.orders[o.ID] = entry{order: o.Clone()}
			}
		}
	}

	r.logger.Info().
		Str("restaurant_id", r.restaurantID).
		Int("orders", len(r.orders)).
		Int("tombstones", len(r.tombstones)).
		Uint64("as_of", asOf).
		Msg("Reconciler reset from snapshot")
}

// Get returns a copy of one order.
func (r *Reconciler) Get(id string) (orders.Order, bool) {
	e, ok := r.orders[id]
	if !ok {
		return orders.Order{}, false
	}
	return e.order.Clone(), true
}

// Len returns the number of orders held.
func (r *Reconciler) Len() int {
	return len(r.orders)
}

// Orders returns a copy of the collection, newest first.
func (r *Reconciler) Orders() []orders.Order {
	out := make([]orders.Order, 0, len(r.orders))
	for _, e := range r.orders {
		out = append(out, e.order.Clone())
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}
