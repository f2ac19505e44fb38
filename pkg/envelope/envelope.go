// Package envelope defines the wire message describing one order lifecycle change.
//
// An envelope is addressed to a restaurant, tagged with a kind and stamped with a
// per-restaurant sequence by the room registry. Envelopes are values: once stamped
// they are never modified, only copied.
package envelope

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/agentstation/ordersync/pkg/errors"
	"github.com/agentstation/ordersync/pkg/orders"
)

// Kind tags the lifecycle change an envelope carries.
type Kind string

// Envelope kinds.
const (
	KindCreated       Kind = "ORDER_CREATED"
	KindStatusChanged Kind = "ORDER_STATUS_CHANGED"
	KindDeleted       Kind = "ORDER_DELETED"
)

// Kinds lists every recognized kind.
var Kinds = []Kind{KindCreated, KindStatusChanged, KindDeleted}

// Known reports whether k is a recognized kind.
func (k Kind) Known() bool {
	switch k {
	case KindCreated, KindStatusChanged, KindDeleted:
		return true
	}
	return false
}

// ParseKind accepts the wire name or a short alias (created, status, deleted).
func ParseKind(s string) (Kind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "created", "create", strings.ToLower(string(KindCreated)):
		return KindCreated, nil
	case "status", "status_changed", "updated", strings.ToLower(string(KindStatusChanged)):
		return KindStatusChanged, nil
	case "deleted", "delete", strings.ToLower(string(KindDeleted)):
		return KindDeleted, nil
	}
	return "", errors.NewValidationError("kind", s, "unknown envelope kind")
}

// DeletedPayload is the payload of an ORDER_DELETED envelope.
type DeletedPayload struct {
	OrderID string `json:"orderId" yaml:"orderId"`
}

// Envelope is a single order lifecycle change addressed to one restaurant.
type Envelope struct {
	Kind         Kind
	RestaurantID string
	// Sequence is assigned by the registry. Zero means not yet stamped.
	Sequence    uint64
	Order       *orders.Order
	Deleted     *DeletedPayload
	PublishedAt time.Time

	// Raw holds the undecoded payload of envelopes with an unknown kind.
	Raw json.RawMessage
}

// Created builds an ORDER_CREATED envelope for the order's restaurant.
func Created(order orders.Order) Envelope {
	o := order.Clone()
	return Envelope{Kind: KindCreated, RestaurantID: o.RestaurantID, Order: &o}
}

// StatusChanged builds an ORDER_STATUS_CHANGED envelope for the order's restaurant.
func StatusChanged(order orders.Order) Envelope {
	o := order.Clone()
	return Envelope{Kind: KindStatusChanged, RestaurantID: o.RestaurantID, Order: &o}
}

// Deleted builds an ORDER_DELETED envelope.
func Deleted(restaurantID, orderID string) Envelope {
	return Envelope{Kind: KindDeleted, RestaurantID: restaurantID, Deleted: &DeletedPayload{OrderID: orderID}}
}

// Known reports whether the envelope's kind is recognized.
func (e Envelope) Known() bool {
	return e.Kind.Known()
}

// OrderID returns the id of the affected order, or "" when the payload is missing.
func (e Envelope) OrderID() string {
	switch {
	case e.Order != nil:
		return e.Order.ID
	case e.Deleted != nil:
		return e.Deleted.OrderID
	}
	return ""
}

// Stamped returns a copy of the envelope carrying the given sequence and publish time.
func (e Envelope) Stamped(seq uint64, at time.Time) Envelope {
	e.Sequence = seq
	if e.PublishedAt.IsZero() {
		e.PublishedAt = at
	}
	return e
}

// Validate checks routing and payload consistency.
func (e Envelope) Validate() error {
	if e.RestaurantID == "" {
		return errors.NewValidationError("restaurantId", e.RestaurantID, "cannot be empty")
	}
	switch e.Kind {
	case KindCreated, KindStatusChanged:
		if e.Order == nil {
			return errors.NewValidationError("payload", nil, fmt.Sprintf("%s requires an order snapshot", e.Kind))
		}
		if err := e.Order.Validate(); err != nil {
			return fmt.Errorf("payload: %w", err)
		}
		if e.Order.RestaurantID != e.RestaurantID {
			return errors.NewValidationError("payload.restaurantId", e.Order.RestaurantID,
				fmt.Sprintf("order belongs to restaurant %s, envelope is addressed to %s", e.Order.RestaurantID, e.RestaurantID))
		}
	case KindDeleted:
		if e.Deleted == nil || e.Deleted.OrderID == "" {
			return errors.NewValidationError("payload.orderId", nil, "ORDER_DELETED requires an order id")
		}
	default:
		return errors.NewValidationError("kind", e.Kind, "unknown envelope kind")
	}
	return nil
}

// String implements fmt.Stringer for logs.
func (e Envelope) String() string {
	return fmt.Sprintf("%s restaurant=%s order=%s seq=%d", e.Kind, e.RestaurantID, e.OrderID(), e.Sequence)
}

type wireEnvelope struct {
	Kind         Kind            `json:"kind"`
	RestaurantID string          `json:"restaurantId"`
	Sequence     uint64          `json:"sequence,omitempty"`
	Payload      json.RawMessage `json:"payload,omitempty"`
	PublishedAt  *time.Time      `json:"publishedAt,omitempty"`
}

// MarshalJSON encodes the envelope in its wire format.
func (e Envelope) MarshalJSON() ([]byte, error) {
	w := wireEnvelope{
		Kind:         e.Kind,
		RestaurantID: e.RestaurantID,
		Sequence:     e.Sequence,
	}
	if !e.PublishedAt.IsZero() {
		t := e.PublishedAt
		w.PublishedAt = &t
	}

	var err error
	switch {
	case e.Order != nil:
		w.Payload, err = json.Marshal(e.Order)
	case e.Deleted != nil:
		w.Payload, err = json.Marshal(e.Deleted)
	default:
		w.Payload = e.Raw
	}
	if err != nil {
		return nil, fmt.Errorf("marshaling %s payload: %w", e.Kind, err)
	}
	return json.Marshal(w)
}

// UnmarshalJSON decodes the wire format. Envelopes of unknown kinds decode
// without error and keep their payload in Raw.
func (e *Envelope) UnmarshalJSON(data []byte) error {
	var w wireEnvelope
	if err := json.Unmarshal(data, &w); err != nil {
		return errors.NewParseError("json", "", "invalid envelope", err)
	}

	*e = Envelope{
		Kind:         w.Kind,
		RestaurantID: w.RestaurantID,
		Sequence:     w.Sequence,
	}
	if w.PublishedAt != nil {
		e.PublishedAt = *w.PublishedAt
	}
	if len(w.Payload) == 0 || string(w.Payload) == "null" {
		return nil
	}

	switch w.Kind {
	case KindCreated, KindStatusChanged:
		var o orders.Order
		if err := json.Unmarshal(w.Payload, &o); err != nil {
			return errors.NewParseError("json", "", fmt.Sprintf("invalid %s payload", w.Kind), err)
		}
		e.Order = &o
	case KindDeleted:
		var d DeletedPayload
		if err := json.Unmarshal(w.Payload, &d); err != nil {
			return errors.NewParseError("json", "", "invalid ORDER_DELETED payload", err)
		}
		e.Deleted = &d
	default:
		e.Raw = append(json.RawMessage(nil), w.Payload...)
	}
	return nil
}
