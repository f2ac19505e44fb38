// Package orders defines the order model shared by publishers and displays.
// Orders are owned by the persistence service; ordersync only references them.
package orders

import (
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/agentstation/ordersync/pkg/errors"
)

// Status is the lifecycle state of an order.
type Status string

// Order statuses.
const (
	StatusActive    Status = "ACTIVE"
	StatusPreparing Status = "PREPARING"
	StatusReady     Status = "READY"
	StatusDelivered Status = "DELIVERED"
	StatusCancelled Status = "CANCELLED"
)

// Statuses lists every known status in lifecycle order.
var Statuses = []Status{StatusActive, StatusPreparing, StatusReady, StatusDelivered, StatusCancelled}

var transitions = map[Status][]Status{
	StatusActive:    {StatusPreparing, StatusReady, StatusCancelled},
	StatusPreparing: {StatusReady, StatusCancelled},
	StatusReady:     {StatusDelivered, StatusPreparing},
}

// String returns the wire name of the status.
func (s Status) String() string {
	return string(s)
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	return slices.Contains(Statuses, s)
}

// Terminal reports whether no transition leaves s.
func (s Status) Terminal() bool {
	return s == StatusDelivered || s == StatusCancelled
}

// Rank orders statuses for display priority. Lower ranks come first.
func (s Status) Rank() int {
	if i := slices.Index(Statuses, s); i >= 0 {
		return i
	}
	return len(Statuses)
}

// ParseStatus parses a status name case-insensitively.
func ParseStatus(s string) (Status, error) {
	status := Status(strings.ToUpper(strings.TrimSpace(s)))
	if !status.Valid() {
		return "", errors.NewValidationError("status", s, "unknown order status")
	}
	return status, nil
}

// CanTransition reports whether an order may move from one status to another.
func CanTransition(from, to Status) bool {
	return slices.Contains(transitions[from], to)
}

// LineItem is one dish on an order.
type LineItem struct {
	Quantity int    `json:"quantity" yaml:"quantity"`
	DishID   string `json:"dishId" yaml:"dishId"`
	DishName string `json:"dishName,omitempty" yaml:"dishName,omitempty"`
	Note     string `json:"note,omitempty" yaml:"note,omitempty"`
}

// Order is a snapshot of an order as committed by the persistence service.
type Order struct {
	ID           string     `json:"id" yaml:"id"`
	RestaurantID string     `json:"restaurantId" yaml:"restaurantId"`
	Status       Status     `json:"status" yaml:"status"`
	CreatedAt    time.Time  `json:"createdAt" yaml:"createdAt"`
	UpdatedAt    time.Time  `json:"updatedAt" yaml:"updatedAt"`
	Items        []LineItem `json:"items,omitempty" yaml:"items,omitempty"`
	Note         string     `json:"note,omitempty" yaml:"note,omitempty"`
	TableID      string     `json:"tableId,omitempty" yaml:"tableId,omitempty"`
}

// Validate checks the fields every published order must carry.
func (o *Order) Validate() error {
	if o.ID == "" {
		return errors.NewValidationError("id", o.ID, "cannot be empty")
	}
	if o.RestaurantID == "" {
		return errors.NewValidationError("restaurantId", o.RestaurantID, "cannot be empty")
	}
	if !o.Status.Valid() {
		return errors.NewValidationError("status", o.Status, "unknown order status")
	}
	for i, item := range o.Items {
		if item.Quantity <= 0 {
			return errors.NewValidationError(fmt.Sprintf("items[%d].quantity", i), item.Quantity, "must be positive")
		}
		if item.DishID == "" {
			return errors.NewValidationError(fmt.Sprintf("items[%d].dishId", i), item.DishID, "cannot be empty")
		}
	}
	return nil
}

// Clone returns a deep copy of the order.
func (o Order) Clone() Order {
	o.Items = slices.Clone(o.Items)
	return o
}

// ItemCount returns the total quantity across line items.
func (o *Order) ItemCount() int {
	n := 0
	for _, item := range o.Items {
		n += item.Quantity
	}
	return n
}
