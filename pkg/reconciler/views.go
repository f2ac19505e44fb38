package reconciler

import (
	"sort"

	"github.com/agentstation/ordersync/pkg/orders"
)

// Board column labels.
const (
	LabelActive = "Activas"
	LabelReady  = "Listas"
)

// Active returns orders still being worked on (ACTIVE or PREPARING) in priority order.
func Active(all []orders.Order) []orders.Order {
	return ByPriority(filter(all, func(o orders.Order) bool {
		return o.Status == orders.StatusActive || o.Status == orders.StatusPreparing
	}))
}

// Ready returns orders waiting to be delivered, oldest first.
func Ready(all []orders.Order) []orders.Order {
	return ByPriority(filter(all, func(o orders.Order) bool {
		return o.Status == orders.StatusReady
	}))
}

// ByPriority returns a copy sorted by status rank, then oldest first.
func ByPriority(all []orders.Order) []orders.Order {
	out := append([]orders.Order(nil), all...)
	sort.SliceStable(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.Status.Rank() != b.Status.Rank() {
			return a.Status.Rank() < b.Status.Rank()
		}
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		return a.ID < b.ID
	})
	return out
}

func filter(all []orders.Order, keep func(orders.Order) bool) []orders.Order {
	var out []orders.Order
	for _, o := range all {
		if keep(o) {
			out = append(out, o)
		}
	}
	return out
}

// Column is one labelled list of a board.
type Column struct {
	Label  string         `json:"label" yaml:"label"`
	Count  int            `json:"count" yaml:"count"`
	Orders []orders.Order `json:"orders" yaml:"orders"`
}

// Board is the kitchen/waiter display derived from the full collection.
type Board struct {
	RestaurantID string `json:"restaurantId" yaml:"restaurantId"`
	Active       Column `json:"active" yaml:"active"`
	Ready        Column `json:"ready" yaml:"ready"`
}

// Columns returns the board columns in display order.
func (b Board) Columns() []Column {
	return []Column{b.Active, b.Ready}
}

// BuildBoard derives the board from a collection. Delivered and cancelled
// orders are not shown.
func BuildBoard(restaurantID string, all []orders.Order) Board {
	active, ready := Active(all), Ready(all)
	return Board{
		RestaurantID: restaurantID,
		Active:       Column{Label: LabelActive, Count: len(active), Orders: active},
		Ready:        Column{Label: LabelReady, Count: len(ready), Orders: ready},
	}
}

// Board derives the current board.
func (r *Reconciler) Board() Board {
	return BuildBoard(r.restaurantID, r.Orders())
}
