package reconciler

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentstation/ordersync/pkg/envelope"
	"github.com/agentstation/ordersync/pkg/orders"
)

func ids(os []orders.Order) []string {
	out := make([]string, 0, len(os))
	for _, o := range os {
		out = append(out, o.ID)
	}
	return out
}

func TestByPriority(t *testing.T) {
	all := []orders.Order{
		order("ready-new", orders.StatusReady, 5),
		order("active-new", orders.StatusActive, 4),
		order("prep", orders.StatusPreparing, 0),
		order("active-old", orders.StatusActive, 1),
		order("ready-old", orders.StatusReady, 2),
	}
	assert.Equal(t, []string{"active-old", "active-new", "prep", "ready-old", "ready-new"}, ids(ByPriority(all)))
	assert.Equal(t, "ready-new", all[0].ID, "input is not reordered")
}

func TestActiveAndReady(t *testing.T) {
	all := []orders.Order{
		order("a", orders.StatusActive, 0),
		order("p", orders.StatusPreparing, 1),
		order("r", orders.StatusReady, 2),
		order("d", orders.StatusDelivered, 3),
		order("c", orders.StatusCancelled, 4),
	}
	assert.Equal(t, []string{"a", "p"}, ids(Active(all)))
	assert.Equal(t, []string{"r"}, ids(Ready(all)))
}

// A waiter creates an order, the kitchen marks it ready and it is later
// deleted. Kitchen and waiter displays apply the same stream independently.
func TestKitchenWaiterScenario(t *testing.T) {
	o1 := order("O1", orders.StatusActive, 0)
	o1.TableID = "4"
	o1.Items = []orders.LineItem{{Quantity: 2, DishID: "paella"}, {Quantity: 1, DishID: "sangria"}}
	existing := order("O0", orders.StatusActive, -10)

	kitchen := New("r1", []orders.Order{existing})
	waiter := New("r1", []orders.Order{existing})
	displays := []*Reconciler{kitchen, waiter}

	applyAll := func(env envelope.Envelope) {
		for _, d := range displays {
			apply(t, d, env)
		}
	}

	applyAll(created(o1, 1))
	for _, d := range displays {
		board := d.Board()
		assert.Equal(t, LabelActive, board.Active.Label)
		assert.Equal(t, 2, board.Active.Count)
		assert.Contains(t, ids(board.Active.Orders), "O1")
		assert.Zero(t, board.Ready.Count)
	}

	ready := o1
	ready.Status = orders.StatusReady
	ready.UpdatedAt = o1.UpdatedAt.Add(5 * time.Minute)
	applyAll(changed(ready, 2))
	// a duplicate from a reconnect race changes nothing
	applyAll(changed(ready, 2))
	for _, d := range displays {
		board := d.Board()
		assert.Equal(t, 1, board.Active.Count)
		assert.NotContains(t, ids(board.Active.Orders), "O1")
		require.Equal(t, 1, board.Ready.Count)
		assert.Equal(t, LabelReady, board.Ready.Label)
		assert.Equal(t, "O1", board.Ready.Orders[0].ID)
		assert.Equal(t, 3, board.Ready.Orders[0].ItemCount())
	}

	applyAll(deleted("O1", 3))
	for _, d := range displays {
		board := d.Board()
		assert.Equal(t, 1, board.Active.Count)
		assert.Zero(t, board.Ready.Count)
		assert.Equal(t, 1, d.Len())
	}
}

func TestBoardColumns(t *testing.T) {
	b := BuildBoard("r1", []orders.Order{order("a", orders.StatusReady, 0)})
	cols := b.Columns()
	require.Len(t, cols, 2)
	assert.Equal(t, LabelActive, cols[0].Label)
	assert.Equal(t, LabelReady, cols[1].Label)
	assert.Equal(t, 1, cols[1].Count)
}
