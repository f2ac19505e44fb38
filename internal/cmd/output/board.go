package output

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"github.com/agentstation/ordersync/pkg/orders"
	"github.com/agentstation/ordersync/pkg/reconciler"
)

// BoardView renders a board as one table per column. It encodes to JSON and
// YAML as the board itself.
type BoardView struct {
	reconciler.Board
	Now time.Time `json:"-" yaml:"-"`
}

// NewBoardView wraps a board for output, with ages measured against now.
func NewBoardView(b reconciler.Board, now time.Time) BoardView {
	return BoardView{Board: b, Now: now}
}

var boardHeaders = []string{"Order", "Table", "Items", "Status", "Age", "Note"}

// Tables implements Tabular.
func (v BoardView) Tables() []Data {
	cols := v.Columns()
	out := make([]Data, 0, len(cols))
	for _, col := range cols {
		data := Data{
			Title:           fmt.Sprintf("%s (%d)", col.Label, col.Count),
			Headers:         boardHeaders,
			ColumnAlignment: []Align{AlignLeft, AlignCenter, AlignRight, AlignLeft, AlignRight, AlignLeft},
		}
		for _, o := range col.Orders {
			data.Rows = append(data.Rows, orderRow(o, v.Now))
		}
		out = append(out, data)
	}
	return out
}

// MarshalYAML encodes the embedded board only.
func (v BoardView) MarshalYAML() (any, error) {
	return v.Board, nil
}

var titleCaser = cases.Title(language.English)

// StatusLabel renders a status for humans: PREPARING becomes Preparing.
func StatusLabel(s orders.Status) string {
	return titleCaser.String(strings.ToLower(string(s)))
}

func orderRow(o orders.Order, now time.Time) []string {
	table := o.TableID
	if table == "" {
		table = "-"
	}
	return []string{
		o.ID,
		table,
		strconv.Itoa(o.ItemCount()),
		StatusLabel(o.Status),
		Age(o.CreatedAt, now),
		o.Note,
	}
}

// Age renders how long ago t was, in whole minutes or hours.
func Age(t, now time.Time) string {
	if t.IsZero() {
		return "-"
	}
	d := now.Sub(t)
	switch {
	case d < time.Minute:
		return "<1m"
	case d < time.Hour:
		return fmt.Sprintf("%dm", int(d/time.Minute))
	default:
		return fmt.Sprintf("%dh%02dm", int(d/time.Hour), int(d%time.Hour/time.Minute))
	}
}
