// Package publish provides the command that sends an order envelope to a
// running ordersync server, the way an order service would.
package publish

import (
	"strconv"

	"github.com/spf13/cobra"

	"github.com/agentstation/ordersync/cmd/application"
	"github.com/agentstation/ordersync/internal/cmd/output"
	"github.com/agentstation/ordersync/internal/snapshot"
	"github.com/agentstation/ordersync/internal/transport"
	"github.com/agentstation/ordersync/pkg/envelope"
	"github.com/agentstation/ordersync/pkg/errors"
	"github.com/agentstation/ordersync/pkg/orders"
)

// NewCommand creates the publish command.
func NewCommand(app application.Application) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "publish",
		Short: "Publish an order envelope to a restaurant room",
		Long: `Publish sends one envelope to the server, which stamps it with the
restaurant's next sequence and fans it out to every connected display.

Created and status-changed envelopes read the order from --file (YAML or
JSON). Deleted envelopes only need --order-id.`,
		Example: `  # New order
  ordersync publish --restaurant centro --kind created --file order.yaml

  # Mark it ready
  ordersync publish --restaurant centro --kind status --file order.yaml --status READY

  # Remove it
  ordersync publish --restaurant centro --kind deleted --order-id o-123`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return run(cmd, app)
		},
	}

	cmd.Flags().String("restaurant", "", "Restaurant slug (required)")
	cmd.Flags().String("kind", "created", "Envelope kind: created, status or deleted")
	cmd.Flags().StringP("file", "f", "", "Order file (YAML or JSON)")
	cmd.Flags().String("status", "", "Override the order status from the file")
	cmd.Flags().String("order-id", "", "Order id for deleted envelopes")
	cmd.Flags().String("url", "", "Server API base URL")
	cmd.Flags().String("api-key", "", "API key sent with the request")
	_ = cmd.MarkFlagRequired("restaurant")

	return cmd
}

func run(cmd *cobra.Command, app application.Application) error {
	flags := cmd.Flags()
	client := app.ClientConfig()
	if url, _ := flags.GetString("url"); url != "" {
		client.URL = url
	}
	if key, _ := flags.GetString("api-key"); key != "" {
		client.APIKey = key
	}

	kindName, _ := flags.GetString("kind")
	file, _ := flags.GetString("file")
	status, _ := flags.GetString("status")
	orderID, _ := flags.GetString("order-id")
	env, err := buildEnvelope(kindName, file, status, orderID)
	if err != nil {
		return err
	}

	format, err := output.ParseFormat(app.OutputFormat())
	if err != nil {
		return err
	}

	slug, _ := flags.GetString("restaurant")
	app.Logger().Debug().
		Str("restaurant", slug).
		Str("kind", string(env.Kind)).
		Str("order_id", env.OrderID()).
		Msg("Publishing envelope")

	receipt, err := transport.New(client.URL, transport.KeyAuth(client.AuthHeader, client.APIKey)).
		Publish(cmd.Context(), slug, env)
	if err != nil {
		return err
	}

	formatter := output.NewFormatter(output.DetectFormat(string(format)))
	return formatter.Format(cmd.OutOrStdout(), ReceiptView{receipt})
}

// buildEnvelope assembles the unstamped envelope described by the flags.
func buildEnvelope(kindName, file, status, orderID string) (envelope.Envelope, error) {
	kind, err := envelope.ParseKind(kindName)
	if err != nil {
		return envelope.Envelope{}, err
	}

	if kind == envelope.KindDeleted {
		if orderID == "" && file != "" {
			order, err := snapshot.ReadOrder(file)
			if err != nil {
				return envelope.Envelope{}, err
			}
			orderID = order.ID
		}
		if orderID == "" {
			return envelope.Envelope{}, errors.NewValidationError("order-id", orderID, "required for deleted envelopes")
		}
		return envelope.Deleted("", orderID), nil
	}

	if file == "" {
		return envelope.Envelope{}, errors.NewValidationError("file", file, "required for "+string(kind)+" envelopes")
	}
	order, err := snapshot.ReadOrder(file)
	if err != nil {
		return envelope.Envelope{}, err
	}
	if status != "" {
		if order.Status, err = orders.ParseStatus(status); err != nil {
			return envelope.Envelope{}, err
		}
	}

	if kind == envelope.KindStatusChanged {
		return envelope.StatusChanged(order), nil
	}
	return envelope.Created(order), nil
}

// ReceiptView renders a publish receipt.
type ReceiptView struct {
	transport.Receipt `yaml:",inline"`
}

// Tables implements output.Tabular.
func (v ReceiptView) Tables() []output.Data {
	env := v.Envelope
	return []output.Data{{
		Title:   "Published",
		Headers: []string{"Sequence", "Kind", "Order", "Restaurant", "Delivered", "Dropped"},
		Rows: [][]string{{
			strconv.FormatUint(env.Sequence, 10),
			string(env.Kind),
			env.OrderID(),
			env.RestaurantID,
			strconv.Itoa(v.Delivered),
			strconv.Itoa(v.Dropped),
		}},
		ColumnAlignment: []output.Align{
			output.AlignRight, output.AlignLeft, output.AlignLeft,
			output.AlignLeft, output.AlignRight, output.AlignRight,
		},
	}}
}
