// Package watch provides a terminal order board that follows one
// restaurant room and keeps itself reconciled against a snapshot.
package watch

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/agentstation/ordersync/cmd/application"
	"github.com/agentstation/ordersync/internal/cmd/alerts"
	"github.com/agentstation/ordersync/internal/cmd/output"
	"github.com/agentstation/ordersync/internal/snapshot"
	"github.com/agentstation/ordersync/pkg/envelope"
	"github.com/agentstation/ordersync/pkg/errors"
	"github.com/agentstation/ordersync/pkg/orders"
	"github.com/agentstation/ordersync/pkg/protocol"
	"github.com/agentstation/ordersync/pkg/reconciler"
	"github.com/agentstation/ordersync/pkg/session"
)

// NewCommand creates the watch command.
func NewCommand(app application.Application) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Follow a restaurant room and render its order board",
		Long: `Watch subscribes to a restaurant room over WebSocket and prints the
order board (active and ready columns) every time it changes.

The board is seeded from --snapshot, a URL or a YAML/JSON file listing the
restaurant's orders. When the connection drops for longer than the server
keeps envelopes, the snapshot is fetched again and the board rebuilt.`,
		Example: `  # Kitchen board for a restaurant
  ordersync watch --restaurant centro --role kitchen

  # Seed from the order service
  ordersync watch --restaurant centro --snapshot 'https://orders.internal/restaurants/{restaurant}/orders'

  # Stream JSON boards to another program
  ordersync watch --restaurant centro -o json`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			opts, err := parseOptions(cmd, app)
			if err != nil {
				return err
			}
			return Run(cmd.Context(), opts, cmd.OutOrStdout(), app.Logger())
		},
	}

	cmd.Flags().String("restaurant", "", "Restaurant slug to follow (required)")
	cmd.Flags().String("role", string(protocol.RoleKitchen), "Room role: kitchen, waiter or customer")
	cmd.Flags().String("snapshot", "", "Snapshot URL ({restaurant} placeholder) or file")
	cmd.Flags().String("url", "", "Server API base URL")
	cmd.Flags().String("api-key", "", "API key sent with requests")
	_ = cmd.MarkFlagRequired("restaurant")

	return cmd
}

// Options configures a watch.
type Options struct {
	Session  session.Config
	Snapshot snapshot.Source
	Format   output.Format
	// Status receives connection notices; nil prints none.
	Status *alerts.Writer
	// Backoff bounds reconnect delays; zero keeps the session defaults.
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

func parseOptions(cmd *cobra.Command, app application.Application) (Options, error) {
	flags := cmd.Flags()
	client := app.ClientConfig()
	if url, _ := flags.GetString("url"); url != "" {
		client.URL = url
	}
	if key, _ := flags.GetString("api-key"); key != "" {
		client.APIKey = key
	}

	roleName, _ := flags.GetString("role")
	role, err := protocol.ParseRole(roleName)
	if err != nil {
		return Options{}, err
	}
	format, err := output.ParseFormat(app.OutputFormat())
	if err != nil {
		return Options{}, err
	}

	slug, _ := flags.GetString("restaurant")
	location, _ := flags.GetString("snapshot")
	header := client.Header()

	return Options{
		Session: session.Config{
			URL:            client.URL,
			RestaurantSlug: slug,
			Role:           role,
			Header:         header,
		},
		Snapshot: snapshot.New(location, header),
		Format:   output.DetectFormat(string(format)),
		Status:   alerts.NewWriter(cmd.ErrOrStderr(), false),
	}, nil
}

// update is one session callback, funnelled to the render loop.
type update struct {
	env    *envelope.Envelope
	state  session.State
	resync bool
	err    error
}

// Run follows the room until ctx is cancelled or the subscription is
// rejected. Callbacks are serialized onto one goroutine, so the reconciler
// needs no locking.
func Run(ctx context.Context, opts Options, out io.Writer, logger *zerolog.Logger) error {
	if opts.Snapshot == nil {
		opts.Snapshot = snapshot.Empty{}
	}

	ctx, cancel := context.WithCancel(ctx)
	updates := make(chan update, 64)
	send := func(u update) {
		select {
		case updates <- u:
		case <-ctx.Done():
		}
	}

	sessOpts := []session.Option{
		session.WithLogger(logger),
		session.WithOnEvent(func(env envelope.Envelope) { send(update{env: &env}) }),
		session.WithOnStateChange(func(s session.State) { send(update{state: s}) }),
		session.WithOnResync(func() { send(update{resync: true}) }),
		session.WithOnError(func(err error) { send(update{err: err}) }),
	}
	if opts.InitialBackoff > 0 && opts.MaxBackoff > 0 {
		sessOpts = append(sessOpts, session.WithBackoff(opts.InitialBackoff, opts.MaxBackoff))
	}
	sess, err := session.New(opts.Session, sessOpts...)
	if err != nil {
		cancel()
		return err
	}
	sess.Start(ctx)
	defer func() {
		// unblocks callbacks still waiting to send
		cancel()
		sess.Close()
		<-sess.Done()
	}()

	b := &board{
		sess:      sess,
		slug:      opts.Session.RestaurantSlug,
		status:    opts.Status,
		source:    opts.Snapshot,
		formatter: output.NewFormatter(opts.Format),
		out:       out,
		logger:    logger,
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case u := <-updates:
			if err := b.handle(ctx, u); err != nil {
				return err
			}
		}
	}
}

type board struct {
	sess      *session.Session
	slug      string
	status    *alerts.Writer
	source    snapshot.Source
	rec       *reconciler.Reconciler
	formatter output.Formatter
	out       io.Writer
	logger    *zerolog.Logger
}

func (b *board) handle(ctx context.Context, u update) error {
	if u.state != "" {
		b.notify(u.state)
	}

	switch {
	case u.err != nil:
		_ = b.status.Write(alerts.NewError("Subscription to " + b.slug + " stopped").WithError(u.err))
		return fmt.Errorf("watch stopped: %w", u.err)
	case u.state == session.StateConnected && b.rec == nil:
		// the restaurant id is known once the first join is acknowledged
		list, err := b.fetch(ctx)
		if err != nil {
			return err
		}
		b.rec = reconciler.New(b.sess.RestaurantID(), list, reconciler.WithLogger(b.logger))
		return b.render()
	case u.resync && b.rec != nil:
		_ = b.status.Write(alerts.NewInfo("Envelopes may have been missed, refetching the snapshot"))
		asOf := b.sess.LastSequence()
		list, err := b.fetch(ctx)
		if err != nil {
			// keep showing the stale board; the next resync retries
			b.logger.Warn().Err(err).Msg("Snapshot refetch failed")
			return nil
		}
		b.rec.Reset(list, asOf)
		return b.render()
	case u.env != nil && b.rec != nil:
		outcome, err := b.rec.Apply(*u.env)
		if err != nil {
			b.logger.Warn().Err(err).Msg("Envelope rejected")
			return nil
		}
		if outcome.Changed() {
			return b.render()
		}
	}
	return nil
}

func (b *board) notify(state session.State) {
	var a *alerts.Alert
	switch state {
	case session.StateConnecting:
		a = alerts.NewInfo("Connecting to " + b.slug)
	case session.StateConnected:
		a = alerts.NewSuccess("Connected to " + b.slug)
	case session.StateDisconnected:
		a = alerts.NewWarning("Disconnected from " + b.slug + ", retrying")
	default:
		return
	}
	_ = b.status.Write(a)
}

func (b *board) fetch(ctx context.Context) ([]orders.Order, error) {
	id := b.sess.RestaurantID()
	list, err := b.source.Fetch(ctx, id)
	if errors.IsNotFound(err) {
		b.logger.Info().Str("restaurant_id", id).Msg("No snapshot, starting from an empty board")
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("fetching snapshot: %w", err)
	}
	return list, nil
}

func (b *board) render() error {
	view := output.NewBoardView(b.rec.Board(), time.Now())
	if err := b.formatter.Format(b.out, view); err != nil {
		return err
	}
	_, err := fmt.Fprintln(b.out)
	return err
}
