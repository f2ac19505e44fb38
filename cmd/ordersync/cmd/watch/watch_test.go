package watch

import (
	"bytes"
	"context"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentstation/ordersync/cmd/application"
	"github.com/agentstation/ordersync/internal/cmd/alerts"
	"github.com/agentstation/ordersync/internal/cmd/output"
	"github.com/agentstation/ordersync/internal/server"
	"github.com/agentstation/ordersync/internal/snapshot"
	"github.com/agentstation/ordersync/pkg/envelope"
	"github.com/agentstation/ordersync/pkg/logging"
	"github.com/agentstation/ordersync/pkg/orders"
	"github.com/agentstation/ordersync/pkg/protocol"
	"github.com/agentstation/ordersync/pkg/session"
)

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

const snapshotYAML = `- id: o0
  restaurantId: r1
  status: ACTIVE
  tableId: "3"
  items:
    - quantity: 1
      dishId: tortilla
`

func startServer(t *testing.T) (*server.Server, *httptest.Server) {
	t.Helper()
	cfg := server.DefaultConfig()
	cfg.RateLimit = 0
	cfg.Restaurants = map[string]string{"la-tasca": "r1"}

	srv, err := server.New(cfg, logging.NewTestLogger(t).Logger)
	require.NoError(t, err)
	require.NoError(t, srv.Start())
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
		ts.Close()
	})
	return srv, ts
}

func TestRunRendersSnapshotThenEvents(t *testing.T) {
	srv, ts := startServer(t)

	path := filepath.Join(t.TempDir(), "orders.yaml")
	require.NoError(t, os.WriteFile(path, []byte(snapshotYAML), 0o600))

	out, status := &syncBuffer{}, &syncBuffer{}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- Run(ctx, Options{
			Session: session.Config{
				URL:            ts.URL + "/api/v1",
				RestaurantSlug: "la-tasca",
				Role:           protocol.RoleKitchen,
			},
			Snapshot: &snapshot.FileSource{Path: path},
			Format:   output.FormatJSON,
			Status:   alerts.NewWriter(status, true),
		}, out, logging.NewTestLogger(t).Logger)
	}()

	require.Eventually(t, func() bool {
		return bytes.Contains([]byte(out.String()), []byte(`"id": "o0"`))
	}, 5*time.Second, 20*time.Millisecond, "snapshot board rendered")

	order := orders.Order{ID: "o1", RestaurantID: "r1", Status: orders.StatusActive, TableID: "7"}
	_, _, err := srv.Publisher().Publish(context.Background(), "r1", envelope.Created(order))
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return bytes.Contains([]byte(out.String()), []byte(`"id": "o1"`))
	}, 5*time.Second, 20*time.Millisecond, "published order rendered")

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
	assert.Contains(t, status.String(), "✓ Connected to la-tasca")
}

func TestRunStopsOnRejectedSubscription(t *testing.T) {
	_, ts := startServer(t)

	err := Run(context.Background(), Options{
		Session: session.Config{
			URL:            ts.URL + "/api/v1",
			RestaurantSlug: "unknown",
			Role:           protocol.RoleWaiter,
		},
		Format: output.FormatJSON,
	}, &syncBuffer{}, logging.NewTestLogger(t).Logger)

	require.Error(t, err)
	assert.Contains(t, err.Error(), "watch stopped")
}

func TestParseOptions(t *testing.T) {
	app := &application.Mock{
		OutputFormatFunc: func() string { return "yaml" },
		ClientConfigFunc: func() application.Client {
			return application.Client{URL: "http://localhost:8080/api/v1", AuthHeader: "X-API-Key"}
		},
	}
	cmd := NewCommand(app)
	require.NoError(t, cmd.ParseFlags([]string{"--restaurant", "centro", "--role", "Waiter", "--api-key", "k"}))

	opts, err := parseOptions(cmd, app)
	require.NoError(t, err)
	assert.Equal(t, "centro", opts.Session.RestaurantSlug)
	assert.Equal(t, protocol.RoleWaiter, opts.Session.Role)
	assert.Equal(t, "k", opts.Session.Header.Get("X-API-Key"))
	assert.Equal(t, output.FormatYAML, opts.Format)
	assert.IsType(t, snapshot.Empty{}, opts.Snapshot)

	require.NoError(t, cmd.ParseFlags([]string{"--role", "chef"}))
	_, err = parseOptions(cmd, app)
	assert.Error(t, err)
}
