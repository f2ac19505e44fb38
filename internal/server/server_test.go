package server

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentstation/ordersync/internal/server/handlers"
	"github.com/agentstation/ordersync/internal/server/response"
	"github.com/agentstation/ordersync/pkg/envelope"
	"github.com/agentstation/ordersync/pkg/orders"
	"github.com/agentstation/ordersync/pkg/protocol"
)

func nop() *zerolog.Logger {
	l := zerolog.Nop()
	return &l
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.RateLimit = 0
	cfg.Restaurants = map[string]string{"la-tasca": "r1"}
	return cfg
}

func startServer(t *testing.T, cfg Config, opts ...Option) (*Server, *httptest.Server) {
	t.Helper()
	srv, err := New(cfg, nop(), opts...)
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

func wsURL(ts *httptest.Server, path string) string {
	return "ws" + strings.TrimPrefix(ts.URL, "http") + path
}

func subscribe(t *testing.T, ts *httptest.Server, path string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(wsURL(ts, path), nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	frame := readFrame(t, conn)
	require.Equal(t, protocol.FrameJoined, frame.Type)
	return conn
}

func readFrame(t *testing.T, conn *websocket.Conn) protocol.Frame {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(3*time.Second)))
	var frame protocol.Frame
	require.NoError(t, conn.ReadJSON(&frame))
	return frame
}

func publish(t *testing.T, ts *httptest.Server, slug, body string, header http.Header) (*http.Response, response.Response) {
	t.Helper()
	req, err := http.NewRequest(http.MethodPost, ts.URL+"/api/v1/restaurants/"+slug+"/events", strings.NewReader(body))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range header {
		req.Header[k] = v
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var out response.Response
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return resp, out
}

func decodeAccepted(t *testing.T, out response.Response) handlers.PublishResponse {
	t.Helper()
	require.Nil(t, out.Error)
	data, err := json.Marshal(out.Data)
	require.NoError(t, err)
	var accepted handlers.PublishResponse
	require.NoError(t, json.Unmarshal(data, &accepted))
	return accepted
}

const createdBody = `{"kind":"ORDER_CREATED","payload":{"id":"o1","status":"ACTIVE","tableId":"7","items":[{"quantity":2,"dishId":"paella"}]}}`

func TestServerInitialization(t *testing.T) {
	done := make(chan struct{})
	var (
		srv    *Server
		newErr error
	)
	go func() {
		srv, newErr = New(testConfig(), nop())
		close(done)
	}()

	select {
	case <-done:
		require.NoError(t, newErr)
		require.NotNil(t, srv)
	case <-time.After(5 * time.Second):
		t.Fatal("New did not complete within 5 seconds")
	}

	require.NoError(t, srv.Start())
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	assert.NoError(t, srv.Shutdown(ctx))
	assert.Error(t, srv.Ready())
}

func TestNewRejectsAuthWithoutKey(t *testing.T) {
	cfg := testConfig()
	cfg.AuthEnabled = true
	_, err := New(cfg, nop())
	assert.Error(t, err)
}

func TestHealthEndpoints(t *testing.T) {
	_, ts := startServer(t, testConfig())

	for _, path := range []string{"/health", "/api/v1/health", "/api/v1/ready"} {
		resp, err := http.Get(ts.URL + path)
		require.NoError(t, err)
		resp.Body.Close()
		assert.Equal(t, http.StatusOK, resp.StatusCode, path)
	}

	resp, err := http.Get(ts.URL + "/api/v1/nothing")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestPublishReachesSubscribers(t *testing.T) {
	_, ts := startServer(t, testConfig())

	kitchen := subscribe(t, ts, "/api/v1/restaurants/la-tasca/rooms/kitchen/ws")
	waiter := subscribe(t, ts, "/api/v1/restaurants/la-tasca/rooms/waiter/ws")

	resp, out := publish(t, ts, "la-tasca", createdBody, nil)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	accepted := decodeAccepted(t, out)
	assert.NotZero(t, accepted.Envelope.Sequence)
	assert.Equal(t, "r1", accepted.Envelope.RestaurantID)
	assert.Equal(t, 2, accepted.Delivered)

	for _, conn := range []*websocket.Conn{kitchen, waiter} {
		frame := readFrame(t, conn)
		require.Equal(t, protocol.FrameEvent, frame.Type)
		require.NotNil(t, frame.Envelope)
		assert.Equal(t, envelope.KindCreated, frame.Envelope.Kind)
		assert.Equal(t, accepted.Envelope.Sequence, frame.Envelope.Sequence)
		require.NotNil(t, frame.Envelope.Order)
		assert.Equal(t, orders.StatusActive, frame.Envelope.Order.Status)
		assert.Equal(t, "r1", frame.Envelope.Order.RestaurantID)
	}
}

func TestPublishValidation(t *testing.T) {
	_, ts := startServer(t, testConfig())

	tests := []struct {
		name   string
		slug   string
		body   string
		status int
	}{
		{"unknown restaurant", "el-bulli", createdBody, http.StatusNotFound},
		{"malformed json", "la-tasca", `{"kind":`, http.StatusBadRequest},
		{"client sequence", "la-tasca", `{"kind":"ORDER_DELETED","sequence":9,"payload":{"orderId":"o1"}}`, http.StatusBadRequest},
		{"unknown kind", "la-tasca", `{"kind":"ORDER_PAID","payload":{}}`, http.StatusBadRequest},
		{"missing payload", "la-tasca", `{"kind":"ORDER_CREATED"}`, http.StatusBadRequest},
		{"other restaurant", "la-tasca", `{"kind":"ORDER_DELETED","restaurantId":"r2","payload":{"orderId":"o1"}}`, http.StatusConflict},
		{"deleted", "la-tasca", `{"kind":"ORDER_DELETED","payload":{"orderId":"o1"}}`, http.StatusAccepted},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, _ := publish(t, ts, tt.slug, tt.body, nil)
			assert.Equal(t, tt.status, resp.StatusCode)
		})
	}
}

func TestSubscribeRejections(t *testing.T) {
	_, ts := startServer(t, testConfig())

	tests := []struct {
		name   string
		path   string
		status int
	}{
		{"unknown restaurant", "/api/v1/restaurants/el-bulli/rooms/kitchen/ws", http.StatusNotFound},
		{"invalid role", "/api/v1/restaurants/la-tasca/rooms/chef/ws", http.StatusBadRequest},
		{"invalid after", "/api/v1/restaurants/la-tasca/rooms/kitchen/ws?after=-1", http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, resp, err := websocket.DefaultDialer.Dial(wsURL(ts, tt.path), nil)
			require.ErrorIs(t, err, websocket.ErrBadHandshake)
			require.NotNil(t, resp)
			assert.Equal(t, tt.status, resp.StatusCode)
		})
	}
}

func TestAuthGuardsPublishOnly(t *testing.T) {
	cfg := testConfig()
	cfg.AuthEnabled = true
	cfg.APIKey = "s3cret"
	_, ts := startServer(t, cfg)

	resp, _ := publish(t, ts, "la-tasca", createdBody, nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	subscribe(t, ts, "/api/v1/restaurants/la-tasca/rooms/customer/ws")

	resp, _ = publish(t, ts, "la-tasca", createdBody, http.Header{"X-Api-Key": {"s3cret"}})
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)

	stats, err := http.Get(ts.URL + "/api/v1/stats")
	require.NoError(t, err)
	stats.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, stats.StatusCode)
}

func TestSSEStreamResumes(t *testing.T) {
	_, ts := startServer(t, testConfig())

	resp, out := publish(t, ts, "la-tasca", createdBody, nil)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	first := decodeAccepted(t, out).Envelope.Sequence

	_, _ = publish(t, ts, "la-tasca", `{"kind":"ORDER_STATUS_CHANGED","payload":{"id":"o1","status":"READY"}}`, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ts.URL+"/api/v1/restaurants/la-tasca/rooms/waiter/stream", nil)
	require.NoError(t, err)
	req.Header.Set("Last-Event-ID", strconv.FormatUint(first, 10))

	stream, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer stream.Body.Close()
	assert.Equal(t, "text/event-stream", stream.Header.Get("Content-Type"))

	scanner := bufio.NewScanner(stream.Body)
	var events []string
	for scanner.Scan() && len(events) < 2 {
		if name, ok := strings.CutPrefix(scanner.Text(), "event: "); ok {
			events = append(events, name)
		}
	}
	assert.Equal(t, []string{"joined", "order"}, events)
}

func TestStatsAndMetrics(t *testing.T) {
	_, ts := startServer(t, testConfig())
	subscribe(t, ts, "/api/v1/restaurants/la-tasca/rooms/kitchen/ws")
	resp, _ := publish(t, ts, "la-tasca", createdBody, nil)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	stats, err := http.Get(ts.URL + "/api/v1/stats")
	require.NoError(t, err)
	defer stats.Body.Close()
	require.Equal(t, http.StatusOK, stats.StatusCode)

	var out struct {
		Data struct {
			Registry struct {
				Published uint64 `json:"published"`
				Members   int    `json:"members"`
			} `json:"registry"`
		} `json:"data"`
	}
	require.NoError(t, json.NewDecoder(stats.Body).Decode(&out))
	assert.Equal(t, uint64(1), out.Data.Registry.Published)
	assert.Equal(t, 1, out.Data.Registry.Members)

	metrics, err := http.Get(ts.URL + "/metrics")
	require.NoError(t, err)
	defer metrics.Body.Close()
	body := new(strings.Builder)
	_, _ = bufio.NewReader(metrics.Body).WriteTo(body)
	assert.Contains(t, body.String(), "ordersync_envelopes_published_total 1")
	assert.Contains(t, body.String(), `ordersync_room_members{restaurant="r1",role="kitchen"} 1`)
}

func TestShutdownClosesSubscribers(t *testing.T) {
	srv, ts := startServer(t, testConfig())
	conn := subscribe(t, ts, "/api/v1/restaurants/la-tasca/rooms/kitchen/ws")

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, srv.Shutdown(ctx))

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(3*time.Second)))
	_, _, err := conn.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.CloseGoingAway), "got %v", err)
}

func TestEmptyPrefix(t *testing.T) {
	cfg := testConfig()
	cfg.PathPrefix = "/"
	_, ts := startServer(t, cfg)

	conn, _, err := websocket.DefaultDialer.Dial(wsURL(ts, "/restaurants/la-tasca/rooms/kitchen/ws"), nil)
	require.NoError(t, err)
	conn.Close()
}

// memBus connects fake NATS connections in memory.
type memBus struct {
	mu   sync.Mutex
	subs []nats.MsgHandler
}

type memConn struct{ bus *memBus }

func (c memConn) Publish(subject string, data []byte) error {
	c.bus.mu.Lock()
	subs := append([]nats.MsgHandler(nil), c.bus.subs...)
	c.bus.mu.Unlock()
	for _, cb := range subs {
		cb(&nats.Msg{Subject: subject, Data: data})
	}
	return nil
}

func (c memConn) Subscribe(_ string, cb nats.MsgHandler) (*nats.Subscription, error) {
	c.bus.mu.Lock()
	defer c.bus.mu.Unlock()
	c.bus.subs = append(c.bus.subs, cb)
	return nil, nil
}

func (c memConn) Drain() error { return nil }

func TestClusterRelay(t *testing.T) {
	bus := &memBus{}
	_, a := startServer(t, testConfig(), WithNATSConn(memConn{bus}))
	_, b := startServer(t, testConfig(), WithNATSConn(memConn{bus}))

	onB := subscribe(t, b, "/api/v1/restaurants/la-tasca/rooms/kitchen/ws")

	resp, _ := publish(t, a, "la-tasca", createdBody, nil)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	frame := readFrame(t, onB)
	require.Equal(t, protocol.FrameEvent, frame.Type)
	assert.Equal(t, "o1", frame.Envelope.OrderID())
}
