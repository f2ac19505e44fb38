package session

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentstation/ordersync/internal/registry"
	ws "github.com/agentstation/ordersync/internal/server/websocket"
	"github.com/agentstation/ordersync/pkg/envelope"
	"github.com/agentstation/ordersync/pkg/errors"
	"github.com/agentstation/ordersync/pkg/protocol"
)

// scriptServer runs script for every accepted connection; n counts from 1.
func scriptServer(t *testing.T, script func(n int, conn *websocket.Conn, r *http.Request)) (*httptest.Server, *atomic.Int32) {
	t.Helper()
	var count atomic.Int32
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		script(int(count.Add(1)), conn, r)
	}))
	t.Cleanup(srv.Close)
	return srv, &count
}

func joinedFrame(seq uint64, resumed bool) protocol.Frame {
	return protocol.JoinedFrame(protocol.JoinAck{RestaurantID: "r1", Role: protocol.RoleKitchen, Sequence: seq, Resumed: resumed})
}

func eventFrame(seq uint64, restaurantID, orderID string) protocol.Frame {
	return protocol.EventFrame(envelope.Deleted(restaurantID, orderID).Stamped(seq, time.Now()))
}

// waitClosed blocks until the peer goes away.
func waitClosed(conn *websocket.Conn) {
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

type recorder struct {
	mu      sync.Mutex
	states  []State
	events  []envelope.Envelope
	errs    []error
	resyncs int
}

func (r *recorder) options() []Option {
	nop := zerolog.Nop()
	return []Option{
		WithLogger(&nop),
		WithBackoff(10*time.Millisecond, 50*time.Millisecond),
		WithOnStateChange(func(s State) { r.mu.Lock(); r.states = append(r.states, s); r.mu.Unlock() }),
		WithOnEvent(func(e envelope.Envelope) { r.mu.Lock(); r.events = append(r.events, e); r.mu.Unlock() }),
		WithOnError(func(err error) { r.mu.Lock(); r.errs = append(r.errs, err); r.mu.Unlock() }),
		WithOnResync(func() { r.mu.Lock(); r.resyncs++; r.mu.Unlock() }),
	}
}

func (r *recorder) snapshot() ([]State, []envelope.Envelope, []error, int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]State(nil), r.states...), append([]envelope.Envelope(nil), r.events...), append([]error(nil), r.errs...), r.resyncs
}

func newSession(t *testing.T, url string, rec *recorder) *Session {
	t.Helper()
	s, err := New(Config{URL: url, RestaurantSlug: "la-tasca", Role: protocol.RoleKitchen}, rec.options()...)
	require.NoError(t, err)
	t.Cleanup(s.Close)
	return s
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name string
		cfg  Config
	}{
		{"missing url", Config{RestaurantSlug: "a", Role: protocol.RoleKitchen}},
		{"bad scheme", Config{URL: "ftp://x", RestaurantSlug: "a", Role: protocol.RoleKitchen}},
		{"missing restaurant", Config{URL: "ws://x", Role: protocol.RoleKitchen}},
		{"bad role", Config{URL: "ws://x", RestaurantSlug: "a", Role: "chef"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New(tt.cfg)
			assert.True(t, errors.IsValidationError(err))
		})
	}
}

func TestEndpoint(t *testing.T) {
	s, err := New(Config{URL: "https://orders.example.com/api/v1/", RestaurantSlug: "la tasca", Role: protocol.RoleWaiter})
	require.NoError(t, err)

	assert.Equal(t, "wss://orders.example.com/api/v1/restaurants/la%20tasca/rooms/waiter/ws", s.Endpoint(0))
	assert.Equal(t, "wss://orders.example.com/api/v1/restaurants/la%20tasca/rooms/waiter/ws?after=42", s.Endpoint(42))

	s, err = New(Config{URL: "ws://orders.example.com", RestaurantSlug: "bar/terraza", Role: protocol.RoleKitchen})
	require.NoError(t, err)
	assert.Equal(t, "ws://orders.example.com/restaurants/bar%2Fterraza/rooms/kitchen/ws", s.Endpoint(0))
}

func TestEndpointReachesServer(t *testing.T) {
	paths := make(chan string, 1)
	srv, _ := scriptServer(t, func(_ int, conn *websocket.Conn, r *http.Request) {
		paths <- r.URL.Path
		_ = conn.WriteJSON(joinedFrame(1, false))
		waitClosed(conn)
	})

	rec := &recorder{}
	s, err := New(Config{URL: srv.URL, RestaurantSlug: "la tasca", Role: protocol.RoleKitchen}, rec.options()...)
	require.NoError(t, err)
	t.Cleanup(s.Close)
	s.Start(context.Background())

	require.Eventually(t, s.IsConnected, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, "/restaurants/la tasca/rooms/kitchen/ws", <-paths)
}

func TestConnectedOnlyAfterJoin(t *testing.T) {
	release := make(chan struct{})
	srv, _ := scriptServer(t, func(_ int, conn *websocket.Conn, _ *http.Request) {
		<-release
		_ = conn.WriteJSON(joinedFrame(10, false))
		waitClosed(conn)
	})

	rec := &recorder{}
	s := newSession(t, srv.URL, rec)
	s.Start(context.Background())

	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, StateConnecting, s.State())
	assert.False(t, s.IsConnected())

	close(release)
	require.Eventually(t, s.IsConnected, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, "r1", s.RestaurantID())
	assert.Equal(t, uint64(10), s.LastSequence())

	states, _, _, resyncs := rec.snapshot()
	assert.Equal(t, []State{StateConnecting, StateConnected}, states)
	assert.Zero(t, resyncs, "first join never asks for a resync")
}

func TestDeliversEventsInOrder(t *testing.T) {
	srv, _ := scriptServer(t, func(_ int, conn *websocket.Conn, _ *http.Request) {
		_ = conn.WriteJSON(joinedFrame(10, false))
		_ = conn.WriteJSON(eventFrame(11, "r1", "a"))
		_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"event","envelope":{"kind":"ORDER_CREATED","restaurantId":"r1","payload":7}}`))
		_ = conn.WriteJSON(eventFrame(12, "r2", "foreign"))
		_ = conn.WriteJSON(eventFrame(13, "r1", "b"))
		waitClosed(conn)
	})

	rec := &recorder{}
	s := newSession(t, srv.URL, rec)
	s.Start(context.Background())

	require.Eventually(t, func() bool {
		_, events, _, _ := rec.snapshot()
		return len(events) == 2
	}, 2*time.Second, 5*time.Millisecond)

	_, events, errs, _ := rec.snapshot()
	assert.Equal(t, "a", events[0].OrderID())
	assert.Equal(t, "b", events[1].OrderID())
	assert.Empty(t, errs)
	assert.Equal(t, uint64(13), s.LastSequence())
	assert.True(t, s.IsConnected())
}

func TestFatalHandshakeStopsRetrying(t *testing.T) {
	for _, status := range []int{http.StatusNotFound, http.StatusBadRequest, http.StatusUnauthorized, http.StatusForbidden} {
		t.Run(http.StatusText(status), func(t *testing.T) {
			var calls atomic.Int32
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				calls.Add(1)
				http.Error(w, "unknown restaurant", status)
			}))
			defer srv.Close()

			rec := &recorder{}
			s := newSession(t, srv.URL, rec)
			s.Start(context.Background())

			select {
			case <-s.Done():
			case <-time.After(2 * time.Second):
				t.Fatal("session kept retrying")
			}

			assert.Equal(t, StateError, s.State())
			assert.Equal(t, int32(1), calls.Load())
			_, _, errs, _ := rec.snapshot()
			require.Len(t, errs, 1)
			assert.True(t, errors.IsFatal(errs[0]))
			assert.Equal(t, status == http.StatusNotFound, errors.IsNotFound(errs[0]))
		})
	}
}

func TestErrorFrameIsFatal(t *testing.T) {
	srv, count := scriptServer(t, func(_ int, conn *websocket.Conn, _ *http.Request) {
		_ = conn.WriteJSON(protocol.ErrorFrame(protocol.CodeNotFound, "restaurant closed"))
		waitClosed(conn)
	})

	rec := &recorder{}
	s := newSession(t, srv.URL, rec)
	s.Start(context.Background())

	<-s.Done()
	assert.Equal(t, StateError, s.State())
	assert.Equal(t, int32(1), count.Load())
	_, _, errs, _ := rec.snapshot()
	require.Len(t, errs, 1)
	var subErr *errors.SubscriptionError
	require.ErrorAs(t, errs[0], &subErr)
	assert.Equal(t, protocol.CodeNotFound, subErr.Code)
}

func TestRetryableErrorFramesReconnect(t *testing.T) {
	for _, code := range []string{protocol.CodeShutdown, protocol.CodeQueueFull} {
		t.Run(code, func(t *testing.T) {
			srv, count := scriptServer(t, func(n int, conn *websocket.Conn, _ *http.Request) {
				if n == 1 {
					_ = conn.WriteJSON(protocol.ErrorFrame(code, "try again"))
					return
				}
				_ = conn.WriteJSON(joinedFrame(10, false))
				waitClosed(conn)
			})

			rec := &recorder{}
			s := newSession(t, srv.URL, rec)
			s.Start(context.Background())

			require.Eventually(t, s.IsConnected, 2*time.Second, 5*time.Millisecond)
			assert.GreaterOrEqual(t, count.Load(), int32(2))
			states, _, errs, _ := rec.snapshot()
			assert.Empty(t, errs)
			assert.NotContains(t, states, StateError)
		})
	}
}

func TestTransientFailuresRetry(t *testing.T) {
	var calls atomic.Int32
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			http.Error(w, "overloaded", http.StatusServiceUnavailable)
			return
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		_ = conn.WriteJSON(joinedFrame(1, false))
		waitClosed(conn)
	}))
	defer srv.Close()

	rec := &recorder{}
	s := newSession(t, srv.URL, rec)
	s.Start(context.Background())

	require.Eventually(t, s.IsConnected, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, int32(3), calls.Load())
	_, _, errs, _ := rec.snapshot()
	assert.Empty(t, errs)
}

func TestReconnectResumesFromLastSequence(t *testing.T) {
	afters := make(chan string, 4)
	srv, _ := scriptServer(t, func(n int, conn *websocket.Conn, r *http.Request) {
		afters <- r.URL.Query().Get("after")
		switch n {
		case 1:
			_ = conn.WriteJSON(joinedFrame(10, false))
			_ = conn.WriteJSON(eventFrame(11, "r1", "a"))
			// drop the connection
		case 2:
			_ = conn.WriteJSON(joinedFrame(12, true))
			_ = conn.WriteJSON(eventFrame(12, "r1", "b"))
			waitClosed(conn)
		}
	})

	rec := &recorder{}
	s := newSession(t, srv.URL, rec)
	s.Start(context.Background())

	require.Eventually(t, func() bool {
		_, events, _, _ := rec.snapshot()
		return len(events) == 2
	}, 3*time.Second, 5*time.Millisecond)

	assert.Equal(t, "", <-afters)
	assert.Equal(t, "11", <-afters)

	states, _, _, resyncs := rec.snapshot()
	assert.Zero(t, resyncs)
	assert.Equal(t, []State{StateConnecting, StateConnected, StateDisconnected, StateConnecting, StateConnected}, states)
}

func TestReconnectWithoutReplayResyncs(t *testing.T) {
	srv, _ := scriptServer(t, func(n int, conn *websocket.Conn, _ *http.Request) {
		switch n {
		case 1:
			_ = conn.WriteJSON(joinedFrame(10, false))
		default:
			_ = conn.WriteJSON(joinedFrame(50, false))
			waitClosed(conn)
		}
	})

	rec := &recorder{}
	s := newSession(t, srv.URL, rec)
	s.Start(context.Background())

	require.Eventually(t, func() bool {
		_, _, _, resyncs := rec.snapshot()
		return resyncs == 1
	}, 3*time.Second, 5*time.Millisecond)
	assert.Equal(t, uint64(50), s.LastSequence())
}

func TestFailedResumeNotifiesOnce(t *testing.T) {
	// the frames a registry queue produces for a resume it cannot replay
	q := registry.NewQueue(4)
	require.True(t, q.Joined(protocol.JoinAck{RestaurantID: "r1", Role: protocol.RoleKitchen, Sequence: 50, After: 10}))
	var rejoin []protocol.Frame
	for len(q.Frames()) > 0 {
		rejoin = append(rejoin, <-q.Frames())
	}
	require.Len(t, rejoin, 2)

	srv, _ := scriptServer(t, func(n int, conn *websocket.Conn, _ *http.Request) {
		if n == 1 {
			_ = conn.WriteJSON(joinedFrame(10, false))
			return
		}
		for _, f := range rejoin {
			_ = conn.WriteJSON(f)
		}
		_ = conn.WriteJSON(eventFrame(51, "r1", "a"))
		waitClosed(conn)
	})

	rec := &recorder{}
	s := newSession(t, srv.URL, rec)
	s.Start(context.Background())

	require.Eventually(t, func() bool {
		_, events, _, _ := rec.snapshot()
		return len(events) == 1
	}, 3*time.Second, 5*time.Millisecond)

	_, _, _, resyncs := rec.snapshot()
	assert.Equal(t, 1, resyncs)
	assert.Equal(t, uint64(51), s.LastSequence())
}

func TestResyncFrame(t *testing.T) {
	srv, _ := scriptServer(t, func(_ int, conn *websocket.Conn, _ *http.Request) {
		_ = conn.WriteJSON(joinedFrame(10, false))
		_ = conn.WriteJSON(protocol.ResyncFrame(20))
		waitClosed(conn)
	})

	rec := &recorder{}
	s := newSession(t, srv.URL, rec)
	s.Start(context.Background())

	require.Eventually(t, func() bool {
		_, _, _, resyncs := rec.snapshot()
		return resyncs == 1
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, uint64(20), s.LastSequence())
}

func TestCloseIsFireAndForget(t *testing.T) {
	srv, _ := scriptServer(t, func(_ int, conn *websocket.Conn, _ *http.Request) {
		_ = conn.WriteJSON(joinedFrame(1, false))
		waitClosed(conn)
	})

	rec := &recorder{}
	s := newSession(t, srv.URL, rec)
	s.Start(context.Background())
	require.Eventually(t, s.IsConnected, 2*time.Second, 5*time.Millisecond)

	start := time.Now()
	s.Close()
	s.Close()
	assert.Less(t, time.Since(start), 50*time.Millisecond)

	select {
	case <-s.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("session did not stop")
	}
	assert.Equal(t, StateDisconnected, s.State())
}

func TestCloseBeforeStart(t *testing.T) {
	s, err := New(Config{URL: "ws://127.0.0.1:1", RestaurantSlug: "a", Role: protocol.RoleWaiter})
	require.NoError(t, err)
	s.Close()
	s.Start(context.Background())

	select {
	case <-s.Done():
	default:
		t.Fatal("Done not closed")
	}
	assert.Equal(t, StateDisconnected, s.State())
}

// End to end against the real registry and WebSocket hub.
func TestSessionAgainstHub(t *testing.T) {
	logger := zerolog.Nop()
	reg := registry.New(registry.DefaultConfig(), &logger)
	hub := ws.NewHub(reg, ws.Config{}, &logger)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var after uint64
		if v := r.URL.Query().Get("after"); v != "" {
			after, _ = strconv.ParseUint(v, 10, 64)
		}
		hub.Serve(w, r, protocol.RoomKey{RestaurantID: "r1", Role: protocol.RoleKitchen}, after)
	}))
	defer srv.Close()

	rec := &recorder{}
	s := newSession(t, srv.URL, rec)
	s.Start(context.Background())
	require.Eventually(t, s.IsConnected, 2*time.Second, 5*time.Millisecond)

	for _, id := range []string{"a", "b", "c"} {
		_, _, err := reg.Publish(context.Background(), "r1", envelope.Deleted("r1", id))
		require.NoError(t, err)
	}

	require.Eventually(t, func() bool {
		_, events, _, _ := rec.snapshot()
		return len(events) == 3
	}, 2*time.Second, 5*time.Millisecond)

	_, events, _, _ := rec.snapshot()
	assert.Equal(t, []string{"a", "b", "c"}, []string{events[0].OrderID(), events[1].OrderID(), events[2].OrderID()})
	assert.Equal(t, events[2].Sequence, s.LastSequence())
}

func TestSessionResumesPastQueueCapacity(t *testing.T) {
	logger := zerolog.Nop()
	reg := registry.New(registry.DefaultConfig(), &logger)
	hub := ws.NewHub(reg, ws.Config{}, &logger)
	ctx := context.Background()

	first, _, err := reg.Publish(ctx, "r1", envelope.Deleted("r1", "o0"))
	require.NoError(t, err)
	for i := 1; i <= registry.DefaultQueueSize+44; i++ {
		_, _, err = reg.Publish(ctx, "r1", envelope.Deleted("r1", "o"+strconv.Itoa(i)))
		require.NoError(t, err)
	}

	var calls atomic.Int32
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			// a display that last saw the first envelope, then dropped
			conn, err := upgrader.Upgrade(w, r, nil)
			if err != nil {
				return
			}
			_ = conn.WriteJSON(joinedFrame(first.Sequence, false))
			_ = conn.Close()
			return
		}
		after, _ := strconv.ParseUint(r.URL.Query().Get("after"), 10, 64)
		hub.Serve(w, r, protocol.RoomKey{RestaurantID: "r1", Role: protocol.RoleKitchen}, after)
	}))
	defer srv.Close()

	rec := &recorder{}
	s := newSession(t, srv.URL, rec)
	s.Start(ctx)

	require.Eventually(t, func() bool {
		_, _, _, resyncs := rec.snapshot()
		return resyncs == 1 && s.IsConnected()
	}, 3*time.Second, 5*time.Millisecond)

	next, _, err := reg.Publish(ctx, "r1", envelope.Deleted("r1", "late"))
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		return s.LastSequence() == next.Sequence
	}, 2*time.Second, 5*time.Millisecond)

	states, events, errs, resyncs := rec.snapshot()
	assert.Empty(t, errs)
	assert.NotContains(t, states, StateError)
	assert.Equal(t, 1, resyncs)
	require.Len(t, events, 1)
	assert.Equal(t, "late", events[0].OrderID())
}
