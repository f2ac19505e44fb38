// Package session maintains a display's live subscription to one restaurant
// room, reconnecting with exponential backoff and resuming from the last
// sequence it delivered.
//
// A session is connected only once the server has acknowledged the join.
// Transport failures never surface as errors: they move the session through
// disconnected and back to connecting, and so do error frames for an
// overflowing queue or a server shutting down. Only fatal conditions such as
// an unknown restaurant or a rejected credential stop the session and are
// reported through OnError.
//
// All callbacks run on the session's own goroutine, one at a time, in the
// order the server sent the frames.
package session

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/agentstation/ordersync/pkg/envelope"
	"github.com/agentstation/ordersync/pkg/errors"
	"github.com/agentstation/ordersync/pkg/protocol"
)

// State is the connection state of a session.
type State string

// Session states.
const (
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateDisconnected State = "disconnected"
	StateError        State = "error"
)

const (
	defaultInitialBackoff = time.Second
	defaultMaxBackoff     = 30 * time.Second
	defaultPongWait       = 60 * time.Second
	writeWait             = 10 * time.Second
	maxFrameSize          = 1 << 20
)

// Config identifies the room a session subscribes to.
type Config struct {
	// URL is the server's API base, e.g. ws://localhost:8080/api/v1. http and
	// https schemes are rewritten to ws and wss.
	URL            string
	RestaurantSlug string
	Role           protocol.Role
	// Header is sent with the handshake, e.g. an X-API-Key.
	Header http.Header
}

// Validate checks the configuration.
func (c Config) Validate() error {
	if c.URL == "" {
		return errors.NewValidationError("url", c.URL, "cannot be empty")
	}
	u, err := url.Parse(c.URL)
	if err != nil {
		return errors.WrapValidation("url", err)
	}
	switch u.Scheme {
	case "ws", "wss", "http", "https":
	default:
		return errors.NewValidationError("url", c.URL, "scheme must be ws, wss, http or https")
	}
	if strings.TrimSpace(c.RestaurantSlug) == "" {
		return errors.NewValidationError("restaurant", c.RestaurantSlug, "cannot be empty")
	}
	if !c.Role.Valid() {
		return errors.NewValidationError("role", c.Role, "must be one of kitchen, waiter, customer")
	}
	return nil
}

// Option configures a Session.
type Option func(*Session)

// WithOnEvent sets the callback receiving each envelope.
func WithOnEvent(fn func(envelope.Envelope)) Option {
	return func(s *Session) { s.onEvent = fn }
}

// WithOnError sets the callback receiving the fatal error that stopped the session.
func WithOnError(fn func(error)) Option {
	return func(s *Session) { s.onError = fn }
}

// WithOnStateChange sets the callback receiving every state transition.
func WithOnStateChange(fn func(State)) Option {
	return func(s *Session) { s.onStateChange = fn }
}

// WithOnResync sets the callback invoked when envelopes may have been missed
// and the consumer should refetch a snapshot.
func WithOnResync(fn func()) Option {
	return func(s *Session) { s.onResync = fn }
}

// WithLogger sets the session logger.
func WithLogger(logger *zerolog.Logger) Option {
	return func(s *Session) { s.logger = logger }
}

// WithDialer replaces the WebSocket dialer.
func WithDialer(d *websocket.Dialer) Option {
	return func(s *Session) { s.dialer = d }
}

// WithBackoff sets the first and the maximum reconnect delay.
func WithBackoff(initial, maxDelay time.Duration) Option {
	return func(s *Session) {
		s.initialBackoff = initial
		s.maxBackoff = maxDelay
	}
}

// WithPongWait sets how long the server may stay silent before the
// connection is considered lost.
func WithPongWait(d time.Duration) Option {
	return func(s *Session) { s.pongWait = d }
}

// Session is one display's subscription.
type Session struct {
	cfg    Config
	dialer *websocket.Dialer
	logger *zerolog.Logger

	onEvent       func(envelope.Envelope)
	onError       func(error)
	onStateChange func(State)
	onResync      func()

	initialBackoff time.Duration
	maxBackoff     time.Duration
	pongWait       time.Duration

	state        atomic.Value
	lastSeq      atomic.Uint64
	restaurantID atomic.Value
	joinedOnce   bool

	mu      sync.Mutex
	started bool
	closed  bool
	cancel  context.CancelFunc
	done    chan struct{}
}

// New creates a session. It does not connect until Start.
func New(cfg Config, opts ...Option) (*Session, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	nop := zerolog.Nop()
	s := &Session{
		cfg:            cfg,
		dialer:         websocket.DefaultDialer,
		logger:         &nop,
		initialBackoff: defaultInitialBackoff,
		maxBackoff:     defaultMaxBackoff,
		pongWait:       defaultPongWait,
		done:           make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.state.Store(StateDisconnected)
	s.restaurantID.Store("")
	return s, nil
}

// Start launches the connection loop and returns immediately.
func (s *Session) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started || s.closed {
		return
	}
	s.started = true

	ctx, s.cancel = context.WithCancel(ctx)
	go s.run(ctx)
}

// Close requests teardown and returns without waiting. Done is closed once
// the session has stopped.
func (s *Session) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	if s.cancel != nil {
		s.cancel()
		return
	}
	close(s.done)
}

// Done is closed when the session has stopped.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// State returns the current state.
func (s *Session) State() State {
	return s.state.Load().(State)
}

// IsConnected reports whether the server has acknowledged the current join.
func (s *Session) IsConnected() bool {
	return s.State() == StateConnected
}

// LastSequence returns the highest sequence delivered so far.
func (s *Session) LastSequence() uint64 {
	return s.lastSeq.Load()
}

// RestaurantID returns the restaurant id the server resolved the slug to,
// empty before the first join.
func (s *Session) RestaurantID() string {
	return s.restaurantID.Load().(string)
}

// Endpoint returns the WebSocket URL resuming after the given sequence.
func (s *Session) Endpoint(after uint64) string {
	u, _ := url.Parse(s.cfg.URL)
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	}
	raw := strings.TrimSuffix(u.EscapedPath(), "/") + "/restaurants/" + url.PathEscape(s.cfg.RestaurantSlug) +
		"/rooms/" + url.PathEscape(string(s.cfg.Role)) + "/ws"
	if p, err := url.PathUnescape(raw); err == nil {
		u.Path, u.RawPath = p, raw
	}
	q := u.Query()
	if after > 0 {
		q.Set("after", strconv.FormatUint(after, 10))
	} else {
		q.Del("after")
	}
	u.RawQuery = q.Encode()
	return u.String()
}

func (s *Session) setState(state State) {
	if old := s.state.Swap(state); old == state {
		return
	}
	s.logger.Debug().
		Str("restaurant", s.cfg.RestaurantSlug).
		Str("role", string(s.cfg.Role)).
		Str("state", string(state)).
		Msg("Session state changed")
	if s.onStateChange != nil {
		s.onStateChange(state)
	}
}

func (s *Session) run(ctx context.Context) {
	defer close(s.done)

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = s.initialBackoff
	b.MaxInterval = s.maxBackoff
	b.Multiplier = 2
	b.RandomizationFactor = 0.5
	b.Reset()

	for {
		s.setState(StateConnecting)
		joined, err := s.connect(ctx)

		if errors.IsFatal(err) {
			s.setState(StateError)
			s.logger.Error().Err(err).Str("restaurant", s.cfg.RestaurantSlug).Msg("Subscription rejected")
			if s.onError != nil {
				s.onError(err)
			}
			return
		}

		s.setState(StateDisconnected)
		if ctx.Err() != nil {
			return
		}
		if joined {
			b.Reset()
		}

		wait := b.NextBackOff()
		s.logger.Warn().Err(err).
			Str("restaurant", s.cfg.RestaurantSlug).
			Dur("retry_in", wait).
			Msg("Connection lost, reconnecting")

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

// connect runs one connection until it fails. joined reports whether the
// server acknowledged the join before the failure.
func (s *Session) connect(ctx context.Context) (joined bool, err error) {
	endpoint := s.Endpoint(s.lastSeq.Load())
	conn, resp, err := s.dialer.DialContext(ctx, endpoint, s.cfg.Header)
	if err != nil {
		if resp != nil {
			if fatal := s.handshakeError(resp); fatal != nil {
				return false, fatal
			}
		}
		return false, errors.WrapTransport("dial", endpoint, err)
	}
	defer conn.Close()

	stop := context.AfterFunc(ctx, func() {
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeWait))
		_ = conn.Close()
	})
	defer stop()

	conn.SetReadLimit(maxFrameSize)
	_ = conn.SetReadDeadline(time.Now().Add(s.pongWait))
	conn.SetPingHandler(func(data string) error {
		_ = conn.SetReadDeadline(time.Now().Add(s.pongWait))
		err := conn.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(writeWait))
		if err == websocket.ErrCloseSent {
			return nil
		}
		return err
	})

	var first protocol.Frame
	if err := conn.ReadJSON(&first); err != nil {
		return false, errors.WrapTransport("handshake", endpoint, err)
	}
	switch first.Type {
	case protocol.FrameJoined:
	case protocol.FrameError:
		return false, s.frameError(endpoint, first)
	default:
		return false, errors.WrapTransport("handshake", endpoint, fmt.Errorf("expected joined frame, got %q", first.Type))
	}

	// a failed resume is followed by a resync frame; it was reported already
	reported := s.joined(first.Ack())

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return true, errors.WrapTransport("read", endpoint, err)
		}
		_ = conn.SetReadDeadline(time.Now().Add(s.pongWait))

		var frame protocol.Frame
		if err := json.Unmarshal(data, &frame); err != nil {
			s.logger.Warn().Err(err).Str("restaurant", s.cfg.RestaurantSlug).Msg("Dropping malformed frame")
			continue
		}

		switch frame.Type {
		case protocol.FrameEvent:
			reported = false
			s.deliver(frame.Envelope)
		case protocol.FrameResync:
			if reported {
				reported = false
				s.advance(frame.Sequence)
				continue
			}
			s.resync(frame.Sequence)
		case protocol.FrameError:
			return true, s.frameError(endpoint, frame)
		default:
			s.logger.Debug().Str("frame_type", string(frame.Type)).Msg("Ignoring unknown frame")
		}
	}
}

// joined records the acknowledgement and reports whether it notified a resync.
func (s *Session) joined(ack protocol.JoinAck) bool {
	s.restaurantID.Store(ack.RestaurantID)
	rejoin := s.joinedOnce
	s.joinedOnce = true

	s.logger.Info().
		Str("restaurant", s.cfg.RestaurantSlug).
		Str("restaurant_id", ack.RestaurantID).
		Str("role", string(ack.Role)).
		Uint64("sequence", ack.Sequence).
		Bool("resumed", ack.Resumed).
		Msg("Joined room")

	s.setState(StateConnected)

	if ack.Resumed {
		return false
	}
	// nothing before ack.Sequence will be replayed; resume from here next time
	s.advance(ack.Sequence)
	if rejoin {
		s.notifyResync()
	}
	return rejoin
}

func (s *Session) resync(seq uint64) {
	s.advance(seq)
	s.notifyResync()
}

func (s *Session) advance(seq uint64) {
	if seq > s.lastSeq.Load() {
		s.lastSeq.Store(seq)
	}
}

func (s *Session) notifyResync() {
	s.logger.Info().Str("restaurant", s.cfg.RestaurantSlug).Msg("Envelopes may have been missed, resyncing")
	if s.onResync != nil {
		s.onResync()
	}
}

func (s *Session) deliver(env *envelope.Envelope) {
	if env == nil {
		return
	}
	if id := s.RestaurantID(); env.RestaurantID != id {
		s.logger.Warn().
			Str("restaurant_id", id).
			Str("envelope_restaurant_id", env.RestaurantID).
			Uint64("sequence", env.Sequence).
			Msg("Dropping envelope for another restaurant")
		return
	}
	s.advance(env.Sequence)
	if s.onEvent != nil {
		s.onEvent(*env)
	}
}

// frameError converts an error frame. Overflow and shutdown are retried.
func (s *Session) frameError(endpoint string, f protocol.Frame) error {
	if protocol.Retryable(f.Code) {
		return errors.NewTransportError("subscribe", endpoint, fmt.Errorf("%s: %s", f.Code, f.Message))
	}
	return errors.NewSubscriptionError(s.cfg.RestaurantSlug, string(s.cfg.Role), f.Code, f.Message)
}

// handshakeError returns a fatal error for handshake statuses retrying cannot fix.
func (s *Session) handshakeError(resp *http.Response) error {
	switch resp.StatusCode {
	case http.StatusBadRequest, http.StatusUnauthorized, http.StatusForbidden, http.StatusNotFound:
	default:
		return nil
	}

	msg := http.StatusText(resp.StatusCode)
	if resp.Body != nil {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		if len(body) > 0 {
			msg = strings.TrimSpace(string(body))
		}
	}
	err := errors.NewSubscriptionError(s.cfg.RestaurantSlug, string(s.cfg.Role), statusCode(resp.StatusCode), msg)
	err.Err = fmt.Errorf("handshake status %d", resp.StatusCode)
	if resp.StatusCode == http.StatusNotFound {
		err.Err = errors.NewNotFoundError("restaurant", s.cfg.RestaurantSlug)
	}
	return err
}

func statusCode(status int) string {
	switch status {
	case http.StatusNotFound:
		return protocol.CodeNotFound
	case http.StatusBadRequest:
		return protocol.CodeInvalidRole
	default:
		return protocol.CodeUnauthorized
	}
}
