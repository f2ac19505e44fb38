// Package server provides the HTTP server that fans order envelopes out to
// kitchen, waiter and customer displays.
package server

import (
	"context"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/agentstation/ordersync/internal/registry"
	"github.com/agentstation/ordersync/internal/relay"
	"github.com/agentstation/ordersync/internal/server/middleware"
	"github.com/agentstation/ordersync/internal/server/sse"
	ws "github.com/agentstation/ordersync/internal/server/websocket"
	"github.com/agentstation/ordersync/pkg/errors"
)

// Server holds the HTTP server state and dependencies.
type Server struct {
	registry       *registry.Registry
	directory      registry.Directory
	publisher      relay.Publisher
	natsRelay      *relay.NATSRelay
	wsHub          *ws.Hub
	sseBroadcaster *sse.Broadcaster
	limiter        *middleware.RateLimiter
	logger         *zerolog.Logger
	config         Config
	ctx            context.Context
	cancel         context.CancelFunc
	running        sync.WaitGroup
	startTime      time.Time
}

// Option customizes a Server.
type Option func(*Server)

// WithDirectory replaces the configured restaurant directory. The directory
// is cached for DirectoryTTL.
func WithDirectory(d registry.Directory) Option {
	return func(s *Server) {
		s.directory = registry.NewCachedDirectory(d, s.config.DirectoryTTL)
	}
}

// WithNATSConn relays over an existing NATS connection instead of dialing NATSURL.
func WithNATSConn(conn relay.Conn) Option {
	return func(s *Server) {
		s.natsRelay = relay.NewNATSRelay(conn, s.registry, s.logger)
	}
}

// New creates a new server instance with the given configuration.
func New(cfg Config, logger *zerolog.Logger, opts ...Option) (*Server, error) {
	defaults := DefaultConfig()
	if cfg.DirectoryTTL == 0 {
		cfg.DirectoryTTL = defaults.DirectoryTTL
	}
	if cfg.AuthHeader == "" {
		cfg.AuthHeader = defaults.AuthHeader
	}
	if cfg.KeepAlive == 0 {
		cfg.KeepAlive = defaults.KeepAlive
	}
	cfg.PathPrefix = "/" + strings.Trim(cfg.PathPrefix, "/")
	if cfg.PathPrefix == "/" {
		cfg.PathPrefix = ""
	}
	if cfg.AuthEnabled && cfg.APIKey == "" {
		return nil, errors.NewConfigError("server", "auth is enabled but no API key is configured", nil)
	}

	reg := registry.New(cfg.Registry, logger)
	ctx, cancel := context.WithCancel(context.Background())

	s := &Server{
		registry: reg,
		wsHub: ws.NewHub(reg, ws.Config{
			QueueSize: cfg.QueueSize,
			PongWait:  cfg.PongWait,
		}, logger),
		sseBroadcaster: sse.NewBroadcaster(reg, sse.Config{
			QueueSize: cfg.QueueSize,
			KeepAlive: cfg.KeepAlive,
		}, logger),
		logger:    logger,
		config:    cfg,
		ctx:       ctx,
		cancel:    cancel,
		startTime: time.Now(),
	}

	switch {
	case cfg.DirectoryURL != "":
		s.directory = registry.NewCachedDirectory(&registry.HTTPDirectory{URLTemplate: cfg.DirectoryURL}, cfg.DirectoryTTL)
	default:
		s.directory = registry.StaticDirectory(cfg.Restaurants)
	}

	for _, opt := range opts {
		opt(s)
	}

	if s.natsRelay == nil && cfg.NATSURL != "" {
		r, err := relay.Connect(cfg.NATSURL, reg, logger)
		if err != nil {
			cancel()
			return nil, err
		}
		s.natsRelay = r
	}
	if s.natsRelay != nil {
		s.publisher = s.natsRelay
	} else {
		s.publisher = relay.NewLocalPublisher(reg)
	}

	if cfg.RateLimit > 0 {
		s.limiter = middleware.NewRateLimiter(cfg.RateLimit, logger)
	}

	logger.Debug().
		Bool("cluster", s.natsRelay != nil).
		Int("restaurants", len(cfg.Restaurants)).
		Msg("Server instance created")
	return s, nil
}

// Start starts background services: the registry reaper and the cluster relay.
func (s *Server) Start() error {
	s.running.Add(1)
	go func() {
		defer s.running.Done()
		s.registry.Run(s.ctx)
	}()

	if s.natsRelay != nil {
		if err := s.natsRelay.Start(s.ctx); err != nil {
			return err
		}
	}

	s.logger.Debug().Msg("Background services started")
	return nil
}

// Handler returns the configured http.Handler with middleware chain applied.
func (s *Server) Handler() http.Handler {
	return s.setupRouter()
}

// Shutdown closes every room member and stops background services.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info().Msg("Shutting down server background services")
	s.cancel()

	done := make(chan struct{})
	go func() {
		s.running.Wait()
		close(done)
	}()

	var err error
	select {
	case <-done:
	case <-ctx.Done():
		s.logger.Warn().Msg("Background services shutdown timed out")
		err = ctx.Err()
	}

	// Start may never have run the reaper.
	s.registry.Close()

	if s.natsRelay != nil {
		if cerr := s.natsRelay.Close(); cerr != nil {
			s.logger.Warn().Err(cerr).Msg("Draining NATS connection failed")
		}
	}
	if s.limiter != nil {
		s.limiter.Close()
	}
	return err
}

// Ready reports whether the server accepts new subscriptions.
func (s *Server) Ready() error {
	if s.ctx.Err() != nil {
		return errors.ErrClosed
	}
	return nil
}

// Registry returns the room registry.
func (s *Server) Registry() *registry.Registry {
	return s.registry
}

// Publisher returns the publisher inbound envelopes go through.
func (s *Server) Publisher() relay.Publisher {
	return s.publisher
}

// Addr returns the listen address.
func (s *Server) Addr() string {
	return net.JoinHostPort(s.config.Host, strconv.Itoa(s.config.Port))
}

// HTTPServer returns an http.Server for the configured address and timeouts.
func (s *Server) HTTPServer() *http.Server {
	return &http.Server{
		Addr:         s.Addr(),
		Handler:      s.Handler(),
		ReadTimeout:  s.config.ReadTimeout,
		WriteTimeout: s.config.WriteTimeout,
		IdleTimeout:  s.config.IdleTimeout,
	}
}

// StartTime returns the server start time for uptime calculations.
func (s *Server) StartTime() time.Time {
	return s.startTime
}
