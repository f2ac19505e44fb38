// Package serve provides the command that runs the ordersync server.
package serve

import (
	"context"
	"fmt"
	"maps"
	"net"
	"net/http"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/agentstation/ordersync/cmd/application"
	"github.com/agentstation/ordersync/internal/server"
)

const shutdownTimeout = 30 * time.Second

// NewCommand creates the serve command.
func NewCommand(app application.Application) *cobra.Command {
	defaults := server.DefaultConfig()

	cmd := &cobra.Command{
		Use:     "serve",
		Aliases: []string{"server"},
		Short:   "Start the order fan-out server",
		Long: `Start the ordersync server.

Features:
  - Publishing endpoint for order services (POST /restaurants/{slug}/events)
  - WebSocket rooms per restaurant and role (/restaurants/{slug}/rooms/{role}/ws)
  - Server-Sent Events with Last-Event-ID resume (/restaurants/{slug}/rooms/{role}/stream)
  - Replay of recent envelopes after a reconnect
  - Optional NATS relay for running several instances
  - API key authentication for publishing and stats
  - Rate limiting, CORS, request logging and panic recovery
  - Health, readiness and Prometheus metrics endpoints`,
		Example: `  # Start on the default port
  ordersync serve

  # Require an API key for publishing
  ordersync serve --auth --api-key secret

  # Fixed restaurant slugs
  ordersync serve --restaurant centro=rest-001 --restaurant norte=rest-002

  # Join a cluster through NATS
  ordersync serve --nats-url nats://localhost:4222`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServer(cmd, app)
		},
	}

	cmd.Flags().Int("port", defaults.Port, "Server port")
	cmd.Flags().String("host", defaults.Host, "Bind address")
	cmd.Flags().String("prefix", defaults.PathPrefix, "API path prefix")

	cmd.Flags().Bool("cors", false, "Enable CORS")
	cmd.Flags().StringSlice("cors-origins", nil, "Allowed CORS origins (comma-separated)")

	cmd.Flags().Bool("auth", false, "Require an API key for publishing and stats")
	cmd.Flags().String("auth-header", defaults.AuthHeader, "Authentication header name")
	cmd.Flags().String("api-key", "", "API key accepted when --auth is set")

	cmd.Flags().Int("rate-limit", defaults.RateLimit, "Requests per minute per IP (0 to disable)")
	cmd.Flags().Duration("read-timeout", defaults.ReadTimeout, "HTTP read timeout")
	cmd.Flags().Duration("write-timeout", defaults.WriteTimeout, "HTTP write timeout")
	cmd.Flags().Duration("idle-timeout", defaults.IdleTimeout, "HTTP idle timeout")

	cmd.Flags().Duration("heartbeat", defaults.Registry.HeartbeatTimeout, "Evict members silent for longer than this")
	cmd.Flags().Int("queue-size", defaults.QueueSize, "Outbound queue size per member")
	cmd.Flags().Int("replay-size", defaults.Registry.ReplaySize, "Envelopes kept per restaurant for resume")

	cmd.Flags().StringToString("restaurant", nil, "Restaurant slug mapping slug=id (repeatable)")
	cmd.Flags().String("directory-url", "", "URL resolving restaurant slugs ({restaurant} placeholder)")
	cmd.Flags().String("nats-url", "", "NATS server for the cluster relay")
	cmd.Flags().Bool("metrics", defaults.MetricsEnabled, "Enable the metrics endpoint")

	return cmd
}

func runServer(cmd *cobra.Command, app application.Application) error {
	cfg := parseConfig(cmd, app.ServerConfig())
	logger := app.Logger()

	logger.Info().
		Str("host", cfg.Host).
		Int("port", cfg.Port).
		Str("prefix", cfg.PathPrefix).
		Bool("cors", cfg.CORSEnabled).
		Bool("auth", cfg.AuthEnabled).
		Int("rate_limit", cfg.RateLimit).
		Int("restaurants", len(cfg.Restaurants)).
		Bool("nats", cfg.NATSURL != "").
		Msg("Starting ordersync server")

	srv, err := server.New(cfg, logger)
	if err != nil {
		return fmt.Errorf("creating server: %w", err)
	}
	if err := srv.Start(); err != nil {
		_ = srv.Shutdown(context.Background())
		return fmt.Errorf("starting server: %w", err)
	}

	httpServer := srv.HTTPServer()
	ln, err := net.Listen("tcp", httpServer.Addr)
	if err != nil {
		_ = srv.Shutdown(context.Background())
		return fmt.Errorf("listening on %s: %w", httpServer.Addr, err)
	}

	cmd.Printf("ordersync listening on %s\n", ln.Addr())
	return serve(cmd.Context(), srv, httpServer, ln, logger)
}

// parseConfig overlays the flags the user set on the loaded configuration.
func parseConfig(cmd *cobra.Command, cfg server.Config) server.Config {
	flags := cmd.Flags()
	changed := flags.Changed

	if changed("port") {
		cfg.Port = mustGet(flags.GetInt("port"))
	}
	if changed("host") {
		cfg.Host = mustGet(flags.GetString("host"))
	}
	if changed("prefix") {
		cfg.PathPrefix = mustGet(flags.GetString("prefix"))
	}
	if changed("cors") {
		cfg.CORSEnabled = mustGet(flags.GetBool("cors"))
	}
	if changed("cors-origins") {
		cfg.CORSOrigins = mustGet(flags.GetStringSlice("cors-origins"))
		cfg.CORSEnabled = true
	}
	if changed("auth") {
		cfg.AuthEnabled = mustGet(flags.GetBool("auth"))
	}
	if changed("auth-header") {
		cfg.AuthHeader = mustGet(flags.GetString("auth-header"))
	}
	if changed("api-key") {
		cfg.APIKey = mustGet(flags.GetString("api-key"))
	}
	if changed("rate-limit") {
		cfg.RateLimit = mustGet(flags.GetInt("rate-limit"))
	}
	if changed("read-timeout") {
		cfg.ReadTimeout = mustGet(flags.GetDuration("read-timeout"))
	}
	if changed("write-timeout") {
		cfg.WriteTimeout = mustGet(flags.GetDuration("write-timeout"))
	}
	if changed("idle-timeout") {
		cfg.IdleTimeout = mustGet(flags.GetDuration("idle-timeout"))
	}
	if changed("heartbeat") {
		cfg.Registry.HeartbeatTimeout = mustGet(flags.GetDuration("heartbeat"))
	}
	if changed("queue-size") {
		cfg.QueueSize = mustGet(flags.GetInt("queue-size"))
	}
	if changed("replay-size") {
		cfg.Registry.ReplaySize = mustGet(flags.GetInt("replay-size"))
	}
	if changed("restaurant") {
		restaurants := make(map[string]string, len(cfg.Restaurants))
		maps.Copy(restaurants, cfg.Restaurants)
		maps.Copy(restaurants, mustGet(flags.GetStringToString("restaurant")))
		cfg.Restaurants = restaurants
	}
	if changed("directory-url") {
		cfg.DirectoryURL = mustGet(flags.GetString("directory-url"))
	}
	if changed("nats-url") {
		cfg.NATSURL = mustGet(flags.GetString("nats-url"))
	}
	if changed("metrics") {
		cfg.MetricsEnabled = mustGet(flags.GetBool("metrics"))
	}
	return cfg
}

// serve runs httpServer on ln until ctx is cancelled. Rooms are closed
// before the listener drains so open streams end and do not hold up
// http.Server.Shutdown.
func serve(ctx context.Context, srv *server.Server, httpServer *http.Server, ln net.Listener, logger *zerolog.Logger) error {
	serverErr := make(chan error, 1)
	go func() {
		logger.Info().Str("addr", ln.Addr().String()).Msg("HTTP server listening")
		if err := httpServer.Serve(ln); err != nil && err != http.ErrServerClosed {
			serverErr <- fmt.Errorf("server failed: %w", err)
		}
	}()

	select {
	case err := <-serverErr:
		_ = srv.Shutdown(context.Background())
		return err
	case <-ctx.Done():
		logger.Info().Msg("Shutdown signal received")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Warn().Err(err).Msg("Room shutdown had issues")
		}
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown failed: %w", err)
		}

		logger.Info().Msg("Server stopped gracefully")
		return nil
	}
}

// mustGet unwraps a flag lookup for flags defined in this package.
func mustGet[T any](val T, err error) T {
	if err != nil {
		panic("programming error: " + err.Error())
	}
	return val
}
