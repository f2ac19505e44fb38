// Package app provides the application context and dependency management
// for the ordersync CLI: configuration, logging and lifecycle.
package app

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/agentstation/ordersync/cmd/application"
	"github.com/agentstation/ordersync/internal/server"
)

// App represents the ordersync application with all its dependencies.
type App struct {
	// Version information
	version string
	commit  string
	date    string
	builtBy string

	config *Config
	logger *zerolog.Logger
}

var _ application.Application = (*App)(nil)

// New creates a new App instance with the given version information.
func New(version, commit, date, builtBy string, opts ...Option) (*App, error) {
	app := &App{
		version: version,
		commit:  commit,
		date:    date,
		builtBy: builtBy,
	}

	config, err := LoadConfig("")
	if err != nil {
		return nil, err
	}
	app.config = config

	logger := NewLogger(config)
	app.logger = &logger

	for _, opt := range opts {
		if err := opt(app); err != nil {
			return nil, err
		}
	}
	return app, nil
}

// Version returns the version information.
func (a *App) Version() string {
	return a.version
}

// Config returns the application configuration.
func (a *App) Config() *Config {
	return a.config
}

// Logger returns the application logger.
func (a *App) Logger() *zerolog.Logger {
	return a.logger
}

// ServerConfig implements application.Application.
func (a *App) ServerConfig() server.Config {
	return a.config.Server
}

// ClientConfig implements application.Application.
func (a *App) ClientConfig() application.Client {
	return a.config.Client
}

// OutputFormat implements application.Application.
func (a *App) OutputFormat() string {
	return a.config.Format
}

// Shutdown performs graceful shutdown of the application. Commands own
// their servers and sessions, so there is nothing left to release here.
func (a *App) Shutdown(context.Context) error {
	return nil
}

// Option is a functional option for configuring the App.
type Option func(*App) error

// WithConfig sets a custom configuration.
func WithConfig(config *Config) Option {
	return func(a *App) error {
		a.config = config
		return nil
	}
}

// WithLogger sets a custom logger.
func WithLogger(logger *zerolog.Logger) Option {
	return func(a *App) error {
		a.logger = logger
		return nil
	}
}
