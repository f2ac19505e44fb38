// Package application provides the application interface for ordersync commands.
//
// Commands accept this interface rather than the concrete App type, so they
// can be tested with Mock:
//
//	mock := &application.Mock{
//	    ServerConfigFunc: func() server.Config { return cfg },
//	}
//	cmd := serve.NewCommand(mock)
package application

import (
	"net/http"

	"github.com/rs/zerolog"

	"github.com/agentstation/ordersync/internal/server"
)

// Client holds the settings commands use to reach an ordersync server.
type Client struct {
	// URL is the server base URL including the API prefix, e.g. http://localhost:8080/api/v1.
	URL        string
	APIKey     string
	AuthHeader string
}

// Header returns the request headers carrying the API key, if any.
func (c Client) Header() http.Header {
	h := http.Header{}
	if c.APIKey == "" {
		return h
	}
	name := c.AuthHeader
	if name == "" {
		name = "X-API-Key"
	}
	h.Set(name, c.APIKey)
	return h
}

// Application provides what commands need from the running program.
// All methods must be safe for concurrent access.
type Application interface {
	// Logger returns the configured logger instance.
	Logger() *zerolog.Logger

	// ServerConfig returns the server settings merged from file, env and defaults.
	ServerConfig() server.Config

	// ClientConfig returns the settings for talking to a server.
	ClientConfig() Client

	// OutputFormat returns the --format flag value (table, json, yaml, markdown).
	OutputFormat() string

	// Version returns the application version string.
	Version() string
}
