package application

import (
	"github.com/rs/zerolog"

	"github.com/agentstation/ordersync/internal/server"
)

// Mock is an Application whose methods can be replaced by setting the
// corresponding function field. Nil fields return defaults.
type Mock struct {
	LoggerFunc       func() *zerolog.Logger
	ServerConfigFunc func() server.Config
	ClientConfigFunc func() Client
	OutputFormatFunc func() string
	VersionFunc      func() string
}

var _ Application = (*Mock)(nil)

// Logger returns a logger using the mock function or a no-op logger.
func (m *Mock) Logger() *zerolog.Logger {
	if m.LoggerFunc != nil {
		return m.LoggerFunc()
	}
	logger := zerolog.Nop()
	return &logger
}

// ServerConfig returns the mock server config or the defaults.
func (m *Mock) ServerConfig() server.Config {
	if m.ServerConfigFunc != nil {
		return m.ServerConfigFunc()
	}
	return server.DefaultConfig()
}

// ClientConfig returns the mock client config or a local default.
func (m *Mock) ClientConfig() Client {
	if m.ClientConfigFunc != nil {
		return m.ClientConfigFunc()
	}
	return Client{URL: "http://localhost:8080/api/v1", AuthHeader: "X-API-Key"}
}

// OutputFormat returns the mock format or "".
func (m *Mock) OutputFormat() string {
	if m.OutputFormatFunc != nil {
		return m.OutputFormatFunc()
	}
	return ""
}

// Version returns the mock version or "dev".
func (m *Mock) Version() string {
	if m.VersionFunc != nil {
		return m.VersionFunc()
	}
	return "dev"
}
