package server

import (
	"time"

	"github.com/agentstation/ordersync/internal/registry"
)

// Config holds server configuration.
type Config struct {
	// Server settings
	Host string
	Port int

	// API settings
	PathPrefix string

	// CORS settings
	CORSEnabled bool
	CORSOrigins []string

	// Authentication settings, applied to publishing and stats
	AuthEnabled bool
	AuthHeader  string
	APIKey      string

	// RateLimit is requests per minute per IP (0 to disable)
	RateLimit int

	// HTTP timeouts; streaming endpoints clear the write deadline
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration

	// Rooms
	Registry  registry.Config
	QueueSize int
	// PongWait is how long a WebSocket peer may stay silent.
	PongWait time.Duration
	// KeepAlive is the SSE comment interval.
	KeepAlive time.Duration

	// Restaurants maps slugs to restaurant ids. Empty accepts any slug.
	Restaurants map[string]string
	// DirectoryURL resolves slugs remotely when set ({restaurant} placeholder).
	DirectoryURL string
	DirectoryTTL time.Duration

	// NATSURL enables the cluster relay when set.
	NATSURL string

	// Features
	MetricsEnabled bool
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		Host:           "localhost",
		Port:           8080,
		PathPrefix:     "/api/v1",
		CORSOrigins:    []string{},
		AuthHeader:     "X-API-Key",
		RateLimit:      600,
		ReadTimeout:    10 * time.Second,
		WriteTimeout:   10 * time.Second,
		IdleTimeout:    120 * time.Second,
		Registry:       registry.DefaultConfig(),
		QueueSize:      registry.DefaultQueueSize,
		PongWait:       60 * time.Second,
		KeepAlive:      30 * time.Second,
		Restaurants:    map[string]string{},
		DirectoryTTL:   5 * time.Minute,
		MetricsEnabled: true,
	}
}
