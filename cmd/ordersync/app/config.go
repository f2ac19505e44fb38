package app

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"github.com/agentstation/ordersync/cmd/application"
	"github.com/agentstation/ordersync/internal/registry"
	"github.com/agentstation/ordersync/internal/server"
	"github.com/agentstation/ordersync/pkg/errors"
)

// EnvPrefix prefixes every environment variable ordersync reads through viper,
// e.g. ORDERSYNC_SERVER_PORT or ORDERSYNC_NATS_URL.
const EnvPrefix = "ORDERSYNC"

// Config holds the application configuration loaded from various sources
// including config files, environment variables, and .env files.
type Config struct {
	// Global flags
	Verbose  bool
	Quiet    bool
	NoColor  bool
	Format   string
	LogLevel string

	// Config file
	ConfigFile string

	// Logging configuration
	LogFormat string
	LogOutput string

	Server server.Config
	Client application.Client
}

// LoadConfig loads configuration from all sources in order of precedence:
// 1. Command-line flags (applied later by each command)
// 2. Environment variables
// 3. .env files
// 4. Config file (--config, or ~/.ordersync.yaml, or ./.ordersync.yaml)
// 5. Defaults
func LoadConfig(configFile string) (*Config, error) {
	loadEnvFiles()

	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	setDefaults(v)

	// API_KEY is shared with the services that publish into ordersync.
	_ = v.BindEnv("server.api_key", EnvPrefix+"_SERVER_API_KEY", "API_KEY")
	_ = v.BindEnv("client.api_key", EnvPrefix+"_CLIENT_API_KEY", "API_KEY")

	if configFile != "" {
		v.SetConfigFile(configFile)
	} else {
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(home)
		}
		v.AddConfigPath(".")
		v.SetConfigType("yaml")
		v.SetConfigName(".ordersync")
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if configFile != "" || !errors.As(err, &notFound) {
			return nil, errors.NewConfigError("config", "reading "+configFileName(configFile, v), err)
		}
	}

	config := &Config{
		Verbose:    v.GetBool("verbose"),
		Quiet:      v.GetBool("quiet"),
		NoColor:    v.GetBool("no-color"),
		Format:     v.GetString("format"),
		LogLevel:   v.GetString("log.level"),
		ConfigFile: v.ConfigFileUsed(),
		LogFormat:  v.GetString("log.format"),
		LogOutput:  v.GetString("log.output"),
		Server:     serverConfig(v),
		Client: application.Client{
			URL:        strings.TrimRight(v.GetString("client.url"), "/"),
			APIKey:     v.GetString("client.api_key"),
			AuthHeader: v.GetString("server.auth_header"),
		},
	}
	if envLevel := os.Getenv("LOG_LEVEL"); envLevel != "" && config.LogLevel == "" {
		config.LogLevel = envLevel
	}
	return config, nil
}

func configFileName(configFile string, v *viper.Viper) string {
	if configFile != "" {
		return filepath.Base(configFile)
	}
	return v.ConfigFileUsed()
}

func setDefaults(v *viper.Viper) {
	d := server.DefaultConfig()
	v.SetDefault("server.host", d.Host)
	v.SetDefault("server.port", d.Port)
	v.SetDefault("server.prefix", d.PathPrefix)
	v.SetDefault("server.cors", d.CORSEnabled)
	v.SetDefault("server.cors_origins", d.CORSOrigins)
	v.SetDefault("server.auth", d.AuthEnabled)
	v.SetDefault("server.auth_header", d.AuthHeader)
	v.SetDefault("server.rate_limit", d.RateLimit)
	v.SetDefault("server.read_timeout", d.ReadTimeout)
	v.SetDefault("server.write_timeout", d.WriteTimeout)
	v.SetDefault("server.idle_timeout", d.IdleTimeout)
	v.SetDefault("server.metrics", d.MetricsEnabled)
	v.SetDefault("server.pong_wait", d.PongWait)
	v.SetDefault("server.keepalive", d.KeepAlive)

	v.SetDefault("registry.queue_size", d.QueueSize)
	v.SetDefault("registry.replay_size", d.Registry.ReplaySize)
	v.SetDefault("registry.heartbeat_timeout", d.Registry.HeartbeatTimeout)
	v.SetDefault("registry.reap_interval", d.Registry.ReapInterval)
	v.SetDefault("registry.relay_window", d.Registry.RelayWindow)

	v.SetDefault("directory.url", "")
	v.SetDefault("directory.ttl", d.DirectoryTTL)
	v.SetDefault("nats.url", "")

	v.SetDefault("client.url", "http://localhost:8080/api/v1")

	v.SetDefault("log.level", "")
	v.SetDefault("log.format", "auto")
	v.SetDefault("log.output", "stderr")
}

func serverConfig(v *viper.Viper) server.Config {
	return server.Config{
		Host:         v.GetString("server.host"),
		Port:         v.GetInt("server.port"),
		PathPrefix:   v.GetString("server.prefix"),
		CORSEnabled:  v.GetBool("server.cors"),
		CORSOrigins:  v.GetStringSlice("server.cors_origins"),
		AuthEnabled:  v.GetBool("server.auth"),
		AuthHeader:   v.GetString("server.auth_header"),
		APIKey:       v.GetString("server.api_key"),
		RateLimit:    v.GetInt("server.rate_limit"),
		ReadTimeout:  v.GetDuration("server.read_timeout"),
		WriteTimeout: v.GetDuration("server.write_timeout"),
		IdleTimeout:  v.GetDuration("server.idle_timeout"),
		Registry: registry.Config{
			ReplaySize:       v.GetInt("registry.replay_size"),
			HeartbeatTimeout: v.GetDuration("registry.heartbeat_timeout"),
			ReapInterval:     v.GetDuration("registry.reap_interval"),
			RelayWindow:      v.GetDuration("registry.relay_window"),
		},
		QueueSize:      v.GetInt("registry.queue_size"),
		PongWait:       v.GetDuration("server.pong_wait"),
		KeepAlive:      v.GetDuration("server.keepalive"),
		Restaurants:    v.GetStringMapString("restaurants"),
		DirectoryURL:   v.GetString("directory.url"),
		DirectoryTTL:   v.GetDuration("directory.ttl"),
		NATSURL:        v.GetString("nats.url"),
		MetricsEnabled: v.GetBool("server.metrics"),
	}
}

// UpdateFromFlags updates config values from parsed command flags.
// This should be called after cobra parses flags to ensure flag
// values take precedence over config file and env vars.
func (c *Config) UpdateFromFlags(verbose, quiet, noColor bool, format, logLevel string) {
	c.Verbose = verbose
	c.Quiet = quiet
	c.NoColor = noColor
	if format != "" {
		c.Format = format
	}
	if logLevel != "" {
		c.LogLevel = logLevel
	}
}

// loadEnvFiles loads environment variables from .env files; .env.local
// overrides .env.
func loadEnvFiles() {
	for _, envFile := range []string{".env.local", ".env"} {
		_ = godotenv.Load(envFile)
	}
}
