// Package config loads the client configuration from the environment.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"github.com/omochice/dispatch-chat/internal/client"
	"github.com/omochice/dispatch-chat/pkg/protocol"
)

// Config holds the client configuration.
type Config struct {
	APIBaseURL  string `env:"API_BASE_URL" envDefault:"http://localhost:5000/api"`
	Env         string `env:"ENV" envDefault:"development"`
	LogLevel    string `env:"LOG_LEVEL" envDefault:"info"`
	MetricsAddr string `env:"METRICS_ADDR"`
	SessionFile string `env:"SESSION_FILE"`

	ReconnectAttempts int           `env:"RECONNECT_ATTEMPTS" envDefault:"5"`
	ConnectTimeout    time.Duration `env:"CONNECT_TIMEOUT" envDefault:"20s"`
}

// Load reads the configuration from the environment, after loading .env
// when it exists.
func Load() (*Config, error) {
	_ = godotenv.Load()
	return Parse()
}

// Parse reads the configuration from the environment only.
func Parse() (*Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}
	if cfg.SessionFile == "" {
		cfg.SessionFile = defaultSessionFile()
	}
	return &cfg, nil
}

// IsDevelopment reports whether the client runs in development mode.
func (c *Config) IsDevelopment() bool {
	return c.Env == "development" || c.Env == "local"
}

// SocketURL returns the WebSocket endpoint of the chat server: the API base
// URL without its /api suffix.
func (c *Config) SocketURL() (string, error) {
	base := strings.TrimRight(c.APIBaseURL, "/")
	base = strings.TrimSuffix(base, "/api")
	return protocol.EndpointURL(base)
}

// ClientOptions returns the connection manager options.
func (c *Config) ClientOptions() client.Options {
	return client.Options{
		ReconnectionAttempts: c.ReconnectAttempts,
		Timeout:              c.ConnectTimeout,
	}
}

func defaultSessionFile() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return "session.json"
	}
	return filepath.Join(dir, "dispatch-chat", "session.json")
}
