// Package config loads the relay's environment configuration and builds the
// public URLs handed to mobile clients.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
)

const (
	defaultPort           = 8000
	defaultHost           = "0.0.0.0"
	defaultProtocol       = "http"
	defaultRequestTimeout = 60 * time.Second
)

// Config is the relay's runtime configuration.
type Config struct {
	Host               string        // listen address
	Port               int           // listen port
	PublicHost         string        // hostname clients use to reach the relay
	PublicProtocol     string        // "http" or "https"
	RegistrationAPIKey string        // gates POST /tunnel/create
	RequestTimeout     time.Duration // pending-request wall clock
	LogLevel           string
}

// Load reads configuration from the environment. A .env file in the working
// directory is honored when present but never required.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.Debug().Err(err).Msg("No .env file loaded")
	}

	cfg := &Config{
		Host:               envOr("HOST", defaultHost),
		Port:               defaultPort,
		PublicHost:         os.Getenv("PUBLIC_HOST"),
		PublicProtocol:     envOr("PUBLIC_PROTOCOL", defaultProtocol),
		RegistrationAPIKey: os.Getenv("TUNNEL_REGISTRATION_API_KEY"),
		RequestTimeout:     defaultRequestTimeout,
		LogLevel:           envOr("LOG_LEVEL", "INFO"),
	}

	if raw := os.Getenv("PORT"); raw != "" {
		port, err := strconv.Atoi(raw)
		if err != nil || port < 1 || port > 65535 {
			return nil, fmt.Errorf("invalid PORT %q", raw)
		}
		cfg.Port = port
	}

	if raw := os.Getenv("TUNNEL_REQUEST_TIMEOUT"); raw != "" {
		seconds, err := strconv.Atoi(raw)
		if err != nil || seconds < 1 {
			return nil, fmt.Errorf("invalid TUNNEL_REQUEST_TIMEOUT %q", raw)
		}
		cfg.RequestTimeout = time.Duration(seconds) * time.Second
	}

	if cfg.PublicHost == "" {
		cfg.PublicHost = "localhost"
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks required fields and enums.
func (c *Config) Validate() error {
	if c.RegistrationAPIKey == "" {
		return fmt.Errorf("TUNNEL_REGISTRATION_API_KEY is required")
	}
	switch c.PublicProtocol {
	case "http", "https":
	default:
		return fmt.Errorf("PUBLIC_PROTOCOL must be http or https, got %q", c.PublicProtocol)
	}
	switch strings.ToUpper(c.LogLevel) {
	case "DEBUG", "INFO", "WARN", "ERROR":
	default:
		return fmt.Errorf("LOG_LEVEL must be one of DEBUG, INFO, WARN, ERROR, got %q", c.LogLevel)
	}
	return nil
}

// ListenAddr returns the host:port the relay binds.
func (c *Config) ListenAddr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// PublicURL builds the HTTPS base URL a mobile client uses for a tunnel.
func (c *Config) PublicURL(tunnelID string) string {
	return fmt.Sprintf("%s://%s/api/%s", c.PublicProtocol, c.publicAuthority(), tunnelID)
}

// WSURL builds the WebSocket URL the laptop connects to. The scheme is wss
// exactly when the public protocol is https.
func (c *Config) WSURL(tunnelID string) string {
	scheme := "ws"
	if c.PublicProtocol == "https" {
		scheme = "wss"
	}
	return fmt.Sprintf("%s://%s/tunnel/%s", scheme, c.publicAuthority(), tunnelID)
}

// publicAuthority omits the port when it is the default for the protocol.
func (c *Config) publicAuthority() string {
	if (c.PublicProtocol == "http" && c.Port == 80) || (c.PublicProtocol == "https" && c.Port == 443) {
		return c.PublicHost
	}
	return fmt.Sprintf("%s:%d", c.PublicHost, c.Port)
}

func envOr(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}
