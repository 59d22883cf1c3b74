package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setRequiredEnv(t *testing.T) {
	t.Helper()
	t.Setenv("TUNNEL_REGISTRATION_API_KEY", "reg-key")
}

func TestLoad_Defaults(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("PORT", "")
	t.Setenv("HOST", "")
	t.Setenv("PUBLIC_HOST", "")
	t.Setenv("PUBLIC_PROTOCOL", "")
	t.Setenv("LOG_LEVEL", "")
	t.Setenv("TUNNEL_REQUEST_TIMEOUT", "")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "0.0.0.0", cfg.Host)
	assert.Equal(t, 8000, cfg.Port)
	assert.Equal(t, "http", cfg.PublicProtocol)
	assert.Equal(t, "INFO", cfg.LogLevel)
	assert.Equal(t, 60*time.Second, cfg.RequestTimeout)
	assert.Equal(t, "0.0.0.0:8000", cfg.ListenAddr())
}

func TestLoad_MissingRegistrationKey(t *testing.T) {
	t.Setenv("TUNNEL_REGISTRATION_API_KEY", "")
	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "TUNNEL_REGISTRATION_API_KEY")
}

func TestLoad_RejectsBadValues(t *testing.T) {
	tests := []struct {
		name  string
		key   string
		value string
	}{
		{"bad port", "PORT", "notaport"},
		{"port out of range", "PORT", "70000"},
		{"bad protocol", "PUBLIC_PROTOCOL", "gopher"},
		{"bad log level", "LOG_LEVEL", "VERBOSE"},
		{"bad timeout", "TUNNEL_REQUEST_TIMEOUT", "0"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			setRequiredEnv(t)
			t.Setenv(tc.key, tc.value)
			_, err := Load()
			assert.Error(t, err)
		})
	}
}

func TestURLConstruction(t *testing.T) {
	tests := []struct {
		name       string
		protocol   string
		host       string
		port       int
		wantPublic string
		wantWS     string
	}{
		{
			name:     "https default port omitted",
			protocol: "https", host: "relay.example.com", port: 443,
			wantPublic: "https://relay.example.com/api/t1",
			wantWS:     "wss://relay.example.com/tunnel/t1",
		},
		{
			name:     "http default port omitted",
			protocol: "http", host: "relay.example.com", port: 80,
			wantPublic: "http://relay.example.com/api/t1",
			wantWS:     "ws://relay.example.com/tunnel/t1",
		},
		{
			name:     "non default port kept",
			protocol: "https", host: "relay.example.com", port: 8443,
			wantPublic: "https://relay.example.com:8443/api/t1",
			wantWS:     "wss://relay.example.com:8443/tunnel/t1",
		},
		{
			name:     "http on 443 keeps port",
			protocol: "http", host: "relay.example.com", port: 443,
			wantPublic: "http://relay.example.com:443/api/t1",
			wantWS:     "ws://relay.example.com:443/tunnel/t1",
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			cfg := &Config{PublicProtocol: tc.protocol, PublicHost: tc.host, Port: tc.port}
			assert.Equal(t, tc.wantPublic, cfg.PublicURL("t1"))
			assert.Equal(t, tc.wantWS, cfg.WSURL("t1"))
		})
	}
}
