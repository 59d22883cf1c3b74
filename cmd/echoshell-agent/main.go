package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/rbarinov/echoshell/internal/logging"
	"github.com/rbarinov/echoshell/internal/statestore"
	"github.com/rbarinov/echoshell/internal/tunnelclient"
)

// Version information (set at build time with -ldflags)
var (
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

var flags struct {
	relayURL      string
	regKey        string
	localAddr     string
	statePath     string
	name          string
	clientAuthKey string
	logLevel      string
}

var rootCmd = &cobra.Command{
	Use:     "echoshell-agent",
	Short:   "EchoShell laptop agent",
	Long:    `The EchoShell agent registers a tunnel with the relay, keeps the tunnel WebSocket alive and forwards relayed requests to the local API server.`,
	Version: Version,
	Run: func(cmd *cobra.Command, args []string) {
		runAgent()
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("echoshell-agent %s\n", Version)
		if BuildTime != "unknown" {
			fmt.Printf("Built: %s\n", BuildTime)
		}
		if GitCommit != "unknown" {
			fmt.Printf("Commit: %s\n", GitCommit)
		}
	},
}

func init() {
	// Flags override environment; a .env file fills in the rest.
	godotenv.Load()

	rootCmd.AddCommand(versionCmd)
	rootCmd.Flags().StringVar(&flags.relayURL, "relay-url", envOr("RELAY_URL", "http://localhost:8000"), "relay server base URL")
	rootCmd.Flags().StringVar(&flags.regKey, "registration-key", os.Getenv("TUNNEL_REGISTRATION_API_KEY"), "tunnel registration API key")
	rootCmd.Flags().StringVar(&flags.localAddr, "local-addr", envOr("LOCAL_ADDR", "127.0.0.1:3001"), "local API server address")
	rootCmd.Flags().StringVar(&flags.statePath, "state-file", envOr("STATE_FILE", defaultStatePath()), "agent state file")
	rootCmd.Flags().StringVar(&flags.name, "name", envOr("LAPTOP_NAME", hostname()), "laptop display name")
	rootCmd.Flags().StringVar(&flags.clientAuthKey, "client-auth-key", os.Getenv("CLIENT_AUTH_KEY"), "key mobile clients must present")
	rootCmd.Flags().StringVar(&flags.logLevel, "log-level", envOr("LOG_LEVEL", "INFO"), "log level")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func runAgent() {
	logger := logging.Init(logging.Config{
		Format:    "auto",
		Level:     flags.logLevel,
		Component: "agent",
	})
	if flags.regKey == "" {
		log.Fatal().Msg("TUNNEL_REGISTRATION_API_KEY (or --registration-key) is required")
	}

	store := statestore.New(flags.statePath, logger)
	state, err := store.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load agent state")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	suggestedID := ""
	if state.Tunnel != nil {
		suggestedID = state.Tunnel.TunnelID
	}
	tc, err := registerTunnel(ctx, suggestedID)
	if err != nil {
		log.Fatal().Err(err).Msg("Tunnel registration failed")
	}

	createdAt := time.Now().UTC()
	if tc.IsRestored && state.Tunnel != nil {
		createdAt = state.Tunnel.CreatedAt
	}
	state.Tunnel = &statestore.TunnelState{
		TunnelID:   tc.TunnelID,
		APIKey:     tc.APIKey,
		PublicURL:  tc.PublicURL,
		WSURL:      tc.WSURL,
		LaptopName: flags.name,
		CreatedAt:  createdAt,
	}
	if err := store.Save(state); err != nil {
		log.Fatal().Err(err).Msg("Failed to persist tunnel state")
	}
	logger.Info().
		Str("version", Version).
		Str("tunnel_id", tc.TunnelID).
		Str("public_url", tc.PublicURL).
		Bool("restored", tc.IsRestored).
		Msg("Tunnel registered")

	dispatcher := tunnelclient.NewHTTPDispatcher(flags.localAddr, logger)
	client := tunnelclient.New(tunnelclient.Config{
		WSURL:         tc.WSURL,
		APIKey:        tc.APIKey,
		ClientAuthKey: flags.clientAuthKey,
	}, dispatcher, logger)

	if err := client.Run(ctx); err != nil && ctx.Err() == nil {
		log.Fatal().Err(err).Msg("Tunnel client failed")
	}
	client.Close()
	logger.Info().Msg("Agent stopped")
}

type tunnelConfig struct {
	TunnelID   string `json:"tunnelId"`
	APIKey     string `json:"apiKey"`
	PublicURL  string `json:"publicUrl"`
	WSURL      string `json:"wsUrl"`
	IsRestored bool   `json:"isRestored"`
}

// registerTunnel creates or restores the tunnel registration at the relay.
func registerTunnel(ctx context.Context, suggestedID string) (*tunnelConfig, error) {
	payload, err := json.Marshal(map[string]string{
		"name":      flags.name,
		"tunnel_id": suggestedID,
	})
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		flags.relayURL+"/tunnel/create", bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-API-Key", flags.regKey)

	client := &http.Client{Timeout: 15 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("call relay: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		var apiErr struct {
			Error   string `json:"error"`
			Message string `json:"message"`
		}
		json.NewDecoder(resp.Body).Decode(&apiErr)
		return nil, fmt.Errorf("relay returned %d: %s %s", resp.StatusCode, apiErr.Error, apiErr.Message)
	}

	var out struct {
		Config tunnelConfig `json:"config"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode relay response: %w", err)
	}
	return &out.Config, nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func defaultStatePath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".echoshell/state.json"
	}
	return filepath.Join(home, ".echoshell", "state.json")
}

func hostname() string {
	name, err := os.Hostname()
	if err != nil {
		return "laptop"
	}
	return name
}
