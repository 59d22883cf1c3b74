package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/rbarinov/echoshell/internal/config"
	"github.com/rbarinov/echoshell/internal/fanout"
	"github.com/rbarinov/echoshell/internal/logging"
	"github.com/rbarinov/echoshell/internal/registry"
	"github.com/rbarinov/echoshell/internal/relay"
)

// Version information (set at build time with -ldflags)
var (
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

const shutdownGrace = 10 * time.Second

var rootCmd = &cobra.Command{
	Use:     "echoshell-relay",
	Short:   "EchoShell relay server",
	Long:    `The EchoShell relay bridges mobile clients to laptops behind NAT over a single persistent WebSocket per laptop.`,
	Version: Version,
	Run: func(cmd *cobra.Command, args []string) {
		runServer()
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("echoshell-relay %s\n", Version)
		if BuildTime != "unknown" {
			fmt.Printf("Built: %s\n", BuildTime)
		}
		if GitCommit != "unknown" {
			fmt.Printf("Commit: %s\n", GitCommit)
		}
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func runServer() {
	cfg, err := config.Load()
	if err != nil {
		logging.Init(logging.Config{Format: "auto", Level: "info", Component: "relay"})
		log.Fatal().Err(err).Msg("Invalid configuration")
	}

	logger := logging.Init(logging.Config{
		Format:    "auto",
		Level:     cfg.LogLevel,
		Component: "relay",
	})
	logger.Info().
		Str("version", Version).
		Str("listen", cfg.ListenAddr()).
		Msg("Starting EchoShell relay")

	reg := registry.New(logger)
	hub := fanout.NewHub(logger)
	srv := relay.New(cfg, reg, hub, logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(srv.Start)
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil && ctx.Err() == nil {
		log.Fatal().Err(err).Msg("Relay server failed")
	}
	logger.Info().Msg("Relay stopped")
}
