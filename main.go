package main

import (
	"context"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog/log"
	flag "github.com/spf13/pflag"

	"inboxsync/config"
	"inboxsync/internal/app"
	"inboxsync/pkg/logger"
)

var (
	envFile = flag.String("env-file", "", "Path to a .env file (default .env in the working directory)")
	listen  = flag.String("listen", "", "Control API address, overrides LISTEN_ADDR")
	mode    = flag.String("mode", "", "Session side: agent or visitor, overrides APP_MODE")
)

func main() {
	flag.Parse()
	logger.InitLogger() // Configures the global log.Logger

	log.Info().Msg("Loading configuration...")
	cfg, err := config.LoadConfig(*envFile)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load configuration")
	}
	// Apply the level and format a .env file may have set.
	logger.Configure(cfg.LogLevel, cfg.LogFormat, os.Stderr)

	if *listen != "" {
		cfg.ListenAddr = *listen
	}
	if *mode != "" {
		cfg.Mode = config.Mode(*mode)
	}
	if err := cfg.Validate(); err != nil {
		log.Fatal().Err(err).Msg("Invalid configuration")
	}
	log.Info().Msg("Configuration loaded successfully.")

	application, err := app.New(cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize application")
	}
	defer application.Close()

	lis, err := net.Listen("tcp", cfg.ListenAddr)
	if err != nil {
		log.Fatal().Err(err).Str("address", cfg.ListenAddr).Msg("Failed to start control API listener")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := application.Run(ctx, lis); err != nil {
		log.Error().Err(err).Msg("Session ended")
		application.Close()
		os.Exit(1)
	}
	log.Info().Msg("Shutdown complete")
}
