package main

import (
	"context"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"labguard-worker-go/internal/api"
	"labguard-worker-go/internal/config"
	"labguard-worker-go/internal/logging"
)

func main() {
	// Setup structured logging
	zerolog.TimeFieldFormat = time.RFC3339
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	// Load configuration
	cfg := config.Load()

	var out io.Writer = zerolog.ConsoleWriter{Out: os.Stderr}
	if cfg.Environment != "development" {
		out = os.Stderr
	}
	if cfg.LogdyEnabled {
		if w, _, err := logging.StartLogdy(cfg); err != nil {
			log.Warn().Err(err).Msg("Failed to start Logdy, continuing without it")
		} else {
			out = io.MultiWriter(out, w)
		}
	}
	log.Logger = zerolog.New(out).With().Timestamp().Logger()

	// Set log level
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		log.Warn().Str("level", cfg.LogLevel).Msg("Invalid log level, using info")
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	log.Info().
		Str("worker_id", cfg.WorkerID).
		Str("version", cfg.Version).
		Str("environment", cfg.Environment).
		Int("port", cfg.Port).
		Strs("ai_endpoints", cfg.AIGRPCURLs).
		Int("workers", cfg.WorkerCount).
		Int("cameras", len(cfg.Cameras)).
		Msg("Starting LabGuard Worker")

	// Create and start server
	server, err := api.NewServer(cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create server")
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.Start()
	}()

	// Wait for interrupt signal or a server failure
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-quit:
		log.Info().Msg("Shutdown signal received")
	case err := <-errCh:
		if err != nil {
			log.Error().Err(err).Msg("Server failed")
		}
	}

	// Graceful shutdown
	ctx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		log.Error().Err(err).Msg("Server forced to shutdown")
	} else {
		log.Info().Msg("Server shutdown complete")
	}
}
