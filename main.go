package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dnldd/sentinel/service"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// handleTermination processes context cancellation signals or interrupt signals from the OS.
func handleTermination(ctx context.Context, cancel context.CancelFunc) {
	// Listen for interrupt signals.
	signals := []os.Signal{os.Interrupt, syscall.SIGTERM}
	interrupt := make(chan os.Signal, 1)
	signal.Notify(interrupt, signals...)

	// Wait for the context to be cancelled or an interrupt signal.
	for {
		select {
		case <-ctx.Done():
			return

		case <-interrupt:
			cancel()
		}
	}
}

// setupLogger configures the global logger from the provided level and format.
func setupLogger(level string, format string) {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil || lvl == zerolog.NoLevel {
		lvl = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(lvl)

	if format == "console" {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	}
}

func main() {
	var cfg Config
	err := loadConfig(&cfg, "")
	if err != nil {
		log.Error().Err(err).Msg("loading config")
		os.Exit(1)
	}

	setupLogger(cfg.Service.LogLevel, cfg.Service.LogFormat)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sentinel, err := service.NewSentinel(ctx, &cfg.Service)
	if err != nil {
		log.Error().Err(err).Msg("creating sentinel service")
		return
	}

	go handleTermination(ctx, cancel)

	err = sentinel.Run(ctx)
	if err != nil {
		log.Error().Err(err).Msg("running sentinel service")
	}
}
