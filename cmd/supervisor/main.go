package main

import (
	"context"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/OpenPeerPower/supervisor/cmd/supervisor/commands"
)

// Version information (set via ldflags during build)
var (
	Version   = "dev"
	Commit    = "unknown"
	BuildDate = "unknown"
)

func main() {
	setupLogging(os.Getenv)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// The first signal starts the orderly shutdown of add-ons and core; a
	// second one gives up on it.
	sigChan := make(chan os.Signal, 2)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM, syscall.SIGHUP)
	go func() {
		sig := <-sigChan
		log.Info().Str("signal", sig.String()).Msg("Shutting down supervisor")
		cancel()
		<-sigChan
		log.Warn().Msg("Second signal, exiting without cleanup")
		os.Exit(130)
	}()

	if err := commands.Execute(ctx, Version, Commit, BuildDate); err != nil {
		log.Error().Err(err).Msg("Supervisor exited with an error")
		os.Exit(1)
	}
}

// logLevel reads SUPERVISOR_LOG_LEVEL, falling back to LOG_LEVEL. Unknown
// or empty values mean info.
func logLevel(getenv func(string) string) zerolog.Level {
	raw := getenv("SUPERVISOR_LOG_LEVEL")
	if raw == "" {
		raw = getenv("LOG_LEVEL")
	}
	level, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(raw)))
	if err != nil || level == zerolog.NoLevel {
		return zerolog.InfoLevel
	}
	return level
}

// setupLogging configures the global zerolog logger used before the
// supervisor telemetry is up. SUPERVISOR_LOG_FORMAT=json switches off the
// console writer for hosts that collect the journal.
func setupLogging(getenv func(string) string) {
	zerolog.SetGlobalLevel(logLevel(getenv))
	if strings.EqualFold(getenv("SUPERVISOR_LOG_FORMAT"), "json") {
		log.Logger = zerolog.New(os.Stderr).With().Timestamp().Str("service", "supervisor").Logger()
		return
	}
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: "2006-01-02 15:04:05"}).
		With().Str("service", "supervisor").Logger()
}
