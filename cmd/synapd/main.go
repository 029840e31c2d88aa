package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"runtime"
	"syscall"

	_ "go.uber.org/automaxprocs"

	"github.com/synaplabs/synap/internal/config"
	"github.com/synaplabs/synap/internal/engine"
	"github.com/synaplabs/synap/internal/logging"
)

func main() {
	var debug = flag.Bool("debug", false, "enable debug logging (overrides SYNAP_LOG_LEVEL)")
	flag.Parse()

	bootLogger := logging.New("info", "json")

	maxProcs := runtime.GOMAXPROCS(0)
	bootLogger.Info().Int("gomaxprocs", maxProcs).Msg("starting synapd")

	cfg, err := config.Load(&bootLogger)
	if err != nil {
		bootLogger.Fatal().Err(err).Msg("failed to load configuration")
	}
	if *debug {
		cfg.LogLevel = "debug"
	}

	logger := logging.New(cfg.LogLevel, cfg.LogFormat)
	logger.Info().
		Str("data_dir", cfg.DataDir).
		Str("replication_role", string(cfg.ReplicationRole)).
		Bool("persistence_enabled", cfg.PersistenceEnabled).
		Msg("configuration loaded")

	eng, err := engine.New(cfg, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to construct engine")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := eng.Start(ctx); err != nil {
		logger.Fatal().Err(err).Msg("failed to start engine")
	}
	logger.Info().Msg("synapd ready")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh

	logger.Info().Msg("shutting down")
	if err := eng.Stop(); err != nil {
		logger.Error().Err(err).Msg("error during shutdown")
	}
}
