// Command agent is the core execution agent process: a long-running
// trusted intermediary between a cloud control plane and a local
// trading terminal (spec.md §1).
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/aristath/sentinel-agent/internal/agent"
	"github.com/aristath/sentinel-agent/internal/config"
	"github.com/aristath/sentinel-agent/pkg/logger"
)

func main() {
	os.Exit(run())
}

func run() int {
	cfg, err := config.Load()
	if err != nil {
		logger.New(logger.Config{Level: "info", Pretty: true}).Error().Err(err).Msg("failed to load configuration")
		return agent.ExitFatalConfig
	}

	log := logger.New(logger.Config{Level: cfg.LogLevel, Pretty: cfg.DevMode})
	logger.SetGlobalLogger(log)

	a, err := agent.New(cfg, log)
	if err != nil {
		log.Error().Err(err).Msg("failed to initialize agent")
		return agent.ExitCredentialFailure
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	log.Info().Str("version", agent.Version).Str("agentId", cfg.AgentID).Msg("agent starting")

	if err := a.Run(ctx); err != nil {
		log.Error().Err(err).Msg("agent exited with error")
		return agent.ExitStoreCorruption
	}

	log.Info().Msg("agent stopped cleanly")
	return agent.ExitOK
}
