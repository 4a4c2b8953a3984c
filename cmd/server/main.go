// Entitlement engine - billing-driven access lifecycle service
package main

import (
	"context"
	"os"

	"github.com/enrollhq/entitlement/internal/config"
	"github.com/enrollhq/entitlement/internal/logging"
	"github.com/enrollhq/entitlement/internal/server"
)

// Build info - set by ldflags
var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	logger := logging.New("info", "json")

	logger.Info("starting entitlement engine",
		"version", Version,
		"commit", Commit,
		"build_time", BuildTime,
	)

	cfg, err := config.Load()
	if err != nil {
		logger.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logger.Info("configuration loaded",
		"env", cfg.Env,
		"storage", storageKind(cfg),
		"notify", cfg.NotifyURL != "",
	)

	srv, err := server.New(cfg, server.WithLogger(logging.New(cfg.LogLevel, "json")))
	if err != nil {
		logger.Error("failed to create server", "error", err)
		os.Exit(1)
	}

	ctx := context.Background()
	if err := srv.Run(ctx); err != nil {
		logger.Error("server error", "error", err)
		os.Exit(1)
	}
}

func storageKind(cfg *config.Config) string {
	if cfg.DatabaseURL != "" {
		return "postgres"
	}
	return "memory"
}
