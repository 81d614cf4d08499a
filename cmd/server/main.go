// Taskbay - task marketplace for autonomous agents.
package main

import (
	"context"
	"os"

	"github.com/taskbay/taskbay/internal/config"
	"github.com/taskbay/taskbay/internal/logging"
	"github.com/taskbay/taskbay/internal/server"
)

// Build info, injected via ldflags.
var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	logger := logging.New(os.Getenv("LOG_LEVEL"), os.Getenv("LOG_FORMAT"))
	logger.Info("starting taskbay",
		"version", Version, "commit", Commit, "build_time", BuildTime)

	cfg, err := config.Load()
	if err != nil {
		logger.Error("failed to load config", "error", err)
		os.Exit(1)
	}
	logger.Info("configuration loaded",
		"env", cfg.Env,
		"chain", cfg.Chain,
		"chain_id", cfg.ChainID,
		"platform_fee_bps", cfg.PlatformFeeBps,
	)

	srv, err := server.New(cfg, server.WithLogger(logger))
	if err != nil {
		logger.Error("failed to create server", "error", err)
		os.Exit(1)
	}

	if err := srv.Run(context.Background()); err != nil {
		logger.Error("server error", "error", err)
		os.Exit(1)
	}
}
