// txfirewall - pre-flight transaction firewall for EVM agents
package main

import (
	"context"
	"os"

	"github.com/mbd888/txfirewall/internal/config"
	"github.com/mbd888/txfirewall/internal/logging"
	"github.com/mbd888/txfirewall/internal/server"
	"github.com/mbd888/txfirewall/internal/units"
)

// Build info - set by ldflags
var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	bootLogger := logging.New("info", "text")

	bootLogger.Info("starting txfirewall",
		"version", Version,
		"commit", Commit,
		"build_time", BuildTime,
	)

	cfg, err := config.Load()
	if err != nil {
		bootLogger.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logger := logging.New(cfg.LogLevel, cfg.LogFormat)
	logger.Info("configuration loaded",
		"env", cfg.Env,
		"chain_id", cfg.ChainID,
		"period_cap_eth", units.FormatEther(cfg.PeriodCap),
		"per_tx_cap_eth", units.FormatEther(cfg.PerTxCap),
		"period_timezone", cfg.PeriodLocation.String(),
		"allowlist_mode", cfg.AllowlistMode,
		"require_simulation", cfg.RequireSimulation,
	)

	server.Version = Version
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
