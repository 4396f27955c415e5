// Tokenbook - token escrow backend for service bookings
package main

import (
	"context"
	"os"

	"github.com/tokenbook/tokenbook/internal/config"
	"github.com/tokenbook/tokenbook/internal/logging"
	"github.com/tokenbook/tokenbook/internal/server"
)

// Build info - set by ldflags
var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	logger := logging.New("info", "text")

	logger.Info("starting tokenbook",
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
		"token_rate_inr", cfg.TokenRateINR,
		"withdrawal_fee_pct", cfg.WithdrawalFeePct,
	)

	srv, err := server.New(cfg, server.WithLogger(logger))
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
