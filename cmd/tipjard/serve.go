// ABOUTME: The serve subcommand: wires the ledger services and runs them
// ABOUTME: Recovery sweep, deposit scanner, and Matrix frontend under one context

package main

import (
	"context"
	"fmt"

	"github.com/fatih/color"

	"github.com/tipjar-dev/tipjar/internal/activity"
	"github.com/tipjar-dev/tipjar/internal/bot"
	"github.com/tipjar-dev/tipjar/internal/config"
	"github.com/tipjar-dev/tipjar/internal/faucet"
	"github.com/tipjar-dev/tipjar/internal/node"
	"github.com/tipjar-dev/tipjar/internal/scanner"
	"github.com/tipjar-dev/tipjar/internal/store"
	"github.com/tipjar-dev/tipjar/internal/tip"
	"github.com/tipjar-dev/tipjar/internal/withdraw"
)

func runServe(ctx context.Context) error {
	configPath := getConfigPath()

	// Print banner
	cyan := color.New(color.FgCyan)
	cyan.Print(banner)

	// Version info
	gray := color.New(color.FgHiBlack)
	gray.Printf("    version: %s\n\n", version)

	// Load configuration
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	// Setup logger
	logger := setupLogger(cfg.Logging)

	// Startup info
	green := color.New(color.FgGreen)

	green.Print("    ▶ ")
	fmt.Printf("Config:     %s\n", configPath)
	green.Print("    ▶ ")
	fmt.Printf("Database:   %s\n", cfg.Database.Path)
	green.Print("    ▶ ")
	fmt.Printf("Node:       %s\n", cfg.Node.URL)
	green.Print("    ▶ ")
	fmt.Printf("Homeserver: %s\n", cfg.Matrix.Homeserver)
	fmt.Println()

	logger.Info("starting tipjard",
		"config", configPath,
		"database", cfg.Database.Path,
		"node", cfg.Node.URL,
		"homeserver", cfg.Matrix.Homeserver,
	)

	// Open the ledger
	s, err := store.NewSQLiteStore(cfg.Database.Path)
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	defer s.Close()

	// The faucet pool must exist before the first claim or deposit scan
	if _, err := s.EnsureSystemAccount(ctx, faucet.PoolAccount, "faucet"); err != nil {
		return fmt.Errorf("ensuring faucet pool account: %w", err)
	}

	// Wire the services
	nodeClient := node.New(cfg.Node.URL, cfg.Node.Username, cfg.Node.Password, cfg.Node.Timeout, logger)
	validator := node.NewAddressValidator(cfg.Coin.P2PKHVersion, cfg.Coin.P2SHVersion)
	tips := tip.New(s, logger)
	processor := withdraw.New(s, nodeClient, validator, cfg.Withdraw.Fee, cfg.Node.Timeout, logger)
	pool := faucet.New(s, cfg.FaucetClaim(), cfg.Faucet.Interval, logger)
	tracker := activity.New(s, logger)

	frontend, err := bot.New(cfg.Matrix, cfg.Coin.Symbol, s, nodeClient, tips, processor, pool, tracker, logger)
	if err != nil {
		return fmt.Errorf("creating matrix frontend: %w", err)
	}

	// A crash between reserve and send leaves funds held with no transaction
	// in flight; refund those before accepting commands
	if err := processor.RecoverStale(ctx); err != nil {
		return fmt.Errorf("recovering stale withdrawals: %w", err)
	}

	sc := scanner.New(s, nodeClient, frontend, cfg.Coin.MinConf, cfg.Coin.ScanInterval, logger)
	go sc.Run(ctx)

	return frontend.Run(ctx)
}
