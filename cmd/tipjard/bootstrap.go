// ABOUTME: The init, bootstrap, and health subcommands for tipjard
// ABOUTME: First-run setup: default config, database, and faucet pool account

package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/fatih/color"

	"github.com/tipjar-dev/tipjar/internal/amount"
	"github.com/tipjar-dev/tipjar/internal/config"
	"github.com/tipjar-dev/tipjar/internal/faucet"
	"github.com/tipjar-dev/tipjar/internal/node"
	"github.com/tipjar-dev/tipjar/internal/store"
)

const defaultConfigTemplate = `# tipjard configuration
# Generated by tipjard init

database:
  path: "%s"

node:
  url: "http://127.0.0.1:33873"
  username: "${NODE_RPC_USER}"
  password: "${NODE_RPC_PASSWORD}"
  timeout: "30s"

coin:
  symbol: "PEP"
  min_conf: 5
  scan_interval: "30s"
  # Base58check version bytes accepted for withdrawal destinations
  p2pkh_version: 56
  p2sh_version: 22

withdraw:
  # Flat fee retained by the operator, in coins
  fee: "1.0"

faucet:
  # Per-claim disbursement in coins, clamped to [min, max]
  amount: "50"
  min: "1"
  max: "500"
  # Per-user cooldown between claims
  interval: "2h"

matrix:
  homeserver: "https://matrix.example.org"
  user_id: "@tipbot:example.org"
  access_token: "${MATRIX_ACCESS_TOKEN}"
  command_prefix: "!"
  # Restrict the bot to specific rooms; empty allows all
  allowed_rooms: []
  # Set to enable end-to-end encryption
  pickle_key: ""

logging:
  level: "info"
  format: "text"
`

// runInit writes a commented default config to the XDG path.
func runInit() error {
	configPath := getConfigPath()
	dataPath := getDataPath()

	if _, err := os.Stat(configPath); err == nil {
		return fmt.Errorf("config already exists: %s", configPath)
	}

	if err := os.MkdirAll(filepath.Dir(configPath), 0755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}
	if err := os.MkdirAll(dataPath, 0755); err != nil {
		return fmt.Errorf("creating data directory: %w", err)
	}

	dbPath := filepath.Join(dataPath, "tipjar.db")
	content := fmt.Sprintf(defaultConfigTemplate, dbPath)

	// 0600: the file holds the RPC password and Matrix token once filled in
	if err := os.WriteFile(configPath, []byte(content), 0600); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}

	fmt.Printf("Config written to %s\n", configPath)
	fmt.Println("\nFill in the node credentials and Matrix access token, then:")
	fmt.Println("  tipjard bootstrap   # create the database and faucet pool")
	fmt.Println("  tipjard serve       # start the bot")

	return nil
}

// runBootstrap creates the database and the faucet pool account, and fetches
// the pool's on-chain deposit address from the node.
func runBootstrap(ctx context.Context) error {
	configPath := getConfigPath()

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	green := color.New(color.FgGreen)
	cyan := color.New(color.FgCyan)
	yellow := color.New(color.FgYellow)

	if err := os.MkdirAll(filepath.Dir(cfg.Database.Path), 0755); err != nil {
		return fmt.Errorf("creating data directory: %w", err)
	}

	s, err := store.NewSQLiteStore(cfg.Database.Path)
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	defer s.Close()

	green.Printf("  ✓ Database: %s\n", cfg.Database.Path)

	pool, err := s.EnsureSystemAccount(ctx, faucet.PoolAccount, "faucet")
	if err != nil {
		return fmt.Errorf("creating faucet pool account: %w", err)
	}

	green.Printf("  ✓ Faucet pool account: %s\n", pool.ID)

	// Fetch the pool's deposit address so operators can fund it. First write
	// wins, so re-running bootstrap keeps the original address.
	poolAddr := pool.DepositAddress
	if poolAddr == "" {
		nodeClient := node.New(cfg.Node.URL, cfg.Node.Username, cfg.Node.Password, cfg.Node.Timeout, setupLogger(cfg.Logging))
		fresh, err := nodeClient.NewAddress(ctx, "tipjar:"+faucet.PoolAccount)
		if err != nil {
			return fmt.Errorf("requesting pool address from node: %w", err)
		}
		poolAddr, err = s.SetDepositAddress(ctx, faucet.PoolAccount, fresh)
		if err != nil {
			return fmt.Errorf("storing pool address: %w", err)
		}
		green.Printf("  ✓ Pool deposit address: %s\n", poolAddr)
	} else {
		cyan.Printf("  Pool deposit address already assigned: %s\n", poolAddr)
	}

	fmt.Println()
	green.Println("  Bootstrap complete!")
	fmt.Println()
	yellow.Println("  Fund the faucet by sending coins to the pool address, then:")
	fmt.Println("    tipjard serve       # start the bot")
	fmt.Println("    tipjar-admin pool   # check the pool balance")
	fmt.Println()

	return nil
}

// runHealth checks that the node answers RPC and the database opens.
func runHealth(ctx context.Context) error {
	configPath := getConfigPath()

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	nodeClient := node.New(cfg.Node.URL, cfg.Node.Username, cfg.Node.Password, cfg.Node.Timeout, setupLogger(cfg.Logging))
	height, err := nodeClient.BlockCount(ctx)
	if err != nil {
		return fmt.Errorf("node unreachable: %w", err)
	}

	s, err := store.NewSQLiteStore(cfg.Database.Path)
	if err != nil {
		return fmt.Errorf("database check failed: %w", err)
	}
	defer s.Close()

	poolBalance := int64(0)
	bal, err := s.Balance(ctx, faucet.PoolAccount)
	switch {
	case err == nil:
		poolBalance = bal
	case errors.Is(err, store.ErrNotFound):
		// Not bootstrapped yet; the database itself is fine
	default:
		return fmt.Errorf("database check failed: %w", err)
	}

	fmt.Printf("healthy (block height %d, pool balance %s %s)\n",
		height, amount.Format(poolBalance), cfg.Coin.Symbol)
	return nil
}
