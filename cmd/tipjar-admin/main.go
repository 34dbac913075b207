// ABOUTME: Operator CLI for the tipjar ledger
// ABOUTME: Inspects accounts, audits invariants, and remediates stuck withdrawals

package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/fatih/color"
)

const banner = `
 _   _       _                          _           _
| |_(_)_ __ (_) __ _ _ __       __ _  __| |_ __ ___ (_)_ __
| __| | '_ \| |/ _' | '__|____ / _' |/ _' | '_ ' _ \| | '_ \
| |_| | |_) | | (_| | | |_____| (_| | (_| | | | | | | | | | |
 \__|_| .__// |\__,_|_|        \__,_|\__,_|_| |_| |_|_|_| |_|
      |_| |__/
`

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	cmd := os.Args[1]
	args := os.Args[2:]

	if cmd == "help" || cmd == "-h" || cmd == "--help" {
		printUsage()
		return
	}

	cfg, err := loadConfig()
	if err != nil {
		color.Red("Error: %v\n", err)
		os.Exit(1)
	}

	switch cmd {
	case "balance":
		err = cmdBalance(ctx, cfg, args)
	case "history":
		err = cmdHistory(ctx, cfg, args)
	case "audit":
		err = cmdAudit(ctx, cfg)
	case "withdrawals":
		err = cmdWithdrawals(ctx, cfg, args)
	case "release":
		err = cmdRelease(ctx, cfg, args)
	case "pool":
		err = cmdPool(ctx, cfg)
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", cmd)
		printUsage()
		os.Exit(1)
	}

	if err != nil {
		color.Red("Error: %v\n", err)
		os.Exit(1)
	}
}

func printUsage() {
	cyan := color.New(color.FgCyan)
	yellow := color.New(color.FgYellow)

	cyan.Print(banner)
	fmt.Println()
	fmt.Println("Usage: tipjar-admin <command> [args]")
	fmt.Println()
	yellow.Println("Commands:")
	fmt.Println("  balance <user>        Show a user's balance")
	fmt.Println("  history <user>        Show a user's ledger entries")
	fmt.Println("  audit                 Reconcile every balance against the ledger")
	fmt.Println("  withdrawals [status]  List withdrawal requests (reserved/broadcast/confirmed/failed)")
	fmt.Println("  release <id>          Refund a stuck broadcast withdrawal")
	fmt.Println("  pool                  Show the faucet pool address and balance")
	fmt.Println()
	yellow.Println("Configuration:")
	fmt.Println("  ~/.config/tipjar/admin.toml (override with TIPJAR_ADMIN_CONFIG)")
	fmt.Println()
}
