// ABOUTME: Command implementations for tipjar-admin
// ABOUTME: All commands read the daemon's database directly

package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/fatih/color"

	"github.com/tipjar-dev/tipjar/internal/amount"
	"github.com/tipjar-dev/tipjar/internal/faucet"
	"github.com/tipjar-dev/tipjar/internal/store"
)

func openStore(cfg *Config) (*store.SQLiteStore, error) {
	s, err := store.NewSQLiteStore(cfg.Database.Path)
	if err != nil {
		return nil, fmt.Errorf("opening database %s: %w", cfg.Database.Path, err)
	}
	return s, nil
}

// resolveUser accepts either a full platform id (@alice:example.org) or a
// bare handle (alice, @alice).
func resolveUser(ctx context.Context, s *store.SQLiteStore, arg string) (*store.User, error) {
	if strings.HasPrefix(arg, "@") && strings.Contains(arg, ":") {
		return s.User(ctx, arg)
	}
	return s.UserByUsername(ctx, strings.TrimPrefix(arg, "@"))
}

func cmdBalance(ctx context.Context, cfg *Config, args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("usage: tipjar-admin balance <user>")
	}

	s, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer s.Close()

	u, err := resolveUser(ctx, s, args[0])
	if errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("no such user: %s", args[0])
	}
	if err != nil {
		return err
	}

	cyan := color.New(color.FgCyan)
	cyan.Printf("%s", u.ID)
	if u.Username != "" {
		fmt.Printf(" (@%s)", u.Username)
	}
	fmt.Printf("\n  Balance: %s %s\n", amount.Format(u.Balance), cfg.Coin.Symbol)
	if u.DepositAddress != "" {
		fmt.Printf("  Deposit address: %s\n", u.DepositAddress)
	}
	if !u.LastFaucetAt.IsZero() {
		fmt.Printf("  Last faucet claim: %s\n", u.LastFaucetAt.Format("2006-01-02 15:04:05 MST"))
	}
	return nil
}

func cmdHistory(ctx context.Context, cfg *Config, args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("usage: tipjar-admin history <user>")
	}

	s, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer s.Close()

	u, err := resolveUser(ctx, s, args[0])
	if errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("no such user: %s", args[0])
	}
	if err != nil {
		return err
	}

	entries, next, err := s.History(ctx, u.ID, 50, "")
	if err != nil {
		return fmt.Errorf("reading history: %w", err)
	}
	if len(entries) == 0 {
		fmt.Println("No ledger entries.")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "WHEN\tKIND\tFROM\tTO\tAMOUNT\tREF")
	for _, e := range entries {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
			e.CreatedAt.Format("2006-01-02 15:04:05"),
			e.Kind,
			orDash(e.From),
			orDash(e.To),
			amount.Format(e.Amount),
			orDash(e.ExternalRef),
		)
	}
	w.Flush()

	if next != "" {
		fmt.Printf("\n(more entries; showing the most recent 50)\n")
	}
	return nil
}

// cmdAudit reconciles every account's balance against the ledger and prints
// the global conservation equation. Exits non-zero on any violation.
func cmdAudit(ctx context.Context, cfg *Config) error {
	s, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer s.Close()

	rows, err := s.AuditBalances(ctx)
	if err != nil {
		return fmt.Errorf("reading audit rows: %w", err)
	}

	green := color.New(color.FgGreen)
	red := color.New(color.FgRed, color.Bold)

	violations := 0
	var totalBalance, totalReserved int64
	for _, r := range rows {
		if !r.System {
			totalBalance += r.Balance
			totalReserved += r.ReservedHold
		}
		if r.OK() {
			continue
		}
		violations++
		red.Printf("  ✗ %s: balance %s, entry sum %s, reserved hold %s\n",
			r.UserID, amount.Format(r.Balance), amount.Format(r.EntrySum), amount.Format(r.ReservedHold))
	}

	totals, err := s.KindTotals(ctx)
	if err != nil {
		return fmt.Errorf("reading entry totals: %w", err)
	}

	fmt.Printf("Accounts audited: %d\n", len(rows))
	fmt.Printf("External flows (non-system accounts):\n")
	for _, kind := range []store.EntryKind{
		store.EntryDeposit, store.EntryFaucet, store.EntryWithdrawalRelease,
		store.EntryWithdrawal, store.EntryFee,
	} {
		fmt.Printf("  %-19s %s %s\n", kind, amount.Format(totals[kind]), cfg.Coin.Symbol)
	}

	// Tips move value between users and cancel out; what remains in user
	// balances must equal the external flows in and out
	lhs := totalBalance + totalReserved
	rhs := totals[store.EntryDeposit] + totals[store.EntryFaucet] + totals[store.EntryWithdrawalRelease] -
		totals[store.EntryWithdrawal] - totals[store.EntryFee]
	fmt.Printf("Conservation: balances %s + reserved %s = %s (expected %s)\n",
		amount.Format(totalBalance), amount.Format(totalReserved),
		amount.Format(lhs), amount.Format(rhs))

	if lhs != rhs {
		violations++
		red.Println("  ✗ conservation equation does not hold")
	}

	if violations > 0 {
		return fmt.Errorf("%d audit violation(s)", violations)
	}
	green.Println("  ✓ All balances reconcile")
	return nil
}

var allStatuses = []store.WithdrawalStatus{
	store.WithdrawalReserved,
	store.WithdrawalBroadcast,
	store.WithdrawalConfirmed,
	store.WithdrawalFailed,
}

func cmdWithdrawals(ctx context.Context, cfg *Config, args []string) error {
	s, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer s.Close()

	statuses := allStatuses
	if len(args) > 0 {
		status := store.WithdrawalStatus(strings.ToLower(args[0]))
		switch status {
		case store.WithdrawalReserved, store.WithdrawalBroadcast, store.WithdrawalConfirmed, store.WithdrawalFailed:
			statuses = []store.WithdrawalStatus{status}
		default:
			return fmt.Errorf("unknown status %q (reserved/broadcast/confirmed/failed)", args[0])
		}
	}

	var all []*store.Withdrawal
	for _, status := range statuses {
		ws, err := s.WithdrawalsByStatus(ctx, status)
		if err != nil {
			return fmt.Errorf("listing %s withdrawals: %w", status, err)
		}
		all = append(all, ws...)
	}

	if len(all) == 0 {
		fmt.Println("No withdrawal requests.")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tUSER\tAMOUNT\tFEE\tSTATUS\tTXID\tUPDATED")
	for _, wd := range all {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			wd.ID, wd.UserID,
			amount.Format(wd.Amount), amount.Format(wd.Fee),
			wd.Status, orDash(wd.ExternalTxID),
			wd.UpdatedAt.Format("2006-01-02 15:04:05"),
		)
	}
	return w.Flush()
}

// cmdRelease refunds a broadcast withdrawal whose send never reached the
// chain. Deliberately manual: the daemon cannot tell a lost send from a slow
// one, so the operator confirms against the node first.
func cmdRelease(ctx context.Context, cfg *Config, args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("usage: tipjar-admin release <id>")
	}

	s, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer s.Close()

	w, err := s.Withdrawal(ctx, args[0])
	if errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("no such withdrawal: %s", args[0])
	}
	if err != nil {
		return err
	}

	if err := s.ReleaseWithdrawal(ctx, w.ID); err != nil {
		if errors.Is(err, store.ErrInvalidState) {
			return fmt.Errorf("cannot release a %s withdrawal", w.Status)
		}
		return fmt.Errorf("releasing withdrawal: %w", err)
	}

	green := color.New(color.FgGreen)
	green.Printf("  ✓ Released %s: refunded %s + %s fee to %s\n",
		w.ID, amount.Format(w.Amount), amount.Format(w.Fee), w.UserID)
	return nil
}

func cmdPool(ctx context.Context, cfg *Config) error {
	s, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer s.Close()

	pool, err := s.User(ctx, faucet.PoolAccount)
	if errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("faucet pool not found; run tipjard bootstrap first")
	}
	if err != nil {
		return err
	}

	cyan := color.New(color.FgCyan)
	cyan.Println("Faucet pool")
	fmt.Printf("  Balance: %s %s\n", amount.Format(pool.Balance), cfg.Coin.Symbol)
	if pool.DepositAddress != "" {
		fmt.Printf("  Deposit address: %s\n", pool.DepositAddress)
	} else {
		fmt.Println("  Deposit address: not assigned (run tipjard bootstrap)")
	}
	return nil
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
