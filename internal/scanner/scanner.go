// ABOUTME: Deposit scanner: polls the node for incoming outputs and credits the ledger
// ABOUTME: Also sweeps broadcast withdrawals to confirmed once the chain reports them

package scanner

import (
	"context"
	"log/slog"
	"time"

	"github.com/tipjar-dev/tipjar/internal/node"
	"github.com/tipjar-dev/tipjar/internal/store"
)

// startupDelay gives the node client a beat to come up before the first scan.
const startupDelay = 3 * time.Second

// Store defines what the scanner needs from the ledger.
type Store interface {
	UsersWithAddresses(ctx context.Context) ([]*store.User, error)
	CreditDeposit(ctx context.Context, userID, txid string, vout int, amount int64, confirmations int) (bool, error)
	WithdrawalsByStatus(ctx context.Context, status store.WithdrawalStatus) ([]*store.Withdrawal, error)
	ConfirmWithdrawal(ctx context.Context, id string) error
}

// Node is the chain surface the scanner polls.
type Node interface {
	ListIncoming(ctx context.Context, address string) ([]node.IncomingOutput, error)
	GetTransaction(ctx context.Context, txid string) (int, error)
}

// Notifier receives a callback for each newly credited deposit. Already-seen
// outputs never trigger it, so a user hears about each deposit exactly once.
type Notifier interface {
	NotifyDeposit(ctx context.Context, userID string, amount int64, txid string)
}

// Scanner polls every watched address on a fixed interval and credits
// sufficiently confirmed outputs. Crediting is idempotent per (txid, vout),
// so rescanning the same outputs forever is harmless.
type Scanner struct {
	store    Store
	node     Node
	notifier Notifier
	minConf  int
	interval time.Duration
	delay    time.Duration
	logger   *slog.Logger
}

// New creates a scanner. minConf is the confirmation depth required before a
// deposit is credited; interval is the polling period.
func New(s Store, n Node, notifier Notifier, minConf int, interval time.Duration, logger *slog.Logger) *Scanner {
	if logger == nil {
		logger = slog.Default()
	}
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &Scanner{
		store:    s,
		node:     n,
		notifier: notifier,
		minConf:  minConf,
		interval: interval,
		delay:    startupDelay,
		logger:   logger.With("component", "scanner"),
	}
}

// Run polls until the context is canceled. It never returns an error for a
// failed scan; individual failures are logged and retried on the next tick.
func (s *Scanner) Run(ctx context.Context) {
	s.logger.Info("scanner starting", "interval", s.interval, "min_confirmations", s.minConf)

	select {
	case <-time.After(s.delay):
	case <-ctx.Done():
		return
	}

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		s.scanDeposits(ctx)
		s.sweepWithdrawals(ctx)

		select {
		case <-ticker.C:
		case <-ctx.Done():
			s.logger.Info("scanner stopping")
			return
		}
	}
}

// scanDeposits checks every watched address and credits confirmed outputs.
// A failure on one address does not stop the scan of the others.
func (s *Scanner) scanDeposits(ctx context.Context) {
	users, err := s.store.UsersWithAddresses(ctx)
	if err != nil {
		s.logger.Error("listing watched addresses", "error", err)
		return
	}

	for _, u := range users {
		outputs, err := s.node.ListIncoming(ctx, u.DepositAddress)
		if err != nil {
			s.logger.Warn("listing incoming outputs", "user", u.ID, "address", u.DepositAddress, "error", err)
			continue
		}

		for _, out := range outputs {
			if out.Confirmations < s.minConf {
				continue
			}
			credited, err := s.store.CreditDeposit(ctx, u.ID, out.TxID, out.Vout, out.Amount, out.Confirmations)
			if err != nil {
				s.logger.Error("crediting deposit", "user", u.ID, "txid", out.TxID, "vout", out.Vout, "error", err)
				continue
			}
			if !credited {
				continue
			}
			s.logger.Info("deposit credited", "user", u.ID, "txid", out.TxID, "vout", out.Vout, "amount", out.Amount)
			if s.notifier != nil {
				s.notifier.NotifyDeposit(ctx, u.ID, out.Amount, out.TxID)
			}
		}
	}
}

// sweepWithdrawals promotes broadcast withdrawals to confirmed once the
// chain reports at least one confirmation.
func (s *Scanner) sweepWithdrawals(ctx context.Context) {
	pending, err := s.store.WithdrawalsByStatus(ctx, store.WithdrawalBroadcast)
	if err != nil {
		s.logger.Error("listing broadcast withdrawals", "error", err)
		return
	}

	for _, w := range pending {
		confs, err := s.node.GetTransaction(ctx, w.ExternalTxID)
		if err != nil {
			s.logger.Warn("checking withdrawal confirmations", "id", w.ID, "txid", w.ExternalTxID, "error", err)
			continue
		}
		if confs < 1 {
			continue
		}
		if err := s.store.ConfirmWithdrawal(ctx, w.ID); err != nil {
			s.logger.Error("confirming withdrawal", "id", w.ID, "error", err)
			continue
		}
		s.logger.Info("withdrawal confirmed", "id", w.ID, "txid", w.ExternalTxID, "confirmations", confs)
	}
}
