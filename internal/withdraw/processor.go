// ABOUTME: Withdrawal processor: validate, reserve, submit on-chain, reconcile
// ABOUTME: Every reservation is resolved (commit or release) before the call returns

package withdraw

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/tipjar-dev/tipjar/internal/store"
)

var (
	// ErrInvalidAddress means the destination failed the syntactic check.
	ErrInvalidAddress = errors.New("invalid destination address")
	// ErrAmountBelowFee means the requested amount does not exceed the fee.
	ErrAmountBelowFee = errors.New("amount must exceed the withdrawal fee")
	// ErrWithdrawalFailed wraps a node rejection or timeout. The reservation
	// has already been released when this is returned.
	ErrWithdrawalFailed = errors.New("withdrawal failed")
)

// Store defines what the processor needs from the ledger.
type Store interface {
	ReserveWithdrawal(ctx context.Context, userID string, amount, fee int64, destination string) (*store.Withdrawal, error)
	CommitWithdrawal(ctx context.Context, id, externalTxID string) error
	ConfirmWithdrawal(ctx context.Context, id string) error
	ReleaseWithdrawal(ctx context.Context, id string) error
	WithdrawalsByStatus(ctx context.Context, status store.WithdrawalStatus) ([]*store.Withdrawal, error)
	Balance(ctx context.Context, id string) (int64, error)
}

// Node is the wallet surface the processor submits sends through.
type Node interface {
	Send(ctx context.Context, destination string, units int64) (string, error)
	GetTransaction(ctx context.Context, txid string) (int, error)
}

// AddressValidator checks destination syntax.
type AddressValidator interface {
	Valid(address string) bool
}

// commitAttempts bounds how many times a failed commit is retried after a
// successful send before the error is surfaced.
const commitAttempts = 5

// Processor runs the reserve, send, commit-or-release sequence.
type Processor struct {
	store         Store
	node          Node
	validator     AddressValidator
	fee           int64
	sendTimeout   time.Duration
	commitBackoff time.Duration
	logger        *slog.Logger
}

// New creates a withdrawal processor. The fee is in base units; sendTimeout
// bounds the on-chain submission.
func New(s Store, n Node, v AddressValidator, fee int64, sendTimeout time.Duration, logger *slog.Logger) *Processor {
	if logger == nil {
		logger = slog.Default()
	}
	if sendTimeout <= 0 {
		sendTimeout = 30 * time.Second
	}
	return &Processor{
		store:         s,
		node:          n,
		validator:     v,
		fee:           fee,
		sendTimeout:   sendTimeout,
		commitBackoff: 200 * time.Millisecond,
		logger:        logger.With("component", "withdraw"),
	}
}

// Fee returns the configured withdrawal fee in base units.
func (p *Processor) Fee() int64 {
	return p.fee
}

// Result describes a completed withdrawal.
type Result struct {
	Withdrawal *store.Withdrawal
	TxID       string
	NewBalance int64
}

// Withdraw debits amount+fee from the user, submits the on-chain send, and
// reconciles the reservation. On a node failure or timeout the reservation
// is released and the user's balance is restored exactly. Once the send
// succeeds the coins are gone, so the commit is retried rather than the
// reservation released.
func (p *Processor) Withdraw(ctx context.Context, userID string, amount int64, destination string) (*Result, error) {
	if amount <= p.fee {
		return nil, ErrAmountBelowFee
	}
	if !p.validator.Valid(destination) {
		return nil, ErrInvalidAddress
	}

	w, err := p.store.ReserveWithdrawal(ctx, userID, amount, p.fee, destination)
	if err != nil {
		return nil, err
	}

	sendCtx, cancel := context.WithTimeout(ctx, p.sendTimeout)
	txid, sendErr := p.node.Send(sendCtx, destination, amount)
	cancel()

	if sendErr != nil {
		p.logger.Warn("send failed, releasing reservation", "id", w.ID, "user", userID, "error", sendErr)
		if relErr := p.store.ReleaseWithdrawal(ctx, w.ID); relErr != nil {
			// The refund will be retried by the startup sweep; surface both
			return nil, fmt.Errorf("releasing reservation %s after send failure (%v): %w", w.ID, sendErr, relErr)
		}
		return nil, fmt.Errorf("%w: %w", ErrWithdrawalFailed, sendErr)
	}

	// The send reached the chain, so the reservation must never be released
	// from here: a refund against spent coins would mint funds. Commit is
	// idempotent for the same txid, so retry until it lands.
	var commitErr error
	for attempt := 1; attempt <= commitAttempts; attempt++ {
		commitErr = p.store.CommitWithdrawal(ctx, w.ID, txid)
		if commitErr == nil {
			break
		}
		p.logger.Warn("commit failed after successful send, retrying",
			"id", w.ID, "txid", txid, "attempt", attempt, "error", commitErr)
		if attempt == commitAttempts {
			break
		}
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("committing withdrawal %s (txid %s): %w", w.ID, txid, errors.Join(commitErr, ctx.Err()))
		case <-time.After(p.commitBackoff):
		}
	}
	if commitErr != nil {
		p.logger.Error("commit exhausted retries, request left reserved with a live send",
			"id", w.ID, "txid", txid, "error", commitErr)
		return nil, fmt.Errorf("committing withdrawal %s (txid %s): %w", w.ID, txid, commitErr)
	}

	// Opportunistic confirmation; the scanner's sweep picks up the rest
	if confs, err := p.node.GetTransaction(ctx, txid); err == nil && confs >= 1 {
		if err := p.store.ConfirmWithdrawal(ctx, w.ID); err != nil {
			p.logger.Warn("confirm after commit failed", "id", w.ID, "error", err)
		}
	}

	newBalance, err := p.store.Balance(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("reading balance after withdrawal: %w", err)
	}

	p.logger.Info("withdrawal complete", "id", w.ID, "user", userID, "amount", amount, "fee", p.fee, "txid", txid)
	return &Result{Withdrawal: w, TxID: txid, NewBalance: newBalance}, nil
}

// RecoverStale releases every request still in reserved state. Run at
// startup before serving commands: a crash between reserve and send leaves
// funds held with no transaction in flight, and the hold must not outlive
// the process that created it. Broadcast requests are left alone - their
// send may have reached the chain.
func (p *Processor) RecoverStale(ctx context.Context) error {
	stale, err := p.store.WithdrawalsByStatus(ctx, store.WithdrawalReserved)
	if err != nil {
		return fmt.Errorf("listing reserved withdrawals: %w", err)
	}

	for _, w := range stale {
		if err := p.store.ReleaseWithdrawal(ctx, w.ID); err != nil {
			return fmt.Errorf("releasing stale reservation %s: %w", w.ID, err)
		}
		p.logger.Warn("released stale reservation from previous run",
			"id", w.ID, "user", w.UserID, "amount", w.Amount, "fee", w.Fee)
	}

	if len(stale) > 0 {
		p.logger.Info("recovery sweep complete", "released", len(stale))
	}
	return nil
}
