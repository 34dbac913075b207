// ABOUTME: Faucet controller: rate-limited disbursement from the operator pool
// ABOUTME: The pool is a system ledger account funded by on-chain deposit

package faucet

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/tipjar-dev/tipjar/internal/store"
)

// PoolAccount is the fixed id of the system account the faucet pays from.
// It is created at bootstrap and funded by depositing to its on-chain
// address like any user.
const PoolAccount = "faucet:pool"

// CooldownError reports how long the user must wait before the next claim.
// It matches errors.Is(err, store.ErrCooldownActive).
type CooldownError struct {
	Remaining time.Duration
}

func (e *CooldownError) Error() string {
	return fmt.Sprintf("faucet available in %s", e.Remaining.Round(time.Minute))
}

func (e *CooldownError) Unwrap() error {
	return store.ErrCooldownActive
}

// Store defines what the controller needs from the ledger.
type Store interface {
	User(ctx context.Context, id string) (*store.User, error)
	Balance(ctx context.Context, id string) (int64, error)
	ClaimFaucet(ctx context.Context, userID, poolID string, amount int64, interval time.Duration) error
}

// Controller disburses a fixed amount per claim, one claim per user per
// interval.
type Controller struct {
	store    Store
	amount   int64
	interval time.Duration
	logger   *slog.Logger
}

// New creates a faucet controller. The amount is in base units, already
// clamped to the operator's configured bounds.
func New(s Store, amount int64, interval time.Duration, logger *slog.Logger) *Controller {
	if logger == nil {
		logger = slog.Default()
	}
	return &Controller{
		store:    s,
		amount:   amount,
		interval: interval,
		logger:   logger.With("component", "faucet"),
	}
}

// Amount returns the per-claim disbursement in base units.
func (c *Controller) Amount() int64 {
	return c.amount
}

// Interval returns the per-user cooldown.
func (c *Controller) Interval() time.Duration {
	return c.interval
}

// Claim disburses the configured amount from the pool to the user. The
// cooldown check, pool debit, user credit, and timestamp update are one
// serialized store operation, so racing claims cannot both pass. On
// cooldown the error carries the remaining wait.
func (c *Controller) Claim(ctx context.Context, userID string) (int64, error) {
	err := c.store.ClaimFaucet(ctx, userID, PoolAccount, c.amount, c.interval)
	if errors.Is(err, store.ErrCooldownActive) {
		remaining, remErr := c.remaining(ctx, userID)
		if remErr != nil {
			return 0, err
		}
		return 0, &CooldownError{Remaining: remaining}
	}
	if err != nil {
		return 0, err
	}
	return c.amount, nil
}

// remaining computes the wait until the user's next claim.
func (c *Controller) remaining(ctx context.Context, userID string) (time.Duration, error) {
	u, err := c.store.User(ctx, userID)
	if err != nil {
		return 0, err
	}
	remaining := c.interval - time.Since(u.LastFaucetAt)
	if remaining < 0 {
		remaining = 0
	}
	return remaining, nil
}

// Info describes the pool for the faucetinfo command.
type Info struct {
	Address string
	Balance int64
}

// PoolInfo returns the pool's deposit address and ledger balance.
func (c *Controller) PoolInfo(ctx context.Context) (*Info, error) {
	pool, err := c.store.User(ctx, PoolAccount)
	if err != nil {
		return nil, fmt.Errorf("reading faucet pool account: %w", err)
	}
	return &Info{Address: pool.DepositAddress, Balance: pool.Balance}, nil
}
