// ABOUTME: Tip engine: direct, lucky (random), and split-among-active transfers
// ABOUTME: All three modes funnel through the store's atomic transfer primitives

package tip

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"time"

	"github.com/tipjar-dev/tipjar/internal/activity"
	"github.com/tipjar-dev/tipjar/internal/store"
)

var (
	// ErrUnknownTarget means the named tip recipient has no account yet.
	ErrUnknownTarget = errors.New("target user not found")
	// ErrNoActiveUsers means the group's active set, minus the sender, is empty.
	ErrNoActiveUsers = errors.New("no active users")
	// ErrAmountTooSmall means a split tip rounds to zero per recipient.
	ErrAmountTooSmall = errors.New("amount too small to split")
)

// Store defines what the engine needs from the ledger.
type Store interface {
	UserByUsername(ctx context.Context, username string) (*store.User, error)
	Transfer(ctx context.Context, from, to string, amount int64) (*store.LedgerEntry, error)
	TransferSplit(ctx context.Context, from string, recipients []string, perAmount int64) error
	ActiveUsers(ctx context.Context, groupID string, window time.Duration) ([]*store.User, error)
}

// Engine executes the three tip modes. The randomness source for lucky tips
// is injectable so tests are deterministic.
type Engine struct {
	store  Store
	logger *slog.Logger
	pick   func(n int) int
}

// New creates a tip engine over the given store.
func New(s Store, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		store:  s,
		logger: logger.With("component", "tip"),
		pick:   rand.IntN,
	}
}

// Tip transfers amount from the sender to the user holding the given
// display handle. ErrUnknownTarget if nobody holds it.
func (e *Engine) Tip(ctx context.Context, senderID, targetUsername string, amount int64) (*store.User, error) {
	target, err := e.store.UserByUsername(ctx, targetUsername)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrUnknownTarget
	}
	if err != nil {
		return nil, fmt.Errorf("resolving tip target %q: %w", targetUsername, err)
	}

	if _, err := e.store.Transfer(ctx, senderID, target.ID, amount); err != nil {
		return nil, err
	}

	e.logger.Info("direct tip", "from", senderID, "to", target.ID, "amount", amount)
	return target, nil
}

// TipRandom transfers amount to one uniformly chosen member of the group's
// active set, excluding the sender. The set is evaluated at call time.
func (e *Engine) TipRandom(ctx context.Context, senderID, groupID string, amount int64) (*store.User, error) {
	candidates, err := e.activeExcluding(ctx, groupID, senderID)
	if err != nil {
		return nil, err
	}
	if len(candidates) == 0 {
		return nil, ErrNoActiveUsers
	}

	target := candidates[e.pick(len(candidates))]
	if _, err := e.store.Transfer(ctx, senderID, target.ID, amount); err != nil {
		return nil, err
	}

	e.logger.Info("lucky tip", "from", senderID, "to", target.ID, "amount", amount)
	return target, nil
}

// SplitResult describes a completed split tip.
type SplitResult struct {
	Recipients []*store.User
	PerAmount  int64 // credited to each recipient
	Total      int64 // debited from the sender: PerAmount * len(Recipients)
}

// TipActive splits amount across the group's active set, excluding the
// sender. Each recipient gets floor(amount/count); the remainder never
// leaves the sender, so the total debited equals the total credited. The
// split applies all-or-nothing.
func (e *Engine) TipActive(ctx context.Context, senderID, groupID string, amount int64) (*SplitResult, error) {
	if amount <= 0 {
		return nil, store.ErrInvalidAmount
	}

	recipients, err := e.activeExcluding(ctx, groupID, senderID)
	if err != nil {
		return nil, err
	}
	if len(recipients) == 0 {
		return nil, ErrNoActiveUsers
	}

	per := amount / int64(len(recipients))
	if per == 0 {
		return nil, ErrAmountTooSmall
	}

	ids := make([]string, len(recipients))
	for i, r := range recipients {
		ids[i] = r.ID
	}
	if err := e.store.TransferSplit(ctx, senderID, ids, per); err != nil {
		return nil, err
	}

	e.logger.Info("split tip", "from", senderID, "recipients", len(recipients), "per_amount", per)
	return &SplitResult{
		Recipients: recipients,
		PerAmount:  per,
		Total:      per * int64(len(recipients)),
	}, nil
}

// activeExcluding returns the group's active set without the sender.
func (e *Engine) activeExcluding(ctx context.Context, groupID, senderID string) ([]*store.User, error) {
	users, err := e.store.ActiveUsers(ctx, groupID, activity.Window)
	if err != nil {
		return nil, fmt.Errorf("listing active users: %w", err)
	}

	filtered := users[:0]
	for _, u := range users {
		if u.ID != senderID {
			filtered = append(filtered, u)
		}
	}
	return filtered, nil
}
