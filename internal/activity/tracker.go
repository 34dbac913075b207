// ABOUTME: Activity tracking facade over the store's per-group last-seen marks
// ABOUTME: Supplies the active-user sets that scope random and split tips

package activity

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/tipjar-dev/tipjar/internal/store"
)

// Window is how far back a user's last mark may be for them to count as
// active. Fixed by design, not configuration.
const Window = 30 * time.Minute

// Store defines what the tracker needs from storage.
type Store interface {
	MarkActive(ctx context.Context, userID, groupID string) error
	ActiveUsers(ctx context.Context, groupID string, window time.Duration) ([]*store.User, error)
}

// Tracker records last-seen marks per (user, group) and answers active-set
// queries against the fixed window.
type Tracker struct {
	store  Store
	logger *slog.Logger
}

// New creates a tracker over the given store.
func New(s Store, logger *slog.Logger) *Tracker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Tracker{
		store:  s,
		logger: logger.With("component", "activity"),
	}
}

// Mark upserts the last-seen timestamp for (user, group). Called for every
// inbound group message the frontend forwards; marks are monotonic.
func (t *Tracker) Mark(ctx context.Context, userID, groupID string) error {
	if err := t.store.MarkActive(ctx, userID, groupID); err != nil {
		return fmt.Errorf("marking %s active in %s: %w", userID, groupID, err)
	}
	return nil
}

// Active returns the users seen in the group within the window, most
// recently active first, evaluated at call time.
func (t *Tracker) Active(ctx context.Context, groupID string) ([]*store.User, error) {
	users, err := t.store.ActiveUsers(ctx, groupID, Window)
	if err != nil {
		return nil, fmt.Errorf("listing active users in %s: %w", groupID, err)
	}
	return users, nil
}
