// ABOUTME: Tests for the withdrawal reservation state machine
// ABOUTME: Covers at-most-once debits, idempotent commits, and refund rules

package store

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func reserve(t *testing.T, s *SQLiteStore, userID string, amt, fee int64) *Withdrawal {
	t.Helper()
	w, err := s.ReserveWithdrawal(context.Background(), userID, amt, fee, "PDestAddr")
	require.NoError(t, err)
	return w
}

func TestStore_ReserveWithdrawal(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	createUser(t, s, "@alice:example.org", "alice")
	fundUser(t, s, "@alice:example.org", 500)

	w := reserve(t, s, "@alice:example.org", 100, 10)
	assert.Equal(t, WithdrawalReserved, w.Status)
	assert.NotEmpty(t, w.ID)

	bal, err := s.Balance(ctx, "@alice:example.org")
	require.NoError(t, err)
	assert.Equal(t, int64(390), bal, "amount plus fee held at reservation")

	// The hold writes no ledger entries until commit
	entries, _, err := s.History(ctx, "@alice:example.org", 20, "")
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, EntryDeposit, entries[0].Kind)
}

func TestStore_ReserveWithdrawal_InsufficientFunds(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	createUser(t, s, "@alice:example.org", "alice")
	fundUser(t, s, "@alice:example.org", 100)

	// 100 + 10 fee exceeds the balance
	_, err := s.ReserveWithdrawal(ctx, "@alice:example.org", 100, 10, "PDestAddr")
	assert.ErrorIs(t, err, ErrInsufficientFunds)

	bal, err := s.Balance(ctx, "@alice:example.org")
	require.NoError(t, err)
	assert.Equal(t, int64(100), bal)
}

func TestStore_ReserveWithdrawal_Validation(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	createUser(t, s, "@alice:example.org", "alice")
	fundUser(t, s, "@alice:example.org", 500)

	_, err := s.ReserveWithdrawal(ctx, "@alice:example.org", 0, 10, "PDestAddr")
	assert.ErrorIs(t, err, ErrInvalidAmount)

	_, err = s.ReserveWithdrawal(ctx, "@alice:example.org", 100, -1, "PDestAddr")
	assert.ErrorIs(t, err, ErrInvalidAmount)

	_, err = s.ReserveWithdrawal(ctx, "@alice:example.org", 100, 10, "")
	assert.Error(t, err)
}

func TestStore_CommitWithdrawal(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	createUser(t, s, "@alice:example.org", "alice")
	fundUser(t, s, "@alice:example.org", 500)
	w := reserve(t, s, "@alice:example.org", 100, 10)

	require.NoError(t, s.CommitWithdrawal(ctx, w.ID, "txid-1"))

	got, err := s.Withdrawal(ctx, w.ID)
	require.NoError(t, err)
	assert.Equal(t, WithdrawalBroadcast, got.Status)
	assert.Equal(t, "txid-1", got.ExternalTxID)

	// The hold is now attributed to withdrawal and fee entries
	entries, _, err := s.History(ctx, "@alice:example.org", 20, "")
	require.NoError(t, err)
	kinds := make(map[EntryKind]int64)
	for _, e := range entries {
		kinds[e.Kind] += e.Amount
	}
	assert.Equal(t, int64(100), kinds[EntryWithdrawal])
	assert.Equal(t, int64(10), kinds[EntryFee])

	// The balance does not move again at commit
	bal, err := s.Balance(ctx, "@alice:example.org")
	require.NoError(t, err)
	assert.Equal(t, int64(390), bal)
}

// A retried commit with the same txid is a no-op; a different txid for an
// already-committed request is rejected.
func TestStore_CommitWithdrawal_Idempotent(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	createUser(t, s, "@alice:example.org", "alice")
	fundUser(t, s, "@alice:example.org", 500)
	w := reserve(t, s, "@alice:example.org", 100, 10)

	require.NoError(t, s.CommitWithdrawal(ctx, w.ID, "txid-1"))
	require.NoError(t, s.CommitWithdrawal(ctx, w.ID, "txid-1"))

	err := s.CommitWithdrawal(ctx, w.ID, "txid-other")
	assert.ErrorIs(t, err, ErrInvalidState)

	// Entries were written exactly once
	entries, _, err := s.History(ctx, "@alice:example.org", 20, "")
	require.NoError(t, err)
	assert.Len(t, entries, 3, "deposit + withdrawal + fee")
}

func TestStore_ConfirmWithdrawal(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	createUser(t, s, "@alice:example.org", "alice")
	fundUser(t, s, "@alice:example.org", 500)
	w := reserve(t, s, "@alice:example.org", 100, 10)

	// Confirming before the send is committed is illegal
	assert.ErrorIs(t, s.ConfirmWithdrawal(ctx, w.ID), ErrInvalidState)

	require.NoError(t, s.CommitWithdrawal(ctx, w.ID, "txid-1"))
	require.NoError(t, s.ConfirmWithdrawal(ctx, w.ID))
	require.NoError(t, s.ConfirmWithdrawal(ctx, w.ID), "idempotent")

	got, err := s.Withdrawal(ctx, w.ID)
	require.NoError(t, err)
	assert.Equal(t, WithdrawalConfirmed, got.Status)
}

func TestStore_ReleaseWithdrawal_FromReserved(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	createUser(t, s, "@alice:example.org", "alice")
	fundUser(t, s, "@alice:example.org", 500)
	w := reserve(t, s, "@alice:example.org", 100, 10)

	require.NoError(t, s.ReleaseWithdrawal(ctx, w.ID))

	bal, err := s.Balance(ctx, "@alice:example.org")
	require.NoError(t, err)
	assert.Equal(t, int64(500), bal, "hold refunded exactly")

	got, err := s.Withdrawal(ctx, w.ID)
	require.NoError(t, err)
	assert.Equal(t, WithdrawalFailed, got.Status)

	// Nothing was attributed, so nothing is compensated
	entries, _, err := s.History(ctx, "@alice:example.org", 20, "")
	require.NoError(t, err)
	assert.Len(t, entries, 1, "just the funding deposit")
}

func TestStore_ReleaseWithdrawal_FromBroadcast(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	createUser(t, s, "@alice:example.org", "alice")
	fundUser(t, s, "@alice:example.org", 500)
	w := reserve(t, s, "@alice:example.org", 100, 10)
	require.NoError(t, s.CommitWithdrawal(ctx, w.ID, "txid-1"))

	require.NoError(t, s.ReleaseWithdrawal(ctx, w.ID))

	bal, err := s.Balance(ctx, "@alice:example.org")
	require.NoError(t, err)
	assert.Equal(t, int64(500), bal)

	// The committed entries stand; a compensating release entry balances them
	entries, _, err := s.History(ctx, "@alice:example.org", 20, "")
	require.NoError(t, err)
	var release *LedgerEntry
	for _, e := range entries {
		if e.Kind == EntryWithdrawalRelease {
			release = e
		}
	}
	require.NotNil(t, release)
	assert.Equal(t, int64(110), release.Amount)
	assert.Equal(t, w.ID, release.ExternalRef)
}

// The refund applies at most once no matter how many times release runs.
func TestStore_ReleaseWithdrawal_RefundAtMostOnce(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	createUser(t, s, "@alice:example.org", "alice")
	fundUser(t, s, "@alice:example.org", 500)
	w := reserve(t, s, "@alice:example.org", 100, 10)

	require.NoError(t, s.ReleaseWithdrawal(ctx, w.ID))
	require.NoError(t, s.ReleaseWithdrawal(ctx, w.ID))
	require.NoError(t, s.ReleaseWithdrawal(ctx, w.ID))

	bal, err := s.Balance(ctx, "@alice:example.org")
	require.NoError(t, err)
	assert.Equal(t, int64(500), bal)
}

func TestStore_ReleaseWithdrawal_NeverFromConfirmed(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	createUser(t, s, "@alice:example.org", "alice")
	fundUser(t, s, "@alice:example.org", 500)
	w := reserve(t, s, "@alice:example.org", 100, 10)
	require.NoError(t, s.CommitWithdrawal(ctx, w.ID, "txid-1"))
	require.NoError(t, s.ConfirmWithdrawal(ctx, w.ID))

	err := s.ReleaseWithdrawal(ctx, w.ID)
	assert.ErrorIs(t, err, ErrInvalidState)

	bal, err := s.Balance(ctx, "@alice:example.org")
	require.NoError(t, err)
	assert.Equal(t, int64(390), bal, "confirmed funds are spent, never refunded")
}

func TestStore_WithdrawalsByStatus(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	createUser(t, s, "@alice:example.org", "alice")
	fundUser(t, s, "@alice:example.org", 1_000)

	first := reserve(t, s, "@alice:example.org", 100, 10)
	second := reserve(t, s, "@alice:example.org", 200, 10)
	require.NoError(t, s.CommitWithdrawal(ctx, second.ID, "txid-2"))

	reserved, err := s.WithdrawalsByStatus(ctx, WithdrawalReserved)
	require.NoError(t, err)
	require.Len(t, reserved, 1)
	assert.Equal(t, first.ID, reserved[0].ID)

	broadcast, err := s.WithdrawalsByStatus(ctx, WithdrawalBroadcast)
	require.NoError(t, err)
	require.Len(t, broadcast, 1)
	assert.Equal(t, second.ID, broadcast[0].ID)

	failed, err := s.WithdrawalsByStatus(ctx, WithdrawalFailed)
	require.NoError(t, err)
	assert.Empty(t, failed)
}

func TestStore_Withdrawal_NotFound(t *testing.T) {
	s := setupTestStore(t)
	_, err := s.Withdrawal(context.Background(), "no-such-id")
	assert.ErrorIs(t, err, ErrNotFound)
}
