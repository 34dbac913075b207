// ABOUTME: Tests for the withdrawal processor against a real store and fake node
// ABOUTME: Covers atomicity under node failure, fee validation, and the recovery sweep

package withdraw

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tipjar-dev/tipjar/internal/store"
)

const fee = 10

// fakeNode scripts the send and confirmation behavior.
type fakeNode struct {
	txid          string
	sendErr       error
	confirmations int
	sends         int
}

func (f *fakeNode) Send(ctx context.Context, destination string, units int64) (string, error) {
	f.sends++
	if f.sendErr != nil {
		return "", f.sendErr
	}
	return f.txid, nil
}

func (f *fakeNode) GetTransaction(ctx context.Context, txid string) (int, error) {
	return f.confirmations, nil
}

// okValidator accepts everything; rejections are tested via rejectValidator.
type okValidator struct{}

func (okValidator) Valid(string) bool { return true }

type rejectValidator struct{}

func (rejectValidator) Valid(string) bool { return false }

func setupProcessor(t *testing.T, n *fakeNode) (*Processor, *store.SQLiteStore) {
	t.Helper()
	s, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return New(s, n, okValidator{}, fee, time.Second, nil), s
}

func fund(t *testing.T, s *store.SQLiteStore, id string, amount int64) {
	t.Helper()
	ctx := context.Background()
	_, err := s.EnsureUser(ctx, id, "user")
	require.NoError(t, err)
	credited, err := s.CreditDeposit(ctx, id, fmt.Sprintf("fund-%s", id), 0, amount, 6)
	require.NoError(t, err)
	require.True(t, credited)
}

func TestProcessor_Withdraw(t *testing.T) {
	node := &fakeNode{txid: "txid-1", confirmations: 1}
	p, s := setupProcessor(t, node)
	ctx := context.Background()

	fund(t, s, "@alice:example.org", 500)

	result, err := p.Withdraw(ctx, "@alice:example.org", 100, "PDest")
	require.NoError(t, err)
	assert.Equal(t, "txid-1", result.TxID)
	assert.Equal(t, int64(390), result.NewBalance, "amount plus fee debited")

	// Confirmed immediately since the node reported a confirmation
	w, err := s.Withdrawal(ctx, result.Withdrawal.ID)
	require.NoError(t, err)
	assert.Equal(t, store.WithdrawalConfirmed, w.Status)
	assert.Equal(t, "txid-1", w.ExternalTxID)
}

func TestProcessor_Withdraw_UnconfirmedStaysBroadcast(t *testing.T) {
	node := &fakeNode{txid: "txid-1", confirmations: 0}
	p, s := setupProcessor(t, node)
	ctx := context.Background()

	fund(t, s, "@alice:example.org", 500)

	result, err := p.Withdraw(ctx, "@alice:example.org", 100, "PDest")
	require.NoError(t, err)

	w, err := s.Withdrawal(ctx, result.Withdrawal.ID)
	require.NoError(t, err)
	assert.Equal(t, store.WithdrawalBroadcast, w.Status, "confirmation left to the sweep")
}

// Reserving then failing the send must restore the exact pre-reservation
// balance, leave the request failed, and write no withdrawal or fee entries.
func TestProcessor_Withdraw_NodeFailure(t *testing.T) {
	node := &fakeNode{sendErr: errors.New("node unreachable")}
	p, s := setupProcessor(t, node)
	ctx := context.Background()

	fund(t, s, "@alice:example.org", 500)

	_, err := p.Withdraw(ctx, "@alice:example.org", 100, "PDest")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrWithdrawalFailed)

	bal, err := s.Balance(ctx, "@alice:example.org")
	require.NoError(t, err)
	assert.Equal(t, int64(500), bal, "pre-reservation balance restored exactly")

	failed, err := s.WithdrawalsByStatus(ctx, store.WithdrawalFailed)
	require.NoError(t, err)
	require.Len(t, failed, 1)

	entries, _, err := s.History(ctx, "@alice:example.org", 20, "")
	require.NoError(t, err)
	for _, e := range entries {
		assert.NotEqual(t, store.EntryWithdrawal, e.Kind)
		assert.NotEqual(t, store.EntryFee, e.Kind)
	}
}

// flakyCommitStore fails CommitWithdrawal a scripted number of times before
// delegating to the real store.
type flakyCommitStore struct {
	*store.SQLiteStore
	failures int
	calls    int
}

func (f *flakyCommitStore) CommitWithdrawal(ctx context.Context, id, txid string) error {
	f.calls++
	if f.calls <= f.failures {
		return errors.New("database is locked")
	}
	return f.SQLiteStore.CommitWithdrawal(ctx, id, txid)
}

// A commit that fails after the send succeeded is retried until it lands;
// the reservation is never released against coins that already left the
// wallet.
func TestProcessor_Withdraw_CommitRetriedAfterSend(t *testing.T) {
	node := &fakeNode{txid: "txid-1", confirmations: 0}
	p, s := setupProcessor(t, node)
	flaky := &flakyCommitStore{SQLiteStore: s, failures: 2}
	p.store = flaky
	p.commitBackoff = time.Millisecond
	ctx := context.Background()

	fund(t, s, "@alice:example.org", 500)

	result, err := p.Withdraw(ctx, "@alice:example.org", 100, "PDest")
	require.NoError(t, err)
	assert.Equal(t, 3, flaky.calls, "two failures then the landing commit")
	assert.Equal(t, 1, node.sends, "the send is never repeated")

	w, err := s.Withdrawal(ctx, result.Withdrawal.ID)
	require.NoError(t, err)
	assert.Equal(t, store.WithdrawalBroadcast, w.Status)
	assert.Equal(t, "txid-1", w.ExternalTxID)

	// Entries were attributed exactly once despite the retries
	entries, _, err := s.History(ctx, "@alice:example.org", 20, "")
	require.NoError(t, err)
	assert.Len(t, entries, 3, "deposit + withdrawal + fee")
}

// When every commit attempt fails the hold must stand: releasing it would
// refund funds the chain already spent.
func TestProcessor_Withdraw_CommitExhaustedKeepsHold(t *testing.T) {
	node := &fakeNode{txid: "txid-1"}
	p, s := setupProcessor(t, node)
	flaky := &flakyCommitStore{SQLiteStore: s, failures: 1000}
	p.store = flaky
	p.commitBackoff = time.Millisecond
	ctx := context.Background()

	fund(t, s, "@alice:example.org", 500)

	_, err := p.Withdraw(ctx, "@alice:example.org", 100, "PDest")
	require.Error(t, err)
	assert.Equal(t, commitAttempts, flaky.calls)

	bal, err := s.Balance(ctx, "@alice:example.org")
	require.NoError(t, err)
	assert.Equal(t, int64(390), bal, "hold kept, not refunded")

	reserved, err := s.WithdrawalsByStatus(ctx, store.WithdrawalReserved)
	require.NoError(t, err)
	require.Len(t, reserved, 1, "request stays reserved for operator remediation")
}

func TestProcessor_Withdraw_AmountMustExceedFee(t *testing.T) {
	p, s := setupProcessor(t, &fakeNode{txid: "txid-1"})
	fund(t, s, "@alice:example.org", 500)

	for _, amt := range []int64{fee, fee - 1, 0} {
		_, err := p.Withdraw(context.Background(), "@alice:example.org", amt, "PDest")
		assert.ErrorIs(t, err, ErrAmountBelowFee, "amount %d", amt)
	}
}

func TestProcessor_Withdraw_InvalidAddress(t *testing.T) {
	node := &fakeNode{txid: "txid-1"}
	p, s := setupProcessor(t, node)
	p.validator = rejectValidator{}

	fund(t, s, "@alice:example.org", 500)

	_, err := p.Withdraw(context.Background(), "@alice:example.org", 100, "garbage")
	assert.ErrorIs(t, err, ErrInvalidAddress)
	assert.Zero(t, node.sends, "nothing reaches the node")
}

func TestProcessor_Withdraw_InsufficientFunds(t *testing.T) {
	node := &fakeNode{txid: "txid-1"}
	p, s := setupProcessor(t, node)

	fund(t, s, "@alice:example.org", 50)

	// 100 + 10 fee exceeds the balance of 50
	_, err := p.Withdraw(context.Background(), "@alice:example.org", 100, "PDest")
	assert.ErrorIs(t, err, store.ErrInsufficientFunds)
	assert.Zero(t, node.sends)
}

func TestProcessor_RecoverStale(t *testing.T) {
	p, s := setupProcessor(t, &fakeNode{txid: "txid-1"})
	ctx := context.Background()

	fund(t, s, "@alice:example.org", 500)

	// Simulate a crash after reserve: the request never reached the node
	stale, err := s.ReserveWithdrawal(ctx, "@alice:example.org", 100, fee, "PDest")
	require.NoError(t, err)

	// A broadcast request must survive the sweep
	inFlight, err := s.ReserveWithdrawal(ctx, "@alice:example.org", 50, fee, "PDest")
	require.NoError(t, err)
	require.NoError(t, s.CommitWithdrawal(ctx, inFlight.ID, "txid-other"))

	require.NoError(t, p.RecoverStale(ctx))

	w, err := s.Withdrawal(ctx, stale.ID)
	require.NoError(t, err)
	assert.Equal(t, store.WithdrawalFailed, w.Status)

	w, err = s.Withdrawal(ctx, inFlight.ID)
	require.NoError(t, err)
	assert.Equal(t, store.WithdrawalBroadcast, w.Status, "broadcast requests are not swept")

	bal, err := s.Balance(ctx, "@alice:example.org")
	require.NoError(t, err)
	assert.Equal(t, int64(500-50-fee), bal, "stale hold refunded, in-flight hold kept")
}

func TestProcessor_RecoverStale_Empty(t *testing.T) {
	p, _ := setupProcessor(t, &fakeNode{})
	require.NoError(t, p.RecoverStale(context.Background()))
}
