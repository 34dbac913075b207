// ABOUTME: Withdrawal reservation lifecycle: reserve, commit, confirm, release
// ABOUTME: Funds are held at reservation so a crash can never lose or double a debit

package store

import (
	"context"
	"database/sql"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"
)

// ReserveWithdrawal atomically debits amount+fee from the user and creates a
// request in reserved state. No ledger entries are written yet: the hold is
// attributed to withdrawal and fee entries only when the send is committed.
// Fails with ErrInsufficientFunds if the balance cannot cover amount+fee.
func (s *SQLiteStore) ReserveWithdrawal(ctx context.Context, userID string, amount, fee int64, destination string) (*Withdrawal, error) {
	if amount <= 0 || fee < 0 {
		return nil, ErrInvalidAmount
	}
	if amount > math.MaxInt64-fee {
		return nil, fmt.Errorf("reserving withdrawal: %d + %d overflows", amount, fee)
	}
	if destination == "" {
		return nil, fmt.Errorf("reserving withdrawal: empty destination")
	}

	w := &Withdrawal{
		ID:          uuid.New().String(),
		UserID:      userID,
		Amount:      amount,
		Fee:         fee,
		Destination: destination,
		Status:      WithdrawalReserved,
	}

	err := s.inTx(ctx, func(tx *sql.Tx) error {
		if err := s.debitTx(ctx, tx, userID, amount+fee); err != nil {
			return err
		}

		now := time.Now().UTC()
		w.CreatedAt = now
		w.UpdatedAt = now
		_, err := tx.ExecContext(ctx, `
			INSERT INTO withdrawals (id, user_id, amount, fee, destination, status, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		`, w.ID, w.UserID, w.Amount, w.Fee, w.Destination, string(w.Status),
			now.Format(time.RFC3339), now.Format(time.RFC3339))
		if err != nil {
			return fmt.Errorf("inserting withdrawal: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("reserved withdrawal", "id", w.ID, "user", userID, "amount", amount, "fee", fee)
	return w, nil
}

// CommitWithdrawal records a successful send: the request moves to broadcast
// and the held funds are attributed to withdrawal and fee entries. Calling it
// again with the same txid has no further effect; a different txid for an
// already-committed request is ErrInvalidState.
func (s *SQLiteStore) CommitWithdrawal(ctx context.Context, id, externalTxID string) error {
	if externalTxID == "" {
		return fmt.Errorf("committing withdrawal %s: empty txid", id)
	}

	err := s.inTx(ctx, func(tx *sql.Tx) error {
		w, err := s.withdrawalTx(ctx, tx, id)
		if err != nil {
			return err
		}

		switch w.Status {
		case WithdrawalBroadcast, WithdrawalConfirmed:
			if w.ExternalTxID == externalTxID {
				// Retried commit - already applied
				return nil
			}
			return fmt.Errorf("withdrawal %s already committed with txid %s: %w", id, w.ExternalTxID, ErrInvalidState)
		case WithdrawalFailed:
			return fmt.Errorf("withdrawal %s already failed: %w", id, ErrInvalidState)
		}

		now := time.Now().UTC().Format(time.RFC3339)
		_, err = tx.ExecContext(ctx, `
			UPDATE withdrawals SET status = ?, external_txid = ?, updated_at = ? WHERE id = ?
		`, string(WithdrawalBroadcast), externalTxID, now, id)
		if err != nil {
			return fmt.Errorf("updating withdrawal: %w", err)
		}

		if _, err := s.appendEntryTx(ctx, tx, EntryWithdrawal, w.UserID, "", w.Amount, externalTxID); err != nil {
			return err
		}
		if w.Fee > 0 {
			if _, err := s.appendEntryTx(ctx, tx, EntryFee, w.UserID, "", w.Fee, externalTxID); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	s.logger.Info("committed withdrawal", "id", id, "txid", externalTxID)
	return nil
}

// ConfirmWithdrawal marks a broadcast request confirmed once its transaction
// has at least one on-chain confirmation. No balances move. Idempotent.
func (s *SQLiteStore) ConfirmWithdrawal(ctx context.Context, id string) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		w, err := s.withdrawalTx(ctx, tx, id)
		if err != nil {
			return err
		}

		switch w.Status {
		case WithdrawalConfirmed:
			return nil
		case WithdrawalReserved, WithdrawalFailed:
			return fmt.Errorf("withdrawal %s is %s, not broadcast: %w", id, w.Status, ErrInvalidState)
		}

		now := time.Now().UTC().Format(time.RFC3339)
		_, err = tx.ExecContext(ctx, `
			UPDATE withdrawals SET status = ?, updated_at = ? WHERE id = ?
		`, string(WithdrawalConfirmed), now, id)
		if err != nil {
			return fmt.Errorf("updating withdrawal: %w", err)
		}
		return nil
	})
}

// ReleaseWithdrawal refunds amount+fee and moves the request to failed. Legal
// from reserved (send never happened; nothing was attributed, so nothing is
// appended) and from broadcast (entries exist, so a compensating release
// entry restores the ledger). Never legal from confirmed. Releasing an
// already-failed request is a no-op: the refund applies at most once.
func (s *SQLiteStore) ReleaseWithdrawal(ctx context.Context, id string) error {
	released := false
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		w, err := s.withdrawalTx(ctx, tx, id)
		if err != nil {
			return err
		}

		switch w.Status {
		case WithdrawalFailed:
			return nil
		case WithdrawalConfirmed:
			return fmt.Errorf("withdrawal %s is confirmed: %w", id, ErrInvalidState)
		}

		if err := s.creditTx(ctx, tx, w.UserID, w.Amount+w.Fee); err != nil {
			return err
		}
		if w.Status == WithdrawalBroadcast {
			if _, err := s.appendEntryTx(ctx, tx, EntryWithdrawalRelease, "", w.UserID, w.Amount+w.Fee, w.ID); err != nil {
				return err
			}
		}

		now := time.Now().UTC().Format(time.RFC3339)
		_, err = tx.ExecContext(ctx, `
			UPDATE withdrawals SET status = ?, updated_at = ? WHERE id = ?
		`, string(WithdrawalFailed), now, id)
		if err != nil {
			return fmt.Errorf("updating withdrawal: %w", err)
		}
		released = true
		return nil
	})
	if err != nil {
		return err
	}

	if released {
		s.logger.Info("released withdrawal", "id", id)
	}
	return nil
}

// Withdrawal retrieves a request by id.
// Returns ErrNotFound if it doesn't exist.
func (s *SQLiteStore) Withdrawal(ctx context.Context, id string) (*Withdrawal, error) {
	return scanWithdrawal(s.db.QueryRowContext(ctx, `
		SELECT id, user_id, amount, fee, destination, status, external_txid, created_at, updated_at
		FROM withdrawals
		WHERE id = ?
	`, id))
}

// withdrawalTx reads a request inside tx so state checks and updates see the
// same row.
func (s *SQLiteStore) withdrawalTx(ctx context.Context, tx *sql.Tx, id string) (*Withdrawal, error) {
	return scanWithdrawal(tx.QueryRowContext(ctx, `
		SELECT id, user_id, amount, fee, destination, status, external_txid, created_at, updated_at
		FROM withdrawals
		WHERE id = ?
	`, id))
}

func scanWithdrawal(row userRow) (*Withdrawal, error) {
	var w Withdrawal
	var status string
	var txid sql.NullString
	var createdAt, updatedAt string

	err := row.Scan(&w.ID, &w.UserID, &w.Amount, &w.Fee, &w.Destination, &status, &txid, &createdAt, &updatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scanning withdrawal: %w", err)
	}

	w.Status = WithdrawalStatus(status)
	if txid.Valid {
		w.ExternalTxID = txid.String
	}

	w.CreatedAt, err = time.Parse(time.RFC3339, createdAt)
	if err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	w.UpdatedAt, err = time.Parse(time.RFC3339, updatedAt)
	if err != nil {
		return nil, fmt.Errorf("parsing updated_at: %w", err)
	}
	return &w, nil
}

// WithdrawalsByStatus lists requests in a given state, oldest first. This
// feeds the startup recovery sweep (reserved) and the confirmation sweep
// (broadcast).
func (s *SQLiteStore) WithdrawalsByStatus(ctx context.Context, status WithdrawalStatus) ([]*Withdrawal, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, user_id, amount, fee, destination, status, external_txid, created_at, updated_at
		FROM withdrawals
		WHERE status = ?
		ORDER BY created_at ASC
	`, string(status))
	if err != nil {
		return nil, fmt.Errorf("querying withdrawals: %w", err)
	}
	defer rows.Close()

	var withdrawals []*Withdrawal
	for rows.Next() {
		w, err := scanWithdrawal(rows)
		if err != nil {
			return nil, err
		}
		withdrawals = append(withdrawals, w)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating withdrawal rows: %w", err)
	}
	return withdrawals, nil
}
