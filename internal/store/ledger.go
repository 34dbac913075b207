// ABOUTME: Ledger operations: transfers, deposit credits, faucet claims, history
// ABOUTME: Every balance mutation commits atomically with its ledger entry

package store

import (
	"context"
	"database/sql"
	"encoding/base64"
	"fmt"
	"math"
	"strconv"
	"time"
)

// Transfer atomically moves amount from one account to another and appends a
// tip entry. Fails with ErrInsufficientFunds if the sender cannot cover it,
// ErrInvalidTarget on self-transfer, ErrNotFound if either account is
// missing. Nothing is applied on failure.
func (s *SQLiteStore) Transfer(ctx context.Context, from, to string, amount int64) (*LedgerEntry, error) {
	if amount <= 0 {
		return nil, ErrInvalidAmount
	}
	if from == to {
		return nil, ErrInvalidTarget
	}

	var entry *LedgerEntry
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		if err := s.debitTx(ctx, tx, from, amount); err != nil {
			return err
		}
		if err := s.creditTx(ctx, tx, to, amount); err != nil {
			return err
		}
		var err error
		entry, err = s.appendEntryTx(ctx, tx, EntryTip, from, to, amount, "")
		return err
	})
	if err != nil {
		return nil, err
	}

	s.logger.Debug("transfer", "from", from, "to", to, "amount", amount, "entry", entry.ID)
	return entry, nil
}

// TransferSplit moves perAmount from one sender to each recipient in a single
// transaction: either every recipient is credited or none is. The sender is
// debited exactly perAmount * len(recipients); any remainder from the split
// computation stays with the sender.
func (s *SQLiteStore) TransferSplit(ctx context.Context, from string, recipients []string, perAmount int64) error {
	if perAmount <= 0 {
		return ErrInvalidAmount
	}
	if len(recipients) == 0 {
		return ErrInvalidTarget
	}
	if perAmount > math.MaxInt64/int64(len(recipients)) {
		return fmt.Errorf("split of %d x %d overflows", perAmount, len(recipients))
	}
	for _, r := range recipients {
		if r == from {
			return ErrInvalidTarget
		}
	}

	total := perAmount * int64(len(recipients))

	err := s.inTx(ctx, func(tx *sql.Tx) error {
		if err := s.debitTx(ctx, tx, from, total); err != nil {
			return err
		}
		for _, r := range recipients {
			if err := s.creditTx(ctx, tx, r, perAmount); err != nil {
				return err
			}
			if _, err := s.appendEntryTx(ctx, tx, EntryTip, from, r, perAmount, ""); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	s.logger.Debug("split transfer", "from", from, "recipients", len(recipients), "per_amount", perAmount)
	return nil
}

// CreditDeposit credits one on-chain output to an account, recording the
// deposit and its ledger entry atomically. Crediting the same (txid, vout)
// again is a success no-op with credited=false - that is the idempotence
// contract rescans rely on.
func (s *SQLiteStore) CreditDeposit(ctx context.Context, userID, txid string, vout int, amount int64, confirmations int) (bool, error) {
	if amount <= 0 {
		return false, ErrInvalidAmount
	}
	if txid == "" || vout < 0 {
		return false, fmt.Errorf("crediting deposit: invalid output reference %q:%d", txid, vout)
	}

	credited := false
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		now := time.Now().UTC().Format(time.RFC3339)
		result, err := tx.ExecContext(ctx, `
			INSERT INTO deposits (txid, vout, user_id, amount, confirmations_at_credit, credited_at)
			VALUES (?, ?, ?, ?, ?, ?)
			ON CONFLICT(txid, vout) DO NOTHING
		`, txid, vout, userID, amount, confirmations, now)
		if err != nil {
			return fmt.Errorf("inserting deposit record: %w", err)
		}

		rows, err := result.RowsAffected()
		if err != nil {
			return fmt.Errorf("getting rows affected: %w", err)
		}
		if rows == 0 {
			// Already credited - nothing more to do
			return nil
		}

		if err := s.creditTx(ctx, tx, userID, amount); err != nil {
			return err
		}
		ref := fmt.Sprintf("%s:%d", txid, vout)
		if _, err := s.appendEntryTx(ctx, tx, EntryDeposit, "", userID, amount, ref); err != nil {
			return err
		}
		credited = true
		return nil
	})
	if err != nil {
		return false, err
	}

	if credited {
		s.logger.Info("credited deposit", "user", userID, "txid", txid, "vout", vout, "amount", amount)
	}
	return credited, nil
}

// Deposits lists the on-chain outputs credited to an account, newest first.
func (s *SQLiteStore) Deposits(ctx context.Context, userID string) ([]*Deposit, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT txid, vout, user_id, amount, confirmations_at_credit, credited_at
		FROM deposits
		WHERE user_id = ?
		ORDER BY credited_at DESC, txid, vout
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("querying deposits: %w", err)
	}
	defer rows.Close()

	var deposits []*Deposit
	for rows.Next() {
		var d Deposit
		var creditedAt string
		if err := rows.Scan(&d.TxID, &d.Vout, &d.UserID, &d.Amount, &d.Confirmations, &creditedAt); err != nil {
			return nil, fmt.Errorf("scanning deposit row: %w", err)
		}
		d.CreditedAt, err = time.Parse(time.RFC3339, creditedAt)
		if err != nil {
			return nil, fmt.Errorf("parsing credited_at: %w", err)
		}
		deposits = append(deposits, &d)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating deposit rows: %w", err)
	}
	return deposits, nil
}

// ClaimFaucet disburses amount from the pool account to a user, enforcing the
// per-user cooldown. The cooldown check, the pool debit, the user credit, and
// the timestamp update commit as one transaction, so two racing claims from
// the same user cannot both pass the check. Returns ErrCooldownActive inside
// the interval and ErrInsufficientFunds when the pool cannot cover the claim.
func (s *SQLiteStore) ClaimFaucet(ctx context.Context, userID, poolID string, amount int64, interval time.Duration) error {
	if amount <= 0 {
		return ErrInvalidAmount
	}
	if userID == poolID {
		return ErrInvalidTarget
	}

	err := s.inTx(ctx, func(tx *sql.Tx) error {
		var lastFaucet sql.NullString
		err := tx.QueryRowContext(ctx, `SELECT last_faucet_ts FROM users WHERE id = ?`, userID).Scan(&lastFaucet)
		if err == sql.ErrNoRows {
			return ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("querying last faucet claim: %w", err)
		}

		now := time.Now().UTC()
		if lastFaucet.Valid {
			last, err := time.Parse(time.RFC3339, lastFaucet.String)
			if err != nil {
				return fmt.Errorf("parsing last_faucet_ts: %w", err)
			}
			if now.Sub(last) < interval {
				return ErrCooldownActive
			}
		}

		if err := s.debitTx(ctx, tx, poolID, amount); err != nil {
			return err
		}
		if err := s.creditTx(ctx, tx, userID, amount); err != nil {
			return err
		}
		if _, err := s.appendEntryTx(ctx, tx, EntryFaucet, poolID, userID, amount, ""); err != nil {
			return err
		}

		_, err = tx.ExecContext(ctx, `UPDATE users SET last_faucet_ts = ? WHERE id = ?`,
			now.Format(time.RFC3339), userID)
		if err != nil {
			return fmt.Errorf("updating last faucet claim: %w", err)
		}
		return nil
	})
	if err != nil {
		return err
	}

	s.logger.Info("faucet claim", "user", userID, "amount", amount)
	return nil
}

// encodeHistoryCursor creates an opaque cursor from the last entry id seen.
func encodeHistoryCursor(id int64) string {
	return base64.StdEncoding.EncodeToString([]byte(strconv.FormatInt(id, 10)))
}

// decodeHistoryCursor parses an opaque history cursor.
// Returns an error if the cursor is invalid.
func decodeHistoryCursor(cursor string) (int64, error) {
	decoded, err := base64.StdEncoding.DecodeString(cursor)
	if err != nil {
		return 0, fmt.Errorf("invalid cursor encoding: %w", err)
	}
	id, err := strconv.ParseInt(string(decoded), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid cursor value: %w", err)
	}
	return id, nil
}

// History returns a user's ledger entries newest first, in commit order, with
// cursor pagination. An empty next cursor means the read is complete; passing
// the returned cursor back restarts the read exactly where it stopped.
func (s *SQLiteStore) History(ctx context.Context, userID string, limit int, cursor string) ([]*LedgerEntry, string, error) {
	if limit <= 0 {
		limit = 50
	}
	if limit > 500 {
		limit = 500
	}

	query := `
		SELECT id, kind, from_user, to_user, amount, external_ref, created_at
		FROM ledger_entries
		WHERE (from_user = ? OR to_user = ?)
	`
	args := []any{userID, userID}

	if cursor != "" {
		beforeID, err := decodeHistoryCursor(cursor)
		if err != nil {
			return nil, "", fmt.Errorf("invalid cursor: %w", err)
		}
		query += ` AND id < ?`
		args = append(args, beforeID)
	}

	// Fetch limit+1 to detect whether there are more results
	query += ` ORDER BY id DESC LIMIT ?`
	args = append(args, limit+1)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, "", fmt.Errorf("querying history: %w", err)
	}
	defer rows.Close()

	var entries []*LedgerEntry
	for rows.Next() {
		entry, err := scanEntry(rows)
		if err != nil {
			return nil, "", err
		}
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, "", fmt.Errorf("iterating history rows: %w", err)
	}

	nextCursor := ""
	if len(entries) > limit {
		entries = entries[:limit]
		nextCursor = encodeHistoryCursor(entries[len(entries)-1].ID)
	}

	return entries, nextCursor, nil
}

func scanEntry(rows *sql.Rows) (*LedgerEntry, error) {
	var e LedgerEntry
	var kind string
	var from, to, ref sql.NullString
	var createdAt string

	if err := rows.Scan(&e.ID, &kind, &from, &to, &e.Amount, &ref, &createdAt); err != nil {
		return nil, fmt.Errorf("scanning entry row: %w", err)
	}

	e.Kind = EntryKind(kind)
	if from.Valid {
		e.From = from.String
	}
	if to.Valid {
		e.To = to.String
	}
	if ref.Valid {
		e.ExternalRef = ref.String
	}

	var err error
	e.CreatedAt, err = time.Parse(time.RFC3339, createdAt)
	if err != nil {
		return nil, fmt.Errorf("parsing entry created_at: %w", err)
	}
	return &e, nil
}

// MarkActive upserts the last-seen timestamp for (user, group). Marks are
// monotonic: an older timestamp never overwrites a newer one.
func (s *SQLiteStore) MarkActive(ctx context.Context, userID, groupID string) error {
	if userID == "" || groupID == "" {
		return fmt.Errorf("marking active: empty user or group")
	}

	now := time.Now().UTC().Format(time.RFC3339)
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO activity_marks (user_id, group_id, last_seen)
		VALUES (?, ?, ?)
		ON CONFLICT(user_id, group_id) DO UPDATE SET last_seen = excluded.last_seen
		WHERE excluded.last_seen > activity_marks.last_seen
	`, userID, groupID, now)
	if err != nil {
		return fmt.Errorf("upserting activity mark: %w", err)
	}
	return nil
}

// ActiveUsers returns the non-system accounts seen in a group within the
// window, most recently active first.
func (s *SQLiteStore) ActiveUsers(ctx context.Context, groupID string, window time.Duration) ([]*User, error) {
	cutoff := time.Now().UTC().Add(-window).Format(time.RFC3339)

	rows, err := s.db.QueryContext(ctx, `
		SELECT u.id, u.username, u.balance, u.deposit_address, u.last_faucet_ts, u.is_system, u.created_at, u.updated_at
		FROM activity_marks a
		JOIN users u ON u.id = a.user_id
		WHERE a.group_id = ? AND a.last_seen >= ? AND u.is_system = 0
		ORDER BY a.last_seen DESC
	`, groupID, cutoff)
	if err != nil {
		return nil, fmt.Errorf("querying active users: %w", err)
	}
	defer rows.Close()

	var users []*User
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, err
		}
		users = append(users, u)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating active user rows: %w", err)
	}
	return users, nil
}

// AuditBalances reconciles every account against its ledger entries and
// in-flight reservations. A row where Balance != EntrySum - ReservedHold
// means value was created or destroyed outside the ledger.
func (s *SQLiteStore) AuditBalances(ctx context.Context) ([]AuditRow, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT u.id, u.username, u.is_system, u.balance,
			COALESCE((SELECT SUM(amount) FROM ledger_entries WHERE to_user = u.id), 0)
				- COALESCE((SELECT SUM(amount) FROM ledger_entries WHERE from_user = u.id), 0),
			COALESCE((SELECT SUM(amount + fee) FROM withdrawals WHERE user_id = u.id AND status = 'reserved'), 0)
		FROM users u
		ORDER BY u.id
	`)
	if err != nil {
		return nil, fmt.Errorf("querying audit rows: %w", err)
	}
	defer rows.Close()

	var audit []AuditRow
	for rows.Next() {
		var r AuditRow
		var system int
		if err := rows.Scan(&r.UserID, &r.Username, &system, &r.Balance, &r.EntrySum, &r.ReservedHold); err != nil {
			return nil, fmt.Errorf("scanning audit row: %w", err)
		}
		r.System = system != 0
		audit = append(audit, r)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating audit rows: %w", err)
	}
	return audit, nil
}

// KindTotals sums entry amounts by kind over non-system accounts, attributing
// each kind to the side that touches the user universe: deposits, faucet
// grants, and releases are credits; withdrawals and fees are debits. Tips move
// value inside the universe and are skipped.
func (s *SQLiteStore) KindTotals(ctx context.Context) (map[EntryKind]int64, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT e.kind, COALESCE(SUM(e.amount), 0)
		FROM ledger_entries e
		JOIN users u ON u.id = CASE
			WHEN e.kind IN ('deposit', 'faucet', 'withdrawal_release') THEN e.to_user
			ELSE e.from_user
		END
		WHERE u.is_system = 0 AND e.kind != 'tip'
		GROUP BY e.kind
	`)
	if err != nil {
		return nil, fmt.Errorf("querying kind totals: %w", err)
	}
	defer rows.Close()

	totals := make(map[EntryKind]int64)
	for rows.Next() {
		var kind string
		var total int64
		if err := rows.Scan(&kind, &total); err != nil {
			return nil, fmt.Errorf("scanning kind total: %w", err)
		}
		totals[EntryKind(kind)] = total
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating kind totals: %w", err)
	}
	return totals, nil
}
