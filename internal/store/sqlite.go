// ABOUTME: SQLite implementation of the Store interface using modernc.org/sqlite
// ABOUTME: Provides account persistence with automatic schema creation

package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore implements the Store interface using SQLite
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSQLiteStore creates a new SQLite store at the given path.
// The schema is automatically created if it doesn't exist.
// Parent directories are created if needed.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	logger := slog.Default().With("component", "store")

	// Ensure parent directory exists
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("creating database directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// Enable WAL mode for better concurrent performance
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}

	// Enable foreign keys
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling foreign keys: %w", err)
	}

	// Single connection: every balance mutation runs read-then-write inside a
	// transaction, and funneling them through one connection serializes those
	// transactions instead of surfacing SQLITE_BUSY to callers.
	db.SetMaxOpenConns(1)

	s := &SQLiteStore{
		db:     db,
		logger: logger,
	}

	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	if err := s.runMigrations(); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	logger.Info("SQLite store initialized", "path", path)
	return s, nil
}

// createSchema creates the database tables if they don't exist.
// The balance CHECK and the deposits primary key are the storage-level
// backstops for the two invariants application logic also enforces:
// balances never go negative, and an on-chain output credits at most once.
func (s *SQLiteStore) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS users (
			id              TEXT PRIMARY KEY,
			username        TEXT NOT NULL DEFAULT '',
			balance         INTEGER NOT NULL DEFAULT 0 CHECK (balance >= 0),
			deposit_address TEXT UNIQUE,
			last_faucet_ts  TEXT,
			is_system       INTEGER NOT NULL DEFAULT 0,
			created_at      TEXT NOT NULL,
			updated_at      TEXT NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_users_username ON users(username);

		CREATE TABLE IF NOT EXISTS ledger_entries (
			id           INTEGER PRIMARY KEY AUTOINCREMENT,
			kind         TEXT NOT NULL,
			from_user    TEXT REFERENCES users(id),
			to_user      TEXT REFERENCES users(id),
			amount       INTEGER NOT NULL CHECK (amount > 0),
			external_ref TEXT,
			created_at   TEXT NOT NULL,

			CHECK (kind IN ('tip', 'deposit', 'withdrawal', 'withdrawal_release', 'faucet', 'fee'))
		);

		CREATE INDEX IF NOT EXISTS idx_ledger_from ON ledger_entries(from_user, id);
		CREATE INDEX IF NOT EXISTS idx_ledger_to ON ledger_entries(to_user, id);

		CREATE TABLE IF NOT EXISTS deposits (
			txid                    TEXT NOT NULL,
			vout                    INTEGER NOT NULL,
			user_id                 TEXT NOT NULL REFERENCES users(id),
			amount                  INTEGER NOT NULL CHECK (amount > 0),
			confirmations_at_credit INTEGER NOT NULL,
			credited_at             TEXT NOT NULL,

			PRIMARY KEY (txid, vout)
		);

		CREATE INDEX IF NOT EXISTS idx_deposits_user ON deposits(user_id);

		CREATE TABLE IF NOT EXISTS withdrawals (
			id            TEXT PRIMARY KEY,
			user_id       TEXT NOT NULL REFERENCES users(id),
			amount        INTEGER NOT NULL CHECK (amount > 0),
			fee           INTEGER NOT NULL CHECK (fee >= 0),
			destination   TEXT NOT NULL,
			status        TEXT NOT NULL,
			external_txid TEXT,
			created_at    TEXT NOT NULL,
			updated_at    TEXT NOT NULL,

			CHECK (status IN ('reserved', 'broadcast', 'confirmed', 'failed'))
		);

		CREATE INDEX IF NOT EXISTS idx_withdrawals_user ON withdrawals(user_id);
		CREATE INDEX IF NOT EXISTS idx_withdrawals_status ON withdrawals(status);

		CREATE TABLE IF NOT EXISTS activity_marks (
			user_id   TEXT NOT NULL REFERENCES users(id),
			group_id  TEXT NOT NULL,
			last_seen TEXT NOT NULL,

			PRIMARY KEY (user_id, group_id)
		);

		CREATE INDEX IF NOT EXISTS idx_activity_group_seen ON activity_marks(group_id, last_seen);
	`

	_, err := s.db.Exec(schema)
	return err
}

// runMigrations applies schema migrations for existing databases.
// These are idempotent - safe to run multiple times.
func (s *SQLiteStore) runMigrations() error {
	// SQLite doesn't support ADD COLUMN IF NOT EXISTS, so we check first
	migrations := []struct {
		check  string // Query to check if migration is needed
		apply  string // Query to apply the migration
		column string // Column name for logging
		table  string
	}{
		{
			check:  `SELECT 1 FROM pragma_table_info('users') WHERE name = 'is_system'`,
			apply:  `ALTER TABLE users ADD COLUMN is_system INTEGER NOT NULL DEFAULT 0`,
			column: "is_system",
			table:  "users",
		},
		{
			check:  `SELECT 1 FROM pragma_table_info('deposits') WHERE name = 'confirmations_at_credit'`,
			apply:  `ALTER TABLE deposits ADD COLUMN confirmations_at_credit INTEGER NOT NULL DEFAULT 0`,
			column: "confirmations_at_credit",
			table:  "deposits",
		},
	}

	for _, m := range migrations {
		var exists int
		err := s.db.QueryRow(m.check).Scan(&exists)
		if err == nil {
			// Column already exists, skip
			continue
		}
		if _, err := s.db.Exec(m.apply); err != nil {
			return fmt.Errorf("adding %s column to %s: %w", m.column, m.table, err)
		}
		s.logger.Info("applied migration", "column", m.column, "table", m.table)
	}

	return nil
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	s.logger.Info("closing SQLite store")
	return s.db.Close()
}

// inTx runs fn inside a transaction, rolling back on error.
// Mutating operations use this so their read-then-write steps commit as a
// single atomic unit; partial application is never visible to readers.
func (s *SQLiteStore) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	if err := fn(tx); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}
	return nil
}

// isConstraintViolation checks if the error is a SQLite UNIQUE constraint violation
func isConstraintViolation(err error) bool {
	if err == nil {
		return false
	}
	errStr := err.Error()
	return strings.Contains(errStr, "UNIQUE constraint failed") ||
		strings.Contains(errStr, "constraint failed")
}

// nullString returns nil for empty strings, otherwise the string
func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// EnsureUser creates the account on first touch and refreshes the username on
// every later one. Balance and deposit address are preserved across calls.
func (s *SQLiteStore) EnsureUser(ctx context.Context, id, username string) (*User, error) {
	return s.ensureAccount(ctx, id, username, false)
}

// EnsureSystemAccount creates (or refreshes) a system account such as the
// faucet pool. System accounts never appear in username lookups or active
// sets.
func (s *SQLiteStore) EnsureSystemAccount(ctx context.Context, id, username string) (*User, error) {
	return s.ensureAccount(ctx, id, username, true)
}

func (s *SQLiteStore) ensureAccount(ctx context.Context, id, username string, system bool) (*User, error) {
	if id == "" {
		return nil, fmt.Errorf("ensuring user: empty id")
	}

	now := time.Now().UTC().Format(time.RFC3339)
	sys := 0
	if system {
		sys = 1
	}

	query := `
		INSERT INTO users (id, username, balance, is_system, created_at, updated_at)
		VALUES (?, ?, 0, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET username = excluded.username, updated_at = excluded.updated_at
	`

	if _, err := s.db.ExecContext(ctx, query, id, username, sys, now, now); err != nil {
		return nil, fmt.Errorf("upserting user: %w", err)
	}

	return s.User(ctx, id)
}

// User retrieves an account by platform id.
// Returns ErrNotFound if the account doesn't exist.
func (s *SQLiteStore) User(ctx context.Context, id string) (*User, error) {
	query := `
		SELECT id, username, balance, deposit_address, last_faucet_ts, is_system, created_at, updated_at
		FROM users
		WHERE id = ?
	`
	return scanUser(s.db.QueryRowContext(ctx, query, id))
}

// UserByUsername resolves a tip target by display handle, case-insensitively.
// System accounts are excluded. If several accounts share a handle the most
// recently active one wins.
func (s *SQLiteStore) UserByUsername(ctx context.Context, username string) (*User, error) {
	if username == "" {
		return nil, ErrNotFound
	}

	query := `
		SELECT id, username, balance, deposit_address, last_faucet_ts, is_system, created_at, updated_at
		FROM users
		WHERE username = ? COLLATE NOCASE AND is_system = 0
		ORDER BY updated_at DESC
		LIMIT 1
	`
	return scanUser(s.db.QueryRowContext(ctx, query, username))
}

// userRow abstracts *sql.Row and *sql.Rows for scanning
type userRow interface {
	Scan(dest ...any) error
}

func scanUser(row userRow) (*User, error) {
	var u User
	var address, lastFaucet sql.NullString
	var system int
	var createdAt, updatedAt string

	err := row.Scan(&u.ID, &u.Username, &u.Balance, &address, &lastFaucet, &system, &createdAt, &updatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scanning user: %w", err)
	}

	if address.Valid {
		u.DepositAddress = address.String
	}
	if lastFaucet.Valid {
		t, err := time.Parse(time.RFC3339, lastFaucet.String)
		if err != nil {
			return nil, fmt.Errorf("parsing last_faucet_ts: %w", err)
		}
		u.LastFaucetAt = t
	}
	u.System = system != 0

	u.CreatedAt, err = time.Parse(time.RFC3339, createdAt)
	if err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	u.UpdatedAt, err = time.Parse(time.RFC3339, updatedAt)
	if err != nil {
		return nil, fmt.Errorf("parsing updated_at: %w", err)
	}

	return &u, nil
}

// SetDepositAddress records an account's deposit address if it has none yet
// and returns the address now in effect. First write wins: a concurrent
// caller that loses the race gets the stored address back, so the one
// address per user guarantee holds even when two commands race.
func (s *SQLiteStore) SetDepositAddress(ctx context.Context, id, address string) (string, error) {
	if address == "" {
		return "", fmt.Errorf("setting deposit address: empty address")
	}

	now := time.Now().UTC().Format(time.RFC3339)
	result, err := s.db.ExecContext(ctx, `
		UPDATE users
		SET deposit_address = ?, updated_at = ?
		WHERE id = ? AND deposit_address IS NULL
	`, address, now, id)
	if err != nil {
		return "", fmt.Errorf("setting deposit address: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return "", fmt.Errorf("getting rows affected: %w", err)
	}
	if rows > 0 {
		s.logger.Debug("assigned deposit address", "user", id)
		return address, nil
	}

	// Lost the race or address already assigned - return the stored one
	u, err := s.User(ctx, id)
	if err != nil {
		return "", err
	}
	if u.DepositAddress == "" {
		return "", fmt.Errorf("setting deposit address: no address stored for %s", id)
	}
	return u.DepositAddress, nil
}

// UsersWithAddresses returns every account holding a deposit address,
// including system accounts. This is the scanner's work list.
func (s *SQLiteStore) UsersWithAddresses(ctx context.Context) ([]*User, error) {
	query := `
		SELECT id, username, balance, deposit_address, last_faucet_ts, is_system, created_at, updated_at
		FROM users
		WHERE deposit_address IS NOT NULL
		ORDER BY created_at ASC
	`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("querying users with addresses: %w", err)
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
		return nil, fmt.Errorf("iterating user rows: %w", err)
	}
	return users, nil
}

// Balance returns an account's current balance in base units.
// Returns ErrNotFound if the account doesn't exist.
func (s *SQLiteStore) Balance(ctx context.Context, id string) (int64, error) {
	var balance int64
	err := s.db.QueryRowContext(ctx, `SELECT balance FROM users WHERE id = ?`, id).Scan(&balance)
	if err == sql.ErrNoRows {
		return 0, ErrNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("querying balance: %w", err)
	}
	return balance, nil
}

// debitTx decreases a balance inside tx, failing with ErrInsufficientFunds
// when the account cannot cover the amount. The guarded UPDATE makes the
// check-and-debit a single statement, so a concurrent debit on the same
// account can never turn two passing checks into a negative balance.
func (s *SQLiteStore) debitTx(ctx context.Context, tx *sql.Tx, id string, amount int64) error {
	now := time.Now().UTC().Format(time.RFC3339)
	result, err := tx.ExecContext(ctx, `
		UPDATE users
		SET balance = balance - ?, updated_at = ?
		WHERE id = ? AND balance >= ?
	`, amount, now, id, amount)
	if err != nil {
		return fmt.Errorf("debiting %s: %w", id, err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("getting rows affected: %w", err)
	}
	if rows == 0 {
		// Distinguish a missing account from an underfunded one
		var exists int
		err := tx.QueryRowContext(ctx, `SELECT 1 FROM users WHERE id = ?`, id).Scan(&exists)
		if err == sql.ErrNoRows {
			return ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("checking account %s: %w", id, err)
		}
		return ErrInsufficientFunds
	}
	return nil
}

// creditTx increases a balance inside tx.
func (s *SQLiteStore) creditTx(ctx context.Context, tx *sql.Tx, id string, amount int64) error {
	now := time.Now().UTC().Format(time.RFC3339)
	result, err := tx.ExecContext(ctx, `
		UPDATE users
		SET balance = balance + ?, updated_at = ?
		WHERE id = ?
	`, amount, now, id)
	if err != nil {
		return fmt.Errorf("crediting %s: %w", id, err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("getting rows affected: %w", err)
	}
	if rows == 0 {
		return ErrNotFound
	}
	return nil
}

// appendEntryTx inserts a ledger entry inside tx and returns it with its
// assigned append id.
func (s *SQLiteStore) appendEntryTx(ctx context.Context, tx *sql.Tx, kind EntryKind, from, to string, amount int64, externalRef string) (*LedgerEntry, error) {
	now := time.Now().UTC()
	result, err := tx.ExecContext(ctx, `
		INSERT INTO ledger_entries (kind, from_user, to_user, amount, external_ref, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, string(kind), nullString(from), nullString(to), amount, nullString(externalRef), now.Format(time.RFC3339))
	if err != nil {
		return nil, fmt.Errorf("inserting %s entry: %w", kind, err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("getting entry id: %w", err)
	}

	return &LedgerEntry{
		ID:          id,
		Kind:        kind,
		From:        from,
		To:          to,
		Amount:      amount,
		ExternalRef: externalRef,
		CreatedAt:   now,
	}, nil
}

// Ensure SQLiteStore implements Store interface
var _ Store = (*SQLiteStore)(nil)
