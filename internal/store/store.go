// ABOUTME: Store interface and core types for the tipjar ledger
// ABOUTME: Defines users, ledger entries, deposits, withdrawals, and activity marks

package store

import (
	"context"
	"errors"
	"time"
)

// Sentinel errors returned by ledger operations. Callers match with errors.Is
// and translate into user-facing messages; anything else is a storage failure
// wrapped with context.
var (
	ErrNotFound          = errors.New("not found")
	ErrInsufficientFunds = errors.New("insufficient funds")
	ErrInvalidTarget     = errors.New("invalid transfer target")
	ErrInvalidAmount     = errors.New("amount must be positive")
	ErrCooldownActive    = errors.New("faucet cooldown active")
	ErrInvalidState      = errors.New("invalid withdrawal state")
)

// EntryKind categorizes a ledger entry.
type EntryKind string

const (
	EntryTip               EntryKind = "tip"
	EntryDeposit           EntryKind = "deposit"
	EntryWithdrawal        EntryKind = "withdrawal"
	EntryWithdrawalRelease EntryKind = "withdrawal_release"
	EntryFaucet            EntryKind = "faucet"
	EntryFee               EntryKind = "fee"
)

// WithdrawalStatus tracks a withdrawal request through its lifecycle.
// Requests are never deleted; terminal states are confirmed and failed.
type WithdrawalStatus string

const (
	WithdrawalReserved  WithdrawalStatus = "reserved"
	WithdrawalBroadcast WithdrawalStatus = "broadcast"
	WithdrawalConfirmed WithdrawalStatus = "confirmed"
	WithdrawalFailed    WithdrawalStatus = "failed"
)

// User is a ledger account. Balance is in base units and is only ever mutated
// through ledger operations. System accounts (the faucet pool) are excluded
// from user-facing lookups.
type User struct {
	ID             string // platform user id, e.g. "@alice:example.org"
	Username       string // display handle used for tip targeting
	Balance        int64
	DepositAddress string    // empty until first requested
	LastFaucetAt   time.Time // zero if never claimed
	System         bool
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// LedgerEntry is one immutable value movement. Entries are append-only; a
// user's balance always equals the sum of their credits minus their debits,
// adjusted for funds held by in-flight (reserved) withdrawals.
type LedgerEntry struct {
	ID          int64 // append order; assigned by the store at commit
	Kind        EntryKind
	From        string // empty for external sources (deposits)
	To          string // empty for external sinks (withdrawals, fees)
	Amount      int64
	ExternalRef string // on-chain reference: "txid:vout" for deposits, txid for withdrawals
	CreatedAt   time.Time
}

// Deposit records one credited on-chain output. The (TxID, Vout) primary key
// is the sole double-credit gate: rescans that hit an existing row are no-ops.
type Deposit struct {
	TxID          string
	Vout          int
	UserID        string
	Amount        int64
	Confirmations int // confirmation count observed at credit time
	CreditedAt    time.Time
}

// Withdrawal is a reservation of user funds pending an on-chain send.
type Withdrawal struct {
	ID           string // uuid
	UserID       string
	Amount       int64 // amount sent on-chain
	Fee          int64 // service fee, debited with the amount at reservation
	Destination  string
	Status       WithdrawalStatus
	ExternalTxID string // set when the send is committed
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// AuditRow is one user's balance reconciliation: Balance must equal
// EntrySum - ReservedHold at every observation point.
type AuditRow struct {
	UserID       string
	Username     string
	System       bool
	Balance      int64
	EntrySum     int64 // credits minus debits over ledger entries
	ReservedHold int64 // amount+fee held by withdrawals still in reserved state
}

// OK reports whether the row reconciles.
func (r AuditRow) OK() bool {
	return r.Balance == r.EntrySum-r.ReservedHold
}

// Store is the full ledger surface. Components depend on narrow subsets of
// this; the interface exists so the daemon wiring and tests can swap
// implementations.
type Store interface {
	// Users
	EnsureUser(ctx context.Context, id, username string) (*User, error)
	EnsureSystemAccount(ctx context.Context, id, username string) (*User, error)
	User(ctx context.Context, id string) (*User, error)
	UserByUsername(ctx context.Context, username string) (*User, error)
	SetDepositAddress(ctx context.Context, id, address string) (string, error)
	UsersWithAddresses(ctx context.Context) ([]*User, error)
	Balance(ctx context.Context, id string) (int64, error)

	// Ledger
	Transfer(ctx context.Context, from, to string, amount int64) (*LedgerEntry, error)
	TransferSplit(ctx context.Context, from string, recipients []string, perAmount int64) error
	CreditDeposit(ctx context.Context, userID, txid string, vout int, amount int64, confirmations int) (bool, error)
	Deposits(ctx context.Context, userID string) ([]*Deposit, error)
	ClaimFaucet(ctx context.Context, userID, poolID string, amount int64, interval time.Duration) error
	History(ctx context.Context, userID string, limit int, cursor string) ([]*LedgerEntry, string, error)

	// Withdrawals
	ReserveWithdrawal(ctx context.Context, userID string, amount, fee int64, destination string) (*Withdrawal, error)
	CommitWithdrawal(ctx context.Context, id, externalTxID string) error
	ConfirmWithdrawal(ctx context.Context, id string) error
	ReleaseWithdrawal(ctx context.Context, id string) error
	Withdrawal(ctx context.Context, id string) (*Withdrawal, error)
	WithdrawalsByStatus(ctx context.Context, status WithdrawalStatus) ([]*Withdrawal, error)

	// Activity
	MarkActive(ctx context.Context, userID, groupID string) error
	ActiveUsers(ctx context.Context, groupID string, window time.Duration) ([]*User, error)

	// Audit
	AuditBalances(ctx context.Context) ([]AuditRow, error)
	KindTotals(ctx context.Context) (map[EntryKind]int64, error)

	Close() error
}
