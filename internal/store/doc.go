// Package store is the custodial ledger behind the tip bot, backed by SQLite.
//
// # Model
//
// Every account is a User row whose Balance is denominated in base units
// (1e8 per coin). Balances only move through ledger operations, each of
// which appends immutable LedgerEntry rows in the same transaction that
// updates the balance. For any account, at any time:
//
//	balance = sum(credits) - sum(debits) - reserved holds
//
// where reserved holds are funds debited by withdrawal requests still in
// reserved state (no entries are attributed until the send commits).
// AuditBalances exposes this reconciliation per account.
//
// Deposits are keyed by (txid, vout); crediting the same output twice is a
// no-op, so the chain scanner can rescan freely. Withdrawal requests move
// through reserved -> broadcast -> confirmed, with failed reachable from
// reserved and broadcast but never from confirmed. The faucet claim couples
// the cooldown check, pool debit, and user credit in one transaction.
//
// # SQLite Configuration
//
// The store opens a single connection (SetMaxOpenConns(1)), which
// serializes mutating transactions; combined with guarded debit updates
// (WHERE balance >= ?) this makes overlapping transfers safe without
// application-level locking. WAL mode and foreign keys are enabled, and
// CHECK constraints back the non-negative balance and positive amount
// invariants at the schema level.
//
// # Error Handling
//
// Sentinel errors cover the cases callers branch on:
//
//   - ErrNotFound: account, deposit, or withdrawal does not exist
//   - ErrInsufficientFunds: a debit would take a balance below zero
//   - ErrInvalidTarget: transfer to self or to a missing account
//   - ErrInvalidAmount: zero or negative amount
//   - ErrCooldownActive: faucet claimed again inside the interval
//   - ErrInvalidState: illegal withdrawal state transition
//
// All methods accept context.Context for cancellation support.
//
// # Migrations
//
// The schema is applied on open and versioned through a schema_migrations
// table; new statements append to the migrations list in sqlite.go.
package store
