// ABOUTME: Package documentation for the deposit scanner
// ABOUTME: Describes the polling model and the one-way crediting rule

// Package scanner polls the coin node for activity on watched deposit
// addresses and reconciles it with the ledger.
//
// Each tick does two passes. The deposit pass lists incoming outputs for
// every user with an assigned address and credits each output that has
// reached the configured confirmation depth. Crediting is keyed on
// (txid, vout), so an output is credited at most once no matter how many
// ticks observe it. The withdrawal pass promotes broadcast withdrawal
// requests to confirmed once the chain reports their transaction.
//
// Crediting is one-way. Once an output has been credited the ledger entry
// stands even if a chain reorganization later drops the transaction; the
// confirmation depth requirement is the only reorg protection. Operators
// choose the depth to match how much exposure they accept.
package scanner
