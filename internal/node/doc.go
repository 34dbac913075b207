// Package node is the JSON-RPC client for the coin node wallet.
//
// The ledger core needs five wallet operations: getnewaddress, listunspent,
// sendtoaddress, gettransaction, and getblockcount. Each call is bounded by
// a configured timeout and decodes amounts through decimal arithmetic so a
// coin value never touches float64.
//
// The package also validates withdrawal destinations syntactically via
// base58check decoding against the chain's configured version bytes.
package node
