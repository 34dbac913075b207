// ABOUTME: Package documentation for the Matrix frontend
// ABOUTME: Describes event filtering, command gating, and delivery semantics

// Package bot is the Matrix chat frontend over the ledger services.
//
// The bot syncs with the homeserver and reacts to text messages. Its own
// messages, events predating the current process, and redelivered event ids
// are dropped before any command runs, so a homeserver replay never repeats
// a transfer. Commands are gated by room type: account commands (start,
// help, deposit, balance, withdraw) only answer in direct messages, social
// commands (tip, active, faucetinfo) only in groups, and faucet works in
// both. A room counts as direct when exactly two members are joined; the
// answer is cached per room.
//
// Non-command group chatter marks the sender active, which feeds the lucky
// and split tip modes. Replies go out as Markdown with a rendered HTML body.
package bot
