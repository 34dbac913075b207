// ABOUTME: Command dispatch and reply text for the tip bot
// ABOUTME: Private-only, group-only, and dual-context gating per command

package bot

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"maunium.net/go/mautrix/id"

	"github.com/tipjar-dev/tipjar/internal/amount"
	"github.com/tipjar-dev/tipjar/internal/faucet"
	"github.com/tipjar-dev/tipjar/internal/store"
	"github.com/tipjar-dev/tipjar/internal/tip"
	"github.com/tipjar-dev/tipjar/internal/withdraw"
)

// activeListLimit caps the !active roster.
const activeListLimit = 50

// dispatch routes one prefix-stripped command. The returned string is the
// reply; empty means stay silent. Private-only commands are ignored in
// groups, group-only commands answer with a redirect in private.
func (b *Bot) dispatch(ctx context.Context, sender id.UserID, roomID id.RoomID, private bool, input string) string {
	fields := strings.Fields(input)
	if len(fields) == 0 {
		return ""
	}
	cmd, args := strings.ToLower(fields[0]), fields[1:]

	switch cmd {
	case "start":
		if !private {
			return ""
		}
		return b.cmdStart(ctx, sender)
	case "help":
		if !private {
			return ""
		}
		return b.helpText()
	case "deposit":
		if !private {
			return ""
		}
		return b.cmdDeposit(ctx, sender)
	case "balance":
		if !private {
			return ""
		}
		return b.cmdBalance(ctx, sender)
	case "withdraw":
		if !private {
			return ""
		}
		return b.cmdWithdraw(ctx, sender, args)
	case "tip":
		if private {
			return fmt.Sprintf("Use %stip in a group chat.", b.cfg.CommandPrefix)
		}
		return b.cmdTip(ctx, sender, roomID, args)
	case "active":
		if private {
			return fmt.Sprintf("Use %sactive in a group chat.", b.cfg.CommandPrefix)
		}
		return b.cmdActive(ctx, roomID)
	case "faucetinfo":
		if private {
			return fmt.Sprintf("Use %sfaucetinfo in a group chat.", b.cfg.CommandPrefix)
		}
		return b.cmdFaucetInfo(ctx)
	case "faucet":
		return b.cmdFaucet(ctx, sender)
	default:
		return ""
	}
}

// cmdStart registers the user, assigns a deposit address, and sends the
// full help text.
func (b *Bot) cmdStart(ctx context.Context, sender id.UserID) string {
	if _, err := b.ledger.EnsureUser(ctx, sender.String(), localpart(sender)); err != nil {
		b.logger.Error("ensuring user", "user", sender.String(), "error", err)
		return "Something went wrong, please try again later."
	}
	addr, err := b.depositAddress(ctx, sender)
	if err != nil {
		b.logger.Error("assigning deposit address", "user", sender.String(), "error", err)
		return b.helpText() + "\n\nCould not create your deposit address right now; try " +
			b.cfg.CommandPrefix + "deposit later."
	}
	return b.helpText() + fmt.Sprintf("\nYour deposit address: `%s`", addr)
}

func (b *Bot) cmdDeposit(ctx context.Context, sender id.UserID) string {
	if _, err := b.ledger.EnsureUser(ctx, sender.String(), localpart(sender)); err != nil {
		b.logger.Error("ensuring user", "user", sender.String(), "error", err)
		return "Something went wrong, please try again later."
	}
	addr, err := b.depositAddress(ctx, sender)
	if err != nil {
		b.logger.Error("assigning deposit address", "user", sender.String(), "error", err)
		return "Could not create your deposit address right now, please try again later."
	}
	return fmt.Sprintf("Your deposit address:\n`%s`", addr)
}

func (b *Bot) cmdBalance(ctx context.Context, sender id.UserID) string {
	if _, err := b.ledger.EnsureUser(ctx, sender.String(), localpart(sender)); err != nil {
		b.logger.Error("ensuring user", "user", sender.String(), "error", err)
		return "Something went wrong, please try again later."
	}
	bal, err := b.ledger.Balance(ctx, sender.String())
	if err != nil {
		b.logger.Error("reading balance", "user", sender.String(), "error", err)
		return "Something went wrong, please try again later."
	}
	return fmt.Sprintf("Your balance is %s %s", amount.Format(bal), b.symbol)
}

func (b *Bot) cmdWithdraw(ctx context.Context, sender id.UserID, args []string) string {
	if len(args) != 2 {
		return fmt.Sprintf("Usage: %swithdraw amount address", b.cfg.CommandPrefix)
	}
	units, err := amount.Parse(args[0])
	if err != nil {
		return "Invalid amount"
	}

	result, err := b.withdraw.Withdraw(ctx, sender.String(), units, args[1])
	switch {
	case err == nil:
	case errors.Is(err, withdraw.ErrInvalidAddress):
		return "Invalid address"
	case errors.Is(err, withdraw.ErrAmountBelowFee):
		return fmt.Sprintf("Amount must be > fee (%s %s)", amount.Format(b.withdraw.Fee()), b.symbol)
	case errors.Is(err, store.ErrInsufficientFunds):
		return "Insufficient balance"
	case errors.Is(err, store.ErrNotFound):
		return fmt.Sprintf("You don't have a wallet yet. Use %sstart first.", b.cfg.CommandPrefix)
	case errors.Is(err, withdraw.ErrWithdrawalFailed):
		b.logger.Warn("withdrawal rejected by node", "user", sender.String(), "error", err)
		return "Withdrawal failed, your balance was not charged. Please try again later."
	default:
		b.logger.Error("withdrawal error", "user", sender.String(), "error", err)
		return "Something went wrong, please try again later."
	}

	return fmt.Sprintf("Withdrawal submitted. TXID: `%s`\nFee: %s %s\nNew balance: %s %s",
		result.TxID, amount.Format(b.withdraw.Fee()), b.symbol,
		amount.Format(result.NewBalance), b.symbol)
}

// cmdTip handles the three forms: "tip amount" (lucky), "tip @user amount"
// (direct), "tip active amount" (split).
func (b *Bot) cmdTip(ctx context.Context, sender id.UserID, roomID id.RoomID, args []string) string {
	usage := fmt.Sprintf("Usage:\n%[1]stip amount\n%[1]stip @username amount\n%[1]stip active amount", b.cfg.CommandPrefix)

	var target string
	var amountArg string
	switch len(args) {
	case 1:
		amountArg = args[0]
	case 2:
		target, amountArg = args[0], args[1]
	default:
		return usage
	}

	units, err := amount.Parse(amountArg)
	if err != nil {
		return "Invalid amount"
	}
	if units <= 0 {
		return "Amount must be > 0"
	}

	// Tipping counts as activity too
	b.markActive(ctx, sender, roomID)

	switch {
	case target == "":
		return b.tipLucky(ctx, sender, roomID, units)
	case strings.EqualFold(target, "active"):
		return b.tipSplit(ctx, sender, roomID, units)
	default:
		return b.tipDirect(ctx, sender, target, units)
	}
}

func (b *Bot) tipLucky(ctx context.Context, sender id.UserID, roomID id.RoomID, units int64) string {
	winner, err := b.tips.TipRandom(ctx, sender.String(), roomID.String(), units)
	switch {
	case err == nil:
	case errors.Is(err, tip.ErrNoActiveUsers):
		return "No active users found."
	case errors.Is(err, store.ErrInsufficientFunds):
		return "Insufficient balance"
	default:
		b.logger.Error("lucky tip failed", "from", sender.String(), "error", err)
		return "Something went wrong, please try again later."
	}
	return fmt.Sprintf("Tipped @%s %s %s.", winner.Username, amount.Format(units), b.symbol)
}

func (b *Bot) tipDirect(ctx context.Context, sender id.UserID, target string, units int64) string {
	handle := strings.TrimPrefix(target, "@")
	recipient, err := b.tips.Tip(ctx, sender.String(), handle, units)
	switch {
	case err == nil:
	case errors.Is(err, tip.ErrUnknownTarget):
		return fmt.Sprintf("Target user not found or hasn't %sstart'ed.", b.cfg.CommandPrefix)
	case errors.Is(err, store.ErrInsufficientFunds):
		return "Insufficient balance"
	case errors.Is(err, store.ErrInvalidTarget):
		return "You cannot tip yourself."
	default:
		b.logger.Error("direct tip failed", "from", sender.String(), "to", handle, "error", err)
		return "Something went wrong, please try again later."
	}
	return fmt.Sprintf("Tipped @%s %s %s.", recipient.Username, amount.Format(units), b.symbol)
}

func (b *Bot) tipSplit(ctx context.Context, sender id.UserID, roomID id.RoomID, units int64) string {
	result, err := b.tips.TipActive(ctx, sender.String(), roomID.String(), units)
	switch {
	case err == nil:
	case errors.Is(err, tip.ErrNoActiveUsers):
		return "No active users to tip."
	case errors.Is(err, tip.ErrAmountTooSmall):
		return "Amount too small to split."
	case errors.Is(err, store.ErrInsufficientFunds):
		return "Insufficient balance for split tip"
	default:
		b.logger.Error("split tip failed", "from", sender.String(), "error", err)
		return "Something went wrong, please try again later."
	}
	return fmt.Sprintf("Tipped %d active users %s %s each.",
		len(result.Recipients), amount.Format(result.PerAmount), b.symbol)
}

func (b *Bot) cmdActive(ctx context.Context, roomID id.RoomID) string {
	users, err := b.activity.Active(ctx, roomID.String())
	if err != nil {
		b.logger.Error("listing active users", "room", roomID.String(), "error", err)
		return "Something went wrong, please try again later."
	}
	if len(users) == 0 {
		return "No active users in the last 30 minutes."
	}

	handles := make([]string, 0, len(users))
	for _, u := range users {
		if u.Username == "" {
			continue
		}
		handles = append(handles, "@"+u.Username)
		if len(handles) == activeListLimit {
			break
		}
	}
	if len(handles) == 0 {
		return "No active users in the last 30 minutes."
	}
	return "Active users (last 30 minutes):\n" + strings.Join(handles, ", ")
}

func (b *Bot) cmdFaucetInfo(ctx context.Context) string {
	info, err := b.faucet.PoolInfo(ctx)
	if err != nil {
		b.logger.Error("reading faucet pool", "error", err)
		return "Something went wrong, please try again later."
	}
	reply := fmt.Sprintf("Pool balance: %s %s", amount.Format(info.Balance), b.symbol)
	if info.Address != "" {
		reply = fmt.Sprintf("Faucet deposit address: `%s`\n%s", info.Address, reply)
	}
	return reply
}

func (b *Bot) cmdFaucet(ctx context.Context, sender id.UserID) string {
	if _, err := b.ledger.EnsureUser(ctx, sender.String(), localpart(sender)); err != nil {
		b.logger.Error("ensuring user", "user", sender.String(), "error", err)
		return "Something went wrong, please try again later."
	}

	got, err := b.faucet.Claim(ctx, sender.String())
	var cooldown *faucet.CooldownError
	switch {
	case err == nil:
	case errors.As(err, &cooldown):
		mins := int(math.Ceil(cooldown.Remaining.Minutes()))
		return fmt.Sprintf("Faucet available in %d minutes.", mins)
	case errors.Is(err, store.ErrInsufficientFunds):
		return "The faucet is empty right now, check back later."
	default:
		b.logger.Error("faucet claim failed", "user", sender.String(), "error", err)
		return "Something went wrong, please try again later."
	}

	bal, err := b.ledger.Balance(ctx, sender.String())
	if err != nil {
		b.logger.Error("reading balance after faucet claim", "user", sender.String(), "error", err)
		return fmt.Sprintf("You received %s %s from the faucet!", amount.Format(got), b.symbol)
	}

	return fmt.Sprintf("You received %s %s from the faucet!\nNext request available in %s.\n\nYour balance is %s %s",
		amount.Format(got), b.symbol, formatInterval(b.faucet.Interval()),
		amount.Format(bal), b.symbol)
}

// depositAddress returns the user's assigned address, asking the wallet for
// a fresh one on first use. Assignment is first-write-wins in the store, so
// a racing duplicate request settles on one canonical address.
func (b *Bot) depositAddress(ctx context.Context, sender id.UserID) (string, error) {
	u, err := b.ledger.User(ctx, sender.String())
	if err != nil {
		return "", err
	}
	if u.DepositAddress != "" {
		return u.DepositAddress, nil
	}

	fresh, err := b.wallet.NewAddress(ctx, "tipjar:"+sender.String())
	if err != nil {
		return "", fmt.Errorf("requesting address from wallet: %w", err)
	}
	return b.ledger.SetDepositAddress(ctx, sender.String(), fresh)
}

// helpText renders the command reference with the configured prefix and the
// live fee/faucet parameters.
func (b *Bot) helpText() string {
	p := b.cfg.CommandPrefix
	return fmt.Sprintf(`Welcome to the %[2]s TipBot!

Available commands:
%[1]sstart - Initialize your account and show available commands

%[1]stip amount - Tip online lucky users
%[1]stip @username amount - Tip users
%[1]stip active amount - Tip active users

%[1]sbalance - Check your balance

%[1]sdeposit - Get your deposit address
%[1]swithdraw amount address - Withdraw %[2]s

%[1]sfaucet - Request %[3]s %[2]s per %[4]s
%[1]sfaucetinfo - Show faucet deposit address and balance
%[1]sactive - Show a list of users active in the last 30 minutes
%[1]shelp - Show help message

Notes:
- %[1]sstart, %[1]sbalance, %[1]sdeposit, %[1]swithdraw, and %[1]shelp are private-only
- %[1]stip, %[1]sfaucetinfo, and %[1]sactive are group-only; %[1]sfaucet works in both
- Withdrawals incur a %[5]s %[2]s fee`,
		p, b.symbol,
		amount.Format(b.faucet.Amount()), formatInterval(b.faucet.Interval()),
		amount.Format(b.withdraw.Fee()))
}

// formatInterval renders a cooldown as whole hours when it divides evenly,
// minutes otherwise.
func formatInterval(d time.Duration) string {
	if d >= time.Hour && d%time.Hour == 0 {
		h := int(d / time.Hour)
		if h == 1 {
			return "1 hour"
		}
		return fmt.Sprintf("%d hours", h)
	}
	m := int(d / time.Minute)
	if m == 1 {
		return "1 minute"
	}
	return fmt.Sprintf("%d minutes", m)
}
