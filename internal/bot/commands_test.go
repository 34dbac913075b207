// ABOUTME: Tests for command dispatch, context gating, and reply wording
// ABOUTME: Uses hand-written service fakes; no homeserver involved

package bot

import (
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"maunium.net/go/mautrix/id"

	"github.com/tipjar-dev/tipjar/internal/config"
	"github.com/tipjar-dev/tipjar/internal/faucet"
	"github.com/tipjar-dev/tipjar/internal/store"
	"github.com/tipjar-dev/tipjar/internal/tip"
	"github.com/tipjar-dev/tipjar/internal/withdraw"
)

const (
	sender = id.UserID("@alice:example.org")
	group  = id.RoomID("!group:example.org")
	dm     = id.RoomID("!dm:example.org")
)

type fakeLedger struct {
	balance   int64
	address   string
	userErr   error
	setCalls  int
	lastSetTo string
}

func (f *fakeLedger) EnsureUser(ctx context.Context, uid, username string) (*store.User, error) {
	if f.userErr != nil {
		return nil, f.userErr
	}
	return &store.User{ID: uid, Username: username, Balance: f.balance}, nil
}

func (f *fakeLedger) User(ctx context.Context, uid string) (*store.User, error) {
	return &store.User{ID: uid, Balance: f.balance, DepositAddress: f.address}, nil
}

func (f *fakeLedger) Balance(ctx context.Context, uid string) (int64, error) {
	return f.balance, nil
}

func (f *fakeLedger) SetDepositAddress(ctx context.Context, uid, addr string) (string, error) {
	f.setCalls++
	f.lastSetTo = addr
	f.address = addr
	return addr, nil
}

type fakeWallet struct {
	address string
	err     error
	calls   int
}

func (f *fakeWallet) NewAddress(ctx context.Context, label string) (string, error) {
	f.calls++
	return f.address, f.err
}

type fakeTipper struct {
	target *store.User
	split  *tip.SplitResult
	err    error
	mode   string
}

func (f *fakeTipper) Tip(ctx context.Context, senderID, targetUsername string, amt int64) (*store.User, error) {
	f.mode = "direct:" + targetUsername
	return f.target, f.err
}

func (f *fakeTipper) TipRandom(ctx context.Context, senderID, groupID string, amt int64) (*store.User, error) {
	f.mode = "lucky"
	return f.target, f.err
}

func (f *fakeTipper) TipActive(ctx context.Context, senderID, groupID string, amt int64) (*tip.SplitResult, error) {
	f.mode = "split"
	return f.split, f.err
}

type fakeWithdrawer struct {
	result *withdraw.Result
	err    error
}

func (f *fakeWithdrawer) Withdraw(ctx context.Context, userID string, amt int64, dest string) (*withdraw.Result, error) {
	return f.result, f.err
}

func (f *fakeWithdrawer) Fee() int64 { return 100_000_000 } // 1 coin

type fakeFaucet struct {
	granted int64
	info    *faucet.Info
	err     error
}

func (f *fakeFaucet) Claim(ctx context.Context, userID string) (int64, error) {
	return f.granted, f.err
}

func (f *fakeFaucet) PoolInfo(ctx context.Context) (*faucet.Info, error) {
	return f.info, f.err
}

func (f *fakeFaucet) Amount() int64           { return 50 * 100_000_000 }
func (f *fakeFaucet) Interval() time.Duration { return 2 * time.Hour }

type fakeActivity struct {
	users []*store.User
	marks []string
}

func (f *fakeActivity) Mark(ctx context.Context, userID, groupID string) error {
	f.marks = append(f.marks, userID+"/"+groupID)
	return nil
}

func (f *fakeActivity) Active(ctx context.Context, groupID string) ([]*store.User, error) {
	return f.users, nil
}

type fixture struct {
	bot      *Bot
	ledger   *fakeLedger
	wallet   *fakeWallet
	tipper   *fakeTipper
	payer    *fakeWithdrawer
	faucet   *fakeFaucet
	activity *fakeActivity
}

func setupBot(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		ledger:   &fakeLedger{balance: 250_000_000}, // 2.5 coins
		wallet:   &fakeWallet{address: "PFreshAddr"},
		tipper:   &fakeTipper{},
		payer:    &fakeWithdrawer{},
		faucet:   &fakeFaucet{},
		activity: &fakeActivity{},
	}
	f.bot = &Bot{
		cfg:      config.MatrixConfig{UserID: "@tipbot:example.org", CommandPrefix: "!"},
		symbol:   "PEP",
		ledger:   f.ledger,
		wallet:   f.wallet,
		tips:     f.tipper,
		withdraw: f.payer,
		faucet:   f.faucet,
		activity: f.activity,
		logger:   slog.Default(),
	}
	return f
}

func dispatch(f *fixture, private bool, input string) string {
	room := group
	if private {
		room = dm
	}
	return f.bot.dispatch(context.Background(), sender, room, private, input)
}

func TestDispatch_PrivateOnlyCommandsSilentInGroups(t *testing.T) {
	f := setupBot(t)
	for _, cmd := range []string{"start", "help", "deposit", "balance", "withdraw 1 PAddr"} {
		assert.Empty(t, dispatch(f, false, cmd), "command %q", cmd)
	}
}

func TestDispatch_GroupOnlyCommandsRedirectInPrivate(t *testing.T) {
	f := setupBot(t)
	assert.Equal(t, "Use !tip in a group chat.", dispatch(f, true, "tip 5"))
	assert.Equal(t, "Use !active in a group chat.", dispatch(f, true, "active"))
	assert.Equal(t, "Use !faucetinfo in a group chat.", dispatch(f, true, "faucetinfo"))
}

func TestDispatch_UnknownCommandIsSilent(t *testing.T) {
	f := setupBot(t)
	assert.Empty(t, dispatch(f, true, "dance"))
	assert.Empty(t, dispatch(f, false, "dance"))
}

func TestCmdBalance(t *testing.T) {
	f := setupBot(t)
	assert.Equal(t, "Your balance is 2.5 PEP", dispatch(f, true, "balance"))
}

func TestCmdDeposit_CreatesAddressOnce(t *testing.T) {
	f := setupBot(t)

	reply := dispatch(f, true, "deposit")
	assert.Equal(t, "Your deposit address:\n`PFreshAddr`", reply)
	assert.Equal(t, 1, f.wallet.calls)

	// Second call serves the stored address without touching the wallet
	reply = dispatch(f, true, "deposit")
	assert.Equal(t, "Your deposit address:\n`PFreshAddr`", reply)
	assert.Equal(t, 1, f.wallet.calls)
}

func TestCmdStart_IncludesHelpAndAddress(t *testing.T) {
	f := setupBot(t)
	reply := dispatch(f, true, "start")
	assert.Contains(t, reply, "Welcome to the PEP TipBot!")
	assert.Contains(t, reply, "!withdraw amount address")
	assert.Contains(t, reply, "Your deposit address: `PFreshAddr`")
}

func TestCmdHelp_ReflectsLiveParameters(t *testing.T) {
	f := setupBot(t)
	reply := dispatch(f, true, "help")
	assert.Contains(t, reply, "Request 50 PEP per 2 hours")
	assert.Contains(t, reply, "Withdrawals incur a 1 PEP fee")
}

func TestCmdWithdraw(t *testing.T) {
	f := setupBot(t)
	f.payer.result = &withdraw.Result{TxID: "abc123", NewBalance: 40_000_000}

	reply := dispatch(f, true, "withdraw 2 PDestAddr")
	assert.Equal(t, "Withdrawal submitted. TXID: `abc123`\nFee: 1 PEP\nNew balance: 0.4 PEP", reply)
}

func TestCmdWithdraw_Errors(t *testing.T) {
	tests := []struct {
		name  string
		input string
		err   error
		want  string
	}{
		{"usage", "withdraw", nil, "Usage: !withdraw amount address"},
		{"bad amount", "withdraw abc PAddr", nil, "Invalid amount"},
		{"below fee", "withdraw 0.5 PAddr", withdraw.ErrAmountBelowFee, "Amount must be > fee (1 PEP)"},
		{"bad address", "withdraw 2 nope", withdraw.ErrInvalidAddress, "Invalid address"},
		{"broke", "withdraw 2 PAddr", store.ErrInsufficientFunds, "Insufficient balance"},
		{"never started", "withdraw 2 PAddr", store.ErrNotFound, "You don't have a wallet yet. Use !start first."},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := setupBot(t)
			f.payer.err = tt.err
			assert.Equal(t, tt.want, dispatch(f, true, tt.input))
		})
	}
}

func TestCmdWithdraw_NodeFailureSaysBalanceIntact(t *testing.T) {
	f := setupBot(t)
	f.payer.err = errors.Join(withdraw.ErrWithdrawalFailed, errors.New("node down"))

	reply := dispatch(f, true, "withdraw 2 PAddr")
	assert.Contains(t, reply, "your balance was not charged")
}

func TestCmdTip_ModeSelection(t *testing.T) {
	f := setupBot(t)
	f.tipper.target = &store.User{ID: "@bob:example.org", Username: "bob"}
	f.tipper.split = &tip.SplitResult{
		Recipients: []*store.User{{}, {}, {}},
		PerAmount:  100_000_000,
	}

	assert.Equal(t, "Tipped @bob 5 PEP.", dispatch(f, false, "tip 5"))
	assert.Equal(t, "lucky", f.tipper.mode)

	assert.Equal(t, "Tipped @bob 5 PEP.", dispatch(f, false, "tip @bob 5"))
	assert.Equal(t, "direct:bob", f.tipper.mode)

	assert.Equal(t, "Tipped 3 active users 1 PEP each.", dispatch(f, false, "tip active 3"))
	assert.Equal(t, "split", f.tipper.mode)
}

func TestCmdTip_MarksSenderActive(t *testing.T) {
	f := setupBot(t)
	f.tipper.target = &store.User{Username: "bob"}

	dispatch(f, false, "tip 5")
	require.Len(t, f.activity.marks, 1)
	assert.Equal(t, "@alice:example.org/!group:example.org", f.activity.marks[0])
}

func TestCmdTip_Validation(t *testing.T) {
	f := setupBot(t)
	assert.Equal(t, "Usage:\n!tip amount\n!tip @username amount\n!tip active amount",
		dispatch(f, false, "tip"))
	assert.Equal(t, "Invalid amount", dispatch(f, false, "tip abc"))
	assert.Equal(t, "Amount must be > 0", dispatch(f, false, "tip 0"))
}

func TestCmdTip_Errors(t *testing.T) {
	tests := []struct {
		name  string
		input string
		err   error
		want  string
	}{
		{"no lucky candidates", "tip 5", tip.ErrNoActiveUsers, "No active users found."},
		{"no split candidates", "tip active 5", tip.ErrNoActiveUsers, "No active users to tip."},
		{"unknown target", "tip @ghost 5", tip.ErrUnknownTarget, "Target user not found or hasn't !start'ed."},
		{"self tip", "tip @alice 5", store.ErrInvalidTarget, "You cannot tip yourself."},
		{"broke split", "tip active 5", store.ErrInsufficientFunds, "Insufficient balance for split tip"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := setupBot(t)
			f.tipper.err = tt.err
			assert.Equal(t, tt.want, dispatch(f, false, tt.input))
		})
	}
}

func TestCmdActive(t *testing.T) {
	f := setupBot(t)
	f.activity.users = []*store.User{
		{Username: "bob"},
		{Username: ""}, // never joined by handle; skipped
		{Username: "carol"},
	}
	assert.Equal(t, "Active users (last 30 minutes):\n@bob, @carol", dispatch(f, false, "active"))
}

func TestCmdActive_Empty(t *testing.T) {
	f := setupBot(t)
	assert.Equal(t, "No active users in the last 30 minutes.", dispatch(f, false, "active"))
}

func TestCmdFaucet_WorksInBothContexts(t *testing.T) {
	for _, private := range []bool{true, false} {
		f := setupBot(t)
		f.faucet.granted = 50 * 100_000_000
		reply := dispatch(f, private, "faucet")
		assert.Contains(t, reply, "You received 50 PEP from the faucet!", "private=%v", private)
		assert.Contains(t, reply, "Next request available in 2 hours.")
		assert.Contains(t, reply, "Your balance is 2.5 PEP")
	}
}

func TestCmdFaucet_CooldownShowsMinutes(t *testing.T) {
	f := setupBot(t)
	f.faucet.err = &faucet.CooldownError{Remaining: 90*time.Minute + 10*time.Second}
	assert.Equal(t, "Faucet available in 91 minutes.", dispatch(f, true, "faucet"))
}

func TestCmdFaucet_EmptyPool(t *testing.T) {
	f := setupBot(t)
	f.faucet.err = store.ErrInsufficientFunds
	assert.Equal(t, "The faucet is empty right now, check back later.", dispatch(f, true, "faucet"))
}

func TestCmdFaucetInfo(t *testing.T) {
	f := setupBot(t)
	f.faucet.info = &faucet.Info{Address: "PPoolAddr", Balance: 123_400_000_000}
	assert.Equal(t, "Faucet deposit address: `PPoolAddr`\nPool balance: 1234 PEP",
		dispatch(f, false, "faucetinfo"))
}

func TestLocalpart(t *testing.T) {
	assert.Equal(t, "alice", localpart(id.UserID("@alice:example.org")))
	assert.Equal(t, "alice", localpart(id.UserID("alice")))
}

func TestFormatInterval(t *testing.T) {
	assert.Equal(t, "2 hours", formatInterval(2*time.Hour))
	assert.Equal(t, "1 hour", formatInterval(time.Hour))
	assert.Equal(t, "90 minutes", formatInterval(90*time.Minute))
	assert.Equal(t, "1 minute", formatInterval(time.Minute))
}
