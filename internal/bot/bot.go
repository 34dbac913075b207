// ABOUTME: Matrix frontend for the tip bot
// ABOUTME: Handles the sync loop, event filtering, and message delivery

package bot

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/yuin/goldmark"
	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"github.com/tipjar-dev/tipjar/internal/amount"
	"github.com/tipjar-dev/tipjar/internal/config"
	"github.com/tipjar-dev/tipjar/internal/dedupe"
	"github.com/tipjar-dev/tipjar/internal/faucet"
	"github.com/tipjar-dev/tipjar/internal/store"
	"github.com/tipjar-dev/tipjar/internal/tip"
	"github.com/tipjar-dev/tipjar/internal/withdraw"
)

// typingTimeout is how long a typing indicator shows.
const typingTimeout = 30 * time.Second

// networkTimeout bounds individual Matrix API calls.
const networkTimeout = 10 * time.Second

// dedupeTTL is how long delivered event ids are remembered. Matrix
// redelivers recent events after a reconnect; anything older is dropped by
// the timestamp filter instead.
const dedupeTTL = 10 * time.Minute

// Ledger is the account surface the bot needs from the store.
type Ledger interface {
	EnsureUser(ctx context.Context, id, username string) (*store.User, error)
	User(ctx context.Context, id string) (*store.User, error)
	Balance(ctx context.Context, id string) (int64, error)
	SetDepositAddress(ctx context.Context, id, address string) (string, error)
}

// Wallet issues fresh deposit addresses.
type Wallet interface {
	NewAddress(ctx context.Context, label string) (string, error)
}

// Tipper runs the three tip modes.
type Tipper interface {
	Tip(ctx context.Context, senderID, targetUsername string, amount int64) (*store.User, error)
	TipRandom(ctx context.Context, senderID, groupID string, amount int64) (*store.User, error)
	TipActive(ctx context.Context, senderID, groupID string, amount int64) (*tip.SplitResult, error)
}

// Withdrawer submits withdrawals.
type Withdrawer interface {
	Withdraw(ctx context.Context, userID string, amount int64, destination string) (*withdraw.Result, error)
	Fee() int64
}

// FaucetService disburses from the pool.
type FaucetService interface {
	Claim(ctx context.Context, userID string) (int64, error)
	PoolInfo(ctx context.Context) (*faucet.Info, error)
	Amount() int64
	Interval() time.Duration
}

// ActivityService tracks who has spoken recently in each group.
type ActivityService interface {
	Mark(ctx context.Context, userID, groupID string) error
	Active(ctx context.Context, groupID string) ([]*store.User, error)
}

// Bot wires Matrix events to the ledger services.
type Bot struct {
	cfg      config.MatrixConfig
	symbol   string
	matrix   *mautrix.Client
	crypto   *cryptoManager
	ledger   Ledger
	wallet   Wallet
	tips     Tipper
	withdraw Withdrawer
	faucet   FaucetService
	activity ActivityService
	seen     *dedupe.Cache
	logger   *slog.Logger

	startTime time.Time

	// Joined-member counts and notification DM rooms, cached per room/user
	roomMu  sync.Mutex
	private map[id.RoomID]bool
	dmRooms map[id.UserID]id.RoomID

	ctx    context.Context
	cancel context.CancelFunc
}

// New creates a bot. The symbol is the coin ticker used in replies.
func New(cfg config.MatrixConfig, symbol string, ledger Ledger, wallet Wallet, tips Tipper, w Withdrawer, f FaucetService, activity ActivityService, logger *slog.Logger) (*Bot, error) {
	if logger == nil {
		logger = slog.Default()
	}
	client, err := mautrix.NewClient(cfg.Homeserver, id.UserID(cfg.UserID), cfg.AccessToken)
	if err != nil {
		return nil, fmt.Errorf("creating matrix client: %w", err)
	}

	return &Bot{
		cfg:      cfg,
		symbol:   symbol,
		matrix:   client,
		ledger:   ledger,
		wallet:   wallet,
		tips:     tips,
		withdraw: w,
		faucet:   f,
		activity: activity,
		seen:     dedupe.New(dedupeTTL, 10_000),
		logger:   logger.With("component", "bot"),
		private:  make(map[id.RoomID]bool),
		dmRooms:  make(map[id.UserID]id.RoomID),
	}, nil
}

// Run starts the sync loop and blocks until the context is canceled or the
// sync fails.
func (b *Bot) Run(ctx context.Context) error {
	b.logger.Info("starting matrix frontend",
		"homeserver", b.cfg.Homeserver,
		"user_id", b.cfg.UserID,
		"prefix", b.cfg.CommandPrefix,
	)

	b.ctx, b.cancel = context.WithCancel(ctx)
	defer b.cancel()
	defer b.seen.Close()

	if b.cfg.PickleKey != "" {
		cm, err := setupCrypto(b.ctx, b.matrix, b.cfg.UserID, b.cfg.PickleKey, b.logger)
		if err != nil {
			return fmt.Errorf("setting up encryption: %w", err)
		}
		b.crypto = cm
		defer b.crypto.Close()
	}

	syncer, ok := b.matrix.Syncer.(*mautrix.DefaultSyncer)
	if !ok {
		return fmt.Errorf("unexpected syncer type: %T", b.matrix.Syncer)
	}
	syncer.OnEventType(event.EventMessage, b.handleMessageEvent)

	b.startTime = time.Now()

	syncErr := make(chan error, 1)
	go func() {
		syncErr <- b.matrix.SyncWithContext(b.ctx)
	}()

	b.logger.Info("matrix frontend running")

	select {
	case <-ctx.Done():
		b.logger.Info("shutting down matrix frontend")
		b.cancel()
		return nil
	case err := <-syncErr:
		return fmt.Errorf("matrix sync failed: %w", err)
	}
}

// handleMessageEvent filters one inbound event and routes it.
func (b *Bot) handleMessageEvent(ctx context.Context, evt *event.Event) {
	if evt.Sender == id.UserID(b.cfg.UserID) {
		return
	}

	// Drop history replayed from before this process started
	if time.UnixMilli(evt.Timestamp).Before(b.startTime.Add(-time.Minute)) {
		return
	}

	// Matrix redelivers events after reconnects; each id is handled once
	if b.seen.Seen(evt.ID.String()) {
		return
	}

	content, ok := evt.Content.Parsed.(*event.MessageEventContent)
	if !ok || content.MsgType != event.MsgText {
		return
	}

	if !b.isRoomAllowed(evt.RoomID) {
		b.logger.Debug("ignoring message from non-allowed room", "room", evt.RoomID.String())
		return
	}

	private := b.isPrivate(evt.RoomID)
	body := strings.TrimSpace(content.Body)

	if !strings.HasPrefix(body, b.cfg.CommandPrefix) {
		// Plain chatter in a group marks the sender active for lucky and
		// split tips
		if !private {
			b.markActive(b.ctx, evt.Sender, evt.RoomID)
		}
		return
	}

	b.logger.Info("received command",
		"room", evt.RoomID.String(),
		"sender", evt.Sender.String(),
		"command", truncate(body, 50),
	)

	// Handle off the sync goroutine so a slow node call never stalls sync
	go b.processCommand(b.ctx, evt.RoomID, evt.Sender, private, strings.TrimPrefix(body, b.cfg.CommandPrefix))
}

// processCommand dispatches one command and delivers the reply.
func (b *Bot) processCommand(ctx context.Context, roomID id.RoomID, sender id.UserID, private bool, input string) {
	b.setTyping(roomID, true)
	defer b.setTyping(roomID, false)

	reply := b.dispatch(ctx, sender, roomID, private, input)
	if reply == "" {
		return
	}
	b.sendMarkdown(roomID, reply)
}

// markActive upserts the sender and records the (user, room) activity mark.
func (b *Bot) markActive(ctx context.Context, sender id.UserID, roomID id.RoomID) {
	if _, err := b.ledger.EnsureUser(ctx, sender.String(), localpart(sender)); err != nil {
		b.logger.Warn("upserting active user", "user", sender.String(), "error", err)
		return
	}
	if err := b.activity.Mark(ctx, sender.String(), roomID.String()); err != nil {
		b.logger.Warn("marking activity", "user", sender.String(), "room", roomID.String(), "error", err)
	}
}

// NotifyDeposit DMs the user about a newly credited deposit. Best-effort:
// the credit already happened and stands whether or not the message lands.
func (b *Bot) NotifyDeposit(ctx context.Context, userID string, credited int64, txid string) {
	newBalance, err := b.ledger.Balance(ctx, userID)
	if err != nil {
		b.logger.Warn("reading balance for deposit notice", "user", userID, "error", err)
		return
	}

	roomID, err := b.dmRoom(ctx, id.UserID(userID))
	if err != nil {
		b.logger.Warn("opening deposit notice dm", "user", userID, "error", err)
		return
	}

	b.sendMarkdown(roomID, fmt.Sprintf("Deposit confirmed: %s %s\nNew balance: %s %s",
		amount.Format(credited), b.symbol, amount.Format(newBalance), b.symbol))
	b.logger.Info("deposit notice sent", "user", userID, "txid", txid)
}

func (b *Bot) isRoomAllowed(roomID id.RoomID) bool {
	if len(b.cfg.AllowedRooms) == 0 {
		return true
	}
	for _, allowed := range b.cfg.AllowedRooms {
		if allowed == roomID.String() {
			return true
		}
	}
	return false
}

// isPrivate reports whether the room is a DM, detected as exactly two joined
// members and cached for the life of the process.
func (b *Bot) isPrivate(roomID id.RoomID) bool {
	b.roomMu.Lock()
	if private, ok := b.private[roomID]; ok {
		b.roomMu.Unlock()
		return private
	}
	b.roomMu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), networkTimeout)
	defer cancel()
	resp, err := b.matrix.JoinedMembers(ctx, roomID)
	if err != nil {
		b.logger.Warn("fetching joined members", "room", roomID.String(), "error", err)
		// Treat as a group and retry the lookup next time
		return false
	}

	private := len(resp.Joined) == 2
	b.roomMu.Lock()
	b.private[roomID] = private
	b.roomMu.Unlock()
	return private
}

// dmRoom finds or creates the notification DM for a user.
func (b *Bot) dmRoom(ctx context.Context, user id.UserID) (id.RoomID, error) {
	b.roomMu.Lock()
	if roomID, ok := b.dmRooms[user]; ok {
		b.roomMu.Unlock()
		return roomID, nil
	}
	b.roomMu.Unlock()

	resp, err := b.matrix.CreateRoom(ctx, &mautrix.ReqCreateRoom{
		Invite:   []id.UserID{user},
		IsDirect: true,
		Preset:   "trusted_private_chat",
	})
	if err != nil {
		return "", fmt.Errorf("creating dm room: %w", err)
	}

	b.roomMu.Lock()
	b.dmRooms[user] = resp.RoomID
	b.private[resp.RoomID] = true
	b.roomMu.Unlock()
	return resp.RoomID, nil
}

// setTyping toggles the typing indicator, best-effort.
func (b *Bot) setTyping(roomID id.RoomID, typing bool) {
	var timeout time.Duration
	if typing {
		timeout = typingTimeout
	}
	ctx, cancel := context.WithTimeout(context.Background(), networkTimeout)
	defer cancel()
	if _, err := b.matrix.UserTyping(ctx, roomID, typing, timeout); err != nil {
		b.logger.Debug("failed to set typing indicator", "room", roomID.String(), "error", err)
	}
}

// sendMarkdown delivers a reply as plain text plus a rendered HTML body.
func (b *Bot) sendMarkdown(roomID id.RoomID, md string) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	content := &event.MessageEventContent{
		MsgType: event.MsgText,
		Body:    md,
	}
	var html strings.Builder
	if err := goldmark.Convert([]byte(md), &html); err == nil {
		content.Format = event.FormatHTML
		content.FormattedBody = html.String()
	}

	if _, err := b.matrix.SendMessageEvent(ctx, roomID, event.EventMessage, content); err != nil {
		b.logger.Error("failed to send message", "room", roomID.String(), "error", err)
	}
}

// localpart extracts the username part of a Matrix user id.
// @alice:example.org -> alice
func localpart(user id.UserID) string {
	s := strings.TrimPrefix(user.String(), "@")
	if i := strings.IndexByte(s, ':'); i >= 0 {
		s = s[:i]
	}
	return s
}

// truncate shortens a string to the given max rune count, adding "..." if truncated.
func truncate(s string, maxLen int) string {
	runes := []rune(s)
	if len(runes) <= maxLen {
		return s
	}
	return string(runes[:maxLen]) + "..."
}
