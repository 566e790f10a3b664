package bot

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/shora-sharif/relay-bot/internal/engine"
	"github.com/shora-sharif/relay-bot/internal/models"
	"github.com/shora-sharif/relay-bot/internal/roles"
	"github.com/shora-sharif/relay-bot/internal/storage"
)

const (
	roleCallbackPrefix = "role_"
	janitorInterval    = time.Hour
)

type Options struct {
	AdminUserID int64
	ThreadTTL   time.Duration
	RateWindow  time.Duration
	RateMax     int
}

type Bot struct {
	api       *tgbotapi.BotAPI
	store     storage.Storage
	directory *roles.Directory
	engine    *engine.Engine
	logger    *zap.Logger
	opts      Options
	limiter   *rateLimiter

	mu     sync.Mutex
	chosen map[int64]models.Role
}

// New connects to Telegram and builds the routing engine on top of that
// connection, so relays go out through the same bot identity that receives
// updates.
func New(token string, store storage.Storage, directory *roles.Directory, logger *zap.Logger, opts Options, engOpts engine.Options) (*Bot, error) {
	api, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("failed to create bot: %w", err)
	}

	eng := engine.New(store, directory, &telegramRelay{api: api}, logger, engOpts)

	return &Bot{
		api:       api,
		store:     store,
		directory: directory,
		engine:    eng,
		logger:    logger,
		opts:      opts,
		limiter:   newRateLimiter(opts.RateWindow, opts.RateMax),
		chosen:    make(map[int64]models.Role),
	}, nil
}

type telegramRelay struct {
	api *tgbotapi.BotAPI
}

func (r *telegramRelay) SendRelay(ctx context.Context, targetUserID int64, text string, replyTo int) (int, error) {
	msg := tgbotapi.NewMessage(targetUserID, text)
	if replyTo != 0 {
		msg.ReplyToMessageID = replyTo
	}
	sent, err := r.api.Send(msg)
	if err != nil {
		return 0, fmt.Errorf("failed to send relay: %w", err)
	}
	return sent.MessageID, nil
}

// Run consumes updates until the context is cancelled, running the stale
// thread janitor alongside. New updates stop being accepted on
// cancellation; in-flight handlers finish before Run returns.
func (b *Bot) Run(ctx context.Context) error {
	u := tgbotapi.NewUpdate(0)
	u.Timeout = 60

	updates := b.api.GetUpdatesChan(u)

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		defer b.api.StopReceivingUpdates()
		for {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case update, ok := <-updates:
				if !ok {
					return nil
				}
				b.handleUpdate(ctx, update)
			}
		}
	})

	g.Go(func() error {
		ticker := time.NewTicker(janitorInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-ticker.C:
				if _, err := b.engine.ExpireStale(ctx, b.opts.ThreadTTL); err != nil {
					b.logger.Error("Stale thread expiry failed", zap.Error(err))
				}
			}
		}
	})

	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (b *Bot) handleUpdate(ctx context.Context, update tgbotapi.Update) {
	switch {
	case update.CallbackQuery != nil:
		b.handleCallback(ctx, update.CallbackQuery)
	case update.Message != nil:
		b.handleMessage(ctx, update.Message)
	}
}

func (b *Bot) handleMessage(ctx context.Context, message *tgbotapi.Message) {
	if message.From == nil {
		return
	}

	if message.IsCommand() {
		b.handleCommand(ctx, message)
		return
	}

	// A role-holder replying to a relayed message is routing a reply back;
	// everything else is a new inbound request.
	if role, isHolder := b.directory.Holder(message.From.ID); isHolder && message.ReplyToMessage != nil {
		b.handleReply(ctx, role, message)
		return
	}

	b.handleInbound(ctx, message)
}

func (b *Bot) handleInbound(ctx context.Context, message *tgbotapi.Message) {
	senderID := message.From.ID

	role, ok := b.chosenRole(senderID)
	if !ok {
		b.sendMessage(message.Chat.ID, "Please pick who you want to contact first.")
		b.sendRoleMenu(message.Chat.ID)
		return
	}

	content := message.Text
	if message.Caption != "" {
		content = message.Caption
	}
	if content == "" {
		b.sendMessage(message.Chat.ID, "Please send your request as text.")
		return
	}

	if !b.limiter.allow(senderID, time.Now()) {
		b.sendMessage(message.Chat.ID, "You have sent too many messages. Please wait a bit and try again.")
		return
	}

	holderID, err := b.directory.Resolve(role)
	if err != nil {
		b.sendMessage(message.Chat.ID, "This role is currently unavailable. Please pick another one.")
		return
	}
	blocked, err := b.store.IsBlocked(ctx, holderID, senderID)
	if err != nil {
		b.logger.Error("Failed to check block list",
			zap.Error(err),
			zap.Int64("user_id", senderID))
	}
	if blocked {
		b.sendMessage(message.Chat.ID, "You cannot send messages to this role.")
		return
	}

	sender := engine.Sender{UserID: senderID, DisplayName: displayName(message.From)}
	relayText := fmt.Sprintf("📨 New request\nFrom: %s (%d)\nRole: %s\n\n%s",
		sender.DisplayName, senderID, role.Title(), content)

	thread, err := b.engine.RouteInbound(ctx, sender, role, relayText)
	if err != nil {
		switch {
		case errors.Is(err, roles.ErrUnknownRole), errors.Is(err, roles.ErrMisconfiguredBinding):
			b.sendMessage(message.Chat.ID, "This role is currently unavailable. Please pick another one.")
		default:
			b.sendMessage(message.Chat.ID, "Sorry, your message could not be delivered. Please try again.")
		}
		return
	}

	b.logger.Info("Inbound message routed",
		zap.String("thread_id", thread.ID),
		zap.Int64("sender_id", senderID),
		zap.String("role", string(role)))
	b.sendMessage(message.Chat.ID,
		fmt.Sprintf("✅ Your message was forwarded to %s. You will receive the reply here.", role.Title()))
}

func (b *Bot) handleReply(ctx context.Context, role models.Role, message *tgbotapi.Message) {
	content := message.Text
	if content == "" {
		b.sendMessage(message.Chat.ID, "Please reply with text.")
		return
	}

	outcome, err := b.engine.RouteReply(ctx, role, message.ReplyToMessage.MessageID, content)
	if err != nil {
		b.sendMessage(message.Chat.ID, "Sorry, your reply could not be delivered. Please try again.")
		return
	}

	switch outcome {
	case engine.Delivered:
		b.sendMessage(message.Chat.ID, "✅ Your reply was delivered.")
	case engine.ThreadClosedNotice:
		b.sendMessage(message.Chat.ID, "This request was already answered; your reply was not forwarded again.")
	case engine.ThreadNotFound:
		b.sendMessage(message.Chat.ID, "This request is no longer active.")
	}
}

func (b *Bot) handleCommand(ctx context.Context, message *tgbotapi.Message) {
	switch message.Command() {
	case "start":
		b.handleStart(ctx, message)
	case "help":
		b.handleHelp(message)
	case "id":
		b.sendMessage(message.Chat.ID, fmt.Sprintf("Your id: %d", message.From.ID))
	case "cancel":
		b.clearChosenRole(message.From.ID)
		b.sendMessage(message.Chat.ID, "Role selection cleared. Use /start to pick again.")
	case "status":
		b.handleStatus(ctx, message)
	case "block":
		b.handleBlock(ctx, message)
	case "unblock":
		b.handleUnblock(ctx, message)
	default:
		b.sendMessage(message.Chat.ID, "Unknown command. Use /help to see available commands.")
	}
}

func (b *Bot) handleStart(ctx context.Context, message *tgbotapi.Message) {
	user := &models.User{ID: message.From.ID, DisplayName: displayName(message.From)}
	if err := b.store.UpsertUser(ctx, user); err != nil {
		b.logger.Error("Failed to record user on start",
			zap.Error(err),
			zap.Int64("user_id", message.From.ID))
	}

	welcome := `Welcome to the council relay bot! 📮
Pick the role you want to contact and send your message.
Your message is forwarded with your name and id, and the reply comes back to you here.`

	b.sendMessage(message.Chat.ID, welcome)
	b.sendRoleMenu(message.Chat.ID)
}

func (b *Bot) handleHelp(message *tgbotapi.Message) {
	help := `Available commands:
/start - Pick a role to contact
/help - Show this help message
/id - Show your user id
/cancel - Clear your role selection

For role-holders:
Reply directly to a forwarded message to answer it.
/block (as a reply) - Block the request's sender
/unblock (as a reply) - Unblock the request's sender`

	b.sendMessage(message.Chat.ID, help)
}

func (b *Bot) handleStatus(ctx context.Context, message *tgbotapi.Message) {
	if message.From.ID != b.opts.AdminUserID {
		b.sendMessage(message.Chat.ID, "Only the administrator can view status.")
		return
	}

	stats, err := b.engine.Stats(ctx)
	if err != nil {
		b.logger.Error("Failed to collect stats", zap.Error(err))
		b.sendMessage(message.Chat.ID, "Sorry, status is unavailable right now.")
		return
	}

	var sb strings.Builder
	sb.WriteString("Open requests per role:\n")
	for _, role := range b.directory.Tags() {
		sb.WriteString(fmt.Sprintf("  %s: %d\n", role.Title(), stats.OpenByRole[role]))
	}
	sb.WriteString(fmt.Sprintf("Total routed: %d", stats.TotalThreads))
	b.sendMessage(message.Chat.ID, sb.String())
}

func (b *Bot) handleBlock(ctx context.Context, message *tgbotapi.Message) {
	thread, ok := b.resolveHolderReply(ctx, message)
	if !ok {
		return
	}

	block := &models.Block{
		OwnerID:   message.From.ID,
		BlockedID: thread.SenderID,
		Reason:    strings.TrimSpace(message.CommandArguments()),
	}
	if err := b.store.AddBlock(ctx, block); err != nil {
		b.logger.Error("Failed to add block",
			zap.Error(err),
			zap.Int64("owner_id", block.OwnerID),
			zap.Int64("blocked_id", block.BlockedID))
		b.sendMessage(message.Chat.ID, "Sorry, the block could not be saved.")
		return
	}
	b.sendMessage(message.Chat.ID, fmt.Sprintf("User %d is now blocked.", thread.SenderID))
}

func (b *Bot) handleUnblock(ctx context.Context, message *tgbotapi.Message) {
	thread, ok := b.resolveHolderReply(ctx, message)
	if !ok {
		return
	}

	if err := b.store.RemoveBlock(ctx, message.From.ID, thread.SenderID); err != nil {
		b.logger.Error("Failed to remove block",
			zap.Error(err),
			zap.Int64("owner_id", message.From.ID),
			zap.Int64("blocked_id", thread.SenderID))
		b.sendMessage(message.Chat.ID, "Sorry, the unblock could not be saved.")
		return
	}
	b.sendMessage(message.Chat.ID, fmt.Sprintf("User %d is no longer blocked.", thread.SenderID))
}

// resolveHolderReply validates that the command came from a role-holder as
// a reply to a relayed message, and resolves that message's thread.
func (b *Bot) resolveHolderReply(ctx context.Context, message *tgbotapi.Message) (*models.Thread, bool) {
	role, isHolder := b.directory.Holder(message.From.ID)
	if !isHolder {
		b.sendMessage(message.Chat.ID, "Only role-holders can use this command.")
		return nil, false
	}
	if message.ReplyToMessage == nil {
		b.sendMessage(message.Chat.ID, "Use this command as a reply to a forwarded request.")
		return nil, false
	}

	thread, err := b.store.ThreadByRelayRef(ctx, role, message.ReplyToMessage.MessageID)
	if errors.Is(err, storage.ErrNotFound) {
		b.sendMessage(message.Chat.ID, "This request is no longer active.")
		return nil, false
	}
	if err != nil {
		b.logger.Error("Failed to resolve replied-to thread", zap.Error(err))
		b.sendMessage(message.Chat.ID, "Sorry, something went wrong. Please try again.")
		return nil, false
	}
	return thread, true
}

func (b *Bot) handleCallback(ctx context.Context, query *tgbotapi.CallbackQuery) {
	callback := tgbotapi.NewCallback(query.ID, "")
	if _, err := b.api.Request(callback); err != nil {
		b.logger.Error("Failed to answer callback query", zap.Error(err))
	}

	if !strings.HasPrefix(query.Data, roleCallbackPrefix) {
		return
	}

	role, err := models.ParseRole(strings.TrimPrefix(query.Data, roleCallbackPrefix))
	if err != nil {
		b.logger.Warn("Callback with unknown role tag", zap.String("data", query.Data))
		return
	}

	b.setChosenRole(query.From.ID, role)
	b.sendMessage(query.From.ID,
		fmt.Sprintf("You are now writing to %s. Send your message and it will be forwarded.", role.Title()))
}

func (b *Bot) sendRoleMenu(chatID int64) {
	rows := make([][]tgbotapi.InlineKeyboardButton, 0, len(b.directory.Tags()))
	for _, role := range b.directory.Tags() {
		rows = append(rows, tgbotapi.NewInlineKeyboardRow(
			tgbotapi.NewInlineKeyboardButtonData(role.Title(), roleCallbackPrefix+string(role)),
		))
	}

	msg := tgbotapi.NewMessage(chatID, "Who do you want to contact?")
	msg.ReplyMarkup = tgbotapi.NewInlineKeyboardMarkup(rows...)
	if _, err := b.api.Send(msg); err != nil {
		b.logger.Error("Failed to send role menu",
			zap.Error(err),
			zap.Int64("chat_id", chatID))
	}
}

func (b *Bot) sendMessage(chatID int64, text string) {
	msg := tgbotapi.NewMessage(chatID, text)
	if _, err := b.api.Send(msg); err != nil {
		b.logger.Error("Failed to send message",
			zap.Error(err),
			zap.Int64("chat_id", chatID))
	}
}

func (b *Bot) chosenRole(userID int64) (models.Role, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	role, ok := b.chosen[userID]
	return role, ok
}

func (b *Bot) setChosenRole(userID int64, role models.Role) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.chosen[userID] = role
}

func (b *Bot) clearChosenRole(userID int64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.chosen, userID)
}

func displayName(user *tgbotapi.User) string {
	name := strings.TrimSpace(user.FirstName + " " + user.LastName)
	if name == "" {
		name = user.UserName
	}
	if name == "" {
		name = fmt.Sprintf("user %d", user.ID)
	}
	return name
}
