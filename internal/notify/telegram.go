// Package notify runs the Telegram bot the owner uses to approve or
// block WhatsApp contacts without touching the CLI.
package notify

import (
	"context"
	"fmt"
	"strings"

	"github.com/go-telegram/bot"
	"github.com/go-telegram/bot/models"
	"go.uber.org/zap"

	"github.com/gaborv/autoreply/internal/pairing"
)

// Callback data prefixes for inline buttons.
const (
	callbackApprove = "approve:"
	callbackBlock   = "block:"
)

// Bot wraps the Telegram bot for owner notifications and pairing
// commands. With an empty token it degrades to a no-op so the daemon
// runs without Telegram configured.
type Bot struct {
	bot            *bot.Bot
	chatID         int64
	allowedUserIDs map[int64]bool
	store          *pairing.Store
	logger         *zap.Logger

	// onApproved is called after a contact is approved so the daemon can
	// confirm over WhatsApp.
	onApproved func(ctx context.Context, jid string)
}

// OnApproved registers a hook invoked after each approval.
func (b *Bot) OnApproved(fn func(ctx context.Context, jid string)) {
	b.onApproved = fn
}

func (b *Bot) approved(ctx context.Context, jid string) {
	if b.onApproved != nil {
		b.onApproved(ctx, jid)
	}
}

// New creates the owner bot. chatID is where pairing notifications go.
func New(token string, chatID int64, allowedIDs []int64, store *pairing.Store, logger *zap.Logger) (*Bot, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	allowed := make(map[int64]bool)
	for _, id := range allowedIDs {
		allowed[id] = true
	}

	b := &Bot{
		chatID:         chatID,
		allowedUserIDs: allowed,
		store:          store,
		logger:         logger,
	}

	if token == "" {
		logger.Warn("telegram token is empty, owner notifications disabled")
		return b, nil
	}

	tgBot, err := bot.New(token, bot.WithDefaultHandler(b.handleUpdate))
	if err != nil {
		return nil, fmt.Errorf("create telegram bot: %w", err)
	}
	b.bot = tgBot
	return b, nil
}

// Enabled reports whether a token was configured.
func (b *Bot) Enabled() bool { return b.bot != nil }

// Start begins long polling and blocks until ctx is cancelled.
func (b *Bot) Start(ctx context.Context) {
	if b.bot == nil {
		<-ctx.Done()
		return
	}
	b.logger.Info("telegram bot starting")
	b.bot.Start(ctx)
}

func (b *Bot) allowed(userID int64) bool {
	return len(b.allowedUserIDs) == 0 || b.allowedUserIDs[userID]
}

func (b *Bot) handleUpdate(ctx context.Context, tgBot *bot.Bot, update *models.Update) {
	if update.CallbackQuery != nil {
		b.handleCallback(ctx, tgBot, update.CallbackQuery)
		return
	}
	if update.Message != nil {
		b.handleMessage(ctx, update.Message)
	}
}

func (b *Bot) handleCallback(ctx context.Context, tgBot *bot.Bot, callback *models.CallbackQuery) {
	userID := callback.From.ID
	if !b.allowed(userID) {
		b.logger.Warn("unauthorized callback", zap.Int64("user_id", userID))
		return
	}

	if tgBot != nil {
		tgBot.AnswerCallbackQuery(ctx, &bot.AnswerCallbackQueryParams{
			CallbackQueryID: callback.ID,
		})
	}

	data := callback.Data
	// Callbacks on messages older than 48h arrive without an accessible
	// message; answer in the owner chat then.
	chatID := b.chatID
	if callback.Message.Message != nil {
		chatID = callback.Message.Message.Chat.ID
	}

	switch {
	case strings.HasPrefix(data, callbackApprove):
		jid := strings.TrimPrefix(data, callbackApprove)
		if err := b.store.ApproveContact(jid); err != nil {
			b.reply(ctx, chatID, fmt.Sprintf("Failed to approve %s: %v", jid, err))
			return
		}
		b.logger.Info("contact approved via telegram", zap.String("jid", jid))
		b.approved(ctx, jid)
		b.reply(ctx, chatID, fmt.Sprintf("Approved %s", jid))

	case strings.HasPrefix(data, callbackBlock):
		jid := strings.TrimPrefix(data, callbackBlock)
		if err := b.store.BlockContact(jid); err != nil {
			b.reply(ctx, chatID, fmt.Sprintf("Failed to block %s: %v", jid, err))
			return
		}
		b.logger.Info("contact blocked via telegram", zap.String("jid", jid))
		b.reply(ctx, chatID, fmt.Sprintf("Blocked %s", jid))
	}
}

func (b *Bot) handleMessage(ctx context.Context, message *models.Message) {
	userID := message.From.ID
	chatID := message.Chat.ID
	if !b.allowed(userID) {
		b.logger.Warn("unauthorized message", zap.Int64("user_id", userID))
		return
	}

	fields := strings.Fields(message.Text)
	if len(fields) == 0 {
		return
	}

	switch fields[0] {
	case "/start", "/help":
		b.reply(ctx, chatID, "Commands:\n"+
			"/approve <code> - approve a contact by pairing code\n"+
			"/block <jid> - block a contact\n"+
			"/contacts [status] - list contacts")

	case "/approve":
		if len(fields) < 2 {
			b.reply(ctx, chatID, "Usage: /approve <code>")
			return
		}
		jid, err := b.store.ApproveByCode(fields[1])
		if err != nil {
			b.reply(ctx, chatID, fmt.Sprintf("Approve failed: %v", err))
			return
		}
		if jid == "" {
			b.reply(ctx, chatID, "No pending contact with that code. Codes expire, ask the contact to message again.")
			return
		}
		b.approved(ctx, jid)
		b.reply(ctx, chatID, fmt.Sprintf("Approved %s", jid))

	case "/block":
		if len(fields) < 2 {
			b.reply(ctx, chatID, "Usage: /block <jid>")
			return
		}
		if err := b.store.BlockContact(fields[1]); err != nil {
			b.reply(ctx, chatID, fmt.Sprintf("Block failed: %v", err))
			return
		}
		b.reply(ctx, chatID, fmt.Sprintf("Blocked %s", fields[1]))

	case "/contacts":
		var status pairing.ContactStatus
		if len(fields) > 1 {
			parsed, err := pairing.ParseStatus(fields[1])
			if err != nil {
				b.reply(ctx, chatID, fmt.Sprintf("Unknown status %q", fields[1]))
				return
			}
			status = parsed
		}
		contacts, err := b.store.ListContacts(status)
		if err != nil {
			b.reply(ctx, chatID, fmt.Sprintf("List failed: %v", err))
			return
		}
		if len(contacts) == 0 {
			b.reply(ctx, chatID, "No contacts.")
			return
		}
		var sb strings.Builder
		for _, c := range contacts {
			fmt.Fprintf(&sb, "%s  [%s]", c.JID, c.Status)
			if c.Name != "" {
				fmt.Fprintf(&sb, "  %s", c.Name)
			}
			sb.WriteByte('\n')
		}
		b.reply(ctx, chatID, sb.String())
	}
}

// NotifyPairingRequest tells the owner a new contact is waiting, with
// inline buttons to approve or block them directly.
func (b *Bot) NotifyPairingRequest(ctx context.Context, jid, name, code string) {
	if b.bot == nil || b.chatID == 0 {
		return
	}

	who := jid
	if name != "" {
		who = fmt.Sprintf("%s (%s)", name, jid)
	}
	text := fmt.Sprintf("New WhatsApp contact wants to chat:\n%s\nPairing code: %s", who, code)

	keyboard := &models.InlineKeyboardMarkup{
		InlineKeyboard: [][]models.InlineKeyboardButton{
			{
				{Text: "Approve", CallbackData: callbackApprove + jid},
				{Text: "Block", CallbackData: callbackBlock + jid},
			},
		},
	}

	_, err := b.bot.SendMessage(ctx, &bot.SendMessageParams{
		ChatID:      b.chatID,
		Text:        text,
		ReplyMarkup: keyboard,
	})
	if err != nil {
		b.logger.Error("pairing notification failed", zap.Error(err))
	}
}

func (b *Bot) reply(ctx context.Context, chatID int64, text string) {
	if b.bot == nil {
		return
	}
	_, err := b.bot.SendMessage(ctx, &bot.SendMessageParams{
		ChatID: chatID,
		Text:   text,
	})
	if err != nil {
		b.logger.Error("telegram send failed", zap.Error(err))
	}
}
