// Package telegram connects the host to Telegram via the Bot API using
// long polling. It supports the full capability set: reactions, typing,
// in-place message edits for streaming, and inline-keyboard questions.
package telegram

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/mymmrac/telego"
	tu "github.com/mymmrac/telego/telegoutil"

	"github.com/nextlevelbuilder/warden/internal/bus"
	"github.com/nextlevelbuilder/warden/internal/channels"
	"github.com/nextlevelbuilder/warden/internal/config"
	"github.com/nextlevelbuilder/warden/internal/state"
	"github.com/nextlevelbuilder/warden/pkg/wire"
)

const maxMessageLen = 4096

// Channel connects to Telegram via the Bot API using long polling.
type Channel struct {
	*channels.BaseChannel
	bot        *telego.Bot
	cfg        config.TelegramConfig
	asks       sync.Map // requestID string → []wire.Question
	pollCancel context.CancelFunc
	pollDone   chan struct{}
}

// New creates a Telegram channel from config.
func New(cfg config.TelegramConfig, msgBus *bus.MessageBus) (*Channel, error) {
	bot, err := telego.NewBot(cfg.Token, telego.WithDiscardLogger())
	if err != nil {
		return nil, fmt.Errorf("create telegram bot: %w", err)
	}

	return &Channel{
		BaseChannel: channels.NewBaseChannel("telegram", msgBus, cfg.AllowFrom),
		bot:         bot,
		cfg:         cfg,
	}, nil
}

// Owns reports whether this channel routes the chat. Telegram chat ids
// are numeric (negative for groups), so shape matching keeps ownership
// across restarts before any message is seen.
func (c *Channel) Owns(chatID string) bool {
	if c.BaseChannel.Owns(chatID) {
		return true
	}
	s := strings.TrimPrefix(chatID, "-")
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

// Start begins long polling for Telegram updates.
func (c *Channel) Start(ctx context.Context) error {
	slog.Info("starting telegram bot (polling mode)")

	// Stop() cancels this context to cleanly shut down long polling.
	pollCtx, cancel := context.WithCancel(ctx)
	c.pollCancel = cancel
	c.pollDone = make(chan struct{})

	updates, err := c.bot.UpdatesViaLongPolling(pollCtx, &telego.GetUpdatesParams{
		Timeout: 30,
		AllowedUpdates: []string{
			"message",
			"message_reaction",
			"callback_query",
		},
	})
	if err != nil {
		cancel()
		return fmt.Errorf("start long polling: %w", err)
	}

	c.SetConnected(true)
	slog.Info("telegram bot connected")

	go func() {
		defer close(c.pollDone)
		for {
			select {
			case <-pollCtx.Done():
				return
			case update, ok := <-updates:
				if !ok {
					slog.Info("telegram updates channel closed")
					return
				}
				switch {
				case update.Message != nil:
					c.handleMessage(update.Message)
				case update.MessageReaction != nil:
					c.handleReaction(update.MessageReaction)
				case update.CallbackQuery != nil:
					c.handleCallback(pollCtx, update.CallbackQuery)
				}
			}
		}
	}()

	return nil
}

// Stop shuts down the bot by cancelling the polling context and waiting
// for the polling goroutine to exit, so Telegram releases the
// getUpdates lock before a new instance starts.
func (c *Channel) Stop(_ context.Context) error {
	slog.Info("stopping telegram bot")
	c.SetConnected(false)

	if c.pollCancel != nil {
		c.pollCancel()
	}
	if c.pollDone != nil {
		select {
		case <-c.pollDone:
		case <-time.After(10 * time.Second):
			slog.Warn("telegram polling goroutine did not exit within timeout")
		}
	}

	return nil
}

// SendMessage delivers text to a chat, splitting at the Telegram length
// limit. Splits prefer newline boundaries.
func (c *Channel) SendMessage(ctx context.Context, chatID, text string) error {
	id, err := parseChatID(chatID)
	if err != nil {
		return fmt.Errorf("telegram chat id %q: %w", chatID, err)
	}

	for len(text) > 0 {
		chunk := text
		if len(chunk) > maxMessageLen {
			cutAt := maxMessageLen
			if idx := strings.LastIndexByte(text[:maxMessageLen], '\n'); idx > maxMessageLen/2 {
				cutAt = idx + 1
			}
			chunk = text[:cutAt]
			text = text[cutAt:]
		} else {
			text = ""
		}

		if _, err := c.bot.SendMessage(ctx, tu.Message(tu.ID(id), chunk)); err != nil {
			return fmt.Errorf("send telegram message: %w", err)
		}
	}

	return nil
}

// ackEmoji is the only reaction allowed through at reaction_level
// "minimal": the receipt acknowledgement.
const ackEmoji = "👀"

// SendReaction sets (or clears, when emoji is empty) the bot's reaction
// on a message.
func (c *Channel) SendReaction(ctx context.Context, chatID, messageID, emoji string) error {
	if c.cfg.ReactionLevel == "off" {
		return nil
	}
	if c.cfg.ReactionLevel == "minimal" && emoji != "" && emoji != ackEmoji {
		return nil
	}
	id, err := parseChatID(chatID)
	if err != nil {
		return err
	}
	msgID, err := strconv.Atoi(messageID)
	if err != nil {
		return fmt.Errorf("telegram message id %q: %w", messageID, err)
	}

	var reaction []telego.ReactionType
	if emoji != "" {
		reaction = []telego.ReactionType{
			&telego.ReactionTypeEmoji{Type: telego.ReactionEmoji, Emoji: emoji},
		}
	}
	return c.bot.SetMessageReaction(ctx, &telego.SetMessageReactionParams{
		ChatID:    tu.ID(id),
		MessageID: msgID,
		Reaction:  reaction,
	})
}

// SetTyping shows the typing indicator. Telegram auto-expires the
// indicator after a few seconds; callers re-send while work continues.
func (c *Channel) SetTyping(ctx context.Context, chatID string, active bool) error {
	if !active {
		return nil
	}
	id, err := parseChatID(chatID)
	if err != nil {
		return err
	}
	return c.bot.SendChatAction(ctx, tu.ChatAction(tu.ID(id), telego.ChatActionTyping))
}

// StreamingEnabled reports whether partial-response streaming is
// configured.
func (c *Channel) StreamingEnabled() bool {
	return c.cfg.StreamMode == "partial"
}

// OpenStream sends the first chunk of an incremental reply and returns
// the message id later edits will target.
func (c *Channel) OpenStream(ctx context.Context, chatID, text string) (string, error) {
	id, err := parseChatID(chatID)
	if err != nil {
		return "", fmt.Errorf("telegram chat id %q: %w", chatID, err)
	}
	if len(text) > maxMessageLen {
		text = text[:maxMessageLen]
	}
	msg, err := c.bot.SendMessage(ctx, tu.Message(tu.ID(id), text))
	if err != nil {
		return "", fmt.Errorf("open telegram stream: %w", err)
	}
	return strconv.Itoa(msg.MessageID), nil
}

// UpdateMessage edits a previously sent message in place.
func (c *Channel) UpdateMessage(ctx context.Context, chatID, messageID, text string) error {
	id, err := parseChatID(chatID)
	if err != nil {
		return err
	}
	msgID, err := strconv.Atoi(messageID)
	if err != nil {
		return fmt.Errorf("telegram message id %q: %w", messageID, err)
	}
	if len(text) > maxMessageLen {
		text = text[:maxMessageLen]
	}
	_, err = c.bot.EditMessageText(ctx, &telego.EditMessageTextParams{
		ChatID:    tu.ID(id),
		MessageID: msgID,
		Text:      text,
	})
	return err
}

// SendAskUser presents worker questions. A single question with options
// renders as an inline keyboard; anything else renders as text the user
// answers by replying.
func (c *Channel) SendAskUser(ctx context.Context, chatID, requestID string, questions []wire.Question) (string, error) {
	id, err := parseChatID(chatID)
	if err != nil {
		return "", err
	}

	var sb strings.Builder
	sb.WriteString("The agent needs your input:\n")
	for i, q := range questions {
		fmt.Fprintf(&sb, "\n%d. %s", i+1, q.Text)
		if len(q.Options) > 0 && len(questions) > 1 {
			fmt.Fprintf(&sb, " (%s)", strings.Join(q.Options, " / "))
		}
	}

	params := tu.Message(tu.ID(id), sb.String())

	if len(questions) == 1 && len(questions[0].Options) > 0 {
		c.asks.Store(requestID, questions)
		rows := make([][]telego.InlineKeyboardButton, 0, len(questions[0].Options))
		for i, opt := range questions[0].Options {
			rows = append(rows, tu.InlineKeyboardRow(
				tu.InlineKeyboardButton(opt).WithCallbackData(fmt.Sprintf("ask|%s|%d", requestID, i)),
			))
		}
		params.ReplyMarkup = &telego.InlineKeyboardMarkup{InlineKeyboard: rows}
	}

	msg, err := c.bot.SendMessage(ctx, params)
	if err != nil {
		return "", fmt.Errorf("send ask_user prompt: %w", err)
	}
	return strconv.Itoa(msg.MessageID), nil
}

// handleMessage forwards an incoming message onto the bus.
func (c *Channel) handleMessage(m *telego.Message) {
	if m.From == nil || m.From.IsBot {
		return
	}

	senderID := strconv.FormatInt(m.From.ID, 10)
	if m.From.Username != "" {
		senderID += "|" + m.From.Username
	}

	content := m.Text
	if content == "" {
		content = m.Caption
	}

	var media []string
	if len(m.Photo) > 0 {
		// Largest size is last.
		media = append(media, m.Photo[len(m.Photo)-1].FileID)
	}
	if m.Document != nil {
		media = append(media, m.Document.FileID)
		if content == "" {
			content = fmt.Sprintf("[document: %s]", m.Document.FileName)
		}
	}
	if content == "" && len(media) == 0 {
		return
	}

	meta := map[string]string{"chat_type": m.Chat.Type}
	if m.ReplyToMessage != nil {
		meta["reply_to_id"] = strconv.Itoa(m.ReplyToMessage.MessageID)
	}

	c.HandleMessage(bus.InboundMessage{
		ChatID:     strconv.FormatInt(m.Chat.ID, 10),
		SenderID:   senderID,
		SenderName: strings.TrimSpace(m.From.FirstName + " " + m.From.LastName),
		Content:    content,
		MessageID:  strconv.Itoa(m.MessageID),
		Media:      media,
		Timestamp:  time.Unix(m.Date, 0).UTC().Format(state.TimeLayout),
		Metadata:   meta,
	})
}

// handleReaction forwards a user reaction onto the bus.
func (c *Channel) handleReaction(r *telego.MessageReactionUpdated) {
	if r.User == nil {
		return
	}
	emoji := ""
	for _, added := range r.NewReaction {
		if e, ok := added.(*telego.ReactionTypeEmoji); ok {
			emoji = e.Emoji
			break
		}
	}
	if emoji == "" {
		return
	}

	c.HandleMessage(bus.InboundMessage{
		ChatID:          strconv.FormatInt(r.Chat.ID, 10),
		SenderID:        strconv.FormatInt(r.User.ID, 10),
		Reaction:        emoji,
		TargetMessageID: strconv.Itoa(r.MessageID),
		Timestamp:       time.Unix(r.Date, 0).UTC().Format(state.TimeLayout),
	})
}

// handleCallback resolves an inline-keyboard answer back to the pending
// ask_user request.
func (c *Channel) handleCallback(ctx context.Context, q *telego.CallbackQuery) {
	defer func() {
		_ = c.bot.AnswerCallbackQuery(ctx, &telego.AnswerCallbackQueryParams{CallbackQueryID: q.ID})
	}()

	parts := strings.Split(q.Data, "|")
	if len(parts) != 3 || parts[0] != "ask" {
		return
	}
	requestID := parts[1]
	optIdx, err := strconv.Atoi(parts[2])
	if err != nil {
		return
	}

	val, ok := c.asks.LoadAndDelete(requestID)
	if !ok {
		return
	}
	questions := val.([]wire.Question)
	if len(questions) == 0 || optIdx >= len(questions[0].Options) {
		return
	}
	answer := questions[0].Options[optIdx]

	chatID := ""
	messageID := ""
	if q.Message != nil {
		chatID = strconv.FormatInt(q.Message.GetChat().ID, 10)
		messageID = strconv.Itoa(q.Message.GetMessageID())
	}

	c.HandleMessage(bus.InboundMessage{
		ChatID:          chatID,
		SenderID:        strconv.FormatInt(q.From.ID, 10),
		Content:         answer,
		TargetMessageID: messageID,
		Timestamp:       state.NowUTC(),
		Metadata: map[string]string{
			"ask_request_id": requestID,
			"ask_question":   questions[0].Text,
		},
	})
}

// parseChatID converts a string chat ID to int64.
func parseChatID(chatIDStr string) (int64, error) {
	return strconv.ParseInt(chatIDStr, 10, 64)
}
