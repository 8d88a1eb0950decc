// Package discord connects the host to Discord via the gateway API.
// Supports reactions, typing, and in-place edits; interactive questions
// fall back to the plain-text path.
package discord

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/bwmarrin/discordgo"

	"github.com/nextlevelbuilder/warden/internal/bus"
	"github.com/nextlevelbuilder/warden/internal/channels"
	"github.com/nextlevelbuilder/warden/internal/config"
	"github.com/nextlevelbuilder/warden/internal/state"
)

const maxMessageLen = 2000

// Channel connects to Discord via the Bot API using gateway events.
type Channel struct {
	*channels.BaseChannel
	session   *discordgo.Session
	cfg       config.DiscordConfig
	botUserID string // populated on start
}

// New creates a Discord channel from config.
func New(cfg config.DiscordConfig, msgBus *bus.MessageBus) (*Channel, error) {
	session, err := discordgo.New("Bot " + cfg.Token)
	if err != nil {
		return nil, fmt.Errorf("create discord session: %w", err)
	}

	session.Identify.Intents = discordgo.IntentsGuildMessages |
		discordgo.IntentsDirectMessages |
		discordgo.IntentsGuildMessageReactions |
		discordgo.IntentsDirectMessageReactions |
		discordgo.IntentsMessageContent

	return &Channel{
		BaseChannel: channels.NewBaseChannel("discord", msgBus, cfg.AllowFrom),
		session:     session,
		cfg:         cfg,
	}, nil
}

// Owns reports whether this channel routes the chat. Discord channel
// ids are snowflakes, 17+ digits; shorter numeric ids belong to
// Telegram.
func (c *Channel) Owns(chatID string) bool {
	if c.BaseChannel.Owns(chatID) {
		return true
	}
	if len(chatID) < 17 || len(chatID) > 20 {
		return false
	}
	for _, r := range chatID {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

// Start opens the Discord gateway connection and begins receiving
// events.
func (c *Channel) Start(_ context.Context) error {
	slog.Info("starting discord bot")

	c.session.AddHandler(c.handleMessage)
	c.session.AddHandler(c.handleReactionAdd)

	if err := c.session.Open(); err != nil {
		return fmt.Errorf("open discord session: %w", err)
	}

	user, err := c.session.User("@me")
	if err != nil {
		c.session.Close()
		return fmt.Errorf("fetch discord bot identity: %w", err)
	}
	c.botUserID = user.ID

	c.SetConnected(true)
	slog.Info("discord bot connected", "username", user.Username, "id", user.ID)

	return nil
}

// Stop closes the Discord gateway connection.
func (c *Channel) Stop(_ context.Context) error {
	slog.Info("stopping discord bot")
	c.SetConnected(false)
	return c.session.Close()
}

// SendMessage delivers text to a channel, splitting at the Discord
// length limit. Splits prefer newline boundaries.
func (c *Channel) SendMessage(_ context.Context, chatID, text string) error {
	if chatID == "" {
		return fmt.Errorf("empty chat ID for discord send")
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

		if _, err := c.session.ChannelMessageSend(chatID, chunk); err != nil {
			return fmt.Errorf("send discord message: %w", err)
		}
	}

	return nil
}

// SendReaction adds (or clears, when emoji is empty) the bot's reaction
// on a message.
func (c *Channel) SendReaction(_ context.Context, chatID, messageID, emoji string) error {
	if emoji == "" {
		return c.session.MessageReactionsRemoveAll(chatID, messageID)
	}
	return c.session.MessageReactionAdd(chatID, messageID, emoji)
}

// SetTyping shows the typing indicator. Discord auto-expires it after
// roughly ten seconds.
func (c *Channel) SetTyping(_ context.Context, chatID string, active bool) error {
	if !active {
		return nil
	}
	return c.session.ChannelTyping(chatID)
}

// StreamingEnabled reports whether partial-response streaming is
// configured.
func (c *Channel) StreamingEnabled() bool {
	return c.cfg.StreamMode == "partial"
}

// OpenStream sends the first chunk of an incremental reply and returns
// the message id later edits will target.
func (c *Channel) OpenStream(_ context.Context, chatID, text string) (string, error) {
	if len(text) > maxMessageLen {
		text = text[:maxMessageLen]
	}
	msg, err := c.session.ChannelMessageSend(chatID, text)
	if err != nil {
		return "", fmt.Errorf("open discord stream: %w", err)
	}
	return msg.ID, nil
}

// UpdateMessage edits a previously sent message in place.
func (c *Channel) UpdateMessage(_ context.Context, chatID, messageID, text string) error {
	if len(text) > maxMessageLen {
		text = text[:maxMessageLen]
	}
	_, err := c.session.ChannelMessageEdit(chatID, messageID, text)
	return err
}

// handleMessage processes incoming Discord messages.
func (c *Channel) handleMessage(_ *discordgo.Session, m *discordgo.MessageCreate) {
	if m.Author == nil || m.Author.ID == c.botUserID || m.Author.Bot {
		return
	}

	content := m.Content
	var media []string
	for _, att := range m.Attachments {
		media = append(media, att.URL)
		if content != "" {
			content += "\n"
		}
		content += fmt.Sprintf("[attachment: %s]", att.URL)
	}
	if content == "" {
		return
	}

	meta := map[string]string{}
	if m.GuildID == "" {
		meta["chat_type"] = "private"
	} else {
		meta["chat_type"] = "guild"
		meta["guild_id"] = m.GuildID
	}
	if m.MessageReference != nil {
		meta["reply_to_id"] = m.MessageReference.MessageID
	}
	for _, u := range m.Mentions {
		if u != nil && u.ID == c.botUserID {
			meta["mentioned"] = "true"
			// The raw mention token is noise once the flag is set.
			content = strings.ReplaceAll(content, "<@"+c.botUserID+">", "")
			content = strings.ReplaceAll(content, "<@!"+c.botUserID+">", "")
			content = strings.TrimSpace(content)
			break
		}
	}

	c.HandleMessage(bus.InboundMessage{
		ChatID:     m.ChannelID,
		SenderID:   m.Author.ID,
		SenderName: resolveDisplayName(m),
		Content:    content,
		MessageID:  m.ID,
		Media:      media,
		Timestamp:  m.Timestamp.UTC().Format(state.TimeLayout),
		Metadata:   meta,
	})
}

// handleReactionAdd forwards user reactions onto the bus.
func (c *Channel) handleReactionAdd(_ *discordgo.Session, r *discordgo.MessageReactionAdd) {
	if r.UserID == c.botUserID {
		return
	}

	c.HandleMessage(bus.InboundMessage{
		ChatID:          r.ChannelID,
		SenderID:        r.UserID,
		Reaction:        r.Emoji.Name,
		TargetMessageID: r.MessageID,
		Timestamp:       time.Now().UTC().Format(state.TimeLayout),
	})
}

// resolveDisplayName picks the best available name for a message author.
func resolveDisplayName(m *discordgo.MessageCreate) string {
	if m.Member != nil && m.Member.Nick != "" {
		return m.Member.Nick
	}
	if m.Author.GlobalName != "" {
		return m.Author.GlobalName
	}
	return m.Author.Username
}
