// Package discord connects the assistant to Discord using discordgo.
//
// Every readable message in an allowed guild/channel is recorded into
// conversational memory; the assistant is invoked only when mentioned or
// addressed by its trigger word. Reconnection is handled by discordgo's
// gateway.
package discord

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/bwmarrin/discordgo"

	"github.com/masamong/masamong/pkg/masamong/memory"
)

// Config holds Discord channel configuration.
type Config struct {
	// Token is the Discord bot token.
	Token string `yaml:"token"`

	// AllowedGuilds restricts which guild IDs the bot listens in.
	// Empty means all guilds.
	AllowedGuilds []string `yaml:"allowed_guilds"`

	// AllowedChannels restricts which channel IDs the bot listens in.
	// Empty means all channels.
	AllowedChannels []string `yaml:"allowed_channels"`

	// SendTyping sends "typing..." indicators while answering.
	SendTyping bool `yaml:"send_typing"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{SendTyping: true}
}

// Responder produces replies and records messages; the bot package's
// Assistant satisfies it.
type Responder interface {
	Ingest(ctx context.Context, msg memory.Message) (memory.Message, error)
	Answer(ctx context.Context, scope memory.Scope, userName, query string) (string, error)
}

// Discord is the channel adapter.
type Discord struct {
	cfg       Config
	trigger   string
	responder Responder
	logger    *slog.Logger
	session   *discordgo.Session

	connected atomic.Bool
	botUserID string

	ctx    context.Context
	cancel context.CancelFunc
}

// New creates a Discord channel instance. trigger is the wake word checked
// in addition to @mentions; empty disables it.
func New(cfg Config, trigger string, responder Responder, logger *slog.Logger) *Discord {
	if logger == nil {
		logger = slog.Default()
	}
	return &Discord{
		cfg:       cfg,
		trigger:   trigger,
		responder: responder,
		logger:    logger.With("component", "discord"),
	}
}

// Connect opens the gateway WebSocket connection.
func (d *Discord) Connect(ctx context.Context) error {
	if d.cfg.Token == "" {
		return fmt.Errorf("discord: bot token is required")
	}

	d.ctx, d.cancel = context.WithCancel(ctx)

	session, err := discordgo.New("Bot " + d.cfg.Token)
	if err != nil {
		return fmt.Errorf("discord: creating session: %w", err)
	}

	session.Identify.Intents = discordgo.IntentsGuildMessages |
		discordgo.IntentsMessageContent

	session.AddHandler(d.onMessageCreate)

	if err := session.Open(); err != nil {
		return fmt.Errorf("discord: opening gateway: %w", err)
	}

	d.session = session
	d.botUserID = session.State.User.ID
	d.connected.Store(true)

	d.logger.Info("discord connected",
		"bot", session.State.User.Username, "id", d.botUserID)
	return nil
}

// Disconnect closes the gateway connection.
func (d *Discord) Disconnect() error {
	if d.cancel != nil {
		d.cancel()
	}
	d.connected.Store(false)
	if d.session != nil {
		return d.session.Close()
	}
	return nil
}

// onMessageCreate records every allowed message and answers when addressed.
func (d *Discord) onMessageCreate(s *discordgo.Session, m *discordgo.MessageCreate) {
	if m.Author == nil || m.Author.ID == d.botUserID {
		return
	}
	if m.Content == "" || m.GuildID == "" {
		return
	}
	if !d.allowed(m.GuildID, m.ChannelID) {
		return
	}

	scope, msg, err := d.toMessage(m)
	if err != nil {
		d.logger.Debug("skipping message", "error", err)
		return
	}

	ctx, cancel := context.WithTimeout(d.ctx, 2*time.Minute)
	defer cancel()

	if _, err := d.responder.Ingest(ctx, msg); err != nil {
		d.logger.Warn("message ingest failed",
			"channel", m.ChannelID, "message", m.ID, "error", err)
		// Recording failed but the user still addressed the bot; keep going.
	}

	query, addressed := d.extractQuery(m)
	if !addressed {
		return
	}

	if d.cfg.SendTyping {
		_ = s.ChannelTyping(m.ChannelID)
	}

	reply, err := d.responder.Answer(ctx, scope, msg.UserName, query)
	if err != nil {
		d.logger.Error("answer failed", "channel", m.ChannelID, "error", err)
		return
	}
	if reply == "" {
		return
	}

	sent, err := s.ChannelMessageSendReply(m.ChannelID, reply, m.Reference())
	if err != nil {
		d.logger.Error("send reply failed", "channel", m.ChannelID, "error", err)
		return
	}

	// The bot's own reply is conversation too; it joins the history so
	// later retrieval sees both sides of the exchange.
	if botMsg, err := d.replyMessage(scope, sent, reply); err == nil {
		if _, err := d.responder.Ingest(ctx, botMsg); err != nil {
			d.logger.Warn("reply ingest failed", "message", sent.ID, "error", err)
		}
	}
}

// allowed applies the guild and channel allowlists.
func (d *Discord) allowed(guildID, channelID string) bool {
	if len(d.cfg.AllowedGuilds) > 0 && !contains(d.cfg.AllowedGuilds, guildID) {
		return false
	}
	if len(d.cfg.AllowedChannels) > 0 && !contains(d.cfg.AllowedChannels, channelID) {
		return false
	}
	return true
}

// extractQuery reports whether the message addresses the bot and returns the
// content with the mention or trigger stripped.
func (d *Discord) extractQuery(m *discordgo.MessageCreate) (string, bool) {
	for _, u := range m.Mentions {
		if u.ID == d.botUserID {
			content := strings.ReplaceAll(m.Content, "<@"+d.botUserID+">", "")
			content = strings.ReplaceAll(content, "<@!"+d.botUserID+">", "")
			return strings.TrimSpace(content), true
		}
	}
	if d.trigger != "" {
		trimmed := strings.TrimSpace(m.Content)
		if strings.HasPrefix(trimmed, d.trigger) {
			return strings.TrimSpace(strings.TrimPrefix(trimmed, d.trigger)), true
		}
	}
	return "", false
}

// toMessage converts a Discord message into the memory representation.
// Snowflake identifiers are numeric, so they keep their ordering as int64.
func (d *Discord) toMessage(m *discordgo.MessageCreate) (memory.Scope, memory.Message, error) {
	guildID, err := strconv.ParseInt(m.GuildID, 10, 64)
	if err != nil {
		return memory.Scope{}, memory.Message{}, fmt.Errorf("guild id %q: %w", m.GuildID, err)
	}
	channelID, err := strconv.ParseInt(m.ChannelID, 10, 64)
	if err != nil {
		return memory.Scope{}, memory.Message{}, fmt.Errorf("channel id %q: %w", m.ChannelID, err)
	}
	messageID, err := strconv.ParseInt(m.ID, 10, 64)
	if err != nil {
		return memory.Scope{}, memory.Message{}, fmt.Errorf("message id %q: %w", m.ID, err)
	}
	userID, _ := strconv.ParseInt(m.Author.ID, 10, 64)

	scope := memory.Scope{GuildID: guildID, ChannelID: channelID}
	name := m.Author.Username
	if m.Member != nil && m.Member.Nick != "" {
		name = m.Member.Nick
	}
	return scope, memory.Message{
		ID:        messageID,
		Scope:     scope,
		UserID:    userID,
		UserName:  name,
		Content:   m.Content,
		IsBot:     m.Author.Bot,
		CreatedAt: m.Timestamp,
	}, nil
}

// replyMessage builds the memory record for the bot's own reply.
func (d *Discord) replyMessage(scope memory.Scope, sent *discordgo.Message, content string) (memory.Message, error) {
	messageID, err := strconv.ParseInt(sent.ID, 10, 64)
	if err != nil {
		return memory.Message{}, err
	}
	botID, _ := strconv.ParseInt(d.botUserID, 10, 64)
	name := "bot"
	if d.session != nil && d.session.State.User != nil {
		name = d.session.State.User.Username
	}
	return memory.Message{
		ID:        messageID,
		Scope:     scope,
		UserID:    botID,
		UserName:  name,
		Content:   content,
		IsBot:     true,
		CreatedAt: sent.Timestamp,
	}, nil
}

func contains(list []string, v string) bool {
	for _, item := range list {
		if item == v {
			return true
		}
	}
	return false
}
