package discord

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"unicode/utf8"

	"github.com/bwmarrin/discordgo"

	"github.com/nextlevelbuilder/galileo/internal/bus"
	"github.com/nextlevelbuilder/galileo/internal/channels"
)

// maxMessageLen is Discord's per-message character limit.
const maxMessageLen = 2000

// maxHistoryPage is the largest page the message history endpoint returns.
const maxHistoryPage = 100

// Channel connects to Discord via the Bot API using gateway events.
// It implements channels.Chat.
type Channel struct {
	session   *discordgo.Session
	botUserID string // populated on start
	events    chan bus.Message
	connected chan struct{} // closed once the gateway is open
	stopped   chan struct{}
	stopOnce  sync.Once
	guilds    sync.Map // channelID string → guildID string
}

var _ channels.Chat = (*Channel)(nil)

// New creates a new Discord channel. eventBuffer bounds message events
// waiting to be read from Events.
func New(token string, eventBuffer int) (*Channel, error) {
	session, err := discordgo.New("Bot " + token)
	if err != nil {
		return nil, fmt.Errorf("create discord session: %w", err)
	}

	// Request necessary intents
	session.Identify.Intents = discordgo.IntentsGuildMessages |
		discordgo.IntentsDirectMessages |
		discordgo.IntentsMessageContent

	if eventBuffer < 1 {
		eventBuffer = 1
	}
	return &Channel{
		session:   session,
		events:    make(chan bus.Message, eventBuffer),
		connected: make(chan struct{}),
		stopped:   make(chan struct{}),
	}, nil
}

// Events yields incoming messages from other users.
func (c *Channel) Events() <-chan bus.Message { return c.events }

// Start opens the Discord gateway connection and begins receiving events.
func (c *Channel) Start(_ context.Context) error {
	slog.Info("starting discord bot")

	c.session.AddHandler(c.handleMessage)

	if err := c.session.Open(); err != nil {
		return fmt.Errorf("open discord session: %w", err)
	}

	// Fetch bot identity
	user, err := c.session.User("@me")
	if err != nil {
		c.session.Close()
		return fmt.Errorf("fetch discord bot identity: %w", err)
	}
	c.botUserID = user.ID
	close(c.connected)

	slog.Info("discord bot connected", "username", user.Username, "id", user.ID)
	return nil
}

// Connected is closed once live events are being received.
func (c *Channel) Connected() <-chan struct{} { return c.connected }

// Stop closes the Discord gateway connection.
func (c *Channel) Stop(_ context.Context) error {
	slog.Info("stopping discord bot")
	c.stopOnce.Do(func() { close(c.stopped) })
	return c.session.Close()
}

// Run connects, then holds the connection open until ctx ends.
func (c *Channel) Run(ctx context.Context) error {
	if err := c.Start(ctx); err != nil {
		return err
	}
	<-ctx.Done()
	if err := c.Stop(context.Background()); err != nil {
		slog.Warn("discord close failed", "error", err)
	}
	return nil
}

// Reply posts text as a reply to msg, splitting it if over 2000 chars.
func (c *Channel) Reply(ctx context.Context, msg bus.Message, text string) error {
	if text == "" {
		return nil
	}
	ref := &discordgo.MessageReference{
		MessageID: msg.ID,
		ChannelID: msg.ChannelID,
		GuildID:   msg.GuildID,
	}

	first, rest := splitMessage(text)
	if _, err := c.session.ChannelMessageSendReply(msg.ChannelID, first, ref, discordgo.WithContext(ctx)); err != nil {
		return fmt.Errorf("send discord reply: %w", err)
	}
	return c.sendChunked(ctx, msg.ChannelID, rest)
}

// sendChunked sends a message, splitting into multiple messages if over 2000 chars.
func (c *Channel) sendChunked(ctx context.Context, channelID, content string) error {
	for len(content) > 0 {
		var chunk string
		chunk, content = splitMessage(content)
		if _, err := c.session.ChannelMessageSend(channelID, chunk, discordgo.WithContext(ctx)); err != nil {
			return fmt.Errorf("send discord message: %w", err)
		}
	}
	return nil
}

// AdminMentions returns role mentions for every role in the guild holding the
// administrator permission.
func (c *Channel) AdminMentions(ctx context.Context, guildID string) ([]string, error) {
	if guildID == "" {
		return nil, nil
	}
	roles, err := c.session.GuildRoles(guildID, discordgo.WithContext(ctx))
	if err != nil {
		return nil, fmt.Errorf("fetch guild roles: %w", err)
	}
	return adminMentions(roles), nil
}

// Message fetches one message by ID.
func (c *Channel) Message(ctx context.Context, channelID, messageID string) (bus.Message, error) {
	m, err := c.session.ChannelMessage(channelID, messageID, discordgo.WithContext(ctx))
	if err != nil {
		return bus.Message{}, fmt.Errorf("fetch discord message %s/%s: %w", channelID, messageID, err)
	}
	return c.convert(ctx, m), nil
}

// History returns up to limit messages posted after afterID, oldest first.
func (c *Channel) History(ctx context.Context, channelID, afterID string, limit int) ([]bus.Message, error) {
	if limit <= 0 || limit > maxHistoryPage {
		limit = maxHistoryPage
	}
	page, err := c.session.ChannelMessages(channelID, limit, "", afterID, "", discordgo.WithContext(ctx))
	if err != nil {
		return nil, fmt.Errorf("fetch discord history after %s: %w", afterID, err)
	}

	out := make([]bus.Message, 0, len(page))
	for _, m := range page {
		out = append(out, c.convert(ctx, m))
	}
	// Discord returns newest first; snowflakes sort by creation time.
	sort.Slice(out, func(i, j int) bool { return snowflakeLess(out[i].ID, out[j].ID) })
	return out, nil
}

// handleMessage processes incoming Discord messages.
func (c *Channel) handleMessage(_ *discordgo.Session, m *discordgo.MessageCreate) {
	// Ignore bot's own messages
	if m.Author == nil || m.Author.ID == c.botUserID {
		return
	}

	// Ignore bot messages
	if m.Author.Bot {
		return
	}

	msg := toBusMessage(m.Message)
	msg.AuthorName = resolveDisplayName(m.Message)
	if msg.GuildID != "" {
		c.guilds.Store(msg.ChannelID, msg.GuildID)
	}

	slog.Debug("discord message received",
		"user_id", msg.AuthorID,
		"channel_id", msg.ChannelID,
		"is_dm", msg.GuildID == "",
		"preview", channels.Truncate(msg.Content, 50),
	)

	select {
	case c.events <- msg:
	case <-c.stopped:
	}
}

// convert maps a fetched message, filling in the guild that REST responses omit.
func (c *Channel) convert(ctx context.Context, m *discordgo.Message) bus.Message {
	msg := toBusMessage(m)
	msg.AuthorName = resolveDisplayName(m)
	if msg.GuildID == "" {
		msg.GuildID = c.guildOf(ctx, msg.ChannelID)
	}
	return msg
}

func (c *Channel) guildOf(ctx context.Context, channelID string) string {
	if v, ok := c.guilds.Load(channelID); ok {
		return v.(string)
	}
	ch, err := c.session.Channel(channelID, discordgo.WithContext(ctx))
	if err != nil {
		slog.Debug("discord: channel lookup failed", "channel_id", channelID, "error", err)
		return ""
	}
	c.guilds.Store(channelID, ch.GuildID)
	return ch.GuildID
}

func toBusMessage(m *discordgo.Message) bus.Message {
	msg := bus.Message{
		ID:        m.ID,
		ChannelID: m.ChannelID,
		GuildID:   m.GuildID,
		Content:   m.Content,
		Timestamp: m.Timestamp,
	}
	if m.Author != nil {
		msg.AuthorID = m.Author.ID
		msg.AuthorBot = m.Author.Bot
	}
	return msg
}

func adminMentions(roles []*discordgo.Role) []string {
	var out []string
	for _, r := range roles {
		if r.Permissions&discordgo.PermissionAdministrator != 0 {
			out = append(out, r.Mention())
		}
	}
	return out
}

// resolveDisplayName returns the best available display name for a Discord message author.
// Priority: server nickname > global display name > username.
func resolveDisplayName(m *discordgo.Message) string {
	if m.Member != nil && m.Member.Nick != "" {
		return m.Member.Nick
	}
	if m.Author == nil {
		return ""
	}
	if m.Author.GlobalName != "" {
		return m.Author.GlobalName
	}
	return m.Author.Username
}

// splitMessage cuts content at maxMessageLen, preferring a newline in the second half.
func splitMessage(content string) (chunk, rest string) {
	if len(content) <= maxMessageLen {
		return content, ""
	}
	cutAt := maxMessageLen
	if idx := lastIndexByte(content[:maxMessageLen], '\n'); idx > maxMessageLen/2 {
		cutAt = idx + 1
	}
	// Never split a multi-byte rune.
	for cutAt > 0 && !utf8.RuneStart(content[cutAt]) {
		cutAt--
	}
	return content[:cutAt], content[cutAt:]
}

// snowflakeLess orders Discord IDs numerically.
func snowflakeLess(a, b string) bool {
	if len(a) != len(b) {
		return len(a) < len(b)
	}
	return a < b
}

// lastIndexByte returns the last index of byte c in s, or -1.
func lastIndexByte(s string, c byte) int {
	for i := len(s) - 1; i >= 0; i-- {
		if s[i] == c {
			return i
		}
	}
	return -1
}
