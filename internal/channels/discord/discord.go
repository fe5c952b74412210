package discord

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"unicode/utf8"

	"github.com/bwmarrin/discordgo"

	"github.com/nextlevelbuilder/convlink/internal/bus"
	"github.com/nextlevelbuilder/convlink/internal/channels"
	"github.com/nextlevelbuilder/convlink/internal/config"
	"github.com/nextlevelbuilder/convlink/internal/identity"
	"github.com/nextlevelbuilder/convlink/internal/sessions"
	"github.com/nextlevelbuilder/convlink/internal/store"
)

// maxMessageLen is Discord's limit for one message.
const maxMessageLen = 2000

// Channel connects to Discord via the Bot API using gateway events.
type Channel struct {
	*channels.BaseChannel
	session   *discordgo.Session
	config    config.DiscordConfig
	botUserID string // populated on start
}

// New creates a new Discord channel from config.
func New(cfg config.DiscordConfig, router bus.EventRouter) (*Channel, error) {
	session, err := discordgo.New("Bot " + cfg.Token)
	if err != nil {
		return nil, fmt.Errorf("create discord session: %w", err)
	}

	// Guilds keeps thread channels in the state cache for parent lookups.
	session.Identify.Intents = discordgo.IntentsGuilds |
		discordgo.IntentsGuildMessages |
		discordgo.IntentsDirectMessages |
		discordgo.IntentsMessageContent |
		discordgo.IntentsGuildMessageReactions |
		discordgo.IntentsDirectMessageReactions

	return &Channel{
		BaseChannel: channels.NewBaseChannel(store.PlatformDiscord, router, cfg.AllowFrom),
		session:     session,
		config:      cfg,
	}, nil
}

// Start opens the Discord gateway connection and begins receiving events.
func (c *Channel) Start(_ context.Context) error {
	slog.Info("starting discord bot")

	c.session.AddHandler(c.handleMessage)
	c.session.AddHandler(c.handleReactionAdd)
	c.session.AddHandler(c.handleReactionRemove)

	if err := c.session.Open(); err != nil {
		return fmt.Errorf("open discord session: %w", err)
	}

	user, err := c.session.User("@me")
	if err != nil {
		c.session.Close()
		return fmt.Errorf("fetch discord bot identity: %w", err)
	}
	c.botUserID = user.ID

	c.SetRunning(true)
	slog.Info("discord bot connected", "username", user.Username, "id", user.ID)
	return nil
}

// Stop closes the Discord gateway connection.
func (c *Channel) Stop(_ context.Context) error {
	slog.Info("stopping discord bot")
	c.SetRunning(false)
	return c.session.Close()
}

// SendText posts text to a channel or thread. Long text is split into
// several messages; the id of the first one is returned.
func (c *Channel) SendText(ctx context.Context, channel string, thread *string, text string) (string, error) {
	target := targetChannel(channel, thread)
	if target == "" {
		return "", fmt.Errorf("discord send: empty channel id: %w", store.ErrConstraintViolation)
	}

	var firstID string
	for _, chunk := range chunkText(text, maxMessageLen) {
		msg, err := c.session.ChannelMessageSend(target, chunk, discordgo.WithContext(ctx))
		if err != nil {
			return firstID, fmt.Errorf("send discord message: %w", transient(err))
		}
		if firstID == "" {
			firstID = msg.ID
		}
	}
	return firstID, nil
}

// UpdateText edits a message the bot sent earlier.
func (c *Channel) UpdateText(ctx context.Context, channel string, thread *string, externalMessageID, text string) (bool, error) {
	target := targetChannel(channel, thread)
	_, err := c.session.ChannelMessageEdit(target, externalMessageID, channels.Truncate(text, maxMessageLen), discordgo.WithContext(ctx))
	if err != nil {
		return false, fmt.Errorf("edit discord message: %w", transient(err))
	}
	return true, nil
}

// FetchUserProfile looks up a Discord user.
func (c *Channel) FetchUserProfile(ctx context.Context, externalUserID string) (identity.Profile, error) {
	u, err := c.session.User(externalUserID, discordgo.WithContext(ctx))
	if err != nil {
		return identity.Profile{}, fmt.Errorf("discord profile: %w", transient(err))
	}
	name := u.GlobalName
	if name == "" {
		name = u.Username
	}
	return identity.Profile{DisplayName: name, Username: u.Username, Locale: u.Locale}, nil
}

// handleMessage normalizes incoming Discord messages.
func (c *Channel) handleMessage(_ *discordgo.Session, m *discordgo.MessageCreate) {
	// Ignore the bot itself and other bots
	if m.Author == nil || m.Author.ID == c.botUserID || m.Author.Bot {
		return
	}

	senderID := m.Author.ID
	isDM := m.GuildID == ""
	if !c.CheckPolicy(sessions.PeerKindFromGroup(!isDM), c.config.DMPolicy, c.config.GroupPolicy, senderID) {
		slog.Debug("discord message rejected by policy", "user_id", senderID, "username", m.Author.Username, "is_dm", isDM)
		return
	}

	content := m.Content
	for _, att := range m.Attachments {
		if content != "" {
			content += "\n"
		}
		content += fmt.Sprintf("[attachment: %s]", att.URL)
	}
	if content == "" {
		return
	}

	channel, thread := c.resolveChannel(m.ChannelID)

	var md store.Metadata
	if m.GuildID != "" {
		md.SetPlatform(store.PlatformDiscord, "guild_id", m.GuildID)
	}
	if m.MessageReference != nil && m.MessageReference.MessageID != "" {
		md.SetPlatform(store.PlatformDiscord, "reply_to", m.MessageReference.MessageID)
	}

	c.Publish(bus.InboundEvent{
		Type:              bus.EventMessage,
		ExternalUserID:    senderID,
		Channel:           channel,
		Thread:            thread,
		ExternalMessageID: m.ID,
		Text:              content,
		DisplayName:       resolveDisplayName(m),
		Username:          m.Author.Username,
		Locale:            m.Author.Locale,
		OccurredAt:        m.Timestamp.UTC(),
		Metadata:          md,
	})
}

func (c *Channel) handleReactionAdd(_ *discordgo.Session, r *discordgo.MessageReactionAdd) {
	c.handleReaction(bus.EventReactionAdd, r.MessageReaction)
}

func (c *Channel) handleReactionRemove(_ *discordgo.Session, r *discordgo.MessageReactionRemove) {
	c.handleReaction(bus.EventReactionRemove, r.MessageReaction)
}

func (c *Channel) handleReaction(t bus.EventType, r *discordgo.MessageReaction) {
	if r == nil || r.UserID == "" || r.UserID == c.botUserID {
		return
	}
	isDM := r.GuildID == ""
	if !c.CheckPolicy(sessions.PeerKindFromGroup(!isDM), c.config.DMPolicy, c.config.GroupPolicy, r.UserID) {
		return
	}
	label, glyph := reactionLabel(r.Emoji)
	if label == "" {
		return
	}
	// Reactions are scoped to the parent channel, as the reply was recorded.
	channel, _ := c.resolveChannel(r.ChannelID)
	c.Publish(bus.InboundEvent{
		Type:              t,
		ExternalUserID:    r.UserID,
		Channel:           channel,
		ExternalMessageID: r.MessageID,
		ReactionLabel:     label,
		ReactionGlyph:     glyph,
	})
}

// resolveChannel maps a Discord channel id to (channel, thread): messages in
// a thread belong to the parent channel with the thread id as marker.
func (c *Channel) resolveChannel(channelID string) (string, *string) {
	ch, err := c.session.State.Channel(channelID)
	if err != nil {
		ch, err = c.session.Channel(channelID)
		if err != nil {
			slog.Debug("discord channel lookup failed", "channel_id", channelID, "error", err)
			return channelID, nil
		}
	}
	return splitThread(ch)
}

func splitThread(ch *discordgo.Channel) (string, *string) {
	if ch.IsThread() && ch.ParentID != "" {
		return ch.ParentID, store.StringPtr(ch.ID)
	}
	return ch.ID, nil
}

// targetChannel is the channel id API calls go to: the thread when present.
func targetChannel(channel string, thread *string) string {
	if thread != nil && *thread != "" {
		return *thread
	}
	return channel
}

// reactionLabel returns the label and glyph for a reaction emoji.
// Custom guild emoji have no unicode glyph.
func reactionLabel(e discordgo.Emoji) (label, glyph string) {
	if e.ID != "" {
		return "custom:" + e.Name, ""
	}
	if e.Name == "" {
		return "", ""
	}
	return channels.ReactionLabel(e.Name), e.Name
}

// resolveDisplayName returns the best available display name for a Discord message author.
// Priority: server nickname > global display name > username.
func resolveDisplayName(m *discordgo.MessageCreate) string {
	if m.Member != nil && m.Member.Nick != "" {
		return m.Member.Nick
	}
	if m.Author.GlobalName != "" {
		return m.Author.GlobalName
	}
	return m.Author.Username
}

// chunkText splits content into pieces of at most maxLen bytes, breaking at
// a newline in the second half of a chunk when possible and never inside a rune.
func chunkText(content string, maxLen int) []string {
	var chunks []string
	for len(content) > 0 {
		if len(content) <= maxLen {
			chunks = append(chunks, content)
			break
		}
		cutAt := maxLen
		if idx := strings.LastIndexByte(content[:maxLen], '\n'); idx > maxLen/2 {
			cutAt = idx + 1
		}
		for cutAt > 0 && !utf8.RuneStart(content[cutAt]) {
			cutAt--
		}
		chunks = append(chunks, content[:cutAt])
		content = content[cutAt:]
	}
	return chunks
}

// transient marks Discord API failures as retryable I/O errors.
func transient(err error) error {
	return fmt.Errorf("%w: %v", store.ErrTransientIO, err)
}
