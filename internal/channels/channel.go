// Package channels provides the chat platform abstraction layer.
// Channels connect external platforms (Telegram, Discord) to the ingest
// pipeline: inbound updates are normalized into bus.InboundEvent envelopes,
// and the pipeline talks back through the Platform capabilities.
//
// Access control follows the DM/Group policy model:
// - open (default): accept everyone
// - allowlist: only senders in allow_from
// - disabled: reject
package channels

import (
	"context"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"github.com/mattn/go-runewidth"

	"github.com/nextlevelbuilder/convlink/internal/bus"
	"github.com/nextlevelbuilder/convlink/internal/identity"
	"github.com/nextlevelbuilder/convlink/internal/sessions"
	"github.com/nextlevelbuilder/convlink/internal/store"
)

// DMPolicy controls how DMs from unknown senders are handled.
type DMPolicy string

const (
	DMPolicyAllowlist DMPolicy = "allowlist" // Only whitelisted senders
	DMPolicyOpen      DMPolicy = "open"      // Accept all
	DMPolicyDisabled  DMPolicy = "disabled"  // Reject all DMs
)

// GroupPolicy controls how group messages are handled.
type GroupPolicy string

const (
	GroupPolicyOpen      GroupPolicy = "open"      // Accept all groups
	GroupPolicyAllowlist GroupPolicy = "allowlist" // Only whitelisted senders
	GroupPolicyDisabled  GroupPolicy = "disabled"  // No group messages
)

// Platform is the set of chat platform capabilities the ingest pipeline
// consumes. thread is the platform thread marker (forum topic, Discord
// thread) or nil for the channel itself.
type Platform interface {
	// SendText posts text and returns the platform's id for the new message.
	SendText(ctx context.Context, channel string, thread *string, text string) (string, error)

	// UpdateText replaces the text of a message previously sent by the bot.
	// Returns false when the platform reports nothing changed.
	UpdateText(ctx context.Context, channel string, thread *string, externalMessageID, text string) (bool, error)

	// FetchUserProfile looks up display attributes for a platform user.
	FetchUserProfile(ctx context.Context, externalUserID string) (identity.Profile, error)
}

// Channel is a running platform adapter.
type Channel interface {
	Platform

	// Name returns the platform the channel serves.
	Name() store.Platform

	// Start begins listening for updates. Non-blocking after setup.
	Start(ctx context.Context) error

	// Stop gracefully shuts down the channel.
	Stop(ctx context.Context) error

	// IsRunning returns whether the channel is actively processing updates.
	IsRunning() bool

	// IsAllowed checks if a sender is permitted by the channel's allowlist.
	IsAllowed(senderID string) bool
}

// BaseChannel provides shared functionality for all channel implementations.
// Channel implementations should embed this struct.
type BaseChannel struct {
	name      store.Platform
	router    bus.EventRouter
	running   atomic.Bool
	allowList []string
}

// NewBaseChannel creates a new BaseChannel with the given parameters.
func NewBaseChannel(name store.Platform, router bus.EventRouter, allowList []string) *BaseChannel {
	return &BaseChannel{
		name:      name,
		router:    router,
		allowList: allowList,
	}
}

// Name returns the channel's platform.
func (c *BaseChannel) Name() store.Platform { return c.name }

// IsRunning returns whether the channel is running.
func (c *BaseChannel) IsRunning() bool { return c.running.Load() }

// SetRunning updates the running state.
func (c *BaseChannel) SetRunning(running bool) { c.running.Store(running) }

// HasAllowList returns true if an allowlist is configured (non-empty).
func (c *BaseChannel) HasAllowList() bool { return len(c.allowList) > 0 }

// IsAllowed checks if a sender is permitted by the allowlist.
// Supports compound senderID format: "123456|username".
// Empty allowlist means all senders are allowed.
func (c *BaseChannel) IsAllowed(senderID string) bool {
	if len(c.allowList) == 0 {
		return true
	}

	idPart, userPart := senderID, ""
	if idx := strings.Index(senderID, "|"); idx > 0 {
		idPart = senderID[:idx]
		userPart = senderID[idx+1:]
	}

	for _, allowed := range c.allowList {
		trimmed := strings.TrimPrefix(allowed, "@")
		if idPart == trimmed || senderID == trimmed {
			return true
		}
		if userPart != "" && strings.EqualFold(userPart, trimmed) {
			return true
		}
	}
	return false
}

// CheckPolicy evaluates DM/Group policy for a sender.
// Returns true if the update should be accepted.
func (c *BaseChannel) CheckPolicy(peer sessions.PeerKind, dmPolicy, groupPolicy, senderID string) bool {
	policy := dmPolicy
	if peer == sessions.PeerGroup {
		policy = groupPolicy
	}
	switch policy {
	case string(DMPolicyDisabled):
		return false
	case string(DMPolicyAllowlist):
		return c.IsAllowed(senderID)
	default: // "open"
		return true
	}
}

// Publish stamps the channel's platform onto ev and hands it to the bus.
func (c *BaseChannel) Publish(ev bus.InboundEvent) {
	ev.Platform = c.name
	if ev.OccurredAt.IsZero() {
		ev.OccurredAt = time.Now().UTC()
	}
	slog.Debug("inbound event",
		"platform", ev.Platform,
		"type", ev.Type,
		"channel", ev.Channel,
		"thread", store.Deref(ev.Thread),
		"message_id", ev.ExternalMessageID,
		"preview", Truncate(ev.Text, 60),
	)
	c.router.PublishInbound(ev)
}

// Truncate shortens s to maxWidth display cells, appending "..." if truncated.
func Truncate(s string, maxWidth int) string {
	if maxWidth <= 0 || runewidth.StringWidth(s) <= maxWidth {
		return s
	}
	return runewidth.Truncate(s, maxWidth, "...")
}

var reactionLabels = map[string]string{
	"👍":  "thumbs_up",
	"👎":  "thumbs_down",
	"❤":  "heart",
	"❤️": "heart",
	"🔥":  "fire",
	"🎉":  "tada",
	"😂":  "joy",
	"😢":  "cry",
	"🤔":  "thinking",
	"👀":  "eyes",
	"🙏":  "pray",
	"💯":  "hundred",
}

// ReactionLabel maps a reaction glyph to the platform-neutral label reactions
// are keyed on. Unknown glyphs are their own label.
func ReactionLabel(glyph string) string {
	if label, ok := reactionLabels[glyph]; ok {
		return label
	}
	return glyph
}
