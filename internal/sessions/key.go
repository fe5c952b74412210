// Package sessions builds and parses conversation keys and resolves conversations.
//
// Conversation keys name the (platform, user, channel, thread) tuple a
// conversation is unique on:
//
//	platform:{platform}:user:{userId}:channel:{channel}
//	platform:{platform}:user:{userId}:channel:{channel}:thread:{thread}
//
// Examples:
//
//	platform:telegram:user:0190f3c2-...:channel:386246614
//	platform:telegram:user:0190f3c2-...:channel:-100123456:thread:99
//	platform:discord:user:0190f3c2-...:channel:112233445566:thread:998877
//
// Channel and thread markers are query-escaped so markers containing ':'
// survive a round trip.
package sessions

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/google/uuid"

	"github.com/nextlevelbuilder/convlink/internal/store"
)

// PeerKind distinguishes DM from group conversations.
type PeerKind string

const (
	PeerDirect PeerKind = "direct"
	PeerGroup  PeerKind = "group"
)

// PeerKindFromGroup returns PeerGroup if isGroup is true, PeerDirect otherwise.
func PeerKindFromGroup(isGroup bool) PeerKind {
	if isGroup {
		return PeerGroup
	}
	return PeerDirect
}

// ConversationKey is the parsed form of a conversation key.
type ConversationKey struct {
	Platform store.Platform
	UserID   uuid.UUID
	Channel  string
	Thread   *string
}

// BuildConversationKey builds the canonical key for a conversation tuple.
func BuildConversationKey(platform store.Platform, userID uuid.UUID, channel string, thread *string) string {
	key := fmt.Sprintf("platform:%s:user:%s:channel:%s", platform, userID, url.QueryEscape(channel))
	if thread != nil {
		key += ":thread:" + url.QueryEscape(*thread)
	}
	return key
}

// String returns the canonical key.
func (k ConversationKey) String() string {
	return BuildConversationKey(k.Platform, k.UserID, k.Channel, k.Thread)
}

// ParseConversationKey is the inverse of BuildConversationKey.
// Returns an error for anything not in the expected format.
func ParseConversationKey(key string) (ConversationKey, error) {
	parts := strings.Split(key, ":")
	if len(parts) != 6 && len(parts) != 8 {
		return ConversationKey{}, fmt.Errorf("conversation key %q: wrong segment count", key)
	}
	if parts[0] != "platform" || parts[2] != "user" || parts[4] != "channel" {
		return ConversationKey{}, fmt.Errorf("conversation key %q: unexpected layout", key)
	}
	uid, err := uuid.Parse(parts[3])
	if err != nil {
		return ConversationKey{}, fmt.Errorf("conversation key %q: user id: %w", key, err)
	}
	channel, err := url.QueryUnescape(parts[5])
	if err != nil {
		return ConversationKey{}, fmt.Errorf("conversation key %q: channel: %w", key, err)
	}
	k := ConversationKey{Platform: store.Platform(parts[1]), UserID: uid, Channel: channel}
	if len(parts) == 8 {
		if parts[6] != "thread" {
			return ConversationKey{}, fmt.Errorf("conversation key %q: unexpected layout", key)
		}
		thread, err := url.QueryUnescape(parts[7])
		if err != nil {
			return ConversationKey{}, fmt.Errorf("conversation key %q: thread: %w", key, err)
		}
		k.Thread = &thread
	}
	return k, nil
}

// IsThreadedKey reports whether key names a threaded conversation.
func IsThreadedKey(key string) bool {
	return strings.Contains(key, ":thread:")
}
