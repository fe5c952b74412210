package telegram

import (
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/mymmrac/telego"

	"github.com/nextlevelbuilder/convlink/internal/bus"
	"github.com/nextlevelbuilder/convlink/internal/channels"
	"github.com/nextlevelbuilder/convlink/internal/sessions"
	"github.com/nextlevelbuilder/convlink/internal/store"
)

// handleMessage normalizes an incoming Telegram message into an inbound event.
func (c *Channel) handleMessage(update telego.Update) {
	message := update.Message
	user := message.From
	if user == nil || user.IsBot {
		return
	}

	content := messageText(message)
	if content == "" {
		// Service messages and media without caption carry nothing to answer.
		slog.Debug("telegram message without text skipped", "chat_id", message.Chat.ID, "message_id", message.MessageID)
		return
	}

	userID := strconv.FormatInt(user.ID, 10)
	senderID := userID
	if user.Username != "" {
		senderID = userID + "|" + user.Username
	}

	isGroup := message.Chat.Type == "group" || message.Chat.Type == "supergroup"
	if !c.CheckPolicy(sessions.PeerKindFromGroup(isGroup), c.config.DMPolicy, c.config.GroupPolicy, senderID) {
		slog.Debug("telegram message rejected by policy",
			"user_id", userID, "username", user.Username, "chat_id", message.Chat.ID, "is_group", isGroup,
		)
		return
	}

	var md store.Metadata
	md.SetPlatform(store.PlatformTelegram, "chat_type", string(message.Chat.Type))
	if message.ReplyToMessage != nil {
		md.SetPlatform(store.PlatformTelegram, "reply_to", strconv.Itoa(message.ReplyToMessage.MessageID))
	}

	c.Publish(bus.InboundEvent{
		Type:              bus.EventMessage,
		EventID:           strconv.Itoa(update.UpdateID),
		ExternalUserID:    userID,
		Channel:           strconv.FormatInt(message.Chat.ID, 10),
		Thread:            threadMarker(message.Chat, message.MessageThreadID),
		ExternalMessageID: strconv.Itoa(message.MessageID),
		Text:              content,
		DisplayName:       joinName(user.FirstName, user.LastName),
		Username:          user.Username,
		Locale:            user.LanguageCode,
		OccurredAt:        time.Unix(int64(message.Date), 0).UTC(),
		Metadata:          md,
	})
}

// handleReaction turns a message_reaction update (the full old and new
// reaction lists of one user on one message) into add/remove events.
func (c *Channel) handleReaction(update telego.Update) {
	r := update.MessageReaction
	if r.User == nil {
		// Anonymous group admins react as the chat; nobody to attribute it to.
		return
	}
	userID := strconv.FormatInt(r.User.ID, 10)
	senderID := userID
	if r.User.Username != "" {
		senderID = userID + "|" + r.User.Username
	}
	isGroup := r.Chat.Type == "group" || r.Chat.Type == "supergroup"
	if !c.CheckPolicy(sessions.PeerKindFromGroup(isGroup), c.config.DMPolicy, c.config.GroupPolicy, senderID) {
		return
	}

	added, removed := diffReactions(r.OldReaction, r.NewReaction)
	base := bus.InboundEvent{
		ExternalUserID:    userID,
		Channel:           strconv.FormatInt(r.Chat.ID, 10),
		ExternalMessageID: strconv.Itoa(r.MessageID),
		DisplayName:       joinName(r.User.FirstName, r.User.LastName),
		Username:          r.User.Username,
		Locale:            r.User.LanguageCode,
		OccurredAt:        time.Unix(int64(r.Date), 0).UTC(),
	}
	publish := func(t bus.EventType, rk reactionKey) {
		ev := base
		ev.Type = t
		// One update may carry several changes; each needs its own fingerprint.
		ev.EventID = fmt.Sprintf("%d/%s", update.UpdateID, rk.Label)
		ev.ReactionLabel = rk.Label
		ev.ReactionGlyph = rk.Glyph
		c.Publish(ev)
	}
	for _, rk := range removed {
		publish(bus.EventReactionRemove, rk)
	}
	for _, rk := range added {
		publish(bus.EventReactionAdd, rk)
	}
}

type reactionKey struct {
	Label string
	Glyph string
}

// diffReactions compares a user's reaction lists before and after an update.
func diffReactions(oldList, newList []telego.ReactionType) (added, removed []reactionKey) {
	before := reactionSet(oldList)
	after := reactionSet(newList)
	for _, rk := range orderedKeys(newList) {
		if _, ok := before[rk.Label]; !ok {
			added = append(added, rk)
		}
	}
	for _, rk := range orderedKeys(oldList) {
		if _, ok := after[rk.Label]; !ok {
			removed = append(removed, rk)
		}
	}
	return added, removed
}

func reactionSet(list []telego.ReactionType) map[string]struct{} {
	set := make(map[string]struct{}, len(list))
	for _, rk := range orderedKeys(list) {
		set[rk.Label] = struct{}{}
	}
	return set
}

func orderedKeys(list []telego.ReactionType) []reactionKey {
	keys := make([]reactionKey, 0, len(list))
	seen := make(map[string]bool, len(list))
	for _, rt := range list {
		rk, ok := toReactionKey(rt)
		if !ok || seen[rk.Label] {
			continue
		}
		seen[rk.Label] = true
		keys = append(keys, rk)
	}
	return keys
}

func toReactionKey(rt telego.ReactionType) (reactionKey, bool) {
	switch t := rt.(type) {
	case *telego.ReactionTypeEmoji:
		return reactionKey{Label: channels.ReactionLabel(t.Emoji), Glyph: t.Emoji}, true
	case *telego.ReactionTypeCustomEmoji:
		return reactionKey{Label: "custom:" + t.CustomEmojiID}, true
	default:
		slog.Debug("telegram reaction type skipped", "type", fmt.Sprintf("%T", rt))
		return reactionKey{}, false
	}
}

// threadMarker maps a forum topic to the conversation thread marker.
// Outside forum supergroups message_thread_id is reply context, not a topic.
// Forum messages without a topic id belong to the General topic.
func threadMarker(chat telego.Chat, messageThreadID int) *string {
	if chat.Type != "supergroup" || !chat.IsForum {
		return nil
	}
	if messageThreadID == 0 {
		messageThreadID = telegramGeneralTopicID
	}
	return store.StringPtr(strconv.Itoa(messageThreadID))
}

func messageText(m *telego.Message) string {
	switch {
	case m.Text != "" && m.Caption != "":
		return m.Text + "\n" + m.Caption
	case m.Text != "":
		return m.Text
	default:
		return m.Caption
	}
}
