package bus

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/nextlevelbuilder/convlink/internal/store"
)

// EventType discriminates inbound events.
type EventType string

const (
	EventMessage        EventType = "message"
	EventReactionAdd    EventType = "reaction_add"
	EventReactionRemove EventType = "reaction_remove"
)

// InboundEvent is the normalized envelope channel adapters publish for every
// platform update (Telegram, Discord, etc.).
type InboundEvent struct {
	Type              EventType      `json:"event_type"`
	EventID           string         `json:"event_id,omitempty"` // platform delivery id, if any
	Platform          store.Platform `json:"platform"`
	ExternalUserID    string         `json:"external_user_id"`
	Channel           string         `json:"channel"`
	Thread            *string        `json:"thread,omitempty"`
	ExternalMessageID string         `json:"external_message_id,omitempty"`
	Text              string         `json:"text,omitempty"`
	ReactionLabel     string         `json:"reaction_label,omitempty"`
	ReactionGlyph     string         `json:"reaction_glyph,omitempty"`
	DisplayName       string         `json:"display_name,omitempty"`
	Username          string         `json:"username,omitempty"`
	Locale            string         `json:"locale,omitempty"`
	OccurredAt        time.Time      `json:"occurred_at"`
	Metadata          store.Metadata `json:"metadata"`
}

// Validate rejects envelopes the pipeline cannot process.
func (e *InboundEvent) Validate() error {
	if !store.IsKnownPlatform(e.Platform) {
		return fmt.Errorf("unknown platform %q: %w", e.Platform, store.ErrConstraintViolation)
	}
	if e.ExternalUserID == "" || e.Channel == "" {
		return fmt.Errorf("external user id and channel required: %w", store.ErrConstraintViolation)
	}
	if e.Thread != nil && *e.Thread == "" {
		return fmt.Errorf("empty thread marker: %w", store.ErrConstraintViolation)
	}
	switch e.Type {
	case EventMessage:
		if e.ExternalMessageID == "" && e.EventID == "" {
			return fmt.Errorf("message without external message id or event id: %w", store.ErrConstraintViolation)
		}
	case EventReactionAdd, EventReactionRemove:
		if e.ExternalMessageID == "" || e.ReactionLabel == "" {
			return fmt.Errorf("reaction needs target message id and label: %w", store.ErrConstraintViolation)
		}
	default:
		return fmt.Errorf("unknown event type %q: %w", e.Type, store.ErrConstraintViolation)
	}
	// System keys (placeholder, link strategy, ...) are written only by this module.
	if len(e.Metadata.System) > 0 {
		return fmt.Errorf("inbound event sets system metadata: %w", store.ErrConstraintViolation)
	}
	return e.Metadata.Validate()
}

// UserKey identifies the sender before identity resolution.
func (e *InboundEvent) UserKey() string {
	return string(e.Platform) + ":" + e.ExternalUserID
}

// Fingerprint is the dedup key: (user key, event id, event type).
// Platforms without delivery ids fall back to the message id; reactions also
// carry label and event time so a genuine re-add is not mistaken for a retry.
func (e *InboundEvent) Fingerprint() string {
	id := e.EventID
	if id == "" {
		id = e.ExternalMessageID
		if e.Type != EventMessage {
			id += "/" + e.ReactionLabel + "@" + strconv.FormatInt(e.OccurredAt.UnixNano(), 10)
		}
	}
	return e.UserKey() + "|" + id + "|" + string(e.Type)
}

// EventHandler processes one inbound event.
type EventHandler func(ctx context.Context, ev InboundEvent) error

// EventRouter abstracts the inbound queue between channel adapters and the consumer.
type EventRouter interface {
	PublishInbound(ev InboundEvent)
	ConsumeInbound(ctx context.Context) (InboundEvent, bool)
}
