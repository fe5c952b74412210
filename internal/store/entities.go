package store

import (
	"time"

	"github.com/google/uuid"
)

// UserData is the stable internal identity behind a (platform, platform user id) pair.
type UserData struct {
	BaseModel
	Platform       Platform  `json:"platform"`
	PlatformUserID string    `json:"platform_user_id"`
	DisplayName    string    `json:"display_name,omitempty"`
	Username       string    `json:"username,omitempty"`
	Locale         string    `json:"locale,omitempty"`
	Metadata       Metadata  `json:"metadata"`
	LastSeenAt     time.Time `json:"last_seen_at"`
}

// ConversationStatus is changed only by explicit commands.
type ConversationStatus string

const (
	ConversationActive   ConversationStatus = "active"
	ConversationArchived ConversationStatus = "archived"
	ConversationDeleted  ConversationStatus = "deleted"
)

// Valid reports whether s is one of the known statuses.
func (s ConversationStatus) Valid() bool {
	switch s {
	case ConversationActive, ConversationArchived, ConversationDeleted:
		return true
	}
	return false
}

// ConversationData groups the queries and responses of one user in one channel (and thread).
type ConversationData struct {
	BaseModel
	UserID         uuid.UUID          `json:"user_id"`
	Platform       Platform           `json:"platform"`
	Channel        string             `json:"channel"`
	Thread         *string            `json:"thread,omitempty"` // nil = non-threaded
	Status         ConversationStatus `json:"status"`
	MessageCount   int                `json:"message_count"`
	LastActivityAt time.Time          `json:"last_activity_at"`
	Metadata       Metadata           `json:"metadata"`
}

// ThreadKey returns the thread marker or "" when non-threaded.
func (c *ConversationData) ThreadKey() string {
	if c.Thread == nil {
		return ""
	}
	return *c.Thread
}

// DeliveryStatus tracks what happened to the reply of a query.
type DeliveryStatus string

const (
	DeliveryReceived DeliveryStatus = "received"
	DeliveryAnswered DeliveryStatus = "answered"
	DeliveryFailed   DeliveryStatus = "failed"
)

// QueryData is a normalized inbound user message.
type QueryData struct {
	BaseModel
	ConversationID    uuid.UUID      `json:"conversation_id"`
	UserID            uuid.UUID      `json:"user_id"`
	Content           string         `json:"content"`
	ExternalMessageID *string        `json:"external_message_id,omitempty"`
	Metadata          Metadata       `json:"metadata"`
	DeliveryStatus    DeliveryStatus `json:"delivery_status"`
}

// IsPlaceholder reports whether the query was synthesized during backfill.
func (q *QueryData) IsPlaceholder() bool {
	return q.Metadata.SystemFlag(MetaPlaceholder)
}

// GenerationMeta describes how a response was produced.
type GenerationMeta struct {
	Model            string `json:"model,omitempty"`
	PromptTokens     int    `json:"prompt_tokens,omitempty"`
	CompletionTokens int    `json:"completion_tokens,omitempty"`
	LatencyMS        int64  `json:"latency_ms,omitempty"`
}

// ErrorInfo records why a response attempt failed.
type ErrorInfo struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

// Error kinds stored on failed responses.
const (
	ErrorKindTransientIO = "transient_io"
	ErrorKindTimeout     = "timeout"
	ErrorKindLegacy      = "legacy"
)

// ResponseData is a normalized outbound reply. QueryID is mandatory.
type ResponseData struct {
	BaseModel
	QueryID           uuid.UUID      `json:"query_id"`
	ConversationID    uuid.UUID      `json:"conversation_id"`
	Content           string         `json:"content"`
	ExternalMessageID *string        `json:"external_message_id,omitempty"`
	Generation        GenerationMeta `json:"generation"`
	Error             *ErrorInfo     `json:"error,omitempty"`
	Metadata          Metadata       `json:"metadata"`
}

// ReactionData is a label a user put on a response. RemovedAt nil = active.
type ReactionData struct {
	BaseModel
	ResponseID uuid.UUID  `json:"response_id"`
	UserID     uuid.UUID  `json:"user_id"`
	Label      string     `json:"label"`
	Glyph      string     `json:"glyph,omitempty"`
	RemovedAt  *time.Time `json:"removed_at,omitempty"`
}

// Active reports whether the reaction has not been removed.
func (r *ReactionData) Active() bool { return r.RemovedAt == nil }

// ReactionKey identifies the (response, user, label) tuple reactions are unique on.
type ReactionKey struct {
	ResponseID uuid.UUID
	UserID     uuid.UUID
	Label      string
}

// StringPtr returns nil for "" and a pointer otherwise.
func StringPtr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

// Deref returns "" for nil.
func Deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
