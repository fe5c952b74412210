package store

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Stores is the top-level container for all storage backends.
// Postgres backs managed mode; the in-memory backend serves standalone mode and tests.
type Stores struct {
	Users         UserStore
	Conversations ConversationStore
	Messages      MessageStore
	Reactions     ReactionStore
	Invariants    InvariantChecker
	Tx            Transactor
}

// Transactor runs fn against a Stores bound to a single transaction.
// fn returning an error rolls everything back.
type Transactor interface {
	WithinTx(ctx context.Context, fn func(tx *Stores) error) error
}

// UserStore persists users. UpsertUser is a single atomic merge:
// it creates on first sight and merges non-empty attributes afterwards.
type UserStore interface {
	UpsertUser(ctx context.Context, u *UserData) (*UserData, error)
	GetUser(ctx context.Context, id uuid.UUID) (*UserData, error)
}

// ConversationLookup selects non-threaded conversation candidates.
// ActiveSince zero means no staleness bound.
type ConversationLookup struct {
	Platform    Platform
	UserID      uuid.UUID
	Channel     string
	ActiveSince time.Time
}

// ConversationStore persists conversations.
type ConversationStore interface {
	// UpsertThreadedConversation creates the conversation for a non-nil thread or
	// returns the existing one, refreshing last_activity_at. created reports an insert.
	UpsertThreadedConversation(ctx context.Context, c *ConversationData) (conv *ConversationData, created bool, err error)
	// FindNonThreadedConversations returns active non-threaded candidates, most recently active first.
	FindNonThreadedConversations(ctx context.Context, lookup ConversationLookup) ([]ConversationData, error)
	CreateConversation(ctx context.Context, c *ConversationData) error
	TouchConversation(ctx context.Context, id uuid.UUID, at time.Time) (*ConversationData, error)
	GetConversation(ctx context.Context, id uuid.UUID) (*ConversationData, error)
	SetConversationStatus(ctx context.Context, id uuid.UUID, status ConversationStatus) error
	MergeConversationMetadata(ctx context.Context, id uuid.UUID, md Metadata) error
}

// MessageStore persists queries and responses. Inserts bump the owning
// conversation's message_count and last_activity_at in the same atomic step.
type MessageStore interface {
	// InsertQuery returns the existing row (created=false) when the external
	// message id is already known in the conversation.
	InsertQuery(ctx context.Context, q *QueryData) (query *QueryData, created bool, err error)
	// InsertResponse fails with ErrConstraintViolation unless QueryID names a
	// query of the same conversation. Idempotent on external message id.
	InsertResponse(ctx context.Context, r *ResponseData) (resp *ResponseData, created bool, err error)
	GetQuery(ctx context.Context, id uuid.UUID) (*QueryData, error)
	SetQueryStatus(ctx context.Context, id uuid.UUID, status DeliveryStatus) error
	// ListQueries / ListResponses return rows in creation order. limit > 0 keeps the most recent limit rows.
	ListQueries(ctx context.Context, conversationID uuid.UUID, limit int) ([]QueryData, error)
	ListResponses(ctx context.Context, conversationID uuid.UUID, limit int) ([]ResponseData, error)
	// FindResponseByExternalID resolves a platform message id within (platform, channel).
	FindResponseByExternalID(ctx context.Context, platform Platform, channel, externalID string) (*ResponseData, error)
}

// ReactionStore persists reactions.
type ReactionStore interface {
	// AddReaction inserts an active reaction unless one is already active for the key
	// (returned with created=false) or a removal newer than r.CreatedAt is recorded
	// (returns the removed row, created=false).
	AddReaction(ctx context.Context, r *ReactionData) (reaction *ReactionData, created bool, err error)
	// RemoveReaction marks the most recent active reaction for key as removed at `at`
	// (removed=true). With nothing active it records a tombstone row
	// (created_at = removed_at = at) so an add older than the removal that
	// arrives later stays removed. Returns ErrNotFound when a removal at or
	// after `at` is already recorded.
	RemoveReaction(ctx context.Context, key ReactionKey, at time.Time) (reaction *ReactionData, removed bool, err error)
	CountActiveReactions(ctx context.Context, responseID uuid.UUID) (int, error)
	ListReactions(ctx context.Context, responseID uuid.UUID) ([]ReactionData, error)
}

// InvariantChecker re-checks the data-model invariants across the whole store.
type InvariantChecker interface {
	CheckInvariants(ctx context.Context) ([]Violation, error)
}

// StoreConfig selects and configures a backend.
type StoreConfig struct {
	PostgresDSN  string
	MaxOpenConns int
	MaxIdleConns int
}
