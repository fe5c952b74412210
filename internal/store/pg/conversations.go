package pg

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/nextlevelbuilder/convlink/internal/store"
)

// PGConversationStore implements store.ConversationStore backed by Postgres.
type PGConversationStore struct {
	db dbtx
}

const conversationColumns = `id, user_id, platform, channel, thread, status, message_count, last_activity_at, metadata, created_at`

// UpsertThreadedConversation relies on uq_conversations_tuple. xmax = 0 on the
// returned row means it was inserted by this statement.
func (s *PGConversationStore) UpsertThreadedConversation(ctx context.Context, c *store.ConversationData) (*store.ConversationData, bool, error) {
	if c.Thread == nil {
		return nil, false, fmt.Errorf("upsert threaded conversation: thread required: %w", store.ErrConstraintViolation)
	}
	id := c.ID
	if id == uuid.Nil {
		id = store.GenNewID()
	}
	row := s.db.QueryRowContext(ctx,
		`INSERT INTO conversations (id, user_id, platform, channel, thread, status, message_count, last_activity_at, metadata, created_at)
		 VALUES ($1, $2, $3, $4, $5, 'active', 0, $6, $7, $8)
		 ON CONFLICT (platform, user_id, channel, thread) DO UPDATE SET
			last_activity_at = GREATEST(conversations.last_activity_at, EXCLUDED.last_activity_at)
		 RETURNING `+conversationColumns+`, (xmax = 0) AS created`,
		id, c.UserID, c.Platform, c.Channel, *c.Thread,
		orNow(c.LastActivityAt), c.Metadata, orNow(c.CreatedAt),
	)
	var created bool
	out, err := scanConversation(row, &created)
	if err != nil {
		return nil, false, mapErr("upsert threaded conversation", err)
	}
	return out, created, nil
}

func (s *PGConversationStore) FindNonThreadedConversations(ctx context.Context, l store.ConversationLookup) ([]store.ConversationData, error) {
	var since sql.NullTime
	if !l.ActiveSince.IsZero() {
		since = sql.NullTime{Time: l.ActiveSince, Valid: true}
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+conversationColumns+` FROM conversations
		 WHERE platform = $1 AND user_id = $2 AND channel = $3
		   AND thread IS NULL AND status = 'active'
		   AND ($4::timestamptz IS NULL OR last_activity_at >= $4)
		 ORDER BY last_activity_at DESC, id DESC`,
		l.Platform, l.UserID, l.Channel, since)
	if err != nil {
		return nil, mapErr("find conversations", err)
	}
	defer rows.Close()

	var out []store.ConversationData
	for rows.Next() {
		c, err := scanConversation(rows, nil)
		if err != nil {
			return nil, mapErr("scan conversation", err)
		}
		out = append(out, *c)
	}
	return out, rows.Err()
}

func (s *PGConversationStore) CreateConversation(ctx context.Context, c *store.ConversationData) error {
	if c.ID == uuid.Nil {
		c.ID = store.GenNewID()
	}
	if c.Status == "" {
		c.Status = store.ConversationActive
	}
	c.CreatedAt = orNow(c.CreatedAt)
	c.LastActivityAt = orNow(c.LastActivityAt)
	c.MessageCount = 0

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO conversations (id, user_id, platform, channel, thread, status, message_count, last_activity_at, metadata, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, 0, $7, $8, $9)`,
		c.ID, c.UserID, c.Platform, c.Channel, c.Thread, c.Status,
		c.LastActivityAt, c.Metadata, c.CreatedAt,
	)
	return mapErr("create conversation", err)
}

func (s *PGConversationStore) TouchConversation(ctx context.Context, id uuid.UUID, at time.Time) (*store.ConversationData, error) {
	row := s.db.QueryRowContext(ctx,
		`UPDATE conversations SET last_activity_at = GREATEST(last_activity_at, $2)
		 WHERE id = $1
		 RETURNING `+conversationColumns,
		id, orNow(at))
	out, err := scanConversation(row, nil)
	if err != nil {
		return nil, mapErr("touch conversation "+id.String(), err)
	}
	return out, nil
}

func (s *PGConversationStore) GetConversation(ctx context.Context, id uuid.UUID) (*store.ConversationData, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+conversationColumns+` FROM conversations WHERE id = $1`, id)
	out, err := scanConversation(row, nil)
	if err != nil {
		return nil, mapErr("get conversation "+id.String(), err)
	}
	return out, nil
}

func (s *PGConversationStore) SetConversationStatus(ctx context.Context, id uuid.UUID, status store.ConversationStatus) error {
	if !status.Valid() {
		return fmt.Errorf("conversation status %q: %w", status, store.ErrConstraintViolation)
	}
	res, err := s.db.ExecContext(ctx, `UPDATE conversations SET status = $2 WHERE id = $1`, id, status)
	if err != nil {
		return mapErr("set conversation status", err)
	}
	return requireAffected(res, "conversation "+id.String())
}

func (s *PGConversationStore) MergeConversationMetadata(ctx context.Context, id uuid.UUID, md store.Metadata) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE conversations SET metadata = merge_metadata(metadata, $2) WHERE id = $1`, id, md)
	if err != nil {
		return mapErr("merge conversation metadata", err)
	}
	return requireAffected(res, "conversation "+id.String())
}

// scanConversation reads conversationColumns, plus a trailing created flag when created != nil.
func scanConversation(row rowScanner, created *bool) (*store.ConversationData, error) {
	var c store.ConversationData
	var thread sql.NullString
	dest := []any{&c.ID, &c.UserID, &c.Platform, &c.Channel, &thread, &c.Status,
		&c.MessageCount, &c.LastActivityAt, &c.Metadata, &c.CreatedAt}
	if created != nil {
		dest = append(dest, created)
	}
	if err := row.Scan(dest...); err != nil {
		return nil, err
	}
	c.Thread = ptrStr(thread)
	return &c, nil
}

func requireAffected(res sql.Result, what string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%s: %w", what, store.ErrNotFound)
	}
	return nil
}
