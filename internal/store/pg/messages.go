package pg

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/nextlevelbuilder/convlink/internal/store"
)

// PGMessageStore implements store.MessageStore backed by Postgres.
type PGMessageStore struct {
	db dbtx
}

const queryColumns = `id, conversation_id, user_id, content, external_message_id, metadata, delivery_status, created_at`

const responseColumns = `id, query_id, conversation_id, content, external_message_id,
	model, prompt_tokens, completion_tokens, latency_ms, error_kind, error_message, metadata, created_at`

// InsertQuery inserts and bumps the conversation counters in one statement.
// A conflicting external message id inserts nothing and bumps nothing.
func (s *PGMessageStore) InsertQuery(ctx context.Context, q *store.QueryData) (*store.QueryData, bool, error) {
	if q.UserID == uuid.Nil {
		return nil, false, fmt.Errorf("insert query: user id required: %w", store.ErrConstraintViolation)
	}
	id := q.ID
	if id == uuid.Nil {
		id = store.GenNewID()
	}
	status := q.DeliveryStatus
	if status == "" {
		status = store.DeliveryReceived
	}

	row := s.db.QueryRowContext(ctx,
		`WITH ins AS (
			INSERT INTO queries (id, conversation_id, user_id, content, external_message_id, metadata, delivery_status, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
			ON CONFLICT (conversation_id, external_message_id) DO NOTHING
			RETURNING `+queryColumns+`
		), bump AS (
			UPDATE conversations
			   SET message_count = message_count + 1,
			       last_activity_at = GREATEST(last_activity_at, (SELECT created_at FROM ins))
			 WHERE id = $2 AND EXISTS (SELECT 1 FROM ins)
		)
		SELECT `+queryColumns+` FROM ins`,
		id, q.ConversationID, q.UserID, q.Content, q.ExternalMessageID, q.Metadata, status, orNow(q.CreatedAt),
	)
	out, err := scanQuery(row)
	if err == nil {
		return out, true, nil
	}
	if !errors.Is(err, sql.ErrNoRows) || q.ExternalMessageID == nil {
		return nil, false, mapErr("insert query", err)
	}

	row = s.db.QueryRowContext(ctx,
		`SELECT `+queryColumns+` FROM queries WHERE conversation_id = $1 AND external_message_id = $2`,
		q.ConversationID, *q.ExternalMessageID)
	existing, err := scanQuery(row)
	if err != nil {
		return nil, false, mapErr("load existing query", err)
	}
	return existing, false, nil
}

// InsertResponse is guarded by the composite (query_id, conversation_id) foreign
// key: a query of another conversation is a constraint violation.
func (s *PGMessageStore) InsertResponse(ctx context.Context, r *store.ResponseData) (*store.ResponseData, bool, error) {
	id := r.ID
	if id == uuid.Nil {
		id = store.GenNewID()
	}
	var errKind, errMsg *string
	if r.Error != nil {
		errKind, errMsg = nilStr(r.Error.Kind), nilStr(r.Error.Message)
	}

	row := s.db.QueryRowContext(ctx,
		`WITH ins AS (
			INSERT INTO responses (id, query_id, conversation_id, content, external_message_id,
				model, prompt_tokens, completion_tokens, latency_ms, error_kind, error_message, metadata, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
			ON CONFLICT (conversation_id, external_message_id) DO NOTHING
			RETURNING `+responseColumns+`
		), bump AS (
			UPDATE conversations
			   SET message_count = message_count + 1,
			       last_activity_at = GREATEST(last_activity_at, (SELECT created_at FROM ins))
			 WHERE id = $3 AND EXISTS (SELECT 1 FROM ins)
		)
		SELECT `+responseColumns+` FROM ins`,
		id, r.QueryID, r.ConversationID, r.Content, r.ExternalMessageID,
		nilStr(r.Generation.Model), r.Generation.PromptTokens, r.Generation.CompletionTokens, r.Generation.LatencyMS,
		errKind, errMsg, r.Metadata, orNow(r.CreatedAt),
	)
	out, err := scanResponse(row)
	if err == nil {
		return out, true, nil
	}
	if !errors.Is(err, sql.ErrNoRows) || r.ExternalMessageID == nil {
		return nil, false, mapErr("insert response", err)
	}

	row = s.db.QueryRowContext(ctx,
		`SELECT `+responseColumns+` FROM responses WHERE conversation_id = $1 AND external_message_id = $2`,
		r.ConversationID, *r.ExternalMessageID)
	existing, err := scanResponse(row)
	if err != nil {
		return nil, false, mapErr("load existing response", err)
	}
	return existing, false, nil
}

func (s *PGMessageStore) GetQuery(ctx context.Context, id uuid.UUID) (*store.QueryData, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+queryColumns+` FROM queries WHERE id = $1`, id)
	out, err := scanQuery(row)
	if err != nil {
		return nil, mapErr("get query "+id.String(), err)
	}
	return out, nil
}

func (s *PGMessageStore) SetQueryStatus(ctx context.Context, id uuid.UUID, status store.DeliveryStatus) error {
	res, err := s.db.ExecContext(ctx, `UPDATE queries SET delivery_status = $2 WHERE id = $1`, id, status)
	if err != nil {
		return mapErr("set query status", err)
	}
	return requireAffected(res, "query "+id.String())
}

func (s *PGMessageStore) ListQueries(ctx context.Context, conversationID uuid.UUID, limit int) ([]store.QueryData, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT * FROM (
			SELECT `+queryColumns+` FROM queries WHERE conversation_id = $1
			ORDER BY created_at DESC, id DESC
			LIMIT NULLIF($2, 0)
		) recent ORDER BY created_at, id`,
		conversationID, limit)
	if err != nil {
		return nil, mapErr("list queries", err)
	}
	defer rows.Close()

	var out []store.QueryData
	for rows.Next() {
		q, err := scanQuery(rows)
		if err != nil {
			return nil, mapErr("scan query", err)
		}
		out = append(out, *q)
	}
	return out, rows.Err()
}

func (s *PGMessageStore) ListResponses(ctx context.Context, conversationID uuid.UUID, limit int) ([]store.ResponseData, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT * FROM (
			SELECT `+responseColumns+` FROM responses WHERE conversation_id = $1
			ORDER BY created_at DESC, id DESC
			LIMIT NULLIF($2, 0)
		) recent ORDER BY created_at, id`,
		conversationID, limit)
	if err != nil {
		return nil, mapErr("list responses", err)
	}
	defer rows.Close()

	var out []store.ResponseData
	for rows.Next() {
		r, err := scanResponse(rows)
		if err != nil {
			return nil, mapErr("scan response", err)
		}
		out = append(out, *r)
	}
	return out, rows.Err()
}

func (s *PGMessageStore) FindResponseByExternalID(ctx context.Context, platform store.Platform, channel, externalID string) (*store.ResponseData, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT r.id, r.query_id, r.conversation_id, r.content, r.external_message_id,
			r.model, r.prompt_tokens, r.completion_tokens, r.latency_ms, r.error_kind, r.error_message, r.metadata, r.created_at
		 FROM responses r
		 JOIN conversations c ON c.id = r.conversation_id
		 WHERE r.external_message_id = $1 AND c.platform = $2 AND c.channel = $3
		 ORDER BY r.created_at DESC
		 LIMIT 1`,
		externalID, platform, channel)
	out, err := scanResponse(row)
	if err != nil {
		return nil, mapErr(fmt.Sprintf("response %s/%s/%s", platform, channel, externalID), err)
	}
	return out, nil
}

func scanQuery(row rowScanner) (*store.QueryData, error) {
	var q store.QueryData
	var ext sql.NullString
	if err := row.Scan(&q.ID, &q.ConversationID, &q.UserID, &q.Content, &ext,
		&q.Metadata, &q.DeliveryStatus, &q.CreatedAt); err != nil {
		return nil, err
	}
	q.ExternalMessageID = ptrStr(ext)
	return &q, nil
}

func scanResponse(row rowScanner) (*store.ResponseData, error) {
	var r store.ResponseData
	var ext, model, errKind, errMsg sql.NullString
	if err := row.Scan(&r.ID, &r.QueryID, &r.ConversationID, &r.Content, &ext,
		&model, &r.Generation.PromptTokens, &r.Generation.CompletionTokens, &r.Generation.LatencyMS,
		&errKind, &errMsg, &r.Metadata, &r.CreatedAt); err != nil {
		return nil, err
	}
	r.ExternalMessageID = ptrStr(ext)
	r.Generation.Model = derefStr(model)
	if errKind.Valid || errMsg.Valid {
		r.Error = &store.ErrorInfo{Kind: derefStr(errKind), Message: derefStr(errMsg)}
	}
	return &r, nil
}
