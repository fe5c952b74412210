package pg

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/nextlevelbuilder/convlink/internal/store"
)

// PGReactionStore implements store.ReactionStore backed by Postgres.
type PGReactionStore struct {
	db dbtx
}

const reactionColumns = `id, response_id, user_id, label, glyph, created_at, removed_at`

// AddReaction inserts unless a removal newer than the add is already recorded.
// uq_reactions_active keeps at most one active row per key.
func (s *PGReactionStore) AddReaction(ctx context.Context, r *store.ReactionData) (*store.ReactionData, bool, error) {
	if r.Label == "" {
		return nil, false, fmt.Errorf("add reaction: label required: %w", store.ErrConstraintViolation)
	}
	id := r.ID
	if id == uuid.Nil {
		id = store.GenNewID()
	}
	at := orNow(r.CreatedAt)

	row := s.db.QueryRowContext(ctx,
		`INSERT INTO reactions (id, response_id, user_id, label, glyph, created_at)
		 SELECT $1, $2, $3, $4, $5, $6
		 WHERE NOT EXISTS (
			SELECT 1 FROM reactions
			 WHERE response_id = $2 AND user_id = $3 AND label = $4 AND removed_at > $6
		 )
		 ON CONFLICT (response_id, user_id, label) WHERE removed_at IS NULL DO NOTHING
		 RETURNING `+reactionColumns,
		id, r.ResponseID, r.UserID, r.Label, nilStr(r.Glyph), at,
	)
	out, err := scanReaction(row)
	if err == nil {
		return out, true, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, false, mapErr("add reaction", err)
	}

	// Nothing inserted: either an active row exists or a newer removal won.
	row = s.db.QueryRowContext(ctx,
		`SELECT `+reactionColumns+` FROM reactions
		 WHERE response_id = $1 AND user_id = $2 AND label = $3
		 ORDER BY (removed_at IS NULL) DESC, removed_at DESC NULLS LAST, created_at DESC
		 LIMIT 1`,
		r.ResponseID, r.UserID, r.Label)
	existing, err := scanReaction(row)
	if err != nil {
		return nil, false, mapErr("load existing reaction", err)
	}
	return existing, false, nil
}

// RemoveReaction marks the newest active row removed, or writes a tombstone
// when none is active and no removal at or after `at` exists. One statement,
// so the tombstone check and the update see the same snapshot.
func (s *PGReactionStore) RemoveReaction(ctx context.Context, key store.ReactionKey, at time.Time) (*store.ReactionData, bool, error) {
	row := s.db.QueryRowContext(ctx,
		`WITH upd AS (
			UPDATE reactions SET removed_at = GREATEST(created_at, $4)
			 WHERE id = (
				SELECT id FROM reactions
				 WHERE response_id = $1 AND user_id = $2 AND label = $3 AND removed_at IS NULL
				 ORDER BY created_at DESC
				 LIMIT 1
				 FOR UPDATE
			 ) AND removed_at IS NULL
			 RETURNING `+reactionColumns+`
		), tomb AS (
			INSERT INTO reactions (id, response_id, user_id, label, created_at, removed_at)
			SELECT $5, $1, $2, $3, $4, $4
			 WHERE NOT EXISTS (SELECT 1 FROM upd)
			   AND NOT EXISTS (
				SELECT 1 FROM reactions
				 WHERE response_id = $1 AND user_id = $2 AND label = $3 AND removed_at >= $4
			   )
			 RETURNING `+reactionColumns+`
		)
		SELECT `+reactionColumns+`, true FROM upd
		UNION ALL
		SELECT `+reactionColumns+`, false FROM tomb`,
		key.ResponseID, key.UserID, key.Label, orNow(at), store.GenNewID())

	var removed bool
	out, err := scanReaction(row, &removed)
	if err != nil {
		return nil, false, mapErr(fmt.Sprintf("remove reaction %s/%s", key.ResponseID, key.Label), err)
	}
	return out, removed, nil
}

func (s *PGReactionStore) CountActiveReactions(ctx context.Context, responseID uuid.UUID) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM reactions WHERE response_id = $1 AND removed_at IS NULL`, responseID).Scan(&n)
	if err != nil {
		return 0, mapErr("count reactions", err)
	}
	return n, nil
}

func (s *PGReactionStore) ListReactions(ctx context.Context, responseID uuid.UUID) ([]store.ReactionData, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+reactionColumns+` FROM reactions WHERE response_id = $1 ORDER BY created_at, id`, responseID)
	if err != nil {
		return nil, mapErr("list reactions", err)
	}
	defer rows.Close()

	var out []store.ReactionData
	for rows.Next() {
		r, err := scanReaction(rows)
		if err != nil {
			return nil, mapErr("scan reaction", err)
		}
		out = append(out, *r)
	}
	return out, rows.Err()
}

// scanReaction reads reactionColumns plus any trailing extra columns.
func scanReaction(row rowScanner, extra ...any) (*store.ReactionData, error) {
	var r store.ReactionData
	var glyph sql.NullString
	var removed sql.NullTime
	dest := append([]any{&r.ID, &r.ResponseID, &r.UserID, &r.Label, &glyph, &r.CreatedAt, &removed}, extra...)
	if err := row.Scan(dest...); err != nil {
		return nil, err
	}
	r.Glyph = derefStr(glyph)
	if removed.Valid {
		t := removed.Time
		r.RemovedAt = &t
	}
	return &r, nil
}
