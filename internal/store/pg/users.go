package pg

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/google/uuid"

	"github.com/nextlevelbuilder/convlink/internal/store"
)

// PGUserStore implements store.UserStore backed by Postgres.
type PGUserStore struct {
	db dbtx
}

const userColumns = `id, platform, platform_user_id, display_name, username, locale, metadata, last_seen_at, created_at`

// UpsertUser is one INSERT ... ON CONFLICT DO UPDATE: concurrent first sightings
// of the same identity converge on one row and the losing write is merged.
func (s *PGUserStore) UpsertUser(ctx context.Context, u *store.UserData) (*store.UserData, error) {
	if u.Platform == "" || u.PlatformUserID == "" {
		return nil, fmt.Errorf("upsert user: platform and platform user id required: %w", store.ErrConstraintViolation)
	}
	id := u.ID
	if id == uuid.Nil {
		id = store.GenNewID()
	}
	seen := orNow(u.LastSeenAt)

	row := s.db.QueryRowContext(ctx,
		`INSERT INTO users (id, platform, platform_user_id, display_name, username, locale, metadata, last_seen_at, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		 ON CONFLICT (platform, platform_user_id) DO UPDATE SET
			display_name = COALESCE(EXCLUDED.display_name, users.display_name),
			username     = COALESCE(EXCLUDED.username, users.username),
			locale       = COALESCE(EXCLUDED.locale, users.locale),
			metadata     = merge_metadata(users.metadata, EXCLUDED.metadata),
			last_seen_at = GREATEST(users.last_seen_at, EXCLUDED.last_seen_at)
		 RETURNING `+userColumns,
		id, u.Platform, u.PlatformUserID,
		nilStr(u.DisplayName), nilStr(u.Username), nilStr(u.Locale),
		u.Metadata, seen, orNow(u.CreatedAt),
	)
	out, err := scanUser(row)
	if err != nil {
		return nil, mapErr("upsert user", err)
	}
	return out, nil
}

func (s *PGUserStore) GetUser(ctx context.Context, id uuid.UUID) (*store.UserData, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE id = $1`, id)
	out, err := scanUser(row)
	if err != nil {
		return nil, mapErr("get user "+id.String(), err)
	}
	return out, nil
}

func scanUser(row rowScanner) (*store.UserData, error) {
	var u store.UserData
	var displayName, username, locale sql.NullString
	if err := row.Scan(&u.ID, &u.Platform, &u.PlatformUserID, &displayName, &username, &locale,
		&u.Metadata, &u.LastSeenAt, &u.CreatedAt); err != nil {
		return nil, err
	}
	u.DisplayName = derefStr(displayName)
	u.Username = derefStr(username)
	u.Locale = derefStr(locale)
	return &u, nil
}
