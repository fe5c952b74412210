package memory

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/nextlevelbuilder/convlink/internal/store"
)

func (db *DB) UpsertUser(_ context.Context, u *store.UserData) (*store.UserData, error) {
	if u.Platform == "" || u.PlatformUserID == "" {
		return nil, fmt.Errorf("upsert user: platform and platform user id required: %w", store.ErrConstraintViolation)
	}

	db.mu.Lock()
	defer db.mu.Unlock()

	seen := db.stamp(u.LastSeenAt)
	for _, existing := range db.st.users {
		if existing.Platform != u.Platform || existing.PlatformUserID != u.PlatformUserID {
			continue
		}
		if u.DisplayName != "" {
			existing.DisplayName = u.DisplayName
		}
		if u.Username != "" {
			existing.Username = u.Username
		}
		if u.Locale != "" {
			existing.Locale = u.Locale
		}
		existing.Metadata = existing.Metadata.Merge(u.Metadata)
		existing.LastSeenAt = laterOf(existing.LastSeenAt, seen)
		if err := db.saveLocked(); err != nil {
			return nil, err
		}
		return cloneUser(existing), nil
	}

	row := cloneUser(u)
	if row.ID == uuid.Nil {
		row.ID = store.GenNewID()
	}
	row.CreatedAt = db.stamp(row.CreatedAt)
	row.LastSeenAt = seen
	db.st.users[row.ID] = row
	if err := db.saveLocked(); err != nil {
		return nil, err
	}
	return cloneUser(row), nil
}

func (db *DB) GetUser(_ context.Context, id uuid.UUID) (*store.UserData, error) {
	db.mu.Lock()
	defer db.mu.Unlock()

	u, ok := db.st.users[id]
	if !ok {
		return nil, fmt.Errorf("user %s: %w", id, store.ErrNotFound)
	}
	return cloneUser(u), nil
}
