package memory

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/nextlevelbuilder/convlink/internal/store"
)

func (db *DB) UpsertThreadedConversation(_ context.Context, c *store.ConversationData) (*store.ConversationData, bool, error) {
	if c.Thread == nil {
		return nil, false, fmt.Errorf("upsert threaded conversation: thread required: %w", store.ErrConstraintViolation)
	}

	db.mu.Lock()
	defer db.mu.Unlock()

	at := db.stamp(c.LastActivityAt)
	for _, existing := range db.st.conversations {
		if existing.Thread == nil || *existing.Thread != *c.Thread {
			continue
		}
		if existing.Platform != c.Platform || existing.UserID != c.UserID || existing.Channel != c.Channel {
			continue
		}
		existing.LastActivityAt = laterOf(existing.LastActivityAt, at)
		if err := db.saveLocked(); err != nil {
			return nil, false, err
		}
		return cloneConversation(existing), false, nil
	}

	row, err := db.insertConversationLocked(c, at)
	if err != nil {
		return nil, false, err
	}
	if err := db.saveLocked(); err != nil {
		return nil, false, err
	}
	return cloneConversation(row), true, nil
}

func (db *DB) FindNonThreadedConversations(_ context.Context, l store.ConversationLookup) ([]store.ConversationData, error) {
	db.mu.Lock()
	defer db.mu.Unlock()

	var out []store.ConversationData
	for _, c := range db.st.conversations {
		if c.Thread != nil || c.Status != store.ConversationActive {
			continue
		}
		if c.Platform != l.Platform || c.UserID != l.UserID || c.Channel != l.Channel {
			continue
		}
		if !l.ActiveSince.IsZero() && c.LastActivityAt.Before(l.ActiveSince) {
			continue
		}
		out = append(out, *cloneConversation(c))
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].LastActivityAt.Equal(out[j].LastActivityAt) {
			return out[i].LastActivityAt.After(out[j].LastActivityAt)
		}
		return out[i].ID.String() > out[j].ID.String()
	})
	return out, nil
}

func (db *DB) CreateConversation(_ context.Context, c *store.ConversationData) error {
	db.mu.Lock()
	defer db.mu.Unlock()

	if c.Thread != nil {
		for _, existing := range db.st.conversations {
			if existing.Thread != nil && *existing.Thread == *c.Thread &&
				existing.Platform == c.Platform && existing.UserID == c.UserID && existing.Channel == c.Channel {
				return fmt.Errorf("create conversation: tuple exists: %w", store.ErrConstraintViolation)
			}
		}
	}
	row, err := db.insertConversationLocked(c, db.stamp(c.LastActivityAt))
	if err != nil {
		return err
	}
	*c = *cloneConversation(row)
	return db.saveLocked()
}

func (db *DB) insertConversationLocked(c *store.ConversationData, at time.Time) (*store.ConversationData, error) {
	if _, ok := db.st.users[c.UserID]; !ok {
		return nil, fmt.Errorf("conversation owner %s: %w", c.UserID, store.ErrConstraintViolation)
	}
	row := cloneConversation(c)
	if row.ID == uuid.Nil {
		row.ID = store.GenNewID()
	}
	if _, dup := db.st.conversations[row.ID]; dup {
		return nil, fmt.Errorf("conversation %s exists: %w", row.ID, store.ErrConstraintViolation)
	}
	if row.Status == "" {
		row.Status = store.ConversationActive
	}
	if !row.Status.Valid() {
		return nil, fmt.Errorf("conversation status %q: %w", row.Status, store.ErrConstraintViolation)
	}
	row.CreatedAt = db.stamp(row.CreatedAt)
	row.LastActivityAt = at
	row.MessageCount = 0
	db.st.conversations[row.ID] = row
	return row, nil
}

func (db *DB) TouchConversation(_ context.Context, id uuid.UUID, at time.Time) (*store.ConversationData, error) {
	db.mu.Lock()
	defer db.mu.Unlock()

	c, ok := db.st.conversations[id]
	if !ok {
		return nil, fmt.Errorf("conversation %s: %w", id, store.ErrNotFound)
	}
	c.LastActivityAt = laterOf(c.LastActivityAt, db.stamp(at))
	if err := db.saveLocked(); err != nil {
		return nil, err
	}
	return cloneConversation(c), nil
}

func (db *DB) GetConversation(_ context.Context, id uuid.UUID) (*store.ConversationData, error) {
	db.mu.Lock()
	defer db.mu.Unlock()

	c, ok := db.st.conversations[id]
	if !ok {
		return nil, fmt.Errorf("conversation %s: %w", id, store.ErrNotFound)
	}
	return cloneConversation(c), nil
}

func (db *DB) SetConversationStatus(_ context.Context, id uuid.UUID, status store.ConversationStatus) error {
	if !status.Valid() {
		return fmt.Errorf("conversation status %q: %w", status, store.ErrConstraintViolation)
	}

	db.mu.Lock()
	defer db.mu.Unlock()

	c, ok := db.st.conversations[id]
	if !ok {
		return fmt.Errorf("conversation %s: %w", id, store.ErrNotFound)
	}
	c.Status = status
	return db.saveLocked()
}

func (db *DB) MergeConversationMetadata(_ context.Context, id uuid.UUID, md store.Metadata) error {
	db.mu.Lock()
	defer db.mu.Unlock()

	c, ok := db.st.conversations[id]
	if !ok {
		return fmt.Errorf("conversation %s: %w", id, store.ErrNotFound)
	}
	c.Metadata = c.Metadata.Merge(md)
	return db.saveLocked()
}
