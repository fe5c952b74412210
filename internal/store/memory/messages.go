package memory

import (
	"context"
	"fmt"
	"sort"

	"github.com/google/uuid"

	"github.com/nextlevelbuilder/convlink/internal/store"
)

func (db *DB) InsertQuery(_ context.Context, q *store.QueryData) (*store.QueryData, bool, error) {
	if q.UserID == uuid.Nil {
		return nil, false, fmt.Errorf("insert query: user id required: %w", store.ErrConstraintViolation)
	}

	db.mu.Lock()
	defer db.mu.Unlock()

	conv, ok := db.st.conversations[q.ConversationID]
	if !ok {
		return nil, false, fmt.Errorf("insert query: conversation %s: %w", q.ConversationID, store.ErrConstraintViolation)
	}
	if q.ExternalMessageID != nil {
		for _, existing := range db.st.queries {
			if existing.ConversationID == q.ConversationID && existing.ExternalMessageID != nil &&
				*existing.ExternalMessageID == *q.ExternalMessageID {
				return cloneQuery(existing), false, nil
			}
		}
	}

	row := cloneQuery(q)
	if row.ID == uuid.Nil {
		row.ID = store.GenNewID()
	}
	if _, dup := db.st.queries[row.ID]; dup {
		return nil, false, fmt.Errorf("query %s exists: %w", row.ID, store.ErrConstraintViolation)
	}
	row.CreatedAt = db.stamp(row.CreatedAt)
	if row.DeliveryStatus == "" {
		row.DeliveryStatus = store.DeliveryReceived
	}
	db.st.queries[row.ID] = row
	conv.MessageCount++
	conv.LastActivityAt = laterOf(conv.LastActivityAt, row.CreatedAt)

	if err := db.saveLocked(); err != nil {
		return nil, false, err
	}
	return cloneQuery(row), true, nil
}

func (db *DB) InsertResponse(_ context.Context, r *store.ResponseData) (*store.ResponseData, bool, error) {
	db.mu.Lock()
	defer db.mu.Unlock()

	q, ok := db.st.queries[r.QueryID]
	if !ok || q.ConversationID != r.ConversationID {
		return nil, false, fmt.Errorf("insert response: query %s not in conversation %s: %w",
			r.QueryID, r.ConversationID, store.ErrConstraintViolation)
	}
	conv, ok := db.st.conversations[r.ConversationID]
	if !ok {
		return nil, false, fmt.Errorf("insert response: conversation %s: %w", r.ConversationID, store.ErrConstraintViolation)
	}
	if r.ExternalMessageID != nil {
		for _, existing := range db.st.responses {
			if existing.ConversationID == r.ConversationID && existing.ExternalMessageID != nil &&
				*existing.ExternalMessageID == *r.ExternalMessageID {
				return cloneResponse(existing), false, nil
			}
		}
	}

	row := cloneResponse(r)
	if row.ID == uuid.Nil {
		row.ID = store.GenNewID()
	}
	if _, dup := db.st.responses[row.ID]; dup {
		return nil, false, fmt.Errorf("response %s exists: %w", row.ID, store.ErrConstraintViolation)
	}
	row.CreatedAt = db.stamp(row.CreatedAt)
	db.st.responses[row.ID] = row
	conv.MessageCount++
	conv.LastActivityAt = laterOf(conv.LastActivityAt, row.CreatedAt)

	if err := db.saveLocked(); err != nil {
		return nil, false, err
	}
	return cloneResponse(row), true, nil
}

func (db *DB) GetQuery(_ context.Context, id uuid.UUID) (*store.QueryData, error) {
	db.mu.Lock()
	defer db.mu.Unlock()

	q, ok := db.st.queries[id]
	if !ok {
		return nil, fmt.Errorf("query %s: %w", id, store.ErrNotFound)
	}
	return cloneQuery(q), nil
}

func (db *DB) SetQueryStatus(_ context.Context, id uuid.UUID, status store.DeliveryStatus) error {
	db.mu.Lock()
	defer db.mu.Unlock()

	q, ok := db.st.queries[id]
	if !ok {
		return fmt.Errorf("query %s: %w", id, store.ErrNotFound)
	}
	q.DeliveryStatus = status
	return db.saveLocked()
}

func (db *DB) ListQueries(_ context.Context, conversationID uuid.UUID, limit int) ([]store.QueryData, error) {
	db.mu.Lock()
	defer db.mu.Unlock()

	var out []store.QueryData
	for _, q := range db.st.queries {
		if q.ConversationID == conversationID {
			out = append(out, *cloneQuery(q))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return creationLess(out[i].BaseModel, out[j].BaseModel)
	})
	return tail(out, limit), nil
}

func (db *DB) ListResponses(_ context.Context, conversationID uuid.UUID, limit int) ([]store.ResponseData, error) {
	db.mu.Lock()
	defer db.mu.Unlock()

	var out []store.ResponseData
	for _, r := range db.st.responses {
		if r.ConversationID == conversationID {
			out = append(out, *cloneResponse(r))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return creationLess(out[i].BaseModel, out[j].BaseModel)
	})
	return tail(out, limit), nil
}

func (db *DB) FindResponseByExternalID(_ context.Context, platform store.Platform, channel, externalID string) (*store.ResponseData, error) {
	db.mu.Lock()
	defer db.mu.Unlock()

	var found *store.ResponseData
	for _, r := range db.st.responses {
		if r.ExternalMessageID == nil || *r.ExternalMessageID != externalID {
			continue
		}
		conv, ok := db.st.conversations[r.ConversationID]
		if !ok || conv.Platform != platform || conv.Channel != channel {
			continue
		}
		if found == nil || creationLess(found.BaseModel, r.BaseModel) {
			found = r
		}
	}
	if found == nil {
		return nil, fmt.Errorf("response %s/%s/%s: %w", platform, channel, externalID, store.ErrNotFound)
	}
	return cloneResponse(found), nil
}

// creationLess orders by created_at, then id (UUIDv7 ids are time ordered).
func creationLess(a, b store.BaseModel) bool {
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	return a.ID.String() < b.ID.String()
}

func tail[T any](rows []T, limit int) []T {
	if limit > 0 && len(rows) > limit {
		return rows[len(rows)-limit:]
	}
	return rows
}
