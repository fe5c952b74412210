package memory

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/nextlevelbuilder/convlink/internal/store"
)

func (db *DB) AddReaction(_ context.Context, r *store.ReactionData) (*store.ReactionData, bool, error) {
	if r.Label == "" {
		return nil, false, fmt.Errorf("add reaction: label required: %w", store.ErrConstraintViolation)
	}

	db.mu.Lock()
	defer db.mu.Unlock()

	if _, ok := db.st.responses[r.ResponseID]; !ok {
		return nil, false, fmt.Errorf("add reaction: response %s: %w", r.ResponseID, store.ErrConstraintViolation)
	}
	at := db.stamp(r.CreatedAt)

	var newestRemoval *store.ReactionData
	for _, existing := range db.st.reactions {
		if !sameKey(existing, r) {
			continue
		}
		if existing.Active() {
			return cloneReaction(existing), false, nil
		}
		if newestRemoval == nil || existing.RemovedAt.After(*newestRemoval.RemovedAt) {
			newestRemoval = existing
		}
	}
	// A removal recorded after this add happened wins over the add.
	if newestRemoval != nil && newestRemoval.RemovedAt.After(at) {
		return cloneReaction(newestRemoval), false, nil
	}

	row := cloneReaction(r)
	if row.ID == uuid.Nil {
		row.ID = store.GenNewID()
	}
	row.CreatedAt = at
	row.RemovedAt = nil
	db.st.reactions[row.ID] = row
	if err := db.saveLocked(); err != nil {
		return nil, false, err
	}
	return cloneReaction(row), true, nil
}

func (db *DB) RemoveReaction(_ context.Context, key store.ReactionKey, at time.Time) (*store.ReactionData, bool, error) {
	db.mu.Lock()
	defer db.mu.Unlock()

	if _, ok := db.st.responses[key.ResponseID]; !ok {
		return nil, false, fmt.Errorf("remove reaction: response %s: %w", key.ResponseID, store.ErrConstraintViolation)
	}
	at = db.stamp(at)

	var target, newestRemoval *store.ReactionData
	for _, existing := range db.st.reactions {
		if existing.ResponseID != key.ResponseID || existing.UserID != key.UserID || existing.Label != key.Label {
			continue
		}
		if existing.Active() {
			if target == nil || creationLess(target.BaseModel, existing.BaseModel) {
				target = existing
			}
			continue
		}
		if newestRemoval == nil || existing.RemovedAt.After(*newestRemoval.RemovedAt) {
			newestRemoval = existing
		}
	}

	if target != nil {
		removed := laterOf(target.CreatedAt, at)
		target.RemovedAt = &removed
		if err := db.saveLocked(); err != nil {
			return nil, false, err
		}
		return cloneReaction(target), true, nil
	}

	if newestRemoval != nil && !newestRemoval.RemovedAt.Before(at) {
		return nil, false, fmt.Errorf("reaction %s/%s already removed: %w", key.ResponseID, key.Label, store.ErrNotFound)
	}
	removedAt := at
	tomb := &store.ReactionData{
		BaseModel:  store.BaseModel{ID: store.GenNewID(), CreatedAt: at},
		ResponseID: key.ResponseID,
		UserID:     key.UserID,
		Label:      key.Label,
		RemovedAt:  &removedAt,
	}
	db.st.reactions[tomb.ID] = tomb
	if err := db.saveLocked(); err != nil {
		return nil, false, err
	}
	return cloneReaction(tomb), false, nil
}

func (db *DB) CountActiveReactions(_ context.Context, responseID uuid.UUID) (int, error) {
	db.mu.Lock()
	defer db.mu.Unlock()

	n := 0
	for _, r := range db.st.reactions {
		if r.ResponseID == responseID && r.Active() {
			n++
		}
	}
	return n, nil
}

func (db *DB) ListReactions(_ context.Context, responseID uuid.UUID) ([]store.ReactionData, error) {
	db.mu.Lock()
	defer db.mu.Unlock()

	var out []store.ReactionData
	for _, r := range db.st.reactions {
		if r.ResponseID == responseID {
			out = append(out, *cloneReaction(r))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return creationLess(out[i].BaseModel, out[j].BaseModel)
	})
	return out, nil
}

func sameKey(a, b *store.ReactionData) bool {
	return a.ResponseID == b.ResponseID && a.UserID == b.UserID && a.Label == b.Label
}
