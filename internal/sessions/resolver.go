package sessions

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"github.com/nextlevelbuilder/convlink/internal/store"
)

// ContinuityRecency is the continuity value recorded when a non-threaded
// message had several candidate conversations and the most recent one won.
const ContinuityRecency = "recency"

// Target names the conversation an event belongs to. At is the event time
// used for last_activity_at and the continuity window; zero means now.
type Target struct {
	Platform store.Platform
	UserID   uuid.UUID
	Channel  string
	Thread   *string
	At       time.Time
}

// Resolver maps (platform, user, channel, thread?) to a conversation.
type Resolver struct {
	convs  store.ConversationStore
	window atomic.Int64 // continuity window in ns; 0 = unbounded
	group  singleflight.Group
	now    func() time.Time
}

func NewResolver(convs store.ConversationStore, window time.Duration) *Resolver {
	r := &Resolver{convs: convs, now: time.Now}
	r.SetContinuityWindow(window)
	return r
}

// SetContinuityWindow changes the maximum staleness of a non-threaded
// conversation that may still be continued. Safe to call while resolving.
func (r *Resolver) SetContinuityWindow(d time.Duration) {
	if d < 0 {
		d = 0
	}
	r.window.Store(int64(d))
}

func (r *Resolver) ContinuityWindow() time.Duration {
	return time.Duration(r.window.Load())
}

// Resolve applies, in order: exact match on the tuple (atomic upsert for
// threads, single fresh candidate otherwise), most-recently-active candidate
// flagged as ambiguous, then creation. Matches refresh last_activity_at.
func (r *Resolver) Resolve(ctx context.Context, t Target) (*store.ConversationData, error) {
	if !store.IsKnownPlatform(t.Platform) {
		return nil, fmt.Errorf("resolve conversation: unknown platform %q: %w", t.Platform, store.ErrConstraintViolation)
	}
	if t.UserID == uuid.Nil || t.Channel == "" {
		return nil, fmt.Errorf("resolve conversation: user and channel required: %w", store.ErrConstraintViolation)
	}
	if t.At.IsZero() {
		t.At = r.now().UTC()
	}

	if t.Thread != nil {
		return r.resolveThreaded(ctx, t)
	}

	// The shared call outlives any single caller's cancellation; each caller
	// still waits on its own ctx.
	key := BuildConversationKey(t.Platform, t.UserID, t.Channel, nil)
	ch := r.group.DoChan(key, func() (any, error) {
		return r.resolveNonThreaded(context.WithoutCancel(ctx), t)
	})
	var res singleflight.Result
	select {
	case <-ctx.Done():
		return nil, fmt.Errorf("resolve conversation: %w", ctx.Err())
	case res = <-ch:
	}
	if res.Err != nil {
		return nil, res.Err
	}

	conv := *res.Val.(*store.ConversationData)
	if !res.Shared {
		return &conv, nil
	}
	slog.Debug("conversation resolution collapsed", "key", key)
	if !conv.LastActivityAt.Before(t.At) {
		return &conv, nil
	}
	// The shared call touched with another caller's time.
	touched, err := r.convs.TouchConversation(ctx, conv.ID, t.At)
	if err != nil {
		return nil, fmt.Errorf("touch conversation: %w", err)
	}
	return touched, nil
}

func (r *Resolver) resolveThreaded(ctx context.Context, t Target) (*store.ConversationData, error) {
	conv, created, err := r.convs.UpsertThreadedConversation(ctx, &store.ConversationData{
		UserID:         t.UserID,
		Platform:       t.Platform,
		Channel:        t.Channel,
		Thread:         t.Thread,
		Status:         store.ConversationActive,
		LastActivityAt: t.At,
		BaseModel:      store.BaseModel{CreatedAt: t.At},
	})
	if err != nil {
		return nil, fmt.Errorf("resolve threaded conversation: %w", err)
	}

	switch conv.Status {
	case store.ConversationDeleted:
		return nil, fmt.Errorf("conversation %s is deleted: %w", conv.ID, store.ErrConstraintViolation)
	case store.ConversationArchived:
		slog.Info("message continues archived thread",
			"conversation", conv.ID, "platform", t.Platform, "channel", t.Channel, "thread", *t.Thread)
	}
	if created {
		slog.Debug("conversation created", "conversation", conv.ID, "key", BuildConversationKey(t.Platform, t.UserID, t.Channel, t.Thread))
	}
	return conv, nil
}

func (r *Resolver) resolveNonThreaded(ctx context.Context, t Target) (*store.ConversationData, error) {
	lookup := store.ConversationLookup{Platform: t.Platform, UserID: t.UserID, Channel: t.Channel}
	if w := r.ContinuityWindow(); w > 0 {
		lookup.ActiveSince = t.At.Add(-w)
	}
	candidates, err := r.convs.FindNonThreadedConversations(ctx, lookup)
	if err != nil {
		return nil, fmt.Errorf("find conversations: %w", err)
	}

	if len(candidates) == 0 {
		conv := &store.ConversationData{
			BaseModel:      store.BaseModel{CreatedAt: t.At},
			UserID:         t.UserID,
			Platform:       t.Platform,
			Channel:        t.Channel,
			Status:         store.ConversationActive,
			LastActivityAt: t.At,
		}
		if err := r.convs.CreateConversation(ctx, conv); err != nil {
			return nil, fmt.Errorf("create conversation: %w", err)
		}
		slog.Debug("conversation created", "conversation", conv.ID, "key", BuildConversationKey(t.Platform, t.UserID, t.Channel, nil))
		return conv, nil
	}

	chosen := candidates[0]
	if len(candidates) > 1 {
		slog.Debug("ambiguous continuity, picked most recent",
			"conversation", chosen.ID, "candidates", len(candidates), "channel", t.Channel)
		if chosen.Metadata.System[store.MetaContinuity] != ContinuityRecency {
			var md store.Metadata
			md.SetSystem(store.MetaContinuity, ContinuityRecency)
			if err := r.convs.MergeConversationMetadata(ctx, chosen.ID, md); err != nil {
				return nil, fmt.Errorf("flag ambiguous conversation: %w", err)
			}
		}
	}

	conv, err := r.convs.TouchConversation(ctx, chosen.ID, t.At)
	if err != nil {
		return nil, fmt.Errorf("touch conversation: %w", err)
	}
	return conv, nil
}

// SetStatus is the explicit command that archives, deletes or reactivates a conversation.
func (r *Resolver) SetStatus(ctx context.Context, conversationID uuid.UUID, status store.ConversationStatus) error {
	if err := r.convs.SetConversationStatus(ctx, conversationID, status); err != nil {
		return fmt.Errorf("set conversation status: %w", err)
	}
	slog.Info("conversation status changed", "conversation", conversationID, "status", status)
	return nil
}
