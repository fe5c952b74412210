// Package reactions binds and unbinds user reactions to stored responses.
package reactions

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/nextlevelbuilder/convlink/internal/store"
)

// Op is the reaction operation.
type Op string

const (
	OpAdd    Op = "add"
	OpRemove Op = "remove"
)

// Event is a reaction to apply. The target response is located by its
// platform message id within (Platform, Channel).
type Event struct {
	Platform          store.Platform
	Channel           string
	ExternalMessageID string
	UserID            uuid.UUID
	Label             string
	Glyph             string
	Op                Op
	OccurredAt        time.Time
}

// Outcome reports what Apply did.
type Outcome string

const (
	OutcomeAdded    Outcome = "added"
	OutcomeRemoved  Outcome = "removed"
	OutcomeNoop     Outcome = "noop"
	OutcomeStale    Outcome = "stale"
	OutcomeNoTarget Outcome = "no_target"
)

// Attacher applies reaction events. It never touches queries or responses.
type Attacher struct {
	msgs      store.MessageStore
	reactions store.ReactionStore
}

func NewAttacher(msgs store.MessageStore, reactions store.ReactionStore) *Attacher {
	return &Attacher{msgs: msgs, reactions: reactions}
}

// Apply adds or removes a reaction. A missing target response is logged and
// dropped (OutcomeNoTarget, nil error): the platform stays the source of truth.
func (a *Attacher) Apply(ctx context.Context, ev Event) (Outcome, error) {
	if ev.Label == "" || ev.ExternalMessageID == "" || ev.UserID == uuid.Nil {
		return "", fmt.Errorf("reaction event incomplete: %w", store.ErrConstraintViolation)
	}
	at := ev.OccurredAt
	if at.IsZero() {
		at = time.Now().UTC()
	}

	resp, err := a.msgs.FindResponseByExternalID(ctx, ev.Platform, ev.Channel, ev.ExternalMessageID)
	if errors.Is(err, store.ErrNotFound) {
		slog.Info("reaction target not found, dropped",
			"platform", ev.Platform, "channel", ev.Channel, "message", ev.ExternalMessageID, "label", ev.Label, "op", ev.Op)
		return OutcomeNoTarget, nil
	}
	if err != nil {
		return "", fmt.Errorf("find reaction target: %w", err)
	}

	switch ev.Op {
	case OpAdd:
		r, created, err := a.reactions.AddReaction(ctx, &store.ReactionData{
			BaseModel:  store.BaseModel{CreatedAt: at},
			ResponseID: resp.ID,
			UserID:     ev.UserID,
			Label:      ev.Label,
			Glyph:      ev.Glyph,
		})
		if err != nil {
			return "", fmt.Errorf("add reaction: %w", err)
		}
		if created {
			return OutcomeAdded, nil
		}
		if !r.Active() {
			slog.Debug("stale reaction add ignored", "response", resp.ID, "label", ev.Label)
			return OutcomeStale, nil
		}
		return OutcomeNoop, nil

	case OpRemove:
		_, removed, err := a.reactions.RemoveReaction(ctx, store.ReactionKey{
			ResponseID: resp.ID, UserID: ev.UserID, Label: ev.Label,
		}, at)
		if errors.Is(err, store.ErrNotFound) {
			return OutcomeNoop, nil
		}
		if err != nil {
			return "", fmt.Errorf("remove reaction: %w", err)
		}
		if !removed {
			// Removal arrived before its add: the tombstone outranks older adds.
			slog.Debug("reaction removal recorded ahead of add", "response", resp.ID, "label", ev.Label)
			return OutcomeNoop, nil
		}
		return OutcomeRemoved, nil
	}
	return "", fmt.Errorf("reaction op %q: %w", ev.Op, store.ErrConstraintViolation)
}

// ActiveCount returns how many reactions on the response are not removed.
func (a *Attacher) ActiveCount(ctx context.Context, responseID uuid.UUID) (int, error) {
	return a.reactions.CountActiveReactions(ctx, responseID)
}
