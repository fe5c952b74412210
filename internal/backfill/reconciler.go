package backfill

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/nextlevelbuilder/convlink/internal/identity"
	"github.com/nextlevelbuilder/convlink/internal/linker"
	"github.com/nextlevelbuilder/convlink/internal/sessions"
	"github.com/nextlevelbuilder/convlink/internal/store"
)

// errDryRun rolls back a dry run after validation passed.
var errDryRun = errors.New("dry run")

// Options tune a backfill run.
type Options struct {
	ContinuityWindow   time.Duration
	PlaceholderEpsilon time.Duration
	DryRun             bool
}

// Reconciler imports legacy rows in one all-or-nothing transaction.
// It must be the only writer on the conversations it touches while it runs.
type Reconciler struct {
	tx   store.Transactor
	opts Options
}

func NewReconciler(tx store.Transactor, opts Options) *Reconciler {
	return &Reconciler{tx: tx, opts: opts}
}

// Run places every row, links every response and re-checks all invariants
// before commit. Any failure rolls the whole batch back.
func (r *Reconciler) Run(ctx context.Context, rows []Row) (*Report, error) {
	start := time.Now()
	report := newReport(len(rows), r.opts.DryRun)

	for _, row := range rows {
		if err := row.Validate(); err != nil {
			return nil, fmt.Errorf("backfill aborted: %w", err)
		}
	}

	ordered := make([]Row, len(rows))
	copy(ordered, rows)
	sort.SliceStable(ordered, func(i, j int) bool { return ordered[i].CreatedAt.Before(ordered[j].CreatedAt) })

	slog.Info("backfill started", "rows", len(rows), "dry_run", r.opts.DryRun)

	var attempt *Report
	err := r.tx.WithinTx(ctx, func(tx *store.Stores) error {
		attempt = report.clone()
		if err := r.apply(ctx, tx, ordered, attempt); err != nil {
			return err
		}
		violations, err := tx.Invariants.CheckInvariants(ctx)
		if err != nil {
			return fmt.Errorf("validate batch: %w", err)
		}
		if len(violations) > 0 {
			return &store.InvariantError{Violations: violations}
		}
		if r.opts.DryRun {
			return errDryRun
		}
		return nil
	})
	if err != nil && !errors.Is(err, errDryRun) {
		slog.Warn("backfill rolled back", "rows", len(rows), "error", err)
		return nil, fmt.Errorf("backfill aborted: %w", err)
	}

	attempt.Committed = err == nil
	attempt.Duration = time.Since(start)
	slog.Info("backfill finished",
		"committed", attempt.Committed,
		"queries", attempt.Queries,
		"responses", attempt.Responses,
		"placeholders", attempt.Placeholders,
		"fallbacks", attempt.Fallbacks,
		"duration", attempt.Duration)
	return attempt, nil
}

// pending collects the responses of one conversation for batch linking.
type pending struct {
	conversationID uuid.UUID
	batch          []*store.ResponseData
}

func (r *Reconciler) apply(ctx context.Context, tx *store.Stores, rows []Row, rep *Report) error {
	users := identity.NewResolver(tx.Users, 0)
	convs := sessions.NewResolver(tx.Conversations, r.opts.ContinuityWindow)
	var opts []linker.Option
	if r.opts.PlaceholderEpsilon > 0 {
		opts = append(opts, linker.WithPlaceholderEpsilon(r.opts.PlaceholderEpsilon))
	}
	lk := linker.New(tx, opts...)

	seenLegacy := make(map[string]bool, len(rows))
	seenUsers := make(map[uuid.UUID]bool)
	seenConvs := make(map[uuid.UUID]bool)
	byConv := make(map[uuid.UUID]*pending)
	var convOrder []uuid.UUID

	for _, row := range rows {
		if seenLegacy[row.LegacyID] {
			rep.Duplicates++
			continue
		}
		seenLegacy[row.LegacyID] = true

		u, err := users.Resolve(ctx, row.Platform, row.ExternalUserID, identity.Attrs{SeenAt: row.CreatedAt})
		if err != nil {
			return fmt.Errorf("row %s: %w", row.LegacyID, err)
		}
		seenUsers[u.ID] = true

		conv, err := convs.Resolve(ctx, sessions.Target{
			Platform: row.Platform,
			UserID:   u.ID,
			Channel:  row.Channel,
			Thread:   row.Thread,
			At:       row.CreatedAt,
		})
		if err != nil {
			return fmt.Errorf("row %s: %w", row.LegacyID, err)
		}
		seenConvs[conv.ID] = true

		var md store.Metadata
		md.SetSystem(store.MetaLegacyID, row.LegacyID)

		switch row.Role {
		case RoleQuery:
			_, created, err := lk.PersistQuery(ctx, linker.QueryInput{
				ConversationID:    conv.ID,
				UserID:            u.ID,
				Content:           row.Content,
				ExternalMessageID: row.ExternalMessageID,
				Metadata:          md,
				At:                row.CreatedAt,
			})
			if err != nil {
				return fmt.Errorf("row %s: %w", row.LegacyID, err)
			}
			if created {
				rep.Queries++
			} else {
				rep.Duplicates++
			}

		case RoleResponse:
			resp := &store.ResponseData{
				BaseModel:         store.BaseModel{CreatedAt: row.CreatedAt},
				Content:           row.Content,
				ExternalMessageID: store.StringPtr(row.ExternalMessageID),
				Generation:        store.GenerationMeta{Model: row.Model},
				Metadata:          md,
			}
			if row.Error != "" {
				resp.Error = &store.ErrorInfo{Kind: store.ErrorKindLegacy, Message: row.Error}
			}
			p, ok := byConv[conv.ID]
			if !ok {
				p = &pending{conversationID: conv.ID}
				byConv[conv.ID] = p
				convOrder = append(convOrder, conv.ID)
			}
			p.batch = append(p.batch, resp)
		}
	}

	for _, id := range convOrder {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := r.linkConversation(ctx, tx, lk, byConv[id], rep); err != nil {
			return err
		}
	}

	rep.Users = len(seenUsers)
	rep.Conversations = len(seenConvs)
	return nil
}

func (r *Reconciler) linkConversation(ctx context.Context, tx *store.Stores, lk *linker.Linker, p *pending, rep *Report) error {
	before, err := tx.Messages.ListResponses(ctx, p.conversationID, 0)
	if err != nil {
		return fmt.Errorf("list responses: %w", err)
	}
	existing := make(map[uuid.UUID]bool, len(before))
	for _, resp := range before {
		existing[resp.ID] = true
	}

	linked, err := lk.LinkOrphanResponses(ctx, p.conversationID, p.batch)
	if err != nil {
		return fmt.Errorf("link conversation %s: %w", p.conversationID, err)
	}
	for _, resp := range linked {
		if existing[resp.ID] {
			rep.Duplicates++
			continue
		}
		existing[resp.ID] = true
		rep.Responses++
		if resp.Error != nil {
			rep.FailedResponses++
		}
		strategy := resp.Metadata.System[store.MetaLinkStrategy]
		rep.Strategies[strategy]++
		switch strategy {
		case linker.StrategyPlaceholder:
			rep.Placeholders++
		case linker.StrategyEarliest:
			rep.Fallbacks++
		}
	}
	return nil
}
