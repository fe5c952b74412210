// Package linker persists queries and responses and keeps every response
// bound to a query of its own conversation.
package linker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/nextlevelbuilder/convlink/internal/store"
)

// Linker is stateless apart from its stores; bind one to transaction stores
// with New(tx) to link inside a batch.
type Linker struct {
	msgs       store.MessageStore
	convs      store.ConversationStore
	strategies []Strategy
	epsilon    time.Duration
}

// Option customizes a Linker.
type Option func(*Linker)

// WithStrategies replaces the orphan strategy chain.
func WithStrategies(s ...Strategy) Option {
	return func(l *Linker) { l.strategies = s }
}

// WithPlaceholderEpsilon sets how far before its response a placeholder is stamped.
func WithPlaceholderEpsilon(d time.Duration) Option {
	return func(l *Linker) { l.epsilon = d }
}

func New(stores *store.Stores, opts ...Option) *Linker {
	l := &Linker{
		msgs:       stores.Messages,
		convs:      stores.Conversations,
		strategies: DefaultStrategies(),
		epsilon:    DefaultPlaceholderEpsilon,
	}
	for _, o := range opts {
		o(l)
	}
	return l
}

// QueryInput describes an inbound message to persist.
type QueryInput struct {
	ConversationID    uuid.UUID
	UserID            uuid.UUID
	Content           string
	ExternalMessageID string
	Metadata          store.Metadata
	At                time.Time
}

// ResponseInput describes an outbound reply to persist.
type ResponseInput struct {
	QueryID           uuid.UUID
	ConversationID    uuid.UUID
	Content           string
	ExternalMessageID string
	Generation        store.GenerationMeta
	Metadata          store.Metadata
	At                time.Time
}

// PersistQuery inserts the query and bumps the conversation counters in one
// atomic step. A known external message id returns the stored row with
// created=false and changes nothing.
func (l *Linker) PersistQuery(ctx context.Context, in QueryInput) (*store.QueryData, bool, error) {
	if err := in.Metadata.Validate(); err != nil {
		return nil, false, fmt.Errorf("persist query: %w", err)
	}
	q, created, err := l.msgs.InsertQuery(ctx, &store.QueryData{
		BaseModel:         store.BaseModel{CreatedAt: in.At},
		ConversationID:    in.ConversationID,
		UserID:            in.UserID,
		Content:           in.Content,
		ExternalMessageID: store.StringPtr(in.ExternalMessageID),
		Metadata:          in.Metadata,
		DeliveryStatus:    store.DeliveryReceived,
	})
	if err != nil {
		return nil, false, fmt.Errorf("persist query: %w", err)
	}
	if !created {
		slog.Debug("query already persisted", "query", q.ID, "external_id", in.ExternalMessageID)
	}
	return q, created, nil
}

// PersistResponse stores a successful reply and marks its query answered.
func (l *Linker) PersistResponse(ctx context.Context, in ResponseInput) (*store.ResponseData, error) {
	md := in.Metadata.Clone()
	if md.System[store.MetaLinkStrategy] == "" {
		md.SetSystem(store.MetaLinkStrategy, StrategyLive)
	}
	return l.persist(ctx, in, md, nil, store.DeliveryAnswered)
}

// RecordFailure stores a response with empty content and the failure recorded,
// so every attempted query still ends with exactly one response.
func (l *Linker) RecordFailure(ctx context.Context, in ResponseInput, cause error) (*store.ResponseData, error) {
	kind := store.ErrorKindTransientIO
	if errors.Is(cause, context.DeadlineExceeded) {
		kind = store.ErrorKindTimeout
	}
	msg := "unknown failure"
	if cause != nil {
		msg = cause.Error()
	}
	md := in.Metadata.Clone()
	md.SetSystem(store.MetaLinkStrategy, StrategyLive)
	in.Content = ""
	return l.persist(ctx, in, md, &store.ErrorInfo{Kind: kind, Message: msg}, store.DeliveryFailed)
}

func (l *Linker) persist(ctx context.Context, in ResponseInput, md store.Metadata, errInfo *store.ErrorInfo, status store.DeliveryStatus) (*store.ResponseData, error) {
	if err := md.Validate(); err != nil {
		return nil, fmt.Errorf("persist response: %w", err)
	}
	r, created, err := l.msgs.InsertResponse(ctx, &store.ResponseData{
		BaseModel:         store.BaseModel{CreatedAt: in.At},
		QueryID:           in.QueryID,
		ConversationID:    in.ConversationID,
		Content:           in.Content,
		ExternalMessageID: store.StringPtr(in.ExternalMessageID),
		Generation:        in.Generation,
		Error:             errInfo,
		Metadata:          md,
	})
	if err != nil {
		return nil, fmt.Errorf("persist response: %w", err)
	}
	if created {
		if err := l.msgs.SetQueryStatus(ctx, in.QueryID, status); err != nil {
			return nil, fmt.Errorf("mark query %s: %w", status, err)
		}
	}
	return r, nil
}

// Turn is one prompt-context entry.
type Turn struct {
	Role    string // "user" or "assistant"
	Content string
	At      time.Time
}

// History returns up to limit recent turns in creation order. Placeholder
// queries and failed responses carry no content and are skipped.
func (l *Linker) History(ctx context.Context, conversationID uuid.UUID, limit int) ([]Turn, error) {
	qs, err := l.msgs.ListQueries(ctx, conversationID, limit)
	if err != nil {
		return nil, fmt.Errorf("history queries: %w", err)
	}
	rs, err := l.msgs.ListResponses(ctx, conversationID, limit)
	if err != nil {
		return nil, fmt.Errorf("history responses: %w", err)
	}

	turns := make([]Turn, 0, len(qs)+len(rs))
	for _, q := range qs {
		if q.IsPlaceholder() || q.Content == "" {
			continue
		}
		turns = append(turns, Turn{Role: "user", Content: q.Content, At: q.CreatedAt})
	}
	for _, r := range rs {
		if r.Error != nil || r.Content == "" {
			continue
		}
		turns = append(turns, Turn{Role: "assistant", Content: r.Content, At: r.CreatedAt})
	}
	sort.SliceStable(turns, func(i, j int) bool { return turns[i].At.Before(turns[j].At) })
	if limit > 0 && len(turns) > limit {
		turns = turns[len(turns)-limit:]
	}
	return turns, nil
}

// LinkOrphanResponse links a single response with no known query.
func (l *Linker) LinkOrphanResponse(ctx context.Context, conversationID uuid.UUID, r *store.ResponseData) (*store.ResponseData, error) {
	out, err := l.LinkOrphanResponses(ctx, conversationID, []*store.ResponseData{r})
	if err != nil {
		return nil, err
	}
	return out[0], nil
}

// LinkOrphanResponses resolves a query for every response of one
// conversation through the strategy chain, in creation order. The whole batch
// is visible to each strategy, so siblings competing for one query are seen.
// Callers run it inside a transaction: a failure leaves placeholders behind.
func (l *Linker) LinkOrphanResponses(ctx context.Context, conversationID uuid.UUID, batch []*store.ResponseData) ([]*store.ResponseData, error) {
	if len(batch) == 0 {
		return nil, nil
	}
	conv, err := l.convs.GetConversation(ctx, conversationID)
	if err != nil {
		return nil, fmt.Errorf("link orphans: %w", err)
	}
	queries, err := l.msgs.ListQueries(ctx, conversationID, 0)
	if err != nil {
		return nil, fmt.Errorf("link orphans: %w", err)
	}
	stored, err := l.msgs.ListResponses(ctx, conversationID, 0)
	if err != nil {
		return nil, fmt.Errorf("link orphans: %w", err)
	}

	known := make(map[string]store.ResponseData)
	for _, r := range stored {
		if r.ExternalMessageID != nil {
			known[*r.ExternalMessageID] = r
		}
	}

	ordered := make([]*store.ResponseData, len(batch))
	copy(ordered, batch)
	sort.SliceStable(ordered, func(i, j int) bool { return ordered[i].CreatedAt.Before(ordered[j].CreatedAt) })

	lc := &LinkContext{
		Conversation: conv,
		Queries:      queries,
		Responses:    stored,
		Messages:     l.msgs,
		Epsilon:      l.epsilon,
	}
	sortQueries(lc.Queries)
	for _, r := range ordered {
		if r.ExternalMessageID != nil {
			if _, dup := known[*r.ExternalMessageID]; dup {
				continue
			}
		}
		lc.Responses = append(lc.Responses, *r)
	}
	sortResponses(lc.Responses)

	results := make(map[*store.ResponseData]*store.ResponseData, len(batch))
	for _, r := range ordered {
		if r.ExternalMessageID != nil {
			if existing, dup := known[*r.ExternalMessageID]; dup {
				e := existing
				results[r] = &e
				continue
			}
		}
		linked, err := l.linkOne(ctx, lc, r)
		if err != nil {
			return nil, err
		}
		results[r] = linked
	}

	out := make([]*store.ResponseData, len(batch))
	for i, r := range batch {
		out[i] = results[r]
	}
	return out, nil
}

func (l *Linker) linkOne(ctx context.Context, lc *LinkContext, r *store.ResponseData) (*store.ResponseData, error) {
	if r.CreatedAt.IsZero() {
		return nil, fmt.Errorf("orphan response without timestamp: %w", store.ErrConstraintViolation)
	}
	lc.Response = r

	var (
		q        *store.QueryData
		strategy string
	)
	for _, s := range l.strategies {
		found, err := s.Resolve(ctx, lc)
		if err != nil {
			return nil, fmt.Errorf("strategy %s: %w", s.Name(), err)
		}
		if found != nil {
			q, strategy = found, s.Name()
			break
		}
	}
	if q == nil {
		return nil, fmt.Errorf("no query for orphan response at %s in conversation %s: %w",
			r.CreatedAt.Format(time.RFC3339Nano), lc.Conversation.ID, store.ErrConstraintViolation)
	}

	md := r.Metadata.Clone()
	md.SetSystem(store.MetaLinkStrategy, strategy)
	if strategy == StrategyEarliest {
		md.SetSystem(store.MetaFallbackUsed, "true")
	}
	row := *r
	row.QueryID = q.ID
	row.ConversationID = lc.Conversation.ID
	row.Metadata = md

	out, _, err := l.msgs.InsertResponse(ctx, &row)
	if err != nil {
		return nil, fmt.Errorf("insert linked response: %w", err)
	}
	status := store.DeliveryAnswered
	if out.Error != nil {
		status = store.DeliveryFailed
	}
	if !q.IsPlaceholder() {
		if err := l.msgs.SetQueryStatus(ctx, q.ID, status); err != nil {
			return nil, fmt.Errorf("mark query: %w", err)
		}
	}
	slog.Debug("orphan response linked", "response", out.ID, "query", q.ID, "strategy", strategy)
	return out, nil
}
