package linker

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/nextlevelbuilder/convlink/internal/store"
)

// Strategy names recorded in a linked response's link_strategy metadata.
const (
	StrategyLive        = "live"
	StrategyPreceding   = "preceding"
	StrategyPlaceholder = "placeholder"
	StrategyEarliest    = "earliest"
)

// DefaultPlaceholderEpsilon is how far before its response a placeholder query is stamped.
const DefaultPlaceholderEpsilon = time.Millisecond

// Strategy picks the query an orphan response belongs to.
// A nil query with nil error means the strategy does not apply.
type Strategy interface {
	Name() string
	Resolve(ctx context.Context, lc *LinkContext) (*store.QueryData, error)
}

// LinkContext is the state a strategy sees while one conversation's orphan
// responses are linked. Queries and Responses are kept in creation order;
// Responses holds stored rows and every response of the batch.
type LinkContext struct {
	Conversation *store.ConversationData
	Response     *store.ResponseData
	Queries      []store.QueryData
	Responses    []store.ResponseData
	Messages     store.MessageStore
	Epsilon      time.Duration
}

func (lc *LinkContext) addQuery(q store.QueryData) {
	lc.Queries = append(lc.Queries, q)
	sortQueries(lc.Queries)
}

// precedingReal returns the index of the nearest non-placeholder query created
// at or before the current response, or -1.
func (lc *LinkContext) precedingReal() int {
	idx := -1
	for i := range lc.Queries {
		q := &lc.Queries[i]
		if q.CreatedAt.After(lc.Response.CreatedAt) {
			break
		}
		if !q.IsPlaceholder() {
			idx = i
		}
	}
	return idx
}

// answerWindow counts responses created between query i and the next real query.
func (lc *LinkContext) answerWindow(i int) int {
	start := lc.Queries[i].CreatedAt
	var end *time.Time
	for j := i + 1; j < len(lc.Queries); j++ {
		if !lc.Queries[j].IsPlaceholder() {
			t := lc.Queries[j].CreatedAt
			end = &t
			break
		}
	}
	n := 0
	for _, r := range lc.Responses {
		if r.CreatedAt.Before(start) {
			continue
		}
		if end != nil && !r.CreatedAt.Before(*end) {
			continue
		}
		n++
	}
	return n
}

// PrecedingQuery binds to the real query right before the response, unless
// its answer window holds other responses that could claim it too.
type PrecedingQuery struct{}

func (PrecedingQuery) Name() string { return StrategyPreceding }

func (PrecedingQuery) Resolve(_ context.Context, lc *LinkContext) (*store.QueryData, error) {
	i := lc.precedingReal()
	if i < 0 {
		return nil, nil
	}
	if lc.answerWindow(i) != 1 {
		return nil, nil
	}
	q := lc.Queries[i]
	return &q, nil
}

// PlaceholderQuery synthesizes an empty query just before the response when
// no real query precedes it at all.
type PlaceholderQuery struct{}

func (PlaceholderQuery) Name() string { return StrategyPlaceholder }

func (PlaceholderQuery) Resolve(ctx context.Context, lc *LinkContext) (*store.QueryData, error) {
	if lc.precedingReal() >= 0 {
		return nil, nil
	}
	eps := lc.Epsilon
	if eps <= 0 {
		eps = DefaultPlaceholderEpsilon
	}
	var md store.Metadata
	md.SetSystem(store.MetaPlaceholder, "true")

	q, _, err := lc.Messages.InsertQuery(ctx, &store.QueryData{
		BaseModel:      store.BaseModel{CreatedAt: lc.Response.CreatedAt.Add(-eps)},
		ConversationID: lc.Conversation.ID,
		UserID:         lc.Conversation.UserID,
		Metadata:       md,
		DeliveryStatus: store.DeliveryAnswered,
	})
	if err != nil {
		return nil, fmt.Errorf("insert placeholder query: %w", err)
	}
	lc.addQuery(*q)
	return q, nil
}

// EarliestQuery is the last resort: the first query of the conversation.
// Real queries are preferred over placeholders made for other responses.
type EarliestQuery struct{}

func (EarliestQuery) Name() string { return StrategyEarliest }

func (EarliestQuery) Resolve(_ context.Context, lc *LinkContext) (*store.QueryData, error) {
	if len(lc.Queries) == 0 {
		return nil, nil
	}
	for _, q := range lc.Queries {
		if !q.IsPlaceholder() {
			return &q, nil
		}
	}
	q := lc.Queries[0]
	return &q, nil
}

// DefaultStrategies is the ordered chain used by backfill.
func DefaultStrategies() []Strategy {
	return []Strategy{PrecedingQuery{}, PlaceholderQuery{}, EarliestQuery{}}
}

func sortQueries(qs []store.QueryData) {
	sort.SliceStable(qs, func(i, j int) bool {
		if !qs[i].CreatedAt.Equal(qs[j].CreatedAt) {
			return qs[i].CreatedAt.Before(qs[j].CreatedAt)
		}
		return qs[i].ID.String() < qs[j].ID.String()
	})
}

func sortResponses(rs []store.ResponseData) {
	sort.SliceStable(rs, func(i, j int) bool {
		return rs[i].CreatedAt.Before(rs[j].CreatedAt)
	})
}
