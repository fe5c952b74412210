package linker

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nextlevelbuilder/convlink/internal/store"
	"github.com/nextlevelbuilder/convlink/internal/store/memory"
)

type fixture struct {
	db     *memory.DB
	stores *store.Stores
	linker *Linker
	user   *store.UserData
	conv   *store.ConversationData
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()
	db, err := memory.New("")
	require.NoError(t, err)
	stores := db.Stores()
	u, err := stores.Users.UpsertUser(ctx, &store.UserData{Platform: store.PlatformLegacy, PlatformUserID: "U1"})
	require.NoError(t, err)
	c := &store.ConversationData{UserID: u.ID, Platform: store.PlatformLegacy, Channel: "C1"}
	require.NoError(t, stores.Conversations.CreateConversation(ctx, c))
	return &fixture{db: db, stores: stores, linker: New(stores), user: u, conv: c}
}

func (f *fixture) query(t *testing.T, at time.Time, content string) *store.QueryData {
	t.Helper()
	q, _, err := f.linker.PersistQuery(context.Background(), QueryInput{
		ConversationID: f.conv.ID, UserID: f.user.ID, Content: content, At: at,
	})
	require.NoError(t, err)
	return q
}

func orphan(at time.Time, content string) *store.ResponseData {
	return &store.ResponseData{BaseModel: store.BaseModel{CreatedAt: at}, Content: content}
}

func TestPersistQuery_Idempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	in := QueryInput{ConversationID: f.conv.ID, UserID: f.user.ID, Content: "hello", ExternalMessageID: "tg-1"}

	q1, created, err := f.linker.PersistQuery(ctx, in)
	require.NoError(t, err)
	assert.True(t, created)
	q2, created, err := f.linker.PersistQuery(ctx, in)
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, q1.ID, q2.ID)

	conv, err := f.stores.Conversations.GetConversation(ctx, f.conv.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, conv.MessageCount)
}

func TestPersistQuery_RejectsInvalidMetadata(t *testing.T) {
	f := newFixture(t)
	var md store.Metadata
	md.SetPlatform("pager", "k", "v")
	_, _, err := f.linker.PersistQuery(context.Background(), QueryInput{
		ConversationID: f.conv.ID, UserID: f.user.ID, Metadata: md,
	})
	assert.ErrorIs(t, err, store.ErrConstraintViolation)
}

func TestPersistResponse_MarksQueryAndCounts(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	q := f.query(t, time.Time{}, "hello")

	r, err := f.linker.PersistResponse(ctx, ResponseInput{
		QueryID: q.ID, ConversationID: f.conv.ID, Content: "hi there", ExternalMessageID: "tg-2",
		Generation: store.GenerationMeta{Model: "m", PromptTokens: 3, CompletionTokens: 2, LatencyMS: 40},
	})
	require.NoError(t, err)
	assert.Equal(t, q.ID, r.QueryID)
	assert.Equal(t, StrategyLive, r.Metadata.System[store.MetaLinkStrategy])

	again, err := f.linker.PersistResponse(ctx, ResponseInput{
		QueryID: q.ID, ConversationID: f.conv.ID, Content: "hi there", ExternalMessageID: "tg-2",
	})
	require.NoError(t, err)
	assert.Equal(t, r.ID, again.ID)

	stored, err := f.stores.Messages.GetQuery(ctx, q.ID)
	require.NoError(t, err)
	assert.Equal(t, store.DeliveryAnswered, stored.DeliveryStatus)

	conv, err := f.stores.Conversations.GetConversation(ctx, f.conv.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, conv.MessageCount)
}

func TestPersistResponse_UnknownQuery(t *testing.T) {
	f := newFixture(t)
	_, err := f.linker.PersistResponse(context.Background(), ResponseInput{
		QueryID: store.GenNewID(), ConversationID: f.conv.ID, Content: "x",
	})
	assert.ErrorIs(t, err, store.ErrConstraintViolation)
}

func TestRecordFailure(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	tests := []struct {
		name  string
		cause error
		kind  string
	}{
		{"timeout", fmt.Errorf("complete: %w", context.DeadlineExceeded), store.ErrorKindTimeout},
		{"transient", fmt.Errorf("upstream 502: %w", store.ErrTransientIO), store.ErrorKindTransientIO},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			q := f.query(t, time.Time{}, "question")
			r, err := f.linker.RecordFailure(ctx, ResponseInput{
				QueryID: q.ID, ConversationID: f.conv.ID, Content: "should be dropped",
			}, tt.cause)
			require.NoError(t, err)
			assert.Empty(t, r.Content)
			require.NotNil(t, r.Error)
			assert.Equal(t, tt.kind, r.Error.Kind)
			assert.Contains(t, r.Error.Message, tt.cause.Error())

			stored, err := f.stores.Messages.GetQuery(ctx, q.ID)
			require.NoError(t, err)
			assert.Equal(t, store.DeliveryFailed, stored.DeliveryStatus)
		})
	}
}

func TestHistory(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	t0 := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	for i := 0; i < 4; i++ {
		q := f.query(t, t0.Add(time.Duration(2*i)*time.Minute), fmt.Sprintf("q%d", i))
		in := ResponseInput{QueryID: q.ID, ConversationID: f.conv.ID, Content: fmt.Sprintf("a%d", i),
			At: t0.Add(time.Duration(2*i+1) * time.Minute)}
		if i == 2 {
			_, err := f.linker.RecordFailure(ctx, in, errors.New("boom"))
			require.NoError(t, err)
			continue
		}
		_, err := f.linker.PersistResponse(ctx, in)
		require.NoError(t, err)
	}

	all, err := f.linker.History(ctx, f.conv.ID, 0)
	require.NoError(t, err)
	var got []string
	for _, turn := range all {
		got = append(got, turn.Role+":"+turn.Content)
	}
	assert.Equal(t, []string{
		"user:q0", "assistant:a0", "user:q1", "assistant:a1", "user:q2", "user:q3", "assistant:a3",
	}, got)

	recent, err := f.linker.History(ctx, f.conv.ID, 3)
	require.NoError(t, err)
	require.Len(t, recent, 3)
	assert.Equal(t, "q2", recent[0].Content)
	assert.Equal(t, "a3", recent[2].Content)
}

// Five responses after a single query all compete for it, so none may take it
// via "preceding": every one is bound by the earliest-query fallback.
func TestLinkOrphanResponses_FiveResponsesOneQuery(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	t0 := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	q0 := f.query(t, t0, "only question")

	var batch []*store.ResponseData
	for i := 1; i <= 5; i++ {
		batch = append(batch, orphan(t0.Add(time.Duration(i)*time.Minute), fmt.Sprintf("r%d", i)))
	}
	out, err := f.linker.LinkOrphanResponses(ctx, f.conv.ID, batch)
	require.NoError(t, err)
	require.Len(t, out, 5)

	for i, r := range out {
		assert.Equal(t, q0.ID, r.QueryID, "response %d", i+1)
		assert.Equal(t, "true", r.Metadata.System[store.MetaFallbackUsed])
		assert.Equal(t, StrategyEarliest, r.Metadata.System[store.MetaLinkStrategy])
		assert.Equal(t, fmt.Sprintf("r%d", i+1), r.Content)
	}

	qs, err := f.stores.Messages.ListQueries(ctx, f.conv.ID, 0)
	require.NoError(t, err)
	assert.Len(t, qs, 1, "no placeholder is created when a real query precedes")
}

func TestLinkOrphanResponses_MixedStrategies(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	t0 := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	// r0 | q1 r1 | q2 r2a r2b
	q1 := f.query(t, t0.Add(2*time.Minute), "q1")
	f.query(t, t0.Add(4*time.Minute), "q2")
	r0 := orphan(t0, "r0")
	r1 := orphan(t0.Add(3*time.Minute), "r1")
	r2a := orphan(t0.Add(5*time.Minute), "r2a")
	r2b := orphan(t0.Add(6*time.Minute), "r2b")

	out, err := f.linker.LinkOrphanResponses(ctx, f.conv.ID, []*store.ResponseData{r2b, r0, r1, r2a})
	require.NoError(t, err)
	byContent := map[string]*store.ResponseData{}
	for _, r := range out {
		byContent[r.Content] = r
	}

	assert.Equal(t, StrategyPlaceholder, byContent["r0"].Metadata.System[store.MetaLinkStrategy])
	ph, err := f.stores.Messages.GetQuery(ctx, byContent["r0"].QueryID)
	require.NoError(t, err)
	assert.True(t, ph.IsPlaceholder())
	assert.Equal(t, t0.Add(-DefaultPlaceholderEpsilon), ph.CreatedAt)
	assert.Equal(t, f.user.ID, ph.UserID)

	assert.Equal(t, q1.ID, byContent["r1"].QueryID)
	assert.Equal(t, StrategyPreceding, byContent["r1"].Metadata.System[store.MetaLinkStrategy])
	assert.Empty(t, byContent["r1"].Metadata.System[store.MetaFallbackUsed])

	// q2's window holds two responses, so both fall back to the earliest real query.
	for _, name := range []string{"r2a", "r2b"} {
		assert.Equal(t, q1.ID, byContent[name].QueryID, name)
		assert.Equal(t, "true", byContent[name].Metadata.System[store.MetaFallbackUsed], name)
	}

	conv, err := f.stores.Conversations.GetConversation(ctx, f.conv.ID)
	require.NoError(t, err)
	assert.Equal(t, 3+4, conv.MessageCount, "two queries, one placeholder, four responses")

	v, err := f.stores.Invariants.CheckInvariants(ctx)
	require.NoError(t, err)
	assert.Empty(t, v)
}

func TestLinkOrphanResponses_SkipsKnownExternalIDs(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	t0 := time.Now().UTC()
	f.query(t, t0, "q")

	r := orphan(t0.Add(time.Second), "a")
	r.ExternalMessageID = store.StringPtr("out-1")
	first, err := f.linker.LinkOrphanResponse(ctx, f.conv.ID, r)
	require.NoError(t, err)

	again := orphan(t0.Add(time.Second), "a")
	again.ExternalMessageID = store.StringPtr("out-1")
	second, err := f.linker.LinkOrphanResponse(ctx, f.conv.ID, again)
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)

	rs, err := f.stores.Messages.ListResponses(ctx, f.conv.ID, 0)
	require.NoError(t, err)
	assert.Len(t, rs, 1)
}

func TestLinkOrphanResponses_NoStrategyApplies(t *testing.T) {
	f := newFixture(t)
	l := New(f.stores, WithStrategies(PrecedingQuery{}))
	_, err := l.LinkOrphanResponse(context.Background(), f.conv.ID, orphan(time.Now(), "x"))
	assert.ErrorIs(t, err, store.ErrConstraintViolation)
}

// A legacy log where 30% of responses have no query of their own still ends
// with every response bound to an existing query of its conversation.
func TestLinkOrphanResponses_ThirtyPercentOrphans(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	rng := rand.New(rand.NewSource(7))
	t0 := time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC)

	var batch []*store.ResponseData
	at := t0
	for i := 0; i < 100; i++ {
		at = at.Add(time.Minute)
		if rng.Float64() >= 0.3 {
			f.query(t, at, fmt.Sprintf("q%d", i))
			at = at.Add(time.Second)
		}
		batch = append(batch, orphan(at, fmt.Sprintf("r%d", i)))
	}

	err := f.stores.Tx.WithinTx(ctx, func(tx *store.Stores) error {
		_, err := New(tx).LinkOrphanResponses(ctx, f.conv.ID, batch)
		return err
	})
	require.NoError(t, err)

	rs, err := f.stores.Messages.ListResponses(ctx, f.conv.ID, 0)
	require.NoError(t, err)
	require.Len(t, rs, 100)
	for _, r := range rs {
		q, err := f.stores.Messages.GetQuery(ctx, r.QueryID)
		require.NoError(t, err)
		assert.Equal(t, r.ConversationID, q.ConversationID)
		assert.NotEmpty(t, r.Metadata.System[store.MetaLinkStrategy])
	}

	v, err := f.stores.Invariants.CheckInvariants(ctx)
	require.NoError(t, err)
	assert.Empty(t, v)
}
