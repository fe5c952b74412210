package memory

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nextlevelbuilder/convlink/internal/store"
)

func newTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := New("")
	require.NoError(t, err)
	return db
}

func seedConversation(t *testing.T, db *DB) (*store.UserData, *store.ConversationData) {
	t.Helper()
	ctx := context.Background()
	u, err := db.UpsertUser(ctx, &store.UserData{Platform: store.PlatformTelegram, PlatformUserID: "42"})
	require.NoError(t, err)
	c := &store.ConversationData{UserID: u.ID, Platform: store.PlatformTelegram, Channel: "C1"}
	require.NoError(t, db.CreateConversation(ctx, c))
	return u, c
}

func TestUpsertUser_MergesAttributes(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	first, err := db.UpsertUser(ctx, &store.UserData{
		Platform: store.PlatformDiscord, PlatformUserID: "u1", DisplayName: "Ana", Locale: "pt",
	})
	require.NoError(t, err)

	second, err := db.UpsertUser(ctx, &store.UserData{
		Platform: store.PlatformDiscord, PlatformUserID: "u1", Username: "ana_b",
		LastSeenAt: first.LastSeenAt.Add(time.Minute),
	})
	require.NoError(t, err)

	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, "Ana", second.DisplayName, "empty attrs never erase")
	assert.Equal(t, "ana_b", second.Username)
	assert.Equal(t, "pt", second.Locale)
	assert.True(t, second.LastSeenAt.After(first.LastSeenAt))
}

func TestUpsertUser_ConcurrentSameKey(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := db.UpsertUser(ctx, &store.UserData{Platform: store.PlatformTelegram, PlatformUserID: "same"})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()
	assert.Len(t, db.st.users, 1)
}

func TestInsertQuery_Idempotent(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	u, c := seedConversation(t, db)

	q := &store.QueryData{ConversationID: c.ID, UserID: u.ID, Content: "hello", ExternalMessageID: store.StringPtr("m1")}
	first, created, err := db.InsertQuery(ctx, q)
	require.NoError(t, err)
	require.True(t, created)

	again, created, err := db.InsertQuery(ctx, &store.QueryData{
		ConversationID: c.ID, UserID: u.ID, Content: "hello", ExternalMessageID: store.StringPtr("m1"),
	})
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, first.ID, again.ID)

	conv, err := db.GetConversation(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, conv.MessageCount)
}

func TestInsertResponse_RequiresQueryOfSameConversation(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	u, c := seedConversation(t, db)

	other := &store.ConversationData{UserID: u.ID, Platform: store.PlatformTelegram, Channel: "C2"}
	require.NoError(t, db.CreateConversation(ctx, other))
	q, _, err := db.InsertQuery(ctx, &store.QueryData{ConversationID: other.ID, UserID: u.ID, Content: "x"})
	require.NoError(t, err)

	_, _, err = db.InsertResponse(ctx, &store.ResponseData{QueryID: q.ID, ConversationID: c.ID, Content: "y"})
	assert.True(t, errors.Is(err, store.ErrConstraintViolation))

	_, _, err = db.InsertResponse(ctx, &store.ResponseData{QueryID: store.GenNewID(), ConversationID: c.ID})
	assert.True(t, errors.Is(err, store.ErrConstraintViolation))
}

func TestUpsertThreadedConversation_Concurrent(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	u, _ := seedConversation(t, db)

	ids := make(chan string, 50)
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c, _, err := db.UpsertThreadedConversation(ctx, &store.ConversationData{
				UserID: u.ID, Platform: store.PlatformTelegram, Channel: "C1", Thread: store.StringPtr("T9"),
			})
			if assert.NoError(t, err) {
				ids <- c.ID.String()
			}
		}()
	}
	wg.Wait()
	close(ids)

	distinct := map[string]bool{}
	for id := range ids {
		distinct[id] = true
	}
	assert.Len(t, distinct, 1)
}

func TestFindNonThreadedConversations_WindowAndOrder(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	u, _ := seedConversation(t, db)
	now := time.Now().UTC()

	old := &store.ConversationData{UserID: u.ID, Platform: store.PlatformSlack, Channel: "D", LastActivityAt: now.Add(-48 * time.Hour)}
	mid := &store.ConversationData{UserID: u.ID, Platform: store.PlatformSlack, Channel: "D", LastActivityAt: now.Add(-2 * time.Hour)}
	recent := &store.ConversationData{UserID: u.ID, Platform: store.PlatformSlack, Channel: "D", LastActivityAt: now.Add(-time.Minute)}
	archived := &store.ConversationData{UserID: u.ID, Platform: store.PlatformSlack, Channel: "D", LastActivityAt: now, Status: store.ConversationArchived}
	for _, c := range []*store.ConversationData{old, mid, recent, archived} {
		require.NoError(t, db.CreateConversation(ctx, c))
	}

	got, err := db.FindNonThreadedConversations(ctx, store.ConversationLookup{
		Platform: store.PlatformSlack, UserID: u.ID, Channel: "D", ActiveSince: now.Add(-24 * time.Hour),
	})
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, recent.ID, got[0].ID)
	assert.Equal(t, mid.ID, got[1].ID)

	all, err := db.FindNonThreadedConversations(ctx, store.ConversationLookup{
		Platform: store.PlatformSlack, UserID: u.ID, Channel: "D",
	})
	require.NoError(t, err)
	assert.Len(t, all, 3)
}

func TestReactions_AddRemoveStaleAdd(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	u, c := seedConversation(t, db)
	q, _, err := db.InsertQuery(ctx, &store.QueryData{ConversationID: c.ID, UserID: u.ID, Content: "q"})
	require.NoError(t, err)
	r, _, err := db.InsertResponse(ctx, &store.ResponseData{QueryID: q.ID, ConversationID: c.ID, Content: "a"})
	require.NoError(t, err)

	t0 := time.Now().UTC()
	add := func(at time.Time) bool {
		_, created, err := db.AddReaction(ctx, &store.ReactionData{
			BaseModel: store.BaseModel{CreatedAt: at}, ResponseID: r.ID, UserID: u.ID, Label: "thumbs_up",
		})
		require.NoError(t, err)
		return created
	}
	key := store.ReactionKey{ResponseID: r.ID, UserID: u.ID, Label: "thumbs_up"}

	assert.True(t, add(t0))
	assert.False(t, add(t0.Add(time.Second)), "second add while active is a no-op")

	removed, wasActive, err := db.RemoveReaction(ctx, key, t0.Add(2*time.Second))
	require.NoError(t, err)
	assert.True(t, wasActive)
	assert.NotNil(t, removed.RemovedAt)

	assert.False(t, add(t0.Add(time.Second)), "add older than the removal is stale")

	// Nothing active: a later removal leaves a tombstone.
	tomb, wasActive, err := db.RemoveReaction(ctx, key, t0.Add(3*time.Second))
	require.NoError(t, err)
	assert.False(t, wasActive)
	require.NotNil(t, tomb.RemovedAt)
	assert.Equal(t, tomb.CreatedAt, *tomb.RemovedAt)

	_, _, err = db.RemoveReaction(ctx, key, t0.Add(3*time.Second))
	assert.True(t, errors.Is(err, store.ErrNotFound), "redelivered removal writes nothing")

	n, err := db.CountActiveReactions(ctx, r.ID)
	require.NoError(t, err)
	assert.Zero(t, n)

	all, err := db.ListReactions(ctx, r.ID)
	require.NoError(t, err)
	assert.Len(t, all, 2)

	violations, err := db.CheckInvariants(ctx)
	require.NoError(t, err)
	assert.Empty(t, violations)
}

func TestReactions_RemovalBeforeAdd(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	u, c := seedConversation(t, db)
	q, _, err := db.InsertQuery(ctx, &store.QueryData{ConversationID: c.ID, UserID: u.ID, Content: "q"})
	require.NoError(t, err)
	r, _, err := db.InsertResponse(ctx, &store.ResponseData{QueryID: q.ID, ConversationID: c.ID, Content: "a"})
	require.NoError(t, err)

	t0 := time.Now().UTC()
	key := store.ReactionKey{ResponseID: r.ID, UserID: u.ID, Label: "heart"}
	_, wasActive, err := db.RemoveReaction(ctx, key, t0.Add(2*time.Second))
	require.NoError(t, err)
	assert.False(t, wasActive)

	_, created, err := db.AddReaction(ctx, &store.ReactionData{
		BaseModel: store.BaseModel{CreatedAt: t0}, ResponseID: r.ID, UserID: u.ID, Label: "heart",
	})
	require.NoError(t, err)
	assert.False(t, created, "add older than the tombstone stays removed")

	_, created, err = db.AddReaction(ctx, &store.ReactionData{
		BaseModel: store.BaseModel{CreatedAt: t0.Add(3 * time.Second)}, ResponseID: r.ID, UserID: u.ID, Label: "heart",
	})
	require.NoError(t, err)
	assert.True(t, created, "add newer than the tombstone wins")
}

func TestWithinTx_RollbackLeavesStateUntouched(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	u, c := seedConversation(t, db)

	boom := errors.New("boom")
	err := db.WithinTx(ctx, func(tx *store.Stores) error {
		_, _, err := tx.Messages.InsertQuery(ctx, &store.QueryData{ConversationID: c.ID, UserID: u.ID, Content: "lost"})
		require.NoError(t, err)
		return boom
	})
	assert.ErrorIs(t, err, boom)

	qs, err := db.ListQueries(ctx, c.ID, 0)
	require.NoError(t, err)
	assert.Empty(t, qs)

	err = db.WithinTx(ctx, func(tx *store.Stores) error {
		_, _, err := tx.Messages.InsertQuery(ctx, &store.QueryData{ConversationID: c.ID, UserID: u.ID, Content: "kept"})
		return err
	})
	require.NoError(t, err)
	qs, err = db.ListQueries(ctx, c.ID, 0)
	require.NoError(t, err)
	assert.Len(t, qs, 1)
}

func TestCheckInvariants(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	u, c := seedConversation(t, db)
	q, _, err := db.InsertQuery(ctx, &store.QueryData{ConversationID: c.ID, UserID: u.ID, Content: "q"})
	require.NoError(t, err)
	_, _, err = db.InsertResponse(ctx, &store.ResponseData{QueryID: q.ID, ConversationID: c.ID})
	require.NoError(t, err)

	v, err := db.CheckInvariants(ctx)
	require.NoError(t, err)
	assert.Empty(t, v)

	// Corrupt the graph directly.
	orphan := &store.ResponseData{BaseModel: store.BaseModel{ID: store.GenNewID()}, QueryID: store.GenNewID(), ConversationID: c.ID}
	db.st.responses[orphan.ID] = orphan

	v, err = db.CheckInvariants(ctx)
	require.NoError(t, err)
	rules := map[string]bool{}
	for _, x := range v {
		rules[x.Rule] = true
	}
	assert.True(t, rules[store.RuleDanglingReference])
	assert.True(t, rules[store.RuleMessageCount])
}

func TestSnapshotRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "graph.json")
	ctx := context.Background()

	db, err := New(path)
	require.NoError(t, err)
	u, c := seedConversation(t, db)
	_, _, err = db.InsertQuery(ctx, &store.QueryData{ConversationID: c.ID, UserID: u.ID, Content: "persisted"})
	require.NoError(t, err)

	require.NoError(t, db.Close())

	reopened, err := New(path)
	require.NoError(t, err)
	conv, err := reopened.GetConversation(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, conv.MessageCount)
	qs, err := reopened.ListQueries(ctx, c.ID, 0)
	require.NoError(t, err)
	require.Len(t, qs, 1)
	assert.Equal(t, "persisted", qs[0].Content)
}

func TestSnapshot_BatchedUntilFlush(t *testing.T) {
	path := filepath.Join(t.TempDir(), "graph.json")
	ctx := context.Background()

	db, err := New(path, WithFlushInterval(time.Hour))
	require.NoError(t, err)
	u, c := seedConversation(t, db)
	for i := 0; i < 20; i++ {
		_, _, err = db.InsertQuery(ctx, &store.QueryData{ConversationID: c.ID, UserID: u.ID, Content: "q"})
		require.NoError(t, err)
	}
	_, err = os.Stat(path)
	assert.True(t, os.IsNotExist(err), "writes are batched, nothing on disk yet")

	require.NoError(t, db.Flush())
	reopened, err := New(path)
	require.NoError(t, err)
	assert.Equal(t, 20, reopened.Counts().Queries)
	_, err = reopened.GetUser(ctx, u.ID)
	require.NoError(t, err)
}

func TestSnapshot_IntervalFlushesInBackground(t *testing.T) {
	path := filepath.Join(t.TempDir(), "graph.json")
	db, err := New(path, WithFlushInterval(10*time.Millisecond))
	require.NoError(t, err)
	seedConversation(t, db)

	assert.Eventually(t, func() bool {
		_, err := os.Stat(path)
		return err == nil
	}, 2*time.Second, 10*time.Millisecond)
}

func TestSnapshot_TransactionIsDurableOnCommit(t *testing.T) {
	path := filepath.Join(t.TempDir(), "graph.json")
	ctx := context.Background()

	db, err := New(path, WithFlushInterval(time.Hour))
	require.NoError(t, err)
	require.NoError(t, db.WithinTx(ctx, func(tx *store.Stores) error {
		_, err := tx.Users.UpsertUser(ctx, &store.UserData{Platform: store.PlatformTelegram, PlatformUserID: "U9"})
		return err
	}))

	reopened, err := New(path)
	require.NoError(t, err)
	assert.Equal(t, 1, reopened.Counts().Users)
}
