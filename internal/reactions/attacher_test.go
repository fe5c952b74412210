package reactions

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nextlevelbuilder/convlink/internal/store"
	"github.com/nextlevelbuilder/convlink/internal/store/memory"
)

var base = time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)

type fixture struct {
	db       *memory.DB
	attacher *Attacher
	user     *store.UserData
	resp     *store.ResponseData
}

// newFixture stores one answered query in telegram channel C1 with reply "r-100".
func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()
	db, err := memory.New("")
	require.NoError(t, err)

	u, err := db.UpsertUser(ctx, &store.UserData{Platform: store.PlatformTelegram, PlatformUserID: "U1"})
	require.NoError(t, err)
	conv := &store.ConversationData{UserID: u.ID, Platform: store.PlatformTelegram, Channel: "C1"}
	require.NoError(t, db.CreateConversation(ctx, conv))
	q, _, err := db.InsertQuery(ctx, &store.QueryData{
		BaseModel: store.BaseModel{CreatedAt: base}, ConversationID: conv.ID, UserID: u.ID, Content: "hi",
	})
	require.NoError(t, err)
	r, _, err := db.InsertResponse(ctx, &store.ResponseData{
		BaseModel: store.BaseModel{CreatedAt: base.Add(time.Second)}, QueryID: q.ID, ConversationID: conv.ID,
		Content: "hello", ExternalMessageID: store.StringPtr("r-100"),
	})
	require.NoError(t, err)
	return &fixture{db: db, attacher: NewAttacher(db, db), user: u, resp: r}
}

func (f *fixture) event(op Op, label string, at time.Duration) Event {
	return Event{
		Platform: store.PlatformTelegram, Channel: "C1", ExternalMessageID: "r-100",
		UserID: f.user.ID, Label: label, Op: op, OccurredAt: base.Add(at),
	}
}

func TestApply_AddThenRemove(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	out, err := f.attacher.Apply(ctx, f.event(OpAdd, "thumbs_up", time.Minute))
	require.NoError(t, err)
	assert.Equal(t, OutcomeAdded, out)
	n, err := f.attacher.ActiveCount(ctx, f.resp.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	// Repeated add while active is a no-op.
	out, err = f.attacher.Apply(ctx, f.event(OpAdd, "thumbs_up", 2*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, OutcomeNoop, out)

	out, err = f.attacher.Apply(ctx, f.event(OpRemove, "thumbs_up", 3*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, OutcomeRemoved, out)
	n, err = f.attacher.ActiveCount(ctx, f.resp.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	// The removed row is kept for history.
	all, err := f.db.ListReactions(ctx, f.resp.ID)
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.False(t, all[0].Active())
}

func TestApply_RemoveWithoutAddIsNoop(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	out, err := f.attacher.Apply(ctx, f.event(OpRemove, "heart", time.Minute))
	require.NoError(t, err)
	assert.Equal(t, OutcomeNoop, out)

	n, err := f.attacher.ActiveCount(ctx, f.resp.ID)
	require.NoError(t, err)
	assert.Zero(t, n)

	// Redelivery of the same removal is a no-op too.
	out, err = f.attacher.Apply(ctx, f.event(OpRemove, "heart", time.Minute))
	require.NoError(t, err)
	assert.Equal(t, OutcomeNoop, out)
}

func TestApply_AnyDeliveryOrderConverges(t *testing.T) {
	// add at 1m, add at 2m, remove at 3m, delivered in every order.
	orders := [][3]int{{0, 1, 2}, {0, 2, 1}, {1, 0, 2}, {1, 2, 0}, {2, 0, 1}, {2, 1, 0}}
	for _, order := range orders {
		t.Run(fmt.Sprint(order), func(t *testing.T) {
			f := newFixture(t)
			ctx := context.Background()
			events := []Event{
				f.event(OpAdd, "thumbs_up", time.Minute),
				f.event(OpAdd, "thumbs_up", 2*time.Minute),
				f.event(OpRemove, "thumbs_up", 3*time.Minute),
			}
			for _, i := range order {
				_, err := f.attacher.Apply(ctx, events[i])
				require.NoError(t, err)
			}

			n, err := f.attacher.ActiveCount(ctx, f.resp.ID)
			require.NoError(t, err)
			assert.Zero(t, n)

			all, err := f.db.ListReactions(ctx, f.resp.ID)
			require.NoError(t, err)
			require.NotEmpty(t, all)
			for _, r := range all {
				assert.NotNil(t, r.RemovedAt)
			}

			violations, err := f.db.CheckInvariants(ctx)
			require.NoError(t, err)
			assert.Empty(t, violations)
		})
	}
}

func TestApply_DelayedAddAfterRemoval(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.attacher.Apply(ctx, f.event(OpAdd, "heart", time.Minute))
	require.NoError(t, err)
	_, err = f.attacher.Apply(ctx, f.event(OpRemove, "heart", 3*time.Minute))
	require.NoError(t, err)

	// An add that happened before the removal but arrived late stays removed.
	out, err := f.attacher.Apply(ctx, f.event(OpAdd, "heart", 2*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, OutcomeStale, out)

	// A genuinely newer add reactivates.
	out, err = f.attacher.Apply(ctx, f.event(OpAdd, "heart", 4*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, OutcomeAdded, out)

	n, err := f.attacher.ActiveCount(ctx, f.resp.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestApply_DistinctLabelsAndUsers(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	other, err := f.db.UpsertUser(ctx, &store.UserData{Platform: store.PlatformTelegram, PlatformUserID: "U2"})
	require.NoError(t, err)

	_, err = f.attacher.Apply(ctx, f.event(OpAdd, "thumbs_up", time.Minute))
	require.NoError(t, err)
	_, err = f.attacher.Apply(ctx, f.event(OpAdd, "heart", time.Minute))
	require.NoError(t, err)
	ev := f.event(OpAdd, "thumbs_up", time.Minute)
	ev.UserID = other.ID
	_, err = f.attacher.Apply(ctx, ev)
	require.NoError(t, err)

	n, err := f.attacher.ActiveCount(ctx, f.resp.ID)
	require.NoError(t, err)
	assert.Equal(t, 3, n)
}

func TestApply_UnknownTargetDropped(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	ev := f.event(OpAdd, "heart", time.Minute)
	ev.ExternalMessageID = "r-missing"
	out, err := f.attacher.Apply(ctx, ev)
	require.NoError(t, err)
	assert.Equal(t, OutcomeNoTarget, out)

	// Same message id in another channel does not match.
	ev = f.event(OpAdd, "heart", time.Minute)
	ev.Channel = "C2"
	out, err = f.attacher.Apply(ctx, ev)
	require.NoError(t, err)
	assert.Equal(t, OutcomeNoTarget, out)

	n, err := f.attacher.ActiveCount(ctx, f.resp.ID)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestApply_Rejects(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	tests := []struct {
		name string
		mut  func(*Event)
	}{
		{"no label", func(e *Event) { e.Label = "" }},
		{"no user", func(e *Event) { e.UserID = uuid.Nil }},
		{"no message", func(e *Event) { e.ExternalMessageID = "" }},
		{"bad op", func(e *Event) { e.Op = "toggle" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ev := f.event(OpAdd, "heart", time.Minute)
			tt.mut(&ev)
			_, err := f.attacher.Apply(ctx, ev)
			assert.ErrorIs(t, err, store.ErrConstraintViolation)
		})
	}
}

func TestApply_DoesNotTouchMessages(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	before, err := f.db.GetConversation(ctx, f.resp.ConversationID)
	require.NoError(t, err)
	_, err = f.attacher.Apply(ctx, f.event(OpAdd, "heart", time.Minute))
	require.NoError(t, err)
	_, err = f.attacher.Apply(ctx, f.event(OpRemove, "heart", 2*time.Minute))
	require.NoError(t, err)

	after, err := f.db.GetConversation(ctx, f.resp.ConversationID)
	require.NoError(t, err)
	assert.Equal(t, before.MessageCount, after.MessageCount)

	violations, err := f.db.CheckInvariants(ctx)
	require.NoError(t, err)
	assert.Empty(t, violations)
}
