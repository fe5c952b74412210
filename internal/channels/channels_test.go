package channels

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nextlevelbuilder/convlink/internal/bus"
	"github.com/nextlevelbuilder/convlink/internal/identity"
	"github.com/nextlevelbuilder/convlink/internal/sessions"
	"github.com/nextlevelbuilder/convlink/internal/store"
)

func TestBaseChannel_IsAllowed(t *testing.T) {
	c := NewBaseChannel(store.PlatformTelegram, bus.New(1), []string{"12345", "@Alice"})

	tests := []struct {
		sender string
		want   bool
	}{
		{"12345", true},
		{"12345|bob", true},
		{"999|alice", true},
		{"999|ALICE", true},
		{"999|mallory", false},
		{"999", false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, c.IsAllowed(tt.sender), tt.sender)
	}

	open := NewBaseChannel(store.PlatformTelegram, bus.New(1), nil)
	assert.True(t, open.IsAllowed("anyone"))
	assert.False(t, open.HasAllowList())
}

func TestBaseChannel_CheckPolicy(t *testing.T) {
	c := NewBaseChannel(store.PlatformDiscord, bus.New(1), []string{"42"})

	assert.True(t, c.CheckPolicy(sessions.PeerDirect, "", "", "7"))
	assert.False(t, c.CheckPolicy(sessions.PeerDirect, "disabled", "", "42"))
	assert.True(t, c.CheckPolicy(sessions.PeerDirect, "allowlist", "disabled", "42"))
	assert.False(t, c.CheckPolicy(sessions.PeerDirect, "allowlist", "", "7"))
	assert.False(t, c.CheckPolicy(sessions.PeerGroup, "open", "disabled", "42"))
	assert.True(t, c.CheckPolicy(sessions.PeerGroup, "disabled", "open", "7"))
}

func TestBaseChannel_PublishStampsPlatform(t *testing.T) {
	b := bus.New(1)
	c := NewBaseChannel(store.PlatformDiscord, b, nil)
	c.Publish(bus.InboundEvent{Type: bus.EventMessage, ExternalUserID: "u", Channel: "c", ExternalMessageID: "m"})

	ev, ok := b.ConsumeInbound(context.Background())
	require.True(t, ok)
	assert.Equal(t, store.PlatformDiscord, ev.Platform)
	assert.False(t, ev.OccurredAt.IsZero())
	assert.NoError(t, ev.Validate())
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "short", Truncate("short", 10))
	assert.Equal(t, "abcdefg...", Truncate("abcdefghijklmnop", 10))
	// wide runes count two cells
	assert.LessOrEqual(t, len([]rune(Truncate("日本語のテキストです", 8))), 8)
	assert.Equal(t, "unbounded", Truncate("unbounded", 0))
}

func TestReactionLabel(t *testing.T) {
	assert.Equal(t, "thumbs_up", ReactionLabel("👍"))
	assert.Equal(t, "heart", ReactionLabel("❤️"))
	assert.Equal(t, "🦄", ReactionLabel("🦄"))
}

func TestOutboundLimiter(t *testing.T) {
	l := NewOutboundLimiter(1, 2)
	assert.True(t, l.Allow("telegram:1"))
	assert.True(t, l.Allow("telegram:1"))
	assert.False(t, l.Allow("telegram:1"), "burst exhausted")
	assert.True(t, l.Allow("telegram:2"), "keys are independent")
	assert.Equal(t, 2, l.Len())

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	assert.Error(t, l.Wait(ctx, "telegram:1"), "next token is a second away")

	unlimited := NewOutboundLimiter(0, 0)
	for i := 0; i < 100; i++ {
		require.True(t, unlimited.Allow("k"))
	}
}

func TestOutboundLimiter_BoundedKeys(t *testing.T) {
	l := NewOutboundLimiter(1, 1)
	for i := 0; i < maxTrackedKeys+50; i++ {
		l.Allow(string(rune('a'+i%26)) + time.Duration(i).String())
	}
	assert.LessOrEqual(t, l.Len(), maxTrackedKeys)
}

type fakeChannel struct {
	*BaseChannel
	sends   atomic.Int32
	started atomic.Bool
}

func (f *fakeChannel) Start(context.Context) error { f.started.Store(true); f.SetRunning(true); return nil }
func (f *fakeChannel) Stop(context.Context) error  { f.SetRunning(false); return nil }

func (f *fakeChannel) SendText(context.Context, string, *string, string) (string, error) {
	f.sends.Add(1)
	return "m1", nil
}

func (f *fakeChannel) UpdateText(context.Context, string, *string, string, string) (bool, error) {
	return true, nil
}

func (f *fakeChannel) FetchUserProfile(context.Context, string) (identity.Profile, error) {
	return identity.Profile{DisplayName: "Ann"}, nil
}

func TestManager_PlatformIsRateLimited(t *testing.T) {
	ch := &fakeChannel{BaseChannel: NewBaseChannel(store.PlatformTelegram, bus.New(1), nil)}
	m := NewManager(NewOutboundLimiter(1, 1))
	m.RegisterChannel(ch)

	require.NoError(t, m.StartAll(context.Background()))
	assert.True(t, ch.started.Load())
	assert.Equal(t, map[store.Platform]bool{store.PlatformTelegram: true}, m.GetStatus())

	p, ok := m.Platform(store.PlatformTelegram)
	require.True(t, ok)
	id, err := p.SendText(context.Background(), "chat", nil, "hi")
	require.NoError(t, err)
	assert.Equal(t, "m1", id)

	// second send in the same chat has to wait for a token
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = p.SendText(ctx, "chat", nil, "again")
	assert.Error(t, err)
	assert.EqualValues(t, 1, ch.sends.Load())

	prof, err := p.FetchUserProfile(context.Background(), "u")
	require.NoError(t, err)
	assert.Equal(t, "Ann", prof.DisplayName)

	_, ok = m.Platform(store.PlatformDiscord)
	assert.False(t, ok)

	require.NoError(t, m.StopAll(context.Background()))
	assert.False(t, ch.IsRunning())
}
