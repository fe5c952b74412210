package telegram

import (
	"testing"

	"github.com/mymmrac/telego"
	"github.com/stretchr/testify/assert"
)

func emoji(s string) telego.ReactionType {
	return &telego.ReactionTypeEmoji{Type: "emoji", Emoji: s}
}

func TestDiffReactions(t *testing.T) {
	tests := []struct {
		name           string
		before, after  []telego.ReactionType
		added, removed []string
	}{
		{"first reaction", nil, []telego.ReactionType{emoji("👍")}, []string{"thumbs_up"}, nil},
		{"cleared", []telego.ReactionType{emoji("👍")}, nil, nil, []string{"thumbs_up"}},
		{"swapped", []telego.ReactionType{emoji("👍")}, []telego.ReactionType{emoji("🔥")}, []string{"fire"}, []string{"thumbs_up"}},
		{"kept one, added one",
			[]telego.ReactionType{emoji("👍")},
			[]telego.ReactionType{emoji("👍"), &telego.ReactionTypeCustomEmoji{Type: "custom_emoji", CustomEmojiID: "5368"}},
			[]string{"custom:5368"}, nil},
		{"unchanged", []telego.ReactionType{emoji("❤")}, []telego.ReactionType{emoji("❤")}, nil, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			added, removed := diffReactions(tt.before, tt.after)
			assert.Equal(t, tt.added, labels(added))
			assert.Equal(t, tt.removed, labels(removed))
		})
	}
}

func labels(keys []reactionKey) []string {
	if len(keys) == 0 {
		return nil
	}
	out := make([]string, len(keys))
	for i, k := range keys {
		out[i] = k.Label
	}
	return out
}

func TestThreadMarker(t *testing.T) {
	forum := telego.Chat{ID: -100123, Type: "supergroup", IsForum: true}
	group := telego.Chat{ID: -100456, Type: "supergroup"}
	private := telego.Chat{ID: 42, Type: "private"}

	if th := threadMarker(forum, 99); assert.NotNil(t, th) {
		assert.Equal(t, "99", *th)
	}
	if th := threadMarker(forum, 0); assert.NotNil(t, th) {
		assert.Equal(t, "1", *th, "General topic")
	}
	assert.Nil(t, threadMarker(group, 77), "reply thread in a plain group is not a topic")
	assert.Nil(t, threadMarker(private, 0))
}

func TestThreadIDForSend(t *testing.T) {
	one, topic, junk := "1", "99", "x"
	assert.Equal(t, 0, resolveThreadIDForSend(parseThreadID(&one)))
	assert.Equal(t, 99, resolveThreadIDForSend(parseThreadID(&topic)))
	assert.Equal(t, 0, parseThreadID(&junk))
	assert.Equal(t, 0, parseThreadID(nil))
}

func TestMessageText(t *testing.T) {
	assert.Equal(t, "hi", messageText(&telego.Message{Text: "hi"}))
	assert.Equal(t, "cap", messageText(&telego.Message{Caption: "cap"}))
	assert.Equal(t, "hi\ncap", messageText(&telego.Message{Text: "hi", Caption: "cap"}))
	assert.Equal(t, "", messageText(&telego.Message{}))
	assert.Equal(t, "Ann Lee", joinName("Ann", "Lee"))
	assert.Equal(t, "Ann", joinName("Ann", ""))
}
