package sessions

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nextlevelbuilder/convlink/internal/store"
)

func TestConversationKey_RoundTrip(t *testing.T) {
	uid := uuid.MustParse("0190f3c2-0000-7000-8000-000000000001")
	tests := []struct {
		name    string
		channel string
		thread  *string
		want    string
	}{
		{"dm", "386246614", nil, "platform:telegram:user:0190f3c2-0000-7000-8000-000000000001:channel:386246614"},
		{"topic", "-100123456", store.StringPtr("99"), "platform:telegram:user:0190f3c2-0000-7000-8000-000000000001:channel:-100123456:thread:99"},
		{"colon in channel", "team:general", store.StringPtr("a:b"), "platform:telegram:user:0190f3c2-0000-7000-8000-000000000001:channel:team%3Ageneral:thread:a%3Ab"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			key := BuildConversationKey(store.PlatformTelegram, uid, tt.channel, tt.thread)
			assert.Equal(t, tt.want, key)
			assert.Equal(t, tt.thread != nil, IsThreadedKey(key))

			parsed, err := ParseConversationKey(key)
			require.NoError(t, err)
			assert.Equal(t, store.PlatformTelegram, parsed.Platform)
			assert.Equal(t, uid, parsed.UserID)
			assert.Equal(t, tt.channel, parsed.Channel)
			assert.Equal(t, tt.thread, parsed.Thread)
			assert.Equal(t, key, parsed.String())
		})
	}
}

func TestParseConversationKey_Invalid(t *testing.T) {
	for _, key := range []string{
		"",
		"agent:default:telegram:direct:1",
		"platform:telegram:user:not-a-uuid:channel:1",
		"platform:telegram:user:0190f3c2-0000-7000-8000-000000000001:chan:1",
		"platform:telegram:user:0190f3c2-0000-7000-8000-000000000001:channel:1:topic:2",
	} {
		_, err := ParseConversationKey(key)
		assert.Error(t, err, key)
	}
}
