package store

import (
	"time"

	"github.com/google/uuid"
)

// BaseModel carries the identity and creation time shared by all persisted entities.
type BaseModel struct {
	ID        uuid.UUID `json:"id"`
	CreatedAt time.Time `json:"created_at"`
}

// GenNewID mints a time-ordered surrogate id.
func GenNewID() uuid.UUID {
	return uuid.Must(uuid.NewV7())
}

// Platform identifies the chat platform an entity originates from.
type Platform string

const (
	PlatformTelegram Platform = "telegram"
	PlatformDiscord  Platform = "discord"
	PlatformSlack    Platform = "slack"
	PlatformLegacy   Platform = "legacy"
)

var knownPlatforms = map[Platform]bool{
	PlatformTelegram: true,
	PlatformDiscord:  true,
	PlatformSlack:    true,
	PlatformLegacy:   true,
}

// IsKnownPlatform reports whether p is a registered platform.
func IsKnownPlatform(p Platform) bool {
	return knownPlatforms[p]
}
