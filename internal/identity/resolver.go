// Package identity maps external platform identities to stable internal users.
package identity

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/nextlevelbuilder/convlink/internal/store"
)

// Attrs are the optional display attributes an event carries about its sender.
type Attrs struct {
	DisplayName string
	Username    string
	Locale      string
	Metadata    store.Metadata
	SeenAt      time.Time
}

// Empty reports whether no display attribute is set.
func (a Attrs) Empty() bool {
	return a.DisplayName == "" && a.Username == "" && a.Locale == ""
}

// Profile is what a chat platform returns about a user.
type Profile struct {
	DisplayName string
	Username    string
	Locale      string
}

// ProfileFetcher is the subset of a chat platform used for profile lookups.
type ProfileFetcher interface {
	FetchUserProfile(ctx context.Context, externalUserID string) (Profile, error)
}

// Resolver creates or merges users. Safe for concurrent use: convergence
// comes from the store's atomic upsert.
type Resolver struct {
	users        store.UserStore
	fetchTimeout time.Duration
}

func NewResolver(users store.UserStore, fetchTimeout time.Duration) *Resolver {
	if fetchTimeout <= 0 {
		fetchTimeout = 5 * time.Second
	}
	return &Resolver{users: users, fetchTimeout: fetchTimeout}
}

// Resolve returns the user for (platform, platformUserID), creating it on
// first sight. Non-empty attrs are merged into the stored record and
// last_seen_at is refreshed.
func (r *Resolver) Resolve(ctx context.Context, platform store.Platform, platformUserID string, attrs Attrs) (*store.UserData, error) {
	if !store.IsKnownPlatform(platform) {
		return nil, fmt.Errorf("resolve user: unknown platform %q: %w", platform, store.ErrConstraintViolation)
	}
	if platformUserID == "" {
		return nil, fmt.Errorf("resolve user: empty platform user id: %w", store.ErrConstraintViolation)
	}
	if err := attrs.Metadata.Validate(); err != nil {
		return nil, fmt.Errorf("resolve user: %w", err)
	}

	u, err := r.users.UpsertUser(ctx, &store.UserData{
		Platform:       platform,
		PlatformUserID: platformUserID,
		DisplayName:    attrs.DisplayName,
		Username:       attrs.Username,
		Locale:         attrs.Locale,
		Metadata:       attrs.Metadata,
		LastSeenAt:     attrs.SeenAt,
	})
	if err != nil {
		return nil, fmt.Errorf("resolve user %s:%s: %w", platform, platformUserID, err)
	}
	return u, nil
}

// ResolveWithProfile behaves like Resolve, but when the event carries no
// display attributes and the user has none stored either, it asks the
// platform for a profile first. Fetch failures are logged and ignored.
func (r *Resolver) ResolveWithProfile(ctx context.Context, fetcher ProfileFetcher, platform store.Platform, platformUserID string, attrs Attrs) (*store.UserData, error) {
	u, err := r.Resolve(ctx, platform, platformUserID, attrs)
	if err != nil || fetcher == nil || !attrs.Empty() {
		return u, err
	}
	if u.DisplayName != "" || u.Username != "" {
		return u, nil
	}

	fctx, cancel := context.WithTimeout(ctx, r.fetchTimeout)
	defer cancel()
	p, ferr := fetcher.FetchUserProfile(fctx, platformUserID)
	if ferr != nil {
		slog.Warn("identity: profile fetch failed", "platform", platform, "user", platformUserID, "error", ferr)
		return u, nil
	}
	if p.DisplayName == "" && p.Username == "" && p.Locale == "" {
		return u, nil
	}
	return r.Resolve(ctx, platform, platformUserID, Attrs{
		DisplayName: p.DisplayName,
		Username:    p.Username,
		Locale:      p.Locale,
		SeenAt:      attrs.SeenAt,
	})
}
