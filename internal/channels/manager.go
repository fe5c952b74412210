package channels

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/nextlevelbuilder/convlink/internal/identity"
	"github.com/nextlevelbuilder/convlink/internal/store"
)

// Manager manages all registered channels, handling their lifecycle and
// handing out rate-limited Platform handles to the ingest pipeline.
type Manager struct {
	channels map[store.Platform]Channel
	limiter  *OutboundLimiter
	mu       sync.RWMutex
}

// NewManager creates a new channel manager. limiter may be nil (no limiting).
// Channels are registered externally via RegisterChannel.
func NewManager(limiter *OutboundLimiter) *Manager {
	return &Manager{
		channels: make(map[store.Platform]Channel),
		limiter:  limiter,
	}
}

// RegisterChannel adds a channel to the manager.
func (m *Manager) RegisterChannel(ch Channel) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.channels[ch.Name()] = ch
}

// UnregisterChannel removes a channel from the manager.
func (m *Manager) UnregisterChannel(p store.Platform) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.channels, p)
}

// StartAll starts all registered channels. A channel that fails to start is
// logged and skipped; the others keep running.
func (m *Manager) StartAll(ctx context.Context) error {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if len(m.channels) == 0 {
		slog.Warn("no channels enabled")
		return nil
	}

	started := 0
	for name, ch := range m.channels {
		slog.Info("starting channel", "channel", name)
		if err := ch.Start(ctx); err != nil {
			slog.Error("failed to start channel", "channel", name, "error", err)
			continue
		}
		started++
	}
	if started == 0 {
		return fmt.Errorf("no channel could be started")
	}
	slog.Info("channels started", "count", started)
	return nil
}

// StopAll gracefully stops all channels.
func (m *Manager) StopAll(ctx context.Context) error {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for name, ch := range m.channels {
		slog.Info("stopping channel", "channel", name)
		if err := ch.Stop(ctx); err != nil {
			slog.Error("error stopping channel", "channel", name, "error", err)
		}
	}
	return nil
}

// GetChannel returns a channel by platform.
func (m *Manager) GetChannel(p store.Platform) (Channel, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ch, ok := m.channels[p]
	return ch, ok
}

// Platform returns the capabilities of the channel serving p, with outbound
// calls passing the per-chat limiter.
func (m *Manager) Platform(p store.Platform) (Platform, bool) {
	ch, ok := m.GetChannel(p)
	if !ok {
		return nil, false
	}
	if m.limiter == nil {
		return ch, true
	}
	return &limitedPlatform{Platform: ch, name: p, limiter: m.limiter}, true
}

// GetStatus returns the running status of all channels.
func (m *Manager) GetStatus() map[store.Platform]bool {
	m.mu.RLock()
	defer m.mu.RUnlock()

	status := make(map[store.Platform]bool, len(m.channels))
	for name, ch := range m.channels {
		status[name] = ch.IsRunning()
	}
	return status
}

type limitedPlatform struct {
	Platform
	name    store.Platform
	limiter *OutboundLimiter
}

func (l *limitedPlatform) key(channel string) string {
	return string(l.name) + ":" + channel
}

func (l *limitedPlatform) SendText(ctx context.Context, channel string, thread *string, text string) (string, error) {
	if err := l.limiter.Wait(ctx, l.key(channel)); err != nil {
		return "", fmt.Errorf("outbound rate limit: %w", err)
	}
	return l.Platform.SendText(ctx, channel, thread, text)
}

func (l *limitedPlatform) UpdateText(ctx context.Context, channel string, thread *string, externalMessageID, text string) (bool, error) {
	if err := l.limiter.Wait(ctx, l.key(channel)); err != nil {
		return false, fmt.Errorf("outbound rate limit: %w", err)
	}
	return l.Platform.UpdateText(ctx, channel, thread, externalMessageID, text)
}

func (l *limitedPlatform) FetchUserProfile(ctx context.Context, externalUserID string) (identity.Profile, error) {
	return l.Platform.FetchUserProfile(ctx, externalUserID)
}
