// Package ingest runs the live flow for one inbound platform event:
// dedup, identity, conversation, query, completion, platform send, response.
// Reaction events go to the reaction attacher instead.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/nextlevelbuilder/convlink/internal/bus"
	"github.com/nextlevelbuilder/convlink/internal/channels"
	"github.com/nextlevelbuilder/convlink/internal/config"
	"github.com/nextlevelbuilder/convlink/internal/identity"
	"github.com/nextlevelbuilder/convlink/internal/linker"
	"github.com/nextlevelbuilder/convlink/internal/metrics"
	"github.com/nextlevelbuilder/convlink/internal/providers"
	"github.com/nextlevelbuilder/convlink/internal/reactions"
	"github.com/nextlevelbuilder/convlink/internal/sessions"
	"github.com/nextlevelbuilder/convlink/internal/store"
	"github.com/nextlevelbuilder/convlink/internal/tracing"
)

// Platforms hands out the chat platform serving an event's platform.
type Platforms interface {
	Platform(p store.Platform) (channels.Platform, bool)
}

// Options tune the live flow.
type Options struct {
	AITimeout        time.Duration
	PlatformTimeout  time.Duration
	HistoryLimit     int
	SystemPrompt     string
	Placeholder      string // interim text sent before completing; "" = none
	FailureReply     string // what the user sees when completion fails
	Model            string
	MaxTokens        int
	ProfileLookup    bool
	ProfileTimeout   time.Duration
	MaxMessageChars  int
	MaxResponseChars int
}

// OptionsFromConfig maps the ingest and provider sections onto Options.
func OptionsFromConfig(cfg *config.Config) Options {
	return Options{
		AITimeout:        cfg.Ingest.AITimeout.Std(),
		PlatformTimeout:  cfg.Ingest.PlatformTimeout.Std(),
		HistoryLimit:     cfg.Ingest.HistoryLimit,
		SystemPrompt:     cfg.Ingest.SystemPrompt,
		Placeholder:      cfg.Ingest.Placeholder,
		FailureReply:     cfg.Ingest.FailureReply,
		Model:            cfg.Providers.Model,
		MaxTokens:        cfg.Providers.MaxTokens,
		ProfileLookup:    cfg.Ingest.ProfileLookup,
		ProfileTimeout:   cfg.Ingest.ProfileTimeout.Std(),
		MaxMessageChars:  cfg.Ingest.MaxMessageChars,
		MaxResponseChars: cfg.Ingest.MaxResponseChars,
	}
}

// Config wires a Pipeline. Dedupe may be nil (no advisory dedup).
type Config struct {
	Stores    *store.Stores
	Sessions  *sessions.Resolver
	Dedupe    bus.Deduplicator
	Completer providers.Completer
	Platforms Platforms
	Options   Options
}

// Pipeline processes inbound events. Safe for concurrent use: unrelated
// events run in parallel, and per-conversation consistency comes from the
// store's atomic statements.
type Pipeline struct {
	dedupe    bus.Deduplicator
	identity  *identity.Resolver
	sessions  *sessions.Resolver
	linker    *linker.Linker
	reactions *reactions.Attacher
	completer providers.Completer
	platforms Platforms
	opts      Options
	tracer    trace.Tracer
}

func New(cfg Config) *Pipeline {
	opts := cfg.Options
	if opts.AITimeout <= 0 {
		opts.AITimeout = 60 * time.Second
	}
	if opts.PlatformTimeout <= 0 {
		opts.PlatformTimeout = 15 * time.Second
	}
	if opts.FailureReply == "" {
		opts.FailureReply = "Sorry, something went wrong. Please try again."
	}
	return &Pipeline{
		dedupe:    cfg.Dedupe,
		identity:  identity.NewResolver(cfg.Stores.Users, opts.ProfileTimeout),
		sessions:  cfg.Sessions,
		linker:    linker.New(cfg.Stores),
		reactions: reactions.NewAttacher(cfg.Stores.Messages, cfg.Stores.Reactions),
		completer: cfg.Completer,
		platforms: cfg.Platforms,
		opts:      opts,
		tracer:    tracing.Tracer(),
	}
}

// Handle processes one event. It satisfies bus.EventHandler.
// Redeliveries are dropped silently; a failed reply is still persisted as a
// failed response before the error is returned.
func (p *Pipeline) Handle(ctx context.Context, ev bus.InboundEvent) (err error) {
	ctx, span := p.tracer.Start(ctx, "ingest.handle", trace.WithAttributes(
		attribute.String("platform", string(ev.Platform)),
		attribute.String("event_type", string(ev.Type)),
		attribute.String("channel", ev.Channel),
	))
	outcome := metrics.OutcomeProcessed
	defer func() {
		if err != nil && outcome == metrics.OutcomeProcessed {
			outcome = metrics.OutcomeFailed
		}
		span.SetAttributes(attribute.String("outcome", outcome))
		metrics.RecordEvent(string(ev.Platform), string(ev.Type), outcome)
		tracing.EndSpan(span, err)
	}()

	if err := ev.Validate(); err != nil {
		outcome = metrics.OutcomeInvalid
		return fmt.Errorf("invalid event: %w", err)
	}
	if p.seen(ev) {
		outcome = metrics.OutcomeDuplicate
		slog.Debug("duplicate event dropped", "fingerprint", ev.Fingerprint())
		return nil
	}

	platform, _ := p.platforms.Platform(ev.Platform)
	user, err := p.resolveUser(ctx, ev, platform)
	if err != nil {
		return err
	}

	switch ev.Type {
	case bus.EventMessage:
		dup, err := p.handleMessage(ctx, ev, user, platform)
		if dup {
			outcome = metrics.OutcomeDuplicate
		}
		return err
	default:
		return p.handleReaction(ctx, ev, user)
	}
}

func (p *Pipeline) seen(ev bus.InboundEvent) bool {
	if p.dedupe == nil {
		return false
	}
	dup := p.dedupe.Seen(ev.Fingerprint())
	if c, ok := p.dedupe.(interface{ Len() int }); ok {
		metrics.SetDedupeEntries(c.Len())
	}
	return dup
}

func (p *Pipeline) resolveUser(ctx context.Context, ev bus.InboundEvent, platform channels.Platform) (*store.UserData, error) {
	ctx, span := p.tracer.Start(ctx, "ingest.identity")
	attrs := identity.Attrs{
		DisplayName: ev.DisplayName,
		Username:    ev.Username,
		Locale:      ev.Locale,
		SeenAt:      ev.OccurredAt,
	}
	var (
		u   *store.UserData
		err error
	)
	if p.opts.ProfileLookup && platform != nil {
		u, err = p.identity.ResolveWithProfile(ctx, platform, ev.Platform, ev.ExternalUserID, attrs)
	} else {
		u, err = p.identity.Resolve(ctx, ev.Platform, ev.ExternalUserID, attrs)
	}
	tracing.EndSpan(span, err)
	return u, err
}

// handleMessage reports dup=true when the message was already persisted.
func (p *Pipeline) handleMessage(ctx context.Context, ev bus.InboundEvent, user *store.UserData, platform channels.Platform) (dup bool, err error) {
	conv, err := p.sessions.Resolve(ctx, sessions.Target{
		Platform: ev.Platform,
		UserID:   user.ID,
		Channel:  ev.Channel,
		Thread:   ev.Thread,
		At:       ev.OccurredAt,
	})
	if err != nil {
		return false, fmt.Errorf("resolve conversation: %w", err)
	}

	q, created, err := p.linker.PersistQuery(ctx, linker.QueryInput{
		ConversationID:    conv.ID,
		UserID:            user.ID,
		Content:           channels.Truncate(ev.Text, p.opts.MaxMessageChars),
		ExternalMessageID: ev.ExternalMessageID,
		Metadata:          ev.Metadata,
		At:                ev.OccurredAt,
	})
	if err != nil {
		return false, err
	}
	if !created {
		// Durable idempotency: the first delivery owns the reply.
		slog.Debug("message already persisted", "conversation", conv.ID, "query", q.ID, "external_id", ev.ExternalMessageID)
		return true, nil
	}
	slog.Debug("query persisted",
		"conversation", conv.ID, "query", q.ID, "user", user.ID, "message_count", conv.MessageCount+1)

	return false, p.reply(ctx, ev, conv, q, platform)
}

// reply completes, delivers and persists exactly one response for q.
func (p *Pipeline) reply(ctx context.Context, ev bus.InboundEvent, conv *store.ConversationData, q *store.QueryData, platform channels.Platform) error {
	in := linker.ResponseInput{QueryID: q.ID, ConversationID: conv.ID}

	if platform == nil {
		cause := fmt.Errorf("no channel serves platform %s: %w", ev.Platform, store.ErrNotFound)
		return p.fail(ctx, ev, in, cause)
	}

	var placeholderID string
	if p.opts.Placeholder != "" {
		id, err := p.send(ctx, platform, ev, "", p.opts.Placeholder)
		if err != nil {
			slog.Warn("placeholder send failed", "platform", ev.Platform, "channel", ev.Channel, "error", err)
		}
		placeholderID = id
	}

	comp, aiErr := p.complete(ctx, conv.ID)
	if aiErr != nil {
		slog.Warn("completion failed", "conversation", conv.ID, "query", q.ID, "error", aiErr)
		// The user sees a generic apology; the cause stays server-side.
		id, sendErr := p.send(ctx, platform, ev, placeholderID, p.opts.FailureReply)
		if sendErr != nil {
			slog.Warn("failure reply not delivered", "platform", ev.Platform, "channel", ev.Channel, "error", sendErr)
		}
		in.ExternalMessageID = id
		return p.fail(ctx, ev, in, fmt.Errorf("complete: %w", aiErr))
	}

	in.Content = channels.Truncate(comp.Text, p.opts.MaxResponseChars)
	in.Generation = store.GenerationMeta{
		Model:            comp.Model,
		PromptTokens:     comp.Usage.PromptTokens,
		CompletionTokens: comp.Usage.CompletionTokens,
		LatencyMS:        comp.Latency.Milliseconds(),
	}

	id, sendErr := p.send(ctx, platform, ev, placeholderID, in.Content)
	if sendErr != nil {
		in.ExternalMessageID = id
		return p.fail(ctx, ev, in, fmt.Errorf("deliver reply: %w", sendErr))
	}
	in.ExternalMessageID = id

	r, err := p.linker.PersistResponse(ctx, in)
	if err != nil {
		return err
	}
	metrics.RecordResponse(string(ev.Platform), string(store.DeliveryAnswered))
	slog.Info("reply delivered",
		"platform", ev.Platform,
		"conversation", conv.ID,
		"query", q.ID,
		"response", r.ID,
		"model", comp.Model,
		"latency_ms", in.Generation.LatencyMS,
	)
	return nil
}

// fail persists a failed response for the query and returns cause
// (joined with any persistence error).
func (p *Pipeline) fail(ctx context.Context, ev bus.InboundEvent, in linker.ResponseInput, cause error) error {
	metrics.RecordResponse(string(ev.Platform), string(store.DeliveryFailed))
	if _, err := p.linker.RecordFailure(ctx, in, cause); err != nil {
		return errors.Join(cause, fmt.Errorf("record failure: %w", err))
	}
	return cause
}

// complete builds the prompt from the conversation history (which already
// holds the new query) and asks the provider, bounded by the AI timeout.
func (p *Pipeline) complete(ctx context.Context, conversationID uuid.UUID) (*providers.Completion, error) {
	ctx, cancel := context.WithTimeout(ctx, p.opts.AITimeout)
	defer cancel()
	ctx, span := p.tracer.Start(ctx, "ingest.complete", trace.WithAttributes(
		attribute.String("provider", p.completer.Name()),
	))

	turns, err := p.linker.History(ctx, conversationID, p.opts.HistoryLimit)
	if err != nil {
		tracing.EndSpan(span, err)
		return nil, err
	}

	start := time.Now()
	comp, err := p.completer.Complete(ctx, providers.CompletionRequest{
		Messages:  buildPrompt(p.opts.SystemPrompt, turns),
		Model:     p.opts.Model,
		MaxTokens: p.opts.MaxTokens,
	})
	if err == nil {
		comp.Text = providers.SanitizeCompletion(comp.Text)
	}
	if err == nil && comp.Text == "" {
		err = fmt.Errorf("empty completion: %w", store.ErrTransientIO)
	}
	metrics.RecordCompletion(p.completer.Name(), err, time.Since(start).Seconds())
	if err == nil {
		if comp.Latency == 0 {
			comp.Latency = time.Since(start)
		}
		span.SetAttributes(
			attribute.String("model", comp.Model),
			attribute.Int("prompt_tokens", comp.Usage.PromptTokens),
			attribute.Int("completion_tokens", comp.Usage.CompletionTokens),
		)
	}
	tracing.EndSpan(span, err)
	if err != nil {
		return nil, err
	}
	return comp, nil
}

// send delivers text, editing the placeholder when one was sent. A failed
// edit falls back to a new message.
func (p *Pipeline) send(ctx context.Context, platform channels.Platform, ev bus.InboundEvent, placeholderID, text string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, p.opts.PlatformTimeout)
	defer cancel()

	if placeholderID != "" {
		start := time.Now()
		_, err := platform.UpdateText(ctx, ev.Channel, ev.Thread, placeholderID, text)
		metrics.RecordPlatformCall(string(ev.Platform), "update", err, time.Since(start).Seconds())
		if err == nil {
			return placeholderID, nil
		}
		slog.Warn("placeholder update failed, sending new message", "platform", ev.Platform, "channel", ev.Channel, "error", err)
	}

	ctx, span := p.tracer.Start(ctx, "ingest.send")
	start := time.Now()
	id, err := platform.SendText(ctx, ev.Channel, ev.Thread, text)
	metrics.RecordPlatformCall(string(ev.Platform), "send", err, time.Since(start).Seconds())
	tracing.EndSpan(span, err)
	return id, err
}

func (p *Pipeline) handleReaction(ctx context.Context, ev bus.InboundEvent, user *store.UserData) error {
	op := reactions.OpAdd
	if ev.Type == bus.EventReactionRemove {
		op = reactions.OpRemove
	}
	outcome, err := p.reactions.Apply(ctx, reactions.Event{
		Platform:          ev.Platform,
		Channel:           ev.Channel,
		ExternalMessageID: ev.ExternalMessageID,
		UserID:            user.ID,
		Label:             ev.ReactionLabel,
		Glyph:             ev.ReactionGlyph,
		Op:                op,
		OccurredAt:        ev.OccurredAt,
	})
	if err != nil {
		return fmt.Errorf("apply reaction: %w", err)
	}
	metrics.RecordReaction(string(ev.Platform), string(outcome))
	return nil
}

// buildPrompt turns stored history into provider messages.
func buildPrompt(system string, turns []linker.Turn) []providers.Message {
	msgs := make([]providers.Message, 0, len(turns)+1)
	if system != "" {
		msgs = append(msgs, providers.Message{Role: "system", Content: system})
	}
	for _, t := range turns {
		msgs = append(msgs, providers.Message{Role: t.Role, Content: t.Content})
	}
	return msgs
}
