package bus

import (
	"context"
	"log/slog"
	"sync"

	"golang.org/x/sync/errgroup"
)

// MessageBus is the buffered in-process queue between channel adapters and
// the ingest consumer.
type MessageBus struct {
	inbound chan InboundEvent
	closed  chan struct{}
	once    sync.Once
}

func New(buffer int) *MessageBus {
	if buffer <= 0 {
		buffer = 100
	}
	return &MessageBus{
		inbound: make(chan InboundEvent, buffer),
		closed:  make(chan struct{}),
	}
}

// PublishInbound enqueues ev, blocking while the buffer is full.
// Events published after Close are dropped.
func (b *MessageBus) PublishInbound(ev InboundEvent) {
	select {
	case <-b.closed:
		slog.Warn("bus closed, inbound event dropped", "platform", ev.Platform, "type", ev.Type)
	case b.inbound <- ev:
	}
}

// ConsumeInbound blocks until an event is available, ctx is done or the bus is closed.
func (b *MessageBus) ConsumeInbound(ctx context.Context) (InboundEvent, bool) {
	select {
	case ev := <-b.inbound:
		return ev, true
	case <-ctx.Done():
		return InboundEvent{}, false
	case <-b.closed:
		// drain what is already buffered
		select {
		case ev := <-b.inbound:
			return ev, true
		default:
			return InboundEvent{}, false
		}
	}
}

func (b *MessageBus) Close() {
	b.once.Do(func() { close(b.closed) })
}

// RunConsumers starts workers goroutines that hand events to handler until ctx
// is cancelled or the bus is closed and drained. Handler errors are logged;
// one failing event never stops the pool.
func RunConsumers(ctx context.Context, router EventRouter, workers int, handler EventHandler) error {
	if workers <= 0 {
		workers = 1
	}
	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < workers; i++ {
		worker := i
		g.Go(func() error {
			for {
				ev, ok := router.ConsumeInbound(gctx)
				if !ok {
					return nil
				}
				if err := handler(gctx, ev); err != nil {
					slog.Warn("inbound event failed",
						"worker", worker,
						"platform", ev.Platform,
						"type", ev.Type,
						"channel", ev.Channel,
						"error", err)
				}
			}
		})
	}
	return g.Wait()
}
