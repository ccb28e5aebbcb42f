// Package dispatch routes classified events to registered handlers: the Bus
// fans events out by kind, the Matcher runs the ordered keyword registry for
// comment events, and the Processor ties both behind the webhook ingress.
package dispatch

import (
	"context"
	"log/slog"
	"sync"

	"github.com/grouphour/groupbot/internal/chat"
	"github.com/grouphour/groupbot/internal/event"
)

// Handler processes one dispatched chat context. Handlers have no error
// return; failures are theirs to report (typically via PublishError).
type Handler func(ctx context.Context, c *chat.Chat)

// ErrorHandler consumes business errors decoupled from transport acks.
type ErrorHandler func(err error)

// Bus is a publish/subscribe registry keyed by event kind. Subscribers run
// in registration order; the per-kind slices are append-only.
type Bus struct {
	mu       sync.RWMutex
	subs     map[event.Kind][]Handler
	postback map[string][]Handler
	errSubs  []ErrorHandler
	logger   *slog.Logger
}

func NewBus(log *slog.Logger) *Bus {
	if log == nil {
		log = slog.Default()
	}
	return &Bus{
		subs:     map[event.Kind][]Handler{},
		postback: map[string][]Handler{},
		logger:   log.With(slog.String("component", "bus")),
	}
}

// Subscribe registers a handler for the given event kind.
func (b *Bus) Subscribe(kind event.Kind, h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs[kind] = append(b.subs[kind], h)
}

// SubscribePostbackText registers a handler invoked only for postbacks whose
// button text equals text. The text-specific handlers run before the generic
// KindBotPostback subscribers.
func (b *Bus) SubscribePostbackText(text string, h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.postback[text] = append(b.postback[text], h)
}

// SubscribeError registers a consumer for the internal error channel.
func (b *Bus) SubscribeError(h ErrorHandler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.errSubs = append(b.errSubs, h)
}

// Publish invokes every subscriber for kind, sequentially and in
// registration order. The bus does not await or aggregate any asynchronous
// work a subscriber starts.
func (b *Bus) Publish(ctx context.Context, kind event.Kind, c *chat.Chat) {
	b.mu.RLock()
	handlers := b.subs[kind]
	b.mu.RUnlock()

	for _, h := range handlers {
		h(ctx, c)
	}
}

// PublishPostback publishes a postback event: first to subscribers of the
// button's exact text, then to the generic postback subscribers. Both sets
// always run when applicable.
func (b *Bus) PublishPostback(ctx context.Context, c *chat.Chat) {
	var text string
	if c.Event != nil && c.Event.Postback != nil {
		text = c.Event.Postback.Text
	}

	if text != "" {
		b.mu.RLock()
		specific := b.postback[text]
		b.mu.RUnlock()
		for _, h := range specific {
			h(ctx, c)
		}
	}

	b.Publish(ctx, event.KindBotPostback, c)
}

// PublishError delivers a business error to all error subscribers and logs
// it. Never fatal; transport acks are handled independently.
func (b *Bus) PublishError(err error) {
	if err == nil {
		return
	}
	b.mu.RLock()
	handlers := append([]ErrorHandler(nil), b.errSubs...)
	b.mu.RUnlock()

	b.logger.Warn("dispatch error", slog.Any("error", err))
	for _, h := range handlers {
		h(err)
	}
}
