package dispatch

import (
	"context"
	"log/slog"
	"sync"

	"github.com/grouphour/groupbot/internal/chat"
	"github.com/grouphour/groupbot/internal/event"
)

// Processor routes classified events to the matcher or the bus. Dispatch is
// fire-and-forget relative to the webhook response: the transport acks
// first, then DispatchAsync runs the handlers on a detached goroutine. Wait
// gives tests and shutdown a deterministic synchronization point.
type Processor struct {
	bus     *Bus
	matcher *Matcher
	chats   *chat.Factory
	logger  *slog.Logger
	wg      sync.WaitGroup
}

func NewProcessor(log *slog.Logger, bus *Bus, matcher *Matcher, chats *chat.Factory) *Processor {
	if log == nil {
		log = slog.Default()
	}
	return &Processor{
		bus:     bus,
		matcher: matcher,
		chats:   chats,
		logger:  log.With(slog.String("component", "processor")),
	}
}

// Dispatch routes one classified event synchronously.
func (p *Processor) Dispatch(ctx context.Context, ev *event.InboundEvent) {
	switch ev.Kind {
	case event.KindCommentPosted, event.KindCommentPostedOnPage:
		p.matcher.HandleMessage(ctx, ev)
	case event.KindBotPostback:
		p.bus.PublishPostback(ctx, p.chats.New(ev, nil))
	default:
		p.bus.Publish(ctx, ev.Kind, p.chats.New(ev, nil))
	}
}

// DispatchAsync runs Dispatch on a detached goroutine so handler latency
// never delays the webhook acknowledgement. The goroutine uses a context
// detached from the request's cancellation.
func (p *Processor) DispatchAsync(ctx context.Context, ev *event.InboundEvent) {
	detached := context.WithoutCancel(ctx)
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		defer func() {
			if r := recover(); r != nil {
				p.logger.Error("handler panic", slog.Any("panic", r), slog.String("kind", ev.Kind.String()))
			}
		}()
		p.Dispatch(detached, ev)
	}()
}

// Wait blocks until all asynchronous dispatches started so far complete.
func (p *Processor) Wait() {
	p.wg.Wait()
}
