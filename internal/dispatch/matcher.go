package dispatch

import (
	"context"
	"log/slog"
	"regexp"
	"strings"
	"sync"

	"github.com/grouphour/groupbot/internal/chat"
	"github.com/grouphour/groupbot/internal/event"
)

// registration is one keyword entry. Exactly one of keyword and pattern is
// set. Entries are stored in registration order, which is significant: the
// Nth matching handler observes Primatches == N-1.
type registration struct {
	keyword string
	pattern *regexp.Regexp
	handler Handler
}

// Matcher runs the ordered keyword registry over comment events and then
// publishes the generic message event.
type Matcher struct {
	mu    sync.RWMutex
	hears []registration

	bus   *Bus
	chats *chat.Factory

	// genericOnMatch publishes the generic message event even when specific
	// handlers matched; off by default to avoid double-handling.
	genericOnMatch bool

	logger *slog.Logger
}

func NewMatcher(log *slog.Logger, bus *Bus, chats *chat.Factory, genericOnMatch bool) *Matcher {
	if log == nil {
		log = slog.Default()
	}
	return &Matcher{
		bus:            bus,
		chats:          chats,
		genericOnMatch: genericOnMatch,
		logger:         log.With(slog.String("component", "matcher")),
	}
}

// Hear registers a handler for comments exactly equal to keyword,
// case-insensitively.
func (m *Matcher) Hear(keyword string, h Handler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.hears = append(m.hears, registration{keyword: keyword, handler: h})
}

// HearRegexp registers a handler for comments containing a match of re.
func (m *Matcher) HearRegexp(re *regexp.Regexp, h Handler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.hears = append(m.hears, registration{pattern: re, handler: h})
}

// HandleMessage runs the registry over a comment event. Every matching
// handler runs (no short-circuit), each with a fresh chat context whose
// condition records the match and the count of earlier matches. Afterwards
// the generic message event is published with the total match count, unless
// suppressed because a specific handler matched.
func (m *Matcher) HandleMessage(ctx context.Context, ev *event.InboundEvent) {
	text := ev.Text()
	if text == "" {
		return
	}

	m.mu.RLock()
	hears := append([]registration(nil), m.hears...)
	m.mu.RUnlock()

	matches := 0
	for _, reg := range hears {
		cond := reg.match(text)
		if cond == nil {
			continue
		}
		cond.Primatches = matches
		reg.handler(ctx, m.chats.New(ev, cond))
		matches++
	}

	if matches > 0 && !m.genericOnMatch {
		m.logger.Debug("generic message publish suppressed",
			slog.Int("matches", matches))
		return
	}
	m.bus.Publish(ctx, event.KindMessage, m.chats.New(ev, &chat.MatchCondition{Primatches: matches}))
}

func (r registration) match(text string) *chat.MatchCondition {
	if r.pattern != nil {
		sub := r.pattern.FindStringSubmatch(text)
		if sub == nil {
			return nil
		}
		return &chat.MatchCondition{Match: sub[0], Submatches: sub}
	}
	if strings.EqualFold(r.keyword, text) {
		return &chat.MatchCondition{Match: r.keyword}
	}
	return nil
}
