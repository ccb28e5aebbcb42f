package link

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/grouphour/groupbot/internal/chat"
	"github.com/grouphour/groupbot/internal/token"
)

// Key identifies one user within one binder. Only the pending stage is
// binder-scoped: the same user asking in two binders is two pending offers,
// but one OAuth flow and one linked account.
type Key struct {
	BinderID string
	UserID   string
}

// Decision tells the transport how to answer the account-link callback.
type Decision int

const (
	// DecisionRedirect sends the browser into the OAuth2 authorize flow.
	DecisionRedirect Decision = iota
	// DecisionReplied means the user was answered in chat; no OAuth needed.
	DecisionReplied
)

// TokenSource supplies tenant bot tokens for outbound messages.
type TokenSource interface {
	Get(ctx context.Context, clientID, orgID string) (token.Token, error)
}

type pendingEntry struct {
	chat    *chat.Chat
	text    string
	created time.Time
}

type awaitingEntry struct {
	assertion Assertion
	pending   *pendingEntry
	created   time.Time
}

// Correlator tracks link flows through three stages: pending (the bot
// offered a sign-in button in chat, keyed by binder+user), awaiting (the
// user clicked it and a verified callback moved the flow to the browser),
// and linked (OAuth finished). Awaiting and linked are keyed by the user
// alone: an actor has at most one OAuth flow in flight, and a completed
// link covers every binder. The pending entry is consumed by the move to
// awaiting so the completion message can quote what the user asked for.
type Correlator struct {
	mu       sync.Mutex
	pending  map[Key]*pendingEntry
	awaiting map[string]*awaitingEntry
	linked   map[string]string

	chats  *chat.Factory
	tokens TokenSource
	logger *slog.Logger
	ttl    time.Duration

	// now is a test seam; defaults to time.Now.
	now func() time.Time
}

func NewCorrelator(log *slog.Logger, chats *chat.Factory, tokens TokenSource, pendingTTL time.Duration) *Correlator {
	if log == nil {
		log = slog.Default()
	}
	if pendingTTL <= 0 {
		pendingTTL = 15 * time.Minute
	}
	return &Correlator{
		pending:  map[Key]*pendingEntry{},
		awaiting: map[string]*awaitingEntry{},
		linked:   map[string]string{},
		chats:    chats,
		tokens:   tokens,
		logger:   log.With(slog.String("component", "link")),
		ttl:      pendingTTL,
	}
}

// Linked reports whether the user completed the OAuth flow, returning the
// stored OAuth access token when they did.
func (c *Correlator) Linked(userID string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	tok, ok := c.linked[userID]
	return tok, ok
}

// OfferLink records a pending flow for the chat's user and posts the prompt
// with a sign-in button. Re-offering replaces the previous pending entry.
// The stored context is a snapshot, so later callbacks never share mutable
// state with the live handler invocation.
func (c *Correlator) OfferLink(ctx context.Context, ch *chat.Chat, prompt string) error {
	key := Key{BinderID: ch.BinderID, UserID: ch.UserID}
	if key.BinderID == "" || key.UserID == "" {
		return fmt.Errorf("offer link: binder and user are required")
	}
	if err := c.ensureToken(ctx, ch); err != nil {
		return err
	}

	var text string
	if ch.Event != nil {
		text = ch.Event.Text()
	}
	snapshot := *ch
	c.mu.Lock()
	c.pending[key] = &pendingEntry{
		chat:    &snapshot,
		text:    text,
		created: c.clock(),
	}
	c.mu.Unlock()

	return ch.SendText(ctx, prompt, chat.AccountLinkButton("Sign In"))
}

// HandleCallback consumes a verified account-link assertion. An already
// linked user is answered in chat and never re-enters OAuth, whichever
// binder the click came from. Otherwise the pending entry moves into the
// user's awaiting slot in one critical section; a retried callback with no
// pending entry falls back to the awaiting entry already in flight instead
// of clobbering its context. A callback with neither still proceeds, the
// flow just loses the original chat context.
func (c *Correlator) HandleCallback(ctx context.Context, a Assertion) (Decision, error) {
	key := Key{BinderID: a.BinderID, UserID: a.UserID}

	c.mu.Lock()
	if _, done := c.linked[a.UserID]; done {
		entry := c.pending[key]
		c.mu.Unlock()
		ch, err := c.chatFor(ctx, entry, a)
		if err != nil {
			return DecisionReplied, err
		}
		return DecisionReplied, ch.SendText(ctx,
			fmt.Sprintf("@%s Your account is already linked.", a.Username))
	}

	entry := c.pending[key]
	switch {
	case entry != nil:
		delete(c.pending, key)
		c.awaiting[a.UserID] = &awaitingEntry{
			assertion: a,
			pending:   entry,
			created:   c.clock(),
		}
	case c.awaiting[a.UserID] != nil:
		entry = c.awaiting[a.UserID].pending
	default:
		c.awaiting[a.UserID] = &awaitingEntry{
			assertion: a,
			created:   c.clock(),
		}
	}
	c.mu.Unlock()

	if entry == nil {
		c.logger.Warn("unable to find pending link request",
			slog.String("binder_id", key.BinderID),
			slog.String("user_id", key.UserID),
		)
		return DecisionRedirect, nil
	}
	ch, err := c.chatFor(ctx, entry, a)
	if err != nil {
		return DecisionRedirect, err
	}
	return DecisionRedirect, ch.SendText(ctx,
		fmt.Sprintf("@%s Continue the sign-in in your browser.", a.Username))
}

// CompleteOAuth records the finished link and notifies the user in chat,
// quoting the message that started the flow when it is still known. The
// link is recorded even when notification fails.
func (c *Correlator) CompleteOAuth(ctx context.Context, userID, oauthToken string) error {
	c.mu.Lock()
	c.linked[userID] = oauthToken
	entry := c.awaiting[userID]
	delete(c.awaiting, userID)
	c.mu.Unlock()

	if entry == nil {
		c.logger.Warn("oauth completed with no awaiting flow",
			slog.String("user_id", userID),
		)
		return nil
	}

	ch, err := c.chatFor(ctx, entry.pending, entry.assertion)
	if err != nil {
		return err
	}
	text := fmt.Sprintf("@%s Your account has been linked!", entry.assertion.Username)
	if entry.pending != nil && entry.pending.text != "" {
		text += fmt.Sprintf(" You asked: %q", entry.pending.text)
	}
	return ch.SendText(ctx, text)
}

// Start runs the TTL reaper until ctx is cancelled. Stale pending and
// awaiting entries are dropped; linked entries never expire.
func (c *Correlator) Start(ctx context.Context) {
	interval := c.ttl / 4
	if interval < time.Second {
		interval = time.Second
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				c.reap()
			}
		}
	}()
}

func (c *Correlator) reap() {
	cutoff := c.clock().Add(-c.ttl)
	c.mu.Lock()
	defer c.mu.Unlock()
	for key, entry := range c.pending {
		if entry.created.Before(cutoff) {
			delete(c.pending, key)
			c.logger.Debug("reaped pending link",
				slog.String("binder_id", key.BinderID),
				slog.String("user_id", key.UserID),
			)
		}
	}
	for userID, entry := range c.awaiting {
		if entry.created.Before(cutoff) {
			delete(c.awaiting, userID)
			c.logger.Debug("reaped awaiting link",
				slog.String("user_id", userID),
			)
		}
	}
}

// chatFor prefers the chat captured at offer time, handing back a private
// copy so the stored context is never mutated outside the lock; without one
// it synthesizes a bare chat from the assertion's identity.
func (c *Correlator) chatFor(ctx context.Context, entry *pendingEntry, a Assertion) (*chat.Chat, error) {
	var ch *chat.Chat
	if entry != nil {
		cp := *entry.chat
		ch = &cp
	} else {
		ch = c.chats.NewBare()
		ch.BinderID = a.BinderID
		ch.UserID = a.UserID
		ch.Username = a.Username
		ch.ClientID = a.ClientID
		ch.OrgID = a.OrgID
	}
	if err := c.ensureToken(ctx, ch); err != nil {
		return nil, err
	}
	return ch, nil
}

func (c *Correlator) ensureToken(ctx context.Context, ch *chat.Chat) error {
	if ch.AccessToken != "" {
		return nil
	}
	tok, err := c.tokens.Get(ctx, ch.ClientID, ch.OrgID)
	if err != nil {
		return fmt.Errorf("fetch bot token: %w", err)
	}
	ch.SetAccessToken(tok.AccessToken)
	return nil
}

func (c *Correlator) clock() time.Time {
	if c.now != nil {
		return c.now()
	}
	return time.Now()
}
