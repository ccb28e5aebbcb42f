package link

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/grouphour/groupbot/internal/chat"
	"github.com/grouphour/groupbot/internal/event"
	"github.com/grouphour/groupbot/internal/token"
)

type sentMessage struct {
	accessToken string
	req         chat.MessageRequest
}

type recordingSender struct {
	mu   sync.Mutex
	sent []sentMessage
	err  error
}

func (s *recordingSender) SendMessage(ctx context.Context, accessToken string, req chat.MessageRequest) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.sent = append(s.sent, sentMessage{accessToken: accessToken, req: req})
	return nil
}

func (s *recordingSender) BinderInfo(ctx context.Context, accessToken string) ([]byte, error) {
	return nil, nil
}

func (s *recordingSender) UserInfo(ctx context.Context, accessToken, userID string) ([]byte, error) {
	return nil, nil
}

func (s *recordingSender) messages() []sentMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]sentMessage(nil), s.sent...)
}

type staticTokens struct {
	tok   string
	err   error
	calls int
}

func (s *staticTokens) Get(ctx context.Context, clientID, orgID string) (token.Token, error) {
	s.calls++
	if s.err != nil {
		return token.Token{}, s.err
	}
	return token.Token{AccessToken: s.tok, ExpiresAt: time.Now().Add(time.Hour)}, nil
}

func linkTestChat(factory *chat.Factory, text string) *chat.Chat {
	return factory.New(&event.InboundEvent{
		Kind:     event.KindCommentPosted,
		BinderID: "b-1",
		ClientID: "c-1",
		OrgID:    "o-1",
		Actor:    event.Actor{ID: "u-1", Name: "alice"},
		Comment:  &event.Comment{Text: text},
	}, nil)
}

func assertion() Assertion {
	return Assertion{
		UserID:   "u-1",
		Username: "alice",
		BinderID: "b-1",
		ClientID: "c-1",
		OrgID:    "o-1",
	}
}

func TestLinkFlow_RoundTrip(t *testing.T) {
	t.Parallel()

	sender := &recordingSender{}
	factory := chat.NewFactory(nil, sender)
	tokens := &staticTokens{tok: "bot-token"}
	c := NewCorrelator(nil, factory, tokens, time.Minute)

	err := c.OfferLink(context.Background(), linkTestChat(factory, "show my orders"), "Link your account first.")
	require.NoError(t, err)

	decision, err := c.HandleCallback(context.Background(), assertion())
	require.NoError(t, err)
	assert.Equal(t, DecisionRedirect, decision)

	err = c.CompleteOAuth(context.Background(), "u-1", "oauth-token")
	require.NoError(t, err)

	tok, linked := c.Linked("u-1")
	assert.True(t, linked)
	assert.Equal(t, "oauth-token", tok)

	msgs := sender.messages()
	require.Len(t, msgs, 3)
	// offer carries the sign-in button
	require.Len(t, msgs[0].req.Message.Buttons, 1)
	assert.Equal(t, chat.ButtonTypeAccountLink, msgs[0].req.Message.Buttons[0].Type)
	assert.Equal(t, "bot-token", msgs[0].accessToken)
	// callback ack, then completion quoting the original comment
	assert.Contains(t, msgs[1].req.Message.Text, "browser")
	assert.Contains(t, msgs[2].req.Message.Text, "@alice Your account has been linked!")
	assert.Contains(t, msgs[2].req.Message.Text, `"show my orders"`)
}

func TestHandleCallback_ConsumesPendingEntry(t *testing.T) {
	t.Parallel()

	sender := &recordingSender{}
	factory := chat.NewFactory(nil, sender)
	c := NewCorrelator(nil, factory, &staticTokens{tok: "bot-token"}, time.Minute)

	require.NoError(t, c.OfferLink(context.Background(), linkTestChat(factory, "show my orders"), "link?"))
	_, err := c.HandleCallback(context.Background(), assertion())
	require.NoError(t, err)

	c.mu.Lock()
	_, pendingKept := c.pending[Key{BinderID: "b-1", UserID: "u-1"}]
	awaiting := c.awaiting["u-1"]
	c.mu.Unlock()

	assert.False(t, pendingKept)
	require.NotNil(t, awaiting)
	require.NotNil(t, awaiting.pending)
	assert.Equal(t, "show my orders", awaiting.pending.text)
}

func TestHandleCallback_AlreadyLinkedReplies(t *testing.T) {
	t.Parallel()

	sender := &recordingSender{}
	factory := chat.NewFactory(nil, sender)
	c := NewCorrelator(nil, factory, &staticTokens{tok: "bot-token"}, time.Minute)

	require.NoError(t, c.OfferLink(context.Background(), linkTestChat(factory, "hi"), "link?"))
	_, err := c.HandleCallback(context.Background(), assertion())
	require.NoError(t, err)
	require.NoError(t, c.CompleteOAuth(context.Background(), "u-1", "oauth-token"))

	decision, err := c.HandleCallback(context.Background(), assertion())
	require.NoError(t, err)
	assert.Equal(t, DecisionReplied, decision)

	msgs := sender.messages()
	require.NotEmpty(t, msgs)
	assert.Contains(t, msgs[len(msgs)-1].req.Message.Text, "already linked")
}

func TestHandleCallback_LinkedActorInAnotherBinderReplies(t *testing.T) {
	t.Parallel()

	sender := &recordingSender{}
	factory := chat.NewFactory(nil, sender)
	c := NewCorrelator(nil, factory, &staticTokens{tok: "bot-token"}, time.Minute)

	require.NoError(t, c.CompleteOAuth(context.Background(), "u-1", "oauth-token"))

	// same user clicks sign-in from a different binder
	a := assertion()
	a.BinderID = "b-2"
	decision, err := c.HandleCallback(context.Background(), a)
	require.NoError(t, err)
	assert.Equal(t, DecisionReplied, decision)

	msgs := sender.messages()
	require.Len(t, msgs, 1)
	assert.Contains(t, msgs[0].req.Message.Text, "already linked")
}

func TestHandleCallback_RetryPreservesAwaitingContext(t *testing.T) {
	t.Parallel()

	sender := &recordingSender{}
	factory := chat.NewFactory(nil, sender)
	c := NewCorrelator(nil, factory, &staticTokens{tok: "bot-token"}, time.Minute)

	require.NoError(t, c.OfferLink(context.Background(), linkTestChat(factory, "show my orders"), "link?"))

	// browser retries the callback before OAuth finishes
	_, err := c.HandleCallback(context.Background(), assertion())
	require.NoError(t, err)
	decision, err := c.HandleCallback(context.Background(), assertion())
	require.NoError(t, err)
	assert.Equal(t, DecisionRedirect, decision)

	require.NoError(t, c.CompleteOAuth(context.Background(), "u-1", "oauth-token"))

	msgs := sender.messages()
	require.NotEmpty(t, msgs)
	last := msgs[len(msgs)-1].req.Message.Text
	assert.Contains(t, last, "Your account has been linked!")
	assert.Contains(t, last, `"show my orders"`)
}

func TestHandleCallback_NoPendingStillRedirects(t *testing.T) {
	t.Parallel()

	sender := &recordingSender{}
	factory := chat.NewFactory(nil, sender)
	tokens := &staticTokens{tok: "bot-token"}
	c := NewCorrelator(nil, factory, tokens, time.Minute)

	decision, err := c.HandleCallback(context.Background(), assertion())
	require.NoError(t, err)
	assert.Equal(t, DecisionRedirect, decision)
	// no ack without a pending chat
	assert.Empty(t, sender.messages())

	// completion falls back to a chat built from the assertion
	err = c.CompleteOAuth(context.Background(), "u-1", "oauth-token")
	require.NoError(t, err)

	msgs := sender.messages()
	require.Len(t, msgs, 1)
	assert.Contains(t, msgs[0].req.Message.Text, "@alice Your account has been linked!")
	assert.NotContains(t, msgs[0].req.Message.Text, "You asked")
}

func TestCompleteOAuth_NoAwaitingStillRecordsLink(t *testing.T) {
	t.Parallel()

	sender := &recordingSender{}
	factory := chat.NewFactory(nil, sender)
	c := NewCorrelator(nil, factory, &staticTokens{tok: "bot-token"}, time.Minute)

	require.NoError(t, c.CompleteOAuth(context.Background(), "u-9", "oauth-token"))

	_, linked := c.Linked("u-9")
	assert.True(t, linked)
	assert.Empty(t, sender.messages())
}

func TestOfferLink_TokenFetchFailure(t *testing.T) {
	t.Parallel()

	sender := &recordingSender{}
	factory := chat.NewFactory(nil, sender)
	tokens := &staticTokens{err: errors.New("exchange down")}
	c := NewCorrelator(nil, factory, tokens, time.Minute)

	err := c.OfferLink(context.Background(), linkTestChat(factory, "hi"), "link?")
	require.Error(t, err)
	assert.Empty(t, sender.messages())
}

func TestOfferLink_KeepsExistingAccessToken(t *testing.T) {
	t.Parallel()

	sender := &recordingSender{}
	factory := chat.NewFactory(nil, sender)
	tokens := &staticTokens{tok: "bot-token"}
	c := NewCorrelator(nil, factory, tokens, time.Minute)

	ch := linkTestChat(factory, "hi")
	ch.SetAccessToken("preset")
	require.NoError(t, c.OfferLink(context.Background(), ch, "link?"))

	assert.Zero(t, tokens.calls)
	msgs := sender.messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, "preset", msgs[0].accessToken)
}

func TestOfferLink_StoresDetachedContext(t *testing.T) {
	t.Parallel()

	sender := &recordingSender{}
	factory := chat.NewFactory(nil, sender)
	c := NewCorrelator(nil, factory, &staticTokens{tok: "bot-token"}, time.Minute)

	ch := linkTestChat(factory, "hi")
	require.NoError(t, c.OfferLink(context.Background(), ch, "link?"))

	// mutating the caller's chat after the offer must not touch the stored
	// context used by later callbacks
	ch.SetAccessToken("mutated-later")

	c.mu.Lock()
	stored := c.pending[Key{BinderID: "b-1", UserID: "u-1"}].chat.AccessToken
	c.mu.Unlock()
	assert.Equal(t, "bot-token", stored)

	_, err := c.HandleCallback(context.Background(), assertion())
	require.NoError(t, err)
	msgs := sender.messages()
	require.Len(t, msgs, 2)
	assert.Equal(t, "bot-token", msgs[1].accessToken)
}

func TestReap_DropsStaleEntries(t *testing.T) {
	t.Parallel()

	sender := &recordingSender{}
	factory := chat.NewFactory(nil, sender)
	c := NewCorrelator(nil, factory, &staticTokens{tok: "bot-token"}, time.Minute)

	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	current := base
	c.now = func() time.Time { return current }

	require.NoError(t, c.OfferLink(context.Background(), linkTestChat(factory, "old"), "link?"))

	current = base.Add(2 * time.Minute)
	fresh := factory.New(&event.InboundEvent{
		Kind:     event.KindCommentPosted,
		BinderID: "b-2",
		ClientID: "c-1",
		OrgID:    "o-1",
		Actor:    event.Actor{ID: "u-2", Name: "bob"},
		Comment:  &event.Comment{Text: "new"},
	}, nil)
	require.NoError(t, c.OfferLink(context.Background(), fresh, "link?"))

	c.reap()

	c.mu.Lock()
	_, staleKept := c.pending[Key{BinderID: "b-1", UserID: "u-1"}]
	_, freshKept := c.pending[Key{BinderID: "b-2", UserID: "u-2"}]
	c.mu.Unlock()

	assert.False(t, staleKept)
	assert.True(t, freshKept)
}

func TestReap_LinkedEntriesNeverExpire(t *testing.T) {
	t.Parallel()

	sender := &recordingSender{}
	factory := chat.NewFactory(nil, sender)
	c := NewCorrelator(nil, factory, &staticTokens{tok: "bot-token"}, time.Minute)

	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	current := base
	c.now = func() time.Time { return current }

	require.NoError(t, c.CompleteOAuth(context.Background(), "u-1", "oauth-token"))

	current = base.Add(24 * time.Hour)
	c.reap()

	_, linked := c.Linked("u-1")
	assert.True(t, linked)
}
