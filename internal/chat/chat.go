// Package chat provides the per-dispatch context handed to event handlers.
// A Chat binds one classified event to the credentials, actor, and binder
// needed to reply to it. Each handler invocation owns its Chat exclusively.
package chat

import (
	"context"
	"errors"
	"log/slog"

	"github.com/grouphour/groupbot/internal/event"
)

// ErrNoAccessToken is returned by send operations before a bearer token has
// been set on the chat.
var ErrNoAccessToken = errors.New("chat has no access token")

// MatchCondition records how the keyword matcher selected the handler.
// Primatches counts the earlier registrations that already matched the same
// comment; handlers use Primatches > 0 as an idempotency guard when both
// specific and generic handlers are registered.
type MatchCondition struct {
	Match      string
	Submatches []string
	Primatches int
}

// Sender delivers outbound messages to the platform API. Implemented by
// platform.Client; tests substitute fakes.
type Sender interface {
	SendMessage(ctx context.Context, accessToken string, req MessageRequest) error
	BinderInfo(ctx context.Context, accessToken string) ([]byte, error)
	UserInfo(ctx context.Context, accessToken, userID string) ([]byte, error)
}

// Chat is the context for one handler invocation.
type Chat struct {
	Event       *event.InboundEvent
	BinderID    string
	ClientID    string
	OrgID       string
	UserID      string
	Username    string
	AccessToken string
	Condition   *MatchCondition

	sender Sender
	logger *slog.Logger
}

// SetAccessToken sets the bearer token used by subsequent sends.
func (c *Chat) SetAccessToken(token string) {
	c.AccessToken = token
}

// SendText posts a text message, optionally with buttons.
func (c *Chat) SendText(ctx context.Context, text string, buttons ...Button) error {
	return c.Send(ctx, Message{Text: text, Buttons: buttons}, nil)
}

// SendRichText posts a rich-text message with an optional plain-text
// rendering for clients that cannot display it.
func (c *Chat) SendRichText(ctx context.Context, richtext, text string, buttons ...Button) error {
	return c.Send(ctx, Message{RichText: richtext, Text: text, Buttons: buttons}, nil)
}

// SendFields posts a structured fields message.
func (c *Chat) SendFields(ctx context.Context, fields map[string]any, buttons ...Button) error {
	return c.Send(ctx, Message{Fields: fields, Buttons: buttons}, nil)
}

// Send posts an arbitrary message with optional send options.
func (c *Chat) Send(ctx context.Context, msg Message, opts *SendOptions) error {
	if c.AccessToken == "" {
		return ErrNoAccessToken
	}
	msg.Text = truncateText(msg.Text)
	msg.RichText = truncateText(msg.RichText)
	req := MessageRequest{Message: msg}
	if opts != nil {
		req.Message.Action = opts.Action
		req.FieldsTemplate = opts.FieldsTemplate
	}
	if err := c.sender.SendMessage(ctx, c.AccessToken, req); err != nil {
		c.logger.Error("send message failed", slog.Any("error", err))
		return err
	}
	return nil
}

// BinderInfo fetches metadata for the chat's binder.
func (c *Chat) BinderInfo(ctx context.Context) ([]byte, error) {
	if c.AccessToken == "" {
		return nil, ErrNoAccessToken
	}
	return c.sender.BinderInfo(ctx, c.AccessToken)
}

// UserInfo fetches the acting user's profile.
func (c *Chat) UserInfo(ctx context.Context) ([]byte, error) {
	if c.AccessToken == "" {
		return nil, ErrNoAccessToken
	}
	if c.UserID == "" {
		return nil, errors.New("chat has no user id")
	}
	return c.sender.UserInfo(ctx, c.AccessToken, c.UserID)
}

// Factory builds chat contexts bound to the shared sender.
type Factory struct {
	sender Sender
	logger *slog.Logger
}

func NewFactory(log *slog.Logger, sender Sender) *Factory {
	if log == nil {
		log = slog.Default()
	}
	return &Factory{
		sender: sender,
		logger: log.With(slog.String("component", "chat")),
	}
}

// New builds the context for one handler invocation. cond is nil except for
// keyword-matched dispatches.
func (f *Factory) New(ev *event.InboundEvent, cond *MatchCondition) *Chat {
	return &Chat{
		Event:       ev,
		BinderID:    ev.BinderID,
		ClientID:    ev.ClientID,
		OrgID:       ev.OrgID,
		UserID:      ev.Actor.ID,
		Username:    ev.Actor.Name,
		AccessToken: ev.AccessToken,
		Condition:   cond,
		sender:      f.sender,
		logger:      f.logger,
	}
}

// NewBare builds a chat with no originating event. The account-link
// correlator uses it when a callback arrives after the pending context was
// lost; callers must set an access token before sending.
func (f *Factory) NewBare() *Chat {
	return &Chat{
		sender: f.sender,
		logger: f.logger,
	}
}
