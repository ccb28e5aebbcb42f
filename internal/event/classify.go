package event

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

var (
	// ErrEmptyPayload is returned for an absent or empty request body.
	ErrEmptyPayload = errors.New("empty webhook payload")
	// ErrUnknownKind marks a message_type this dispatcher does not handle.
	// Callers ack the transport and drop the event; it is not a failure.
	ErrUnknownKind = errors.New("unknown message type")
)

type envelope struct {
	MessageType string    `json:"message_type"`
	BinderID    string    `json:"binder_id"`
	ClientID    string    `json:"client_id"`
	OrgID       string    `json:"org_id"`
	AccessToken string    `json:"access_token"`
	Event       eventBody `json:"event"`
}

type eventBody struct {
	User     Actor     `json:"user"`
	Comment  *Comment  `json:"comment"`
	Postback *Postback `json:"postback"`
	Bot      *BotInfo  `json:"bot"`
	Page     *Page     `json:"page"`
	File     *File     `json:"file"`
	Annotate *Annotate `json:"annotate"`
	Todo     *Todo     `json:"todo"`
	Meet     *Meet     `json:"meet"`
}

// Classify parses a raw webhook body into a typed InboundEvent.
func Classify(raw []byte) (*InboundEvent, error) {
	if len(bytes.TrimSpace(raw)) == 0 {
		return nil, ErrEmptyPayload
	}

	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("decode webhook payload: %w", err)
	}

	kind := Kind(env.MessageType)
	ev := &InboundEvent{
		Kind:        kind,
		BinderID:    env.BinderID,
		ClientID:    env.ClientID,
		OrgID:       env.OrgID,
		AccessToken: env.AccessToken,
		Actor:       env.Event.User,
		Raw:         append(json.RawMessage(nil), raw...),
	}

	switch kind {
	case KindBotInstalled:
		ev.Bot = env.Event.Bot
	case KindBotUninstalled:
		// no sub-payload beyond the binder and actor
	case KindPageCreated:
		ev.Page = env.Event.Page
	case KindFileUploaded:
		ev.File = env.Event.File
	case KindPageAnnotated:
		ev.Annotate = env.Event.Annotate
	case KindTodoCreated, KindTodoCompleted:
		ev.Todo = env.Event.Todo
	case KindMeetRecordingReady:
		ev.Meet = env.Event.Meet
	case KindCommentPosted, KindCommentPostedOnPage:
		ev.Comment = env.Event.Comment
	case KindBotPostback:
		ev.Postback = env.Event.Postback
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, env.MessageType)
	}

	return ev, nil
}
