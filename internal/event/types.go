// Package event defines the typed inbound events delivered by the platform
// webhook and the classifier that maps raw payloads onto them.
package event

import "encoding/json"

// Kind discriminates inbound event variants. Values match the platform's
// message_type wire tags.
type Kind string

const (
	KindBotInstalled        Kind = "bot_installed"
	KindBotUninstalled      Kind = "bot_uninstalled"
	KindPageCreated         Kind = "page_created"
	KindFileUploaded        Kind = "file_uploaded"
	KindPageAnnotated       Kind = "page_annotated"
	KindTodoCreated         Kind = "todo_created"
	KindTodoCompleted       Kind = "todo_completed"
	KindMeetRecordingReady  Kind = "meet_recording_ready"
	KindCommentPosted       Kind = "comment_posted"
	KindCommentPostedOnPage Kind = "comment_posted_on_page"
	KindBotPostback         Kind = "bot_postback"

	// KindMessage is not a wire tag: the keyword matcher publishes it after
	// running the pattern registrations for a comment event.
	KindMessage Kind = "message"

	// KindAccountLink arrives on the GET verification endpoint as a signed
	// assertion rather than a webhook body.
	KindAccountLink Kind = "account_link"
)

func (k Kind) String() string {
	return string(k)
}

// Actor is the user the event happened on behalf of.
type Actor struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// Comment carries a posted message. RichText is the fallback body when the
// plain text is absent.
type Comment struct {
	Text     string `json:"text"`
	RichText string `json:"richtext"`
}

// Postback is a button-press callback.
type Postback struct {
	Text    string `json:"text"`
	Payload string `json:"payload"`
}

type BotInfo struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

type Page struct {
	ID   string `json:"id"`
	Type string `json:"type"`
}

type File struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

type Annotate struct {
	ID string `json:"id"`
}

type Todo struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

type Meet struct {
	ID           string `json:"id"`
	Topic        string `json:"topic"`
	RecordingURL string `json:"recording_url"`
}

// InboundEvent is one classified webhook delivery. It is immutable once
// classified; handlers receive it through a per-invocation chat context and
// must not retain references past the invocation.
type InboundEvent struct {
	Kind        Kind
	BinderID    string
	ClientID    string
	OrgID       string
	AccessToken string
	Actor       Actor

	// Exactly one of the following is set, matching Kind.
	Comment  *Comment
	Postback *Postback
	Bot      *BotInfo
	Page     *Page
	File     *File
	Annotate *Annotate
	Todo     *Todo
	Meet     *Meet

	// Raw is the original payload, kept for handlers that need fields the
	// typed view does not carry.
	Raw json.RawMessage
}

// Text returns the comment body, falling back to the rich-text rendering.
// Empty for non-comment events.
func (e *InboundEvent) Text() string {
	if e.Comment == nil {
		return ""
	}
	if e.Comment.Text != "" {
		return e.Comment.Text
	}
	return e.Comment.RichText
}
