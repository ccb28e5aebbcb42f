package chat

import (
	"regexp"
	"strings"
)

// Message is the outbound message body. Exactly the platform's wire shape.
type Message struct {
	Text     string         `json:"text,omitempty"`
	RichText string         `json:"richtext,omitempty"`
	Fields   map[string]any `json:"fields,omitempty"`
	Action   string         `json:"action,omitempty"`
	Buttons  []Button       `json:"buttons,omitempty"`
}

// Button is an interactive element attached to a message.
type Button struct {
	Type    string `json:"type"`
	Text    string `json:"text"`
	Payload string `json:"payload,omitempty"`
}

// SendOptions carries the optional extras accepted by Send.
type SendOptions struct {
	Action         string
	FieldsTemplate []map[string]any
}

// MessageRequest is the POST /messages body.
type MessageRequest struct {
	Message        Message          `json:"message"`
	FieldsTemplate []map[string]any `json:"fields_template,omitempty"`
}

const (
	ButtonTypePostback    = "postback"
	ButtonTypeAccountLink = "account_link"

	// payloadPrefix namespaces postback payloads generated from button text.
	payloadPrefix = "GROUPBOT_"
)

var nonPrintable = regexp.MustCompile(`[^\x20-\x7E]+`)

// PostbackButton builds a postback button whose payload is derived from the
// label: non-printable characters stripped, uppercased, prefix applied.
func PostbackButton(text string) Button {
	return Button{
		Type:    ButtonTypePostback,
		Text:    text,
		Payload: payloadPrefix + strings.ToUpper(nonPrintable.ReplaceAllString(text, "")),
	}
}

// AccountLinkButton builds the button that starts the account-link flow.
func AccountLinkButton(text string) Button {
	return Button{
		Type: ButtonTypeAccountLink,
		Text: text,
	}
}
