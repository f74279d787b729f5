package domain

// Sender identifies who authored a message.
type Sender string

const (
	SenderUser      Sender = "user"
	SenderAssistant Sender = "assistant"
)

// InlineImage is a base64-encoded image attached to a message or prompt.
type InlineImage struct {
	MimeType string `json:"mimeType"`
	Data     string `json:"data"` // base64, no data-URL prefix
}

// Message is one entry in a conversation transcript. Messages are immutable
// once created, except for the assistant message that is the target of an
// in-flight stream, which is rewritten by id as text accumulates.
type Message struct {
	ID       string `json:"id"`
	Text     string `json:"text"`
	Sender   Sender `json:"sender"`
	Image    string `json:"image,omitempty"` // base64 payload
	MimeType string `json:"mimeType,omitempty"`
}
