package domain

import "time"

// DefaultTitle is the title of a conversation before its first user message.
const DefaultTitle = "New Chat"

// Conversation is an ordered transcript plus metadata. The store owns every
// Conversation value; callers receive copies and mutate through the store.
type Conversation struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	Messages  []Message `json:"messages"`
	CreatedAt time.Time `json:"createdAt"`
	Model     string    `json:"model"`
}

// Clone returns a deep copy so callers can't alias the store's message slice.
func (c Conversation) Clone() Conversation {
	out := c
	out.Messages = make([]Message, len(c.Messages))
	copy(out.Messages, c.Messages)
	return out
}

// LastUserMessage returns the most recent user message and its index,
// or index -1 when the conversation has none.
func (c Conversation) LastUserMessage() (Message, int) {
	for i := len(c.Messages) - 1; i >= 0; i-- {
		if c.Messages[i].Sender == SenderUser {
			return c.Messages[i], i
		}
	}
	return Message{}, -1
}

// HasUserMessage reports whether any user message exists in the transcript.
func (c Conversation) HasUserMessage() bool {
	_, i := c.LastUserMessage()
	return i >= 0
}
