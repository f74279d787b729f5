package bus

import (
	"log/slog"
	"sync"
)

// Event types pushed to frontends.
const (
	EventStream    = "stream"     // streaming text for an assistant message
	EventCaption   = "caption"    // immersive-mode caption update
	EventSpeaking  = "speaking"   // speech output started/stopped
	EventNotice    = "notice"     // transient user-facing notice
	EventError     = "error"      // user-facing error text
	EventState     = "state"      // conversation list / active id changed
	EventMicDenied = "permission" // microphone capture could not start
)

// Event is one update fanned out to every connected frontend.
type Event struct {
	Type           string `json:"type"`
	ConversationID string `json:"conversationId,omitempty"`
	MessageID      string `json:"messageId,omitempty"`
	Text           string `json:"text,omitempty"`
	Speaking       bool   `json:"speaking,omitempty"`
	Loading        bool   `json:"loading,omitempty"`
}

// Bus fans events out to subscribers over buffered channels. Publish never
// blocks: a subscriber that stops draining loses events, with a warning.
type Bus struct {
	mu     sync.RWMutex
	subs   map[string]chan Event
	logger *slog.Logger
}

func New(logger *slog.Logger) *Bus {
	return &Bus{
		subs:   make(map[string]chan Event),
		logger: logger,
	}
}

// Subscribe registers a subscriber under id and returns its event channel.
// Subscribing twice with the same id replaces (and closes) the old channel.
func (b *Bus) Subscribe(id string) <-chan Event {
	b.mu.Lock()
	defer b.mu.Unlock()
	if old, ok := b.subs[id]; ok {
		close(old)
	}
	ch := make(chan Event, 64)
	b.subs[id] = ch
	return ch
}

// Unsubscribe removes a subscriber and closes its channel.
func (b *Bus) Unsubscribe(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if ch, ok := b.subs[id]; ok {
		close(ch)
		delete(b.subs, id)
	}
}

// Publish delivers the event to all subscribers without blocking.
func (b *Bus) Publish(ev Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for id, ch := range b.subs {
		select {
		case ch <- ev:
		default:
			b.logger.Warn("subscriber not draining, event dropped",
				"subscriber", id, "event", ev.Type)
		}
	}
}
