package domain

import (
	"context"
	"errors"
)

type ProviderMode string

const (
	ModeAPI     ProviderMode = "api"
	ModeBrowser ProviderMode = "browser"
)

// ErrRateLimited marks backend quota exhaustion. The orchestrator maps it to
// a distinct user-facing message.
var ErrRateLimited = errors.New("rate limited")

// ChatProvider is the interface all chat backends implement. StreamChat
// delivers the reply as incremental events on out and closes out before
// returning; cancellation arrives through ctx.
type ChatProvider interface {
	Name() string
	Mode() ProviderMode
	StreamChat(ctx context.Context, req ChatRequest, out chan<- StreamEvent) error
}

// ChatRequest carries one turn's input: prior transcript, new prompt, and
// the conversation's model. History is role-mapped by the provider
// (user→"user", assistant→"model").
type ChatRequest struct {
	History      []Message
	Prompt       string
	Image        *InlineImage
	Model        string
	SystemPrompt string
}

// StreamEventType classifies a streaming event.
type StreamEventType string

const (
	StreamToken StreamEventType = "token"
	StreamDone  StreamEventType = "done"
)

// StreamEvent is a single chunk of a streaming chat response.
type StreamEvent struct {
	Type StreamEventType `json:"type"`
	Text string          `json:"text,omitempty"`
}
