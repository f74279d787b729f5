package domain

import "context"

// Synthesizer renders one text fragment to audible speech. Speak blocks
// until playback finishes or fails; cancelling ctx must stop playback.
// Errors are advisory — the speech queue treats them as completion.
type Synthesizer interface {
	Name() string
	Speak(ctx context.Context, text string) error
}

// Voice is one entry in a text-to-speech voice catalog.
type Voice struct {
	VoiceID string `json:"voice_id" yaml:"voice_id"`
	Name    string `json:"name" yaml:"name"`
}
