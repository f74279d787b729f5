package speech

import (
	"context"
	"log/slog"
	"strings"
	"sync"

	"jarvis/internal/domain"
)

// RemoteSynth couples the ElevenLabs client with an audio player so it can
// act as a blocking synthesizer.
type RemoteSynth struct {
	TTS    *ElevenLabs
	Player *Player
}

func (r *RemoteSynth) Name() string { return "elevenlabs" }

func (r *RemoteSynth) Speak(ctx context.Context, text string) error {
	audio, err := r.TTS.Synthesize(ctx, text)
	if err != nil {
		return err
	}
	return r.Player.Play(ctx, audio)
}

// Speaker serializes speech output: fragments queue up in arrival order and
// exactly one plays at a time. Synthesis errors are advisory, a failed
// fragment never stalls the queue.
type Speaker struct {
	remote      domain.Synthesizer
	remoteReady func() bool
	local       domain.Synthesizer
	onState     func(speaking bool)
	logger      *slog.Logger

	mu       sync.Mutex
	queue    []string
	speaking bool
	cancel   context.CancelFunc
}

type SpeakerConfig struct {
	Remote      domain.Synthesizer // nil when remote TTS is not configured
	RemoteReady func() bool        // nil means never ready
	Local       domain.Synthesizer
	OnState     func(speaking bool)
	Logger      *slog.Logger
}

func NewSpeaker(cfg SpeakerConfig) *Speaker {
	if cfg.OnState == nil {
		cfg.OnState = func(bool) {}
	}
	if cfg.RemoteReady == nil {
		cfg.RemoteReady = func() bool { return false }
	}
	return &Speaker{
		remote:      cfg.Remote,
		remoteReady: cfg.RemoteReady,
		local:       cfg.Local,
		onState:     cfg.OnState,
		logger:      cfg.Logger,
	}
}

// Enqueue appends a fragment to the queue and starts playback if idle.
func (s *Speaker) Enqueue(text string) {
	s.mu.Lock()
	s.queue = append(s.queue, text)
	started := s.kickLocked()
	s.mu.Unlock()
	if started {
		s.onState(true)
	}
}

// Interrupt cancels the active utterance and discards everything queued.
// Safe to call when nothing is speaking.
func (s *Speaker) Interrupt() {
	s.mu.Lock()
	cancel := s.cancel
	s.cancel = nil
	wasSpeaking := s.speaking
	s.queue = nil
	s.speaking = false
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if wasSpeaking {
		s.onState(false)
	}
}

// Speaking reports whether an utterance is currently playing.
func (s *Speaker) Speaking() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.speaking
}

// QueueLen returns the number of fragments waiting, not counting the one
// playing.
func (s *Speaker) QueueLen() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.speaking && len(s.queue) > 0 {
		return len(s.queue) - 1
	}
	return len(s.queue)
}

// kickLocked starts the head of the queue if nothing is playing. Caller
// holds s.mu; the return value says whether a state change to speaking
// should be reported.
func (s *Speaker) kickLocked() bool {
	if s.speaking || len(s.queue) == 0 {
		return false
	}
	s.speaking = true
	text := s.queue[0]
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	go s.play(ctx, cancel, text)
	return true
}

func (s *Speaker) play(ctx context.Context, cancel context.CancelFunc, text string) {
	defer cancel()

	if err := s.speak(ctx, text); err != nil && ctx.Err() == nil {
		s.logger.Warn("speech fragment failed", "error", err)
	}

	s.mu.Lock()
	if ctx.Err() != nil {
		// Interrupted: the queue was already cleared.
		s.mu.Unlock()
		return
	}
	if len(s.queue) > 0 && s.queue[0] == text {
		s.queue = s.queue[1:]
	}
	s.speaking = false
	if s.cancel != nil {
		s.cancel = nil
	}
	idle := len(s.queue) == 0
	started := s.kickLocked()
	s.mu.Unlock()

	if idle && !started {
		s.onState(false)
	}
}

// speak picks the backend for one fragment: remote when configured and the
// fragment has content, local otherwise. A failed fragment is dropped, not
// retried on the other backend; the queue just advances.
func (s *Speaker) speak(ctx context.Context, text string) error {
	if s.remote != nil && s.remoteReady() && strings.TrimSpace(text) != "" {
		return s.remote.Speak(ctx, text)
	}
	if s.local == nil {
		return nil
	}
	return s.local.Speak(ctx, text)
}
