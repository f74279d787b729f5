package voice

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"jarvis/internal/bus"
	"jarvis/internal/provider"
)

// recorderCommands, in preference order. The capture path is appended as
// the final argument.
var recorderCommands = [][]string{
	{"arecord", "-q", "-f", "cd", "-t", "wav"},
	{"rec", "-q"},
	{"sox", "-q", "-d"},
}

// Transcriber converts recorded audio to text.
type Transcriber interface {
	Transcribe(ctx context.Context, audio io.Reader, filename string) (*provider.TranscriptionResult, error)
}

// Input records microphone audio for immersive mode. Stop finalizes the
// capture, transcribes it and hands the transcript to the orchestrator.
type Input struct {
	recorder    []string
	transcriber Transcriber
	send        func(ctx context.Context, text string) error
	bus         *bus.Bus
	logger      *slog.Logger

	mu        sync.Mutex
	cmd       *exec.Cmd
	path      string
	recording bool
}

type Config struct {
	Recorder    string // empty: auto-detect
	Transcriber Transcriber
	Send        func(ctx context.Context, text string) error
	Bus         *bus.Bus
	Logger      *slog.Logger
}

func NewInput(cfg Config) *Input {
	in := &Input{
		transcriber: cfg.Transcriber,
		send:        cfg.Send,
		bus:         cfg.Bus,
		logger:      cfg.Logger,
	}
	if cfg.Recorder != "" {
		in.recorder = strings.Fields(cfg.Recorder)
		return in
	}
	for _, candidate := range recorderCommands {
		if _, err := exec.LookPath(candidate[0]); err == nil {
			in.recorder = candidate
			break
		}
	}
	return in
}

// Recording reports whether a capture is in progress.
func (in *Input) Recording() bool {
	in.mu.Lock()
	defer in.mu.Unlock()
	return in.recording
}

// Start begins a microphone capture. A recorder that cannot start is
// surfaced as a persistent permission state, not a transient error.
func (in *Input) Start() error {
	in.mu.Lock()
	defer in.mu.Unlock()
	if in.recording {
		return nil
	}
	if len(in.recorder) == 0 {
		in.publishDenied("no audio recorder available")
		return fmt.Errorf("no audio recorder available")
	}

	path := filepath.Join(os.TempDir(), fmt.Sprintf("jarvis-capture-%d.wav", time.Now().UnixNano()))
	args := append(append([]string{}, in.recorder[1:]...), path)
	cmd := exec.Command(in.recorder[0], args...)
	if err := cmd.Start(); err != nil {
		in.publishDenied(err.Error())
		return fmt.Errorf("start recorder: %w", err)
	}

	in.cmd = cmd
	in.path = path
	in.recording = true
	in.logger.Info("recording started", "recorder", in.recorder[0])
	return nil
}

// Stop ends the capture, transcribes it and sends the transcript as a new
// prompt. Blank transcripts are discarded silently.
func (in *Input) Stop(ctx context.Context) error {
	in.mu.Lock()
	if !in.recording {
		in.mu.Unlock()
		return nil
	}
	cmd := in.cmd
	path := in.path
	in.cmd = nil
	in.recording = false
	in.mu.Unlock()

	defer os.Remove(path)

	// SIGINT lets the recorder finalize the WAV header before exiting.
	if cmd.Process != nil {
		_ = cmd.Process.Signal(os.Interrupt)
	}
	_ = cmd.Wait()

	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open capture: %w", err)
	}
	defer f.Close()

	result, err := in.transcriber.Transcribe(ctx, f, "capture.wav")
	if err != nil {
		in.bus.Publish(bus.Event{Type: bus.EventError, Text: "Could not transcribe audio. Please try again."})
		return fmt.Errorf("transcribe: %w", err)
	}

	text := strings.TrimSpace(result.Text)
	if text == "" {
		in.logger.Debug("empty transcript, nothing to send")
		return nil
	}
	return in.send(ctx, text)
}

// Abort discards an in-progress capture without transcribing it.
func (in *Input) Abort() {
	in.mu.Lock()
	defer in.mu.Unlock()
	if !in.recording {
		return
	}
	if in.cmd != nil && in.cmd.Process != nil {
		_ = in.cmd.Process.Kill()
	}
	os.Remove(in.path)
	in.cmd = nil
	in.recording = false
}

func (in *Input) publishDenied(detail string) {
	in.logger.Warn("microphone capture unavailable", "detail", detail)
	in.bus.Publish(bus.Event{Type: bus.EventMicDenied, Text: "Microphone access unavailable"})
}
