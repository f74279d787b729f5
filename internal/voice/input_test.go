package voice

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"

	"jarvis/internal/bus"
	"jarvis/internal/provider"
)

type fakeTranscriber struct {
	text string
	err  error
}

func (f *fakeTranscriber) Transcribe(ctx context.Context, audio io.Reader, filename string) (*provider.TranscriptionResult, error) {
	if f.err != nil {
		return nil, f.err
	}
	return &provider.TranscriptionResult{Text: f.text}, nil
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestStartFailurePublishesPermissionEvent(t *testing.T) {
	b := bus.New(testLogger())
	events := b.Subscribe("test")

	in := NewInput(Config{
		Recorder:    "/nonexistent-recorder-binary",
		Transcriber: &fakeTranscriber{},
		Send:        func(context.Context, string) error { return nil },
		Bus:         b,
		Logger:      testLogger(),
	})

	if err := in.Start(); err == nil {
		t.Fatal("expected start error")
	}
	select {
	case ev := <-events:
		if ev.Type != bus.EventMicDenied {
			t.Errorf("want permission event, got %+v", ev)
		}
	default:
		t.Error("no permission event published")
	}
	if in.Recording() {
		t.Error("must not report recording after failed start")
	}
}

func TestStopTranscribesAndSends(t *testing.T) {
	var mu sync.Mutex
	var sent []string

	// "touch" exits immediately after creating the capture file, so Stop's
	// interrupt/wait path completes without a real microphone.
	in := NewInput(Config{
		Recorder:    "touch",
		Transcriber: &fakeTranscriber{text: "  what's the weather  "},
		Send: func(_ context.Context, text string) error {
			mu.Lock()
			sent = append(sent, text)
			mu.Unlock()
			return nil
		},
		Bus:    bus.New(testLogger()),
		Logger: testLogger(),
	})

	if err := in.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	if !in.Recording() {
		t.Fatal("expected recording state")
	}
	if err := in.Stop(context.Background()); err != nil {
		t.Fatalf("stop: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(sent) != 1 || sent[0] != "what's the weather" {
		t.Errorf("sent prompts: %v", sent)
	}
}

func TestBlankTranscriptDiscarded(t *testing.T) {
	in := NewInput(Config{
		Recorder:    "touch",
		Transcriber: &fakeTranscriber{text: "   "},
		Send: func(context.Context, string) error {
			t.Error("blank transcript must not be sent")
			return nil
		},
		Bus:    bus.New(testLogger()),
		Logger: testLogger(),
	})

	if err := in.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := in.Stop(context.Background()); err != nil {
		t.Fatalf("stop: %v", err)
	}
}

func TestStopWithoutStartIsNoop(t *testing.T) {
	in := NewInput(Config{
		Recorder:    "touch",
		Transcriber: &fakeTranscriber{text: "x"},
		Send: func(context.Context, string) error {
			t.Error("nothing should be sent")
			return nil
		},
		Bus:    bus.New(testLogger()),
		Logger: testLogger(),
	})
	if err := in.Stop(context.Background()); err != nil {
		t.Fatalf("stop: %v", err)
	}
}
