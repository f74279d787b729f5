package channel

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"testing"

	"jarvis/internal/bus"
	"jarvis/internal/domain"
	"jarvis/internal/orchestrator"
	"jarvis/internal/speech"
	"jarvis/internal/store"
)

type silentProvider struct{}

func (silentProvider) Name() string              { return "silent" }
func (silentProvider) Mode() domain.ProviderMode { return domain.ModeAPI }

func (silentProvider) StreamChat(ctx context.Context, req domain.ChatRequest, out chan<- domain.StreamEvent) error {
	defer close(out)
	select {
	case out <- domain.StreamEvent{Type: domain.StreamToken, Text: "ok"}:
	case <-ctx.Done():
		return ctx.Err()
	}
	return nil
}

type silentSynth struct{}

func (silentSynth) Name() string                                 { return "silent" }
func (silentSynth) Speak(ctx context.Context, text string) error { return nil }

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestWeb(t *testing.T) *Web {
	t.Helper()
	st, err := store.Open(store.Config{
		DBPath:       filepath.Join(t.TempDir(), "jarvis.db"),
		DefaultModel: "gemini-2.5-flash",
		Logger:       testLogger(),
	})
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	b := bus.New(testLogger())
	orch := orchestrator.New(orchestrator.Config{
		Store:    st,
		Provider: silentProvider{},
		Speaker:  speech.NewSpeaker(speech.SpeakerConfig{Local: silentSynth{}, Logger: testLogger()}),
		Bus:      b,
		Logger:   testLogger(),
	})
	return NewWeb(WebConfig{Orch: orch, Store: st, Bus: b, Logger: testLogger()})
}

func TestDispatchConversationOps(t *testing.T) {
	w := newTestWeb(t)
	first := w.store.ActiveID()

	if err := w.dispatch(inboundFrame{Type: "new"}); err != nil {
		t.Fatalf("new: %v", err)
	}
	if len(w.store.List()) != 2 {
		t.Fatal("new did not create a conversation")
	}
	second := w.store.ActiveID()

	if err := w.dispatch(inboundFrame{Type: "rename", ConversationID: second, Text: "Renamed"}); err != nil {
		t.Fatalf("rename: %v", err)
	}
	if conv, _ := w.store.Get(second); conv.Title != "Renamed" {
		t.Errorf("title: %q", conv.Title)
	}

	if err := w.dispatch(inboundFrame{Type: "select", ConversationID: first}); err != nil {
		t.Fatalf("select: %v", err)
	}
	if w.store.ActiveID() != first {
		t.Error("select did not switch")
	}

	if err := w.dispatch(inboundFrame{Type: "delete", ConversationID: second}); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if len(w.store.List()) != 1 {
		t.Error("delete left wrong count")
	}
}

func TestDispatchSendRunsTurn(t *testing.T) {
	w := newTestWeb(t)

	if err := w.dispatch(inboundFrame{Type: "send", Text: "Hello"}); err != nil {
		t.Fatalf("send: %v", err)
	}
	w.orch.Wait()

	conv, _ := w.store.Active()
	if len(conv.Messages) != 2 || conv.Messages[1].Text != "ok" {
		t.Errorf("messages after send: %+v", conv.Messages)
	}
}

func TestDispatchUnknownType(t *testing.T) {
	w := newTestWeb(t)
	if err := w.dispatch(inboundFrame{Type: "bogus"}); err == nil {
		t.Fatal("expected error for unknown frame type")
	}
}

func TestDispatchImmersiveToggle(t *testing.T) {
	w := newTestWeb(t)
	if err := w.dispatch(inboundFrame{Type: "immersive", On: true}); err != nil {
		t.Fatalf("immersive on: %v", err)
	}
	if !w.orch.Immersive() {
		t.Error("immersive not enabled")
	}
	if err := w.dispatch(inboundFrame{Type: "immersive", On: false}); err != nil {
		t.Fatalf("immersive off: %v", err)
	}
	if w.orch.Immersive() {
		t.Error("immersive not disabled")
	}
}
