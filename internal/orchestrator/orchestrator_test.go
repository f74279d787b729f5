package orchestrator

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"jarvis/internal/bus"
	"jarvis/internal/domain"
	"jarvis/internal/speech"
	"jarvis/internal/store"
)

type fakeProvider struct {
	chunks []string
	err    error
	// when set, the provider blocks before its second chunk until the
	// channel is closed (or ctx is cancelled)
	block chan struct{}

	mu   sync.Mutex
	reqs []domain.ChatRequest
}

func (f *fakeProvider) Name() string              { return "fake" }
func (f *fakeProvider) Mode() domain.ProviderMode { return domain.ModeAPI }

func (f *fakeProvider) StreamChat(ctx context.Context, req domain.ChatRequest, out chan<- domain.StreamEvent) error {
	defer close(out)
	f.mu.Lock()
	f.reqs = append(f.reqs, req)
	f.mu.Unlock()

	for i, c := range f.chunks {
		if f.block != nil && i == 1 {
			select {
			case <-f.block:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		select {
		case out <- domain.StreamEvent{Type: domain.StreamToken, Text: c}:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return f.err
}

func (f *fakeProvider) lastRequest() domain.ChatRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.reqs[len(f.reqs)-1]
}

type recordingSynth struct {
	mu     sync.Mutex
	spoken []string
}

func (r *recordingSynth) Name() string { return "recording" }

func (r *recordingSynth) Speak(ctx context.Context, text string) error {
	r.mu.Lock()
	r.spoken = append(r.spoken, text)
	r.mu.Unlock()
	return nil
}

func (r *recordingSynth) spokenCopy() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.spoken))
	copy(out, r.spoken)
	return out
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fixture struct {
	orch     *Orchestrator
	store    *store.Store
	bus      *bus.Bus
	provider *fakeProvider
	synth    *recordingSynth
}

func newFixture(t *testing.T, p *fakeProvider) *fixture {
	f := newFixtureWith(t, p)
	f.provider = p
	return f
}

func newFixtureWith(t *testing.T, p domain.ChatProvider) *fixture {
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

	synth := &recordingSynth{}
	b := bus.New(testLogger())
	orch := New(Config{
		Store:        st,
		Provider:     p,
		Speaker:      speech.NewSpeaker(speech.SpeakerConfig{Local: synth, Logger: testLogger()}),
		Bus:          b,
		Logger:       testLogger(),
		SystemPrompt: "You are Jarvis.",
	})
	return &fixture{orch: orch, store: st, bus: b, synth: synth}
}

func (f *fixture) sendAndWait(t *testing.T, text string) {
	t.Helper()
	if err := f.orch.Send(context.Background(), text, nil); err != nil {
		t.Fatalf("send: %v", err)
	}
	f.orch.Wait()
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not reached in time")
}

func TestSendStreamsReplyAndSetsTitle(t *testing.T) {
	f := newFixture(t, &fakeProvider{chunks: []string{"Hi the", "re! How can I help?"}})

	f.sendAndWait(t, "Hello")

	conv, _ := f.store.Active()
	if conv.Title != "Hello" {
		t.Errorf("title: want %q, got %q", "Hello", conv.Title)
	}
	if len(conv.Messages) != 2 {
		t.Fatalf("expected [user, assistant], got %d messages", len(conv.Messages))
	}
	if conv.Messages[0].Sender != domain.SenderUser || conv.Messages[0].Text != "Hello" {
		t.Errorf("user message: %+v", conv.Messages[0])
	}
	last := conv.Messages[1]
	if last.Sender != domain.SenderAssistant || last.Text != "Hi there! How can I help?" {
		t.Errorf("assistant message: %+v", last)
	}

	req := f.provider.lastRequest()
	if req.Prompt != "Hello" || req.Model != "gemini-2.5-flash" {
		t.Errorf("request: %+v", req)
	}
	if req.SystemPrompt == "" {
		t.Error("system prompt not passed through")
	}
	if len(req.History) != 0 {
		t.Errorf("first turn should carry empty history, got %d", len(req.History))
	}
}

func TestTitleTruncatedToThirtyChars(t *testing.T) {
	f := newFixture(t, &fakeProvider{chunks: []string{"ok"}})
	long := strings.Repeat("abcde ", 10)

	f.sendAndWait(t, long)

	conv, _ := f.store.Active()
	if got := len([]rune(conv.Title)); got != 30 {
		t.Errorf("title length: want 30, got %d (%q)", got, conv.Title)
	}
}

func TestTitleOnlySetOnce(t *testing.T) {
	f := newFixture(t, &fakeProvider{chunks: []string{"ok"}})
	f.sendAndWait(t, "first prompt")
	f.sendAndWait(t, "second prompt")

	conv, _ := f.store.Active()
	if conv.Title != "first prompt" {
		t.Errorf("title changed on later send: %q", conv.Title)
	}
}

func TestWelcomeMessageDoesNotBlockTitle(t *testing.T) {
	p := &fakeProvider{chunks: []string{"ok"}}
	st, err := store.Open(store.Config{
		DBPath:       filepath.Join(t.TempDir(), "jarvis.db"),
		DefaultModel: "gemini-2.5-flash",
		Logger:       testLogger(),
		Fresh: func() domain.Conversation {
			return domain.Conversation{
				ID:    "c1",
				Title: domain.DefaultTitle,
				Messages: []domain.Message{{
					ID:     "initial-1",
					Text:   "Hello! I'm Jarvis.",
					Sender: domain.SenderAssistant,
				}},
				Model: "gemini-2.5-flash",
			}
		},
	})
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	defer st.Close()

	orch := New(Config{
		Store:    st,
		Provider: p,
		Speaker:  speech.NewSpeaker(speech.SpeakerConfig{Local: &recordingSynth{}, Logger: testLogger()}),
		Bus:      bus.New(testLogger()),
		Logger:   testLogger(),
	})
	if err := orch.Send(context.Background(), "Weather?", nil); err != nil {
		t.Fatalf("send: %v", err)
	}
	orch.Wait()

	conv, _ := st.Active()
	if conv.Title != "Weather?" {
		t.Errorf("welcome message must not count as a user message; title %q", conv.Title)
	}
	if len(conv.Messages) != 3 {
		t.Errorf("expected [welcome, user, assistant], got %d", len(conv.Messages))
	}
}

func TestSendWhileStreamingReturnsErrBusy(t *testing.T) {
	p := &fakeProvider{chunks: []string{"part one ", "part two"}, block: make(chan struct{})}
	f := newFixture(t, p)

	if err := f.orch.Send(context.Background(), "go", nil); err != nil {
		t.Fatalf("send: %v", err)
	}
	waitFor(t, func() bool { return f.orch.Busy() })

	if err := f.orch.Send(context.Background(), "again", nil); err != ErrBusy {
		t.Errorf("want ErrBusy, got %v", err)
	}

	close(p.block)
	f.orch.Wait()
	if f.orch.Busy() {
		t.Error("still busy after stream finished")
	}
}

func TestStopKeepsPartialTextAndNotifies(t *testing.T) {
	p := &fakeProvider{chunks: []string{"partial ", "never delivered"}, block: make(chan struct{})}
	f := newFixture(t, p)
	events := f.bus.Subscribe("test")

	if err := f.orch.Send(context.Background(), "go", nil); err != nil {
		t.Fatalf("send: %v", err)
	}
	// Wait until the first chunk landed in the store.
	waitFor(t, func() bool {
		conv, _ := f.store.Active()
		return len(conv.Messages) == 2 && conv.Messages[1].Text == "partial "
	})

	f.orch.Stop()

	// The detached stream winds down in the background; wait for its notice.
	waitFor(t, func() bool {
		for {
			select {
			case ev := <-events:
				if ev.Type == bus.EventNotice && ev.Text == "Generation stopped" {
					return true
				}
			default:
				return false
			}
		}
	})

	conv, _ := f.store.Active()
	if got := conv.Messages[1].Text; got != "partial " {
		t.Errorf("cancelled message: want accumulated text, got %q", got)
	}
}

// stubbornProvider does not watch ctx: it streams one token, then holds the
// connection open until released, the way a slow network peer would.
type stubbornProvider struct {
	release chan struct{}
}

func (p *stubbornProvider) Name() string              { return "stubborn" }
func (p *stubbornProvider) Mode() domain.ProviderMode { return domain.ModeAPI }

func (p *stubbornProvider) StreamChat(ctx context.Context, req domain.ChatRequest, out chan<- domain.StreamEvent) error {
	defer close(out)
	out <- domain.StreamEvent{Type: domain.StreamToken, Text: "slow "}
	<-p.release
	return ctx.Err()
}

func TestSendAcceptedImmediatelyAfterStop(t *testing.T) {
	slow := &stubbornProvider{release: make(chan struct{})}
	f := newFixtureWith(t, slow)

	if err := f.orch.Send(context.Background(), "first", nil); err != nil {
		t.Fatalf("send: %v", err)
	}
	waitFor(t, func() bool { return f.orch.Busy() })

	f.orch.Stop()
	if f.orch.Busy() {
		t.Fatal("still busy right after Stop")
	}
	if err := f.orch.Send(context.Background(), "second", nil); err != nil {
		t.Fatalf("send after Stop: %v", err)
	}

	close(slow.release)
	f.orch.Wait()

	conv, _ := f.store.Active()
	if len(conv.Messages) != 4 {
		t.Fatalf("expected both turns in the transcript, got %d messages", len(conv.Messages))
	}
}

func TestConcurrentSendsOneWinnerNoOrphans(t *testing.T) {
	p := &fakeProvider{chunks: []string{"part one ", "part two"}, block: make(chan struct{})}
	f := newFixture(t, p)

	errs := make([]error, 2)
	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = f.orch.Send(context.Background(), "race", nil)
		}(i)
	}
	wg.Wait()

	busy := 0
	for _, err := range errs {
		switch err {
		case nil:
		case ErrBusy:
			busy++
		default:
			t.Fatalf("unexpected send error: %v", err)
		}
	}
	if busy != 1 {
		t.Fatalf("want exactly one ErrBusy, got %d", busy)
	}

	// The rejected send must not have touched the store.
	conv, _ := f.store.Active()
	if len(conv.Messages) != 2 {
		t.Fatalf("expected [user, placeholder] only, got %d messages", len(conv.Messages))
	}

	close(p.block)
	f.orch.Wait()
}

func TestGenericErrorReplacesPlaceholder(t *testing.T) {
	f := newFixture(t, &fakeProvider{err: context.DeadlineExceeded})

	f.sendAndWait(t, "hi")

	conv, _ := f.store.Active()
	if got := conv.Messages[len(conv.Messages)-1].Text; got != "An error occurred. Please try again." {
		t.Errorf("error text: got %q", got)
	}
}

func TestRateLimitErrorIsDistinct(t *testing.T) {
	f := newFixture(t, &fakeProvider{err: domain.ErrRateLimited})

	f.sendAndWait(t, "hi")

	conv, _ := f.store.Active()
	if got := conv.Messages[len(conv.Messages)-1].Text; got != "API rate limit reached. Please try again later." {
		t.Errorf("rate limit text: got %q", got)
	}
}

func TestRegenerateReplacesLastAssistantReply(t *testing.T) {
	f := newFixture(t, &fakeProvider{chunks: []string{"a2'"}})
	id := f.store.ActiveID()
	if _, err := f.store.Update(id, func(c *domain.Conversation) {
		c.Title = "seeded"
		c.Messages = []domain.Message{
			{ID: "u1", Text: "one", Sender: domain.SenderUser},
			{ID: "a1", Text: "reply one", Sender: domain.SenderAssistant},
			{ID: "u2", Text: "two", Sender: domain.SenderUser},
			{ID: "a2", Text: "reply two", Sender: domain.SenderAssistant},
		}
	}); err != nil {
		t.Fatalf("seed: %v", err)
	}

	if err := f.orch.Regenerate(context.Background()); err != nil {
		t.Fatalf("regenerate: %v", err)
	}
	f.orch.Wait()

	conv, _ := f.store.Active()
	texts := make([]string, len(conv.Messages))
	for i, m := range conv.Messages {
		texts[i] = m.Text
	}
	want := []string{"one", "reply one", "two", "a2'"}
	if len(texts) != len(want) {
		t.Fatalf("messages: want %v, got %v", want, texts)
	}
	for i := range want {
		if texts[i] != want[i] {
			t.Fatalf("messages: want %v, got %v", want, texts)
		}
	}
	if req := f.provider.lastRequest(); req.Prompt != "two" {
		t.Errorf("regenerate prompt: got %q", req.Prompt)
	}
}

func TestRegenerateResendsUserImage(t *testing.T) {
	f := newFixture(t, &fakeProvider{chunks: []string{"a striped cat"}})
	id := f.store.ActiveID()
	if _, err := f.store.Update(id, func(c *domain.Conversation) {
		c.Messages = []domain.Message{
			{ID: "u1", Text: "what is this?", Sender: domain.SenderUser, Image: "aGVsbG8=", MimeType: "image/png"},
			{ID: "a1", Text: "a blurry animal", Sender: domain.SenderAssistant},
		}
	}); err != nil {
		t.Fatalf("seed: %v", err)
	}

	if err := f.orch.Regenerate(context.Background()); err != nil {
		t.Fatalf("regenerate: %v", err)
	}
	f.orch.Wait()

	conv, _ := f.store.Active()
	if len(conv.Messages) != 2 {
		t.Fatalf("expected [user, assistant], got %d messages", len(conv.Messages))
	}
	if got := conv.Messages[0]; got.Image != "aGVsbG8=" || got.MimeType != "image/png" {
		t.Errorf("user message lost its image: %+v", got)
	}

	req := f.provider.lastRequest()
	if req.Image == nil || req.Image.Data != "aGVsbG8=" || req.Image.MimeType != "image/png" {
		t.Errorf("regenerated request image: %+v", req.Image)
	}
}

func TestRegenerateWithoutUserMessageIsNoop(t *testing.T) {
	f := newFixture(t, &fakeProvider{chunks: []string{"never"}})
	if err := f.orch.Regenerate(context.Background()); err != nil {
		t.Fatalf("regenerate: %v", err)
	}
	f.orch.Wait()
	if len(f.provider.reqs) != 0 {
		t.Error("regenerate on empty conversation must not call the provider")
	}
}

func TestEditDiscardsEverythingAfter(t *testing.T) {
	f := newFixture(t, &fakeProvider{chunks: []string{"a1'"}})
	id := f.store.ActiveID()
	if _, err := f.store.Update(id, func(c *domain.Conversation) {
		c.Messages = []domain.Message{
			{ID: "u1", Text: "one", Sender: domain.SenderUser},
			{ID: "a1", Text: "reply one", Sender: domain.SenderAssistant},
			{ID: "u2", Text: "two", Sender: domain.SenderUser},
			{ID: "a2", Text: "reply two", Sender: domain.SenderAssistant},
		}
	}); err != nil {
		t.Fatalf("seed: %v", err)
	}

	if err := f.orch.Edit(context.Background(), "u1", "rewritten"); err != nil {
		t.Fatalf("edit: %v", err)
	}
	f.orch.Wait()

	conv, _ := f.store.Active()
	if len(conv.Messages) != 2 {
		t.Fatalf("expected [u1', a1'], got %d messages", len(conv.Messages))
	}
	if conv.Messages[0].Text != "rewritten" || conv.Messages[0].Sender != domain.SenderUser {
		t.Errorf("edited message: %+v", conv.Messages[0])
	}
	if conv.Messages[1].Text != "a1'" {
		t.Errorf("new reply: %+v", conv.Messages[1])
	}
}

func TestImmersiveModeSpeaksSentencesAndPersistsFullText(t *testing.T) {
	f := newFixture(t, &fakeProvider{chunks: []string{"Hi the", "re! How can I help?"}})
	f.orch.SetImmersive(true)

	f.sendAndWait(t, "Hello")

	waitFor(t, func() bool { return len(f.synth.spokenCopy()) == 2 })
	spoken := f.synth.spokenCopy()
	if spoken[0] != "Hi there!" || spoken[1] != "How can I help?" {
		t.Errorf("spoken fragments: %v", spoken)
	}

	conv, _ := f.store.Active()
	last := conv.Messages[len(conv.Messages)-1]
	if last.Text != "Hi there! How can I help?" {
		t.Errorf("persisted transcript incomplete: %q", last.Text)
	}
}

func TestImmersiveCaptionAccumulates(t *testing.T) {
	f := newFixture(t, &fakeProvider{chunks: []string{"One. Two. Three"}})
	f.orch.SetImmersive(true)
	events := f.bus.Subscribe("test")

	f.sendAndWait(t, "count")

	var captions []string
	for {
		select {
		case ev := <-events:
			if ev.Type == bus.EventCaption {
				captions = append(captions, ev.Text)
			}
			continue
		default:
		}
		break
	}
	if len(captions) != 3 {
		t.Fatalf("expected 3 caption updates, got %v", captions)
	}
	if captions[len(captions)-1] != "One. Two. Three" {
		t.Errorf("final caption: %q", captions[len(captions)-1])
	}
}
