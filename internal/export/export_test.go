package export

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"jarvis/internal/domain"
)

func sampleConversation() domain.Conversation {
	return domain.Conversation{
		ID:    "conv-42",
		Title: "Weather in Hanoi",
		Messages: []domain.Message{
			{ID: "u1", Text: "What's the weather?", Sender: domain.SenderUser},
			{ID: "a1", Text: "Sunny, 32 degrees.", Sender: domain.SenderAssistant},
		},
		CreatedAt: time.Date(2026, 3, 14, 9, 30, 0, 0, time.UTC),
		Model:     "gemini-2.5-flash",
	}
}

func TestWriteJSON(t *testing.T) {
	dir := t.TempDir()
	path, err := WriteJSON(dir, sampleConversation())
	if err != nil {
		t.Fatalf("write json: %v", err)
	}
	if filepath.Base(path) != "Weather_in_Hanoi_conv-42.json" {
		t.Errorf("filename: %s", filepath.Base(path))
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read back: %v", err)
	}
	var got domain.Conversation
	if err := json.Unmarshal(raw, &got); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if got.ID != "conv-42" || len(got.Messages) != 2 {
		t.Errorf("round trip: %+v", got)
	}
	if !strings.Contains(string(raw), "\n  ") {
		t.Error("expected pretty-printed JSON")
	}
}

func TestWriteMarkdown(t *testing.T) {
	dir := t.TempDir()
	path, err := WriteMarkdown(dir, sampleConversation())
	if err != nil {
		t.Fatalf("write markdown: %v", err)
	}
	if filepath.Base(path) != "Weather_in_Hanoi_conv-42.md" {
		t.Errorf("filename: %s", filepath.Base(path))
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read back: %v", err)
	}
	text := string(raw)
	for _, want := range []string{
		"# Weather in Hanoi",
		"**ID:** conv-42",
		"**Model:** gemini-2.5-flash",
		"**You:** What's the weather?",
		"**Jarvis:** Sunny, 32 degrees.",
		"---",
	} {
		if !strings.Contains(text, want) {
			t.Errorf("markdown missing %q:\n%s", want, text)
		}
	}
}

func TestSanitizeTitle(t *testing.T) {
	cases := map[string]string{
		"New Chat":        "New_Chat",
		"a/b\\c:d":        "abcd",
		"  spaced  out  ": "spaced_out",
		"":                "conversation",
	}
	for in, want := range cases {
		if got := sanitizeTitle(in); got != want {
			t.Errorf("sanitizeTitle(%q): want %q, got %q", in, want, got)
		}
	}
}
