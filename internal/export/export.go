package export

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"jarvis/internal/domain"
)

// WriteJSON writes the conversation as pretty-printed JSON into dir and
// returns the file path.
func WriteJSON(dir string, conv domain.Conversation) (string, error) {
	raw, err := json.MarshalIndent(conv, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal conversation: %w", err)
	}
	return writeFile(dir, conv, "json", raw)
}

// WriteMarkdown renders the conversation as a Markdown transcript: a
// metadata header, then each message as a bold-sender section separated by
// horizontal rules.
func WriteMarkdown(dir string, conv domain.Conversation) (string, error) {
	var sb strings.Builder
	fmt.Fprintf(&sb, "# %s\n\n", conv.Title)
	fmt.Fprintf(&sb, "**ID:** %s\n", conv.ID)
	fmt.Fprintf(&sb, "**Date:** %s\n", conv.CreatedAt.Format("2006-01-02 15:04"))
	fmt.Fprintf(&sb, "**Model:** %s\n\n---\n\n", conv.Model)

	for _, m := range conv.Messages {
		sender := "Jarvis"
		if m.Sender == domain.SenderUser {
			sender = "You"
		}
		fmt.Fprintf(&sb, "**%s:** %s\n\n---\n\n", sender, m.Text)
	}
	return writeFile(dir, conv, "md", []byte(sb.String()))
}

func writeFile(dir string, conv domain.Conversation, ext string, data []byte) (string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create export directory: %w", err)
	}
	path := filepath.Join(dir, fmt.Sprintf("%s_%s.%s", sanitizeTitle(conv.Title), conv.ID, ext))
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", fmt.Errorf("write export: %w", err)
	}
	return path, nil
}

// sanitizeTitle makes the title filesystem-safe: whitespace becomes
// underscores, path separators are dropped.
func sanitizeTitle(title string) string {
	title = strings.Join(strings.Fields(title), "_")
	title = strings.Map(func(r rune) rune {
		switch r {
		case '/', '\\', ':':
			return -1
		}
		return r
	}, title)
	if title == "" {
		title = "conversation"
	}
	return title
}
