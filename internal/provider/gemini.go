package provider

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"jarvis/internal/domain"
)

// Gemini streams chat completions from the Gemini API over SSE.
type Gemini struct {
	apiBase string
	apiKey  string
	client  *http.Client
	logger  *slog.Logger
}

type GeminiConfig struct {
	APIBase string // e.g. "https://generativelanguage.googleapis.com"
	APIKey  string
	Client  *http.Client
	Logger  *slog.Logger
}

func NewGemini(cfg GeminiConfig) *Gemini {
	if cfg.APIBase == "" {
		cfg.APIBase = "https://generativelanguage.googleapis.com"
	}
	if cfg.Client == nil {
		cfg.Client = SharedHTTPClient(0)
	}
	return &Gemini{
		apiBase: strings.TrimRight(cfg.APIBase, "/"),
		apiKey:  cfg.APIKey,
		client:  cfg.Client,
		logger:  cfg.Logger,
	}
}

func (g *Gemini) Name() string              { return "gemini" }
func (g *Gemini) Mode() domain.ProviderMode { return domain.ModeAPI }

type geminiPart struct {
	Text       string            `json:"text,omitempty"`
	InlineData *geminiInlineData `json:"inline_data,omitempty"`
}

type geminiInlineData struct {
	MimeType string `json:"mime_type"`
	Data     string `json:"data"`
}

type geminiContent struct {
	Role  string       `json:"role"`
	Parts []geminiPart `json:"parts"`
}

type geminiStreamRequest struct {
	Contents          []geminiContent `json:"contents"`
	SystemInstruction *struct {
		Parts []geminiPart `json:"parts"`
	} `json:"systemInstruction,omitempty"`
}

type geminiStreamChunk struct {
	Candidates []struct {
		Content struct {
			Parts []geminiPart `json:"parts"`
		} `json:"content"`
	} `json:"candidates"`
}

// StreamChat sends the transcript plus the new prompt and emits reply text
// as StreamToken events. out is closed before returning.
func (g *Gemini) StreamChat(ctx context.Context, req domain.ChatRequest, out chan<- domain.StreamEvent) error {
	defer close(out)

	payload := geminiStreamRequest{
		Contents: buildContents(req),
	}
	if req.SystemPrompt != "" {
		payload.SystemInstruction = &struct {
			Parts []geminiPart `json:"parts"`
		}{Parts: []geminiPart{{Text: req.SystemPrompt}}}
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}

	url := fmt.Sprintf("%s/v1beta/models/%s:streamGenerateContent?alt=sse", g.apiBase, req.Model)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-goog-api-key", g.apiKey)

	resp, err := g.client.Do(httpReq)
	if err != nil {
		return fmt.Errorf("gemini request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 8192))
		if resp.StatusCode == http.StatusTooManyRequests ||
			strings.Contains(string(raw), "RESOURCE_EXHAUSTED") {
			return fmt.Errorf("gemini %d: %w", resp.StatusCode, domain.ErrRateLimited)
		}
		return fmt.Errorf("gemini %d: %s", resp.StatusCode, string(raw))
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	for scanner.Scan() {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		data := strings.TrimPrefix(line, "data: ")
		if data == "[DONE]" {
			break
		}

		var chunk geminiStreamChunk
		if err := json.Unmarshal([]byte(data), &chunk); err != nil {
			g.logger.Warn("skipping malformed stream chunk", "error", err)
			continue
		}
		for _, cand := range chunk.Candidates {
			for _, part := range cand.Content.Parts {
				if part.Text == "" {
					continue
				}
				select {
				case out <- domain.StreamEvent{Type: domain.StreamToken, Text: part.Text}:
				case <-ctx.Done():
					return ctx.Err()
				}
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("read stream: %w", err)
	}

	select {
	case out <- domain.StreamEvent{Type: domain.StreamDone}:
	case <-ctx.Done():
		return ctx.Err()
	}
	return nil
}

// buildContents role-maps the transcript (user→"user", assistant→"model")
// and appends the new prompt with its optional image.
func buildContents(req domain.ChatRequest) []geminiContent {
	contents := make([]geminiContent, 0, len(req.History)+1)
	for _, m := range req.History {
		role := "user"
		if m.Sender == domain.SenderAssistant {
			role = "model"
		}
		parts := []geminiPart{{Text: m.Text}}
		if m.Image != "" {
			parts = append(parts, geminiPart{InlineData: &geminiInlineData{
				MimeType: m.MimeType,
				Data:     m.Image,
			}})
		}
		contents = append(contents, geminiContent{Role: role, Parts: parts})
	}

	parts := []geminiPart{{Text: req.Prompt}}
	if req.Image != nil {
		parts = append(parts, geminiPart{InlineData: &geminiInlineData{
			MimeType: req.Image.MimeType,
			Data:     req.Image.Data,
		}})
	}
	return append(contents, geminiContent{Role: "user", Parts: parts})
}
