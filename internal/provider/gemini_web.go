package provider

import (
	"context"
	"fmt"
	"log/slog"

	"jarvis/internal/browser"
	"jarvis/internal/domain"
)

// GeminiWeb drives gemini.google.com through headless Chrome. It is the
// fallback when no API key is configured: the reply arrives whole, so the
// stream carries a single token event.
type GeminiWeb struct {
	bridge    *browser.Bridge
	selectors browser.SelectorSet
	logger    *slog.Logger
}

type GeminiWebConfig struct {
	ProfileDir string
	Logger     *slog.Logger
}

func NewGeminiWeb(cfg GeminiWebConfig) *GeminiWeb {
	return &GeminiWeb{
		bridge: browser.NewBridge(browser.BridgeConfig{
			ProfileDir: cfg.ProfileDir,
			Headless:   true,
			Logger:     cfg.Logger,
		}),
		selectors: browser.GeminiSelectors(),
		logger:    cfg.Logger,
	}
}

func (p *GeminiWeb) Name() string              { return "gemini-web" }
func (p *GeminiWeb) Mode() domain.ProviderMode { return domain.ModeBrowser }

func (p *GeminiWeb) StreamChat(ctx context.Context, req domain.ChatRequest, out chan<- domain.StreamEvent) error {
	defer close(out)

	p.logger.Info("gemini-web: sending message", "len", len(req.Prompt))

	response, err := p.bridge.SendAndReceive(ctx, p.selectors, req.Prompt)
	if err != nil {
		return fmt.Errorf("gemini-web: %w", err)
	}

	p.logger.Info("gemini-web: received response", "len", len(response))

	select {
	case out <- domain.StreamEvent{Type: domain.StreamToken, Text: response}:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case out <- domain.StreamEvent{Type: domain.StreamDone}:
	case <-ctx.Done():
		return ctx.Err()
	}
	return nil
}

// Login opens a visible browser session for manual sign-in.
func (p *GeminiWeb) Login(ctx context.Context) error {
	return p.bridge.Login(ctx, p.selectors.URL)
}
