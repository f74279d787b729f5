package browser

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/chromedp/chromedp"
)

const browserUserAgent = "Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/131.0.0.0 Safari/537.36"

// Bridge manages headless Chrome instances for browser-mode chat. The
// profile directory persists cookies, so one manual Login survives restarts.
type Bridge struct {
	profileDir string
	headless   bool
	logger     *slog.Logger
}

type BridgeConfig struct {
	ProfileDir string // Chrome user data directory
	Headless   bool
	Logger     *slog.Logger
}

func NewBridge(cfg BridgeConfig) *Bridge {
	if cfg.ProfileDir == "" {
		home, _ := os.UserHomeDir()
		cfg.ProfileDir = filepath.Join(home, ".jarvis", "chrome-profiles", "default")
	}
	return &Bridge{
		profileDir: cfg.ProfileDir,
		headless:   cfg.Headless,
		logger:     cfg.Logger,
	}
}

// NewContext creates a chromedp context backed by the bridge's profile.
// The caller must call cancel() when done.
func (b *Bridge) NewContext(parentCtx context.Context) (context.Context, context.CancelFunc) {
	if err := os.MkdirAll(b.profileDir, 0o755); err != nil {
		b.logger.Error("failed to create profile dir", "dir", b.profileDir, "err", err)
	}

	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.UserDataDir(b.profileDir),
		chromedp.Flag("disable-blink-features", "AutomationControlled"),
		chromedp.Flag("exclude-switches", "enable-automation"),
		chromedp.UserAgent(browserUserAgent),
	)
	if b.headless {
		opts = append(opts, chromedp.Headless)
	} else {
		opts = append(opts, chromedp.Flag("headless", false))
	}

	allocCtx, allocCancel := chromedp.NewExecAllocator(parentCtx, opts...)
	taskCtx, taskCancel := chromedp.NewContext(allocCtx)

	return taskCtx, func() {
		taskCancel()
		allocCancel()
	}
}

// Login opens a visible browser so the user can sign in manually; the
// session cookie lands in the profile directory.
func (b *Bridge) Login(ctx context.Context, url string) error {
	b.logger.Info("opening browser for login", "url", url)

	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.UserDataDir(b.profileDir),
		chromedp.Flag("headless", false),
		chromedp.Flag("disable-blink-features", "AutomationControlled"),
		chromedp.Flag("exclude-switches", "enable-automation"),
		chromedp.UserAgent(browserUserAgent),
	)
	allocCtx, allocCancel := chromedp.NewExecAllocator(ctx, opts...)
	defer allocCancel()
	taskCtx, taskCancel := chromedp.NewContext(allocCtx)
	defer taskCancel()

	if err := chromedp.Run(taskCtx, chromedp.Navigate(url)); err != nil {
		return fmt.Errorf("navigate to login page: %w", err)
	}

	b.logger.Info("browser opened. Please log in manually. Press Ctrl+C when done.")
	<-ctx.Done()
	b.logger.Info("login session saved", "profile", b.profileDir)
	return nil
}

// SendAndReceive navigates to the chat page, types the message, submits it
// and waits for the reply to finish rendering.
func (b *Bridge) SendAndReceive(ctx context.Context, sel SelectorSet, message string) (string, error) {
	taskCtx, cancel := b.NewContext(ctx)
	defer cancel()

	taskCtx, taskCancel := context.WithTimeout(taskCtx, 120*time.Second)
	defer taskCancel()

	err := chromedp.Run(taskCtx,
		chromedp.Navigate(sel.URL),
		chromedp.WaitReady("body"),
		chromedp.WaitVisible(sel.Input, chromedp.ByQuery),
		chromedp.Sleep(1*time.Second),
		chromedp.Click(sel.Input, chromedp.ByQuery),
		chromedp.Sleep(500*time.Millisecond),
	)
	if err != nil {
		return "", fmt.Errorf("prepare chat page: %w", err)
	}

	err = chromedp.Run(taskCtx,
		chromedp.SendKeys(sel.Input, message, chromedp.ByQuery),
		chromedp.Sleep(500*time.Millisecond),
		chromedp.Click(sel.Submit, chromedp.ByQuery),
	)
	if err != nil {
		return "", fmt.Errorf("send message: %w", err)
	}

	b.logger.Debug("waiting for response...")

	// Poll the loading indicator until it disappears.
	for i := 0; i < 120; i++ {
		time.Sleep(1 * time.Second)

		var loadingExists bool
		err = chromedp.Run(taskCtx,
			chromedp.Evaluate(
				fmt.Sprintf(`document.querySelector('%s') !== null`, sel.Loading),
				&loadingExists,
			),
		)
		if err != nil {
			break
		}
		if !loadingExists {
			time.Sleep(500 * time.Millisecond)
			break
		}
	}

	var response string
	err = chromedp.Run(taskCtx,
		chromedp.Evaluate(
			fmt.Sprintf(`
				(function() {
					var elements = document.querySelectorAll('%s');
					if (elements.length === 0) return '';
					var last = elements[elements.length - 1];
					return last.innerText || last.textContent || '';
				})()
			`, sel.Response),
			&response,
		),
	)
	if err != nil {
		return "", fmt.Errorf("extract response: %w", err)
	}
	return response, nil
}

// SelectorSet contains the CSS selectors for a chat website.
type SelectorSet struct {
	URL      string
	Input    string // text input area
	Submit   string // send button
	Response string // response text blocks
	Loading  string // loading/typing indicator
}

// GeminiSelectors returns the default selectors for gemini.google.com.
func GeminiSelectors() SelectorSet {
	return SelectorSet{
		URL:      "https://gemini.google.com",
		Input:    ".ql-editor",
		Submit:   ".send-button",
		Response: ".response-content",
		Loading:  ".loading-indicator",
	}
}
