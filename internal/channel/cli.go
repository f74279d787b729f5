package channel

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"jarvis/internal/bus"
	"jarvis/internal/export"
	"jarvis/internal/orchestrator"
	"jarvis/internal/store"
)

// CLI is an interactive terminal frontend: prompts go to the orchestrator,
// replies and notices come back through the event bus.
type CLI struct {
	orch      *orchestrator.Orchestrator
	store     *store.Store
	bus       *bus.Bus
	exportDir string
	logger    *slog.Logger
	in        io.Reader
	out       io.Writer

	thinkMu   sync.Mutex
	thinking  bool
	thinkStop chan struct{}
}

type CLIConfig struct {
	Orch      *orchestrator.Orchestrator
	Store     *store.Store
	Bus       *bus.Bus
	ExportDir string
	Logger    *slog.Logger
	In        io.Reader
	Out       io.Writer
}

func NewCLI(cfg CLIConfig) *CLI {
	if cfg.In == nil {
		cfg.In = os.Stdin
	}
	if cfg.Out == nil {
		cfg.Out = os.Stdout
	}
	return &CLI{
		orch:      cfg.Orch,
		store:     cfg.Store,
		bus:       cfg.Bus,
		exportDir: cfg.ExportDir,
		logger:    cfg.Logger,
		in:        cfg.In,
		out:       cfg.Out,
	}
}

func (c *CLI) Name() string { return "cli" }

// Start runs the REPL until /quit, EOF or context cancellation.
func (c *CLI) Start(ctx context.Context) error {
	events := c.bus.Subscribe("cli")
	defer c.bus.Unsubscribe("cli")

	go c.printEvents(events)

	fmt.Fprintln(c.out, "Jarvis. Type a message, or /help for commands.")
	fmt.Fprint(c.out, "You> ")

	scanner := bufio.NewScanner(c.in)
	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		if !scanner.Scan() {
			return scanner.Err()
		}

		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			fmt.Fprint(c.out, "You> ")
			continue
		}
		if strings.HasPrefix(line, "/") {
			if quit := c.command(ctx, line); quit {
				return nil
			}
			fmt.Fprint(c.out, "You> ")
			continue
		}

		c.startThinking()
		if err := c.orch.Send(ctx, line, nil); err != nil {
			c.stopThinking()
			fmt.Fprintf(c.out, "error: %v\nYou> ", err)
		}
	}
}

// command handles slash commands; returns true to quit.
func (c *CLI) command(ctx context.Context, line string) bool {
	fields := strings.Fields(line)
	switch fields[0] {
	case "/quit", "/exit", "/q":
		return true

	case "/help":
		fmt.Fprintln(c.out, "/new   start a new conversation\n/list  list conversations\n/select <n>  switch conversation\n/regen regenerate the last reply\n/stop  stop the current stream\n/export  export the active conversation\n/quit  exit")

	case "/new":
		if _, err := c.store.New(); err != nil {
			fmt.Fprintf(c.out, "error: %v\n", err)
		}

	case "/list":
		active := c.store.ActiveID()
		for i, conv := range c.store.List() {
			marker := " "
			if conv.ID == active {
				marker = "*"
			}
			fmt.Fprintf(c.out, "%s %2d. %s (%d messages)\n", marker, i+1, conv.Title, len(conv.Messages))
		}

	case "/select":
		if len(fields) < 2 {
			fmt.Fprintln(c.out, "usage: /select <n>")
			break
		}
		n, err := strconv.Atoi(fields[1])
		convs := c.store.List()
		if err != nil || n < 1 || n > len(convs) {
			fmt.Fprintln(c.out, "no such conversation")
			break
		}
		if err := c.store.SetActive(convs[n-1].ID); err != nil {
			fmt.Fprintf(c.out, "error: %v\n", err)
		}

	case "/regen":
		c.startThinking()
		if err := c.orch.Regenerate(ctx); err != nil {
			c.stopThinking()
			fmt.Fprintf(c.out, "error: %v\n", err)
		}

	case "/stop":
		c.orch.Stop()

	case "/export":
		conv, ok := c.store.Active()
		if !ok {
			fmt.Fprintln(c.out, "no active conversation")
			break
		}
		jsonPath, err := export.WriteJSON(c.exportDir, conv)
		if err != nil {
			fmt.Fprintf(c.out, "error: %v\n", err)
			break
		}
		mdPath, err := export.WriteMarkdown(c.exportDir, conv)
		if err != nil {
			fmt.Fprintf(c.out, "error: %v\n", err)
			break
		}
		fmt.Fprintf(c.out, "exported %s and %s\n", jsonPath, mdPath)

	default:
		fmt.Fprintf(c.out, "unknown command %s\n", fields[0])
	}
	return false
}

// printEvents renders bus events. Streaming text is buffered and printed
// whole when the turn's state event arrives.
func (c *CLI) printEvents(events <-chan bus.Event) {
	var lastText string
	for ev := range events {
		switch ev.Type {
		case bus.EventStream, bus.EventCaption:
			lastText = ev.Text

		case bus.EventNotice:
			c.stopThinking()
			fmt.Fprintf(c.out, "\r\033[K[%s]\nYou> ", ev.Text)

		case bus.EventError:
			c.stopThinking()
			fmt.Fprintf(c.out, "\r\033[Kerror: %s\nYou> ", ev.Text)
			lastText = ""

		case bus.EventState:
			if !ev.Loading && lastText != "" {
				c.stopThinking()
				fmt.Fprintf(c.out, "\r\033[K\nJarvis: %s\n\nYou> ", lastText)
				lastText = ""
			}
		}
	}
}

func (c *CLI) startThinking() {
	c.thinkMu.Lock()
	defer c.thinkMu.Unlock()
	if c.thinking {
		return
	}
	c.thinking = true
	c.thinkStop = make(chan struct{})
	go func(stop chan struct{}) {
		frames := []string{"⠋", "⠙", "⠹", "⠸", "⠼", "⠴", "⠦", "⠧", "⠇", "⠏"}
		i := 0
		ticker := time.NewTicker(100 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				fmt.Fprintf(c.out, "\r%s Thinking...", frames[i%len(frames)])
				i++
			}
		}
	}(c.thinkStop)
}

func (c *CLI) stopThinking() {
	c.thinkMu.Lock()
	defer c.thinkMu.Unlock()
	if !c.thinking {
		return
	}
	c.thinking = false
	close(c.thinkStop)
}
