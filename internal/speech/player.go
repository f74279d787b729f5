package speech

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"sync"
)

// playerCommands, in preference order, with the flags that make each one
// play a file and exit quietly.
var playerCommands = [][]string{
	{"afplay"},
	{"mpg123", "-q"},
	{"ffplay", "-nodisp", "-autoexit", "-loglevel", "quiet"},
	{"play", "-q"},
}

// Player plays synthesized audio clips. It owns a single playback slot:
// starting a clip kills whatever was playing before.
type Player struct {
	command []string
	logger  *slog.Logger

	mu      sync.Mutex
	current *exec.Cmd
}

// NewPlayer builds a player around the given command, or auto-detects one
// from PATH when command is empty. A player with no usable command returns
// an error from Play.
func NewPlayer(command string, logger *slog.Logger) *Player {
	p := &Player{logger: logger}
	if command != "" {
		p.command = []string{command}
		return p
	}
	for _, candidate := range playerCommands {
		if _, err := exec.LookPath(candidate[0]); err == nil {
			p.command = candidate
			break
		}
	}
	return p
}

// Available reports whether a playback command was found.
func (p *Player) Available() bool {
	return len(p.command) > 0
}

// Play writes the clip to a temp file and plays it, blocking until playback
// finishes or ctx is cancelled.
func (p *Player) Play(ctx context.Context, audio []byte) error {
	if len(p.command) == 0 {
		return fmt.Errorf("no audio player available")
	}

	f, err := os.CreateTemp("", "jarvis-*.mp3")
	if err != nil {
		return fmt.Errorf("temp audio file: %w", err)
	}
	path := f.Name()
	defer os.Remove(path)

	if _, err := f.Write(audio); err != nil {
		f.Close()
		return fmt.Errorf("write audio: %w", err)
	}
	f.Close()

	args := append(append([]string{}, p.command[1:]...), path)
	cmd := exec.CommandContext(ctx, p.command[0], args...)

	p.mu.Lock()
	if p.current != nil && p.current.Process != nil {
		_ = p.current.Process.Kill()
	}
	if err := cmd.Start(); err != nil {
		p.mu.Unlock()
		return fmt.Errorf("start %s: %w", p.command[0], err)
	}
	p.current = cmd
	p.mu.Unlock()

	err = cmd.Wait()

	p.mu.Lock()
	if p.current == cmd {
		p.current = nil
	}
	p.mu.Unlock()

	if ctx.Err() != nil {
		return ctx.Err()
	}
	return err
}

// Stop kills the clip currently playing, if any.
func (p *Player) Stop() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.current != nil && p.current.Process != nil {
		_ = p.current.Process.Kill()
		p.current = nil
	}
}
