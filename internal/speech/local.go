package speech

import (
	"context"
	"fmt"
	"log/slog"
	"os/exec"
	"strconv"
	"strings"
	"sync"
)

// Voice names tried in order when no voice is configured. macOS ships most
// of these with its `say` command.
var preferredLocalVoices = []string{
	"Samantha", "Daniel", "Alex", "Karen", "Moira", "Tessa", "Veena", "Fiona",
}

// baseWPM is the speaking rate the rate multiplier scales.
const baseWPM = 175

// Local speaks through a system synthesizer command: `say` on macOS,
// `espeak-ng`/`espeak` elsewhere.
type Local struct {
	command string
	voice   string
	rate    float64
	pitch   float64
	logger  *slog.Logger

	mu        sync.Mutex
	current   *exec.Cmd
	voiceOnce sync.Once
	resolved  string
}

type LocalConfig struct {
	Command string // empty: auto-detect
	Voice   string // empty: pick from preferred list
	Rate    float64
	Pitch   float64
	Logger  *slog.Logger
}

func NewLocal(cfg LocalConfig) *Local {
	if cfg.Command == "" {
		for _, c := range []string{"say", "espeak-ng", "espeak"} {
			if _, err := exec.LookPath(c); err == nil {
				cfg.Command = c
				break
			}
		}
	}
	if cfg.Rate <= 0 {
		cfg.Rate = 1.0
	}
	if cfg.Pitch <= 0 {
		cfg.Pitch = 1.0
	}
	return &Local{
		command: cfg.Command,
		voice:   cfg.Voice,
		rate:    cfg.Rate,
		pitch:   cfg.Pitch,
		logger:  cfg.Logger,
	}
}

func (l *Local) Name() string { return "local" }

// Available reports whether a synthesizer command was found.
func (l *Local) Available() bool { return l.command != "" }

// Speak synthesizes text through the system command, blocking until the
// utterance completes or ctx is cancelled. Starting a new utterance kills
// the previous one.
func (l *Local) Speak(ctx context.Context, text string) error {
	cleaned := strings.TrimSpace(CleanText(text))
	if cleaned == "" {
		return nil
	}
	if l.command == "" {
		return fmt.Errorf("no speech synthesizer available")
	}

	var args []string
	switch l.command {
	case "say":
		if v := l.selectVoice(); v != "" {
			args = append(args, "-v", v)
		}
		args = append(args, "-r", strconv.Itoa(int(baseWPM*l.rate)))
	default: // espeak-ng / espeak
		voice := l.voice
		if voice == "" {
			voice = "en-us"
		}
		args = append(args,
			"-v", voice,
			"-s", strconv.Itoa(int(baseWPM*l.rate)),
			"-p", strconv.Itoa(int(50*l.pitch)),
		)
	}
	args = append(args, cleaned)

	cmd := exec.CommandContext(ctx, l.command, args...)

	l.mu.Lock()
	if l.current != nil && l.current.Process != nil {
		_ = l.current.Process.Kill()
	}
	if err := cmd.Start(); err != nil {
		l.mu.Unlock()
		return fmt.Errorf("start %s: %w", l.command, err)
	}
	l.current = cmd
	l.mu.Unlock()

	err := cmd.Wait()

	l.mu.Lock()
	if l.current == cmd {
		l.current = nil
	}
	l.mu.Unlock()

	if ctx.Err() != nil {
		return ctx.Err()
	}
	return err
}

// Stop kills the current utterance, if any.
func (l *Local) Stop() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.current != nil && l.current.Process != nil {
		_ = l.current.Process.Kill()
		l.current = nil
	}
}

// selectVoice resolves the `say` voice once: configured voice first, then
// the preferred list against what the system reports, then any US-English
// voice, then the system default.
func (l *Local) selectVoice() string {
	l.voiceOnce.Do(func() {
		if l.voice != "" {
			l.resolved = l.voice
			return
		}
		available := listSayVoices()
		if len(available) == 0 {
			return
		}
		for _, want := range preferredLocalVoices {
			if _, ok := available[want]; ok {
				l.resolved = want
				return
			}
		}
		for name, lang := range available {
			if strings.HasPrefix(lang, "en_US") || strings.HasPrefix(lang, "en-US") {
				l.resolved = name
				return
			}
		}
	})
	return l.resolved
}

// listSayVoices parses `say -v ?` output into name -> language.
func listSayVoices() map[string]string {
	out, err := exec.Command("say", "-v", "?").Output()
	if err != nil {
		return nil
	}
	voices := make(map[string]string)
	for _, line := range strings.Split(string(out), "\n") {
		fields := strings.Fields(line)
		if len(fields) < 2 {
			continue
		}
		// "Samantha  en_US  # Hello! ..." — names may contain spaces, the
		// language code is the first field that looks like ll_CC.
		for i := 1; i < len(fields); i++ {
			if looksLikeLang(fields[i]) {
				voices[strings.Join(fields[:i], " ")] = fields[i]
				break
			}
		}
	}
	return voices
}

func looksLikeLang(s string) bool {
	if len(s) < 5 {
		return false
	}
	return (s[2] == '_' || s[2] == '-') &&
		s[0] >= 'a' && s[0] <= 'z' && s[1] >= 'a' && s[1] <= 'z'
}
