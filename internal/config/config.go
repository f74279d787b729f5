package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
)

// Config is the root configuration for Jarvis.
type Config struct {
	General GeneralConfig `json:"general"`
	Chat    ChatConfig    `json:"chat"`
	Speech  SpeechConfig  `json:"speech"`
	Voice   VoiceConfig   `json:"voice"`
	Web     WebConfig     `json:"web"`
	Store   StoreConfig   `json:"store"`
}

type GeneralConfig struct {
	LogLevel          string `json:"logLevel"`
	LogFile           string `json:"logFile,omitempty"` // optional log file path
	ExportDir         string `json:"exportDir"`
	SystemPromptExtra string `json:"systemPromptExtra,omitempty"` // appended to the persona prompt
}

// ChatConfig configures the chat backend.
type ChatConfig struct {
	Mode       string `json:"mode"` // "api" | "browser"
	APIBase    string `json:"apiBase,omitempty"`
	APIKey     string `json:"apiKey,omitempty"`
	Model      string `json:"model"`
	ProfileDir string `json:"profileDir,omitempty"` // browser mode: Chrome profile dir
}

// SpeechConfig configures text-to-speech output.
type SpeechConfig struct {
	Enabled    bool             `json:"enabled"`
	ElevenLabs ElevenLabsConfig `json:"elevenlabs"`
	Local      LocalTTSConfig   `json:"local"`
	Player     string           `json:"player,omitempty"` // audio player command; auto-detected when empty
}

type ElevenLabsConfig struct {
	APIBase string `json:"apiBase,omitempty"`
	APIKey  string `json:"apiKey,omitempty"`
	VoiceID string `json:"voiceId,omitempty"`
}

type LocalTTSConfig struct {
	Command string  `json:"command,omitempty"` // synthesizer command; auto-detected when empty
	Voice   string  `json:"voice,omitempty"`   // overrides the preferred-voice policy
	Rate    float64 `json:"rate"`              // speaking rate multiplier
	Pitch   float64 `json:"pitch"`             // pitch multiplier
}

// VoiceConfig configures speech recognition for immersive mode.
type VoiceConfig struct {
	Enabled  bool   `json:"enabled"`
	APIBase  string `json:"apiBase,omitempty"`
	APIKey   string `json:"apiKey,omitempty"`
	Model    string `json:"model,omitempty"`
	Language string `json:"language,omitempty"` // ISO-639-1 code
	Recorder string `json:"recorder,omitempty"` // microphone capture command; auto-detected when empty
}

type WebConfig struct {
	Enabled bool   `json:"enabled"`
	Host    string `json:"host"`
	Port    int    `json:"port"`
}

type StoreConfig struct {
	DBPath string `json:"dbPath"`
}

// DefaultConfigDir returns the default config directory (~/.jarvis).
func DefaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".jarvis"
	}
	return filepath.Join(home, ".jarvis")
}

func DefaultConfigPath() string {
	return filepath.Join(DefaultConfigDir(), "config.json")
}

func Load(path string) (*Config, error) {
	if strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("cannot resolve home directory: %w", err)
		}
		path = filepath.Join(home, path[2:])
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("cannot read config file %s: %w", path, err)
	}

	// Substitute environment variables: ${VAR} and ${VAR:-default}
	data = []byte(ExpandEnvVars(string(data)))

	cfg := Defaults()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("cannot parse config file %s: %w", path, err)
	}

	cfg.Store.DBPath = ExpandPath(cfg.Store.DBPath)
	cfg.General.LogFile = ExpandPath(cfg.General.LogFile)
	cfg.General.ExportDir = ExpandPath(cfg.General.ExportDir)
	cfg.Chat.ProfileDir = ExpandPath(cfg.Chat.ProfileDir)

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}

	return cfg, nil
}

// envVarPattern matches ${VAR} and ${VAR:-default} patterns in config strings.
var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(?::-(.*?))?\}`)

// ExpandEnvVars replaces ${VAR} with the environment variable value.
// Supports default values: ${VAR:-default} uses "default" when VAR is unset or empty.
func ExpandEnvVars(input string) string {
	return envVarPattern.ReplaceAllStringFunc(input, func(match string) string {
		groups := envVarPattern.FindStringSubmatch(match)
		if len(groups) < 2 {
			return match
		}
		varName := groups[1]
		defaultVal := ""
		hasDefault := len(groups) >= 3 && groups[2] != ""
		if hasDefault {
			defaultVal = groups[2]
		}

		val, exists := os.LookupEnv(varName)
		if !exists || val == "" {
			if hasDefault {
				return defaultVal
			}
			return match // Keep original if no env var and no default
		}
		return val
	})
}

func Save(path string, cfg *Config) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("cannot create config directory: %w", err)
	}

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("cannot marshal config: %w", err)
	}

	return os.WriteFile(path, data, 0o644)
}

// Validate checks that the config has valid values.
func Validate(cfg *Config) error {
	var errs []string

	switch cfg.General.LogLevel {
	case "", "debug", "info", "warn", "error":
		// valid
	default:
		errs = append(errs, "general.logLevel must be one of: debug, info, warn, error")
	}

	switch cfg.Chat.Mode {
	case "api", "browser":
		// valid
	default:
		errs = append(errs, "chat.mode must be one of: api, browser")
	}
	if cfg.Chat.Mode == "api" && cfg.Chat.APIBase == "" {
		errs = append(errs, "chat.apiBase is required for API mode")
	}
	if cfg.Chat.Model == "" {
		errs = append(errs, "chat.model must not be empty")
	}

	if cfg.Web.Port < 0 || cfg.Web.Port > 65535 {
		errs = append(errs, "web.port must be between 0 and 65535")
	}

	if cfg.Speech.Local.Rate <= 0 {
		errs = append(errs, "speech.local.rate must be > 0")
	}
	if cfg.Speech.Local.Pitch <= 0 {
		errs = append(errs, "speech.local.pitch must be > 0")
	}

	if cfg.Store.DBPath == "" {
		errs = append(errs, "store.dbPath must not be empty")
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation errors:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}

// ExpandPath resolves ~/ to the user's home directory.
func ExpandPath(path string) string {
	if strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(home, path[2:])
	}
	return path
}
