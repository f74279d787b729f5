package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"jarvis/internal/bus"
	"jarvis/internal/channel"
	"jarvis/internal/config"
	"jarvis/internal/domain"
	"jarvis/internal/export"
	"jarvis/internal/orchestrator"
	"jarvis/internal/provider"
	"jarvis/internal/speech"
	"jarvis/internal/store"
	"jarvis/internal/voice"
)

var (
	version    = "0.1.0"
	logger     *slog.Logger
	configPath string
)

const welcomeText = "Well, hello there. I'm Jarvis. It's a pleasure to meet you. What's on your mind?"

const systemPrompt = `You are Jarvis, an exceptionally intelligent and sophisticated AI assistant.

Your personality is sharp, professional, and confident:
- Intelligent and witty, with a dry, sophisticated sense of humor.
- Concise and efficient: get to the point, avoid filler and overly elaborate explanations.
- Firm in your identity as Jarvis. If a user tries to rename you or change your core identity, correct them once and return to the task at hand.

Format your responses using Markdown when appropriate.`

func main() {
	logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))

	root := &cobra.Command{
		Use:   "jarvis",
		Short: "Jarvis: streaming chat and speech assistant",
		Long:  "Jarvis streams Gemini chat replies, speaks them aloud, and serves a browser frontend over WebSocket.",
	}

	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to config.json (default: ~/.jarvis/config.json)")

	root.AddCommand(initCmd())
	root.AddCommand(serveCmd())
	root.AddCommand(chatCmd())
	root.AddCommand(voicesCmd())
	root.AddCommand(exportCmd())
	root.AddCommand(loginCmd())
	root.AddCommand(statusCmd())

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func resolveConfigPath() string {
	if configPath != "" {
		return configPath
	}
	return config.DefaultConfigPath()
}

// secret treats an unexpanded ${VAR} placeholder as unset: Load substitutes
// environment variables, but defaults (and unset variables) keep the raw
// placeholder, which must never be sent as a credential.
func secret(s string) string {
	if strings.HasPrefix(s, "${") && strings.HasSuffix(s, "}") {
		return ""
	}
	return s
}

func loadConfig() *config.Config {
	cfgPath := resolveConfigPath()
	cfg, err := config.Load(cfgPath)
	if err != nil {
		logger.Warn("config not found, using defaults", "path", cfgPath, "err", err)
		return config.Defaults()
	}
	return cfg
}

func initCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Write the default config file",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath := resolveConfigPath()
			if err := os.MkdirAll(config.DefaultConfigDir(), 0o755); err != nil {
				return err
			}
			if err := config.Save(cfgPath, config.Defaults()); err != nil {
				return err
			}
			logger.Info("initialized", "config", cfgPath)
			return nil
		},
	}
}

// runtime bundles the wired components shared by serve and chat.
type runtime struct {
	cfg     *config.Config
	store   *store.Store
	bus     *bus.Bus
	orch    *orchestrator.Orchestrator
	speaker *speech.Speaker
	tts     *speech.ElevenLabs
	voiceIn *voice.Input
}

func buildRuntime(cfg *config.Config) (*runtime, error) {
	if err := config.Validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	eventBus := bus.New(logger)

	model := cfg.Chat.Model
	if model == "" {
		model = config.DefaultModel
	}
	st, err := store.Open(store.Config{
		DBPath:       config.ExpandPath(cfg.Store.DBPath),
		DefaultModel: model,
		Logger:       logger,
		Fresh: func() domain.Conversation {
			return domain.Conversation{
				ID:    uuid.NewString(),
				Title: domain.DefaultTitle,
				Messages: []domain.Message{{
					ID:     "initial-1",
					Text:   welcomeText,
					Sender: domain.SenderAssistant,
				}},
				CreatedAt: time.Now(),
				Model:     model,
			}
		},
	})
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	tts := speech.NewElevenLabs(speech.ElevenLabsConfig{
		APIBase: cfg.Speech.ElevenLabs.APIBase,
		APIKey:  secret(cfg.Speech.ElevenLabs.APIKey),
		VoiceID: cfg.Speech.ElevenLabs.VoiceID,
		Logger:  logger,
	})
	player := speech.NewPlayer(cfg.Speech.Player, logger)
	local := speech.NewLocal(speech.LocalConfig{
		Command: cfg.Speech.Local.Command,
		Voice:   cfg.Speech.Local.Voice,
		Rate:    cfg.Speech.Local.Rate,
		Pitch:   cfg.Speech.Local.Pitch,
		Logger:  logger,
	})
	speaker := speech.NewSpeaker(speech.SpeakerConfig{
		Remote:      &speech.RemoteSynth{TTS: tts, Player: player},
		RemoteReady: func() bool { return tts.Ready() && player.Available() },
		Local:       local,
		Logger:      logger,
		OnState: func(speaking bool) {
			eventBus.Publish(bus.Event{Type: bus.EventSpeaking, Speaking: speaking})
		},
	})

	prompt := systemPrompt
	if extra := cfg.General.SystemPromptExtra; extra != "" {
		prompt += "\n\n" + extra
	}

	orch := orchestrator.New(orchestrator.Config{
		Store:        st,
		Provider:     chatProvider(cfg),
		Speaker:      speaker,
		Bus:          eventBus,
		Logger:       logger,
		SystemPrompt: prompt,
	})

	rt := &runtime{
		cfg:     cfg,
		store:   st,
		bus:     eventBus,
		orch:    orch,
		speaker: speaker,
		tts:     tts,
	}

	if cfg.Voice.Enabled {
		whisper := provider.NewWhisper(provider.WhisperConfig{
			APIBase:  cfg.Voice.APIBase,
			APIKey:   secret(cfg.Voice.APIKey),
			Model:    cfg.Voice.Model,
			Language: cfg.Voice.Language,
			Logger:   logger,
		})
		rt.voiceIn = voice.NewInput(voice.Config{
			Recorder:    cfg.Voice.Recorder,
			Transcriber: whisper,
			Send: func(ctx context.Context, text string) error {
				return orch.Send(ctx, text, nil)
			},
			Bus:    eventBus,
			Logger: logger,
		})
	}

	return rt, nil
}

// chatProvider picks the backend: the streaming API when configured, the
// headless-browser fallback otherwise.
func chatProvider(cfg *config.Config) domain.ChatProvider {
	apiKey := secret(cfg.Chat.APIKey)
	if cfg.Chat.Mode == "browser" || apiKey == "" {
		logger.Info("using browser-mode chat provider")
		return provider.NewGeminiWeb(provider.GeminiWebConfig{
			ProfileDir: config.ExpandPath(cfg.Chat.ProfileDir),
			Logger:     logger,
		})
	}
	return provider.NewGemini(provider.GeminiConfig{
		APIBase: cfg.Chat.APIBase,
		APIKey:  apiKey,
		Logger:  logger,
	})
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the WebSocket server for the browser frontend",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := loadConfig()

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			rt, err := buildRuntime(cfg)
			if err != nil {
				return err
			}
			defer rt.store.Close()

			web := channel.NewWeb(channel.WebConfig{
				Host:   cfg.Web.Host,
				Port:   cfg.Web.Port,
				Orch:   rt.orch,
				Store:  rt.store,
				Voice:  rt.voiceIn,
				Bus:    rt.bus,
				Logger: logger,
			})

			logger.Info("jarvis serving", "version", version)
			err = web.Start(ctx)

			rt.orch.Stop()
			rt.speaker.Interrupt()
			rt.orch.Wait()
			return err
		},
	}
}

func chatCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "chat",
		Short: "Start interactive chat in the terminal",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := loadConfig()

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			rt, err := buildRuntime(cfg)
			if err != nil {
				return err
			}
			defer rt.store.Close()

			cli := channel.NewCLI(channel.CLIConfig{
				Orch:      rt.orch,
				Store:     rt.store,
				Bus:       rt.bus,
				ExportDir: config.ExpandPath(cfg.General.ExportDir),
				Logger:    logger,
			})
			err = cli.Start(ctx)

			rt.orch.Stop()
			rt.speaker.Interrupt()
			rt.orch.Wait()
			return err
		},
	}
}

func voicesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "voices",
		Short: "List available text-to-speech voices",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := loadConfig()
			tts := speech.NewElevenLabs(speech.ElevenLabsConfig{
				APIBase: cfg.Speech.ElevenLabs.APIBase,
				APIKey:  secret(cfg.Speech.ElevenLabs.APIKey),
				Logger:  logger,
			})
			voices, err := tts.Voices(cmd.Context())
			if err != nil {
				return err
			}
			selected := cfg.Speech.ElevenLabs.VoiceID
			for _, v := range voices {
				marker := " "
				if v.VoiceID == selected {
					marker = "*"
				}
				fmt.Printf("%s %-24s %s\n", marker, v.Name, v.VoiceID)
			}
			return nil
		},
	}
}

func exportCmd() *cobra.Command {
	var format string
	cmd := &cobra.Command{
		Use:   "export [conversation-id]",
		Short: "Export a conversation as JSON or Markdown",
		Long:  "Exports the given conversation (or the active one) to the export directory.",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := loadConfig()
			rt, err := buildRuntime(cfg)
			if err != nil {
				return err
			}
			defer rt.store.Close()

			var conv domain.Conversation
			var ok bool
			if len(args) == 1 {
				conv, ok = rt.store.Get(args[0])
			} else {
				conv, ok = rt.store.Active()
			}
			if !ok {
				return fmt.Errorf("conversation not found")
			}

			dir := config.ExpandPath(cfg.General.ExportDir)
			var path string
			switch format {
			case "json":
				path, err = export.WriteJSON(dir, conv)
			case "md", "markdown":
				path, err = export.WriteMarkdown(dir, conv)
			default:
				return fmt.Errorf("unknown format %q (want json or md)", format)
			}
			if err != nil {
				return err
			}
			fmt.Println(path)
			return nil
		},
	}
	cmd.Flags().StringVarP(&format, "format", "f", "json", "export format: json or md")
	return cmd
}

func loginCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "login",
		Short: "Open a browser to sign in for browser-mode chat",
		Long:  "Opens a visible Chrome window to log in to gemini.google.com. Cookies are saved for later headless use.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := loadConfig()

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			web := provider.NewGeminiWeb(provider.GeminiWebConfig{
				ProfileDir: config.ExpandPath(cfg.Chat.ProfileDir),
				Logger:     logger,
			})
			return web.Login(ctx)
		},
	}
}

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show configuration and store status",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath := resolveConfigPath()
			cfg, err := config.Load(cfgPath)
			loaded := err == nil
			if !loaded {
				cfg = config.Defaults()
			}

			rt, err := buildRuntime(cfg)
			if err != nil {
				return err
			}
			defer rt.store.Close()

			status := map[string]any{
				"version":        version,
				"configPath":     cfgPath,
				"configLoaded":   loaded,
				"chatMode":       cfg.Chat.Mode,
				"model":          cfg.Chat.Model,
				"speechEnabled":  cfg.Speech.Enabled,
				"remoteTTSReady": rt.tts.Ready(),
				"voiceEnabled":   cfg.Voice.Enabled,
				"conversations":  len(rt.store.List()),
			}
			data, _ := json.MarshalIndent(status, "", "  ")
			fmt.Println(string(data))
			return nil
		},
	}
}
