package config

// DefaultModel is the chat model used for new conversations and for
// migrating persisted conversations that predate per-conversation models.
const DefaultModel = "gemini-2.5-flash"

// DefaultVoiceID is the ElevenLabs voice used when none is configured (Rachel).
const DefaultVoiceID = "21m00Tcm4TlvDq8ikWAM"

func Defaults() *Config {
	return &Config{
		General: GeneralConfig{
			LogLevel:  "info",
			ExportDir: "~/.jarvis/exports",
		},
		Chat: ChatConfig{
			Mode:    "api",
			APIBase: "https://generativelanguage.googleapis.com",
			APIKey:  "${GEMINI_API_KEY}",
			Model:   DefaultModel,
		},
		Speech: SpeechConfig{
			Enabled: true,
			ElevenLabs: ElevenLabsConfig{
				APIBase: "https://api.elevenlabs.io/v1",
				VoiceID: DefaultVoiceID,
			},
			Local: LocalTTSConfig{
				Rate:  1.1,
				Pitch: 1.05,
			},
		},
		Voice: VoiceConfig{
			Enabled: false,
			APIBase: "https://api.groq.com/openai/v1",
			Model:   "whisper-large-v3",
		},
		Web: WebConfig{
			Enabled: true,
			Host:    "127.0.0.1",
			Port:    8080,
		},
		Store: StoreConfig{
			DBPath: "~/.jarvis/jarvis.db",
		},
	}
}
