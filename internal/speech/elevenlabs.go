package speech

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"jarvis/internal/domain"
)

const elevenLabsModel = "eleven_multilingual_v2"

// ElevenLabs is the remote TTS client. It also serves the voice catalog.
type ElevenLabs struct {
	apiBase string
	apiKey  string
	voiceID string
	client  *http.Client
	logger  *slog.Logger
}

type ElevenLabsConfig struct {
	APIBase string
	APIKey  string
	VoiceID string
	Client  *http.Client
	Logger  *slog.Logger
}

func NewElevenLabs(cfg ElevenLabsConfig) *ElevenLabs {
	if cfg.APIBase == "" {
		cfg.APIBase = "https://api.elevenlabs.io/v1"
	}
	if cfg.Client == nil {
		cfg.Client = &http.Client{Timeout: 60 * time.Second}
	}
	return &ElevenLabs{
		apiBase: cfg.APIBase,
		apiKey:  cfg.APIKey,
		voiceID: cfg.VoiceID,
		client:  cfg.Client,
		logger:  cfg.Logger,
	}
}

// Ready reports whether remote synthesis can be used: both an API key and a
// voice selection are required.
func (e *ElevenLabs) Ready() bool {
	return e.apiKey != "" && e.voiceID != ""
}

type ttsRequest struct {
	Text          string        `json:"text"`
	ModelID       string        `json:"model_id"`
	VoiceSettings voiceSettings `json:"voice_settings"`
}

type voiceSettings struct {
	Stability       float64 `json:"stability"`
	SimilarityBoost float64 `json:"similarity_boost"`
	Style           float64 `json:"style"`
	UseSpeakerBoost bool    `json:"use_speaker_boost"`
}

// Synthesize converts text to MP3 audio through the ElevenLabs API.
func (e *ElevenLabs) Synthesize(ctx context.Context, text string) ([]byte, error) {
	body, err := json.Marshal(ttsRequest{
		Text:    text,
		ModelID: elevenLabsModel,
		VoiceSettings: voiceSettings{
			Stability:       0.5,
			SimilarityBoost: 0.75,
			Style:           0.0,
			UseSpeakerBoost: true,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("marshal: %w", err)
	}

	url := fmt.Sprintf("%s/text-to-speech/%s", e.apiBase, e.voiceID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("xi-api-key", e.apiKey)
	req.Header.Set("Accept", "audio/mpeg")

	resp, err := e.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("elevenlabs request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("elevenlabs %d: %s", resp.StatusCode, apiErrorMessage(resp.Body))
	}

	return io.ReadAll(resp.Body)
}

// Voices fetches the account's voice catalog. Permission-scoped keys may not
// be allowed to list voices; in that case (and for empty results) the
// embedded catalog of public voices is returned instead.
func (e *ElevenLabs) Voices(ctx context.Context) ([]domain.Voice, error) {
	if e.apiKey == "" {
		return FallbackVoices(), nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, e.apiBase+"/voices", nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("xi-api-key", e.apiKey)

	resp, err := e.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("elevenlabs voices: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		e.logger.Warn("voice catalog not permitted for this key, using fallback catalog",
			"status", resp.StatusCode)
		return FallbackVoices(), nil
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("elevenlabs voices %d: %s", resp.StatusCode, apiErrorMessage(resp.Body))
	}

	var payload struct {
		Voices []domain.Voice `json:"voices"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, fmt.Errorf("decode voices: %w", err)
	}
	if len(payload.Voices) == 0 {
		return FallbackVoices(), nil
	}
	return payload.Voices, nil
}

// apiErrorMessage extracts detail.message from a structured ElevenLabs error
// body, falling back to the raw body.
func apiErrorMessage(body io.Reader) string {
	raw, _ := io.ReadAll(io.LimitReader(body, 4096))
	var parsed struct {
		Detail struct {
			Message string `json:"message"`
		} `json:"detail"`
	}
	if err := json.Unmarshal(raw, &parsed); err == nil && parsed.Detail.Message != "" {
		return parsed.Detail.Message
	}
	return string(raw)
}
