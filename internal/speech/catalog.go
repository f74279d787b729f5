package speech

import (
	_ "embed"
	"sync"

	"gopkg.in/yaml.v3"

	"jarvis/internal/domain"
)

//go:embed voices.yaml
var fallbackVoicesYAML []byte

var (
	fallbackOnce   sync.Once
	fallbackVoices []domain.Voice
)

// FallbackVoices returns the embedded catalog of public ElevenLabs voices.
func FallbackVoices() []domain.Voice {
	fallbackOnce.Do(func() {
		if err := yaml.Unmarshal(fallbackVoicesYAML, &fallbackVoices); err != nil {
			// The embedded catalog is part of the build; failing to parse it
			// is a programming error.
			panic("speech: invalid embedded voice catalog: " + err.Error())
		}
	})
	out := make([]domain.Voice, len(fallbackVoices))
	copy(out, fallbackVoices)
	return out
}
