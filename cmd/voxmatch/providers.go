package main

import (
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/MrWong99/voxmatch/internal/config"
	"github.com/MrWong99/voxmatch/internal/observe"
	"github.com/MrWong99/voxmatch/internal/resilience"
	"github.com/MrWong99/voxmatch/pkg/audio"
	"github.com/MrWong99/voxmatch/pkg/provider/tts"
	"github.com/MrWong99/voxmatch/pkg/provider/tts/coqui"
	"github.com/MrWong99/voxmatch/pkg/provider/tts/elevenlabs"
	"github.com/MrWong99/voxmatch/pkg/provider/tts/mock"
	"github.com/MrWong99/voxmatch/pkg/provider/tts/openai"
)

// registerBuiltinProviders wires the shipped TTS factories into reg. Each
// factory receives a config.ProviderEntry and constructs the provider from
// its implementation package.
func registerBuiltinProviders(reg *config.Registry) {
	reg.RegisterTTS("elevenlabs", func(entry config.ProviderEntry) (tts.Provider, error) {
		var opts []elevenlabs.Option
		if entry.Model != "" {
			opts = append(opts, elevenlabs.WithModel(entry.Model))
		}
		if entry.BaseURL != "" {
			opts = append(opts, elevenlabs.WithBaseURL(entry.BaseURL))
		}
		if outputFmt := optString(entry.Options, "output_format"); outputFmt != "" {
			opts = append(opts, elevenlabs.WithOutputFormat(outputFmt))
		}
		stability, okS := optFloat(entry.Options, "stability")
		similarity, okB := optFloat(entry.Options, "similarity_boost")
		if okS || okB {
			if !okS {
				stability = 0.5
			}
			if !okB {
				similarity = 0.75
			}
			opts = append(opts, elevenlabs.WithVoiceSettings(stability, similarity))
		}
		return elevenlabs.New(entry.APIKey, opts...)
	})

	reg.RegisterTTS("coqui", func(entry config.ProviderEntry) (tts.Provider, error) {
		var opts []coqui.Option
		if lang := optString(entry.Options, "language"); lang != "" {
			opts = append(opts, coqui.WithLanguage(lang))
		}
		if mode := optString(entry.Options, "api_mode"); mode != "" {
			opts = append(opts, coqui.WithAPIMode(coqui.APIMode(mode)))
		}
		if rate, ok := optFloat(entry.Options, "sample_rate"); ok {
			opts = append(opts, coqui.WithOutputSampleRate(int(rate)))
		}
		return coqui.New(entry.BaseURL, opts...)
	})

	reg.RegisterTTS("openai", func(entry config.ProviderEntry) (tts.Provider, error) {
		var opts []openai.Option
		if entry.BaseURL != "" {
			opts = append(opts, openai.WithBaseURL(entry.BaseURL))
		}
		if org := optString(entry.Options, "organization"); org != "" {
			opts = append(opts, openai.WithOrganization(org))
		}
		if instr := optString(entry.Options, "instructions"); instr != "" {
			opts = append(opts, openai.WithInstructions(instr))
		}
		if speed, ok := optFloat(entry.Options, "speed"); ok {
			opts = append(opts, openai.WithSpeed(speed))
		}
		return openai.New(entry.APIKey, entry.Model, opts...)
	})

	// mock speaks a fixed tone; handy for smoke-testing a deployment without
	// provider credentials.
	reg.RegisterTTS("mock", func(entry config.ProviderEntry) (tts.Provider, error) {
		freq, ok := optFloat(entry.Options, "frequency")
		if !ok {
			freq = 160
		}
		return &mock.Provider{
			SynthesizeResult: tone(time.Second, 16000, freq),
			ListVoicesResult: []tts.Voice{{ID: "tone", Name: "Tone", Provider: "mock"}},
		}, nil
	})

	for _, name := range reg.Names() {
		slog.Debug("registered provider", "kind", "tts", "name", name)
	}
}

// buildTTS instantiates the primary TTS provider and its fallbacks behind a
// circuit-breaking [resilience.TTSFallback]. It returns nil when no provider
// is configured.
func buildTTS(cfg *config.Config, reg *config.Registry, m *observe.Metrics) (*resilience.TTSFallback, error) {
	primary := cfg.Providers.TTS
	if primary.Name == "" {
		return nil, nil
	}
	p, err := reg.CreateTTS(primary)
	if err != nil {
		return nil, fmt.Errorf("create tts provider %q: %w", primary.Name, err)
	}
	slog.Info("provider created", "kind", "tts", "name", primary.Name, "role", "primary")

	fb := resilience.NewTTSFallback(primary.Name, p, resilience.CircuitBreakerConfig{}, m)
	for i, entry := range cfg.Providers.TTSFallbacks {
		p, err := reg.CreateTTS(entry)
		if errors.Is(err, config.ErrProviderNotRegistered) {
			slog.Warn("fallback provider not registered, skipping", "kind", "tts", "name", entry.Name)
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("create tts fallback %d (%q): %w", i, entry.Name, err)
		}
		fb.AddFallback(fallbackName(entry, i), p)
		slog.Info("provider created", "kind", "tts", "name", entry.Name, "role", "fallback")
	}
	return fb, nil
}

// fallbackName keeps breaker names unique when the same provider appears
// twice with different models.
func fallbackName(entry config.ProviderEntry, i int) string {
	if entry.Model == "" {
		return fmt.Sprintf("%s#%d", entry.Name, i+1)
	}
	return fmt.Sprintf("%s/%s#%d", entry.Name, entry.Model, i+1)
}

// defaultVoice returns the configured voice of the primary provider.
func defaultVoice(cfg *config.Config) tts.Voice {
	return tts.Voice{ID: cfg.Providers.TTS.Voice, Provider: cfg.Providers.TTS.Name}
}

func tone(d time.Duration, rate int, freq float64) audio.SampleBuffer {
	n := int(d.Seconds() * float64(rate))
	s := make([]float64, n)
	for i := range s {
		s[i] = 0.5 * math.Sin(2*math.Pi*freq*float64(i)/float64(rate))
	}
	return audio.NewSampleBuffer(s, rate)
}

// ── Helpers ───────────────────────────────────────────────────────────────────

// optString extracts a string value from a provider Options map[string]any.
// Returns "" if the map is nil, the key is absent, or the value is not a string.
func optString(opts map[string]any, key string) string {
	s, _ := opts[key].(string)
	return s
}

// optFloat extracts a number from a provider Options map. YAML decodes
// integers as int, so both int and float64 are accepted.
func optFloat(opts map[string]any, key string) (float64, bool) {
	switch v := opts[key].(type) {
	case float64:
		return v, true
	case int:
		return float64(v), true
	}
	return 0, false
}
