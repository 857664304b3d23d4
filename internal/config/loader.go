package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"

	"gopkg.in/yaml.v3"
)

// KnownTTSProviders lists the TTS provider names shipped with voxmatch. Other
// names are accepted with a warning so third-party registrations keep working.
var KnownTTSProviders = []string{"elevenlabs", "coqui", "openai", "mock"}

// Load reads the YAML configuration file at path and returns a validated
// [Config]. It is a convenience wrapper around [LoadFromReader].
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	cfg, err := LoadFromReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r and validates the result.
// Unknown keys are rejected. An empty document yields the default config.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that cfg contains a coherent set of values. It returns a
// joined error listing every failure and logs warnings for settings that are
// legal but probably unintended.
func Validate(cfg *Config) error {
	var errs []error
	addf := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf(format, args...))
	}

	// Server
	s := cfg.Server
	if s.LogLevel != "" && !s.LogLevel.IsValid() {
		addf("server.log_level %q is invalid; valid values: debug, info, warn, error", s.LogLevel)
	}
	if s.MaxUploadMB < 0 {
		addf("server.max_upload_mb %d must not be negative", s.MaxUploadMB)
	}
	if s.TLS != nil && (s.TLS.CertFile == "" || s.TLS.KeyFile == "") {
		addf("server.tls requires both cert_file and key_file")
	}

	// Conversion and pitch
	if _, err := pitchBound(cfg.Pitch.MinHz, cfg.Pitch.MinNote); err != nil {
		addf("pitch.min_note: %w", err)
	}
	if _, err := pitchBound(cfg.Pitch.MaxHz, cfg.Pitch.MaxNote); err != nil {
		addf("pitch.max_note: %w", err)
	}
	if cfg.Conversion.MaxConcurrent < 0 {
		addf("conversion.max_concurrent %d must not be negative", cfg.Conversion.MaxConcurrent)
	}
	if err := cfg.Params().Validate(); err != nil {
		addf("conversion: %w", err)
	}

	// Denoise
	if m := cfg.Denoise.Method; m != "" && !m.IsValid() {
		addf("denoise.method %q is invalid; valid values: spectral_subtraction, median_filter", m)
	}
	if cfg.Denoise.HopLength > 0 && cfg.Denoise.FFTSize > 0 && cfg.Denoise.HopLength > cfg.Denoise.FFTSize {
		addf("denoise.hop_length %d exceeds fft_size %d", cfg.Denoise.HopLength, cfg.Denoise.FFTSize)
	}

	// Providers
	p := cfg.Providers
	if p.TTS.Name == "" && len(p.TTSFallbacks) > 0 {
		addf("providers.tts_fallbacks requires providers.tts")
	}
	seen := map[string]string{}
	check := func(path string, e ProviderEntry) {
		if e.Name == "" {
			if path != "providers.tts" {
				addf("%s.name is required", path)
			}
			return
		}
		warnUnknownProvider(e.Name)
		key := e.Name + "|" + e.BaseURL + "|" + e.Model
		if prev, ok := seen[key]; ok {
			addf("%s duplicates %s", path, prev)
		}
		seen[key] = path
		if e.Name == "coqui" && e.BaseURL == "" {
			addf("%s: coqui requires base_url", path)
		}
		if (e.Name == "elevenlabs" || e.Name == "openai") && e.APIKey == "" {
			slog.Warn("TTS provider has no api_key configured", "provider", e.Name, "path", path)
		}
	}
	check("providers.tts", p.TTS)
	for i, e := range p.TTSFallbacks {
		check(fmt.Sprintf("providers.tts_fallbacks[%d]", i), e)
	}

	// Jobs
	if cfg.Jobs.Retention < 0 {
		addf("jobs.retention %s must not be negative", cfg.Jobs.Retention)
	}
	if cfg.Jobs.FingerprintBins < 0 {
		addf("jobs.fingerprint_bins %d must not be negative", cfg.Jobs.FingerprintBins)
	}
	if cfg.Jobs.PostgresDSN == "" && cfg.Jobs.FingerprintBins > 0 {
		slog.Warn("jobs.fingerprint_bins is set but jobs.postgres_dsn is empty; similarity search will use the in-memory store")
	}

	return errors.Join(errs...)
}

func warnUnknownProvider(name string) {
	if slices.Contains(KnownTTSProviders, name) {
		return
	}
	slog.Warn("unknown TTS provider name; may be a typo or third-party provider",
		"name", name,
		"known", KnownTTSProviders,
	)
}
