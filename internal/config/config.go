// Package config provides the configuration schema, loader, watcher and TTS
// provider registry for voxmatch.
package config

import (
	"time"

	"github.com/MrWong99/voxmatch/internal/convert"
	"github.com/MrWong99/voxmatch/pkg/denoise"
	"github.com/MrWong99/voxmatch/pkg/lpc"
	"github.com/MrWong99/voxmatch/pkg/pitch"
)

// LogLevel controls log verbosity.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// Config is the root configuration structure, usually loaded from YAML with
// [Load] or [LoadFromReader]. The zero value of every section means
// "use the built-in defaults".
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Conversion ConversionConfig `yaml:"conversion"`
	Pitch      PitchConfig      `yaml:"pitch"`
	Denoise    DenoiseConfig    `yaml:"denoise"`
	Providers  ProvidersConfig  `yaml:"providers"`
	Jobs       JobsConfig       `yaml:"jobs"`
}

// ServerConfig holds network and logging settings for `voxmatch serve`.
type ServerConfig struct {
	// ListenAddr is the TCP address the API listens on. Default ":8080".
	ListenAddr string `yaml:"listen_addr"`

	LogLevel LogLevel `yaml:"log_level"`

	// TLS enables HTTPS when set.
	TLS *TLSConfig `yaml:"tls"`

	// MaxUploadMB bounds a multipart conversion request. Default 64.
	MaxUploadMB int `yaml:"max_upload_mb"`
}

// TLSConfig holds PEM certificate paths.
type TLSConfig struct {
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
}

// ConversionConfig mirrors [convert.Params]. Zero values take the package
// defaults.
type ConversionConfig struct {
	LPCOrder    int        `yaml:"lpc_order"`
	FrameLength int        `yaml:"frame_length"`
	HopLength   int        `yaml:"hop_length"`
	Method      lpc.Method `yaml:"method"`

	// PitchCorrection defaults to true when omitted.
	PitchCorrection *bool `yaml:"pitch_correction"`

	// Workers bounds frame parallelism per conversion. 0 means GOMAXPROCS.
	Workers int `yaml:"workers"`

	// MaxConcurrent bounds simultaneously running conversions in serve mode.
	// 0 means unbounded.
	MaxConcurrent int `yaml:"max_concurrent"`
}

// PitchConfig configures pitch tracking and correction. The search range may
// be given in Hz or as note names ("C2"); Hz wins when both are set.
type PitchConfig struct {
	MinHz        float64 `yaml:"min_hz"`
	MaxHz        float64 `yaml:"max_hz"`
	MinNote      string  `yaml:"min_note"`
	MaxNote      string  `yaml:"max_note"`
	Threshold    float64 `yaml:"threshold"`
	ShiftFFTSize int     `yaml:"shift_fft_size"`
}

// DenoiseConfig selects an optional noise reduction pre-pass applied to both
// inputs before conversion.
type DenoiseConfig struct {
	Method       denoise.Method `yaml:"method"`
	FFTSize      int            `yaml:"fft_size"`
	HopLength    int            `yaml:"hop_length"`
	NoiseFactor  float64        `yaml:"noise_factor"`
	NoiseSeconds float64        `yaml:"noise_seconds"`
	FilterSize   int            `yaml:"filter_size"`
}

// ProvidersConfig declares the TTS backends. TTS is the primary; the
// fallbacks are tried in order when it fails.
type ProvidersConfig struct {
	TTS          ProviderEntry   `yaml:"tts"`
	TTSFallbacks []ProviderEntry `yaml:"tts_fallbacks"`
}

// ProviderEntry is the configuration block of a single TTS backend. Name
// selects the constructor in the [Registry].
type ProviderEntry struct {
	// Name selects the registered provider implementation (e.g., "openai").
	Name string `yaml:"name"`

	APIKey string `yaml:"api_key"`

	// BaseURL overrides the provider's default endpoint. Coqui requires it.
	BaseURL string `yaml:"base_url"`

	Model string `yaml:"model"`

	// Voice is the default voice ID used when a request names none.
	Voice string `yaml:"voice"`

	// Options holds provider-specific values (e.g., coqui "api_mode").
	Options map[string]any `yaml:"options"`
}

// JobsConfig configures conversion job history.
type JobsConfig struct {
	// PostgresDSN enables the PostgreSQL store. Empty keeps history in memory.
	PostgresDSN string `yaml:"postgres_dsn"`

	// Retention is how long finished jobs and their audio are kept.
	// Default 24h.
	Retention time.Duration `yaml:"retention"`

	// FingerprintBins is the length of the stored envelope fingerprint.
	// Default 64. Changing it requires a fresh table.
	FingerprintBins int `yaml:"fingerprint_bins"`
}

// Defaults applied by the accessor methods below.
const (
	DefaultListenAddr      = ":8080"
	DefaultMaxUploadMB     = 64
	DefaultRetention       = 24 * time.Hour
	DefaultFingerprintBins = 64
)

// Addr returns the configured address or [DefaultListenAddr].
func (s ServerConfig) Addr() string {
	if s.ListenAddr == "" {
		return DefaultListenAddr
	}
	return s.ListenAddr
}

// MaxUploadBytes returns the request size limit in bytes.
func (s ServerConfig) MaxUploadBytes() int64 {
	mb := s.MaxUploadMB
	if mb <= 0 {
		mb = DefaultMaxUploadMB
	}
	return int64(mb) << 20
}

// RetentionOrDefault returns Retention or [DefaultRetention].
func (j JobsConfig) RetentionOrDefault() time.Duration {
	if j.Retention <= 0 {
		return DefaultRetention
	}
	return j.Retention
}

// Bins returns FingerprintBins or [DefaultFingerprintBins].
func (j JobsConfig) Bins() int {
	if j.FingerprintBins <= 0 {
		return DefaultFingerprintBins
	}
	return j.FingerprintBins
}

// Params builds conversion parameters from the conversion and pitch
// sections. Note names are resolved here; call [Validate] first to surface
// bad names.
func (c *Config) Params() convert.Params {
	p := convert.DefaultParams()
	cc := c.Conversion
	if cc.LPCOrder > 0 {
		p.LPCOrder = cc.LPCOrder
	}
	if cc.FrameLength > 0 {
		p.FrameLength = cc.FrameLength
	}
	if cc.HopLength > 0 {
		p.HopLength = cc.HopLength
	}
	if cc.PitchCorrection != nil {
		p.PitchCorrection = *cc.PitchCorrection
	}
	p.Method = cc.Method
	p.Workers = cc.Workers

	pc := c.Pitch
	p.PitchMinHz, _ = pitchBound(pc.MinHz, pc.MinNote)
	p.PitchMaxHz, _ = pitchBound(pc.MaxHz, pc.MaxNote)
	p.PitchThreshold = pc.Threshold
	p.ShiftFFTSize = pc.ShiftFFTSize
	return p
}

// DenoiseOptions returns the noise reduction settings with package defaults
// filled in.
func (c *Config) DenoiseOptions() denoise.Config {
	d := denoise.DefaultConfig()
	dc := c.Denoise
	d.Method = dc.Method
	if dc.FFTSize > 0 {
		d.FFTSize = dc.FFTSize
	}
	if dc.HopLength > 0 {
		d.HopLength = dc.HopLength
	}
	if dc.NoiseFactor > 0 {
		d.NoiseFactor = dc.NoiseFactor
	}
	if dc.NoiseSeconds > 0 {
		d.NoiseSeconds = dc.NoiseSeconds
	}
	if dc.FilterSize > 0 {
		d.FilterSize = dc.FilterSize
	}
	return d
}

// pitchBound resolves a range bound given in Hz or as a note name. Zero
// means "use the tracker default".
func pitchBound(hz float64, note string) (float64, error) {
	if hz != 0 || note == "" {
		return hz, nil
	}
	return pitch.NoteToHz(note)
}
