// Package openai provides a TTS provider backed by the OpenAI speech API.
// Audio is requested as raw 24 kHz PCM so no container decoding is needed.
package openai

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	oai "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/MrWong99/voxmatch/pkg/audio"
	"github.com/MrWong99/voxmatch/pkg/provider/tts"
)

// DefaultModel is the speech model used when none is configured.
const DefaultModel = oai.SpeechModelGPT4oMiniTTS

// SampleRate is the rate of the "pcm" response format.
const SampleRate = 24000

// builtinVoices is the fixed voice catalogue of the speech endpoint.
var builtinVoices = []string{
	"alloy", "ash", "ballad", "coral", "echo", "fable", "nova", "onyx", "sage", "shimmer", "verse",
}

var _ tts.Provider = (*Provider)(nil)

// Provider implements tts.Provider using the OpenAI API.
type Provider struct {
	client       oai.Client
	model        oai.SpeechModel
	instructions string
	speed        float64
}

type config struct {
	baseURL      string
	organization string
	timeout      time.Duration
	instructions string
	speed        float64
}

// Option is a functional option for Provider.
type Option func(*config)

// WithBaseURL overrides the default OpenAI API base URL.
func WithBaseURL(url string) Option {
	return func(c *config) { c.baseURL = url }
}

// WithOrganization sets the OpenAI organization ID on all requests.
func WithOrganization(org string) Option {
	return func(c *config) { c.organization = org }
}

// WithTimeout sets a per-request HTTP timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *config) { c.timeout = d }
}

// WithInstructions sets delivery instructions (tone, accent) for models that
// support them.
func WithInstructions(s string) Option {
	return func(c *config) { c.instructions = s }
}

// WithSpeed sets the speaking rate in [0.25, 4]. Zero keeps the API default.
func WithSpeed(s float64) Option {
	return func(c *config) { c.speed = s }
}

// New constructs a Provider. If model is empty, DefaultModel is used.
func New(apiKey, model string, opts ...Option) (*Provider, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("openai tts: apiKey must not be empty")
	}
	if model == "" {
		model = string(DefaultModel)
	}
	cfg := &config{}
	for _, o := range opts {
		o(cfg)
	}
	if cfg.speed != 0 && (cfg.speed < 0.25 || cfg.speed > 4) {
		return nil, fmt.Errorf("openai tts: speed %.2f out of range [0.25, 4]", cfg.speed)
	}

	reqOpts := []option.RequestOption{option.WithAPIKey(apiKey)}
	if cfg.baseURL != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(cfg.baseURL))
	}
	if cfg.organization != "" {
		reqOpts = append(reqOpts, option.WithOrganization(cfg.organization))
	}
	if cfg.timeout > 0 {
		reqOpts = append(reqOpts, option.WithHTTPClient(&http.Client{Timeout: cfg.timeout}))
	}
	return &Provider{
		client:       oai.NewClient(reqOpts...),
		model:        oai.SpeechModel(model),
		instructions: cfg.instructions,
		speed:        cfg.speed,
	}, nil
}

// Synthesize requests PCM speech for text. voice.ID names one of the built-in
// voices; empty selects "alloy".
func (p *Provider) Synthesize(ctx context.Context, text string, voice tts.Voice) (audio.SampleBuffer, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return audio.SampleBuffer{}, tts.ErrEmptyText
	}
	id := voice.ID
	if id == "" {
		id = "alloy"
	}
	params := oai.AudioSpeechNewParams{
		Input:          text,
		Model:          p.model,
		Voice:          oai.AudioSpeechNewParamsVoice(id),
		ResponseFormat: oai.AudioSpeechNewParamsResponseFormatPCM,
	}
	if p.instructions != "" {
		params.Instructions = oai.String(p.instructions)
	}
	if p.speed != 0 {
		params.Speed = oai.Float(p.speed)
	}

	resp, err := p.client.Audio.Speech.New(ctx, params)
	if err != nil {
		return audio.SampleBuffer{}, fmt.Errorf("openai tts: synthesize: %w", err)
	}
	defer resp.Body.Close()
	pcm, err := io.ReadAll(resp.Body)
	if err != nil {
		return audio.SampleBuffer{}, fmt.Errorf("openai tts: read audio: %w", err)
	}
	if len(pcm) < 2 {
		return audio.SampleBuffer{}, tts.ErrNoAudio
	}
	return audio.NewSampleBuffer(audio.PCM16ToFloat(pcm), SampleRate), nil
}

// ListVoices returns the built-in voices. The endpoint has no catalogue API,
// so no request is made.
func (p *Provider) ListVoices(_ context.Context) ([]tts.Voice, error) {
	voices := make([]tts.Voice, 0, len(builtinVoices))
	for _, v := range builtinVoices {
		voices = append(voices, tts.Voice{
			ID:       v,
			Name:     v,
			Provider: "openai",
			Metadata: map[string]string{"model": string(p.model)},
		})
	}
	return voices, nil
}
