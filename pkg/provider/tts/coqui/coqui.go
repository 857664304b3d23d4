// Package coqui provides a TTS provider for a locally running Coqui server.
//
// Two API modes are supported:
//
//   - APIModeStandard (default): the standard Coqui TTS server
//     (ghcr.io/coqui-ai/tts-cpu). Synthesis is GET /api/tts with query
//     parameters; the voice catalogue comes from GET /details.
//
//   - APIModeXTTS: the XTTS v2 API server. Synthesis is POST /tts_to_audio/
//     with a JSON body; the voice catalogue comes from GET /studio_speakers.
//
// Both servers answer one utterance per request, so Synthesize splits long
// text into sentences, renders up to four of them concurrently and joins the
// decoded audio in order.
//
//	p, _ := coqui.New("http://localhost:5002", coqui.WithLanguage("en"))
//	buf, err := p.Synthesize(ctx, "Hello there.", tts.Voice{ID: "p225"})
package coqui

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"slices"
	"strings"
	"time"
	"unicode"

	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/voxmatch/pkg/audio"
	"github.com/MrWong99/voxmatch/pkg/audio/wavfile"
	"github.com/MrWong99/voxmatch/pkg/provider/tts"
)

var _ tts.Provider = (*Provider)(nil)

const (
	defaultLanguage        = "en"
	defaultTimeout         = 30 * time.Second
	ttsEndpoint            = "/tts_to_audio/"
	studioSpeakersEndpoint = "/studio_speakers"
	apiTTSEndpoint         = "/api/tts"
	detailsEndpoint        = "/details"

	// sentenceConcurrency bounds in-flight synthesis requests per call.
	sentenceConcurrency = 4
)

// APIMode selects which Coqui server API the provider targets.
type APIMode string

const (
	// APIModeXTTS targets the XTTS v2 API server (/tts_to_audio/).
	APIModeXTTS APIMode = "xtts"

	// APIModeStandard targets the standard Coqui TTS server (/api/tts).
	APIModeStandard APIMode = "standard"
)

// IsValid reports whether m is a known API mode.
func (m APIMode) IsValid() bool { return m == APIModeXTTS || m == APIModeStandard }

// Option is a functional option for configuring a Coqui Provider.
type Option func(*Provider)

// WithLanguage sets the language code sent to the server (e.g., "en", "de").
func WithLanguage(lang string) Option {
	return func(p *Provider) { p.language = lang }
}

// WithTimeout sets the per-request HTTP timeout. Defaults to 30 s.
func WithTimeout(d time.Duration) Option {
	return func(p *Provider) { p.httpClient.Timeout = d }
}

// WithAPIMode selects the server API. Defaults to APIModeStandard.
func WithAPIMode(mode APIMode) Option {
	return func(p *Provider) { p.apiMode = mode }
}

// WithOutputSampleRate resamples synthesised audio to rate. Zero keeps the
// model's native rate.
func WithOutputSampleRate(rate int) Option {
	return func(p *Provider) { p.outputRate = rate }
}

// Provider implements tts.Provider backed by a Coqui TTS server.
type Provider struct {
	serverURL  string
	language   string
	httpClient *http.Client
	apiMode    APIMode
	outputRate int
}

// New creates a Provider that targets the server at serverURL
// (e.g., "http://localhost:5002").
func New(serverURL string, opts ...Option) (*Provider, error) {
	if serverURL == "" {
		return nil, errors.New("coqui: serverURL must not be empty")
	}
	p := &Provider{
		serverURL:  strings.TrimRight(serverURL, "/"),
		language:   defaultLanguage,
		apiMode:    APIModeStandard,
		httpClient: &http.Client{Timeout: defaultTimeout},
	}
	for _, o := range opts {
		o(p)
	}
	if !p.apiMode.IsValid() {
		return nil, fmt.Errorf("coqui: unknown api mode %q", p.apiMode)
	}
	return p, nil
}

type ttsRequest struct {
	Text       string `json:"text"`
	SpeakerWav string `json:"speaker_wav"`
	Language   string `json:"language"`
}

type detailsResponse struct {
	ModelName string   `json:"model_name"`
	Language  string   `json:"language"`
	Speakers  []string `json:"speakers"`
}

// Synthesize renders text sentence by sentence and concatenates the results.
// XTTS mode requires voice.ID (the speaker reference); standard mode works
// without one for single-speaker models.
func (p *Provider) Synthesize(ctx context.Context, text string, voice tts.Voice) (audio.SampleBuffer, error) {
	sentences := SplitSentences(text)
	if len(sentences) == 0 {
		return audio.SampleBuffer{}, tts.ErrEmptyText
	}
	if voice.ID == "" && p.apiMode == APIModeXTTS {
		return audio.SampleBuffer{}, errors.New("coqui: voice.ID must not be empty (required for XTTS mode)")
	}

	parts := make([]audio.SampleBuffer, len(sentences))
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(sentenceConcurrency)
	for i, s := range sentences {
		g.Go(func() error {
			buf, err := p.synthesize(ctx, s, voice)
			if err != nil {
				return err
			}
			parts[i] = buf
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return audio.SampleBuffer{}, err
	}

	rate := parts[0].SampleRate
	var out []float64
	for i, part := range parts {
		if part.SampleRate != rate {
			return audio.SampleBuffer{}, fmt.Errorf("coqui: sentence %d returned %d Hz, expected %d Hz", i, part.SampleRate, rate)
		}
		out = append(out, part.Samples...)
	}
	if len(out) == 0 {
		return audio.SampleBuffer{}, tts.ErrNoAudio
	}
	buf := audio.NewSampleBuffer(out, rate)
	if p.outputRate > 0 {
		buf = audio.Resample(buf, p.outputRate)
	}
	return buf, nil
}

func (p *Provider) synthesize(ctx context.Context, sentence string, voice tts.Voice) (audio.SampleBuffer, error) {
	var (
		req *http.Request
		err error
	)
	if p.apiMode == APIModeStandard {
		req, err = p.standardRequest(ctx, sentence, voice)
	} else {
		req, err = p.xttsRequest(ctx, sentence, voice)
	}
	if err != nil {
		return audio.SampleBuffer{}, err
	}
	req.Header.Set("Accept", "audio/wav")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return audio.SampleBuffer{}, fmt.Errorf("coqui: %s %s: %w", req.Method, req.URL.Path, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return audio.SampleBuffer{}, fmt.Errorf("coqui: %s %s returned status %d", req.Method, req.URL.Path, resp.StatusCode)
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return audio.SampleBuffer{}, fmt.Errorf("coqui: read WAV response: %w", err)
	}
	buf, err := wavfile.DecodeBytes(data)
	if err != nil {
		return audio.SampleBuffer{}, fmt.Errorf("coqui: decode WAV response: %w", err)
	}
	return buf, nil
}

// xttsRequest builds POST /tts_to_audio/.
func (p *Provider) xttsRequest(ctx context.Context, sentence string, voice tts.Voice) (*http.Request, error) {
	data, err := json.Marshal(ttsRequest{Text: sentence, SpeakerWav: voice.ID, Language: p.language})
	if err != nil {
		return nil, fmt.Errorf("coqui: marshal tts request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.serverURL+ttsEndpoint, bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("coqui: create tts request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	return req, nil
}

// standardRequest builds GET /api/tts.
func (p *Provider) standardRequest(ctx context.Context, sentence string, voice tts.Voice) (*http.Request, error) {
	params := url.Values{}
	params.Set("text", sentence)
	if voice.ID != "" {
		params.Set("speaker_id", voice.ID)
	}
	if p.language != "" {
		params.Set("language_id", p.language)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.serverURL+apiTTSEndpoint+"?"+params.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("coqui: create tts request: %w", err)
	}
	return req, nil
}

// ListVoices returns the studio speakers (XTTS) or the model's speakers
// (standard). A single-speaker standard model yields one voice named after
// the model.
func (p *Provider) ListVoices(ctx context.Context) ([]tts.Voice, error) {
	if p.apiMode == APIModeStandard {
		return p.listVoicesStandard(ctx)
	}
	return p.listVoicesXTTS(ctx)
}

func (p *Provider) getJSON(ctx context.Context, endpoint string, v any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.serverURL+endpoint, nil)
	if err != nil {
		return fmt.Errorf("coqui: create list-voices request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("coqui: GET %s: %w", endpoint, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("coqui: GET %s returned status %d", endpoint, resp.StatusCode)
	}
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		return fmt.Errorf("coqui: decode %s: %w", endpoint, err)
	}
	return nil
}

func (p *Provider) listVoicesXTTS(ctx context.Context) ([]tts.Voice, error) {
	var raw map[string]json.RawMessage
	if err := p.getJSON(ctx, studioSpeakersEndpoint, &raw); err != nil {
		return nil, err
	}
	names := make([]string, 0, len(raw))
	for name := range raw {
		names = append(names, name)
	}
	slices.Sort(names)

	voices := make([]tts.Voice, 0, len(names))
	for _, name := range names {
		voices = append(voices, tts.Voice{
			ID:       name,
			Name:     name,
			Provider: "coqui",
			Metadata: map[string]string{"type": "studio"},
		})
	}
	return voices, nil
}

func (p *Provider) listVoicesStandard(ctx context.Context) ([]tts.Voice, error) {
	var details detailsResponse
	if err := p.getJSON(ctx, detailsEndpoint, &details); err != nil {
		return nil, err
	}
	if len(details.Speakers) > 0 {
		speakers := slices.Sorted(slices.Values(details.Speakers))
		voices := make([]tts.Voice, 0, len(speakers))
		for _, spk := range speakers {
			voices = append(voices, tts.Voice{
				ID:       spk,
				Name:     spk,
				Provider: "coqui",
				Metadata: map[string]string{"type": "speaker", "model_name": details.ModelName},
			})
		}
		return voices, nil
	}

	name := details.ModelName
	if name == "" {
		name = "default"
	}
	return []tts.Voice{{
		ID:       name,
		Name:     name,
		Provider: "coqui",
		Metadata: map[string]string{"type": "single-speaker", "model_name": name},
	}}, nil
}

// SplitSentences cuts text after '.', '!' or '?' when followed by whitespace
// or the end of text, so "Dr.X" and "3.14" stay intact. Empty pieces are
// dropped.
func SplitSentences(text string) []string {
	var out []string
	rest := text
	for {
		idx := findSentenceBoundary(rest)
		if idx < 0 {
			break
		}
		if s := strings.TrimSpace(rest[:idx+1]); s != "" {
			out = append(out, s)
		}
		rest = rest[idx+1:]
	}
	if s := strings.TrimSpace(rest); s != "" {
		out = append(out, s)
	}
	return out
}

func findSentenceBoundary(s string) int {
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case '.', '!', '?':
			if i+1 >= len(s) || unicode.IsSpace(rune(s[i+1])) {
				return i
			}
		}
	}
	return -1
}
