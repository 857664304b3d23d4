// Package mock provides a test double for the tts.Provider interface.
//
// Provider returns canned buffers and records every call so tests can assert
// which text and voice reached the backend:
//
//	p := &mock.Provider{
//	    SynthesizeResult: audio.NewSampleBuffer(samples, 16000),
//	    ListVoicesResult: []tts.Voice{{ID: "v1", Name: "Alice"}},
//	}
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/voxmatch/pkg/audio"
	"github.com/MrWong99/voxmatch/pkg/provider/tts"
)

// SynthesizeCall records a single invocation of Synthesize.
type SynthesizeCall struct {
	Text  string
	Voice tts.Voice
}

// Provider is a mock implementation of tts.Provider.
type Provider struct {
	mu sync.Mutex

	// SynthesizeResult is returned by Synthesize. Each call receives its own
	// copy of the samples.
	SynthesizeResult audio.SampleBuffer

	// SynthesizeErr, if non-nil, is returned by Synthesize.
	SynthesizeErr error

	// ListVoicesResult is returned by ListVoices.
	ListVoicesResult []tts.Voice

	// ListVoicesErr, if non-nil, is returned by ListVoices.
	ListVoicesErr error

	// SynthesizeCalls records every call to Synthesize in order.
	SynthesizeCalls []SynthesizeCall

	// ListVoicesCalls counts calls to ListVoices.
	ListVoicesCalls int
}

// Synthesize records the call and returns a copy of SynthesizeResult or
// SynthesizeErr. It honours ctx cancellation.
func (p *Provider) Synthesize(ctx context.Context, text string, voice tts.Voice) (audio.SampleBuffer, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.SynthesizeCalls = append(p.SynthesizeCalls, SynthesizeCall{Text: text, Voice: voice.Clone()})
	if err := ctx.Err(); err != nil {
		return audio.SampleBuffer{}, err
	}
	if p.SynthesizeErr != nil {
		return audio.SampleBuffer{}, p.SynthesizeErr
	}
	return p.SynthesizeResult.Clone(), nil
}

// ListVoices records the call and returns ListVoicesResult, ListVoicesErr.
func (p *Provider) ListVoices(_ context.Context) ([]tts.Voice, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.ListVoicesCalls++
	return p.ListVoicesResult, p.ListVoicesErr
}

// Calls returns a snapshot of the recorded Synthesize calls.
func (p *Provider) Calls() []SynthesizeCall {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]SynthesizeCall, len(p.SynthesizeCalls))
	copy(out, p.SynthesizeCalls)
	return out
}

// Reset clears all recorded calls.
func (p *Provider) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.SynthesizeCalls = nil
	p.ListVoicesCalls = 0
}

var _ tts.Provider = (*Provider)(nil)
