// Package tts defines the text-to-speech collaborator that produces the
// synthetic half of a conversion.
//
// A Provider turns one utterance into a mono [audio.SampleBuffer]. Conversion
// only needs the finished waveform, so providers that stream internally
// (ElevenLabs) collect their output before returning. Callers that need the
// TTS audio at the reference rate resample the result with [audio.Resample].
//
// Implementations must be safe for concurrent use.
package tts

import (
	"context"
	"errors"
	"maps"

	"github.com/MrWong99/voxmatch/pkg/audio"
)

// ErrEmptyText is returned when Synthesize is called without any text.
var ErrEmptyText = errors.New("tts: text must not be empty")

// ErrNoAudio is returned when a backend answers without any samples.
var ErrNoAudio = errors.New("tts: provider returned no audio")

// Provider is the abstraction over any TTS backend.
type Provider interface {
	// Synthesize renders text with voice and returns the decoded waveform at
	// the provider's native sample rate. Cancelling ctx aborts the request.
	Synthesize(ctx context.Context, text string, voice Voice) (audio.SampleBuffer, error)

	// ListVoices returns the voices the backend currently offers.
	ListVoices(ctx context.Context) ([]Voice, error)
}

// Voice identifies a speaker of a provider.
type Voice struct {
	// ID is the provider-specific voice identifier.
	ID string

	// Name is the human-readable voice name.
	Name string

	// Provider names the backend the voice belongs to.
	Provider string

	// Metadata holds provider-specific attributes (gender, accent, model, ...).
	Metadata map[string]string
}

// Clone returns a copy of v whose Metadata can be modified independently.
func (v Voice) Clone() Voice {
	v.Metadata = maps.Clone(v.Metadata)
	return v
}
