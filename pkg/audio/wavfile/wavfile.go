// Package wavfile reads and writes RIFF/WAVE files as [audio.SampleBuffer]
// values. It is the file I/O collaborator of the conversion core: decoding
// accepts integer PCM at any common bit depth and channel count (channels are
// averaged to mono), encoding always produces mono 16-bit PCM.
package wavfile

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"

	goaudio "github.com/go-audio/audio"
	"github.com/go-audio/wav"

	"github.com/MrWong99/voxmatch/pkg/audio"
)

// wavFormatPCM is the WAVE format tag for integer PCM.
const wavFormatPCM = 1

// ErrNotWAV is returned when the input does not carry a valid RIFF/WAVE header.
var ErrNotWAV = errors.New("wavfile: not a valid WAV file")

// ErrUnsupportedFormat is returned for WAVE encodings other than integer PCM.
var ErrUnsupportedFormat = errors.New("wavfile: unsupported WAV encoding")

// Read decodes the WAV file at path.
func Read(path string) (audio.SampleBuffer, error) {
	f, err := os.Open(path)
	if err != nil {
		return audio.SampleBuffer{}, fmt.Errorf("wavfile: open %q: %w", path, err)
	}
	defer f.Close()

	buf, err := Decode(f)
	if err != nil {
		return audio.SampleBuffer{}, fmt.Errorf("wavfile: read %q: %w", path, err)
	}
	return buf, nil
}

// DecodeBytes decodes an in-memory WAV file.
func DecodeBytes(data []byte) (audio.SampleBuffer, error) {
	return Decode(bytes.NewReader(data))
}

// Decode reads a complete WAV stream and returns its samples as mono floats
// in [-1, 1].
func Decode(r io.ReadSeeker) (audio.SampleBuffer, error) {
	dec := wav.NewDecoder(r)
	if !dec.IsValidFile() {
		return audio.SampleBuffer{}, ErrNotWAV
	}
	if dec.WavAudioFormat != wavFormatPCM {
		return audio.SampleBuffer{}, fmt.Errorf("%w: format tag %d", ErrUnsupportedFormat, dec.WavAudioFormat)
	}

	pcm, err := dec.FullPCMBuffer()
	if err != nil {
		return audio.SampleBuffer{}, fmt.Errorf("wavfile: decode pcm: %w", err)
	}

	bitDepth := int(dec.BitDepth)
	if bitDepth == 0 {
		bitDepth = pcm.SourceBitDepth
	}
	channels := int(dec.NumChans)
	if pcm.Format != nil && pcm.Format.NumChannels > 0 {
		channels = pcm.Format.NumChannels
	}

	floats, err := intToFloat(pcm.Data, bitDepth)
	if err != nil {
		return audio.SampleBuffer{}, err
	}

	return audio.SampleBuffer{
		Samples:    audio.Downmix(floats, channels),
		SampleRate: int(dec.SampleRate),
	}, nil
}

// intToFloat scales integer PCM samples of the given bit depth to [-1, 1].
// 8-bit WAV data is unsigned and is re-centred around zero.
func intToFloat(data []int, bitDepth int) ([]float64, error) {
	out := make([]float64, len(data))
	switch bitDepth {
	case 8:
		for i, v := range data {
			out[i] = float64(v-128) / 128
		}
	case 16, 24, 32:
		scale := float64(int64(1) << (bitDepth - 1))
		for i, v := range data {
			out[i] = float64(v) / scale
		}
	default:
		return nil, fmt.Errorf("%w: %d-bit samples", ErrUnsupportedFormat, bitDepth)
	}
	return out, nil
}

// Write encodes buf as mono 16-bit PCM to a new file at path, replacing any
// existing file.
func Write(path string, buf audio.SampleBuffer) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("wavfile: create %q: %w", path, err)
	}
	if err := Encode(f, buf); err != nil {
		f.Close()
		return fmt.Errorf("wavfile: write %q: %w", path, err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("wavfile: close %q: %w", path, err)
	}
	return nil
}

// EncodeBytes returns buf encoded as an in-memory mono 16-bit WAV file.
func EncodeBytes(buf audio.SampleBuffer) ([]byte, error) {
	ws := &writeSeeker{}
	if err := Encode(ws, buf); err != nil {
		return nil, err
	}
	return ws.Bytes(), nil
}

// Encode writes buf as mono 16-bit PCM. Samples outside [-1, 1] are clipped.
func Encode(w io.WriteSeeker, buf audio.SampleBuffer) error {
	if err := buf.Validate(); err != nil {
		return fmt.Errorf("wavfile: encode: %w", err)
	}
	enc := wav.NewEncoder(w, buf.SampleRate, 16, 1, wavFormatPCM)

	data := make([]int, len(buf.Samples))
	for i, s := range buf.Samples {
		data[i] = int(audio.FloatToInt16(s))
	}
	ib := &goaudio.IntBuffer{
		Format:         &goaudio.Format{NumChannels: 1, SampleRate: buf.SampleRate},
		Data:           data,
		SourceBitDepth: 16,
	}
	if err := enc.Write(ib); err != nil {
		return fmt.Errorf("wavfile: encode samples: %w", err)
	}
	if err := enc.Close(); err != nil {
		return fmt.Errorf("wavfile: finalise header: %w", err)
	}
	return nil
}
