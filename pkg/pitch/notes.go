package pitch

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// ErrInvalidNote is returned by [NoteToHz] for names it cannot parse.
var ErrInvalidNote = errors.New("pitch: invalid note name")

// Default tracking range, C2 to C7.
var (
	DefaultMinHz = MidiToHz(36)
	DefaultMaxHz = MidiToHz(96)
)

var noteOffsets = map[byte]int{'C': 0, 'D': 2, 'E': 4, 'F': 5, 'G': 7, 'A': 9, 'B': 11}

// NoteToHz converts scientific pitch notation ("A4", "C#3", "Eb2", "C-1") to
// a frequency in equal temperament with A4 = 440 Hz.
func NoteToHz(note string) (float64, error) {
	s := strings.TrimSpace(note)
	if s == "" {
		return 0, fmt.Errorf("%w: %q", ErrInvalidNote, note)
	}
	offset, ok := noteOffsets[strings.ToUpper(s[:1])[0]]
	if !ok {
		return 0, fmt.Errorf("%w: %q", ErrInvalidNote, note)
	}
	s = s[1:]
	for len(s) > 0 && (s[0] == '#' || s[0] == 'b') {
		if s[0] == '#' {
			offset++
		} else {
			offset--
		}
		s = s[1:]
	}
	oct, err := strconv.Atoi(s)
	if err != nil {
		return 0, fmt.Errorf("%w: %q", ErrInvalidNote, note)
	}
	return MidiToHz(float64(12*(oct+1) + offset)), nil
}

// MidiToHz converts a (fractional) MIDI note number to Hz.
func MidiToHz(midi float64) float64 {
	return 440 * math.Exp2((midi-69)/12)
}
