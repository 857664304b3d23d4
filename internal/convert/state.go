package convert

import (
	"fmt"
	"sync"
)

// State is the lifecycle position of a conversion.
type State int

const (
	StatePending State = iota
	StateLoaded
	StateFramed
	StateProcessing
	StateNormalizing
	StateDone
	StateFailed
	StateCanceled
)

var stateNames = [...]string{
	StatePending:     "pending",
	StateLoaded:      "loaded",
	StateFramed:      "framed",
	StateProcessing:  "processing",
	StateNormalizing: "normalizing",
	StateDone:        "done",
	StateFailed:      "failed",
	StateCanceled:    "canceled",
}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return "unknown"
	}
	return stateNames[s]
}

// ParseState is the inverse of [State.String].
func ParseState(s string) (State, error) {
	for i, name := range stateNames {
		if name == s {
			return State(i), nil
		}
	}
	return 0, fmt.Errorf("convert: unknown state %q", s)
}

// MarshalText encodes s by name.
func (s State) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// UnmarshalText decodes a name written by [State.MarshalText].
func (s *State) UnmarshalText(b []byte) error {
	v, err := ParseState(string(b))
	if err != nil {
		return err
	}
	*s = v
	return nil
}

// IsTerminal reports whether no further transitions can happen from s.
func (s State) IsTerminal() bool {
	return s == StateDone || s == StateFailed || s == StateCanceled
}

// Progress milestones in percent.
const (
	progressLoaded     = 5
	progressFramed     = 15
	progressLoopEnd    = 85
	progressLoopDone   = 90
	progressNormalized = 95
	progressDone       = 100
)

// progressReporter forwards percentages to fn, dropping any value that is not
// larger than the last one forwarded. Frames may complete out of order; the
// reporter keeps the sequence strictly increasing.
type progressReporter struct {
	mu   sync.Mutex
	last int
	fn   func(int)
}

func newProgressReporter(fn func(int)) *progressReporter {
	return &progressReporter{last: -1, fn: fn}
}

func (p *progressReporter) report(pct int) {
	if p == nil || p.fn == nil {
		return
	}
	pct = min(max(pct, 0), 100)
	p.mu.Lock()
	defer p.mu.Unlock()
	if pct <= p.last {
		return
	}
	p.last = pct
	p.fn(pct)
}

// loopProgress maps done of n completed frames onto 15..85.
func loopProgress(done, n int) int {
	if n <= 0 {
		return progressFramed
	}
	return progressFramed + (progressLoopEnd-progressFramed)*done/n
}

// reportEvery returns the frame stride between loop progress reports,
// roughly one twentieth of the frames.
func reportEvery(n int) int {
	return max(1, n/20)
}
