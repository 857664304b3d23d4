package main

import (
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/MrWong99/voxmatch/internal/convert"
)

const barWidth = 30

// progressBar redraws a single status line on a terminal:
//
//	[###########                   ]  37% processing
type progressBar struct {
	mu    sync.Mutex
	w     io.Writer
	pct   int
	state convert.State
	drawn bool
}

func newProgressBar(w io.Writer) *progressBar {
	return &progressBar{w: w, state: convert.StatePending}
}

// Update is a [convert.WithProgress] callback.
func (b *progressBar) Update(pct int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.pct = min(max(pct, 0), 100)
	b.draw()
}

// SetState is a [convert.WithStateFunc] callback.
func (b *progressBar) SetState(s convert.State) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state = s
	b.draw()
}

// Finish ends the status line. A nil err leaves the bar at 100%.
func (b *progressBar) Finish(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.drawn {
		return
	}
	if err == nil {
		b.pct, b.state = 100, convert.StateDone
		b.draw()
	}
	fmt.Fprintln(b.w)
}

func (b *progressBar) draw() {
	filled := b.pct * barWidth / 100
	fmt.Fprintf(b.w, "\r[%s%s] %3d%% %-12s",
		strings.Repeat("#", filled), strings.Repeat(" ", barWidth-filled), b.pct, b.state)
	b.drawn = true
}
