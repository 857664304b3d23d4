package convert

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/MrWong99/voxmatch/internal/observe"
	"github.com/MrWong99/voxmatch/pkg/audio"
)

// Request is a conversion submitted to a [Converter].
type Request struct {
	Reference audio.SampleBuffer
	TTS       audio.SampleBuffer
	Params    Params
}

// Converter runs conversions in the background. The zero value is not
// usable; construct with [NewConverter].
type Converter struct {
	metrics *observe.Metrics
	logger  *slog.Logger
	slots   chan struct{}
}

// ConverterOption configures a [Converter].
type ConverterOption func(*Converter)

// WithConverterMetrics records metrics on m instead of
// [observe.DefaultMetrics].
func WithConverterMetrics(m *observe.Metrics) ConverterOption {
	return func(c *Converter) { c.metrics = m }
}

// WithConverterLogger sets the logger passed to every run.
func WithConverterLogger(l *slog.Logger) ConverterOption {
	return func(c *Converter) { c.logger = l }
}

// WithMaxConcurrent bounds the number of conversions running at once. Extra
// submissions stay pending until a slot frees up. n <= 0 means unbounded.
func WithMaxConcurrent(n int) ConverterOption {
	return func(c *Converter) {
		if n > 0 {
			c.slots = make(chan struct{}, n)
		}
	}
}

// NewConverter returns a Converter configured by opts.
func NewConverter(opts ...ConverterOption) *Converter {
	c := &Converter{}
	for _, o := range opts {
		o(c)
	}
	if c.metrics == nil {
		c.metrics = observe.DefaultMetrics()
	}
	if c.logger == nil {
		c.logger = slog.Default()
	}
	return c
}

// Submit starts req in the background and returns its handle immediately.
// Cancelling ctx or calling [Handle.Cancel] stops the run between frames.
func (c *Converter) Submit(ctx context.Context, req Request) *Handle {
	ctx, cancel := context.WithCancel(ctx)
	h := &Handle{
		cancel:   cancel,
		done:     make(chan struct{}),
		state:    StatePending,
		progress: -1,
	}
	c.metrics.ActiveConversions.Add(ctx, 1)
	go func() {
		defer cancel()
		defer c.metrics.ActiveConversions.Add(context.WithoutCancel(ctx), -1)

		if c.slots != nil {
			select {
			case c.slots <- struct{}{}:
				defer func() { <-c.slots }()
			case <-ctx.Done():
				h.finish(nil, ctx.Err())
				return
			}
		}
		res, err := Run(ctx, req.Reference, req.TTS, req.Params,
			WithProgress(h.setProgress),
			WithStateFunc(h.setState),
			WithMetrics(c.metrics),
			WithLogger(c.logger),
		)
		h.finish(res, err)
	}()
	return h
}

// Handle observes and controls one submitted conversion. All methods are safe
// for concurrent use.
//
// Callbacks run on the conversion's goroutine, or on the registering
// goroutine when they replay an event that already happened. A subscriber
// sees progress values in strictly increasing order followed by exactly one
// terminal callback. Callbacks must not register further callbacks on the
// same handle.
type Handle struct {
	cancel context.CancelFunc
	done   chan struct{}

	// deliver serialises event dispatch with replay on registration.
	deliver sync.Mutex

	mu       sync.Mutex
	state    State
	progress int
	result   *Result
	err      error

	progressFns []func(int)
	stateFns    []func(State)
	doneFns     []func(*Result)
	errFns      []func(error)
}

// OnProgress registers fn for progress percentages. The latest value, if
// any, is replayed immediately.
func (h *Handle) OnProgress(fn func(pct int)) {
	h.deliver.Lock()
	defer h.deliver.Unlock()
	h.mu.Lock()
	h.progressFns = append(h.progressFns, fn)
	pct := h.progress
	h.mu.Unlock()
	if pct >= 0 {
		fn(pct)
	}
}

// OnState registers fn for lifecycle transitions, including the terminal
// one. The current state is replayed immediately.
func (h *Handle) OnState(fn func(State)) {
	h.deliver.Lock()
	defer h.deliver.Unlock()
	h.mu.Lock()
	h.stateFns = append(h.stateFns, fn)
	s := h.state
	h.mu.Unlock()
	fn(s)
}

// OnDone registers fn for successful completion. It is called at once if the
// conversion already succeeded.
func (h *Handle) OnDone(fn func(*Result)) {
	h.deliver.Lock()
	defer h.deliver.Unlock()
	h.mu.Lock()
	h.doneFns = append(h.doneFns, fn)
	s, res := h.state, h.result
	h.mu.Unlock()
	if s == StateDone {
		fn(res)
	}
}

// OnError registers fn for failure or cancellation. It is called at once if
// the conversion already failed.
func (h *Handle) OnError(fn func(error)) {
	h.deliver.Lock()
	defer h.deliver.Unlock()
	h.mu.Lock()
	h.errFns = append(h.errFns, fn)
	s, err := h.state, h.err
	h.mu.Unlock()
	if s == StateFailed || s == StateCanceled {
		fn(err)
	}
}

// Cancel asks the conversion to stop. It is a no-op once the conversion has
// finished.
func (h *Handle) Cancel() { h.cancel() }

// Done is closed once the conversion reaches a terminal state and its
// terminal callbacks have returned.
func (h *Handle) Done() <-chan struct{} { return h.done }

// Wait blocks until the conversion finishes and its terminal callbacks have
// returned, then reports the outcome.
func (h *Handle) Wait() (*Result, error) {
	<-h.done
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.result, h.err
}

// State returns the current lifecycle state.
func (h *Handle) State() State {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state
}

// Progress returns the latest reported percentage, or -1 before the first
// report.
func (h *Handle) Progress() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.progress
}

func (h *Handle) setProgress(pct int) {
	h.deliver.Lock()
	defer h.deliver.Unlock()
	h.mu.Lock()
	h.progress = pct
	fns := h.progressFns
	h.mu.Unlock()
	for _, fn := range fns {
		fn(pct)
	}
}

func (h *Handle) setState(s State) {
	h.deliver.Lock()
	defer h.deliver.Unlock()
	h.mu.Lock()
	h.state = s
	fns := h.stateFns
	h.mu.Unlock()
	for _, fn := range fns {
		fn(s)
	}
}

func (h *Handle) finish(res *Result, err error) {
	h.deliver.Lock()
	defer h.deliver.Unlock()

	h.mu.Lock()
	switch {
	case err == nil:
		h.state = StateDone
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		h.state = StateCanceled
	default:
		h.state = StateFailed
	}
	h.result, h.err = res, err
	s := h.state
	stateFns, doneFns, errFns := h.stateFns, h.doneFns, h.errFns
	h.mu.Unlock()
	defer close(h.done)

	for _, fn := range stateFns {
		fn(s)
	}
	if err == nil {
		for _, fn := range doneFns {
			fn(res)
		}
		return
	}
	for _, fn := range errFns {
		fn(err)
	}
}
