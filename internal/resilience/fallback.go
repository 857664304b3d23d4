package resilience

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
)

// ErrAllFailed is returned when every member of a [Group] failed or was
// rejected by its breaker.
var ErrAllFailed = errors.New("all providers failed")

// Attempt describes one try against a group member, as passed to an
// [Observer].
type Attempt struct {
	Name string

	// Skipped is true when the member's breaker rejected the call.
	Skipped bool

	// Err is the member's error, nil on success.
	Err error
}

// Observer is notified after every attempt a [Group] makes.
type Observer func(ctx context.Context, a Attempt)

// GroupConfig configures the breaker created for each member of a [Group].
type GroupConfig struct {
	CircuitBreaker CircuitBreakerConfig

	// Observer, if set, sees every attempt.
	Observer Observer
}

type member[T any] struct {
	name    string
	value   T
	breaker *CircuitBreaker
}

// Group holds interchangeable backends in preference order, each behind its
// own breaker.
type Group[T any] struct {
	members []member[T]
	cfg     GroupConfig
}

// NewGroup creates a [Group] with primary as its first member.
func NewGroup[T any](primaryName string, primary T, cfg GroupConfig) *Group[T] {
	g := &Group[T]{cfg: cfg}
	g.Add(primaryName, primary)
	return g
}

// Add appends a fallback member. Members are tried in the order added.
// Add must not be called concurrently with [Do].
func (g *Group[T]) Add(name string, value T) {
	cbCfg := g.cfg.CircuitBreaker
	cbCfg.Name = name
	g.members = append(g.members, member[T]{name: name, value: value, breaker: NewCircuitBreaker(cbCfg)})
}

// Names returns the member names in preference order.
func (g *Group[T]) Names() []string {
	names := make([]string, len(g.members))
	for i, m := range g.members {
		names[i] = m.name
	}
	return names
}

// Breaker returns the breaker guarding the named member, or nil.
func (g *Group[T]) Breaker(name string) *CircuitBreaker {
	for _, m := range g.members {
		if m.name == name {
			return m.breaker
		}
	}
	return nil
}

// Do calls fn on each member in order until one succeeds and returns its
// result. Members with an open breaker are skipped. When ctx ends, Do stops
// and returns ctx's error instead of trying further members. If every member
// fails the error wraps [ErrAllFailed] and the last member error.
func Do[T, R any](ctx context.Context, g *Group[T], fn func(ctx context.Context, name string, v T) (R, error)) (R, error) {
	var (
		zero    R
		lastErr error
	)
	for _, m := range g.members {
		if err := ctx.Err(); err != nil {
			return zero, err
		}
		var result R
		err := m.breaker.Execute(ctx, func(ctx context.Context) error {
			var innerErr error
			result, innerErr = fn(ctx, m.name, m.value)
			return innerErr
		})
		skipped := errors.Is(err, ErrCircuitOpen)
		if g.cfg.Observer != nil {
			g.cfg.Observer(ctx, Attempt{Name: m.name, Skipped: skipped, Err: err})
		}
		if err == nil {
			return result, nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil && errors.Is(err, ctxErr) {
			return zero, err
		}
		lastErr = err
		if skipped {
			slog.Debug("skipping provider (circuit open)", "provider", m.name)
		} else {
			slog.Warn("provider failed, trying next", "provider", m.name, "err", err)
		}
	}
	return zero, fmt.Errorf("%w: %w", ErrAllFailed, lastErr)
}
