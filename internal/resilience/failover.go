package resilience

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
)

// ErrAllFailed is returned by [Call] when no member of the group succeeded.
var ErrAllFailed = errors.New("resilience: all providers failed")

type member[T any] struct {
	name    string
	value   T
	breaker *Breaker
}

// Group is an ordered set of interchangeable providers, each behind its own
// [Breaker]. Members are added during setup; Group is read-only afterwards.
type Group[T any] struct {
	cfg     BreakerConfig
	members []member[T]
}

// NewGroup returns an empty group whose breakers use cfg. cfg.Name is
// replaced by each member's name.
func NewGroup[T any](cfg BreakerConfig) *Group[T] {
	return &Group[T]{cfg: cfg}
}

// Add appends a member. The first member added is the primary.
func (g *Group[T]) Add(name string, v T) {
	cfg := g.cfg
	cfg.Name = name
	g.members = append(g.members, member[T]{name: name, value: v, breaker: NewBreaker(cfg)})
}

// State returns the breaker state of the named member.
func (g *Group[T]) State(name string) (State, bool) {
	for _, m := range g.members {
		if m.name == name {
			return m.breaker.State(), true
		}
	}
	return StateClosed, false
}

// Call runs fn against each member in order until one succeeds. Members with
// an open breaker are skipped. Once ctx is done no further member is tried.
func Call[T, R any](ctx context.Context, g *Group[T], fn func(context.Context, T) (R, error)) (R, error) {
	var (
		zero R
		errs []error
	)
	for _, m := range g.members {
		var out R
		err := m.breaker.Do(ctx, func() error {
			var err error
			out, err = fn(ctx, m.value)
			return err
		})
		if err == nil {
			return out, nil
		}
		if ctx.Err() != nil {
			return zero, err
		}
		if errors.Is(err, ErrCircuitOpen) {
			slog.Debug("skipping provider, circuit open", "provider", m.name)
		} else {
			slog.Warn("provider failed, trying next", "provider", m.name, "err", err)
		}
		errs = append(errs, fmt.Errorf("%s: %w", m.name, err))
	}
	if len(errs) == 0 {
		return zero, fmt.Errorf("%w: group is empty", ErrAllFailed)
	}
	return zero, fmt.Errorf("%w: %w", ErrAllFailed, errors.Join(errs...))
}
