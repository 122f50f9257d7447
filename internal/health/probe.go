package health

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/keithlinneman/linnemanlabs-imagegen/internal/xerrors"
)

// Probe is evaluated at request time. nil means OK, an error is the reason for failing.
type Probe interface{ Check(context.Context) error }

// CheckFunc adapts a function into a Probe.
type CheckFunc func(context.Context) error

func (f CheckFunc) Check(ctx context.Context) error { return f(ctx) }

// Fixed always passes, or always fails with reason
func Fixed(ok bool, reason string) CheckFunc {
	if ok {
		return func(context.Context) error { return nil }
	}
	if reason == "" {
		reason = "unhealthy"
	}
	return func(context.Context) error { return xerrors.New(reason) }
}

// All passes only if every non-nil probe passes and returns the first failure.
func All(ps ...Probe) CheckFunc {
	return func(ctx context.Context) error {
		for _, p := range ps {
			if p == nil {
				continue
			}
			if err := p.Check(ctx); err != nil {
				return err
			}
		}
		return nil
	}
}

// Any passes if at least one non-nil probe passes, otherwise it returns the last failure.
func Any(ps ...Probe) CheckFunc {
	return func(ctx context.Context) error {
		var last error
		for _, p := range ps {
			if p == nil {
				continue
			}
			err := p.Check(ctx)
			if err == nil {
				return nil
			}
			last = err
		}
		if last != nil {
			return last
		}
		return xerrors.New("no healthy probes")
	}
}

// Timeout fails p if it has not answered within d
func Timeout(p Probe, d time.Duration) CheckFunc {
	return func(ctx context.Context) error {
		ctx, cancel := context.WithTimeout(ctx, d)
		defer cancel()

		done := make(chan error, 1)
		go func() { done <- p.Check(ctx) }()
		select {
		case err := <-done:
			return err
		case <-ctx.Done():
			return xerrors.Wrapf(ctx.Err(), "probe did not answer within %s", d)
		}
	}
}

// ShutdownGate flips readiness to false during drain.
type ShutdownGate struct {
	draining atomic.Bool
	reason   atomic.Pointer[string]
}

func (g *ShutdownGate) Set(reason string) {
	g.reason.Store(&reason)
	g.draining.Store(true)
}

func (g *ShutdownGate) Clear() {
	g.draining.Store(false)
	g.reason.Store(nil)
}

func (g *ShutdownGate) Draining() bool { return g.draining.Load() }

func (g *ShutdownGate) Probe() CheckFunc {
	return func(context.Context) error {
		if !g.draining.Load() {
			return nil
		}
		if r := g.reason.Load(); r != nil && *r != "" {
			return xerrors.New(*r)
		}
		return xerrors.New("draining")
	}
}
