// Package xerrors wraps errors with the call site that created them so the
// logger can render where in the request path a failure happened.
package xerrors

import (
	"errors"
	"fmt"
	"runtime"
)

const maxStackDepth = 64

// stacked carries a full stack captured at creation time.
type stacked struct {
	err error
	pcs []uintptr
}

func (s *stacked) Error() string       { return s.err.Error() }
func (s *stacked) Unwrap() error       { return s.err }
func (s *stacked) StackPCs() []uintptr { return s.pcs }
func (s *stacked) IsXerrorsWrapper()   {}

// annotated adds a message and the single frame of the wrapping call.
type annotated struct {
	err error
	msg string
	pc  uintptr
}

func (a *annotated) Error() string     { return a.msg + ": " + a.err.Error() }
func (a *annotated) Unwrap() error     { return a.err }
func (a *annotated) PC() uintptr       { return a.pc }
func (a *annotated) IsXerrorsWrapper() {}

// skip counts frames above runtime.Callers
func stackFrom(skip int) []uintptr {
	pcs := make([]uintptr, maxStackDepth)
	n := runtime.Callers(skip, pcs)
	return pcs[:n]
}

func pcFrom(skip int) uintptr {
	var pcs [1]uintptr
	if runtime.Callers(skip, pcs[:]) == 0 {
		return 0
	}
	return pcs[0]
}

// New returns an error with msg and the caller's stack.
func New(msg string) error {
	return &stacked{err: errors.New(msg), pcs: stackFrom(3)}
}

// Newf is New with fmt formatting. %w verbs are honored.
func Newf(format string, args ...any) error {
	return &stacked{err: fmt.Errorf(format, args...), pcs: stackFrom(3)}
}

// WithStack attaches the caller's stack to err unconditionally.
func WithStack(err error) error {
	if err == nil {
		return nil
	}
	return &stacked{err: err, pcs: stackFrom(3)}
}

// EnsureTrace attaches a stack only if nothing in the chain already has one.
func EnsureTrace(err error) error {
	if err == nil {
		return nil
	}
	var hs interface{ StackPCs() []uintptr }
	if errors.As(err, &hs) && hs != nil && len(hs.StackPCs()) > 0 {
		return err
	}
	return &stacked{err: err, pcs: stackFrom(3)}
}

// Wrap prefixes err with msg and records the wrapping frame. nil stays nil.
func Wrap(err error, msg string) error {
	if err == nil {
		return nil
	}
	return &annotated{err: err, msg: msg, pc: pcFrom(3)}
}

// Wrapf is Wrap with fmt formatting of the prefix.
func Wrapf(err error, format string, args ...any) error {
	if err == nil {
		return nil
	}
	return &annotated{err: err, msg: fmt.Sprintf(format, args...), pc: pcFrom(3)}
}
