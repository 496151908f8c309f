// Package errors provides stack-carrying errors for the seamopt controller and
// its run service.
package errors

import (
	stderrors "errors"
	"fmt"
	"runtime"
	"strings"
)

// Kind classifies an Error.
type Kind uint8

const (
	// KindInternal is an ordinary failure.
	KindInternal Kind = iota
	// KindInvariant is a broken collaborator contract. It aborts a run.
	KindInvariant
)

func (k Kind) String() string {
	if k == KindInvariant {
		return "invariant violated"
	}
	return "internal"
}

// Error is an error annotated with where it happened and the call stack that
// created it.
type Error struct {
	Kind      Kind
	Component string
	Operation string
	Message   string
	Err       error

	pcs []uintptr
}

// Error renders "component: operation: [invariant violated: ]message: cause",
// omitting empty parts.
func (e *Error) Error() string {
	parts := make([]string, 0, 5)
	for _, p := range []string{e.Component, e.Operation} {
		if p != "" {
			parts = append(parts, p)
		}
	}
	if e.Kind == KindInvariant {
		parts = append(parts, e.Kind.String())
	}
	if e.Message != "" {
		parts = append(parts, e.Message)
	}
	if e.Err != nil {
		parts = append(parts, e.Err.Error())
	}
	return strings.Join(parts, ": ")
}

func (e *Error) Unwrap() error {
	return e.Err
}

// WithOperation sets the operation.
func (e *Error) WithOperation(op string) *Error {
	e.Operation = op
	return e
}

// WithComponent sets the component.
func (e *Error) WithComponent(component string) *Error {
	e.Component = component
	return e
}

// StackTrace formats the stack captured when e was created, innermost frame
// first. Runtime frames are skipped.
func (e *Error) StackTrace() []string {
	if len(e.pcs) == 0 {
		return nil
	}
	frames := runtime.CallersFrames(e.pcs)
	stack := make([]string, 0, len(e.pcs))
	for {
		frame, more := frames.Next()
		if !strings.HasPrefix(frame.Function, "runtime.") {
			stack = append(stack, fmt.Sprintf("%s\n\t%s:%d", frame.Function, frame.File, frame.Line))
		}
		if !more {
			return stack
		}
	}
}

func newError(kind Kind, msg string, err error) *Error {
	var pcs [32]uintptr
	// skip runtime.Callers, newError and the exported constructor
	n := runtime.Callers(3, pcs[:])
	return &Error{Kind: kind, Message: msg, Err: err, pcs: pcs[:n]}
}

// New creates an error with a message.
func New(msg string) *Error {
	return newError(KindInternal, msg, nil)
}

// Invariant creates an error describing a violated precondition. Callers panic
// with it; the controller recovers it at the run boundary.
func Invariant(component, format string, args ...interface{}) *Error {
	return newError(KindInvariant, fmt.Sprintf(format, args...), nil).WithComponent(component)
}

// IsInvariant reports whether err's chain carries an invariant violation.
func IsInvariant(err error) bool {
	var e *Error
	return stderrors.As(err, &e) && e.Kind == KindInvariant
}

// Wrap annotates err with msg. An *Error is annotated in place and keeps its
// original stack. Wrap returns nil for a nil err.
func Wrap(err error, msg string) *Error {
	if err == nil {
		return nil
	}
	if e, ok := err.(*Error); ok {
		if msg != "" {
			e.Message = msg
		}
		return e
	}
	return newError(KindInternal, msg, err)
}

// Wrapf is Wrap with a formatted message.
func Wrapf(err error, format string, args ...interface{}) *Error {
	if err == nil {
		return nil
	}
	return Wrap(err, fmt.Sprintf(format, args...))
}

// Is reports whether any error in err's chain matches target.
func Is(err, target error) bool {
	return stderrors.Is(err, target)
}

// As finds the first error in err's chain that matches target.
func As(err error, target interface{}) bool {
	if err == nil || target == nil {
		return false
	}
	return stderrors.As(err, target)
}

// Unwrap returns the error err wraps, or nil.
func Unwrap(err error) error {
	return stderrors.Unwrap(err)
}
