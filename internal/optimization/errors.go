package optimization

import (
	"errors"
	"fmt"
	"strings"
)

// Error is a run failure annotated with the component, the operation and the
// outer iteration it surfaced in.
type Error struct {
	Message   string
	Op        string
	Component string
	// Iteration is -1 when the error is not tied to an outer iteration.
	Iteration int
	Err       error
}

// Error renders "component: op (iteration n): message: cause", omitting empty
// parts.
func (e *Error) Error() string {
	if e == nil {
		return "<nil>"
	}
	var where []string
	if e.Component != "" {
		where = append(where, e.Component)
	}
	if e.Op != "" {
		where = append(where, e.Op)
	}
	prefix := strings.Join(where, ": ")
	if e.Iteration >= 0 {
		prefix = strings.TrimSpace(fmt.Sprintf("%s (iteration %d)", prefix, e.Iteration))
	}

	parts := make([]string, 0, 3)
	for _, p := range []string{prefix, e.Message} {
		if p != "" {
			parts = append(parts, p)
		}
	}
	if e.Err != nil {
		parts = append(parts, e.Err.Error())
	}
	return strings.Join(parts, ": ")
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

func (e *Error) WithOperation(op string) *Error {
	e.Op = op
	return e
}

func (e *Error) WithComponent(component string) *Error {
	e.Component = component
	return e
}

// AtIteration records the outer iteration.
func (e *Error) AtIteration(iter int) *Error {
	e.Iteration = iter
	return e
}

// NewError creates an error with the given message.
func NewError(message string) *Error {
	return &Error{Message: message, Iteration: -1}
}

// WrapError wraps err with a message. It returns nil for a nil err.
func WrapError(err error, message string) *Error {
	if err == nil {
		return nil
	}
	return &Error{Message: message, Iteration: -1, Err: err}
}

// IsOptimizationError finds the first *Error in err's chain.
func IsOptimizationError(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}
