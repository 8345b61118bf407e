package cmdgate

import (
	"errors"
	"fmt"
	"reflect"
	"strings"

	"github.com/synadia-labs/cmdgate/codec"
)

// CommandNotValid is the message reported for unknown command types.
const CommandNotValid = "Command class not valid"

var (
	ErrSubscriberNotValid  = errors.New("cmdgate: subscriber not valid")
	ErrSubscriberNotFound  = errors.New("cmdgate: no subscriber for command type")
	ErrCommandDataRequired = errors.New("cmdgate: command data required")
	ErrEventDataRequired   = errors.New("cmdgate: event data required")
	ErrEventTypeMismatch   = errors.New("cmdgate: event type does not match data")
)

// InvalidParameterError reports a request that names something the
// gateway does not know, such as an unregistered command type.
type InvalidParameterError struct {
	Message string
}

func (e *InvalidParameterError) Error() string {
	return e.Message
}

// HandlerError is returned when a decider fails while handling a command.
// Cause is the failure the decider raised; it is what clients get to see.
type HandlerError struct {
	Type  string
	Cause error
}

func (e *HandlerError) Error() string {
	return fmt.Sprintf("cmdgate: %s: handler failed: %s", e.Type, e.Cause)
}

func (e *HandlerError) Unwrap() error {
	return e.Cause
}

// RejectedError is returned when validators refuse a command. Errors holds
// every failure in the order the validators ran.
type RejectedError struct {
	Type   string
	Errors []error
}

func (e *RejectedError) Error() string {
	msgs := make([]string, len(e.Errors))
	for i, err := range e.Errors {
		msgs[i] = err.Error()
	}
	return fmt.Sprintf("cmdgate: %s: rejected by validators: %s", e.Type, strings.Join(msgs, "; "))
}

func (e *RejectedError) Unwrap() []error {
	return e.Errors
}

// ValidationError is a single validator failure.
type ValidationError struct {
	Message string
}

func (e *ValidationError) Error() string {
	return e.Message
}

// Invalid returns a validation failure with a formatted message.
func Invalid(format string, args ...any) error {
	return &ValidationError{Message: fmt.Sprintf(format, args...)}
}

// PanicError carries a value recovered from a panicking decider.
type PanicError struct {
	Value any
	Stack []byte
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("panic: %v", e.Value)
}

// typedError is implemented by errors that provide their own canonical
// type identifier.
type typedError interface {
	ErrorType() string
}

// ErrorType returns the canonical type identifier of err: the first
// ErrorType() in the chain or the Go fully-qualified type name of the root
// cause, e.g. "encoding/json.SyntaxError".
func ErrorType(err error) string {
	var te typedError
	if errors.As(err, &te) {
		return te.ErrorType()
	}
	return codec.TypeName(reflect.TypeOf(RootCause(err)))
}

// ErrorName returns the type identifier of err itself, without looking at
// what it wraps: its own ErrorType() or its Go fully-qualified type name.
func ErrorName(err error) string {
	if te, ok := err.(typedError); ok {
		return te.ErrorType()
	}
	return codec.TypeName(reflect.TypeOf(err))
}

// RootCause follows the single-error Unwrap chain to its end.
func RootCause(err error) error {
	for {
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return err
		}
		next := u.Unwrap()
		if next == nil {
			return err
		}
		err = next
	}
}

// flattenErrors expands joined and rejected errors into their parts.
func flattenErrors(err error) []error {
	var rej *RejectedError
	if errors.As(err, &rej) {
		return rej.Errors
	}
	if j, ok := err.(interface{ Unwrap() []error }); ok {
		var errs []error
		for _, e := range j.Unwrap() {
			errs = append(errs, flattenErrors(e)...)
		}
		return errs
	}
	return []error{err}
}
