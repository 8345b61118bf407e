package cmdgate

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"testing"

	"github.com/synadia-labs/cmdgate/testutil"
)

type codedError struct{}

func (codedError) Error() string     { return "coded" }
func (codedError) ErrorType() string { return "com.example.CodedException" }

func TestErrorType(t *testing.T) {
	syntaxErr := json.Unmarshal([]byte("{"), &struct{}{})

	tests := map[string]struct {
		Err  error
		Type string
	}{
		"validation": {
			Err:  Invalid("bad"),
			Type: "github.com/synadia-labs/cmdgate.ValidationError",
		},
		"wrapped": {
			Err:  fmt.Errorf("decode: %w", &ValidationError{Message: "bad"}),
			Type: "github.com/synadia-labs/cmdgate.ValidationError",
		},
		"handler": {
			Err:  &HandlerError{Type: "t", Cause: errInsufficientAmount},
			Type: "errors.errorString",
		},
		"stdlib": {
			Err:  syntaxErr,
			Type: "encoding/json.SyntaxError",
		},
		"self-typed": {
			Err:  fmt.Errorf("x: %w", codedError{}),
			Type: "com.example.CodedException",
		},
	}

	for name, test := range tests {
		t.Run(name, func(t *testing.T) {
			is := testutil.NewIs(t)
			is.Equal(ErrorType(test.Err), test.Type)
		})
	}
}

func TestErrorName(t *testing.T) {
	tests := map[string]struct {
		Err  error
		Name string
	}{
		"unwrapping": {
			Err:  &fs.PathError{Op: "open", Path: "/x", Err: fs.ErrNotExist},
			Name: "io/fs.PathError",
		},
		"wrapper": {
			Err:  fmt.Errorf("x: %w", codedError{}),
			Name: "fmt.wrapError",
		},
		"self-typed": {
			Err:  codedError{},
			Name: "com.example.CodedException",
		},
		"panic": {
			Err:  &PanicError{Value: "boom"},
			Name: "github.com/synadia-labs/cmdgate.PanicError",
		},
	}

	for name, test := range tests {
		t.Run(name, func(t *testing.T) {
			is := testutil.NewIs(t)
			is.Equal(ErrorName(test.Err), test.Name)
		})
	}
}

func TestRootCause(t *testing.T) {
	is := testutil.NewIs(t)

	cause := Invalid("inner")
	err := fmt.Errorf("a: %w", &HandlerError{Type: "t", Cause: fmt.Errorf("b: %w", cause)})
	is.True(RootCause(err) == cause)

	is.True(RootCause(cause) == cause)

	// Joined errors have no single cause.
	j := errors.Join(cause, errInsufficientAmount)
	is.True(RootCause(j) == j)
}

func TestFlattenErrors(t *testing.T) {
	is := testutil.NewIs(t)

	a, b, c := Invalid("a"), Invalid("b"), Invalid("c")

	errs := flattenErrors(errors.Join(a, errors.Join(b, c)))
	is.Equal(len(errs), 3)
	is.True(errs[0] == a && errs[1] == b && errs[2] == c)

	errs = flattenErrors(&RejectedError{Errors: []error{b, a}})
	is.Equal(len(errs), 2)
	is.True(errs[0] == b && errs[1] == a)

	errs = flattenErrors(a)
	is.Equal(len(errs), 1)
}

func TestRejectedError(t *testing.T) {
	is := testutil.NewIs(t)

	err := &RejectedError{Type: "open", Errors: []error{Invalid("a"), errInsufficientAmount}}
	is.Equal(err.Error(), "cmdgate: open: rejected by validators: a; amount must be positive")
	is.True(errors.Is(err, errInsufficientAmount))
}
