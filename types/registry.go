package types

import (
	"errors"
	"fmt"
	"reflect"
	"regexp"

	"github.com/synadia-labs/cmdgate/codec"
)

var (
	ErrTypeNotValid      = errors.New("cmdgate: type not valid")
	ErrTypeNotRegistered = errors.New("cmdgate: type not registered")
	ErrNoTypeForStruct   = errors.New("cmdgate: no type for struct")

	nameRegex = regexp.MustCompile(`^[\w-]+(\.[\w-]+)*$`)
)

type Type interface {
	Init() func() any
}

// Registry maps type names to Go types. Command payloads and event data
// are decoded and named through it.
type Registry interface {
	Codec() codec.Codec
	Init(t string) (any, error)
	Lookup(v any) (string, error)
	Marshal(v any) ([]byte, error)
	Unmarshal(b []byte, v any) error
	UnmarshalType(b []byte, t string) (any, error)
}

func validateTypeName(n string) error {
	if !nameRegex.MatchString(n) {
		return fmt.Errorf("%w: name %q has invalid characters", ErrTypeNotValid, n)
	}
	return nil
}

// Namer adapts a registry to name types for the typed codec.
func Namer(r Registry) codec.Namer {
	return func(rt reflect.Type) (string, bool) {
		n, err := r.Lookup(reflect.New(rt).Interface())
		return n, err == nil
	}
}

// Resolver adapts a registry to instantiate discriminated values.
func Resolver(r Registry) codec.Resolver {
	return func(name string) (any, bool) {
		v, err := r.Init(name)
		return v, err == nil
	}
}
