package types

import (
	"fmt"
	"reflect"
	"slices"

	"github.com/synadia-labs/cmdgate/codec"
)

var _ Registry = (*InMemRegistry)(nil)

// InMemRegistry resolves command and event type names to Go types and back.
// It is read-only after construction and safe for concurrent use.
type InMemRegistry struct {
	codec codec.Codec

	// name -> type
	types map[string]Type

	// Go type (pointer and element) -> name
	rtypes map[reflect.Type]string
}

type InMemType struct {
	InitFn func() any
}

func (t InMemType) Init() func() any {
	return t.InitFn
}

// Of returns a type that initializes a new zero T.
func Of[T any]() InMemType {
	return InMemType{InitFn: func() any { return new(T) }}
}

func (r *InMemRegistry) Codec() codec.Codec {
	return r.codec
}

// check initializes a zero value of the type and makes sure it is a
// pointer to a struct the codec can round-trip.
func (r *InMemRegistry) check(name string, typ Type) (reflect.Type, error) {
	if name == "" {
		return nil, fmt.Errorf("%w: missing name", ErrTypeNotValid)
	}
	if err := validateTypeName(name); err != nil {
		return nil, err
	}

	initFn := typ.Init()
	if initFn == nil {
		return nil, fmt.Errorf("%w: %s: missing init func", ErrTypeNotValid, name)
	}
	v := initFn()
	if v == nil {
		return nil, fmt.Errorf("%w: %s: init func returns nil", ErrTypeNotValid, name)
	}

	rt := reflect.TypeOf(v)
	if rt.Kind() != reflect.Pointer || rt.Elem().Kind() != reflect.Struct {
		return nil, fmt.Errorf("%w: %s: init func must return a pointer to a struct, got %s", ErrTypeNotValid, name, rt)
	}
	if other, ok := r.rtypes[rt]; ok {
		return nil, fmt.Errorf("%w: %s: %s already registered as %s", ErrTypeNotValid, name, rt, other)
	}

	b, err := r.codec.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: failed to marshal with %s codec: %s", ErrTypeNotValid, name, r.codec.Name(), err)
	}
	if err := r.codec.Unmarshal(b, v); err != nil {
		return nil, fmt.Errorf("%w: %s: failed to unmarshal with %s codec: %s", ErrTypeNotValid, name, r.codec.Name(), err)
	}

	return rt, nil
}

// Init returns a new zero value (a struct pointer) for the named type.
func (r *InMemRegistry) Init(t string) (any, error) {
	typ, ok := r.types[t]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrTypeNotRegistered, t)
	}
	return typ.Init()(), nil
}

// Lookup returns the registered name for a value or pointer to a value.
func (r *InMemRegistry) Lookup(v any) (string, error) {
	rt := reflect.TypeOf(v)
	t, ok := r.rtypes[rt]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrNoTypeForStruct, rt)
	}
	return t, nil
}

// Names returns the registered type names, sorted.
func (r *InMemRegistry) Names() []string {
	names := make([]string, 0, len(r.types))
	for n := range r.types {
		names = append(names, n)
	}
	slices.Sort(names)
	return names
}

// Marshal encodes a value of a registered type.
func (r *InMemRegistry) Marshal(v any) ([]byte, error) {
	if _, err := r.Lookup(v); err != nil {
		return nil, err
	}

	b, err := r.codec.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("%T: marshal error: %w", v, err)
	}
	return b, nil
}

// Unmarshal decodes into a value of a registered type.
func (r *InMemRegistry) Unmarshal(b []byte, v any) error {
	if _, err := r.Lookup(v); err != nil {
		return err
	}

	if err := r.codec.Unmarshal(b, v); err != nil {
		return fmt.Errorf("%T: unmarshal error: %w", v, err)
	}
	return nil
}

// UnmarshalType decodes b into a new value of the named type.
func (r *InMemRegistry) UnmarshalType(b []byte, t string) (any, error) {
	v, err := r.Init(t)
	if err != nil {
		return nil, err
	}
	if err := r.Unmarshal(b, v); err != nil {
		return nil, err
	}
	return v, nil
}

// NewInMemRegistry validates and indexes the types. A nil codec selects
// codec.Default.
func NewInMemRegistry(types map[string]Type, c codec.Codec) (*InMemRegistry, error) {
	if c == nil {
		c = codec.Default
	}

	r := &InMemRegistry{
		codec:  c,
		types:  make(map[string]Type, len(types)),
		rtypes: make(map[reflect.Type]string, 2*len(types)),
	}

	for name, typ := range types {
		rt, err := r.check(name, typ)
		if err != nil {
			return nil, err
		}
		r.types[name] = typ
		r.rtypes[rt] = name
		r.rtypes[rt.Elem()] = name
	}

	return r, nil
}
