package codec

import (
	"bytes"
	"encoding"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"reflect"
	"strconv"
	"strings"
)

// TypeProperty is the default discriminator property. Clients decoding the
// event stream rely on it, so changing it is a wire-format change.
const TypeProperty = "@type"

var (
	ErrTypedTarget     = errors.New("codec: typed target must be a non-nil pointer")
	ErrTypedUnresolved = errors.New("codec: unresolved discriminator")

	jsonMarshalerType   = reflect.TypeFor[json.Marshaler]()
	jsonUnmarshalerType = reflect.TypeFor[json.Unmarshaler]()
	textMarshalerType   = reflect.TypeFor[encoding.TextMarshaler]()
)

// Namer returns the discriminator for a (non-pointer) Go type. Returning
// false falls back to TypeName.
type Namer func(rt reflect.Type) (string, bool)

// Resolver returns a fresh pointer value for a discriminator.
type Resolver func(name string) (any, bool)

// Typed is a JSON codec that embeds a discriminator in every struct value,
// at any depth, so that a reader can rebuild the concrete variants. A zero
// Typed is usable and names types by their Go fully-qualified name.
type Typed struct {
	// Property holds the discriminator. Defaults to TypeProperty.
	Property string

	// Namer overrides the discriminator of known types.
	Namer Namer

	// Resolver instantiates values for interface-typed targets on decode.
	Resolver Resolver
}

// TypeName returns the Go fully-qualified name of a type, pointers
// stripped, e.g. "github.com/acme/app.OrderPlaced".
func TypeName(rt reflect.Type) string {
	for rt.Kind() == reflect.Pointer {
		rt = rt.Elem()
	}
	if rt.Name() == "" {
		return rt.String()
	}
	if rt.PkgPath() == "" {
		return rt.Name()
	}
	return rt.PkgPath() + "." + rt.Name()
}

func (t *Typed) Name() string {
	return "typed-json"
}

func (t *Typed) property() string {
	if t.Property == "" {
		return TypeProperty
	}
	return t.Property
}

func (t *Typed) typeName(rt reflect.Type) string {
	if t.Namer != nil {
		if n, ok := t.Namer(rt); ok {
			return n
		}
	}
	return TypeName(rt)
}

// Marshal encodes v with discriminators.
func (t *Typed) Marshal(v any) ([]byte, error) {
	tree, err := t.encode(reflect.ValueOf(v))
	if err != nil {
		return nil, err
	}
	return json.Marshal(tree)
}

// MarshalArray writes values as a single JSON array. Each element is
// encoded independently and joined with commas.
func (t *Typed) MarshalArray(w io.Writer, values []any) error {
	var buf bytes.Buffer
	buf.WriteByte('[')
	for i, v := range values {
		b, err := t.Marshal(v)
		if err != nil {
			return fmt.Errorf("element %d: %w", i, err)
		}
		if i > 0 {
			buf.WriteByte(',')
		}
		buf.Write(b)
	}
	buf.WriteByte(']')

	_, err := w.Write(buf.Bytes())
	return err
}

func (t *Typed) encode(rv reflect.Value) (any, error) {
	if !rv.IsValid() {
		return nil, nil
	}

	switch rv.Kind() {
	case reflect.Pointer, reflect.Interface:
		if rv.IsNil() {
			return nil, nil
		}
	}

	if rv.Type().Implements(jsonMarshalerType) {
		b, err := rv.Interface().(json.Marshaler).MarshalJSON()
		if err != nil {
			return nil, err
		}
		return json.RawMessage(b), nil
	}
	if rv.Kind() != reflect.Pointer && rv.Type().Implements(textMarshalerType) {
		b, err := rv.Interface().(encoding.TextMarshaler).MarshalText()
		if err != nil {
			return nil, err
		}
		return string(b), nil
	}

	switch rv.Kind() {
	case reflect.Pointer, reflect.Interface:
		return t.encode(rv.Elem())

	case reflect.Struct:
		obj := map[string]any{
			t.property(): t.typeName(rv.Type()),
		}
		for _, f := range structFields(rv.Type()) {
			fv := rv.FieldByIndex(f.index)
			if f.omitEmpty && isEmptyValue(fv) {
				continue
			}
			x, err := t.encode(fv)
			if err != nil {
				return nil, fmt.Errorf("%s.%s: %w", rv.Type(), f.name, err)
			}
			obj[f.name] = x
		}
		return obj, nil

	case reflect.Map:
		if rv.IsNil() {
			return nil, nil
		}
		obj := make(map[string]any, rv.Len())
		iter := rv.MapRange()
		for iter.Next() {
			k, err := mapKey(iter.Key())
			if err != nil {
				return nil, err
			}
			x, err := t.encode(iter.Value())
			if err != nil {
				return nil, err
			}
			obj[k] = x
		}
		return obj, nil

	case reflect.Slice:
		if rv.IsNil() {
			return nil, nil
		}
		if rv.Type().Elem().Kind() == reflect.Uint8 {
			return rv.Interface(), nil
		}
		fallthrough

	case reflect.Array:
		arr := make([]any, rv.Len())
		for i := range arr {
			x, err := t.encode(rv.Index(i))
			if err != nil {
				return nil, err
			}
			arr[i] = x
		}
		return arr, nil

	case reflect.Func, reflect.Chan, reflect.Complex64, reflect.Complex128, reflect.UnsafePointer:
		return nil, fmt.Errorf("codec: unsupported type %s", rv.Type())
	}

	return rv.Interface(), nil
}

// Unmarshal decodes a document produced by Marshal into v. Discriminators
// are dropped, except where the target is an interface: there the Resolver
// provides the concrete value.
func (t *Typed) Unmarshal(b []byte, v any) error {
	rv := reflect.ValueOf(v)
	if rv.Kind() != reflect.Pointer || rv.IsNil() {
		return ErrTypedTarget
	}

	dec := json.NewDecoder(bytes.NewReader(b))
	dec.UseNumber()

	var tree any
	if err := dec.Decode(&tree); err != nil {
		return err
	}
	return t.decode(tree, rv.Elem())
}

func (t *Typed) decode(node any, rv reflect.Value) error {
	if node == nil {
		switch rv.Kind() {
		case reflect.Pointer, reflect.Interface, reflect.Map, reflect.Slice:
			rv.SetZero()
		}
		return nil
	}

	if rv.CanAddr() && rv.Addr().Type().Implements(jsonUnmarshalerType) {
		return t.decodeJSON(node, rv)
	}

	switch rv.Kind() {
	case reflect.Interface:
		return t.decodeInterface(node, rv)

	case reflect.Pointer:
		if rv.IsNil() {
			rv.Set(reflect.New(rv.Type().Elem()))
		}
		return t.decode(node, rv.Elem())

	case reflect.Struct:
		obj, ok := node.(map[string]any)
		if !ok {
			return fmt.Errorf("codec: cannot decode %T into %s", node, rv.Type())
		}
		for _, f := range structFields(rv.Type()) {
			x, ok := lookupKey(obj, f.name)
			if !ok {
				continue
			}
			if err := t.decode(x, rv.FieldByIndex(f.index)); err != nil {
				return fmt.Errorf("%s.%s: %w", rv.Type(), f.name, err)
			}
		}
		return nil

	case reflect.Map:
		obj, ok := node.(map[string]any)
		if !ok || rv.Type().Key().Kind() != reflect.String {
			return t.decodeJSON(node, rv)
		}
		m := reflect.MakeMapWithSize(rv.Type(), len(obj))
		for k, x := range obj {
			ev := reflect.New(rv.Type().Elem()).Elem()
			if err := t.decode(x, ev); err != nil {
				return err
			}
			m.SetMapIndex(reflect.ValueOf(k).Convert(rv.Type().Key()), ev)
		}
		rv.Set(m)
		return nil

	case reflect.Slice:
		arr, ok := node.([]any)
		if !ok {
			return t.decodeJSON(node, rv)
		}
		s := reflect.MakeSlice(rv.Type(), len(arr), len(arr))
		for i, x := range arr {
			if err := t.decode(x, s.Index(i)); err != nil {
				return err
			}
		}
		rv.Set(s)
		return nil

	case reflect.Array:
		arr, ok := node.([]any)
		if !ok {
			return t.decodeJSON(node, rv)
		}
		for i := 0; i < rv.Len() && i < len(arr); i++ {
			if err := t.decode(arr[i], rv.Index(i)); err != nil {
				return err
			}
		}
		return nil
	}

	return t.decodeJSON(node, rv)
}

func (t *Typed) decodeInterface(node any, rv reflect.Value) error {
	obj, ok := node.(map[string]any)
	if ok {
		if name, ok := obj[t.property()].(string); ok && t.Resolver != nil {
			v, ok := t.Resolver(name)
			if !ok {
				return fmt.Errorf("%w: %s", ErrTypedUnresolved, name)
			}
			p := reflect.ValueOf(v)
			if p.Kind() != reflect.Pointer {
				return fmt.Errorf("%w: %s: resolver must return a pointer", ErrTypedUnresolved, name)
			}
			if err := t.decode(obj, p.Elem()); err != nil {
				return err
			}
			switch {
			case p.Type().AssignableTo(rv.Type()):
				rv.Set(p)
			case p.Elem().Type().AssignableTo(rv.Type()):
				rv.Set(p.Elem())
			default:
				return fmt.Errorf("codec: %s is not assignable to %s", p.Type(), rv.Type())
			}
			return nil
		}
	}

	return t.decodeJSON(node, rv)
}

// decodeJSON hands a plain (discriminator free) subtree to encoding/json.
func (t *Typed) decodeJSON(node any, rv reflect.Value) error {
	b, err := json.Marshal(t.strip(node))
	if err != nil {
		return err
	}
	if rv.CanAddr() {
		return json.Unmarshal(b, rv.Addr().Interface())
	}
	p := reflect.New(rv.Type())
	if err := json.Unmarshal(b, p.Interface()); err != nil {
		return err
	}
	rv.Set(p.Elem())
	return nil
}

// strip removes discriminators from a decoded tree.
func (t *Typed) strip(node any) any {
	switch x := node.(type) {
	case map[string]any:
		out := make(map[string]any, len(x))
		for k, v := range x {
			if k == t.property() {
				continue
			}
			out[k] = t.strip(v)
		}
		return out
	case []any:
		out := make([]any, len(x))
		for i, v := range x {
			out[i] = t.strip(v)
		}
		return out
	}
	return node
}

type field struct {
	name      string
	index     []int
	omitEmpty bool
}

// structFields lists the exported fields of rt under their JSON names.
// Embedded structs without a tag name are flattened; fields of the outer
// struct win over promoted ones.
func structFields(rt reflect.Type) []field {
	var (
		fields   []field
		embedded []field
		seen     = make(map[string]bool)
	)

	for i := 0; i < rt.NumField(); i++ {
		sf := rt.Field(i)
		tag := sf.Tag.Get("json")
		if tag == "-" {
			continue
		}
		name, opts, _ := strings.Cut(tag, ",")

		if sf.Anonymous && name == "" && sf.Type.Kind() == reflect.Struct && sf.IsExported() {
			for _, f := range structFields(sf.Type) {
				f.index = append([]int{i}, f.index...)
				embedded = append(embedded, f)
			}
			continue
		}
		if !sf.IsExported() {
			continue
		}
		if name == "" {
			name = sf.Name
		}
		seen[name] = true
		fields = append(fields, field{
			name:      name,
			index:     []int{i},
			omitEmpty: strings.Contains(opts, "omitempty"),
		})
	}

	for _, f := range embedded {
		if !seen[f.name] {
			seen[f.name] = true
			fields = append(fields, f)
		}
	}
	return fields
}

func lookupKey(obj map[string]any, name string) (any, bool) {
	if x, ok := obj[name]; ok {
		return x, true
	}
	for k, x := range obj {
		if strings.EqualFold(k, name) {
			return x, true
		}
	}
	return nil, false
}

func mapKey(k reflect.Value) (string, error) {
	if k.Kind() == reflect.String {
		return k.String(), nil
	}
	if tm, ok := k.Interface().(encoding.TextMarshaler); ok {
		b, err := tm.MarshalText()
		return string(b), err
	}
	switch k.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return strconv.FormatInt(k.Int(), 10), nil
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr:
		return strconv.FormatUint(k.Uint(), 10), nil
	}
	return "", fmt.Errorf("codec: unsupported map key type %s", k.Type())
}

func isEmptyValue(v reflect.Value) bool {
	switch v.Kind() {
	case reflect.Array, reflect.Map, reflect.Slice, reflect.String:
		return v.Len() == 0
	case reflect.Bool,
		reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr,
		reflect.Float32, reflect.Float64,
		reflect.Interface, reflect.Pointer:
		return v.IsZero()
	}
	return false
}
