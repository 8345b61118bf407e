package types

import (
	"bytes"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"
	"github.com/synadia-labs/cmdgate/codec"
)

var (
	_ Type     = SchemaType{}
	_ Registry = (*SchemaRegistry)(nil)
)

// SchemaType is a type whose encoded form is checked against a JSON Schema
// before it is decoded.
type SchemaType struct {
	InitFn      func() any
	Description string

	// Schema is an inline schema document. It takes precedence over DocPath.
	Schema string

	// DocPath is the path of a schema document on disk.
	DocPath string
}

func (t SchemaType) Init() func() any {
	return t.InitFn
}

// SchemaRegistry is an InMemRegistry that validates incoming documents of
// types with a schema. Validation only applies to the JSON codec; for
// other codecs it is skipped with a warning.
type SchemaRegistry struct {
	*InMemRegistry

	logger  *slog.Logger
	schemas map[string]*jsonschema.Schema
}

// Validate checks an encoded document against the schema of type t. Types
// without a schema always pass.
func (r *SchemaRegistry) Validate(t string, b []byte) error {
	schema, ok := r.schemas[t]
	if !ok {
		return nil
	}

	if r.codec != codec.JSON {
		r.logger.Warn("validation skipped: provided codec not supported",
			slog.String("type", t),
			slog.String("codec", r.codec.Name()))
		return nil
	}

	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(b))
	if err != nil {
		return fmt.Errorf("%s: schema validation: %w", t, err)
	}
	if err := schema.Validate(inst); err != nil {
		return fmt.Errorf("%s: schema validation: %w", t, err)
	}
	return nil
}

// Unmarshal validates b against the schema of v's type and decodes it.
func (r *SchemaRegistry) Unmarshal(b []byte, v any) error {
	t, err := r.Lookup(v)
	if err != nil {
		return err
	}
	if err := r.Validate(t, b); err != nil {
		return err
	}
	return r.InMemRegistry.Unmarshal(b, v)
}

// UnmarshalType validates b and decodes it into a new value of type t.
func (r *SchemaRegistry) UnmarshalType(b []byte, t string) (any, error) {
	v, err := r.Init(t)
	if err != nil {
		return nil, err
	}
	if err := r.Unmarshal(b, v); err != nil {
		return nil, err
	}
	return v, nil
}

func loadSchema(name string, t SchemaType) (*jsonschema.Schema, error) {
	doc := t.Schema
	if doc == "" {
		b, err := os.ReadFile(t.DocPath)
		if err != nil {
			return nil, fmt.Errorf("reading schema file %s: %w", t.DocPath, err)
		}
		doc = string(b)
	}

	inst, err := jsonschema.UnmarshalJSON(strings.NewReader(doc))
	if err != nil {
		return nil, fmt.Errorf("failed to parse schema %s: %w", name, err)
	}

	c := jsonschema.NewCompiler()
	if err := c.AddResource(name, inst); err != nil {
		return nil, fmt.Errorf("failed to add schema resource %s: %w", name, err)
	}
	schema, err := c.Compile(name)
	if err != nil {
		return nil, fmt.Errorf("failed to compile schema %s: %w", name, err)
	}
	return schema, nil
}

// SchemaDir returns the path of the schema document for type t in dir
// ("<dir>/<t>.json") if it exists.
func SchemaDir(dir, t string) (string, bool) {
	if dir == "" {
		return "", false
	}
	p := filepath.Join(dir, t+".json")
	if _, err := os.Stat(p); err != nil {
		return "", false
	}
	return p, true
}

// NewSchemaRegistry builds the registry and compiles every schema. Types
// that are not SchemaType values are registered without one.
func NewSchemaRegistry(logger *slog.Logger, types map[string]Type, c codec.Codec) (*SchemaRegistry, error) {
	if logger == nil {
		logger = slog.Default()
	}

	base, err := NewInMemRegistry(types, c)
	if err != nil {
		return nil, err
	}

	r := &SchemaRegistry{
		InMemRegistry: base,
		logger:        logger,
		schemas:       make(map[string]*jsonschema.Schema),
	}

	for name, t := range types {
		st, ok := t.(SchemaType)
		if !ok || (st.Schema == "" && st.DocPath == "") {
			continue
		}
		schema, err := loadSchema(name, st)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrTypeNotValid, err)
		}
		r.schemas[name] = schema
		logger.Debug("compiled schema", "type", name, "path", st.DocPath)
	}

	return r, nil
}
