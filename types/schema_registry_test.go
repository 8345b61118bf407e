package types

import (
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/santhosh-tekuri/jsonschema/v6"
	"github.com/synadia-labs/cmdgate/codec"
	"github.com/synadia-labs/cmdgate/testutil"
)

const createAccountSchema = `{
	"$schema": "http://json-schema.org/draft-07/schema#",
	"type": "object",
	"properties": {
		"id": {"type": "string", "minLength": 1},
		"owner": {"type": "string"}
	},
	"required": ["id"]
}`

func TestSchemaRegistry(t *testing.T) {
	is := testutil.NewIs(t)

	r, err := NewSchemaRegistry(slog.Default(), map[string]Type{
		"accounts.CreateAccount": SchemaType{
			InitFn: func() any { return &CreateAccount{} },
			Schema: createAccountSchema,
		},
		"accounts.AccountCreated": Of[AccountCreated](),
	}, codec.JSON)
	is.NoErr(err)

	v, err := r.UnmarshalType([]byte(`{"id":"a1","owner":"ann"}`), "accounts.CreateAccount")
	is.NoErr(err)
	is.Equal(v, any(&CreateAccount{ID: "a1", Owner: "ann"}))

	_, err = r.UnmarshalType([]byte(`{"owner":"ann"}`), "accounts.CreateAccount")
	is.Err(err, nil)
	var verr *jsonschema.ValidationError
	is.True(errors.As(err, &verr))

	_, err = r.UnmarshalType([]byte(`{"id":""}`), "accounts.CreateAccount")
	is.Err(err, nil)

	// No schema, no validation.
	v, err = r.UnmarshalType([]byte(`{}`), "accounts.AccountCreated")
	is.NoErr(err)
	is.Equal(v, any(&AccountCreated{}))
}

func TestSchemaRegistry_DocPath(t *testing.T) {
	is := testutil.NewIs(t)

	dir := t.TempDir()
	err := os.WriteFile(filepath.Join(dir, "accounts.CreateAccount.json"), []byte(createAccountSchema), 0o644)
	is.NoErr(err)

	p, ok := SchemaDir(dir, "accounts.CreateAccount")
	is.True(ok)
	_, ok = SchemaDir(dir, "accounts.AccountCreated")
	is.True(!ok)
	_, ok = SchemaDir("", "accounts.CreateAccount")
	is.True(!ok)

	r, err := NewSchemaRegistry(nil, map[string]Type{
		"accounts.CreateAccount": SchemaType{
			InitFn:  func() any { return &CreateAccount{} },
			DocPath: p,
		},
	}, nil)
	is.NoErr(err)

	err = r.Validate("accounts.CreateAccount", []byte(`{"id":1}`))
	is.Err(err, nil)
	is.NoErr(r.Validate("accounts.CreateAccount", []byte(`{"id":"a1"}`)))
}

func TestSchemaRegistry_Invalid(t *testing.T) {
	tests := map[string]SchemaType{
		"bad-json": {
			InitFn: func() any { return &CreateAccount{} },
			Schema: `{invalid json`,
		},
		"missing-file": {
			InitFn:  func() any { return &CreateAccount{} },
			DocPath: filepath.Join(t.TempDir(), "nope.json"),
		},
		"bad-schema": {
			InitFn: func() any { return &CreateAccount{} },
			Schema: `{"$ref": "#/definitions/missing"}`,
		},
	}

	for n, st := range tests {
		t.Run(n, func(t *testing.T) {
			is := testutil.NewIs(t)
			_, err := NewSchemaRegistry(nil, map[string]Type{"accounts.CreateAccount": st}, nil)
			is.Err(err, ErrTypeNotValid)
		})
	}
}

func TestSchemaRegistry_NonJSONCodec(t *testing.T) {
	is := testutil.NewIs(t)

	r, err := NewSchemaRegistry(nil, map[string]Type{
		"accounts.CreateAccount": SchemaType{
			InitFn: func() any { return &CreateAccount{} },
			Schema: createAccountSchema,
		},
	}, codec.MsgPack)
	is.NoErr(err)

	b, err := r.Marshal(&CreateAccount{})
	is.NoErr(err)

	// Skipped: msgpack documents are not validated.
	v, err := r.UnmarshalType(b, "accounts.CreateAccount")
	is.NoErr(err)
	is.Equal(v, any(&CreateAccount{}))
}
