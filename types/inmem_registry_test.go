package types

import (
	"reflect"
	"testing"

	"github.com/synadia-labs/cmdgate/codec"
	"github.com/synadia-labs/cmdgate/testutil"
)

type CreateAccount struct {
	ID    string `json:"id"`
	Owner string `json:"owner"`
}

type AccountCreated struct {
	ID string `json:"id"`
}

func TestNewInMemRegistry(t *testing.T) {
	type NotSerializable struct {
		C chan int
	}

	tests := map[string]struct {
		Types map[string]Type
		Err   bool
	}{
		"valid": {
			Types: map[string]Type{
				"accounts.CreateAccount": Of[CreateAccount](),
			},
		},
		"empty-name": {
			Types: map[string]Type{
				"": Of[CreateAccount](),
			},
			Err: true,
		},
		"invalid-name": {
			Types: map[string]Type{
				"accounts/create": Of[CreateAccount](),
			},
			Err: true,
		},
		"no-init": {
			Types: map[string]Type{
				"create": InMemType{},
			},
			Err: true,
		},
		"nil-value": {
			Types: map[string]Type{
				"create": InMemType{InitFn: func() any { return nil }},
			},
			Err: true,
		},
		"non-pointer": {
			Types: map[string]Type{
				"create": InMemType{InitFn: func() any { return CreateAccount{} }},
			},
			Err: true,
		},
		"non-struct": {
			Types: map[string]Type{
				"create": InMemType{InitFn: func() any { s := "x"; return &s }},
			},
			Err: true,
		},
		"not-serializable": {
			Types: map[string]Type{
				"create": Of[NotSerializable](),
			},
			Err: true,
		},
		"duplicate-go-type": {
			Types: map[string]Type{
				"create":  Of[CreateAccount](),
				"create2": Of[CreateAccount](),
			},
			Err: true,
		},
	}

	for n, test := range tests {
		t.Run(n, func(t *testing.T) {
			is := testutil.NewIs(t)
			_, err := NewInMemRegistry(test.Types, codec.JSON)
			if test.Err {
				is.Err(err, ErrTypeNotValid)
			} else {
				is.NoErr(err)
			}
		})
	}
}

func TestInMemRegistryOperations(t *testing.T) {
	is := testutil.NewIs(t)

	r, err := NewInMemRegistry(map[string]Type{
		"accounts.CreateAccount":  Of[CreateAccount](),
		"accounts.AccountCreated": Of[AccountCreated](),
	}, nil)
	is.NoErr(err)
	is.Equal(r.Codec().Name(), "json")
	is.Equal(r.Names(), []string{"accounts.AccountCreated", "accounts.CreateAccount"})

	v, err := r.Init("accounts.CreateAccount")
	is.NoErr(err)
	_, ok := v.(*CreateAccount)
	is.True(ok)

	_, err = r.Init("accounts.Missing")
	is.Err(err, ErrTypeNotRegistered)

	n, err := r.Lookup(&AccountCreated{})
	is.NoErr(err)
	is.Equal(n, "accounts.AccountCreated")

	n, err = r.Lookup(AccountCreated{})
	is.NoErr(err)
	is.Equal(n, "accounts.AccountCreated")

	_, err = r.Lookup(&struct{}{})
	is.Err(err, ErrNoTypeForStruct)

	_, err = r.Marshal(&struct{}{})
	is.Err(err, ErrNoTypeForStruct)

	b, err := r.Marshal(&CreateAccount{ID: "a1", Owner: "ann"})
	is.NoErr(err)

	v, err = r.UnmarshalType(b, "accounts.CreateAccount")
	is.NoErr(err)
	is.Equal(v, any(&CreateAccount{ID: "a1", Owner: "ann"}))

	// Unknown keys are ignored.
	v, err = r.UnmarshalType([]byte(`{"id":"a2","extra":1}`), "accounts.CreateAccount")
	is.NoErr(err)
	is.Equal(v, any(&CreateAccount{ID: "a2"}))

	_, err = r.UnmarshalType([]byte(`not-json`), "accounts.CreateAccount")
	is.Err(err, nil)

	_, err = r.UnmarshalType([]byte(`{}`), "accounts.Missing")
	is.Err(err, ErrTypeNotRegistered)
}

func TestNamerResolver(t *testing.T) {
	is := testutil.NewIs(t)

	r, err := NewInMemRegistry(map[string]Type{
		"accounts.AccountCreated": Of[AccountCreated](),
	}, nil)
	is.NoErr(err)

	namer := Namer(r)
	n, ok := namer(reflect.TypeFor[AccountCreated]())
	is.True(ok)
	is.Equal(n, "accounts.AccountCreated")

	_, ok = namer(reflect.TypeFor[CreateAccount]())
	is.True(!ok)

	resolve := Resolver(r)
	v, ok := resolve("accounts.AccountCreated")
	is.True(ok)
	is.Equal(v, any(&AccountCreated{}))

	_, ok = resolve("accounts.Missing")
	is.True(!ok)
}
