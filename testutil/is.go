package testutil

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func NewIs(t testing.TB) *Is {
	return &Is{t}
}

// Is is a small assertion helper. Every failed check stops the test.
type Is struct {
	t testing.TB
}

func (is *Is) Equal(a, b any, opts ...cmp.Option) {
	if d := cmp.Diff(a, b, opts...); d != "" {
		is.t.Helper()
		is.t.Fatal(d)
	}
}

// Err checks err is set and, when baseErr is not nil, that it matches
// baseErr with errors.Is.
func (is *Is) Err(err error, baseErr error) {
	if err == nil {
		is.t.Helper()
		is.t.Fatal("expected error, got none")
	} else if baseErr != nil {
		if !errors.Is(err, baseErr) {
			is.t.Helper()
			is.t.Fatalf("expected error %q in chain, got %q", baseErr, err)
		}
	}
}

func (is *Is) NoErr(err error) {
	if err != nil {
		is.t.Helper()
		is.t.Fatal(err)
	}
}

func (is *Is) True(t bool) {
	if !t {
		is.t.Helper()
		is.t.Fatal("expected true")
	}
}

// JSONEqual compares two JSON documents structurally.
func (is *Is) JSONEqual(got, want []byte) {
	is.t.Helper()

	var g, w any
	if err := json.Unmarshal(got, &g); err != nil {
		is.t.Fatalf("invalid json %q: %s", got, err)
	}
	if err := json.Unmarshal(want, &w); err != nil {
		is.t.Fatalf("invalid json %q: %s", want, err)
	}
	if d := cmp.Diff(w, g); d != "" {
		is.t.Fatal(d)
	}
}
