package id

import (
	"fmt"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/nats-io/nuid"
)

var (
	// NUID generates NATS unique identifiers. It is the default.
	NUID ID = &nuidID{}

	// UUID generates random (v4) UUIDs.
	UUID ID = &uuidID{}
)

// ID generates unique identifiers for commands and events.
type ID interface {
	New() string
}

type nuidID struct{}

func (*nuidID) New() string {
	return nuid.Next()
}

type uuidID struct{}

func (*uuidID) New() string {
	return uuid.NewString()
}

// Sequence returns predictable identifiers of the form "<prefix>-<n>", useful in tests.
type Sequence struct {
	Prefix string
	n      atomic.Uint64
}

func (s *Sequence) New() string {
	return fmt.Sprintf("%s-%d", s.Prefix, s.n.Add(1))
}
