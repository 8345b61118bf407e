package cmdgate

import (
	"fmt"
	"slices"

	"github.com/synadia-labs/cmdgate/types"
)

// Subscriber is the handler descriptor of one command type: how to decode
// its payload, which validators guard it and which decider handles it.
type Subscriber struct {
	// Type is the command type name clients send.
	Type string

	// Decode turns a payload document into the command value. When nil,
	// the type registry given to NewSubscriberMap is used.
	Decode func(payload []byte) (any, error)

	// Decider handles the decoded command.
	Decider Decider

	// Validators run before the decider, after any dispatcher-wide ones.
	Validators []Validator
}

// SubscriberRegistry resolves command type names to subscribers.
type SubscriberRegistry interface {
	Lookup(t string) (*Subscriber, bool)
}

var _ SubscriberRegistry = (*SubscriberMap)(nil)

// SubscriberMap is a SubscriberRegistry fixed at construction. Lookups are
// exact matches on the type name and safe for concurrent use.
type SubscriberMap struct {
	subs map[string]*Subscriber
}

// Lookup returns the subscriber registered under exactly t.
func (m *SubscriberMap) Lookup(t string) (*Subscriber, bool) {
	s, ok := m.subs[t]
	return s, ok
}

// Types returns the subscribed command types, sorted.
func (m *SubscriberMap) Types() []string {
	ts := make([]string, 0, len(m.subs))
	for t := range m.subs {
		ts = append(ts, t)
	}
	slices.Sort(ts)
	return ts
}

// NewSubscriberMap indexes subs by type. Subscribers without a Decode
// function decode through reg, which must know their type.
func NewSubscriberMap(reg types.Registry, subs ...Subscriber) (*SubscriberMap, error) {
	m := &SubscriberMap{
		subs: make(map[string]*Subscriber, len(subs)),
	}

	for _, s := range subs {
		if s.Type == "" {
			return nil, fmt.Errorf("%w: missing type", ErrSubscriberNotValid)
		}
		if s.Decider == nil {
			return nil, fmt.Errorf("%w: %s: missing decider", ErrSubscriberNotValid, s.Type)
		}
		if _, ok := m.subs[s.Type]; ok {
			return nil, fmt.Errorf("%w: %s: subscribed twice", ErrSubscriberNotValid, s.Type)
		}

		if s.Decode == nil {
			if reg == nil {
				return nil, fmt.Errorf("%w: %s: no decoder and no type registry", ErrSubscriberNotValid, s.Type)
			}
			if _, err := reg.Init(s.Type); err != nil {
				return nil, fmt.Errorf("%w: %s: %w", ErrSubscriberNotValid, s.Type, err)
			}
			t := s.Type
			s.Decode = func(payload []byte) (any, error) {
				return reg.UnmarshalType(payload, t)
			}
		}

		s.Validators = slices.Clone(s.Validators)
		m.subs[s.Type] = &s
	}

	return m, nil
}
