package cmdgate

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

var (
	ErrEvolverNotImplemented = errors.New("cmdgate: evolver not implemented")
	ErrDeciderNotImplemented = errors.New("cmdgate: decider not implemented")
	ErrModelDiverged         = errors.New("cmdgate: model diverged from its events")
)

// Command is a decoded command on its way to a decider.
type Command struct {
	// ID is a unique identifier for the command. Set by the dispatcher
	// when empty.
	ID string

	// Time is when the command was received.
	Time time.Time

	// Type is the registered name of the command, as sent by the client.
	Type string

	// Data is the concrete command value, usually a pointer to a struct
	// of a registered type.
	Data any

	// Meta is application-defined metadata about the command.
	Meta map[string]string
}

// Event is an application-defined event together with its metadata.
type Event struct {
	// ID of the event. Used as the NATS msg ID for de-duplication when the
	// event is appended to a store.
	ID string `json:"id"`

	// Entity identifies the aggregate the event belongs to. The format is
	// two tokens, e.g. "account.1234".
	Entity string `json:"entity"`

	// Time is when the event occurred. Defaults to the dispatch time.
	Time time.Time `json:"time"`

	// Type is the registered name of the event data. Filled in from the
	// type registry when empty.
	Type string `json:"type"`

	// Data is the event value.
	Data any `json:"data"`

	// Meta is application-defined metadata about the event.
	Meta map[string]string `json:"meta,omitempty"`

	// Sequence is the aggregate version assigned by a Model, replaced by
	// the stream sequence once the event is appended to an EventStore.
	Sequence uint64 `json:"sequence"`
}

// Decider decides which events, if any, a command results in.
type Decider interface {
	Decide(ctx context.Context, cmd *Command) ([]*Event, error)
}

type DeciderFunc func(ctx context.Context, cmd *Command) ([]*Event, error)

func (f DeciderFunc) Decide(ctx context.Context, cmd *Command) ([]*Event, error) {
	return f(ctx, cmd)
}

// Evolver applies events to state.
type Evolver interface {
	Evolve(event *Event) error
}

// Validator checks a command before it reaches its decider. Returning an
// error rejects the command; errors.Join can be used to report several
// failures at once.
type Validator interface {
	Validate(ctx context.Context, cmd *Command) error
}

type ValidatorFunc func(ctx context.Context, cmd *Command) error

func (f ValidatorFunc) Validate(ctx context.Context, cmd *Command) error {
	return f(ctx, cmd)
}

// Expect is the state a decision was taken on: the sequence of the last
// event seen within Scope. Scope is an entity ("<type>.<id>"), an entity
// type ("<type>") or empty for every event.
type Expect struct {
	Sequence uint64
	Scope    string
}

// CommitFunc stores decided events. It must fail, and store nothing, when
// events past expect.Sequence exist within expect.Scope.
type CommitFunc func(ctx context.Context, events []*Event, expect Expect) error

// Committer is a Decider that applies its own events, and does so only
// once commit has stored them.
type Committer interface {
	Decider
	DecideCommit(ctx context.Context, cmd *Command, commit CommitFunc) ([]*Event, error)
}

// selfValidator can be implemented by command values to validate
// themselves before dispatch.
type selfValidator interface {
	Validate() error
}

type modelOption func(o *modelOpts)

type modelOpts struct {
	scope string
}

// ModelOption configures a Model.
type ModelOption interface {
	addOption(o *modelOpts)
}

func (f modelOption) addOption(o *modelOpts) {
	f(o)
}

// WithScope sets the entity or entity type the model is built from. It is
// passed as the Expect scope on commit. Default is every event.
func WithScope(scope string) ModelOption {
	return modelOption(func(o *modelOpts) {
		o.scope = scope
	})
}

// Model is an in-memory aggregate. It serializes decisions on the state T
// and evolves the state with the decided events once they are committed.
type Model[T any] struct {
	t T

	e Evolver
	d Decider

	scope string

	// version is the sequence of the last applied event
	version uint64

	// diverged is set when an evolver failed on committed events
	diverged error

	mu sync.RWMutex
}

// Version returns the sequence of the last event applied to the model.
func (m *Model[T]) Version() uint64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.version
}

// Evolve applies an event, typically while replaying a stream. Events at
// or below the current version are skipped.
func (m *Model[T]) Evolve(event *Event) error {
	if m.e == nil {
		return ErrEvolverNotImplemented
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if event.Sequence != 0 && event.Sequence <= m.version {
		return nil
	}
	return m.apply(event)
}

func (m *Model[T]) apply(event *Event) error {
	if err := m.e.Evolve(event); err != nil {
		return err
	}
	if event.Sequence != 0 {
		m.version = event.Sequence
	} else {
		m.version++
	}
	return nil
}

// Decide runs the decider against the current state and applies the
// resulting events before returning them.
func (m *Model[T]) Decide(ctx context.Context, cmd *Command) ([]*Event, error) {
	return m.DecideCommit(ctx, cmd, nil)
}

// DecideCommit runs the decider against the current state and hands the
// events, numbered after the current version, to commit. The state only
// changes once commit succeeded. A nil commit accepts every decision.
//
// An evolver failing on committed events leaves the model behind its
// events; it then refuses further decisions with ErrModelDiverged.
func (m *Model[T]) DecideCommit(ctx context.Context, cmd *Command, commit CommitFunc) ([]*Event, error) {
	if m.d == nil {
		return nil, ErrDeciderNotImplemented
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.diverged != nil {
		return nil, fmt.Errorf("%w: %w", ErrModelDiverged, m.diverged)
	}

	events, err := m.d.Decide(ctx, cmd)
	if err != nil {
		return nil, err
	}

	for i, e := range events {
		if e.Sequence == 0 {
			e.Sequence = m.version + uint64(i) + 1
		}
	}

	if commit != nil {
		if err := commit(ctx, events, Expect{Sequence: m.version, Scope: m.scope}); err != nil {
			return nil, err
		}
	}

	if m.e == nil {
		if len(events) > 0 {
			m.version = events[len(events)-1].Sequence
		}
		return events, nil
	}

	for _, e := range events {
		if err := m.apply(e); err != nil {
			m.diverged = err
			return nil, fmt.Errorf("%w: %w", ErrModelDiverged, err)
		}
	}

	return events, nil
}

// View gives read access to the state.
func (m *Model[T]) View(fn func(T) error) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return fn(m.t)
}

func NewModel[T any](t T, opts ...ModelOption) *Model[T] {
	var o modelOpts
	for _, opt := range opts {
		opt.addOption(&o)
	}

	m := &Model[T]{t: t, scope: o.scope}

	// Type may implement neither, one, or both interfaces.
	// Missing implementations are reported when the methods are called.
	m.e, _ = any(t).(Evolver)
	m.d, _ = any(t).(Decider)

	return m
}
