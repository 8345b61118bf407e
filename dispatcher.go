package cmdgate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"reflect"
	"runtime/debug"

	"github.com/synadia-labs/cmdgate/clock"
	"github.com/synadia-labs/cmdgate/codec"
	"github.com/synadia-labs/cmdgate/id"
	"github.com/synadia-labs/cmdgate/types"
)

// CommandIDMeta is the event metadata key holding the ID of the command
// that produced the event.
const CommandIDMeta = "command-id"

// Dispatcher hands a decoded command to the domain and returns the
// resulting events in order. Failures are reported as *HandlerError when
// a decider failed, *RejectedError when validators refused the command,
// or any other error.
type Dispatcher interface {
	Dispatch(ctx context.Context, cmd *Command) ([]*Event, error)
}

type DispatcherFunc func(ctx context.Context, cmd *Command) ([]*Event, error)

func (f DispatcherFunc) Dispatch(ctx context.Context, cmd *Command) ([]*Event, error) {
	return f(ctx, cmd)
}

type dispatcherOption func(d *CommandDispatcher) error

func (f dispatcherOption) addOption(d *CommandDispatcher) error {
	return f(d)
}

// DispatcherOption configures a CommandDispatcher.
type DispatcherOption interface {
	addOption(d *CommandDispatcher) error
}

// WithRegistry sets the event type registry used to name event data.
// Without one, events are named after their Go type.
func WithRegistry(types types.Registry) DispatcherOption {
	return dispatcherOption(func(d *CommandDispatcher) error {
		d.types = types
		return nil
	})
}

// WithValidators adds validators that run for every command.
func WithValidators(vs ...Validator) DispatcherOption {
	return dispatcherOption(func(d *CommandDispatcher) error {
		for _, v := range vs {
			if v == nil {
				return errors.New("cmdgate: nil validator")
			}
		}
		d.validators = append(d.validators, vs...)
		return nil
	})
}

// WithEventStore appends the events of every dispatch to the store. For
// deciders implementing Committer the append expects the store to be at
// the state the decision was taken on.
func WithEventStore(store *EventStore) DispatcherOption {
	return dispatcherOption(func(d *CommandDispatcher) error {
		d.store = store
		return nil
	})
}

// WithClock sets a clock implementation. Default is clock.Time.
func WithClock(clock clock.Clock) DispatcherOption {
	return dispatcherOption(func(d *CommandDispatcher) error {
		d.clock = clock
		return nil
	})
}

// WithIDer sets a unique ID generator implementation. Default is id.NUID.
func WithIDer(id id.ID) DispatcherOption {
	return dispatcherOption(func(d *CommandDispatcher) error {
		d.id = id
		return nil
	})
}

// WithLogger sets the logger. Default is slog.Default().
func WithLogger(logger *slog.Logger) DispatcherOption {
	return dispatcherOption(func(d *CommandDispatcher) error {
		d.logger = logger
		return nil
	})
}

// CommandDispatcher is an in-process Dispatcher. It routes commands to the
// deciders of a SubscriberRegistry, guards them with validators and
// optionally persists the resulting events.
type CommandDispatcher struct {
	logger     *slog.Logger
	subs       SubscriberRegistry
	types      types.Registry
	validators []Validator
	store      *EventStore
	id         id.ID
	clock      clock.Clock
}

// Dispatch validates cmd, runs its decider and stamps the events.
func (d *CommandDispatcher) Dispatch(ctx context.Context, cmd *Command) ([]*Event, error) {
	sub, ok := d.subs.Lookup(cmd.Type)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrSubscriberNotFound, cmd.Type)
	}
	if cmd.Data == nil {
		return nil, ErrCommandDataRequired
	}

	if cmd.ID == "" {
		cmd.ID = d.id.New()
	}
	if cmd.Time.IsZero() {
		cmd.Time = d.clock.Now()
	}

	if err := d.validate(ctx, sub, cmd); err != nil {
		return nil, err
	}

	events, err := d.decide(ctx, sub, cmd)
	if err != nil {
		d.logger.Debug("command failed",
			slog.String("type", cmd.Type),
			slog.String("id", cmd.ID),
			slog.Any("error", err))
		return nil, err
	}

	d.logger.Debug("command decided",
		slog.String("type", cmd.Type),
		slog.String("id", cmd.ID),
		slog.Int("events", len(events)))

	return events, nil
}

// validate runs every validator and collects all failures.
func (d *CommandDispatcher) validate(ctx context.Context, sub *Subscriber, cmd *Command) error {
	var errs []error

	if v, ok := cmd.Data.(selfValidator); ok {
		if err := v.Validate(); err != nil {
			errs = append(errs, flattenErrors(err)...)
		}
	}

	for _, vs := range [][]Validator{d.validators, sub.Validators} {
		for _, v := range vs {
			if err := v.Validate(ctx, cmd); err != nil {
				errs = append(errs, flattenErrors(err)...)
			}
		}
	}

	if len(errs) > 0 {
		return &RejectedError{Type: cmd.Type, Errors: errs}
	}
	return nil
}

// decide calls the decider and commits its events, wrapping decider
// failures (panics included) in a HandlerError. Rejections raised by the
// decider and commit failures pass through.
func (d *CommandDispatcher) decide(ctx context.Context, sub *Subscriber, cmd *Command) (events []*Event, err error) {
	defer func() {
		if r := recover(); r != nil {
			events = nil
			err = &HandlerError{
				Type:  cmd.Type,
				Cause: &PanicError{Value: r, Stack: debug.Stack()},
			}
		}
	}()

	var commitErr error
	if c, ok := sub.Decider.(Committer); ok {
		events, err = c.DecideCommit(ctx, cmd, func(ctx context.Context, events []*Event, expect Expect) error {
			commitErr = d.commit(ctx, cmd, events, ExpectScopeSequence(expect.Sequence, expect.Scope))
			return commitErr
		})
	} else {
		events, err = sub.Decider.Decide(ctx, cmd)
		if err == nil {
			if err := d.commit(ctx, cmd, events); err != nil {
				return nil, err
			}
		}
	}

	if err != nil {
		if commitErr != nil {
			return nil, commitErr
		}
		var (
			rej *RejectedError
			he  *HandlerError
		)
		if errors.As(err, &rej) || errors.As(err, &he) {
			return nil, err
		}
		return nil, &HandlerError{Type: cmd.Type, Cause: err}
	}
	return events, nil
}

// commit stamps the events and appends them to the store, if any.
func (d *CommandDispatcher) commit(ctx context.Context, cmd *Command, events []*Event, opts ...AppendOption) error {
	for _, e := range events {
		if err := d.wrapEvent(cmd, e); err != nil {
			return err
		}
	}

	if d.store == nil || len(events) == 0 {
		return nil
	}
	if _, err := d.store.Append(ctx, events, opts...); err != nil {
		return fmt.Errorf("append events: %w", err)
	}
	return nil
}

// wrapEvent fills in the envelope fields the decider left empty.
func (d *CommandDispatcher) wrapEvent(cmd *Command, e *Event) error {
	if e.Data == nil {
		return ErrEventDataRequired
	}

	name := codec.TypeName(reflect.TypeOf(e.Data))
	if d.types != nil {
		t, err := d.types.Lookup(e.Data)
		if err != nil {
			return err
		}
		name = t
	}
	if e.Type == "" {
		e.Type = name
	} else if e.Type != name {
		return fmt.Errorf("%w: %s is %s", ErrEventTypeMismatch, e.Type, name)
	}

	if e.ID == "" {
		e.ID = d.id.New()
	}
	if e.Time.IsZero() {
		e.Time = cmd.Time
	}
	if _, ok := e.Meta[CommandIDMeta]; !ok {
		if e.Meta == nil {
			e.Meta = make(map[string]string)
		}
		e.Meta[CommandIDMeta] = cmd.ID
	}

	return nil
}

// NewCommandDispatcher creates a dispatcher over subs.
func NewCommandDispatcher(subs SubscriberRegistry, opts ...DispatcherOption) (*CommandDispatcher, error) {
	if subs == nil {
		return nil, errors.New("cmdgate: subscriber registry required")
	}

	d := &CommandDispatcher{
		logger: slog.Default(),
		subs:   subs,
		id:     id.NUID,
		clock:  clock.Time,
	}

	for _, o := range opts {
		if err := o.addOption(d); err != nil {
			return nil, err
		}
	}

	if d.store != nil && d.types == nil {
		d.types = d.store.types
	}

	return d, nil
}
