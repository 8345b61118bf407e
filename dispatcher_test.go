package cmdgate

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/nats-io/nats.go/jetstream"
	"github.com/synadia-labs/cmdgate/clock"
	"github.com/synadia-labs/cmdgate/codec"
	"github.com/synadia-labs/cmdgate/id"
	"github.com/synadia-labs/cmdgate/testutil"
	"github.com/synadia-labs/cmdgate/types"
)

func (d *Deposit) Validate() error {
	if d.Account == "" {
		return Invalid("account is required")
	}
	return nil
}

func eventRegistry(t testing.TB) *types.InMemRegistry {
	t.Helper()

	reg, err := types.NewInMemRegistry(map[string]types.Type{
		"bank.Deposited": types.Of[Deposited](),
	}, codec.JSON)
	if err != nil {
		t.Fatal(err)
	}
	return reg
}

func newTestDispatcher(t *testing.T, d Decider, opts ...DispatcherOption) *CommandDispatcher {
	t.Helper()

	subs, err := NewSubscriberMap(commandRegistry(t), Subscriber{
		Type:    "bank.Deposit",
		Decider: d,
	})
	if err != nil {
		t.Fatal(err)
	}

	opts = append([]DispatcherOption{
		WithIDer(&id.Sequence{Prefix: "id"}),
		WithClock(clock.NewFixed(time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC))),
		WithRegistry(eventRegistry(t)),
	}, opts...)

	dsp, err := NewCommandDispatcher(subs, opts...)
	if err != nil {
		t.Fatal(err)
	}
	return dsp
}

func TestCommandDispatcher(t *testing.T) {
	is := testutil.NewIs(t)

	dsp := newTestDispatcher(t, NewModel(&Balance{}))

	cmd := &Command{Type: "bank.Deposit", Data: &Deposit{Account: "1", Amount: 10}}
	events, err := dsp.Dispatch(context.Background(), cmd)
	is.NoErr(err)

	is.Equal(cmd.ID, "id-1")
	is.Equal(len(events), 1)

	e := events[0]
	is.Equal(e.ID, "id-2")
	is.Equal(e.Type, "bank.Deposited")
	is.Equal(e.Entity, "account.1")
	is.Equal(e.Time, cmd.Time)
	is.Equal(e.Meta[CommandIDMeta], "id-1")
	is.Equal(e.Data, any(&Deposited{Account: "1", Amount: 10}))
}

func TestCommandDispatcher_Order(t *testing.T) {
	is := testutil.NewIs(t)

	dsp := newTestDispatcher(t, DeciderFunc(func(ctx context.Context, cmd *Command) ([]*Event, error) {
		return []*Event{
			{Data: &Deposited{Amount: 1}},
			{Data: &Deposited{Amount: 2}},
			{Data: &Deposited{Amount: 3}},
		}, nil
	}))

	events, err := dsp.Dispatch(context.Background(), &Command{Type: "bank.Deposit", Data: &Deposit{Account: "1"}})
	is.NoErr(err)
	is.Equal(len(events), 3)
	for i, e := range events {
		is.Equal(e.Data.(*Deposited).Amount, i+1)
	}
}

func TestCommandDispatcher_NoEvents(t *testing.T) {
	is := testutil.NewIs(t)

	dsp := newTestDispatcher(t, noopDecider())

	events, err := dsp.Dispatch(context.Background(), &Command{Type: "bank.Deposit", Data: &Deposit{Account: "1"}})
	is.NoErr(err)
	is.Equal(len(events), 0)
}

func TestCommandDispatcher_Errors(t *testing.T) {
	is := testutil.NewIs(t)
	ctx := context.Background()

	dsp := newTestDispatcher(t, NewModel(&Balance{}))

	_, err := dsp.Dispatch(ctx, &Command{Type: "bank.Withdraw", Data: &Deposit{}})
	is.Err(err, ErrSubscriberNotFound)

	_, err = dsp.Dispatch(ctx, &Command{Type: "bank.Deposit"})
	is.Err(err, ErrCommandDataRequired)

	_, err = dsp.Dispatch(ctx, &Command{Type: "bank.Deposit", Data: &Deposit{Account: "1", Amount: -5}})
	is.Err(err, errInsufficientAmount)

	var he *HandlerError
	is.True(errors.As(err, &he))
	is.True(he.Cause == errInsufficientAmount)
	is.Equal(he.Type, "bank.Deposit")
}

func TestCommandDispatcher_Panic(t *testing.T) {
	is := testutil.NewIs(t)

	dsp := newTestDispatcher(t, DeciderFunc(func(context.Context, *Command) ([]*Event, error) {
		panic("boom")
	}))

	_, err := dsp.Dispatch(context.Background(), &Command{Type: "bank.Deposit", Data: &Deposit{Account: "1"}})

	var pe *PanicError
	is.True(errors.As(err, &pe))
	is.Equal(pe.Value, any("boom"))
	is.True(len(pe.Stack) > 0)
	is.Equal(ErrorType(err), "github.com/synadia-labs/cmdgate.PanicError")
}

func TestCommandDispatcher_Validators(t *testing.T) {
	is := testutil.NewIs(t)

	var decided bool
	decider := DeciderFunc(func(context.Context, *Command) ([]*Event, error) {
		decided = true
		return nil, nil
	})

	global := ValidatorFunc(func(ctx context.Context, cmd *Command) error {
		if cmd.Data.(*Deposit).Amount > 100 {
			return Invalid("amount above limit")
		}
		return nil
	})
	joined := ValidatorFunc(func(ctx context.Context, cmd *Command) error {
		return errors.Join(Invalid("first"), Invalid("second"))
	})

	dsp := newTestDispatcher(t, decider, WithValidators(global, joined))

	_, err := dsp.Dispatch(context.Background(), &Command{Type: "bank.Deposit", Data: &Deposit{Amount: 500}})

	var rej *RejectedError
	is.True(errors.As(err, &rej))
	is.True(!decided)

	msgs := make([]string, len(rej.Errors))
	for i, e := range rej.Errors {
		msgs[i] = e.Error()
	}
	is.Equal(msgs, []string{"account is required", "amount above limit", "first", "second"})

	_, err = NewCommandDispatcher(&SubscriberMap{}, WithValidators(nil))
	is.Err(err, nil)
}

func TestCommandDispatcher_EventType(t *testing.T) {
	is := testutil.NewIs(t)
	ctx := context.Background()

	cmd := func() *Command {
		return &Command{Type: "bank.Deposit", Data: &Deposit{Account: "1"}}
	}

	dsp := newTestDispatcher(t, DeciderFunc(func(context.Context, *Command) ([]*Event, error) {
		return []*Event{{Type: "bank.Withdrawn", Data: &Deposited{}}}, nil
	}))
	_, err := dsp.Dispatch(ctx, cmd())
	is.Err(err, ErrEventTypeMismatch)

	dsp = newTestDispatcher(t, DeciderFunc(func(context.Context, *Command) ([]*Event, error) {
		return []*Event{{Data: &Deposit{}}}, nil
	}))
	_, err = dsp.Dispatch(ctx, cmd())
	is.Err(err, types.ErrNoTypeForStruct)

	dsp = newTestDispatcher(t, DeciderFunc(func(context.Context, *Command) ([]*Event, error) {
		return []*Event{{}}, nil
	}))
	_, err = dsp.Dispatch(ctx, cmd())
	is.Err(err, ErrEventDataRequired)
}

func TestCommandDispatcher_NoRegistry(t *testing.T) {
	is := testutil.NewIs(t)

	subs, err := NewSubscriberMap(nil, Subscriber{
		Type:    "deposit",
		Decider: NewModel(&Balance{}),
		Decode:  func([]byte) (any, error) { return &Deposit{}, nil },
	})
	is.NoErr(err)

	dsp, err := NewCommandDispatcher(subs)
	is.NoErr(err)

	events, err := dsp.Dispatch(context.Background(), &Command{Type: "deposit", Data: &Deposit{Account: "1", Amount: 1}})
	is.NoErr(err)
	is.Equal(events[0].Type, "github.com/synadia-labs/cmdgate.Deposited")
	is.True(events[0].ID != "")
}

func TestCommandDispatcher_EventStore(t *testing.T) {
	is := testutil.NewIs(t)
	ctx := context.Background()

	nc := testutil.NewNatsConn(t)

	es, err := NewEventStore(nc, "bank", eventRegistry(t))
	is.NoErr(err)
	is.NoErr(es.Create(ctx, &jetstream.StreamConfig{
		Storage: jetstream.MemoryStorage,
	}))

	dsp := newTestDispatcher(t, NewModel(&Balance{}), WithEventStore(es))

	for _, amount := range []int{3, 4} {
		_, err := dsp.Dispatch(ctx, &Command{Type: "bank.Deposit", Data: &Deposit{Account: "7", Amount: amount}})
		is.NoErr(err)
	}

	events, err := es.Load(ctx, "account.7")
	is.NoErr(err)
	is.Equal(len(events), 2)
	is.Equal(events[0].Type, "bank.Deposited")
	is.Equal(events[1].Sequence, uint64(2))
	is.Equal(events[1].Data, any(&Deposited{Account: "7", Amount: 4}))
	is.Equal(events[1].Meta[CommandIDMeta], "id-3")
}

func TestCommandDispatcher_StoreFailureKeepsModel(t *testing.T) {
	is := testutil.NewIs(t)
	ctx := context.Background()

	nc := testutil.NewNatsConn(t)

	es, err := NewEventStore(nc, "bank", eventRegistry(t))
	is.NoErr(err)
	is.NoErr(es.Create(ctx, &jetstream.StreamConfig{
		Storage: jetstream.MemoryStorage,
	}))

	m := NewModel(&Balance{})
	dsp := newTestDispatcher(t, m, WithEventStore(es))

	_, err = dsp.Dispatch(ctx, &Command{Type: "bank.Deposit", Data: &Deposit{Account: "1", Amount: 2}})
	is.NoErr(err)

	is.NoErr(es.Delete(ctx))

	_, err = dsp.Dispatch(ctx, &Command{Type: "bank.Deposit", Data: &Deposit{Account: "1", Amount: 3}})
	is.Err(err, nil)

	var he *HandlerError
	is.True(!errors.As(err, &he))

	is.Equal(m.Version(), uint64(1))
	_ = m.View(func(b *Balance) error {
		is.Equal(b.Total, 2)
		return nil
	})
}

func TestCommandDispatcher_SequenceConflict(t *testing.T) {
	is := testutil.NewIs(t)
	ctx := context.Background()

	nc := testutil.NewNatsConn(t)

	es, err := NewEventStore(nc, "bank", eventRegistry(t))
	is.NoErr(err)
	is.NoErr(es.Create(ctx, &jetstream.StreamConfig{
		Storage: jetstream.MemoryStorage,
	}))

	// Two instances deciding on the same stream.
	m1 := NewModel(&Balance{}, WithScope("account"))
	m2 := NewModel(&Balance{}, WithScope("account"))
	dsp1 := newTestDispatcher(t, m1, WithEventStore(es))
	dsp2 := newTestDispatcher(t, m2, WithEventStore(es), WithIDer(&id.Sequence{Prefix: "other"}))

	deposit := func(amount int) *Command {
		return &Command{Type: "bank.Deposit", Data: &Deposit{Account: "1", Amount: amount}}
	}

	_, err = dsp1.Dispatch(ctx, deposit(5))
	is.NoErr(err)

	_, err = dsp2.Dispatch(ctx, deposit(7))
	is.Err(err, ErrSequenceConflict)
	is.Equal(m2.Version(), uint64(0))

	// Once caught up the stale instance decides again.
	_, err = es.Evolve(ctx, m2, "account")
	is.NoErr(err)

	events, err := dsp2.Dispatch(ctx, deposit(7))
	is.NoErr(err)
	is.Equal(events[0].Sequence, uint64(2))

	_ = m2.View(func(b *Balance) error {
		is.Equal(b.Total, 12)
		return nil
	})

	stored, err := es.Load(ctx, "account.1")
	is.NoErr(err)
	is.Equal(len(stored), 2)
}
