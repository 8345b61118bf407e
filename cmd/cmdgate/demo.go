package main

import (
	"context"
	"errors"
	"fmt"
	"regexp"

	"github.com/synadia-labs/cmdgate"
	"github.com/synadia-labs/cmdgate/types"
)

// The demo domain keeps named counters. It gives the server something to
// dispatch to out of the box.

const (
	counterEntity = "counter"
	maxIncrement  = 1000
)

var counterIDRegex = regexp.MustCompile(`^[\w-]+$`)

type Increment struct {
	ID string `json:"id"`
	By int    `json:"by"`
}

func (c *Increment) Validate() error {
	var errs []error
	if !counterIDRegex.MatchString(c.ID) {
		errs = append(errs, cmdgate.Invalid("id %q must be a word", c.ID))
	}
	if c.By <= 0 {
		errs = append(errs, cmdgate.Invalid("by must be positive"))
	}
	return errors.Join(errs...)
}

type Reset struct {
	ID string `json:"id"`
}

func (c *Reset) Validate() error {
	if !counterIDRegex.MatchString(c.ID) {
		return cmdgate.Invalid("id %q must be a word", c.ID)
	}
	return nil
}

type Incremented struct {
	ID    string `json:"id"`
	By    int    `json:"by"`
	Value int    `json:"value"`
}

type Cleared struct {
	ID       string `json:"id"`
	Previous int    `json:"previous"`
}

// CounterNotFoundError is returned when resetting a counter that was never
// incremented.
type CounterNotFoundError struct {
	ID string
}

func (e *CounterNotFoundError) Error() string {
	return fmt.Sprintf("counter %s not found", e.ID)
}

const incrementSchema = `{
  "type": "object",
  "properties": {
    "id": {"type": "string"},
    "by": {"type": "integer"}
  },
  "required": ["id", "by"]
}`

const resetSchema = `{
  "type": "object",
  "properties": {
    "id": {"type": "string"}
  },
  "required": ["id"]
}`

// commandTypes returns the demo command types. A schema found in dir
// replaces the built-in one.
func commandTypes(dir string) map[string]types.Type {
	schema := func(name, inline string, initFn func() any) types.Type {
		t := types.SchemaType{InitFn: initFn, Schema: inline}
		if p, ok := types.SchemaDir(dir, name); ok {
			t.Schema = ""
			t.DocPath = p
		}
		return t
	}

	return map[string]types.Type{
		"counter.Increment": schema("counter.Increment", incrementSchema, func() any { return &Increment{} }),
		"counter.Reset":     schema("counter.Reset", resetSchema, func() any { return &Reset{} }),
	}
}

func eventTypes() map[string]types.Type {
	return map[string]types.Type{
		"counter.Incremented": types.Of[Incremented](),
		"counter.Cleared":     types.Of[Cleared](),
	}
}

// Counters is the state of all counters.
type Counters struct {
	values map[string]int
}

func NewCounters() *Counters {
	return &Counters{values: make(map[string]int)}
}

func (c *Counters) Evolve(event *cmdgate.Event) error {
	switch e := event.Data.(type) {
	case *Incremented:
		c.values[e.ID] = e.Value
	case *Cleared:
		delete(c.values, e.ID)
	}
	return nil
}

func (c *Counters) Decide(ctx context.Context, cmd *cmdgate.Command) ([]*cmdgate.Event, error) {
	switch d := cmd.Data.(type) {
	case *Increment:
		return []*cmdgate.Event{{
			Entity: counterEntity + "." + d.ID,
			Data: &Incremented{
				ID:    d.ID,
				By:    d.By,
				Value: c.values[d.ID] + d.By,
			},
		}}, nil

	case *Reset:
		v, ok := c.values[d.ID]
		if !ok {
			return nil, &CounterNotFoundError{ID: d.ID}
		}
		return []*cmdgate.Event{{
			Entity: counterEntity + "." + d.ID,
			Data:   &Cleared{ID: d.ID, Previous: v},
		}}, nil
	}

	return nil, fmt.Errorf("unexpected command %T", cmd.Data)
}

// Value returns the current value of a counter.
func (c *Counters) Value(id string) int {
	return c.values[id]
}

func incrementLimit(ctx context.Context, cmd *cmdgate.Command) error {
	if inc, ok := cmd.Data.(*Increment); ok && inc.By > maxIncrement {
		return cmdgate.Invalid("by must not exceed %d", maxIncrement)
	}
	return nil
}

// counterSubscribers wires both demo commands to the model.
func counterSubscribers(reg types.Registry, model *cmdgate.Model[*Counters]) (*cmdgate.SubscriberMap, error) {
	return cmdgate.NewSubscriberMap(reg,
		cmdgate.Subscriber{
			Type:       "counter.Increment",
			Decider:    model,
			Validators: []cmdgate.Validator{cmdgate.ValidatorFunc(incrementLimit)},
		},
		cmdgate.Subscriber{
			Type:    "counter.Reset",
			Decider: model,
		},
	)
}
