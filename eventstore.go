package cmdgate

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/synadia-labs/cmdgate/codec"
	"github.com/synadia-labs/cmdgate/id"
	"github.com/synadia-labs/cmdgate/types"
)

const (
	eventEntityHdr     = "cmdgate-entity"
	eventTypeHdr       = "cmdgate-type"
	eventTimeHdr       = "cmdgate-time"
	eventCodecHdr      = "cmdgate-codec"
	eventMetaPrefixHdr = "cmdgate-meta-"
	eventTimeFormat    = time.RFC3339Nano
)

var (
	ErrSequenceConflict      = errors.New("cmdgate: sequence conflict")
	ErrEventEntityRequired   = errors.New("cmdgate: event entity required")
	ErrEventEntityInvalid    = errors.New("cmdgate: event entity invalid")
	ErrEventStoreNameMissing = errors.New("cmdgate: event store name required")
	ErrEventStoreNoRegistry  = errors.New("cmdgate: event store requires a type registry")

	entityRegex = regexp.MustCompile(`^[^.*>\s]+\.[^.*>\s]+$`)
)

type appendOpts struct {
	expSeq   *uint64
	expScope *string
}

type appendOptFn func(o *appendOpts) error

func (f appendOptFn) appendOpt(o *appendOpts) error {
	return f(o)
}

// AppendOption is an option for the event store Append operation.
type AppendOption interface {
	appendOpt(o *appendOpts) error
}

// ExpectSequence makes the append fail with ErrSequenceConflict unless the
// last event of the first event's entity has the given sequence. Zero
// means the entity has no events yet.
func ExpectSequence(seq uint64) AppendOption {
	return appendOptFn(func(o *appendOpts) error {
		o.expSeq = &seq
		return nil
	})
}

// ExpectScopeSequence makes the append fail with ErrSequenceConflict unless
// the last event within scope has the given sequence. The scope is an
// entity, an entity type or empty for the whole store, as with Evolve.
func ExpectScopeSequence(seq uint64, scope string) AppendOption {
	return appendOptFn(func(o *appendOpts) error {
		o.expSeq = &seq
		o.expScope = &scope
		return nil
	})
}

// EventStore keeps dispatched events in a JetStream stream. Each event is
// one message on "<prefix>.<entity>.<type>" with its envelope in headers
// and its data encoded with the registry codec. Type names may contain
// dots, so filters match everything after the entity.
type EventStore struct {
	name   string
	prefix string
	js     jetstream.JetStream
	types  types.Registry
}

func NewEventStore(nc *nats.Conn, name string, reg types.Registry) (*EventStore, error) {
	if name == "" {
		return nil, ErrEventStoreNameMissing
	}
	if reg == nil {
		return nil, ErrEventStoreNoRegistry
	}

	js, err := jetstream.New(nc)
	if err != nil {
		return nil, err
	}

	return &EventStore{
		name:   name,
		prefix: name,
		js:     js,
		types:  reg,
	}, nil
}

func (s *EventStore) Name() string {
	return s.name
}

func (s *EventStore) subject(e *Event) string {
	return fmt.Sprintf("%s.%s.%s", s.prefix, e.Entity, e.Type)
}

// packEvent maps an event onto a NATS message, filling in the ID, time and
// type when they are missing. The envelope goes in headers.
func (s *EventStore) packEvent(e *Event) (*nats.Msg, error) {
	if e.Entity == "" {
		return nil, ErrEventEntityRequired
	}
	if !entityRegex.MatchString(e.Entity) {
		return nil, fmt.Errorf("%w: %q", ErrEventEntityInvalid, e.Entity)
	}

	if e.Data == nil {
		return nil, ErrEventDataRequired
	}

	t, err := s.types.Lookup(e.Data)
	if err != nil {
		return nil, err
	}
	if e.Type == "" {
		e.Type = t
	} else if e.Type != t {
		return nil, fmt.Errorf("%w: %s is %s", ErrEventTypeMismatch, e.Type, t)
	}
	if e.ID == "" {
		e.ID = id.NUID.New()
	}
	if e.Time.IsZero() {
		e.Time = time.Now()
	}

	data, err := s.types.Marshal(e.Data)
	if err != nil {
		return nil, err
	}

	msg := nats.NewMsg(s.subject(e))
	msg.Data = data

	msg.Header.Set(nats.MsgIdHdr, e.ID)
	msg.Header.Set(nats.ExpectedStreamHdr, s.name)
	msg.Header.Set(eventTypeHdr, e.Type)
	msg.Header.Set(eventTimeHdr, e.Time.Format(eventTimeFormat))
	msg.Header.Set(eventCodecHdr, s.types.Codec().Name())
	msg.Header.Set(eventEntityHdr, e.Entity)

	for k, v := range e.Meta {
		msg.Header.Set(eventMetaPrefixHdr+k, v)
	}

	return msg, nil
}

// unpackEvent is the inverse of packEvent.
func (s *EventStore) unpackEvent(msg jetstream.Msg) (*Event, error) {
	h := msg.Headers()

	c, err := codec.Lookup(h.Get(eventCodecHdr))
	if err != nil {
		return nil, err
	}

	eventType := h.Get(eventTypeHdr)
	data, err := s.types.Init(eventType)
	if err != nil {
		return nil, err
	}
	if err := c.Unmarshal(msg.Data(), data); err != nil {
		return nil, fmt.Errorf("unpack: %s: %w", eventType, err)
	}

	md, err := msg.Metadata()
	if err != nil {
		return nil, fmt.Errorf("unpack: failed to get metadata: %w", err)
	}

	eventTime, err := time.Parse(eventTimeFormat, h.Get(eventTimeHdr))
	if err != nil {
		return nil, fmt.Errorf("unpack: failed to parse event time: %w", err)
	}

	var meta map[string]string
	for k := range h {
		if key, ok := strings.CutPrefix(k, eventMetaPrefixHdr); ok {
			if meta == nil {
				meta = make(map[string]string)
			}
			meta[key] = h.Get(k)
		}
	}

	return &Event{
		ID:       h.Get(nats.MsgIdHdr),
		Entity:   h.Get(eventEntityHdr),
		Time:     eventTime,
		Type:     eventType,
		Data:     data,
		Meta:     meta,
		Sequence: md.Sequence.Stream,
	}, nil
}

// Append publishes the events in order and sets their Sequence. It returns
// the sequence of the last event.
func (s *EventStore) Append(ctx context.Context, events []*Event, opts ...AppendOption) (uint64, error) {
	var o appendOpts
	for _, opt := range opts {
		if err := opt.appendOpt(&o); err != nil {
			return 0, err
		}
	}

	msgs := make([]*nats.Msg, len(events))
	for i, e := range events {
		msg, err := s.packEvent(e)
		if err != nil {
			return 0, err
		}
		msgs[i] = msg
	}

	if o.expSeq != nil && len(msgs) > 0 {
		filter := fmt.Sprintf("%s.%s.>", s.prefix, events[0].Entity)
		if o.expScope != nil {
			f, err := s.filter(*o.expScope)
			if err != nil {
				return 0, err
			}
			filter = f
		}
		msgs[0].Header.Set(jetstream.ExpectedLastSubjSeqHeader, strconv.FormatUint(*o.expSeq, 10))
		msgs[0].Header.Set(jetstream.ExpectedLastSubjSeqSubjHeader, filter)
	}

	var last uint64
	for i, msg := range msgs {
		ack, err := s.js.PublishMsg(ctx, msg)
		if err != nil {
			if strings.Contains(err.Error(), "wrong last sequence") {
				return 0, ErrSequenceConflict
			}
			return 0, err
		}
		events[i].Sequence = ack.Sequence
		last = ack.Sequence
	}

	return last, nil
}

// filter returns the subject filter matching the events of an entity, of
// an entity type or, when empty, of the whole store.
func (s *EventStore) filter(entity string) (string, error) {
	switch strings.Count(entity, ".") {
	case 0:
		if entity == "" {
			return s.prefix + ".>", nil
		}
		return fmt.Sprintf("%s.%s.*.>", s.prefix, entity), nil
	case 1:
		return fmt.Sprintf("%s.%s.>", s.prefix, entity), nil
	}
	return "", fmt.Errorf("%w: %q", ErrEventEntityInvalid, entity)
}

// Evolve replays the events of an entity ("<type>.<id>") or of all
// entities of a type ("<type>") into model. It returns the sequence of the
// last applied event.
func (s *EventStore) Evolve(ctx context.Context, model Evolver, entity string) (uint64, error) {
	filter, err := s.filter(entity)
	if err != nil {
		return 0, err
	}

	con, err := s.js.OrderedConsumer(ctx, s.name, jetstream.OrderedConsumerConfig{
		FilterSubjects: []string{filter},
		DeliverPolicy:  jetstream.DeliverAllPolicy,
	})
	if err != nil {
		return 0, err
	}

	pending := con.CachedInfo().NumPending
	if pending == 0 {
		return 0, nil
	}

	msgs, err := con.Messages()
	if err != nil {
		return 0, err
	}
	defer msgs.Stop()

	var last uint64
	for range pending {
		msg, err := msgs.Next()
		if err != nil {
			return last, err
		}
		event, err := s.unpackEvent(msg)
		if err != nil {
			return last, err
		}
		if err := model.Evolve(event); err != nil {
			return last, err
		}
		last = event.Sequence
	}

	return last, nil
}

type eventSlice []*Event

func (es *eventSlice) Evolve(event *Event) error {
	*es = append(*es, event)
	return nil
}

// Load returns the stored events of an entity in stream order.
func (s *EventStore) Load(ctx context.Context, entity string) ([]*Event, error) {
	var events eventSlice
	if _, err := s.Evolve(ctx, &events, entity); err != nil {
		return nil, err
	}
	return events, nil
}

// Create creates the backing stream. The stream captures "<name>.>".
func (s *EventStore) Create(ctx context.Context, config *jetstream.StreamConfig) error {
	if config == nil {
		config = &jetstream.StreamConfig{}
	}
	config.Name = s.name

	switch len(config.Subjects) {
	case 0:
		config.Subjects = []string{s.name + ".>"}
	case 1:
		prefix, err := parseSubjectPrefix(config.Subjects[0])
		if err != nil {
			return err
		}
		s.prefix = prefix
	default:
		return fmt.Errorf("only one subject is supported for event stores")
	}

	_, err := s.js.CreateOrUpdateStream(ctx, *config)
	return err
}

// Delete deletes the backing stream.
func (s *EventStore) Delete(ctx context.Context) error {
	return s.js.DeleteStream(ctx, s.name)
}

// parseSubjectPrefix validates that the subject ends with "*.*.*" or ">"
// and returns the prefix before the wildcards.
func parseSubjectPrefix(subject string) (string, error) {
	toks := strings.Split(subject, ".")
	if len(toks) < 2 {
		return "", fmt.Errorf("subject must end with '*.*.*' or '>'")
	}

	if toks[len(toks)-1] == ">" {
		if slices.Contains(toks[:len(toks)-1], "*") {
			return "", fmt.Errorf("wildcards not allowed before '>'")
		}
		return strings.Join(toks[:len(toks)-1], "."), nil
	}

	if len(toks) < 4 {
		return "", fmt.Errorf("subject must have a prefix before '*.*.*'")
	}
	n := len(toks)
	if toks[n-3] == "*" && toks[n-2] == "*" && toks[n-1] == "*" {
		if slices.Contains(toks[:n-3], "*") {
			return "", fmt.Errorf("wildcards not allowed before '*.*.*'")
		}
		return strings.Join(toks[:n-3], "."), nil
	}

	return "", fmt.Errorf("subject must end with '*.*.*' or '>'")
}
