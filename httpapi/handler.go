// Package httpapi exposes a command dispatcher over HTTP.
//
// Clients post an envelope naming a command type and carrying its payload
// as a JSON string. The type is resolved against a subscriber registry,
// the payload decoded into the command value and the command dispatched.
// The dispatchAndReturnEvents endpoint answers with the resulting events,
// each tagged with type discriminators so they can be decoded
// polymorphically.
package httpapi

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/rs/cors"
	"github.com/synadia-labs/cmdgate"
	"github.com/synadia-labs/cmdgate/codec"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const (
	DispatchPath                = "/commands/dispatch"
	DispatchAndReturnEventsPath = "/commands/dispatchAndReturnEvents"

	defaultMaxBodyBytes = 1 << 20

	tracerName = "github.com/synadia-labs/cmdgate/httpapi"
)

var (
	errNoDecoder = errors.New("httpapi: subscriber has no decoder")
	errNoCommand = errors.New("httpapi: payload decoded to no command")
	errNoPayload = errors.New("httpapi: payload is empty")
)

type handlerOption func(h *Handler) error

func (f handlerOption) addOption(h *Handler) error {
	return f(h)
}

// Option configures a Handler.
type Option interface {
	addOption(h *Handler) error
}

// WithLogger sets the logger. Default is slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return handlerOption(func(h *Handler) error {
		h.logger = logger
		return nil
	})
}

// WithAllowedOrigins sets the origins allowed to call the endpoints from a
// browser. Default is any origin.
func WithAllowedOrigins(origins ...string) Option {
	return handlerOption(func(h *Handler) error {
		if len(origins) == 0 {
			return errors.New("httpapi: at least one allowed origin required")
		}
		h.origins = origins
		return nil
	})
}

// WithLegacyStatus answers every failure with 500, including unknown
// command types and validator rejections.
func WithLegacyStatus() Option {
	return handlerOption(func(h *Handler) error {
		h.legacyStatus = true
		return nil
	})
}

// WithTyped sets the serializer used for returned events. The default tags
// values with their Go type name under "@type".
func WithTyped(t *codec.Typed) Option {
	return handlerOption(func(h *Handler) error {
		if t == nil {
			return errors.New("httpapi: nil typed serializer")
		}
		h.typed = t
		return nil
	})
}

// WithMaxBodyBytes limits the size of request bodies.
func WithMaxBodyBytes(n int64) Option {
	return handlerOption(func(h *Handler) error {
		if n <= 0 {
			return errors.New("httpapi: max body bytes must be positive")
		}
		h.maxBodyBytes = n
		return nil
	})
}

// WithTracerProvider sets the provider spans are created with. Default is
// the global provider.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return handlerOption(func(h *Handler) error {
		h.tracer = tp.Tracer(tracerName)
		return nil
	})
}

// Handler serves the command endpoints.
type Handler struct {
	logger       *slog.Logger
	subs         cmdgate.SubscriberRegistry
	dispatcher   cmdgate.Dispatcher
	typed        *codec.Typed
	origins      []string
	legacyStatus bool
	maxBodyBytes int64
	tracer       trace.Tracer

	next http.Handler
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.next.ServeHTTP(w, r)
}

func (h *Handler) handleDispatch(w http.ResponseWriter, r *http.Request) {
	if _, err := h.dispatch(w, r); err != nil {
		h.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (h *Handler) handleDispatchAndReturnEvents(w http.ResponseWriter, r *http.Request) {
	events, err := h.dispatch(w, r)
	if err != nil {
		h.writeError(w, err)
		return
	}

	values := make([]any, len(events))
	for i, e := range events {
		values[i] = e
	}

	var buf bytes.Buffer
	if err := h.typed.MarshalArray(&buf, values); err != nil {
		h.logger.Error("failed to encode events", slog.Any("error", err))
		h.writeError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(buf.Bytes()); err != nil {
		h.logger.Debug("failed to write events", slog.Any("error", err))
	}
}

// dispatch runs a request through type resolution, payload decoding and
// dispatch. The dispatcher is only called once the first two succeed.
func (h *Handler) dispatch(w http.ResponseWriter, r *http.Request) ([]*cmdgate.Event, error) {
	env, err := readEnvelope(w, r, h.maxBodyBytes)
	if err != nil {
		return nil, err
	}

	sub, ok := h.subs.Lookup(env.Type)
	if !ok {
		h.logger.Debug("unknown command type", slog.String("type", env.Type))
		return nil, &cmdgate.InvalidParameterError{Message: cmdgate.CommandNotValid}
	}

	if sub.Decode == nil {
		return nil, &decodeError{Type: env.Type, Err: errNoDecoder}
	}
	if strings.TrimSpace(env.Payload) == "" {
		return nil, &decodeError{Type: env.Type, Err: errNoPayload}
	}
	data, err := sub.Decode([]byte(env.Payload))
	if err == nil && data == nil {
		err = errNoCommand
	}
	if err != nil {
		return nil, &decodeError{Type: env.Type, Err: err}
	}

	ctx, span := h.tracer.Start(r.Context(), "cmdgate.dispatch",
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(attribute.String("cmdgate.command.type", env.Type)))
	defer span.End()

	h.logger.Info("dispatching command", slog.String("type", env.Type))

	// A client going away must not cancel a command already handed over.
	events, err := h.dispatcher.Dispatch(context.WithoutCancel(ctx), &cmdgate.Command{
		Type: env.Type,
		Data: data,
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		h.logFailure(env.Type, err)
		return nil, err
	}

	span.SetAttributes(attribute.Int("cmdgate.events", len(events)))
	h.logger.Info("command dispatched",
		slog.String("type", env.Type),
		slog.Int("events", len(events)))

	return events, nil
}

func (h *Handler) logFailure(t string, err error) {
	var (
		rej *cmdgate.RejectedError
		pe  *cmdgate.PanicError
	)
	switch {
	case errors.As(err, &rej):
		h.logger.Info("command rejected",
			slog.String("type", t),
			slog.Int("failures", len(rej.Errors)))
	case errors.As(err, &pe):
		h.logger.Error("command handler panicked",
			slog.String("type", t),
			slog.Any("panic", pe.Value),
			slog.String("stack", string(pe.Stack)))
	default:
		h.logger.Error("command failed",
			slog.String("type", t),
			slog.String("error_type", cmdgate.ErrorType(err)),
			slog.Any("error", err))
	}
}

func (h *Handler) writeError(w http.ResponseWriter, err error) {
	status, body := h.errorBody(err)
	writeJSON(w, status, body)
}

// New returns a Handler that resolves commands with subs and hands them to
// d.
func New(subs cmdgate.SubscriberRegistry, d cmdgate.Dispatcher, opts ...Option) (*Handler, error) {
	if subs == nil {
		return nil, errors.New("httpapi: subscriber registry required")
	}
	if d == nil {
		return nil, errors.New("httpapi: dispatcher required")
	}

	h := &Handler{
		logger:       slog.Default(),
		subs:         subs,
		dispatcher:   d,
		typed:        &codec.Typed{},
		origins:      []string{"*"},
		maxBodyBytes: defaultMaxBodyBytes,
		tracer:       otel.Tracer(tracerName),
	}

	for _, o := range opts {
		if err := o.addOption(h); err != nil {
			return nil, err
		}
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST "+DispatchPath, h.handleDispatch)
	mux.HandleFunc("POST "+DispatchAndReturnEventsPath, h.handleDispatchAndReturnEvents)

	c := cors.New(cors.Options{
		AllowedOrigins: h.origins,
		AllowedMethods: []string{http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Content-Type"},
	})
	h.next = c.Handler(mux)

	return h, nil
}
