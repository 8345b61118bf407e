package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/spf13/cobra"
	"github.com/synadia-labs/cmdgate"
	"github.com/synadia-labs/cmdgate/codec"
	"github.com/synadia-labs/cmdgate/httpapi"
	"github.com/synadia-labs/cmdgate/internal/config"
	"github.com/synadia-labs/cmdgate/internal/otel"
	"github.com/synadia-labs/cmdgate/types"
)

const serviceName = "cmdgate"

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the command endpoints",
	Long: `Serve the command endpoints with the built-in counter domain.

Configuration is read from CMDGATE_* environment variables. Events are
kept in a JetStream stream when CMDGATE_NATS_URL is set.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		return serve(ctx, cfg, slog.Default())
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

// gateway is the assembled handler and the resources behind it.
type gateway struct {
	handler  http.Handler
	counters *cmdgate.Model[*Counters]
	nc       *nats.Conn
}

func (g *gateway) Close() {
	if g.nc != nil {
		g.nc.Close()
	}
}

// newGateway builds registries, dispatcher and HTTP handler from cfg. With
// a NATS url the counters are replayed from the event store first.
func newGateway(ctx context.Context, cfg config.Config, logger *slog.Logger) (*gateway, error) {
	c, err := codec.Lookup(cfg.Codec)
	if err != nil {
		return nil, err
	}

	cmdTypes, err := types.NewSchemaRegistry(logger, commandTypes(cfg.SchemaDir), codec.JSON)
	if err != nil {
		return nil, fmt.Errorf("command types: %w", err)
	}
	evTypes, err := types.NewInMemRegistry(eventTypes(), c)
	if err != nil {
		return nil, fmt.Errorf("event types: %w", err)
	}

	g := &gateway{
		counters: cmdgate.NewModel(NewCounters(), cmdgate.WithScope(counterEntity)),
	}

	opts := []cmdgate.DispatcherOption{
		cmdgate.WithRegistry(evTypes),
		cmdgate.WithLogger(logger),
	}

	if cfg.NatsURL != "" {
		es, err := g.connect(ctx, cfg, evTypes, logger)
		if err != nil {
			g.Close()
			return nil, err
		}
		opts = append(opts, cmdgate.WithEventStore(es))
	}

	subs, err := counterSubscribers(cmdTypes, g.counters)
	if err != nil {
		g.Close()
		return nil, err
	}

	disp, err := cmdgate.NewCommandDispatcher(subs, opts...)
	if err != nil {
		g.Close()
		return nil, err
	}

	hopts := []httpapi.Option{
		httpapi.WithLogger(logger),
		httpapi.WithAllowedOrigins(cfg.AllowedOrigins...),
		httpapi.WithMaxBodyBytes(cfg.MaxBodyBytes),
		httpapi.WithTyped(&codec.Typed{
			Namer:    types.Namer(evTypes),
			Resolver: types.Resolver(evTypes),
		}),
	}
	if cfg.LegacyStatus {
		hopts = append(hopts, httpapi.WithLegacyStatus())
	}

	h, err := httpapi.New(subs, disp, hopts...)
	if err != nil {
		g.Close()
		return nil, err
	}
	g.handler = h

	return g, nil
}

func (g *gateway) connect(ctx context.Context, cfg config.Config, reg types.Registry, logger *slog.Logger) (*cmdgate.EventStore, error) {
	nc, err := nats.Connect(cfg.NatsURL, nats.Name(serviceName))
	if err != nil {
		return nil, fmt.Errorf("connect nats: %w", err)
	}
	g.nc = nc

	es, err := cmdgate.NewEventStore(nc, cfg.Stream, reg)
	if err != nil {
		return nil, err
	}
	if err := es.Create(ctx, &jetstream.StreamConfig{
		Storage: jetstream.FileStorage,
	}); err != nil {
		return nil, fmt.Errorf("create event store: %w", err)
	}

	seq, err := es.Evolve(ctx, g.counters, counterEntity)
	if err != nil {
		return nil, fmt.Errorf("replay counters: %w", err)
	}
	logger.Info("event store ready",
		slog.String("stream", es.Name()),
		slog.Uint64("sequence", seq))

	return es, nil
}

// serve runs the HTTP server until ctx ends, then drains in-flight
// requests for at most the configured shutdown timeout.
func serve(ctx context.Context, cfg config.Config, logger *slog.Logger) error {
	shutdownTracing, err := otel.Setup(ctx, serviceName, cfg.OtelEndpoint)
	if err != nil {
		return fmt.Errorf("setup tracing: %w", err)
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(sctx); err != nil {
			logger.Warn("tracing shutdown failed", slog.Any("error", err))
		}
	}()

	g, err := newGateway(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer g.Close()

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           g.handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	serveErr := make(chan error, 1)
	logger.Info("listening", slog.String("addr", cfg.Addr))
	go func() {
		serveErr <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		err := srv.Shutdown(shutdownCtx)
		cancel()
		if err != nil {
			return fmt.Errorf("shutdown http server: %w", err)
		}
		logger.Info("server stopped")
		return nil
	case err := <-serveErr:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("serve http: %w", err)
	}
}
