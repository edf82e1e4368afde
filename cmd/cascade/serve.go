package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	goredis "github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.opentelemetry.io/otel"
	otelprom "go.opentelemetry.io/otel/exporters/prometheus"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"golang.org/x/sync/errgroup"

	"github.com/xraph/cascade/api"
	"github.com/xraph/cascade/engine"
	"github.com/xraph/cascade/queue"
	queuememory "github.com/xraph/cascade/queue/memory"
	queueredis "github.com/xraph/cascade/queue/redis"
	"github.com/xraph/cascade/store"
	storememory "github.com/xraph/cascade/store/memory"
	storeredis "github.com/xraph/cascade/store/redis"
	storesqlite "github.com/xraph/cascade/store/sqlite"
	"github.com/xraph/cascade/stream"
	streamredis "github.com/xraph/cascade/stream/redis"
	"github.com/xraph/cascade/worker"
)

const httpShutdownTimeout = 10 * time.Second

func serveCmd() *cobra.Command {
	v := viper.New()
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the HTTP API, webhook endpoint and metrics",
		Long: `Serve registers the flows of the config file, serves the HTTP API and
the webhook resume endpoint, and exports metrics. Step handlers live in the
programs that embed the engine; run those against the same redis or sqlite
backend. --workers attaches consumers here too.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			s, err := loadSettings(cmd, v)
			if err != nil {
				return err
			}
			return serve(cmd.Context(), s)
		},
	}
	if err := setupServeFlags(cmd, v); err != nil {
		panic(err)
	}
	return cmd
}

// backends are the store, queue and stream of one process, plus the
// cleanup of whatever serve opened for them.
type backends struct {
	store  store.Store
	queue  queue.Queue
	stream stream.Stream
	close  func() error
}

func openBackends(ctx context.Context, s *settings, logger *slog.Logger, qopts []worker.Option) (*backends, error) {
	switch s.Backend {
	case backendRedis:
		client := goredis.NewClient(&goredis.Options{Addr: s.RedisAddr})
		if err := client.Ping(ctx).Err(); err != nil {
			_ = client.Close()
			return nil, fmt.Errorf("redis %s: %w", s.RedisAddr, err)
		}
		return &backends{
			store:  storeredis.New(client, storeredis.WithPrefix(s.RedisPrefix), storeredis.WithLogger(logger)),
			queue:  worker.NewQueue(queueredis.NewBackend(client, queueredis.WithPrefix(s.RedisPrefix+"q:")), qopts...),
			stream: streamredis.New(client, streamredis.WithPrefix(s.RedisPrefix+"stream:"), streamredis.WithLogger(logger)),
			close:  client.Close,
		}, nil

	case backendSQLite:
		st, err := storesqlite.Open(ctx, s.SQLitePath, storesqlite.WithLogger(logger))
		if err != nil {
			return nil, err
		}
		return &backends{
			store:  st,
			queue:  queuememory.New(qopts...),
			stream: stream.NewBroker(logger),
			close:  st.Close,
		}, nil

	default:
		return &backends{
			store:  storememory.New(),
			queue:  queuememory.New(qopts...),
			stream: stream.NewBroker(logger),
			close:  func() error { return nil },
		}, nil
	}
}

func serve(ctx context.Context, s *settings) error {
	zl, logger, err := newLogger(s.LogLevel)
	if err != nil {
		return err
	}
	defer func() { _ = zl.Sync() }()

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	registry := prometheus.NewRegistry()
	exporter, err := otelprom.New(otelprom.WithRegisterer(registry))
	if err != nil {
		return fmt.Errorf("prometheus exporter: %w", err)
	}
	meterProvider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(exporter))
	otel.SetMeterProvider(meterProvider)
	defer func() { _ = meterProvider.Shutdown(context.Background()) }()

	qopts := []worker.Option{
		worker.WithLogger(logger),
		worker.WithBackoff(s.retryBackoff()),
		worker.WithMiddleware(engine.DefaultMiddleware(logger, otel.GetTracerProvider(), meterProvider, s.JobTimeout)...),
	}
	b, err := openBackends(ctx, s, logger, qopts)
	if err != nil {
		return err
	}
	defer func() {
		if err := b.close(); err != nil {
			logger.Warn("close backend", slog.String("error", err.Error()))
		}
	}()

	opts := []engine.Option{
		engine.WithConfig(s.engineConfig()),
		engine.WithLogger(logger),
		engine.WithStore(b.store),
		engine.WithQueue(b.queue),
		engine.WithStream(b.stream),
		engine.WithMeterProvider(meterProvider),
		engine.WithWorkerOptions(queue.WorkerOptions{Concurrency: s.Concurrency}),
	}
	if !s.Workers {
		opts = append(opts, engine.WithoutWorkers())
	}
	eng, err := engine.New(opts...)
	if err != nil {
		return err
	}
	if len(s.Steps) > 0 {
		if err := eng.RegisterSteps(s.Steps); err != nil {
			return fmt.Errorf("register flows: %w", err)
		}
	}
	if err := eng.Start(ctx); err != nil {
		return err
	}

	a := api.New(eng, api.WithLogger(logger))
	servers := []*http.Server{{Addr: s.HTTPAddr, Handler: a.Handler(), ReadHeaderTimeout: 10 * time.Second}}
	if s.MetricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
		servers = append(servers, &http.Server{Addr: s.MetricsAddr, Handler: mux, ReadHeaderTimeout: 10 * time.Second})
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, srv := range servers {
		g.Go(func() error {
			logger.Info("http server listening", slog.String("addr", srv.Addr))
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("serve %s: %w", srv.Addr, err)
			}
			return nil
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")
		a.Close()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), httpShutdownTimeout)
		defer cancel()
		var errs []error
		for _, srv := range servers {
			errs = append(errs, srv.Shutdown(shutdownCtx))
		}
		errs = append(errs, eng.Stop(context.Background()))
		return errors.Join(errs...)
	})
	return g.Wait()
}
