// Command stockroomd serves the barcode hierarchy and movement engine over HTTP.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"stockroom/internal/archive"
	"stockroom/internal/blob"
	"stockroom/internal/config"
	"stockroom/internal/core"
	"stockroom/internal/events"
	"stockroom/internal/httpapi"
	"stockroom/internal/infra/events/amqp"
	"stockroom/pkg/domain"
)

var exitFunc = os.Exit

func main() {
	configPath := flag.String("config", "", "path to a YAML config file (defaults to $STOCKROOM_CONFIG)")
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, *configPath); err != nil {
		slog.Error("stockroomd stopped", "error", err)
		exitFunc(1)
	}
}

func run(ctx context.Context, configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	logger := config.NewLogger(cfg.Log, os.Stdout)
	slog.SetDefault(logger)

	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	server := &http.Server{
		Addr:              cfg.HTTP.Addr,
		Handler:           a.handler,
		ReadHeaderTimeout: 5 * time.Second,
	}
	serveErr := make(chan error, 1)
	go func() {
		logger.Info("http server listening", "addr", cfg.HTTP.Addr, "storage", cfg.Storage.Driver)
		serveErr <- server.ListenAndServe()
	}()

	select {
	case err = <-serveErr:
	case <-ctx.Done():
		logger.Info("shutting down")
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
	defer cancel()
	if shutdownErr := server.Shutdown(shutdownCtx); shutdownErr != nil {
		err = errors.Join(err, fmt.Errorf("shutdown http server: %w", shutdownErr))
	}
	if errors.Is(err, http.ErrServerClosed) {
		err = nil
	}
	return errors.Join(err, a.close(shutdownCtx))
}

// app owns every long-lived component so tests can build it without a listener.
type app struct {
	handler    http.Handler
	service    *core.Service
	store      domain.PersistentStore
	dispatcher *events.Dispatcher
	registry   *prometheus.Registry
	cancel     context.CancelFunc
}

func newApp(ctx context.Context, cfg config.Config, logger *slog.Logger) (_ *app, err error) {
	ctx, cancel := context.WithCancel(ctx)
	a := &app{cancel: cancel}
	defer func() {
		if err != nil {
			_ = a.close(context.Background())
		}
	}()

	a.registry = prometheus.NewRegistry()
	a.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	a.store, err = core.OpenPersistentStore(ctx, core.StorageOptions{
		Driver:           core.StorageDriver(cfg.Storage.Driver),
		SQLitePath:       cfg.Storage.SQLitePath,
		PostgresDSN:      cfg.Storage.PostgresDSN,
		PostgresMaxConns: cfg.Storage.PostgresMaxConns,
	}, core.NewRulesEngine())
	if err != nil {
		return nil, fmt.Errorf("open storage: %w", err)
	}

	opts := []core.Option{
		core.WithLogger(logger.With("component", "engine")),
		core.WithMetricsRecorder(core.NewPrometheusMetricsRecorder(a.registry)),
		core.WithMaxChainDepth(cfg.Engine.MaxChainDepth),
		core.WithMaxRetries(cfg.Engine.MaxRetries),
	}
	publisher, err := openPublisher(cfg.Events, logger)
	if err != nil {
		return nil, err
	}
	if publisher != nil {
		a.dispatcher = events.NewDispatcher(publisher, cfg.Events.QueueSize, logger.With("component", "events"))
		opts = append(opts, core.WithEventSink(a.dispatcher))
	}

	auth, err := openAuthenticator(ctx, cfg.Auth, logger)
	if err != nil {
		return nil, err
	}
	if auth != nil {
		opts = append(opts, core.WithAuthorizer(core.ScopeAuthorizer{}))
	}
	a.service = core.NewService(a.store, opts...)

	archives, err := blob.Open(ctx, blob.Config{
		Driver: blob.Driver(cfg.Blob.Driver),
		FSRoot: cfg.Blob.FSRoot,
		S3: blob.S3Config{
			Region:          cfg.Blob.S3Region,
			Bucket:          cfg.Blob.S3Bucket,
			Endpoint:        cfg.Blob.S3Endpoint,
			AccessKeyID:     cfg.Blob.S3AccessKeyID,
			SecretAccessKey: cfg.Blob.S3SecretAccessKey,
			PathStyle:       cfg.Blob.S3PathStyle,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("open archive storage: %w", err)
	}

	a.handler = httpapi.NewRouter(a.service, httpapi.Options{
		Logger:     logger.With("component", "http"),
		Archives:   archive.NewExporter(a.service, archives),
		Auth:       auth,
		Registerer: a.registry,
		Gatherer:   a.registry,
	})
	return a, nil
}

// close drains pending events before closing storage.
func (a *app) close(ctx context.Context) error {
	var err error
	if a.dispatcher != nil {
		err = a.dispatcher.Close(ctx)
	}
	if a.store != nil {
		err = errors.Join(err, a.store.Close())
	}
	a.cancel()
	return err
}

func openPublisher(cfg config.Events, logger *slog.Logger) (events.Publisher, error) {
	switch cfg.Driver {
	case "none":
		return nil, nil
	case "amqp":
		p, err := amqp.Dial(cfg.AMQPURL, cfg.Exchange)
		if err != nil {
			return nil, fmt.Errorf("open event publisher: %w", err)
		}
		return p, nil
	default:
		return events.NewLogPublisher(logger.With("component", "events")), nil
	}
}

func openAuthenticator(ctx context.Context, cfg config.Auth, logger *slog.Logger) (*httpapi.Authenticator, error) {
	switch cfg.Mode {
	case "hmac":
		return httpapi.NewHMACAuthenticator([]byte(cfg.HMACSecret), cfg.Issuer, logger), nil
	case "jwks":
		auth, err := httpapi.NewJWKSAuthenticator(ctx, cfg.JWKSURL, cfg.Issuer, logger)
		if err != nil {
			return nil, fmt.Errorf("open jwks authenticator: %w", err)
		}
		return auth, nil
	default:
		return nil, nil
	}
}
