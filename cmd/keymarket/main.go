// Package main boots the KeyMarket HTTP server.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/pflag"
	"go.opentelemetry.io/otel"

	"github.com/fairyhunter13/keymarket/internal/catalog"
	"github.com/fairyhunter13/keymarket/internal/config"
	"github.com/fairyhunter13/keymarket/internal/fulfillment"
	httpapi "github.com/fairyhunter13/keymarket/internal/http"
	"github.com/fairyhunter13/keymarket/internal/messaging"
	"github.com/fairyhunter13/keymarket/internal/messaging/kafka"
	"github.com/fairyhunter13/keymarket/internal/obs"
	"github.com/fairyhunter13/keymarket/internal/queue"
	"github.com/fairyhunter13/keymarket/internal/session"
	"github.com/fairyhunter13/keymarket/internal/store"
	"github.com/fairyhunter13/keymarket/internal/store/postgres"
	"github.com/fairyhunter13/keymarket/internal/store/sqlite"
)

var version = "dev"

func main() {
	cfg := config.Load()
	fs := pflag.NewFlagSet("keymarket", pflag.ExitOnError)
	cfg.AddFlags(fs)
	_ = fs.Parse(os.Args[1:])

	obs.InitLogger(cfg.LogLevel)
	if err := run(cfg); err != nil {
		obs.Logger.Error("service_failed", "error", err)
		os.Exit(1)
	}
}

func openBackend(ctx context.Context, cfg config.Config) (store.Backend, error) {
	switch cfg.StoreBackend {
	case config.BackendSQLite:
		return sqlite.Open(ctx, sqlite.Config{Path: cfg.SQLitePath, PoolSize: cfg.SQLitePoolSize, Logger: obs.Logger})
	case config.BackendPostgres:
		return postgres.Open(ctx, cfg.DatabaseURL, obs.Logger)
	default:
		return store.New(), nil
	}
}

func run(cfg config.Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	obs.Logger.Info("service_starting", "version", version, "store", cfg.StoreBackend, "sessions", cfg.SessionBackend)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	shutdownTracing, err := obs.SetupTracing(ctx, obs.TracingConfig{
		Endpoint:   cfg.OtelEndpoint,
		AuthHeader: cfg.OtelAuthHeader,
		Version:    version,
	})
	if err != nil {
		return fmt.Errorf("failed to set up tracing: %w", err)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(ctx); err != nil {
			obs.Logger.Warn("tracing_shutdown_error", "error", err)
		}
	}()

	backend, err := openBackend(ctx, cfg)
	if err != nil {
		return fmt.Errorf("failed to open %s store: %w", cfg.StoreBackend, err)
	}
	defer func() {
		if err := backend.Close(); err != nil {
			obs.Logger.Warn("store_close_error", "error", err)
		}
	}()

	if cfg.CatalogSeedPath != "" {
		if _, err := catalog.SeedFile(ctx, backend, cfg.CatalogSeedPath, obs.Logger); err != nil {
			return fmt.Errorf("failed to seed catalog: %w", err)
		}
	}

	var (
		sessions session.Store    = session.NewMemory(cfg.SessionTTL)
		registry session.Registry = session.NewMemoryRegistry(cfg.PaymentRetention, cfg.PaymentClaimTTL)
	)
	if cfg.SessionBackend == config.BackendRedis {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		defer rdb.Close()
		if err := rdb.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("failed to reach redis at %s: %w", cfg.RedisAddr, err)
		}
		sessions = session.NewRedis(rdb, cfg.SessionTTL)
		registry = session.NewRedisRegistry(rdb, cfg.PaymentRetention, cfg.PaymentClaimTTL)
	}

	var pub messaging.Publisher = messaging.NewLog(obs.Logger)
	if len(cfg.KafkaBrokers) > 0 {
		kp, err := kafka.New(kafka.Config{
			Brokers:         cfg.KafkaBrokers,
			OrdersTopic:     cfg.KafkaOrdersTopic,
			RejectionsTopic: cfg.KafkaRejectionsTopic,
			TracerProvider:  otel.GetTracerProvider(),
			Logger:          obs.Logger,
		})
		if err != nil {
			return fmt.Errorf("failed to create kafka publisher: %w", err)
		}
		pub = kp
	}
	defer func() {
		if err := pub.Close(); err != nil {
			obs.Logger.Warn("publisher_close_error", "error", err)
		}
	}()

	dispatcher := queue.NewDispatcher(cfg, queue.New(128), pub, obs.Logger)
	dispatcher.Start(ctx)

	engine := fulfillment.New(fulfillment.Options{
		Inventory: backend,
		Ledger:    backend,
		Allocator: backend,
		Sessions:  sessions,
		Registry:  registry,
		Notifier:  dispatcher,
		Logger:    obs.Logger,
	})
	app := httpapi.NewApp(cfg, engine, dispatcher)

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           httpapi.NewRouter(app),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errc := make(chan error, 1)
	go func() {
		obs.Logger.Info("http_listen", "addr", cfg.HTTPAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errc <- err
		}
	}()

	sigc := make(chan os.Signal, 1)
	signal.Notify(sigc, syscall.SIGINT, syscall.SIGTERM)
	select {
	case s := <-sigc:
		obs.Logger.Info("shutdown_signal", "signal", s.String())
	case err := <-errc:
		dispatcher.Stop()
		return fmt.Errorf("http server: %w", err)
	}

	// Finish in-flight payments before closing event intake so their
	// outcome events are not dropped.
	app.StartShutdown()
	ctxSrv, cancelSrv := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelSrv()
	if err := srv.Shutdown(ctxSrv); err != nil {
		obs.Logger.Error("http_shutdown_error", "error", err)
	}

	dispatcher.CloseIntake()
	obs.Logger.Info("shutdown_drain_begin", "backlog_size", dispatcher.BacklogSize(), "worker_count", dispatcher.WorkerCount())
	ctxDrain, cancelDrain := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancelDrain()
	if drained := dispatcher.DrainUntil(ctxDrain); !drained {
		obs.Logger.Warn("shutdown_drain_timeout", "stats", dispatcher.Stats())
	} else {
		obs.Logger.Info("shutdown_drain_complete")
	}
	dispatcher.Stop()
	obs.Logger.Info("service_stopped")
	return nil
}
