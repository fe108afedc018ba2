package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"alertrelay/pkg/bus"
	"alertrelay/pkg/db"
	"alertrelay/pkg/directoryapi"
	"alertrelay/pkg/lockfile"
	"alertrelay/pkg/s3"
	"alertrelay/pkg/telemetry"
	"alertrelay/services/api"
	"alertrelay/services/credentials"
	"alertrelay/services/directory"
	"alertrelay/services/presence"
	"alertrelay/services/relay/config"
	"alertrelay/services/scheduler"
	"alertrelay/services/sessions"
)

func main() {
	if err := run("relayd"); err != nil {
		log.New(os.Stderr, "", log.LstdFlags).Fatal(err)
	}
}

func run(serviceName string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// A missing .env is the normal case outside local development.
	_ = godotenv.Load()

	cfg, err := config.Load(ctx, nil)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	shutdownTelemetry, middleware, logger, err := telemetry.Init(ctx, serviceName, telemetry.Options{
		Endpoint: cfg.OTLPEndpoint,
		Format:   cfg.LogFormat,
	})
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTelemetry(shutdownCtx); err != nil {
			fmt.Fprintf(os.Stderr, "%s: telemetry shutdown error: %v\n", serviceName, err)
		}
	}()

	lock, err := lockfile.Acquire(cfg.StateDir, serviceName+".lock")
	if err != nil {
		return fmt.Errorf("acquire state lock: %w", err)
	}
	defer func() {
		if err := lock.Release(); err != nil {
			logger.Warn().Err(err).Msg("release state lock")
		}
	}()

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	broker, err := connectBus(cfg, serviceName, logger)
	if err != nil {
		return fmt.Errorf("connect nats: %w", err)
	}
	defer broker.Close()

	apiClient, err := directoryapi.New(cfg.DirectoryAPIURL, nil)
	if err != nil {
		return fmt.Errorf("directory api client: %w", err)
	}

	protector, err := credentials.NewAgeProtector(cfg.IdentityPath())
	if err != nil {
		return fmt.Errorf("load identity: %w", err)
	}

	// The cache reads the token through creds, which is assigned right after.
	var creds *credentials.Store
	users := directory.New(apiClient, func() string { return creds.Token() }, reg, logger)
	creds = credentials.New(cfg.TokenPath(), protector, apiClient, users, logger)
	if _, ok := creds.Load(); !ok {
		logger.Warn().Msg("no api token configured; set one with relayctl token set")
	}

	var pool *pgxpool.Pool
	if cfg.NeedsDatabase() {
		pool, err = db.Open(ctx, cfg.DBDSN)
		if err != nil {
			return fmt.Errorf("open database: %w", err)
		}
		defer pool.Close()
		if err := db.Migrate(ctx, pool); err != nil {
			return fmt.Errorf("migrate database: %w", err)
		}
	}

	snap, err := newSnapshotter(ctx, cfg, pool)
	if err != nil {
		return err
	}

	wake := scheduler.NewWake()
	store := sessions.New(users, snap, wake, reg, logger)
	if err := store.Load(ctx); err != nil {
		return err
	}

	ledgerStore, err := newLedgerStore(cfg, broker)
	if err != nil {
		return err
	}
	ledger := scheduler.NewLedger(ledgerStore, cfg.LedgerMargin, logger)
	if err := ledger.Load(ctx); err != nil {
		logger.Warn().Err(err).Msg("delivery ledger not restored, starting empty")
	}

	sched, err := scheduler.New(scheduler.Config{
		PollInterval:        cfg.PollInterval,
		InactivityThreshold: cfg.InactivityThreshold,
		StartPaused:         cfg.StartPaused,
	}, scheduler.Deps{
		Sessions:   store,
		Fetcher:    apiClient,
		Publisher:  broker,
		Ledger:     ledger,
		Wake:       wake,
		Token:      creds.Token,
		Registerer: reg,
		Logger:     logger,
	})
	if err != nil {
		return fmt.Errorf("create scheduler: %w", err)
	}

	gateway := presence.New(broker, store, reg, logger)
	if err := gateway.Start(ctx); err != nil {
		return fmt.Errorf("start presence gateway: %w", err)
	}
	defer gateway.Close()

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		users.Run(ctx, cfg.DirectoryRefreshInterval)
	}()
	go func() {
		defer wg.Done()
		if err := sched.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error().Err(err).Msg("scheduler stopped")
		}
	}()
	defer func() {
		stop()
		wg.Wait()
	}()

	handlers, err := api.New(api.Config{
		AllowedOrigins:      cfg.AllowedOrigins,
		RateLimit:           cfg.RateLimit,
		InactivityThreshold: cfg.InactivityThreshold,
	}, api.Deps{
		Directory:   users,
		Sessions:    store,
		Credentials: creds,
		Daemon:      sched,
		Publisher:   broker,
		Ready: func(ctx context.Context) error {
			if !broker.Connected() {
				return errors.New("nats disconnected")
			}
			if pool != nil {
				return db.Ping(ctx, pool)
			}
			return nil
		},
		Metrics:    promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}),
		Middleware: middleware,
		Logger:     logger,
	})
	if err != nil {
		return fmt.Errorf("create api: %w", err)
	}

	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           handlers.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			fmt.Fprintf(os.Stderr, "%s: http shutdown error: %v\n", serviceName, err)
		}
	}()

	logger.Info().
		Str("addr", server.Addr).
		Str("sessions", cfg.SessionBackend).
		Str("ledger", cfg.LedgerBackend).
		Bool("paused", cfg.StartPaused).
		Msg("relay listening")

	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("http: %w", err)
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		return nil
	}
}

func connectBus(cfg config.Config, serviceName string, logger zerolog.Logger) (*bus.Bus, error) {
	opts := []nats.Option{
		nats.Name(serviceName + "-" + uuid.NewString()),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2 * time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn().Err(err).Msg("nats disconnected")
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info().Str("url", nc.ConnectedUrl()).Msg("nats reconnected")
		}),
	}
	if cfg.NATSUser != "" {
		opts = append(opts, nats.UserInfo(cfg.NATSUser, cfg.NATSPass))
	}
	return bus.New(cfg.NATSURL, opts...)
}

func newSnapshotter(ctx context.Context, cfg config.Config, pool *pgxpool.Pool) (sessions.Snapshotter, error) {
	switch cfg.SessionBackend {
	case config.BackendPostgres:
		return sessions.NewPostgresSnapshotter(pool), nil
	case config.BackendS3:
		client, err := s3.New(ctx, cfg.S3Options())
		if err != nil {
			return nil, fmt.Errorf("s3 client: %w", err)
		}
		snap, err := sessions.NewS3Snapshotter(client, cfg.SnapshotBucket, cfg.SnapshotKey)
		if err != nil {
			return nil, fmt.Errorf("s3 snapshotter: %w", err)
		}
		return snap, nil
	default:
		return sessions.NewFileSnapshotter(cfg.SessionsPath()), nil
	}
}

func newLedgerStore(cfg config.Config, broker *bus.Bus) (scheduler.LedgerStore, error) {
	switch cfg.LedgerBackend {
	case config.BackendNATS:
		kv, err := broker.KeyValue(scheduler.LedgerBucket, cfg.LedgerMargin)
		if err != nil {
			return nil, fmt.Errorf("ledger bucket: %w", err)
		}
		return scheduler.NewKVLedgerStore(kv), nil
	case config.BackendPostgres:
		orm, err := db.OpenGorm(cfg.DBDSN)
		if err != nil {
			return nil, fmt.Errorf("open ledger database: %w", err)
		}
		return scheduler.NewGormLedgerStore(orm), nil
	default:
		return nil, nil
	}
}
