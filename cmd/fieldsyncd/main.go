// cmd/fieldsyncd/main.go
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hibiken/asynq"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/ambiyansyah-risyal/fieldsync"
	"github.com/ambiyansyah-risyal/fieldsync/internal/admin"
	"github.com/ambiyansyah-risyal/fieldsync/internal/config"
	"github.com/ambiyansyah-risyal/fieldsync/internal/jobs"
)

func main() {
	logger := zerolog.New(os.Stdout).With().Timestamp().Str("service", "fieldsyncd").Logger()

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal().Err(err).Msg("load config")
	}
	if level, err := zerolog.ParseLevel(cfg.LogLevel); err == nil {
		logger = logger.Level(level)
	}
	log := fieldsync.NewZerologLogger(logger)
	logger.Info().Str("version", fieldsync.VersionString()).Msg("starting fieldsyncd")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, closeStore, err := openStore(ctx, cfg)
	if err != nil {
		logger.Fatal().Err(err).Str("store", cfg.Store).Msg("open store")
	}
	defer closeStore()

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := fieldsync.NewMetricsCollectorWithRegistry(registry)

	transportOpts := []fieldsync.TransportOption{
		fieldsync.WithRequestTimeout(cfg.RequestTimeout),
		fieldsync.WithUserAgent("fieldsyncd/" + fieldsync.GetVersion()),
	}
	if cfg.APIToken != "" {
		transportOpts = append(transportOpts, fieldsync.WithStaticToken(cfg.APIToken))
	}
	transport, err := fieldsync.NewHTTPTransport(cfg.BaseURL, transportOpts...)
	if err != nil {
		logger.Fatal().Err(err).Msg("build transport")
	}

	clientOpts := append([]fieldsync.Option{
		fieldsync.WithDurableStore(store),
		fieldsync.WithLogger(log),
		fieldsync.WithMetricsCollector(metrics),
	}, cfg.Policy.ClientOptions()...)
	client := fieldsync.New(transport, clientOpts...)
	if !client.IsValid() {
		logger.Fatal().Err(client.ValidationError()).Msg("invalid client configuration")
	}

	queue := fieldsync.NewQueueStore(store, fieldsync.WithStoreLogger(log), fieldsync.WithStoreMetrics(metrics))
	manager := fieldsync.NewSyncManager(client, queue, fieldsync.SyncConfig{
		MaxQueueRetries: cfg.Policy.MaxQueueRetries,
		Logger:          log,
		Metrics:         metrics,
	})
	manager.AddListener(func(ev fieldsync.SyncEvent) {
		if ev.Type == fieldsync.EventSyncError {
			logger.Warn().Err(ev.Err).Msg("sync pass aborted")
		}
	})

	g, ctx := errgroup.WithContext(ctx)

	var requester admin.SyncRequester
	if cfg.RedisAddr != "" {
		requester = startWorker(ctx, g, cfg, manager, log, logger)
	} else {
		requester = admin.SyncRequesterFunc(func(context.Context, string) error {
			manager.Trigger()
			return nil
		})
		g.Go(func() error {
			logger.Info().Dur("interval", cfg.SyncInterval).Msg("in-process sync loop running")
			if err := manager.Run(ctx, cfg.SyncInterval); !errors.Is(err, context.Canceled) {
				return err
			}
			return nil
		})
	}

	srv := &http.Server{
		Addr: cfg.AdminAddr,
		Handler: admin.NewRouter(admin.Options{
			Stats:    queue,
			Cache:    client,
			Sync:     requester,
			Syncing:  manager.Syncing,
			Gatherer: registry,
			Logger:   logger,
			Version:  fieldsync.GetVersion(),
		}),
		ReadHeaderTimeout: 10 * time.Second,
	}
	g.Go(func() error {
		logger.Info().Str("addr", cfg.AdminAddr).Msg("admin server listening")
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		logger.Error().Err(err).Msg("fieldsyncd stopped")
		os.Exit(1)
	}
	logger.Info().Msg("fieldsyncd stopped")
}

// startWorker runs the asynq server and scheduler and returns a requester that
// enqueues through Redis.
func startWorker(ctx context.Context, g *errgroup.Group, cfg *config.Config, manager *fieldsync.SyncManager, log fieldsync.Logger, logger zerolog.Logger) admin.SyncRequester {
	redisOpt := asynq.RedisClientOpt{Addr: cfg.RedisAddr}

	srv := asynq.NewServer(redisOpt, asynq.Config{
		Concurrency: 1,
		Queues:      map[string]int{jobs.QueueSync: 10, "default": 1},
	})
	mux := asynq.NewServeMux()
	jobs.NewHandler(manager, log).Register(mux)

	scheduler := asynq.NewScheduler(redisOpt, nil)
	if cfg.SyncInterval > 0 {
		entryID, err := jobs.RegisterSchedule(scheduler, cfg.SyncInterval)
		if err != nil {
			logger.Fatal().Err(err).Msg("register sync schedule")
		}
		logger.Info().Str("entry", entryID).Dur("interval", cfg.SyncInterval).Msg("sync scheduled")
	}

	g.Go(func() error {
		if err := srv.Start(mux); err != nil {
			return err
		}
		<-ctx.Done()
		srv.Shutdown()
		return nil
	})
	g.Go(func() error {
		if err := scheduler.Start(); err != nil {
			return err
		}
		<-ctx.Done()
		scheduler.Shutdown()
		return nil
	})

	client := asynq.NewClient(redisOpt)
	g.Go(func() error {
		<-ctx.Done()
		return client.Close()
	})
	return jobs.NewDispatcher(client, log)
}
