// Copyright 2025 James Ross
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/rodrigowb4ey/dataset-processor/internal/api"
	"github.com/rodrigowb4ey/dataset-processor/internal/archive"
	"github.com/rodrigowb4ey/dataset-processor/internal/breaker"
	"github.com/rodrigowb4ey/dataset-processor/internal/broker"
	"github.com/rodrigowb4ey/dataset-processor/internal/config"
	"github.com/rodrigowb4ey/dataset-processor/internal/controller"
	"github.com/rodrigowb4ey/dataset-processor/internal/eventbus"
	"github.com/rodrigowb4ey/dataset-processor/internal/metastore"
	"github.com/rodrigowb4ey/dataset-processor/internal/obs"
	"github.com/rodrigowb4ey/dataset-processor/internal/objectstore"
	"github.com/rodrigowb4ey/dataset-processor/internal/worker"
)

var version = "dev"

func main() {
	var role string
	var configPath string
	var showVersion bool
	fs := flag.NewFlagSet(os.Args[0], flag.ExitOnError)
	fs.StringVar(&role, "role", "all", "Role to run: api|worker|all")
	fs.StringVar(&configPath, "config", "config/config.yaml", "Path to YAML config")
	fs.BoolVar(&showVersion, "version", false, "Print version and exit")
	_ = fs.Parse(os.Args[1:])

	if showVersion {
		fmt.Println(version)
		return
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}
	if role != "" {
		cfg.Role = role
	}
	if err := config.Validate(cfg); err != nil {
		fmt.Fprintf(os.Stderr, "invalid config: %v\n", err)
		os.Exit(1)
	}

	logger, err := obs.NewLogger(cfg.Observability.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to init logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store, err := metastore.Open(ctx, cfg.Postgres.DSN, metastore.PostgresConfig{
		MaxOpenConns:    cfg.Postgres.MaxOpenConns,
		MaxIdleConns:    cfg.Postgres.MaxIdleConns,
		ConnMaxLifetime: cfg.Postgres.ConnMaxLifetime,
	})
	if err != nil {
		logger.Fatal("failed to open metastore", obs.Err(err))
	}
	defer store.Close()

	objects, err := objectstore.New(objectstore.Config{
		Endpoint:        cfg.ObjectStore.Endpoint,
		Region:          cfg.ObjectStore.Region,
		AccessKeyID:     cfg.ObjectStore.AccessKeyID,
		SecretAccessKey: cfg.ObjectStore.SecretAccessKey,
		ForcePathStyle:  cfg.ObjectStore.ForcePathStyle,
	}, cfg.ObjectStore.UploadsBucket, logger)
	if err != nil {
		logger.Fatal("failed to init object store", obs.Err(err))
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:        cfg.Redis.Addr,
		Username:    cfg.Redis.Username,
		Password:    cfg.Redis.Password,
		DB:          cfg.Redis.DB,
		DialTimeout: cfg.Redis.DialTimeout,
		ReadTimeout: cfg.Redis.ReadTimeout,
		MaxRetries:  cfg.Redis.MaxRetries,
	})
	defer rdb.Close()

	brokerCfg := broker.Config{
		QueueKey:              cfg.Broker.QueueKey,
		ProcessingListPattern: cfg.Broker.ProcessingListPattern,
		HeartbeatKeyPattern:   cfg.Broker.HeartbeatKeyPattern,
		HeartbeatTTL:          cfg.Broker.HeartbeatTTL,
		BRPopLPushTimeout:     cfg.Broker.BRPopLPushTimeout,
	}
	redisBroker := broker.New(rdb, brokerCfg, logger)
	reaper := broker.NewReaper(rdb, brokerCfg, cfg.Broker.ReaperInterval, logger)
	go reaper.Run(ctx)

	ctrl := controller.New(store, redisBroker, logger)

	var notifiers worker.MultiNotifier
	if cfg.ClickHouse.Enabled {
		arc, err := archive.New(archive.Config{
			DSN:      cfg.ClickHouse.DSN,
			Database: "default",
			Table:    cfg.ClickHouse.Table,
		}, logger)
		if err != nil {
			logger.Fatal("failed to init analytics archive", obs.Err(err))
		}
		defer arc.Close()
		notifiers = append(notifiers, arc)
	}
	if cfg.EventBus.Enabled {
		bus, err := eventbus.New(cfg.EventBus.URL, cfg.EventBus.Subject, logger)
		if err != nil {
			logger.Fatal("failed to init event bus", obs.Err(err))
		}
		defer bus.Close()
		notifiers = append(notifiers, bus)
	}

	readyCheck := func(c context.Context) error {
		_, err := rdb.Ping(c).Result()
		return err
	}
	adminSrv := obs.StartAdminServer(fmt.Sprintf(":%d", cfg.Observability.MetricsPort), logger, readyCheck)
	defer func() { _ = adminSrv.Shutdown(context.Background()) }()

	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.Info("signal received, shutting down", obs.String("signal", sig.String()))
		cancel()
		select {
		case sig2 := <-sigCh:
			logger.Warn("second signal received, exiting immediately", obs.String("signal", sig2.String()))
			os.Exit(1)
		case <-time.After(10 * time.Second):
		}
	}()

	switch cfg.Role {
	case "api":
		runAPI(ctx, cfg, store, objects, ctrl, logger)
	case "worker":
		runWorker(ctx, cfg, store, objects, redisBroker, notifiers, logger)
	case "all":
		go runWorker(ctx, cfg, store, objects, redisBroker, notifiers, logger)
		runAPI(ctx, cfg, store, objects, ctrl, logger)
	default:
		logger.Fatal("unknown role", obs.String("role", cfg.Role))
	}
}

func runAPI(ctx context.Context, cfg *config.Config, store metastore.Store, objects objectstore.Store, ctrl *controller.Controller, logger *zap.Logger) {
	a := api.New(store, objects, ctrl, api.Config{
		MaxUploadBytes: cfg.HTTP.MaxUploadBytes,
		UploadsBucket:  cfg.ObjectStore.UploadsBucket,
		ReportsBucket:  cfg.ObjectStore.ReportsBucket,
	}, logger)

	handler := api.NewRouter(a, logger)
	httpSrv := &http.Server{
		Addr:         cfg.HTTP.Addr,
		Handler:      handler,
		ReadTimeout:  cfg.HTTP.ReadTimeout,
		WriteTimeout: cfg.HTTP.WriteTimeout,
	}
	go func() {
		logger.Info("http server listening", obs.String("addr", cfg.HTTP.Addr))
		if err := httpSrv.ListenAndServe(); err != nil {
			logger.Info("http server stopped", obs.Err(err))
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
	defer cancel()
	_ = httpSrv.Shutdown(shutdownCtx)
}

func runWorker(ctx context.Context, cfg *config.Config, store metastore.Store, objects objectstore.Store, b broker.Broker, notify worker.MultiNotifier, logger *zap.Logger) {
	pipeline := worker.New(store, objects, worker.Config{
		MaxRetries:   cfg.Worker.MaxRetries,
		BackoffBase:  cfg.Worker.Backoff.Base,
		BackoffMax:   cfg.Worker.Backoff.Max,
		MaxBytes:     cfg.Parser.MaxBytes,
		MaxRows:      cfg.Parser.MaxRows,
		UploadBucket: cfg.ObjectStore.UploadsBucket,
		ReportBucket: cfg.ObjectStore.ReportsBucket,
	}, logger, notify)

	cb := breaker.New(cfg.CircuitBreaker.Window, cfg.CircuitBreaker.CooldownPeriod, cfg.CircuitBreaker.FailureThreshold, cfg.CircuitBreaker.MinSamples)
	pool := worker.NewPool(pipeline, b, worker.PoolConfig{
		Count:        cfg.Worker.Count,
		BreakerPause: cfg.Worker.BreakerPause,
	}, cb, logger)
	pool.Run(ctx)
}
