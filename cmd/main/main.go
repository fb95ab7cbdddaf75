package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"gitlab.com/timkado/api/daisi-wa-bot-fleet/internal/broadcast"
	"gitlab.com/timkado/api/daisi-wa-bot-fleet/internal/cleanup"
	"gitlab.com/timkado/api/daisi-wa-bot-fleet/internal/config"
	"gitlab.com/timkado/api/daisi-wa-bot-fleet/internal/control"
	"gitlab.com/timkado/api/daisi-wa-bot-fleet/internal/eventsink"
	"gitlab.com/timkado/api/daisi-wa-bot-fleet/internal/gate"
	"gitlab.com/timkado/api/daisi-wa-bot-fleet/internal/healthcheck"
	"gitlab.com/timkado/api/daisi-wa-bot-fleet/internal/jetstream"
	"gitlab.com/timkado/api/daisi-wa-bot-fleet/internal/observer"
	"gitlab.com/timkado/api/daisi-wa-bot-fleet/internal/responder"
	"gitlab.com/timkado/api/daisi-wa-bot-fleet/internal/session"
	"gitlab.com/timkado/api/daisi-wa-bot-fleet/internal/storage"
	"gitlab.com/timkado/api/daisi-wa-bot-fleet/internal/transport"
	"gitlab.com/timkado/api/daisi-wa-bot-fleet/pkg/logger"
	"gitlab.com/timkado/api/daisi-wa-bot-fleet/pkg/utils"
)

const (
	serviceName = "daisi-wa-bot-fleet"
	version     = "1.0.0"
)

func main() {
	// Set timezone to UTC
	time.Local = time.UTC

	cfg, err := config.LoadConfig("")
	if err != nil {
		fmt.Printf("Failed to load config: %v\n", err)
		os.Exit(1)
	}

	if err := logger.Initialize(cfg.LogLevel); err != nil {
		fmt.Printf("Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	metricsEnabled := cfg.Metrics.Enabled
	observer.InitMetrics(metricsEnabled)

	logger.Log.Info("Starting Daisi WA Bot Fleet",
		zap.String("environment", cfg.Environment),
		zap.String("nats_url", cfg.NATS.URL),
		zap.String("session_dir", cfg.WhatsApp.SessionDir),
	)

	repo, err := initRepo(cfg)
	if err != nil {
		logger.Log.Fatal("Failed to initialize repository", zap.Error(err))
	}

	jsClient, err := initJetStreamClient(cfg.NATS.URL)
	if err != nil {
		logger.Log.Fatal("Failed to initialize JetStream client", zap.Error(err))
	}

	sink, err := initSink(cfg, jsClient)
	if err != nil {
		logger.Log.Fatal("Failed to initialize event sink", zap.Error(err))
	}

	dispatcher, err := gate.NewDispatcher(gate.DispatcherConfig{
		PoolSize:   cfg.Pipeline.WorkerPool.PoolSize,
		ExpiryTime: cfg.Pipeline.WorkerPool.ExpiryTime,
	}, logger.Log)
	if err != nil {
		logger.Log.Fatal("Failed to initialize dispatcher", zap.Error(err))
	}

	// Connections outlive the commands that start them and end with mainCtx.
	mainCtx, mainCancel := context.WithCancel(context.Background())
	defer mainCancel()

	manager := session.NewManager(mainCtx, session.Dependencies{
		Factory: transport.NewWhatsmeowFactory(transport.WhatsmeowOptions{
			SessionDir: cfg.WhatsApp.SessionDir,
			OSName:     cfg.WhatsApp.OSName,
		}, logger.Log),
		Store:      repo,
		Sink:       sink,
		Responder:  responder.NewOpenAIResponder(cfg.Responder, logger.Log),
		Dispatcher: dispatcher,
		Log:        logger.Log,
	}, session.Settings{
		ReconnectDelay:  cfg.Session.ReconnectDelay,
		JanitorInterval: cfg.Pipeline.DedupSweep,
		ReminderSpec:    cfg.Reminder.Spec,
		Gate: gate.Settings{
			DedupTTL:       cfg.Pipeline.DedupTTL,
			ConfigCacheTTL: cfg.Pipeline.ConfigCacheTTL,
			SelfResolution: cfg.Pipeline.SelfResolution,
		},
	}, cfg.Session)

	engine := broadcast.NewEngine(cfg.Broadcast, repo, sink, logger.Log)

	var consumer *control.Consumer
	if cfg.NATS.Control.Enabled {
		router := control.NewRouter()
		control.Register(router, control.NewManagedFleet(manager, engine, repo))
		consumer = control.NewConsumer(jsClient, router, cfg.NATS.Control, logger.Log)
		if err := consumer.Setup(); err != nil {
			logger.Log.Fatal("Failed to set up control consumer", zap.Error(err))
		}
	} else {
		logger.Log.Info("Control consumer disabled")
	}

	var retention *cleanup.Job
	if cfg.Cleanup.Enabled {
		retention = cleanup.NewJob(cfg.Cleanup, repo, logger.Log)
		if err := retention.Start(mainCtx); err != nil {
			logger.Log.Fatal("Failed to start retention job", zap.Error(err))
		}
	}

	healthServer := healthcheck.NewServer(strconv.Itoa(cfg.Server.Port), version, logger.Log)
	healthServer.AddCheck("database", func(ctx context.Context) (string, error) {
		return "reachable", repo.Ping(ctx)
	})
	healthServer.AddCheck("nats", func(context.Context) (string, error) {
		if !jsClient.Healthy() {
			return "disconnected", fmt.Errorf("nats connection is down")
		}
		return "connected", nil
	})
	healthServer.AddCheck("sessions", func(context.Context) (string, error) {
		return fmt.Sprintf("%d active, %d campaigns", manager.Count(), engine.Active()), nil
	})

	if metricsEnabled {
		healthServer.RegisterMetricsHandler(promhttp.Handler())
		logger.Log.Info("Metrics endpoint enabled", zap.String("path", "/metrics"), zap.Int("port", cfg.Server.Port))
	} else {
		logger.Log.Info("Metrics endpoint disabled for environment", zap.String("environment", cfg.Environment))
	}

	healthServer.Start()

	logger.Log.Info("Health check endpoints available",
		zap.String("health", fmt.Sprintf("http://localhost:%d/health", cfg.Server.Port)),
		zap.String("readiness", fmt.Sprintf("http://localhost:%d/ready", cfg.Server.Port)),
	)

	// Restoring waits on paced batches, the control plane must not.
	utils.SafeGo(func() {
		n, err := manager.RestoreAll(mainCtx)
		if err != nil {
			logger.Log.Error("Session restore failed", zap.Error(err), zap.Int("restored", n))
			return
		}
		logger.Log.Info("Session restore complete", zap.Int("restored", n))
	}, nil)

	if consumer != nil {
		if err := consumer.Start(); err != nil {
			logger.Log.Fatal("Failed to start control consumer", zap.Error(err))
		}
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigChan
	logger.Log.Info("Received termination signal", zap.String("signal", sig.String()))

	shutdownTimeout := cfg.Session.ShutdownTimeout
	if shutdownTimeout <= 0 {
		shutdownTimeout = 30 * time.Second
	}
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	logger.Log.Info("Starting graceful shutdown", zap.Duration("timeout", shutdownTimeout))

	// Stop taking commands before tearing sessions down.
	if consumer != nil {
		logger.Log.Info("[shutdown] Stopping control consumer")
		consumer.Stop()
	}
	if retention != nil {
		logger.Log.Info("[shutdown] Stopping retention job")
		retention.Stop()
	}

	var wg sync.WaitGroup
	wg.Add(2)

	utils.SafeGo(func() {
		defer wg.Done()
		logger.Log.Info("[shutdown] Stopping sessions", zap.Int("count", manager.Count()))
		start := time.Now()
		if err := manager.ShutdownAll(shutdownCtx); err != nil {
			logger.Log.Error("[shutdown] Error stopping sessions", zap.Error(err))
		}
		mainCancel()
		dispatcher.Release(5 * time.Second)
		logger.Log.Info("[shutdown] Sessions stopped", zap.Duration("duration", time.Since(start)))
	}, func(r interface{}, stack []byte) {
		logger.Log.Error("[shutdown] Panic while stopping sessions",
			zap.Any("panic", r),
			zap.ByteString("stack", stack),
		)
		wg.Done()
	})

	utils.SafeGo(func() {
		defer wg.Done()
		logger.Log.Info("[shutdown] Stopping health check server")
		start := time.Now()
		if err := healthServer.Stop(shutdownCtx); err != nil {
			logger.Log.Error("[shutdown] Error stopping health check server", zap.Error(err))
		} else {
			logger.Log.Info("[shutdown] Health check server stopped",
				zap.Duration("duration", time.Since(start)))
		}
	}, func(r interface{}, stack []byte) {
		logger.Log.Error("[shutdown] Panic while stopping health check server",
			zap.Any("panic", r),
			zap.ByteString("stack", stack),
		)
		wg.Done()
	})

	waitCh := make(chan struct{})
	go func() {
		wg.Wait()
		close(waitCh)
	}()

	select {
	case <-waitCh:
		logger.Log.Info("[shutdown] Sessions and servers stopped gracefully")
	case <-shutdownCtx.Done():
		logger.Log.Warn("[shutdown] Graceful shutdown timed out, forcing exit")
	}

	// Status writes of closing sessions need the store and the event stream.
	logger.Log.Info("[shutdown] Closing JetStream connection")
	jsClient.Close()

	logger.Log.Info("[shutdown] Closing database connection")
	closeCtx, closeCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer closeCancel()
	if err := repo.Close(closeCtx); err != nil {
		logger.Log.Error("[shutdown] Failed to close database connection", zap.Error(err))
	}

	logger.Log.Info("Daisi WA Bot Fleet shutdown complete")
}

// initRepo opens Postgres when a DSN is configured and falls back to SQLite.
func initRepo(cfg *config.Config) (*storage.Repo, error) {
	if dsn := cfg.Database.PostgresDSN; dsn != "" {
		repo, err := storage.NewPostgresRepo(dsn, cfg.Database.PostgresAutoMigrate)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize postgres repository: %w", err)
		}
		logger.Log.Info("Initialized PostgreSQL repository")
		return repo, nil
	}

	if dsn := cfg.Database.SQLiteDSN; dsn != "" {
		repo, err := storage.NewSQLiteRepo(dsn)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize sqlite repository: %w", err)
		}
		logger.Log.Info("Initialized SQLite repository", zap.String("dsn", dsn))
		return repo, nil
	}

	return nil, fmt.Errorf("either postgres or sqlite DSN is required")
}

func initJetStreamClient(url string) (*jetstream.Client, error) {
	client, err := jetstream.NewClient(url, serviceName)
	if err != nil {
		return nil, fmt.Errorf("failed to create JetStream client: %w", err)
	}
	return client, nil
}

// initSink always logs events and publishes them when the event stream is on.
func initSink(cfg *config.Config, js *jetstream.Client) (eventsink.Sink, error) {
	sinks := eventsink.Multi{eventsink.NewLogSink(logger.Log)}
	if !cfg.NATS.Events.Enabled {
		return sinks, nil
	}

	natsSink := eventsink.NewNATSSink(js, cfg.NATS.Events, logger.Log)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := natsSink.Setup(ctx); err != nil {
		return nil, err
	}
	return append(sinks, natsSink), nil
}
