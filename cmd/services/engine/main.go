package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/flowgrid/flowgrid/internal/credential"
	"github.com/flowgrid/flowgrid/internal/engine"
	"github.com/flowgrid/flowgrid/internal/gateway"
	_ "github.com/flowgrid/flowgrid/internal/node/runtime/library"
	_ "github.com/flowgrid/flowgrid/internal/node/runtime/nodes"
	"github.com/flowgrid/flowgrid/internal/platform/config"
	"github.com/flowgrid/flowgrid/internal/platform/logger"
	"github.com/flowgrid/flowgrid/internal/platform/messaging/kafka"
	"github.com/flowgrid/flowgrid/internal/platform/metrics"
	"github.com/flowgrid/flowgrid/internal/platform/telemetry"
	"github.com/flowgrid/flowgrid/internal/trigger"
	"github.com/flowgrid/flowgrid/internal/workflow/store"
)

func main() {
	cfg, err := config.Load("engine")
	if err != nil {
		panic(fmt.Sprintf("failed to load config: %v", err))
	}

	log := logger.New(cfg.Logger)
	log.Info("Starting FlowGrid Engine", "version", cfg.Version, "port", cfg.HTTP.Port,
		"workers", cfg.Engine.Workers(), "store", cfg.Engine.Store, "devMode", cfg.Engine.DevMode)

	if cfg.Telemetry.TracingEnabled {
		tel, err := telemetry.New(telemetry.Config{
			ServiceName:    cfg.Telemetry.ServiceName,
			Version:        cfg.Version,
			JaegerEndpoint: cfg.Telemetry.JaegerEndpoint,
		})
		if err != nil {
			log.Warn("tracing disabled", "error", err)
		} else {
			defer tel.Close()
		}
	}

	ctx := context.Background()

	execStore, closeExecStore, err := openExecutionStore(ctx, cfg)
	if err != nil {
		log.Fatal("failed to open execution store", "error", err)
	}
	defer closeExecStore()

	workflows, closeWorkflows, err := openWorkflowStore(ctx, cfg)
	if err != nil {
		log.Fatal("failed to open workflow store", "error", err)
	}
	defer closeWorkflows()

	m := metrics.New(cfg.Service.Name)
	eng := engine.New(engine.Config{
		MaxWorkers:              cfg.Engine.MaxWorkers,
		QueueSize:               cfg.Engine.QueueSize,
		DefaultNodeTimeout:      cfg.Engine.DefaultNodeTimeout,
		DefaultExecutionTimeout: cfg.Engine.ExecutionTimeout,
		DevMode:                 cfg.Engine.DevMode,
	}, execStore, log, engine.WithMetrics(m))
	eng.Start()
	defer eng.Stop(30 * time.Second)

	var vault *credential.Vault
	if cfg.Vault.MasterKey != "" {
		if vault, err = credential.NewVault(cfg.Vault.MasterKey); err != nil {
			log.Fatal("failed to open credential vault", "error", err)
		}
	} else {
		log.Warn("credential vault disabled: no master key configured")
	}

	if cfg.Triggers.ScheduleEnabled {
		scheduler := trigger.NewScheduler(eng, workflows, log)
		if err := scheduler.Start(ctx); err != nil {
			log.Fatal("failed to start scheduler", "error", err)
		}
		defer scheduler.Stop()
	}

	if cfg.Triggers.FileEnabled {
		watcher := trigger.NewWatcher(eng, workflows, cfg.Triggers.WatchDir, log)
		if err := watcher.Start(); err != nil {
			log.Fatal("failed to start file watcher", "error", err)
		}
		defer watcher.Stop()
	}

	if cfg.Kafka.Enabled {
		sink, err := kafka.NewSink(cfg.Kafka.Brokers, cfg.Kafka.EventTopic, log)
		if err != nil {
			log.Fatal("failed to connect kafka sink", "error", err)
		}
		sink.Run(eng.Events())
		defer sink.Close()
	}

	srv := gateway.New(cfg, eng, workflows, vault, m, log)
	registerHealthChecks(srv, execStore, workflows)

	errCh := make(chan error, 1)
	go func() {
		if err := srv.Start(); err != nil {
			errCh <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		log.Error("server error", "error", err)
	case sig := <-sigCh:
		log.Info("received shutdown signal", "signal", sig)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("shutdown error", "error", err)
	}

	log.Info("FlowGrid Engine stopped gracefully")
}

// openExecutionStore picks the execution history backend from config.
func openExecutionStore(ctx context.Context, cfg *config.Config) (engine.Store, func(), error) {
	switch cfg.Engine.Store {
	case "postgres":
		s, err := engine.NewPostgresStore(ctx, cfg.Database.DSN())
		if err != nil {
			return nil, nil, err
		}
		return s, func() { s.Close() }, nil
	case "redis":
		s, err := engine.NewRedisStore(ctx, cfg.Redis.Addr(), cfg.Redis.Password, cfg.Redis.DB)
		if err != nil {
			return nil, nil, err
		}
		return s, func() { s.Close() }, nil
	default:
		return engine.NewMemoryStore(cfg.Engine.HistoryLimit), func() {}, nil
	}
}

// openWorkflowStore picks the workflow definition backend. Redis holds only
// execution history, so workflow documents fall back to memory there.
func openWorkflowStore(ctx context.Context, cfg *config.Config) (store.Store, func(), error) {
	if cfg.Engine.Store == "postgres" {
		s, err := store.NewPostgresStore(ctx, cfg.Database.DSN())
		if err != nil {
			return nil, nil, err
		}
		return s, func() { s.Close() }, nil
	}
	return store.NewMemoryStore(), func() {}, nil
}

func registerHealthChecks(srv *gateway.Server, execStore engine.Store, workflows store.Store) {
	if p, ok := execStore.(interface{ Ping(context.Context) error }); ok {
		srv.Health().AddCheck("execution-store", p.Ping)
	}
	if p, ok := workflows.(interface{ Ping(context.Context) error }); ok {
		srv.Health().AddCheck("workflow-store", p.Ping)
	}
}
