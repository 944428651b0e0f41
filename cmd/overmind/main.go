// Package main is the entry point for the Overmind orchestrator.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/overmind-sh/overmind/internal/common/config"
	"github.com/overmind-sh/overmind/internal/common/logger"
	"github.com/overmind-sh/overmind/internal/conflict"
	"github.com/overmind-sh/overmind/internal/events"
	"github.com/overmind-sh/overmind/internal/httpapi"
	ipcserver "github.com/overmind-sh/overmind/internal/ipc"
	"github.com/overmind-sh/overmind/internal/lifecycle"
	"github.com/overmind-sh/overmind/internal/orchestrator"
	"github.com/overmind-sh/overmind/internal/registry"
	"github.com/overmind-sh/overmind/internal/roles"
	"github.com/overmind-sh/overmind/internal/scheduler"
	"github.com/overmind-sh/overmind/internal/store"
	"github.com/overmind-sh/overmind/internal/supervisor"
	"github.com/overmind-sh/overmind/internal/verify"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		OutputPath: cfg.Logging.OutputPath,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()
	logger.SetDefault(log)

	log.Info("starting overmind",
		zap.String("session_dir", cfg.Session.Dir))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	providedBus, busCleanup, err := events.Provide(cfg, log)
	if err != nil {
		log.Fatal("event bus init failed", zap.Error(err))
	}
	defer busCleanup()

	st := store.New(store.Config{
		Dir:            cfg.Session.TasksDir(),
		Actor:          cfg.Session.Actor,
		ActivityCap:    cfg.Store.ActivityCap,
		ActivityLimit:  cfg.Store.ActivityLimit,
		AgentTTL:       cfg.Store.AgentTTLDuration(),
		AgentCap:       cfg.Store.AgentCap,
		FlushDelay:     cfg.Store.FlushDelayDuration(),
		MessageHistory: cfg.Store.MessageHistory,
	}, providedBus.Bus, log)

	reg := registry.New(registry.Config{
		MaxEvents:         cfg.Registry.MaxEvents,
		HeartbeatInterval: cfg.Registry.HeartbeatIntervalDuration(),
	}, log)

	tbl, err := roles.Load(cfg.Roles.Path, log)
	if err != nil {
		log.Fatal("role table load failed", zap.Error(err))
	}

	socketPath := cfg.IPC.SocketPath
	if socketPath == "" {
		socketPath = filepath.Join(cfg.Session.Dir, "overmind.sock")
	}

	sup := supervisor.New(supervisor.Config{
		Command:    cfg.Agent.Command,
		Args:       cfg.Agent.Args,
		SocketPath: socketPath,
		SessionDir: cfg.Session.Dir,
	}, log)

	lc := lifecycle.New(lifecycle.Config{
		StopWait: cfg.IPC.StopTimeoutDuration(),
	}, sup, st, reg, tbl, log)

	sched := scheduler.New(st, reg, log)

	coord := conflict.New(conflict.DefaultConfig(),
		newAgentResolver(sup, log), log)

	svc := orchestrator.New(orchestrator.Config{
		MaxConcurrent: cfg.Scheduler.MaxConcurrent,
	}, st, sched, lc, providedBus.Bus, log)
	if err := svc.Start(ctx); err != nil {
		log.Fatal("orchestrator start failed", zap.Error(err))
	}

	// Each worker spawn captures its own baseline through the lifecycle
	// coordinator; nothing is shared across agent generations.
	verifiers := verify.NewManager(cfg.Session.Repo, log)
	lc.SetCompletionGate(verifiers)

	router := ipcserver.BuildRouter(ipcserver.Deps{
		Store:     st,
		Registry:  reg,
		Lifecycle: lc,
		Conflict:  coord,
		Roles:     tbl,
		Admitter:  svc,
		Verifier:  verifiers,
		WaitBound: cfg.IPC.WaitBoundDuration(),
		Log:       log,
	})
	ipcSrv := ipcserver.NewServer(router, cfg.IPC.WaitBoundDuration(), log)
	if err := ipcSrv.Listen(socketPath); err != nil {
		log.Fatal("ipc listen failed",
			zap.String("socket", socketPath), zap.Error(err))
	}

	reg.StartHeartbeat(ctx, st)

	var httpSrv *httpapi.Server
	if cfg.HTTP.Enabled {
		httpSrv = httpapi.New(httpapi.Config{
			Host: cfg.HTTP.Host,
			Port: cfg.HTTP.Port,
		}, st, reg, log)
		httpSrv.Start()
	}

	// pick up tasks that were in flight when the previous process died
	if n, err := svc.RecoverOrphans(ctx, cfg.Scheduler.MaxConcurrent); err != nil {
		log.Warn("orphan recovery failed", zap.Error(err))
	} else if n > 0 {
		log.Info("recovered orphaned tasks", zap.Int("count", n))
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return ipcSrv.Serve(gctx) })

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-quit:
		log.Info("shutdown signal received", zap.String("signal", sig.String()))
	case <-gctx.Done():
	}

	// Shutdown order: stop accepting requests and drain handlers, stop
	// the heartbeat tick, sweep remaining agents, then flush the store.
	if err := ipcSrv.Close(); err != nil {
		log.Warn("ipc close failed", zap.Error(err))
	}
	_ = g.Wait()

	if httpSrv != nil {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), httpapi.ShutdownTimeout)
		if err := httpSrv.Shutdown(shutdownCtx); err != nil {
			log.Warn("http shutdown failed", zap.Error(err))
		}
		shutdownCancel()
	}

	reg.StopHeartbeat()
	svc.Stop()

	sweepCtx, sweepCancel := context.WithTimeout(context.Background(), 30*time.Second)
	lc.Shutdown(sweepCtx)
	sweepCancel()

	cancel()
	st.Close()
	log.Info("overmind stopped")
}
