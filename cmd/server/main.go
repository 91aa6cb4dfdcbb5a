package main

// Package main is the entry point of the hydrodiag-ai diagnostic service.
//
// Responsibilities:
//   - Load .env files, then configuration from YAML and HYDRODIAG_* variables
//   - Build the application and audit loggers and the OTLP tracer
//   - Load the knowledge base and the scenario library (fatal on error)
//   - Open the sqlite database and the configured session backend
//   - Build the hypothesis generator and artifact analyzer, falling back to
//     offline behaviour when no LLM provider is configured
//   - Serve HTTP and WebSocket traffic until SIGINT or SIGTERM
//   - Apply reloaded log levels while running
//   - Drain in-flight requests and flush audit logs on shutdown

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/hydrodiag/hydrodiag-ai/internal/artifact"
	"github.com/hydrodiag/hydrodiag-ai/internal/audit"
	"github.com/hydrodiag/hydrodiag-ai/internal/config"
	"github.com/hydrodiag/hydrodiag-ai/internal/logging"
	"github.com/hydrodiag/hydrodiag-ai/internal/pkg/tracing"
	"github.com/hydrodiag/hydrodiag-ai/internal/reasoning/belief"
	"github.com/hydrodiag/hydrodiag-ai/internal/reasoning/engine"
	"github.com/hydrodiag/hydrodiag-ai/internal/reasoning/machine"
	"github.com/hydrodiag/hydrodiag-ai/internal/server"
)

// Set with -ldflags "-X main.version=..."
var version = "dev"

func main() {
	configPath := flag.String("config", config.DefaultConfigPath, "path to the YAML config file")
	envFile := flag.String("env-file", ".env", "path to a .env file (skipped when missing)")
	flag.Parse()

	if err := run(*configPath, *envFile); err != nil {
		fmt.Fprintf(os.Stderr, "hydrodiag-ai: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath, envFile string) error {
	if err := config.LoadDotEnv(envFile); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	mgr, err := config.NewConfigManager(configPath)
	if err != nil {
		return err
	}
	if err := mgr.Load(ctx); err != nil {
		return fmt.Errorf("load configuration: %w", err)
	}
	if err := mgr.Validate(ctx); err != nil {
		return err
	}
	cfg := mgr.Get(ctx)

	log, err := logging.New(cfg.Logging)
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	defer log.Close()
	logger := log.Logger

	auditCfg := audit.DefaultConfig()
	auditCfg.AuditLogPath = cfg.Logging.AuditLogPath
	auditCfg.MaxSize = cfg.Logging.MaxSize
	auditCfg.MaxBackups = cfg.Logging.MaxBackups
	auditCfg.MaxAge = cfg.Logging.MaxAge
	auditCfg.Compress = cfg.Logging.Compress
	auditLog, err := audit.NewLogger(auditCfg, logger)
	if err != nil {
		return fmt.Errorf("init audit logger: %w", err)
	}
	defer auditLog.Close()

	shutdownTracing, err := tracing.Init(ctx, cfg.Tracing)
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}
	defer func() {
		tctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(tctx); err != nil {
			logger.Warn("tracing shutdown failed", zap.Error(err))
		}
	}()

	kb, library, err := loadKnowledge(cfg.Knowledge)
	if err != nil {
		return err
	}
	for _, w := range kb.Warnings() {
		logger.Warn("knowledge base", zap.String("warning", w))
	}
	logger.Info("knowledge base loaded",
		zap.Int("symptoms", len(kb.Symptoms())),
		zap.Int("causes", len(kb.Causes())),
		zap.Int("tests", len(kb.Tests())),
		zap.Int("scenarios", library.Len()),
	)

	store, err := openDatabase(cfg.Database)
	if err != nil {
		return err
	}
	defer store.Close()

	sessions, checks, closeSessions, err := openSessions(ctx, cfg.Sessions, store, logger, auditLog)
	if err != nil {
		return err
	}
	defer closeSessions()

	artifacts, err := artifact.NewStore(cfg.Artifacts.UploadDir, int64(cfg.Artifacts.MaxUploadMB)<<20)
	if err != nil {
		return err
	}

	generator, analyzer := buildModels(cfg.LLM, cfg.Artifacts, kb, logger)

	publisher, err := openPublisher(cfg.Events, logger)
	if err != nil {
		return err
	}
	defer publisher.Close()

	mach := machine.New(kb, belief.NewEngine(kb, cfg.Engine.Belief), cfg.Engine.Machine, nil)
	eng, err := engine.New(cfg.Engine.Turn, engine.Deps{
		Machine:   mach,
		Sessions:  sessions,
		Generator: generator,
		Analyzer:  analyzer,
		Artifacts: artifacts,
		Scenarios: library,
		Lessons:   store,
		Publisher: publisher,
		Audit:     auditLog,
		Logger:    logger,
	})
	if err != nil {
		return fmt.Errorf("init engine: %w", err)
	}

	checks["database"] = store.Ping
	srv, err := server.New(cfg.Server, server.Deps{
		Engine:    eng,
		Artifacts: artifacts,
		Lessons:   store,
		Knowledge: kb,
		Logger:    logger,
		Version:   version,
		Checks:    checks,
	})
	if err != nil {
		return fmt.Errorf("init server: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(srv.Start)
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("Shutting down")
		sctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		return srv.Stop(sctx)
	})
	g.Go(func() error {
		watchConfig(gctx, mgr, log)
		return nil
	})

	logger.Info("hydrodiag-ai started",
		zap.String("version", version),
		zap.Int("port", cfg.Server.Port),
		zap.String("sessions", cfg.Sessions.Backend),
		zap.Bool("llm", cfg.LLM.Configured),
		zap.Bool("events", cfg.Events.Enabled),
	)

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	logger.Info("Shutdown complete")
	return nil
}

// watchConfig applies reloaded log levels until ctx is done. Other settings
// take effect on restart.
func watchConfig(ctx context.Context, mgr config.ConfigManager, log *logging.Logger) {
	updates := mgr.Watch(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case cfg := <-updates:
			if err := log.SetLevel(cfg.Logging.Level); err != nil {
				log.Warn("ignoring reloaded log level", zap.Error(err))
				continue
			}
			log.Info("log level reloaded", zap.String("level", cfg.Logging.Level))
		}
	}
}
