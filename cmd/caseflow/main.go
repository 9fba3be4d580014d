// Package main is the entry point of the caseflow server. It wires the
// template registry, store, side effect dispatcher and engine together and
// runs the HTTP server, the outbox dispatcher and the pruner until a
// shutdown signal arrives.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/pitabwire/caseflow/internal/config"
	"github.com/pitabwire/caseflow/internal/engine"
	"github.com/pitabwire/caseflow/internal/expression"
	"github.com/pitabwire/caseflow/internal/lifecycle"
	"github.com/pitabwire/caseflow/internal/observability"
	"github.com/pitabwire/caseflow/internal/role"
	"github.com/pitabwire/caseflow/internal/sideeffect"
	"github.com/pitabwire/caseflow/internal/store"
	"github.com/pitabwire/caseflow/internal/template"
	"github.com/pitabwire/caseflow/internal/transport"
)

// Build-time variables set via ldflags:
//
//	go build -ldflags "-X main.version=1.0.0 -X main.commit=abc1234"
var (
	version = "dev"
	commit  = "unknown"
)

// auditAction is the built-in action that writes to the service log.
const auditAction = "audit.log"

func main() {
	os.Exit(run())
}

func run() int {
	// Step 1: Parse CLI flags.
	configPath := flag.String("config", "config.yaml", "path to configuration file")
	flag.Parse()

	// Step 2: Load configuration.
	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		return 1
	}

	// Step 3: Initialize telemetry.
	observability.Version = version
	observability.Commit = commit

	logger, err := observability.NewLogger(cfg.Observability)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger error: %v\n", err)
		return 1
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	tracingShutdown, err := observability.InitTracing(ctx, cfg.Observability.Tracing, "caseflow", version)
	if err != nil {
		logger.Error("tracing initialization failed", zap.Error(err))
		return 1
	}
	metrics := observability.InitMetrics(prometheus.DefaultRegisterer)

	// Step 4: Register side effect actions.
	actions := sideeffect.NewActionRegistry()
	actions.Register(auditAction, sideeffect.LogAction(logger.Named("audit")))
	for name, actionCfg := range cfg.Actions {
		actions.Register(name, sideeffect.NewWebhook(name, actionCfg, logger, metrics))
	}

	// Step 5: Load, validate and compile templates.
	roleRegistry := role.NewRegistry()
	compiler := template.NewCompiler(
		template.NewValidator(actions, roleRegistry.Types()),
		expression.NewCompiler(),
		logger,
	)
	compiled, err := loadTemplates(cfg.Templates, compiler)
	if err != nil {
		logger.Error("template loading failed", zap.Error(err))
		return 1
	}
	templates := template.NewRegistry(compiled)
	metrics.SetTemplatesLoaded(float64(templates.Len()))

	// Step 6: Open the application store.
	st, closeStore, err := openStore(ctx, cfg.Store, logger)
	if err != nil {
		logger.Error("store initialization failed", zap.Error(err))
		return 1
	}
	defer closeStore()

	// Step 7: Open the idempotency record store.
	records, closeRecords, err := openRecords(ctx, cfg.Effects.Idempotency, logger)
	if err != nil {
		logger.Error("idempotency store initialization failed", zap.Error(err))
		return 1
	}
	defer closeRecords()

	// Step 8: Build the dispatcher and engine.
	dispatcher := sideeffect.NewDispatcher(actions, records, cfg.Effects.Dispatcher, logger.Named("dispatcher"), metrics)
	eng := engine.NewEngine(templates, role.NewResolver(roleRegistry, logger), st, dispatcher, logger, metrics)
	eng.SetPruneBatch(cfg.Pruner.BatchSize)

	// Step 9: Build the HTTP router.
	authenticate, err := transport.NewAuthenticator(cfg.Auth, logger)
	if err != nil {
		logger.Error("authenticator initialization failed", zap.Error(err))
		return 1
	}
	readiness := observability.ReadinessChecks{
		TemplatesLoaded: func() bool { return templates.Len() > 0 },
		Store:           st,
	}
	if hc, ok := records.(observability.HealthChecker); ok {
		readiness.IdempotencyStore = hc
	}
	router := transport.NewRouter(transport.Dependencies{
		Config:       cfg,
		Applications: eng,
		Authenticate: authenticate,
		Readiness:    readiness,
		Metrics:      metrics,
		Logger:       logger,
	})
	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	// Step 10: Run the server and background workers.
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("server started",
			zap.Int("port", cfg.Server.Port),
			zap.String("version", version),
			zap.String("commit", commit),
			zap.Int("templates", templates.Len()),
			zap.String("templates_checksum", templates.Checksum()),
		)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	if cfg.Effects.Dispatcher.Enabled {
		g.Go(func() error { return dispatcher.Run(gctx, st, eng) })
	}
	if cfg.Pruner.Enabled {
		pruner, err := lifecycle.NewPruner(eng, cfg.Pruner.Schedule, cfg.Pruner.Timeout, logger.Named("pruner"))
		if err != nil {
			logger.Error("pruner initialization failed", zap.Error(err))
			stop()
			_ = g.Wait()
			return 1
		}
		g.Go(func() error { return pruner.Run(gctx) })
	}
	g.Go(func() error {
		watchReload(gctx, cfg.Templates, compiler, templates, metrics, logger)
		return nil
	})

	exit := 0
	if err := g.Wait(); err != nil {
		logger.Error("server stopped with error", zap.Error(err))
		exit = 1
	}

	// Step 11: Flush telemetry.
	flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := tracingShutdown(flushCtx); err != nil {
		logger.Error("tracing shutdown error", zap.Error(err))
	}
	logger.Info("shutdown complete")
	return exit
}

func loadTemplates(cfg config.TemplatesConfig, compiler *template.Compiler) ([]*template.Compiled, error) {
	tmpls, err := template.NewLoader().LoadAll(cfg.Directories)
	if err != nil {
		return nil, err
	}
	return compiler.Build(tmpls)
}

// watchReload recompiles the templates on SIGHUP. A failed reload keeps
// the templates currently in service.
func watchReload(ctx context.Context, cfg config.TemplatesConfig, compiler *template.Compiler, registry *template.Registry, metrics *observability.Metrics, logger *zap.Logger) {
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)

	for {
		select {
		case <-ctx.Done():
			return
		case <-hup:
		}
		compiled, err := loadTemplates(cfg, compiler)
		if err != nil {
			metrics.RecordTemplateReload("error")
			logger.Error("template reload failed, keeping current templates", zap.Error(err))
			continue
		}
		registry.Replace(compiled)
		metrics.RecordTemplateReload("success")
		metrics.SetTemplatesLoaded(float64(registry.Len()))
		logger.Info("templates reloaded",
			zap.Int("templates", registry.Len()),
			zap.String("checksum", registry.Checksum()),
		)
	}
}

func openStore(ctx context.Context, cfg config.StoreConfig, logger *zap.Logger) (store.Store, func(), error) {
	switch cfg.Driver {
	case config.DriverPostgres:
		dsn := os.Getenv(cfg.DSNEnv)
		if dsn == "" {
			return nil, nil, fmt.Errorf("%s environment variable not set", cfg.DSNEnv)
		}
		pool, err := store.Connect(ctx, dsn, cfg)
		if err != nil {
			return nil, nil, err
		}
		pg := store.NewPostgresStore(pool)
		if cfg.Migrate {
			if err := pg.Migrate(ctx); err != nil {
				pool.Close()
				return nil, nil, err
			}
		}
		logger.Info("using postgres application store")
		return pg, pool.Close, nil
	default:
		logger.Warn("using in-memory application store; data is lost on restart")
		return store.NewMemoryStore(), func() {}, nil
	}
}

func openRecords(ctx context.Context, cfg config.IdempotencyConfig, logger *zap.Logger) (sideeffect.RecordStore, func(), error) {
	switch cfg.Driver {
	case config.DriverRedis:
		addr := os.Getenv(cfg.AddrEnv)
		if addr == "" {
			return nil, nil, fmt.Errorf("%s environment variable not set", cfg.AddrEnv)
		}
		client := redis.NewClient(&redis.Options{Addr: addr, DB: cfg.DB})
		if err := client.Ping(ctx).Err(); err != nil {
			_ = client.Close()
			return nil, nil, fmt.Errorf("redis ping: %w", err)
		}
		logger.Info("using redis idempotency store", zap.String("addr", addr))
		return sideeffect.NewRedisRecords(client, cfg.TTL), func() { _ = client.Close() }, nil
	case config.DriverDisk:
		logger.Info("using disk idempotency store", zap.String("path", cfg.Path))
		return sideeffect.NewDiskRecords(cfg.Path), func() {}, nil
	default:
		logger.Info("using in-memory idempotency store")
		return sideeffect.NewMemoryRecords(cfg.TTL), func() {}, nil
	}
}
