package main

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"github.com/tradsys/execution-core/internal/execution/audit"
	"github.com/tradsys/execution-core/internal/execution/broker"
	execconfig "github.com/tradsys/execution-core/internal/execution/config"
	"github.com/tradsys/execution-core/internal/execution/controller"
	"github.com/tradsys/execution-core/internal/execution/engine"
	"github.com/tradsys/execution-core/internal/execution/market"
	"github.com/tradsys/execution-core/internal/execution/metrics"
	"github.com/tradsys/execution-core/internal/execution/repository"
	"github.com/tradsys/execution-core/internal/execution/scheduler"
	"github.com/tradsys/execution-core/internal/execution/store"
	"github.com/tradsys/execution-core/internal/execution/vault"
)

func main() {
	logger, _ := zap.NewProduction()
	defer logger.Sync()

	app := fx.New(
		fx.Supply(logger),
		fx.Provide(
			provideConfig,
			provideDB,
			provideRegistry,
			provideMetrics,
			provideRuntimeStore,
			provideRepository,
			provideAuditLog,
			provideVault,
			provideScheduler,
			provideBrokerRegistry,
			provideMarketListener,
			provideEngine,
			provideController,
		),
		fx.Invoke(
			recoverSchedulerState,
			runEngine,
			runMarketListener,
			serveMetrics,
		),
	)

	app.Run()
}

func provideConfig() (*execconfig.Config, error) {
	return execconfig.Load("")
}

func provideDB(cfg *execconfig.Config) (*gorm.DB, error) {
	db, err := gorm.Open(postgres.Open(cfg.Database.DSN), &gorm.Config{})
	if err != nil {
		return nil, fmt.Errorf("main: open database: %w", err)
	}
	return db, nil
}

func provideRegistry() *prometheus.Registry {
	return prometheus.NewRegistry()
}

func provideMetrics(registry *prometheus.Registry) *metrics.ExecutionMetrics {
	return metrics.New(registry)
}

func provideRuntimeStore(logger *zap.Logger) *store.RuntimeStore {
	return store.New(logger)
}

func provideRepository(db *gorm.DB, logger *zap.Logger) (*repository.GormRepository, error) {
	return repository.NewGormRepository(db, logger)
}

func provideAuditLog(db *gorm.DB, logger *zap.Logger) (*audit.GormAuditLog, error) {
	return audit.NewGormAuditLog(db, logger)
}

func provideVault(cfg *execconfig.Config) *vault.ReferenceVault {
	secret := cfg.Vault.SigningSecret
	if secret == "" {
		secret = "execution-core-dev-secret"
	}
	return vault.NewReferenceVault([]byte(secret))
}

func provideScheduler(rs *store.RuntimeStore, logger *zap.Logger) *scheduler.Scheduler {
	return scheduler.New(rs, logger)
}

func provideBrokerRegistry(cfg *execconfig.Config, logger *zap.Logger) *broker.Registry {
	registry := broker.NewRegistry(logger, broker.WithRateLimit(cfg.Broker.RateLimitPerSecond, cfg.Broker.RateLimitBurst))
	registry.Register(broker.NewReferenceClient("reference"))
	return registry
}

func provideMarketListener(cfg *execconfig.Config, rs *store.RuntimeStore, logger *zap.Logger) *market.Listener {
	feed := market.NewWebSocketFeed(cfg.Listener.FeedURL, logger)
	return market.New(feed, rs, logger)
}

func provideEngine(
	rs *store.RuntimeStore,
	brokerRegistry *broker.Registry,
	auditLog *audit.GormAuditLog,
	sched *scheduler.Scheduler,
	listener *market.Listener,
	repo *repository.GormRepository,
	logger *zap.Logger,
	cfg *execconfig.Config,
) (*engine.Engine, error) {
	opts := engine.Options{
		Workers:    cfg.Engine.Workers,
		MaxRetries: cfg.Engine.MaxRetries,
		LockWait:   cfg.Engine.LockWait,
		RetryBase:  cfg.Engine.RetryBase,
		RetryCap:   cfg.Engine.RetryCap,
	}
	return engine.New(rs, brokerRegistry, auditLog, sched, listener, repo, logger, opts)
}

func provideController(
	rs *store.RuntimeStore,
	repo *repository.GormRepository,
	sched *scheduler.Scheduler,
	v *vault.ReferenceVault,
	listener *market.Listener,
	logger *zap.Logger,
	cfg *execconfig.Config,
) *controller.Controller {
	return controller.New(rs, repo, sched, v, listener, logger, cfg.Controller.MaxRequestsPerMinute)
}

// recoverSchedulerState re-arms every active strategy's timers from the
// repository on startup, so a restart doesn't lose BUY/SELL deadlines.
// Every active strategy must be loaded into the RuntimeStore first:
// Recover's missed-trigger classification reads position via
// RuntimeLookup, and a strategy nothing has loaded yet always reports
// PositionNone, which would make Recover drop every pending SELL.
func recoverSchedulerState(
	lc fx.Lifecycle,
	sched *scheduler.Scheduler,
	repo *repository.GormRepository,
	rs *store.RuntimeStore,
	logger *zap.Logger,
) {
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			strategies, err := repo.ListActive(ctx)
			if err != nil {
				return fmt.Errorf("main: listing active strategies for recovery: %w", err)
			}
			for _, cfg := range strategies {
				if err := rs.LoadStrategy(cfg); err != nil {
					logger.Error("failed to seed strategy into runtime store during recovery",
						zap.String("strategy_id", cfg.ID), zap.Error(err))
				}
			}

			windowEnd := time.Now().Add(24 * time.Hour)
			return sched.Recover(ctx, repo, rs, repo, windowEnd)
		},
	})
}

func runEngine(lc fx.Lifecycle, e *engine.Engine, logger *zap.Logger) {
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			e.Run(context.Background())
			logger.Info("execution engine started")
			return nil
		},
		OnStop: func(ctx context.Context) error {
			e.Stop()
			return nil
		},
	})
}

func runMarketListener(lc fx.Lifecycle, l *market.Listener, logger *zap.Logger) {
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			go func() {
				if err := l.Run(context.Background()); err != nil {
					logger.Warn("market listener stopped", zap.Error(err))
				}
			}()
			logger.Info("market listener started")
			return nil
		},
	})
}

func serveMetrics(lc fx.Lifecycle, registry *prometheus.Registry, cfg *execconfig.Config, logger *zap.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: fmt.Sprintf(":%d", cfg.Monitoring.PrometheusPort), Handler: mux}

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			go func() {
				if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
					logger.Error("metrics server stopped", zap.Error(err))
				}
			}()
			logger.Info("metrics server listening", zap.Int("port", cfg.Monitoring.PrometheusPort))
			return nil
		},
		OnStop: func(ctx context.Context) error {
			return srv.Shutdown(ctx)
		},
	})
}
