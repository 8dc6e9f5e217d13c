// Package main - точка входа для Progress Engine.
//
// Сервис ведёт прогресс ученика: XP, уровни, серии занятий, достижения и
// проверку ответов. Состояние сессии живёт в памяти и синхронизируется с
// PostgreSQL в фоне; неудачные записи попадают в outbox и повторяются.
//
// Архитектура:
// - Domain: XP, достижения, проверка ответов, каталог уроков
// - Application: tracker (состояние сессии), session, remotesync
// - Infrastructure: PostgreSQL, Redis, BadgerDB outbox, Prometheus, планировщик
// - Interface: HTTP API
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "time/tzdata"

	"github.com/alem-hub/progress-engine/config"

	// Application layer
	"github.com/alem-hub/progress-engine/internal/application/remotesync"
	"github.com/alem-hub/progress-engine/internal/application/session"

	// Domain layer
	"github.com/alem-hub/progress-engine/internal/domain/answer"
	"github.com/alem-hub/progress-engine/internal/domain/progress"

	// Infrastructure layer
	"github.com/alem-hub/progress-engine/internal/infrastructure/filesystem"
	"github.com/alem-hub/progress-engine/internal/infrastructure/messaging"
	"github.com/alem-hub/progress-engine/internal/infrastructure/metrics"
	"github.com/alem-hub/progress-engine/internal/infrastructure/persistence/outbox"
	"github.com/alem-hub/progress-engine/internal/infrastructure/persistence/postgres"
	"github.com/alem-hub/progress-engine/internal/infrastructure/persistence/redis"
	"github.com/alem-hub/progress-engine/internal/infrastructure/resilience"
	"github.com/alem-hub/progress-engine/internal/infrastructure/scheduler"
	"github.com/alem-hub/progress-engine/internal/infrastructure/scheduler/jobs"

	// Interface layer
	httpserver "github.com/alem-hub/progress-engine/internal/interface/http"
	"github.com/alem-hub/progress-engine/internal/interface/http/handlers"

	// Packages
	"github.com/alem-hub/progress-engine/pkg/circuitbreaker"
	"github.com/alem-hub/progress-engine/pkg/logger"
	"github.com/alem-hub/progress-engine/pkg/timeutil"
)

// ══════════════════════════════════════════════════════════════════════════════
// MAIN
// ══════════════════════════════════════════════════════════════════════════════

func main() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := run(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "fatal error: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context) error {
	// ─────────────────────────────────────────────────────────────────────────
	// 1. ЗАГРУЗКА КОНФИГУРАЦИИ
	// ─────────────────────────────────────────────────────────────────────────
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	// ─────────────────────────────────────────────────────────────────────────
	// 2. НАСТРОЙКА ЛОГИРОВАНИЯ
	// ─────────────────────────────────────────────────────────────────────────
	log := setupLogger(cfg)
	log.Info("starting Progress Engine",
		"env", cfg.App.Environment,
		"version", cfg.App.Version,
		"timezone", cfg.App.Timezone,
	)

	// ─────────────────────────────────────────────────────────────────────────
	// 3. ПОДКЛЮЧЕНИЕ К БАЗЕ ДАННЫХ (PostgreSQL)
	// ─────────────────────────────────────────────────────────────────────────
	log.Info("connecting to database...")
	pgConfig := postgres.DefaultConfig()
	pgConfig.URL = cfg.Database.URL
	pgConfig.MaxConns = cfg.Database.MaxConns
	pgConfig.MinConns = cfg.Database.MinConns
	pgConfig.MaxConnLifetime = cfg.Database.ConnMaxLifetime
	pgConfig.MaxConnIdleTime = cfg.Database.ConnMaxIdleTime
	pgConfig.ConnectTimeout = cfg.Database.ConnectTimeout

	dbConn, err := postgres.NewConnection(ctx, pgConfig)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	defer func() {
		log.Info("closing database connection...")
		dbConn.Close()
	}()
	log.Info("database connection established")

	// ─────────────────────────────────────────────────────────────────────────
	// 4. ЗАПУСК МИГРАЦИЙ
	// ─────────────────────────────────────────────────────────────────────────
	if cfg.Database.MigrateOnStart {
		log.Info("running database migrations...")
		applied, err := postgres.NewMigrator(dbConn).Migrate(ctx)
		if err != nil {
			return fmt.Errorf("failed to run migrations: %w", err)
		}
		log.Info("migrations completed", "applied", applied)
	}

	// ─────────────────────────────────────────────────────────────────────────
	// 5. КАТАЛОГ УРОКОВ
	// ─────────────────────────────────────────────────────────────────────────
	catalog, err := filesystem.LoadCatalog(cfg.Content.CatalogPath, filesystem.LoaderConfig{
		Sheet:  cfg.Content.Sheet,
		Logger: log,
	})
	if err != nil {
		return fmt.Errorf("failed to load content catalog: %w", err)
	}

	// ─────────────────────────────────────────────────────────────────────────
	// 6. МЕТРИКИ И EVENT BUS
	// ─────────────────────────────────────────────────────────────────────────
	m := metrics.New(true)

	log.Info("initializing event bus...")
	busConfig := messaging.DefaultInMemoryEventBusConfig()
	busConfig.Logger = log
	busConfig.Observer = m
	eventBus := messaging.NewInMemoryEventBus(busConfig)
	defer func() {
		log.Info("closing event bus...")
		_ = eventBus.Close()
	}()

	if err := m.Subscribe(eventBus); err != nil {
		return fmt.Errorf("failed to subscribe metrics: %w", err)
	}

	// ─────────────────────────────────────────────────────────────────────────
	// 7. УДАЛЁННОЕ ХРАНИЛИЩЕ
	// ─────────────────────────────────────────────────────────────────────────
	profileStore := postgres.NewProfileStore(dbConn)

	var remote progress.RemoteStore = profileStore
	if cfg.Breaker.Enabled {
		remote = resilience.NewBreakerStore(profileStore, log, m,
			circuitbreaker.WithFailureThreshold(int(cfg.Breaker.FailureThreshold)),
			circuitbreaker.WithTimeout(cfg.Breaker.Timeout),
			circuitbreaker.WithInterval(cfg.Breaker.Interval),
		)
	}

	// ─────────────────────────────────────────────────────────────────────────
	// 8. OUTBOX (BadgerDB)
	// ─────────────────────────────────────────────────────────────────────────
	sinks := remotesync.MultiSink{remotesync.NewLogSink(log), m}

	var box *outbox.Outbox
	if cfg.Outbox.Enabled {
		box, err = outbox.Open(outbox.Config{
			Dir:      cfg.Outbox.Path,
			InMemory: cfg.Outbox.InMemory,
			Logger:   log,
		})
		if err != nil {
			return fmt.Errorf("failed to open outbox: %w", err)
		}
		defer func() {
			log.Info("closing outbox...")
			if err := box.Close(); err != nil {
				log.Error("failed to close outbox", logger.Err(err))
			}
		}()
		sinks = append(sinks, outbox.NewSink(box, log))
	}

	// ─────────────────────────────────────────────────────────────────────────
	// 9. СИНХРОНИЗАЦИЯ
	// ─────────────────────────────────────────────────────────────────────────
	dispatcher := remotesync.NewDispatcher(remote, sinks, remotesync.Config{
		WriteTimeout: cfg.Sync.WriteTimeout,
		MaxInFlight:  cfg.Sync.MaxInFlight,
		Logger:       log,
	})

	var replayer *remotesync.Replayer
	if box != nil {
		replayConfig := remotesync.DefaultReplayConfig()
		replayConfig.BatchSize = cfg.Outbox.BatchSize
		replayConfig.MaxAttempts = cfg.Outbox.MaxAttempts
		replayConfig.Logger = log
		replayer = remotesync.NewReplayer(box, dispatcher, replayConfig)
	}

	// ─────────────────────────────────────────────────────────────────────────
	// 10. ИНИЦИАЛИЗАЦИЯ REDIS (опционально)
	// ─────────────────────────────────────────────────────────────────────────
	var redisCache *redis.Cache
	var leaderboardCache *redis.LeaderboardCache

	if cfg.Redis.Enabled {
		log.Info("connecting to Redis...")
		redisConfig := redis.DefaultConfig()
		redisConfig.Host = cfg.Redis.Host
		redisConfig.Port = cfg.Redis.Port
		redisConfig.Password = cfg.Redis.Password
		redisConfig.DB = cfg.Redis.DB
		redisConfig.PoolSize = cfg.Redis.PoolSize
		redisConfig.KeyPrefix = cfg.Redis.KeyPrefix

		redisCache, err = redis.NewCache(redisConfig)
		if err != nil {
			log.Warn("failed to connect to Redis, leaderboard disabled", logger.Err(err))
		} else {
			defer func() {
				log.Info("closing Redis connection...")
				_ = redisCache.Close()
			}()
			leaderboardCache = redis.NewLeaderboardCache(redisCache, log)
			if err := leaderboardCache.Subscribe(eventBus); err != nil {
				return fmt.Errorf("failed to subscribe leaderboard: %w", err)
			}
			log.Info("Redis connection established")
		}
	}

	// ─────────────────────────────────────────────────────────────────────────
	// 11. СЕССИИ
	// ─────────────────────────────────────────────────────────────────────────
	sessions := session.NewManager(session.Deps{
		Remote:     remote,
		Dispatcher: dispatcher,
		Content:    catalog,
		Events:     eventBus,
		Clock:      timeutil.NewSystemClock(cfg.App.Timezone),
		Logger:     log,
	}, session.Config{
		BootstrapTimeout: cfg.Sync.BootstrapTimeout,
		OfflineFallback:  cfg.Sync.OfflineFallback,
		Catalog:          progress.DefaultCatalog(),
	})

	// ─────────────────────────────────────────────────────────────────────────
	// 12. ПЛАНИРОВЩИК
	// ─────────────────────────────────────────────────────────────────────────
	sched := scheduler.New(scheduler.Config{
		Logger:         log.With(logger.Component("scheduler")),
		Timezone:       cfg.App.Location,
		JobTimeout:     time.Minute,
		MaxHistorySize: 100,
	})
	sched.OnJobError(func(jobName string, err error) {
		log.Warn("scheduled job failed", "job", jobName, logger.Err(err))
	})

	var pending jobs.PendingCounter
	if box != nil {
		pending = box
		if err := sched.Register(jobs.NewReplayOutboxJob(replayer, log), cfg.Outbox.ReplayInterval); err != nil {
			return fmt.Errorf("failed to register outbox replay: %w", err)
		}
	}
	if err := sched.Register(jobs.NewRefreshGaugesJob(pending, sessions, m), cfg.Observability.GaugeInterval); err != nil {
		return fmt.Errorf("failed to register gauge refresh: %w", err)
	}
	if leaderboardCache != nil {
		rebuild := jobs.NewRebuildLeaderboardJob(profileStore, leaderboardCache, cfg.Redis.LeaderboardSize, log)
		if err := sched.Register(rebuild, cfg.Redis.RebuildInterval); err != nil {
			return fmt.Errorf("failed to register leaderboard rebuild: %w", err)
		}
	}

	// ─────────────────────────────────────────────────────────────────────────
	// 13. СОЗДАНИЕ HTTP SERVER
	// ─────────────────────────────────────────────────────────────────────────
	log.Info("initializing HTTP server...")

	health := handlers.NewCompositeHealthChecker(cfg.App.Version)
	health.AddCheck("database", handlers.PingCheck(dbConn))
	if redisCache != nil {
		health.AddOptionalCheck("redis", handlers.PingCheck(redisCache))
	}

	httpConfig := httpserver.DefaultConfig()
	httpConfig.Port = cfg.HTTP.Port
	httpConfig.ReadTimeout = cfg.HTTP.ReadTimeout
	httpConfig.WriteTimeout = cfg.HTTP.WriteTimeout
	httpConfig.JWTSecret = cfg.HTTP.JWTSecret
	httpConfig.JWTIssuer = cfg.HTTP.JWTIssuer
	httpConfig.RateLimitRequests = cfg.HTTP.RateLimit
	httpConfig.RateLimitWindow = cfg.HTTP.RateLimitWindow
	httpConfig.CORSAllowedOrigins = cfg.HTTP.CORSOrigins
	httpConfig.Version = cfg.App.Version

	httpDeps := httpserver.Dependencies{
		Sessions:  sessions,
		Catalog:   catalog,
		Evaluator: answer.NewEvaluator(log),
		Health:    health,
		Observer:  m,
		Logger:    log.With(logger.Component("http")),
	}
	if leaderboardCache != nil {
		httpDeps.Leaderboard = leaderboardCache
	}
	if cfg.Observability.MetricsEnabled {
		httpDeps.Metrics = m.Handler()
	}

	httpServer := httpserver.NewServer(httpConfig, httpDeps)

	// ─────────────────────────────────────────────────────────────────────────
	// 14. ЗАПУСК СЕРВИСОВ
	// ─────────────────────────────────────────────────────────────────────────
	log.Info("starting services...")

	if err := sched.Start(); err != nil {
		return fmt.Errorf("failed to start scheduler: %w", err)
	}
	if leaderboardCache != nil {
		if _, err := sched.RunNow(ctx, "rebuild_leaderboard"); err != nil {
			log.Warn("initial leaderboard rebuild failed", logger.Err(err))
		}
	}

	errCh := httpServer.StartAsync()

	log.Info("Progress Engine is running",
		"http_address", httpConfig.Address(),
		"outbox", box != nil,
		"leaderboard", leaderboardCache != nil,
	)

	// ─────────────────────────────────────────────────────────────────────────
	// 15. GRACEFUL SHUTDOWN
	// ─────────────────────────────────────────────────────────────────────────
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)

	var runErr error
	select {
	case sig := <-sigCh:
		log.Info("received shutdown signal", "signal", sig.String())
	case err, ok := <-errCh:
		if ok && err != nil {
			log.Error("http server error", logger.Err(err))
			runErr = fmt.Errorf("http server error: %w", err)
		}
	case <-ctx.Done():
	}

	log.Info("starting graceful shutdown...", "timeout", cfg.App.ShutdownTimeout.String())

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.App.ShutdownTimeout)
	defer shutdownCancel()

	// 1. Перестаём принимать запросы
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Error("failed to stop HTTP server gracefully", logger.Err(err))
	}

	// 2. Останавливаем фоновые задачи
	sched.Stop()

	// 3. Закрываем сессии и дожидаемся записей в удалённое хранилище
	sessions.CloseAll()
	if err := dispatcher.Close(shutdownCtx); err != nil {
		log.Warn("pending remote writes not finished", logger.Err(err))
	}

	// 4. Redis, outbox, event bus и база данных закроются через defer

	log.Info("shutdown completed")
	return runErr
}

// ══════════════════════════════════════════════════════════════════════════════
// HELPERS
// ══════════════════════════════════════════════════════════════════════════════

// setupLogger настраивает структурированное логирование.
func setupLogger(cfg *config.Config) *slog.Logger {
	log := logger.New(logger.Options{
		Level:  cfg.Observability.LogLevel,
		Format: cfg.Observability.LogFormat,
		Attrs: []slog.Attr{
			slog.String("service", cfg.App.Name),
			slog.String("version", cfg.App.Version),
		},
	})
	slog.SetDefault(log)
	return log
}
