package main

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/choraleia/inkos/pkg/config"
	"github.com/choraleia/inkos/pkg/db"
	"github.com/choraleia/inkos/pkg/event"
	"github.com/choraleia/inkos/pkg/service"
	"github.com/choraleia/inkos/pkg/utils"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"gorm.io/gorm"
)

// App holds every long-lived component, built once per process.
type App struct {
	cfg      *config.AppConfig
	logger   *slog.Logger
	db       *gorm.DB
	redis    *redis.Client
	registry *prometheus.Registry
	emitter  *event.Emitter
	recorder *event.LogRecorder

	providers     *service.ProviderService
	settings      *service.SettingsService
	summaries     *service.SummaryService
	conversations *service.ConversationService
	queue         *service.JobQueue
	pool          *service.TaskService
	scheduler     *service.Scheduler
	digest        *service.DigestJob
}

// NewApp opens the store, seeds providers and wires the services.
func NewApp(ctx context.Context, cfg *config.AppConfig) (*App, error) {
	logger := utils.GetLogger()

	database, err := db.Open(cfg.DatabaseDriver(), cfg.DatabaseDSN())
	if err != nil {
		return nil, err
	}
	if err := db.AutoMigrate(database); err != nil {
		return nil, err
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := service.NewMetrics(registry)

	emitter := event.NewEmitter()
	recorder := event.NewLogRecorder(database, emitter, logger)

	app := &App{
		cfg:      cfg,
		logger:   logger,
		db:       database,
		registry: registry,
		emitter:  emitter,
		recorder: recorder,
	}

	app.providers = service.NewProviderService(database, cfg.Providers, recorder, emitter)
	if err := app.providers.Seed(ctx); err != nil {
		app.Close()
		return nil, fmt.Errorf("seed providers: %w", err)
	}
	app.settings = service.NewSettingsService(database, service.RolloverSettings{
		WarnRatio:  cfg.WarnRatio(),
		ForceRatio: cfg.ForceRatio(),
	}, recorder, emitter)

	models := service.NewModelManager(app.providers, service.NewModelService(0), recorder)
	app.summaries = service.NewSummaryService(database, models, app.settings, app.lookaside(ctx), recorder, emitter, metrics,
		service.SummaryOptions{
			PreferLocal: cfg.PreferLocal(),
			Temperature: float32(cfg.SummaryTemperature()),
		})
	app.conversations = service.NewConversationService(database, app.providers, app.summaries, app.settings, recorder, emitter, metrics,
		service.ConversationOptions{
			TailSize:    cfg.TailSize(),
			PreferLocal: cfg.PreferLocal(),
		})

	app.queue = service.NewJobQueue(database, recorder, emitter, metrics)
	app.digest = service.NewDigestJob(database, app.summaries, recorder, emitter)
	app.queue.Register(app.digest)

	app.pool = service.NewTaskService(cfg.SchedulerWorkers(), emitter)
	app.scheduler, err = service.NewScheduler(app.queue, app.pool, recorder, service.SchedulerOptions{
		Tick:             cfg.SchedulerTick(),
		Nightly:          cfg.NightlySchedule(),
		NightlyKind:      service.DailyDigestKind,
		AbandonedAfter:   cfg.AbandonedAfter(),
		RequeueAbandoned: cfg.RequeueAbandoned(),
	})
	if err != nil {
		app.Close()
		return nil, err
	}
	return app, nil
}

// lookaside picks the summary lookaside from config. An unreachable Redis
// degrades to the in-process cache.
func (a *App) lookaside(ctx context.Context) service.SummaryLookaside {
	ttl := a.cfg.SummaryLookasideTTL()
	switch a.cfg.SummaryLookaside() {
	case "none":
		return service.NoLookaside
	case "redis":
		client := redis.NewClient(&redis.Options{
			Addr:     a.cfg.Redis.Addr,
			Password: a.cfg.Redis.Password,
			DB:       a.cfg.Redis.DB,
		})
		if err := client.Ping(ctx).Err(); err != nil {
			a.logger.Warn("Redis lookaside unavailable, using memory", "addr", a.cfg.Redis.Addr, "error", err)
			_ = client.Close()
			return service.NewMemoryLookaside(ttl)
		}
		a.redis = client
		return service.NewRedisLookaside(client, ttl)
	default:
		return service.NewMemoryLookaside(ttl)
	}
}

// Close releases the store and cache connections.
func (a *App) Close() {
	if a.redis != nil {
		_ = a.redis.Close()
	}
	if sqlDB, err := a.db.DB(); err == nil {
		_ = sqlDB.Close()
	}
}
