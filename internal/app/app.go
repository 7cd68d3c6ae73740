// -----------------------------------------------------------------------
// Application - Component construction, startup order and shutdown
// -----------------------------------------------------------------------

package app

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/ternarybob/arbor"

	"github.com/ternarybob/pastiche/internal/assets"
	"github.com/ternarybob/pastiche/internal/common"
	"github.com/ternarybob/pastiche/internal/handlers"
	"github.com/ternarybob/pastiche/internal/interfaces"
	"github.com/ternarybob/pastiche/internal/pubsub"
	"github.com/ternarybob/pastiche/internal/queue"
	"github.com/ternarybob/pastiche/internal/queue/workers"
	jobsvc "github.com/ternarybob/pastiche/internal/services/jobs"
	"github.com/ternarybob/pastiche/internal/services/maintenance"
	badgerstore "github.com/ternarybob/pastiche/internal/storage/badger"
	"github.com/ternarybob/pastiche/internal/stylize"
)

const redisPingTimeout = 5 * time.Second

// App holds all application components and dependencies
type App struct {
	Config     *common.Config
	Logger     arbor.ILogger
	InstanceID string

	// Infrastructure
	Redis     *redis.Client // nil when neither broker nor transport uses redis
	BadgerDB  *badgerstore.BadgerDB
	Broker    interfaces.Broker
	Transport interfaces.PubSubTransport

	// Services
	StatusStore        interfaces.JobStatusStorage
	Assets             *assets.Store
	JobProcessor       *workers.JobProcessor
	JobService         *jobsvc.Service
	MaintenanceService *maintenance.Service

	// HTTP handlers
	APIHandler *handlers.APIHandler
	JobHandler *handlers.JobHandler
	WSHandler  *handlers.WebSocketHandler
}

// New initializes the application with all dependencies. Components that
// were opened before a failure are closed before returning.
func New(cfg *common.Config, logger arbor.ILogger) (*App, error) {
	app := &App{
		Config:     cfg,
		Logger:     logger,
		InstanceID: uuid.New().String(),
	}

	if err := app.initInfrastructure(); err != nil {
		app.Close()
		return nil, fmt.Errorf("failed to initialize infrastructure: %w", err)
	}

	if err := app.initServices(); err != nil {
		app.Close()
		return nil, fmt.Errorf("failed to initialize services: %w", err)
	}

	app.initHandlers()

	// Start the pool last so handlers exist before the first job is claimed
	if err := app.JobProcessor.Start(); err != nil {
		app.Close()
		return nil, fmt.Errorf("failed to start job processor: %w", err)
	}

	if err := app.MaintenanceService.Start(); err != nil {
		app.Close()
		return nil, fmt.Errorf("failed to start maintenance service: %w", err)
	}

	logger.Info().
		Str("instance_id", app.InstanceID).
		Str("broker", cfg.Queue.Backend).
		Str("pubsub", cfg.PubSub.Backend).
		Int("concurrency", cfg.Queue.Concurrency).
		Msg("Application initialization complete")

	return app, nil
}

// usesRedis reports whether any configured backend needs the redis client
func (a *App) usesRedis() bool {
	return a.Config.Queue.Backend == "redis" || a.Config.PubSub.Backend == pubsub.BackendRedis
}

// initInfrastructure opens redis, badger, the broker and the transport
func (a *App) initInfrastructure() error {
	if a.usesRedis() {
		opts, err := redis.ParseURL(a.Config.Redis.URL)
		if err != nil {
			return fmt.Errorf("invalid redis url: %w", err)
		}
		a.Redis = redis.NewClient(opts)

		ctx, cancel := context.WithTimeout(context.Background(), redisPingTimeout)
		defer cancel()
		if err := a.Redis.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("redis unreachable at %s: %w", opts.Addr, err)
		}
		a.Logger.Info().Str("addr", opts.Addr).Int("db", opts.DB).Msg("Redis connected")
	}

	db, err := badgerstore.NewBadgerDB(a.Logger, &a.Config.Storage.Badger)
	if err != nil {
		return fmt.Errorf("failed to open badger: %w", err)
	}
	a.BadgerDB = db

	switch a.Config.Queue.Backend {
	case "redis":
		a.Broker, err = queue.NewRedisManager(a.Redis, a.Config.Queue.QueueName)
	default:
		a.Broker, err = queue.NewBadgerManager(db.DB(), a.Config.Queue.QueueName)
	}
	if err != nil {
		return fmt.Errorf("failed to create broker: %w", err)
	}

	a.Transport, err = pubsub.NewTransport(a.Config.PubSub.Backend, a.Redis, a.Config.PubSub.BufferSize, a.Logger)
	if err != nil {
		return fmt.Errorf("failed to create pub/sub transport: %w", err)
	}

	return nil
}

// initServices wires the status store, assets, worker pool and job services
func (a *App) initServices() error {
	a.StatusStore = badgerstore.NewJobStatusStorage(a.BadgerDB, a.Logger)
	if a.Config.Queue.Backend == "redis" {
		a.Logger.Warn().Msg("Job status is local to this process; jobs run by other workers stay queued in GET /jobs here")
	}

	a.Assets = assets.NewStore(a.Config.Storage.Filesystem, a.Config.Submit.MaxUploadMB, a.Logger)
	if err := a.Assets.Reset(); err != nil {
		return fmt.Errorf("failed to reset asset directories: %w", err)
	}

	a.JobProcessor = workers.NewJobProcessor(
		a.Broker,
		a.Transport,
		a.StatusStore,
		queue.NewConfig(a.Config.Queue),
		a.InstanceID,
		a.Logger,
	)
	a.JobProcessor.RegisterExecutor(stylize.NewExecutor(a.Config.Stylize, a.Logger))

	a.JobService = jobsvc.NewService(
		a.Broker,
		a.Transport,
		a.StatusStore,
		a.JobProcessor,
		a.Assets,
		a.Config.Stylize.Defaults,
		a.InstanceID,
		a.Logger,
	)

	a.MaintenanceService = maintenance.NewService(
		a.StatusStore,
		a.Broker,
		a.JobProcessor,
		a.Config.Maintenance.Schedule,
		common.ParseDuration(a.Config.Maintenance.StatusRetention, 24*time.Hour),
		a.Logger,
	)

	return nil
}

func (a *App) initHandlers() {
	a.APIHandler = handlers.NewAPIHandler(a.Logger)
	a.JobHandler = handlers.NewJobHandler(a.JobService, a.Config.Submit, a.Logger)
	a.WSHandler = handlers.NewWebSocketHandler(a.Transport, a.StatusStore, &a.Config.WebSocket, a.Logger)
}

// Close stops the pool first so no job publishes into a closed transport,
// then releases infrastructure in reverse order of creation.
func (a *App) Close() error {
	if a.WSHandler != nil {
		a.WSHandler.Shutdown()
	}

	if a.JobProcessor != nil {
		a.JobProcessor.Stop()
	}

	if a.MaintenanceService != nil {
		a.MaintenanceService.Stop()
	}

	if a.Transport != nil {
		if err := a.Transport.Close(); err != nil {
			a.Logger.Warn().Err(err).Msg("Failed to close pub/sub transport")
		}
	}

	if a.Broker != nil {
		if err := a.Broker.Close(); err != nil {
			a.Logger.Warn().Err(err).Msg("Failed to close broker")
		}
	}

	var closeErr error
	if a.BadgerDB != nil {
		if err := a.BadgerDB.Close(); err != nil {
			closeErr = fmt.Errorf("failed to close storage: %w", err)
		} else {
			a.Logger.Info().Msg("Storage closed")
		}
	}

	if a.Redis != nil {
		if err := a.Redis.Close(); err != nil {
			a.Logger.Warn().Err(err).Msg("Failed to close redis client")
		}
	}

	return closeErr
}
