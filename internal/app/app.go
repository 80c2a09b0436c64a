// Package app initializes and holds long-lived application services,
// acting as a dependency injection container.
package app

import (
	"context"
	"fmt"
	"net/http"
	"time"

	gcppubsub "cloud.google.com/go/pubsub"
	gcsapi "cloud.google.com/go/storage"
	"go.uber.org/zap"

	"github.com/nexlearn/crawlsync/internal/admission"
	"github.com/nexlearn/crawlsync/internal/api"
	"github.com/nexlearn/crawlsync/internal/bus"
	"github.com/nexlearn/crawlsync/internal/bus/sinks"
	"github.com/nexlearn/crawlsync/internal/clock/system"
	"github.com/nexlearn/crawlsync/internal/config"
	"github.com/nexlearn/crawlsync/internal/engine"
	"github.com/nexlearn/crawlsync/internal/export"
	"github.com/nexlearn/crawlsync/internal/id/uuid"
	"github.com/nexlearn/crawlsync/internal/idempotency"
	"github.com/nexlearn/crawlsync/internal/jobs"
	"github.com/nexlearn/crawlsync/internal/publisher/memory"
	"github.com/nexlearn/crawlsync/internal/publisher/pubsub"
	"github.com/nexlearn/crawlsync/internal/publisher/rabbit"
	"github.com/nexlearn/crawlsync/internal/quota"
	"github.com/nexlearn/crawlsync/internal/scheduler"
	"github.com/nexlearn/crawlsync/internal/storage"
	gcsblob "github.com/nexlearn/crawlsync/internal/storage/gcs"
	localblob "github.com/nexlearn/crawlsync/internal/storage/local"
	memblob "github.com/nexlearn/crawlsync/internal/storage/memory"
	memstore "github.com/nexlearn/crawlsync/internal/store/memory"
	pgstore "github.com/nexlearn/crawlsync/internal/store/postgres"
	syncclient "github.com/nexlearn/crawlsync/internal/sync"
	"github.com/nexlearn/crawlsync/internal/worker"
)

// App holds all the shared, long-lived services for the application. It is
// initialized once at startup and handed to the process entrypoint.
type App struct {
	Config     config.Config
	Logger     *zap.Logger
	Store      jobs.Store
	Ledger     *quota.Ledger
	Scheduler  *scheduler.Scheduler
	Hub        *bus.Hub
	Engine     *engine.Engine
	Controller *admission.Controller
	Exporter   *export.Exporter
	Pool       *worker.Pool
	Sync       *syncclient.Client
	Server     *api.Server

	idem    idempotency.Store
	closers []func(context.Context) error
}

// New builds the full service graph from configuration. It fails fast if
// any backend cannot be initialized.
func New(ctx context.Context, cfg config.Config, logger *zap.Logger) (*App, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	a := &App{Config: cfg, Logger: logger}

	clk := system.New()
	idGen := uuid.New()

	store, err := a.buildStore(ctx, cfg, clk)
	if err != nil {
		return nil, err
	}
	a.Store = store

	idem, err := a.buildIdempotency(cfg, clk)
	if err != nil {
		return nil, err
	}
	a.idem = idem

	pub, err := a.buildPublisher(ctx, cfg)
	if err != nil {
		return nil, err
	}

	blobs, err := a.buildBlobStore(ctx, cfg)
	if err != nil {
		return nil, err
	}

	a.Ledger = quota.NewLedger(cfg.Quota.DefaultLimit, cfg.QuotaWindow(), clk)
	cost := quota.NewDefaultPolicy()
	a.Scheduler = scheduler.New()

	// The publisher sink owns the transport; hub close tears it down.
	a.Hub = bus.NewHub(bus.Config{
		BufferSize:  cfg.Bus.BufferSize,
		SubBuffer:   cfg.Bus.SubBuffer,
		BaseContext: context.WithoutCancel(ctx),
		Logger:      logger,
	},
		sinks.NewLogSink(logger),
		sinks.NewPrometheusSink(),
		sinks.NewPublisherSink(pub, cfg.Publisher.Topic),
	)

	a.Engine = engine.New(store, a.Ledger, cost, a.Hub, a.Scheduler, logger)
	a.Controller = admission.NewController(store, a.Ledger, cost, a.Engine, idem, idGen, clk, logger)
	a.Exporter = export.New(store, blobs, cfg.Storage.Prefix)

	a.Pool = worker.NewPool(a.Engine, store, a.Scheduler, &worker.EchoExecutor{
		Delay: time.Duration(cfg.Worker.EchoDelayMs) * time.Millisecond,
	}, worker.Config{
		Workers:            cfg.Worker.Count,
		CancelPollInterval: time.Duration(cfg.Worker.CancelPollMs) * time.Millisecond,
		Logger:             logger,
	})

	a.Sync = syncclient.NewClient(
		syncclient.NewStoreFetcher(store),
		syncclient.NewHubStream(a.Hub),
		syncclient.Config{
			BackoffBase:     time.Duration(cfg.Sync.BackoffBaseMs) * time.Millisecond,
			BackoffMax:      time.Duration(cfg.Sync.BackoffMaxMs) * time.Millisecond,
			MaxAttempts:     cfg.Sync.MaxAttempts,
			SnapshotTimeout: time.Duration(cfg.Sync.SnapshotTimeoutSeconds) * time.Second,
			Logger:          logger,
		},
	)

	a.Server = api.NewServer(a.Controller, a.Engine, store, a.Ledger, a.Scheduler, a.Exporter, api.Options{
		AuthEnabled:    cfg.Auth.Enabled,
		APIKey:         cfg.Auth.APIKey,
		RequestTimeout: cfg.RequestTimeout(),
		ReadyCheck: func(r *http.Request) error {
			_, err := store.CountByState(r.Context())
			return err
		},
		Logger: logger,
	})

	logger.Info("application services initialized",
		zap.String("db_driver", cfg.DB.Driver),
		zap.String("publisher_driver", cfg.Publisher.Driver),
		zap.String("storage_driver", cfg.Storage.Driver),
	)
	return a, nil
}

func (a *App) buildStore(ctx context.Context, cfg config.Config, clk jobs.Clock) (jobs.Store, error) {
	switch cfg.DB.Driver {
	case "memory":
		return memstore.NewStore(clk), nil
	case "postgres":
		store, err := pgstore.NewStore(ctx, pgstore.Config{
			DSN:      cfg.DB.DSN,
			MaxConns: cfg.DB.MaxConns,
			MinConns: cfg.DB.MinConns,
		}, clk)
		if err != nil {
			return nil, fmt.Errorf("init postgres store: %w", err)
		}
		if err := store.EnsureSchema(ctx); err != nil {
			store.Close()
			return nil, fmt.Errorf("ensure schema: %w", err)
		}
		a.closers = append(a.closers, func(context.Context) error {
			store.Close()
			return nil
		})
		return store, nil
	default:
		return nil, fmt.Errorf("unknown db driver %q", cfg.DB.Driver)
	}
}

func (a *App) buildIdempotency(cfg config.Config, clk jobs.Clock) (idempotency.Store, error) {
	if cfg.Redis.Enabled {
		store := idempotency.NewRedisStore(idempotency.RedisConfig{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			TTL:      time.Duration(cfg.Redis.TTLMinutes) * time.Minute,
		})
		a.closers = append(a.closers, func(context.Context) error { return store.Close() })
		return store, nil
	}
	return idempotency.NewMemoryStore(time.Duration(cfg.Worker.IdemTTLMinutes)*time.Minute, clk), nil
}

func (a *App) buildPublisher(ctx context.Context, cfg config.Config) (jobs.Publisher, error) {
	switch cfg.Publisher.Driver {
	case "memory":
		return memory.New(), nil
	case "pubsub":
		client, err := gcppubsub.NewClient(ctx, cfg.Publisher.ProjectID)
		if err != nil {
			return nil, fmt.Errorf("init pubsub client: %w", err)
		}
		pub, err := pubsub.New(client)
		if err != nil {
			return nil, fmt.Errorf("init pubsub publisher: %w", err)
		}
		return pub, nil
	case "rabbit":
		pub, err := rabbit.New(rabbit.Config{
			URL:      cfg.Publisher.RabbitURL,
			Exchange: cfg.Publisher.Exchange,
			Durable:  true,
		}, a.Logger)
		if err != nil {
			return nil, fmt.Errorf("init rabbit publisher: %w", err)
		}
		return pub, nil
	default:
		return nil, fmt.Errorf("unknown publisher driver %q", cfg.Publisher.Driver)
	}
}

func (a *App) buildBlobStore(ctx context.Context, cfg config.Config) (storage.BlobStore, error) {
	switch cfg.Storage.Driver {
	case "memory":
		return memblob.NewBlobStore(), nil
	case "local":
		blobs, err := localblob.New(localblob.Config{BaseDir: cfg.Storage.BaseDir})
		if err != nil {
			return nil, fmt.Errorf("init local blob store: %w", err)
		}
		return blobs, nil
	case "gcs":
		client, err := gcsapi.NewClient(ctx)
		if err != nil {
			return nil, fmt.Errorf("init gcs client: %w", err)
		}
		a.closers = append(a.closers, func(context.Context) error { return client.Close() })
		blobs, err := gcsblob.New(client, gcsblob.Config{Bucket: cfg.Storage.GCSBucket})
		if err != nil {
			return nil, fmt.Errorf("init gcs blob store: %w", err)
		}
		return blobs, nil
	default:
		return nil, fmt.Errorf("unknown storage driver %q", cfg.Storage.Driver)
	}
}

// Close shuts services down in reverse dependency order: the sync client
// first, then the hub (which drains events and closes the publisher), then
// backend clients.
func (a *App) Close(ctx context.Context) {
	if a.Sync != nil {
		a.Sync.Close()
	}
	if a.Hub != nil {
		if err := a.Hub.Close(ctx); err != nil {
			a.Logger.Warn("bus close failed", zap.Error(err))
		}
	}
	if a.idem != nil {
		if err := a.idem.Close(); err != nil {
			a.Logger.Warn("idempotency store close failed", zap.Error(err))
		}
	}
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](ctx); err != nil {
			a.Logger.Warn("service close failed", zap.Error(err))
		}
	}
	if err := a.Logger.Sync(); err != nil {
		// Best effort; stderr sync can fail on some platforms.
		_ = err
	}
}
