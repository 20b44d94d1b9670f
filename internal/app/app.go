// Package app builds the infrastructure shared by the renderhub binaries
// from configuration.
package app

import (
	"context"
	"fmt"
	"os"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"renderhub/internal/catalog"
	"renderhub/internal/config"
	"renderhub/internal/events"
	"renderhub/internal/files"
	"renderhub/internal/httpkit"
	"renderhub/internal/jobs"
	"renderhub/internal/pkg/logger"
	"renderhub/internal/pkg/shutdown"
	"renderhub/internal/repositories"
	"renderhub/internal/storage"
	"renderhub/internal/worker/queue"
	"renderhub/internal/worker/renderer"
)

// Infra is everything a binary needs before it builds its own surface.
type Infra struct {
	Config *config.Config
	Log    *logger.Logger

	Pool  *pgxpool.Pool
	Redis *redis.Client

	Jobs    *jobs.Service
	Files   *files.Manager
	Broker  queue.Broker
	Catalog catalog.Client
	Events  events.Publisher
}

func NewLogger(cfg config.LogConfig, service string) *logger.Logger {
	return logger.New(logger.Config{
		Level:       cfg.Level,
		Format:      cfg.Format,
		ServiceName: service,
		AddSource:   cfg.AddSource,
	})
}

// Open connects every configured dependency and registers its cleanup with
// sm. Handlers run in reverse, so the stores close after their users.
func Open(ctx context.Context, cfg *config.Config, log *logger.Logger, sm *shutdown.Manager) (*Infra, error) {
	in := &Infra{Config: cfg, Log: log}

	store := jobs.Store(jobs.NewMemoryStore())
	if cfg.Database.URL != "" {
		log.Info("connecting to PostgreSQL")
		pool, err := repositories.NewPool(ctx, repositories.PoolConfig{URL: cfg.Database.URL, MaxConns: cfg.Database.MaxConns})
		if err != nil {
			return nil, err
		}
		sm.RegisterSimple("postgres", pool.Close)
		if err := repositories.Migrate(ctx, pool); err != nil {
			return nil, err
		}
		in.Pool = pool
		store = repositories.NewRenderJobRepository(pool)
		log.Info("PostgreSQL connected")
	} else {
		log.Warn("DATABASE_URL not set, job records are kept in memory")
	}
	in.Jobs = jobs.NewService(jobs.Deps{Store: store, Logger: log})

	if cfg.Redis.Addr != "" {
		log.Info("connecting to Redis")
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		sm.Register("redis", func(context.Context) error { return rdb.Close() })
		if err := rdb.Ping(ctx).Err(); err != nil {
			return nil, fmt.Errorf("ping redis: %w", err)
		}
		in.Redis = rdb
		log.Info("Redis connected")
	}

	switch cfg.Queue.Broker {
	case "redis":
		if in.Redis == nil {
			return nil, fmt.Errorf("queue broker redis requires REDIS_ADDR")
		}
		in.Broker = queue.NewRedisBroker(in.Redis, cfg.Queue.Name)
	default:
		b := queue.NewMemoryBroker()
		sm.Register("queue-broker", func(context.Context) error { return b.Close() })
		in.Broker = b
	}

	fm, err := NewFiles(ctx, cfg.Storage, log)
	if err != nil {
		return nil, err
	}
	in.Files = fm

	in.Catalog = catalog.Static{}
	if cfg.Catalog.BaseURL != "" {
		in.Catalog = catalog.NewHTTPClient(catalog.Config{
			BaseURL:  cfg.Catalog.BaseURL,
			Token:    cfg.Catalog.Token,
			RetryMax: cfg.Catalog.RetryMax,
			Timeout:  cfg.Catalog.Timeout,
		}, log)
	} else {
		log.Warn("CATALOG_BASE_URL not set, every product is accepted")
	}

	in.Events = events.Noop{}
	if cfg.AMQP.URL != "" {
		pub, err := events.NewAMQPPublisher(cfg.AMQP.URL, cfg.AMQP.Exchange, log)
		if err != nil {
			return nil, err
		}
		sm.Register("amqp", func(context.Context) error { return pub.Close() })
		in.Events = pub
	}

	return in, nil
}

// NewFiles builds the file manager over the local store and the optional
// remote mirror.
func NewFiles(ctx context.Context, cfg config.StorageConfig, log *logger.Logger) (*files.Manager, error) {
	for _, dir := range []string{cfg.Root, cfg.TempRoot} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create %s: %w", dir, err)
		}
	}

	mirror, err := storage.NewMirror(ctx, cfg)
	if err != nil {
		return nil, err
	}
	if mirror != nil {
		log.Info("storage mirror enabled", "provider", mirror.Provider())
	}

	return files.New(files.Deps{
		Primary: storage.NewPrimary(cfg),
		Mirror:  mirror,
		Logger:  log,
		Config: files.Config{
			TempRoot:       cfg.TempRoot,
			BaseURL:        cfg.BaseURL,
			MaxUploadBytes: cfg.MaxUploadBytes,
		},
	})
}

// Checks returns the dependency checks used by the health endpoints.
func (in *Infra) Checks() []httpkit.Check {
	var checks []httpkit.Check
	if in.Pool != nil {
		checks = append(checks, httpkit.Check{Name: "postgres", Run: in.Pool.Ping})
	}
	if in.Redis != nil {
		checks = append(checks, httpkit.Check{Name: "redis", Run: func(ctx context.Context) error {
			return in.Redis.Ping(ctx).Err()
		}})
	}
	checks = append(checks, httpkit.Check{Name: "storage", Run: func(context.Context) error {
		_, err := os.Stat(in.Files.Root())
		return err
	}})
	return checks
}

func QueueConfig(cfg config.QueueConfig) queue.Config {
	return queue.Config{
		Concurrency:    cfg.Concurrency,
		MaxAttempts:    cfg.MaxAttempts,
		BackoffBase:    cfg.BackoffBase,
		MaxBackoff:     cfg.MaxBackoff,
		StallTimeout:   cfg.StallTimeout,
		AttemptTimeout: cfg.AttemptTimeout,
	}
}

func RendererConfig(cfg config.RendererConfig) renderer.Config {
	return renderer.Config{
		Interpreter:     cfg.Interpreter,
		CompositeScript: cfg.CompositeScript,
		Blender:         cfg.Blender,
		RenderScript:    cfg.RenderScript,
		WorkDir:         cfg.WorkDir,
		Timeout:         cfg.Timeout,
		KillGrace:       cfg.KillGrace,
		DefaultSamples:  cfg.DefaultSamples,
	}
}
