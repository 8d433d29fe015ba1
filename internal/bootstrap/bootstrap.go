// Package bootstrap assembles the proposal service from configuration. The
// API server and the admin CLI share it.
package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/prometheus/client_golang/prometheus"

	"agora/api/internal/aiproxy"
	"agora/api/internal/app"
	"agora/api/internal/config"
	"agora/api/internal/lock"
	"agora/api/internal/metrics"
	"agora/api/internal/remote"
	"agora/api/internal/search"
	"agora/api/internal/store"
	"agora/api/internal/vectorindex"
)

// Components are the wired collaborators. Close releases them.
type Components struct {
	Service  *app.Service
	Records  store.RecordStore
	Index    *vectorindex.Client
	Search   *search.Service
	Embedder *aiproxy.EmbeddingClient
	Metrics  *metrics.Metrics

	closers []func() error
}

func (c *Components) Close() error {
	var errs []error
	for i := len(c.closers) - 1; i >= 0; i-- {
		if err := c.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Build wires every component. reg may be nil, in which case metrics are
// not collected.
func Build(ctx context.Context, cfg config.Config, logger *slog.Logger, reg prometheus.Registerer) (*Components, error) {
	if logger == nil {
		logger = slog.Default()
	}
	c := &Components{}
	if reg != nil {
		c.Metrics = metrics.New(reg)
	}

	records, err := c.openRecords(ctx, cfg, logger)
	if err != nil {
		_ = c.Close()
		return nil, err
	}
	c.Records = records

	aiCfg := aiproxy.Config{
		BaseURL:        cfg.AIProxyURL,
		APIKey:         cfg.AIProxyKey,
		EmbeddingModel: cfg.EmbeddingModel,
		ChatModel:      cfg.ChatModel,
		Dimension:      cfg.EmbeddingDimension,
		CacheEnabled:   cfg.AICacheEnabled,
		CacheSize:      cfg.AICacheSize,
		Language:       cfg.AnalysisLanguage,
	}
	aiExec := executor("ai-proxy", cfg, logger, c.Metrics)
	embedder, err := aiproxy.NewEmbeddingClient(aiCfg, aiExec, logger, c.Metrics)
	if err != nil {
		_ = c.Close()
		return nil, fmt.Errorf("embedding client: %w", err)
	}
	c.Embedder = embedder
	analyzer := aiproxy.NewAnalysisClient(aiCfg, aiExec, logger, c.Metrics)

	c.Index = vectorindex.New(vectorindex.Config{
		BaseURL:   cfg.VectorURL,
		APIKey:    cfg.VectorKey,
		Dimension: cfg.EmbeddingDimension,
	}, executor("vector-index", cfg, logger, c.Metrics), logger, c.Metrics)

	var meili *search.Meili
	if strings.TrimSpace(cfg.MeiliURL) != "" {
		meili = search.NewMeili(cfg.MeiliURL, cfg.MeiliMasterKey, logger)
		c.closers = append(c.closers, func() error { meili.Close(); return nil })
	}
	c.Search = search.NewService(meili, search.NewScan(records), logger)

	locker, err := c.openLocker(cfg, logger)
	if err != nil {
		_ = c.Close()
		return nil, err
	}

	c.Service = app.New(cfg, app.Deps{
		Records:  records,
		Index:    c.Index,
		Embedder: embedder,
		Analyzer: analyzer,
		Search:   c.Search,
		Locker:   locker,
		Metrics:  c.Metrics,
		Logger:   logger,
	})
	return c, nil
}

func executor(target string, cfg config.Config, logger *slog.Logger, m *metrics.Metrics) *remote.Executor {
	opts := []remote.Option{remote.WithLogger(logger), remote.WithMetrics(m)}
	if cfg.BreakerEnabled {
		opts = append(opts, remote.WithBreaker(remote.BreakerSettings{
			FailureRatio: cfg.BreakerFailureRatio,
			OpenTimeout:  cfg.BreakerOpenTimeout,
		}))
	}
	return remote.New(target, remote.Policy{
		MaxAttempts: cfg.RemoteMaxAttempts,
		Timeout:     cfg.RemoteTimeout,
		RetryDelay:  cfg.RemoteRetryDelay,
	}, opts...)
}

func (c *Components) openRecords(ctx context.Context, cfg config.Config, logger *slog.Logger) (store.RecordStore, error) {
	switch cfg.RecordBackend {
	case config.BackendPostgres:
		return c.openSQL(ctx, store.DriverPostgres, cfg.DatabaseURL)
	case config.BackendSQLite:
		return c.openSQL(ctx, store.DriverSQLite, cfg.DatabaseURL)
	case config.BackendS3:
		records, err := store.NewObjectStore(ctx, store.ObjectConfig{
			Endpoint:  cfg.S3Endpoint,
			AccessKey: cfg.S3AccessKey,
			SecretKey: cfg.S3SecretKey,
			Bucket:    cfg.S3Bucket,
			Object:    cfg.S3Object,
			UseSSL:    cfg.S3UseSSL,
		}, logger)
		if err != nil {
			return nil, fmt.Errorf("object store: %w", err)
		}
		return records, nil
	default:
		return store.NewDocumentStore(store.NewFileBlob(cfg.RecordsPath), logger), nil
	}
}

func (c *Components) openSQL(ctx context.Context, driver, dsn string) (store.RecordStore, error) {
	if strings.TrimSpace(dsn) == "" {
		return nil, fmt.Errorf("DATABASE_URL is required for the %s backend", driver)
	}
	db, err := store.Open(ctx, driver, dsn)
	if err != nil {
		return nil, err
	}
	c.closers = append(c.closers, db.Close)
	if err := store.ApplyMigrations(ctx, db); err != nil {
		return nil, fmt.Errorf("migrations: %w", err)
	}
	return store.NewSQLStore(db), nil
}

func (c *Components) openLocker(cfg config.Config, logger *slog.Logger) (lock.Locker, error) {
	switch cfg.VoteLock {
	case config.VoteLockRedis:
		redisLock, err := lock.NewRedis(cfg.RedisURL)
		if err != nil {
			return nil, fmt.Errorf("redis lock: %w", err)
		}
		c.closers = append(c.closers, redisLock.Close)
		logger.Info("using redis for per-proposal locks")
		return redisLock, nil
	case config.VoteLockNone:
		logger.Warn("per-proposal locking disabled; concurrent votes may be lost")
		return lock.Noop{}, nil
	default:
		return lock.NewLocal(), nil
	}
}
