// Package app assembles the ingestion pipeline from configuration. Both the
// API server and the one-shot ingest command build on it.
package app

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/timmy/tabport/internal/alert"
	"github.com/timmy/tabport/internal/checksum"
	"github.com/timmy/tabport/internal/config"
	"github.com/timmy/tabport/internal/dataset"
	"github.com/timmy/tabport/internal/domain"
	"github.com/timmy/tabport/internal/logger"
	"github.com/timmy/tabport/internal/metrics"
	"github.com/timmy/tabport/internal/queue"
	"github.com/timmy/tabport/internal/repository"
	"github.com/timmy/tabport/internal/rowcodec"
	"github.com/timmy/tabport/internal/service"
	"github.com/timmy/tabport/internal/source"
	"github.com/timmy/tabport/internal/source/drive"
	"github.com/timmy/tabport/internal/source/local"
	"github.com/timmy/tabport/internal/source/push"
	"github.com/timmy/tabport/internal/staging"
	"github.com/timmy/tabport/internal/storage"
	"github.com/timmy/tabport/internal/tokencache"
	"gorm.io/gorm"
)

// App holds the wired components.
type App struct {
	Config      *config.Config
	DB          *gorm.DB
	Metrics     *metrics.Metrics
	Sources     *repository.SourceRepository
	Files       *repository.FileRepository
	Reader      *dataset.Reader
	Coordinator *service.Coordinator
	Push        *service.PushService

	closers []func() error
}

// bucketEnsurer is implemented by bucket-backed storages.
type bucketEnsurer interface {
	EnsureBucket(ctx context.Context) error
}

// NewLogger builds the process logger from the log section and installs it
// as the default.
func NewLogger(cfg config.LogConfig, serviceName string) *logger.Logger {
	lc := logger.DefaultConfig()
	lc.ServiceName = serviceName
	if cfg.Level != "" {
		lc.Level = cfg.Level
	}
	if cfg.Format != "" {
		lc.Format = cfg.Format
	}
	lc.File = cfg.File
	lc.FileOnly = cfg.FileOnly
	l := logger.New(lc)
	logger.SetDefaultLogger(l)
	return l
}

// New wires storage, queue, connectors and services.
// Parameters:
//   - ctx: context for startup calls (bucket check, Redis ping).
//   - cfg: loaded configuration.
// Returns:
//   - *App: the wired pipeline; Close releases its connections.
//   - error: non-nil if a required dependency cannot be initialized.
func New(ctx context.Context, cfg *config.Config) (*App, error) {
	a := &App{Config: cfg}

	db, err := repository.InitDB(&cfg.Database)
	if err != nil {
		return nil, fmt.Errorf("init database: %w", err)
	}
	a.DB = db
	if sqlDB, err := db.DB(); err == nil {
		a.closers = append(a.closers, sqlDB.Close)
	}

	store, err := storage.NewStorage(&cfg.Storage)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("init storage: %w", err)
	}
	if b, ok := store.(bucketEnsurer); ok {
		if err := b.EnsureBucket(ctx); err != nil {
			a.Close()
			return nil, fmt.Errorf("ensure bucket: %w", err)
		}
	}

	codec, err := rowcodec.New(cfg.Encryption.Key)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("init row codec: %w", err)
	}
	if cfg.Encryption.Key == "" {
		logger.CtxWarn(ctx, "encryption.key is empty, imported rows are stored in plain text")
	}

	var (
		tokens  tokencache.Cache = tokencache.NewMemory()
		deduper alert.Deduper    = alert.NewMemoryDeduper()
	)
	if cfg.Redis.Enabled() {
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err := client.Ping(ctx).Err(); err != nil {
			_ = client.Close()
			a.Close()
			return nil, fmt.Errorf("ping redis %s: %w", cfg.Redis.Addr, err)
		}
		a.closers = append(a.closers, client.Close)
		tokens = tokencache.NewRedis(client)
		deduper = alert.NewRedisDeduper(client)
		logger.CtxInfo(ctx, "redis enabled at %s for token cache and alert dedup", cfg.Redis.Addr)
	}

	m := metrics.New()
	a.Metrics = m

	sinks := []alert.Sink{alert.LogSink{}}
	if cfg.Kafka.Enabled() {
		ks := alert.NewKafkaSink(cfg.Kafka.Brokers, cfg.Kafka.Topic)
		a.closers = append(a.closers, ks.Close)
		sinks = append(sinks, ks)
		logger.CtxInfo(ctx, "publishing alerts to kafka topic %s", cfg.Kafka.Topic)
	}
	alerts := alert.New(deduper, cfg.Alert.DedupWindow, m, sinks...)

	q := queue.New(db)
	st := staging.NewManager(db, store, cfg.Ingest.MaxAttempts)
	datasets := dataset.NewStore(db, dataset.NewWriter(codec, cfg.Ingest.BatchSize))
	a.Sources = repository.NewSourceRepository(db)
	a.Files = repository.NewFileRepository(db)
	a.Reader = dataset.NewReader(db, codec)
	intake := source.NewIntake(db, st, q, datasets, alerts, m)

	registry := source.NewRegistry()
	registry.Register(domain.SourceKindLocal, local.NewScanner(
		intake,
		checksum.NewDetector(cfg.Ingest.StabilityWindow),
		local.Options{
			MaxDepth:          cfg.Ingest.MaxDepth,
			MaxFiles:          cfg.Ingest.MaxFiles,
			AllowedExtensions: cfg.Ingest.AllowedExtensions,
		},
		m,
	))
	registry.Register(domain.SourceKindAgentPush, push.NoopScanner{})
	if cfg.Drive.CredentialsFile != "" {
		connector, err := newDriveConnector(cfg, intake, tokens, m)
		if err != nil {
			a.Close()
			return nil, err
		}
		registry.Register(domain.SourceKindCloudDrive, connector)
	} else {
		logger.CtxInfo(ctx, "drive.credentials_file not set, cloud_drive sources will fail to scan")
	}

	processor := service.NewProcessor(st, q, datasets, a.Files, alerts, m, &service.ProcessorConfig{
		MaxRows: cfg.Ingest.MaxRows,
	})
	a.Coordinator = service.NewCoordinator(a.Sources, a.Files, registry, q, processor, m, service.CoordinatorConfig{
		PollTick:   cfg.Ingest.PollTick,
		DrainLimit: cfg.Ingest.DrainLimit,
		Workers:    cfg.Ingest.Workers,
		StuckAfter: cfg.Ingest.StuckAfter,
	})
	a.Push = service.NewPushService(a.Sources, intake, st, q, processor, m, &service.PushConfig{
		MaxUploadBytes:    cfg.Ingest.MaxUploadBytes,
		AllowedExtensions: cfg.Ingest.AllowedExtensions,
	})
	return a, nil
}

func newDriveConnector(cfg *config.Config, intake *source.Intake, cache tokencache.Cache, m *metrics.Metrics) (*drive.Connector, error) {
	key, err := os.ReadFile(cfg.Drive.CredentialsFile)
	if err != nil {
		return nil, fmt.Errorf("read drive credentials: %w", err)
	}
	tokens, err := tokencache.NewServiceAccountProvider(key, cfg.Drive.TokenURL, cache, drive.ReadOnlyScope)
	if err != nil {
		return nil, err
	}
	return drive.NewConnector(intake, tokens, drive.Options{
		APIBase:           cfg.Drive.APIBase,
		PageSize:          cfg.Drive.PageSize,
		MaxFiles:          cfg.Ingest.MaxFiles,
		MaxDepth:          cfg.Ingest.MaxDepth,
		AllowedExtensions: cfg.Ingest.AllowedExtensions,
		Timeout:           cfg.Drive.Timeout,
	}, m), nil
}

// Bootstrap upserts the sources declared in cfg.SourcesFile, if any.
func (a *App) Bootstrap(ctx context.Context) ([]domain.IngestionSource, error) {
	if a.Config.SourcesFile == "" {
		return nil, nil
	}
	specs, err := config.LoadSources(a.Config.SourcesFile)
	if err != nil {
		return nil, err
	}
	return service.BootstrapSources(ctx, a.Sources, specs)
}

// Close releases connections in reverse order of acquisition.
func (a *App) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}

// shutdownTimeout bounds graceful shutdown of the HTTP server.
const shutdownTimeout = 10 * time.Second

// ShutdownContext returns a context bounded by the shutdown timeout.
func ShutdownContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), shutdownTimeout)
}
