// Package pipeline wires the import pipeline: the job database, the extractor and loader, the task substrate and the orchestrator.
package pipeline

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/allisson/go-pglock/v3"
	"github.com/cenkalti/backoff/v4"
	_ "github.com/lib/pq"
	"github.com/redis/go-redis/v9"
	"github.com/spaolacci/murmur3"
	"golang.org/x/sync/errgroup"

	obskit "github.com/rudderlabs/rudder-observability-kit/go/labels"

	"github.com/rudderlabs/rudder-go-kit/config"
	"github.com/rudderlabs/rudder-go-kit/logger"
	"github.com/rudderlabs/rudder-go-kit/stats"

	"github.com/rudderlabs/rudder-dw-pipeline/pipeline/integrations/clickhouse"
	sqlmw "github.com/rudderlabs/rudder-dw-pipeline/pipeline/integrations/middleware/sqlquerywrapper"
	"github.com/rudderlabs/rudder-dw-pipeline/pipeline/integrations/postgres"
	"github.com/rudderlabs/rudder-dw-pipeline/pipeline/internal/repo"
	"github.com/rudderlabs/rudder-dw-pipeline/pipeline/jobs"
	"github.com/rudderlabs/rudder-dw-pipeline/pipeline/logfield"
	"github.com/rudderlabs/rudder-dw-pipeline/pipeline/model"
	"github.com/rudderlabs/rudder-dw-pipeline/pipeline/queue"
	migrator "github.com/rudderlabs/rudder-dw-pipeline/services/sql-migrator"
)

const (
	QueueLocal = "local"
	QueueAsynq = "asynq"
)

type App struct {
	conf         *config.Config
	logger       logger.Logger
	statsFactory stats.Stats

	db           *sqlmw.DB
	redis        *redis.Client
	dataSources  *repo.DataSources
	importJobs   *repo.ImportJobs
	extractor    *postgres.Extractor
	loader       *clickhouse.Loader
	substrate    queue.Substrate
	progress     queue.Progress
	orchestrator *jobs.Orchestrator
	destination  model.DestinationConfig
	started      bool

	config struct {
		host     string
		user     string
		password string
		database string
		sslMode  string
		port     int

		queue              string
		maxOpenConnections int
		slowQueryThreshold time.Duration
		progressTTL        time.Duration
		pollInterval       time.Duration
		lockRetryInterval  time.Duration
	}
}

func New(conf *config.Config, log logger.Logger, statsFactory stats.Stats) *App {
	a := &App{
		conf:         conf,
		logger:       log.Child("pipeline"),
		statsFactory: statsFactory,
	}

	a.config.host = conf.GetString("DB.host", "localhost")
	a.config.port = conf.GetInt("DB.port", 5432)
	a.config.user = conf.GetString("DB.user", "postgres")
	a.config.password = conf.GetString("DB.password", "postgres")
	a.config.database = conf.GetString("DB.name", "pipeline")
	a.config.sslMode = conf.GetString("DB.sslMode", "disable")
	a.config.maxOpenConnections = conf.GetInt("DB.maxOpenConnections", 20)

	a.config.queue = conf.GetString("Pipeline.queue", QueueLocal)
	a.config.slowQueryThreshold = conf.GetDuration("Pipeline.slowQueryThreshold", 5, time.Minute)
	a.config.progressTTL = conf.GetDuration("Pipeline.progressTTL", 24, time.Hour)
	a.config.pollInterval = conf.GetDuration("Pipeline.pollInterval", 1, time.Second)
	a.config.lockRetryInterval = conf.GetDuration("Pipeline.retentionLockRetryInterval", 1, time.Minute)
	return a
}

// Setup opens and migrates the job database and builds every component. Nothing runs until Start.
func (a *App) Setup(ctx context.Context) error {
	if err := a.setupDatabase(ctx); err != nil {
		return fmt.Errorf("setting up database: %w", err)
	}

	a.dataSources = repo.NewDataSources(a.db)
	a.importJobs = repo.NewImportJobs(a.db)
	a.extractor = postgres.New(a.conf, a.logger, a.statsFactory)
	a.loader = clickhouse.New(a.conf, a.logger, a.statsFactory)
	a.destination = jobs.DestinationFromConfig(a.conf)

	switch a.config.queue {
	case QueueLocal:
		a.substrate = queue.NewLocal(a.logger)
		a.progress = queue.NewMemoryProgress()
	case QueueAsynq:
		a.substrate = queue.NewAsynq(a.conf, a.logger, jobs.Routes)
		a.redis = redis.NewClient(&redis.Options{
			Addr:     a.conf.GetString("Redis.addr", "localhost:6379"),
			Password: a.conf.GetString("Redis.password", ""),
			DB:       a.conf.GetInt("Redis.db", 0),
		})
		a.progress = queue.NewRedisProgress(a.redis, a.config.progressTTL)
	default:
		return model.ConfigError("setting up substrate", fmt.Errorf("unknown queue %q", a.config.queue))
	}

	a.orchestrator = jobs.New(
		a.conf,
		a.logger,
		a.statsFactory,
		a.dataSources,
		a.importJobs,
		a.extractor,
		a.loader,
		a.substrate,
		a.progress,
		jobs.WithDestination(a.destination),
	)
	a.orchestrator.RegisterHandlers()
	return nil
}

func (a *App) setupDatabase(ctx context.Context) error {
	database, err := sql.Open("postgres", a.connectionString())
	if err != nil {
		return fmt.Errorf("could not open: %w", err)
	}
	database.SetMaxOpenConns(a.config.maxOpenConnections)

	if err := database.PingContext(ctx); err != nil {
		return fmt.Errorf("could not ping: %w", err)
	}

	a.db = sqlmw.New(
		database,
		sqlmw.WithLogger(a.logger.Child("db")),
		sqlmw.WithSlowQueryThreshold(a.config.slowQueryThreshold),
	)

	if err := a.setupTables(); err != nil {
		return fmt.Errorf("could not setup tables: %w", err)
	}
	return nil
}

func (a *App) connectionString() string {
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s application_name=rudder-dw-pipeline",
		a.config.host,
		a.config.port,
		a.config.user,
		a.config.password,
		a.config.database,
		a.config.sslMode,
	)
}

func (a *App) setupTables() error {
	m := &migrator.Migrator{
		Handle:          a.db.DB,
		MigrationsTable: "pipeline_schema_migrations",
	}

	operation := func() error {
		return m.Migrate("pipeline")
	}

	backoffWithMaxRetry := backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 3)

	err := backoff.RetryNotify(operation, backoffWithMaxRetry, func(err error, t time.Duration) {
		a.logger.Warnn("retrying pipeline database migration",
			logger.NewDurationField(logfield.Backoff, t),
			obskit.Error(err),
		)
	})
	if err != nil {
		return fmt.Errorf("could not migrate: %w", err)
	}
	return nil
}

// Start starts the substrate so jobs can be submitted.
// With the asynq queue this also starts consuming tasks.
func (a *App) Start(ctx context.Context) error {
	if err := a.substrate.Start(ctx); err != nil {
		return fmt.Errorf("starting substrate: %w", err)
	}
	a.started = true
	return nil
}

// Run consumes tasks and applies job retention until ctx is done.
func (a *App) Run(ctx context.Context) error {
	if err := a.Start(ctx); err != nil {
		return err
	}

	a.logger.Infon("starting pipeline worker",
		logger.NewStringField(logfield.Mode, string(a.orchestrator.Mode())),
		logger.NewStringField(logfield.Queue, a.config.queue),
	)

	g, gCtx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return a.runRetention(gCtx)
	})
	return g.Wait()
}

const retentionLockName = "pipeline_job_retention"

// runRetention holds a postgres advisory lock while applying retention, so only one worker of a fleet deletes jobs.
func (a *App) runRetention(ctx context.Context) error {
	lockID := murmur3.Sum64([]byte(retentionLockName))
	lock, err := pglock.NewLock(ctx, int64(lockID), a.db.DB)
	if err != nil {
		return fmt.Errorf("creating retention lock: %w", err)
	}

	var locked bool
	defer func() {
		if locked {
			if err := lock.Unlock(context.WithoutCancel(ctx)); err != nil {
				a.logger.Warnn("unlocking retention lock", obskit.Error(err))
			}
		}
		if err := lock.Close(); err != nil {
			a.logger.Warnn("closing retention lock", obskit.Error(err))
		}
	}()

	for {
		if locked, err = lock.Lock(ctx); err != nil {
			a.logger.Warnn("acquiring retention lock", obskit.Error(err))
		} else if locked {
			break
		}

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(a.config.lockRetryInterval):
		}
	}

	a.orchestrator.RunRetention(ctx)
	return nil
}

// Close stops the substrate and releases the connections.
func (a *App) Close() {
	if a.substrate != nil && a.started {
		a.substrate.Shutdown()
	}
	if a.redis != nil {
		if err := a.redis.Close(); err != nil {
			a.logger.Warnn("closing redis client", obskit.Error(err))
		}
	}
	if a.db != nil {
		if err := a.db.Close(); err != nil {
			a.logger.Warnn("closing database", obskit.Error(err))
		}
	}
}

func (a *App) Orchestrator() *jobs.Orchestrator {
	return a.orchestrator
}

// AddSource registers a data source and returns its id.
func (a *App) AddSource(ctx context.Context, name string, cfg model.SourceConfig) (int64, error) {
	if name == "" {
		return 0, model.ConfigError("adding data source", errors.New("name is required"))
	}
	if err := cfg.ValidateConnection(); err != nil {
		return 0, err
	}
	connectionConfig, err := cfg.Marshal()
	if err != nil {
		return 0, err
	}
	return a.dataSources.Insert(ctx, model.DataSource{
		Name:             name,
		SourceType:       model.SourceTypePostgres,
		ConnectionConfig: connectionConfig,
	})
}

// Wait polls the job until it reaches a terminal status or ctx is done.
func (a *App) Wait(ctx context.Context, h jobs.Handle) (jobs.Status, error) {
	ticker := time.NewTicker(a.config.pollInterval)
	defer ticker.Stop()

	for {
		s, err := a.orchestrator.Status(ctx, h)
		if err != nil {
			return jobs.Status{}, err
		}
		if model.IsTerminalStatus(s.Status) {
			return s, nil
		}

		select {
		case <-ctx.Done():
			return s, ctx.Err()
		case <-ticker.C:
		}
	}
}

// ListTables lists the base tables of the data source's public schema.
func (a *App) ListTables(ctx context.Context, dataSourceID int64) ([]string, error) {
	cfg, err := a.sourceConfig(ctx, dataSourceID)
	if err != nil {
		return nil, err
	}
	return a.extractor.ListTables(ctx, cfg)
}

// TableInfo describes a table loaded into ClickHouse.
func (a *App) TableInfo(ctx context.Context, tableName string) (model.TableInfo, error) {
	return a.loader.GetTableInfo(ctx, tableName, a.destination)
}

func (a *App) sourceConfig(ctx context.Context, dataSourceID int64) (model.SourceConfig, error) {
	ds, err := a.dataSources.GetByID(ctx, dataSourceID)
	if err != nil {
		return model.SourceConfig{}, fmt.Errorf("getting data source: %w", err)
	}
	return ds.SourceConfig()
}
