// Package jobs orchestrates import jobs: extract from the source, hand the table over as Arrow, load into ClickHouse.
package jobs

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	obskit "github.com/rudderlabs/rudder-observability-kit/go/labels"

	"github.com/rudderlabs/rudder-go-kit/config"
	"github.com/rudderlabs/rudder-go-kit/logger"
	"github.com/rudderlabs/rudder-go-kit/stats"

	"github.com/rudderlabs/rudder-dw-pipeline/jsonrs"
	"github.com/rudderlabs/rudder-dw-pipeline/pipeline/logfield"
	"github.com/rudderlabs/rudder-dw-pipeline/pipeline/model"
	"github.com/rudderlabs/rudder-dw-pipeline/pipeline/queue"
	"github.com/rudderlabs/rudder-dw-pipeline/pipeline/retry"
)

const (
	TaskTypePipeline = "pipeline:full"
	TaskTypeExtract  = "pipeline:extract"
	TaskTypeLoad     = "pipeline:load"
)

// Routes assigns each task type to its queue.
var Routes = map[string]string{
	TaskTypePipeline: "pipeline",
	TaskTypeExtract:  "extraction",
	TaskTypeLoad:     "loading",
}

// Mode selects whether a job runs as one unit of work or as an extract task followed by a load task.
type Mode string

const (
	ModeSingle Mode = "single"
	ModeSplit  Mode = "split"
)

const (
	phaseExtract = "extract"
	phaseLoad    = "load"
)

type extractor interface {
	Extract(ctx context.Context, cfg model.SourceConfig) (*model.Table, error)
	GetTableSchema(ctx context.Context, cfg model.SourceConfig, tableName string) (model.Schema, error)
}

type loader interface {
	Load(ctx context.Context, table *model.Table, tableName string, dest model.DestinationConfig, dropIfExists bool) (int64, error)
}

type dataSourceRepo interface {
	GetByID(ctx context.Context, id int64) (model.DataSource, error)
}

type importJobRepo interface {
	Create(ctx context.Context, dataSourceID int64) (model.ImportJob, error)
	GetByID(ctx context.Context, id int64) (model.ImportJob, error)
	MarkSucceeded(ctx context.Context, id, rowsProcessed int64) error
	MarkFailed(ctx context.Context, id int64, jobErr error) error
	DeleteCompletedBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

type Opt func(*Orchestrator)

func WithRetryPolicy(p *retry.Policy) Opt {
	return func(o *Orchestrator) {
		o.policy = p
	}
}

func WithNow(now func() time.Time) Opt {
	return func(o *Orchestrator) {
		o.now = now
	}
}

func WithDestination(dest model.DestinationConfig) Opt {
	return func(o *Orchestrator) {
		o.destination = dest
	}
}

type Orchestrator struct {
	conf         *config.Config
	logger       logger.Logger
	statsFactory stats.Stats

	dataSources dataSourceRepo
	importJobs  importJobRepo
	extractor   extractor
	loader      loader
	substrate   queue.Substrate
	progress    queue.Progress
	policy      *retry.Policy
	destination model.DestinationConfig
	now         func() time.Time

	config struct {
		mode              Mode
		maxRetries        int
		retention         time.Duration
		retentionInterval time.Duration
	}
	stats struct {
		submitted     stats.Measurement
		succeeded     stats.Measurement
		failed        stats.Measurement
		rowsProcessed stats.Measurement
		duration      stats.Measurement
		retries       map[string]stats.Measurement
	}
}

func New(
	conf *config.Config,
	log logger.Logger,
	statsFactory stats.Stats,
	dataSources dataSourceRepo,
	importJobs importJobRepo,
	extractor extractor,
	loader loader,
	substrate queue.Substrate,
	progress queue.Progress,
	opts ...Opt,
) *Orchestrator {
	o := &Orchestrator{
		conf:         conf,
		logger:       log.Child("jobs"),
		statsFactory: statsFactory,
		dataSources:  dataSources,
		importJobs:   importJobs,
		extractor:    extractor,
		loader:       loader,
		substrate:    substrate,
		progress:     progress,
		destination:  DestinationFromConfig(conf),
		now: func() time.Time {
			return time.Now().UTC()
		},
	}

	o.config.mode = Mode(conf.GetString("Pipeline.mode", string(ModeSingle)))
	o.config.maxRetries = conf.GetInt("Pipeline.maxRetries", retry.DefaultMaxRetries)
	o.config.retention = conf.GetDuration("Pipeline.jobRetention", 30*24, time.Hour)
	o.config.retentionInterval = conf.GetDuration("Pipeline.retentionInterval", 24, time.Hour)
	o.policy = retry.New(o.config.maxRetries, retry.Exponential)

	for _, opt := range opts {
		opt(o)
	}

	tags := stats.Tags{"mode": string(o.config.mode)}
	o.stats.submitted = o.statsFactory.NewTaggedStat("pipeline_jobs_submitted", stats.CountType, tags)
	o.stats.succeeded = o.statsFactory.NewTaggedStat("pipeline_jobs_succeeded", stats.CountType, tags)
	o.stats.failed = o.statsFactory.NewTaggedStat("pipeline_jobs_failed", stats.CountType, tags)
	o.stats.rowsProcessed = o.statsFactory.NewTaggedStat("pipeline_rows_processed", stats.CountType, tags)
	o.stats.duration = o.statsFactory.NewTaggedStat("pipeline_job_duration", stats.TimerType, tags)
	o.stats.retries = make(map[string]stats.Measurement)
	for _, phase := range []string{phaseExtract, phaseLoad} {
		o.stats.retries[phase] = o.statsFactory.NewTaggedStat("pipeline_subtask_retries", stats.CountType, stats.Tags{"phase": phase})
	}
	return o
}

// DestinationFromConfig reads the Pipeline.clickhouse.* keys over the defaults.
func DestinationFromConfig(conf *config.Config) model.DestinationConfig {
	d := model.DefaultDestinationConfig()
	d.Host = conf.GetString("Pipeline.clickhouse.host", d.Host)
	d.Port = conf.GetInt("Pipeline.clickhouse.port", d.Port)
	d.Database = conf.GetString("Pipeline.clickhouse.database", d.Database)
	d.User = conf.GetString("Pipeline.clickhouse.user", d.User)
	d.Password = conf.GetString("Pipeline.clickhouse.password", d.Password)
	d.Secure = conf.GetBool("Pipeline.clickhouse.secure", d.Secure)
	d.SkipVerify = conf.GetBool("Pipeline.clickhouse.skipVerify", d.SkipVerify)
	d.ReadTimeout = conf.GetDuration("Pipeline.clickhouse.readTimeout", 300, time.Second)
	d.WriteTimeout = conf.GetDuration("Pipeline.clickhouse.writeTimeout", 1800, time.Second)
	d.Compress = conf.GetBool("Pipeline.clickhouse.compress", d.Compress)
	d.BlockSize = conf.GetInt("Pipeline.clickhouse.blockSize", d.BlockSize)
	return d
}

func (o *Orchestrator) Mode() Mode {
	return o.config.mode
}

// RegisterHandlers wires the task types into the substrate.
func (o *Orchestrator) RegisterHandlers() {
	o.substrate.Register(TaskTypePipeline, o.handlePipeline)
	o.substrate.Register(TaskTypeExtract, o.handleExtract)
	o.substrate.Register(TaskTypeLoad, o.handleLoad)
}

// Submit creates a running import job for the data source and queues its work. It does not wait for the job.
func (o *Orchestrator) Submit(ctx context.Context, dataSourceID int64) (Handle, error) {
	ds, err := o.dataSources.GetByID(ctx, dataSourceID)
	if err != nil {
		return Handle{}, fmt.Errorf("getting data source: %w", err)
	}

	job, err := o.importJobs.Create(ctx, ds.ID)
	if err != nil {
		return Handle{}, fmt.Errorf("creating import job: %w", err)
	}

	taskType := TaskTypePipeline
	if o.config.mode == ModeSplit {
		taskType = TaskTypeExtract
	}

	payload, err := jsonrs.Marshal(jobPayload{JobID: job.ID, DataSourceID: ds.ID})
	if err != nil {
		return Handle{}, o.fail(ctx, job.ID, fmt.Errorf("marshalling payload: %w", err))
	}

	taskID, err := o.substrate.Submit(ctx, taskType, payload)
	if err != nil {
		return Handle{}, o.fail(ctx, job.ID, fmt.Errorf("submitting %s: %w", taskType, err))
	}

	o.stats.submitted.Increment()
	o.note(ctx, job.ID, "Queued")
	o.logger.Infon("submitted import job",
		logger.NewIntField(logfield.JobID, job.ID),
		logger.NewIntField(logfield.DataSourceID, ds.ID),
		logger.NewStringField(logfield.TaskID, taskID),
		logger.NewStringField(logfield.Mode, string(o.config.mode)),
	)
	return Handle{JobID: job.ID, TaskID: taskID}, nil
}

// fail marks the job failed and returns cause. The state is persisted even if ctx is already cancelled.
func (o *Orchestrator) fail(ctx context.Context, jobID int64, cause error) error {
	o.stats.failed.Increment()

	fields := []logger.Field{
		logger.NewIntField(logfield.JobID, jobID),
		obskit.Error(cause),
	}
	if kind, ok := model.KindOf(cause); ok {
		fields = append(fields, logger.NewStringField(logfield.ErrorKind, string(kind)))
	}
	o.logger.Errorn("import job failed", fields...)

	ctx = context.WithoutCancel(ctx)
	o.note(ctx, jobID, "Failed: "+cause.Error())
	if err := o.importJobs.MarkFailed(ctx, jobID, cause); err != nil {
		return errors.Join(cause, fmt.Errorf("marking job %d failed: %w", jobID, err))
	}
	return cause
}

func (o *Orchestrator) succeed(ctx context.Context, job model.ImportJob, rows int64) error {
	ctx = context.WithoutCancel(ctx)
	if err := o.importJobs.MarkSucceeded(ctx, job.ID, rows); err != nil {
		err = fmt.Errorf("marking job %d succeeded: %w", job.ID, err)
		if errors.Is(err, model.ErrJobNotRunning) {
			return err
		}
		// a job the store cannot finish is failed, or left running for redelivery when that also fails
		return o.fail(ctx, job.ID, err)
	}

	o.stats.succeeded.Increment()
	o.stats.rowsProcessed.Count(int(rows))
	if !job.StartedAt.IsZero() {
		o.stats.duration.SendTiming(o.now().Sub(job.StartedAt))
	}

	o.note(ctx, job.ID, fmt.Sprintf("Completed: %d rows processed", rows))
	o.logger.Infon("import job succeeded",
		logger.NewIntField(logfield.JobID, job.ID),
		logger.NewIntField(logfield.Rows, rows),
	)
	return nil
}

// note records advisory progress. Failures are only logged.
func (o *Orchestrator) note(ctx context.Context, jobID int64, msg string) {
	if err := o.progress.Set(ctx, progressKey(jobID), msg); err != nil {
		o.logger.Warnn("recording progress",
			logger.NewIntField(logfield.JobID, jobID),
			obskit.Error(err),
		)
	}
}

func progressKey(jobID int64) string {
	return strconv.FormatInt(jobID, 10)
}

func (o *Orchestrator) onRetry(jobID int64, phase string) func(retry.Attempt) {
	return func(a retry.Attempt) {
		o.stats.retries[phase].Increment()
		o.logger.Warnn("retrying sub-task",
			logger.NewIntField(logfield.JobID, jobID),
			logger.NewStringField(logfield.Phase, phase),
			logger.NewIntField(logfield.Attempt, int64(a.Number)),
			logger.NewDurationField(logfield.Backoff, a.NextBackoff),
			obskit.Error(a.LastError),
		)
		o.note(context.Background(), jobID, fmt.Sprintf("Retrying %s in %s after attempt %d failed: %v", phase, a.NextBackoff, a.Number, a.LastError))
	}
}
