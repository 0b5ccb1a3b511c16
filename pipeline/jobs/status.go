package jobs

import (
	"context"
	"errors"
	"fmt"
	"time"

	obskit "github.com/rudderlabs/rudder-observability-kit/go/labels"

	"github.com/rudderlabs/rudder-go-kit/logger"

	"github.com/rudderlabs/rudder-dw-pipeline/pipeline/logfield"
	"github.com/rudderlabs/rudder-dw-pipeline/pipeline/model"
	"github.com/rudderlabs/rudder-dw-pipeline/pipeline/queue"
)

// Status is a point in time view of a job. It may lag behind a job that is mid transition.
type Status struct {
	JobID       int64           `json:"job_id"`
	TaskID      string          `json:"task_id,omitempty"`
	Status      model.JobStatus `json:"status"`
	TaskState   queue.TaskState `json:"task_state,omitempty"`
	Progress    string          `json:"progress,omitempty"`
	Error       string          `json:"error,omitempty"`
	StartedAt   time.Time       `json:"started_at"`
	CompletedAt *time.Time      `json:"completed_at,omitempty"`
	Result      *Result         `json:"result,omitempty"`
}

// Status reads the job record, the latest progress note and the task state. It never waits for the job.
func (o *Orchestrator) Status(ctx context.Context, h Handle) (Status, error) {
	job, err := o.importJobs.GetByID(ctx, h.JobID)
	if err != nil {
		return Status{}, fmt.Errorf("getting import job: %w", err)
	}

	s := Status{
		JobID:     job.ID,
		TaskID:    h.TaskID,
		Status:    job.Status,
		Error:     job.Error,
		StartedAt: job.StartedAt,
	}
	if !job.CompletedAt.IsZero() {
		completedAt := job.CompletedAt
		s.CompletedAt = &completedAt
	}

	if s.Progress, err = o.progress.Get(ctx, progressKey(job.ID)); err != nil {
		o.logger.Warnn("reading progress", logger.NewIntField(logfield.JobID, job.ID), obskit.Error(err))
	}

	if h.TaskID != "" {
		info, err := o.substrate.Info(ctx, h.TaskID)
		switch {
		case errors.Is(err, queue.ErrTaskNotFound):
		case err != nil:
			o.logger.Warnn("reading task state", logger.NewStringField(logfield.TaskID, h.TaskID), obskit.Error(err))
		default:
			s.TaskState = info.State
		}
	}

	if job.Status == model.JobStatusSuccess {
		s.Result = &Result{JobID: job.ID, RowsProcessed: job.RowsProcessed}
		if ds, err := o.dataSources.GetByID(ctx, job.DataSourceID); err == nil {
			s.Result.TableName = ds.DestinationTable(job.ID)
		}
	}
	return s, nil
}

// DiscoverSchema returns the declared columns of a source table. An empty tableName uses the data source's table_name.
func (o *Orchestrator) DiscoverSchema(ctx context.Context, dataSourceID int64, tableName string) (model.Schema, error) {
	ds, err := o.dataSources.GetByID(ctx, dataSourceID)
	if err != nil {
		return nil, fmt.Errorf("getting data source: %w", err)
	}
	cfg, err := ds.SourceConfig()
	if err != nil {
		return nil, err
	}
	if tableName == "" {
		tableName = cfg.TableName
	}
	if tableName == "" {
		return nil, model.ConfigError("discovering schema", errors.New("table name is required"))
	}
	return o.extractor.GetTableSchema(ctx, cfg, tableName)
}
