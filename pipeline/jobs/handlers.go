package jobs

import (
	"context"
	"errors"
	"fmt"

	"github.com/rudderlabs/rudder-go-kit/logger"

	"github.com/rudderlabs/rudder-dw-pipeline/jsonrs"
	"github.com/rudderlabs/rudder-dw-pipeline/pipeline/encoding"
	"github.com/rudderlabs/rudder-dw-pipeline/pipeline/logfield"
	"github.com/rudderlabs/rudder-dw-pipeline/pipeline/model"
	"github.com/rudderlabs/rudder-dw-pipeline/pipeline/queue"
)

type jobPayload struct {
	JobID        int64 `json:"job_id"`
	DataSourceID int64 `json:"data_source_id"`
}

// loadPayload carries the extracted table, Arrow encoded, from the extract task to the load task.
type loadPayload struct {
	JobID        int64  `json:"job_id"`
	DataSourceID int64  `json:"data_source_id"`
	Data         []byte `json:"data"`
}

// Result is stored as the task result.
type Result struct {
	JobID         int64  `json:"job_id"`
	TableName     string `json:"table_name,omitempty"`
	RowsExtracted int    `json:"rows_extracted,omitempty"`
	RowsProcessed int64  `json:"rows_processed,omitempty"`
	LoadTaskID    string `json:"load_task_id,omitempty"`
}

func (o *Orchestrator) handlePipeline(ctx context.Context, task *queue.Task) ([]byte, error) {
	var p jobPayload
	if err := jsonrs.Unmarshal(task.Payload, &p); err != nil {
		return nil, model.CodecError("decoding task payload", err)
	}

	job, ds, ok, err := o.begin(ctx, p.JobID, p.DataSourceID)
	if !ok || err != nil {
		return nil, err
	}

	o.note(ctx, job.ID, "Starting extraction phase")
	data, _, err := o.extract(ctx, job, ds)
	if err != nil {
		return nil, o.fail(ctx, job.ID, err)
	}

	o.note(ctx, job.ID, "Starting load phase")
	rows, err := o.load(ctx, job, ds, data)
	if err != nil {
		return nil, o.fail(ctx, job.ID, err)
	}

	if err := o.succeed(ctx, job, rows); err != nil {
		return nil, err
	}
	return jsonrs.Marshal(Result{JobID: job.ID, TableName: ds.DestinationTable(job.ID), RowsProcessed: rows})
}

func (o *Orchestrator) handleExtract(ctx context.Context, task *queue.Task) ([]byte, error) {
	var p jobPayload
	if err := jsonrs.Unmarshal(task.Payload, &p); err != nil {
		return nil, model.CodecError("decoding task payload", err)
	}

	job, ds, ok, err := o.begin(ctx, p.JobID, p.DataSourceID)
	if !ok || err != nil {
		return nil, err
	}

	o.note(ctx, job.ID, "Starting extraction phase")
	data, rows, err := o.extract(ctx, job, ds)
	if err != nil {
		return nil, o.fail(ctx, job.ID, err)
	}

	payload, err := jsonrs.Marshal(loadPayload{JobID: job.ID, DataSourceID: ds.ID, Data: data})
	if err != nil {
		return nil, o.fail(ctx, job.ID, fmt.Errorf("marshalling load payload: %w", err))
	}
	loadTaskID, err := o.substrate.Submit(ctx, TaskTypeLoad, payload)
	if err != nil {
		return nil, o.fail(ctx, job.ID, fmt.Errorf("submitting %s: %w", TaskTypeLoad, err))
	}

	return jsonrs.Marshal(Result{JobID: job.ID, RowsExtracted: rows, LoadTaskID: loadTaskID})
}

func (o *Orchestrator) handleLoad(ctx context.Context, task *queue.Task) ([]byte, error) {
	var p loadPayload
	if err := jsonrs.Unmarshal(task.Payload, &p); err != nil {
		return nil, model.CodecError("decoding task payload", err)
	}

	job, ds, ok, err := o.begin(ctx, p.JobID, p.DataSourceID)
	if !ok || err != nil {
		return nil, err
	}

	o.note(ctx, job.ID, "Starting load phase")
	rows, err := o.load(ctx, job, ds, p.Data)
	if err != nil {
		return nil, o.fail(ctx, job.ID, err)
	}

	if err := o.succeed(ctx, job, rows); err != nil {
		return nil, err
	}
	return jsonrs.Marshal(Result{JobID: job.ID, TableName: ds.DestinationTable(job.ID), RowsProcessed: rows})
}

// begin loads the job and its data source. ok is false when the job is already terminal, which happens on redelivery.
func (o *Orchestrator) begin(ctx context.Context, jobID, dataSourceID int64) (model.ImportJob, model.DataSource, bool, error) {
	job, err := o.importJobs.GetByID(ctx, jobID)
	if errors.Is(err, model.ErrImportJobNotFound) {
		o.logger.Warnn("dropping task for unknown import job", logger.NewIntField(logfield.JobID, jobID))
		return model.ImportJob{}, model.DataSource{}, false, nil
	}
	if err != nil {
		return model.ImportJob{}, model.DataSource{}, false, fmt.Errorf("getting import job %d: %w", jobID, err)
	}
	if model.IsTerminalStatus(job.Status) {
		o.logger.Infon("skipping redelivered task for finished import job",
			logger.NewIntField(logfield.JobID, jobID),
			logger.NewStringField(logfield.Status, job.Status),
		)
		return job, model.DataSource{}, false, nil
	}

	ds, err := o.dataSources.GetByID(ctx, dataSourceID)
	if err != nil {
		return job, model.DataSource{}, false, o.fail(ctx, job.ID, fmt.Errorf("getting data source: %w", err))
	}
	return job, ds, true, nil
}

// extract runs the extraction with retries and encodes the result.
func (o *Orchestrator) extract(ctx context.Context, job model.ImportJob, ds model.DataSource) ([]byte, int, error) {
	cfg, err := ds.SourceConfig()
	if err != nil {
		return nil, 0, err
	}

	var table *model.Table
	err = o.policy.Do(ctx, func(ctx context.Context) error {
		o.note(ctx, job.ID, "Connecting to source database")

		var err error
		table, err = o.extractor.Extract(ctx, cfg)
		return err
	}, o.onRetry(job.ID, phaseExtract))
	if err != nil {
		return nil, 0, fmt.Errorf("extracting: %w", err)
	}

	o.note(ctx, job.ID, fmt.Sprintf("Extracted %d rows", table.NumRows()))

	data, err := encoding.Encode(table)
	if err != nil {
		return nil, 0, err
	}
	return data, table.NumRows(), nil
}

// load decodes the hand-off and loads it into the job's destination table with retries.
func (o *Orchestrator) load(ctx context.Context, job model.ImportJob, ds model.DataSource, data []byte) (int64, error) {
	table, err := encoding.Decode(data)
	if err != nil {
		return 0, err
	}

	tableName := ds.DestinationTable(job.ID)
	o.note(ctx, job.ID, fmt.Sprintf("Loading %d rows to ClickHouse", table.NumRows()))

	var rows int64
	err = o.policy.Do(ctx, func(ctx context.Context) error {
		var err error
		rows, err = o.loader.Load(ctx, table, tableName, o.destination, true)
		return err
	}, o.onRetry(job.ID, phaseLoad))
	if err != nil {
		return 0, fmt.Errorf("loading %s: %w", tableName, err)
	}
	return rows, nil
}
