package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	sqlmw "github.com/rudderlabs/rudder-dw-pipeline/pipeline/integrations/middleware/sqlquerywrapper"
	"github.com/rudderlabs/rudder-dw-pipeline/pipeline/model"
)

const importJobColumns = `
	id,
	data_source_id,
	status,
	rows_processed,
	error,
	started_at,
	completed_at
`

type ImportJobs repo

func NewImportJobs(db *sqlmw.DB, opts ...Opt) *ImportJobs {
	r := ImportJobs(newRepo(db, opts...))
	return &r
}

// Create inserts a job that is already running.
func (j *ImportJobs) Create(ctx context.Context, dataSourceID int64) (model.ImportJob, error) {
	job := model.ImportJob{
		DataSourceID: dataSourceID,
		Status:       model.JobStatusRunning,
		StartedAt:    j.now(),
	}

	err := j.db.QueryRowContext(ctx, `
		INSERT INTO `+importJobsTableName+` (
		  data_source_id, status, rows_processed, started_at
		)
		VALUES
		  ($1, $2, 0, $3) RETURNING id;
`,
		job.DataSourceID,
		job.Status,
		job.StartedAt,
	).Scan(&job.ID)
	if err != nil {
		return model.ImportJob{}, fmt.Errorf("executing: %w", err)
	}
	return job, nil
}

func (j *ImportJobs) GetByID(ctx context.Context, id int64) (model.ImportJob, error) {
	row := j.db.QueryRowContext(ctx, `
		SELECT
		  `+importJobColumns+`
		FROM
		  `+importJobsTableName+`
		WHERE
		  id = $1;
`,
		id,
	)

	var (
		job         model.ImportJob
		jobError    sql.NullString
		startedAt   sql.NullTime
		completedAt sql.NullTime
	)
	err := row.Scan(
		&job.ID,
		&job.DataSourceID,
		&job.Status,
		&job.RowsProcessed,
		&jobError,
		&startedAt,
		&completedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return model.ImportJob{}, fmt.Errorf("import job %d: %w", id, model.ErrImportJobNotFound)
	}
	if err != nil {
		return model.ImportJob{}, fmt.Errorf("scanning: %w", err)
	}

	job.Error = jobError.String
	if startedAt.Valid {
		job.StartedAt = startedAt.Time.UTC()
	}
	if completedAt.Valid {
		job.CompletedAt = completedAt.Time.UTC()
	}
	return job, nil
}

// MarkSucceeded moves a running job to success. It fails with model.ErrJobNotRunning otherwise.
func (j *ImportJobs) MarkSucceeded(ctx context.Context, id, rowsProcessed int64) error {
	result, err := j.db.ExecContext(ctx, `
		UPDATE
		  `+importJobsTableName+`
		SET
		  status = $1,
		  rows_processed = $2,
		  completed_at = $3
		WHERE
		  id = $4
		  AND status = $5;
`,
		model.JobStatusSuccess,
		rowsProcessed,
		j.now(),
		id,
		model.JobStatusRunning,
	)
	return checkTransition(id, result, err)
}

// MarkFailed moves a running job to failed. It fails with model.ErrJobNotRunning otherwise.
func (j *ImportJobs) MarkFailed(ctx context.Context, id int64, jobErr error) error {
	var message sql.NullString
	if jobErr != nil {
		message = sql.NullString{String: jobErr.Error(), Valid: true}
	}

	result, err := j.db.ExecContext(ctx, `
		UPDATE
		  `+importJobsTableName+`
		SET
		  status = $1,
		  error = $2,
		  completed_at = $3
		WHERE
		  id = $4
		  AND status = $5;
`,
		model.JobStatusFailed,
		message,
		j.now(),
		id,
		model.JobStatusRunning,
	)
	return checkTransition(id, result, err)
}

func checkTransition(id int64, result sql.Result, err error) error {
	if err != nil {
		return fmt.Errorf("executing: %w", err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return fmt.Errorf("import job %d: %w", id, model.ErrJobNotRunning)
	}
	return nil
}

// DeleteCompletedBefore removes terminal jobs completed before cutoff and returns how many were removed.
func (j *ImportJobs) DeleteCompletedBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	result, err := j.db.ExecContext(ctx, `
		DELETE FROM
		  `+importJobsTableName+`
		WHERE
		  completed_at < $1
		  AND status IN ($2, $3);
`,
		cutoff,
		model.JobStatusSuccess,
		model.JobStatusFailed,
	)
	if err != nil {
		return 0, fmt.Errorf("executing: %w", err)
	}
	deleted, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("rows affected: %w", err)
	}
	return deleted, nil
}
