package jobs_test

import (
	"context"
	"errors"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/rudderlabs/rudder-go-kit/config"
	"github.com/rudderlabs/rudder-go-kit/logger"
	"github.com/rudderlabs/rudder-go-kit/stats"
	"github.com/rudderlabs/rudder-go-kit/stats/memstats"

	"github.com/rudderlabs/rudder-dw-pipeline/jsonrs"
	"github.com/rudderlabs/rudder-dw-pipeline/pipeline/jobs"
	"github.com/rudderlabs/rudder-dw-pipeline/pipeline/model"
	"github.com/rudderlabs/rudder-dw-pipeline/pipeline/queue"
	"github.com/rudderlabs/rudder-dw-pipeline/pipeline/retry"
	"github.com/rudderlabs/rudder-dw-pipeline/pipeline/retry/retrytest"
)

var now = time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)

type testEnv struct {
	orchestrator *jobs.Orchestrator
	substrate    *queue.Local
	dataSources  *memDataSources
	importJobs   *memImportJobs
	extractor    *fakeExtractor
	loader       *fakeLoader
	progress     *queue.MemoryProgress
	timer        *retrytest.Timer
	stats        *memstats.Store
}

type setupOpts struct {
	conf      *config.Config
	substrate queue.Substrate
}

func setup(t *testing.T, ext *fakeExtractor, ld *fakeLoader, opts setupOpts) *testEnv {
	t.Helper()

	conf := opts.conf
	if conf == nil {
		conf = config.New()
	}

	statsStore, err := memstats.New()
	require.NoError(t, err)

	env := &testEnv{
		substrate: queue.NewLocal(logger.NOP),
		dataSources: newMemDataSources(model.DataSource{
			ID:               1,
			Name:             "users",
			SourceType:       model.SourceTypePostgres,
			ConnectionConfig: []byte(`{"database":"app","table_name":"users"}`),
		}),
		importJobs: newMemImportJobs(func() time.Time { return now }),
		extractor:  ext,
		loader:     ld,
		progress:   queue.NewMemoryProgress(),
		timer:      retrytest.NewTimer(),
		stats:      statsStore,
	}
	require.NoError(t, env.substrate.Start(context.Background()))
	t.Cleanup(env.substrate.Shutdown)

	var substrate queue.Substrate = env.substrate
	if opts.substrate != nil {
		substrate = opts.substrate
	}

	env.orchestrator = jobs.New(conf, logger.NOP, statsStore,
		env.dataSources, env.importJobs, env.extractor, env.loader, substrate, env.progress,
		jobs.WithRetryPolicy(retry.New(3, retry.Exponential, retry.WithTimer(env.timer))),
		jobs.WithNow(func() time.Time { return now }),
	)
	env.orchestrator.RegisterHandlers()
	return env
}

func usersTable(t *testing.T) *model.Table {
	t.Helper()

	table := model.NewTable(model.Schema{
		{Name: "id", Type: model.TypeInt64},
		{Name: "name", Type: model.TypeString, Nullable: true},
	})
	require.NoError(t, table.AppendRow(int64(1), "alice"))
	require.NoError(t, table.AppendRow(int64(2), nil))
	require.NoError(t, table.AppendRow(int64(3), "carol"))
	return table
}

func (e *testEnv) job(t *testing.T, id int64) model.ImportJob {
	t.Helper()

	job, err := e.importJobs.GetByID(context.Background(), id)
	require.NoError(t, err)
	return job
}

func (e *testEnv) note(t *testing.T, id int64) string {
	t.Helper()

	note, err := e.progress.Get(context.Background(), strconv.FormatInt(id, 10))
	require.NoError(t, err)
	return note
}

func TestOrchestrator(t *testing.T) {
	ctx := context.Background()

	t.Run("single mode", func(t *testing.T) {
		ext := &fakeExtractor{table: usersTable(t)}
		ld := &fakeLoader{}
		env := setup(t, ext, ld, setupOpts{})

		h, err := env.orchestrator.Submit(ctx, 1)
		require.NoError(t, err)
		require.EqualValues(t, 1, h.JobID)
		require.NotEmpty(t, h.TaskID)

		env.substrate.Wait()

		job := env.job(t, h.JobID)
		require.Equal(t, model.JobStatusSuccess, job.Status)
		require.EqualValues(t, 3, job.RowsProcessed)
		require.Empty(t, job.Error)
		require.Equal(t, now, job.CompletedAt)

		require.Equal(t, 1, ext.Calls())
		require.Equal(t, []loadCall{{tableName: "users_1", dropIfExists: true, rows: 3}}, ld.Calls())
		require.Equal(t, "Completed: 3 rows processed", env.note(t, h.JobID))
		require.Empty(t, env.timer.Durations())

		info, err := env.substrate.Info(ctx, h.TaskID)
		require.NoError(t, err)
		require.Equal(t, queue.TaskStateSucceeded, info.State)
		require.Equal(t, jobs.TaskTypePipeline, info.Type)
		require.JSONEq(t, `{"job_id":1,"table_name":"users_1","rows_processed":3}`, string(info.Result))

		tags := stats.Tags{"mode": "single"}
		require.EqualValues(t, 1, env.stats.Get("pipeline_jobs_submitted", tags).LastValue())
		require.EqualValues(t, 1, env.stats.Get("pipeline_jobs_succeeded", tags).LastValue())
		require.EqualValues(t, 3, env.stats.Get("pipeline_rows_processed", tags).LastValue())
		require.EqualValues(t, 0, env.stats.Get("pipeline_jobs_failed", tags).LastValue())
	})

	t.Run("split mode", func(t *testing.T) {
		conf := config.New()
		conf.Set("Pipeline.mode", "split")

		ext := &fakeExtractor{table: usersTable(t)}
		ld := &fakeLoader{}
		env := setup(t, ext, ld, setupOpts{conf: conf})
		require.Equal(t, jobs.ModeSplit, env.orchestrator.Mode())

		h, err := env.orchestrator.Submit(ctx, 1)
		require.NoError(t, err)

		env.substrate.Wait()

		job := env.job(t, h.JobID)
		require.Equal(t, model.JobStatusSuccess, job.Status)
		require.EqualValues(t, 3, job.RowsProcessed)
		require.Equal(t, []loadCall{{tableName: "users_1", dropIfExists: true, rows: 3}}, ld.Calls())

		info, err := env.substrate.Info(ctx, h.TaskID)
		require.NoError(t, err)
		require.Equal(t, jobs.TaskTypeExtract, info.Type)
		require.Equal(t, queue.TaskStateSucceeded, info.State)

		var result jobs.Result
		require.NoError(t, jsonrs.Unmarshal(info.Result, &result))
		require.Equal(t, 3, result.RowsExtracted)
		require.NotEmpty(t, result.LoadTaskID)

		loadInfo, err := env.substrate.Info(ctx, result.LoadTaskID)
		require.NoError(t, err)
		require.Equal(t, jobs.TaskTypeLoad, loadInfo.Type)
		require.Equal(t, queue.TaskStateSucceeded, loadInfo.State)
		require.JSONEq(t, `{"job_id":1,"table_name":"users_1","rows_processed":3}`, string(loadInfo.Result))

		tags := stats.Tags{"mode": "split"}
		require.EqualValues(t, 1, env.stats.Get("pipeline_jobs_succeeded", tags).LastValue())
	})

	t.Run("transient failures are retried with exponential backoff", func(t *testing.T) {
		ext := &fakeExtractor{
			table: usersTable(t),
			errs: []error{
				model.SourceError("connecting", errors.New("connection refused")),
				model.SourceError("connecting", errors.New("connection refused")),
			},
		}
		ld := &fakeLoader{
			errs: []error{model.DestinationError("connecting", errors.New("i/o timeout"))},
		}
		env := setup(t, ext, ld, setupOpts{})

		h, err := env.orchestrator.Submit(ctx, 1)
		require.NoError(t, err)
		env.substrate.Wait()

		job := env.job(t, h.JobID)
		require.Equal(t, model.JobStatusSuccess, job.Status)
		require.EqualValues(t, 3, job.RowsProcessed)

		require.Equal(t, 3, ext.Calls())
		require.Len(t, ld.Calls(), 2)
		require.Equal(t, []time.Duration{time.Second, 2 * time.Second, time.Second}, env.timer.Durations())

		require.EqualValues(t, 2, env.stats.Get("pipeline_subtask_retries", stats.Tags{"phase": "extract"}).LastValue())
		require.EqualValues(t, 1, env.stats.Get("pipeline_subtask_retries", stats.Tags{"phase": "load"}).LastValue())
	})

	t.Run("exhausted retries fail the job", func(t *testing.T) {
		sourceErr := model.SourceError("connecting", errors.New("connection refused"))
		ext := &fakeExtractor{errs: []error{sourceErr, sourceErr, sourceErr, sourceErr}}
		ld := &fakeLoader{}
		env := setup(t, ext, ld, setupOpts{})

		h, err := env.orchestrator.Submit(ctx, 1)
		require.NoError(t, err)
		env.substrate.Wait()

		job := env.job(t, h.JobID)
		require.Equal(t, model.JobStatusFailed, job.Status)
		require.Contains(t, job.Error, "connection refused")
		require.Equal(t, now, job.CompletedAt)

		require.Equal(t, 4, ext.Calls())
		require.Empty(t, ld.Calls())
		require.Equal(t, []time.Duration{time.Second, 2 * time.Second, 4 * time.Second}, env.timer.Durations())
		require.Contains(t, env.note(t, h.JobID), "Failed: ")

		info, err := env.substrate.Info(ctx, h.TaskID)
		require.NoError(t, err)
		require.Equal(t, queue.TaskStateFailed, info.State)
		require.Contains(t, info.LastError, "connection refused")

		require.EqualValues(t, 1, env.stats.Get("pipeline_jobs_failed", stats.Tags{"mode": "single"}).LastValue())
	})

	t.Run("config errors are not retried", func(t *testing.T) {
		ext := &fakeExtractor{table: usersTable(t)}
		ld := &fakeLoader{}
		env := setup(t, ext, ld, setupOpts{})
		env.dataSources.byID[2] = model.DataSource{
			ID:               2,
			Name:             "broken",
			SourceType:       model.SourceTypePostgres,
			ConnectionConfig: []byte(`{"database":"app"}`),
		}

		h, err := env.orchestrator.Submit(ctx, 2)
		require.NoError(t, err)
		env.substrate.Wait()

		job := env.job(t, h.JobID)
		require.Equal(t, model.JobStatusFailed, job.Status)
		require.Contains(t, job.Error, "either query or table_name is required")
		require.Equal(t, 1, ext.Calls())
		require.Empty(t, env.timer.Durations())
	})

	t.Run("load verification errors are not retried", func(t *testing.T) {
		ext := &fakeExtractor{table: usersTable(t)}
		ld := &fakeLoader{
			errs: []error{model.LoadVerificationError("verifying row count", errors.New("expected 3 rows, found 2"))},
		}
		env := setup(t, ext, ld, setupOpts{})

		h, err := env.orchestrator.Submit(ctx, 1)
		require.NoError(t, err)
		env.substrate.Wait()

		job := env.job(t, h.JobID)
		require.Equal(t, model.JobStatusFailed, job.Status)
		require.Contains(t, job.Error, "load_verification_error")
		require.Len(t, ld.Calls(), 1)
		require.Empty(t, env.timer.Durations())
	})

	t.Run("unknown data source", func(t *testing.T) {
		env := setup(t, &fakeExtractor{}, &fakeLoader{}, setupOpts{})

		_, err := env.orchestrator.Submit(ctx, 42)
		require.ErrorIs(t, err, model.ErrDataSourceNotFound)

		_, err = env.importJobs.GetByID(ctx, 1)
		require.ErrorIs(t, err, model.ErrImportJobNotFound)
	})

	t.Run("submit failure marks the job failed", func(t *testing.T) {
		env := setup(t, &fakeExtractor{}, &fakeLoader{}, setupOpts{})
		env.orchestrator = jobs.New(config.New(), logger.NOP, env.stats,
			env.dataSources, env.importJobs, env.extractor, env.loader,
			rejectingSubstrate{Local: env.substrate}, env.progress,
		)

		_, err := env.orchestrator.Submit(ctx, 1)
		require.ErrorContains(t, err, "broker down")

		job := env.job(t, 1)
		require.Equal(t, model.JobStatusFailed, job.Status)
		require.Contains(t, job.Error, "broker down")
	})

	t.Run("redelivered task for a finished job is a no-op", func(t *testing.T) {
		ext := &fakeExtractor{table: usersTable(t)}
		ld := &fakeLoader{}
		env := setup(t, ext, ld, setupOpts{})

		h, err := env.orchestrator.Submit(ctx, 1)
		require.NoError(t, err)
		env.substrate.Wait()
		require.Equal(t, model.JobStatusSuccess, env.job(t, h.JobID).Status)

		taskID, err := env.substrate.Submit(ctx, jobs.TaskTypePipeline, []byte(`{"job_id":1,"data_source_id":1}`))
		require.NoError(t, err)
		env.substrate.Wait()

		info, err := env.substrate.Info(ctx, taskID)
		require.NoError(t, err)
		require.Equal(t, queue.TaskStateSucceeded, info.State)

		require.Equal(t, 1, ext.Calls())
		require.Len(t, ld.Calls(), 1)
		require.Equal(t, model.JobStatusSuccess, env.job(t, h.JobID).Status)
	})

	t.Run("job the store cannot mark succeeded is failed", func(t *testing.T) {
		ld := &fakeLoader{}
		env := setup(t, &fakeExtractor{table: usersTable(t)}, ld, setupOpts{})
		env.importJobs.succeedErr = errors.New("connection reset")

		h, err := env.orchestrator.Submit(ctx, 1)
		require.NoError(t, err)
		env.substrate.Wait()

		require.Len(t, ld.Calls(), 1)
		job := env.job(t, h.JobID)
		require.Equal(t, model.JobStatusFailed, job.Status)
		require.Contains(t, job.Error, "connection reset")
		require.False(t, job.CompletedAt.IsZero())

		info, err := env.substrate.Info(ctx, h.TaskID)
		require.NoError(t, err)
		require.Equal(t, queue.TaskStateFailed, info.State)
		require.EqualValues(t, 1, env.stats.Get("pipeline_jobs_failed", stats.Tags{"mode": "single"}).LastValue())
	})

	t.Run("task for an unknown job is dropped", func(t *testing.T) {
		ext := &fakeExtractor{table: usersTable(t)}
		env := setup(t, ext, &fakeLoader{}, setupOpts{})

		taskID, err := env.substrate.Submit(ctx, jobs.TaskTypePipeline, []byte(`{"job_id":7,"data_source_id":1}`))
		require.NoError(t, err)
		env.substrate.Wait()

		info, err := env.substrate.Info(ctx, taskID)
		require.NoError(t, err)
		require.Equal(t, queue.TaskStateSucceeded, info.State)
		require.Zero(t, ext.Calls())
	})

	t.Run("malformed payload", func(t *testing.T) {
		env := setup(t, &fakeExtractor{}, &fakeLoader{}, setupOpts{})

		taskID, err := env.substrate.Submit(ctx, jobs.TaskTypeLoad, []byte(`not json`))
		require.NoError(t, err)
		env.substrate.Wait()

		info, err := env.substrate.Info(ctx, taskID)
		require.NoError(t, err)
		require.Equal(t, queue.TaskStateFailed, info.State)
		require.Contains(t, info.LastError, "codec_error")
	})

	t.Run("corrupted hand-off fails the job", func(t *testing.T) {
		ld := &fakeLoader{}
		env := setup(t, &fakeExtractor{}, ld, setupOpts{})
		env.importJobs.put(model.ImportJob{ID: 5, DataSourceID: 1, Status: model.JobStatusRunning, StartedAt: now})

		_, err := env.substrate.Submit(ctx, jobs.TaskTypeLoad, []byte(`{"job_id":5,"data_source_id":1,"data":"AAECAw=="}`))
		require.NoError(t, err)
		env.substrate.Wait()

		job := env.job(t, 5)
		require.Equal(t, model.JobStatusFailed, job.Status)
		require.Contains(t, job.Error, "codec_error")
		require.Empty(t, ld.Calls())
	})
}

type rejectingSubstrate struct {
	*queue.Local
}

func (rejectingSubstrate) Submit(context.Context, string, []byte) (string, error) {
	return "", errors.New("broker down")
}

func TestOrchestrator_Status(t *testing.T) {
	ctx := context.Background()

	ext := &fakeExtractor{table: usersTable(t)}
	env := setup(t, ext, &fakeLoader{}, setupOpts{})

	h, err := env.orchestrator.Submit(ctx, 1)
	require.NoError(t, err)
	env.substrate.Wait()

	s, err := env.orchestrator.Status(ctx, h)
	require.NoError(t, err)
	require.Equal(t, h.JobID, s.JobID)
	require.Equal(t, h.TaskID, s.TaskID)
	require.Equal(t, model.JobStatusSuccess, s.Status)
	require.Equal(t, queue.TaskStateSucceeded, s.TaskState)
	require.Equal(t, "Completed: 3 rows processed", s.Progress)
	require.Equal(t, now, s.StartedAt)
	require.NotNil(t, s.CompletedAt)
	require.Equal(t, now, *s.CompletedAt)
	require.Equal(t, &jobs.Result{JobID: h.JobID, TableName: "users_1", RowsProcessed: 3}, s.Result)

	t.Run("without task id", func(t *testing.T) {
		s, err := env.orchestrator.Status(ctx, jobs.Handle{JobID: h.JobID})
		require.NoError(t, err)
		require.Equal(t, model.JobStatusSuccess, s.Status)
		require.Empty(t, s.TaskState)
	})

	t.Run("unknown task id", func(t *testing.T) {
		s, err := env.orchestrator.Status(ctx, jobs.Handle{JobID: h.JobID, TaskID: "missing"})
		require.NoError(t, err)
		require.Equal(t, model.JobStatusSuccess, s.Status)
		require.Empty(t, s.TaskState)
	})

	t.Run("unknown job", func(t *testing.T) {
		_, err := env.orchestrator.Status(ctx, jobs.Handle{JobID: 99})
		require.ErrorIs(t, err, model.ErrImportJobNotFound)
	})
}

func TestOrchestrator_DiscoverSchema(t *testing.T) {
	ctx := context.Background()

	schema := model.Schema{{Name: "id", Type: model.TypeInt64, SourceType: "integer"}}
	ext := &fakeExtractor{schema: schema}
	env := setup(t, ext, &fakeLoader{}, setupOpts{})

	got, err := env.orchestrator.DiscoverSchema(ctx, 1, "")
	require.NoError(t, err)
	require.Equal(t, schema, got)

	env.dataSources.byID[3] = model.DataSource{ID: 3, Name: "adhoc", ConnectionConfig: []byte(`{"database":"app","query":"SELECT 1"}`)}

	_, err = env.orchestrator.DiscoverSchema(ctx, 3, "")
	require.True(t, model.IsKind(err, model.ErrorKindConfig))

	got, err = env.orchestrator.DiscoverSchema(ctx, 3, "orders")
	require.NoError(t, err)
	require.Equal(t, schema, got)

	_, err = env.orchestrator.DiscoverSchema(ctx, 42, "orders")
	require.ErrorIs(t, err, model.ErrDataSourceNotFound)
}

func TestOrchestrator_CleanupOldJobs(t *testing.T) {
	ctx := context.Background()

	conf := config.New()
	conf.Set("Pipeline.jobRetention", "24h")
	env := setup(t, &fakeExtractor{}, &fakeLoader{}, setupOpts{conf: conf})

	env.importJobs.put(model.ImportJob{ID: 1, DataSourceID: 1, Status: model.JobStatusSuccess, CompletedAt: now.Add(-48 * time.Hour)})
	env.importJobs.put(model.ImportJob{ID: 2, DataSourceID: 1, Status: model.JobStatusFailed, CompletedAt: now.Add(-25 * time.Hour)})
	env.importJobs.put(model.ImportJob{ID: 3, DataSourceID: 1, Status: model.JobStatusSuccess, CompletedAt: now.Add(-time.Hour)})
	env.importJobs.put(model.ImportJob{ID: 4, DataSourceID: 1, Status: model.JobStatusRunning, StartedAt: now.Add(-72 * time.Hour)})

	deleted, err := env.orchestrator.CleanupOldJobs(ctx)
	require.NoError(t, err)
	require.EqualValues(t, 2, deleted)

	for _, id := range []int64{1, 2} {
		_, err := env.importJobs.GetByID(ctx, id)
		require.ErrorIs(t, err, model.ErrImportJobNotFound)
	}
	for _, id := range []int64{3, 4} {
		_, err := env.importJobs.GetByID(ctx, id)
		require.NoError(t, err)
	}
}

func TestOrchestrator_RunRetention(t *testing.T) {
	conf := config.New()
	conf.Set("Pipeline.jobRetention", "1h")
	conf.Set("Pipeline.retentionInterval", "10ms")
	env := setup(t, &fakeExtractor{}, &fakeLoader{}, setupOpts{conf: conf})
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	env.importJobs.put(model.ImportJob{ID: 1, DataSourceID: 1, Status: model.JobStatusSuccess, CompletedAt: now.Add(-2 * time.Hour)})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		env.orchestrator.RunRetention(ctx)
	}()

	require.Eventually(t, func() bool {
		_, err := env.importJobs.GetByID(context.Background(), 1)
		return errors.Is(err, model.ErrImportJobNotFound)
	}, 5*time.Second, 10*time.Millisecond)

	cancel()
	<-done
}

func TestParseHandle(t *testing.T) {
	testCases := []struct {
		name    string
		input   string
		want    jobs.Handle
		wantErr bool
	}{
		{name: "job and task", input: "12:4f1c", want: jobs.Handle{JobID: 12, TaskID: "4f1c"}},
		{name: "bare job id", input: "12", want: jobs.Handle{JobID: 12}},
		{name: "empty", input: "", wantErr: true},
		{name: "not a number", input: "abc:4f1c", wantErr: true},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := jobs.ParseHandle(tc.input)
			if tc.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			require.Equal(t, tc.want, got)
		})
	}

	h := jobs.Handle{JobID: 3, TaskID: "abc"}
	got, err := jobs.ParseHandle(h.String())
	require.NoError(t, err)
	require.Equal(t, h, got)
}
