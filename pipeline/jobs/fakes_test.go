package jobs_test

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rudderlabs/rudder-dw-pipeline/pipeline/model"
)

type memDataSources struct {
	mu   sync.Mutex
	byID map[int64]model.DataSource
}

func newMemDataSources(sources ...model.DataSource) *memDataSources {
	m := &memDataSources{byID: make(map[int64]model.DataSource)}
	for _, ds := range sources {
		m.byID[ds.ID] = ds
	}
	return m
}

func (m *memDataSources) GetByID(_ context.Context, id int64) (model.DataSource, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	ds, ok := m.byID[id]
	if !ok {
		return model.DataSource{}, fmt.Errorf("data source %d: %w", id, model.ErrDataSourceNotFound)
	}
	return ds, nil
}

type memImportJobs struct {
	mu     sync.Mutex
	now    func() time.Time
	nextID int64
	jobs   map[int64]model.ImportJob

	succeedErr error
}

func newMemImportJobs(now func() time.Time) *memImportJobs {
	return &memImportJobs{now: now, jobs: make(map[int64]model.ImportJob)}
}

func (m *memImportJobs) Create(_ context.Context, dataSourceID int64) (model.ImportJob, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.nextID++
	job := model.ImportJob{
		ID:           m.nextID,
		DataSourceID: dataSourceID,
		Status:       model.JobStatusRunning,
		StartedAt:    m.now(),
	}
	m.jobs[job.ID] = job
	return job, nil
}

func (m *memImportJobs) GetByID(_ context.Context, id int64) (model.ImportJob, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	job, ok := m.jobs[id]
	if !ok {
		return model.ImportJob{}, fmt.Errorf("import job %d: %w", id, model.ErrImportJobNotFound)
	}
	return job, nil
}

func (m *memImportJobs) transition(id int64, fn func(*model.ImportJob)) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	job, ok := m.jobs[id]
	if !ok || job.Status != model.JobStatusRunning {
		return fmt.Errorf("import job %d: %w", id, model.ErrJobNotRunning)
	}
	fn(&job)
	job.CompletedAt = m.now()
	m.jobs[id] = job
	return nil
}

func (m *memImportJobs) MarkSucceeded(_ context.Context, id, rowsProcessed int64) error {
	if m.succeedErr != nil {
		return m.succeedErr
	}
	return m.transition(id, func(job *model.ImportJob) {
		job.Status = model.JobStatusSuccess
		job.RowsProcessed = rowsProcessed
	})
}

func (m *memImportJobs) MarkFailed(_ context.Context, id int64, jobErr error) error {
	return m.transition(id, func(job *model.ImportJob) {
		job.Status = model.JobStatusFailed
		job.Error = jobErr.Error()
	})
}

func (m *memImportJobs) DeleteCompletedBefore(_ context.Context, cutoff time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var deleted int64
	for id, job := range m.jobs {
		if model.IsTerminalStatus(job.Status) && job.CompletedAt.Before(cutoff) {
			delete(m.jobs, id)
			deleted++
		}
	}
	return deleted, nil
}

func (m *memImportJobs) put(job model.ImportJob) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.jobs[job.ID] = job
	if job.ID > m.nextID {
		m.nextID = job.ID
	}
}

type fakeExtractor struct {
	mu      sync.Mutex
	calls   int
	configs []model.SourceConfig
	errs    []error
	table   *model.Table
	schema  model.Schema
}

func (f *fakeExtractor) Extract(_ context.Context, cfg model.SourceConfig) (*model.Table, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.calls++
	f.configs = append(f.configs, cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if f.calls <= len(f.errs) && f.errs[f.calls-1] != nil {
		return nil, f.errs[f.calls-1]
	}
	return f.table, nil
}

func (f *fakeExtractor) GetTableSchema(_ context.Context, _ model.SourceConfig, _ string) (model.Schema, error) {
	return f.schema, nil
}

func (f *fakeExtractor) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()

	return f.calls
}

type loadCall struct {
	tableName    string
	dropIfExists bool
	rows         int
}

type fakeLoader struct {
	mu    sync.Mutex
	calls []loadCall
	errs  []error
}

func (f *fakeLoader) Load(_ context.Context, table *model.Table, tableName string, _ model.DestinationConfig, dropIfExists bool) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.calls = append(f.calls, loadCall{tableName: tableName, dropIfExists: dropIfExists, rows: table.NumRows()})
	if i := len(f.calls) - 1; i < len(f.errs) && f.errs[i] != nil {
		return 0, f.errs[i]
	}
	return int64(table.NumRows()), nil
}

func (f *fakeLoader) Calls() []loadCall {
	f.mu.Lock()
	defer f.mu.Unlock()

	return append([]loadCall(nil), f.calls...)
}
