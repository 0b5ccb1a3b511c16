// Package repo persists data sources and import jobs in PostgreSQL.
package repo

import (
	"time"

	sqlmw "github.com/rudderlabs/rudder-dw-pipeline/pipeline/integrations/middleware/sqlquerywrapper"
)

const (
	dataSourcesTableName = "data_sources"
	importJobsTableName  = "import_jobs"
)

type repo struct {
	db  *sqlmw.DB
	now func() time.Time
}

type Opt func(*repo)

func WithNow(now func() time.Time) Opt {
	return func(r *repo) {
		r.now = now
	}
}

func newRepo(db *sqlmw.DB, opts ...Opt) repo {
	r := repo{
		db: db,
		now: func() time.Time {
			return time.Now().UTC()
		},
	}
	for _, opt := range opts {
		opt(&r)
	}
	return r
}
