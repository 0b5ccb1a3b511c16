package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	sqlmw "github.com/rudderlabs/rudder-dw-pipeline/pipeline/integrations/middleware/sqlquerywrapper"
	"github.com/rudderlabs/rudder-dw-pipeline/pipeline/model"
)

const dataSourceColumns = `
	id,
	name,
	source_type,
	connection_config,
	created_at
`

type DataSources repo

func NewDataSources(db *sqlmw.DB, opts ...Opt) *DataSources {
	r := DataSources(newRepo(db, opts...))
	return &r
}

// Insert registers a data source and returns its id.
func (d *DataSources) Insert(ctx context.Context, ds model.DataSource) (int64, error) {
	sourceType := ds.SourceType
	if sourceType == "" {
		sourceType = model.SourceTypePostgres
	}
	config := ds.ConnectionConfig
	if len(config) == 0 {
		config = []byte("{}")
	}

	var id int64
	err := d.db.QueryRowContext(ctx, `
		INSERT INTO `+dataSourcesTableName+` (
		  name, source_type, connection_config, created_at
		)
		VALUES
		  ($1, $2, $3, $4) RETURNING id;
`,
		ds.Name,
		sourceType,
		config,
		d.now(),
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("executing: %w", err)
	}
	return id, nil
}

func (d *DataSources) GetByID(ctx context.Context, id int64) (model.DataSource, error) {
	row := d.db.QueryRowContext(ctx, `
		SELECT
		  `+dataSourceColumns+`
		FROM
		  `+dataSourcesTableName+`
		WHERE
		  id = $1;
`,
		id,
	)

	var ds model.DataSource
	err := row.Scan(
		&ds.ID,
		&ds.Name,
		&ds.SourceType,
		&ds.ConnectionConfig,
		&ds.CreatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return model.DataSource{}, fmt.Errorf("data source %d: %w", id, model.ErrDataSourceNotFound)
	}
	if err != nil {
		return model.DataSource{}, fmt.Errorf("scanning: %w", err)
	}
	ds.CreatedAt = ds.CreatedAt.UTC()
	return ds, nil
}
