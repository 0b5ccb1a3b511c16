// Package clickhouse loads tables into ClickHouse.
package clickhouse

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "github.com/ClickHouse/clickhouse-go"

	"github.com/rudderlabs/rudder-go-kit/config"
	"github.com/rudderlabs/rudder-go-kit/logger"
	"github.com/rudderlabs/rudder-go-kit/stats"

	sqlmw "github.com/rudderlabs/rudder-dw-pipeline/pipeline/integrations/middleware/sqlquerywrapper"
	"github.com/rudderlabs/rudder-dw-pipeline/pipeline/logfield"
	"github.com/rudderlabs/rudder-dw-pipeline/pipeline/model"
	"github.com/rudderlabs/rudder-dw-pipeline/pipeline/schema"
)

const provider = "clickhouse"

// Opener opens a database handle for a DSN.
type Opener func(dsn string) (*sql.DB, error)

func openClickhouse(dsn string) (*sql.DB, error) {
	return sql.Open("clickhouse", dsn)
}

type Opt func(*Loader)

func WithOpener(open Opener) Opt {
	return func(l *Loader) {
		l.open = open
	}
}

// Loader creates destination tables and bulk inserts into them. Every call opens and closes its own connection.
type Loader struct {
	logger       logger.Logger
	statsFactory stats.Stats
	open         Opener

	config struct {
		slowQueryThreshold time.Duration
	}
}

func New(conf *config.Config, log logger.Logger, statsFactory stats.Stats, opts ...Opt) *Loader {
	l := &Loader{
		logger:       log.Child("loader").Child(provider),
		statsFactory: statsFactory,
		open:         openClickhouse,
	}
	l.config.slowQueryThreshold = conf.GetDuration("Pipeline.slowQueryThreshold", 5, time.Minute)

	for _, opt := range opts {
		opt(l)
	}
	return l
}

func (l *Loader) connect(ctx context.Context, dest model.DestinationConfig) (*sqlmw.DB, error) {
	db, err := l.open(dest.DSN())
	if err != nil {
		return nil, model.DestinationError("opening connection", err)
	}

	wrapped := sqlmw.New(db,
		sqlmw.WithLogger(l.logger),
		sqlmw.WithSlowQueryThreshold(l.config.slowQueryThreshold),
		sqlmw.WithFields(
			logger.NewStringField(logfield.Host, dest.Host),
			logger.NewStringField(logfield.Database, dest.Database),
		),
	)

	var one int
	if err := wrapped.QueryRowContext(ctx, "SELECT 1").Scan(&one); err != nil {
		l.release(wrapped)
		return nil, model.DestinationError("probing connection", err)
	}
	return wrapped, nil
}

func (l *Loader) release(db *sqlmw.DB) {
	if err := db.Close(); err != nil {
		l.logger.Warnn("closing destination connection", logger.NewErrorField(err))
	}
}

// Load creates tableName from the table's inferred columns and inserts every row in a single batch.
// The destination row count is verified afterwards.
func (l *Loader) Load(ctx context.Context, table *model.Table, tableName string, dest model.DestinationConfig, dropIfExists bool) (int64, error) {
	if table.NumRows() == 0 {
		l.logger.Infon("skipping load of empty table", logger.NewStringField(logfield.TableName, tableName))
		return 0, nil
	}

	columns, err := schema.InferColumns(table)
	if err != nil {
		return 0, err
	}

	startedAt := time.Now()
	tags := stats.Tags{"provider": provider}

	db, err := l.connect(ctx, dest)
	if err != nil {
		return 0, err
	}
	defer l.release(db)

	if dropIfExists {
		if _, err := db.ExecContext(ctx, fmt.Sprintf("DROP TABLE IF EXISTS %q", tableName)); err != nil {
			return 0, model.DestinationError("dropping table", err)
		}
	}

	if _, err := db.ExecContext(ctx, schema.CreateTableSQL(tableName, columns)); err != nil {
		return 0, model.DestinationError("creating table", err)
	}

	if err := db.WithTx(ctx, func(tx *sqlmw.Tx) error {
		return insert(ctx, tx, table, tableName, columns)
	}); err != nil {
		return 0, model.DestinationError("inserting rows", err)
	}

	var count int64
	if err := db.QueryRowContext(ctx, fmt.Sprintf("SELECT count(*) FROM %q", tableName)).Scan(&count); err != nil {
		return 0, model.DestinationError("counting rows", err)
	}
	if count != int64(table.NumRows()) {
		l.statsFactory.NewTaggedStat("pipeline_load_verification_failed", stats.CountType, tags).Increment()
		return 0, model.LoadVerificationError("verifying row count",
			fmt.Errorf("table %s has %d rows, expected %d", tableName, count, table.NumRows()),
		)
	}

	l.statsFactory.NewTaggedStat("pipeline_load_rows", stats.CountType, tags).Count(int(count))
	l.statsFactory.NewTaggedStat("pipeline_load_duration", stats.TimerType, tags).Since(startedAt)

	l.logger.Infon("loaded rows",
		logger.NewStringField(logfield.TableName, tableName),
		logger.NewIntField(logfield.Rows, count),
	)
	return count, nil
}

// insert sends every row through one prepared statement. The driver flushes them as a single block on commit.
func insert(ctx context.Context, tx *sqlmw.Tx, table *model.Table, tableName string, columns []schema.Column) error {
	names := make([]string, len(columns))
	placeholders := make([]string, len(columns))
	for i, c := range columns {
		names[i] = fmt.Sprintf("%q", c.Name)
		placeholders[i] = "?"
	}

	stmt, err := tx.PrepareContext(ctx, fmt.Sprintf("INSERT INTO %q (%s) VALUES (%s)",
		tableName,
		strings.Join(names, ", "),
		strings.Join(placeholders, ", "),
	))
	if err != nil {
		return fmt.Errorf("preparing insert: %w", err)
	}
	defer func() { _ = stmt.Close() }()

	for i := 0; i < table.NumRows(); i++ {
		row := table.Row(i)
		for c, v := range row {
			row[c] = destinationValue(v)
		}
		if _, err := stmt.ExecContext(ctx, row...); err != nil {
			return fmt.Errorf("appending row %d: %w", i, err)
		}
	}
	return nil
}

func destinationValue(v any) any {
	switch x := v.(type) {
	case bool:
		if x {
			return uint8(1)
		}
		return uint8(0)
	case time.Duration:
		return int64(x)
	default:
		return v
	}
}

// GetTableInfo describes a destination table. It never modifies it.
func (l *Loader) GetTableInfo(ctx context.Context, tableName string, dest model.DestinationConfig) (model.TableInfo, error) {
	db, err := l.connect(ctx, dest)
	if err != nil {
		return model.TableInfo{}, err
	}
	defer l.release(db)

	info := model.TableInfo{Name: tableName}
	if info.Columns, err = describe(ctx, db, tableName); err != nil {
		return model.TableInfo{}, model.DestinationError("describing table", err)
	}
	if err := db.QueryRowContext(ctx, fmt.Sprintf("SELECT count(*) FROM %q", tableName)).Scan(&info.RowCount); err != nil {
		return model.TableInfo{}, model.DestinationError("counting rows", err)
	}

	sizeQuery := `SELECT formatReadableSize(sum(bytes_on_disk)) FROM system.parts WHERE database = ? AND table = ? AND active`
	if err := db.QueryRowContext(ctx, sizeQuery, dest.Database, tableName).Scan(&info.Size); err != nil {
		return model.TableInfo{}, model.DestinationError("reading table size", err)
	}
	return info, nil
}

func describe(ctx context.Context, db *sqlmw.DB, tableName string) ([]model.ColumnInfo, error) {
	rows, err := db.QueryContext(ctx, fmt.Sprintf("DESCRIBE TABLE %q", tableName))
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	names, err := rows.Columns()
	if err != nil {
		return nil, err
	}
	if len(names) < 2 {
		return nil, fmt.Errorf("describe returned %d columns", len(names))
	}

	var columns []model.ColumnInfo
	for rows.Next() {
		values := make([]sql.NullString, len(names))
		pointers := make([]any, len(names))
		for i := range values {
			pointers[i] = &values[i]
		}
		if err := rows.Scan(pointers...); err != nil {
			return nil, err
		}
		columns = append(columns, model.ColumnInfo{Name: values[0].String, Type: values[1].String})
	}
	return columns, rows.Err()
}
