// Package postgres extracts tables from PostgreSQL sources.
package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"time"

	_ "github.com/lib/pq"

	"github.com/rudderlabs/rudder-go-kit/config"
	"github.com/rudderlabs/rudder-go-kit/logger"
	"github.com/rudderlabs/rudder-go-kit/stats"

	sqlmw "github.com/rudderlabs/rudder-dw-pipeline/pipeline/integrations/middleware/sqlquerywrapper"
	"github.com/rudderlabs/rudder-dw-pipeline/pipeline/logfield"
	"github.com/rudderlabs/rudder-dw-pipeline/pipeline/model"
	"github.com/rudderlabs/rudder-dw-pipeline/pipeline/schema"
)

const (
	provider = "postgres"

	tableSchemaQuery = `
		SELECT
		  column_name,
		  data_type,
		  is_nullable
		FROM
		  information_schema.columns
		WHERE
		  table_schema = 'public'
		  AND table_name = $1
		ORDER BY
		  ordinal_position;
`
	listTablesQuery = `
		SELECT
		  table_name
		FROM
		  information_schema.tables
		WHERE
		  table_schema = 'public'
		  AND table_type = 'BASE TABLE'
		ORDER BY
		  table_name;
`
)

// Opener opens a database handle for a DSN.
type Opener func(dsn string) (*sql.DB, error)

func openPostgres(dsn string) (*sql.DB, error) {
	return sql.Open("postgres", dsn)
}

type Opt func(*Extractor)

func WithOpener(open Opener) Opt {
	return func(e *Extractor) {
		e.open = open
	}
}

// Extractor reads source tables. Every call opens and closes its own connection.
type Extractor struct {
	logger       logger.Logger
	statsFactory stats.Stats
	open         Opener

	config struct {
		slowQueryThreshold time.Duration
	}
}

func New(conf *config.Config, log logger.Logger, statsFactory stats.Stats, opts ...Opt) *Extractor {
	e := &Extractor{
		logger:       log.Child("extractor").Child(provider),
		statsFactory: statsFactory,
		open:         openPostgres,
	}
	e.config.slowQueryThreshold = conf.GetDuration("Pipeline.slowQueryThreshold", 5, time.Minute)

	for _, opt := range opts {
		opt(e)
	}
	return e
}

// custom queries may carry credentials, e.g. for dblink
var querySecrets = map[string]string{
	`password\s*=\s*'[^']*'`: "password='***'",
	`password=[^\s']+`:       "password=***",
}

func (e *Extractor) connect(ctx context.Context, cfg model.SourceConfig) (*sqlmw.DB, error) {
	db, err := e.open(cfg.DSN())
	if err != nil {
		return nil, model.SourceError("opening connection", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, model.SourceError("connecting", err)
	}
	return sqlmw.New(db,
		sqlmw.WithLogger(e.logger),
		sqlmw.WithSlowQueryThreshold(e.config.slowQueryThreshold),
		sqlmw.WithFields(
			logger.NewStringField(logfield.Host, cfg.Host),
			logger.NewStringField(logfield.Database, cfg.Database),
		),
		sqlmw.WithSecretsRegex(querySecrets),
	), nil
}

func (e *Extractor) release(db *sqlmw.DB) {
	if err := db.Close(); err != nil {
		e.logger.Warnn("closing source connection", logger.NewErrorField(err))
	}
}

// Extract runs the configured query, or a full read of the configured table, and materializes the result.
func (e *Extractor) Extract(ctx context.Context, cfg model.SourceConfig) (*model.Table, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	startedAt := time.Now()
	tags := stats.Tags{"provider": provider}

	db, err := e.connect(ctx, cfg)
	if err != nil {
		return nil, err
	}
	defer e.release(db)

	rows, err := db.QueryContext(ctx, cfg.ExtractQuery())
	if err != nil {
		return nil, model.SourceError("querying", err)
	}
	defer func() { _ = rows.Close() }()

	table, err := materialize(rows)
	if err != nil {
		return nil, err
	}

	e.statsFactory.NewTaggedStat("pipeline_extract_rows", stats.CountType, tags).Count(table.NumRows())
	e.statsFactory.NewTaggedStat("pipeline_extract_duration", stats.TimerType, tags).Since(startedAt)

	e.logger.Infon("extracted rows",
		logger.NewStringField(logfield.Database, cfg.Database),
		logger.NewIntField(logfield.Rows, int64(table.NumRows())),
	)
	return table, nil
}

// GetTableSchema returns the declared columns of a public table in ordinal order.
func (e *Extractor) GetTableSchema(ctx context.Context, cfg model.SourceConfig, tableName string) (model.Schema, error) {
	if err := cfg.ValidateConnection(); err != nil {
		return nil, err
	}

	db, err := e.connect(ctx, cfg)
	if err != nil {
		return nil, err
	}
	defer e.release(db)

	rows, err := db.QueryContext(ctx, tableSchemaQuery, tableName)
	if err != nil {
		return nil, model.SourceError("querying table schema", err)
	}
	defer func() { _ = rows.Close() }()

	s := model.Schema{}
	for rows.Next() {
		var name, dataType, isNullable string
		if err := rows.Scan(&name, &dataType, &isNullable); err != nil {
			return nil, model.SourceError("scanning table schema", err)
		}
		s = append(s, model.ColumnSchema{
			Name:       name,
			Type:       schema.FromPostgres(dataType),
			Nullable:   isNullable == "YES",
			SourceType: dataType,
		})
	}
	if err := rows.Err(); err != nil {
		return nil, model.SourceError("iterating table schema", err)
	}
	return s, nil
}

// ListTables returns the base tables of the public schema in alphabetical order.
func (e *Extractor) ListTables(ctx context.Context, cfg model.SourceConfig) ([]string, error) {
	if err := cfg.ValidateConnection(); err != nil {
		return nil, err
	}

	db, err := e.connect(ctx, cfg)
	if err != nil {
		return nil, err
	}
	defer e.release(db)

	rows, err := db.QueryContext(ctx, listTablesQuery)
	if err != nil {
		return nil, model.SourceError("listing tables", err)
	}
	defer func() { _ = rows.Close() }()

	var tables []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, model.SourceError("scanning tables", err)
		}
		tables = append(tables, name)
	}
	if err := rows.Err(); err != nil {
		return nil, model.SourceError("iterating tables", err)
	}
	return tables, nil
}

// materialize reads every row and converts the values to their logical representation.
func materialize(rows *sql.Rows) (*model.Table, error) {
	columnTypes, err := rows.ColumnTypes()
	if err != nil {
		return nil, model.SourceError("reading column types", err)
	}

	var raw [][]any
	for rows.Next() {
		values := make([]any, len(columnTypes))
		pointers := make([]any, len(columnTypes))
		for i := range values {
			pointers[i] = &values[i]
		}
		if err := rows.Scan(pointers...); err != nil {
			return nil, model.SourceError("scanning row", err)
		}
		raw = append(raw, values)
	}
	if err := rows.Err(); err != nil {
		return nil, model.SourceError("iterating rows", err)
	}

	s := make(model.Schema, len(columnTypes))
	for i, ct := range columnTypes {
		s[i] = model.ColumnSchema{
			Name:       ct.Name(),
			Type:       columnType(ct.DatabaseTypeName(), raw, i),
			SourceType: ct.DatabaseTypeName(),
		}
	}

	table := model.NewTable(s)
	for _, values := range raw {
		for i, v := range values {
			if values[i], err = convert(v, s[i].Type); err != nil {
				return nil, model.SourceError("converting value", fmt.Errorf("column %q: %w", s[i].Name, err))
			}
		}
		if err := table.AppendRow(values...); err != nil {
			return nil, model.SourceError("materializing row", err)
		}
	}
	for i := range s {
		s[i].Nullable = table.HasNulls(i)
	}
	return table, nil
}

// columnType resolves the materialized type of column i, falling back to the first non null value when the driver reports no type.
func columnType(databaseType string, raw [][]any, i int) model.LogicalType {
	if databaseType != "" {
		t := schema.Widen(schema.FromPostgres(databaseType))
		if t == model.TypeDuration {
			return model.TypeString
		}
		return t
	}
	for _, values := range raw {
		if values[i] == nil {
			continue
		}
		if t, ok := model.LogicalTypeOf(values[i]); ok && t != model.TypeDuration {
			return schema.Widen(t)
		}
		return model.TypeString
	}
	return model.TypeString
}

func convert(v any, t model.LogicalType) (any, error) {
	if v == nil {
		return nil, nil
	}

	switch t {
	case model.TypeInt64:
		switch x := v.(type) {
		case int64:
			return x, nil
		case int32:
			return int64(x), nil
		case int:
			return int64(x), nil
		case []byte:
			return strconv.ParseInt(string(x), 10, 64)
		case string:
			return strconv.ParseInt(x, 10, 64)
		}
	case model.TypeFloat64:
		switch x := v.(type) {
		case float64:
			return x, nil
		case float32:
			return float64(x), nil
		case []byte:
			return strconv.ParseFloat(string(x), 64)
		case string:
			return strconv.ParseFloat(x, 64)
		}
	case model.TypeBool:
		switch x := v.(type) {
		case bool:
			return x, nil
		case []byte:
			return strconv.ParseBool(string(x))
		}
	case model.TypeTimestamp:
		if x, ok := v.(time.Time); ok {
			return x.UTC().Truncate(time.Microsecond), nil
		}
	case model.TypeString:
		switch x := v.(type) {
		case string:
			return x, nil
		case []byte:
			return string(x), nil
		case time.Time:
			return x.UTC().Format(time.RFC3339Nano), nil
		default:
			return fmt.Sprint(x), nil
		}
	}
	return nil, fmt.Errorf("cannot convert %T to %s", v, t)
}
