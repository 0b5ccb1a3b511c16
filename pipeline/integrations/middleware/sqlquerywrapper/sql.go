// Package sqlquerywrapper wraps *sql.DB and *sql.Tx to log slow statements.
package sqlquerywrapper

import (
	"context"
	"database/sql"
	"fmt"
	"regexp"
	"time"

	"github.com/rudderlabs/rudder-go-kit/logger"

	"github.com/rudderlabs/rudder-dw-pipeline/pipeline/logfield"
)

const defaultSlowQueryThreshold = 5 * time.Minute

type queryLogger interface {
	Warnn(msg string, fields ...logger.Field)
}

type Opt func(*DB)

func WithLogger(l queryLogger) Opt {
	return func(db *DB) {
		db.logger = l
	}
}

// WithFields attaches fields to every slow query log line.
func WithFields(fields ...logger.Field) Opt {
	return func(db *DB) {
		db.fields = fields
	}
}

func WithSlowQueryThreshold(threshold time.Duration) Opt {
	return func(db *DB) {
		db.slowQueryThreshold = threshold
	}
}

// WithSecretsRegex masks matches of each pattern with the mapped replacement before logging.
func WithSecretsRegex(secrets map[string]string) Opt {
	return func(db *DB) {
		for pattern, replacement := range secrets {
			db.secrets = append(db.secrets, secret{re: regexp.MustCompile(pattern), replacement: replacement})
		}
	}
}

type secret struct {
	re          *regexp.Regexp
	replacement string
}

type DB struct {
	*sql.DB

	since              func(time.Time) time.Duration
	logger             queryLogger
	fields             []logger.Field
	slowQueryThreshold time.Duration
	secrets            []secret
}

type Tx struct {
	*sql.Tx
	db *DB
}

func New(db *sql.DB, opts ...Opt) *DB {
	w := &DB{
		DB:                 db,
		since:              time.Since,
		logger:             logger.NOP,
		slowQueryThreshold: defaultSlowQueryThreshold,
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

func (db *DB) ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error) {
	defer db.observe(query, time.Now())
	return db.DB.ExecContext(ctx, query, args...)
}

func (db *DB) QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	defer db.observe(query, time.Now())
	return db.DB.QueryContext(ctx, query, args...)
}

func (db *DB) QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row {
	defer db.observe(query, time.Now())
	return db.DB.QueryRowContext(ctx, query, args...)
}

func (db *DB) BeginTx(ctx context.Context, opts *sql.TxOptions) (*Tx, error) {
	tx, err := db.DB.BeginTx(ctx, opts)
	if err != nil {
		return nil, err
	}
	return &Tx{Tx: tx, db: db}, nil
}

// WithTx runs fn inside a transaction, committing when fn succeeds and rolling back otherwise.
func (db *DB) WithTx(ctx context.Context, fn func(*Tx) error) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		if rollbackErr := tx.Rollback(); rollbackErr != nil {
			return fmt.Errorf("%w; rollback transaction: %v", err, rollbackErr)
		}
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

func (db *DB) observe(query string, startedAt time.Time) {
	elapsed := db.since(startedAt)
	if elapsed < db.slowQueryThreshold {
		return
	}

	for _, s := range db.secrets {
		query = s.re.ReplaceAllString(query, s.replacement)
	}

	fields := append([]logger.Field{
		logger.NewStringField(logfield.Query, query),
		logger.NewDurationField(logfield.QueryExecutionTime, elapsed),
	}, db.fields...)
	db.logger.Warnn("slow query", fields...)
}

func (tx *Tx) ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error) {
	defer tx.db.observe(query, time.Now())
	return tx.Tx.ExecContext(ctx, query, args...)
}

func (tx *Tx) QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	defer tx.db.observe(query, time.Now())
	return tx.Tx.QueryContext(ctx, query, args...)
}

func (tx *Tx) QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row {
	defer tx.db.observe(query, time.Now())
	return tx.Tx.QueryRowContext(ctx, query, args...)
}

func (tx *Tx) PrepareContext(ctx context.Context, query string) (*sql.Stmt, error) {
	defer tx.db.observe(query, time.Now())
	return tx.Tx.PrepareContext(ctx, query)
}
