package runner

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"runtime"
	"runtime/pprof"
	"strconv"
	"time"

	"github.com/olekukonko/tablewriter"
	"github.com/samber/lo"
	"github.com/urfave/cli/v2"

	obskit "github.com/rudderlabs/rudder-observability-kit/go/labels"

	"github.com/rudderlabs/rudder-go-kit/config"
	"github.com/rudderlabs/rudder-go-kit/logger"
	"github.com/rudderlabs/rudder-go-kit/stats"
	svcMetric "github.com/rudderlabs/rudder-go-kit/stats/metric"

	"github.com/rudderlabs/rudder-dw-pipeline/jsonrs"
	"github.com/rudderlabs/rudder-dw-pipeline/pipeline"
	"github.com/rudderlabs/rudder-dw-pipeline/pipeline/jobs"
	"github.com/rudderlabs/rudder-dw-pipeline/pipeline/model"
)

// ReleaseInfo holds the release information
type ReleaseInfo struct {
	Version   string
	Commit    string
	BuildDate string
	BuiltBy   string
}

// Runner is responsible for running the application
type Runner struct {
	releaseInfo             ReleaseInfo
	conf                    *config.Config
	logger                  logger.Logger
	gracefulShutdownTimeout time.Duration
}

// New creates and initializes a new Runner
func New(releaseInfo ReleaseInfo) *Runner {
	return &Runner{
		releaseInfo:             releaseInfo,
		conf:                    config.Default,
		logger:                  logger.NewLogger().Child("runner"),
		gracefulShutdownTimeout: config.GetDuration("GracefulShutdownTimeout", 15, time.Second),
	}
}

// Run runs the command line application and returns the exit code
func (r *Runner) Run(ctx context.Context, args []string) int {
	app := &cli.App{
		Name:    "rudder-dw-pipeline",
		Usage:   "import PostgreSQL tables into ClickHouse",
		Version: r.releaseInfo.Version,
		Before: func(c *cli.Context) error {
			return r.startStats(c.Context)
		},
		After: func(*cli.Context) error {
			logger.Sync()
			stats.Default.Stop()
			return nil
		},
		Commands: []*cli.Command{
			{
				Name:   "worker",
				Usage:  "consume pipeline tasks and apply job retention until interrupted",
				Action: r.worker,
			},
			{
				Name:      "run",
				Usage:     "submit an import job and wait for it to finish",
				ArgsUsage: "<data-source-id>",
				Action:    r.run,
			},
			{
				Name:      "submit",
				Usage:     "submit an import job without waiting",
				ArgsUsage: "<data-source-id>",
				Action:    r.submit,
			},
			{
				Name:      "status",
				Usage:     "show the status of an import job",
				ArgsUsage: "<job-handle>",
				Action:    r.status,
			},
			{
				Name:   "cleanup",
				Usage:  "delete finished import jobs older than the retention window",
				Action: r.cleanup,
			},
			{
				Name:      "tables",
				Usage:     "list the tables of a data source",
				ArgsUsage: "<data-source-id>",
				Action:    r.tables,
			},
			{
				Name:      "describe",
				Usage:     "show the columns of a data source table",
				ArgsUsage: "<data-source-id> [table]",
				Action:    r.describe,
			},
			{
				Name:      "table-info",
				Usage:     "show a loaded ClickHouse table",
				ArgsUsage: "<table>",
				Action:    r.tableInfo,
			},
			{
				Name:  "source-add",
				Usage: "register a PostgreSQL data source",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "name", Required: true},
					&cli.StringFlag{Name: "host", Value: "localhost"},
					&cli.IntFlag{Name: "port", Value: 5432},
					&cli.StringFlag{Name: "database", Required: true},
					&cli.StringFlag{Name: "user", Value: "postgres"},
					&cli.StringFlag{Name: "password", EnvVars: []string{"PIPELINE_SOURCE_PASSWORD"}},
					&cli.StringFlag{Name: "sslmode", Value: "disable"},
					&cli.StringFlag{Name: "query", Usage: "custom extraction query, takes precedence over --table"},
					&cli.StringFlag{Name: "table"},
				},
				Action: r.sourceAdd,
			},
		},
	}

	if err := app.RunContext(ctx, args); err != nil {
		r.logger.Errorn("command failed", obskit.Error(err))
		return 1
	}
	return 0
}

func (r *Runner) startStats(ctx context.Context) error {
	statsOptions := []stats.Option{
		stats.WithServiceName("rudder-dw-pipeline"),
		stats.WithServiceVersion(r.releaseInfo.Version),
		stats.WithDefaultHistogramBuckets(defaultHistogramBuckets),
	}
	for histogramName, buckets := range customBuckets {
		statsOptions = append(statsOptions, stats.WithHistogramBuckets(histogramName, buckets))
	}
	stats.Default = stats.NewStats(r.conf, logger.Default, svcMetric.Instance, statsOptions...)
	if err := stats.Default.Start(ctx, stats.DefaultGoRoutineFactory); err != nil {
		return fmt.Errorf("starting stats: %w", err)
	}

	stats.Default.NewTaggedStat("rudder_dw_pipeline_config",
		stats.GaugeType,
		stats.Tags{
			"version":   r.releaseInfo.Version,
			"commit":    r.releaseInfo.Commit,
			"buildDate": r.releaseInfo.BuildDate,
			"builtBy":   r.releaseInfo.BuiltBy,
		}).Gauge(1)
	return nil
}

// withApp sets up the pipeline for the duration of fn.
func (r *Runner) withApp(c *cli.Context, fn func(ctx context.Context, a *pipeline.App) error) error {
	a := pipeline.New(r.conf, logger.NewLogger(), stats.Default)
	defer a.Close()

	if err := a.Setup(c.Context); err != nil {
		return fmt.Errorf("setting up pipeline: %w", err)
	}
	return fn(c.Context, a)
}

func (r *Runner) worker(c *cli.Context) error {
	return r.withApp(c, func(ctx context.Context, a *pipeline.App) error {
		shutdownDone := make(chan error, 1)
		go func() {
			shutdownDone <- a.Run(ctx)
		}()

		<-ctx.Done()
		ctxDoneTime := time.Now()

		select {
		case err := <-shutdownDone:
			r.logger.Infon("Graceful termination",
				logger.NewDurationField("duration", time.Since(ctxDoneTime)),
				logger.NewIntField("goroutines", int64(runtime.NumGoroutine())),
			)
			return err
		case <-time.After(r.gracefulShutdownTimeout):
			r.logger.Errorn("Graceful termination failed, goroutine dump follows",
				logger.NewDurationField("duration", time.Since(ctxDoneTime)),
			)

			fmt.Print("\n\n")
			_ = pprof.Lookup("goroutine").WriteTo(os.Stdout, 1)
			fmt.Print("\n\n")
			return errors.New("graceful termination timed out")
		}
	})
}

func (r *Runner) run(c *cli.Context) error {
	dataSourceID, err := int64Arg(c, 0, "data-source-id")
	if err != nil {
		return err
	}

	return r.withApp(c, func(ctx context.Context, a *pipeline.App) error {
		if err := a.Start(ctx); err != nil {
			return err
		}
		h, err := a.Orchestrator().Submit(ctx, dataSourceID)
		if err != nil {
			return err
		}
		s, err := a.Wait(ctx, h)
		if err != nil {
			return err
		}
		if err := printJSON(c.App.Writer, s); err != nil {
			return err
		}
		if s.Status == model.JobStatusFailed {
			return fmt.Errorf("import job %d failed: %s", s.JobID, s.Error)
		}
		return nil
	})
}

func (r *Runner) submit(c *cli.Context) error {
	dataSourceID, err := int64Arg(c, 0, "data-source-id")
	if err != nil {
		return err
	}
	if q := r.conf.GetString("Pipeline.queue", pipeline.QueueLocal); q != pipeline.QueueAsynq {
		return model.ConfigError("submitting import job", fmt.Errorf("queue %q runs jobs in process, use run instead", q))
	}

	return r.withApp(c, func(ctx context.Context, a *pipeline.App) error {
		h, err := a.Orchestrator().Submit(ctx, dataSourceID)
		if err != nil {
			return err
		}
		_, err = fmt.Fprintln(c.App.Writer, h.String())
		return err
	})
}

func (r *Runner) status(c *cli.Context) error {
	h, err := jobs.ParseHandle(c.Args().First())
	if err != nil {
		return err
	}

	return r.withApp(c, func(ctx context.Context, a *pipeline.App) error {
		s, err := a.Orchestrator().Status(ctx, h)
		if err != nil {
			return err
		}
		return printJSON(c.App.Writer, s)
	})
}

func (r *Runner) cleanup(c *cli.Context) error {
	return r.withApp(c, func(ctx context.Context, a *pipeline.App) error {
		deleted, err := a.Orchestrator().CleanupOldJobs(ctx)
		if err != nil {
			return err
		}
		_, err = fmt.Fprintf(c.App.Writer, "deleted %d import jobs\n", deleted)
		return err
	})
}

func (r *Runner) tables(c *cli.Context) error {
	dataSourceID, err := int64Arg(c, 0, "data-source-id")
	if err != nil {
		return err
	}

	return r.withApp(c, func(ctx context.Context, a *pipeline.App) error {
		tables, err := a.ListTables(ctx, dataSourceID)
		if err != nil {
			return err
		}
		renderTable(c.App.Writer, []string{"table"}, lo.Map(tables, func(name string, _ int) []string {
			return []string{name}
		}))
		return nil
	})
}

func (r *Runner) describe(c *cli.Context) error {
	dataSourceID, err := int64Arg(c, 0, "data-source-id")
	if err != nil {
		return err
	}

	return r.withApp(c, func(ctx context.Context, a *pipeline.App) error {
		schema, err := a.Orchestrator().DiscoverSchema(ctx, dataSourceID, c.Args().Get(1))
		if err != nil {
			return err
		}
		renderTable(c.App.Writer, []string{"column", "type", "nullable", "source type"}, lo.Map(schema, func(col model.ColumnSchema, _ int) []string {
			return []string{col.Name, string(col.Type), strconv.FormatBool(col.Nullable), col.SourceType}
		}))
		return nil
	})
}

func (r *Runner) tableInfo(c *cli.Context) error {
	tableName := c.Args().First()
	if tableName == "" {
		return errors.New("need to specify a table")
	}

	return r.withApp(c, func(ctx context.Context, a *pipeline.App) error {
		info, err := a.TableInfo(ctx, tableName)
		if err != nil {
			return err
		}
		if _, err := fmt.Fprintf(c.App.Writer, "table: %s\nrows: %d\nsize: %s\n", info.Name, info.RowCount, info.Size); err != nil {
			return err
		}
		renderTable(c.App.Writer, []string{"column", "type"}, lo.Map(info.Columns, func(col model.ColumnInfo, _ int) []string {
			return []string{col.Name, col.Type}
		}))
		return nil
	})
}

func (r *Runner) sourceAdd(c *cli.Context) error {
	cfg := model.SourceConfig{
		Host:      c.String("host"),
		Port:      c.Int("port"),
		Database:  c.String("database"),
		User:      c.String("user"),
		Password:  c.String("password"),
		SSLMode:   c.String("sslmode"),
		Query:     c.String("query"),
		TableName: c.String("table"),
	}

	return r.withApp(c, func(ctx context.Context, a *pipeline.App) error {
		id, err := a.AddSource(ctx, c.String("name"), cfg)
		if err != nil {
			return err
		}
		_, err = fmt.Fprintln(c.App.Writer, id)
		return err
	})
}

func int64Arg(c *cli.Context, i int, name string) (int64, error) {
	arg := c.Args().Get(i)
	if arg == "" {
		return 0, fmt.Errorf("need to specify %s", name)
	}
	v, err := strconv.ParseInt(arg, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", name, arg, err)
	}
	return v, nil
}

func printJSON(w io.Writer, v any) error {
	data, err := jsonrs.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(w, string(data))
	return err
}

func renderTable(w io.Writer, header []string, rows [][]string) {
	table := tablewriter.NewWriter(w)
	table.SetHeader(header)
	table.SetAutoFormatHeaders(false)
	table.AppendBulk(rows)
	table.Render()
}
