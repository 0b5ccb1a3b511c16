package jobs

import (
	"context"
	"fmt"
	"time"

	obskit "github.com/rudderlabs/rudder-observability-kit/go/labels"

	"github.com/rudderlabs/rudder-go-kit/logger"

	"github.com/rudderlabs/rudder-dw-pipeline/pipeline/logfield"
)

// CleanupOldJobs deletes finished import jobs older than the retention window.
func (o *Orchestrator) CleanupOldJobs(ctx context.Context) (int64, error) {
	cutoff := o.now().Add(-o.config.retention)

	deleted, err := o.importJobs.DeleteCompletedBefore(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("deleting import jobs completed before %s: %w", cutoff.Format(time.RFC3339), err)
	}

	o.logger.Infon("cleaned up old import jobs",
		logger.NewIntField(logfield.Deleted, deleted),
		logger.NewStringField(logfield.Cutoff, cutoff.Format(time.RFC3339)),
	)
	return deleted, nil
}

// RunRetention calls CleanupOldJobs every retention interval until ctx is done.
func (o *Orchestrator) RunRetention(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			o.logger.Infon("context is cancelled, stopped running retention")
			return
		case <-time.After(o.config.retentionInterval):
			if _, err := o.CleanupOldJobs(ctx); err != nil && ctx.Err() == nil {
				o.logger.Errorn("cleaning up old import jobs", obskit.Error(err))
			}
		}
	}
}
