package jobs

import (
	"context"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"

	jobmetrics "github.com/astrid-app/astrid/internal/jobs"
)

// AuditPruner deletes audit events older than the retention window and
// reports how many rows went away.
type AuditPruner interface {
	Prune(ctx context.Context, olderThan time.Duration) (int64, error)
}

// AuditRetentionJob runs the scheduled audit-trail sweep.
type AuditRetentionJob struct {
	pruner    AuditPruner
	retention time.Duration
	logger    *slog.Logger
	metrics   *jobmetrics.Metrics
}

// NewAuditRetentionJob constructs the retention job. Retention days at or
// below zero fall back to 180.
func NewAuditRetentionJob(pruner AuditPruner, retentionDays int, logger *slog.Logger, metrics *jobmetrics.Metrics) *AuditRetentionJob {
	if retentionDays <= 0 {
		retentionDays = 180
	}
	return &AuditRetentionJob{
		pruner:    pruner,
		retention: time.Duration(retentionDays) * 24 * time.Hour,
		logger:    logger,
		metrics:   metrics,
	}
}

// Handle processes TaskAuditRetention tasks.
func (j *AuditRetentionJob) Handle(ctx context.Context, t *asynq.Task) error {
	tracker := j.metrics.Track("audit_retention")

	pruned, err := j.pruner.Prune(ctx, j.retention)
	if err != nil {
		j.logger.Error("audit retention sweep failed", slog.Any("error", err))
		return tracker.End(err)
	}
	j.metrics.AddPrunedAuditEvents(pruned)
	j.logger.Info("audit retention sweep complete",
		slog.Int64("pruned", pruned),
		slog.Duration("retention", j.retention))
	return tracker.End(nil)
}
