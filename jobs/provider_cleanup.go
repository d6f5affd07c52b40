package jobs

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/hibiken/asynq"

	jobmetrics "github.com/astrid-app/astrid/internal/jobs"
)

// AccountDeleter removes a provider-side account. A subject unknown to the
// provider counts as success so retries stay idempotent.
type AccountDeleter interface {
	DeleteAccount(ctx context.Context, subject string) error
}

// ProviderCleanupJob deletes the authentication-provider account after the
// local record has been deactivated.
type ProviderCleanupJob struct {
	deleter AccountDeleter
	logger  *slog.Logger
	metrics *jobmetrics.Metrics
}

// NewProviderCleanupJob constructs the cleanup job.
func NewProviderCleanupJob(deleter AccountDeleter, logger *slog.Logger, metrics *jobmetrics.Metrics) *ProviderCleanupJob {
	return &ProviderCleanupJob{deleter: deleter, logger: logger, metrics: metrics}
}

// Handle processes TaskProviderCleanup tasks.
func (j *ProviderCleanupJob) Handle(ctx context.Context, t *asynq.Task) error {
	tracker := j.metrics.Track("provider_cleanup")

	var payload ProviderCleanupPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		j.logger.Error("provider cleanup: bad payload", slog.Any("error", err))
		return tracker.End(asynq.SkipRetry)
	}
	if payload.Subject == "" {
		j.logger.Error("provider cleanup: payload without subject")
		return tracker.End(asynq.SkipRetry)
	}

	if err := j.deleter.DeleteAccount(ctx, payload.Subject); err != nil {
		j.logger.Error("provider cleanup failed",
			slog.String("subject", payload.Subject), slog.Any("error", err))
		return tracker.End(err)
	}
	j.logger.Info("provider account removed", slog.String("subject", payload.Subject))
	return tracker.End(nil)
}
