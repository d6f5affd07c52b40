package jobs

import (
	"encoding/json"

	"github.com/hibiken/asynq"
)

const (
	// QueueDefault is the default queue name for background jobs.
	QueueDefault = "default"
	// TaskProviderCleanup removes the provider-side account after a local
	// deactivation.
	TaskProviderCleanup = "accounts:provider_cleanup"
	// TaskAuditRetention prunes expired audit events.
	TaskAuditRetention = "audit:retention"
)

// ProviderCleanupPayload identifies the account to remove at the provider.
type ProviderCleanupPayload struct {
	Subject string `json:"subject"`
}

// NewProviderCleanupTask constructs an Asynq task for provider cleanup.
func NewProviderCleanupTask(subject string) (*asynq.Task, error) {
	data, err := json.Marshal(ProviderCleanupPayload{Subject: subject})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskProviderCleanup, data), nil
}

// NewAuditRetentionTask constructs the scheduled retention task. The sweep
// takes its window from worker configuration, so the payload stays empty.
func NewAuditRetentionTask() *asynq.Task {
	return asynq.NewTask(TaskAuditRetention, nil)
}
