package shared

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
)

// AuditEvent represents a record stored in audit_events.
type AuditEvent struct {
	Subject string
	Action  string
	Meta    map[string]any
	At      time.Time
}

// AuditRecorder writes lifecycle events into audit_events.
type AuditRecorder struct {
	pool *pgxpool.Pool
}

// NewAuditRecorder returns a new AuditRecorder.
func NewAuditRecorder(pool *pgxpool.Pool) *AuditRecorder {
	return &AuditRecorder{pool: pool}
}

// Record persists the event.
func (r *AuditRecorder) Record(ctx context.Context, ev AuditEvent) error {
	if r == nil {
		return errors.New("audit recorder not initialised")
	}
	if ev.Subject == "" || ev.Action == "" {
		return errors.New("audit event requires subject/action")
	}
	metaJSON, err := json.Marshal(ev.Meta)
	if err != nil {
		return err
	}
	if ev.At.IsZero() {
		ev.At = time.Now().UTC()
	}
	_, err = r.pool.Exec(ctx, `INSERT INTO audit_events (id, subject, action, meta, occurred_at) VALUES ($1, $2, $3, $4, $5)`, uuid.New(), ev.Subject, ev.Action, metaJSON, ev.At)
	return err
}

// Prune removes events older than retention and reports how many went away.
func (r *AuditRecorder) Prune(ctx context.Context, olderThan time.Duration) (int64, error) {
	if r == nil {
		return 0, nil
	}
	cutoff := time.Now().Add(-olderThan)
	tag, err := r.pool.Exec(ctx, `DELETE FROM audit_events WHERE occurred_at < $1`, cutoff)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}
