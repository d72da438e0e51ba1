package postgres

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/courierhq/notification-delivery/internal/domain"
)

// AlertRepository implements domain.AlertRepository using PostgreSQL
type AlertRepository struct {
	db *DB
}

// NewAlertRepository creates a new AlertRepository
func NewAlertRepository(db *DB) *AlertRepository {
	return &AlertRepository{db: db}
}

// Upsert inserts the alert or refreshes the existing row for the same
// (notification_id, alert_type) pair. Re-raising an alert reopens it with
// the latest observations instead of stacking duplicates.
func (r *AlertRepository) Upsert(ctx context.Context, a *domain.Alert) error {
	query := `
		INSERT INTO alerts (
			id, notification_id, alert_type, severity, reason,
			observed_coordination_status, observed_store_status, retry_count,
			resolved, resolved_at, created_at, updated_at
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12
		)
		ON CONFLICT (notification_id, alert_type) DO UPDATE SET
			severity = EXCLUDED.severity,
			reason = EXCLUDED.reason,
			observed_coordination_status = EXCLUDED.observed_coordination_status,
			observed_store_status = EXCLUDED.observed_store_status,
			retry_count = EXCLUDED.retry_count,
			resolved = EXCLUDED.resolved,
			resolved_at = EXCLUDED.resolved_at,
			updated_at = now()
	`

	_, err := r.db.Pool.Exec(ctx, query,
		a.ID, a.NotificationID, a.Type, a.Severity, a.Reason,
		a.ObservedCoordinationStatus, a.ObservedStoreStatus, a.RetryCount,
		a.Resolved, a.ResolvedAt, a.CreatedAt, a.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert alert: %w", err)
	}

	return nil
}

// ResolveForNotification closes all open alerts for a notification and
// returns how many were closed.
func (r *AlertRepository) ResolveForNotification(ctx context.Context, notificationID uuid.UUID) (int64, error) {
	query := `
		UPDATE alerts
		SET resolved = true, resolved_at = now(), updated_at = now()
		WHERE notification_id = $1 AND resolved = false
	`

	result, err := r.db.Pool.Exec(ctx, query, notificationID)
	if err != nil {
		return 0, fmt.Errorf("failed to resolve alerts: %w", err)
	}

	return result.RowsAffected(), nil
}
