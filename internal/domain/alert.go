package domain

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// AlertType classifies the anomalies the recovery cron raises for operators.
type AlertType string

const (
	// AlertStuckProcessing: a notification sat in processing past the
	// threshold and could not be auto-reconciled.
	AlertStuckProcessing AlertType = "stuck_processing"
	// AlertGhostDelivery: the provider send succeeded (idempotency record
	// delivered) but the store never heard about it. Auto-reconciled.
	AlertGhostDelivery AlertType = "ghost_delivery"
	// AlertOrphanedPending: a notification stayed pending past the
	// threshold without ever being published.
	AlertOrphanedPending AlertType = "orphaned_pending"
	// AlertRecoveryError: a reconcile attempt itself failed.
	AlertRecoveryError AlertType = "recovery_error"
)

func (t AlertType) IsValid() bool {
	switch t {
	case AlertStuckProcessing, AlertGhostDelivery, AlertOrphanedPending, AlertRecoveryError:
		return true
	}
	return false
}

type AlertSeverity string

const (
	SeverityWarning  AlertSeverity = "warning"
	SeverityCritical AlertSeverity = "critical"
)

// Severity maps an alert type to its default severity. Ghost deliveries and
// recovery errors indicate the safety net itself misbehaved.
func (t AlertType) Severity() AlertSeverity {
	switch t {
	case AlertGhostDelivery, AlertRecoveryError:
		return SeverityCritical
	}
	return SeverityWarning
}

// Alert is an operator-facing anomaly record. Alerts are unique per
// (notification_id, alert_type); re-raising one refreshes the row instead of
// duplicating it.
type Alert struct {
	ID                         uuid.UUID     `json:"id"`
	NotificationID             uuid.UUID     `json:"notification_id"`
	Type                       AlertType     `json:"alert_type"`
	Severity                   AlertSeverity `json:"severity"`
	Reason                     string        `json:"reason"`
	ObservedCoordinationStatus *string       `json:"observed_coordination_status,omitempty"`
	ObservedStoreStatus        *string       `json:"observed_store_status,omitempty"`
	RetryCount                 int           `json:"retry_count"`
	Resolved                   bool          `json:"resolved"`
	ResolvedAt                 *time.Time    `json:"resolved_at,omitempty"`
	CreatedAt                  time.Time     `json:"created_at"`
	UpdatedAt                  time.Time     `json:"updated_at"`
}

func NewAlert(notificationID uuid.UUID, alertType AlertType, reason string) *Alert {
	now := time.Now().UTC()
	return &Alert{
		ID:             uuid.New(),
		NotificationID: notificationID,
		Type:           alertType,
		Severity:       alertType.Severity(),
		Reason:         reason,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
}

// MarkResolved closes the alert, recording when.
func (a *Alert) MarkResolved() {
	now := time.Now().UTC()
	a.Resolved = true
	a.ResolvedAt = &now
	a.UpdatedAt = now
}

// AlertRepository defines the durable-store operations for alerts.
type AlertRepository interface {
	// Upsert inserts the alert or, on (notification_id, alert_type)
	// conflict, refreshes the existing row with the new observations and
	// resolved state.
	Upsert(ctx context.Context, alert *Alert) error

	// ResolveForNotification closes all open alerts for a notification
	// and returns how many were closed.
	ResolveForNotification(ctx context.Context, notificationID uuid.UUID) (int64, error)
}
