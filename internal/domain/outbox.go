package domain

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// OutboxStatus represents the lifecycle of an outbox entry.
type OutboxStatus string

const (
	OutboxPending    OutboxStatus = "pending"
	OutboxProcessing OutboxStatus = "processing"
	OutboxPublished  OutboxStatus = "published"
)

func (s OutboxStatus) IsValid() bool {
	switch s {
	case OutboxPending, OutboxProcessing, OutboxPublished:
		return true
	}
	return false
}

// OutboxEntry is the transactional-outbox row written alongside a
// notification. Payload is the fully materialized bus event value, so the
// poller publishes without re-reading the notification.
type OutboxEntry struct {
	ID             uuid.UUID       `json:"id"`
	NotificationID uuid.UUID       `json:"notification_id"`
	Topic          string          `json:"topic"`
	Payload        json.RawMessage `json:"payload"`
	Status         OutboxStatus    `json:"status"`
	ClaimedBy      *string         `json:"claimed_by,omitempty"`
	ClaimedAt      *time.Time      `json:"claimed_at,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
}

func NewOutboxEntry(notificationID uuid.UUID, topic string, payload []byte) *OutboxEntry {
	now := time.Now().UTC()
	return &OutboxEntry{
		ID:             uuid.New(),
		NotificationID: notificationID,
		Topic:          topic,
		Payload:        payload,
		Status:         OutboxPending,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
}

// OutboxRepository defines the durable-store operations backing the outbox
// poller.
type OutboxRepository interface {
	// ClaimBatch atomically claims up to limit entries that are pending,
	// or processing with a claim older than staleBefore (a crashed
	// claimer), marking them processing with the claimer's identity.
	ClaimBatch(ctx context.Context, workerID string, staleBefore time.Time, limit int) ([]*OutboxEntry, error)

	// MarkPublished finalizes successfully published entries.
	MarkPublished(ctx context.Context, ids []uuid.UUID) error

	// DeletePublishedBefore removes published entries older than cutoff
	// and returns the number deleted.
	DeletePublishedBefore(ctx context.Context, cutoff time.Time) (int64, error)
}
