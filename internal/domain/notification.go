package domain

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Channel represents the notification delivery channel. Channels are bound to
// providers at startup through the plugin registry, so the set is open-ended;
// the constants below cover the built-in providers.
type Channel string

const (
	ChannelEmail    Channel = "email"
	ChannelWhatsApp Channel = "whatsapp"
)

// Topic returns the bus topic carrying this channel's notification events.
func (c Channel) Topic() string {
	return string(c) + "_notification"
}

// ConsumerGroup returns the consumer group name for this channel's processor.
func (c Channel) ConsumerGroup() string {
	return "channel-" + string(c)
}

type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusDelivered  Status = "delivered"
	StatusFailed     Status = "failed"
)

func (s Status) IsValid() bool {
	switch s {
	case StatusPending, StatusProcessing, StatusDelivered, StatusFailed:
		return true
	}
	return false
}

// IsTerminal reports whether the status is a final delivery outcome.
func (s Status) IsTerminal() bool {
	return s == StatusDelivered || s == StatusFailed
}

// CanTransitionTo enforces the monotone status rule: a terminal status is
// never replaced by a non-terminal one. Terminal-to-terminal rewrites are
// allowed (last writer wins between delivered and failed). The operator
// retry path bypasses this deliberately via ResetForRetry.
func (s Status) CanTransitionTo(next Status) bool {
	if s.IsTerminal() {
		return next.IsTerminal()
	}
	return true
}

// Notification represents one deliverable message on one channel. A client
// request fans out into one Notification per requested channel at intake.
type Notification struct {
	ID           uuid.UUID         `json:"id"`
	RequestID    string            `json:"request_id"`
	ClientID     string            `json:"client_id"`
	Channel      Channel           `json:"channel"`
	Recipient    map[string]any    `json:"recipient"`
	Content      map[string]any    `json:"content"`
	Variables    map[string]string `json:"variables,omitempty"`
	WebhookURL   string            `json:"webhook_url,omitempty"`
	Status       Status            `json:"status"`
	ScheduledAt  *time.Time        `json:"scheduled_at,omitempty"`
	RetryCount   int               `json:"retry_count"`
	ErrorMessage *string           `json:"error_message,omitempty"`
	CreatedAt    time.Time         `json:"created_at"`
	UpdatedAt    time.Time         `json:"updated_at"`
}

func NewNotification(requestID, clientID string, channel Channel, recipient, content map[string]any) *Notification {
	now := time.Now().UTC()
	return &Notification{
		ID:        uuid.New(),
		RequestID: requestID,
		ClientID:  clientID,
		Channel:   channel,
		Recipient: recipient,
		Content:   content,
		Status:    StatusPending,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// MarkAsProcessing updates the notification status to processing
func (n *Notification) MarkAsProcessing() {
	n.Status = StatusProcessing
	n.UpdatedAt = time.Now().UTC()
}

// MarkAsDelivered updates the notification status to delivered
func (n *Notification) MarkAsDelivered() {
	n.Status = StatusDelivered
	n.UpdatedAt = time.Now().UTC()
}

// MarkAsFailed updates the notification status to failed
func (n *Notification) MarkAsFailed(errorMsg string) {
	n.Status = StatusFailed
	n.ErrorMessage = &errorMsg
	n.UpdatedAt = time.Now().UTC()
}

func (n *Notification) IncrementRetry() {
	n.RetryCount++
	n.UpdatedAt = time.Now().UTC()
}

// ResetForRetry is the operator retry edge: only failed notifications go
// back to pending, with the retry budget restored.
func (n *Notification) ResetForRetry() error {
	if n.Status != StatusFailed {
		return ErrNotRetryable
	}
	n.Status = StatusPending
	n.RetryCount = 0
	n.ErrorMessage = nil
	n.UpdatedAt = time.Now().UTC()
	return nil
}

// IsScheduled reports whether delivery is deferred past the given instant.
func (n *Notification) IsScheduled(now time.Time) bool {
	return n.ScheduledAt != nil && n.ScheduledAt.After(now)
}

// NotificationRepository defines the durable-store operations for
// notifications. Multi-row writes are transactional; status writes honor
// the monotone rule.
type NotificationRepository interface {
	// CreateWithOutbox persists the notifications and their outbox entries
	// in a single transaction (the transactional-outbox write).
	CreateWithOutbox(ctx context.Context, notifications []*Notification, entries []*OutboxEntry) error

	GetByID(ctx context.Context, id uuid.UUID) (*Notification, error)

	// MarkProcessing sets status=processing unless the row is already
	// terminal; it also refreshes updated_at, which doubles as the
	// liveness marker the recovery cron watches.
	MarkProcessing(ctx context.Context, id uuid.UUID) error

	// ApplyStatus writes a terminal status and optional error message,
	// returning the updated row. Non-terminal rows are overwritten; a
	// terminal row is only overwritten by another terminal status.
	ApplyStatus(ctx context.Context, id uuid.UUID, status Status, errorMsg *string) (*Notification, error)

	// IncrementRetry bumps retry_count and returns the new value.
	IncrementRetry(ctx context.Context, id uuid.UUID) (int, error)

	// ResetForRetry is the operator path: failed → pending with
	// retry_count 0, a fresh outbox entry, and the notification's open
	// alerts resolved, all in one transaction.
	ResetForRetry(ctx context.Context, id uuid.UUID, entry *OutboxEntry) (*Notification, error)

	// FindStuckProcessing returns rows sitting in processing since before
	// olderThan, oldest first.
	FindStuckProcessing(ctx context.Context, olderThan time.Time, limit int) ([]*Notification, error)

	// ClaimStuck re-checks and touches a stuck row under a row lock so
	// concurrent recovery passes do not double-process it. Returns false
	// when the row was already picked up or no longer qualifies.
	ClaimStuck(ctx context.Context, id uuid.UUID, olderThan time.Time) (bool, error)

	// FindOrphanedPending returns rows stuck in pending since before
	// olderThan, excluding rows still legitimately waiting on a future
	// scheduled_at.
	FindOrphanedPending(ctx context.Context, olderThan time.Time, limit int) ([]*Notification, error)
}
