package domain

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Bus topics not derived from a channel name.
const (
	// TopicDelayed carries future-dated events on their way to the
	// delayed queue.
	TopicDelayed = "delayed_notification"
	// TopicStatus carries terminal delivery outcomes.
	TopicStatus = "notification_status"
)

// Consumer groups for the shared topics.
const (
	GroupDelayed = "delayed-consumer"
	GroupStatus  = "status-consumer"
)

// ChannelEvent is the value published on <channel>_notification topics. It
// is fully materialized at intake: processors never re-read the notification
// to build the provider call.
type ChannelEvent struct {
	NotificationID uuid.UUID      `json:"notification_id" validate:"required"`
	RequestID      string         `json:"request_id" validate:"required"`
	ClientID       string         `json:"client_id" validate:"required"`
	Channel        Channel        `json:"channel" validate:"required"`
	Recipient      map[string]any `json:"recipient" validate:"required"`
	Content        map[string]any `json:"content" validate:"required"`
	WebhookURL     string         `json:"webhook_url,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
}

func NewChannelEvent(n *Notification) *ChannelEvent {
	return &ChannelEvent{
		NotificationID: n.ID,
		RequestID:      n.RequestID,
		ClientID:       n.ClientID,
		Channel:        n.Channel,
		Recipient:      n.Recipient,
		Content:        n.Content,
		WebhookURL:     n.WebhookURL,
		CreatedAt:      time.Now().UTC(),
	}
}

// DelayedEvent wraps a channel event with a due time and the topic it should
// be released to. The same shape is both the delayed_notification value and
// the sorted-set member in the coordination store; PollerRetries counts
// failed release attempts by the delayed poller.
type DelayedEvent struct {
	NotificationID uuid.UUID       `json:"notification_id" validate:"required"`
	RequestID      string          `json:"request_id"`
	ClientID       string          `json:"client_id"`
	ScheduledAt    time.Time       `json:"scheduled_at"`
	TargetTopic    string          `json:"target_topic" validate:"required"`
	Payload        json.RawMessage `json:"payload" validate:"required"`
	CreatedAt      time.Time       `json:"created_at"`
	PollerRetries  int             `json:"_pollerRetries"`
}

// NewDelayedEvent wraps an already-encoded channel event for release to
// targetTopic at scheduledAt.
func NewDelayedEvent(n *Notification, targetTopic string, payload []byte, scheduledAt time.Time) *DelayedEvent {
	return &DelayedEvent{
		NotificationID: n.ID,
		RequestID:      n.RequestID,
		ClientID:       n.ClientID,
		ScheduledAt:    scheduledAt,
		TargetTopic:    targetTopic,
		Payload:        payload,
		CreatedAt:      time.Now().UTC(),
	}
}

// StatusEvent is the value published on notification_status when a
// notification reaches a terminal state.
type StatusEvent struct {
	NotificationID uuid.UUID `json:"notification_id" validate:"required"`
	RequestID      string    `json:"request_id"`
	ClientID       string    `json:"client_id"`
	Channel        Channel   `json:"channel"`
	Status         Status    `json:"status" validate:"required"`
	Message        string    `json:"message,omitempty"`
	RetryCount     int       `json:"retry_count"`
	WebhookURL     string    `json:"webhook_url,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
}

func NewStatusEvent(ev *ChannelEvent, status Status, message string, retryCount int) *StatusEvent {
	return &StatusEvent{
		NotificationID: ev.NotificationID,
		RequestID:      ev.RequestID,
		ClientID:       ev.ClientID,
		Channel:        ev.Channel,
		Status:         status,
		Message:        message,
		RetryCount:     retryCount,
		WebhookURL:     ev.WebhookURL,
		CreatedAt:      time.Now().UTC(),
	}
}

// NewStatusEventFromNotification builds a status event straight from the
// stored row; the recovery cron uses this when no channel event is in hand.
func NewStatusEventFromNotification(n *Notification, status Status, message string) *StatusEvent {
	return &StatusEvent{
		NotificationID: n.ID,
		RequestID:      n.RequestID,
		ClientID:       n.ClientID,
		Channel:        n.Channel,
		Status:         status,
		Message:        message,
		RetryCount:     n.RetryCount,
		WebhookURL:     n.WebhookURL,
		CreatedAt:      time.Now().UTC(),
	}
}

// Validate checks the invariants an event must satisfy before publication.
func (e *StatusEvent) Validate() error {
	if !e.Status.IsTerminal() {
		return fmt.Errorf("%w: status %q is not terminal", ErrInvalidPayload, e.Status)
	}
	return nil
}
