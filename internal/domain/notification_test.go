package domain

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestChannel_Topic(t *testing.T) {
	tests := []struct {
		name    string
		channel Channel
		want    string
	}{
		{"email channel", ChannelEmail, "email_notification"},
		{"whatsapp channel", ChannelWhatsApp, "whatsapp_notification"},
		{"plugin channel", Channel("sms"), "sms_notification"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.channel.Topic())
		})
	}
}

func TestChannel_ConsumerGroup(t *testing.T) {
	assert.Equal(t, "channel-email", ChannelEmail.ConsumerGroup())
	assert.Equal(t, "channel-whatsapp", ChannelWhatsApp.ConsumerGroup())
}

func TestStatus_IsValid(t *testing.T) {
	tests := []struct {
		name   string
		status Status
		want   bool
	}{
		{"valid pending", StatusPending, true},
		{"valid processing", StatusProcessing, true},
		{"valid delivered", StatusDelivered, true},
		{"valid failed", StatusFailed, true},
		{"invalid status", Status("queued"), false},
		{"empty status", Status(""), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.status.IsValid())
		})
	}
}

func TestStatus_CanTransitionTo(t *testing.T) {
	tests := []struct {
		name string
		from Status
		to   Status
		want bool
	}{
		{"pending to processing", StatusPending, StatusProcessing, true},
		{"pending to delivered", StatusPending, StatusDelivered, true},
		{"processing to delivered", StatusProcessing, StatusDelivered, true},
		{"processing to failed", StatusProcessing, StatusFailed, true},
		{"delivered to processing blocked", StatusDelivered, StatusProcessing, false},
		{"failed to pending blocked", StatusFailed, StatusPending, false},
		{"delivered to failed allowed", StatusDelivered, StatusFailed, true},
		{"failed to delivered allowed", StatusFailed, StatusDelivered, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.from.CanTransitionTo(tt.to))
		})
	}
}

func TestNewNotification(t *testing.T) {
	recipient := map[string]any{"email": "user@example.com"}
	content := map[string]any{"subject": "Hi", "body": "Hello there"}

	n := NewNotification("req-1", "client-1", ChannelEmail, recipient, content)

	assert.NotNil(t, n)
	assert.NotEmpty(t, n.ID)
	assert.Equal(t, "req-1", n.RequestID)
	assert.Equal(t, "client-1", n.ClientID)
	assert.Equal(t, ChannelEmail, n.Channel)
	assert.Equal(t, recipient, n.Recipient)
	assert.Equal(t, content, n.Content)
	assert.Equal(t, StatusPending, n.Status)
	assert.Equal(t, 0, n.RetryCount)
	assert.NotZero(t, n.CreatedAt)
	assert.NotZero(t, n.UpdatedAt)
}

func TestNotification_StatusTransitions(t *testing.T) {
	n := NewNotification("req-1", "client-1", ChannelEmail, nil, nil)
	originalUpdatedAt := n.UpdatedAt

	// Small delay to ensure time difference
	time.Sleep(time.Millisecond)

	n.MarkAsProcessing()
	assert.Equal(t, StatusProcessing, n.Status)
	assert.True(t, n.UpdatedAt.After(originalUpdatedAt))

	n.MarkAsDelivered()
	assert.Equal(t, StatusDelivered, n.Status)

	n2 := NewNotification("req-2", "client-1", ChannelWhatsApp, nil, nil)
	errorMsg := "provider rejected recipient"
	n2.MarkAsFailed(errorMsg)
	assert.Equal(t, StatusFailed, n2.Status)
	assert.Equal(t, &errorMsg, n2.ErrorMessage)
}

func TestNotification_ResetForRetry(t *testing.T) {
	t.Run("failed notification resets", func(t *testing.T) {
		n := NewNotification("req-1", "client-1", ChannelEmail, nil, nil)
		n.MarkAsFailed("timeout")
		n.RetryCount = 3

		err := n.ResetForRetry()

		assert.NoError(t, err)
		assert.Equal(t, StatusPending, n.Status)
		assert.Equal(t, 0, n.RetryCount)
		assert.Nil(t, n.ErrorMessage)
	})

	t.Run("non-failed notification rejected", func(t *testing.T) {
		for _, status := range []Status{StatusPending, StatusProcessing, StatusDelivered} {
			n := NewNotification("req-1", "client-1", ChannelEmail, nil, nil)
			n.Status = status

			err := n.ResetForRetry()

			assert.ErrorIs(t, err, ErrNotRetryable)
			assert.Equal(t, status, n.Status)
		}
	})
}

func TestNotification_IsScheduled(t *testing.T) {
	now := time.Now().UTC()

	n := NewNotification("req-1", "client-1", ChannelEmail, nil, nil)
	assert.False(t, n.IsScheduled(now))

	future := now.Add(time.Minute)
	n.ScheduledAt = &future
	assert.True(t, n.IsScheduled(now))

	past := now.Add(-time.Minute)
	n.ScheduledAt = &past
	assert.False(t, n.IsScheduled(now))
}

func TestNotification_IncrementRetry(t *testing.T) {
	n := NewNotification("req-1", "client-1", ChannelEmail, nil, nil)
	assert.Equal(t, 0, n.RetryCount)

	n.IncrementRetry()
	assert.Equal(t, 1, n.RetryCount)

	n.IncrementRetry()
	assert.Equal(t, 2, n.RetryCount)
}

func TestAlertType_Severity(t *testing.T) {
	tests := []struct {
		name      string
		alertType AlertType
		want      AlertSeverity
	}{
		{"stuck processing is warning", AlertStuckProcessing, SeverityWarning},
		{"orphaned pending is warning", AlertOrphanedPending, SeverityWarning},
		{"ghost delivery is critical", AlertGhostDelivery, SeverityCritical},
		{"recovery error is critical", AlertRecoveryError, SeverityCritical},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.alertType.Severity())
		})
	}
}

func TestNewAlert(t *testing.T) {
	n := NewNotification("req-1", "client-1", ChannelEmail, nil, nil)

	a := NewAlert(n.ID, AlertStuckProcessing, "processing for 12m with no idempotency record")

	assert.Equal(t, n.ID, a.NotificationID)
	assert.Equal(t, AlertStuckProcessing, a.Type)
	assert.Equal(t, SeverityWarning, a.Severity)
	assert.False(t, a.Resolved)
	assert.Nil(t, a.ResolvedAt)

	a.MarkResolved()
	assert.True(t, a.Resolved)
	assert.NotNil(t, a.ResolvedAt)
}
