package service

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/courierhq/notification-delivery/internal/config"
	"github.com/courierhq/notification-delivery/internal/domain"
)

func testWebhookConfig() config.WebhookConfig {
	return config.WebhookConfig{
		Timeout:    5 * time.Second,
		MaxRetries: 3,
		RetryDelay: time.Millisecond,
	}
}

func statusEvent(webhookURL string) *domain.StatusEvent {
	return &domain.StatusEvent{
		NotificationID: uuid.New(),
		RequestID:      "req-123",
		ClientID:       "client-abc",
		Channel:        domain.ChannelEmail,
		Status:         domain.StatusDelivered,
		WebhookURL:     webhookURL,
		CreatedAt:      time.Now().UTC(),
	}
}

func TestWebhookDispatcher_Dispatch(t *testing.T) {
	t.Run("delivers the terminal verdict", func(t *testing.T) {
		var payload map[string]any
		var attemptHeader string
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			attemptHeader = r.Header.Get("X-Attempt")
			json.NewDecoder(r.Body).Decode(&payload)
		}))
		defer server.Close()

		d := NewWebhookDispatcher(testWebhookConfig(), testLogger())
		require.NoError(t, d.Dispatch(context.Background(), statusEvent(server.URL)))

		assert.Equal(t, "1", attemptHeader)
		assert.Equal(t, "DELIVERED", payload["status"])
		assert.Equal(t, "req-123", payload["request_id"])
	})

	t.Run("failed outcomes go out upper-case too", func(t *testing.T) {
		var payload map[string]any
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			json.NewDecoder(r.Body).Decode(&payload)
		}))
		defer server.Close()

		event := statusEvent(server.URL)
		event.Status = domain.StatusFailed

		d := NewWebhookDispatcher(testWebhookConfig(), testLogger())
		require.NoError(t, d.Dispatch(context.Background(), event))
		assert.Equal(t, "FAILED", payload["status"])
	})

	t.Run("no webhook URL is a no-op", func(t *testing.T) {
		d := NewWebhookDispatcher(testWebhookConfig(), testLogger())
		assert.NoError(t, d.Dispatch(context.Background(), statusEvent("")))
	})

	t.Run("retries 5xx and succeeds", func(t *testing.T) {
		var calls atomic.Int32
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if calls.Add(1) < 3 {
				http.Error(w, "busy", http.StatusBadGateway)
				return
			}
			w.WriteHeader(http.StatusOK)
		}))
		defer server.Close()

		d := NewWebhookDispatcher(testWebhookConfig(), testLogger())
		require.NoError(t, d.Dispatch(context.Background(), statusEvent(server.URL)))
		assert.Equal(t, int32(3), calls.Load())
	})

	t.Run("4xx is terminal and never retried", func(t *testing.T) {
		var calls atomic.Int32
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			calls.Add(1)
			http.Error(w, "unknown notification", http.StatusBadRequest)
		}))
		defer server.Close()

		d := NewWebhookDispatcher(testWebhookConfig(), testLogger())
		err := d.Dispatch(context.Background(), statusEvent(server.URL))
		require.Error(t, err)
		assert.Equal(t, int32(1), calls.Load())
	})

	t.Run("gives up after the attempt budget", func(t *testing.T) {
		var calls atomic.Int32
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			calls.Add(1)
			http.Error(w, "still busy", http.StatusInternalServerError)
		}))
		defer server.Close()

		d := NewWebhookDispatcher(testWebhookConfig(), testLogger())
		err := d.Dispatch(context.Background(), statusEvent(server.URL))
		require.Error(t, err)
		assert.Equal(t, int32(3), calls.Load())
	})

	t.Run("attempt header increments across retries", func(t *testing.T) {
		var attempts []string
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			attempts = append(attempts, r.Header.Get("X-Attempt"))
			http.Error(w, "busy", http.StatusServiceUnavailable)
		}))
		defer server.Close()

		d := NewWebhookDispatcher(testWebhookConfig(), testLogger())
		_ = d.Dispatch(context.Background(), statusEvent(server.URL))
		assert.Equal(t, []string{"1", "2", "3"}, attempts)
	})

	t.Run("breaker opens after repeated failures to one host", func(t *testing.T) {
		var calls atomic.Int32
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			calls.Add(1)
			http.Error(w, "down", http.StatusInternalServerError)
		}))
		defer server.Close()

		d := NewWebhookDispatcher(testWebhookConfig(), testLogger())

		// Two dispatches of three attempts each: the breaker trips at five
		// consecutive failures, so the sixth attempt never reaches the host.
		_ = d.Dispatch(context.Background(), statusEvent(server.URL))
		_ = d.Dispatch(context.Background(), statusEvent(server.URL))
		assert.Equal(t, int32(5), calls.Load())
	})
}
