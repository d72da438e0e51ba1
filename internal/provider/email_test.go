package provider

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/courierhq/notification-delivery/internal/domain"
)

func emailEvent() *domain.ChannelEvent {
	return &domain.ChannelEvent{
		NotificationID: uuid.New(),
		RequestID:      "req-123",
		ClientID:       "client-abc",
		Channel:        domain.ChannelEmail,
		Recipient:      map[string]any{"email": "user@example.com"},
		Content:        map[string]any{"subject": "Hello", "body": "World"},
	}
}

func initializedEmail(t *testing.T, endpoint string) *Email {
	t.Helper()
	p := NewEmail()
	require.NoError(t, p.Initialize(context.Background(), map[string]string{
		"endpoint": endpoint,
		"api_key":  "test-key",
	}))
	return p
}

func TestEmail_InitializeRequiresCredentials(t *testing.T) {
	tests := []struct {
		name        string
		credentials map[string]string
	}{
		{"missing endpoint", map[string]string{"api_key": "k"}},
		{"missing api key", map[string]string{"endpoint": "https://mail.example.com"}},
		{"empty", map[string]string{}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := NewEmail().Initialize(context.Background(), tt.credentials)
			assert.Error(t, err)
		})
	}
}

func TestEmail_ValidateRecipient(t *testing.T) {
	p := NewEmail()

	assert.NoError(t, p.ValidateRecipient(map[string]any{"email": "user@example.com"}))
	assert.Error(t, p.ValidateRecipient(map[string]any{}))
	assert.Error(t, p.ValidateRecipient(map[string]any{"email": "not-an-email"}))
	assert.Error(t, p.ValidateRecipient(map[string]any{"email": 42}))
}

func TestEmail_ValidateContent(t *testing.T) {
	p := NewEmail()

	assert.NoError(t, p.ValidateContent(map[string]any{"subject": "s", "body": "b"}))
	assert.Error(t, p.ValidateContent(map[string]any{"body": "b"}))
	assert.Error(t, p.ValidateContent(map[string]any{"subject": "s"}))
}

func TestEmail_Send(t *testing.T) {
	t.Run("delivers and returns the gateway message id", func(t *testing.T) {
		var gotAuth string
		var gotBody map[string]any
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			gotAuth = r.Header.Get("Authorization")
			json.NewDecoder(r.Body).Decode(&gotBody)
			json.NewEncoder(w).Encode(map[string]any{"messageId": "gw-42", "status": "sent"})
		}))
		defer server.Close()

		p := initializedEmail(t, server.URL)
		resp, err := p.Send(context.Background(), emailEvent())
		require.NoError(t, err)
		assert.Equal(t, "gw-42", resp.MessageID)
		assert.Equal(t, "Bearer test-key", gotAuth)
		assert.Equal(t, "user@example.com", gotBody["to"])
		assert.Equal(t, "Hello", gotBody["subject"])
	})

	t.Run("empty acknowledgements still count as delivered", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusNoContent)
		}))
		defer server.Close()

		p := initializedEmail(t, server.URL)
		resp, err := p.Send(context.Background(), emailEvent())
		require.NoError(t, err)
		assert.NotEmpty(t, resp.MessageID)
	})

	t.Run("5xx is retryable", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "gateway busy", http.StatusServiceUnavailable)
		}))
		defer server.Close()

		p := initializedEmail(t, server.URL)
		_, err := p.Send(context.Background(), emailEvent())
		require.Error(t, err)
		assert.True(t, domain.IsRetryableSendError(err))
	})

	t.Run("429 is retryable", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "slow down", http.StatusTooManyRequests)
		}))
		defer server.Close()

		p := initializedEmail(t, server.URL)
		_, err := p.Send(context.Background(), emailEvent())
		require.Error(t, err)
		assert.True(t, domain.IsRetryableSendError(err))
	})

	t.Run("4xx is not retryable", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "bad recipient", http.StatusBadRequest)
		}))
		defer server.Close()

		p := initializedEmail(t, server.URL)
		_, err := p.Send(context.Background(), emailEvent())
		require.Error(t, err)
		assert.False(t, domain.IsRetryableSendError(err))
	})

	t.Run("unreachable gateway is retryable", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
		server.Close()

		p := initializedEmail(t, server.URL)
		_, err := p.Send(context.Background(), emailEvent())
		require.Error(t, err)
		assert.True(t, domain.IsRetryableSendError(err))
	})
}

func TestEmail_HealthCheck(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodHead, r.Method)
	}))
	defer server.Close()

	p := initializedEmail(t, server.URL)
	assert.NoError(t, p.HealthCheck(context.Background()))

	assert.Error(t, NewEmail().HealthCheck(context.Background()))
}
