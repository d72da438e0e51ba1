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

func TestWhatsApp_ValidateRecipient(t *testing.T) {
	p := NewWhatsApp()

	tests := []struct {
		name      string
		recipient map[string]any
		wantErr   bool
	}{
		{"valid E.164", map[string]any{"phone": "+14155552671"}, false},
		{"missing phone", map[string]any{}, true},
		{"no plus sign", map[string]any{"phone": "14155552671"}, true},
		{"leading zero", map[string]any{"phone": "+04155552671"}, true},
		{"letters", map[string]any{"phone": "+1415CALLME"}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := p.ValidateRecipient(tt.recipient)
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestWhatsApp_ValidateContent(t *testing.T) {
	p := NewWhatsApp()

	assert.NoError(t, p.ValidateContent(map[string]any{"text": "hi"}))
	assert.Error(t, p.ValidateContent(map[string]any{}))
	assert.Error(t, p.ValidateContent(map[string]any{"text": ""}))
}

func TestWhatsApp_DefaultRateLimit(t *testing.T) {
	cfg := NewWhatsApp().RateLimit()
	require.NotNil(t, cfg)
	assert.Equal(t, 20, cfg.MaxTokens)
	assert.Equal(t, float64(2), cfg.RefillPerSec)
}

func TestWhatsApp_Send(t *testing.T) {
	var gotBody map[string]any
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewDecoder(r.Body).Decode(&gotBody)
		json.NewEncoder(w).Encode(map[string]any{"messageId": "wa-7", "status": "sent"})
	}))
	defer server.Close()

	p := NewWhatsApp()
	require.NoError(t, p.Initialize(context.Background(), map[string]string{
		"endpoint": server.URL,
		"api_key":  "test-key",
	}))

	resp, err := p.Send(context.Background(), &domain.ChannelEvent{
		NotificationID: uuid.New(),
		RequestID:      "req-123",
		ClientID:       "client-abc",
		Channel:        domain.ChannelWhatsApp,
		Recipient:      map[string]any{"phone": "+14155552671"},
		Content:        map[string]any{"text": "hello"},
	})
	require.NoError(t, err)
	assert.Equal(t, "wa-7", resp.MessageID)
	assert.Equal(t, "+14155552671", gotBody["phone"])
	assert.Equal(t, "hello", gotBody["text"])
}

func TestWhatsApp_SendRejectsInvalidPayload(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("gateway must not be called for invalid payloads")
	}))
	defer server.Close()

	p := NewWhatsApp()
	require.NoError(t, p.Initialize(context.Background(), map[string]string{
		"endpoint": server.URL,
		"api_key":  "test-key",
	}))

	_, err := p.Send(context.Background(), &domain.ChannelEvent{
		NotificationID: uuid.New(),
		Recipient:      map[string]any{"phone": "invalid"},
		Content:        map[string]any{"text": "hello"},
	})
	assert.Error(t, err)
}
