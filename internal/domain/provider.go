package domain

import (
	"context"
	"time"
)

// ProviderManifest identifies a provider plug-in and what it needs to run.
type ProviderManifest struct {
	Name                string   `json:"name"`
	Version             string   `json:"version"`
	Channel             Channel  `json:"channel"`
	RequiredCredentials []string `json:"required_credentials"`
}

// ProviderResponse represents a successful send acknowledged by the
// external provider.
type ProviderResponse struct {
	MessageID string    `json:"messageId"`
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
}

// Provider is the capability surface a channel plug-in implements. The
// registry drives the lifecycle: Initialize at startup with credentials
// from the plugin document, HealthCheck on demand, Shutdown on process
// exit. Send failures should be ProviderError values so the processor can
// classify them.
type Provider interface {
	Manifest() ProviderManifest

	// ValidateRecipient and ValidateContent check the channel-shaped maps
	// before any provider call is attempted.
	ValidateRecipient(recipient map[string]any) error
	ValidateContent(content map[string]any) error

	// RateLimit returns the provider's default limit, or nil to defer to
	// the plugin document or the global defaults.
	RateLimit() *RateLimitConfig

	Initialize(ctx context.Context, credentials map[string]string) error
	HealthCheck(ctx context.Context) error
	Send(ctx context.Context, event *ChannelEvent) (*ProviderResponse, error)
	Shutdown(ctx context.Context) error
}
