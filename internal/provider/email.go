package provider

import (
	"context"
	"fmt"
	"regexp"

	"github.com/courierhq/notification-delivery/internal/domain"
)

var emailPattern = regexp.MustCompile(`^[^@\s]+@[^@\s]+\.[^@\s]+$`)

// Email delivers over a generic HTTPS JSON email gateway. The wire protocol
// is intentionally plain: POST {to, subject, body} with a bearer key.
type Email struct {
	http *httpSender
}

// NewEmail creates an uninitialized email provider; the registry calls
// Initialize with the plugin document's credentials.
func NewEmail() *Email {
	return &Email{}
}

func (p *Email) Manifest() domain.ProviderManifest {
	return domain.ProviderManifest{
		Name:                "email-gateway",
		Version:             "1.0.0",
		Channel:             domain.ChannelEmail,
		RequiredCredentials: []string{"endpoint", "api_key"},
	}
}

func (p *Email) ValidateRecipient(recipient map[string]any) error {
	email, ok := recipient["email"].(string)
	if !ok || email == "" {
		return domain.NewValidationError("recipient.email", "email is required")
	}
	if !emailPattern.MatchString(email) {
		return domain.NewValidationError("recipient.email", fmt.Sprintf("%q is not a valid email address", email))
	}
	return nil
}

func (p *Email) ValidateContent(content map[string]any) error {
	if subject, ok := content["subject"].(string); !ok || subject == "" {
		return domain.NewValidationError("content.subject", "subject is required")
	}
	if body, ok := content["body"].(string); !ok || body == "" {
		return domain.NewValidationError("content.body", "body is required")
	}
	return nil
}

// RateLimit defers to the plugin document or the global defaults.
func (p *Email) RateLimit() *domain.RateLimitConfig {
	return nil
}

func (p *Email) Initialize(ctx context.Context, credentials map[string]string) error {
	sender, err := newHTTPSender(p.Manifest(), credentials)
	if err != nil {
		return err
	}
	p.http = sender
	return nil
}

func (p *Email) HealthCheck(ctx context.Context) error {
	if p.http == nil {
		return fmt.Errorf("email provider is not initialized")
	}
	return p.http.healthCheck(ctx)
}

func (p *Email) Send(ctx context.Context, event *domain.ChannelEvent) (*domain.ProviderResponse, error) {
	if p.http == nil {
		return nil, fmt.Errorf("email provider is not initialized")
	}
	if err := p.ValidateRecipient(event.Recipient); err != nil {
		return nil, err
	}
	if err := p.ValidateContent(event.Content); err != nil {
		return nil, err
	}

	return p.http.send(ctx, map[string]any{
		"to":      event.Recipient["email"],
		"subject": event.Content["subject"],
		"body":    event.Content["body"],
	})
}

func (p *Email) Shutdown(ctx context.Context) error {
	if p.http != nil {
		p.http.close()
	}
	return nil
}
