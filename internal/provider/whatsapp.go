package provider

import (
	"context"
	"fmt"
	"regexp"

	"github.com/courierhq/notification-delivery/internal/domain"
)

// E.164: plus sign, then 2 to 15 digits with no leading zero.
var phonePattern = regexp.MustCompile(`^\+[1-9]\d{1,14}$`)

// WhatsApp delivers over a generic HTTPS JSON messaging gateway:
// POST {phone, text} with a bearer key.
type WhatsApp struct {
	http *httpSender
}

// NewWhatsApp creates an uninitialized WhatsApp provider; the registry calls
// Initialize with the plugin document's credentials.
func NewWhatsApp() *WhatsApp {
	return &WhatsApp{}
}

func (p *WhatsApp) Manifest() domain.ProviderManifest {
	return domain.ProviderManifest{
		Name:                "whatsapp-gateway",
		Version:             "1.0.0",
		Channel:             domain.ChannelWhatsApp,
		RequiredCredentials: []string{"endpoint", "api_key"},
	}
}

func (p *WhatsApp) ValidateRecipient(recipient map[string]any) error {
	phone, ok := recipient["phone"].(string)
	if !ok || phone == "" {
		return domain.NewValidationError("recipient.phone", "phone is required")
	}
	if !phonePattern.MatchString(phone) {
		return domain.NewValidationError("recipient.phone", fmt.Sprintf("%q is not an E.164 phone number", phone))
	}
	return nil
}

func (p *WhatsApp) ValidateContent(content map[string]any) error {
	if text, ok := content["text"].(string); !ok || text == "" {
		return domain.NewValidationError("content.text", "text is required")
	}
	return nil
}

// RateLimit keeps WhatsApp conservative by default; the plugin document can
// still override it.
func (p *WhatsApp) RateLimit() *domain.RateLimitConfig {
	return &domain.RateLimitConfig{MaxTokens: 20, RefillPerSec: 2}
}

func (p *WhatsApp) Initialize(ctx context.Context, credentials map[string]string) error {
	sender, err := newHTTPSender(p.Manifest(), credentials)
	if err != nil {
		return err
	}
	p.http = sender
	return nil
}

func (p *WhatsApp) HealthCheck(ctx context.Context) error {
	if p.http == nil {
		return fmt.Errorf("whatsapp provider is not initialized")
	}
	return p.http.healthCheck(ctx)
}

func (p *WhatsApp) Send(ctx context.Context, event *domain.ChannelEvent) (*domain.ProviderResponse, error) {
	if p.http == nil {
		return nil, fmt.Errorf("whatsapp provider is not initialized")
	}
	if err := p.ValidateRecipient(event.Recipient); err != nil {
		return nil, err
	}
	if err := p.ValidateContent(event.Content); err != nil {
		return nil, err
	}

	return p.http.send(ctx, map[string]any{
		"phone": event.Recipient["phone"],
		"text":  event.Content["text"],
	})
}

func (p *WhatsApp) Shutdown(ctx context.Context) error {
	if p.http != nil {
		p.http.close()
	}
	return nil
}
