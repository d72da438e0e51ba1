package plugin

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/courierhq/notification-delivery/internal/domain"
	"github.com/courierhq/notification-delivery/internal/provider"
)

// Factory constructs an uninitialized provider instance. Discovery is a
// startup-time step driven by the plugin document: processes restart to pick
// up plugin changes, so there is no runtime loading.
type Factory func() domain.Provider

// builtins maps factory names usable in the plugin document to the providers
// compiled into this binary.
var builtins = map[string]Factory{
	"email":    func() domain.Provider { return provider.NewEmail() },
	"whatsapp": func() domain.Provider { return provider.NewWhatsApp() },
}

// Document is the YAML plugin configuration loaded from PLUGINS_PATH.
type Document struct {
	Providers []Entry `yaml:"providers" validate:"required,min=1,dive"`
}

// Entry binds one provider factory to a channel with its credentials and an
// optional rate-limit override.
type Entry struct {
	Factory     string                  `yaml:"factory" validate:"required"`
	Channel     domain.Channel          `yaml:"channel" validate:"required"`
	Credentials map[string]string       `yaml:"credentials"`
	RateLimit   *domain.RateLimitConfig `yaml:"rate_limit"`
}

// Registry holds the channel → provider bindings and their rate-limit
// configuration. It is immutable after Load.
type Registry struct {
	providers  map[domain.Channel]domain.Provider
	rateLimits map[domain.Channel]domain.RateLimitConfig
	channels   []domain.Channel
	defaults   domain.RateLimitConfig
	logger     *slog.Logger
}

// Load reads the plugin document, constructs and initializes every listed
// provider, and binds each to its channel. Duplicate channel bindings,
// unknown factories and failed initializations are startup errors.
func Load(ctx context.Context, path string, defaults domain.RateLimitConfig, logger *slog.Logger) (*Registry, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read plugin document %s: %w", path, err)
	}

	doc := &Document{}
	if err := yaml.Unmarshal(raw, doc); err != nil {
		return nil, fmt.Errorf("failed to parse plugin document %s: %w", path, err)
	}
	if err := validator.New().Struct(doc); err != nil {
		return nil, fmt.Errorf("invalid plugin document %s: %w", path, err)
	}

	r := &Registry{
		providers:  make(map[domain.Channel]domain.Provider),
		rateLimits: make(map[domain.Channel]domain.RateLimitConfig),
		defaults:   defaults,
		logger:     logger.With("component", "plugin_registry"),
	}

	for _, entry := range doc.Providers {
		factory, ok := builtins[entry.Factory]
		if !ok {
			return nil, fmt.Errorf("plugin document %s: unknown provider factory %q", path, entry.Factory)
		}
		if _, exists := r.providers[entry.Channel]; exists {
			return nil, fmt.Errorf("plugin document %s: channel %q bound twice", path, entry.Channel)
		}

		p := factory()
		manifest := p.Manifest()
		if err := p.Initialize(ctx, expandCredentials(entry.Credentials)); err != nil {
			return nil, fmt.Errorf("failed to initialize provider %s: %w", manifest.Name, err)
		}

		r.providers[entry.Channel] = p
		r.rateLimits[entry.Channel] = resolveRateLimit(entry.RateLimit, p.RateLimit(), defaults)
		r.channels = append(r.channels, entry.Channel)

		r.logger.Info("provider bound",
			"channel", entry.Channel,
			"provider", manifest.Name,
			"version", manifest.Version,
		)
	}

	return r, nil
}

// expandCredentials substitutes ${VAR} environment references so secrets
// stay out of the document itself.
func expandCredentials(credentials map[string]string) map[string]string {
	out := make(map[string]string, len(credentials))
	for k, v := range credentials {
		out[k] = os.ExpandEnv(v)
	}
	return out
}

// resolveRateLimit picks the effective bucket shape: plugin document
// override, then the provider's own default, then the global defaults.
func resolveRateLimit(override, providerDefault *domain.RateLimitConfig, defaults domain.RateLimitConfig) domain.RateLimitConfig {
	if override != nil {
		return *override
	}
	if providerDefault != nil {
		return *providerDefault
	}
	return defaults
}

// ProviderFor returns the provider bound to the channel.
func (r *Registry) ProviderFor(channel domain.Channel) (domain.Provider, error) {
	p, ok := r.providers[channel]
	if !ok {
		return nil, fmt.Errorf("%w: %s", domain.ErrUnknownChannel, channel)
	}
	return p, nil
}

// Channels returns the bound channels in document order.
func (r *Registry) Channels() []domain.Channel {
	return r.channels
}

// RateLimitFor implements domain.RateLimitResolver. Unknown channels get the
// global defaults; the processor never reaches the limiter for a channel
// without a bound provider anyway.
func (r *Registry) RateLimitFor(channel domain.Channel) domain.RateLimitConfig {
	if cfg, ok := r.rateLimits[channel]; ok {
		return cfg
	}
	return r.defaults
}

// ValidatePayload runs the channel provider's schema functions against a
// recipient/content pair. Intake calls this before anything is persisted.
func (r *Registry) ValidatePayload(channel domain.Channel, recipient, content map[string]any) error {
	p, err := r.ProviderFor(channel)
	if err != nil {
		return err
	}
	if err := p.ValidateRecipient(recipient); err != nil {
		return err
	}
	return p.ValidateContent(content)
}

// HealthCheck probes every bound provider and returns the first failure.
func (r *Registry) HealthCheck(ctx context.Context) error {
	for _, channel := range r.channels {
		if err := r.providers[channel].HealthCheck(ctx); err != nil {
			return fmt.Errorf("provider for channel %s unhealthy: %w", channel, err)
		}
	}
	return nil
}

// Shutdown stops every provider in reverse binding order. Errors are logged
// and swallowed: shutdown keeps going.
func (r *Registry) Shutdown(ctx context.Context) {
	for i := len(r.channels) - 1; i >= 0; i-- {
		channel := r.channels[i]
		if err := r.providers[channel].Shutdown(ctx); err != nil {
			r.logger.Error("provider shutdown failed", "channel", channel, "error", err)
		}
	}
}
