package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/courierhq/notification-delivery/internal/domain"
)

// PluginRegistry is the slice of the plugin registry intake needs: schema
// validation per channel.
type PluginRegistry interface {
	ValidatePayload(channel domain.Channel, recipient, content map[string]any) error
}

// SubmitRequest is one client delivery request, fanning out into one
// notification per listed channel.
type SubmitRequest struct {
	RequestID   string            `json:"request_id" validate:"required"`
	ClientID    string            `json:"client_id" validate:"required"`
	WebhookURL  string            `json:"webhook_url,omitempty" validate:"omitempty,url"`
	ScheduledAt *time.Time        `json:"scheduled_at,omitempty"`
	Variables   map[string]string `json:"variables,omitempty"`
	Channels    []ChannelRequest  `json:"channels" validate:"required,min=1,dive"`
}

// ChannelRequest carries the channel-shaped recipient and content for one
// target channel.
type ChannelRequest struct {
	Channel   domain.Channel `json:"channel" validate:"required"`
	Recipient map[string]any `json:"recipient" validate:"required"`
	Content   map[string]any `json:"content" validate:"required"`
}

// IntakeService accepts delivery requests and persists them with their
// outbox rows in one transaction; from there the pollers take over. It is
// also the operator retry entry point.
type IntakeService struct {
	repo     domain.NotificationRepository
	registry PluginRegistry
	validate *validator.Validate
	logger   *slog.Logger
	now      func() time.Time
}

// NewIntakeService creates a new IntakeService.
func NewIntakeService(repo domain.NotificationRepository, registry PluginRegistry, logger *slog.Logger) *IntakeService {
	return &IntakeService{
		repo:     repo,
		registry: registry,
		validate: validator.New(),
		logger:   logger.With("component", "intake"),
		now:      time.Now,
	}
}

// Submit validates the request, materializes payloads (variables applied),
// and writes one notification plus one outbox entry per channel in a single
// transaction. A duplicate (request_id, channel) fails the whole request
// with domain.ErrDuplicateRequest and nothing is persisted.
func (s *IntakeService) Submit(ctx context.Context, req *SubmitRequest) ([]*domain.Notification, error) {
	if err := s.validate.Struct(req); err != nil {
		return nil, validationError(err)
	}

	now := s.now().UTC()
	scheduled := req.ScheduledAt != nil && req.ScheduledAt.After(now)

	notifications := make([]*domain.Notification, 0, len(req.Channels))
	entries := make([]*domain.OutboxEntry, 0, len(req.Channels))

	for _, ch := range req.Channels {
		content := domain.SubstituteVariables(ch.Content, req.Variables)
		if missing := domain.MissingVariables(content, nil); len(missing) > 0 {
			return nil, fmt.Errorf("%w: %s", domain.ErrMissingVariables, strings.Join(missing, ", "))
		}
		if err := s.registry.ValidatePayload(ch.Channel, ch.Recipient, content); err != nil {
			return nil, err
		}

		n := domain.NewNotification(req.RequestID, req.ClientID, ch.Channel, ch.Recipient, content)
		n.Variables = req.Variables
		n.WebhookURL = req.WebhookURL
		n.ScheduledAt = req.ScheduledAt

		entry, err := buildOutboxEntry(n, scheduled)
		if err != nil {
			return nil, err
		}

		notifications = append(notifications, n)
		entries = append(entries, entry)
	}

	if err := s.repo.CreateWithOutbox(ctx, notifications, entries); err != nil {
		return nil, err
	}

	s.logger.Info("request accepted",
		"request_id", req.RequestID,
		"client_id", req.ClientID,
		"channels", len(req.Channels),
		"scheduled", scheduled,
	)

	return notifications, nil
}

// Retry is the operator path for failed notifications: back to pending with
// the retry budget restored, a fresh outbox row targeting the immediate
// channel topic, and the notification's open alerts resolved.
func (s *IntakeService) Retry(ctx context.Context, id uuid.UUID) (*domain.Notification, error) {
	n, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}

	entry, err := buildOutboxEntry(n, false)
	if err != nil {
		return nil, err
	}

	updated, err := s.repo.ResetForRetry(ctx, id, entry)
	if err != nil {
		return nil, err
	}

	s.logger.Info("operator retry accepted", "notification_id", id, "channel", n.Channel)
	return updated, nil
}

// buildOutboxEntry materializes the bus event for a notification. Scheduled
// notifications ride the delayed topic wrapped in a delayed event whose
// target is the channel topic; immediate ones go straight to the channel
// topic.
func buildOutboxEntry(n *domain.Notification, scheduled bool) (*domain.OutboxEntry, error) {
	payload, err := json.Marshal(domain.NewChannelEvent(n))
	if err != nil {
		return nil, fmt.Errorf("failed to marshal channel event: %w", err)
	}

	if !scheduled {
		return domain.NewOutboxEntry(n.ID, n.Channel.Topic(), payload), nil
	}

	wrapped, err := json.Marshal(domain.NewDelayedEvent(n, n.Channel.Topic(), payload, *n.ScheduledAt))
	if err != nil {
		return nil, fmt.Errorf("failed to marshal delayed event: %w", err)
	}
	return domain.NewOutboxEntry(n.ID, domain.TopicDelayed, wrapped), nil
}

// validationError flattens validator output into domain validation errors.
func validationError(err error) error {
	var fieldErrs validator.ValidationErrors
	if errors.As(err, &fieldErrs) {
		out := domain.ValidationErrors{}
		for _, fe := range fieldErrs {
			out.Errors = append(out.Errors, domain.NewValidationError(fe.Field(), fmt.Sprintf("failed %q validation", fe.Tag())))
		}
		return out
	}
	return domain.NewValidationError("request", err.Error())
}
