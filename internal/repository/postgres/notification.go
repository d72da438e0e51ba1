package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/courierhq/notification-delivery/internal/domain"
)

// NotificationRepository implements domain.NotificationRepository using PostgreSQL
type NotificationRepository struct {
	db *DB
}

// NewNotificationRepository creates a new NotificationRepository
func NewNotificationRepository(db *DB) *NotificationRepository {
	return &NotificationRepository{db: db}
}

// CreateWithOutbox persists the notifications and their outbox entries in a
// single transaction. Either everything lands or nothing does, which is what
// lets the outbox poller treat every pending row as publishable.
func (r *NotificationRepository) CreateWithOutbox(ctx context.Context, notifications []*domain.Notification, entries []*domain.OutboxEntry) error {
	if len(notifications) == 0 {
		return nil
	}

	tx, err := r.db.Pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	query := `
		INSERT INTO notifications (
			id, request_id, client_id, channel, recipient, content, variables,
			webhook_url, status, scheduled_at, retry_count, error_message,
			created_at, updated_at
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14
		)
	`

	for _, n := range notifications {
		recipient, content, variables, err := marshalPayloadFields(n)
		if err != nil {
			return err
		}

		_, err = tx.Exec(ctx, query,
			n.ID, n.RequestID, n.ClientID, n.Channel, recipient, content, variables,
			nullableString(n.WebhookURL), n.Status, n.ScheduledAt, n.RetryCount, n.ErrorMessage,
			n.CreatedAt, n.UpdatedAt,
		)
		if err != nil {
			if isUniqueViolation(err, "notifications_request_id_channel_key") {
				return domain.NewDuplicateRequestError(n.RequestID, n.Channel)
			}
			return fmt.Errorf("failed to create notification: %w", err)
		}
	}

	if err := insertOutboxEntries(ctx, tx, entries); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}

	return nil
}

// GetByID retrieves a notification by ID
func (r *NotificationRepository) GetByID(ctx context.Context, id uuid.UUID) (*domain.Notification, error) {
	query := `
		SELECT id, request_id, client_id, channel, recipient, content, variables,
			webhook_url, status, scheduled_at, retry_count, error_message,
			created_at, updated_at
		FROM notifications
		WHERE id = $1
	`

	return r.scanNotification(ctx, query, id)
}

// MarkProcessing sets status=processing and refreshes updated_at, which is
// the liveness marker the recovery cron watches. A terminal row is left
// untouched and reported as a clean no-op.
func (r *NotificationRepository) MarkProcessing(ctx context.Context, id uuid.UUID) error {
	query := `
		UPDATE notifications
		SET status = 'processing', updated_at = now()
		WHERE id = $1 AND status NOT IN ('delivered', 'failed')
	`

	result, err := r.db.Pool.Exec(ctx, query, id)
	if err != nil {
		return fmt.Errorf("failed to mark notification processing: %w", err)
	}

	if result.RowsAffected() == 0 {
		var status domain.Status
		err := r.db.Pool.QueryRow(ctx, `SELECT status FROM notifications WHERE id = $1`, id).Scan(&status)
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("failed to check notification status: %w", err)
		}
		// Terminal already; the monotone rule says leave it alone.
	}

	return nil
}

// ApplyStatus writes a terminal status with its error message and returns
// the updated row. The WHERE clause carries the monotone guard even though
// callers only pass terminal statuses.
func (r *NotificationRepository) ApplyStatus(ctx context.Context, id uuid.UUID, status domain.Status, errorMsg *string) (*domain.Notification, error) {
	query := `
		UPDATE notifications
		SET status = $2, error_message = $3, updated_at = now()
		WHERE id = $1
		  AND (status NOT IN ('delivered', 'failed') OR $2::text IN ('delivered', 'failed'))
		RETURNING id, request_id, client_id, channel, recipient, content, variables,
			webhook_url, status, scheduled_at, retry_count, error_message,
			created_at, updated_at
	`

	n, err := r.scanNotification(ctx, query, id, status, errorMsg)
	if errors.Is(err, domain.ErrNotFound) {
		// Distinguish a missing row from a blocked transition.
		var current domain.Status
		checkErr := r.db.Pool.QueryRow(ctx, `SELECT status FROM notifications WHERE id = $1`, id).Scan(&current)
		if errors.Is(checkErr, pgx.ErrNoRows) {
			return nil, domain.ErrNotFound
		}
		if checkErr != nil {
			return nil, fmt.Errorf("failed to check notification status: %w", checkErr)
		}
		return r.GetByID(ctx, id)
	}
	return n, err
}

// IncrementRetry bumps retry_count and returns the new value.
func (r *NotificationRepository) IncrementRetry(ctx context.Context, id uuid.UUID) (int, error) {
	query := `
		UPDATE notifications
		SET retry_count = retry_count + 1, updated_at = now()
		WHERE id = $1
		RETURNING retry_count
	`

	var count int
	err := r.db.Pool.QueryRow(ctx, query, id).Scan(&count)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, domain.ErrNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("failed to increment retry count: %w", err)
	}

	return count, nil
}

// ResetForRetry is the operator path: failed → pending with the retry budget
// restored, a fresh outbox entry, and the notification's open alerts
// resolved, all in one transaction.
func (r *NotificationRepository) ResetForRetry(ctx context.Context, id uuid.UUID, entry *domain.OutboxEntry) (*domain.Notification, error) {
	tx, err := r.db.Pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	var status domain.Status
	err = tx.QueryRow(ctx, `SELECT status FROM notifications WHERE id = $1 FOR UPDATE`, id).Scan(&status)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to lock notification: %w", err)
	}
	if status != domain.StatusFailed {
		return nil, fmt.Errorf("%w: status is %s", domain.ErrNotRetryable, status)
	}

	query := `
		UPDATE notifications
		SET status = 'pending', retry_count = 0, error_message = NULL, updated_at = now()
		WHERE id = $1
		RETURNING id, request_id, client_id, channel, recipient, content, variables,
			webhook_url, status, scheduled_at, retry_count, error_message,
			created_at, updated_at
	`

	n, err := scanNotificationRow(tx.QueryRow(ctx, query, id))
	if err != nil {
		return nil, err
	}

	if err := insertOutboxEntries(ctx, tx, []*domain.OutboxEntry{entry}); err != nil {
		return nil, err
	}

	_, err = tx.Exec(ctx, `
		UPDATE alerts
		SET resolved = true, resolved_at = now(), updated_at = now()
		WHERE notification_id = $1 AND resolved = false
	`, id)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve alerts: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("failed to commit transaction: %w", err)
	}

	return n, nil
}

// FindStuckProcessing returns rows sitting in processing since before
// olderThan, oldest first.
func (r *NotificationRepository) FindStuckProcessing(ctx context.Context, olderThan time.Time, limit int) ([]*domain.Notification, error) {
	query := `
		SELECT id, request_id, client_id, channel, recipient, content, variables,
			webhook_url, status, scheduled_at, retry_count, error_message,
			created_at, updated_at
		FROM notifications
		WHERE status = 'processing' AND updated_at < $1
		ORDER BY updated_at ASC
		LIMIT $2
	`

	return r.scanNotifications(ctx, query, olderThan, limit)
}

// ClaimStuck re-checks and touches one stuck row under a row lock. Touching
// updated_at leases the row: other recovery passes stop seeing it as stuck
// until the threshold elapses again.
func (r *NotificationRepository) ClaimStuck(ctx context.Context, id uuid.UUID, olderThan time.Time) (bool, error) {
	query := `
		UPDATE notifications
		SET updated_at = now()
		WHERE id = (
			SELECT id FROM notifications
			WHERE id = $1 AND status = 'processing' AND updated_at < $2
			FOR UPDATE SKIP LOCKED
		)
		RETURNING id
	`

	var claimed uuid.UUID
	err := r.db.Pool.QueryRow(ctx, query, id, olderThan).Scan(&claimed)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to claim stuck notification: %w", err)
	}

	return true, nil
}

// FindOrphanedPending returns rows stuck in pending since before olderThan.
// Rows still waiting on a future or recent scheduled_at are excluded: a
// scheduled notification legitimately sits pending until due.
func (r *NotificationRepository) FindOrphanedPending(ctx context.Context, olderThan time.Time, limit int) ([]*domain.Notification, error) {
	query := `
		SELECT id, request_id, client_id, channel, recipient, content, variables,
			webhook_url, status, scheduled_at, retry_count, error_message,
			created_at, updated_at
		FROM notifications
		WHERE status = 'pending' AND updated_at < $1
		  AND (scheduled_at IS NULL OR scheduled_at < $1)
		ORDER BY updated_at ASC
		LIMIT $2
	`

	return r.scanNotifications(ctx, query, olderThan, limit)
}

// Helper functions

func marshalPayloadFields(n *domain.Notification) ([]byte, []byte, []byte, error) {
	recipient, err := json.Marshal(n.Recipient)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("failed to marshal recipient: %w", err)
	}
	content, err := json.Marshal(n.Content)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("failed to marshal content: %w", err)
	}
	variables, err := json.Marshal(n.Variables)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("failed to marshal variables: %w", err)
	}
	return recipient, content, variables, nil
}

func nullableString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func isUniqueViolation(err error, constraint string) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505" && pgErr.ConstraintName == constraint
	}
	return false
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanNotificationRow(row rowScanner) (*domain.Notification, error) {
	n := &domain.Notification{}
	var recipient, content, variables []byte
	var webhookURL *string

	err := row.Scan(
		&n.ID, &n.RequestID, &n.ClientID, &n.Channel, &recipient, &content, &variables,
		&webhookURL, &n.Status, &n.ScheduledAt, &n.RetryCount, &n.ErrorMessage,
		&n.CreatedAt, &n.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrNotFound
		}
		return nil, fmt.Errorf("failed to scan notification: %w", err)
	}

	if len(recipient) > 0 {
		json.Unmarshal(recipient, &n.Recipient)
	}
	if len(content) > 0 {
		json.Unmarshal(content, &n.Content)
	}
	if len(variables) > 0 {
		json.Unmarshal(variables, &n.Variables)
	}
	if webhookURL != nil {
		n.WebhookURL = *webhookURL
	}

	return n, nil
}

func (r *NotificationRepository) scanNotification(ctx context.Context, query string, args ...any) (*domain.Notification, error) {
	return scanNotificationRow(r.db.Pool.QueryRow(ctx, query, args...))
}

func (r *NotificationRepository) scanNotifications(ctx context.Context, query string, args ...any) ([]*domain.Notification, error) {
	rows, err := r.db.Pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query notifications: %w", err)
	}
	defer rows.Close()

	notifications := make([]*domain.Notification, 0)
	for rows.Next() {
		n, err := scanNotificationRow(rows)
		if err != nil {
			return nil, err
		}
		notifications = append(notifications, n)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating notifications: %w", err)
	}

	return notifications, nil
}
