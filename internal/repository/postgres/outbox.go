package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/courierhq/notification-delivery/internal/domain"
)

// OutboxRepository implements domain.OutboxRepository using PostgreSQL
type OutboxRepository struct {
	db *DB
}

// NewOutboxRepository creates a new OutboxRepository
func NewOutboxRepository(db *DB) *OutboxRepository {
	return &OutboxRepository{db: db}
}

// ClaimBatch atomically claims up to limit publishable entries: pending
// rows, plus processing rows whose claim predates staleBefore (their
// claimer died mid-publish). SKIP LOCKED keeps concurrent pollers from
// contending on the same rows.
func (r *OutboxRepository) ClaimBatch(ctx context.Context, workerID string, staleBefore time.Time, limit int) ([]*domain.OutboxEntry, error) {
	query := `
		UPDATE outbox_entries
		SET status = 'processing', claimed_by = $1, claimed_at = now(), updated_at = now()
		WHERE id IN (
			SELECT id FROM outbox_entries
			WHERE status = 'pending'
			   OR (status = 'processing' AND claimed_at < $2)
			ORDER BY created_at ASC
			LIMIT $3
			FOR UPDATE SKIP LOCKED
		)
		RETURNING id, notification_id, topic, payload, status, claimed_by, claimed_at,
			created_at, updated_at
	`

	rows, err := r.db.Pool.Query(ctx, query, workerID, staleBefore, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to claim outbox entries: %w", err)
	}
	defer rows.Close()

	entries := make([]*domain.OutboxEntry, 0)
	for rows.Next() {
		e, err := scanOutboxEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating outbox entries: %w", err)
	}

	return entries, nil
}

// MarkPublished finalizes successfully published entries.
func (r *OutboxRepository) MarkPublished(ctx context.Context, ids []uuid.UUID) error {
	if len(ids) == 0 {
		return nil
	}

	query := `
		UPDATE outbox_entries
		SET status = 'published', updated_at = now()
		WHERE id = ANY($1)
	`

	if _, err := r.db.Pool.Exec(ctx, query, ids); err != nil {
		return fmt.Errorf("failed to mark outbox entries published: %w", err)
	}

	return nil
}

// DeletePublishedBefore removes published entries older than cutoff and
// returns how many went away. Only published rows are ever deleted.
func (r *OutboxRepository) DeletePublishedBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	query := `
		DELETE FROM outbox_entries
		WHERE status = 'published' AND updated_at < $1
	`

	result, err := r.db.Pool.Exec(ctx, query, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to delete published outbox entries: %w", err)
	}

	return result.RowsAffected(), nil
}

// insertOutboxEntries writes entries inside an existing transaction. Shared
// with the notification repository's transactional writes.
func insertOutboxEntries(ctx context.Context, tx pgx.Tx, entries []*domain.OutboxEntry) error {
	query := `
		INSERT INTO outbox_entries (
			id, notification_id, topic, payload, status, claimed_by, claimed_at,
			created_at, updated_at
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8, $9
		)
	`

	for _, e := range entries {
		_, err := tx.Exec(ctx, query,
			e.ID, e.NotificationID, e.Topic, []byte(e.Payload), e.Status,
			e.ClaimedBy, e.ClaimedAt, e.CreatedAt, e.UpdatedAt,
		)
		if err != nil {
			return fmt.Errorf("failed to create outbox entry: %w", err)
		}
	}

	return nil
}

func scanOutboxEntry(rows pgx.Rows) (*domain.OutboxEntry, error) {
	e := &domain.OutboxEntry{}
	var payload []byte

	err := rows.Scan(
		&e.ID, &e.NotificationID, &e.Topic, &payload, &e.Status, &e.ClaimedBy, &e.ClaimedAt,
		&e.CreatedAt, &e.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrNotFound
		}
		return nil, fmt.Errorf("failed to scan outbox entry: %w", err)
	}

	e.Payload = payload
	return e, nil
}
