package domain

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// ClaimedEvent is a delayed event claimed by a poller. Member is the raw
// sorted-set member; confirm and reschedule need it verbatim because the
// member string is the set's identity.
type ClaimedEvent struct {
	Member string
	Event  *DelayedEvent
}

// DelayedQueue holds future-dated events in a time-ordered set in the
// coordination store. Claiming is two-phase: Claim leases due events
// without removing them, and only Confirm (after a successful publish)
// removes them, so a crashed poller's events re-fire on a later tick.
type DelayedQueue interface {
	// Enqueue adds the event, due at the given instant.
	Enqueue(ctx context.Context, event *DelayedEvent, due time.Time) error

	// Claim leases up to limit events due at or before now for workerID.
	// Events already claimed by another live worker are skipped.
	Claim(ctx context.Context, workerID string, now time.Time, limit int) ([]*ClaimedEvent, error)

	// Confirm removes a claimed event after its publish succeeded.
	// Returns ErrClaimLost when the claim expired or moved to another
	// worker; the member then stays queued and re-fires later.
	Confirm(ctx context.Context, workerID string, claimed *ClaimedEvent) error

	// Reschedule moves a claimed event to a new due time with its
	// poller-retry counter incremented, releasing the claim.
	Reschedule(ctx context.Context, workerID string, claimed *ClaimedEvent, due time.Time) error

	// Size returns the number of queued events.
	Size(ctx context.Context) (int64, error)
}

// IdempotencyRecord mirrors the coordination-store record under
// idem:{notification_id}. UpdatedAt is epoch milliseconds so the staleness
// arithmetic can run inside the store.
type IdempotencyRecord struct {
	Status    Status `json:"status"`
	WorkerID  string `json:"worker_id"`
	UpdatedAt int64  `json:"updated_at"`
}

// Time returns UpdatedAt as a time.Time.
func (r *IdempotencyRecord) Time() time.Time {
	return time.UnixMilli(r.UpdatedAt).UTC()
}

// IdempotencyRegistry is the cross-worker dedup ledger. Processors claim a
// notification before sending and record the terminal outcome after, which
// is what makes at-least-once bus delivery safe.
type IdempotencyRegistry interface {
	// Get returns the record, or nil when none exists.
	Get(ctx context.Context, id uuid.UUID) (*IdempotencyRecord, error)

	// SetProcessing claims the notification for workerID. The claim
	// succeeds when no record exists, the record is already this
	// worker's, the record is unowned (released for retry), or the
	// record went stale. It fails against a fresh claim by another
	// worker or a terminal record.
	SetProcessing(ctx context.Context, id uuid.UUID, workerID string) (bool, error)

	// SetDelivered and SetFailed record the terminal outcome with the
	// long retention TTL.
	SetDelivered(ctx context.Context, id uuid.UUID, workerID string) error
	SetFailed(ctx context.Context, id uuid.UUID, workerID string) error

	// Release rewrites the record as processing with no owner, so the
	// backoff redelivery can claim it immediately while concurrent
	// duplicates still see an in-flight marker.
	Release(ctx context.Context, id uuid.UUID) error
}

// RateLimitConfig is a token-bucket shape: burst capacity and sustained
// refill rate.
type RateLimitConfig struct {
	MaxTokens    int     `json:"max_tokens" yaml:"max_tokens"`
	RefillPerSec float64 `json:"refill_per_sec" yaml:"refill_per_sec"`
}

// RateLimitDecision is the outcome of one token consumption attempt.
type RateLimitDecision struct {
	Allowed    bool
	Remaining  int
	RetryAfter time.Duration
}

// RateLimiter meters provider sends per channel. The bucket state and the
// refill arithmetic live in the coordination store, so the limit holds
// across every worker process sharing it.
type RateLimiter interface {
	Consume(ctx context.Context, channel Channel) (*RateLimitDecision, error)
}

// RateLimitResolver yields the effective token-bucket shape for a channel.
// The plugin registry implements it: plugin document override first, then
// the provider's default, then the global defaults.
type RateLimitResolver interface {
	RateLimitFor(channel Channel) RateLimitConfig
}
