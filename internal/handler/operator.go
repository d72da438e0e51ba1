package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/courierhq/notification-delivery/internal/domain"
)

// Retrier is the operator retry entry point (the intake service).
type Retrier interface {
	Retry(ctx context.Context, id uuid.UUID) (*domain.Notification, error)
}

// OperatorHandler exposes the operator actions referenced by alerts: a
// stuck_processing alert with retries remaining tells the operator to
// re-queue the notification, which happens here.
type OperatorHandler struct {
	retrier Retrier
}

// NewOperatorHandler creates a new OperatorHandler.
func NewOperatorHandler(retrier Retrier) *OperatorHandler {
	return &OperatorHandler{retrier: retrier}
}

// Retry re-queues a failed notification: status back to pending, retry
// budget restored, fresh outbox row, open alerts resolved.
func (h *OperatorHandler) Retry(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		JSONError(w, http.StatusBadRequest, "INVALID_ID", "notification id must be a UUID", nil)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
	defer cancel()

	n, err := h.retrier.Retry(ctx, id)
	if err != nil {
		HandleError(w, err)
		return
	}

	JSON(w, http.StatusOK, n)
}
