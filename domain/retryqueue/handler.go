package retryqueue

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/emergent-company/catalog-sync/pkg/apperror"
)

// Handler exposes retry queue inspection and maintenance.
type Handler struct {
	store     *Store
	processor *Processor
}

// NewHandler creates a new retry queue handler
func NewHandler(store *Store, processor *Processor) *Handler {
	return &Handler{store: store, processor: processor}
}

// List handles GET /api/search-index/retry-queue?status=PENDING&limit=100
func (h *Handler) List(c echo.Context) error {
	status := Status(strings.ToUpper(c.QueryParam("status")))
	if status != "" && !status.Valid() {
		return apperror.ErrBadRequest.WithMessage("status must be PENDING, PROCESSING or FAILED_PERMANENT")
	}

	limit := 100
	if raw := c.QueryParam("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 || n > 1000 {
			return apperror.ErrBadRequest.WithMessage("limit must be between 1 and 1000")
		}
		limit = n
	}

	entries, err := h.store.List(c.Request().Context(), status, limit)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]any{"data": entries})
}

// Stats handles GET /api/search-index/retry-queue/stats
func (h *Handler) Stats(c echo.Context) error {
	stats, err := h.store.Stats(c.Request().Context())
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, stats)
}

// Sweep handles POST /api/search-index/retry-queue/sweep
func (h *Handler) Sweep(c echo.Context) error {
	res, err := h.processor.Sweep(c.Request().Context())
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, res)
}

type requeueRequest struct {
	EntityIDs []string `json:"entityIds"`
	All       bool     `json:"all"`
}

// Requeue handles POST /api/search-index/retry-queue/requeue
func (h *Handler) Requeue(c echo.Context) error {
	var req requeueRequest
	if err := c.Bind(&req); err != nil {
		return apperror.ErrBadRequest.WithMessage("invalid request body")
	}
	if len(req.EntityIDs) == 0 && !req.All {
		return apperror.ErrBadRequest.WithMessage("entityIds is required unless all is set")
	}

	n, err := h.store.Requeue(c.Request().Context(), req.EntityIDs)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]int{"requeued": n})
}
