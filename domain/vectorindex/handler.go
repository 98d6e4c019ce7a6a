package vectorindex

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/emergent-company/catalog-sync/pkg/apperror"
)

const maxQueryLength = 800

// Handler serves vector search over HTTP.
type Handler struct {
	svc *Service
}

// NewHandler creates a new vector search handler
func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

// Search handles POST /api/search/vector
func (h *Handler) Search(c echo.Context) error {
	var req SearchRequest
	if err := c.Bind(&req); err != nil {
		return apperror.ErrBadRequest.WithMessage("invalid request body")
	}
	if req.Query == "" {
		return apperror.ErrBadRequest.WithMessage("query is required")
	}
	if len(req.Query) > maxQueryLength {
		return apperror.ErrBadRequest.WithMessage("query must be 800 characters or less")
	}
	if req.Threshold != nil && (*req.Threshold < -1 || *req.Threshold > 1) {
		return apperror.ErrBadRequest.WithMessage("threshold must be between -1 and 1")
	}

	resp, err := h.svc.Search(c.Request().Context(), req)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, resp)
}
