package reindex

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/emergent-company/catalog-sync/pkg/apperror"
)

// Handler exposes reindex runs over HTTP.
type Handler struct {
	coord *Coordinator
}

// NewHandler creates a new reindex handler
func NewHandler(coord *Coordinator) *Handler {
	return &Handler{coord: coord}
}

// Start handles POST /api/search-index/reindex
func (h *Handler) Start(c echo.Context) error {
	var p RunParams
	if err := c.Bind(&p); err != nil {
		return apperror.ErrBadRequest.WithMessage("invalid request body")
	}
	if p.PageSize < 0 {
		return apperror.ErrBadRequest.WithMessage("pageSize must not be negative")
	}

	runID, err := h.coord.Start(c.Request().Context(), p)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusAccepted, map[string]string{
		"runId":      runID,
		"collection": p.Collection,
		"status":     string(StatusRunning),
	})
}

type statusResponse struct {
	*Checkpoint
	Active bool `json:"active"`
}

// Status handles GET /api/search-index/reindex/:collection
func (h *Handler) Status(c echo.Context) error {
	collection := c.Param("collection")
	cp, err := h.coord.Status(c.Request().Context(), collection)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, statusResponse{Checkpoint: cp, Active: h.coord.IsRunning(collection)})
}

// Cancel handles DELETE /api/search-index/reindex/:collection
func (h *Handler) Cancel(c echo.Context) error {
	collection := c.Param("collection")
	if !h.coord.Cancel(collection) {
		return apperror.NewNotFound("active reindex", collection)
	}
	return c.NoContent(http.StatusAccepted)
}
