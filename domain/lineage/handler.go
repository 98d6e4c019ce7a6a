package lineage

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/emergent-company/catalog-sync/domain/catalog"
	"github.com/emergent-company/catalog-sync/pkg/apperror"
)

// Handler serves lineage queries.
type Handler struct {
	svc *Service
}

// NewHandler creates a new lineage handler
func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

// GetLineage handles GET /api/lineage/:entityId
//
// Query parameters: direction (upstream, downstream or both), upstreamDepth,
// downstreamDepth, pageSize, edgeBudget. An entityId of "name" with an fqn
// query parameter looks the root up by FQN.
func (h *Handler) GetLineage(c echo.Context) error {
	p := h.svc.Defaults()

	if id := c.Param("entityId"); id == "name" && c.QueryParam("fqn") != "" {
		p.FQN = c.QueryParam("fqn")
		p.EntityType = c.QueryParam("type")
	} else {
		p.EntityID = id
	}

	switch dir := strings.ToLower(c.QueryParam("direction")); dir {
	case "", "both":
	case string(catalog.Upstream), string(catalog.Downstream):
		p.Directions = []catalog.Direction{catalog.Direction(dir)}
	default:
		return apperror.ErrInvalidTraversalParameters.
			WithMessage("direction must be upstream, downstream or both").
			WithDetails(map[string]any{"parameter": "direction"})
	}

	for _, q := range []struct {
		name string
		dst  *int
	}{
		{"upstreamDepth", &p.UpstreamDepth},
		{"downstreamDepth", &p.DownstreamDepth},
		{"pageSize", &p.PageSize},
		{"edgeBudget", &p.EdgeBudget},
	} {
		raw := c.QueryParam(q.name)
		if raw == "" {
			continue
		}
		n, err := strconv.Atoi(raw)
		if err != nil {
			return apperror.ErrInvalidTraversalParameters.
				WithMessage(q.name + " must be an integer").
				WithDetails(map[string]any{"parameter": q.name})
		}
		*q.dst = n
	}

	g, err := h.svc.GetLineage(c.Request().Context(), p)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, g)
}
