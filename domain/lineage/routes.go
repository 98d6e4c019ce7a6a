package lineage

import "github.com/labstack/echo/v4"

// RegisterRoutes registers the lineage routes
func RegisterRoutes(e *echo.Echo, h *Handler) {
	g := e.Group("/api/lineage")
	g.GET("/:entityId", h.GetLineage)
}
