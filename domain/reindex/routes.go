package reindex

import "github.com/labstack/echo/v4"

// RegisterRoutes registers the reindex routes
func RegisterRoutes(e *echo.Echo, h *Handler) {
	g := e.Group("/api/search-index/reindex")
	g.POST("", h.Start)
	g.GET("/:collection", h.Status)
	g.DELETE("/:collection", h.Cancel)
}
