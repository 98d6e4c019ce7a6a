package vectorindex

import "github.com/labstack/echo/v4"

// RegisterRoutes registers the vector search routes
func RegisterRoutes(e *echo.Echo, handler *Handler) {
	search := e.Group("/api/search")
	search.POST("/vector", handler.Search)
}
