package retryqueue

import "github.com/labstack/echo/v4"

// RegisterRoutes registers the retry queue routes
func RegisterRoutes(e *echo.Echo, h *Handler) {
	g := e.Group("/api/search-index/retry-queue")
	g.GET("", h.List)
	g.GET("/stats", h.Stats)
	g.POST("/sweep", h.Sweep)
	g.POST("/requeue", h.Requeue)
}
