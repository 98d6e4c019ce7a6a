package health

import (
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/emergent-company/catalog-sync/domain/scheduler"
	"github.com/emergent-company/catalog-sync/internal/jobs"
)

// WorkerMetricsSource exposes cycle counters of a background worker.
// *retryqueue.Processor implements it.
type WorkerMetricsSource interface {
	Metrics() jobs.WorkerMetrics
}

// TaskLister lists the scheduled tasks. *scheduler.Scheduler implements it.
type TaskLister interface {
	GetTaskInfo() []scheduler.TaskInfo
	IsRunning() bool
}

// MetricsHandler serves JSON views of the retry queue and scheduler. The
// Prometheus registry is served separately on /metrics.
type MetricsHandler struct {
	queue     QueueStats
	processor WorkerMetricsSource
	tasks     TaskLister
}

// NewMetricsHandler creates a new metrics handler
func NewMetricsHandler(queue QueueStats, processor WorkerMetricsSource, tasks TaskLister) *MetricsHandler {
	return &MetricsHandler{
		queue:     queue,
		processor: processor,
		tasks:     tasks,
	}
}

// QueueMetrics combines the live queue depth with the processor's counters.
type QueueMetrics struct {
	Pending         int                `json:"pending"`
	Processing      int                `json:"processing"`
	FailedPermanent int                `json:"failedPermanent"`
	Total           int                `json:"total"`
	Worker          jobs.WorkerMetrics `json:"worker"`
	Timestamp       string             `json:"timestamp"`
}

// QueueMetrics handles GET /api/metrics/retry-queue
func (h *MetricsHandler) QueueMetrics(c echo.Context) error {
	stats, err := h.queue.Stats(c.Request().Context())
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, QueueMetrics{
		Pending:         stats.Pending,
		Processing:      stats.Processing,
		FailedPermanent: stats.FailedPermanent,
		Total:           stats.Total(),
		Worker:          h.processor.Metrics(),
		Timestamp:       time.Now().UTC().Format(time.RFC3339),
	})
}

// SchedulerMetrics handles GET /api/metrics/scheduler
func (h *MetricsHandler) SchedulerMetrics(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]any{
		"running": h.tasks.IsRunning(),
		"tasks":   h.tasks.GetTaskInfo(),
	})
}
