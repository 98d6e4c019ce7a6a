package health

import (
	"context"
	"encoding/json"
	"net/http"
	"runtime"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"

	"github.com/emergent-company/catalog-sync/domain/retryqueue"
	"github.com/emergent-company/catalog-sync/internal/config"
	"github.com/emergent-company/catalog-sync/internal/version"
)

// Pool is the slice of *pgxpool.Pool the health endpoints read.
type Pool interface {
	Ping(ctx context.Context) error
	Stat() *pgxpool.Stat
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// QueueStats reports retry queue depth. *retryqueue.Store implements it.
type QueueStats interface {
	Stats(ctx context.Context) (retryqueue.Stats, error)
}

// Handler handles health check requests
type Handler struct {
	pool    Pool
	queue   QueueStats
	cfg     *config.Config
	startAt time.Time
}

// NewHandler creates a new health handler
func NewHandler(pool Pool, queue QueueStats, cfg *config.Config) *Handler {
	return &Handler{
		pool:    pool,
		queue:   queue,
		cfg:     cfg,
		startAt: time.Now(),
	}
}

// HealthResponse represents the health check response
type HealthResponse struct {
	Status    string           `json:"status"`
	Timestamp string           `json:"timestamp"`
	Uptime    string           `json:"uptime"`
	Version   string           `json:"version"`
	Checks    map[string]Check `json:"checks"`
}

// Check represents an individual health check result
type Check struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
	Details any    `json:"details,omitempty"`
}

const (
	statusHealthy   = "healthy"
	statusDegraded  = "degraded"
	statusUnhealthy = "unhealthy"
)

// Health reports database connectivity and retry queue depth. A queue holding
// FAILED_PERMANENT rows degrades the status but keeps the 200.
func (h *Handler) Health(c echo.Context) error {
	ctx, cancel := context.WithTimeout(c.Request().Context(), 5*time.Second)
	defer cancel()

	checks := map[string]Check{
		"database":    h.checkDatabase(ctx),
		"retry_queue": h.checkQueue(ctx),
	}

	overall := statusHealthy
	for _, ch := range checks {
		switch ch.Status {
		case statusUnhealthy:
			overall = statusUnhealthy
		case statusDegraded:
			if overall == statusHealthy {
				overall = statusDegraded
			}
		}
	}

	response := HealthResponse{
		Status:    overall,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Uptime:    time.Since(h.startAt).String(),
		Version:   version.Info().Version,
		Checks:    checks,
	}

	statusCode := http.StatusOK
	if overall == statusUnhealthy {
		statusCode = http.StatusServiceUnavailable
	}
	return c.JSON(statusCode, response)
}

func (h *Handler) checkDatabase(ctx context.Context) Check {
	if err := h.pool.Ping(ctx); err != nil {
		return Check{Status: statusUnhealthy, Message: err.Error()}
	}
	return Check{Status: statusHealthy}
}

func (h *Handler) checkQueue(ctx context.Context) Check {
	stats, err := h.queue.Stats(ctx)
	if err != nil {
		return Check{Status: statusUnhealthy, Message: err.Error()}
	}
	if stats.FailedPermanent > 0 {
		return Check{Status: statusDegraded, Message: "entries need operator attention", Details: stats}
	}
	return Check{Status: statusHealthy, Details: stats}
}

// Healthz reports liveness.
func (h *Handler) Healthz(c echo.Context) error {
	return c.String(http.StatusOK, "OK")
}

// Ready reports readiness; it only depends on the database.
func (h *Handler) Ready(c echo.Context) error {
	ctx, cancel := context.WithTimeout(c.Request().Context(), 5*time.Second)
	defer cancel()

	if err := h.pool.Ping(ctx); err != nil {
		return c.JSON(http.StatusServiceUnavailable, map[string]any{
			"status":  "not_ready",
			"message": "Database connection failed",
		})
	}
	return c.JSON(http.StatusOK, map[string]any{
		"status": "ready",
	})
}

// Debug returns runtime and pool stats outside production.
func (h *Handler) Debug(c echo.Context) error {
	if h.cfg.Environment == "production" {
		return echo.NewHTTPError(http.StatusNotFound, "Not found")
	}

	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)
	stat := h.pool.Stat()

	return c.JSON(http.StatusOK, map[string]any{
		"environment": h.cfg.Environment,
		"debug":       h.cfg.Debug,
		"build":       version.Info(),
		"go_version":  runtime.Version(),
		"goroutines":  runtime.NumGoroutine(),
		"memory": map[string]any{
			"alloc_mb":       mem.Alloc / 1024 / 1024,
			"total_alloc_mb": mem.TotalAlloc / 1024 / 1024,
			"sys_mb":         mem.Sys / 1024 / 1024,
			"num_gc":         mem.NumGC,
		},
		"database": map[string]any{
			"host":        h.cfg.Database.Host,
			"port":        h.cfg.Database.Port,
			"database":    h.cfg.Database.Database,
			"pool_total":  stat.TotalConns(),
			"pool_idle":   stat.IdleConns(),
			"pool_in_use": stat.AcquiredConns(),
		},
	})
}

const (
	connStatesSQL = `SELECT COALESCE(json_agg(json_build_object('state', COALESCE(state, 'unknown'), 'count', count)), '[]'::json)
FROM (SELECT state, count(*) AS count FROM pg_stat_activity GROUP BY state) s`

	longQueriesSQL = `SELECT COALESCE(json_agg(json_build_object('pid', pid, 'query', left(query, 100), 'duration', age(clock_timestamp(), query_start), 'state', state)), '[]'::json)
FROM pg_stat_activity
WHERE state != 'idle' AND query_start < clock_timestamp() - interval '2 seconds' AND pid <> pg_backend_pid()`

	tableStatsSQL = `SELECT COALESCE(json_agg(t), '[]'::json) FROM (
  SELECT n.nspname || '.' || c.relname AS "table", pg_size_pretty(pg_total_relation_size(c.oid)) AS size, COALESCE(s.n_live_tup, 0) AS rows
  FROM pg_class c
  JOIN pg_namespace n ON n.oid = c.relnamespace
  LEFT JOIN pg_stat_user_tables s ON s.relname = c.relname AND s.schemaname = n.nspname
  WHERE n.nspname IN ('catalog', 'search') AND c.relkind = 'r'
  ORDER BY pg_total_relation_size(c.oid) DESC
) t`
)

// Diagnose returns pool, connection and table stats for the catalog and
// search schemas. Query failures are reported inline.
func (h *Handler) Diagnose(c echo.Context) error {
	ctx, cancel := context.WithTimeout(c.Request().Context(), 10*time.Second)
	defer cancel()

	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)
	stat := h.pool.Stat()

	db := map[string]any{
		"pool": map[string]any{
			"total_conns":       stat.TotalConns(),
			"acquired_conns":    stat.AcquiredConns(),
			"idle_conns":        stat.IdleConns(),
			"max_conns":         stat.MaxConns(),
			"canceled_acquires": stat.CanceledAcquireCount(),
			"empty_acquires":    stat.EmptyAcquireCount(),
		},
	}
	for key, query := range map[string]string{
		"connections":  connStatesSQL,
		"long_queries": longQueriesSQL,
		"tables":       tableStatsSQL,
	} {
		rows, err := h.queryJSON(ctx, query)
		if err != nil {
			db[key+"_error"] = err.Error()
			continue
		}
		db[key] = rows
	}

	return c.JSON(http.StatusOK, map[string]any{
		"timestamp": time.Now().UTC().Format(time.RFC3339),
		"uptime":    time.Since(h.startAt).String(),
		"server": map[string]any{
			"goroutines":   runtime.NumGoroutine(),
			"memory_alloc": mem.Alloc / 1024 / 1024,
			"memory_sys":   mem.Sys / 1024 / 1024,
			"num_cpu":      runtime.NumCPU(),
			"go_version":   runtime.Version(),
		},
		"database": db,
	})
}

func (h *Handler) queryJSON(ctx context.Context, query string) ([]map[string]any, error) {
	var raw []byte
	if err := h.pool.QueryRow(ctx, query).Scan(&raw); err != nil {
		return nil, err
	}
	var out []map[string]any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, err
	}
	return out, nil
}
