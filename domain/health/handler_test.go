package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/emergent-company/catalog-sync/domain/retryqueue"
	"github.com/emergent-company/catalog-sync/domain/scheduler"
	"github.com/emergent-company/catalog-sync/internal/config"
	"github.com/emergent-company/catalog-sync/internal/jobs"
)

type fakePool struct{ pingErr error }

func (p *fakePool) Ping(context.Context) error { return p.pingErr }
func (p *fakePool) Stat() *pgxpool.Stat       { return nil }
func (p *fakePool) QueryRow(context.Context, string, ...any) pgx.Row {
	return fakeRow{}
}

type fakeRow struct{}

func (fakeRow) Scan(...any) error { return errors.New("not supported") }

type fakeQueue struct {
	stats retryqueue.Stats
	err   error
}

func (q *fakeQueue) Stats(context.Context) (retryqueue.Stats, error) { return q.stats, q.err }

type fakeWorker struct{ m jobs.WorkerMetrics }

func (w fakeWorker) Metrics() jobs.WorkerMetrics { return w.m }

type fakeTasks struct{ tasks []scheduler.TaskInfo }

func (f fakeTasks) GetTaskInfo() []scheduler.TaskInfo { return f.tasks }
func (f fakeTasks) IsRunning() bool                   { return true }

func serve(t *testing.T, h echo.HandlerFunc) *httptest.ResponseRecorder {
	t.Helper()
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	rec := httptest.NewRecorder()
	require.NoError(t, h(e.NewContext(req, rec)))
	return rec
}

func TestHealth(t *testing.T) {
	tests := []struct {
		name       string
		pingErr    error
		queue      fakeQueue
		wantCode   int
		wantStatus string
		wantQueue  string
	}{
		{
			name:       "all healthy",
			queue:      fakeQueue{stats: retryqueue.Stats{Pending: 3}},
			wantCode:   http.StatusOK,
			wantStatus: "healthy",
			wantQueue:  "healthy",
		},
		{
			name:       "permanent failures degrade",
			queue:      fakeQueue{stats: retryqueue.Stats{FailedPermanent: 2}},
			wantCode:   http.StatusOK,
			wantStatus: "degraded",
			wantQueue:  "degraded",
		},
		{
			name:       "database down",
			pingErr:    errors.New("connection refused"),
			queue:      fakeQueue{stats: retryqueue.Stats{FailedPermanent: 2}},
			wantCode:   http.StatusServiceUnavailable,
			wantStatus: "unhealthy",
			wantQueue:  "degraded",
		},
		{
			name:       "queue unreadable",
			queue:      fakeQueue{err: errors.New("relation does not exist")},
			wantCode:   http.StatusServiceUnavailable,
			wantStatus: "unhealthy",
			wantQueue:  "unhealthy",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := NewHandler(&fakePool{pingErr: tt.pingErr}, &tt.queue, &config.Config{})
			rec := serve(t, h.Health)

			assert.Equal(t, tt.wantCode, rec.Code)
			var resp HealthResponse
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
			assert.Equal(t, tt.wantStatus, resp.Status)
			assert.Equal(t, tt.wantQueue, resp.Checks["retry_queue"].Status)
		})
	}
}

func TestReady(t *testing.T) {
	h := NewHandler(&fakePool{}, &fakeQueue{}, &config.Config{})
	assert.Equal(t, http.StatusOK, serve(t, h.Ready).Code)

	h = NewHandler(&fakePool{pingErr: errors.New("down")}, &fakeQueue{}, &config.Config{})
	rec := serve(t, h.Ready)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), "not_ready")
}

func TestHealthz(t *testing.T) {
	h := NewHandler(&fakePool{}, &fakeQueue{}, &config.Config{})
	rec := serve(t, h.Healthz)
	assert.Equal(t, "OK", rec.Body.String())
}

func TestDebugHiddenInProduction(t *testing.T) {
	h := NewHandler(&fakePool{}, &fakeQueue{}, &config.Config{Environment: "production"})
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/debug", nil)
	err := h.Debug(e.NewContext(req, httptest.NewRecorder()))

	var he *echo.HTTPError
	require.ErrorAs(t, err, &he)
	assert.Equal(t, http.StatusNotFound, he.Code)
}

func TestQueueMetrics(t *testing.T) {
	m := NewMetricsHandler(
		&fakeQueue{stats: retryqueue.Stats{Pending: 4, Processing: 1, FailedPermanent: 2}},
		fakeWorker{m: jobs.WorkerMetrics{Cycles: 9, Processed: 20, Succeeded: 18, Failed: 2}},
		fakeTasks{},
	)
	rec := serve(t, m.QueueMetrics)

	var got QueueMetrics
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, 7, got.Total)
	assert.Equal(t, 2, got.FailedPermanent)
	assert.Equal(t, int64(18), got.Worker.Succeeded)
}

func TestSchedulerMetrics(t *testing.T) {
	next := time.Date(2026, 1, 2, 3, 4, 0, 0, time.UTC)
	m := NewMetricsHandler(&fakeQueue{}, fakeWorker{}, fakeTasks{tasks: []scheduler.TaskInfo{
		{Name: "retry_sweep", Schedule: "@every 1m0s", NextRun: next},
	}})
	rec := serve(t, m.SchedulerMetrics)

	var got struct {
		Running bool                 `json:"running"`
		Tasks   []scheduler.TaskInfo `json:"tasks"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.True(t, got.Running)
	require.Len(t, got.Tasks, 1)
	assert.Equal(t, "retry_sweep", got.Tasks[0].Name)
	assert.True(t, next.Equal(got.Tasks[0].NextRun))
}
