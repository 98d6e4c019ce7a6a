package server

import (
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/emergent-company/catalog-sync/internal/config"
	"github.com/emergent-company/catalog-sync/pkg/syshealth"
)

func newTestEcho(t *testing.T) *echo.Echo {
	t.Helper()
	return NewEcho(&config.Config{Environment: "test"}, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func serve(e *echo.Echo, method, path, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	return rec
}

func TestNewEcho_RecoversPanics(t *testing.T) {
	e := newTestEcho(t)
	e.GET("/boom", func(echo.Context) error { panic("kaboom") })

	rec := serve(e, http.MethodGet, "/boom", "")
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestNewEcho_TrailingSlashAndRequestID(t *testing.T) {
	e := newTestEcho(t)
	e.GET("/api/things", func(c echo.Context) error { return c.NoContent(http.StatusNoContent) })

	rec := serve(e, http.MethodGet, "/api/things/", "")
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.NotEmpty(t, rec.Header().Get(echo.HeaderXRequestID))
}

func TestNewEcho_BodyLimit(t *testing.T) {
	e := newTestEcho(t)
	e.POST("/api/echo", func(c echo.Context) error { return c.NoContent(http.StatusOK) })

	rec := serve(e, http.MethodPost, "/api/echo", strings.Repeat("x", 2<<20))
	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
}

func TestRequestDuration_LabelsRouteTemplate(t *testing.T) {
	e := newTestEcho(t)
	e.GET("/api/items/:id", func(c echo.Context) error {
		if c.Param("id") == "missing" {
			return echo.NewHTTPError(http.StatusNotFound)
		}
		return c.NoContent(http.StatusOK)
	})
	e.GET("/healthz", func(c echo.Context) error { return c.String(http.StatusOK, "OK") })

	serve(e, http.MethodGet, "/api/items/a", "")
	serve(e, http.MethodGet, "/api/items/missing", "")
	serve(e, http.MethodGet, "/healthz", "")

	assert.Equal(t, uint64(1), observed(t, "/api/items/:id", "2xx"))
	assert.Equal(t, uint64(1), observed(t, "/api/items/:id", "4xx"))
	assert.Zero(t, observed(t, "/healthz", "2xx"))
}

// observed returns the sample count of the request histogram series.
func observed(t *testing.T, route, code string) uint64 {
	t.Helper()
	ch := make(chan prometheus.Metric, 64)
	go func() {
		syshealth.HTTPRequestDuration.Collect(ch)
		close(ch)
	}()
	var count uint64
	for m := range ch {
		var pb dto.Metric
		require.NoError(t, m.Write(&pb))
		labels := map[string]string{}
		for _, l := range pb.GetLabel() {
			labels[l.GetName()] = l.GetValue()
		}
		if labels["route"] == route && labels["code"] == code {
			count += pb.GetHistogram().GetSampleCount()
		}
	}
	return count
}
