package lineage

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/emergent-company/catalog-sync/pkg/apperror"
)

func serve(t *testing.T, f *fakeGraph, target string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	e := echo.New()
	e.HTTPErrorHandler = apperror.HTTPErrorHandler(slog.Default())
	RegisterRoutes(e, NewHandler(newTestService(f)))

	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, target, nil))

	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	return rec, body
}

func TestHandler_GetLineage(t *testing.T) {
	f := newFakeGraph("a -> b", "b -> c", "x -> a")

	rec, body := serve(t, f, "/api/lineage/a?direction=downstream&downstreamDepth=1")
	require.Equal(t, http.StatusOK, rec.Code)

	nodes := body["nodes"].(map[string]any)
	assert.Len(t, nodes, 2)
	assert.Contains(t, nodes, "b")
	down := body["downstreamEdges"].(map[string]any)
	assert.Len(t, down, 1)
	assert.Empty(t, body["upstreamEdges"])
	assert.Equal(t, false, body["truncated"])
}

func TestHandler_GetLineageByFQN(t *testing.T) {
	f := newFakeGraph("a -> b")

	rec, body := serve(t, f, "/api/lineage/name?fqn=svc.db.b&direction=upstream")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "b", body["root"])
}

func TestHandler_GetLineageErrors(t *testing.T) {
	f := newFakeGraph("a -> b")

	tests := []struct {
		name     string
		target   string
		wantCode int
		wantErr  string
	}{
		{"zero page size", "/api/lineage/a?pageSize=0", http.StatusBadRequest, "invalid_traversal_parameters"},
		{"negative depth", "/api/lineage/a?upstreamDepth=-2", http.StatusBadRequest, "invalid_traversal_parameters"},
		{"non-numeric depth", "/api/lineage/a?downstreamDepth=deep", http.StatusBadRequest, "invalid_traversal_parameters"},
		{"bad direction", "/api/lineage/a?direction=sideways", http.StatusBadRequest, "invalid_traversal_parameters"},
		{"unknown entity", "/api/lineage/nope", http.StatusNotFound, "not_found"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec, body := serve(t, f, tt.target)
			assert.Equal(t, tt.wantCode, rec.Code)
			errObj, ok := body["error"].(map[string]any)
			require.True(t, ok)
			assert.Equal(t, tt.wantErr, errObj["code"])
		})
	}
}
