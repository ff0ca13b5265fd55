package metrics

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/cuemby/replguard/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func resetHealth(t *testing.T) {
	t.Helper()
	healthChecker = newHealthChecker()
}

func TestUpdateComponent(t *testing.T) {
	resetHealth(t)

	UpdateComponent("store", true, "open")

	require.Len(t, healthChecker.components, 1)
	comp := healthChecker.components["store"]
	assert.True(t, comp.Healthy)
	assert.Equal(t, "open", comp.Message)
}

func TestGetHealth_AllHealthy(t *testing.T) {
	resetHealth(t)
	SetVersion("1.0.0")

	UpdateComponent("store", true, "")
	UpdateComponent("inventory", true, "")
	RecordRun(types.RunSummary{RunID: "r1", Code: types.ResultHealthy})

	health := GetHealth()
	assert.Equal(t, "healthy", health.Status)
	assert.Len(t, health.Components, 2)
	assert.Equal(t, "1.0.0", health.Version)
	require.NotNil(t, health.LastRun)
	assert.Equal(t, "r1", health.LastRun.RunID)
}

func TestGetHealth_ByLastRunCode(t *testing.T) {
	tests := []struct {
		code types.ResultCode
		want string
	}{
		{types.ResultHealthy, "healthy"},
		{types.ResultIssuesRemain, "degraded"},
		{types.ResultUnreachable, "degraded"},
		{types.ResultFatal, "unhealthy"},
	}

	for _, tt := range tests {
		t.Run(tt.code.String(), func(t *testing.T) {
			resetHealth(t)
			UpdateComponent("store", true, "")
			RecordRun(types.RunSummary{Code: tt.code})
			assert.Equal(t, tt.want, GetHealth().Status)
		})
	}
}

func TestGetHealth_UnhealthyComponentWins(t *testing.T) {
	resetHealth(t)

	UpdateComponent("store", false, "bolt timeout")
	RecordRun(types.RunSummary{Code: types.ResultIssuesRemain})

	health := GetHealth()
	assert.Equal(t, "unhealthy", health.Status)
	assert.Equal(t, "unhealthy: bolt timeout", health.Components["store"])
}

func TestGetReadiness(t *testing.T) {
	resetHealth(t)

	UpdateComponent("store", true, "")
	readiness := GetReadiness()
	assert.Equal(t, "not_ready", readiness.Status)
	assert.NotEmpty(t, readiness.Message)

	UpdateComponent("inventory", true, "")
	assert.Equal(t, "ready", GetReadiness().Status)

	UpdateComponent("inventory", false, "file missing")
	assert.Equal(t, "not_ready", GetReadiness().Status)
}

func TestHealthHandler(t *testing.T) {
	resetHealth(t)
	SetVersion("test")
	UpdateComponent("store", true, "")

	req := httptest.NewRequest("GET", "/health", nil)
	w := httptest.NewRecorder()
	HealthHandler()(w, req)

	assert.Equal(t, http.StatusOK, w.Code)

	var health HealthStatus
	require.NoError(t, json.NewDecoder(w.Body).Decode(&health))
	assert.Equal(t, "healthy", health.Status)
	assert.Equal(t, "test", health.Version)
}

func TestHealthHandler_Unhealthy(t *testing.T) {
	resetHealth(t)
	RecordRun(types.RunSummary{Code: types.ResultFatal, Error: "scope"})

	req := httptest.NewRequest("GET", "/health", nil)
	w := httptest.NewRecorder()
	HealthHandler()(w, req)

	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestMuxServesEndpoints(t *testing.T) {
	resetHealth(t)
	UpdateComponent("store", true, "")
	UpdateComponent("inventory", true, "")

	srv := httptest.NewServer(Mux())
	defer srv.Close()

	for _, path := range []string{"/metrics", "/health", "/ready"} {
		resp, err := http.Get(srv.URL + path)
		require.NoError(t, err)
		resp.Body.Close()
		assert.Equal(t, http.StatusOK, resp.StatusCode, path)
	}
}
