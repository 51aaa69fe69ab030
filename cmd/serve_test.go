package main

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/sessions-cli/internal/model"
)

func testServeMux(t *testing.T) *http.ServeMux {
	t.Helper()
	testConfig(t)
	migratedStore(t)

	environ, err := initPipeline(context.Background())
	require.NoError(t, err)
	t.Cleanup(environ.Close)
	return newServeMux(context.Background(), environ)
}

func TestServeMux_Health(t *testing.T) {
	mux := testServeMux(t)

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
}

func TestServeMux_Status(t *testing.T) {
	mux := testServeMux(t)

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/status", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	var body model.PipelineStatus
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, 0, body.TotalSessions)
}

func TestServeMux_FailedEmptyIsJSONArray(t *testing.T) {
	mux := testServeMux(t)

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/failed", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `[]`, rec.Body.String())
}

func TestServeMux_FailedUnknownStage(t *testing.T) {
	mux := testServeMux(t)

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/failed?stage=BOGUS", nil))

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestServeMux_TriggerStageRun(t *testing.T) {
	mux := testServeMux(t)

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/stages/CSV_IMPORT/run", nil))

	require.Equal(t, http.StatusAccepted, rec.Code)
	var body map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "accepted", body["status"])
	assert.Equal(t, "CSV_IMPORT", body["stage"])

	// Give the async run a moment before the store is closed by cleanup.
	time.Sleep(20 * time.Millisecond)
}

func TestServeMux_TriggerUnknownStage(t *testing.T) {
	mux := testServeMux(t)

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/stages/BOGUS/run", nil))

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}
