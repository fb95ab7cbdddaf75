package healthcheck

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func get(t *testing.T, s *Server, path string) (int, HealthResponse) {
	t.Helper()
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	var resp HealthResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	return rec.Code, resp
}

func TestHealth(t *testing.T) {
	s := NewServer("0", "1.2.3", zaptest.NewLogger(t))
	code, resp := get(t, s, "/health")
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "UP", resp.Status)
	assert.Equal(t, "1.2.3", resp.Version)
}

func TestReady(t *testing.T) {
	s := NewServer("0", "dev", zaptest.NewLogger(t))
	s.AddCheck("sessions", func(context.Context) (string, error) { return "3", nil })

	code, resp := get(t, s, "/ready")
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "READY", resp.Status)
	assert.Equal(t, "3", resp.Details["sessions"])
	assert.NotEmpty(t, resp.Details["timestamp"])

	s.AddCheck("database", func(context.Context) (string, error) { return "", errors.New("connection refused") })
	code, resp = get(t, s, "/ready")
	assert.Equal(t, http.StatusServiceUnavailable, code)
	assert.Equal(t, "NOT_READY", resp.Status)
	assert.Equal(t, "connection refused", resp.Details["database"])
	assert.Equal(t, "3", resp.Details["sessions"])
}
