package dashboard

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/eddiefleurent/optionchain_collector/internal/models"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type staticStatus []models.WorkerStatus

func (s staticStatus) Statuses() []models.WorkerStatus { return s }

type fixedClock bool

func (c fixedClock) IsOpen(time.Time) bool { return bool(c) }

func newTestServer(t *testing.T, token string) *Server {
	t.Helper()
	logger, _ := test.NewNullLogger()

	reg := prometheus.NewRegistry()
	c := prometheus.NewCounter(prometheus.CounterOpts{Name: "optionchain_test_total", Help: "test"})
	reg.MustRegister(c)
	c.Add(3)

	statuses := staticStatus{
		{Expiry: models.MustParseDate("2024-09-26"), State: models.StateSuccess, Records: 120, Written: 240},
		{Expiry: models.MustParseDate("2024-10-31"), State: models.StateError, Reason: "HTTP 500"},
	}
	return NewServer(Config{Port: 0, AuthToken: token}, statuses, fixedClock(true), reg, logger)
}

func get(t *testing.T, s *Server, target string, header map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, target, nil)
	for k, v := range header {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	return rec
}

func TestHealth(t *testing.T) {
	s := newTestServer(t, "secret")
	rec := get(t, s, "/health", nil)

	assert.Equal(t, http.StatusOK, rec.Code)
	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "healthy", body["status"])
}

func TestAuthMiddleware(t *testing.T) {
	s := newTestServer(t, "secret")

	tests := []struct {
		name   string
		target string
		header map[string]string
		want   int
	}{
		{"no token", "/api/status", nil, http.StatusUnauthorized},
		{"wrong token", "/api/status", map[string]string{"X-Auth-Token": "nope"}, http.StatusUnauthorized},
		{"header token", "/api/status", map[string]string{"X-Auth-Token": "secret"}, http.StatusOK},
		{"query token", "/api/status?token=secret", nil, http.StatusOK},
		{"metrics protected", "/metrics", nil, http.StatusUnauthorized},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, get(t, s, tt.target, tt.header).Code)
		})
	}
}

func TestStatusEndpoint(t *testing.T) {
	s := newTestServer(t, "")
	rec := get(t, s, "/api/status", nil)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	var view StatusView
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &view))
	assert.True(t, view.MarketOpen)
	require.Len(t, view.Workers, 2)
	assert.Equal(t, "2024-09-26", view.Workers[0].Expiry.String())
	assert.Equal(t, int64(240), view.Workers[0].Written)
	assert.Equal(t, "HTTP 500", view.Workers[1].Reason)
}

func TestExpiryStatusEndpoint(t *testing.T) {
	s := newTestServer(t, "")

	rec := get(t, s, "/api/status/2024-10-31", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var st models.WorkerStatus
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &st))
	assert.Equal(t, models.StateError, st.State)

	assert.Equal(t, http.StatusNotFound, get(t, s, "/api/status/2024-12-26", nil).Code)
	assert.Equal(t, http.StatusBadRequest, get(t, s, "/api/status/tomorrow", nil).Code)
}

func TestMetricsEndpoint(t *testing.T) {
	s := newTestServer(t, "")
	rec := get(t, s, "/metrics", nil)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "optionchain_test_total 3")
}

func TestDashboardPage(t *testing.T) {
	s := newTestServer(t, "")
	rec := get(t, s, "/", nil)

	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.Contains(t, body, "Market open")
	assert.Contains(t, body, "2024-09-26")
	assert.Contains(t, body, "Error: HTTP 500")
}
