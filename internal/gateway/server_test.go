package gateway

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nextlevelbuilder/convlink/internal/config"
	"github.com/nextlevelbuilder/convlink/internal/metrics"
	"github.com/nextlevelbuilder/convlink/internal/store"
)

type staticStatus map[store.Platform]bool

func (s staticStatus) GetStatus() map[store.Platform]bool { return s }

func get(t *testing.T, srv *Server, path string) (*httptest.ResponseRecorder, healthResponse) {
	t.Helper()
	rec := httptest.NewRecorder()
	srv.BuildMux().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	var body healthResponse
	if rec.Header().Get("Content-Type") == "application/json" {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	}
	return rec, body
}

func TestHealth(t *testing.T) {
	tests := []struct {
		name     string
		channels ChannelStatus
		code     int
		status   string
	}{
		{"no channels", nil, http.StatusOK, "ok"},
		{"all up", staticStatus{store.PlatformTelegram: true, store.PlatformDiscord: true}, http.StatusOK, "ok"},
		{"one down", staticStatus{store.PlatformTelegram: true, store.PlatformDiscord: false}, http.StatusOK, "degraded"},
		{"all down", staticStatus{store.PlatformTelegram: false}, http.StatusServiceUnavailable, "unavailable"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := NewServer(config.GatewayConfig{}, tt.channels, "v1.2.3")
			rec, body := get(t, srv, "/health")
			assert.Equal(t, tt.code, rec.Code)
			assert.Equal(t, tt.status, body.Status)
			assert.Equal(t, "v1.2.3", body.Version)
		})
	}
}

func TestMetricsPath(t *testing.T) {
	metrics.RecordEvent("telegram", "message", metrics.OutcomeProcessed)

	srv := NewServer(config.GatewayConfig{MetricsPath: "/internal/metrics"}, nil, "dev")
	rec, _ := get(t, srv, "/internal/metrics")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "convlink_ingest_events_total")

	rec, _ = get(t, srv, "/metrics")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
