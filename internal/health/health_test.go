// SPDX-License-Identifier: MIT
package health

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func checker(name string, status Status) Checker {
	return CheckerFunc{
		CheckName: name,
		Fn: func(ctx context.Context) CheckResult {
			return CheckResult{Status: status}
		},
	}
}

func TestHealth_AlwaysHealthy(t *testing.T) {
	m := NewManager("v1.2.3")
	m.RegisterChecker(checker("cache", StatusUnhealthy))

	resp := m.Health(context.Background())
	assert.Equal(t, StatusHealthy, resp.Status, "liveness ignores component state")
	assert.Equal(t, "v1.2.3", resp.Version)
}

func TestReadiness_Aggregation(t *testing.T) {
	tests := []struct {
		name      string
		checkers  []Checker
		want      Status
		wantReady bool
	}{
		{
			name:      "no checkers",
			want:      StatusHealthy,
			wantReady: true,
		},
		{
			name:      "all healthy",
			checkers:  []Checker{checker("cache", StatusHealthy), checker("link", StatusHealthy)},
			want:      StatusHealthy,
			wantReady: true,
		},
		{
			name:      "one degraded",
			checkers:  []Checker{checker("cache", StatusHealthy), checker("link", StatusDegraded)},
			want:      StatusDegraded,
			wantReady: true,
		},
		{
			name:      "one unhealthy",
			checkers:  []Checker{checker("cache", StatusUnhealthy), checker("link", StatusDegraded)},
			want:      StatusUnhealthy,
			wantReady: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := NewManager("test")
			for _, c := range tt.checkers {
				m.RegisterChecker(c)
			}
			resp := m.Readiness(context.Background())
			assert.Equal(t, tt.want, resp.Status)
			assert.Equal(t, tt.wantReady, resp.Ready)
			assert.Len(t, resp.Checks, len(tt.checkers))
		})
	}
}

func TestReadinessHandler_NotReadyIs503(t *testing.T) {
	m := NewManager("test")
	m.RegisterChecker(checker("cache", StatusUnhealthy))

	rec := httptest.NewRecorder()
	m.ReadinessHandler()(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))

	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	var resp Response
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.False(t, resp.Ready)
}

func TestHealthHandler_OK(t *testing.T) {
	m := NewManager("test")
	rec := httptest.NewRecorder()
	m.HealthHandler()(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
}
