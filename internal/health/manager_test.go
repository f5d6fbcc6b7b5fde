package health

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func staticChecker(name string, critical bool, status CheckStatus) Checker {
	return NewCustomHealthChecker(name, critical, time.Second, func(ctx context.Context) CheckResult {
		return CheckResult{Status: status}
	})
}

func TestRegisterCheckerValidation(t *testing.T) {
	m := NewManager(zaptest.NewLogger(t))

	require.NoError(t, m.RegisterChecker(staticChecker("redis", true, StatusHealthy)))
	err := m.RegisterChecker(staticChecker("redis", true, StatusHealthy))
	assert.ErrorContains(t, err, "already registered")

	err = m.RegisterChecker(staticChecker("", true, StatusHealthy))
	assert.ErrorContains(t, err, "cannot be empty")
}

func TestCheckAggregation(t *testing.T) {
	tests := []struct {
		name       string
		checkers   []Checker
		wantStatus CheckStatus
		wantReady  bool
		wantLive   bool
	}{
		{
			name: "all healthy",
			checkers: []Checker{
				staticChecker("redis", true, StatusHealthy),
				staticChecker("database", true, StatusHealthy),
			},
			wantStatus: StatusHealthy,
			wantReady:  true,
			wantLive:   true,
		},
		{
			name: "critical failure takes out readiness",
			checkers: []Checker{
				staticChecker("redis", true, StatusUnhealthy),
				staticChecker("completion_service", false, StatusHealthy),
			},
			wantStatus: StatusUnhealthy,
			wantReady:  false,
			wantLive:   true,
		},
		{
			name: "non-critical failure only degrades",
			checkers: []Checker{
				staticChecker("redis", true, StatusHealthy),
				staticChecker("completion_service", false, StatusUnhealthy),
			},
			wantStatus: StatusDegraded,
			wantReady:  true,
			wantLive:   true,
		},
		{
			name: "degraded component degrades the service",
			checkers: []Checker{
				staticChecker("redis", true, StatusDegraded),
			},
			wantStatus: StatusDegraded,
			wantReady:  true,
			wantLive:   true,
		},
		{
			name:       "no checkers",
			checkers:   nil,
			wantStatus: StatusUnknown,
			wantReady:  false,
			wantLive:   false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := NewManager(zaptest.NewLogger(t))
			for _, c := range tt.checkers {
				require.NoError(t, m.RegisterChecker(c))
			}

			report := m.Check(context.Background())
			assert.Equal(t, tt.wantStatus, report.Status)
			assert.Equal(t, tt.wantReady, report.Ready)
			assert.Equal(t, tt.wantLive, report.Live)
			assert.Equal(t, len(tt.checkers), report.Summary.Total)
		})
	}
}

func TestCheckStampsBookkeepingFields(t *testing.T) {
	m := NewManager(zaptest.NewLogger(t))
	// Checker lies about its own identity; the manager overrides it.
	require.NoError(t, m.RegisterChecker(NewCustomHealthChecker("redis", true, time.Second,
		func(ctx context.Context) CheckResult {
			return CheckResult{Status: StatusHealthy, Component: "bogus", Critical: false}
		})))

	report := m.Check(context.Background())
	result, ok := report.Components["redis"]
	require.True(t, ok)
	assert.Equal(t, "redis", result.Component)
	assert.True(t, result.Critical)
	assert.False(t, result.Timestamp.IsZero())
}

func TestCachedReportDoesNotProbe(t *testing.T) {
	m := NewManager(zaptest.NewLogger(t))
	var calls atomic.Int64
	require.NoError(t, m.RegisterChecker(NewCustomHealthChecker("redis", true, time.Second,
		func(ctx context.Context) CheckResult {
			calls.Add(1)
			return CheckResult{Status: StatusHealthy}
		})))

	m.Check(context.Background())
	require.Equal(t, int64(1), calls.Load())

	report := m.CachedReport()
	assert.Equal(t, int64(1), calls.Load())
	assert.Equal(t, StatusHealthy, report.Status)
	assert.Len(t, report.Components, 1)
}

func TestProbeEndpoints(t *testing.T) {
	m := NewManager(zaptest.NewLogger(t))
	require.NoError(t, m.RegisterChecker(staticChecker("redis", true, StatusUnhealthy)))

	mux := http.NewServeMux()
	NewHTTPHandler(m, zaptest.NewLogger(t)).RegisterRoutes(mux)
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	resp, err := http.Get(srv.URL + "/health")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)

	resp, err = http.Get(srv.URL + "/health/ready")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)

	// Failing dependency keeps the process alive; liveness stays green.
	resp, err = http.Get(srv.URL + "/health/live")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = http.Get(srv.URL + "/health/detailed")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}
