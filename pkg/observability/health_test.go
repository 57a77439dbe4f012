package observability

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newChecker() *HealthChecker {
	return &HealthChecker{checks: make(map[string]*HealthCheck)}
}

func TestHealthChecker_StatusAggregation(t *testing.T) {
	hc := newChecker()
	hc.RegisterCheck(&HealthCheck{
		Name:      "store",
		CheckFunc: func(context.Context) error { return nil },
		Timeout:   time.Second,
		Critical:  true,
	})
	hc.RegisterCheck(&HealthCheck{
		Name:      "archive",
		CheckFunc: func(context.Context) error { return errors.New("clickhouse down") },
		Timeout:   time.Second,
	})

	resp := hc.Check(context.Background())
	assert.Equal(t, HealthStatusDegraded, resp.Status)
	assert.Equal(t, HealthStatusHealthy, resp.Checks["store"].Status)
	assert.Equal(t, HealthStatusDegraded, resp.Checks["archive"].Status)
}

func TestHealthChecker_CriticalFailureUnhealthy(t *testing.T) {
	hc := newChecker()
	hc.RegisterCheck(StoreCheck(func(context.Context) error {
		return errors.New("connection refused")
	}))

	resp := hc.Check(context.Background())
	assert.Equal(t, HealthStatusUnhealthy, resp.Status)
	require.Contains(t, resp.Checks, "store")
	assert.Equal(t, "connection refused", resp.Checks["store"].Message)
}

func TestInitHealthChecker_VersionSurfaced(t *testing.T) {
	hc := InitHealthChecker("v1.2.3")
	resp := hc.Check(context.Background())
	assert.Equal(t, "v1.2.3", resp.Version)
	assert.Greater(t, resp.Runtime.NumGoroutines, 0)
}
