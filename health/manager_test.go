package health

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/valyala/fasthttp"

	"github.com/saiset-co/sai-vary-cache/logger"
	"github.com/saiset-co/sai-vary-cache/types"
	"github.com/saiset-co/sai-vary-cache/utils"
)

type pingFunc func(ctx context.Context) error

func (f pingFunc) Ping(ctx context.Context) error { return f(ctx) }

func newTestManager(t *testing.T) *Manager {
	t.Helper()

	manager := NewManager(context.Background(), types.ServiceInfo{Name: "varycache", Version: "1.2.3"}, logger.NewNopLogger())
	require.NoError(t, manager.Start())
	t.Cleanup(func() { _ = manager.Stop() })

	return manager
}

func TestCheckAggregatesStatuses(t *testing.T) {
	manager := newTestManager(t)

	manager.RegisterChecker("store", PingChecker(pingFunc(func(ctx context.Context) error { return nil }), nil))
	manager.RegisterChecker("unknown", func(ctx context.Context) types.HealthCheck {
		return types.HealthCheck{Status: types.StatusUnknown}
	})

	report := manager.Check(context.Background())
	assert.Equal(t, types.StatusUnknown, report.Status)
	assert.Equal(t, types.HealthSummary{Total: 2, Healthy: 1, Unknown: 1}, report.Summary)
	assert.Equal(t, "store", report.Checks["store"].Name)
	assert.Equal(t, "varycache", report.Service.Name)

	manager.RegisterChecker("broken", PingChecker(pingFunc(func(ctx context.Context) error {
		return errors.New("connection refused")
	}), map[string]interface{}{"addr": "localhost:6379"}))

	report = manager.Check(context.Background())
	assert.Equal(t, types.StatusUnhealthy, report.Status)
	assert.Equal(t, "connection refused", report.Checks["broken"].Message)
	assert.Equal(t, "localhost:6379", report.Checks["broken"].Details["addr"])
}

func TestCheckRecoversPanics(t *testing.T) {
	manager := newTestManager(t)

	manager.RegisterChecker("panics", func(ctx context.Context) types.HealthCheck {
		panic("boom")
	})

	report := manager.Check(context.Background())
	assert.Equal(t, types.StatusUnhealthy, report.Checks["panics"].Status)
	assert.Contains(t, report.Checks["panics"].Message, "boom")
}

func TestCheckTimesOut(t *testing.T) {
	manager := newTestManager(t)
	manager.checkTimeout = 20 * time.Millisecond

	manager.RegisterChecker("slow", func(ctx context.Context) types.HealthCheck {
		<-ctx.Done()
		time.Sleep(50 * time.Millisecond)
		return types.HealthCheck{Status: types.StatusHealthy}
	})

	report := manager.Check(context.Background())
	assert.Equal(t, types.StatusUnhealthy, report.Status)
	assert.Equal(t, "Health check timeout", report.Checks["slow"].Message)
}

func TestHandleHealthStatusCodes(t *testing.T) {
	manager := newTestManager(t)

	var reqCtx fasthttp.RequestCtx
	manager.HandleHealth(&reqCtx)
	require.Equal(t, fasthttp.StatusOK, reqCtx.Response.StatusCode())

	var report types.HealthReport
	require.NoError(t, utils.Unmarshal(reqCtx.Response.Body(), &report))
	assert.Equal(t, types.StatusHealthy, report.Status)

	manager.RegisterChecker("store", PingChecker(pingFunc(func(ctx context.Context) error {
		return errors.New("down")
	}), nil))

	unhealthyCtx := &fasthttp.RequestCtx{}
	manager.HandleHealth(unhealthyCtx)
	assert.Equal(t, fasthttp.StatusServiceUnavailable, unhealthyCtx.Response.StatusCode())
}

func TestHandleHealthWhenStopped(t *testing.T) {
	manager := NewManager(context.Background(), types.ServiceInfo{}, logger.NewNopLogger())

	var reqCtx fasthttp.RequestCtx
	manager.HandleHealth(&reqCtx)
	assert.Equal(t, fasthttp.StatusServiceUnavailable, reqCtx.Response.StatusCode())
	assert.ErrorIs(t, manager.Stop(), types.ErrServerNotRunning)
}

func TestHandleVersion(t *testing.T) {
	t.Setenv("BUILD_COMMIT", "0123456789abcdef")
	t.Setenv("BUILD_TIME", "2026-03-14T09:26:53Z")

	manager := newTestManager(t)

	var reqCtx fasthttp.RequestCtx
	manager.HandleVersion(&reqCtx)
	require.Equal(t, fasthttp.StatusOK, reqCtx.Response.StatusCode())

	var info BuildInfo
	require.NoError(t, utils.Unmarshal(reqCtx.Response.Body(), &info))
	assert.Equal(t, "1.2.3", info.Version)
	assert.Equal(t, "0123456789abcdef", info.GitCommit)
	assert.Equal(t, "1.2.3-0123456 (2026-03-14)", info.String())
}
