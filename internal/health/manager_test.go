package health

import (
	"context"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/weaverhq/weaver/internal/circuitbreaker"
)

func staticChecker(name string, status Status, critical bool) Checker {
	return CheckFunc{
		CheckName: name,
		Critical:  critical,
		Fn: func(ctx context.Context) CheckResult {
			return CheckResult{Status: status}
		},
	}
}

func TestReportAllHealthy(t *testing.T) {
	m := NewManager(time.Minute, zap.NewNop())
	require.NoError(t, m.Register(staticChecker("redis", StatusHealthy, true)))
	require.NoError(t, m.Register(staticChecker("database", StatusHealthy, true)))

	report := m.Report(context.Background())
	assert.Equal(t, StatusHealthy, report.Status)
	assert.True(t, report.Ready)
	assert.True(t, report.Live)
	assert.Len(t, report.Components, 2)
	assert.Equal(t, "redis", report.Components["redis"].Component)
}

func TestReportCriticalFailureNotReady(t *testing.T) {
	m := NewManager(time.Minute, zap.NewNop())
	require.NoError(t, m.Register(staticChecker("database", StatusUnhealthy, true)))
	require.NoError(t, m.Register(staticChecker("redis", StatusHealthy, true)))

	report := m.Report(context.Background())
	assert.Equal(t, StatusUnhealthy, report.Status)
	assert.False(t, report.Ready)
	assert.True(t, report.Live)
}

func TestReportNonCriticalFailureDegrades(t *testing.T) {
	m := NewManager(time.Minute, zap.NewNop())
	require.NoError(t, m.Register(staticChecker("database", StatusHealthy, true)))
	require.NoError(t, m.Register(staticChecker("tool-slack", StatusUnhealthy, false)))

	report := m.Report(context.Background())
	assert.Equal(t, StatusDegraded, report.Status)
	assert.True(t, report.Ready)
}

func TestReportNoCheckers(t *testing.T) {
	m := NewManager(time.Minute, zap.NewNop())
	report := m.Report(context.Background())
	assert.Equal(t, StatusUnknown, report.Status)
	assert.False(t, report.Ready)
}

func TestRegisterDuplicate(t *testing.T) {
	m := NewManager(time.Minute, zap.NewNop())
	require.NoError(t, m.Register(staticChecker("redis", StatusHealthy, true)))
	assert.Error(t, m.Register(staticChecker("redis", StatusHealthy, true)))
}

func TestLastResults(t *testing.T) {
	m := NewManager(time.Minute, zap.NewNop())
	require.NoError(t, m.Register(staticChecker("redis", StatusHealthy, true)))

	assert.Empty(t, m.LastResults())
	m.Report(context.Background())
	last := m.LastResults()
	require.Len(t, last, 1)
	assert.Equal(t, StatusHealthy, last["redis"].Status)
}

func TestRedisChecker(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	checker := NewRedisChecker(client, nil)
	result := checker.Check(context.Background())
	assert.Equal(t, StatusHealthy, result.Status)

	mr.Close()
	result = checker.Check(context.Background())
	assert.Equal(t, StatusUnhealthy, result.Status)
	assert.NotEmpty(t, result.Error)
}

type fakePinger struct{ err error }

func (f fakePinger) Ping(ctx context.Context) error { return f.err }

func TestDatabaseChecker(t *testing.T) {
	checker := NewDatabaseChecker(fakePinger{})
	result := checker.Check(context.Background())
	assert.Equal(t, StatusHealthy, result.Status)

	checker = NewDatabaseChecker(fakePinger{err: context.DeadlineExceeded})
	result = checker.Check(context.Background())
	assert.Equal(t, StatusUnhealthy, result.Status)
}

func TestBreakerChecker(t *testing.T) {
	state := circuitbreaker.StateClosed
	checker := NewBreakerChecker("tool-slack", func() circuitbreaker.State { return state })

	result := checker.Check(context.Background())
	assert.Equal(t, StatusHealthy, result.Status)

	state = circuitbreaker.StateOpen
	result = checker.Check(context.Background())
	assert.Equal(t, StatusDegraded, result.Status)
	assert.Equal(t, "circuit breaker open", result.Message)
}

func TestHTTPEndpoints(t *testing.T) {
	m := NewManager(time.Minute, zap.NewNop())
	require.NoError(t, m.Register(staticChecker("redis", StatusHealthy, true)))
	handler := NewHTTPHandler(m, zap.NewNop())

	rec := httptest.NewRecorder()
	handler.handleHealth(rec, httptest.NewRequest("GET", "/health", nil))
	assert.Equal(t, 200, rec.Code)
	assert.Contains(t, rec.Body.String(), `"status":"healthy"`)

	rec = httptest.NewRecorder()
	handler.handleReadiness(rec, httptest.NewRequest("GET", "/health/ready", nil))
	assert.Equal(t, 200, rec.Code)

	rec = httptest.NewRecorder()
	handler.handleLiveness(rec, httptest.NewRequest("GET", "/health/live", nil))
	assert.Equal(t, 200, rec.Code)

	rec = httptest.NewRecorder()
	handler.handleHealth(rec, httptest.NewRequest("POST", "/health", nil))
	assert.Equal(t, 405, rec.Code)
}

func TestHTTPUnhealthyReturns503(t *testing.T) {
	m := NewManager(time.Minute, zap.NewNop())
	require.NoError(t, m.Register(staticChecker("database", StatusUnhealthy, true)))
	handler := NewHTTPHandler(m, zap.NewNop())

	rec := httptest.NewRecorder()
	handler.handleHealth(rec, httptest.NewRequest("GET", "/health", nil))
	assert.Equal(t, 503, rec.Code)

	rec = httptest.NewRecorder()
	handler.handleReadiness(rec, httptest.NewRequest("GET", "/health/ready", nil))
	assert.Equal(t, 503, rec.Code)
}
