package health

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Manager runs registered checkers and aggregates their results.
type Manager struct {
	mu          sync.RWMutex
	checkers    map[string]Checker
	lastResults map[string]CheckResult
	interval    time.Duration
	started     bool
	stopCh      chan struct{}
	logger      *zap.Logger
}

func NewManager(interval time.Duration, logger *zap.Logger) *Manager {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &Manager{
		checkers:    make(map[string]Checker),
		lastResults: make(map[string]CheckResult),
		interval:    interval,
		stopCh:      make(chan struct{}),
		logger:      logger,
	}
}

// Register adds one checker. Duplicate names are rejected.
func (m *Manager) Register(checker Checker) error {
	name := checker.Name()
	if name == "" {
		return fmt.Errorf("health: checker name required")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.checkers[name]; exists {
		return fmt.Errorf("health: checker %s already registered", name)
	}
	m.checkers[name] = checker
	m.logger.Info("Health checker registered",
		zap.String("checker", name),
		zap.Bool("critical", checker.IsCritical()))
	return nil
}

// Report runs every checker and aggregates the results. An unhealthy
// critical component makes the service not ready but still live.
func (m *Manager) Report(ctx context.Context) Report {
	m.mu.RLock()
	checkers := make([]Checker, 0, len(m.checkers))
	for _, c := range m.checkers {
		checkers = append(checkers, c)
	}
	m.mu.RUnlock()

	components := make(map[string]CheckResult, len(checkers))
	for _, c := range checkers {
		components[c.Name()] = m.runCheck(ctx, c)
	}

	m.mu.Lock()
	for name, result := range components {
		m.lastResults[name] = result
	}
	m.mu.Unlock()

	return aggregate(components)
}

// LastResults returns the most recent results without running checks.
func (m *Manager) LastResults() map[string]CheckResult {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]CheckResult, len(m.lastResults))
	for name, result := range m.lastResults {
		out[name] = result
	}
	return out
}

// IsReady reports whether all critical components are up.
func (m *Manager) IsReady(ctx context.Context) bool {
	return m.Report(ctx).Ready
}

// IsLive reports process liveness.
func (m *Manager) IsLive(ctx context.Context) bool {
	return m.Report(ctx).Live
}

// Start launches periodic background checking.
func (m *Manager) Start() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.started {
		return
	}
	m.started = true
	go m.loop()
	m.logger.Info("Health manager started",
		zap.Duration("interval", m.interval),
		zap.Int("checkers", len(m.checkers)))
}

// Stop halts background checking.
func (m *Manager) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.started {
		return
	}
	close(m.stopCh)
	m.started = false
}

func (m *Manager) loop() {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	for {
		select {
		case <-m.stopCh:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			report := m.Report(ctx)
			cancel()
			if report.Status != StatusHealthy {
				m.logger.Warn("Background health check",
					zap.String("status", report.Status.String()),
					zap.String("message", report.Message))
			}
		}
	}
}

func (m *Manager) runCheck(ctx context.Context, checker Checker) CheckResult {
	checkCtx, cancel := context.WithTimeout(ctx, checker.Timeout())
	defer cancel()

	start := time.Now()
	result := checker.Check(checkCtx)
	result.Component = checker.Name()
	result.Critical = checker.IsCritical()
	result.Duration = time.Since(start)
	result.Timestamp = start
	return result
}

func aggregate(components map[string]CheckResult) Report {
	report := Report{
		Components: components,
		Timestamp:  time.Now(),
		Live:       true,
	}
	if len(components) == 0 {
		report.Status = StatusUnknown
		report.Message = "no health checks registered"
		report.Ready = false
		return report
	}

	criticalFailures, otherFailures, degraded := 0, 0, 0
	for _, result := range components {
		switch result.Status {
		case StatusDegraded:
			degraded++
		case StatusUnhealthy:
			if result.Critical {
				criticalFailures++
			} else {
				otherFailures++
			}
		}
	}

	switch {
	case criticalFailures > 0:
		report.Status = StatusUnhealthy
		report.Message = fmt.Sprintf("%d critical component(s) failing", criticalFailures)
		report.Ready = false
	case degraded > 0:
		report.Status = StatusDegraded
		report.Message = fmt.Sprintf("%d component(s) degraded", degraded)
		report.Ready = true
	case otherFailures > 0:
		report.Status = StatusDegraded
		report.Message = fmt.Sprintf("%d non-critical component(s) failing", otherFailures)
		report.Ready = true
	default:
		report.Status = StatusHealthy
		report.Message = fmt.Sprintf("all %d components healthy", len(components))
		report.Ready = true
	}
	return report
}
