package health

import (
	"context"
	"time"
)

// Status classifies a component's health.
type Status int

const (
	StatusHealthy Status = iota
	StatusDegraded
	StatusUnhealthy
	StatusUnknown
)

func (s Status) String() string {
	switch s {
	case StatusHealthy:
		return "healthy"
	case StatusDegraded:
		return "degraded"
	case StatusUnhealthy:
		return "unhealthy"
	default:
		return "unknown"
	}
}

// CheckResult is the outcome of one component check.
type CheckResult struct {
	Component string                 `json:"component"`
	Status    Status                 `json:"status"`
	Message   string                 `json:"message,omitempty"`
	Error     string                 `json:"error,omitempty"`
	Details   map[string]interface{} `json:"details,omitempty"`
	Duration  time.Duration          `json:"duration"`
	Timestamp time.Time              `json:"timestamp"`
	Critical  bool                   `json:"critical"`
}

// Checker probes one dependency.
type Checker interface {
	Name() string
	Check(ctx context.Context) CheckResult
	// IsCritical marks checks whose failure makes the service not ready.
	IsCritical() bool
	Timeout() time.Duration
}

// Report is the aggregate health of the service.
type Report struct {
	Status     Status                 `json:"status"`
	Message    string                 `json:"message,omitempty"`
	Ready      bool                   `json:"ready"`
	Live       bool                   `json:"live"`
	Components map[string]CheckResult `json:"components,omitempty"`
	Timestamp  time.Time              `json:"timestamp"`
}

// CheckFunc adapts a function into a Checker.
type CheckFunc struct {
	CheckName string
	Critical  bool
	MaxWait   time.Duration
	Fn        func(ctx context.Context) CheckResult
}

func (c CheckFunc) Name() string     { return c.CheckName }
func (c CheckFunc) IsCritical() bool { return c.Critical }

func (c CheckFunc) Timeout() time.Duration {
	if c.MaxWait > 0 {
		return c.MaxWait
	}
	return 5 * time.Second
}

func (c CheckFunc) Check(ctx context.Context) CheckResult {
	return c.Fn(ctx)
}
