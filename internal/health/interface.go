package health

import (
	"context"
	"time"
)

// CheckStatus is the outcome of one component check.
type CheckStatus int

const (
	StatusHealthy CheckStatus = iota
	StatusDegraded
	StatusUnhealthy
	StatusUnknown
)

func (s CheckStatus) String() string {
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

// CheckResult is the outcome of probing one dependency.
type CheckResult struct {
	Status    CheckStatus            `json:"status"`
	Message   string                 `json:"message,omitempty"`
	Error     string                 `json:"error,omitempty"`
	Details   map[string]interface{} `json:"details,omitempty"`
	Duration  time.Duration          `json:"duration"`
	Timestamp time.Time              `json:"timestamp"`
	Component string                 `json:"component"`
	// Critical failures take the whole service out of ready.
	Critical bool `json:"critical"`
}

// Checker probes one dependency of the conversation engine (the history
// store, the findings archive, the completion service).
type Checker interface {
	Name() string
	Check(ctx context.Context) CheckResult
	// IsCritical marks checkers whose failure means the service cannot
	// process messages.
	IsCritical() bool
	Timeout() time.Duration
}
