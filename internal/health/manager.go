// Package health aggregates dependency probes for the conversation service
// and serves the standard liveness/readiness endpoints.
package health

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

const defaultCheckInterval = 30 * time.Second

// Summary counts component outcomes for one report.
type Summary struct {
	Total       int `json:"total"`
	Healthy     int `json:"healthy"`
	Degraded    int `json:"degraded"`
	Unhealthy   int `json:"unhealthy"`
	Critical    int `json:"critical"`
	NonCritical int `json:"non_critical"`
}

// Report is one aggregated view over all registered checkers.
type Report struct {
	Status     CheckStatus            `json:"status"`
	Message    string                 `json:"message,omitempty"`
	Ready      bool                   `json:"ready"`
	Live       bool                   `json:"live"`
	Components map[string]CheckResult `json:"components,omitempty"`
	Summary    Summary                `json:"summary"`
	Timestamp  time.Time              `json:"timestamp"`
}

// Manager owns the registered checkers, runs them on demand for probe
// requests, and keeps a periodically refreshed snapshot for cached reads.
type Manager struct {
	checkers    map[string]Checker
	lastResults map[string]CheckResult
	interval    time.Duration
	started     bool
	stopCh      chan struct{}
	logger      *zap.Logger
	mu          sync.RWMutex
}

// NewManager creates a health manager.
func NewManager(logger *zap.Logger) *Manager {
	return &Manager{
		checkers:    make(map[string]Checker),
		lastResults: make(map[string]CheckResult),
		interval:    defaultCheckInterval,
		stopCh:      make(chan struct{}),
		logger:      logger,
	}
}

// RegisterChecker adds a dependency probe. Names must be unique.
func (m *Manager) RegisterChecker(checker Checker) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	name := checker.Name()
	if name == "" {
		return fmt.Errorf("checker name cannot be empty")
	}
	if _, exists := m.checkers[name]; exists {
		return fmt.Errorf("checker %s already registered", name)
	}

	m.checkers[name] = checker
	m.logger.Info("Health checker registered",
		zap.String("checker", name),
		zap.Bool("critical", checker.IsCritical()),
		zap.Duration("timeout", checker.Timeout()),
	)
	return nil
}

// Check runs every registered checker and aggregates the results.
func (m *Manager) Check(ctx context.Context) Report {
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

// CachedReport aggregates the most recent results without probing anything.
func (m *Manager) CachedReport() Report {
	m.mu.RLock()
	components := make(map[string]CheckResult, len(m.lastResults))
	for name, result := range m.lastResults {
		components[name] = result
	}
	m.mu.RUnlock()
	return aggregate(components)
}

// IsReady reports whether the service should accept traffic.
func (m *Manager) IsReady(ctx context.Context) bool {
	return m.Check(ctx).Ready
}

// IsLive reports whether the process should be kept running.
func (m *Manager) IsLive(ctx context.Context) bool {
	return m.Check(ctx).Live
}

// Start begins the periodic background refresh of the cached snapshot.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.started {
		return nil
	}
	m.started = true
	go m.refreshLoop()

	m.logger.Info("Health manager started",
		zap.Duration("check_interval", m.interval),
		zap.Int("registered_checkers", len(m.checkers)),
	)
	return nil
}

// Stop halts the background refresh.
func (m *Manager) Stop() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.started {
		return nil
	}
	close(m.stopCh)
	m.started = false

	m.logger.Info("Health manager stopped")
	return nil
}

func (m *Manager) refreshLoop() {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-m.stopCh:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			m.Check(ctx)
			cancel()
		}
	}
}

// runCheck executes one checker under its own timeout and stamps the
// bookkeeping fields so checkers cannot misreport them.
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

// aggregate folds component results into one report. A failing critical
// dependency takes the service out of ready; everything short of that is
// at worst degraded.
func aggregate(components map[string]CheckResult) Report {
	report := Report{
		Components: components,
		Timestamp:  time.Now(),
	}

	summary := Summary{Total: len(components)}
	criticalFailures := 0
	nonCriticalFailures := 0
	degraded := 0

	for _, result := range components {
		switch result.Status {
		case StatusHealthy:
			summary.Healthy++
		case StatusDegraded:
			summary.Degraded++
			degraded++
		case StatusUnhealthy:
			summary.Unhealthy++
			if result.Critical {
				criticalFailures++
			} else {
				nonCriticalFailures++
			}
		}
		if result.Critical {
			summary.Critical++
		} else {
			summary.NonCritical++
		}
	}
	report.Summary = summary

	switch {
	case summary.Total == 0:
		report.Status = StatusUnknown
		report.Message = "No health checks registered"
	case criticalFailures > 0:
		report.Status = StatusUnhealthy
		report.Message = fmt.Sprintf("%d critical component(s) failing", criticalFailures)
		report.Live = true
	case degraded > 0:
		report.Status = StatusDegraded
		report.Message = fmt.Sprintf("%d component(s) degraded", degraded)
		report.Ready = true
		report.Live = true
	case nonCriticalFailures > 0:
		report.Status = StatusDegraded
		report.Message = fmt.Sprintf("%d non-critical component(s) failing", nonCriticalFailures)
		report.Ready = true
		report.Live = true
	default:
		report.Status = StatusHealthy
		report.Message = fmt.Sprintf("All %d components healthy", summary.Total)
		report.Ready = true
		report.Live = true
	}

	return report
}
