package registry

import (
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/pgrouter/pgrouter/internal/config"
	"github.com/pgrouter/pgrouter/internal/metrics"
	"github.com/pgrouter/pgrouter/internal/pgwire"
)

// Status represents the health status of a backend target.
type Status int

const (
	StatusUnknown Status = iota
	StatusHealthy
	StatusUnhealthy
)

func (s Status) String() string {
	switch s {
	case StatusHealthy:
		return "healthy"
	case StatusUnhealthy:
		return "unhealthy"
	default:
		return "unknown"
	}
}

// TargetHealth holds health information for one target.
type TargetHealth struct {
	Status              Status    `json:"status"`
	LastCheck           time.Time `json:"last_check"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	LastError           string    `json:"last_error,omitempty"`
}

// Monitor performs periodic health checks on backend targets.
type Monitor struct {
	mu      sync.RWMutex
	targets map[string]*TargetHealth

	registry *Registry
	metrics  *metrics.Collector

	interval          time.Duration
	failureThreshold  int
	connectionTimeout time.Duration
	autoMaintenance   bool

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewMonitor creates a health monitor over the registry's targets.
func NewMonitor(r *Registry, m *metrics.Collector, hcCfg config.HealthCheckConfig) *Monitor {
	return &Monitor{
		targets:           make(map[string]*TargetHealth),
		registry:          r,
		metrics:           m,
		interval:          hcCfg.Interval,
		failureThreshold:  hcCfg.FailureThreshold,
		connectionTimeout: hcCfg.ConnectionTimeout,
		autoMaintenance:   hcCfg.AutoMaintenance,
		stopCh:            make(chan struct{}),
	}
}

// Start begins periodic health checking.
func (m *Monitor) Start() {
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		m.run()
	}()
	slog.Info("health monitor started", "interval", m.interval, "threshold", m.failureThreshold)
}

// Stop stops the health monitor. Safe to call multiple times.
func (m *Monitor) Stop() {
	m.stopOnce.Do(func() {
		close(m.stopCh)
	})
	m.wg.Wait()
	slog.Info("health monitor stopped")
}

func (m *Monitor) run() {
	// Run immediately on start
	m.checkAll()

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.checkAll()
		case <-m.stopCh:
			return
		}
	}
}

func (m *Monitor) checkAll() {
	var wg sync.WaitGroup
	for _, target := range m.registry.Targets() {
		target := target
		wg.Add(1)
		go func() {
			defer wg.Done()
			start := time.Now()
			healthy := m.ping(target)
			elapsed := time.Since(start)
			if m.metrics != nil {
				m.metrics.HealthCheckCompleted(target.Name, elapsed, healthy)
			}
			m.updateStatus(target.Name, healthy)
		}()
	}
	wg.Wait()
}

// ping verifies the target speaks the PostgreSQL protocol: it dials, sends a
// minimal startup message and expects any response. A dead port or a server
// that stays silent is unhealthy; an auth challenge or an error is a live
// server.
func (m *Monitor) ping(target Target) bool {
	conn, err := net.DialTimeout("tcp", target.Addr(), m.connectionTimeout)
	if err != nil {
		if m.metrics != nil {
			m.metrics.HealthCheckError(target.Name, "connection_refused")
		}
		m.setLastError(target.Name, err.Error())
		return false
	}
	defer conn.Close()

	conn.SetDeadline(time.Now().Add(m.connectionTimeout))

	startup := pgwire.StartupMessageOrdered([][2]string{{"user", "healthcheck"}})
	if _, err := conn.Write(startup); err != nil {
		if m.metrics != nil {
			m.metrics.HealthCheckError(target.Name, "write_error")
		}
		m.setLastError(target.Name, "startup write: "+err.Error())
		return false
	}

	// Any response (auth request, error, etc.) means the server is alive
	// and processing protocol messages.
	buf := make([]byte, 1)
	if _, err := conn.Read(buf); err != nil {
		if m.metrics != nil {
			m.metrics.HealthCheckError(target.Name, "read_error")
		}
		m.setLastError(target.Name, "startup response: "+err.Error())
		return false
	}
	return true
}

func (m *Monitor) setLastError(name, errMsg string) {
	m.mu.Lock()
	th := m.getOrCreate(name)
	if errMsg != "" {
		th.LastError = errMsg
	}
	m.mu.Unlock()
}

func (m *Monitor) updateStatus(name string, healthy bool) {
	m.mu.Lock()
	th := m.getOrCreate(name)
	th.LastCheck = time.Now()

	if healthy {
		if th.ConsecutiveFailures > 0 {
			slog.Info("target recovered", "target", name, "failures", th.ConsecutiveFailures)
		}
		th.Status = StatusHealthy
		th.ConsecutiveFailures = 0
		th.LastError = ""
	} else {
		th.ConsecutiveFailures++
		if th.ConsecutiveFailures >= m.failureThreshold {
			if th.Status != StatusUnhealthy {
				slog.Warn("target marked unhealthy",
					"target", name, "failures", th.ConsecutiveFailures, "error", th.LastError)
			}
			th.Status = StatusUnhealthy
		}
	}
	unhealthy := th.Status == StatusUnhealthy
	m.mu.Unlock()

	if m.metrics != nil {
		m.metrics.SetTargetHealth(name, !unhealthy)
	}

	if unhealthy && m.autoMaintenance {
		if m.registry.SetMaintenance(name, "health check failures") {
			slog.Warn("target placed in maintenance by health monitor", "target", name)
		}
	}
}

func (m *Monitor) getOrCreate(name string) *TargetHealth {
	th, ok := m.targets[name]
	if !ok {
		th = &TargetHealth{Status: StatusUnknown}
		m.targets[name] = th
	}
	return th
}

// IsHealthy returns whether a target is healthy (or unknown, which is
// treated as healthy).
func (m *Monitor) IsHealthy(name string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()

	th, ok := m.targets[name]
	if !ok {
		return true // unknown = allow through
	}
	return th.Status != StatusUnhealthy
}

// GetStatus returns the health status for a target.
func (m *Monitor) GetStatus(name string) TargetHealth {
	m.mu.RLock()
	defer m.mu.RUnlock()

	th, ok := m.targets[name]
	if !ok {
		return TargetHealth{Status: StatusUnknown}
	}
	return *th
}

// GetAllStatuses returns health statuses for all known targets.
func (m *Monitor) GetAllStatuses() map[string]TargetHealth {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make(map[string]TargetHealth, len(m.targets))
	for name, th := range m.targets {
		result[name] = *th
	}
	return result
}

// OverallHealthy returns true if no target is unhealthy.
func (m *Monitor) OverallHealthy() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, th := range m.targets {
		if th.Status == StatusUnhealthy {
			return false
		}
	}
	return true
}

// RemoveTarget removes health state for a target that left the config.
func (m *Monitor) RemoveTarget(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.targets, name)
	if m.metrics != nil {
		m.metrics.RemoveTarget(name)
	}
	slog.Info("removed health state", "target", name)
}
