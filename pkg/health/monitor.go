// Package health tracks per-component liveness with hysteresis and optional
// automatic recovery.
//
// Components register a check and, optionally, a recovery action. Checks run
// on a ticker; a component degrades on its first failure, turns unhealthy
// after FailureThreshold consecutive failures, and returns to healthy only
// after RecoveryThreshold consecutive successes. Recovery runs at most once
// per failure streak, and a failing recovery is recorded rather than
// escalated.
package health

import (
	"context"
	"os"
	"runtime"
	"sort"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/shirou/gopsutil/v3/process"
	"go.uber.org/zap"

	"github.com/orbitdrift/substrate/pkg/config"
	"github.com/orbitdrift/substrate/pkg/errors"
	"github.com/orbitdrift/substrate/pkg/metrics"
)

// Status is a component's health classification.
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusDegraded  Status = "degraded"
	StatusUnhealthy Status = "unhealthy"
)

// rank orders statuses from best to worst for the worst-of aggregate.
func (s Status) rank() int {
	switch s {
	case StatusHealthy:
		return 0
	case StatusDegraded:
		return 1
	default:
		return 2
	}
}

// gaugeValue maps a status onto the exported health gauge.
func (s Status) gaugeValue() float64 {
	switch s {
	case StatusHealthy:
		return 1
	case StatusDegraded:
		return 0.5
	default:
		return 0
	}
}

// CheckFunc probes one component. A nil return means healthy.
type CheckFunc func(ctx context.Context) error

// RecoveryFunc attempts to restore a component that crossed the failure
// threshold.
type RecoveryFunc func(ctx context.Context) error

// Record is a snapshot of one component's health state.
type Record struct {
	Name                 string    `json:"name"`
	Status               Status    `json:"status"`
	ConsecutiveFailures  int       `json:"consecutive_failures"`
	ConsecutiveSuccesses int       `json:"consecutive_successes"`
	LastCheck            time.Time `json:"last_check"`
	LastError            string    `json:"last_error,omitempty"`
}

// SystemHealth is the worst-of aggregate plus every component record.
type SystemHealth struct {
	Status     Status            `json:"status"`
	Components map[string]Record `json:"components"`
}

// ErrorEvent is one entry in the recent-error ring.
type ErrorEvent struct {
	Time      time.Time `json:"time"`
	Component string    `json:"component"`
	Message   string    `json:"message"`
}

// Diagnostics is a point-in-time view of system health and process resource
// usage.
type Diagnostics struct {
	Timestamp       time.Time         `json:"timestamp"`
	SystemStatus    Status            `json:"system_status"`
	Components      map[string]Record `json:"components"`
	RecentErrors    []ErrorEvent      `json:"recent_errors"`
	Goroutines      int               `json:"goroutines"`
	HeapAllocBytes  uint64            `json:"heap_alloc_bytes"`
	HeapSysBytes    uint64            `json:"heap_sys_bytes"`
	GCRuns          uint32            `json:"gc_runs"`
	ProcessCPUPct   float64           `json:"process_cpu_pct"`
	ProcessRSSBytes uint64            `json:"process_rss_bytes"`
}

// component is the monitor's internal per-registration state.
type component struct {
	name              string
	check             CheckFunc
	recovery          RecoveryFunc
	record            Record
	recoveryAttempted bool
}

// Monitor runs registered health checks and tracks state transitions. All
// methods are safe for concurrent use.
type Monitor struct {
	cfg       config.HealthConfig
	collector *metrics.Collector
	logger    *zap.Logger

	mu           sync.Mutex
	components   map[string]*component
	recentErrors []ErrorEvent

	proc *process.Process

	stopCh    chan struct{}
	wg        sync.WaitGroup
	startOnce sync.Once
	stopOnce  sync.Once
}

// NewMonitor creates a monitor. Checks do not run until Start or an explicit
// RunHealthChecks call.
func NewMonitor(cfg config.HealthConfig, collector *metrics.Collector, logger *zap.Logger) (*Monitor, error) {
	if err := cfg.Validate(); err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeValidation, "invalid health config")
	}

	// Best effort; diagnostics fall back to zero values without it
	proc, _ := process.NewProcess(int32(os.Getpid()))

	return &Monitor{
		cfg:        cfg,
		collector:  collector,
		logger:     logger.With(zap.String("component", "health")),
		components: make(map[string]*component),
		proc:       proc,
		stopCh:     make(chan struct{}),
	}, nil
}

// Register adds a component. recovery may be nil. Registering an existing
// name replaces its check and resets its state.
func (m *Monitor) Register(name string, check CheckFunc, recovery RecoveryFunc) error {
	if name == "" || check == nil {
		return errors.New(errors.ErrorTypeValidation, "component name and check are required")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.components[name] = &component{
		name:     name,
		check:    check,
		recovery: recovery,
		record:   Record{Name: name, Status: StatusHealthy},
	}
	metrics.HealthStatus.WithLabelValues(name).Set(StatusHealthy.gaugeValue())
	return nil
}

// Start launches the periodic check loop. Safe to call once; later calls are
// no-ops.
func (m *Monitor) Start() {
	m.startOnce.Do(func() {
		m.wg.Add(1)
		go m.loop()
	})
}

// Stop halts the check loop. In-flight checks finish first.
func (m *Monitor) Stop() {
	m.stopOnce.Do(func() {
		close(m.stopCh)
		m.wg.Wait()
	})
}

func (m *Monitor) loop() {
	defer m.wg.Done()

	ticker := time.NewTicker(m.cfg.CheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.RunHealthChecks(context.Background())
		case <-m.stopCh:
			return
		}
	}
}

// RunHealthChecks probes every registered component once, each under
// CheckTimeout, and applies state transitions. Components are checked in name
// order so log output is stable.
func (m *Monitor) RunHealthChecks(ctx context.Context) {
	m.mu.Lock()
	names := make([]string, 0, len(m.components))
	for name := range m.components {
		names = append(names, name)
	}
	m.mu.Unlock()
	sort.Strings(names)

	for _, name := range names {
		m.checkOne(ctx, name)
	}
}

// checkOne probes a single component and applies the hysteresis transition.
// The check itself runs without the monitor lock held.
func (m *Monitor) checkOne(ctx context.Context, name string) {
	m.mu.Lock()
	c, ok := m.components[name]
	if !ok {
		m.mu.Unlock()
		return
	}
	check := c.check
	m.mu.Unlock()

	checkCtx, cancel := context.WithTimeout(ctx, m.cfg.CheckTimeout)
	err := check(checkCtx)
	cancel()

	var runRecovery RecoveryFunc

	m.mu.Lock()
	c, ok = m.components[name]
	if !ok {
		m.mu.Unlock()
		return
	}
	c.record.LastCheck = time.Now()

	if err != nil {
		c.record.ConsecutiveFailures++
		c.record.ConsecutiveSuccesses = 0
		c.record.LastError = err.Error()
		m.recordErrorLocked(name, err.Error())

		prev := c.record.Status
		if c.record.ConsecutiveFailures >= m.cfg.FailureThreshold {
			c.record.Status = StatusUnhealthy
		} else {
			c.record.Status = StatusDegraded
		}
		if prev != c.record.Status {
			m.logger.Warn("component health changed",
				zap.String("name", name),
				zap.String("from", string(prev)),
				zap.String("to", string(c.record.Status)),
				zap.Int("consecutive_failures", c.record.ConsecutiveFailures),
				zap.Error(err))
		}

		if c.record.Status == StatusUnhealthy && m.cfg.EnableAutoRecovery &&
			c.recovery != nil && !c.recoveryAttempted {
			c.recoveryAttempted = true
			runRecovery = c.recovery
		}
		m.countCheck(name, "failure")
	} else {
		c.record.ConsecutiveFailures = 0
		c.record.ConsecutiveSuccesses++
		c.record.LastError = ""
		c.recoveryAttempted = false

		if c.record.Status != StatusHealthy &&
			c.record.ConsecutiveSuccesses >= m.cfg.RecoveryThreshold {
			m.logger.Info("component recovered",
				zap.String("name", name),
				zap.Int("consecutive_successes", c.record.ConsecutiveSuccesses))
			c.record.Status = StatusHealthy
		}
		m.countCheck(name, "success")
	}
	metrics.HealthStatus.WithLabelValues(name).Set(c.record.Status.gaugeValue())
	m.mu.Unlock()

	if runRecovery != nil {
		m.attemptRecovery(ctx, name, runRecovery)
	}
}

// attemptRecovery runs a component's recovery action. Its failure is recorded
// for diagnostics but never changes the component's check-driven state.
func (m *Monitor) attemptRecovery(ctx context.Context, name string, recovery RecoveryFunc) {
	m.logger.Info("attempting recovery", zap.String("name", name))
	m.collector.RecordCounter("health_recovery_attempts", 1, metrics.Labels{"component": name})

	recCtx, cancel := context.WithTimeout(ctx, m.cfg.CheckTimeout)
	err := recovery(recCtx)
	cancel()

	if err != nil {
		m.logger.Error("recovery failed", zap.String("name", name), zap.Error(err))
		m.collector.RecordCounter("health_recovery_failures", 1, metrics.Labels{"component": name})
		m.mu.Lock()
		m.recordErrorLocked(name, "recovery failed: "+err.Error())
		m.mu.Unlock()
	}
}

// GetSystemHealth returns the worst-of aggregate across components. With no
// registrations the system reports healthy.
func (m *Monitor) GetSystemHealth() SystemHealth {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := SystemHealth{Status: StatusHealthy, Components: make(map[string]Record, len(m.components))}
	for name, c := range m.components {
		out.Components[name] = c.record
		if c.record.Status.rank() > out.Status.rank() {
			out.Status = c.record.Status
		}
	}
	return out
}

// GetDiagnostics captures health records, recent errors and process resource
// usage in one snapshot.
func (m *Monitor) GetDiagnostics() Diagnostics {
	sys := m.GetSystemHealth()

	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)

	d := Diagnostics{
		Timestamp:      time.Now(),
		SystemStatus:   sys.Status,
		Components:     sys.Components,
		Goroutines:     runtime.NumGoroutine(),
		HeapAllocBytes: ms.HeapAlloc,
		HeapSysBytes:   ms.HeapSys,
		GCRuns:         ms.NumGC,
	}

	m.mu.Lock()
	d.RecentErrors = make([]ErrorEvent, len(m.recentErrors))
	copy(d.RecentErrors, m.recentErrors)
	m.mu.Unlock()

	if m.proc != nil {
		if pct, err := m.proc.CPUPercent(); err == nil {
			d.ProcessCPUPct = pct
		}
		if mem, err := m.proc.MemoryInfo(); err == nil {
			d.ProcessRSSBytes = mem.RSS
		}
	}

	return d
}

// DiagnosticsJSON renders the diagnostics snapshot as JSON.
func (m *Monitor) DiagnosticsJSON() ([]byte, error) {
	data, err := json.Marshal(m.GetDiagnostics())
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeInternal, "marshal diagnostics")
	}
	return data, nil
}

// recordErrorLocked appends to the recent-error ring, dropping the oldest
// entry past MaxRecentErrors. Caller holds m.mu.
func (m *Monitor) recordErrorLocked(name, msg string) {
	m.recentErrors = append(m.recentErrors, ErrorEvent{
		Time:      time.Now(),
		Component: name,
		Message:   msg,
	})
	if len(m.recentErrors) > m.cfg.MaxRecentErrors {
		m.recentErrors = m.recentErrors[len(m.recentErrors)-m.cfg.MaxRecentErrors:]
	}
}

func (m *Monitor) countCheck(name, result string) {
	m.collector.RecordCounter("health_checks", 1, metrics.Labels{"component": name, "result": result})
}
