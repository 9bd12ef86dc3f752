// Package substrate assembles the pool, cache, coalescer, scheduler, arena,
// metrics and health monitor behind a single managed facade.
package substrate

import (
	"context"
	"sync"

	"github.com/goccy/go-json"
	"go.uber.org/zap"

	"github.com/orbitdrift/substrate/pkg/arena"
	"github.com/orbitdrift/substrate/pkg/cache"
	"github.com/orbitdrift/substrate/pkg/coalescer"
	"github.com/orbitdrift/substrate/pkg/config"
	"github.com/orbitdrift/substrate/pkg/connpool"
	"github.com/orbitdrift/substrate/pkg/errors"
	"github.com/orbitdrift/substrate/pkg/health"
	sublog "github.com/orbitdrift/substrate/pkg/logger"
	"github.com/orbitdrift/substrate/pkg/metrics"
	"github.com/orbitdrift/substrate/pkg/scheduler"
)

// Manager owns the lifecycle of every substrate component. Construction wires
// them together; Start begins health monitoring; Stop tears everything down
// in dependency order.
type Manager struct {
	cfg    config.SubstrateConfig
	logger *zap.Logger

	collector *metrics.Collector
	arena     *arena.Arena
	pool      *connpool.Pool
	cache     *cache.Cache
	sched     *scheduler.Scheduler
	coal      *coalescer.Coalescer
	monitor   *health.Monitor

	stopOnce sync.Once
}

// Stats is the consolidated snapshot across every component.
type Stats struct {
	Pool      connpool.Stats      `json:"pool"`
	Cache     cache.Stats         `json:"cache"`
	Scheduler scheduler.Stats     `json:"scheduler"`
	Coalescer coalescer.Stats     `json:"coalescer"`
	Arena     arena.Stats         `json:"arena"`
	Health    health.SystemHealth `json:"health"`
}

// New builds all components from one configuration. transport dials the
// remote endpoint for the pool; sender performs batched network calls for
// the coalescer.
func New(cfg config.SubstrateConfig, transport connpool.Transport, sender coalescer.Sender, logger *zap.Logger) (*Manager, error) {
	if err := cfg.Validate(); err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeValidation, "invalid substrate config")
	}
	if logger == nil {
		logger = sublog.Get()
	}

	m := &Manager{cfg: cfg, logger: logger.With(zap.String("component", "substrate"))}

	m.collector = metrics.NewCollector(cfg.Metrics)

	var err error
	m.arena, err = arena.New(cfg.Memory)
	if err != nil {
		m.teardown()
		return nil, err
	}

	m.pool, err = connpool.New(cfg.Pool, transport, m.collector, logger)
	if err != nil {
		m.teardown()
		return nil, err
	}

	m.cache, err = cache.New(cfg.Cache, m.arena, m.collector, logger)
	if err != nil {
		m.teardown()
		return nil, err
	}

	m.sched, err = scheduler.New(cfg.Scheduler, m.collector, logger)
	if err != nil {
		m.teardown()
		return nil, err
	}

	m.coal, err = coalescer.New(cfg.Batch, m.pool, m.sched, m.arena, sender, m.collector, logger)
	if err != nil {
		m.teardown()
		return nil, err
	}

	m.monitor, err = health.NewMonitor(cfg.Health, m.collector, logger)
	if err != nil {
		m.teardown()
		return nil, err
	}

	m.registerProbes()

	return m, nil
}

// Start begins periodic health checks. Component background loops (pool
// sweeps, cache cleanup, metric aggregation) already run from construction.
func (m *Manager) Start() {
	m.monitor.Start()
	m.logger.Info("substrate started",
		zap.Int("pool_max", m.cfg.Pool.MaxConnections),
		zap.Int("cache_max_entries", m.cfg.Cache.MaxEntries),
		zap.Int("scheduler_concurrency", m.cfg.Scheduler.MaxConcurrent))
}

// Stop shuts components down in dependency order: producers before the
// resources they use. Safe to call more than once.
func (m *Manager) Stop() {
	m.stopOnce.Do(func() {
		m.monitor.Stop()
		m.coal.Close()
		m.sched.Close()
		m.pool.Close()
		m.cache.Close()
		m.collector.Close()
		m.logger.Info("substrate stopped")
	})
}

// teardown releases whatever a failed New managed to build.
func (m *Manager) teardown() {
	if m.coal != nil {
		m.coal.Close()
	}
	if m.sched != nil {
		m.sched.Close()
	}
	if m.cache != nil {
		m.cache.Close()
	}
	if m.pool != nil {
		m.pool.Close()
	}
	if m.collector != nil {
		m.collector.Close()
	}
}

// Pool returns the connection pool.
func (m *Manager) Pool() *connpool.Pool { return m.pool }

// Cache returns the tiered cache.
func (m *Manager) Cache() *cache.Cache { return m.cache }

// Scheduler returns the priority scheduler.
func (m *Manager) Scheduler() *scheduler.Scheduler { return m.sched }

// Coalescer returns the batch coalescer.
func (m *Manager) Coalescer() *coalescer.Coalescer { return m.coal }

// Arena returns the memory arena.
func (m *Manager) Arena() *arena.Arena { return m.arena }

// Health returns the health monitor.
func (m *Manager) Health() *health.Monitor { return m.monitor }

// Metrics returns the metrics collector.
func (m *Manager) Metrics() *metrics.Collector { return m.collector }

// Stats returns a consolidated snapshot of all components.
func (m *Manager) Stats() Stats {
	return Stats{
		Pool:      m.pool.Stats(),
		Cache:     m.cache.Stats(),
		Scheduler: m.sched.Stats(),
		Coalescer: m.coal.Stats(),
		Arena:     m.arena.Stats(),
		Health:    m.monitor.GetSystemHealth(),
	}
}

// StatsJSON renders the consolidated snapshot as JSON.
func (m *Manager) StatsJSON() ([]byte, error) {
	data, err := json.Marshal(m.Stats())
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeInternal, "marshal stats")
	}
	return data, nil
}

// registerProbes wires each component into the health monitor with a
// recovery action that matches its failure mode.
func (m *Manager) registerProbes() {
	// A pool probe acquires and releases one connection; failure means the
	// endpoint is unreachable or every slot is stuck. Recovery drops idle
	// connections so replenishment dials fresh ones.
	m.monitor.Register("pool", func(ctx context.Context) error {
		pc, err := m.pool.Acquire(ctx)
		if err != nil {
			return err
		}
		m.pool.Release(pc)
		return nil
	}, func(context.Context) error {
		m.pool.Refresh()
		return nil
	})

	// The cache invariant is its memory budget; recovery sheds expired
	// entries early.
	m.monitor.Register("cache", func(context.Context) error {
		used := m.cache.MemoryUsed()
		if used > m.cfg.Cache.MaxMemoryBytes {
			return errors.Newf(errors.ErrorTypeMemory, "cache over budget: %d > %d", used, m.cfg.Cache.MaxMemoryBytes)
		}
		return nil
	}, func(context.Context) error {
		m.cache.PurgeExpired()
		return nil
	})

	// A saturated ready queue means submitters are about to block. A zero
	// QueueSize leaves the queue unbounded, so there is no cap to probe.
	m.monitor.Register("scheduler", func(context.Context) error {
		if m.cfg.Scheduler.QueueSize <= 0 {
			return nil
		}
		depth := m.sched.QueueDepth()
		if depth >= m.cfg.Scheduler.QueueSize {
			return errors.Newf(errors.ErrorTypeInternal, "scheduler queue saturated: %d waiting", depth)
		}
		return nil
	}, nil)

	// The arena degrades before it fails allocations outright.
	m.monitor.Register("arena", func(context.Context) error {
		allocated := m.arena.AllocatedBytes()
		limit := int64(float64(m.cfg.Memory.MaxMemoryBytes) * m.cfg.Memory.WarningThreshold)
		if allocated > limit {
			return errors.Newf(errors.ErrorTypeMemory, "arena past warning threshold: %d of %d bytes", allocated, m.cfg.Memory.MaxMemoryBytes)
		}
		return nil
	}, func(context.Context) error {
		m.arena.GarbageCollect()
		return nil
	})
}
