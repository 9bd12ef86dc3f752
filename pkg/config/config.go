// Package config provides the unified configuration system for the substrate.
// It defines plain, validated configuration structs for each runtime component
// and a SubstrateConfig aggregate consumed by the coordinating manager.
//
// Configuration loading (files, flags, environment) is intentionally outside
// this package; callers construct or mutate these structs directly and call
// Validate before handing them to a component.
//
// Example usage:
//
//	cfg := config.DefaultSubstrateConfig()
//	cfg.Pool.MaxConnections = 32
//	cfg.Cache.DefaultTTL = 5 * time.Minute
//
//	if err := cfg.Validate(); err != nil {
//	    log.Fatal(err)
//	}
package config

import (
	"fmt"
	"runtime"
	"time"
)

// PoolConfig controls the connection pool.
type PoolConfig struct {
	// MaxConnections caps the number of connections that may exist at once
	MaxConnections int `yaml:"max_connections" json:"max_connections"`
	// MinConnections is the floor maintained by the background replenisher
	MinConnections int `yaml:"min_connections" json:"min_connections"`
	// MaxIdleTime closes idle connections older than this, down to MinConnections
	MaxIdleTime time.Duration `yaml:"max_idle_time" json:"max_idle_time"`
	// ConnectTimeout bounds opening a new connection
	ConnectTimeout time.Duration `yaml:"connect_timeout" json:"connect_timeout"`
	// AcquireTimeout bounds how long Acquire blocks waiting for a connection
	AcquireTimeout time.Duration `yaml:"acquire_timeout" json:"acquire_timeout"`
	// HealthCheckInterval is the liveness probe period for idle connections
	HealthCheckInterval time.Duration `yaml:"health_check_interval" json:"health_check_interval"`
}

// CacheConfig controls the tiered cache.
type CacheConfig struct {
	// MaxEntries caps the total entry count
	MaxEntries int `yaml:"max_entries" json:"max_entries"`
	// DefaultTTL applies to entries inserted without an explicit TTL
	DefaultTTL time.Duration `yaml:"default_ttl" json:"default_ttl"`
	// MaxMemoryBytes caps the total estimated size of all entries
	MaxMemoryBytes int64 `yaml:"max_memory_bytes" json:"max_memory_bytes"`
	// CleanupInterval is the period of the background expiry sweep
	CleanupInterval time.Duration `yaml:"cleanup_interval" json:"cleanup_interval"`
	// EnableStats toggles hit/miss/eviction counters
	EnableStats bool `yaml:"enable_stats" json:"enable_stats"`
	// Shards is the number of independently locked segments (0 = default)
	Shards int `yaml:"shards" json:"shards"`
}

// BatchConfig controls the batch coalescer.
type BatchConfig struct {
	// MaxBatchSize flushes a batch when it reaches this many operations
	MaxBatchSize int `yaml:"max_batch_size" json:"max_batch_size"`
	// MaxBatchDelay flushes a batch this long after its oldest member arrived
	MaxBatchDelay time.Duration `yaml:"max_batch_delay" json:"max_batch_delay"`
	// MaxConcurrentBatches caps in-flight batches
	MaxConcurrentBatches int `yaml:"max_concurrent_batches" json:"max_concurrent_batches"`
	// RetryAttempts is the number of whole-batch retries on transport failure
	RetryAttempts int `yaml:"retry_attempts" json:"retry_attempts"`
	// RetryDelay is the fixed delay between retries
	RetryDelay time.Duration `yaml:"retry_delay" json:"retry_delay"`
}

// SchedulerConfig controls the priority scheduler.
type SchedulerConfig struct {
	// MaxConcurrent bounds how many tasks may run simultaneously
	MaxConcurrent int `yaml:"max_concurrent" json:"max_concurrent"`
	// QueueSize caps the number of waiting tasks (0 = unbounded)
	QueueSize int `yaml:"queue_size" json:"queue_size"`
}

// MemoryConfig controls the memory arena.
type MemoryConfig struct {
	// MaxMemoryBytes caps total bytes held by the arena (free + checked out)
	MaxMemoryBytes int64 `yaml:"max_memory_bytes" json:"max_memory_bytes"`
	// WarningThreshold is the usage fraction that triggers automatic GC
	WarningThreshold float64 `yaml:"warning_threshold" json:"warning_threshold"`
	// RetainPerClass is how many free buffers each size class keeps after GC
	RetainPerClass int `yaml:"retain_per_class" json:"retain_per_class"`
	// EnableAutoGC enables threshold-triggered garbage collection
	EnableAutoGC bool `yaml:"enable_auto_gc" json:"enable_auto_gc"`
}

// MetricsConfig controls the metrics collector.
type MetricsConfig struct {
	// AggregationInterval is the roll-up tick period
	AggregationInterval time.Duration `yaml:"aggregation_interval" json:"aggregation_interval"`
	// RetentionPeriod discards samples older than this at each tick
	RetentionPeriod time.Duration `yaml:"retention_period" json:"retention_period"`
	// BufferSize is the capacity of the non-blocking sample buffer
	BufferSize int `yaml:"buffer_size" json:"buffer_size"`
}

// HealthConfig controls the health monitor.
type HealthConfig struct {
	// CheckInterval is the probe period
	CheckInterval time.Duration `yaml:"check_interval" json:"check_interval"`
	// CheckTimeout bounds each individual probe
	CheckTimeout time.Duration `yaml:"check_timeout" json:"check_timeout"`
	// FailureThreshold is the consecutive failures required to degrade status
	FailureThreshold int `yaml:"failure_threshold" json:"failure_threshold"`
	// RecoveryThreshold is the consecutive successes required to heal status
	RecoveryThreshold int `yaml:"recovery_threshold" json:"recovery_threshold"`
	// EnableAutoRecovery triggers component recovery actions when unhealthy
	EnableAutoRecovery bool `yaml:"enable_auto_recovery" json:"enable_auto_recovery"`
	// MaxRecentErrors caps the diagnostics error ring
	MaxRecentErrors int `yaml:"max_recent_errors" json:"max_recent_errors"`
}

// SubstrateConfig aggregates the configuration of every substrate component.
type SubstrateConfig struct {
	Pool      PoolConfig      `yaml:"pool" json:"pool"`
	Cache     CacheConfig     `yaml:"cache" json:"cache"`
	Batch     BatchConfig     `yaml:"batch" json:"batch"`
	Scheduler SchedulerConfig `yaml:"scheduler" json:"scheduler"`
	Memory    MemoryConfig    `yaml:"memory" json:"memory"`
	Metrics   MetricsConfig   `yaml:"metrics" json:"metrics"`
	Health    HealthConfig    `yaml:"health" json:"health"`
}

// DefaultSubstrateConfig returns a SubstrateConfig with production-ready
// defaults. Callers override individual fields as needed.
func DefaultSubstrateConfig() *SubstrateConfig {
	return &SubstrateConfig{
		Pool: PoolConfig{
			MaxConnections:      10,
			MinConnections:      2,
			MaxIdleTime:         5 * time.Minute,
			ConnectTimeout:      10 * time.Second,
			AcquireTimeout:      30 * time.Second,
			HealthCheckInterval: 30 * time.Second,
		},
		Cache: CacheConfig{
			MaxEntries:      10000,
			DefaultTTL:      time.Minute,
			MaxMemoryBytes:  64 << 20, // 64MB
			CleanupInterval: 30 * time.Second,
			EnableStats:     true,
			Shards:          16,
		},
		Batch: BatchConfig{
			MaxBatchSize:         50,
			MaxBatchDelay:        50 * time.Millisecond,
			MaxConcurrentBatches: 4,
			RetryAttempts:        3,
			RetryDelay:           200 * time.Millisecond,
		},
		Scheduler: SchedulerConfig{
			MaxConcurrent: runtime.NumCPU() * 2,
			QueueSize:     10000,
		},
		Memory: MemoryConfig{
			MaxMemoryBytes:   128 << 20, // 128MB
			WarningThreshold: 0.8,
			RetainPerClass:   8,
			EnableAutoGC:     true,
		},
		Metrics: MetricsConfig{
			AggregationInterval: 10 * time.Second,
			RetentionPeriod:     10 * time.Minute,
			BufferSize:          8192,
		},
		Health: HealthConfig{
			CheckInterval:      15 * time.Second,
			CheckTimeout:       5 * time.Second,
			FailureThreshold:   3,
			RecoveryThreshold:  2,
			EnableAutoRecovery: true,
			MaxRecentErrors:    64,
		},
	}
}

// Validate validates the pool configuration.
func (c *PoolConfig) Validate() error {
	if c.MaxConnections <= 0 {
		return fmt.Errorf("max_connections must be positive")
	}
	if c.MinConnections < 0 {
		return fmt.Errorf("min_connections cannot be negative")
	}
	if c.MinConnections > c.MaxConnections {
		return fmt.Errorf("min_connections (%d) exceeds max_connections (%d)", c.MinConnections, c.MaxConnections)
	}
	for name, d := range map[string]time.Duration{
		"max_idle_time":         c.MaxIdleTime,
		"connect_timeout":       c.ConnectTimeout,
		"acquire_timeout":       c.AcquireTimeout,
		"health_check_interval": c.HealthCheckInterval,
	} {
		if d <= 0 {
			return fmt.Errorf("%s must be positive", name)
		}
	}
	return nil
}

// Validate validates the cache configuration.
func (c *CacheConfig) Validate() error {
	if c.MaxEntries <= 0 {
		return fmt.Errorf("max_entries must be positive")
	}
	if c.MaxMemoryBytes <= 0 {
		return fmt.Errorf("max_memory_bytes must be positive")
	}
	if c.DefaultTTL <= 0 {
		return fmt.Errorf("default_ttl must be positive")
	}
	if c.CleanupInterval <= 0 {
		return fmt.Errorf("cleanup_interval must be positive")
	}
	if c.Shards < 0 {
		return fmt.Errorf("shards cannot be negative")
	}
	return nil
}

// Validate validates the batch configuration.
func (c *BatchConfig) Validate() error {
	if c.MaxBatchSize <= 0 {
		return fmt.Errorf("max_batch_size must be positive")
	}
	if c.MaxBatchDelay <= 0 {
		return fmt.Errorf("max_batch_delay must be positive")
	}
	if c.MaxConcurrentBatches <= 0 {
		return fmt.Errorf("max_concurrent_batches must be positive")
	}
	if c.RetryAttempts < 0 {
		return fmt.Errorf("retry_attempts cannot be negative")
	}
	if c.RetryDelay <= 0 {
		return fmt.Errorf("retry_delay must be positive")
	}
	return nil
}

// Validate validates the scheduler configuration.
func (c *SchedulerConfig) Validate() error {
	if c.MaxConcurrent <= 0 {
		return fmt.Errorf("max_concurrent must be positive")
	}
	if c.QueueSize < 0 {
		return fmt.Errorf("queue_size cannot be negative")
	}
	return nil
}

// Validate validates the memory configuration.
func (c *MemoryConfig) Validate() error {
	if c.MaxMemoryBytes <= 0 {
		return fmt.Errorf("max_memory_bytes must be positive")
	}
	if c.WarningThreshold <= 0 || c.WarningThreshold > 1 {
		return fmt.Errorf("warning_threshold must be in (0, 1]")
	}
	if c.RetainPerClass < 0 {
		return fmt.Errorf("retain_per_class cannot be negative")
	}
	return nil
}

// Validate validates the metrics configuration.
func (c *MetricsConfig) Validate() error {
	if c.AggregationInterval <= 0 {
		return fmt.Errorf("aggregation_interval must be positive")
	}
	if c.RetentionPeriod <= 0 {
		return fmt.Errorf("retention_period must be positive")
	}
	if c.BufferSize <= 0 {
		return fmt.Errorf("buffer_size must be positive")
	}
	return nil
}

// Validate validates the health configuration.
func (c *HealthConfig) Validate() error {
	if c.CheckInterval <= 0 {
		return fmt.Errorf("check_interval must be positive")
	}
	if c.CheckTimeout <= 0 {
		return fmt.Errorf("check_timeout must be positive")
	}
	if c.FailureThreshold <= 0 {
		return fmt.Errorf("failure_threshold must be positive")
	}
	if c.RecoveryThreshold <= 0 {
		return fmt.Errorf("recovery_threshold must be positive")
	}
	if c.MaxRecentErrors < 0 {
		return fmt.Errorf("max_recent_errors cannot be negative")
	}
	return nil
}

// Validate validates every section of the substrate configuration.
func (c *SubstrateConfig) Validate() error {
	if err := c.Pool.Validate(); err != nil {
		return fmt.Errorf("pool: %w", err)
	}
	if err := c.Cache.Validate(); err != nil {
		return fmt.Errorf("cache: %w", err)
	}
	if err := c.Batch.Validate(); err != nil {
		return fmt.Errorf("batch: %w", err)
	}
	if err := c.Scheduler.Validate(); err != nil {
		return fmt.Errorf("scheduler: %w", err)
	}
	if err := c.Memory.Validate(); err != nil {
		return fmt.Errorf("memory: %w", err)
	}
	if err := c.Metrics.Validate(); err != nil {
		return fmt.Errorf("metrics: %w", err)
	}
	if err := c.Health.Validate(); err != nil {
		return fmt.Errorf("health: %w", err)
	}
	return nil
}
