// Package connpool provides a bounded pool of reusable network connections
// with health checking, idle reaping, and automatic replenishment.
//
// The pool is transport-agnostic: callers supply a Transport capability that
// knows how to open, probe, and close a connection to the remote endpoint.
package connpool

import (
	"context"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/orbitdrift/substrate/pkg/config"
	"github.com/orbitdrift/substrate/pkg/errors"
	"github.com/orbitdrift/substrate/pkg/metrics"
)

// Conn is the wire-level connection handle opened by a Transport.
// The substrate treats it as opaque beyond liveness and closing.
type Conn interface {
	// IsAlive reports whether the connection can still serve requests
	IsAlive(ctx context.Context) bool
	// Close releases the underlying resources
	Close() error
}

// Transport opens connections to the single remote endpoint the pool serves.
type Transport interface {
	Open(ctx context.Context) (Conn, error)
}

// PooledConn is a connection checked out of the pool. It is exclusively owned
// by one caller between Acquire and Release.
type PooledConn struct {
	id        string
	conn      Conn
	createdAt time.Time
	lastUsed  time.Time
	useCount  int64
	unhealthy int32
	inUse     int32
}

// ID returns the pool-unique connection id.
func (pc *PooledConn) ID() string { return pc.id }

// Conn returns the underlying transport connection.
func (pc *PooledConn) Conn() Conn { return pc.conn }

// UseCount returns how many times this connection has been checked out.
func (pc *PooledConn) UseCount() int64 { return atomic.LoadInt64(&pc.useCount) }

// Age returns how long ago the connection was opened.
func (pc *PooledConn) Age() time.Duration { return time.Since(pc.createdAt) }

// MarkUnhealthy flags the connection so the pool discards it on release
// instead of returning it to the idle set.
func (pc *PooledConn) MarkUnhealthy() { atomic.StoreInt32(&pc.unhealthy, 1) }

// Healthy reports whether the connection is still considered usable.
func (pc *PooledConn) Healthy() bool { return atomic.LoadInt32(&pc.unhealthy) == 0 }

// Pool manages a bounded set of reusable connections to one remote endpoint.
// All methods are safe for concurrent use.
type Pool struct {
	cfg       config.PoolConfig
	transport Transport
	logger    *zap.Logger
	collector *metrics.Collector

	mu     sync.Mutex
	total  int // connections in existence (idle + checked out)
	closed bool

	idle chan *PooledConn

	// Throttles background reconnection attempts after discards
	reconnect  *rate.Limiter
	replenishC chan struct{}

	stopCh    chan struct{}
	wg        sync.WaitGroup
	closeOnce sync.Once

	idSeq        uint64
	totalCreated int64
	totalReused  int64
	discarded    int64
}

// Stats is a point-in-time snapshot of pool activity.
type Stats struct {
	TotalConnections int64   `json:"total_connections"`
	IdleConnections  int64   `json:"idle_connections"`
	InUseConnections int64   `json:"in_use_connections"`
	TotalCreated     int64   `json:"total_created"`
	TotalReused      int64   `json:"total_reused"`
	Discarded        int64   `json:"discarded"`
	ReuseRate        float64 `json:"reuse_rate"`
}

// New creates a connection pool. The configuration must validate; the
// transport and collector are required. Background sweeps start immediately.
func New(cfg config.PoolConfig, transport Transport, collector *metrics.Collector, logger *zap.Logger) (*Pool, error) {
	if err := cfg.Validate(); err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeValidation, "invalid pool config")
	}

	p := &Pool{
		cfg:        cfg,
		transport:  transport,
		logger:     logger.With(zap.String("component", "connection_pool")),
		collector:  collector,
		idle:       make(chan *PooledConn, cfg.MaxConnections),
		reconnect:  rate.NewLimiter(rate.Every(time.Second), cfg.MinConnections+1),
		replenishC: make(chan struct{}, 1),
		stopCh:     make(chan struct{}),
	}

	p.wg.Add(2)
	go p.sweepLoop()
	go p.replenishLoop()
	p.triggerReplenish()

	return p, nil
}

// Acquire returns a healthy connection, reusing an idle one when available or
// opening a new one while the pool is below MaxConnections. It blocks up to
// AcquireTimeout; exhaustion fails with a pool-exhausted error and dial
// failures with a connection error.
func (p *Pool) Acquire(ctx context.Context) (*PooledConn, error) {
	timer := time.NewTimer(p.cfg.AcquireTimeout)
	defer timer.Stop()

	for {
		// Fast path: a healthy idle connection
		select {
		case pc := <-p.idle:
			if p.checkoutIdle(pc) {
				return pc, nil
			}
			continue
		default:
		}

		// Open a new connection while below the cap
		p.mu.Lock()
		if p.closed {
			p.mu.Unlock()
			return nil, errors.New(errors.ErrorTypeCancelled, "pool is closed")
		}
		if p.total < p.cfg.MaxConnections {
			p.total++
			p.mu.Unlock()

			pc, err := p.open(ctx)
			if err != nil {
				p.mu.Lock()
				p.total--
				p.mu.Unlock()
				p.recordAcquire("connect_failed")
				return nil, err
			}
			atomic.StoreInt32(&pc.inUse, 1)
			atomic.AddInt64(&pc.useCount, 1)
			p.recordAcquire("created")
			return pc, nil
		}
		p.mu.Unlock()

		// All connections exist and are checked out; wait for a release
		select {
		case pc := <-p.idle:
			if p.checkoutIdle(pc) {
				return pc, nil
			}
		case <-timer.C:
			p.recordAcquire("exhausted")
			return nil, errors.Newf(errors.ErrorTypePoolExhausted, "no connection available within %s", p.cfg.AcquireTimeout)
		case <-ctx.Done():
			p.recordAcquire("cancelled")
			return nil, errors.Wrap(ctx.Err(), errors.ErrorTypeCancelled, "acquire cancelled")
		case <-p.stopCh:
			return nil, errors.New(errors.ErrorTypeCancelled, "pool is closed")
		}
	}
}

// checkoutIdle prepares an idle connection for hand-out, destroying it and
// reporting false when it is no longer usable.
func (p *Pool) checkoutIdle(pc *PooledConn) bool {
	if !pc.Healthy() {
		p.destroy(pc)
		return false
	}
	pc.lastUsed = time.Now()
	atomic.StoreInt32(&pc.inUse, 1)
	atomic.AddInt64(&pc.useCount, 1)
	atomic.AddInt64(&p.totalReused, 1)
	p.recordAcquire("reused")
	return true
}

// Release returns a connection to the idle set. Unhealthy connections are
// discarded and a background replacement is opened while the pool is below
// MinConnections.
func (p *Pool) Release(pc *PooledConn) {
	if pc == nil || !atomic.CompareAndSwapInt32(&pc.inUse, 1, 0) {
		return
	}

	if !pc.Healthy() {
		p.destroy(pc)
		p.recordRelease("discarded")
		p.triggerReplenish()
		return
	}

	pc.lastUsed = time.Now()

	// The closed check and the idle send share one critical section, so a
	// release racing Close cannot park a connection after Close has drained
	// the idle set.
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		p.destroy(pc)
		return
	}
	select {
	case p.idle <- pc:
		p.mu.Unlock()
		p.recordRelease("idle")
	default:
		// Idle set full; should not happen while total <= max, but never block
		p.mu.Unlock()
		p.destroy(pc)
		p.recordRelease("overflow")
	}
	p.updateGauges()
}

// destroy closes a connection and forgets it.
func (p *Pool) destroy(pc *PooledConn) {
	if pc.conn != nil {
		if err := pc.conn.Close(); err != nil {
			p.logger.Debug("closing connection failed", zap.String("conn_id", pc.id), zap.Error(err))
		}
	}
	p.mu.Lock()
	p.total--
	p.mu.Unlock()
	atomic.AddInt64(&p.discarded, 1)
	p.updateGauges()
}

// open dials a new connection bounded by ConnectTimeout.
func (p *Pool) open(ctx context.Context) (*PooledConn, error) {
	dialCtx, cancel := context.WithTimeout(ctx, p.cfg.ConnectTimeout)
	defer cancel()

	conn, err := p.transport.Open(dialCtx)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeConnection, "failed to open connection")
	}

	id := atomic.AddUint64(&p.idSeq, 1)
	now := time.Now()
	pc := &PooledConn{
		id:        connID(id),
		conn:      conn,
		createdAt: now,
		lastUsed:  now,
	}
	atomic.AddInt64(&p.totalCreated, 1)
	p.updateGauges()

	p.logger.Debug("opened connection", zap.String("conn_id", pc.id))
	return pc, nil
}

// Stats returns a snapshot of pool activity.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	total := int64(p.total)
	p.mu.Unlock()

	idle := int64(len(p.idle))
	created := atomic.LoadInt64(&p.totalCreated)
	reused := atomic.LoadInt64(&p.totalReused)

	s := Stats{
		TotalConnections: total,
		IdleConnections:  idle,
		InUseConnections: total - idle,
		TotalCreated:     created,
		TotalReused:      reused,
		Discarded:        atomic.LoadInt64(&p.discarded),
	}
	if created+reused > 0 {
		s.ReuseRate = float64(reused) / float64(created+reused)
	}
	return s
}

// Close stops background sweeps and closes every connection the pool still
// owns. Checked-out connections are closed by their holders' Release.
func (p *Pool) Close() {
	p.closeOnce.Do(func() {
		p.mu.Lock()
		p.closed = true
		p.mu.Unlock()

		close(p.stopCh)
		p.wg.Wait()

		for {
			select {
			case pc := <-p.idle:
				p.destroy(pc)
			default:
				return
			}
		}
	})
}

// sweepLoop runs the idle reaper and the periodic liveness probe.
func (p *Pool) sweepLoop() {
	defer p.wg.Done()

	reaper := time.NewTicker(p.cfg.MaxIdleTime / 2)
	prober := time.NewTicker(p.cfg.HealthCheckInterval)
	defer reaper.Stop()
	defer prober.Stop()

	for {
		select {
		case <-reaper.C:
			p.reapIdle()
		case <-prober.C:
			p.probeIdle()
		case <-p.stopCh:
			return
		}
	}
}

// reapIdle closes idle connections older than MaxIdleTime, keeping at least
// MinConnections alive.
func (p *Pool) reapIdle() {
	for _, pc := range p.drainIdle() {
		p.mu.Lock()
		aboveMin := p.total > p.cfg.MinConnections
		p.mu.Unlock()

		if aboveMin && time.Since(pc.lastUsed) > p.cfg.MaxIdleTime {
			p.logger.Debug("reaping idle connection",
				zap.String("conn_id", pc.id),
				zap.Duration("idle_for", time.Since(pc.lastUsed)))
			p.destroy(pc)
			continue
		}
		p.requeue(pc)
	}
	p.updateGauges()
}

// probeIdle runs a liveness check on each idle connection, discarding dead
// ones and triggering replenishment.
func (p *Pool) probeIdle() {
	for _, pc := range p.drainIdle() {
		probeCtx, cancel := context.WithTimeout(context.Background(), p.cfg.ConnectTimeout)
		alive := pc.conn.IsAlive(probeCtx)
		cancel()

		p.collector.RecordCounter("pool_probes", 1, metrics.Labels{"alive": boolLabel(alive)})
		if !alive {
			pc.MarkUnhealthy()
			p.logger.Warn("idle connection failed liveness probe", zap.String("conn_id", pc.id))
			p.destroy(pc)
			continue
		}
		p.requeue(pc)
	}
	p.triggerReplenish()
	p.updateGauges()
}

// Refresh discards every idle connection and refills toward MinConnections.
// Checked-out connections are untouched; they are examined on release. Used
// as a recovery action when the endpoint is suspected to have cycled.
func (p *Pool) Refresh() int {
	discarded := 0
	for _, pc := range p.drainIdle() {
		pc.MarkUnhealthy()
		p.destroy(pc)
		discarded++
	}
	if discarded > 0 {
		p.logger.Info("refreshed pool", zap.Int("discarded", discarded))
	}
	p.triggerReplenish()
	p.updateGauges()
	return discarded
}

// drainIdle removes every currently idle connection for inspection.
// Acquirers that race with a sweep simply open or wait as usual.
func (p *Pool) drainIdle() []*PooledConn {
	var conns []*PooledConn
	for {
		select {
		case pc := <-p.idle:
			conns = append(conns, pc)
		default:
			return conns
		}
	}
}

// requeue puts an inspected connection back in the idle set.
func (p *Pool) requeue(pc *PooledConn) {
	select {
	case p.idle <- pc:
	default:
		p.destroy(pc)
	}
}

// replenishLoop opens replacement connections in the background whenever the
// pool drops below MinConnections, throttled to avoid reconnect storms.
func (p *Pool) replenishLoop() {
	defer p.wg.Done()

	for {
		select {
		case <-p.replenishC:
			p.replenish()
		case <-p.stopCh:
			return
		}
	}
}

// replenish opens connections until the pool is back at MinConnections.
func (p *Pool) replenish() {
	for {
		p.mu.Lock()
		if p.closed || p.total >= p.cfg.MinConnections {
			p.mu.Unlock()
			return
		}
		p.total++
		p.mu.Unlock()

		ctx, cancel := context.WithTimeout(context.Background(), p.cfg.ConnectTimeout)
		if err := p.reconnect.Wait(ctx); err != nil {
			cancel()
			p.mu.Lock()
			p.total--
			p.mu.Unlock()
			return
		}

		pc, err := p.open(ctx)
		cancel()
		if err != nil {
			p.mu.Lock()
			p.total--
			p.mu.Unlock()
			p.logger.Warn("background replenish failed", zap.Error(err))
			return
		}
		p.requeue(pc)
	}
}

// triggerReplenish nudges the replenisher without blocking.
func (p *Pool) triggerReplenish() {
	select {
	case p.replenishC <- struct{}{}:
	default:
	}
}

func (p *Pool) recordAcquire(result string) {
	p.collector.RecordCounter("pool_acquires", 1, metrics.Labels{"result": result})
	status := "success"
	if result == "connect_failed" || result == "exhausted" || result == "cancelled" {
		status = "failure"
	}
	metrics.OperationsTotal.WithLabelValues("connection_pool", "acquire", status).Inc()
	p.updateGauges()
}

func (p *Pool) recordRelease(result string) {
	p.collector.RecordCounter("pool_releases", 1, metrics.Labels{"result": result})
	metrics.OperationsTotal.WithLabelValues("connection_pool", "release", "success").Inc()
}

func (p *Pool) updateGauges() {
	p.mu.Lock()
	total := p.total
	p.mu.Unlock()
	idle := len(p.idle)

	p.collector.RecordGauge("pool_idle", float64(idle), nil)
	p.collector.RecordGauge("pool_in_use", float64(total-idle), nil)
	metrics.ConnectionsActive.WithLabelValues("idle").Set(float64(idle))
	metrics.ConnectionsActive.WithLabelValues("in_use").Set(float64(total - idle))
}

func boolLabel(b bool) string {
	if b {
		return "true"
	}
	return "false"
}

// connID formats a pool-unique connection id.
func connID(seq uint64) string {
	return "conn-" + strconv.FormatUint(seq, 10)
}
