// Package coalescer merges individual operations into batches that share one
// pooled connection per network round trip.
//
// Operations accumulate per kind until a batch reaches MaxBatchSize or
// MaxBatchDelay has elapsed since its oldest member, whichever comes first.
// Ready batches flush through the priority scheduler at the highest priority
// of any member, with an in-flight cap enforced by a channel semaphore.
// Transport failures retry the whole batch with a fixed delay; per-operation
// failures inside a successful response reach only the affected submitter.
package coalescer

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/orbitdrift/substrate/pkg/arena"
	"github.com/orbitdrift/substrate/pkg/config"
	"github.com/orbitdrift/substrate/pkg/connpool"
	"github.com/orbitdrift/substrate/pkg/errors"
	"github.com/orbitdrift/substrate/pkg/metrics"
	"github.com/orbitdrift/substrate/pkg/scheduler"
)

// defaultSendTimeout bounds a single SendBatch attempt when sizing the flush
// budget handed to the scheduler.
const defaultSendTimeout = 30 * time.Second

// Operation is one caller-submitted unit of work. A zero Deadline means the
// operation never expires while queued.
type Operation struct {
	ID       string
	Kind     string
	Payload  []byte
	Priority scheduler.Priority
	Deadline time.Time
}

// Result is the successful outcome of a submitted operation.
type Result struct {
	ID    string
	Value []byte
}

// OpResult is one operation's outcome inside a batch response. Err set on an
// individual OpResult fails only that operation's submitter.
type OpResult struct {
	ID    string
	Value []byte
	Err   error
}

// Sender performs the single network call for a whole batch. A non-nil error
// fails the entire batch and triggers a retry; per-operation failures belong
// in the returned OpResults instead.
type Sender interface {
	SendBatch(ctx context.Context, conn *connpool.PooledConn, ops []Operation) ([]OpResult, error)
}

type memberResult struct {
	value []byte
	err   error
}

// member is one queued operation plus its arena-held payload copy.
type member struct {
	op     Operation
	buf    *arena.Buffer
	result chan memberResult
}

// batch accumulates members of one kind until flush. started guards the
// handoff between the scheduled flush and the dispatch error path so members
// are resolved exactly once.
type batch struct {
	kind    string
	members []*member
	maxPri  scheduler.Priority
	timer   *time.Timer
	started int32
}

// Coalescer groups operations into batches and flushes them through the
// connection pool. All methods are safe for concurrent use.
type Coalescer struct {
	cfg       config.BatchConfig
	pool      *connpool.Pool
	sched     *scheduler.Scheduler
	arena     *arena.Arena
	sender    Sender
	collector *metrics.Collector
	logger    *zap.Logger

	mu      sync.Mutex
	pending map[string]*batch
	closed  bool

	inflight chan struct{}
	wg       sync.WaitGroup

	submitted int64
	flushed   int64
	retries   int64
	failures  int64

	closeOnce sync.Once
}

// Stats is a snapshot of coalescer counters.
type Stats struct {
	Submitted  int64 `json:"submitted"`
	Flushed    int64 `json:"flushed"`
	Retries    int64 `json:"retries"`
	Failures   int64 `json:"failures"`
	PendingOps int   `json:"pending_ops"`
}

// New creates a coalescer. Pool, scheduler, arena and sender are all required.
func New(cfg config.BatchConfig, pool *connpool.Pool, sched *scheduler.Scheduler, a *arena.Arena, sender Sender, collector *metrics.Collector, logger *zap.Logger) (*Coalescer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeValidation, "invalid batch config")
	}
	if sender == nil {
		return nil, errors.New(errors.ErrorTypeValidation, "sender must not be nil")
	}

	return &Coalescer{
		cfg:       cfg,
		pool:      pool,
		sched:     sched,
		arena:     a,
		sender:    sender,
		collector: collector,
		logger:    logger.With(zap.String("component", "coalescer")),
		pending:   make(map[string]*batch),
		inflight:  make(chan struct{}, cfg.MaxConcurrentBatches),
	}, nil
}

// Submit queues an operation into its kind's pending batch and blocks until
// that batch is flushed and resolved, the context ends, or the coalescer
// closes. The payload is copied before Submit returns to the queue, so the
// caller may reuse its slice immediately.
func (c *Coalescer) Submit(ctx context.Context, op Operation) (Result, error) {
	if op.Kind == "" {
		return Result{}, errors.New(errors.ErrorTypeValidation, "operation kind must not be empty")
	}

	buf, err := c.copyPayload(op.Payload)
	if err != nil {
		return Result{}, err
	}

	m := &member{op: op, buf: buf, result: make(chan memberResult, 1)}
	if buf != nil {
		m.op.Payload = buf.Bytes()
	}

	var full *batch
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		c.releaseMember(m)
		return Result{}, errors.New(errors.ErrorTypeCancelled, "coalescer closed")
	}

	b, ok := c.pending[op.Kind]
	if !ok {
		b = &batch{kind: op.Kind, maxPri: op.Priority}
		kind := op.Kind
		b.timer = time.AfterFunc(c.cfg.MaxBatchDelay, func() { c.flushOnDelay(kind, b) })
		c.pending[op.Kind] = b
	}
	b.members = append(b.members, m)
	if op.Priority > b.maxPri {
		b.maxPri = op.Priority
	}
	if len(b.members) >= c.cfg.MaxBatchSize {
		delete(c.pending, op.Kind)
		b.timer.Stop()
		full = b
	}
	c.mu.Unlock()

	atomic.AddInt64(&c.submitted, 1)
	c.collector.RecordCounter("coalescer_submitted", 1, metrics.Labels{"kind": op.Kind})

	if full != nil {
		c.dispatch(full)
	}

	select {
	case r := <-m.result:
		if r.err != nil {
			return Result{}, r.err
		}
		return Result{ID: op.ID, Value: r.value}, nil
	case <-ctx.Done():
		// The batch still flushes; only this submitter stops waiting
		return Result{}, errors.Wrap(ctx.Err(), errors.ErrorTypeCancelled, "submit abandoned")
	}
}

// Stats returns a snapshot of coalescer counters.
func (c *Coalescer) Stats() Stats {
	c.mu.Lock()
	pendingOps := 0
	for _, b := range c.pending {
		pendingOps += len(b.members)
	}
	c.mu.Unlock()

	return Stats{
		Submitted:  atomic.LoadInt64(&c.submitted),
		Flushed:    atomic.LoadInt64(&c.flushed),
		Retries:    atomic.LoadInt64(&c.retries),
		Failures:   atomic.LoadInt64(&c.failures),
		PendingOps: pendingOps,
	}
}

// Close rejects new submissions, fails queued operations with
// ErrorTypeCancelled and waits for in-flight batches to finish.
func (c *Coalescer) Close() {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closed = true
		orphaned := c.pending
		c.pending = make(map[string]*batch)
		c.mu.Unlock()

		for _, b := range orphaned {
			b.timer.Stop()
			for _, m := range b.members {
				c.releaseMember(m)
				m.result <- memberResult{err: errors.New(errors.ErrorTypeCancelled, "coalescer closed")}
			}
		}

		c.wg.Wait()
	})
}

// flushOnDelay fires from a batch's delay timer. The batch may already have
// been dispatched on size, so it only flushes if still pending.
func (c *Coalescer) flushOnDelay(kind string, b *batch) {
	c.mu.Lock()
	if c.pending[kind] != b {
		c.mu.Unlock()
		return
	}
	delete(c.pending, kind)
	c.mu.Unlock()

	c.dispatch(b)
}

// dispatch hands a ready batch to the scheduler at its highest member
// priority. The in-flight semaphore is taken inside the scheduled work so
// batches over the cap wait in the priority queue.
func (c *Coalescer) dispatch(b *batch) {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()

		_, err := c.sched.ExecuteWithPriority(context.Background(), b.maxPri, c.flushBudget(), func(ctx context.Context) (any, error) {
			if !atomic.CompareAndSwapInt32(&b.started, 0, 1) {
				return nil, nil
			}
			c.inflight <- struct{}{}
			defer func() { <-c.inflight }()
			c.flush(ctx, b)
			return nil, nil
		})
		if err != nil && atomic.CompareAndSwapInt32(&b.started, 0, 1) {
			// The flush never ran and now never will
			c.failBatch(b.members, errors.Wrap(err, errors.ErrorTypeBatch, "batch never flushed"))
		}
	}()
}

// flush sends one batch over a single pooled connection, retrying transport
// failures as a unit, then demultiplexes results to each submitter.
func (c *Coalescer) flush(ctx context.Context, b *batch) {
	atomic.AddInt64(&c.flushed, 1)
	c.collector.RecordCounter("coalescer_batches_flushed", 1, metrics.Labels{"kind": b.kind})
	c.collector.RecordHistogram("coalescer_batch_size", float64(len(b.members)), metrics.Labels{"kind": b.kind})

	// Expired members fail individually and never reach the wire
	now := time.Now()
	live := make([]*member, 0, len(b.members))
	for _, m := range b.members {
		if !m.op.Deadline.IsZero() && now.After(m.op.Deadline) {
			c.releaseMember(m)
			m.result <- memberResult{err: errors.New(errors.ErrorTypeTimeout, "operation deadline exceeded before flush")}
			continue
		}
		live = append(live, m)
	}
	if len(live) == 0 {
		return
	}

	ops := make([]Operation, len(live))
	for i, m := range live {
		ops[i] = m.op
	}

	results, err := c.send(ctx, ops)
	if err != nil {
		atomic.AddInt64(&c.failures, 1)
		metrics.OperationsTotal.WithLabelValues("coalescer", "flush", "error").Inc()
		c.logger.Warn("batch failed after retries",
			zap.String("kind", b.kind),
			zap.Int("operations", len(live)),
			zap.Error(err))
		c.failBatch(live, errors.Wrap(err, errors.ErrorTypeBatch, "batch send exhausted retries"))
		return
	}
	metrics.OperationsTotal.WithLabelValues("coalescer", "flush", "success").Inc()

	byID := make(map[string]OpResult, len(results))
	for _, r := range results {
		byID[r.ID] = r
	}
	for _, m := range live {
		r, ok := byID[m.op.ID]
		c.releaseMember(m)
		switch {
		case !ok:
			m.result <- memberResult{err: errors.Newf(errors.ErrorTypeBatch, "no result for operation %s in batch response", m.op.ID)}
		case r.Err != nil:
			m.result <- memberResult{err: r.Err}
		default:
			m.result <- memberResult{value: r.Value}
		}
	}
}

// send runs the retry loop: one pooled connection per attempt, a whole-batch
// retry on transport error with fixed delay between attempts.
func (c *Coalescer) send(ctx context.Context, ops []Operation) ([]OpResult, error) {
	var lastErr error
	for attempt := 0; attempt <= c.cfg.RetryAttempts; attempt++ {
		if attempt > 0 {
			atomic.AddInt64(&c.retries, 1)
			c.collector.RecordCounter("coalescer_retries", 1, nil)
			select {
			case <-time.After(c.cfg.RetryDelay):
			case <-ctx.Done():
				return nil, lastErr
			}
		}

		pc, err := c.pool.Acquire(ctx)
		if err != nil {
			lastErr = err
			continue
		}

		sendCtx, cancel := context.WithTimeout(ctx, defaultSendTimeout)
		results, err := c.sender.SendBatch(sendCtx, pc, ops)
		cancel()
		if err != nil {
			pc.MarkUnhealthy()
			c.pool.Release(pc)
			lastErr = err
			continue
		}
		c.pool.Release(pc)
		return results, nil
	}
	return nil, lastErr
}

// failBatch releases payloads and delivers one terminal error to every member.
func (c *Coalescer) failBatch(members []*member, err error) {
	for _, m := range members {
		c.releaseMember(m)
		m.result <- memberResult{err: err}
	}
}

// copyPayload moves the payload into arena memory so queued batches do not
// pin caller slices. Empty payloads need no buffer.
func (c *Coalescer) copyPayload(p []byte) (*arena.Buffer, error) {
	if len(p) == 0 {
		return nil, nil
	}
	buf, err := c.arena.Allocate(len(p))
	if err != nil {
		return nil, err
	}
	copy(buf.Bytes(), p)
	return buf, nil
}

func (c *Coalescer) releaseMember(m *member) {
	if m.buf != nil {
		c.arena.Release(m.buf)
		m.buf = nil
	}
}

// flushBudget bounds one batch's scheduler queue wait plus every retry
// attempt.
func (c *Coalescer) flushBudget() time.Duration {
	attempts := time.Duration(c.cfg.RetryAttempts + 1)
	return attempts*(c.cfg.RetryDelay+defaultSendTimeout) + c.cfg.MaxBatchDelay
}
