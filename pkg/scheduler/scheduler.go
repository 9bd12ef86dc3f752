// Package scheduler executes work under a fixed concurrency bound, admitting
// the highest-priority waiter first.
//
// Waiting tasks sit in a binary heap ordered by priority, ties broken by
// submission order. A single dispatcher goroutine owns the heap; workers are
// gated by a channel semaphore sized to MaxConcurrent. When the heap holds
// QueueSize tasks, submission blocks until the dispatcher drains, so the task
// timeout covers queue wait as well as execution.
package scheduler

import (
	"container/heap"
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/orbitdrift/substrate/pkg/config"
	"github.com/orbitdrift/substrate/pkg/errors"
	"github.com/orbitdrift/substrate/pkg/metrics"
)

// Priority orders tasks; higher values are admitted first.
type Priority int

const (
	PriorityLow Priority = iota
	PriorityNormal
	PriorityHigh
	PriorityCritical
)

// String returns the priority's log-friendly name.
func (p Priority) String() string {
	switch p {
	case PriorityLow:
		return "low"
	case PriorityNormal:
		return "normal"
	case PriorityHigh:
		return "high"
	case PriorityCritical:
		return "critical"
	default:
		return "unknown"
	}
}

// Work is a unit of schedulable work. It must honor ctx cancellation at its
// next opportunity; the scheduler never forcibly stops a running Work.
type Work func(ctx context.Context) (any, error)

// Task state transitions: queued -> started (dispatcher) or
// queued -> cancelled (submitter timeout). Both race on a CAS so a task is
// never both started and abandoned.
const (
	taskQueued int32 = iota
	taskStarted
	taskCancelled
)

type taskResult struct {
	value any
	err   error
}

type task struct {
	priority Priority
	seq      uint64
	state    int32
	ctx      context.Context
	work     Work
	result   chan taskResult
	index    int
}

// taskHeap orders by priority descending, then sequence ascending.
type taskHeap []*task

func (h taskHeap) Len() int { return len(h) }

func (h taskHeap) Less(i, j int) bool {
	if h[i].priority != h[j].priority {
		return h[i].priority > h[j].priority
	}
	return h[i].seq < h[j].seq
}

func (h taskHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *taskHeap) Push(x any) {
	t := x.(*task)
	t.index = len(*h)
	*h = append(*h, t)
}

func (h *taskHeap) Pop() any {
	old := *h
	n := len(old)
	t := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return t
}

// Scheduler runs tasks with bounded concurrency and priority admission.
type Scheduler struct {
	cfg       config.SchedulerConfig
	collector *metrics.Collector
	logger    *zap.Logger

	submitCh chan *task
	sem      chan struct{}
	stopCh   chan struct{}
	wg       sync.WaitGroup

	seq     uint64
	depth   int64
	running int64

	submitted int64
	completed int64
	failed    int64
	timeouts  int64

	closeOnce sync.Once
}

// Stats is a snapshot of scheduler counters.
type Stats struct {
	QueueDepth int   `json:"queue_depth"`
	Running    int   `json:"running"`
	Submitted  int64 `json:"submitted"`
	Completed  int64 `json:"completed"`
	Failed     int64 `json:"failed"`
	Timeouts   int64 `json:"timeouts"`
}

// ParallelItem is one unit of an ExecuteParallel call.
type ParallelItem struct {
	ID       string
	Priority Priority
	Work     Work
}

// ParallelResult is the independent outcome of one ParallelItem.
type ParallelResult struct {
	Value any
	Err   error
}

// New creates a scheduler and starts its dispatcher.
func New(cfg config.SchedulerConfig, collector *metrics.Collector, logger *zap.Logger) (*Scheduler, error) {
	if err := cfg.Validate(); err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeValidation, "invalid scheduler config")
	}

	s := &Scheduler{
		cfg:       cfg,
		collector: collector,
		logger:    logger.With(zap.String("component", "scheduler")),
		submitCh:  make(chan *task),
		sem:       make(chan struct{}, cfg.MaxConcurrent),
		stopCh:    make(chan struct{}),
	}

	s.wg.Add(1)
	go s.dispatch()

	return s, nil
}

// ExecuteWithPriority runs work under the concurrency bound, admitting it
// ahead of lower-priority waiters. The timeout covers both queue wait and
// execution. Expiry before the work starts abandons it in the queue; expiry
// mid-execution cancels the work's context and releases the submitter without
// waiting for the goroutine to notice.
func (s *Scheduler) ExecuteWithPriority(ctx context.Context, priority Priority, timeout time.Duration, work Work) (any, error) {
	if work == nil {
		return nil, errors.New(errors.ErrorTypeValidation, "work must not be nil")
	}

	taskCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	t := &task{
		priority: priority,
		seq:      atomic.AddUint64(&s.seq, 1),
		ctx:      taskCtx,
		work:     work,
		result:   make(chan taskResult, 1),
	}

	select {
	case s.submitCh <- t:
	case <-s.stopCh:
		return nil, errors.New(errors.ErrorTypeCancelled, "scheduler closed")
	case <-taskCtx.Done():
		return nil, s.expiry(ctx)
	}
	atomic.AddInt64(&s.submitted, 1)
	s.collector.RecordCounter("scheduler_submitted", 1, metrics.Labels{"priority": priority.String()})

	select {
	case r := <-t.result:
		return r.value, r.err
	case <-taskCtx.Done():
		if atomic.CompareAndSwapInt32(&t.state, taskQueued, taskCancelled) {
			// Never started; the dispatcher discards it on pop
			atomic.AddInt64(&s.timeouts, 1)
			s.logger.Debug("task expired before admission",
				zap.Uint64("seq", t.seq),
				zap.String("priority", priority.String()))
			return nil, s.expiry(ctx)
		}
		// Started: taskCtx cancellation reaches the running work, which
		// stops at its next check. The result channel is buffered, so
		// the worker's send never blocks.
		atomic.AddInt64(&s.timeouts, 1)
		return nil, s.expiry(ctx)
	case <-s.stopCh:
		if atomic.CompareAndSwapInt32(&t.state, taskQueued, taskCancelled) {
			return nil, errors.New(errors.ErrorTypeCancelled, "scheduler closed")
		}
		r := <-t.result
		return r.value, r.err
	}
}

// ExecuteParallel runs all items under the shared concurrency bound at each
// item's priority and returns every result once all complete. One item's
// failure does not affect the others.
func (s *Scheduler) ExecuteParallel(ctx context.Context, timeout time.Duration, items []ParallelItem) map[string]ParallelResult {
	results := make(map[string]ParallelResult, len(items))
	if len(items) == 0 {
		return results
	}

	var mu sync.Mutex
	var wg sync.WaitGroup
	for _, item := range items {
		wg.Add(1)
		go func(item ParallelItem) {
			defer wg.Done()
			v, err := s.ExecuteWithPriority(ctx, item.Priority, timeout, item.Work)
			mu.Lock()
			results[item.ID] = ParallelResult{Value: v, Err: err}
			mu.Unlock()
		}(item)
	}
	wg.Wait()

	return results
}

// QueueDepth returns the number of tasks waiting for admission.
func (s *Scheduler) QueueDepth() int {
	return int(atomic.LoadInt64(&s.depth))
}

// Running returns the number of tasks currently executing.
func (s *Scheduler) Running() int {
	return int(atomic.LoadInt64(&s.running))
}

// Stats returns a snapshot of scheduler counters.
func (s *Scheduler) Stats() Stats {
	return Stats{
		QueueDepth: s.QueueDepth(),
		Running:    s.Running(),
		Submitted:  atomic.LoadInt64(&s.submitted),
		Completed:  atomic.LoadInt64(&s.completed),
		Failed:     atomic.LoadInt64(&s.failed),
		Timeouts:   atomic.LoadInt64(&s.timeouts),
	}
}

// Close stops admission. Queued tasks are released with ErrorTypeCancelled;
// running tasks finish on their own. Close blocks until the dispatcher and
// all workers return.
func (s *Scheduler) Close() {
	s.closeOnce.Do(func() {
		close(s.stopCh)
		s.wg.Wait()
		s.logger.Info("scheduler closed",
			zap.Int64("completed", atomic.LoadInt64(&s.completed)),
			zap.Int64("failed", atomic.LoadInt64(&s.failed)),
			zap.Int64("timeouts", atomic.LoadInt64(&s.timeouts)))
	})
}

// dispatch owns the ready heap. It admits the highest-priority task whenever
// a semaphore slot is free, and stops accepting submissions once the heap
// reaches QueueSize.
func (s *Scheduler) dispatch() {
	defer s.wg.Done()

	ready := &taskHeap{}
	heap.Init(ready)

	for {
		// QueueSize 0 leaves the ready queue unbounded
		var submitCh chan *task
		if s.cfg.QueueSize <= 0 || ready.Len() < s.cfg.QueueSize {
			submitCh = s.submitCh
		}

		if ready.Len() == 0 {
			select {
			case t := <-submitCh:
				s.enqueue(ready, t)
			case <-s.stopCh:
				return
			}
			continue
		}

		select {
		case t := <-submitCh:
			s.enqueue(ready, t)
		case s.sem <- struct{}{}:
			t := heap.Pop(ready).(*task)
			atomic.AddInt64(&s.depth, -1)
			metrics.QueueDepth.WithLabelValues("scheduler").Dec()

			if !atomic.CompareAndSwapInt32(&t.state, taskQueued, taskStarted) {
				// Submitter already gave up on it
				<-s.sem
				continue
			}
			atomic.AddInt64(&s.running, 1)
			s.wg.Add(1)
			go s.run(t)
		case <-s.stopCh:
			return
		}
	}
}

func (s *Scheduler) enqueue(ready *taskHeap, t *task) {
	heap.Push(ready, t)
	atomic.AddInt64(&s.depth, 1)
	metrics.QueueDepth.WithLabelValues("scheduler").Inc()
}

func (s *Scheduler) run(t *task) {
	defer s.wg.Done()
	defer func() {
		atomic.AddInt64(&s.running, -1)
		<-s.sem
	}()

	timer := metrics.NewTimer()
	v, err := t.work(t.ctx)
	elapsed := timer.Stop()

	s.collector.RecordHistogram("scheduler_execution_latency", float64(elapsed.Nanoseconds()),
		metrics.Labels{"priority": t.priority.String()})
	metrics.OperationLatency.WithLabelValues("scheduler", "execute").Observe(float64(elapsed.Nanoseconds()))

	if err != nil {
		atomic.AddInt64(&s.failed, 1)
		metrics.OperationsTotal.WithLabelValues("scheduler", "execute", "error").Inc()
	} else {
		atomic.AddInt64(&s.completed, 1)
		metrics.OperationsTotal.WithLabelValues("scheduler", "execute", "success").Inc()
	}

	t.result <- taskResult{value: v, err: err}
}

// expiry distinguishes caller cancellation from timeout.
func (s *Scheduler) expiry(parent context.Context) error {
	if parent.Err() != nil {
		return errors.Wrap(parent.Err(), errors.ErrorTypeCancelled, "task cancelled")
	}
	return errors.New(errors.ErrorTypeTimeout, "task timed out")
}
