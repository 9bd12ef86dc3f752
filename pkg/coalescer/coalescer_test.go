package coalescer

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/orbitdrift/substrate/pkg/arena"
	"github.com/orbitdrift/substrate/pkg/config"
	"github.com/orbitdrift/substrate/pkg/connpool"
	"github.com/orbitdrift/substrate/pkg/errors"
	"github.com/orbitdrift/substrate/pkg/metrics"
	"github.com/orbitdrift/substrate/pkg/scheduler"
)

type fakeConn struct{}

func (fakeConn) IsAlive(context.Context) bool { return true }
func (fakeConn) Close() error                 { return nil }

type fakeTransport struct {
	opened int64
}

func (t *fakeTransport) Open(context.Context) (connpool.Conn, error) {
	atomic.AddInt64(&t.opened, 1)
	return fakeConn{}, nil
}

// echoSender answers every operation with its payload, optionally failing
// whole calls or individual operations first.
type echoSender struct {
	mu        sync.Mutex
	calls     [][]Operation
	failCalls int
	failIDs   map[string]error
}

func (s *echoSender) SendBatch(ctx context.Context, conn *connpool.PooledConn, ops []Operation) ([]OpResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	copied := make([]Operation, len(ops))
	copy(copied, ops)
	s.calls = append(s.calls, copied)

	if s.failCalls > 0 {
		s.failCalls--
		return nil, errors.New(errors.ErrorTypeConnection, "transport down")
	}

	results := make([]OpResult, 0, len(ops))
	for _, op := range ops {
		if err, ok := s.failIDs[op.ID]; ok {
			results = append(results, OpResult{ID: op.ID, Err: err})
			continue
		}
		results = append(results, OpResult{ID: op.ID, Value: append([]byte("echo:"), op.Payload...)})
	}
	return results, nil
}

func (s *echoSender) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.calls)
}

func (s *echoSender) call(i int) []Operation {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[i]
}

type fixture struct {
	coalescer *Coalescer
	sender    *echoSender
	transport *fakeTransport
}

func newFixture(t *testing.T, cfg config.BatchConfig) *fixture {
	t.Helper()
	logger := zaptest.NewLogger(t)

	collector := metrics.NewCollector(config.MetricsConfig{
		AggregationInterval: time.Second,
		RetentionPeriod:     time.Minute,
		BufferSize:          1024,
	})
	t.Cleanup(collector.Close)

	a, err := arena.New(config.MemoryConfig{
		MaxMemoryBytes:   16 << 20,
		WarningThreshold: 0.9,
		RetainPerClass:   8,
	})
	require.NoError(t, err)

	transport := &fakeTransport{}
	pool, err := connpool.New(config.PoolConfig{
		MaxConnections:      4,
		MinConnections:      0,
		MaxIdleTime:         time.Minute,
		ConnectTimeout:      time.Second,
		AcquireTimeout:      time.Second,
		HealthCheckInterval: time.Minute,
	}, transport, collector, logger)
	require.NoError(t, err)
	t.Cleanup(pool.Close)

	sched, err := scheduler.New(config.SchedulerConfig{MaxConcurrent: 4, QueueSize: 64}, collector, logger)
	require.NoError(t, err)
	t.Cleanup(sched.Close)

	sender := &echoSender{}
	c, err := New(cfg, pool, sched, a, sender, collector, logger)
	require.NoError(t, err)
	t.Cleanup(c.Close)

	return &fixture{coalescer: c, sender: sender, transport: transport}
}

func testBatchConfig() config.BatchConfig {
	return config.BatchConfig{
		MaxBatchSize:         4,
		MaxBatchDelay:        time.Second,
		MaxConcurrentBatches: 2,
		RetryAttempts:        2,
		RetryDelay:           10 * time.Millisecond,
	}
}

func TestBatchFlushesAtMaxSize(t *testing.T) {
	f := newFixture(t, testBatchConfig())

	var wg sync.WaitGroup
	results := make([]Result, 4)
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			r, err := f.coalescer.Submit(context.Background(), Operation{
				ID:      fmt.Sprintf("op-%d", i),
				Kind:    "write",
				Payload: []byte(fmt.Sprintf("p%d", i)),
			})
			assert.NoError(t, err)
			results[i] = r
		}(i)
	}
	wg.Wait()

	require.Equal(t, 1, f.sender.callCount(), "four ops at MaxBatchSize=4 make one call")
	assert.Len(t, f.sender.call(0), 4)
	for i, r := range results {
		assert.Equal(t, []byte(fmt.Sprintf("echo:p%d", i)), r.Value)
	}
}

func TestBatchFlushesOnDelay(t *testing.T) {
	cfg := testBatchConfig()
	cfg.MaxBatchDelay = 50 * time.Millisecond
	f := newFixture(t, cfg)

	start := time.Now()
	r, err := f.coalescer.Submit(context.Background(), Operation{ID: "solo", Kind: "read", Payload: []byte("x")})
	require.NoError(t, err)
	assert.Equal(t, []byte("echo:x"), r.Value)
	assert.GreaterOrEqual(t, time.Since(start), 50*time.Millisecond)
	assert.Equal(t, 1, f.sender.callCount())
}

func TestBatchUsesOneConnection(t *testing.T) {
	f := newFixture(t, testBatchConfig())

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := f.coalescer.Submit(context.Background(), Operation{
				ID:   fmt.Sprintf("op-%d", i),
				Kind: "write",
			})
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int64(1), atomic.LoadInt64(&f.transport.opened))
}

func TestKindsBatchSeparately(t *testing.T) {
	cfg := testBatchConfig()
	cfg.MaxBatchSize = 2
	f := newFixture(t, cfg)

	var wg sync.WaitGroup
	for n, kind := range []string{"read", "read", "write", "write"} {
		wg.Add(1)
		go func(kind string, n int) {
			defer wg.Done()
			_, err := f.coalescer.Submit(context.Background(), Operation{
				ID:   fmt.Sprintf("%s-%d", kind, n),
				Kind: kind,
			})
			assert.NoError(t, err)
		}(kind, n)
	}
	wg.Wait()

	require.Equal(t, 2, f.sender.callCount())
	for i := 0; i < 2; i++ {
		ops := f.sender.call(i)
		require.Len(t, ops, 2)
		assert.Equal(t, ops[0].Kind, ops[1].Kind, "a batch holds a single kind")
	}
}

func TestWholeBatchRetriesThenSucceeds(t *testing.T) {
	f := newFixture(t, testBatchConfig())
	f.sender.failCalls = 1

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			r, err := f.coalescer.Submit(context.Background(), Operation{
				ID:      fmt.Sprintf("op-%d", i),
				Kind:    "write",
				Payload: []byte("v"),
			})
			assert.NoError(t, err)
			assert.Equal(t, []byte("echo:v"), r.Value)
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 2, f.sender.callCount())
	assert.Equal(t, int64(1), f.coalescer.Stats().Retries)
}

func TestRetryExhaustionFailsEveryMember(t *testing.T) {
	cfg := testBatchConfig()
	cfg.RetryAttempts = 1
	f := newFixture(t, cfg)
	f.sender.failCalls = 10

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := f.coalescer.Submit(context.Background(), Operation{
				ID:   fmt.Sprintf("op-%d", i),
				Kind: "write",
			})
			require.Error(t, err)
			assert.True(t, errors.IsType(err, errors.ErrorTypeBatch))
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 2, f.sender.callCount(), "initial attempt plus one retry")
	assert.Equal(t, int64(1), f.coalescer.Stats().Failures)
}

func TestPartialFailureReachesOnlyAffectedSubmitter(t *testing.T) {
	f := newFixture(t, testBatchConfig())
	opErr := errors.New(errors.ErrorTypeValidation, "rejected by endpoint")
	f.sender.failIDs = map[string]error{"op-1": opErr}

	var wg sync.WaitGroup
	errs := make([]error, 4)
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := f.coalescer.Submit(context.Background(), Operation{
				ID:   fmt.Sprintf("op-%d", i),
				Kind: "write",
			})
			errs[i] = err
		}(i)
	}
	wg.Wait()

	assert.Error(t, errs[1])
	for _, i := range []int{0, 2, 3} {
		assert.NoError(t, errs[i], "op-%d", i)
	}
	assert.Equal(t, 1, f.sender.callCount(), "partial failure does not retry the batch")
}

func TestExpiredDeadlineFailsIndividually(t *testing.T) {
	cfg := testBatchConfig()
	cfg.MaxBatchSize = 2
	f := newFixture(t, cfg)

	var wg sync.WaitGroup
	var expiredErr, liveErr error
	wg.Add(2)
	go func() {
		defer wg.Done()
		_, expiredErr = f.coalescer.Submit(context.Background(), Operation{
			ID:       "expired",
			Kind:     "write",
			Deadline: time.Now().Add(-time.Second),
		})
	}()
	go func() {
		defer wg.Done()
		_, liveErr = f.coalescer.Submit(context.Background(), Operation{
			ID:   "live",
			Kind: "write",
		})
	}()
	wg.Wait()

	require.Error(t, expiredErr)
	assert.True(t, errors.IsType(expiredErr, errors.ErrorTypeTimeout))
	assert.NoError(t, liveErr)

	require.Equal(t, 1, f.sender.callCount())
	ops := f.sender.call(0)
	require.Len(t, ops, 1)
	assert.Equal(t, "live", ops[0].ID)
}

func TestSubmitAfterClose(t *testing.T) {
	f := newFixture(t, testBatchConfig())
	f.coalescer.Close()

	_, err := f.coalescer.Submit(context.Background(), Operation{ID: "late", Kind: "write"})
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypeCancelled))
}

func TestSubmitterContextCancellation(t *testing.T) {
	cfg := testBatchConfig()
	cfg.MaxBatchDelay = 10 * time.Second // keep the batch pending
	f := newFixture(t, cfg)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := f.coalescer.Submit(ctx, Operation{ID: "op", Kind: "write"})
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypeCancelled))
}

func TestEmptyKindRejected(t *testing.T) {
	f := newFixture(t, testBatchConfig())

	_, err := f.coalescer.Submit(context.Background(), Operation{ID: "op"})
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypeValidation))
}
