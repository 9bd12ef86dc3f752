package metrics

import (
	"fmt"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/orbitdrift/substrate/pkg/config"
)

func testConfig() config.MetricsConfig {
	return config.MetricsConfig{
		AggregationInterval: 50 * time.Millisecond,
		RetentionPeriod:     time.Second,
		BufferSize:          256,
	}
}

// waitFor polls until the condition holds or the timeout expires.
func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met within timeout")
}

func TestCounterAggregation(t *testing.T) {
	c := NewCollector(testConfig())
	defer c.Close()

	for i := 0; i < 5; i++ {
		c.RecordCounter("acquires", 1, Labels{"result": "hit"})
	}

	waitFor(t, time.Second, func() bool {
		v, ok := c.GetAllMetrics()["acquires{result=hit}"]
		return ok && v.Count == 5
	})

	v := c.GetAllMetrics()["acquires{result=hit}"]
	assert.Equal(t, KindCounter, v.Kind)
	assert.Equal(t, float64(5), v.Sum)
}

func TestGaugeKeepsLastValue(t *testing.T) {
	c := NewCollector(testConfig())
	defer c.Close()

	c.RecordGauge("queue_depth", 3, nil)
	c.RecordGauge("queue_depth", 7, nil)

	waitFor(t, time.Second, func() bool {
		v, ok := c.GetAllMetrics()["queue_depth"]
		return ok && v.Count == 2
	})

	v := c.GetAllMetrics()["queue_depth"]
	assert.Equal(t, float64(7), v.Last)
}

func TestHistogramBuckets(t *testing.T) {
	c := NewCollector(testConfig())
	defer c.Close()

	c.RecordHistogram("latency", 500, nil)     // <= 1μs bucket
	c.RecordHistogram("latency", 5e6, nil)     // <= 10ms bucket
	c.RecordHistogram("latency", 5e6+1e5, nil) // <= 10ms bucket

	waitFor(t, time.Second, func() bool {
		v, ok := c.GetAllMetrics()["latency"]
		return ok && v.Count == 3
	})

	v := c.GetAllMetrics()["latency"]
	require.NotNil(t, v.Buckets)
	assert.Equal(t, int64(1), v.Buckets[1000])
	assert.Equal(t, int64(2), v.Buckets[1e7])
}

func TestHistogramValuesPastTopBound(t *testing.T) {
	c := NewCollector(testConfig())
	defer c.Close()

	c.RecordHistogram("latency", 500, nil)  // <= 1μs bucket
	c.RecordHistogram("latency", 5e10, nil) // past the 10s bound
	c.RecordHistogram("latency", 9e12, nil) // past the 10s bound

	waitFor(t, time.Second, func() bool {
		v, ok := c.GetAllMetrics()["latency"]
		return ok && v.Count == 3
	})

	v := c.GetAllMetrics()["latency"]
	require.NotNil(t, v.Buckets)
	assert.Equal(t, int64(2), v.Buckets[math.Inf(1)])

	var total int64
	for _, n := range v.Buckets {
		total += n
	}
	assert.Equal(t, v.Count, total, "every sample lands in some bucket")
}

func TestRecordNeverBlocksWhenFull(t *testing.T) {
	cfg := testConfig()
	cfg.BufferSize = 1
	cfg.AggregationInterval = time.Hour // aggregator sits idle on the ticker
	c := NewCollector(cfg)
	defer c.Close()

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 10000; i++ {
			c.RecordCounter("flood", 1, nil)
		}
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Record blocked under backpressure")
	}
	// Most of the flood cannot fit in a 1-slot buffer
	assert.Greater(t, c.DroppedSamples(), int64(0))
}

func TestRetentionDropsStaleSeries(t *testing.T) {
	cfg := testConfig()
	cfg.AggregationInterval = 20 * time.Millisecond
	cfg.RetentionPeriod = 60 * time.Millisecond
	c := NewCollector(cfg)
	defer c.Close()

	c.RecordCounter("oneshot", 1, nil)

	waitFor(t, time.Second, func() bool {
		_, ok := c.GetAllMetrics()["oneshot"]
		return ok
	})
	waitFor(t, time.Second, func() bool {
		_, ok := c.GetAllMetrics()["oneshot"]
		return !ok
	})
}

func TestSeriesKeyStableAcrossLabelOrder(t *testing.T) {
	a := seriesKey("m", Labels{"a": "1", "b": "2"})
	b := seriesKey("m", Labels{"b": "2", "a": "1"})
	assert.Equal(t, a, b)
	assert.Equal(t, "m{a=1}{b=2}", a)
}

func TestManySeriesConcurrent(t *testing.T) {
	c := NewCollector(testConfig())
	defer c.Close()

	for g := 0; g < 8; g++ {
		go func(g int) {
			for i := 0; i < 100; i++ {
				c.RecordCounter(fmt.Sprintf("series_%d", g), 1, nil)
			}
		}(g)
	}

	waitFor(t, 2*time.Second, func() bool {
		all := c.GetAllMetrics()
		total := int64(0)
		for _, v := range all {
			total += v.Count
		}
		return total+c.DroppedSamples() >= 800
	})
}
