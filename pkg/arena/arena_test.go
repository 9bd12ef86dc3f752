package arena

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/orbitdrift/substrate/pkg/config"
	"github.com/orbitdrift/substrate/pkg/errors"
)

func testMemConfig() config.MemoryConfig {
	return config.MemoryConfig{
		MaxMemoryBytes:   1 << 20, // 1MB
		WarningThreshold: 0.9,
		RetainPerClass:   4,
		EnableAutoGC:     false,
	}
}

func TestAllocateRoundsUpToClass(t *testing.T) {
	a, err := New(testMemConfig())
	require.NoError(t, err)

	buf, err := a.Allocate(100)
	require.NoError(t, err)
	assert.Equal(t, 100, buf.Len())
	assert.Equal(t, 256, buf.Cap())

	buf2, err := a.Allocate(300)
	require.NoError(t, err)
	assert.Equal(t, 512, buf2.Cap())
}

func TestReleaseThenAllocateReuses(t *testing.T) {
	a, err := New(testMemConfig())
	require.NoError(t, err)

	buf, err := a.Allocate(100)
	require.NoError(t, err)
	allocated := a.AllocatedBytes()

	a.Release(buf)

	buf2, err := a.Allocate(100)
	require.NoError(t, err)
	defer a.Release(buf2)

	// Reuse, not fresh allocation: no net growth in allocated bytes
	assert.Equal(t, allocated, a.AllocatedBytes())
	s := a.Stats()
	assert.Equal(t, int64(1), s.Hits)
	assert.Equal(t, int64(1), s.Misses)
}

func TestDoubleReleaseIsNoop(t *testing.T) {
	a, err := New(testMemConfig())
	require.NoError(t, err)

	buf, err := a.Allocate(64)
	require.NoError(t, err)

	a.Release(buf)
	a.Release(buf)

	assert.Equal(t, 1, a.Stats().FreeBuffers)
}

func TestAllocateExceedingBudgetFails(t *testing.T) {
	cfg := testMemConfig()
	cfg.MaxMemoryBytes = 1024
	a, err := New(cfg)
	require.NoError(t, err)

	_, err = a.Allocate(1024)
	require.NoError(t, err)

	_, err = a.Allocate(1024)
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypeMemory))
}

func TestAllocateAboveLargestClassFails(t *testing.T) {
	a, err := New(config.MemoryConfig{MaxMemoryBytes: 1 << 30, WarningThreshold: 0.9, RetainPerClass: 4})
	require.NoError(t, err)

	_, err = a.Allocate(8 << 20)
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypeMemory))
}

func TestBudgetRecoveredFromFreeLists(t *testing.T) {
	cfg := testMemConfig()
	cfg.MaxMemoryBytes = 2048
	cfg.RetainPerClass = 0
	a, err := New(cfg)
	require.NoError(t, err)

	buf, err := a.Allocate(2048)
	require.NoError(t, err)
	a.Release(buf)

	// Budget is full but held entirely by the free list; allocation of a
	// different class reclaims it
	small, err := a.Allocate(256)
	require.NoError(t, err)
	a.Release(small)
}

func TestGarbageCollectTrimsFreeLists(t *testing.T) {
	cfg := testMemConfig()
	cfg.RetainPerClass = 2
	a, err := New(cfg)
	require.NoError(t, err)

	bufs := make([]*Buffer, 6)
	for i := range bufs {
		b, err := a.Allocate(256)
		require.NoError(t, err)
		bufs[i] = b
	}
	for _, b := range bufs {
		a.Release(b)
	}

	freed := a.GarbageCollect()
	assert.Equal(t, int64(4*256), freed)
	assert.Equal(t, 2, a.Stats().FreeBuffers)
}

func TestAutoGCOnWarningThreshold(t *testing.T) {
	cfg := config.MemoryConfig{
		MaxMemoryBytes:   4096,
		WarningThreshold: 0.5,
		RetainPerClass:   0,
		EnableAutoGC:     true,
	}
	a, err := New(cfg)
	require.NoError(t, err)

	b1, err := a.Allocate(1024)
	require.NoError(t, err)
	a.Release(b1)

	// Crossing the threshold triggers collection of the free list
	b2, err := a.Allocate(2048)
	require.NoError(t, err)
	defer a.Release(b2)

	assert.Equal(t, 0, a.Stats().FreeBuffers)
	assert.GreaterOrEqual(t, a.Stats().GCRuns, int64(1))
}

func TestConcurrentAllocateRelease(t *testing.T) {
	cfg := testMemConfig()
	cfg.MaxMemoryBytes = 64 << 20
	a, err := New(cfg)
	require.NoError(t, err)

	done := make(chan struct{})
	for g := 0; g < 8; g++ {
		go func() {
			defer func() { done <- struct{}{} }()
			for i := 0; i < 200; i++ {
				b, err := a.Allocate(512)
				if err != nil {
					t.Error(err)
					return
				}
				a.Release(b)
			}
		}()
	}
	for g := 0; g < 8; g++ {
		<-done
	}

	assert.Equal(t, int64(0), a.Stats().InUseBytes)
}
