// Package arena provides size-classed buffer pooling for the substrate.
// It reuses freed buffers through per-class free lists, enforces a global
// memory budget, and offers copy-on-write buffers for shared immutable data.
// Reuse significantly reduces garbage collection pressure for the cache and
// batch coalescer, which allocate on every operation otherwise.
//
// Example usage:
//
//	a, err := arena.New(cfg)
//	buf, err := a.Allocate(1500)   // returns a 2KB-class buffer, length 1500
//	defer a.Release(buf)
//
//	copy(buf.Bytes(), payload)
package arena

import (
	"sync"
	"sync/atomic"

	"github.com/orbitdrift/substrate/pkg/config"
	"github.com/orbitdrift/substrate/pkg/errors"
)

// classSizes are the power-of-two size classes from 256B to 4MB.
var classSizes = []int{
	256,
	512,
	1024,
	2048,
	4096,
	8192,
	16384,
	32768,
	65536,
	131072,
	262144,
	524288,
	1048576,
	2097152,
	4194304,
}

// Buffer is a checked-out arena buffer. It is exclusively owned by the caller
// until released back to the arena.
type Buffer struct {
	data     []byte
	class    int
	released int32
}

// Bytes returns the buffer's byte slice, sized to the requested length.
func (b *Buffer) Bytes() []byte {
	return b.data
}

// Len returns the requested length of the buffer.
func (b *Buffer) Len() int {
	return len(b.data)
}

// Cap returns the size-class capacity of the buffer.
func (b *Buffer) Cap() int {
	return cap(b.data)
}

// Arena is a size-classed buffer pool with a global memory budget.
// It is safe for concurrent use.
type Arena struct {
	cfg  config.MemoryConfig
	mu   sync.Mutex
	free [][][]byte // free[class] is the free list for that class

	// Byte accounting: allocated covers free + checked out
	allocatedBytes int64
	inUseBytes     int64

	hits   int64
	misses int64
	gcRuns int64
}

// Stats is a point-in-time snapshot of arena accounting.
type Stats struct {
	AllocatedBytes int64 `json:"allocated_bytes"`
	InUseBytes     int64 `json:"in_use_bytes"`
	FreeBuffers    int   `json:"free_buffers"`
	Hits           int64 `json:"hits"`
	Misses         int64 `json:"misses"`
	GCRuns         int64 `json:"gc_runs"`
}

// New creates an arena from a validated memory configuration.
func New(cfg config.MemoryConfig) (*Arena, error) {
	if err := cfg.Validate(); err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeValidation, "invalid memory config")
	}
	return &Arena{
		cfg:  cfg,
		free: make([][][]byte, len(classSizes)),
	}, nil
}

// Allocate returns a buffer from the smallest size class that fits size,
// reusing a freed buffer when one is available. It fails with a memory error
// when the request cannot fit any class or would exceed the configured budget.
func (a *Arena) Allocate(size int) (*Buffer, error) {
	if size <= 0 {
		return nil, errors.Newf(errors.ErrorTypeValidation, "allocation size must be positive, got %d", size)
	}

	class := classFor(size)
	if class < 0 {
		return nil, errors.Newf(errors.ErrorTypeMemory, "allocation of %d bytes exceeds largest size class %d", size, classSizes[len(classSizes)-1])
	}
	classSize := classSizes[class]

	a.mu.Lock()

	if list := a.free[class]; len(list) > 0 {
		data := list[len(list)-1]
		a.free[class] = list[:len(list)-1]
		a.inUseBytes += int64(classSize)
		a.mu.Unlock()

		atomic.AddInt64(&a.hits, 1)
		return &Buffer{data: data[:size], class: class}, nil
	}

	if a.allocatedBytes+int64(classSize) > a.cfg.MaxMemoryBytes {
		// Reclaim free-list memory before giving up
		a.collectLocked()
		if a.allocatedBytes+int64(classSize) > a.cfg.MaxMemoryBytes {
			a.mu.Unlock()
			return nil, errors.Newf(errors.ErrorTypeMemory, "arena budget exhausted: %d of %d bytes allocated", a.allocatedBytes, a.cfg.MaxMemoryBytes)
		}
	}

	a.allocatedBytes += int64(classSize)
	a.inUseBytes += int64(classSize)
	autoGC := a.cfg.EnableAutoGC && float64(a.allocatedBytes) > a.cfg.WarningThreshold*float64(a.cfg.MaxMemoryBytes)
	if autoGC {
		a.collectLocked()
	}
	a.mu.Unlock()

	atomic.AddInt64(&a.misses, 1)
	data := make([]byte, classSize)
	return &Buffer{data: data[:size], class: class}, nil
}

// Release returns a buffer to its size class's free list. Releasing the same
// buffer twice is a no-op.
func (a *Arena) Release(b *Buffer) {
	if b == nil || !atomic.CompareAndSwapInt32(&b.released, 0, 1) {
		return
	}

	classSize := classSizes[b.class]

	a.mu.Lock()
	a.free[b.class] = append(a.free[b.class], b.data[:classSize])
	a.inUseBytes -= int64(classSize)
	a.mu.Unlock()

	b.data = nil
}

// GarbageCollect trims each class's free list down to the retention target
// and returns the number of bytes freed.
func (a *Arena) GarbageCollect() int64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.collectLocked()
}

// collectLocked trims free lists. Caller must hold a.mu.
func (a *Arena) collectLocked() int64 {
	var freed int64
	for class, list := range a.free {
		if len(list) <= a.cfg.RetainPerClass {
			continue
		}
		excess := len(list) - a.cfg.RetainPerClass
		freed += int64(excess * classSizes[class])
		// Drop the oldest entries, keep the most recently released
		a.free[class] = append([][]byte(nil), list[excess:]...)
	}
	a.allocatedBytes -= freed
	a.gcRuns++
	return freed
}

// Stats returns a snapshot of arena accounting.
func (a *Arena) Stats() Stats {
	a.mu.Lock()
	freeCount := 0
	for _, list := range a.free {
		freeCount += len(list)
	}
	s := Stats{
		AllocatedBytes: a.allocatedBytes,
		InUseBytes:     a.inUseBytes,
		FreeBuffers:    freeCount,
		GCRuns:         a.gcRuns,
	}
	a.mu.Unlock()

	s.Hits = atomic.LoadInt64(&a.hits)
	s.Misses = atomic.LoadInt64(&a.misses)
	return s
}

// AllocatedBytes returns the total bytes currently held by the arena.
func (a *Arena) AllocatedBytes() int64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.allocatedBytes
}

// classFor returns the index of the smallest class that fits size, or -1.
func classFor(size int) int {
	for i, s := range classSizes {
		if s >= size {
			return i
		}
	}
	return -1
}
