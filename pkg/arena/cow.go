package arena

import (
	"sync/atomic"

	"github.com/orbitdrift/substrate/pkg/errors"
)

// sharedRegion is the reference-counted immutable backing of a CowBuffer.
// The arena buffer is released once the last reference is dropped.
type sharedRegion struct {
	a    *Arena
	buf  *Buffer
	refs int64
}

// CowBuffer wraps a shared immutable byte region. Clones share the region;
// the first write by any holder detaches into a private buffer, leaving the
// other holders' views unaffected.
//
// A CowBuffer wrapper is owned by a single goroutine; the shared region it
// points at may be referenced from many.
type CowBuffer struct {
	shared   *sharedRegion
	owned    *Buffer
	a        *Arena
	length   int
	released int32
}

// CreateCowBuffer copies initial into an arena-backed shared region and
// returns the first reference to it.
func (a *Arena) CreateCowBuffer(initial []byte) (*CowBuffer, error) {
	cow := &CowBuffer{a: a, length: len(initial)}
	if len(initial) == 0 {
		return cow, nil
	}

	buf, err := a.Allocate(len(initial))
	if err != nil {
		return nil, err
	}
	copy(buf.Bytes(), initial)

	cow.shared = &sharedRegion{a: a, buf: buf, refs: 1}
	return cow, nil
}

// Clone returns a new reference sharing the same immutable region. A detached
// holder's private copy is never shared; cloning one copies the current
// contents into a fresh region.
func (c *CowBuffer) Clone() *CowBuffer {
	if c.owned != nil {
		clone, err := c.a.CreateCowBuffer(c.Bytes())
		if err != nil {
			// Fall back to an unpooled private copy; released marks it so
			// the arena never takes it back
			data := make([]byte, c.length)
			copy(data, c.Bytes())
			return &CowBuffer{a: c.a, owned: &Buffer{data: data, released: 1}, length: c.length}
		}
		return clone
	}
	if c.shared != nil {
		atomic.AddInt64(&c.shared.refs, 1)
	}
	return &CowBuffer{a: c.a, shared: c.shared, length: c.length}
}

// Bytes returns a read-only view of the buffer contents. Callers must not
// mutate the returned slice; use Write or Append instead.
func (c *CowBuffer) Bytes() []byte {
	switch {
	case c.owned != nil:
		return c.owned.Bytes()[:c.length]
	case c.shared != nil:
		return c.shared.buf.Bytes()[:c.length]
	default:
		return nil
	}
}

// Len returns the logical length of the buffer.
func (c *CowBuffer) Len() int {
	return c.length
}

// RefCount returns the number of references to the shared region, or 1 for a
// detached buffer.
func (c *CowBuffer) RefCount() int64 {
	if c.shared == nil {
		return 1
	}
	return atomic.LoadInt64(&c.shared.refs)
}

// Write copies p into the buffer at offset, detaching from the shared region
// first. The buffer grows if offset+len(p) exceeds the current length.
func (c *CowBuffer) Write(offset int, p []byte) error {
	need := offset + len(p)
	if need < c.length {
		need = c.length
	}
	if err := c.detach(need); err != nil {
		return err
	}
	copy(c.owned.Bytes()[offset:], p)
	if need > c.length {
		c.length = need
	}
	return nil
}

// SetByte sets a single byte at offset, detaching from the shared region
// first.
func (c *CowBuffer) SetByte(offset int, v byte) error {
	if offset < 0 || offset >= c.length {
		return errors.Newf(errors.ErrorTypeValidation, "offset %d out of range for buffer of %d bytes", offset, c.length)
	}
	return c.Write(offset, []byte{v})
}

// Append appends p to the buffer, detaching from the shared region first.
func (c *CowBuffer) Append(p []byte) error {
	return c.Write(c.length, p)
}

// detach ensures the buffer has a private copy with capacity for at least
// need bytes, copying current contents and dropping the shared reference.
func (c *CowBuffer) detach(need int) error {
	if c.owned != nil && c.owned.Cap() >= need {
		c.owned.data = c.owned.data[:need]
		return nil
	}

	buf, err := c.a.Allocate(need)
	if err != nil {
		return err
	}
	copy(buf.Bytes(), c.Bytes())

	if c.owned != nil {
		c.a.Release(c.owned)
	}
	c.owned = buf
	c.dropShared()
	return nil
}

// dropShared releases this reference to the shared region, returning the
// backing buffer to the arena when it was the last one.
func (c *CowBuffer) dropShared() {
	if c.shared == nil {
		return
	}
	if atomic.AddInt64(&c.shared.refs, -1) == 0 {
		c.shared.a.Release(c.shared.buf)
	}
	c.shared = nil
}

// Release drops this holder's reference. The backing memory returns to the
// arena once no references remain. Releasing twice is a no-op.
func (c *CowBuffer) Release() {
	if c == nil || !atomic.CompareAndSwapInt32(&c.released, 0, 1) {
		return
	}
	if c.owned != nil {
		c.a.Release(c.owned)
		c.owned = nil
	}
	c.dropShared()
}
