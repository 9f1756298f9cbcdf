package cryptofs

import "sync"

// BufferPool leases fixed-capacity cleartext buffers, one chunk payload each.
//
// Lease returns an empty slice with capacity Size. Recycle hands a buffer
// back; a buffer must not be recycled twice without an intervening lease,
// and its previous holder must not touch it afterwards. Buffers are not
// zeroed on recycle.
type BufferPool struct {
	size int
	pool sync.Pool
}

// NewBufferPool creates a pool of buffers with capacity size
func NewBufferPool(size int) *BufferPool {
	p := &BufferPool{size: size}
	p.pool.New = func() any {
		buf := make([]byte, 0, size)
		return &buf
	}
	return p
}

// Size returns the capacity of leased buffers
func (p *BufferPool) Size() int {
	return p.size
}

// Lease returns a zero-length buffer with capacity Size
func (p *BufferPool) Lease() []byte {
	bufPtr := p.pool.Get().(*[]byte)
	return (*bufPtr)[:0]
}

// Recycle returns buf to the pool. Buffers of a foreign capacity are dropped.
func (p *BufferPool) Recycle(buf []byte) {
	if cap(buf) != p.size {
		return
	}
	buf = buf[:0]
	p.pool.Put(&buf)
}
