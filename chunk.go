package cryptofs

import (
	"container/list"
	"fmt"
	"sync"
	"sync/atomic"
)

// Chunk is a cached cleartext chunk handed out by a ChunkCache.
//
// Every successful GetChunk or PutChunk must be paired with exactly one
// Close. While any holder has the chunk open it stays in the cache and its
// buffer stays valid; after the last Close it becomes stale and may be
// saved and evicted at any time.
type Chunk struct {
	index int64
	cache *ChunkCache

	mu       sync.RWMutex
	data     []byte
	recycled bool

	dirty    atomic.Bool
	accesses atomic.Int32 // modified only under cache.mu

	// guarded by cache.mu
	evicting  chan struct{} // closed once an in-flight eviction settles
	staleElem *list.Element
}

// Index returns the position of the chunk within its file
func (ch *Chunk) Index() int64 {
	return ch.index
}

// IsDirty reports whether the chunk has unsaved modifications
func (ch *Chunk) IsDirty() bool {
	return ch.dirty.Load()
}

// CurrentAccesses returns the number of open holders
func (ch *Chunk) CurrentAccesses() int32 {
	return ch.accesses.Load()
}

// Len returns the number of cleartext bytes in the chunk
func (ch *Chunk) Len() int {
	ch.mu.RLock()
	defer ch.mu.RUnlock()
	return len(ch.data)
}

// ReadAt copies chunk bytes starting at off into p and returns the count
func (ch *Chunk) ReadAt(p []byte, off int) int {
	ch.mu.RLock()
	defer ch.mu.RUnlock()
	if off < 0 || off >= len(ch.data) {
		return 0
	}
	return copy(p, ch.data[off:])
}

// WriteAt copies p into the chunk at off, growing it up to its capacity and
// zero-filling any gap. It returns the number of bytes written.
func (ch *Chunk) WriteAt(p []byte, off int) int {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	if off < 0 || off > cap(ch.data) {
		return 0
	}
	end := min(off+len(p), cap(ch.data))
	if end > len(ch.data) {
		old := len(ch.data)
		ch.data = ch.data[:end]
		if off > old {
			clear(ch.data[old:off])
		}
	}
	n := copy(ch.data[off:end], p)
	ch.dirty.Store(true)
	return n
}

// Truncate sets the chunk length to n, zero-filling when growing
func (ch *Chunk) Truncate(n int) {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	n = max(0, min(n, cap(ch.data)))
	if n == len(ch.data) {
		return
	}
	old := len(ch.data)
	ch.data = ch.data[:n]
	if n > old {
		clear(ch.data[old:])
	}
	ch.dirty.Store(true)
}

// Close releases this holder's reference
func (ch *Chunk) Close() error {
	return ch.cache.release(ch)
}

func (ch *Chunk) String() string {
	return fmt.Sprintf("chunk %d (accesses=%d dirty=%t)", ch.index, ch.accesses.Load(), ch.dirty.Load())
}

// replace swaps in a new buffer and returns the old one
func (ch *Chunk) replace(data []byte) []byte {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	old := ch.data
	ch.data = data
	ch.dirty.Store(true)
	return old
}

// takeBuffer marks the chunk recycled and returns its buffer, or nil if it
// was already taken
func (ch *Chunk) takeBuffer() ([]byte, bool) {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	if ch.recycled {
		return nil, false
	}
	ch.recycled = true
	buf := ch.data
	ch.data = nil
	return buf, true
}
