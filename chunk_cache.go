package cryptofs

import (
	"container/list"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"

	"golang.org/x/sync/singleflight"
)

// ChunkLoader decrypts chunk index of a file into a cleartext buffer.
// Integrity failures are reported as authentication errors.
type ChunkLoader interface {
	Load(index int64) ([]byte, error)
}

// ChunkSaver encrypts and persists the cleartext of chunk index.
type ChunkSaver interface {
	Save(index int64, data []byte) error
}

// BufferRecycler takes back buffers dropped by the cache.
type BufferRecycler interface {
	Recycle(buf []byte)
}

// CacheStats receives chunk cache counters.
type CacheStats interface {
	AddChunkCacheAccess()
	AddChunkCacheMiss()
}

// ChunkLoaderFunc adapts a function to ChunkLoader
type ChunkLoaderFunc func(index int64) ([]byte, error)

func (f ChunkLoaderFunc) Load(index int64) ([]byte, error) { return f(index) }

// ChunkSaverFunc adapts a function to ChunkSaver
type ChunkSaverFunc func(index int64, data []byte) error

func (f ChunkSaverFunc) Save(index int64, data []byte) error { return f(index, data) }

// CacheOption configures a ChunkCache.
type CacheOption func(*ChunkCache)

// WithMaxStaleChunks bounds the number of released chunks kept cached.
func WithMaxStaleChunks(n int) CacheOption {
	return func(c *ChunkCache) {
		if n >= 0 {
			c.maxStale = n
		}
	}
}

// WithParallelFlush saves dirty chunks concurrently during Flush.
func WithParallelFlush(cfg ParallelConfig) CacheOption {
	return func(c *ChunkCache) {
		c.parallel = cfg
	}
}

// WithCacheLogger sets the logger for eviction diagnostics.
func WithCacheLogger(logger *slog.Logger) CacheOption {
	return func(c *ChunkCache) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// ChunkCache is a read-through, write-back cache of cleartext chunks for a
// single open file.
//
// Held chunks are never evicted. Once released, a chunk joins the stale
// list; when more than the configured number of chunks are stale, the oldest
// stale chunk is saved (if dirty) and its buffer recycled. Loader and saver
// calls run outside the cache lock, and concurrent misses on one index share
// a single load.
type ChunkCache struct {
	loader   ChunkLoader
	saver    ChunkSaver
	stats    CacheStats
	pool     BufferRecycler
	maxStale int
	parallel ParallelConfig
	logger   *slog.Logger

	loads singleflight.Group

	mu     sync.Mutex
	chunks map[int64]*Chunk
	stale  *list.List // *Chunk, oldest first
	closed bool
}

// NewChunkCache creates an empty cache
func NewChunkCache(loader ChunkLoader, saver ChunkSaver, stats CacheStats, pool BufferRecycler, opts ...CacheOption) *ChunkCache {
	if stats == nil {
		stats = noopStats{}
	}
	c := &ChunkCache{
		loader:   loader,
		saver:    saver,
		stats:    stats,
		pool:     pool,
		maxStale: MaxCachedCleartextChunks,
		logger:   discardLogger(),
		chunks:   make(map[int64]*Chunk),
		stale:    list.New(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// loadPanic carries a loader panic through singleflight so that every
// waiter re-panics with the original value
type loadPanic struct {
	value any
}

func (p *loadPanic) Error() string {
	return fmt.Sprintf("chunk loader panicked: %v", p.value)
}

// GetChunk returns the chunk at index, loading it on a miss. The caller
// must Close the returned chunk.
func (c *ChunkCache) GetChunk(index int64) (*Chunk, error) {
	counted := false
	for {
		ch, wait, err := c.acquire(index)
		if err != nil {
			return nil, err
		}
		if !counted {
			c.stats.AddChunkCacheAccess()
			counted = true
		}
		if ch != nil {
			return ch, nil
		}
		if wait != nil {
			<-wait
			continue
		}

		_, err, _ = c.loads.Do(strconv.FormatInt(index, 10), func() (_ any, err error) {
			defer func() {
				if r := recover(); r != nil {
					err = &loadPanic{value: r}
				}
			}()
			return nil, c.load(index)
		})
		if err != nil {
			var lp *loadPanic
			if errors.As(err, &lp) {
				panic(lp.value)
			}
			return nil, err
		}
	}
}

// acquire takes a reference on a cached chunk. It returns a channel to wait
// on if the chunk is being evicted, or all nils on a miss.
func (c *ChunkCache) acquire(index int64) (*Chunk, <-chan struct{}, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, nil, ErrClosed
	}
	ch, ok := c.chunks[index]
	if !ok {
		return nil, nil, nil
	}
	if ch.evicting != nil {
		return nil, ch.evicting, nil
	}
	c.acquireLocked(ch)
	return ch, nil, nil
}

func (c *ChunkCache) acquireLocked(ch *Chunk) {
	if ch.accesses.Add(1) == 1 && ch.staleElem != nil {
		c.stale.Remove(ch.staleElem)
		ch.staleElem = nil
	}
}

// load runs the loader for index and inserts the result unreferenced
func (c *ChunkCache) load(index int64) error {
	c.mu.Lock()
	_, ok := c.chunks[index]
	c.mu.Unlock()
	if ok {
		return nil
	}

	c.stats.AddChunkCacheMiss()
	data, err := c.loader.Load(index)
	if err != nil {
		if IsAuthenticationError(err) {
			return &IOError{
				Operation: "load chunk " + strconv.FormatInt(index, 10),
				Offset:    -1,
				Message:   err.Error(),
				Err:       err,
			}
		}
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		c.pool.Recycle(data)
		return ErrClosed
	}
	if _, ok := c.chunks[index]; ok {
		c.pool.Recycle(data)
		return nil
	}
	c.chunks[index] = &Chunk{index: index, cache: c, data: data}
	return nil
}

// PutChunk stores data as the dirty content of chunk index without
// consulting the loader. The cache takes ownership of data. The caller must
// Close the returned chunk.
func (c *ChunkCache) PutChunk(index int64, data []byte) (*Chunk, error) {
	for {
		c.mu.Lock()
		if c.closed {
			c.mu.Unlock()
			c.pool.Recycle(data)
			return nil, ErrClosed
		}
		ch, ok := c.chunks[index]
		if ok && ch.evicting != nil {
			wait := ch.evicting
			c.mu.Unlock()
			<-wait
			continue
		}
		if ok {
			c.acquireLocked(ch)
			c.mu.Unlock()
			c.pool.Recycle(ch.replace(data))
			return ch, nil
		}

		ch = &Chunk{index: index, cache: c, data: data}
		ch.dirty.Store(true)
		ch.accesses.Store(1)
		c.chunks[index] = ch
		c.mu.Unlock()
		return ch, nil
	}
}

// release drops one reference and evicts stale chunks beyond the bound
func (c *ChunkCache) release(ch *Chunk) error {
	c.mu.Lock()
	if ch.accesses.Load() <= 0 {
		c.mu.Unlock()
		return fmt.Errorf("release %s: %w", ch, ErrClosed)
	}
	orphan := false
	if ch.accesses.Add(-1) == 0 {
		if c.chunks[ch.index] == ch && !c.closed {
			ch.staleElem = c.stale.PushBack(ch)
		} else {
			orphan = true
		}
	}
	victims := c.collectVictimsLocked()
	c.mu.Unlock()

	if orphan {
		c.recycle(ch)
	}
	return c.evict(victims)
}

// collectVictimsLocked pops the oldest stale chunks until the bound holds
// and marks them as being evicted
func (c *ChunkCache) collectVictimsLocked() []*Chunk {
	var victims []*Chunk
	for c.stale.Len() > c.maxStale {
		ch := c.stale.Remove(c.stale.Front()).(*Chunk)
		ch.staleElem = nil
		ch.evicting = make(chan struct{})
		victims = append(victims, ch)
	}
	return victims
}

// evict saves and drops victims. A victim whose save fails stays cached
// and dirty at the head of the stale list.
func (c *ChunkCache) evict(victims []*Chunk) error {
	var errs []error
	for _, ch := range victims {
		err := c.save(ch)

		c.mu.Lock()
		done := ch.evicting
		ch.evicting = nil
		current := c.chunks[ch.index] == ch
		if err == nil && current {
			delete(c.chunks, ch.index)
		}
		if err != nil && current {
			ch.staleElem = c.stale.PushFront(ch)
		}
		c.mu.Unlock()
		close(done)

		if err != nil {
			c.logger.Warn("chunk eviction failed", slog.Int64("chunk", ch.index), slog.Any("error", err))
			errs = append(errs, fmt.Errorf("evict chunk %d: %w", ch.index, err))
			if current {
				continue
			}
		}
		c.recycle(ch)
	}
	return errors.Join(errs...)
}

// save persists ch if it is dirty
func (c *ChunkCache) save(ch *Chunk) error {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	if ch.recycled || !ch.dirty.Load() {
		return nil
	}
	if err := c.saver.Save(ch.index, ch.data); err != nil {
		return err
	}
	ch.dirty.Store(false)
	return nil
}

func (c *ChunkCache) recycle(ch *Chunk) {
	if buf, ok := ch.takeBuffer(); ok {
		c.pool.Recycle(buf)
	}
}

// Flush saves every dirty chunk, held or stale. Nothing is evicted.
func (c *ChunkCache) Flush() error {
	c.mu.Lock()
	var dirty, pending []*Chunk
	var waits []chan struct{}
	for _, ch := range c.chunks {
		switch {
		case ch.evicting != nil:
			pending = append(pending, ch)
			waits = append(waits, ch.evicting)
		case ch.dirty.Load():
			dirty = append(dirty, ch)
		}
	}
	c.mu.Unlock()

	err := c.saveAll(dirty)

	for _, w := range waits {
		<-w
	}
	// evictions that failed left their chunk cached and dirty
	var retry []*Chunk
	c.mu.Lock()
	for _, ch := range pending {
		if c.chunks[ch.index] == ch && ch.evicting == nil && ch.dirty.Load() {
			retry = append(retry, ch)
		}
	}
	c.mu.Unlock()

	return errors.Join(err, c.saveAll(retry))
}

func (c *ChunkCache) saveAll(chunks []*Chunk) error {
	errs := make([]error, len(chunks))
	runParallel(c.parallel, len(chunks), func(i int) {
		if err := c.save(chunks[i]); err != nil {
			errs[i] = fmt.Errorf("save chunk %d: %w", chunks[i].index, err)
		}
	})
	return errors.Join(errs...)
}

// InvalidateFrom drops every chunk at or beyond index without saving it.
// Held chunks lose their dirty state and are recycled on their last Close.
func (c *ChunkCache) InvalidateFrom(index int64) {
	for {
		c.mu.Lock()
		var wait chan struct{}
		for i, ch := range c.chunks {
			if i >= index && ch.evicting != nil {
				wait = ch.evicting
				break
			}
		}
		if wait != nil {
			c.mu.Unlock()
			<-wait
			continue
		}

		var drop []*Chunk
		for i, ch := range c.chunks {
			if i < index {
				continue
			}
			delete(c.chunks, i)
			ch.dirty.Store(false)
			if ch.staleElem != nil {
				c.stale.Remove(ch.staleElem)
				ch.staleElem = nil
			}
			if ch.accesses.Load() == 0 {
				drop = append(drop, ch)
			}
		}
		c.mu.Unlock()

		for _, ch := range drop {
			c.recycle(ch)
		}
		return
	}
}

// Len returns the number of cached chunks
func (c *ChunkCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.chunks)
}

// StaleLen returns the number of cached chunks without holders
func (c *ChunkCache) StaleLen() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stale.Len()
}

// Close flushes the cache and recycles every buffer. If the flush fails the
// cache stays open with its dirty chunks intact. Chunks still held are
// recycled when their holder closes them.
func (c *ChunkCache) Close() error {
	if err := c.Flush(); err != nil {
		return err
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	var drop []*Chunk
	for _, ch := range c.chunks {
		ch.staleElem = nil
		if ch.evicting == nil && ch.accesses.Load() == 0 {
			drop = append(drop, ch)
		}
	}
	clear(c.chunks)
	c.stale.Init()
	c.mu.Unlock()

	for _, ch := range drop {
		c.recycle(ch)
	}
	return nil
}
