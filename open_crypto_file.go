package cryptofs

import (
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"sync/atomic"

	"github.com/absfs/absfs"
)

// chunkIO encrypts cleartext chunks into a ciphertext file and back. It is
// the ChunkLoader and ChunkSaver of one open file.
type chunkIO struct {
	file       absfs.File
	path       string
	fileID     [FileIDSize]byte
	engine     CipherEngine
	layout     chunkLayout
	cleartext  *BufferPool
	ciphertext *BufferPool
	stats      Stats
}

// Load reads and decrypts chunk index. A chunk beyond the end of the file
// loads as an empty buffer.
func (c *chunkIO) Load(index int64) ([]byte, error) {
	ct := c.ciphertext.Lease()[:c.layout.stride()]
	defer c.ciphertext.Recycle(ct)

	n, err := c.file.ReadAt(ct, c.layout.chunkOffset(index))
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, &IOError{Operation: "read chunk", Path: c.path, Offset: c.layout.chunkOffset(index), Message: err.Error(), Err: err}
	}

	buf := c.cleartext.Lease()
	if n == 0 {
		return buf, nil
	}
	if n <= c.layout.overhead() {
		c.cleartext.Recycle(buf)
		return nil, &CorruptionError{
			Path:     c.path,
			ChunkIdx: index,
			Message:  fmt.Sprintf("chunk of %d bytes holds no payload", n),
			Err:      ErrInvalidCiphertext,
		}
	}

	var aad [chunkAADSize]byte
	nonce := ct[:c.layout.nonce]
	plaintext, err := c.engine.Open(buf, nonce, ct[c.layout.nonce:n], chunkAAD(aad[:0], c.fileID, index))
	if err != nil {
		c.cleartext.Recycle(buf)
		return nil, &AuthenticationError{Path: c.path, ChunkIdx: index, Message: "chunk failed authentication", Err: err}
	}
	c.stats.AddBytesDecrypted(int64(len(plaintext)))
	return plaintext, nil
}

// Save encrypts data under a fresh nonce and writes it at its chunk offset
func (c *chunkIO) Save(index int64, data []byte) error {
	if len(data) == 0 {
		return nil
	}

	var nonceBuf [maxNonceSize]byte
	nonce := nonceBuf[:c.layout.nonce]
	if err := generateNonce(nonce); err != nil {
		return NewEncryptionError("generate nonce", c.path, err)
	}

	ct := c.ciphertext.Lease()
	defer c.ciphertext.Recycle(ct)
	ct = append(ct[:0], nonce...)

	var aad [chunkAADSize]byte
	sealed, err := c.engine.Seal(ct, nonce, data, chunkAAD(aad[:0], c.fileID, index))
	if err != nil {
		return NewEncryptionError("seal chunk", c.path, err)
	}

	off := c.layout.chunkOffset(index)
	if _, err := c.file.WriteAt(sealed, off); err != nil {
		return &IOError{Operation: "write chunk", Path: c.path, Offset: off, Message: err.Error(), Err: err}
	}
	c.stats.AddBytesEncrypted(int64(len(data)))
	return nil
}

// OpenCryptoFile is the shared state of one ciphertext file that is open
// through one or more handles. Reads run concurrently; writes and
// truncation are exclusive.
type OpenCryptoFile struct {
	registry *OpenCryptoFiles
	refs     int    // guarded by registry.mu
	path     string // guarded by registry.mu

	file     absfs.File
	header   FileHeader
	layout   chunkLayout
	pool     *BufferPool
	cache    *ChunkCache
	stats    Stats
	readonly bool

	ioMu sync.RWMutex
	size atomic.Int64
}

// Path returns the current ciphertext path
func (f *OpenCryptoFile) Path() string {
	f.registry.mu.Lock()
	defer f.registry.mu.Unlock()
	return f.path
}

// Size returns the cleartext size, including unflushed writes
func (f *OpenCryptoFile) Size() int64 {
	return f.size.Load()
}

// ReadAt reads cleartext at off. It returns io.EOF when fewer than len(p)
// bytes are available.
func (f *OpenCryptoFile) ReadAt(p []byte, off int64) (int, error) {
	if err := ValidateOffset(off, "offset"); err != nil {
		return 0, err
	}
	f.ioMu.RLock()
	defer f.ioMu.RUnlock()

	size := f.size.Load()
	n := 0
	for n < len(p) && off < size {
		idx, within := f.layout.chunkIndex(off)
		ch, err := f.cache.GetChunk(idx)
		if err != nil {
			return n, err
		}
		want := int(min(int64(len(p)-n), size-off))
		c := ch.ReadAt(p[n:n+want], within)
		cerr := ch.Close()
		if c == 0 {
			return n, &CorruptionError{Path: f.file.Name(), ChunkIdx: idx, Message: "chunk shorter than file size", Err: ErrInvalidCiphertext}
		}
		n += c
		off += int64(c)
		if cerr != nil {
			return n, cerr
		}
	}
	f.stats.AddBytesRead(int64(n))
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}

// WriteAt writes cleartext at off. Writing past the end zero-fills the gap.
func (f *OpenCryptoFile) WriteAt(p []byte, off int64) (int, error) {
	if f.readonly {
		return 0, ErrReadOnly
	}
	if err := ValidateOffset(off, "offset"); err != nil {
		return 0, err
	}
	f.ioMu.Lock()
	defer f.ioMu.Unlock()

	if size := f.size.Load(); off > size {
		if _, err := f.writeZeros(size, off); err != nil {
			return 0, err
		}
	}
	n, err := f.write(p, off)
	f.stats.AddBytesWritten(int64(n))
	return n, err
}

// Append writes p at the current end of the file and returns the offset
// just past it
func (f *OpenCryptoFile) Append(p []byte) (int, int64, error) {
	if f.readonly {
		return 0, 0, ErrReadOnly
	}
	f.ioMu.Lock()
	defer f.ioMu.Unlock()

	off := f.size.Load()
	n, err := f.write(p, off)
	f.stats.AddBytesWritten(int64(n))
	return n, off + int64(n), err
}

// write stores p at off, which must not be beyond the end of the file.
// Whole chunks are put without loading the old content.
func (f *OpenCryptoFile) write(p []byte, off int64) (int, error) {
	n := 0
	for n < len(p) {
		idx, within := f.layout.chunkIndex(off)
		remaining := len(p) - n

		var ch *Chunk
		var c int
		var err error
		if within == 0 && remaining >= f.layout.payload {
			buf := f.pool.Lease()[:f.layout.payload]
			c = copy(buf, p[n:])
			ch, err = f.cache.PutChunk(idx, buf)
		} else {
			ch, err = f.cache.GetChunk(idx)
			if err == nil {
				c = ch.WriteAt(p[n:n+min(remaining, f.layout.payload-within)], within)
			}
		}
		if err != nil {
			return n, err
		}
		cerr := ch.Close()

		n += c
		off += int64(c)
		if off > f.size.Load() {
			f.size.Store(off)
		}
		if cerr != nil {
			return n, cerr
		}
	}
	return n, nil
}

// writeZeros fills [from, to) with zeros
func (f *OpenCryptoFile) writeZeros(from, to int64) (int64, error) {
	zeros := make([]byte, min(to-from, int64(f.layout.payload)))
	var written int64
	for from+written < to {
		chunk := zeros[:min(int64(len(zeros)), to-from-written)]
		n, err := f.write(chunk, from+written)
		written += int64(n)
		if err != nil {
			return written, err
		}
	}
	return written, nil
}

// Truncate changes the cleartext size. Shrinking drops cached chunks past
// the new end and shortens the ciphertext file; growing writes zeros.
func (f *OpenCryptoFile) Truncate(size int64) error {
	if f.readonly {
		return ErrReadOnly
	}
	if err := ValidateOffset(size, "size"); err != nil {
		return err
	}
	f.ioMu.Lock()
	defer f.ioMu.Unlock()

	cur := f.size.Load()
	switch {
	case size == cur:
		return nil
	case size > cur:
		_, err := f.writeZeros(cur, size)
		return err
	}

	idx, within := f.layout.chunkIndex(size)
	if within > 0 {
		ch, err := f.cache.GetChunk(idx)
		if err != nil {
			return err
		}
		ch.Truncate(within)
		if err := ch.Close(); err != nil {
			return err
		}
		idx++
	}
	f.cache.InvalidateFrom(idx)
	f.size.Store(size)

	if err := f.cache.Flush(); err != nil {
		return err
	}
	if err := f.file.Truncate(f.layout.CiphertextSize(size)); err != nil {
		return NewIOError("truncate", f.file.Name(), err)
	}
	return nil
}

// Flush saves all dirty chunks and syncs the ciphertext file
func (f *OpenCryptoFile) Flush() error {
	if f.readonly {
		return nil
	}
	f.ioMu.RLock()
	defer f.ioMu.RUnlock()

	if err := f.cache.Flush(); err != nil {
		return err
	}
	return f.file.Sync()
}

// Stat returns the ciphertext file's info with the cleartext size
func (f *OpenCryptoFile) Stat() (os.FileInfo, error) {
	info, err := f.file.Stat()
	if err != nil {
		return nil, err
	}
	return newFileInfo(info, info.Name(), f.size.Load(), info.Mode()), nil
}

// Close releases one reference. The last reference flushes the cache and
// closes the ciphertext file.
func (f *OpenCryptoFile) Close() error {
	return f.registry.release(f)
}

// close tears the file down once no handle refers to it
func (f *OpenCryptoFile) close() error {
	f.ioMu.Lock()
	defer f.ioMu.Unlock()

	if err := f.cache.Close(); err != nil {
		f.file.Close()
		return err
	}
	return f.file.Close()
}
