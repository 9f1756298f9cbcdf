package cryptofs

import (
	"bytes"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"sync"

	"github.com/absfs/absfs"
)

// OpenCryptoFiles keeps at most one OpenCryptoFile, and therefore one
// ChunkCache, per ciphertext path. Handles opened on the same path share it
// and it is torn down when the last handle closes.
type OpenCryptoFiles struct {
	base      absfs.FileSystem
	keys      *keySet
	cipher    CipherSuite
	chunkSize int
	readonly  bool
	maxStale  int
	parallel  ParallelConfig
	stats     Stats
	logger    *slog.Logger

	mu     sync.Mutex
	files  map[string]*OpenCryptoFile
	pools  map[int]*BufferPool
	closed bool
}

func newOpenCryptoFiles(base absfs.FileSystem, keys *keySet, cipher CipherSuite, config *Config, stats Stats, logger *slog.Logger) *OpenCryptoFiles {
	if stats == nil {
		stats = noopStats{}
	}
	if logger == nil {
		logger = discardLogger()
	}
	return &OpenCryptoFiles{
		base:      base,
		keys:      keys,
		cipher:    cipher,
		chunkSize: config.chunkSize(),
		readonly:  config.ReadOnly,
		maxStale:  config.maxCachedChunks(),
		parallel:  config.Parallel,
		stats:     stats,
		logger:    logger,
		files:     make(map[string]*OpenCryptoFile),
		pools:     make(map[int]*BufferPool),
	}
}

// GetOrCreate returns the open file at ciphertextPath, opening it if no
// handle holds it yet. Every successful call must be paired with a Close.
func (r *OpenCryptoFiles) GetOrCreate(ciphertextPath string, opts OpenOptions) (*OpenCryptoFile, error) {
	if r.readonly && opts.writes() {
		return nil, &fs.PathError{Op: "open", Path: ciphertextPath, Err: ErrReadOnly}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil, &fs.PathError{Op: "open", Path: ciphertextPath, Err: ErrClosed}
	}
	if f, ok := r.files[ciphertextPath]; ok {
		if opts.CreateNew {
			return nil, &fs.PathError{Op: "open", Path: ciphertextPath, Err: fs.ErrExist}
		}
		f.refs++
		return f, nil
	}

	file, err := r.base.OpenFile(ciphertextPath, opts.baseFlag(r.readonly), opts.Perm)
	if err != nil {
		return nil, err
	}
	f, err := r.load(ciphertextPath, file, opts)
	if err != nil {
		file.Close()
		return nil, err
	}
	f.refs = 1
	r.files[ciphertextPath] = f
	return f, nil
}

// load reads the file header, or writes a new one into an empty file opened
// for writing, and sets up the chunk cache
func (r *OpenCryptoFiles) load(p string, file absfs.File, opts OpenOptions) (*OpenCryptoFile, error) {
	info, err := file.Stat()
	if err != nil {
		return nil, NewIOError("stat", p, err)
	}

	var header FileHeader
	ciphertextSize := info.Size()
	if ciphertextSize == 0 {
		if r.readonly || !opts.writes() {
			return nil, NewCorruptionError(p, "missing file header")
		}
		var fileID [FileIDSize]byte
		if _, err := rand.Read(fileID[:]); err != nil {
			return nil, fmt.Errorf("failed to generate file ID: %w", err)
		}
		header = *NewFileHeader(r.cipher, r.chunkSize, fileID)
		var buf bytes.Buffer
		if _, err := header.WriteTo(&buf); err != nil {
			return nil, err
		}
		if _, err := file.WriteAt(buf.Bytes(), 0); err != nil {
			return nil, NewIOError("write header", p, err)
		}
		ciphertextSize = FileHeaderSize
	} else {
		raw := make([]byte, FileHeaderSize)
		n, err := file.ReadAt(raw, 0)
		if err != nil && !errors.Is(err, io.EOF) {
			return nil, NewIOError("read header", p, err)
		}
		if _, err := header.ReadFrom(bytes.NewReader(raw[:n])); err != nil {
			return nil, &CorruptionError{Path: p, ChunkIdx: -1, Message: "invalid file header", Err: err}
		}
	}

	key, err := r.keys.fileKey(header.FileID)
	if err != nil {
		return nil, err
	}
	engine, err := NewCipherEngine(header.Cipher, key)
	if err != nil {
		return nil, err
	}
	layout := newChunkLayout(int(header.ChunkSize), engine)
	size, err := layout.CleartextSize(ciphertextSize)
	if err != nil {
		var corrupt *CorruptionError
		if errors.As(err, &corrupt) {
			corrupt.Path = p
		}
		return nil, err
	}

	cleartextPool := r.pool(layout.payload)
	loader := &chunkIO{
		file:       file,
		path:       p,
		fileID:     header.FileID,
		engine:     engine,
		layout:     layout,
		cleartext:  cleartextPool,
		ciphertext: r.pool(layout.stride()),
		stats:      r.stats,
	}
	f := &OpenCryptoFile{
		registry: r,
		path:     p,
		file:     file,
		header:   header,
		layout:   layout,
		pool:     cleartextPool,
		stats:    r.stats,
		readonly: r.readonly,
	}
	f.cache = NewChunkCache(loader, loader, r.stats, cleartextPool,
		WithMaxStaleChunks(r.maxStale),
		WithParallelFlush(r.parallel),
		WithCacheLogger(r.logger.With("file", p)),
	)
	f.size.Store(size)
	return f, nil
}

// pool returns the shared buffer pool for size, creating it on first use.
// Called with r.mu held.
func (r *OpenCryptoFiles) pool(size int) *BufferPool {
	if p, ok := r.pools[size]; ok {
		return p
	}
	p := NewBufferPool(size)
	r.pools[size] = p
	return p
}

// release drops one reference to f and closes it with the last one
func (r *OpenCryptoFiles) release(f *OpenCryptoFile) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if f.refs <= 0 {
		return &fs.PathError{Op: "close", Path: f.path, Err: ErrClosed}
	}
	f.refs--
	if f.refs > 0 {
		return nil
	}
	if r.files[f.path] == f {
		delete(r.files, f.path)
	}
	return f.close()
}

// Move rekeys an open file after its ciphertext file was renamed. An open
// file previously at dst is detached.
func (r *OpenCryptoFiles) Move(src, dst string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.files, dst)
	if f, ok := r.files[src]; ok {
		delete(r.files, src)
		f.path = dst
		r.files[dst] = f
	}
}

// Detach forgets the open file at ciphertextPath after it was removed.
// Existing handles keep working on the unlinked file.
func (r *OpenCryptoFiles) Detach(ciphertextPath string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.files, ciphertextPath)
}

// Size returns the cleartext size of an open file
func (r *OpenCryptoFiles) Size(ciphertextPath string) (int64, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	f, ok := r.files[ciphertextPath]
	if !ok {
		return 0, false
	}
	return f.Size(), true
}

// CleartextSize returns the cleartext size of the ciphertext file at
// ciphertextPath. An open file reports its size including unflushed writes;
// otherwise the size is computed from the header and ciphertextSize.
func (r *OpenCryptoFiles) CleartextSize(ciphertextPath string, ciphertextSize int64) (int64, error) {
	if size, ok := r.Size(ciphertextPath); ok {
		return size, nil
	}
	if ciphertextSize == 0 {
		return 0, nil
	}

	file, err := r.base.Open(ciphertextPath)
	if err != nil {
		return 0, err
	}
	defer file.Close()

	raw := make([]byte, FileHeaderSize)
	n, err := file.ReadAt(raw, 0)
	if err != nil && !errors.Is(err, io.EOF) {
		return 0, NewIOError("read header", ciphertextPath, err)
	}
	var header FileHeader
	if _, err := header.ReadFrom(bytes.NewReader(raw[:n])); err != nil {
		return 0, &CorruptionError{Path: ciphertextPath, ChunkIdx: -1, Message: "invalid file header", Err: err}
	}
	layout, err := layoutForSuite(header.Cipher, int(header.ChunkSize))
	if err != nil {
		return 0, err
	}
	size, err := layout.CleartextSize(ciphertextSize)
	if err != nil {
		var corrupt *CorruptionError
		if errors.As(err, &corrupt) {
			corrupt.Path = ciphertextPath
		}
		return 0, err
	}
	return size, nil
}

// ReadCiphertextFile returns the whole cleartext of a small file. Files
// holding more than maxLength bytes fail with errContentTooLarge.
func (r *OpenCryptoFiles) ReadCiphertextFile(ciphertextPath string, opts OpenOptions, maxLength int) (data []byte, err error) {
	f, err := r.GetOrCreate(ciphertextPath, opts)
	if err != nil {
		return nil, err
	}
	defer func() {
		err = errors.Join(err, f.Close())
	}()

	buf := make([]byte, maxLength+1)
	n, err := f.ReadAt(buf, 0)
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, err
	}
	if n > maxLength {
		return nil, errContentTooLarge
	}
	return buf[:n], nil
}

// WriteCiphertextFile replaces the cleartext of a file with data
func (r *OpenCryptoFiles) WriteCiphertextFile(ciphertextPath string, opts OpenOptions, data []byte) error {
	f, err := r.GetOrCreate(ciphertextPath, opts)
	if err != nil {
		return err
	}
	if _, err := f.WriteAt(data, 0); err != nil {
		return errors.Join(err, f.Close())
	}
	if err := f.Truncate(int64(len(data))); err != nil {
		return errors.Join(err, f.Close())
	}
	return f.Close()
}

// Close flushes and closes every open file. Handles still referring to
// them fail with ErrClosed afterwards.
func (r *OpenCryptoFiles) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil
	}
	r.closed = true

	var errs []error
	for p, f := range r.files {
		delete(r.files, p)
		f.refs = 0
		if err := f.close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
