package cryptofs

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"sync"
)

// CleartextFile is a handle on an open cleartext file. Handles opened on
// the same path share one OpenCryptoFile; each keeps its own offset.
type CleartextFile struct {
	name string
	file *OpenCryptoFile
	opts OpenOptions

	mu     sync.Mutex
	offset int64
	closed bool
}

func newCleartextFile(name string, file *OpenCryptoFile, opts OpenOptions) *CleartextFile {
	return &CleartextFile{name: name, file: file, opts: opts}
}

// Name returns the cleartext path the file was opened with
func (f *CleartextFile) Name() string {
	return f.name
}

func (f *CleartextFile) check(op string, allowed bool) error {
	if f.closed {
		return &fs.PathError{Op: op, Path: f.name, Err: fs.ErrClosed}
	}
	if !allowed {
		return &fs.PathError{Op: op, Path: f.name, Err: fs.ErrPermission}
	}
	return nil
}

// Read reads from the current offset
func (f *CleartextFile) Read(p []byte) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.check("read", f.opts.Read); err != nil {
		return 0, err
	}
	if len(p) == 0 {
		return 0, nil
	}
	n, err := f.file.ReadAt(p, f.offset)
	f.offset += int64(n)
	if errors.Is(err, io.EOF) {
		if n > 0 {
			return n, nil
		}
		return 0, io.EOF
	}
	return n, err
}

// Write writes at the current offset, or at the end in append mode
func (f *CleartextFile) Write(p []byte) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.check("write", f.opts.Write); err != nil {
		return 0, err
	}
	if f.opts.Append {
		n, end, err := f.file.Append(p)
		f.offset = end
		return n, err
	}
	n, err := f.file.WriteAt(p, f.offset)
	f.offset += int64(n)
	return n, err
}

// WriteString writes a string to the file
func (f *CleartextFile) WriteString(s string) (int, error) {
	return f.Write([]byte(s))
}

// Seek sets the offset for the next Read or Write
func (f *CleartextFile) Seek(offset int64, whence int) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.check("seek", true); err != nil {
		return 0, err
	}

	var newOffset int64
	switch whence {
	case io.SeekStart:
		newOffset = offset
	case io.SeekCurrent:
		newOffset = f.offset + offset
	case io.SeekEnd:
		newOffset = f.file.Size() + offset
	default:
		return 0, &fs.PathError{Op: "seek", Path: f.name, Err: fmt.Errorf("%w: invalid whence %d", fs.ErrInvalid, whence)}
	}
	if err := ValidateOffset(newOffset, "offset"); err != nil {
		return 0, &fs.PathError{Op: "seek", Path: f.name, Err: err}
	}
	f.offset = newOffset
	return f.offset, nil
}

// ReadAt reads at off without moving the offset
func (f *CleartextFile) ReadAt(b []byte, off int64) (int, error) {
	f.mu.Lock()
	err := f.check("read", f.opts.Read)
	f.mu.Unlock()
	if err != nil {
		return 0, err
	}
	return f.file.ReadAt(b, off)
}

// WriteAt writes at off without moving the offset
func (f *CleartextFile) WriteAt(b []byte, off int64) (int, error) {
	f.mu.Lock()
	err := f.check("write", f.opts.Write)
	f.mu.Unlock()
	if err != nil {
		return 0, err
	}
	if f.opts.Append {
		return 0, &fs.PathError{Op: "writeat", Path: f.name, Err: errors.New("invalid use of WriteAt on file opened with O_APPEND")}
	}
	return f.file.WriteAt(b, off)
}

// Truncate changes the size of the file
func (f *CleartextFile) Truncate(size int64) error {
	f.mu.Lock()
	err := f.check("truncate", f.opts.Write)
	f.mu.Unlock()
	if err != nil {
		return err
	}
	return f.file.Truncate(size)
}

// Sync saves every dirty chunk to the base filesystem
func (f *CleartextFile) Sync() error {
	f.mu.Lock()
	err := f.check("sync", true)
	f.mu.Unlock()
	if err != nil {
		return err
	}
	return f.file.Flush()
}

// Stat returns the file's info with its cleartext name and size
func (f *CleartextFile) Stat() (os.FileInfo, error) {
	info, err := f.file.Stat()
	if err != nil {
		return nil, err
	}
	return newFileInfo(info, path.Base(f.name), info.Size(), info.Mode()), nil
}

// Readdir fails: a regular file has no entries
func (f *CleartextFile) Readdir(int) ([]os.FileInfo, error) {
	return nil, &fs.PathError{Op: "readdir", Path: f.name, Err: ErrNotDirectory}
}

// Readdirnames fails: a regular file has no entries
func (f *CleartextFile) Readdirnames(int) ([]string, error) {
	return nil, &fs.PathError{Op: "readdir", Path: f.name, Err: ErrNotDirectory}
}

// Close releases the handle. The last handle on a file flushes it.
func (f *CleartextFile) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return &fs.PathError{Op: "close", Path: f.name, Err: fs.ErrClosed}
	}
	f.closed = true
	return f.file.Close()
}

// dirHandle is an open cleartext directory
type dirHandle struct {
	name string
	fs   *CryptoFS

	mu      sync.Mutex
	entries []os.FileInfo
	loaded  bool
	pos     int
	closed  bool
}

func (d *dirHandle) Name() string { return d.name }

func (d *dirHandle) Read([]byte) (int, error) {
	return 0, &fs.PathError{Op: "read", Path: d.name, Err: ErrIsDirectory}
}

func (d *dirHandle) Write([]byte) (int, error) {
	return 0, &fs.PathError{Op: "write", Path: d.name, Err: ErrIsDirectory}
}

func (d *dirHandle) WriteString(string) (int, error) {
	return 0, &fs.PathError{Op: "write", Path: d.name, Err: ErrIsDirectory}
}

func (d *dirHandle) ReadAt([]byte, int64) (int, error) {
	return 0, &fs.PathError{Op: "read", Path: d.name, Err: ErrIsDirectory}
}

func (d *dirHandle) WriteAt([]byte, int64) (int, error) {
	return 0, &fs.PathError{Op: "write", Path: d.name, Err: ErrIsDirectory}
}

func (d *dirHandle) Truncate(int64) error {
	return &fs.PathError{Op: "truncate", Path: d.name, Err: ErrIsDirectory}
}

// Seek rewinds the listing when called with offset 0 from the start
func (d *dirHandle) Seek(offset int64, whence int) (int64, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if offset != 0 || whence != io.SeekStart {
		return 0, &fs.PathError{Op: "seek", Path: d.name, Err: fs.ErrInvalid}
	}
	d.loaded = false
	d.entries = nil
	d.pos = 0
	return 0, nil
}

func (d *dirHandle) Sync() error { return nil }

func (d *dirHandle) Stat() (os.FileInfo, error) {
	return d.fs.Lstat(d.name)
}

// Readdir returns up to n entries, or all remaining entries when n <= 0
func (d *dirHandle) Readdir(n int) ([]os.FileInfo, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil, &fs.PathError{Op: "readdir", Path: d.name, Err: fs.ErrClosed}
	}
	if !d.loaded {
		entries, err := d.fs.readDirInfos(d.name)
		if err != nil {
			return nil, err
		}
		d.entries = entries
		d.loaded = true
	}

	rest := d.entries[d.pos:]
	if n <= 0 {
		d.pos = len(d.entries)
		return rest, nil
	}
	if len(rest) == 0 {
		return nil, io.EOF
	}
	rest = rest[:min(n, len(rest))]
	d.pos += len(rest)
	return rest, nil
}

// Readdirnames returns entry names with Readdir's semantics
func (d *dirHandle) Readdirnames(n int) ([]string, error) {
	infos, err := d.Readdir(n)
	names := make([]string, len(infos))
	for i, info := range infos {
		names[i] = info.Name()
	}
	return names, err
}

// ReadDir returns entries as fs.DirEntry with Readdir's semantics
func (d *dirHandle) ReadDir(n int) ([]fs.DirEntry, error) {
	infos, err := d.Readdir(n)
	entries := make([]fs.DirEntry, len(infos))
	for i, info := range infos {
		entries[i] = fs.FileInfoToDirEntry(info)
	}
	return entries, err
}

func (d *dirHandle) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return &fs.PathError{Op: "close", Path: d.name, Err: fs.ErrClosed}
	}
	d.closed = true
	return nil
}
