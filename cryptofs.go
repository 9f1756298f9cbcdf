package cryptofs

import (
	"bytes"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/absfs/absfs"
)

var _ absfs.FileSystem = (*CryptoFS)(nil)

// CryptoFS implements absfs.FileSystem over an encrypted vault stored in a
// base filesystem. Cleartext paths are slash-separated; relative paths are
// resolved against the working directory set with Chdir.
type CryptoFS struct {
	base     absfs.FileSystem
	config   Config
	cipher   CipherSuite
	mapper   *DirIDPathMapper
	files    *OpenCryptoFiles
	symlinks *Symlinks
	stats    Stats
	logger   *slog.Logger

	mu     sync.Mutex
	cwd    string
	closed atomic.Bool
}

// New opens the vault in base, creating it when base holds none
func New(base absfs.FileSystem, config *Config) (*CryptoFS, error) {
	if base == nil {
		return nil, fmt.Errorf("base filesystem cannot be nil")
	}
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	cfg := *config
	if cfg.Logger == nil {
		cfg.Logger = defaultLogger()
	}
	if cfg.Stats == nil {
		cfg.Stats = &FileSystemStats{}
	}

	vault, existed, err := openVault(base, &cfg)
	if err != nil {
		return nil, err
	}
	cfg.Cipher = vault.Cipher
	cfg.ChunkSize = int(vault.ChunkSize)

	masterKey, err := cfg.KeyProvider.DeriveKey(vault.Salt)
	if err != nil {
		return nil, fmt.Errorf("failed to derive key: %w", err)
	}
	keys, err := deriveKeySet(masterKey)
	clear(masterKey)
	if err != nil {
		return nil, err
	}

	names, err := NewFileNameCryptor(keys.filename, keys.dirID)
	if err != nil {
		return nil, fmt.Errorf("failed to create filename cryptor: %w", err)
	}
	longNames := NewLongFileNameProvider(base, cfg.shorteningThreshold(), cfg.ReadOnly)
	mapper := NewDirIDPathMapper(base, names, longNames, &cfg)

	if existed {
		root := mapper.storagePath(rootDirID)
		if _, err := base.Stat(root); errors.Is(err, fs.ErrNotExist) {
			return nil, &AuthenticationError{Path: VaultFileName, ChunkIdx: -1, Message: "key does not open this vault", Err: ErrInvalidKey}
		}
	}
	if err := mapper.initRoot(); err != nil {
		return nil, NewIOError("create root", mapper.storagePath(rootDirID), err)
	}

	files := newOpenCryptoFiles(base, keys, vault.Cipher, &cfg, cfg.Stats, cfg.Logger)
	return &CryptoFS{
		base:     base,
		config:   cfg,
		cipher:   vault.Cipher,
		mapper:   mapper,
		files:    files,
		symlinks: NewSymlinks(mapper, files, cfg.ReadOnly),
		stats:    cfg.Stats,
		logger:   cfg.Logger,
		cwd:      "/",
	}, nil
}

// openVault reads the vault header at the root of base, writing a new one
// when none exists. It reports whether the vault existed before.
func openVault(base absfs.FileSystem, config *Config) (*VaultHeader, bool, error) {
	name := "/" + VaultFileName
	f, err := base.Open(name)
	if err == nil {
		defer f.Close()
		var h VaultHeader
		if _, err := h.ReadFrom(f); err != nil {
			return nil, true, &CorruptionError{Path: VaultFileName, ChunkIdx: -1, Message: "invalid vault header", Err: err}
		}
		if err := h.Validate(); err != nil {
			return nil, true, &CorruptionError{Path: VaultFileName, ChunkIdx: -1, Message: "invalid vault header", Err: err}
		}
		return &h, true, nil
	}
	if !errors.Is(err, fs.ErrNotExist) {
		return nil, false, NewIOError("open vault", VaultFileName, err)
	}
	if config.ReadOnly {
		return nil, false, &fs.PathError{Op: "open", Path: VaultFileName, Err: fs.ErrNotExist}
	}

	salt, err := config.KeyProvider.GenerateSalt()
	if err != nil {
		return nil, false, fmt.Errorf("failed to generate salt: %w", err)
	}
	h := NewVaultHeader(resolveCipher(config.Cipher), config.chunkSize(), salt)
	var buf bytes.Buffer
	if _, err := h.WriteTo(&buf); err != nil {
		return nil, false, err
	}
	if err := writeSmallFile(base, name, buf.Bytes(), true); err != nil {
		return nil, false, NewIOError("create vault", VaultFileName, err)
	}
	config.Logger.Info("created vault", "cipher", h.Cipher, "chunk_size", h.ChunkSize)
	return h, false, nil
}

func (c *CryptoFS) check(op, name string) error {
	if c.closed.Load() {
		return &fs.PathError{Op: op, Path: name, Err: ErrClosed}
	}
	return nil
}

func (c *CryptoFS) checkWritable(op, name string) error {
	if err := c.check(op, name); err != nil {
		return err
	}
	if c.config.ReadOnly {
		return &fs.PathError{Op: op, Path: name, Err: ErrReadOnly}
	}
	return nil
}

// abs returns the cleaned absolute form of name
func (c *CryptoFS) abs(name string) string {
	if path.IsAbs(name) {
		return path.Clean(name)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return path.Join(c.cwd, name)
}

// resolve follows a symlink in the last element of name and reports the
// type of what it points to
func (c *CryptoFS) resolve(name string) (string, CiphertextFileType, error) {
	p := c.abs(name)
	t, err := c.mapper.GetCiphertextFileType(p)
	if err != nil || t != FileTypeSymlink {
		return p, t, err
	}
	p, err = c.symlinks.ResolveRecursively(p)
	if err != nil {
		return "", 0, err
	}
	t, err = c.mapper.GetCiphertextFileType(p)
	return p, t, err
}

// Separator returns the cleartext path separator
func (c *CryptoFS) Separator() uint8 {
	return '/'
}

// ListSeparator returns the list separator of the base filesystem
func (c *CryptoFS) ListSeparator() uint8 {
	return c.base.ListSeparator()
}

// Chdir changes the working directory used for relative paths
func (c *CryptoFS) Chdir(dir string) error {
	if err := c.check("chdir", dir); err != nil {
		return err
	}
	p, t, err := c.resolve(dir)
	if err != nil {
		return err
	}
	if t != FileTypeDirectory {
		return &fs.PathError{Op: "chdir", Path: dir, Err: ErrNotDirectory}
	}
	c.mu.Lock()
	c.cwd = p
	c.mu.Unlock()
	return nil
}

// Getwd returns the working directory
func (c *CryptoFS) Getwd() (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cwd, nil
}

// TempDir returns the cleartext temporary directory path
func (c *CryptoFS) TempDir() string {
	return "/tmp"
}

// Open opens a file for reading
func (c *CryptoFS) Open(name string) (absfs.File, error) {
	return c.OpenFile(name, os.O_RDONLY, 0)
}

// Create creates or truncates a file for reading and writing
func (c *CryptoFS) Create(name string) (absfs.File, error) {
	return c.OpenFile(name, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o666)
}

// OpenFile opens a file with the specified flags and permissions. Opening a
// directory read-only returns a handle that lists its entries.
func (c *CryptoFS) OpenFile(name string, flag int, perm os.FileMode) (absfs.File, error) {
	if err := c.check("open", name); err != nil {
		return nil, err
	}
	opts, err := effectiveOpenOptions(flag, perm, c.config.ReadOnly)
	if err != nil {
		return nil, &fs.PathError{Op: "open", Path: name, Err: err}
	}

	p, t, err := c.resolve(name)
	var ciphertextPath string
	switch {
	case errors.Is(err, fs.ErrNotExist) && opts.Create && p != "":
		ciphertextPath, err = c.mapper.PrepareCiphertextNode(p, FileTypeFile)
	case err != nil:
		return nil, err
	case opts.CreateNew:
		return nil, &fs.PathError{Op: "open", Path: name, Err: fs.ErrExist}
	case t == FileTypeDirectory:
		if opts.writes() {
			return nil, &fs.PathError{Op: "open", Path: name, Err: ErrIsDirectory}
		}
		return &dirHandle{name: p, fs: c}, nil
	default:
		ciphertextPath, err = c.mapper.GetCiphertextFilePath(p, FileTypeFile)
	}
	if err != nil {
		return nil, err
	}

	f, err := c.files.GetOrCreate(ciphertextPath, opts)
	if err != nil {
		return nil, err
	}
	if opts.Truncate {
		if err := f.Truncate(0); err != nil {
			return nil, errors.Join(err, f.Close())
		}
	}
	return newCleartextFile(name, f, opts), nil
}

// Mkdir creates a directory
func (c *CryptoFS) Mkdir(name string, perm os.FileMode) error {
	if err := c.checkWritable("mkdir", name); err != nil {
		return err
	}
	return c.mapper.CreateDirectory(c.abs(name), perm)
}

// MkdirAll creates a directory and all necessary parent directories
func (c *CryptoFS) MkdirAll(name string, perm os.FileMode) error {
	if err := c.checkWritable("mkdir", name); err != nil {
		return err
	}
	p := c.abs(name)
	if p == "/" {
		return nil
	}

	cur := "/"
	for _, elem := range strings.Split(p[1:], "/") {
		cur = path.Join(cur, elem)
		info, err := c.Stat(cur)
		switch {
		case err == nil && info.IsDir():
			continue
		case err == nil:
			return &fs.PathError{Op: "mkdir", Path: cur, Err: ErrNotDirectory}
		case !errors.Is(err, fs.ErrNotExist):
			return err
		}
		if err := c.mapper.CreateDirectory(cur, perm); err != nil && !errors.Is(err, fs.ErrExist) {
			return err
		}
	}
	return nil
}

// Remove removes a file, symlink or empty directory
func (c *CryptoFS) Remove(name string) error {
	if err := c.checkWritable("remove", name); err != nil {
		return err
	}
	p := c.abs(name)
	t, err := c.mapper.GetCiphertextFileType(p)
	if err != nil {
		return err
	}

	var payload string
	if t != FileTypeDirectory {
		if payload, err = c.mapper.GetCiphertextFilePath(p, t); err != nil {
			return err
		}
	}
	if err := c.mapper.Remove(p); err != nil {
		return err
	}
	if payload != "" {
		c.files.Detach(payload)
	}
	return nil
}

// RemoveAll removes a path and any children it contains. Entries that no
// longer decrypt are removed with their directory.
func (c *CryptoFS) RemoveAll(name string) error {
	if err := c.checkWritable("removeall", name); err != nil {
		return err
	}
	p := c.abs(name)
	if p == "/" {
		return &fs.PathError{Op: "removeall", Path: p, Err: fs.ErrPermission}
	}
	t, err := c.mapper.GetCiphertextFileType(p)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	if t != FileTypeDirectory {
		return c.Remove(p)
	}

	entries, err := c.list(p)
	if err != nil {
		return err
	}
	for _, entry := range entries {
		if err := c.RemoveAll(entry.CleartextPath); err != nil {
			return err
		}
	}
	err = c.mapper.Remove(p)
	if errors.Is(err, ErrDirectoryNotEmpty) {
		c.logger.Warn("purging undecryptable entries", "dir", p)
		return c.mapper.Purge(p)
	}
	return err
}

// Rename moves oldpath to newpath, replacing a compatible node at newpath.
// Open handles on a moved file keep working.
func (c *CryptoFS) Rename(oldpath, newpath string) error {
	if err := c.checkWritable("rename", oldpath); err != nil {
		return err
	}
	src, dst := c.abs(oldpath), c.abs(newpath)
	t, err := c.mapper.GetCiphertextFileType(src)
	if err != nil {
		return err
	}

	var srcPayload, dstPayload, replaced string
	if t != FileTypeDirectory {
		if srcPayload, err = c.mapper.GetCiphertextFilePath(src, t); err != nil {
			return err
		}
		if dstPayload, err = c.mapper.GetCiphertextFilePath(dst, t); err != nil {
			return err
		}
	}
	if dt, err := c.mapper.GetCiphertextFileType(dst); err == nil && dt != FileTypeDirectory {
		replaced, _ = c.mapper.GetCiphertextFilePath(dst, dt)
	}

	if err := c.mapper.Move(src, dst); err != nil {
		return err
	}
	if replaced != "" {
		c.files.Detach(replaced)
	}
	if srcPayload != "" && srcPayload != dstPayload {
		c.files.Move(srcPayload, dstPayload)
	}
	return nil
}

// Stat returns file information, following a symlink in the last element
func (c *CryptoFS) Stat(name string) (os.FileInfo, error) {
	if err := c.check("stat", name); err != nil {
		return nil, err
	}
	p, _, err := c.resolve(name)
	if err != nil {
		return nil, err
	}
	info, err := c.lstat(p)
	if err != nil {
		return nil, err
	}
	if display := path.Base(c.abs(name)); display != info.Name() {
		return newFileInfo(info, display, info.Size(), info.Mode()), nil
	}
	return info, nil
}

// Lstat returns file information without following symlinks
func (c *CryptoFS) Lstat(name string) (os.FileInfo, error) {
	if err := c.check("lstat", name); err != nil {
		return nil, err
	}
	return c.lstat(c.abs(name))
}

func (c *CryptoFS) lstat(p string) (os.FileInfo, error) {
	if p == "/" {
		return c.statNode(p, "", FileTypeDirectory)
	}
	p, err := c.mapper.cleanPath("stat", p)
	if err != nil {
		return nil, err
	}
	node, err := c.mapper.node(p)
	if err != nil {
		return nil, err
	}
	t, err := c.mapper.nodeType(node.Path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, &fs.PathError{Op: "stat", Path: p, Err: fs.ErrNotExist}
	}
	if err != nil {
		return nil, err
	}
	return c.statNode(p, node.Path, t)
}

// statNode builds the cleartext info of the node at nodePath
func (c *CryptoFS) statNode(p, nodePath string, t CiphertextFileType) (os.FileInfo, error) {
	name := path.Base(p)
	switch t {
	case FileTypeDirectory:
		dir, err := c.mapper.ciphertextDir(p)
		if err != nil {
			return nil, err
		}
		info, err := c.base.Stat(dir.Path)
		if err != nil {
			return nil, err
		}
		return newFileInfo(info, name, info.Size(), info.Mode()), nil
	case FileTypeFile:
		info, err := c.base.Stat(nodePath)
		if err != nil {
			return nil, err
		}
		payload := nodePath
		if info.IsDir() {
			payload = path.Join(nodePath, contentsFileName)
			if info, err = c.base.Stat(payload); err != nil {
				return nil, err
			}
		}
		size, err := c.files.CleartextSize(payload, info.Size())
		if err != nil {
			return nil, err
		}
		return newFileInfo(info, name, size, info.Mode()), nil
	case FileTypeSymlink:
		payload := path.Join(nodePath, symlinkFileName)
		info, err := c.base.Stat(payload)
		if err != nil {
			return nil, err
		}
		size, err := c.files.CleartextSize(payload, info.Size())
		if err != nil {
			return nil, err
		}
		return newFileInfo(info, name, size, fs.ModeSymlink|info.Mode().Perm()), nil
	default:
		return nil, fmt.Errorf("unknown ciphertext file type %v", t)
	}
}

// Symlink creates newname as a symbolic link to oldname
func (c *CryptoFS) Symlink(oldname, newname string) error {
	if err := c.checkWritable("symlink", newname); err != nil {
		return err
	}
	return c.symlinks.CreateSymbolicLink(c.abs(newname), oldname)
}

// Readlink returns the target of the symbolic link at name as stored
func (c *CryptoFS) Readlink(name string) (string, error) {
	if err := c.check("readlink", name); err != nil {
		return "", err
	}
	p := c.abs(name)
	t, err := c.mapper.GetCiphertextFileType(p)
	if err != nil {
		return "", err
	}
	if t != FileTypeSymlink {
		return "", &fs.PathError{Op: "readlink", Path: name, Err: ErrNotLink}
	}
	return c.symlinks.ReadTarget(p)
}

// EvalSymlinks follows the link chain at name and returns the first path
// that is not a link
func (c *CryptoFS) EvalSymlinks(name string) (string, error) {
	if err := c.check("evalsymlinks", name); err != nil {
		return "", err
	}
	return c.symlinks.ResolveRecursively(c.abs(name))
}

// ReadDir returns the entries of the directory at name sorted by name.
// Entries that cannot be decrypted or inspected are logged and skipped.
func (c *CryptoFS) ReadDir(name string) ([]fs.DirEntry, error) {
	infos, err := c.readDirInfos(name)
	if err != nil {
		return nil, err
	}
	entries := make([]fs.DirEntry, len(infos))
	for i, info := range infos {
		entries[i] = fs.FileInfoToDirEntry(info)
	}
	return entries, nil
}

func (c *CryptoFS) readDirInfos(name string) ([]os.FileInfo, error) {
	if err := c.check("readdir", name); err != nil {
		return nil, err
	}
	p, t, err := c.resolve(name)
	if err != nil {
		return nil, err
	}
	if t != FileTypeDirectory {
		return nil, &fs.PathError{Op: "readdir", Path: name, Err: ErrNotDirectory}
	}
	entries, err := c.list(p)
	if err != nil {
		return nil, err
	}

	infos := make([]os.FileInfo, 0, len(entries))
	for _, entry := range entries {
		t, err := c.mapper.nodeType(entry.CiphertextPath)
		var info os.FileInfo
		if err == nil {
			info, err = c.statNode(entry.CleartextPath, entry.CiphertextPath, t)
		}
		if err != nil {
			c.logger.Warn("skipping unreadable entry", "dir", p, "entry", entry.CleartextPath, "err", err)
			continue
		}
		infos = append(infos, info)
	}
	slices.SortFunc(infos, func(a, b os.FileInfo) int {
		return strings.Compare(a.Name(), b.Name())
	})
	return infos, nil
}

// list returns the decrypted entries of the cleartext directory p
func (c *CryptoFS) list(p string) ([]ProcessedPaths, error) {
	stream, err := c.mapper.NewDirectoryStream(p)
	if err != nil {
		return nil, err
	}
	var entries []ProcessedPaths
	for entry, err := range stream.All() {
		if err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

// attrPath returns the base filesystem path carrying the attributes of name
func (c *CryptoFS) attrPath(op, name string) (string, error) {
	if err := c.checkWritable(op, name); err != nil {
		return "", err
	}
	p, t, err := c.resolve(name)
	if err != nil {
		return "", err
	}
	if t == FileTypeDirectory {
		dir, err := c.mapper.GetCiphertextDir(p)
		return dir.Path, err
	}
	return c.mapper.GetCiphertextFilePath(p, t)
}

// Chmod changes the mode of a file
func (c *CryptoFS) Chmod(name string, mode os.FileMode) error {
	p, err := c.attrPath("chmod", name)
	if err != nil {
		return err
	}
	return c.base.Chmod(p, mode)
}

// Chtimes changes the access and modification times of a file
func (c *CryptoFS) Chtimes(name string, atime time.Time, mtime time.Time) error {
	p, err := c.attrPath("chtimes", name)
	if err != nil {
		return err
	}
	return c.base.Chtimes(p, atime, mtime)
}

// Chown changes the owner and group of a file
func (c *CryptoFS) Chown(name string, uid, gid int) error {
	p, err := c.attrPath("chown", name)
	if err != nil {
		return err
	}
	return c.base.Chown(p, uid, gid)
}

// Truncate changes the cleartext size of a file
func (c *CryptoFS) Truncate(name string, size int64) error {
	f, err := c.OpenFile(name, os.O_WRONLY, 0)
	if err != nil {
		return err
	}
	if err := f.Truncate(size); err != nil {
		return errors.Join(err, f.Close())
	}
	return f.Close()
}

// Cipher returns the content cipher suite of the vault
func (c *CryptoFS) Cipher() CipherSuite {
	return c.cipher
}

// Stats returns the counters the file system reports to
func (c *CryptoFS) Stats() Stats {
	return c.stats
}

// Close flushes and closes every open file. Later operations fail with
// ErrClosed.
func (c *CryptoFS) Close() error {
	if c.closed.Swap(true) {
		return nil
	}
	return c.files.Close()
}

// fileInfo presents base filesystem info under a cleartext name and size
type fileInfo struct {
	os.FileInfo
	name string
	size int64
	mode os.FileMode
}

func newFileInfo(info os.FileInfo, name string, size int64, mode os.FileMode) *fileInfo {
	return &fileInfo{FileInfo: info, name: name, size: size, mode: mode}
}

func (i *fileInfo) Name() string      { return i.name }
func (i *fileInfo) Size() int64       { return i.size }
func (i *fileInfo) Mode() os.FileMode { return i.mode }
func (i *fileInfo) IsDir() bool       { return i.mode.IsDir() }
