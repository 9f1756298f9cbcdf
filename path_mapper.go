package cryptofs

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path"
	"strings"

	"github.com/absfs/absfs"
	"github.com/google/uuid"
)

const (
	// dataDirName is the base filesystem directory holding all storage directories
	dataDirName = "d"

	// dirIDFileName holds the directory ID inside a directory node
	dirIDFileName = "dir.c9r"

	// symlinkFileName holds the encrypted target inside a symlink node
	symlinkFileName = "symlink.c9r"

	// contentsFileName holds the file payload inside a deflated file node
	contentsFileName = "contents.c9r"

	// rootDirID is the directory ID of the cleartext root
	rootDirID = ""

	// maxDirIDLength bounds reads of dir.c9r
	maxDirIDLength = 128
)

// PathMapper translates cleartext paths into ciphertext storage paths
type PathMapper interface {
	// AssertNonExisting fails with fs.ErrExist if anything exists at cleartextPath
	AssertNonExisting(cleartextPath string) error

	// GetCiphertextFilePath returns the ciphertext file that stores the
	// payload of cleartextPath when it is a node of the given type
	GetCiphertextFilePath(cleartextPath string, fileType CiphertextFileType) (string, error)

	// GetCiphertextFileType reports what kind of node exists at cleartextPath
	GetCiphertextFileType(cleartextPath string) (CiphertextFileType, error)
}

// nodePreparer is implemented by mappers whose nodes must exist before the
// payload file can be created
type nodePreparer interface {
	PrepareCiphertextNode(cleartextPath string, t CiphertextFileType) (string, error)
	DiscardCiphertextNode(cleartextPath string) error
}

// CiphertextDirectory pairs a directory ID with the storage directory that
// holds the nodes of that directory's entries
type CiphertextDirectory struct {
	DirID string
	Path  string
}

// ciphertextNode is the base filesystem location of one cleartext path
type ciphertextNode struct {
	Path     string            // node path in the base filesystem
	Deflated *DeflatedFileName // set when the node name was shortened
}

// filePath returns the payload file of the node for type t
func (n ciphertextNode) filePath(t CiphertextFileType) (string, error) {
	switch t {
	case FileTypeFile:
		if n.Deflated != nil {
			return path.Join(n.Path, contentsFileName), nil
		}
		return n.Path, nil
	case FileTypeDirectory:
		return path.Join(n.Path, dirIDFileName), nil
	case FileTypeSymlink:
		return path.Join(n.Path, symlinkFileName), nil
	default:
		return "", fmt.Errorf("unknown ciphertext file type %v", t)
	}
}

// DirIDPathMapper lays out the cleartext tree as a flat set of storage
// directories, one per directory ID:
//
//	d/XX/YYYYYYYYYYYYYYYYYYYYYYYYYYYYYY/   storage dir of one directory ID
//	    <name>.c9r                         regular file
//	    <name>.c9r/dir.c9r                 directory, holds its directory ID
//	    <name>.c9r/symlink.c9r             symlink, holds the encrypted target
//	    <hash>.c9s/name.c9s                deflated node, holds the long name
//	    <hash>.c9s/contents.c9r            deflated regular file
//
// Node names are encrypted with the directory ID as associated data, so a
// directory can be renamed or moved by renaming its node alone.
type DirIDPathMapper struct {
	base      absfs.FileSystem
	names     *FileNameCryptor
	longNames *LongFileNameProvider
	maxName   int
	maxPath   int
	readonly  bool
	log       *slog.Logger
	dirs      *dirIDCache
}

// NewDirIDPathMapper creates a path mapper over base
func NewDirIDPathMapper(base absfs.FileSystem, names *FileNameCryptor, longNames *LongFileNameProvider, config *Config) *DirIDPathMapper {
	return &DirIDPathMapper{
		base:      base,
		names:     names,
		longNames: longNames,
		maxName:   config.maxNameLength(),
		maxPath:   config.maxPathLength(),
		readonly:  config.ReadOnly,
		log:       config.Logger,
		dirs:      newDirIDCache(dirIDCacheExpiry, dirIDCacheEntries),
	}
}

func (m *DirIDPathMapper) logger() *slog.Logger {
	if m.log == nil {
		return discardLogger()
	}
	return m.log
}

// initRoot creates the storage directory of the root if it is missing
func (m *DirIDPathMapper) initRoot() error {
	if m.readonly {
		return nil
	}
	return m.base.MkdirAll(m.storagePath(rootDirID), 0o755)
}

// storagePath returns the storage directory of dirID
func (m *DirIDPathMapper) storagePath(dirID string) string {
	h := m.names.HashDirectoryID(dirID)
	return "/" + path.Join(dataDirName, h[:2], h[2:])
}

// cleanPath normalizes a cleartext path and enforces the length limits
func (m *DirIDPathMapper) cleanPath(op, cleartextPath string) (string, error) {
	p := path.Clean("/" + cleartextPath)
	if len(p) > m.maxPath {
		return "", &fs.PathError{Op: op, Path: p, Err: ErrPathTooLong}
	}
	if p == "/" {
		return p, nil
	}
	for _, name := range strings.Split(p[1:], "/") {
		if err := ValidateName(name, m.maxName); err != nil {
			return "", &fs.PathError{Op: op, Path: p, Err: err}
		}
	}
	return p, nil
}

// GetCiphertextDir resolves a cleartext directory to its directory ID and
// storage directory
func (m *DirIDPathMapper) GetCiphertextDir(cleartextDir string) (CiphertextDirectory, error) {
	p, err := m.cleanPath("lookup", cleartextDir)
	if err != nil {
		return CiphertextDirectory{}, err
	}
	return m.ciphertextDir(p)
}

func (m *DirIDPathMapper) ciphertextDir(p string) (CiphertextDirectory, error) {
	if p == "/" {
		return CiphertextDirectory{DirID: rootDirID, Path: m.storagePath(rootDirID)}, nil
	}
	if d, ok := m.dirs.lookup(p); ok {
		return d, nil
	}

	node, err := m.node(p)
	if err != nil {
		return CiphertextDirectory{}, err
	}
	dirIDPath := path.Join(node.Path, dirIDFileName)
	dirID, err := readSmallFile(m.base, dirIDPath, maxDirIDLength)
	switch {
	case errors.Is(err, errContentTooLarge):
		return CiphertextDirectory{}, NewCorruptionError(dirIDPath, "directory ID too long")
	case errors.Is(err, fs.ErrNotExist):
		if _, serr := m.base.Stat(node.Path); serr == nil {
			return CiphertextDirectory{}, &fs.PathError{Op: "lookup", Path: p, Err: ErrNotDirectory}
		}
		return CiphertextDirectory{}, &fs.PathError{Op: "lookup", Path: p, Err: fs.ErrNotExist}
	case err != nil:
		return CiphertextDirectory{}, err
	}

	d := CiphertextDirectory{DirID: string(dirID), Path: m.storagePath(string(dirID))}
	m.dirs.store(p, d)
	return d, nil
}

// node locates the ciphertext node of a cleaned, non-root cleartext path
func (m *DirIDPathMapper) node(p string) (ciphertextNode, error) {
	if p == "/" {
		return ciphertextNode{}, &fs.PathError{Op: "lookup", Path: p, Err: fs.ErrInvalid}
	}
	parent, err := m.ciphertextDir(path.Dir(p))
	if err != nil {
		return ciphertextNode{}, err
	}
	return m.nodeIn(parent, path.Base(p))
}

// nodeIn locates the node named name inside dir
func (m *DirIDPathMapper) nodeIn(dir CiphertextDirectory, name string) (ciphertextNode, error) {
	encrypted, err := m.names.EncryptFilename(name, dir.DirID)
	if err != nil {
		return ciphertextNode{}, err
	}
	nodeName := encrypted + encryptedNodeSuffix
	if !m.longNames.NeedsDeflation(nodeName) {
		return ciphertextNode{Path: path.Join(dir.Path, nodeName)}, nil
	}
	deflated := m.longNames.Deflate(nodeName)
	return ciphertextNode{Path: path.Join(dir.Path, deflated.ShortName), Deflated: &deflated}, nil
}

// nodeType inspects the node at nodePath. A missing or empty node reports
// fs.ErrNotExist.
func (m *DirIDPathMapper) nodeType(nodePath string) (CiphertextFileType, error) {
	info, err := m.base.Stat(nodePath)
	if err != nil {
		return 0, err
	}
	if !info.IsDir() {
		return FileTypeFile, nil
	}
	markers := []struct {
		name string
		t    CiphertextFileType
	}{
		{dirIDFileName, FileTypeDirectory},
		{symlinkFileName, FileTypeSymlink},
		{contentsFileName, FileTypeFile},
	}
	for _, marker := range markers {
		if _, err := m.base.Stat(path.Join(nodePath, marker.name)); err == nil {
			return marker.t, nil
		}
	}
	return 0, fs.ErrNotExist
}

// GetCiphertextFileType reports the type of the node at cleartextPath
func (m *DirIDPathMapper) GetCiphertextFileType(cleartextPath string) (CiphertextFileType, error) {
	p, err := m.cleanPath("stat", cleartextPath)
	if err != nil {
		return 0, err
	}
	if p == "/" {
		return FileTypeDirectory, nil
	}
	node, err := m.node(p)
	if err != nil {
		return 0, err
	}
	t, err := m.nodeType(node.Path)
	if errors.Is(err, fs.ErrNotExist) {
		return 0, &fs.PathError{Op: "stat", Path: p, Err: fs.ErrNotExist}
	}
	return t, err
}

// GetCiphertextFilePath returns the payload file of cleartextPath for the
// given type. The root directory has no payload.
func (m *DirIDPathMapper) GetCiphertextFilePath(cleartextPath string, fileType CiphertextFileType) (string, error) {
	p, err := m.cleanPath("lookup", cleartextPath)
	if err != nil {
		return "", err
	}
	node, err := m.node(p)
	if err != nil {
		return "", err
	}
	return node.filePath(fileType)
}

// AssertNonExisting fails with fs.ErrExist when any node exists at cleartextPath
func (m *DirIDPathMapper) AssertNonExisting(cleartextPath string) error {
	_, err := m.GetCiphertextFileType(cleartextPath)
	switch {
	case err == nil:
		return &fs.PathError{Op: "create", Path: cleartextPath, Err: fs.ErrExist}
	case errors.Is(err, fs.ErrNotExist):
		return nil
	default:
		return err
	}
}

// PrepareCiphertextNode creates the node directory a payload of type t
// needs, persisting the long name of deflated nodes, and returns the
// payload path
func (m *DirIDPathMapper) PrepareCiphertextNode(cleartextPath string, t CiphertextFileType) (string, error) {
	if m.readonly {
		return "", &fs.PathError{Op: "create", Path: cleartextPath, Err: ErrReadOnly}
	}
	p, err := m.cleanPath("create", cleartextPath)
	if err != nil {
		return "", err
	}
	node, err := m.node(p)
	if err != nil {
		return "", err
	}
	if t != FileTypeFile || node.Deflated != nil {
		if err := m.base.MkdirAll(node.Path, 0o755); err != nil {
			return "", err
		}
	}
	if node.Deflated != nil {
		if err := node.Deflated.Persist(node.Path); err != nil {
			return "", err
		}
	}
	return node.filePath(t)
}

// DiscardCiphertextNode removes a node left behind by PrepareCiphertextNode
// when writing its payload failed
func (m *DirIDPathMapper) DiscardCiphertextNode(cleartextPath string) error {
	if m.readonly {
		return &fs.PathError{Op: "remove", Path: cleartextPath, Err: ErrReadOnly}
	}
	p, err := m.cleanPath("remove", cleartextPath)
	if err != nil {
		return err
	}
	node, err := m.node(p)
	if err != nil {
		return err
	}
	return m.base.RemoveAll(node.Path)
}

// CreateDirectory creates a directory node with a fresh directory ID
func (m *DirIDPathMapper) CreateDirectory(cleartextPath string, perm os.FileMode) error {
	if err := m.AssertNonExisting(cleartextPath); err != nil {
		return err
	}
	dirIDPath, err := m.PrepareCiphertextNode(cleartextPath, FileTypeDirectory)
	if err != nil {
		return err
	}

	dirID := uuid.NewString()
	if err := m.base.MkdirAll(m.storagePath(dirID), perm|0o700); err != nil {
		return err
	}
	return writeSmallFile(m.base, dirIDPath, []byte(dirID), true)
}

// Remove deletes the node at cleartextPath. Directories must be empty.
func (m *DirIDPathMapper) Remove(cleartextPath string) error {
	return m.remove(cleartextPath, false)
}

// Purge deletes the node at cleartextPath together with everything left in
// its storage directory, including entries that no longer decrypt
func (m *DirIDPathMapper) Purge(cleartextPath string) error {
	return m.remove(cleartextPath, true)
}

func (m *DirIDPathMapper) remove(cleartextPath string, force bool) error {
	if m.readonly {
		return &fs.PathError{Op: "remove", Path: cleartextPath, Err: ErrReadOnly}
	}
	p, err := m.cleanPath("remove", cleartextPath)
	if err != nil {
		return err
	}
	if p == "/" {
		return &fs.PathError{Op: "remove", Path: p, Err: fs.ErrPermission}
	}
	node, err := m.node(p)
	if err != nil {
		return err
	}
	t, err := m.nodeType(node.Path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return &fs.PathError{Op: "remove", Path: p, Err: fs.ErrNotExist}
		}
		return err
	}

	switch t {
	case FileTypeDirectory:
		dir, err := m.ciphertextDir(p)
		if err != nil {
			return err
		}
		names, err := readDirNames(m.base, dir.Path)
		if err != nil && !errors.Is(err, fs.ErrNotExist) {
			return err
		}
		if len(names) > 0 && !force {
			return &fs.PathError{Op: "remove", Path: p, Err: ErrDirectoryNotEmpty}
		}
		if err := m.base.RemoveAll(dir.Path); err != nil {
			return err
		}
		m.dirs.invalidate(p)
		return m.base.RemoveAll(node.Path)
	case FileTypeSymlink:
		return m.base.RemoveAll(node.Path)
	case FileTypeFile:
		if node.Deflated != nil {
			return m.base.RemoveAll(node.Path)
		}
		return m.base.Remove(node.Path)
	default:
		return fmt.Errorf("unknown ciphertext file type %v", t)
	}
}

// Move renames the node at src to dst. An existing dst is replaced when
// both are non-directories, or when both are directories and dst is empty.
func (m *DirIDPathMapper) Move(src, dst string) error {
	if m.readonly {
		return &fs.PathError{Op: "rename", Path: src, Err: ErrReadOnly}
	}
	src, err := m.cleanPath("rename", src)
	if err != nil {
		return err
	}
	dst, err = m.cleanPath("rename", dst)
	if err != nil {
		return err
	}
	if src == "/" || dst == "/" || strings.HasPrefix(dst, src+"/") {
		return &fs.PathError{Op: "rename", Path: src, Err: fs.ErrInvalid}
	}

	srcNode, err := m.node(src)
	if err != nil {
		return err
	}
	t, err := m.nodeType(srcNode.Path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return &fs.PathError{Op: "rename", Path: src, Err: fs.ErrNotExist}
		}
		return err
	}
	if src == dst {
		return nil
	}

	dstNode, err := m.node(dst)
	if err != nil {
		return err
	}
	dt, err := m.nodeType(dstNode.Path)
	switch {
	case err == nil:
		if (dt == FileTypeDirectory) != (t == FileTypeDirectory) {
			return &fs.PathError{Op: "rename", Path: dst, Err: fs.ErrExist}
		}
		if err := m.Remove(dst); err != nil {
			return err
		}
	case !errors.Is(err, fs.ErrNotExist):
		return err
	}

	if err := m.moveNode(srcNode, dstNode, t); err != nil {
		return &fs.PathError{Op: "rename", Path: src, Err: err}
	}
	if t == FileTypeDirectory {
		m.dirs.invalidate(src)
	}
	return nil
}

// moveNode moves a node between locations, converting between plain and
// deflated node layouts as needed
func (m *DirIDPathMapper) moveNode(src, dst ciphertextNode, t CiphertextFileType) error {
	if t == FileTypeFile && (src.Deflated != nil || dst.Deflated != nil) {
		srcFile, _ := src.filePath(t)
		dstFile, _ := dst.filePath(t)
		if dst.Deflated != nil {
			if err := m.base.MkdirAll(dst.Path, 0o755); err != nil {
				return err
			}
			if err := dst.Deflated.Persist(dst.Path); err != nil {
				return err
			}
		}
		if err := m.base.Rename(srcFile, dstFile); err != nil {
			return err
		}
		if src.Deflated != nil {
			return m.base.RemoveAll(src.Path)
		}
		return nil
	}

	if err := m.base.Rename(src.Path, dst.Path); err != nil {
		return err
	}
	switch {
	case t == FileTypeFile:
		return nil
	case dst.Deflated != nil:
		return dst.Deflated.Persist(dst.Path)
	case src.Deflated != nil:
		err := m.base.Remove(path.Join(dst.Path, inflatedNameFile))
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return err
	default:
		return nil
	}
}

// NewDirectoryStream lists the cleartext directory at cleartextDir
func (m *DirIDPathMapper) NewDirectoryStream(cleartextDir string, opts ...StreamOption) (*CryptoDirectoryStream, error) {
	p, err := m.cleanPath("readdir", cleartextDir)
	if err != nil {
		return nil, err
	}
	dir, err := m.ciphertextDir(p)
	if err != nil {
		return nil, err
	}
	opts = append([]StreamOption{WithConflictResolver(m), WithStreamLogger(m.log)}, opts...)
	return NewCryptoDirectoryStream(m.base, dir, p, m.longNames, m.names, opts...), nil
}

// readSmallFile reads a whole file of at most maxLen bytes
func readSmallFile(base absfs.FileSystem, name string, maxLen int64) ([]byte, error) {
	f, err := base.Open(name)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	data, err := io.ReadAll(io.LimitReader(f, maxLen+1))
	if err != nil {
		return nil, err
	}
	if int64(len(data)) > maxLen {
		return nil, errContentTooLarge
	}
	return data, nil
}

// writeSmallFile writes data as the whole content of name. With exclusive
// set an existing file is an error.
func writeSmallFile(base absfs.FileSystem, name string, data []byte, exclusive bool) error {
	flag := os.O_WRONLY | os.O_CREATE | os.O_TRUNC
	if exclusive {
		flag = os.O_WRONLY | os.O_CREATE | os.O_EXCL
	}
	f, err := base.OpenFile(name, flag, 0o644)
	if err != nil {
		return err
	}
	_, werr := f.Write(data)
	return errors.Join(werr, f.Close())
}

// readDirNames lists the entry names of a base filesystem directory
func readDirNames(base absfs.FileSystem, dir string) ([]string, error) {
	f, err := base.Open(dir)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return f.Readdirnames(-1)
}
