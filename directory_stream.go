package cryptofs

import (
	"fmt"
	"io/fs"
	"iter"
	"log/slog"
	"path"
	"strings"
	"sync/atomic"

	"github.com/absfs/absfs"
)

// ProcessedPaths tracks one directory entry through the listing stages
type ProcessedPaths struct {
	// CiphertextPath is the raw node path in the base filesystem
	CiphertextPath string

	// InflatedPath is CiphertextPath with a deflated name replaced by the
	// long name it stands for
	InflatedPath string

	// CleartextPath is the decrypted path, empty until decryption succeeds
	CleartextPath string
}

// LongFileNameInflater recognizes and expands deflated node names
type LongFileNameInflater interface {
	IsDeflated(name string) bool
	Inflate(ciphertextPath string) (string, error)
}

// NameDecryptor decrypts a node name encrypted for a directory
type NameDecryptor interface {
	DecryptFilename(ciphertextName, dirID string) (string, error)
}

// ConflictResolver repairs node names mangled by sync conflicts
type ConflictResolver interface {
	ResolveConflict(dir CiphertextDirectory, p ProcessedPaths) (ProcessedPaths, error)
}

// StreamOption configures a CryptoDirectoryStream
type StreamOption func(*CryptoDirectoryStream)

// WithStreamFilter keeps only entries for which keep returns true
func WithStreamFilter(keep func(ProcessedPaths) bool) StreamOption {
	return func(s *CryptoDirectoryStream) {
		s.filter = keep
	}
}

// WithStreamLogger sets the logger that receives skipped-entry diagnostics
func WithStreamLogger(logger *slog.Logger) StreamOption {
	return func(s *CryptoDirectoryStream) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithConflictResolver enables repair of conflicting node names
func WithConflictResolver(r ConflictResolver) StreamOption {
	return func(s *CryptoDirectoryStream) {
		s.conflicts = r
	}
}

// CryptoDirectoryStream lists one ciphertext directory as cleartext paths.
// It can be iterated once.
type CryptoDirectoryStream struct {
	base         absfs.FileSystem
	dir          CiphertextDirectory
	cleartextDir string
	inflater     LongFileNameInflater
	names        NameDecryptor
	conflicts    ConflictResolver
	filter       func(ProcessedPaths) bool
	logger       *slog.Logger
	consumed     atomic.Bool
}

// NewCryptoDirectoryStream creates a stream over the storage directory of
// dir, whose cleartext path is cleartextDir
func NewCryptoDirectoryStream(base absfs.FileSystem, dir CiphertextDirectory, cleartextDir string,
	inflater LongFileNameInflater, names NameDecryptor, opts ...StreamOption) *CryptoDirectoryStream {
	s := &CryptoDirectoryStream{
		base:         base,
		dir:          dir,
		cleartextDir: cleartextDir,
		inflater:     inflater,
		names:        names,
		logger:       discardLogger(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// All yields the decrypted entries of the directory. Entries that cannot be
// inflated or decrypted are logged and skipped. Only errors listing the
// directory itself are yielded, after which iteration stops.
func (s *CryptoDirectoryStream) All() iter.Seq2[ProcessedPaths, error] {
	return func(yield func(ProcessedPaths, error) bool) {
		if !s.consumed.CompareAndSwap(false, true) {
			yield(ProcessedPaths{}, ErrStreamConsumed)
			return
		}

		names, err := readDirNames(s.base, s.dir.Path)
		if err != nil {
			yield(ProcessedPaths{}, &fs.PathError{Op: "readdir", Path: s.cleartextDir, Err: err})
			return
		}
		for _, name := range names {
			p, ok := s.process(name)
			if !ok {
				continue
			}
			if !yield(p, nil) {
				return
			}
		}
	}
}

// process runs one raw entry through every stage
func (s *CryptoDirectoryStream) process(name string) (ProcessedPaths, bool) {
	if !strings.HasSuffix(name, encryptedNodeSuffix) && !s.inflater.IsDeflated(name) {
		s.logger.Debug("ignoring non-node entry", "dir", s.cleartextDir, "entry", name)
		return ProcessedPaths{}, false
	}

	p, err := s.inflateIfNeeded(ProcessedPaths{CiphertextPath: path.Join(s.dir.Path, name)})
	if err != nil {
		s.logger.Warn("skipping entry with unreadable long name", "dir", s.cleartextDir, "entry", name, "err", err)
		return ProcessedPaths{}, false
	}

	if s.conflicts != nil {
		resolved, err := s.conflicts.ResolveConflict(s.dir, p)
		if err != nil {
			s.logger.Warn("failed to resolve name conflict", "dir", s.cleartextDir, "entry", name, "err", err)
		} else {
			p = resolved
		}
	}

	p, err = s.decryptIfValid(p)
	if err != nil {
		s.logger.Warn("skipping entry with invalid name", "dir", s.cleartextDir, "entry", name, "err", err)
		return ProcessedPaths{}, false
	}

	if s.filter != nil && !s.filter(p) {
		return ProcessedPaths{}, false
	}
	return p, true
}

// inflateIfNeeded fills InflatedPath. CleartextPath is left empty.
func (s *CryptoDirectoryStream) inflateIfNeeded(p ProcessedPaths) (ProcessedPaths, error) {
	name := path.Base(p.CiphertextPath)
	if !s.inflater.IsDeflated(name) {
		p.InflatedPath = p.CiphertextPath
		return p, nil
	}
	longName, err := s.inflater.Inflate(p.CiphertextPath)
	if err != nil {
		return ProcessedPaths{}, err
	}
	p.InflatedPath = path.Join(path.Dir(p.CiphertextPath), longName)
	return p, nil
}

// decryptIfValid fills CleartextPath from the inflated node name
func (s *CryptoDirectoryStream) decryptIfValid(p ProcessedPaths) (ProcessedPaths, error) {
	encrypted, ok := strings.CutSuffix(path.Base(p.InflatedPath), encryptedNodeSuffix)
	if !ok {
		return ProcessedPaths{}, fmt.Errorf("%w: node name lacks %s suffix", ErrInvalidCiphertext, encryptedNodeSuffix)
	}
	name, err := s.names.DecryptFilename(encrypted, s.dir.DirID)
	if err != nil {
		return ProcessedPaths{}, err
	}
	if name == "" || name == "." || name == ".." || strings.ContainsRune(name, '/') {
		return ProcessedPaths{}, fmt.Errorf("%w: decrypted name %q is not a path element", ErrInvalidCiphertext, name)
	}
	p.CleartextPath = path.Join(s.cleartextDir, name)
	return p, nil
}
