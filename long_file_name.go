package cryptofs

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"strings"

	"github.com/absfs/absfs"
	"github.com/zeebo/blake3"
)

const (
	// deflatedNodeSuffix marks a node whose name is a hash of a long name
	deflatedNodeSuffix = ".c9s"

	// inflatedNameFile holds the long name inside a deflated node
	inflatedNameFile = "name.c9s"

	// deflatedHashSize is the truncated BLAKE3 digest size of a deflated name
	deflatedHashSize = 20

	// minNodeNameLength is the smallest usable name length limit: it must
	// hold a deflated name (27 characters plus suffix)
	minNodeNameLength = 32

	// maxInflatedNameLength bounds reads of name.c9s
	maxInflatedNameLength = 16 * 1024
)

// LongFileNameProvider shortens node names that exceed the backend's
// name-length limit. A deflated node is a directory named after a hash of
// the long name; the long name itself is stored in its name.c9s file.
type LongFileNameProvider struct {
	base      absfs.FileSystem
	threshold int
	readonly  bool
}

// NewLongFileNameProvider creates a provider deflating names longer than threshold
func NewLongFileNameProvider(base absfs.FileSystem, threshold int, readonly bool) *LongFileNameProvider {
	return &LongFileNameProvider{base: base, threshold: threshold, readonly: readonly}
}

// IsDeflated reports whether a raw node name is a deflated alias
func (l *LongFileNameProvider) IsDeflated(name string) bool {
	return strings.HasSuffix(name, deflatedNodeSuffix)
}

// NeedsDeflation reports whether name is too long to store as is
func (l *LongFileNameProvider) NeedsDeflation(name string) bool {
	return len(name) > l.threshold
}

// Inflate returns the long name stored in the deflated node at ciphertextPath
func (l *LongFileNameProvider) Inflate(ciphertextPath string) (string, error) {
	namePath := path.Join(ciphertextPath, inflatedNameFile)
	f, err := l.base.Open(namePath)
	if err != nil {
		return "", &fs.PathError{Op: "inflate", Path: ciphertextPath, Err: err}
	}
	defer f.Close()

	data, err := io.ReadAll(io.LimitReader(f, maxInflatedNameLength+1))
	if err != nil {
		return "", &fs.PathError{Op: "inflate", Path: ciphertextPath, Err: err}
	}
	if len(data) > maxInflatedNameLength {
		return "", NewCorruptionError(namePath, "long name exceeds limit")
	}

	longName := string(data)
	if deflateName(longName) != path.Base(ciphertextPath) {
		return "", NewCorruptionError(namePath, "long name does not match its hash")
	}
	return longName, nil
}

// Deflate computes the short alias of longName
func (l *LongFileNameProvider) Deflate(longName string) DeflatedFileName {
	return DeflatedFileName{
		ShortName: deflateName(longName),
		LongName:  longName,
		provider:  l,
	}
}

func deflateName(longName string) string {
	sum := blake3.Sum256([]byte(longName))
	return nameEncoding.EncodeToString(sum[:deflatedHashSize]) + deflatedNodeSuffix
}

// DeflatedFileName pairs a long node name with its short alias
type DeflatedFileName struct {
	ShortName string
	LongName  string
	provider  *LongFileNameProvider
}

// Persist stores the long name inside the deflated node directory at
// nodePath. An existing identical mapping is left alone.
func (d DeflatedFileName) Persist(nodePath string) error {
	if d.provider.readonly {
		return &fs.PathError{Op: "deflate", Path: nodePath, Err: ErrReadOnly}
	}
	if path.Base(nodePath) != d.ShortName {
		return fmt.Errorf("deflate: node %s is not named %s", nodePath, d.ShortName)
	}

	namePath := path.Join(nodePath, inflatedNameFile)
	if existing, err := d.provider.Inflate(nodePath); err == nil && existing == d.LongName {
		return nil
	}

	f, err := d.provider.base.OpenFile(namePath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return &fs.PathError{Op: "deflate", Path: nodePath, Err: err}
	}
	_, werr := f.Write([]byte(d.LongName))
	cerr := f.Close()
	if err := errors.Join(werr, cerr); err != nil {
		return &fs.PathError{Op: "deflate", Path: nodePath, Err: err}
	}
	return nil
}
