package cryptofs

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"unicode/utf8"
)

// Symlinks stores symbolic links as small ciphertext files whose cleartext
// is the UTF-8 link target
type Symlinks struct {
	mapper   PathMapper
	files    *OpenCryptoFiles
	readonly bool
}

// NewSymlinks creates the symlink component
func NewSymlinks(mapper PathMapper, files *OpenCryptoFiles, readonly bool) *Symlinks {
	return &Symlinks{mapper: mapper, files: files, readonly: readonly}
}

// CreateSymbolicLink creates a link at cleartextPath pointing to target.
// Nothing is written when the path exists, the target is too long, or the
// mount is read-only.
func (s *Symlinks) CreateSymbolicLink(cleartextPath, target string) error {
	if err := s.mapper.AssertNonExisting(cleartextPath); err != nil {
		return err
	}
	if err := ValidateSymlinkTarget(target); err != nil {
		return &fs.PathError{Op: "symlink", Path: cleartextPath, Err: err}
	}
	opts, err := effectiveOpenOptions(os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644, s.readonly)
	if err != nil {
		return &fs.PathError{Op: "symlink", Path: cleartextPath, Err: err}
	}

	preparer, prepared := s.mapper.(nodePreparer)
	var ciphertextPath string
	if prepared {
		ciphertextPath, err = preparer.PrepareCiphertextNode(cleartextPath, FileTypeSymlink)
	} else {
		ciphertextPath, err = s.mapper.GetCiphertextFilePath(cleartextPath, FileTypeSymlink)
	}
	if err != nil {
		return err
	}
	if err := s.files.WriteCiphertextFile(ciphertextPath, opts, []byte(target)); err != nil {
		if prepared {
			return errors.Join(err, preparer.DiscardCiphertextNode(cleartextPath))
		}
		return err
	}
	return nil
}

// ReadTarget returns the stored target of the link at cleartextPath as is
func (s *Symlinks) ReadTarget(cleartextPath string) (string, error) {
	ciphertextPath, err := s.mapper.GetCiphertextFilePath(cleartextPath, FileTypeSymlink)
	if err != nil {
		return "", err
	}
	data, err := s.files.ReadCiphertextFile(ciphertextPath, readOnlyOpenOptions, MaxSymlinkLength)
	if errors.Is(err, errContentTooLarge) {
		return "", &fs.PathError{Op: "readlink", Path: cleartextPath, Err: fmt.Errorf("%w: target exceeds %d bytes", ErrNotLink, MaxSymlinkLength)}
	}
	if IsCorruptionError(err) {
		return "", &fs.PathError{Op: "readlink", Path: cleartextPath, Err: fmt.Errorf("%w: %w", ErrNotLink, err)}
	}
	if err != nil {
		return "", err
	}
	if !utf8.Valid(data) {
		return "", &fs.PathError{Op: "readlink", Path: cleartextPath, Err: fmt.Errorf("%w: target is not valid UTF-8", ErrNotLink)}
	}
	return string(data), nil
}

// ReadSymbolicLink returns the target of the link at cleartextPath,
// resolved against the directory containing the link
func (s *Symlinks) ReadSymbolicLink(cleartextPath string) (string, error) {
	target, err := s.ReadTarget(cleartextPath)
	if err != nil {
		return "", err
	}
	return resolveSibling(cleartextPath, target), nil
}

// ResolveRecursively follows the link chain starting at cleartextPath and
// returns the first path that is not a link. A chain that revisits a path
// fails with ErrFileSystemLoop.
func (s *Symlinks) ResolveRecursively(cleartextPath string) (string, error) {
	current := path.Clean("/" + cleartextPath)
	visited := map[string]struct{}{current: {}}
	for {
		t, err := s.mapper.GetCiphertextFileType(current)
		if err != nil {
			return "", err
		}
		switch t {
		case FileTypeFile, FileTypeDirectory:
			return current, nil
		case FileTypeSymlink:
			target, err := s.ReadSymbolicLink(current)
			if err != nil {
				return "", err
			}
			if _, seen := visited[target]; seen {
				return "", &fs.PathError{Op: "resolve", Path: cleartextPath, Err: ErrFileSystemLoop}
			}
			visited[target] = struct{}{}
			current = target
		default:
			return "", fmt.Errorf("unknown ciphertext file type %v", t)
		}
	}
}

// resolveSibling interprets target relative to the directory of linkPath
func resolveSibling(linkPath, target string) string {
	if path.IsAbs(target) {
		return path.Clean(target)
	}
	return path.Join(path.Dir(path.Clean("/"+linkPath)), target)
}
