//go:build unix

package cryptofs

import (
	"errors"
	"io/fs"

	"golang.org/x/sys/unix"
)

// Errno maps an error returned by this package to the errno a POSIX file
// system front end should report. A nil error maps to 0.
func Errno(err error) unix.Errno {
	if err == nil {
		return 0
	}

	var errno unix.Errno
	if errors.As(err, &errno) {
		return errno
	}

	switch {
	case errors.Is(err, ErrFileSystemLoop):
		return unix.ELOOP
	case errors.Is(err, ErrNotLink):
		return unix.EINVAL
	case errors.Is(err, ErrPathTooLong):
		return unix.ENAMETOOLONG
	case errors.Is(err, ErrReadOnly):
		return unix.EROFS
	case errors.Is(err, ErrNotDirectory):
		return unix.ENOTDIR
	case errors.Is(err, ErrIsDirectory):
		return unix.EISDIR
	case errors.Is(err, ErrDirectoryNotEmpty):
		return unix.ENOTEMPTY
	case errors.Is(err, ErrClosed), errors.Is(err, fs.ErrClosed):
		return unix.EBADF
	case IsAuthenticationError(err), IsCorruptionError(err):
		return unix.EIO
	case errors.Is(err, fs.ErrNotExist):
		return unix.ENOENT
	case errors.Is(err, fs.ErrExist):
		return unix.EEXIST
	case errors.Is(err, fs.ErrPermission):
		return unix.EPERM
	case errors.Is(err, fs.ErrInvalid), errors.Is(err, ErrNegativeOffset):
		return unix.EINVAL
	default:
		return unix.EIO
	}
}
