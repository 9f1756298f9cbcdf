package cryptofs

import (
	"os"
)

// OpenOptions is the decoded form of os.OpenFile flags
type OpenOptions struct {
	Read      bool
	Write     bool
	Append    bool
	Create    bool
	CreateNew bool // O_CREATE|O_EXCL
	Truncate  bool
	Perm      os.FileMode
}

// effectiveOpenOptions decodes flag and rejects any write intent on a
// read-only mount
func effectiveOpenOptions(flag int, perm os.FileMode, readonly bool) (OpenOptions, error) {
	opts := OpenOptions{
		Create: flag&os.O_CREATE != 0,
		Perm:   perm,
	}
	opts.CreateNew = opts.Create && flag&os.O_EXCL != 0

	switch flag & (os.O_RDONLY | os.O_WRONLY | os.O_RDWR) {
	case os.O_WRONLY:
		opts.Write = true
	case os.O_RDWR:
		opts.Read = true
		opts.Write = true
	default:
		opts.Read = true
	}
	opts.Append = opts.Write && flag&os.O_APPEND != 0
	opts.Truncate = opts.Write && flag&os.O_TRUNC != 0

	if readonly && opts.writes() {
		return OpenOptions{}, ErrReadOnly
	}
	return opts, nil
}

// writes reports whether the options may modify the file
func (o OpenOptions) writes() bool {
	return o.Write || o.Append || o.Create || o.Truncate
}

// baseFlag returns the flags used to open the ciphertext file. The file is
// shared by every handle and chunks are read back for partial writes, so
// it is opened read-write unless the mount is read-only.
func (o OpenOptions) baseFlag(readonly bool) int {
	if readonly {
		return os.O_RDONLY
	}
	flag := os.O_RDWR
	if o.Create {
		flag |= os.O_CREATE
	}
	if o.CreateNew {
		flag |= os.O_EXCL
	}
	return flag
}

// readOnlyOpenOptions opens an existing file for reading
var readOnlyOpenOptions = OpenOptions{Read: true}
