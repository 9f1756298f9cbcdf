package cryptofs

import (
	"errors"
	"io/fs"
	"os"
	"strings"
	"testing"
)

func writeRawSymlink(t *testing.T, fsys *CryptoFS, name string, target []byte) {
	t.Helper()
	payload, err := fsys.mapper.PrepareCiphertextNode(name, FileTypeSymlink)
	if err != nil {
		t.Fatalf("PrepareCiphertextNode() error = %v", err)
	}
	opts := OpenOptions{Read: true, Write: true, Create: true, Perm: 0o644}
	if err := fsys.files.WriteCiphertextFile(payload, opts, target); err != nil {
		t.Fatalf("WriteCiphertextFile() error = %v", err)
	}
}

func TestSymlinks_CreateAndRead(t *testing.T) {
	fsys, _ := newTestFS(t)
	s := fsys.symlinks

	if err := fsys.Mkdir("/dir", 0o755); err != nil {
		t.Fatal(err)
	}
	if err := s.CreateSymbolicLink("/dir/link", "../target"); err != nil {
		t.Fatalf("CreateSymbolicLink() error = %v", err)
	}
	target, err := s.ReadTarget("/dir/link")
	if err != nil {
		t.Fatalf("ReadTarget() error = %v", err)
	}
	if target != "../target" {
		t.Errorf("ReadTarget() = %q, want %q", target, "../target")
	}
	resolved, err := s.ReadSymbolicLink("/dir/link")
	if err != nil {
		t.Fatalf("ReadSymbolicLink() error = %v", err)
	}
	if resolved != "/target" {
		t.Errorf("ReadSymbolicLink() = %q, want /target", resolved)
	}
	if typ, _ := fsys.mapper.GetCiphertextFileType("/dir/link"); typ != FileTypeSymlink {
		t.Errorf("GetCiphertextFileType() = %v, want symlink", typ)
	}
}

func TestSymlinks_TargetTooLong(t *testing.T) {
	fsys, _ := newTestFS(t)

	err := fsys.symlinks.CreateSymbolicLink("/long", strings.Repeat("t", MaxSymlinkLength+1))
	if !errors.Is(err, ErrPathTooLong) {
		t.Fatalf("CreateSymbolicLink() = %v, want ErrPathTooLong", err)
	}
	if err := fsys.mapper.AssertNonExisting("/long"); err != nil {
		t.Errorf("rejected link left a node behind: %v", err)
	}

	if err := fsys.symlinks.CreateSymbolicLink("/max", strings.Repeat("t", MaxSymlinkLength)); err != nil {
		t.Fatalf("CreateSymbolicLink() at limit error = %v", err)
	}
}

func TestSymlinks_StoredTargetNotALink(t *testing.T) {
	fsys, _ := newTestFS(t)

	writeRawSymlink(t, fsys, "/oversized", []byte(strings.Repeat("o", MaxSymlinkLength+1)))
	if _, err := fsys.symlinks.ReadTarget("/oversized"); !errors.Is(err, ErrNotLink) {
		t.Errorf("ReadTarget(oversized) = %v, want ErrNotLink", err)
	}

	writeRawSymlink(t, fsys, "/binary", []byte{0xff, 0xfe, 'x'})
	if _, err := fsys.symlinks.ReadTarget("/binary"); !errors.Is(err, ErrNotLink) {
		t.Errorf("ReadTarget(invalid UTF-8) = %v, want ErrNotLink", err)
	}
}

func TestSymlinks_EmptyPayloadIsNotALink(t *testing.T) {
	fsys, base := newTestFS(t)
	payload, err := fsys.mapper.PrepareCiphertextNode("/empty", FileTypeSymlink)
	if err != nil {
		t.Fatalf("PrepareCiphertextNode() error = %v", err)
	}
	f, err := base.Create(payload)
	if err != nil {
		t.Fatal(err)
	}
	f.Close()

	if _, err := fsys.Readlink("/empty"); !errors.Is(err, ErrNotLink) {
		t.Errorf("Readlink(empty payload) = %v, want ErrNotLink", err)
	}
	info, err := base.Stat(payload)
	if err != nil {
		t.Fatal(err)
	}
	if info.Size() != 0 {
		t.Errorf("reading the link wrote %d bytes into its payload", info.Size())
	}
}

func TestSymlinks_FailedWriteRemovesNode(t *testing.T) {
	tests := []struct {
		name string
		link string
	}{
		{"short name", "/link"},
		{"deflated name", "/" + strings.Repeat("long-link-", 20)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fsys, base := newTestFS(t)
			before := walkBase(t, base)
			if err := fsys.files.Close(); err != nil {
				t.Fatal(err)
			}

			if err := fsys.symlinks.CreateSymbolicLink(tt.link, "/x"); !errors.Is(err, ErrClosed) {
				t.Fatalf("CreateSymbolicLink() = %v, want ErrClosed", err)
			}
			if err := fsys.mapper.AssertNonExisting(tt.link); err != nil {
				t.Errorf("failed link creation left a node behind: %v", err)
			}
			after := walkBase(t, base)
			if len(after) != len(before) {
				t.Errorf("base has %d entries after the failed create, want %d", len(after), len(before))
			}
			for p := range after {
				if _, ok := before[p]; !ok {
					t.Errorf("leftover base entry %s", p)
				}
			}
		})
	}
}

func TestSymlinks_ReadOnly(t *testing.T) {
	fsys, _ := newTestFS(t)
	s := NewSymlinks(fsys.mapper, fsys.files, true)

	if err := s.CreateSymbolicLink("/link", "/x"); !errors.Is(err, ErrReadOnly) {
		t.Fatalf("CreateSymbolicLink() on read-only = %v, want ErrReadOnly", err)
	}
	if err := fsys.mapper.AssertNonExisting("/link"); err != nil {
		t.Errorf("read-only link creation left a node behind: %v", err)
	}
}

func TestSymlinks_ResolveRecursively(t *testing.T) {
	fsys, _ := newTestFS(t)
	s := fsys.symlinks

	if err := fsys.MkdirAll("/a/b", 0o755); err != nil {
		t.Fatal(err)
	}
	writeFile(t, fsys, "/a/b/file", []byte("x"))
	for _, l := range []struct{ link, target string }{
		{"/a/l1", "b/file"},
		{"/l2", "/a/l1"},
		{"/a/b/l3", "../../l2"},
		{"/self", "self"},
		{"/p", "q"},
		{"/q", "/p"},
		{"/x", "y"},
		{"/y", "z"},
		{"/z", "x"},
	} {
		if err := s.CreateSymbolicLink(l.link, l.target); err != nil {
			t.Fatalf("CreateSymbolicLink(%s) error = %v", l.link, err)
		}
	}

	tests := []struct {
		name    string
		start   string
		want    string
		wantErr error
	}{
		{"regular file", "/a/b/file", "/a/b/file", nil},
		{"directory", "/a", "/a", nil},
		{"relative link", "/a/l1", "/a/b/file", nil},
		{"chain", "/a/b/l3", "/a/b/file", nil},
		{"self loop", "/self", "", ErrFileSystemLoop},
		{"two link cycle", "/p", "", ErrFileSystemLoop},
		{"three link cycle", "/x", "", ErrFileSystemLoop},
		{"three link cycle entered midway", "/z", "", ErrFileSystemLoop},
		{"missing", "/nope", "", fs.ErrNotExist},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := s.ResolveRecursively(tt.start)
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Errorf("ResolveRecursively(%s) = %v, want %v", tt.start, err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("ResolveRecursively(%s) error = %v", tt.start, err)
			}
			if got != tt.want {
				t.Errorf("ResolveRecursively(%s) = %q, want %q", tt.start, got, tt.want)
			}
		})
	}
}

// countingMapper counts node type lookups made through it
type countingMapper struct {
	PathMapper
	lookups int
}

func (m *countingMapper) GetCiphertextFileType(cleartextPath string) (CiphertextFileType, error) {
	m.lookups++
	return m.PathMapper.GetCiphertextFileType(cleartextPath)
}

func TestSymlinks_ResolveCycleStopsEarly(t *testing.T) {
	fsys, _ := newTestFS(t)
	for _, l := range []struct{ link, target string }{
		{"/a", "b"},
		{"/b", "c"},
		{"/c", "a"},
		{"/m", "/n"},
		{"/n", "/m"},
	} {
		if err := fsys.symlinks.CreateSymbolicLink(l.link, l.target); err != nil {
			t.Fatalf("CreateSymbolicLink(%s) error = %v", l.link, err)
		}
	}

	tests := []struct {
		start       string
		wantLookups int
	}{
		{"/a", 3},
		{"/b", 3},
		{"/m", 2},
	}
	for _, tt := range tests {
		t.Run(tt.start, func(t *testing.T) {
			counter := &countingMapper{PathMapper: fsys.mapper}
			s := NewSymlinks(counter, fsys.files, false)
			_, err := s.ResolveRecursively(tt.start)
			if !errors.Is(err, ErrFileSystemLoop) {
				t.Fatalf("ResolveRecursively(%s) = %v, want ErrFileSystemLoop", tt.start, err)
			}
			if counter.lookups != tt.wantLookups {
				t.Errorf("ResolveRecursively(%s) made %d type lookups, want %d", tt.start, counter.lookups, tt.wantLookups)
			}
		})
	}
}

func TestSymlinks_CreateExisting(t *testing.T) {
	fsys, _ := newTestFS(t)
	writeFile(t, fsys, "/taken", nil)
	if err := fsys.symlinks.CreateSymbolicLink("/taken", "/x"); !errors.Is(err, fs.ErrExist) {
		t.Errorf("CreateSymbolicLink() over file = %v, want fs.ErrExist", err)
	}
	info, err := fsys.Lstat("/taken")
	if err != nil {
		t.Fatal(err)
	}
	if info.Mode()&os.ModeSymlink != 0 {
		t.Error("existing file was turned into a link")
	}
}

func TestResolveSibling(t *testing.T) {
	tests := []struct {
		link, target, want string
	}{
		{"/a/b/link", "c", "/a/b/c"},
		{"/a/b/link", "../c", "/a/c"},
		{"/a/b/link", "../../../c", "/c"},
		{"/a/b/link", "/abs//x/./y", "/abs/x/y"},
		{"link", "c", "/c"},
		{"/a/link", ".", "/a"},
	}
	for _, tt := range tests {
		if got := resolveSibling(tt.link, tt.target); got != tt.want {
			t.Errorf("resolveSibling(%q, %q) = %q, want %q", tt.link, tt.target, got, tt.want)
		}
	}
}
