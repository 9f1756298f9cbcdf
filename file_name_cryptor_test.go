package cryptofs

import (
	"bytes"
	"errors"
	"io/fs"
	"strings"
	"testing"
)

func newTestNameCryptor(t testing.TB) *FileNameCryptor {
	t.Helper()
	c, err := NewFileNameCryptor(bytes.Repeat([]byte{1}, 64), bytes.Repeat([]byte{2}, 32))
	if err != nil {
		t.Fatalf("NewFileNameCryptor() error = %v", err)
	}
	return c
}

func TestFileNameCryptor_RoundTrip(t *testing.T) {
	c := newTestNameCryptor(t)
	names := []string{"a", "report.pdf", "résumé final.txt", strings.Repeat("x", 255), ".hidden"}
	for _, name := range names {
		enc, err := c.EncryptFilename(name, "dir-1")
		if err != nil {
			t.Fatalf("EncryptFilename(%q) error = %v", name, err)
		}
		if strings.ContainsAny(enc, "/=+") {
			t.Errorf("EncryptFilename(%q) = %q, not base64url without padding", name, enc)
		}
		dec, err := c.DecryptFilename(enc, "dir-1")
		if err != nil {
			t.Fatalf("DecryptFilename() error = %v", err)
		}
		if dec != name {
			t.Errorf("DecryptFilename() = %q, want %q", dec, name)
		}
	}
}

func TestFileNameCryptor_Deterministic(t *testing.T) {
	c := newTestNameCryptor(t)
	a, _ := c.EncryptFilename("same.txt", "dir-1")
	b, _ := c.EncryptFilename("same.txt", "dir-1")
	if a != b {
		t.Errorf("same name in same directory encrypted differently: %q vs %q", a, b)
	}
	other, _ := c.EncryptFilename("same.txt", "dir-2")
	if a == other {
		t.Error("same name in different directories encrypted identically")
	}
}

func TestFileNameCryptor_WrongDirectory(t *testing.T) {
	c := newTestNameCryptor(t)
	enc, err := c.EncryptFilename("moved.txt", "dir-1")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := c.DecryptFilename(enc, "dir-2"); err == nil {
		t.Error("DecryptFilename() with another directory ID should fail")
	}
}

func TestFileNameCryptor_InvalidInput(t *testing.T) {
	c := newTestNameCryptor(t)
	for _, name := range []string{"", ".", "..", "a/b"} {
		if _, err := c.EncryptFilename(name, ""); !errors.Is(err, fs.ErrInvalid) {
			t.Errorf("EncryptFilename(%q) = %v, want fs.ErrInvalid", name, err)
		}
	}
	if _, err := c.DecryptFilename("not base64!", ""); !errors.Is(err, ErrInvalidCiphertext) {
		t.Errorf("DecryptFilename(garbage) = %v, want ErrInvalidCiphertext", err)
	}
	if _, err := NewFileNameCryptor(make([]byte, 64), make([]byte, 16)); !errors.Is(err, ErrInvalidKey) {
		t.Errorf("NewFileNameCryptor(short dir ID key) = %v, want ErrInvalidKey", err)
	}
}

func TestFileNameCryptor_HashDirectoryID(t *testing.T) {
	c := newTestNameCryptor(t)
	h := c.HashDirectoryID("")
	if len(h) != 32 {
		t.Fatalf("HashDirectoryID() length = %d, want 32", len(h))
	}
	if h != c.HashDirectoryID("") {
		t.Error("HashDirectoryID() is not deterministic")
	}
	if h == c.HashDirectoryID("6f1c2f7e-9f5b-4c43-a2f6-0d1b1f1b6c7e") {
		t.Error("different directory IDs hash identically")
	}

	other, err := NewFileNameCryptor(bytes.Repeat([]byte{1}, 64), bytes.Repeat([]byte{3}, 32))
	if err != nil {
		t.Fatal(err)
	}
	if h == other.HashDirectoryID("") {
		t.Error("directory ID hash does not depend on the key")
	}
}
