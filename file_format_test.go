package cryptofs

import (
	"bytes"
	"errors"
	"testing"
)

func testLayout(t *testing.T, suite CipherSuite, chunkSize int) chunkLayout {
	t.Helper()
	layout, err := layoutForSuite(suite, chunkSize)
	if err != nil {
		t.Fatalf("layoutForSuite() error = %v", err)
	}
	return layout
}

func TestChunkLayout_Sizes(t *testing.T) {
	for _, suite := range []CipherSuite{CipherAES256GCM, CipherChaCha20Poly1305} {
		t.Run(suite.String(), func(t *testing.T) {
			layout := testLayout(t, suite, 64)
			for _, size := range []int64{0, 1, 63, 64, 65, 128, 1000, 4096} {
				ct := layout.CiphertextSize(size)
				got, err := layout.CleartextSize(ct)
				if err != nil {
					t.Fatalf("CleartextSize(%d) error = %v", ct, err)
				}
				if got != size {
					t.Errorf("CleartextSize(CiphertextSize(%d)) = %d", size, got)
				}
			}
		})
	}
}

func TestChunkLayout_Offsets(t *testing.T) {
	layout := testLayout(t, CipherAES256GCM, 64)
	if got := layout.stride(); got != 64+12+16 {
		t.Errorf("stride() = %d, want %d", got, 64+12+16)
	}
	if got := layout.chunkOffset(2); got != FileHeaderSize+2*int64(layout.stride()) {
		t.Errorf("chunkOffset(2) = %d", got)
	}
	idx, within := layout.chunkIndex(130)
	if idx != 2 || within != 2 {
		t.Errorf("chunkIndex(130) = (%d, %d), want (2, 2)", idx, within)
	}
}

func TestChunkLayout_Corrupt(t *testing.T) {
	layout := testLayout(t, CipherAES256GCM, 64)

	if _, err := layout.CleartextSize(FileHeaderSize - 1); !errors.Is(err, ErrInvalidHeader) {
		t.Errorf("short file: got %v, want ErrInvalidHeader", err)
	}

	// a trailing chunk holding only a nonce and part of a tag
	size := FileHeaderSize + int64(layout.stride()) + int64(layout.overhead())
	_, err := layout.CleartextSize(size)
	var corrupt *CorruptionError
	if !errors.As(err, &corrupt) {
		t.Fatalf("trailing stub: got %v, want CorruptionError", err)
	}
	if corrupt.ChunkIdx != 1 {
		t.Errorf("ChunkIdx = %d, want 1", corrupt.ChunkIdx)
	}
}

func TestChunkAAD(t *testing.T) {
	var id [FileIDSize]byte
	id[0] = 0xff
	a := chunkAAD(nil, id, 1)
	b := chunkAAD(nil, id, 2)
	if len(a) != chunkAADSize {
		t.Errorf("len = %d, want %d", len(a), chunkAADSize)
	}
	if bytes.Equal(a, b) {
		t.Error("different indexes produced the same AAD")
	}
	if a[len(a)-1] != 1 || a[0] != 0xff {
		t.Errorf("unexpected AAD layout %x", a)
	}
}

func TestFileHeader(t *testing.T) {
	var id [FileIDSize]byte
	copy(id[:], "0123456789abcdef")
	h := NewFileHeader(CipherChaCha20Poly1305, 4096, id)

	var buf bytes.Buffer
	n, err := h.WriteTo(&buf)
	if err != nil {
		t.Fatalf("WriteTo() error = %v", err)
	}
	if n != FileHeaderSize || buf.Len() != FileHeaderSize {
		t.Fatalf("header is %d bytes, want %d", buf.Len(), FileHeaderSize)
	}

	var got FileHeader
	if _, err := got.ReadFrom(bytes.NewReader(buf.Bytes())); err != nil {
		t.Fatalf("ReadFrom() error = %v", err)
	}
	if got != *h {
		t.Errorf("ReadFrom() = %+v, want %+v", got, *h)
	}

	tests := []struct {
		name    string
		mutate  func(b []byte)
		wantErr error
	}{
		{"bad magic", func(b []byte) { b[0] ^= 0xff }, ErrInvalidHeader},
		{"future version", func(b []byte) { b[4] = CurrentVersion + 1 }, ErrUnsupportedVersion},
		{"unknown cipher", func(b []byte) { b[5] = 9 }, ErrUnsupportedCipher},
		{"tiny chunks", func(b []byte) { copy(b[6:10], []byte{1, 0, 0, 0}) }, ErrInvalidHeader},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			raw := bytes.Clone(buf.Bytes())
			tt.mutate(raw)
			var h FileHeader
			if _, err := h.ReadFrom(bytes.NewReader(raw)); !errors.Is(err, tt.wantErr) {
				t.Errorf("ReadFrom() = %v, want %v", err, tt.wantErr)
			}
		})
	}

	var short FileHeader
	if _, err := short.ReadFrom(bytes.NewReader(buf.Bytes()[:8])); err == nil {
		t.Error("truncated header: expected error")
	}
}

func TestVaultHeader(t *testing.T) {
	salt := bytes.Repeat([]byte{3}, 32)
	h := NewVaultHeader(CipherAES256GCM, DefaultChunkSize, salt)

	var buf bytes.Buffer
	if _, err := h.WriteTo(&buf); err != nil {
		t.Fatalf("WriteTo() error = %v", err)
	}

	var got VaultHeader
	if _, err := got.ReadFrom(&buf); err != nil {
		t.Fatalf("ReadFrom() error = %v", err)
	}
	if err := got.Validate(); err != nil {
		t.Fatalf("Validate() error = %v", err)
	}
	if got.Cipher != CipherAES256GCM || got.ChunkSize != DefaultChunkSize || !bytes.Equal(got.Salt, salt) {
		t.Errorf("ReadFrom() = %+v", got)
	}

	var wrong VaultHeader
	if _, err := wrong.ReadFrom(bytes.NewReader([]byte("CRFS-not-a-vault"))); !errors.Is(err, ErrInvalidHeader) {
		t.Errorf("content header read as vault: got %v, want ErrInvalidHeader", err)
	}
}
