package cryptofs

import (
	"encoding/binary"
	"fmt"
)

// Ciphertext file layout:
//
//	┌─────────────────────────────────────┐
//	│ FileHeader                          │ <- magic, version, cipher, chunk size, file ID
//	├─────────────────────────────────────┤
//	│ Chunk 0                             │
//	│ ├─ Nonce                            │
//	│ ├─ Ciphertext (ChunkSize bytes)     │
//	│ └─ Auth Tag                         │
//	├─────────────────────────────────────┤
//	│ Chunk 1 ...                         │
//	├─────────────────────────────────────┤
//	│ Last chunk (1..ChunkSize bytes)     │
//	└─────────────────────────────────────┘
//
// Every chunk except the last carries exactly ChunkSize cleartext bytes, so
// chunk i starts at FileHeaderSize + i*stride and no index is needed. Each
// chunk is authenticated with the file ID and its index as additional data,
// which rejects swapped or replayed chunks.

const (
	// DefaultChunkSize is the default chunk size (64 KB)
	DefaultChunkSize = 64 * 1024

	// MinChunkSize is the minimum allowed chunk size (64 bytes, for testing)
	MinChunkSize = 64

	// MaxChunkSize is the maximum allowed chunk size (16 MB)
	MaxChunkSize = 16 * 1024 * 1024

	// chunkAADSize is FileIDSize plus a big-endian uint64 chunk index
	chunkAADSize = FileIDSize + 8
)

// chunkLayout maps cleartext offsets to ciphertext chunk positions
type chunkLayout struct {
	payload int // cleartext bytes per full chunk
	nonce   int
	tag     int
}

func newChunkLayout(chunkSize int, engine CipherEngine) chunkLayout {
	return chunkLayout{
		payload: chunkSize,
		nonce:   engine.NonceSize(),
		tag:     engine.Overhead(),
	}
}

// overhead is the per-chunk ciphertext expansion
func (l chunkLayout) overhead() int {
	return l.nonce + l.tag
}

// stride is the ciphertext size of a full chunk
func (l chunkLayout) stride() int {
	return l.payload + l.overhead()
}

// chunkOffset returns the ciphertext offset of chunk idx
func (l chunkLayout) chunkOffset(idx int64) int64 {
	return FileHeaderSize + idx*int64(l.stride())
}

// chunkIndex returns the chunk holding cleartext offset off and the offset within it
func (l chunkLayout) chunkIndex(off int64) (int64, int) {
	return off / int64(l.payload), int(off % int64(l.payload))
}

// CleartextSize computes the cleartext length of a ciphertext file of the
// given total size. A trailing partial chunk too short to hold any payload
// means the file is corrupt.
func (l chunkLayout) CleartextSize(ciphertextSize int64) (int64, error) {
	body := ciphertextSize - FileHeaderSize
	if body < 0 {
		return 0, fmt.Errorf("%w: file shorter than its header", ErrInvalidHeader)
	}
	full := body / int64(l.stride())
	rem := body % int64(l.stride())
	size := full * int64(l.payload)
	if rem == 0 {
		return size, nil
	}
	if rem <= int64(l.overhead()) {
		return 0, &CorruptionError{
			ChunkIdx: full,
			Message:  fmt.Sprintf("trailing chunk of %d bytes holds no payload", rem),
			Err:      ErrInvalidCiphertext,
		}
	}
	return size + rem - int64(l.overhead()), nil
}

// CiphertextSize computes the ciphertext file size for a cleartext length
func (l chunkLayout) CiphertextSize(cleartextSize int64) int64 {
	full := cleartextSize / int64(l.payload)
	rem := cleartextSize % int64(l.payload)
	size := FileHeaderSize + full*int64(l.stride())
	if rem > 0 {
		size += rem + int64(l.overhead())
	}
	return size
}

// chunkAAD builds the additional authenticated data for chunk idx
func chunkAAD(dst []byte, fileID [FileIDSize]byte, idx int64) []byte {
	dst = append(dst[:0], fileID[:]...)
	return binary.BigEndian.AppendUint64(dst, uint64(idx))
}

// ValidateChunkSize validates that a chunk size is within acceptable bounds
func ValidateChunkSize(size int) error {
	if size < MinChunkSize {
		return fmt.Errorf("chunk size %d below minimum %d", size, MinChunkSize)
	}
	if size > MaxChunkSize {
		return fmt.Errorf("chunk size %d above maximum %d", size, MaxChunkSize)
	}
	return nil
}
