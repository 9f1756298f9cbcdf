package cryptofs

import (
	"fmt"
	"log/slog"
)

// CipherSuite represents the content encryption algorithm to use
type CipherSuite uint8

const (
	// CipherAuto automatically selects the best cipher based on hardware capabilities
	CipherAuto CipherSuite = iota
	// CipherAES256GCM uses AES-256 with Galois/Counter Mode
	CipherAES256GCM
	// CipherChaCha20Poly1305 uses ChaCha20 stream cipher with Poly1305 MAC
	CipherChaCha20Poly1305
)

// String returns the string representation of the cipher suite
func (c CipherSuite) String() string {
	switch c {
	case CipherAuto:
		return "auto"
	case CipherAES256GCM:
		return "aes-256-gcm"
	case CipherChaCha20Poly1305:
		return "chacha20-poly1305"
	default:
		return "unknown"
	}
}

// ParseCipherSuite is the inverse of CipherSuite.String.
func ParseCipherSuite(s string) (CipherSuite, error) {
	switch s {
	case "", "auto":
		return CipherAuto, nil
	case "aes-256-gcm":
		return CipherAES256GCM, nil
	case "chacha20-poly1305":
		return CipherChaCha20Poly1305, nil
	default:
		return 0, fmt.Errorf("%w: %q", ErrUnsupportedCipher, s)
	}
}

// CiphertextFileType is the kind of node a cleartext path maps to in
// ciphertext storage.
type CiphertextFileType uint8

const (
	// FileTypeFile is a regular file whose payload is a ciphertext file.
	FileTypeFile CiphertextFileType = iota
	// FileTypeDirectory is a directory identified by its directory ID.
	FileTypeDirectory
	// FileTypeSymlink is a symbolic link whose target is stored encrypted.
	FileTypeSymlink
)

func (t CiphertextFileType) String() string {
	switch t {
	case FileTypeFile:
		return "file"
	case FileTypeDirectory:
		return "directory"
	case FileTypeSymlink:
		return "symlink"
	default:
		return fmt.Sprintf("CiphertextFileType(%d)", uint8(t))
	}
}

const (
	// MaxCachedCleartextChunks bounds the number of stale chunks a ChunkCache keeps.
	MaxCachedCleartextChunks = 5

	// MaxSymlinkLength is the largest symlink target, in bytes, that can be stored.
	MaxSymlinkLength = 32767

	// DefaultMaxNameLength is the longest ciphertext node name the backend accepts.
	DefaultMaxNameLength = 255

	// DefaultMaxPathLength is the longest cleartext path accepted.
	DefaultMaxPathLength = 4096

	// DefaultShorteningThreshold is the node name length above which names are deflated.
	DefaultShorteningThreshold = 220
)

// HashFunc represents hash function types for PBKDF2
type HashFunc uint8

const (
	// SHA256 hash function
	SHA256 HashFunc = iota
	// SHA512 hash function
	SHA512
)

// PBKDF2Params contains parameters for PBKDF2 key derivation
type PBKDF2Params struct {
	Iterations int      // Number of iterations (minimum 100,000 recommended)
	HashFunc   HashFunc // Hash function to use
	SaltSize   int      // Salt size in bytes (default 32)
	KeySize    int      // Derived key size in bytes (default 32 for AES-256)
}

// Argon2idParams contains parameters for Argon2id key derivation
type Argon2idParams struct {
	Memory      uint32 // Memory in KiB (e.g., 64*1024 for 64MB)
	Iterations  uint32 // Number of iterations (time parameter)
	Parallelism uint8  // Degree of parallelism
	SaltSize    int    // Salt size in bytes (default 32)
	KeySize     int    // Derived key size in bytes (default 32 for AES-256)
}

// Config contains configuration for the encrypted filesystem
type Config struct {
	// Cipher suite used for file contents
	Cipher CipherSuite

	// KeyProvider supplies the master key from the vault salt
	KeyProvider KeyProvider

	// ReadOnly rejects every mutation with ErrReadOnly
	ReadOnly bool

	// MaxNameLength is the longest node name written to the base filesystem.
	// Longer names are deflated. Zero means DefaultMaxNameLength.
	MaxNameLength int

	// MaxPathLength is the longest cleartext path accepted. Zero means DefaultMaxPathLength.
	MaxPathLength int

	// ChunkSize is the cleartext payload size of each chunk. Zero means DefaultChunkSize.
	ChunkSize int

	// MaxCachedChunks bounds stale chunks per open file. Zero means MaxCachedCleartextChunks.
	MaxCachedChunks int

	// Parallel controls concurrent chunk saves during flush
	Parallel ParallelConfig

	// Logger receives diagnostics. Nil means errors only, on stderr.
	Logger *slog.Logger

	// Stats receives counters. Nil means a fresh FileSystemStats.
	Stats Stats
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c == nil {
		return ErrNilConfig
	}
	if c.KeyProvider == nil {
		return &ValidationError{Field: "KeyProvider", Message: "key provider cannot be nil", Err: ErrNilKeyProvider}
	}
	if c.Cipher != CipherAES256GCM && c.Cipher != CipherChaCha20Poly1305 && c.Cipher != CipherAuto {
		return &ValidationError{Field: "Cipher", Value: c.Cipher, Message: "unsupported cipher suite", Err: ErrUnsupportedCipher}
	}
	if c.MaxNameLength < 0 || (c.MaxNameLength > 0 && c.MaxNameLength < minNodeNameLength) {
		return NewValidationError("MaxNameLength", c.MaxNameLength,
			fmt.Sprintf("must be 0 or at least %d", minNodeNameLength))
	}
	if c.MaxPathLength < 0 {
		return NewValidationError("MaxPathLength", c.MaxPathLength, "cannot be negative")
	}
	if c.ChunkSize != 0 {
		if err := ValidateChunkSize(c.ChunkSize); err != nil {
			return &ValidationError{Field: "ChunkSize", Value: c.ChunkSize, Message: err.Error(), Err: err}
		}
	}
	if c.MaxCachedChunks < 0 {
		return NewValidationError("MaxCachedChunks", c.MaxCachedChunks, "cannot be negative")
	}
	if err := c.Parallel.Validate(); err != nil {
		return &ValidationError{Field: "Parallel", Message: err.Error(), Err: err}
	}
	return nil
}

func (c *Config) maxNameLength() int {
	if c.MaxNameLength == 0 {
		return DefaultMaxNameLength
	}
	return c.MaxNameLength
}

func (c *Config) maxPathLength() int {
	if c.MaxPathLength == 0 {
		return DefaultMaxPathLength
	}
	return c.MaxPathLength
}

func (c *Config) shorteningThreshold() int {
	return min(c.maxNameLength(), DefaultShorteningThreshold)
}

func (c *Config) chunkSize() int {
	if c.ChunkSize == 0 {
		return DefaultChunkSize
	}
	return c.ChunkSize
}

func (c *Config) maxCachedChunks() int {
	if c.MaxCachedChunks == 0 {
		return MaxCachedCleartextChunks
	}
	return c.MaxCachedChunks
}

// KeyProvider is an interface for providing encryption keys
type KeyProvider interface {
	// DeriveKey derives an encryption key from the given salt
	DeriveKey(salt []byte) ([]byte, error)

	// GenerateSalt generates a new random salt
	GenerateSalt() ([]byte, error)
}
