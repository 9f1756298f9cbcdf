package cryptofs

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
)

const (
	// MagicBytes identifies encrypted content files (ASCII: "CRFS")
	MagicBytes = uint32(0x43524653)

	// VaultMagicBytes identifies the vault header file (ASCII: "CRVT")
	VaultMagicBytes = uint32(0x43525654)

	// CurrentVersion is the current file format version
	CurrentVersion = uint8(1)

	// FileIDSize is the size of the random per-file identifier
	FileIDSize = 16

	// FileHeaderSize is the fixed size of a content file header:
	// 4 bytes (magic) + 1 byte (version) + 1 byte (cipher) + 4 bytes (chunk size) + FileIDSize
	FileHeaderSize = 10 + FileIDSize

	// VaultFileName is the name of the vault header in the base filesystem root
	VaultFileName = "vault.cryptofs"
)

// FileHeader is written at the start of every ciphertext content file
type FileHeader struct {
	Magic     uint32           // Magic bytes to identify encrypted files
	Version   uint8            // File format version
	Cipher    CipherSuite      // Cipher suite used for encryption
	ChunkSize uint32           // Cleartext payload size of each chunk
	FileID    [FileIDSize]byte // Per-file key derivation salt and chunk AAD prefix
}

// NewFileHeader creates a new file header with the given parameters
func NewFileHeader(cipher CipherSuite, chunkSize int, fileID [FileIDSize]byte) *FileHeader {
	return &FileHeader{
		Magic:     MagicBytes,
		Version:   CurrentVersion,
		Cipher:    cipher,
		ChunkSize: uint32(chunkSize),
		FileID:    fileID,
	}
}

// WriteTo writes the header to the given writer
func (h *FileHeader) WriteTo(w io.Writer) (int64, error) {
	buf := bytes.NewBuffer(make([]byte, 0, FileHeaderSize))

	if err := binary.Write(buf, binary.LittleEndian, h.Magic); err != nil {
		return 0, fmt.Errorf("failed to write magic bytes: %w", err)
	}
	buf.WriteByte(h.Version)
	buf.WriteByte(byte(h.Cipher))
	if err := binary.Write(buf, binary.LittleEndian, h.ChunkSize); err != nil {
		return 0, fmt.Errorf("failed to write chunk size: %w", err)
	}
	buf.Write(h.FileID[:])

	n, err := w.Write(buf.Bytes())
	return int64(n), err
}

// ReadFrom reads the header from the given reader
func (h *FileHeader) ReadFrom(r io.Reader) (int64, error) {
	var raw [FileHeaderSize]byte
	n, err := io.ReadFull(r, raw[:])
	if err != nil {
		if err == io.ErrUnexpectedEOF || err == io.EOF {
			return int64(n), fmt.Errorf("%w: truncated header", ErrInvalidHeader)
		}
		return int64(n), fmt.Errorf("failed to read header: %w", err)
	}

	h.Magic = binary.LittleEndian.Uint32(raw[0:4])
	h.Version = raw[4]
	h.Cipher = CipherSuite(raw[5])
	h.ChunkSize = binary.LittleEndian.Uint32(raw[6:10])
	copy(h.FileID[:], raw[10:])

	return int64(n), h.Validate()
}

// Validate checks if the header is valid
func (h *FileHeader) Validate() error {
	if h.Magic != MagicBytes {
		return ErrInvalidHeader
	}
	if h.Version > CurrentVersion {
		return ErrUnsupportedVersion
	}
	if h.Cipher != CipherAES256GCM && h.Cipher != CipherChaCha20Poly1305 {
		return ErrUnsupportedCipher
	}
	if err := ValidateChunkSize(int(h.ChunkSize)); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidHeader, err)
	}
	return nil
}

// VaultHeader is stored once per vault and carries the master key salt
type VaultHeader struct {
	Magic     uint32      // Magic bytes to identify the vault
	Version   uint8       // Vault format version
	Cipher    CipherSuite // Content cipher suite of the vault
	ChunkSize uint32      // Cleartext chunk size of every content file
	SaltSize  uint16      // Size of the salt in bytes
	Salt      []byte      // Salt handed to the KeyProvider
}

// NewVaultHeader creates a vault header for the given cipher and salt
func NewVaultHeader(cipher CipherSuite, chunkSize int, salt []byte) *VaultHeader {
	return &VaultHeader{
		Magic:     VaultMagicBytes,
		Version:   CurrentVersion,
		Cipher:    cipher,
		ChunkSize: uint32(chunkSize),
		SaltSize:  uint16(len(salt)),
		Salt:      salt,
	}
}

// WriteTo writes the vault header to the given writer
func (h *VaultHeader) WriteTo(w io.Writer) (int64, error) {
	buf := new(bytes.Buffer)

	if err := binary.Write(buf, binary.LittleEndian, h.Magic); err != nil {
		return 0, fmt.Errorf("failed to write magic bytes: %w", err)
	}
	if err := binary.Write(buf, binary.LittleEndian, h.Version); err != nil {
		return 0, fmt.Errorf("failed to write version: %w", err)
	}
	if err := binary.Write(buf, binary.LittleEndian, h.Cipher); err != nil {
		return 0, fmt.Errorf("failed to write cipher: %w", err)
	}
	if err := binary.Write(buf, binary.LittleEndian, h.ChunkSize); err != nil {
		return 0, fmt.Errorf("failed to write chunk size: %w", err)
	}
	if err := binary.Write(buf, binary.LittleEndian, h.SaltSize); err != nil {
		return 0, fmt.Errorf("failed to write salt size: %w", err)
	}
	if _, err := buf.Write(h.Salt); err != nil {
		return 0, fmt.Errorf("failed to write salt: %w", err)
	}

	n, err := w.Write(buf.Bytes())
	return int64(n), err
}

// ReadFrom reads the vault header from the given reader
func (h *VaultHeader) ReadFrom(r io.Reader) (int64, error) {
	var totalRead int64

	if err := binary.Read(r, binary.LittleEndian, &h.Magic); err != nil {
		return totalRead, fmt.Errorf("failed to read magic bytes: %w", err)
	}
	totalRead += 4

	if h.Magic != VaultMagicBytes {
		return totalRead, ErrInvalidHeader
	}

	if err := binary.Read(r, binary.LittleEndian, &h.Version); err != nil {
		return totalRead, fmt.Errorf("failed to read version: %w", err)
	}
	totalRead++

	if h.Version > CurrentVersion {
		return totalRead, ErrUnsupportedVersion
	}

	if err := binary.Read(r, binary.LittleEndian, &h.Cipher); err != nil {
		return totalRead, fmt.Errorf("failed to read cipher: %w", err)
	}
	totalRead++

	if err := binary.Read(r, binary.LittleEndian, &h.ChunkSize); err != nil {
		return totalRead, fmt.Errorf("failed to read chunk size: %w", err)
	}
	totalRead += 4

	if err := binary.Read(r, binary.LittleEndian, &h.SaltSize); err != nil {
		return totalRead, fmt.Errorf("failed to read salt size: %w", err)
	}
	totalRead += 2

	h.Salt = make([]byte, h.SaltSize)
	n, err := io.ReadFull(r, h.Salt)
	totalRead += int64(n)
	if err != nil {
		return totalRead, fmt.Errorf("failed to read salt: %w", err)
	}

	return totalRead, nil
}

// Validate checks if the vault header is valid
func (h *VaultHeader) Validate() error {
	if h.Magic != VaultMagicBytes {
		return ErrInvalidHeader
	}
	if h.Version > CurrentVersion {
		return ErrUnsupportedVersion
	}
	if h.Cipher != CipherAES256GCM && h.Cipher != CipherChaCha20Poly1305 {
		return ErrUnsupportedCipher
	}
	if err := ValidateChunkSize(int(h.ChunkSize)); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidHeader, err)
	}
	if len(h.Salt) == 0 {
		return fmt.Errorf("%w: salt cannot be empty", ErrInvalidHeader)
	}
	return nil
}
