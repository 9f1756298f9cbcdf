package cryptofs

import (
	"crypto/sha256"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

// MasterKeySize is the size in bytes of the key a KeyProvider must return
const MasterKeySize = 32

// HKDF info strings. Changing any of these invalidates every vault.
var (
	hkdfInfoContent  = []byte("cryptofs.content.v1")
	hkdfInfoFilename = []byte("cryptofs.filename.v1")
	hkdfInfoDirID    = []byte("cryptofs.dirid.v1")
	hkdfInfoFile     = []byte("cryptofs.file.v1")
)

// keySet holds the subkeys derived from the vault master key
type keySet struct {
	content  []byte // root of per-file content keys
	filename []byte // 64-byte AES-SIV key for node names
	dirID    []byte // BLAKE3 key for directory storage paths
}

// deriveKeySet expands the master key into one independent subkey per purpose
func deriveKeySet(masterKey []byte) (*keySet, error) {
	if len(masterKey) != MasterKeySize {
		return nil, fmt.Errorf("%w: master key must be %d bytes, got %d", ErrInvalidKey, MasterKeySize, len(masterKey))
	}

	content, err := deriveKey(masterKey, nil, hkdfInfoContent, 32)
	if err != nil {
		return nil, err
	}
	filename, err := deriveKey(masterKey, nil, hkdfInfoFilename, 64)
	if err != nil {
		return nil, err
	}
	dirID, err := deriveKey(masterKey, nil, hkdfInfoDirID, 32)
	if err != nil {
		return nil, err
	}
	return &keySet{content: content, filename: filename, dirID: dirID}, nil
}

// fileKey derives the content key of a single file from its file ID
func (k *keySet) fileKey(fileID [FileIDSize]byte) ([]byte, error) {
	return deriveKey(k.content, fileID[:], hkdfInfoFile, 32)
}

func deriveKey(secret, salt, info []byte, size int) ([]byte, error) {
	key := make([]byte, size)
	if _, err := io.ReadFull(hkdf.New(sha256.New, secret, salt, info), key); err != nil {
		return nil, fmt.Errorf("hkdf key derivation: %w", err)
	}
	return key, nil
}
