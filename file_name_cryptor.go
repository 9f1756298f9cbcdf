package cryptofs

import (
	"encoding/base32"
	"encoding/base64"
	"fmt"
	"io/fs"
	"strings"

	"github.com/zeebo/blake3"
)

const (
	// encryptedNodeSuffix marks a node whose name is the encrypted cleartext name
	encryptedNodeSuffix = ".c9r"

	// dirIDHashSize is the truncated BLAKE3 digest size used for storage paths
	dirIDHashSize = 20
)

var (
	nameEncoding  = base64.URLEncoding.WithPadding(base64.NoPadding)
	dirIDEncoding = base32.StdEncoding.WithPadding(base32.NoPadding)
)

// FileNameCryptor encrypts node names with AES-SIV, binding each name to the
// ID of the directory that contains it. Identical names in different
// directories therefore encrypt differently, and a node moved to another
// directory without re-encryption fails to decrypt.
type FileNameCryptor struct {
	siv      *SIVEngine
	dirIDKey [32]byte
}

// NewFileNameCryptor creates a cryptor from a 64-byte SIV key and a 32-byte
// directory ID hashing key
func NewFileNameCryptor(nameKey, dirIDKey []byte) (*FileNameCryptor, error) {
	siv, err := NewSIVEngine(nameKey)
	if err != nil {
		return nil, fmt.Errorf("failed to create SIV engine: %w", err)
	}
	if err := ValidateKey(dirIDKey, "directory ID key", 32); err != nil {
		return nil, err
	}
	c := &FileNameCryptor{siv: siv}
	copy(c.dirIDKey[:], dirIDKey)
	return c, nil
}

// EncryptFilename returns the base64url ciphertext of name, without suffix
func (c *FileNameCryptor) EncryptFilename(name, dirID string) (string, error) {
	if name == "" || name == "." || name == ".." || strings.ContainsRune(name, '/') {
		return "", fmt.Errorf("%w: invalid file name %q", fs.ErrInvalid, name)
	}

	ciphertext, err := c.siv.Encrypt([]byte(name), []byte(dirID))
	if err != nil {
		return "", fmt.Errorf("failed to encrypt filename: %w", err)
	}
	return nameEncoding.EncodeToString(ciphertext), nil
}

// DecryptFilename reverses EncryptFilename. The name must have been
// encrypted for the same directory.
func (c *FileNameCryptor) DecryptFilename(ciphertextName, dirID string) (string, error) {
	data, err := nameEncoding.DecodeString(ciphertextName)
	if err != nil {
		return "", fmt.Errorf("%w: failed to decode filename: %v", ErrInvalidCiphertext, err)
	}

	plaintext, err := c.siv.Decrypt(data, []byte(dirID))
	if err != nil {
		return "", fmt.Errorf("failed to decrypt filename: %w", err)
	}
	return string(plaintext), nil
}

// HashDirectoryID maps a directory ID to the 32 character base32 name of
// its storage directory
func (c *FileNameCryptor) HashDirectoryID(dirID string) string {
	hasher, err := blake3.NewKeyed(c.dirIDKey[:])
	if err != nil {
		panic("cryptofs: BLAKE3 keyed hash initialization failed: " + err.Error())
	}
	hasher.Write([]byte(dirID))
	return dirIDEncoding.EncodeToString(hasher.Sum(nil)[:dirIDHashSize])
}
