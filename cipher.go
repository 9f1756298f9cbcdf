package cryptofs

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"fmt"
	"runtime"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/sys/cpu"
)

// CipherEngine provides AEAD encryption/decryption of chunk payloads.
// The dst arguments follow crypto/cipher.AEAD: the result is appended to dst.
type CipherEngine interface {
	// Seal encrypts and authenticates plaintext together with additionalData
	Seal(dst, nonce, plaintext, additionalData []byte) ([]byte, error)

	// Open decrypts ciphertext, returning ErrAuthFailed if it was tampered with
	Open(dst, nonce, ciphertext, additionalData []byte) ([]byte, error)

	// NonceSize returns the size of nonces in bytes
	NonceSize() int

	// Overhead returns the authentication tag size
	Overhead() int
}

// aeadEngine adapts a crypto/cipher.AEAD to CipherEngine
type aeadEngine struct {
	aead cipher.AEAD
}

func (e *aeadEngine) Seal(dst, nonce, plaintext, additionalData []byte) ([]byte, error) {
	if len(nonce) != e.aead.NonceSize() {
		return nil, fmt.Errorf("nonce must be %d bytes, got %d", e.aead.NonceSize(), len(nonce))
	}
	return e.aead.Seal(dst, nonce, plaintext, additionalData), nil
}

func (e *aeadEngine) Open(dst, nonce, ciphertext, additionalData []byte) ([]byte, error) {
	if len(nonce) != e.aead.NonceSize() {
		return nil, fmt.Errorf("nonce must be %d bytes, got %d", e.aead.NonceSize(), len(nonce))
	}
	plaintext, err := e.aead.Open(dst, nonce, ciphertext, additionalData)
	if err != nil {
		return nil, ErrAuthFailed
	}
	return plaintext, nil
}

func (e *aeadEngine) NonceSize() int {
	return e.aead.NonceSize()
}

func (e *aeadEngine) Overhead() int {
	return e.aead.Overhead()
}

// NewAESGCMEngine creates a new AES-256-GCM cipher engine
func NewAESGCMEngine(key []byte) (CipherEngine, error) {
	if err := ValidateKey(key, "AES-256 key", 32); err != nil {
		return nil, err
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create AES cipher: %w", err)
	}

	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}

	return &aeadEngine{aead: aead}, nil
}

// NewChaCha20Poly1305Engine creates a new ChaCha20-Poly1305 cipher engine
func NewChaCha20Poly1305Engine(key []byte) (CipherEngine, error) {
	if err := ValidateKey(key, "ChaCha20-Poly1305 key", chacha20poly1305.KeySize); err != nil {
		return nil, err
	}

	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create ChaCha20-Poly1305 cipher: %w", err)
	}

	return &aeadEngine{aead: aead}, nil
}

// NewCipherEngine creates a new cipher engine based on the cipher suite
func NewCipherEngine(suite CipherSuite, key []byte) (CipherEngine, error) {
	switch resolveCipher(suite) {
	case CipherAES256GCM:
		return NewAESGCMEngine(key)
	case CipherChaCha20Poly1305:
		return NewChaCha20Poly1305Engine(key)
	default:
		return nil, ErrUnsupportedCipher
	}
}

const (
	// maxNonceSize bounds the nonce of every supported engine
	maxNonceSize = chacha20poly1305.NonceSizeX

	gcmNonceSize = 12
	gcmTagSize   = 16
)

// layoutForSuite returns the chunk layout of a file sealed with suite
// without deriving its key
func layoutForSuite(suite CipherSuite, chunkSize int) (chunkLayout, error) {
	switch suite {
	case CipherAES256GCM:
		return chunkLayout{payload: chunkSize, nonce: gcmNonceSize, tag: gcmTagSize}, nil
	case CipherChaCha20Poly1305:
		return chunkLayout{payload: chunkSize, nonce: chacha20poly1305.NonceSize, tag: chacha20poly1305.Overhead}, nil
	default:
		return chunkLayout{}, ErrUnsupportedCipher
	}
}

// resolveCipher maps CipherAuto to a concrete suite: AES-256-GCM where the
// CPU has AES instructions, ChaCha20-Poly1305 elsewhere
func resolveCipher(suite CipherSuite) CipherSuite {
	if suite != CipherAuto {
		return suite
	}
	if hasAESHardware() {
		return CipherAES256GCM
	}
	return CipherChaCha20Poly1305
}

func hasAESHardware() bool {
	switch runtime.GOARCH {
	case "amd64", "386":
		return cpu.X86.HasAES && cpu.X86.HasPCLMULQDQ
	case "arm64":
		return cpu.ARM64.HasAES && cpu.ARM64.HasPMULL
	case "s390x":
		return cpu.S390X.HasAESGCM
	case "ppc64", "ppc64le":
		return true
	default:
		return false
	}
}

// generateNonce fills a fresh nonce of the engine's size
func generateNonce(dst []byte) error {
	if _, err := rand.Read(dst); err != nil {
		return fmt.Errorf("failed to generate nonce: %w", err)
	}
	return nil
}
