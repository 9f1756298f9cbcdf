package cryptofs

import (
	"errors"
	"fmt"
)

// Error types represent different categories of errors

// ValidationError represents a configuration or parameter validation error
type ValidationError struct {
	Field   string // The field or parameter that failed validation
	Value   any    // The invalid value
	Message string // Human-readable error message
	Err     error  // Underlying error, if any
}

func (e *ValidationError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("validation error: %s: %s", e.Field, e.Message)
	}
	return fmt.Sprintf("validation error: %s", e.Message)
}

func (e *ValidationError) Unwrap() error {
	return e.Err
}

// EncryptionError represents an encryption or decryption failure
type EncryptionError struct {
	Operation string // "encrypt" or "decrypt"
	Path      string // Ciphertext path, if applicable
	ChunkIdx  int64  // Chunk index, -1 if not applicable
	Message   string // Human-readable error message
	Err       error  // Underlying error
}

func (e *EncryptionError) Error() string {
	if e.Path != "" && e.ChunkIdx >= 0 {
		return fmt.Sprintf("%s error: %s (chunk %d): %s", e.Operation, e.Path, e.ChunkIdx, e.Message)
	} else if e.Path != "" {
		return fmt.Sprintf("%s error: %s: %s", e.Operation, e.Path, e.Message)
	}
	return fmt.Sprintf("%s error: %s", e.Operation, e.Message)
}

func (e *EncryptionError) Unwrap() error {
	return e.Err
}

// IOError represents a storage I/O error
type IOError struct {
	Operation string // "read", "write", "load", "save", "open", "close", etc.
	Path      string // Ciphertext path
	Offset    int64  // File offset, -1 if not applicable
	Message   string // Human-readable error message
	Err       error  // Underlying error
}

func (e *IOError) Error() string {
	if e.Path != "" && e.Offset >= 0 {
		return fmt.Sprintf("io error: %s %s at offset %d: %s", e.Operation, e.Path, e.Offset, e.Message)
	} else if e.Path != "" {
		return fmt.Sprintf("io error: %s %s: %s", e.Operation, e.Path, e.Message)
	}
	return fmt.Sprintf("io error: %s: %s", e.Operation, e.Message)
}

func (e *IOError) Unwrap() error {
	return e.Err
}

// CorruptionError represents structurally invalid ciphertext or metadata
type CorruptionError struct {
	Path     string // Ciphertext path
	ChunkIdx int64  // Chunk index, -1 if not applicable
	Message  string // Human-readable error message
	Err      error  // Underlying error
}

func (e *CorruptionError) Error() string {
	if e.ChunkIdx >= 0 {
		return fmt.Sprintf("corruption error: %s (chunk %d): %s", e.Path, e.ChunkIdx, e.Message)
	} else if e.Path != "" {
		return fmt.Sprintf("corruption error: %s: %s", e.Path, e.Message)
	}
	return fmt.Sprintf("corruption error: %s", e.Message)
}

func (e *CorruptionError) Unwrap() error {
	return e.Err
}

// AuthenticationError represents a failed integrity check on decrypted data
type AuthenticationError struct {
	Path     string // Ciphertext path
	ChunkIdx int64  // Chunk index, -1 if not applicable
	Message  string // Human-readable error message
	Err      error  // Underlying error
}

func (e *AuthenticationError) Error() string {
	if e.Path != "" && e.ChunkIdx >= 0 {
		return fmt.Sprintf("authentication error: %s (chunk %d): %s", e.Path, e.ChunkIdx, e.Message)
	} else if e.Path != "" {
		return fmt.Sprintf("authentication error: %s: %s", e.Path, e.Message)
	}
	return fmt.Sprintf("authentication error: %s", e.Message)
}

func (e *AuthenticationError) Unwrap() error {
	return e.Err
}

// Common sentinel errors
var (
	ErrInvalidKey         = errors.New("invalid encryption key")
	ErrInvalidCiphertext  = errors.New("invalid ciphertext")
	ErrAuthFailed         = errors.New("authentication failed - data may be corrupted or tampered")
	ErrInvalidHeader      = errors.New("invalid file header")
	ErrUnsupportedVersion = errors.New("unsupported file format version")
	ErrUnsupportedCipher  = errors.New("unsupported cipher suite")
	ErrNilConfig          = errors.New("config cannot be nil")
	ErrNilKeyProvider     = errors.New("key provider cannot be nil")
	ErrNilBuffer          = errors.New("buffer cannot be nil")
	ErrNegativeOffset     = errors.New("negative offset not allowed")

	// ErrPathTooLong is returned when a name, path or symlink target exceeds its limit.
	ErrPathTooLong = errors.New("path length limit exceeded")
	// ErrReadOnly is returned for any mutation on a read-only mount.
	ErrReadOnly = errors.New("read-only file system")
	// ErrNotLink is returned when a symlink body is not a usable link target.
	ErrNotLink = errors.New("not a symbolic link")
	// ErrFileSystemLoop is returned when symlink resolution revisits a path.
	ErrFileSystemLoop = errors.New("too many levels of symbolic links")
	// ErrNotDirectory is returned when a directory operation targets a non-directory.
	ErrNotDirectory = errors.New("not a directory")
	// ErrIsDirectory is returned when a file operation targets a directory.
	ErrIsDirectory = errors.New("is a directory")
	// ErrDirectoryNotEmpty is returned when removing a directory that still has entries.
	ErrDirectoryNotEmpty = errors.New("directory not empty")
	// ErrStreamConsumed is yielded when a directory stream is iterated twice.
	ErrStreamConsumed = errors.New("directory stream already consumed")
	// ErrClosed is returned by operations on a closed cache, file or file system.
	ErrClosed = errors.New("already closed")
)

// errContentTooLarge signals a bounded read that found more data than allowed.
var errContentTooLarge = errors.New("content exceeds read limit")

// Helper functions for creating structured errors

// NewValidationError creates a new validation error
func NewValidationError(field string, value any, message string) error {
	return &ValidationError{
		Field:   field,
		Value:   value,
		Message: message,
	}
}

// NewEncryptionError creates a new encryption error
func NewEncryptionError(operation, path string, err error) error {
	return &EncryptionError{
		Operation: operation,
		Path:      path,
		ChunkIdx:  -1,
		Message:   err.Error(),
		Err:       err,
	}
}

// NewIOError creates a new I/O error
func NewIOError(operation, path string, err error) error {
	return &IOError{
		Operation: operation,
		Path:      path,
		Offset:    -1,
		Message:   err.Error(),
		Err:       err,
	}
}

// NewCorruptionError creates a new corruption error
func NewCorruptionError(path string, message string) error {
	return &CorruptionError{
		Path:     path,
		ChunkIdx: -1,
		Message:  message,
	}
}

// NewAuthenticationError creates a new authentication error
func NewAuthenticationError(path string, err error) error {
	return &AuthenticationError{
		Path:     path,
		ChunkIdx: -1,
		Message:  err.Error(),
		Err:      err,
	}
}

// Error checking helpers

// IsValidationError checks if an error is a validation error
func IsValidationError(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// IsEncryptionError checks if an error is an encryption error
func IsEncryptionError(err error) bool {
	var ee *EncryptionError
	return errors.As(err, &ee)
}

// IsIOError checks if an error is an I/O error
func IsIOError(err error) bool {
	var ie *IOError
	return errors.As(err, &ie)
}

// IsCorruptionError checks if an error is a corruption error
func IsCorruptionError(err error) bool {
	var ce *CorruptionError
	return errors.As(err, &ce)
}

// IsAuthenticationError reports whether err is an integrity failure, either
// as an *AuthenticationError or the bare ErrAuthFailed sentinel.
func IsAuthenticationError(err error) bool {
	var ae *AuthenticationError
	return errors.As(err, &ae) || errors.Is(err, ErrAuthFailed)
}
