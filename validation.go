package cryptofs

import (
	"fmt"
	"io/fs"
	"strings"
)

// Input validation helpers shared by the cipher, path and file layers

// ValidateKey checks if a key has the correct size
func ValidateKey(key []byte, field string, expectedSize int) error {
	if key == nil {
		return &ValidationError{
			Field:   field,
			Message: "key cannot be nil",
			Err:     ErrInvalidKey,
		}
	}
	if len(key) != expectedSize {
		return &ValidationError{
			Field:   field,
			Value:   len(key),
			Message: fmt.Sprintf("invalid key size: got %d bytes, expected %d bytes", len(key), expectedSize),
			Err:     ErrInvalidKey,
		}
	}
	return nil
}

// ValidateOffset checks if a file offset is valid
func ValidateOffset(offset int64, field string) error {
	if offset < 0 {
		return &ValidationError{
			Field:   field,
			Value:   offset,
			Message: "offset cannot be negative",
			Err:     ErrNegativeOffset,
		}
	}
	return nil
}

// ValidateName checks a single cleartext path element
func ValidateName(name string, maxLen int) error {
	if name == "" || name == "." || name == ".." || strings.ContainsRune(name, '/') {
		return &ValidationError{
			Field:   "name",
			Value:   name,
			Message: "not a path element",
			Err:     fs.ErrInvalid,
		}
	}
	if len(name) > maxLen {
		return &ValidationError{
			Field:   "name",
			Value:   len(name),
			Message: fmt.Sprintf("name of %d bytes exceeds %d", len(name), maxLen),
			Err:     ErrPathTooLong,
		}
	}
	return nil
}

// ValidateSymlinkTarget checks that target can be stored as a link body
func ValidateSymlinkTarget(target string) error {
	if target == "" {
		return &ValidationError{
			Field:   "target",
			Message: "symlink target cannot be empty",
			Err:     fs.ErrInvalid,
		}
	}
	if len(target) > MaxSymlinkLength {
		return &ValidationError{
			Field:   "target",
			Value:   len(target),
			Message: fmt.Sprintf("target of %d bytes exceeds %d", len(target), MaxSymlinkLength),
			Err:     ErrPathTooLong,
		}
	}
	return nil
}
