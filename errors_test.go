package cryptofs

import (
	"errors"
	"fmt"
	"io/fs"
	"testing"
)

func TestValidationError(t *testing.T) {
	tests := []struct {
		name    string
		err     *ValidationError
		wantMsg string
	}{
		{
			name: "with field",
			err: &ValidationError{
				Field:   "chunk_size",
				Value:   1024,
				Message: "too small",
			},
			wantMsg: "validation error: chunk_size: too small",
		},
		{
			name: "without field",
			err: &ValidationError{
				Message: "invalid configuration",
			},
			wantMsg: "validation error: invalid configuration",
		},
		{
			name: "with wrapped error",
			err: &ValidationError{
				Field:   "key",
				Message: "invalid key",
				Err:     ErrInvalidKey,
			},
			wantMsg: "validation error: key: invalid key",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.err.Error(); got != tt.wantMsg {
				t.Errorf("ValidationError.Error() = %q, want %q", got, tt.wantMsg)
			}
			if tt.err.Err != nil && !errors.Is(tt.err, tt.err.Err) {
				t.Errorf("ValidationError does not unwrap to %v", tt.err.Err)
			}
		})
	}
}

func TestEncryptionError(t *testing.T) {
	baseErr := errors.New("aead: message authentication failed")

	tests := []struct {
		name    string
		err     *EncryptionError
		wantMsg string
	}{
		{
			name: "with path and chunk",
			err: &EncryptionError{
				Operation: "seal chunk",
				Path:      "/d/AB/CDEF/x.c9r",
				ChunkIdx:  5,
				Message:   "auth failed",
				Err:       baseErr,
			},
			wantMsg: "seal chunk error: /d/AB/CDEF/x.c9r (chunk 5): auth failed",
		},
		{
			name: "chunk zero is reported",
			err: &EncryptionError{
				Operation: "seal chunk",
				Path:      "/d/AB/CDEF/x.c9r",
				ChunkIdx:  0,
				Message:   "auth failed",
			},
			wantMsg: "seal chunk error: /d/AB/CDEF/x.c9r (chunk 0): auth failed",
		},
		{
			name: "with path only",
			err: &EncryptionError{
				Operation: "generate nonce",
				Path:      "/d/AB/CDEF/x.c9r",
				ChunkIdx:  -1,
				Message:   "entropy exhausted",
			},
			wantMsg: "generate nonce error: /d/AB/CDEF/x.c9r: entropy exhausted",
		},
		{
			name: "minimal",
			err: &EncryptionError{
				Operation: "decrypt",
				ChunkIdx:  -1,
				Message:   "invalid ciphertext",
			},
			wantMsg: "decrypt error: invalid ciphertext",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.err.Error(); got != tt.wantMsg {
				t.Errorf("EncryptionError.Error() = %q, want %q", got, tt.wantMsg)
			}
		})
	}
}

func TestIOError(t *testing.T) {
	baseErr := errors.New("permission denied")

	tests := []struct {
		name    string
		err     *IOError
		wantMsg string
	}{
		{
			name: "with offset",
			err: &IOError{
				Operation: "read chunk",
				Path:      "/d/AB/CDEF/x.c9r",
				Offset:    1024,
				Message:   "permission denied",
				Err:       baseErr,
			},
			wantMsg: "io error: read chunk /d/AB/CDEF/x.c9r at offset 1024: permission denied",
		},
		{
			name: "without offset",
			err: &IOError{
				Operation: "write header",
				Path:      "/d/AB/CDEF/x.c9r",
				Offset:    -1,
				Message:   "disk full",
			},
			wantMsg: "io error: write header /d/AB/CDEF/x.c9r: disk full",
		},
		{
			name: "operation only",
			err: &IOError{
				Operation: "sync",
				Offset:    -1,
				Message:   "failed to sync",
			},
			wantMsg: "io error: sync: failed to sync",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.err.Error(); got != tt.wantMsg {
				t.Errorf("IOError.Error() = %q, want %q", got, tt.wantMsg)
			}
		})
	}
}

func TestCorruptionError(t *testing.T) {
	tests := []struct {
		name    string
		err     *CorruptionError
		wantMsg string
	}{
		{
			name: "with chunk",
			err: &CorruptionError{
				Path:     "/d/AB/CDEF/x.c9r",
				ChunkIdx: 3,
				Message:  "trailing chunk holds no payload",
			},
			wantMsg: "corruption error: /d/AB/CDEF/x.c9r (chunk 3): trailing chunk holds no payload",
		},
		{
			name: "without chunk",
			err: &CorruptionError{
				Path:     "/d/AB/CDEF/x.c9r",
				ChunkIdx: -1,
				Message:  "invalid file header",
			},
			wantMsg: "corruption error: /d/AB/CDEF/x.c9r: invalid file header",
		},
		{
			name: "generic",
			err: &CorruptionError{
				ChunkIdx: -1,
				Message:  "data tampering detected",
			},
			wantMsg: "corruption error: data tampering detected",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.err.Error(); got != tt.wantMsg {
				t.Errorf("CorruptionError.Error() = %q, want %q", got, tt.wantMsg)
			}
		})
	}
}

func TestAuthenticationError(t *testing.T) {
	tests := []struct {
		name    string
		err     *AuthenticationError
		wantMsg string
	}{
		{
			name: "with chunk",
			err: &AuthenticationError{
				Path:     "/d/AB/CDEF/x.c9r",
				ChunkIdx: 2,
				Message:  "chunk failed authentication",
				Err:      ErrAuthFailed,
			},
			wantMsg: "authentication error: /d/AB/CDEF/x.c9r (chunk 2): chunk failed authentication",
		},
		{
			name: "with path",
			err: &AuthenticationError{
				Path:     VaultFileName,
				ChunkIdx: -1,
				Message:  "key does not open this vault",
				Err:      ErrInvalidKey,
			},
			wantMsg: "authentication error: vault.cryptofs: key does not open this vault",
		},
		{
			name: "without path",
			err: &AuthenticationError{
				ChunkIdx: -1,
				Message:  "key derivation failed",
			},
			wantMsg: "authentication error: key derivation failed",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.err.Error(); got != tt.wantMsg {
				t.Errorf("AuthenticationError.Error() = %q, want %q", got, tt.wantMsg)
			}
		})
	}
}

func TestErrorCheckers(t *testing.T) {
	ve := &ValidationError{Message: "test"}
	ee := &EncryptionError{Operation: "encrypt", Message: "test"}
	ie := &IOError{Operation: "read", Message: "test"}
	ce := &CorruptionError{Message: "test"}
	ae := &AuthenticationError{Message: "test"}
	wrapped := &fs.PathError{Op: "read", Path: "/a", Err: fmt.Errorf("chunk 3: %w", ae)}
	genericErr := errors.New("generic error")

	tests := []struct {
		name string
		err  error
		fn   func(error) bool
		want bool
	}{
		{"IsValidationError with ValidationError", ve, IsValidationError, true},
		{"IsValidationError with other error", genericErr, IsValidationError, false},
		{"IsEncryptionError with EncryptionError", ee, IsEncryptionError, true},
		{"IsEncryptionError with other error", genericErr, IsEncryptionError, false},
		{"IsIOError with IOError", ie, IsIOError, true},
		{"IsIOError with other error", genericErr, IsIOError, false},
		{"IsCorruptionError with CorruptionError", ce, IsCorruptionError, true},
		{"IsCorruptionError with other error", genericErr, IsCorruptionError, false},
		{"IsAuthenticationError with AuthenticationError", ae, IsAuthenticationError, true},
		{"IsAuthenticationError through PathError", wrapped, IsAuthenticationError, true},
		{"IsAuthenticationError with ErrAuthFailed", ErrAuthFailed, IsAuthenticationError, true},
		{"IsAuthenticationError with other error", genericErr, IsAuthenticationError, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.fn(tt.err); got != tt.want {
				t.Errorf("error checker = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestErrorConstructors(t *testing.T) {
	t.Run("NewValidationError", func(t *testing.T) {
		err := NewValidationError("field", 123, "invalid value")
		var ve *ValidationError
		if !errors.As(err, &ve) {
			t.Fatal("NewValidationError should create ValidationError")
		}
		if ve.Field != "field" || ve.Value != 123 || ve.Message != "invalid value" {
			t.Errorf("NewValidationError fields incorrect: %+v", ve)
		}
	})

	t.Run("NewEncryptionError", func(t *testing.T) {
		baseErr := errors.New("test")
		err := NewEncryptionError("seal chunk", "/path", baseErr)
		var ee *EncryptionError
		if !errors.As(err, &ee) {
			t.Fatal("NewEncryptionError should create EncryptionError")
		}
		if ee.Operation != "seal chunk" || ee.Path != "/path" || ee.ChunkIdx != -1 {
			t.Errorf("NewEncryptionError fields incorrect: %+v", ee)
		}
		if !errors.Is(err, baseErr) {
			t.Error("NewEncryptionError should wrap its cause")
		}
	})

	t.Run("NewIOError", func(t *testing.T) {
		baseErr := errors.New("test")
		err := NewIOError("read", "/path", baseErr)
		var ie *IOError
		if !errors.As(err, &ie) {
			t.Fatal("NewIOError should create IOError")
		}
		if ie.Operation != "read" || ie.Path != "/path" || ie.Offset != -1 {
			t.Errorf("NewIOError fields incorrect: %+v", ie)
		}
	})

	t.Run("NewCorruptionError", func(t *testing.T) {
		err := NewCorruptionError("/path", "corrupted")
		var ce *CorruptionError
		if !errors.As(err, &ce) {
			t.Fatal("NewCorruptionError should create CorruptionError")
		}
		if ce.Path != "/path" || ce.Message != "corrupted" || ce.ChunkIdx != -1 {
			t.Errorf("NewCorruptionError fields incorrect: %+v", ce)
		}
	})

	t.Run("NewAuthenticationError", func(t *testing.T) {
		err := NewAuthenticationError("/path", ErrAuthFailed)
		var ae *AuthenticationError
		if !errors.As(err, &ae) {
			t.Fatal("NewAuthenticationError should create AuthenticationError")
		}
		if ae.Path != "/path" || ae.ChunkIdx != -1 {
			t.Errorf("NewAuthenticationError fields incorrect: %+v", ae)
		}
	})
}
