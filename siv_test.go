package cryptofs

import (
	"bytes"
	"crypto/rand"
	"errors"
	"testing"
)

func newTestSIV(t testing.TB) *SIVEngine {
	t.Helper()
	key := make([]byte, 64)
	if _, err := rand.Read(key); err != nil {
		t.Fatalf("Failed to generate key: %v", err)
	}
	siv, err := NewSIVEngine(key)
	if err != nil {
		t.Fatalf("Failed to create SIV engine: %v", err)
	}
	return siv
}

func TestSIVEngine_EncryptDecrypt(t *testing.T) {
	siv := newTestSIV(t)

	tests := []struct {
		name      string
		plaintext []byte
		ad        [][]byte
	}{
		{name: "simple text", plaintext: []byte("Hello, World!")},
		{name: "empty plaintext", plaintext: []byte("")},
		{name: "with AD", plaintext: []byte("secret message"), ad: [][]byte{[]byte("context1"), []byte("context2")}},
		{name: "exact block", plaintext: bytes.Repeat([]byte("B"), 16)},
		{name: "long plaintext", plaintext: bytes.Repeat([]byte("A"), 1000)},
		{name: "directory id as AD", plaintext: []byte("report.pdf"), ad: [][]byte{[]byte("6f1c2f7e-9f5b-4c43-a2f6-0d1b1f1b6c7e")}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ciphertext, err := siv.Encrypt(tt.plaintext, tt.ad...)
			if err != nil {
				t.Fatalf("Encrypt failed: %v", err)
			}
			if len(ciphertext) != len(tt.plaintext)+siv.Overhead() {
				t.Errorf("Ciphertext length = %d, want %d", len(ciphertext), len(tt.plaintext)+siv.Overhead())
			}

			decrypted, err := siv.Decrypt(ciphertext, tt.ad...)
			if err != nil {
				t.Fatalf("Decrypt failed: %v", err)
			}
			if !bytes.Equal(decrypted, tt.plaintext) {
				t.Errorf("Decrypted plaintext doesn't match:\ngot:  %q\nwant: %q", decrypted, tt.plaintext)
			}
		})
	}
}

func TestSIVEngine_Deterministic(t *testing.T) {
	siv := newTestSIV(t)
	plaintext := []byte("deterministic test")

	ciphertext1, _ := siv.Encrypt(plaintext, []byte("dir"))
	ciphertext2, _ := siv.Encrypt(plaintext, []byte("dir"))
	if !bytes.Equal(ciphertext1, ciphertext2) {
		t.Errorf("SIV is not deterministic:\nfirst:  %x\nsecond: %x", ciphertext1, ciphertext2)
	}

	other, _ := siv.Encrypt(plaintext, []byte("other dir"))
	if bytes.Equal(ciphertext1, other) {
		t.Error("Same name in different directories produced identical ciphertext")
	}
}

func TestSIVEngine_ADMismatch(t *testing.T) {
	siv := newTestSIV(t)

	ciphertext, err := siv.Encrypt([]byte("secret"), []byte("correct context"))
	if err != nil {
		t.Fatalf("Encryption failed: %v", err)
	}

	if _, err := siv.Decrypt(ciphertext, []byte("wrong context")); !errors.Is(err, ErrAuthFailed) {
		t.Errorf("Decrypt with wrong AD: got %v, want ErrAuthFailed", err)
	}
	if _, err := siv.Decrypt(ciphertext); !errors.Is(err, ErrAuthFailed) {
		t.Errorf("Decrypt without AD: got %v, want ErrAuthFailed", err)
	}
}

func TestSIVEngine_Tampering(t *testing.T) {
	siv := newTestSIV(t)

	ciphertext, err := siv.Encrypt([]byte("important data"))
	if err != nil {
		t.Fatalf("Encryption failed: %v", err)
	}

	for _, i := range []int{0, 15, len(ciphertext) - 1} {
		tampered := bytes.Clone(ciphertext)
		tampered[i] ^= 0x01
		if _, err := siv.Decrypt(tampered); !IsAuthenticationError(err) {
			t.Errorf("Tampering byte %d: got %v, want authentication error", i, err)
		}
	}
}

func TestSIVEngine_InvalidKey(t *testing.T) {
	for _, size := range []int{0, 16, 32, 63, 65} {
		if _, err := NewSIVEngine(make([]byte, size)); !errors.Is(err, ErrInvalidKey) {
			t.Errorf("NewSIVEngine(%d bytes): got %v, want ErrInvalidKey", size, err)
		}
	}
}

func TestSIVEngine_ShortCiphertext(t *testing.T) {
	siv := newTestSIV(t)

	if _, err := siv.Decrypt(make([]byte, 15)); !errors.Is(err, ErrInvalidCiphertext) {
		t.Errorf("Decrypt(15 bytes): got %v, want ErrInvalidCiphertext", err)
	}
}

func TestDbl(t *testing.T) {
	in := make([]byte, 16)
	in[0] = 0x80
	in[15] = 0x01
	got := dbl(in)

	want := make([]byte, 16)
	want[15] = 0x02 ^ 0x87
	if !bytes.Equal(got, want) {
		t.Errorf("dbl() = %x, want %x", got, want)
	}

	in = make([]byte, 16)
	in[8] = 0x80
	got = dbl(in)
	want = make([]byte, 16)
	want[7] = 0x01
	if !bytes.Equal(got, want) {
		t.Errorf("dbl() carry = %x, want %x", got, want)
	}
}
