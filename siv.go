package cryptofs

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/subtle"
	"encoding/binary"
	"fmt"
)

// SIVEngine implements AES-SIV (RFC 5297), deterministic authenticated
// encryption. Node names are encrypted with it so that the same cleartext
// name in the same directory always maps to the same ciphertext name.
type SIVEngine struct {
	mac    cipher.Block // S2V key
	ctr    cipher.Block // CTR key
	k1, k2 []byte       // CMAC subkeys of mac
}

// NewSIVEngine creates a new AES-SIV engine from a 64-byte key: the first
// half authenticates, the second half encrypts.
func NewSIVEngine(key []byte) (*SIVEngine, error) {
	if err := ValidateKey(key, "AES-SIV key", 64); err != nil {
		return nil, err
	}

	mac, err := aes.NewCipher(key[:32])
	if err != nil {
		return nil, fmt.Errorf("failed to create AES cipher: %w", err)
	}
	ctr, err := aes.NewCipher(key[32:])
	if err != nil {
		return nil, fmt.Errorf("failed to create AES cipher: %w", err)
	}

	e := &SIVEngine{mac: mac, ctr: ctr}
	e.k1, e.k2 = generateSubkeys(mac)
	return e, nil
}

// Encrypt returns SIV || CTR(plaintext). Every ad element is authenticated.
func (e *SIVEngine) Encrypt(plaintext []byte, ad ...[]byte) ([]byte, error) {
	siv := e.s2v(plaintext, ad...)

	result := make([]byte, aes.BlockSize+len(plaintext))
	copy(result, siv)
	e.ctrMode(siv, plaintext, result[aes.BlockSize:])
	return result, nil
}

// Decrypt reverses Encrypt, returning ErrAuthFailed when the SIV does not
// match the recovered plaintext and ad.
func (e *SIVEngine) Decrypt(ciphertext []byte, ad ...[]byte) ([]byte, error) {
	if len(ciphertext) < aes.BlockSize {
		return nil, fmt.Errorf("%w: SIV ciphertext too short", ErrInvalidCiphertext)
	}

	siv := ciphertext[:aes.BlockSize]
	plaintext := make([]byte, len(ciphertext)-aes.BlockSize)
	e.ctrMode(siv, ciphertext[aes.BlockSize:], plaintext)

	if subtle.ConstantTimeCompare(siv, e.s2v(plaintext, ad...)) != 1 {
		return nil, ErrAuthFailed
	}
	return plaintext, nil
}

// s2v implements the S2V construction of RFC 5297 section 2.4
func (e *SIVEngine) s2v(plaintext []byte, ad ...[]byte) []byte {
	d := e.cmac(make([]byte, aes.BlockSize))

	for _, a := range ad {
		d = xor(dbl(d), e.cmac(a))
	}

	var t []byte
	if len(plaintext) >= aes.BlockSize {
		// xorend
		t = make([]byte, len(plaintext))
		copy(t, plaintext)
		xorBytes(t[len(t)-aes.BlockSize:], d)
	} else {
		t = xor(dbl(d), pad(plaintext))
	}

	return e.cmac(t)
}

// cmac computes AES-CMAC (RFC 4493) of data under the S2V key
func (e *SIVEngine) cmac(data []byte) []byte {
	n := (len(data) + aes.BlockSize - 1) / aes.BlockSize
	if n == 0 {
		n = 1
	}

	var last []byte
	if len(data) == 0 || len(data)%aes.BlockSize != 0 {
		last = pad(data[aes.BlockSize*(n-1):])
		xorBytes(last, e.k2)
	} else {
		last = make([]byte, aes.BlockSize)
		copy(last, data[aes.BlockSize*(n-1):])
		xorBytes(last, e.k1)
	}

	mac := make([]byte, aes.BlockSize)
	for i := 0; i < n-1; i++ {
		xorBytes(mac, data[i*aes.BlockSize:(i+1)*aes.BlockSize])
		e.mac.Encrypt(mac, mac)
	}
	xorBytes(mac, last)
	e.mac.Encrypt(mac, mac)

	return mac
}

// ctrMode runs AES-CTR keyed with the second half of the key, with bits 31
// and 63 of the IV cleared (RFC 5297 section 2.5)
func (e *SIVEngine) ctrMode(iv, src, dst []byte) {
	ctr := make([]byte, aes.BlockSize)
	copy(ctr, iv)
	ctr[8] &= 0x7f
	ctr[12] &= 0x7f

	cipher.NewCTR(e.ctr, ctr).XORKeyStream(dst, src)
}

// dbl multiplies by x in GF(2^128)
func dbl(block []byte) []byte {
	result := make([]byte, aes.BlockSize)
	hi := binary.BigEndian.Uint64(block[:8])
	lo := binary.BigEndian.Uint64(block[8:])
	binary.BigEndian.PutUint64(result[:8], hi<<1|lo>>63)
	binary.BigEndian.PutUint64(result[8:], lo<<1)
	if hi>>63 != 0 {
		result[15] ^= 0x87
	}
	return result
}

// pad applies 10* padding to a partial block
func pad(data []byte) []byte {
	result := make([]byte, aes.BlockSize)
	copy(result, data)
	result[len(data)] = 0x80
	return result
}

func xor(a, b []byte) []byte {
	result := make([]byte, len(a))
	for i := 0; i < len(a) && i < len(b); i++ {
		result[i] = a[i] ^ b[i]
	}
	return result
}

// xorBytes XORs b into a in place
func xorBytes(a, b []byte) {
	for i := 0; i < len(a) && i < len(b); i++ {
		a[i] ^= b[i]
	}
}

func generateSubkeys(block cipher.Block) ([]byte, []byte) {
	l := make([]byte, aes.BlockSize)
	block.Encrypt(l, l)

	k1 := dbl(l)
	k2 := dbl(k1)
	return k1, k2
}

// Overhead returns the size of the synthetic IV
func (e *SIVEngine) Overhead() int {
	return aes.BlockSize
}
