package token

import (
	"bytes"
	"crypto/rand"
	"crypto/sha256"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

const (
	// MinSealSecretBytes is the minimum accepted operator secret length.
	MinSealSecretBytes = 16

	hkdfInfo = "courier-session-seal-v1"
)

// sealMagic prefixes sealed blobs so plain JSON files can still be read after enabling a key.
var sealMagic = []byte("CSEAL1")

// Sealer encrypts small blobs (the persisted session document) with XChaCha20-Poly1305.
type Sealer struct {
	key []byte
}

// NewSealer derives a 256-bit key from secret with HKDF-SHA256.
func NewSealer(secret []byte) (*Sealer, error) {
	secret = bytes.TrimSpace(secret)
	if len(secret) < MinSealSecretBytes {
		return nil, ErrSealKeyTooShort
	}

	key := make([]byte, chacha20poly1305.KeySize)
	h := hkdf.New(sha256.New, secret, nil, []byte(hkdfInfo))
	if _, err := io.ReadFull(h, key); err != nil {
		return nil, err
	}
	return &Sealer{key: key}, nil
}

// Seal returns magic || nonce || ciphertext. ad binds the blob to its purpose (e.g. file name).
func (s *Sealer) Seal(plaintext, ad []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(s.key)
	if err != nil {
		return nil, err
	}

	nonce := make([]byte, aead.NonceSize(), aead.NonceSize()+len(plaintext)+aead.Overhead())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, err
	}

	out := make([]byte, 0, len(sealMagic)+len(nonce)+len(plaintext)+aead.Overhead())
	out = append(out, sealMagic...)
	out = append(out, nonce...)
	return aead.Seal(out, nonce, plaintext, ad), nil
}

// Open reverses Seal.
func (s *Sealer) Open(blob, ad []byte) ([]byte, error) {
	if !IsSealed(blob) {
		return nil, ErrNotSealed
	}
	blob = blob[len(sealMagic):]

	aead, err := chacha20poly1305.NewX(s.key)
	if err != nil {
		return nil, err
	}
	if len(blob) < aead.NonceSize()+aead.Overhead() {
		return nil, ErrSealedTooShort
	}

	nonce, ct := blob[:aead.NonceSize()], blob[aead.NonceSize():]
	return aead.Open(nil, nonce, ct, ad)
}

// IsSealed reports whether blob carries the seal header.
func IsSealed(blob []byte) bool {
	return bytes.HasPrefix(blob, sealMagic)
}
