// Package crypto seals secrets for storage at rest.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"io"
)

// Sealer encrypts and decrypts secrets bound to a caller-supplied context.
// Opening must present the same context bytes the secret was sealed with,
// so a ciphertext copied onto another row fails authentication instead of
// decrypting under the wrong owner.
type Sealer interface {
	Seal(plaintext, context []byte) ([]byte, error)
	Open(ciphertext, context []byte) ([]byte, error)
}

// AESSealer is an AES-GCM Sealer. The context rides as additional
// authenticated data.
type AESSealer struct {
	aead cipher.AEAD
}

// NewAESGCMFromBase64Key creates an AESSealer from a base64-encoded 32-byte key.
func NewAESGCMFromBase64Key(encodedKey string) (*AESSealer, error) {
	if encodedKey == "" {
		return nil, errors.New("encryption key is empty")
	}
	key, err := base64.StdEncoding.DecodeString(encodedKey)
	if err != nil {
		return nil, err
	}
	if len(key) != 32 {
		return nil, errors.New("encryption key must be 32 bytes")
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}

	return &AESSealer{aead: aead}, nil
}

// Seal encrypts plaintext under the context and prepends the nonce.
func (s *AESSealer) Seal(plaintext, context []byte) ([]byte, error) {
	nonce := make([]byte, s.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, err
	}
	ciphertext := s.aead.Seal(nil, nonce, plaintext, context)
	return append(nonce, ciphertext...), nil
}

// Open decrypts a nonce-prefixed ciphertext sealed under the same context.
func (s *AESSealer) Open(ciphertext, context []byte) ([]byte, error) {
	nonceSize := s.aead.NonceSize()
	if len(ciphertext) < nonceSize {
		return nil, errors.New("ciphertext too short")
	}
	nonce := ciphertext[:nonceSize]
	data := ciphertext[nonceSize:]
	return s.aead.Open(nil, nonce, data, context)
}
