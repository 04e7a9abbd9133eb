package hipaa

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
)

// KeySize is the length in bytes of an AES-256 key.
const KeySize = 32

// ErrOpen is returned when a ciphertext fails authentication. It does not say
// whether the key, nonce, ciphertext or additional data was wrong.
var ErrOpen = errors.New("phi decrypt: message authentication failed")

// GenerateKey returns a fresh random AES-256 key.
func GenerateKey() ([]byte, error) {
	key := make([]byte, KeySize)
	if _, err := io.ReadFull(rand.Reader, key); err != nil {
		return nil, fmt.Errorf("generate key: %w", err)
	}
	return key, nil
}

// PHIEncryptor is an AES-256-GCM AEAD. Additional data passed to Seal must be
// passed unchanged to Open.
type PHIEncryptor struct {
	aead cipher.AEAD
}

// NewPHIEncryptor creates a new PHIEncryptor with the given 32-byte AES-256 key.
func NewPHIEncryptor(key []byte) (*PHIEncryptor, error) {
	if len(key) != KeySize {
		return nil, fmt.Errorf("phi encryptor: key must be %d bytes, got %d", KeySize, len(key))
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("phi encryptor: create cipher: %w", err)
	}

	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("phi encryptor: create GCM: %w", err)
	}

	return &PHIEncryptor{aead: aead}, nil
}

// NonceSize is the nonce length Seal generates and Open expects.
func (e *PHIEncryptor) NonceSize() int { return e.aead.NonceSize() }

// Seal encrypts plaintext under a fresh random nonce and returns the nonce and
// ciphertext separately.
func (e *PHIEncryptor) Seal(plaintext, aad []byte) (nonce, ciphertext []byte, err error) {
	nonce = make([]byte, e.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, nil, fmt.Errorf("phi encrypt: generate nonce: %w", err)
	}
	return nonce, e.aead.Seal(nil, nonce, plaintext, aad), nil
}

// Open authenticates and decrypts ciphertext.
func (e *PHIEncryptor) Open(nonce, ciphertext, aad []byte) ([]byte, error) {
	if len(nonce) != e.aead.NonceSize() {
		return nil, fmt.Errorf("phi decrypt: nonce must be %d bytes, got %d", e.aead.NonceSize(), len(nonce))
	}
	plaintext, err := e.aead.Open(nil, nonce, ciphertext, aad)
	if err != nil {
		return nil, ErrOpen
	}
	return plaintext, nil
}

// EncryptBytes encrypts data and returns the nonce prepended to the ciphertext.
func (e *PHIEncryptor) EncryptBytes(data, aad []byte) ([]byte, error) {
	nonce, ciphertext, err := e.Seal(data, aad)
	if err != nil {
		return nil, err
	}
	return append(nonce, ciphertext...), nil
}

// DecryptBytes extracts the nonce from the front of data and decrypts the remainder.
func (e *PHIEncryptor) DecryptBytes(data, aad []byte) ([]byte, error) {
	nonceSize := e.aead.NonceSize()
	if len(data) < nonceSize {
		return nil, fmt.Errorf("phi decrypt: ciphertext too short")
	}
	return e.Open(data[:nonceSize], data[nonceSize:], aad)
}
