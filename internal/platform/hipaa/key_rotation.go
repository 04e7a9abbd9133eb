package hipaa

import (
	"encoding/base64"
	"fmt"
	"strconv"
	"strings"
	"sync"
)

// Wrapped values carry a "v{version}:" prefix naming the key-encryption key
// that produced them.
const keyVersionPrefix = "v"
const keyVersionSeparator = ":"

// RotatingEncryptor wraps small secrets (data keys) under a versioned
// key-encryption key. Older versions stay available for unwrapping so a KEK
// can be rotated without losing previously sealed records.
type RotatingEncryptor struct {
	mu         sync.RWMutex
	current    *PHIEncryptor
	currentVer int
	previous   map[int]*PHIEncryptor
}

// NewRotatingEncryptor creates a new rotating encryptor with the current key.
func NewRotatingEncryptor(currentKey []byte, currentVersion int) (*RotatingEncryptor, error) {
	if currentVersion < 1 {
		return nil, fmt.Errorf("rotating encryptor: version must be positive, got %d", currentVersion)
	}
	enc, err := NewPHIEncryptor(currentKey)
	if err != nil {
		return nil, fmt.Errorf("rotating encryptor: current key: %w", err)
	}
	return &RotatingEncryptor{
		current:    enc,
		currentVer: currentVersion,
		previous:   make(map[int]*PHIEncryptor),
	}, nil
}

// AddPreviousKey registers a retired key for unwrapping.
func (r *RotatingEncryptor) AddPreviousKey(key []byte, version int) error {
	enc, err := NewPHIEncryptor(key)
	if err != nil {
		return fmt.Errorf("rotating encryptor: previous key v%d: %w", version, err)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if version == r.currentVer {
		return fmt.Errorf("rotating encryptor: previous key v%d collides with the current version", version)
	}
	r.previous[version] = enc
	return nil
}

// Wrap encrypts secret with the current key, binding aad, and returns the
// version-prefixed base64 form.
func (r *RotatingEncryptor) Wrap(secret, aad []byte) (string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	sealed, err := r.current.EncryptBytes(secret, aad)
	if err != nil {
		return "", err
	}
	return keyVersionPrefix + strconv.Itoa(r.currentVer) + keyVersionSeparator +
		base64.StdEncoding.EncodeToString(sealed), nil
}

// Unwrap selects the key named by the version prefix and decrypts.
func (r *RotatingEncryptor) Unwrap(wrapped string, aad []byte) ([]byte, error) {
	version, data, err := parseVersionedCiphertext(wrapped)
	if err != nil {
		return nil, err
	}

	r.mu.RLock()
	enc := r.current
	if version != r.currentVer {
		enc = r.previous[version]
	}
	r.mu.RUnlock()

	if enc == nil {
		return nil, fmt.Errorf("no key available for version %d", version)
	}
	raw, err := base64.StdEncoding.DecodeString(data)
	if err != nil {
		return nil, fmt.Errorf("unwrap: base64 decode: %w", err)
	}
	return enc.DecryptBytes(raw, aad)
}

// NeedsReEncryption reports whether wrapped was produced by a retired key.
func (r *RotatingEncryptor) NeedsReEncryption(wrapped string) bool {
	version, _, err := parseVersionedCiphertext(wrapped)
	if err != nil {
		return true
	}
	return version != r.CurrentVersion()
}

// ReEncrypt unwraps with whichever key produced wrapped and wraps again with
// the current key.
func (r *RotatingEncryptor) ReEncrypt(wrapped string, aad []byte) (string, error) {
	secret, err := r.Unwrap(wrapped, aad)
	if err != nil {
		return "", fmt.Errorf("re-encrypt: unwrap: %w", err)
	}
	return r.Wrap(secret, aad)
}

// CurrentVersion returns the current key version.
func (r *RotatingEncryptor) CurrentVersion() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.currentVer
}

func parseVersionedCiphertext(s string) (int, string, error) {
	if !strings.HasPrefix(s, keyVersionPrefix) {
		return 0, "", fmt.Errorf("wrapped key has no version prefix")
	}

	idx := strings.Index(s, keyVersionSeparator)
	if idx < 0 {
		return 0, "", fmt.Errorf("wrapped key has no version separator")
	}

	version, err := strconv.Atoi(s[len(keyVersionPrefix):idx])
	if err != nil {
		return 0, "", fmt.Errorf("invalid key version: %w", err)
	}

	return version, s[idx+1:], nil
}
