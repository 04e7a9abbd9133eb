// Package keyvault keeps per-document data keys apart from the ciphertext
// they protect. Keys are wrapped by a key-encryption key before they reach a
// repository, so read access to the key store alone does not yield them.
package keyvault

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/ehr/deid/internal/platform/hipaa"
)

var (
	ErrKeyNotFound = errors.New("sealing key not found")
	ErrKeyExists   = errors.New("sealing key already exists")
	ErrKeyUnwrap   = errors.New("sealing key could not be unwrapped")
)

// Vault stores data keys by id.
type Vault interface {
	Put(ctx context.Context, keyID string, key []byte) error
	Get(ctx context.Context, keyID string) ([]byte, error)
	Delete(ctx context.Context, keyID string) error
}

// WrappedKey is the stored form of a data key.
type WrappedKey struct {
	KeyID      string
	Wrapped    string
	KEKVersion int
	CreatedAt  time.Time
}

// KeyRepository persists wrapped keys. Create never overwrites; Get and
// Delete return ErrKeyNotFound for unknown ids.
type KeyRepository interface {
	Create(ctx context.Context, k *WrappedKey) error
	Get(ctx context.Context, keyID string) (*WrappedKey, error)
	Delete(ctx context.Context, keyID string) error
}

// WrappedVault wraps keys with a rotating KEK, binding the key id as
// additional data so a wrapped key cannot be replayed under another id.
type WrappedVault struct {
	kek    *hipaa.RotatingEncryptor
	repo   KeyRepository
	logger zerolog.Logger
}

func NewWrappedVault(kek *hipaa.RotatingEncryptor, repo KeyRepository, logger zerolog.Logger) *WrappedVault {
	return &WrappedVault{
		kek:    kek,
		repo:   repo,
		logger: logger.With().Str("component", "keyvault").Logger(),
	}
}

func (v *WrappedVault) Put(ctx context.Context, keyID string, key []byte) error {
	if keyID == "" {
		return errors.New("keyvault: key id is required")
	}
	wrapped, err := v.kek.Wrap(key, []byte(keyID))
	if err != nil {
		return fmt.Errorf("wrap key: %w", err)
	}
	return v.repo.Create(ctx, &WrappedKey{
		KeyID:      keyID,
		Wrapped:    wrapped,
		KEKVersion: v.kek.CurrentVersion(),
		CreatedAt:  time.Now().UTC(),
	})
}

func (v *WrappedVault) Get(ctx context.Context, keyID string) ([]byte, error) {
	w, err := v.repo.Get(ctx, keyID)
	if err != nil {
		return nil, err
	}
	if v.kek.NeedsReEncryption(w.Wrapped) {
		v.logger.Debug().Str("key_id", keyID).Int("kek_version", w.KEKVersion).Msg("key wrapped under a retired KEK")
	}
	key, err := v.kek.Unwrap(w.Wrapped, []byte(keyID))
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrKeyUnwrap, keyID, err)
	}
	return key, nil
}

func (v *WrappedVault) Delete(ctx context.Context, keyID string) error {
	return v.repo.Delete(ctx, keyID)
}
