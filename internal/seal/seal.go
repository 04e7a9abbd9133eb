// Package seal encrypts the values removed from a document so they can be
// restored only by a caller holding the per-document key.
package seal

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/ehr/deid/internal/keyvault"
	"github.com/ehr/deid/internal/phi"
	"github.com/ehr/deid/internal/platform/hipaa"
)

// Algorithm names the only cipher bundles are produced with.
const Algorithm = "AES-256-GCM"

// ErrDecryption is returned for any failure to open a bundle. No fields are
// returned alongside it.
var ErrDecryption = errors.New("sealed bundle could not be opened")

// ErrKeyUnavailable is returned when the key store could not be read. The
// bundle itself may still be intact.
var ErrKeyUnavailable = errors.New("sealing key store unavailable")

// Bundle is an encrypted field set. The record id it was sealed for is bound
// as additional data; the key lives in the vault under KeyRef.
type Bundle struct {
	Algorithm  string `json:"algorithm"`
	Ciphertext []byte `json:"ciphertext"`
	Nonce      []byte `json:"nonce"`
	KeyRef     string `json:"keyRef"`
}

// Sealed is the outcome of Seal.
type Sealed struct {
	RecordID string
	Bundle   Bundle
}

// Sealer seals field sets and opens them again.
type Sealer interface {
	Seal(ctx context.Context, fields phi.FieldSet) (*Sealed, error)
	Unseal(ctx context.Context, recordID string, b Bundle) (phi.FieldSet, error)
	// Destroy deletes the key for b. Once it returns, b can never be opened.
	Destroy(ctx context.Context, b Bundle) error
}

type sealedField struct {
	Field phi.FieldKind `json:"field"`
	Value string        `json:"value"`
}

// EncodeFields is the canonical plaintext: a JSON array of the present
// fields in kind order.
func EncodeFields(fields phi.FieldSet) ([]byte, error) {
	present := fields.Present()
	out := make([]sealedField, 0, len(present))
	for _, m := range present {
		out = append(out, sealedField{Field: m.Kind, Value: m.Value})
	}
	return json.Marshal(out)
}

// DecodeFields parses the canonical plaintext. Spans are not part of the
// encoding and come back as zero.
func DecodeFields(data []byte) (phi.FieldSet, error) {
	var in []sealedField
	if err := json.Unmarshal(data, &in); err != nil {
		return phi.FieldSet{}, fmt.Errorf("decode sealed fields: %w", err)
	}
	var fields phi.FieldSet
	for _, f := range in {
		if fields.Get(f.Field) != nil {
			return phi.FieldSet{}, fmt.Errorf("decode sealed fields: %s listed twice", f.Field)
		}
		fields.Set(phi.FieldMatch{Kind: f.Field, Value: f.Value})
	}
	return fields, nil
}

// SealWithKey encrypts fields under key for recordID. KeyRef is left empty.
func SealWithKey(recordID string, fields phi.FieldSet, key []byte) (Bundle, error) {
	plaintext, err := EncodeFields(fields)
	if err != nil {
		return Bundle{}, err
	}
	enc, err := hipaa.NewPHIEncryptor(key)
	if err != nil {
		return Bundle{}, err
	}
	nonce, ciphertext, err := enc.Seal(plaintext, []byte(recordID))
	if err != nil {
		return Bundle{}, err
	}
	return Bundle{Algorithm: Algorithm, Ciphertext: ciphertext, Nonce: nonce}, nil
}

// UnsealWithKey is the inverse of SealWithKey.
func UnsealWithKey(recordID string, b Bundle, key []byte) (phi.FieldSet, error) {
	if b.Algorithm != Algorithm {
		return phi.FieldSet{}, fmt.Errorf("%w: unsupported algorithm %q", ErrDecryption, b.Algorithm)
	}
	enc, err := hipaa.NewPHIEncryptor(key)
	if err != nil {
		return phi.FieldSet{}, fmt.Errorf("%w: %w", ErrDecryption, err)
	}
	plaintext, err := enc.Open(b.Nonce, b.Ciphertext, []byte(recordID))
	if err != nil {
		return phi.FieldSet{}, fmt.Errorf("%w: %w", ErrDecryption, err)
	}
	fields, err := DecodeFields(plaintext)
	if err != nil {
		return phi.FieldSet{}, fmt.Errorf("%w: %w", ErrDecryption, err)
	}
	return fields, nil
}

// AEADSealer generates a fresh key and record id per call and keeps the key
// in a vault.
type AEADSealer struct {
	vault keyvault.Vault
}

func NewAEADSealer(vault keyvault.Vault) *AEADSealer {
	return &AEADSealer{vault: vault}
}

func (s *AEADSealer) Seal(ctx context.Context, fields phi.FieldSet) (*Sealed, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	key, err := hipaa.GenerateKey()
	if err != nil {
		return nil, err
	}
	recordID := uuid.NewString()
	bundle, err := SealWithKey(recordID, fields, key)
	if err != nil {
		return nil, err
	}
	if err := storeKey(ctx, s.vault, &bundle, key); err != nil {
		return nil, err
	}
	return &Sealed{RecordID: recordID, Bundle: bundle}, nil
}

func (s *AEADSealer) Unseal(ctx context.Context, recordID string, b Bundle) (phi.FieldSet, error) {
	return unseal(ctx, s.vault, recordID, b)
}

func (s *AEADSealer) Destroy(ctx context.Context, b Bundle) error {
	return s.vault.Delete(ctx, b.KeyRef)
}

func storeKey(ctx context.Context, vault keyvault.Vault, b *Bundle, key []byte) error {
	keyRef := uuid.NewString()
	if err := vault.Put(ctx, keyRef, key); err != nil {
		return fmt.Errorf("store sealing key: %w", err)
	}
	b.KeyRef = keyRef
	return nil
}

func unseal(ctx context.Context, vault keyvault.Vault, recordID string, b Bundle) (phi.FieldSet, error) {
	key, err := vault.Get(ctx, b.KeyRef)
	switch {
	case err == nil:
	case errors.Is(err, keyvault.ErrKeyNotFound), errors.Is(err, keyvault.ErrKeyUnwrap):
		return phi.FieldSet{}, fmt.Errorf("%w: fetch key: %w", ErrDecryption, err)
	default:
		return phi.FieldSet{}, fmt.Errorf("%w: %w", ErrKeyUnavailable, err)
	}
	return UnsealWithKey(recordID, b, key)
}
