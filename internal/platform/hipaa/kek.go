package hipaa

import (
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"

	"github.com/rs/zerolog"
)

// ParseHexKey decodes a 64-character hex string into an AES-256 key.
func ParseHexKey(s string) ([]byte, error) {
	key, err := hex.DecodeString(strings.TrimSpace(s))
	if err != nil {
		return nil, fmt.Errorf("key is not valid hex: %w", err)
	}
	if len(key) != KeySize {
		return nil, fmt.Errorf("key must be %d bytes (%d hex chars), got %d bytes", KeySize, 2*KeySize, len(key))
	}
	return key, nil
}

// ParsePreviousKeys parses a "version:hex,version:hex" list of retired keys.
func ParsePreviousKeys(s string) (map[int][]byte, error) {
	out := make(map[int][]byte)
	for _, entry := range strings.Split(s, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		verStr, keyHex, ok := strings.Cut(entry, ":")
		if !ok {
			return nil, fmt.Errorf("previous key %q: expected version:hex", entry)
		}
		version, err := strconv.Atoi(strings.TrimSpace(verStr))
		if err != nil || version < 1 {
			return nil, fmt.Errorf("previous key %q: invalid version", entry)
		}
		key, err := ParseHexKey(keyHex)
		if err != nil {
			return nil, fmt.Errorf("previous key v%d: %w", version, err)
		}
		if _, dup := out[version]; dup {
			return nil, fmt.Errorf("previous key v%d listed twice", version)
		}
		out[version] = key
	}
	return out, nil
}

// NewKeyEncryptionKey builds the rotating KEK from configuration.
//
// If currentHex is empty an ephemeral key is generated and a warning is
// logged: data keys wrapped with it cannot be unwrapped after a restart, so
// this is only suitable for development with an in-memory ledger.
func NewKeyEncryptionKey(currentHex string, version int, previous string, logger zerolog.Logger) (*RotatingEncryptor, error) {
	var key []byte
	if currentHex == "" {
		logger.Warn().Msg("HIPAA_ENCRYPTION_KEY is not set: using an ephemeral key-encryption key")
		generated, err := GenerateKey()
		if err != nil {
			return nil, err
		}
		key = generated
	} else {
		parsed, err := ParseHexKey(currentHex)
		if err != nil {
			return nil, fmt.Errorf("HIPAA_ENCRYPTION_KEY: %w", err)
		}
		key = parsed
	}

	kek, err := NewRotatingEncryptor(key, version)
	if err != nil {
		return nil, err
	}

	retired, err := ParsePreviousKeys(previous)
	if err != nil {
		return nil, fmt.Errorf("PREVIOUS_ENCRYPTION_KEYS: %w", err)
	}
	for v, k := range retired {
		if err := kek.AddPreviousKey(k, v); err != nil {
			return nil, err
		}
	}

	logger.Info().Int("kek_version", version).Int("retired_keys", len(retired)).Msg("key-encryption key loaded")
	return kek, nil
}
