package hipaa

import (
	"bytes"
	"crypto/rand"
	"errors"
	"testing"
)

func generateTestKey(t *testing.T) []byte {
	t.Helper()
	key := make([]byte, KeySize)
	if _, err := rand.Read(key); err != nil {
		t.Fatalf("generate test key: %v", err)
	}
	return key
}

func TestNewPHIEncryptor(t *testing.T) {
	t.Run("valid 32-byte key", func(t *testing.T) {
		enc, err := NewPHIEncryptor(generateTestKey(t))
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if enc.NonceSize() != 12 {
			t.Fatalf("expected 12-byte GCM nonce, got %d", enc.NonceSize())
		}
	})

	for _, n := range []int{0, 16, 64} {
		if _, err := NewPHIEncryptor(make([]byte, n)); err == nil {
			t.Errorf("expected error for %d-byte key", n)
		}
	}
}

func TestGenerateKey_Fresh(t *testing.T) {
	a, err := GenerateKey()
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	b, err := GenerateKey()
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if len(a) != KeySize {
		t.Fatalf("expected %d bytes, got %d", KeySize, len(a))
	}
	if bytes.Equal(a, b) {
		t.Fatal("two generated keys should differ")
	}
}

func TestSealOpen_RoundTrip(t *testing.T) {
	enc, err := NewPHIEncryptor(generateTestKey(t))
	if err != nil {
		t.Fatalf("create encryptor: %v", err)
	}

	cases := [][]byte{
		[]byte(`[{"field":"name","value":"Jane Doe"}]`),
		[]byte("\x00\x01\x02binary data\xff\xfe"),
		{},
	}
	aad := []byte("4b1b8f2e-0c4b-4b2e-9a57-0d0a5ad1c001")

	for _, plaintext := range cases {
		nonce, ciphertext, err := enc.Seal(plaintext, aad)
		if err != nil {
			t.Fatalf("seal: %v", err)
		}
		if len(nonce) != enc.NonceSize() {
			t.Fatalf("nonce length %d", len(nonce))
		}
		got, err := enc.Open(nonce, ciphertext, aad)
		if err != nil {
			t.Fatalf("open: %v", err)
		}
		if !bytes.Equal(got, plaintext) {
			t.Errorf("roundtrip failed: got %q, want %q", got, plaintext)
		}
	}
}

func TestSeal_FreshNoncePerCall(t *testing.T) {
	enc, err := NewPHIEncryptor(generateTestKey(t))
	if err != nil {
		t.Fatalf("create encryptor: %v", err)
	}
	n1, c1, _ := enc.Seal([]byte("same"), nil)
	n2, c2, _ := enc.Seal([]byte("same"), nil)
	if bytes.Equal(n1, n2) {
		t.Error("nonces should differ between calls")
	}
	if bytes.Equal(c1, c2) {
		t.Error("ciphertexts of the same plaintext should differ")
	}
}

func TestOpen_Failures(t *testing.T) {
	enc, err := NewPHIEncryptor(generateTestKey(t))
	if err != nil {
		t.Fatalf("create encryptor: %v", err)
	}
	other, err := NewPHIEncryptor(generateTestKey(t))
	if err != nil {
		t.Fatalf("create encryptor: %v", err)
	}

	aad := []byte("record-1")
	nonce, ciphertext, err := enc.Seal([]byte("SSN 123-45-6789"), aad)
	if err != nil {
		t.Fatalf("seal: %v", err)
	}

	t.Run("wrong key", func(t *testing.T) {
		if _, err := other.Open(nonce, ciphertext, aad); !errors.Is(err, ErrOpen) {
			t.Fatalf("expected ErrOpen, got %v", err)
		}
	})

	t.Run("wrong additional data", func(t *testing.T) {
		if _, err := enc.Open(nonce, ciphertext, []byte("record-2")); !errors.Is(err, ErrOpen) {
			t.Fatalf("expected ErrOpen, got %v", err)
		}
	})

	t.Run("tampered ciphertext", func(t *testing.T) {
		tampered := append([]byte{}, ciphertext...)
		tampered[0] ^= 0xff
		if _, err := enc.Open(nonce, tampered, aad); !errors.Is(err, ErrOpen) {
			t.Fatalf("expected ErrOpen, got %v", err)
		}
	})

	t.Run("short nonce", func(t *testing.T) {
		if _, err := enc.Open(nonce[:4], ciphertext, aad); err == nil {
			t.Fatal("expected error for short nonce")
		}
	})
}

func TestEncryptBytes_NoncePrepended(t *testing.T) {
	enc, err := NewPHIEncryptor(generateTestKey(t))
	if err != nil {
		t.Fatalf("create encryptor: %v", err)
	}

	data, err := enc.EncryptBytes([]byte("secret"), []byte("aad"))
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	got, err := enc.DecryptBytes(data, []byte("aad"))
	if err != nil {
		t.Fatalf("decrypt: %v", err)
	}
	if string(got) != "secret" {
		t.Errorf("got %q", got)
	}

	if _, err := enc.DecryptBytes([]byte{1, 2, 3}, nil); err == nil {
		t.Fatal("expected error for data shorter than the nonce")
	}
}
