package seal_test

import (
	"bytes"
	"context"
	"encoding/base64"
	"os"
	"os/exec"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ehr/deid/internal/phi"
	"github.com/ehr/deid/internal/platform/hipaa"
	"github.com/ehr/deid/internal/platform/subprocess"
	"github.com/ehr/deid/internal/seal"
)

// TestSealHelperProcess is not a real test. It is the sealing program run by
// the ExternalSealer tests.
func TestSealHelperProcess(t *testing.T) {
	switch os.Getenv("DEID_SEAL_HELPER") {
	case "seal":
		if err := seal.SealStream(os.Stdin, os.Stdout); err != nil {
			os.Exit(2)
		}
		os.Exit(0)
	case "wrong-fields":
		if err := seal.SealStream(strings.NewReader(`[]`), os.Stdout); err != nil {
			os.Exit(2)
		}
		os.Exit(0)
	}
}

func helperSealer(t *testing.T, mode string) (*seal.ExternalSealer, func() int) {
	t.Helper()
	t.Setenv("DEID_SEAL_HELPER", mode)
	vault, repo := newVault(t)
	s, err := seal.NewExternalSealer(
		[]string{os.Args[0], "-test.run=^TestSealHelperProcess$"},
		10*time.Second, vault, zerolog.Nop(),
	)
	require.NoError(t, err)
	return s, repo.Len
}

func shellSealer(t *testing.T, script string) *seal.ExternalSealer {
	t.Helper()
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}
	vault, _ := newVault(t)
	s, err := seal.NewExternalSealer([]string{"sh", "-c", script}, 5*time.Second, vault, zerolog.Nop())
	require.NoError(t, err)
	return s
}

func TestParseOutput_RoundTrip(t *testing.T) {
	var out bytes.Buffer
	require.NoError(t, seal.SealStream(strings.NewReader(`[{"field":"name","value":"Jane Doe"}]`), &out))

	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	require.Len(t, lines, 3)
	assert.True(t, strings.HasPrefix(lines[0], "Record ID: "))
	assert.True(t, strings.HasPrefix(lines[1], "Encryption Key: "))
	assert.True(t, strings.HasPrefix(lines[2], "Encrypted Removed Items: "))

	parsed, err := seal.ParseOutput(out.Bytes())
	require.NoError(t, err)
	b, err := parsed.Bundle()
	require.NoError(t, err)

	fields, err := seal.UnsealWithKey(parsed.RecordID, b, parsed.Key)
	require.NoError(t, err)
	name, ok := fields.Value(phi.FieldName)
	require.True(t, ok)
	assert.Equal(t, "Jane Doe", name)
}

func TestParseOutput_Malformed(t *testing.T) {
	key := base64.StdEncoding.EncodeToString(make([]byte, hipaa.KeySize))
	items := base64.StdEncoding.EncodeToString(make([]byte, 40))
	id := uuid.NewString()

	tests := []struct {
		name   string
		stdout string
	}{
		{"empty", ""},
		{"missing record id", "Encryption Key: " + key + "\nEncrypted Removed Items: " + items + "\n"},
		{"missing key", "Record ID: " + id + "\nEncrypted Removed Items: " + items + "\n"},
		{"missing items", "Record ID: " + id + "\nEncryption Key: " + key + "\n"},
		{"record id not a uuid", "Record ID: 42\nEncryption Key: " + key + "\nEncrypted Removed Items: " + items + "\n"},
		{"key not base64", "Record ID: " + id + "\nEncryption Key: !!!\nEncrypted Removed Items: " + items + "\n"},
		{"short key", "Record ID: " + id + "\nEncryption Key: " + base64.StdEncoding.EncodeToString([]byte("short")) + "\nEncrypted Removed Items: " + items + "\n"},
		{"items not base64", "Record ID: " + id + "\nEncryption Key: " + key + "\nEncrypted Removed Items: ???\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := seal.ParseOutput([]byte(tt.stdout))
			assert.ErrorIs(t, err, seal.ErrMalformedOutput)
		})
	}
}

func TestParseOutput_IgnoresNoise(t *testing.T) {
	key := base64.StdEncoding.EncodeToString(make([]byte, hipaa.KeySize))
	id := uuid.NewString()
	stdout := "starting\nRecord ID: " + id + "\nEncryption Key: " + key + "\nEncrypted Removed Items: AAAA\ndone\n"

	out, err := seal.ParseOutput([]byte(stdout))
	require.NoError(t, err)
	assert.Equal(t, id, out.RecordID)

	_, err = out.Bundle()
	assert.ErrorIs(t, err, seal.ErrMalformedOutput, "3 bytes of items cannot hold a nonce")
}

func TestExternalSealer_RoundTrip(t *testing.T) {
	s, keys := helperSealer(t, "seal")
	ctx := context.Background()
	fields := phi.Extract(record)

	sealed, err := s.Seal(ctx, fields)
	require.NoError(t, err)
	assert.Equal(t, 1, keys())
	assert.NotEmpty(t, sealed.Bundle.KeyRef)

	got, err := s.Unseal(ctx, sealed.RecordID, sealed.Bundle)
	require.NoError(t, err)
	assertSameValues(t, fields, got)

	require.NoError(t, s.Destroy(ctx, sealed.Bundle))
	assert.Equal(t, 0, keys())
}

func TestExternalSealer_RejectsMismatchedFields(t *testing.T) {
	s, keys := helperSealer(t, "wrong-fields")

	_, err := s.Seal(context.Background(), phi.Extract(record))
	assert.ErrorIs(t, err, seal.ErrMalformedOutput)
	assert.Equal(t, 0, keys())
}

func TestExternalSealer_Failures(t *testing.T) {
	t.Run("non-zero exit with valid-looking output", func(t *testing.T) {
		s := shellSealer(t, `echo "Record ID: `+uuid.NewString()+`"; exit 4`)
		_, err := s.Seal(context.Background(), phi.Extract(record))
		assert.ErrorIs(t, err, subprocess.ErrCommandFailed)
	})

	t.Run("missing lines", func(t *testing.T) {
		s := shellSealer(t, `cat >/dev/null; echo "Record ID: `+uuid.NewString()+`"`)
		_, err := s.Seal(context.Background(), phi.Extract(record))
		assert.ErrorIs(t, err, seal.ErrMalformedOutput)
	})

	t.Run("missing binary", func(t *testing.T) {
		vault, _ := newVault(t)
		s, err := seal.NewExternalSealer([]string{"deid-sealer-that-does-not-exist"}, time.Second, vault, zerolog.Nop())
		require.NoError(t, err)
		_, err = s.Seal(context.Background(), phi.Extract(record))
		assert.ErrorIs(t, err, subprocess.ErrCommandMissing)
	})
}
