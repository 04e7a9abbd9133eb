package seal

import (
	"bufio"
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ehr/deid/internal/keyvault"
	"github.com/ehr/deid/internal/phi"
	"github.com/ehr/deid/internal/platform/hipaa"
	"github.com/ehr/deid/internal/platform/subprocess"
)

// Labels of the three lines a sealing program prints on stdout.
const (
	labelRecordID = "Record ID:"
	labelKey      = "Encryption Key:"
	labelItems    = "Encrypted Removed Items:"
)

// ErrMalformedOutput is returned when a sealing program's stdout is missing
// a labelled line or carries values that do not open.
var ErrMalformedOutput = errors.New("sealing command output is malformed")

// Output is the parsed stdout of a sealing program. Items is the nonce
// followed by the ciphertext.
type Output struct {
	RecordID string
	Key      []byte
	Items    []byte
}

// ParseOutput reads the three labelled lines. Unlabelled lines are ignored;
// the first occurrence of a label wins.
func ParseOutput(stdout []byte) (*Output, error) {
	values := make(map[string]string, 3)
	sc := bufio.NewScanner(bytes.NewReader(stdout))
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		for _, label := range []string{labelRecordID, labelKey, labelItems} {
			if _, seen := values[label]; seen {
				continue
			}
			if v, ok := strings.CutPrefix(line, label); ok {
				values[label] = strings.TrimSpace(v)
			}
		}
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMalformedOutput, err)
	}

	for _, label := range []string{labelRecordID, labelKey, labelItems} {
		if values[label] == "" {
			return nil, fmt.Errorf("%w: missing %q line", ErrMalformedOutput, label)
		}
	}

	id, err := uuid.Parse(values[labelRecordID])
	if err != nil {
		return nil, fmt.Errorf("%w: record id: %w", ErrMalformedOutput, err)
	}
	key, err := base64.StdEncoding.DecodeString(values[labelKey])
	if err != nil {
		return nil, fmt.Errorf("%w: encryption key: %w", ErrMalformedOutput, err)
	}
	if len(key) != hipaa.KeySize {
		return nil, fmt.Errorf("%w: encryption key must be %d bytes, got %d", ErrMalformedOutput, hipaa.KeySize, len(key))
	}
	items, err := base64.StdEncoding.DecodeString(values[labelItems])
	if err != nil {
		return nil, fmt.Errorf("%w: encrypted items: %w", ErrMalformedOutput, err)
	}
	return &Output{RecordID: id.String(), Key: key, Items: items}, nil
}

// Bundle splits Items into nonce and ciphertext.
func (o *Output) Bundle() (Bundle, error) {
	enc, err := hipaa.NewPHIEncryptor(o.Key)
	if err != nil {
		return Bundle{}, err
	}
	n := enc.NonceSize()
	if len(o.Items) <= n {
		return Bundle{}, fmt.Errorf("%w: encrypted items shorter than a nonce", ErrMalformedOutput)
	}
	return Bundle{
		Algorithm:  Algorithm,
		Nonce:      append([]byte(nil), o.Items[:n]...),
		Ciphertext: append([]byte(nil), o.Items[n:]...),
	}, nil
}

// WriteOutput prints the three labelled lines for a sealed bundle.
func WriteOutput(w io.Writer, recordID string, key []byte, b Bundle) error {
	items := append(append([]byte(nil), b.Nonce...), b.Ciphertext...)
	_, err := fmt.Fprintf(w, "%s %s\n%s %s\n%s %s\n",
		labelRecordID, recordID,
		labelKey, base64.StdEncoding.EncodeToString(key),
		labelItems, base64.StdEncoding.EncodeToString(items),
	)
	return err
}

// SealStream is the sealing program side of the contract: it reads canonical
// fields from r, seals them under a fresh key and record id, and prints the
// result to w.
func SealStream(r io.Reader, w io.Writer) error {
	data, err := io.ReadAll(r)
	if err != nil {
		return fmt.Errorf("read fields: %w", err)
	}
	fields, err := DecodeFields(data)
	if err != nil {
		return err
	}
	key, err := hipaa.GenerateKey()
	if err != nil {
		return err
	}
	recordID := uuid.NewString()
	b, err := SealWithKey(recordID, fields, key)
	if err != nil {
		return err
	}
	return WriteOutput(w, recordID, key, b)
}

// ExternalSealer runs a sealing program with the canonical fields on stdin.
// The key it prints is moved into the vault; it is never stored with the
// bundle.
type ExternalSealer struct {
	cmd    subprocess.Command
	vault  keyvault.Vault
	logger zerolog.Logger
}

func NewExternalSealer(command []string, timeout time.Duration, vault keyvault.Vault, logger zerolog.Logger) (*ExternalSealer, error) {
	cmd, err := subprocess.New(command, timeout)
	if err != nil {
		return nil, fmt.Errorf("external sealer: %w", err)
	}
	return &ExternalSealer{
		cmd:    cmd,
		vault:  vault,
		logger: logger.With().Str("component", "external-sealer").Logger(),
	}, nil
}

func (s *ExternalSealer) Seal(ctx context.Context, fields phi.FieldSet) (*Sealed, error) {
	payload, err := EncodeFields(fields)
	if err != nil {
		return nil, err
	}

	res, err := s.cmd.Run(ctx, bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	s.logger.Debug().Str("command", s.cmd.Name()).Dur("elapsed", res.Elapsed).Msg("external sealing finished")

	out, err := ParseOutput(res.Stdout)
	if err != nil {
		return nil, err
	}
	b, err := out.Bundle()
	if err != nil {
		return nil, err
	}

	opened, err := UnsealWithKey(out.RecordID, b, out.Key)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMalformedOutput, err)
	}
	if !sameValues(&opened, &fields) {
		return nil, fmt.Errorf("%w: sealed fields differ from the input", ErrMalformedOutput)
	}

	if err := storeKey(ctx, s.vault, &b, out.Key); err != nil {
		return nil, err
	}
	return &Sealed{RecordID: out.RecordID, Bundle: b}, nil
}

func (s *ExternalSealer) Unseal(ctx context.Context, recordID string, b Bundle) (phi.FieldSet, error) {
	return unseal(ctx, s.vault, recordID, b)
}

func (s *ExternalSealer) Destroy(ctx context.Context, b Bundle) error {
	return s.vault.Delete(ctx, b.KeyRef)
}

func sameValues(a, b *phi.FieldSet) bool {
	for _, kind := range phi.AllFieldKinds() {
		av, aok := a.Value(kind)
		bv, bok := b.Value(kind)
		if aok != bok || av != bv {
			return false
		}
	}
	return true
}
