package phi

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/ehr/deid/internal/platform/subprocess"
)

// Failures of the external redactor. The first three come from the
// subprocess runner.
var (
	ErrCommandMissing = subprocess.ErrCommandMissing
	ErrCommandTimeout = subprocess.ErrCommandTimeout
	ErrCommandFailed  = subprocess.ErrCommandFailed
	ErrOutputMissing  = errors.New("redaction command produced no output file")
)

// ExternalRedactor delegates redaction to a program invoked as
// `<command...> <input-file> <output-file>`. Field extraction still runs
// in-process because the program only returns the redacted text, and the
// output is verified before it is accepted.
type ExternalRedactor struct {
	cmd      subprocess.Command
	verifier *PatternRedactor
	logger   zerolog.Logger
}

// NewExternalRedactor builds a redactor around command. extra rules are used
// only to verify the program's output.
func NewExternalRedactor(command []string, timeout time.Duration, logger zerolog.Logger, extra ...Rule) (*ExternalRedactor, error) {
	cmd, err := subprocess.New(command, timeout)
	if err != nil {
		return nil, fmt.Errorf("external redactor: %w", err)
	}
	return &ExternalRedactor{
		cmd:      cmd,
		verifier: NewPatternRedactor(extra...),
		logger:   logger.With().Str("component", "external-redactor").Logger(),
	}, nil
}

// Execute writes the document to a scratch directory, runs the program, and
// reads back the redacted text. The scratch directory is removed on every
// exit path.
func (r *ExternalRedactor) Execute(ctx context.Context, doc Document) (*RedactionResult, error) {
	dir, err := os.MkdirTemp("", "deid-redact-*")
	if err != nil {
		return nil, fmt.Errorf("create scratch dir: %w", err)
	}
	defer func() {
		if rmErr := os.RemoveAll(dir); rmErr != nil {
			r.logger.Warn().Err(rmErr).Str("dir", dir).Msg("failed to remove scratch dir")
		}
	}()

	in := filepath.Join(dir, "input.txt")
	out := filepath.Join(dir, "output.txt")
	if err := os.WriteFile(in, doc.Content, 0o600); err != nil {
		return nil, fmt.Errorf("write scratch input: %w", err)
	}

	res, err := r.cmd.Run(ctx, nil, in, out)
	if err != nil {
		return nil, err
	}
	r.logger.Debug().
		Str("command", r.cmd.Name()).
		Dur("elapsed", res.Elapsed).
		Int("stderr_bytes", len(res.Stderr)).
		Msg("external redaction finished")

	data, err := os.ReadFile(out)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, ErrOutputMissing
		}
		return nil, fmt.Errorf("read redaction output: %w", err)
	}

	fields := Extract(strings.ToValidUTF8(string(doc.Content), "\uFFFD"))
	redacted := string(data)
	if err := r.verifier.verify(redacted, r.verifier.rules(fields)); err != nil {
		return nil, err
	}
	return &RedactionResult{Text: redacted}, nil
}
