// Package subprocess runs helper programs under a deadline and classifies
// how they failed.
package subprocess

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"time"
)

// DefaultTimeout bounds a run when no timeout is configured.
const DefaultTimeout = 30 * time.Second

var (
	ErrCommandMissing = errors.New("command not found")
	ErrCommandTimeout = errors.New("command timed out")
	ErrCommandFailed  = errors.New("command exited with a non-zero status")
)

// ExitError carries the status of a command that ran and failed.
type ExitError struct {
	Code   int
	Stderr string
}

func (e *ExitError) Error() string {
	return fmt.Sprintf("%s (code %d)", ErrCommandFailed, e.Code)
}

func (e *ExitError) Unwrap() error { return ErrCommandFailed }

// Command is a program and its leading arguments.
type Command struct {
	Argv    []string
	Timeout time.Duration
}

// New validates argv and applies the default timeout.
func New(argv []string, timeout time.Duration) (Command, error) {
	if len(argv) == 0 || strings.TrimSpace(argv[0]) == "" {
		return Command{}, errors.New("command is required")
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return Command{Argv: append([]string(nil), argv...), Timeout: timeout}, nil
}

// Name is the program being run.
func (c Command) Name() string { return c.Argv[0] }

// Result is the captured output of a successful run.
type Result struct {
	Stdout  []byte
	Stderr  []byte
	Elapsed time.Duration
}

// Run executes the command with extra appended to its arguments. A deadline
// hit by the command's own timeout is ErrCommandTimeout; cancellation of ctx
// is returned as ctx.Err().
func (c Command) Run(ctx context.Context, stdin io.Reader, extra ...string) (*Result, error) {
	runCtx, cancel := context.WithTimeout(ctx, c.Timeout)
	defer cancel()

	args := append(append([]string{}, c.Argv[1:]...), extra...)
	cmd := exec.CommandContext(runCtx, c.Argv[0], args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdin = stdin
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	cmd.WaitDelay = time.Second

	start := time.Now()
	err := cmd.Run()
	res := &Result{Stdout: stdout.Bytes(), Stderr: stderr.Bytes(), Elapsed: time.Since(start)}
	if err == nil {
		return res, nil
	}

	switch {
	case errors.Is(err, exec.ErrNotFound), errors.Is(err, os.ErrNotExist):
		return nil, fmt.Errorf("%w: %s", ErrCommandMissing, c.Argv[0])
	case ctx.Err() != nil:
		return nil, ctx.Err()
	case errors.Is(runCtx.Err(), context.DeadlineExceeded):
		return nil, fmt.Errorf("%w after %s", ErrCommandTimeout, c.Timeout)
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return nil, &ExitError{Code: exitErr.ExitCode(), Stderr: strings.TrimSpace(stderr.String())}
	}
	return nil, fmt.Errorf("run %s: %w", c.Argv[0], err)
}
