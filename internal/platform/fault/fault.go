// Package fault defines the error taxonomy shared by every stage of the
// de-identification pipeline. Stages wrap their own failures in a *Error
// carrying a Kind; the HTTP layer only maps the kind to a status code.
package fault

import (
	"context"
	"errors"
	"net/http"
)

// Kind classifies a pipeline failure.
type Kind int

const (
	KindUnknown Kind = iota
	KindValidation
	KindExternalProcess
	KindStorage
	KindPersistence
	KindNotFound
	KindDecryption
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindExternalProcess:
		return "external_process"
	case KindStorage:
		return "storage"
	case KindPersistence:
		return "persistence"
	case KindNotFound:
		return "not_found"
	case KindDecryption:
		return "decryption"
	default:
		return "unknown"
	}
}

// Error is a classified failure. Op names the operation that failed
// (e.g. "ledger.create") and is safe to log.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return e.Op + ": " + e.Kind.String()
	}
	return e.Op + ": " + e.Err.Error()
}

func (e *Error) Unwrap() error { return e.Err }

// New wraps err with a kind. A nil err yields nil.
func New(kind Kind, op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Op: op, Err: err}
}

func Validation(op string, err error) error      { return New(KindValidation, op, err) }
func ExternalProcess(op string, err error) error { return New(KindExternalProcess, op, err) }
func Storage(op string, err error) error         { return New(KindStorage, op, err) }
func Persistence(op string, err error) error     { return New(KindPersistence, op, err) }
func NotFound(op string, err error) error        { return New(KindNotFound, op, err) }
func Decryption(op string, err error) error      { return New(KindDecryption, op, err) }

// KindOf returns the kind of the outermost classified error in the chain.
func KindOf(err error) Kind {
	if err == nil {
		return KindUnknown
	}
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return KindUnknown
}

// Is reports whether err carries the given kind.
func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// IsCancellation reports whether err stems from a cancelled or expired context.
func IsCancellation(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

// HTTPStatus maps a kind to the response status code.
func HTTPStatus(kind Kind) int {
	switch kind {
	case KindValidation:
		return http.StatusBadRequest
	case KindNotFound:
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}
