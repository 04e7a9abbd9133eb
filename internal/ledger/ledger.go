// Package ledger stores correlation records linking a record id to its
// original artifact, redacted artifact and sealed field bundle.
package ledger

import (
	"context"
	"errors"
	"time"

	"github.com/ehr/deid/internal/seal"
)

var (
	ErrNotFound    = errors.New("correlation record not found")
	ErrDuplicateID = errors.New("correlation record already exists")
)

// Record is immutable once created. It is removed only as a whole.
type Record struct {
	RecordID        string      `json:"recordId"`
	OriginalRef     string      `json:"originalRef"`
	DeidentifiedRef string      `json:"deidentifiedRef"`
	FileName        string      `json:"fileName"`
	Bundle          seal.Bundle `json:"bundle"`
	CreatedAt       time.Time   `json:"createdAt"`
}

// Ledger persists records. Create fails with ErrDuplicateID rather than
// overwrite when either the record id or the redacted reference is taken.
type Ledger interface {
	Create(ctx context.Context, r *Record) error
	GetByRecordID(ctx context.Context, recordID string) (*Record, error)
	GetByDeidentifiedRef(ctx context.Context, ref string) (*Record, error)
	Delete(ctx context.Context, recordID string) error
}
