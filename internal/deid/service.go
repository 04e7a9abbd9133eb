// Package deid runs the de-identification pipeline: redact an uploaded
// document, seal the removed values, store both artifacts and correlate
// them in the ledger. It also serves the reverse lookups.
package deid

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"path"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/ehr/deid/internal/ledger"
	"github.com/ehr/deid/internal/phi"
	"github.com/ehr/deid/internal/platform/blobstore"
	"github.com/ehr/deid/internal/platform/fault"
	"github.com/ehr/deid/internal/platform/subprocess"
	"github.com/ehr/deid/internal/seal"
)

var ErrMissingFileName = errors.New("file name is required")

// rollbackTimeout bounds cleanup after a failed or cancelled upload.
const rollbackTimeout = 10 * time.Second

// TxRunner runs fn atomically. db.Transactor satisfies it.
type TxRunner interface {
	InTx(ctx context.Context, fn func(ctx context.Context) error) error
}

type noTx struct{}

func (noTx) InTx(ctx context.Context, fn func(ctx context.Context) error) error { return fn(ctx) }

// Result is what a successful upload hands back to the caller.
type Result struct {
	RecordID        string
	DeidentifiedRef string
	OriginalRef     string
	FileName        string
}

// Reidentified carries the unsealed field values of one record.
type Reidentified struct {
	RecordID        string       `json:"recordId"`
	DeidentifiedRef string       `json:"deidentifiedFile"`
	FileName        string       `json:"fileName"`
	Fields          phi.FieldSet `json:"fields"`
}

// Artifact is a stored file read back in full.
type Artifact struct {
	FileName    string
	ContentType string
	Content     []byte
}

type Service struct {
	redactor phi.Redactor
	sealer   seal.Sealer
	blobs    blobstore.BlobStore
	ledger   ledger.Ledger
	tx       TxRunner
	logger   zerolog.Logger
	now      func() time.Time
}

type Option func(*Service)

// WithTransactor runs erasure inside tx so the ledger row and the sealing
// key go together.
func WithTransactor(tx TxRunner) Option {
	return func(s *Service) { s.tx = tx }
}

// WithClock overrides the time source used to name redacted artifacts.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

func NewService(redactor phi.Redactor, sealer seal.Sealer, blobs blobstore.BlobStore, l ledger.Ledger, logger zerolog.Logger, opts ...Option) *Service {
	s := &Service{
		redactor: redactor,
		sealer:   sealer,
		blobs:    blobs,
		ledger:   l,
		tx:       noTx{},
		logger:   logger.With().Str("component", "deid").Logger(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Deidentify takes one document through every stage. On any failure,
// including cancellation, whatever was already written is removed before
// the error is returned.
func (s *Service) Deidentify(ctx context.Context, doc phi.Document) (*Result, error) {
	run := &upload{svc: s, stage: StageReceived}
	res, err := run.execute(ctx, doc)
	if err != nil {
		run.rollback(ctx)
		s.logger.Error().
			Str("stage", run.stage.String()).
			Str("kind", fault.KindOf(err).String()).
			Str("record_id", run.recordID).
			Err(err).
			Msg("de-identification failed")
		return nil, &StageError{Stage: run.stage, Err: err}
	}
	s.logger.Info().
		Str("record_id", res.RecordID).
		Str("deidentified_ref", res.DeidentifiedRef).
		Msg("document de-identified")
	return res, nil
}

type undoStep struct {
	name string
	fn   func(ctx context.Context) error
}

// upload tracks one pass through the pipeline.
type upload struct {
	svc      *Service
	stage    Stage
	recordID string
	undo     []undoStep
}

func (u *upload) advance(ctx context.Context, next Stage) error {
	u.stage = next
	if err := ctx.Err(); err != nil {
		return fault.New(next.kind(), next.op(), err)
	}
	return nil
}

func (u *upload) execute(ctx context.Context, doc phi.Document) (*Result, error) {
	s := u.svc

	name := cleanFileName(doc.Name)
	if name == "" {
		return nil, fault.Validation(StageReceived.op(), ErrMissingFileName)
	}

	if err := u.advance(ctx, StageExtracted); err != nil {
		return nil, err
	}
	fields := phi.Extract(strings.ToValidUTF8(string(doc.Content), "\uFFFD"))

	if err := u.advance(ctx, StageRedacted); err != nil {
		return nil, err
	}
	redacted, err := s.redactor.Execute(ctx, phi.Document{Name: name, Content: doc.Content})
	if err != nil {
		return nil, fault.ExternalProcess(StageRedacted.op(), err)
	}

	if err := u.advance(ctx, StageSealed); err != nil {
		return nil, err
	}
	sealed, err := s.sealer.Seal(ctx, fields)
	if err != nil {
		return nil, fault.New(sealKind(err), StageSealed.op(), err)
	}
	u.recordID = sealed.RecordID
	u.onRollback("destroy key", func(ctx context.Context) error {
		return s.sealer.Destroy(ctx, sealed.Bundle)
	})

	if err := u.advance(ctx, StageStoredOriginal); err != nil {
		return nil, err
	}
	original, err := s.blobs.Upload(ctx, blobstore.BlobMetadata{
		Kind:        blobstore.KindOriginal,
		FileName:    name,
		ContentType: "text/plain",
	}, bytes.NewReader(doc.Content))
	if err != nil {
		return nil, fault.Storage(StageStoredOriginal.op(), err)
	}
	u.onRollback("delete original", func(ctx context.Context) error {
		return s.blobs.Delete(ctx, original.ID)
	})

	if err := u.advance(ctx, StageStoredRedacted); err != nil {
		return nil, err
	}
	deidentified, err := s.blobs.Upload(ctx, blobstore.BlobMetadata{
		Kind:        blobstore.KindDeidentified,
		FileName:    fmt.Sprintf("deidentified-%d-%s", s.now().UnixMilli(), name),
		ContentType: "text/plain",
	}, strings.NewReader(redacted.Text))
	if err != nil {
		return nil, fault.Storage(StageStoredRedacted.op(), err)
	}
	u.onRollback("delete redacted", func(ctx context.Context) error {
		return s.blobs.Delete(ctx, deidentified.ID)
	})

	if err := u.advance(ctx, StageCorrelated); err != nil {
		return nil, err
	}
	record := &ledger.Record{
		RecordID:        sealed.RecordID,
		OriginalRef:     original.ID,
		DeidentifiedRef: deidentified.ID,
		FileName:        name,
		Bundle:          sealed.Bundle,
		CreatedAt:       s.now().UTC(),
	}
	if err := s.ledger.Create(ctx, record); err != nil {
		return nil, fault.Persistence(StageCorrelated.op(), err)
	}
	u.onRollback("delete record", func(ctx context.Context) error {
		return s.ledger.Delete(ctx, record.RecordID)
	})

	if err := u.advance(ctx, StageDone); err != nil {
		return nil, err
	}
	return &Result{
		RecordID:        record.RecordID,
		DeidentifiedRef: record.DeidentifiedRef,
		OriginalRef:     record.OriginalRef,
		FileName:        name,
	}, nil
}

func (u *upload) onRollback(name string, fn func(ctx context.Context) error) {
	u.undo = append(u.undo, undoStep{name: name, fn: fn})
}

// rollback undoes completed steps in reverse. It runs detached from ctx so
// a cancelled request still cleans up.
func (u *upload) rollback(ctx context.Context) {
	if len(u.undo) == 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), rollbackTimeout)
	defer cancel()

	for i := len(u.undo) - 1; i >= 0; i-- {
		step := u.undo[i]
		if err := step.fn(ctx); err != nil {
			u.svc.logger.Warn().
				Err(err).
				Str("record_id", u.recordID).
				Str("step", step.name).
				Msg("rollback step failed")
		}
	}
}

// sealKind attributes a sealing failure to the external program when one
// was involved, otherwise to key persistence.
func sealKind(err error) fault.Kind {
	switch {
	case errors.Is(err, seal.ErrMalformedOutput),
		errors.Is(err, subprocess.ErrCommandMissing),
		errors.Is(err, subprocess.ErrCommandFailed),
		errors.Is(err, subprocess.ErrCommandTimeout):
		return fault.KindExternalProcess
	case fault.IsCancellation(err):
		return fault.KindExternalProcess
	default:
		return fault.KindPersistence
	}
}

func cleanFileName(name string) string {
	name = strings.TrimSpace(strings.ReplaceAll(name, "\\", "/"))
	if name == "" {
		return ""
	}
	base := path.Base(name)
	if base == "." || base == "/" || base == ".." {
		return ""
	}
	return base
}

// -- Reverse lookups --

func (s *Service) lookup(op string, get func() (*ledger.Record, error)) (*ledger.Record, error) {
	rec, err := get()
	if errors.Is(err, ledger.ErrNotFound) {
		return nil, fault.NotFound(op, err)
	}
	if err != nil {
		return nil, fault.Persistence(op, err)
	}
	return rec, nil
}

func (s *Service) reidentify(ctx context.Context, op string, rec *ledger.Record) (*Reidentified, error) {
	fields, err := s.sealer.Unseal(ctx, rec.RecordID, rec.Bundle)
	if err != nil {
		if fault.IsCancellation(err) || errors.Is(err, seal.ErrKeyUnavailable) {
			return nil, fault.Persistence(op, err)
		}
		return nil, fault.Decryption(op, err)
	}
	s.logger.Info().Str("record_id", rec.RecordID).Msg("record reidentified")
	return &Reidentified{
		RecordID:        rec.RecordID,
		DeidentifiedRef: rec.DeidentifiedRef,
		FileName:        rec.FileName,
		Fields:          fields,
	}, nil
}

// Reidentify unseals the fields removed from the document of recordID.
func (s *Service) Reidentify(ctx context.Context, recordID string) (*Reidentified, error) {
	const op = "deid.reidentify"
	rec, err := s.lookup(op, func() (*ledger.Record, error) {
		return s.ledger.GetByRecordID(ctx, recordID)
	})
	if err != nil {
		return nil, err
	}
	return s.reidentify(ctx, op, rec)
}

// ReidentifyByReference is Reidentify keyed by the redacted artifact.
func (s *Service) ReidentifyByReference(ctx context.Context, ref string) (*Reidentified, error) {
	const op = "deid.reidentify_by_reference"
	rec, err := s.lookup(op, func() (*ledger.Record, error) {
		return s.ledger.GetByDeidentifiedRef(ctx, ref)
	})
	if err != nil {
		return nil, err
	}
	return s.reidentify(ctx, op, rec)
}

func (s *Service) readArtifact(ctx context.Context, op, ref string, kind blobstore.Kind) (*Artifact, error) {
	data, meta, err := blobstore.ReadAll(ctx, s.blobs, ref)
	if errors.Is(err, blobstore.ErrBlobNotFound) {
		return nil, fault.NotFound(op, err)
	}
	if err != nil {
		return nil, fault.Storage(op, err)
	}
	if meta.Kind != kind {
		return nil, fault.NotFound(op, blobstore.ErrBlobNotFound)
	}
	return &Artifact{FileName: meta.FileName, ContentType: meta.ContentType, Content: data}, nil
}

// Original returns the uploaded bytes of recordID unchanged.
func (s *Service) Original(ctx context.Context, recordID string) (*Artifact, error) {
	const op = "deid.original"
	rec, err := s.lookup(op, func() (*ledger.Record, error) {
		return s.ledger.GetByRecordID(ctx, recordID)
	})
	if err != nil {
		return nil, err
	}
	if rec.OriginalRef == "" {
		return nil, fault.NotFound(op, blobstore.ErrBlobNotFound)
	}
	return s.readArtifact(ctx, op, rec.OriginalRef, blobstore.KindOriginal)
}

// Redacted returns a redacted artifact. Original artifacts are never served
// through it.
func (s *Service) Redacted(ctx context.Context, ref string) (*Artifact, error) {
	return s.readArtifact(ctx, "deid.redacted", ref, blobstore.KindDeidentified)
}

// Erase removes a record for good: the ledger row and sealing key first,
// then both artifacts. Artifact failures are reported after the record is
// already gone.
func (s *Service) Erase(ctx context.Context, recordID string) error {
	const op = "deid.erase"
	rec, err := s.lookup(op, func() (*ledger.Record, error) {
		return s.ledger.GetByRecordID(ctx, recordID)
	})
	if err != nil {
		return err
	}

	err = s.tx.InTx(ctx, func(ctx context.Context) error {
		if err := s.ledger.Delete(ctx, rec.RecordID); err != nil {
			if errors.Is(err, ledger.ErrNotFound) {
				return fault.NotFound(op, err)
			}
			return fault.Persistence(op, err)
		}
		if err := s.sealer.Destroy(ctx, rec.Bundle); err != nil {
			return fault.Persistence(op, fmt.Errorf("destroy key: %w", err))
		}
		return nil
	})
	if err != nil {
		return err
	}

	var errs []error
	for _, ref := range []string{rec.OriginalRef, rec.DeidentifiedRef} {
		if ref == "" {
			continue
		}
		if err := s.blobs.Delete(ctx, ref); err != nil && !errors.Is(err, blobstore.ErrBlobNotFound) {
			errs = append(errs, fmt.Errorf("delete artifact %s: %w", ref, err))
		}
	}
	if err := errors.Join(errs...); err != nil {
		return fault.Storage(op, err)
	}
	s.logger.Info().Str("record_id", rec.RecordID).Msg("record erased")
	return nil
}
