package ledger

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ehr/deid/internal/platform/db"
)

const recordColumns = `record_id, original_ref, deidentified_ref, file_name,
	algorithm, ciphertext, nonce, key_ref, created_at`

// PostgresLedger stores records in the correlation_record table.
type PostgresLedger struct {
	pool *pgxpool.Pool
}

func NewPostgresLedger(pool *pgxpool.Pool) *PostgresLedger {
	return &PostgresLedger{pool: pool}
}

func (l *PostgresLedger) Create(ctx context.Context, r *Record) error {
	id, err := uuid.Parse(r.RecordID)
	if err != nil {
		return fmt.Errorf("correlation record id: %w", err)
	}
	_, err = db.Conn(ctx, l.pool).Exec(ctx, `
		INSERT INTO correlation_record (`+recordColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		id, r.OriginalRef, r.DeidentifiedRef, r.FileName,
		r.Bundle.Algorithm, r.Bundle.Ciphertext, r.Bundle.Nonce, r.Bundle.KeyRef, r.CreatedAt,
	)
	if db.IsUniqueViolation(err) {
		return ErrDuplicateID
	}
	if err != nil {
		return fmt.Errorf("insert correlation record: %w", err)
	}
	return nil
}

// GetByRecordID treats an id that is not a UUID as unknown.
func (l *PostgresLedger) GetByRecordID(ctx context.Context, recordID string) (*Record, error) {
	id, err := uuid.Parse(recordID)
	if err != nil {
		return nil, ErrNotFound
	}
	return scanRecord(db.Conn(ctx, l.pool).QueryRow(ctx,
		`SELECT `+recordColumns+` FROM correlation_record WHERE record_id = $1`, id))
}

func (l *PostgresLedger) GetByDeidentifiedRef(ctx context.Context, ref string) (*Record, error) {
	return scanRecord(db.Conn(ctx, l.pool).QueryRow(ctx,
		`SELECT `+recordColumns+` FROM correlation_record WHERE deidentified_ref = $1`, ref))
}

func (l *PostgresLedger) Delete(ctx context.Context, recordID string) error {
	id, err := uuid.Parse(recordID)
	if err != nil {
		return ErrNotFound
	}
	tag, err := db.Conn(ctx, l.pool).Exec(ctx,
		`DELETE FROM correlation_record WHERE record_id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete correlation record: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// Ping checks the pool can reach the database.
func (l *PostgresLedger) Ping(ctx context.Context) error {
	return l.pool.Ping(ctx)
}

func scanRecord(row pgx.Row) (*Record, error) {
	var r Record
	err := row.Scan(
		&r.RecordID, &r.OriginalRef, &r.DeidentifiedRef, &r.FileName,
		&r.Bundle.Algorithm, &r.Bundle.Ciphertext, &r.Bundle.Nonce, &r.Bundle.KeyRef, &r.CreatedAt,
	)
	if db.IsNoRows(err) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan correlation record: %w", err)
	}
	return &r, nil
}
