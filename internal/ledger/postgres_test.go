package ledger

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeRow struct {
	values []any
	err    error
}

func (r fakeRow) Scan(dest ...any) error {
	if r.err != nil {
		return r.err
	}
	if len(dest) != len(r.values) {
		return errors.New("column count mismatch")
	}
	for i, d := range dest {
		switch p := d.(type) {
		case *string:
			*p = r.values[i].(string)
		case *[]byte:
			*p = r.values[i].([]byte)
		case *time.Time:
			*p = r.values[i].(time.Time)
		default:
			return errors.New("unsupported destination")
		}
	}
	return nil
}

func TestScanRecord(t *testing.T) {
	created := time.Date(2024, 3, 15, 9, 30, 0, 0, time.UTC)
	row := fakeRow{values: []any{
		"0b0c6a8e-3f1d-4b8a-9c55-2f3e4d5a6b7c", "original/a", "deidentified/b", "note.txt",
		"AES-256-GCM", []byte{1, 2}, []byte{3, 4}, "key-1", created,
	}}

	r, err := scanRecord(row)
	require.NoError(t, err)
	assert.Equal(t, "0b0c6a8e-3f1d-4b8a-9c55-2f3e4d5a6b7c", r.RecordID)
	assert.Equal(t, "deidentified/b", r.DeidentifiedRef)
	assert.Equal(t, "key-1", r.Bundle.KeyRef)
	assert.Equal(t, []byte{1, 2}, r.Bundle.Ciphertext)
	assert.True(t, r.CreatedAt.Equal(created))
}

func TestScanRecord_Errors(t *testing.T) {
	_, err := scanRecord(fakeRow{err: pgx.ErrNoRows})
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = scanRecord(fakeRow{err: errors.New("conn reset")})
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrNotFound)
}

func TestPostgresLedger_MalformedIDIsNotFound(t *testing.T) {
	l := NewPostgresLedger(nil)
	ctx := context.Background()

	_, err := l.GetByRecordID(ctx, "../../etc/passwd")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.ErrorIs(t, l.Delete(ctx, "not-a-uuid"), ErrNotFound)
	assert.Error(t, l.Create(ctx, &Record{RecordID: "not-a-uuid"}))
}
