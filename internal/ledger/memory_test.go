package ledger_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ehr/deid/internal/ledger"
	"github.com/ehr/deid/internal/seal"
)

func newRecord() *ledger.Record {
	return &ledger.Record{
		RecordID:        uuid.NewString(),
		OriginalRef:     "original/" + uuid.NewString(),
		DeidentifiedRef: "deidentified/" + uuid.NewString(),
		FileName:        "note.txt",
		Bundle: seal.Bundle{
			Algorithm:  seal.Algorithm,
			Ciphertext: []byte{1, 2, 3},
			Nonce:      []byte{4, 5, 6},
			KeyRef:     uuid.NewString(),
		},
		CreatedAt: time.Now().UTC(),
	}
}

func TestMemoryLedger_CreateAndGet(t *testing.T) {
	ctx := context.Background()
	l := ledger.NewMemoryLedger()
	rec := newRecord()

	require.NoError(t, l.Create(ctx, rec))

	byID, err := l.GetByRecordID(ctx, rec.RecordID)
	require.NoError(t, err)
	assert.Equal(t, rec, byID)

	byRef, err := l.GetByDeidentifiedRef(ctx, rec.DeidentifiedRef)
	require.NoError(t, err)
	assert.Equal(t, rec.RecordID, byRef.RecordID)
}

func TestMemoryLedger_NotFound(t *testing.T) {
	ctx := context.Background()
	l := ledger.NewMemoryLedger()

	_, err := l.GetByRecordID(ctx, "nope")
	assert.ErrorIs(t, err, ledger.ErrNotFound)
	_, err = l.GetByDeidentifiedRef(ctx, "nope")
	assert.ErrorIs(t, err, ledger.ErrNotFound)
	assert.ErrorIs(t, l.Delete(ctx, "nope"), ledger.ErrNotFound)
}

func TestMemoryLedger_NeverOverwrites(t *testing.T) {
	ctx := context.Background()
	l := ledger.NewMemoryLedger()
	first := newRecord()
	require.NoError(t, l.Create(ctx, first))

	sameID := newRecord()
	sameID.RecordID = first.RecordID
	assert.ErrorIs(t, l.Create(ctx, sameID), ledger.ErrDuplicateID)

	sameRef := newRecord()
	sameRef.DeidentifiedRef = first.DeidentifiedRef
	assert.ErrorIs(t, l.Create(ctx, sameRef), ledger.ErrDuplicateID)

	got, err := l.GetByRecordID(ctx, first.RecordID)
	require.NoError(t, err)
	assert.Equal(t, first.OriginalRef, got.OriginalRef)
	assert.Equal(t, 1, l.Len())
}

func TestMemoryLedger_DeleteRemovesBothIndexes(t *testing.T) {
	ctx := context.Background()
	l := ledger.NewMemoryLedger()
	rec := newRecord()
	require.NoError(t, l.Create(ctx, rec))

	require.NoError(t, l.Delete(ctx, rec.RecordID))

	_, err := l.GetByRecordID(ctx, rec.RecordID)
	assert.ErrorIs(t, err, ledger.ErrNotFound)
	_, err = l.GetByDeidentifiedRef(ctx, rec.DeidentifiedRef)
	assert.ErrorIs(t, err, ledger.ErrNotFound)

	require.NoError(t, l.Create(ctx, rec), "a deleted id can be created again")
}

func TestMemoryLedger_StoredRecordIsImmutable(t *testing.T) {
	ctx := context.Background()
	l := ledger.NewMemoryLedger()
	rec := newRecord()
	require.NoError(t, l.Create(ctx, rec))

	rec.Bundle.Ciphertext[0] = 0xff
	got, err := l.GetByRecordID(ctx, rec.RecordID)
	require.NoError(t, err)
	assert.Equal(t, byte(1), got.Bundle.Ciphertext[0])

	got.Bundle.Nonce[0] = 0xff
	again, err := l.GetByRecordID(ctx, rec.RecordID)
	require.NoError(t, err)
	assert.Equal(t, byte(4), again.Bundle.Nonce[0])
}

func TestMemoryLedger_ConcurrentCreateSameID(t *testing.T) {
	ctx := context.Background()
	l := ledger.NewMemoryLedger()
	id := uuid.NewString()

	const n = 32
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		succeeded int
		dupes     int
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			rec := newRecord()
			rec.RecordID = id
			err := l.Create(ctx, rec)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				succeeded++
			case errors.Is(err, ledger.ErrDuplicateID):
				dupes++
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, succeeded)
	assert.Equal(t, n-1, dupes)
	assert.Equal(t, 1, l.Len())
}

func TestMemoryLedger_ConcurrentDistinctRecords(t *testing.T) {
	ctx := context.Background()
	l := ledger.NewMemoryLedger()

	const n = 64
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, l.Create(ctx, newRecord()))
		}()
	}
	wg.Wait()
	assert.Equal(t, n, l.Len())
}
