package ledger

import (
	"context"
	"sync"
)

// MemoryLedger keeps records in process memory.
type MemoryLedger struct {
	mu    sync.RWMutex
	byID  map[string]Record
	byRef map[string]string
}

func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{
		byID:  make(map[string]Record),
		byRef: make(map[string]string),
	}
}

func (l *MemoryLedger) Create(_ context.Context, r *Record) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.byID[r.RecordID]; ok {
		return ErrDuplicateID
	}
	if _, ok := l.byRef[r.DeidentifiedRef]; ok {
		return ErrDuplicateID
	}
	l.byID[r.RecordID] = clone(r)
	l.byRef[r.DeidentifiedRef] = r.RecordID
	return nil
}

func (l *MemoryLedger) GetByRecordID(_ context.Context, recordID string) (*Record, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	r, ok := l.byID[recordID]
	if !ok {
		return nil, ErrNotFound
	}
	out := clone(&r)
	return &out, nil
}

func (l *MemoryLedger) GetByDeidentifiedRef(ctx context.Context, ref string) (*Record, error) {
	l.mu.RLock()
	id, ok := l.byRef[ref]
	l.mu.RUnlock()
	if !ok {
		return nil, ErrNotFound
	}
	return l.GetByRecordID(ctx, id)
}

func (l *MemoryLedger) Delete(_ context.Context, recordID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	r, ok := l.byID[recordID]
	if !ok {
		return ErrNotFound
	}
	delete(l.byID, recordID)
	delete(l.byRef, r.DeidentifiedRef)
	return nil
}

// Len returns the number of stored records.
func (l *MemoryLedger) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.byID)
}

// clone copies the byte slices so callers cannot mutate stored records.
func clone(r *Record) Record {
	out := *r
	out.Bundle.Ciphertext = append([]byte(nil), r.Bundle.Ciphertext...)
	out.Bundle.Nonce = append([]byte(nil), r.Bundle.Nonce...)
	return out
}
