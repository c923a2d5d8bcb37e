package audit

import (
	"context"
	"sync"
)

// MemoryRepo is an in-memory append-only store useful for tests and local runs.
// It is not durable.
type MemoryRepo struct {
	mu      sync.RWMutex
	records []AuditLogRecord
	closed  bool
}

func NewMemoryRepo() *MemoryRepo { return &MemoryRepo{} }

func (r *MemoryRepo) AppendNext(ctx context.Context, build BuildFunc) (AuditLogRecord, error) {
	if err := ctx.Err(); err != nil {
		return AuditLogRecord{}, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return AuditLogRecord{}, ErrStoreClosed
	}

	head := r.headLocked()
	rec, err := build(head)
	if err != nil {
		return AuditLogRecord{}, err
	}
	if err := checkLinkage(head, rec); err != nil {
		return AuditLogRecord{}, err
	}
	r.records = append(r.records, cloneRecord(rec))
	return cloneRecord(rec), nil
}

func (r *MemoryRepo) Head(ctx context.Context) (ChainHead, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.headLocked(), nil
}

func (r *MemoryRepo) headLocked() ChainHead {
	if len(r.records) == 0 {
		return ChainHead{}
	}
	last := r.records[len(r.records)-1]
	return ChainHead{Sequence: last.SequenceNumber, Hash: last.IntegrityHash}
}

func (r *MemoryRepo) Range(ctx context.Context, from, to uint64, limit int) ([]AuditLogRecord, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]AuditLogRecord, 0)
	for _, rec := range r.records {
		if rec.SequenceNumber < from {
			continue
		}
		if to > 0 && rec.SequenceNumber > to {
			break
		}
		out = append(out, cloneRecord(rec))
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (r *MemoryRepo) Get(ctx context.Context, sequence uint64) (AuditLogRecord, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, rec := range r.records {
		if rec.SequenceNumber == sequence {
			return cloneRecord(rec), nil
		}
	}
	return AuditLogRecord{}, ErrNotFound
}

func (r *MemoryRepo) List(ctx context.Context, f RecordFilter) ([]AuditLogRecord, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]AuditLogRecord, 0)
	n := len(r.records)
	for i := 0; i < n; i++ {
		idx := n - 1 - i
		if f.Ascending {
			idx = i
		}
		rec := r.records[idx]
		if !matchesFilter(rec, f) {
			continue
		}
		out = append(out, cloneRecord(rec))
		if f.Limit > 0 && len(out) >= f.Limit {
			break
		}
	}
	return out, nil
}

func (r *MemoryRepo) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	return nil
}

// Records returns a copy of everything appended so far, oldest first.
func (r *MemoryRepo) Records() []AuditLogRecord {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]AuditLogRecord, len(r.records))
	for i, rec := range r.records {
		out[i] = cloneRecord(rec)
	}
	return out
}
