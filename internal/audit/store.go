package audit

import (
	"context"
	"math"
)

// MaxSequence is the largest sequence number the SQL stores can hold (BIGINT).
const MaxSequence uint64 = math.MaxInt64

// BuildFunc produces the record to append given the chain head observed inside
// the store's atomic section. It must set SequenceNumber to head.NextSequence()
// and PreviousLogHash to head.Hash.
type BuildFunc func(head ChainHead) (AuditLogRecord, error)

// Store is the persistence contract for the ledger.
//
// It MUST be append-only: no Update/Delete methods are provided.
// AppendNext is the store half of the sequence allocator: reading the head and
// inserting the built record happen atomically with respect to every other
// writer, or the store reports ErrSequenceConflict and nothing is written.
type Store interface {
	AppendNext(ctx context.Context, build BuildFunc) (AuditLogRecord, error)
	Head(ctx context.Context) (ChainHead, error)

	// Range returns records with from <= sequence <= to in ascending order.
	// to == 0 means no upper bound; limit <= 0 means no limit.
	Range(ctx context.Context, from, to uint64, limit int) ([]AuditLogRecord, error)
	// Get returns the record with the given sequence number or ErrNotFound.
	Get(ctx context.Context, sequence uint64) (AuditLogRecord, error)
	List(ctx context.Context, f RecordFilter) ([]AuditLogRecord, error)

	Close() error
}

// checkLinkage guards against a BuildFunc that ignored the head it was given.
func checkLinkage(head ChainHead, rec AuditLogRecord) error {
	if rec.SequenceNumber != head.NextSequence() || rec.PreviousLogHash != head.Hash {
		return ErrSequenceConflict
	}
	return nil
}

// sqlSequence converts a sequence number to a BIGINT argument, saturating at
// MaxSequence so oversized bounds never wrap negative.
func sqlSequence(n uint64) int64 {
	if n > MaxSequence {
		return math.MaxInt64
	}
	return int64(n)
}

func matchesFilter(r AuditLogRecord, f RecordFilter) bool {
	if f.UserID != "" && r.UserID != f.UserID {
		return false
	}
	if f.EventType != "" && r.EventType != f.EventType {
		return false
	}
	if f.Action != "" && r.Action != f.Action {
		return false
	}
	if f.AfterSequence > 0 && r.SequenceNumber <= f.AfterSequence {
		return false
	}
	if f.MinRiskScore > 0 && r.RiskScore < f.MinRiskScore {
		return false
	}
	if !f.Since.IsZero() && r.Timestamp.Before(f.Since) {
		return false
	}
	if !f.Until.IsZero() && !r.Timestamp.Before(f.Until) {
		return false
	}
	return true
}

func cloneRecord(r AuditLogRecord) AuditLogRecord {
	if r.ThreatIndicators != nil {
		r.ThreatIndicators = append([]string(nil), r.ThreatIndicators...)
	}
	return r
}
