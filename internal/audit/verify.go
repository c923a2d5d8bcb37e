package audit

import (
	"context"
	"errors"
	"fmt"
)

const defaultVerifyBatch = 500

// RangeReader is the read-only part of Store the verifier needs.
type RangeReader interface {
	Range(ctx context.Context, from, to uint64, limit int) ([]AuditLogRecord, error)
	Get(ctx context.Context, sequence uint64) (AuditLogRecord, error)
}

// Verifier walks persisted records and confirms sequence continuity, hash-chain
// linkage, content integrity and signature authenticity. It only reads and can
// run concurrently with appends.
type Verifier struct {
	store     RangeReader
	keys      *Keyring
	batchSize int
}

func NewVerifier(store RangeReader, keys *Keyring) *Verifier {
	return &Verifier{store: store, keys: keys, batchSize: defaultVerifyBatch}
}

// Verify checks every record in rng. Chain problems are reported in the result;
// the returned error is only for failures to read the store.
func (v *Verifier) Verify(ctx context.Context, rng VerifyRange) (IntegrityCheckResult, error) {
	from := rng.From
	if from == 0 {
		from = 1
	}
	if from > MaxSequence || rng.To > MaxSequence {
		return IntegrityCheckResult{}, fmt.Errorf("%w: bounds must not exceed %d", ErrInvalidRange, MaxSequence)
	}
	if rng.To != 0 && rng.To < from {
		return IntegrityCheckResult{}, fmt.Errorf("%w: %d..%d", ErrInvalidRange, from, rng.To)
	}

	w := &chainWalk{keys: v.keys, result: IntegrityCheckResult{Issues: []string{}}}

	// Anchor the first record of a partial range to its predecessor.
	if from > 1 {
		anchor, err := v.store.Get(ctx, from-1)
		switch {
		case err == nil:
			w.prev = &anchor
		case errors.Is(err, ErrNotFound):
			w.expectFirst = from
		default:
			return IntegrityCheckResult{}, fmt.Errorf("audit: load anchor record %d: %w", from-1, err)
		}
	} else {
		w.genesis = true
	}

	next := from
	for {
		if err := ctx.Err(); err != nil {
			return IntegrityCheckResult{}, err
		}
		batch, err := v.store.Range(ctx, next, rng.To, v.batchSize)
		if err != nil {
			return IntegrityCheckResult{}, fmt.Errorf("audit: load records from %d: %w", next, err)
		}
		for i := range batch {
			w.check(batch[i])
		}
		if len(batch) < v.batchSize {
			break
		}
		next = batch[len(batch)-1].SequenceNumber + 1
		if rng.To != 0 && next > rng.To {
			break
		}
	}

	w.result.IsValid = len(w.result.Issues) == 0
	return w.result, nil
}

type chainWalk struct {
	keys   *Keyring
	result IntegrityCheckResult

	prev        *AuditLogRecord
	genesis     bool   // the walk starts at sequence 1
	expectFirst uint64 // partial range whose predecessor is missing
	broken      bool
}

func (w *chainWalk) check(rec AuditLogRecord) {
	w.result.RecordsChecked++
	seq := rec.SequenceNumber
	ok := true

	fail := func(kind CheckKind, detail string) {
		ok = false
		w.result.Violations = append(w.result.Violations, IntegrityViolation{Sequence: seq, Check: kind, Detail: detail})
		w.result.Issues = append(w.result.Issues, fmt.Sprintf("sequence %d: %s: %s", seq, kind, detail))
	}

	switch {
	case w.prev != nil:
		if seq != w.prev.SequenceNumber+1 {
			fail(CheckContinuity, fmt.Sprintf("expected sequence %d after %d", w.prev.SequenceNumber+1, w.prev.SequenceNumber))
		}
		if rec.PreviousLogHash != w.prev.IntegrityHash {
			fail(CheckLinkage, fmt.Sprintf("previous hash %s does not match hash %s of sequence %d",
				short(rec.PreviousLogHash), short(w.prev.IntegrityHash), w.prev.SequenceNumber))
		}
	case w.genesis:
		if seq != 1 {
			fail(CheckContinuity, "chain does not start at sequence 1")
		}
		if seq == 1 && rec.PreviousLogHash != "" {
			fail(CheckLinkage, "first record carries a previous hash")
		}
	case w.expectFirst != 0:
		fail(CheckContinuity, fmt.Sprintf("predecessor %d is missing", w.expectFirst-1))
	}

	if got := RecomputeHash(rec); got != rec.IntegrityHash {
		fail(CheckContent, fmt.Sprintf("stored hash %s, recomputed %s", short(rec.IntegrityHash), short(got)))
	}
	if !w.keys.VerifySignature(rec.IntegrityHash, rec.DigitalSignature, rec.KeyVersion) {
		fail(CheckSignature, fmt.Sprintf("signature does not verify under key version %q", rec.KeyVersion))
	}

	if !ok && !w.broken {
		w.broken = true
		at := seq
		w.result.BrokenChainAt = &at
	}
	if ok && !w.broken {
		last := seq
		w.result.LastValidSequence = &last
	}

	w.genesis = false
	w.expectFirst = 0
	r := rec
	w.prev = &r
}

func short(h string) string {
	if len(h) <= 12 {
		if h == "" {
			return "<empty>"
		}
		return h
	}
	return h[:12] + "..."
}
