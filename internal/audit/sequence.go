package audit

import (
	"context"
	"errors"
	"sync"
	"time"
)

const (
	DefaultMaxAttempts = 3
	defaultBackoff     = 25 * time.Millisecond
)

// Sequencer is the single serialization point of the ledger. It hands out
// strictly increasing, gap-free sequence numbers by holding an in-process lock
// across allocate→hash→persist and delegating to the store's atomic append,
// which in turn protects against writers in other processes.
//
// A failed attempt writes nothing, so a retried sequence number is never
// observed twice.
type Sequencer struct {
	store Store

	mu          sync.Mutex
	maxAttempts int
	backoff     time.Duration

	// OnRetry is called after a failed attempt that will be retried.
	OnRetry func(attempt int, err error)
}

func NewSequencer(store Store, maxAttempts int) *Sequencer {
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}
	return &Sequencer{store: store, maxAttempts: maxAttempts, backoff: defaultBackoff}
}

// Append allocates the next sequence number and persists the record produced by
// build for it. build runs while the lock is held and must be cheap and pure.
func (s *Sequencer) Append(ctx context.Context, build BuildFunc) (AuditLogRecord, error) {
	var (
		lastErr  error
		attempts int
	)
	for attempts < s.maxAttempts {
		attempts++
		rec, err := s.appendOnce(ctx, build)
		if err == nil {
			return rec, nil
		}
		lastErr = err
		if ctx.Err() != nil || IsValidation(err) || errors.Is(err, ErrStoreClosed) || attempts == s.maxAttempts {
			break
		}
		if s.OnRetry != nil {
			s.OnRetry(attempts, err)
		}
		if !sleep(ctx, s.backoff*time.Duration(attempts)) {
			break
		}
	}
	if ctxErr := ctx.Err(); ctxErr != nil && !errors.Is(lastErr, ctxErr) {
		lastErr = errors.Join(lastErr, ctxErr)
	}
	return AuditLogRecord{}, &PersistenceError{Attempts: attempts, Err: lastErr}
}

func (s *Sequencer) appendOnce(ctx context.Context, build BuildFunc) (AuditLogRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.store.AppendNext(ctx, build)
}

// Peek returns the sequence number the next append would receive.
// Informational only: it is stale as soon as it returns.
func (s *Sequencer) Peek(ctx context.Context) (uint64, error) {
	head, err := s.store.Head(ctx)
	if err != nil {
		return 0, err
	}
	return head.NextSequence(), nil
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
