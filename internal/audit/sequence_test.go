package audit

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"
)

func TestSequencer_ConcurrentAppendsAreGapFree(t *testing.T) {
	repo := NewMemoryRepo()
	kr := testKeyring(t)
	seq := NewSequencer(repo, 3)

	const n = 64
	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			e := sampleEvent()
			e.ResourceID = fmt.Sprintf("p-%d", i)
			if _, err := seq.Append(context.Background(), signedBuild(kr, e, testEpoch)); err != nil {
				errs <- err
			}
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatalf("append: %v", err)
	}

	recs := repo.Records()
	if len(recs) != n {
		t.Fatalf("expected %d records, got %d", n, len(recs))
	}
	for i, r := range recs {
		if r.SequenceNumber != uint64(i+1) {
			t.Fatalf("record %d has sequence %d", i, r.SequenceNumber)
		}
	}
	if res := verifyAll(t, repo, kr, VerifyRange{}); !res.IsValid {
		t.Fatalf("expected valid chain, issues: %v", res.Issues)
	}
}

// flakyStore fails the first `failures` appends with err.
type flakyStore struct {
	*MemoryRepo
	mu       sync.Mutex
	failures int
	err      error
	calls    int
}

func (s *flakyStore) AppendNext(ctx context.Context, build BuildFunc) (AuditLogRecord, error) {
	s.mu.Lock()
	s.calls++
	fail := s.calls <= s.failures
	s.mu.Unlock()
	if fail {
		return AuditLogRecord{}, s.err
	}
	return s.MemoryRepo.AppendNext(ctx, build)
}

func TestSequencer_RetriesConflicts(t *testing.T) {
	store := &flakyStore{MemoryRepo: NewMemoryRepo(), failures: 2, err: ErrSequenceConflict}
	seq := NewSequencer(store, 3)
	seq.backoff = time.Millisecond

	var retries []int
	seq.OnRetry = func(attempt int, err error) { retries = append(retries, attempt) }

	rec, err := seq.Append(context.Background(), signedBuild(testKeyring(t), sampleEvent(), testEpoch))
	if err != nil {
		t.Fatalf("expected success on third attempt, got %v", err)
	}
	if rec.SequenceNumber != 1 {
		t.Fatalf("expected sequence 1, got %d", rec.SequenceNumber)
	}
	if len(retries) != 2 || retries[0] != 1 || retries[1] != 2 {
		t.Fatalf("unexpected retries: %v", retries)
	}
}

func TestSequencer_PersistenceErrorAfterLastAttempt(t *testing.T) {
	boom := errors.New("disk full")
	store := &flakyStore{MemoryRepo: NewMemoryRepo(), failures: 10, err: boom}
	seq := NewSequencer(store, 3)
	seq.backoff = time.Millisecond

	_, err := seq.Append(context.Background(), signedBuild(testKeyring(t), sampleEvent(), testEpoch))
	var pe *PersistenceError
	if !errors.As(err, &pe) {
		t.Fatalf("expected PersistenceError, got %v", err)
	}
	if pe.Attempts != 3 {
		t.Fatalf("expected 3 attempts, got %d", pe.Attempts)
	}
	if !errors.Is(err, boom) {
		t.Fatalf("expected the store error to be wrapped")
	}
	if len(store.Records()) != 0 {
		t.Fatalf("nothing should be written")
	}
	head, _ := store.Head(context.Background())
	if head.NextSequence() != 1 {
		t.Fatalf("failed appends must not consume sequence numbers")
	}
}

func TestSequencer_DoesNotRetryClosedStore(t *testing.T) {
	repo := NewMemoryRepo()
	_ = repo.Close()
	seq := NewSequencer(repo, 5)
	seq.backoff = time.Hour
	retries := 0
	seq.OnRetry = func(int, error) { retries++ }

	_, err := seq.Append(context.Background(), signedBuild(testKeyring(t), sampleEvent(), testEpoch))
	var pe *PersistenceError
	if !errors.As(err, &pe) || !errors.Is(err, ErrStoreClosed) {
		t.Fatalf("expected PersistenceError wrapping ErrStoreClosed, got %v", err)
	}
	if pe.Attempts != 1 || retries != 0 {
		t.Fatalf("closed store must not be retried: attempts %d, retries %d", pe.Attempts, retries)
	}
}

func TestSequencer_DoesNotRetryValidation(t *testing.T) {
	seq := NewSequencer(NewMemoryRepo(), 3)
	calls := 0
	_, err := seq.Append(context.Background(), func(ChainHead) (AuditLogRecord, error) {
		calls++
		return AuditLogRecord{}, &ValidationError{Field: "action", Reason: "is required"}
	})
	if !IsValidation(err) {
		t.Fatalf("expected validation error, got %v", err)
	}
	if calls != 1 {
		t.Fatalf("expected a single attempt, got %d", calls)
	}
}

func TestSequencer_StopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := NewSequencer(NewMemoryRepo(), 3).Append(ctx, signedBuild(testKeyring(t), sampleEvent(), testEpoch))
	var pe *PersistenceError
	if !errors.As(err, &pe) || pe.Attempts != 1 {
		t.Fatalf("expected one attempt, got %v", err)
	}
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestSequencer_Peek(t *testing.T) {
	repo := NewMemoryRepo()
	kr := testKeyring(t)
	appendN(t, repo, kr, 3)

	next, err := NewSequencer(repo, 1).Peek(context.Background())
	if err != nil {
		t.Fatalf("Peek: %v", err)
	}
	if next != 4 {
		t.Fatalf("expected 4, got %d", next)
	}
}

func TestMemoryRepo_RejectsStaleBuild(t *testing.T) {
	repo := NewMemoryRepo()
	_, err := repo.AppendNext(context.Background(), func(head ChainHead) (AuditLogRecord, error) {
		return AuditLogRecord{SequenceNumber: head.NextSequence() + 1}, nil
	})
	if !errors.Is(err, ErrSequenceConflict) {
		t.Fatalf("expected ErrSequenceConflict, got %v", err)
	}
}

func TestMemoryRepo_ListFilters(t *testing.T) {
	repo := NewMemoryRepo()
	kr := testKeyring(t)
	seq := NewSequencer(repo, 1)
	ctx := context.Background()

	add := func(user string, action Action, at time.Time) {
		e := sampleEvent()
		e.UserID = user
		e.Action = action
		if _, err := seq.Append(ctx, signedBuild(kr, e, at)); err != nil {
			t.Fatalf("append: %v", err)
		}
	}
	add("alice", ActionRead, testEpoch)
	add("bob", ActionRead, testEpoch.Add(time.Hour))
	add("alice", ActionExport, testEpoch.Add(2*time.Hour))

	got, _ := repo.List(ctx, RecordFilter{UserID: "alice"})
	if len(got) != 2 || got[0].SequenceNumber != 3 {
		t.Fatalf("expected alice's records newest first, got %+v", got)
	}
	got, _ = repo.List(ctx, RecordFilter{UserID: "alice", Ascending: true, Limit: 1})
	if len(got) != 1 || got[0].SequenceNumber != 1 {
		t.Fatalf("expected oldest alice record, got %+v", got)
	}
	got, _ = repo.List(ctx, RecordFilter{Action: ActionExport})
	if len(got) != 1 || got[0].UserID != "alice" {
		t.Fatalf("expected one export, got %+v", got)
	}
	got, _ = repo.List(ctx, RecordFilter{Since: testEpoch.Add(time.Hour), Until: testEpoch.Add(2 * time.Hour)})
	if len(got) != 1 || got[0].UserID != "bob" {
		t.Fatalf("expected bob's record in window, got %+v", got)
	}
}

func TestMemoryRepo_Closed(t *testing.T) {
	repo := NewMemoryRepo()
	_ = repo.Close()
	_, err := repo.AppendNext(context.Background(), signedBuild(testKeyring(t), sampleEvent(), testEpoch))
	if !errors.Is(err, ErrStoreClosed) {
		t.Fatalf("expected ErrStoreClosed, got %v", err)
	}
}
