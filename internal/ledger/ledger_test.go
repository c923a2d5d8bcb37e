package ledger

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"audit-ledger/internal/alert"
	"audit-ledger/internal/audit"
	"audit-ledger/internal/risk"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var noon = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

type captureSink struct {
	mu     sync.Mutex
	alerts []alert.SecurityAlert
	reject bool
}

func (s *captureSink) Enqueue(a alert.SecurityAlert) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.reject {
		return false
	}
	s.alerts = append(s.alerts, a)
	return true
}

func (s *captureSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.alerts)
}

type fixture struct {
	ledger    *Ledger
	store     audit.Store
	baselines risk.BaselineStore
	sink      *captureSink
	metrics   *Metrics
}

func newFixture(t *testing.T, store audit.Store, baselines risk.BaselineStore) fixture {
	t.Helper()
	if store == nil {
		store = audit.NewMemoryRepo()
	}
	if baselines == nil {
		baselines = risk.NewMemoryBaselineStore()
	}
	keys, err := audit.NewKeyring("v1", map[string][]byte{"v1": []byte("ledger-test-key")})
	require.NoError(t, err)

	sink := &captureSink{}
	metrics := NewMetrics()
	require.NoError(t, metrics.Register(prometheus.NewRegistry()))

	l, err := New(Deps{
		Store:     store,
		Keys:      keys,
		Baselines: baselines,
		Scorer:    risk.NewScorer(time.UTC),
		Alerts:    sink,
		Metrics:   metrics,
	}, Config{ServerInstance: "test-1", ApplicationVersion: "0.0.0-test"})
	require.NoError(t, err)
	l.clock = func() time.Time { return noon }

	return fixture{ledger: l, store: store, baselines: baselines, sink: sink, metrics: metrics}
}

func readEvent(user string) audit.AuditEvent {
	return audit.AuditEvent{
		UserID:             user,
		Action:             audit.ActionRead,
		Resource:           "sessions",
		ResourceID:         "s-1",
		IPAddress:          "10.0.0.1",
		EventType:          audit.EventTypeUserAction,
		DataClassification: audit.ClassificationInternal,
		StatusCode:         200,
	}
}

func TestAppend_AdminDeleteOfPHIWithoutBaseline(t *testing.T) {
	f := newFixture(t, nil, nil)

	rec, err := f.ledger.Append(context.Background(), audit.AuditEvent{
		UserID:             "admin-1",
		Action:             audit.ActionDelete,
		Resource:           "notes",
		ResourceID:         "n-1",
		EventType:          audit.EventTypeAdminAction,
		DataClassification: audit.ClassificationRestricted,
		PHIAccessed:        true,
		StatusCode:         200,
	})
	require.NoError(t, err)

	assert.Equal(t, uint64(1), rec.SequenceNumber)
	assert.Empty(t, rec.PreviousLogHash)
	assert.Equal(t, 55, rec.AnomalyScore)
	assert.Equal(t, 92, rec.RiskScore)
	assert.Equal(t, 3, rec.EscalationLevel)
	assert.Equal(t, "test-1", rec.ServerInstance)
	assert.Equal(t, "0.0.0-test", rec.ApplicationVersion)
	assert.Equal(t, "v1", rec.KeyVersion)
	assert.NotEmpty(t, rec.ID)
	assert.Equal(t, audit.RecomputeHash(rec), rec.IntegrityHash)

	require.Equal(t, 1, f.sink.count())
	assert.Equal(t, alert.SeverityCritical, f.sink.alerts[0].Severity)
}

func TestAppend_ConcurrentCallersGetOneToN(t *testing.T) {
	f := newFixture(t, nil, nil)
	const n = 50

	var wg sync.WaitGroup
	seqs := make(chan uint64, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			rec, err := f.ledger.Append(context.Background(), readEvent(fmt.Sprintf("user-%d", i%5)))
			if assert.NoError(t, err) {
				seqs <- rec.SequenceNumber
			}
		}(i)
	}
	wg.Wait()
	close(seqs)

	seen := map[uint64]bool{}
	for s := range seqs {
		assert.False(t, seen[s], "duplicate sequence %d", s)
		seen[s] = true
	}
	for s := uint64(1); s <= n; s++ {
		assert.True(t, seen[s], "missing sequence %d", s)
	}

	res, err := f.ledger.Verify(context.Background(), audit.VerifyRange{})
	require.NoError(t, err)
	assert.True(t, res.IsValid, "issues: %v", res.Issues)
	assert.Equal(t, n, res.RecordsChecked)
	assert.Equal(t, float64(n), testutil.ToFloat64(f.metrics.appends.WithLabelValues(StatusSuccess)))
}

func TestAppend_UpdatesBaselineAndLowersAnomaly(t *testing.T) {
	f := newFixture(t, nil, nil)
	ctx := context.Background()

	first, err := f.ledger.Append(ctx, readEvent("u-1"))
	require.NoError(t, err)
	assert.Equal(t, 10, first.AnomalyScore, "no profile yet")

	b, err := f.ledger.GetBaseline(ctx, "u-1")
	require.NoError(t, err)
	assert.Equal(t, []string{"READ"}, b.TypicalActions)
	assert.Equal(t, []string{"10.0.0.1"}, b.NormalLocations)

	export := readEvent("u-1")
	export.Action = audit.ActionExport
	rec, err := f.ledger.Append(ctx, export)
	require.NoError(t, err)
	assert.Equal(t, 30, rec.AnomalyScore, "untypical action against the profile")
	assert.Equal(t, []string{risk.IndicatorDataExport}, rec.ThreatIndicators)
}

func TestAppend_AfterBaselineResetChainStaysValid(t *testing.T) {
	f := newFixture(t, nil, nil)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := f.ledger.Append(ctx, readEvent("u-1"))
		require.NoError(t, err)
	}
	require.NoError(t, f.ledger.ResetBaseline(ctx, "u-1"))
	_, err := f.ledger.GetBaseline(ctx, "u-1")
	require.ErrorIs(t, err, ErrBaselineNotFound)

	rec, err := f.ledger.Append(ctx, readEvent("u-1"))
	require.NoError(t, err)
	assert.Equal(t, 10, rec.AnomalyScore)

	res, err := f.ledger.Verify(ctx, audit.VerifyRange{})
	require.NoError(t, err)
	assert.True(t, res.IsValid, "issues: %v", res.Issues)
	assert.Equal(t, 4, res.RecordsChecked)
}

func TestAppend_ValidationErrorWritesNothing(t *testing.T) {
	f := newFixture(t, nil, nil)
	ctx := context.Background()

	bad := readEvent("u-1")
	bad.EventType = "nonsense"
	_, err := f.ledger.Append(ctx, bad)
	require.True(t, audit.IsValidation(err), "got %v", err)

	head, err := f.ledger.Head(ctx)
	require.NoError(t, err)
	assert.Zero(t, head.Sequence)
	assert.Equal(t, float64(1), testutil.ToFloat64(f.metrics.appends.WithLabelValues(StatusRejected)))
}

type brokenStore struct {
	*audit.MemoryRepo
}

func (brokenStore) AppendNext(context.Context, audit.BuildFunc) (audit.AuditLogRecord, error) {
	return audit.AuditLogRecord{}, errors.New("connection refused")
}

func TestAppend_PersistenceFailureIsSurfaced(t *testing.T) {
	f := newFixture(t, brokenStore{audit.NewMemoryRepo()}, nil)
	ctx := context.Background()

	_, err := f.ledger.Append(ctx, readEvent("u-1"))
	var pe *audit.PersistenceError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, audit.DefaultMaxAttempts, pe.Attempts)

	_, err = f.ledger.GetBaseline(ctx, "u-1")
	assert.ErrorIs(t, err, ErrBaselineNotFound, "failed appends do not touch the baseline")
	assert.Zero(t, f.sink.count())
	assert.Equal(t, float64(1), testutil.ToFloat64(f.metrics.appends.WithLabelValues(StatusFailure)))
	assert.Equal(t, float64(audit.DefaultMaxAttempts-1), testutil.ToFloat64(f.metrics.retries))
}

type downBaselines struct{}

func (downBaselines) Get(context.Context, string) (risk.Baseline, bool, error) {
	return risk.Baseline{}, false, risk.ErrBaselineUnavailable
}

func (downBaselines) Update(context.Context, string, func(*risk.Baseline)) (risk.Baseline, error) {
	return risk.Baseline{}, risk.ErrBaselineUnavailable
}

func (downBaselines) Reset(context.Context, string) error { return risk.ErrBaselineUnavailable }

func TestAppend_BaselineOutageDoesNotBlockWrites(t *testing.T) {
	f := newFixture(t, nil, downBaselines{})

	rec, err := f.ledger.Append(context.Background(), readEvent("u-1"))
	require.NoError(t, err)
	assert.Equal(t, uint64(1), rec.SequenceNumber)
	assert.Equal(t, 10, rec.AnomalyScore)
	assert.Equal(t, float64(1), testutil.ToFloat64(f.metrics.baselineErrors.WithLabelValues("get")))
	assert.Equal(t, float64(1), testutil.ToFloat64(f.metrics.baselineErrors.WithLabelValues("update")))
}

func TestAppend_RejectedAlertDoesNotFailAppend(t *testing.T) {
	f := newFixture(t, nil, nil)
	f.sink.reject = true

	e := readEvent("u-1")
	e.Action = audit.ActionLoginFailed
	e.EventType = audit.EventTypeSecurityEvent
	rec, err := f.ledger.Append(context.Background(), e)
	require.NoError(t, err)
	assert.Contains(t, rec.ThreatIndicators, risk.IndicatorFailedLogin)
}

func TestAppend_QuietEventRaisesNoAlert(t *testing.T) {
	f := newFixture(t, nil, nil)
	_, err := f.ledger.Append(context.Background(), readEvent("u-1"))
	require.NoError(t, err)
	assert.Zero(t, f.sink.count())
}

func TestAppend_SystemEventWithoutUser(t *testing.T) {
	f := newFixture(t, nil, nil)
	rec, err := f.ledger.Append(context.Background(), audit.AuditEvent{
		Action:             audit.ActionUpdate,
		Resource:           "scheduler",
		EventType:          audit.EventTypeSystemEvent,
		DataClassification: audit.ClassificationInternal,
	})
	require.NoError(t, err)
	assert.Equal(t, 10, rec.AnomalyScore)
	assert.Equal(t, 13, rec.RiskScore)
}

func TestRecordDeletion(t *testing.T) {
	f := newFixture(t, nil, nil)
	rec, err := f.ledger.RecordDeletion(context.Background(), DeletionEvent{
		ActorID:     "retention-bot",
		Resource:    "client_records",
		ResourceID:  "c-42",
		PHIAccessed: true,
	})
	require.NoError(t, err)
	assert.Equal(t, audit.ActionDataDeletion, rec.Action)
	assert.Equal(t, audit.EventTypeAdminAction, rec.EventType)
	assert.Equal(t, audit.ClassificationRestricted, rec.DataClassification)
	assert.Contains(t, rec.ThreatIndicators, risk.IndicatorAdminAccess)
	assert.Equal(t, 1, f.sink.count())
}

func TestRebuildBaseline(t *testing.T) {
	f := newFixture(t, nil, nil)
	ctx := context.Background()

	for _, a := range []audit.Action{audit.ActionRead, audit.ActionCreate, audit.ActionRead} {
		e := readEvent("u-1")
		e.Action = a
		_, err := f.ledger.Append(ctx, e)
		require.NoError(t, err)
	}
	_, err := f.ledger.Append(ctx, readEvent("u-2"))
	require.NoError(t, err)

	require.NoError(t, f.ledger.ResetBaseline(ctx, "u-1"))
	b, err := f.ledger.RebuildBaseline(ctx, "u-1")
	require.NoError(t, err)
	assert.Equal(t, []string{"READ", "CREATE"}, b.TypicalActions)
	assert.Equal(t, 3, b.EventCount)

	_, err = f.ledger.RebuildBaseline(ctx, "nobody")
	assert.ErrorIs(t, err, ErrBaselineNotFound)
}

func TestListRecords_DefaultsAndFilters(t *testing.T) {
	f := newFixture(t, nil, nil)
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		_, err := f.ledger.Append(ctx, readEvent("u-1"))
		require.NoError(t, err)
	}
	_, err := f.ledger.Append(ctx, readEvent("u-2"))
	require.NoError(t, err)

	recs, err := f.ledger.ListRecords(ctx, audit.RecordFilter{UserID: "u-1"})
	require.NoError(t, err)
	require.Len(t, recs, 3)
	assert.Equal(t, uint64(3), recs[0].SequenceNumber, "newest first")

	recs, err = f.ledger.ListRecords(ctx, audit.RecordFilter{Limit: 2, Ascending: true})
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.Equal(t, uint64(1), recs[0].SequenceNumber)
}

// tamperedStore serves record 2 with an edited action.
type tamperedStore struct {
	*audit.MemoryRepo
}

func (s tamperedStore) Range(ctx context.Context, from, to uint64, limit int) ([]audit.AuditLogRecord, error) {
	recs, err := s.MemoryRepo.Range(ctx, from, to, limit)
	for i := range recs {
		if recs[i].SequenceNumber == 2 {
			recs[i].Action = audit.ActionDelete
		}
	}
	return recs, err
}

func TestVerify_ReportsTampering(t *testing.T) {
	f := newFixture(t, tamperedStore{audit.NewMemoryRepo()}, nil)
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		_, err := f.ledger.Append(ctx, readEvent("u-1"))
		require.NoError(t, err)
	}

	res, err := f.ledger.Verify(ctx, audit.VerifyRange{})
	require.NoError(t, err)
	assert.False(t, res.IsValid)
	require.NotNil(t, res.BrokenChainAt)
	assert.Equal(t, uint64(2), *res.BrokenChainAt)
	assert.Equal(t, float64(1), testutil.ToFloat64(f.metrics.verifications.WithLabelValues("broken")))
}

func TestNew_RequiresDependencies(t *testing.T) {
	_, err := New(Deps{}, Config{})
	assert.ErrorIs(t, err, ErrMissingDependency)
}
