package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"audit-ledger/internal/alert"
	"audit-ledger/internal/audit"
	"audit-ledger/internal/risk"
	"audit-ledger/pkg/logger"
	"audit-ledger/pkg/tracing"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
)

const (
	DefaultRiskAlertThreshold    = 70
	DefaultAnomalyAlertThreshold = 80

	defaultListLimit = 100
	maxListLimit     = 1000
)

var (
	ErrMissingDependency = errors.New("ledger: missing dependency")
	ErrBaselineNotFound  = errors.New("ledger: baseline not found")
)

// AlertSink receives alerts off the write path. *alert.Dispatcher implements it.
type AlertSink interface {
	Enqueue(a alert.SecurityAlert) bool
}

type Config struct {
	ServerInstance     string
	ApplicationVersion string
	// MaxAttempts bounds allocate+persist retries per append.
	MaxAttempts int

	RiskAlertThreshold    int
	AnomalyAlertThreshold int
}

func (c Config) withDefaults() Config {
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = audit.DefaultMaxAttempts
	}
	if c.RiskAlertThreshold <= 0 {
		c.RiskAlertThreshold = DefaultRiskAlertThreshold
	}
	if c.AnomalyAlertThreshold <= 0 {
		c.AnomalyAlertThreshold = DefaultAnomalyAlertThreshold
	}
	return c
}

type Deps struct {
	Store     audit.Store
	Keys      *audit.Keyring
	Baselines risk.BaselineStore
	Scorer    *risk.Scorer

	// Optional.
	Alerts  AlertSink
	Metrics *Metrics
	Logger  *slog.Logger
}

// Ledger is the write path and query surface of the audit trail.
type Ledger struct {
	store     audit.Store
	seq       *audit.Sequencer
	verifier  *audit.Verifier
	keys      *audit.Keyring
	baselines risk.BaselineStore
	scorer    *risk.Scorer
	alerts    AlertSink
	metrics   *Metrics
	logger    *slog.Logger
	cfg       Config

	clock func() time.Time
	newID func() string
}

func New(d Deps, cfg Config) (*Ledger, error) {
	switch {
	case d.Store == nil:
		return nil, fmt.Errorf("%w: store", ErrMissingDependency)
	case d.Keys == nil:
		return nil, fmt.Errorf("%w: keyring", ErrMissingDependency)
	case d.Baselines == nil:
		return nil, fmt.Errorf("%w: baseline store", ErrMissingDependency)
	}
	if d.Scorer == nil {
		d.Scorer = risk.NewScorer(time.UTC)
	}
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	cfg = cfg.withDefaults()

	l := &Ledger{
		store:     d.Store,
		seq:       audit.NewSequencer(d.Store, cfg.MaxAttempts),
		verifier:  audit.NewVerifier(d.Store, d.Keys),
		keys:      d.Keys,
		baselines: d.Baselines,
		scorer:    d.Scorer,
		alerts:    d.Alerts,
		metrics:   d.Metrics,
		logger:    d.Logger,
		cfg:       cfg,
		clock:     time.Now,
		newID:     uuid.NewString,
	}
	l.seq.OnRetry = func(attempt int, err error) {
		l.logger.Warn("audit append retry", "attempt", attempt, "err", err)
		if l.metrics != nil {
			l.metrics.IncRetry()
		}
	}
	return l, nil
}

// Append validates e, scores it, chains it onto the ledger and returns the
// persisted record. It either returns a fully chained record or an error;
// baseline and alert failures after persistence are logged, never returned.
func (l *Ledger) Append(ctx context.Context, e audit.AuditEvent) (rec audit.AuditLogRecord, err error) {
	start := l.clock()

	if err := e.Validate(); err != nil {
		l.incAppend(StatusRejected)
		return audit.AuditLogRecord{}, err
	}

	ctx, end := tracing.StartSpan(ctx, "ledger.append",
		attribute.String("audit.action", string(e.Action)),
		attribute.String("audit.event_type", string(e.EventType)),
	)
	defer func() { end(err) }()

	at := audit.NormalizeTimestamp(start)
	assessment := l.scorer.Assess(e, l.baselineFor(ctx, e.UserID), at)

	rec, err = l.seq.Append(ctx, func(head audit.ChainHead) (audit.AuditLogRecord, error) {
		return l.build(e, at, assessment, head), nil
	})
	if err != nil {
		l.log(ctx).Error("audit append failed", "action", e.Action, "resource", e.Resource, "user_id", e.UserID, "err", err)
		l.incAppend(StatusFailure)
		return audit.AuditLogRecord{}, err
	}
	tracing.Annotate(ctx, attribute.Int64("audit.sequence_number", int64(rec.SequenceNumber)))

	// The record is committed; the rest must not be undone by the caller's deadline.
	post := context.WithoutCancel(ctx)
	l.observeBaseline(post, e, at)

	if l.metrics != nil {
		l.metrics.IncAppend(StatusSuccess)
		l.metrics.ObserveAppend(l.clock().Sub(start).Seconds())
		l.metrics.ObserveRisk(rec.RiskScore)
	}
	if l.AlertWorthy(rec) {
		l.emitAlert(rec)
	}
	return rec, nil
}

// RecordEvent is the entry point for request middleware and business handlers.
func (l *Ledger) RecordEvent(ctx context.Context, e audit.AuditEvent) (audit.AuditLogRecord, error) {
	return l.Append(ctx, e)
}

// DeletionEvent describes a destructive action taken by the retention workflow.
type DeletionEvent struct {
	ActorID     string
	Resource    string
	ResourceID  string
	IPAddress   string
	UserAgent   string
	PHIAccessed bool
}

// RecordDeletion audits a retention-driven deletion as a restricted admin action.
func (l *Ledger) RecordDeletion(ctx context.Context, d DeletionEvent) (audit.AuditLogRecord, error) {
	return l.Append(ctx, audit.AuditEvent{
		UserID:             d.ActorID,
		Action:             audit.ActionDataDeletion,
		Resource:           d.Resource,
		ResourceID:         d.ResourceID,
		IPAddress:          d.IPAddress,
		UserAgent:          d.UserAgent,
		EventType:          audit.EventTypeAdminAction,
		DataClassification: audit.ClassificationRestricted,
		PHIAccessed:        d.PHIAccessed,
	})
}

func (l *Ledger) build(e audit.AuditEvent, at time.Time, a risk.Assessment, head audit.ChainHead) audit.AuditLogRecord {
	seq := head.NextSequence()
	hash := audit.ComputeIntegrityHash(e, at, seq, head.Hash)
	sig, version := l.keys.Sign(hash)
	return audit.AuditLogRecord{
		ID:                 l.newID(),
		UserID:             e.UserID,
		Action:             e.Action,
		Resource:           e.Resource,
		ResourceID:         e.ResourceID,
		IPAddress:          e.IPAddress,
		UserAgent:          e.UserAgent,
		SessionID:          e.SessionID,
		EventType:          e.EventType,
		DataClassification: e.DataClassification,
		PHIAccessed:        e.PHIAccessed,
		StatusCode:         e.StatusCode,
		Timestamp:          at,
		SequenceNumber:     seq,
		IntegrityHash:      hash,
		PreviousLogHash:    head.Hash,
		DigitalSignature:   sig,
		KeyVersion:         version,
		AnomalyScore:       a.AnomalyScore,
		RiskScore:          a.RiskScore,
		ThreatIndicators:   append([]string{}, a.ThreatIndicators...),
		EscalationLevel:    a.EscalationLevel,
		ServerInstance:     l.cfg.ServerInstance,
		ApplicationVersion: l.cfg.ApplicationVersion,
	}
}

// baselineFor returns nil when the user has no profile or the store is down.
func (l *Ledger) baselineFor(ctx context.Context, userID string) *risk.Baseline {
	if userID == "" {
		return nil
	}
	b, ok, err := l.baselines.Get(ctx, userID)
	if err != nil {
		l.logger.Warn("baseline read failed, scoring without profile", "user_id", userID, "err", err)
		l.incBaselineError("get")
		return nil
	}
	if !ok {
		return nil
	}
	return &b
}

func (l *Ledger) observeBaseline(ctx context.Context, e audit.AuditEvent, at time.Time) {
	if e.UserID == "" {
		return
	}
	hour := l.scorer.Hour(at)
	_, err := l.baselines.Update(ctx, e.UserID, func(b *risk.Baseline) {
		b.Observe(e, at, hour)
	})
	if err != nil {
		l.logger.Warn("baseline update failed", "user_id", e.UserID, "err", err)
		l.incBaselineError("update")
	}
}

// AlertWorthy reports whether rec crosses the alert thresholds.
func (l *Ledger) AlertWorthy(rec audit.AuditLogRecord) bool {
	return rec.RiskScore > l.cfg.RiskAlertThreshold ||
		rec.AnomalyScore > l.cfg.AnomalyAlertThreshold ||
		len(rec.ThreatIndicators) > 0
}

func (l *Ledger) emitAlert(rec audit.AuditLogRecord) {
	if l.alerts == nil {
		return
	}
	if !l.alerts.Enqueue(alert.FromRecord(rec)) {
		l.logger.Warn("security alert not queued", "sequence_number", rec.SequenceNumber)
	}
}

// ListRecords returns records matching f, newest first unless f.Ascending.
// The limit defaults to 100 and is capped at 1000.
func (l *Ledger) ListRecords(ctx context.Context, f audit.RecordFilter) ([]audit.AuditLogRecord, error) {
	switch {
	case f.Limit <= 0:
		f.Limit = defaultListLimit
	case f.Limit > maxListLimit:
		f.Limit = maxListLimit
	}
	return l.store.List(ctx, f)
}

func (l *Ledger) Head(ctx context.Context) (audit.ChainHead, error) {
	return l.store.Head(ctx)
}

func (l *Ledger) GetBaseline(ctx context.Context, userID string) (risk.Baseline, error) {
	b, ok, err := l.baselines.Get(ctx, userID)
	if err != nil {
		return risk.Baseline{}, err
	}
	if !ok {
		return risk.Baseline{}, ErrBaselineNotFound
	}
	return b, nil
}

func (l *Ledger) ResetBaseline(ctx context.Context, userID string) error {
	if err := l.baselines.Reset(ctx, userID); err != nil {
		return err
	}
	l.log(ctx).Info("baseline reset", "user_id", userID)
	return nil
}

// RebuildBaseline replays the user's history into a fresh baseline. A user
// without history ends up with no baseline and ErrBaselineNotFound.
func (l *Ledger) RebuildBaseline(ctx context.Context, userID string) (risk.Baseline, error) {
	history, err := l.store.List(ctx, audit.RecordFilter{UserID: userID, Ascending: true})
	if err != nil {
		return risk.Baseline{}, fmt.Errorf("loading history of %s: %w", userID, err)
	}
	if len(history) == 0 {
		if err := l.baselines.Reset(ctx, userID); err != nil {
			return risk.Baseline{}, err
		}
		return risk.Baseline{}, ErrBaselineNotFound
	}

	b, err := l.baselines.Update(ctx, userID, func(b *risk.Baseline) {
		*b = risk.NewBaseline(userID)
		for _, r := range history {
			b.Observe(r.Event(), r.Timestamp, l.scorer.Hour(r.Timestamp))
		}
	})
	if err != nil {
		return risk.Baseline{}, err
	}
	l.log(ctx).Info("baseline rebuilt", "user_id", userID, "events", len(history))
	return b, nil
}

// Verify checks the chain over rng. A broken chain is a result, not an error.
func (l *Ledger) Verify(ctx context.Context, rng audit.VerifyRange) (res audit.IntegrityCheckResult, err error) {
	ctx, end := tracing.StartSpan(ctx, "ledger.verify",
		attribute.Int64("audit.verify.from", int64(rng.From)),
		attribute.Int64("audit.verify.to", int64(rng.To)),
	)
	defer func() { end(err) }()

	res, err = l.verifier.Verify(ctx, rng)
	if err != nil {
		return audit.IntegrityCheckResult{}, err
	}
	if l.metrics != nil {
		l.metrics.IncVerification(res.IsValid)
	}
	if !res.IsValid {
		l.logger.Warn("audit chain integrity violation",
			"broken_chain_at", *res.BrokenChainAt,
			"issues", len(res.Issues),
			"records_checked", res.RecordsChecked,
		)
	}
	return res, nil
}

// log prefers the request-scoped logger so entries carry the request id.
func (l *Ledger) log(ctx context.Context) *slog.Logger {
	return logger.FromOr(ctx, l.logger)
}

func (l *Ledger) incAppend(status string) {
	if l.metrics != nil {
		l.metrics.IncAppend(status)
	}
}

func (l *Ledger) incBaselineError(op string) {
	if l.metrics != nil {
		l.metrics.IncBaselineError(op)
	}
}
