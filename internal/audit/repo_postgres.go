package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"audit-ledger/pkg/utils"

	"github.com/jackc/pgx/v5/pgconn"
)

// PostgresSchema creates the ledger tables.
//
// audit_chain_head is a single-row table holding the chain tail. Every append
// locks it FOR UPDATE, so allocate→insert is serialized across processes; the
// UNIQUE constraint on sequence_number is the backstop that rejects a loser.
// Triggers refuse UPDATE/DELETE on records: mutation must bypass the schema to
// happen at all, and the verifier detects it when it does.
const PostgresSchema = `
CREATE TABLE IF NOT EXISTS audit_log_records (
	id                  UUID PRIMARY KEY,
	sequence_number     BIGINT NOT NULL UNIQUE CHECK (sequence_number > 0),
	ts                  TIMESTAMPTZ NOT NULL,
	user_id             TEXT NOT NULL DEFAULT '',
	action              TEXT NOT NULL,
	resource            TEXT NOT NULL,
	resource_id         TEXT NOT NULL DEFAULT '',
	ip_address          TEXT NOT NULL DEFAULT '',
	user_agent          TEXT NOT NULL DEFAULT '',
	session_id          TEXT NOT NULL DEFAULT '',
	event_type          TEXT NOT NULL,
	data_classification TEXT NOT NULL,
	phi_accessed        BOOLEAN NOT NULL DEFAULT FALSE,
	status_code         INTEGER NOT NULL DEFAULT 0,
	integrity_hash      TEXT NOT NULL,
	previous_log_hash   TEXT NOT NULL DEFAULT '',
	digital_signature   TEXT NOT NULL,
	key_version         TEXT NOT NULL,
	anomaly_score       INTEGER NOT NULL,
	risk_score          INTEGER NOT NULL,
	threat_indicators   TEXT NOT NULL DEFAULT '[]',
	escalation_level    SMALLINT NOT NULL,
	server_instance     TEXT NOT NULL DEFAULT '',
	application_version TEXT NOT NULL DEFAULT ''
);

CREATE INDEX IF NOT EXISTS idx_audit_records_user ON audit_log_records(user_id, sequence_number);
CREATE INDEX IF NOT EXISTS idx_audit_records_ts ON audit_log_records(ts);
CREATE INDEX IF NOT EXISTS idx_audit_records_risk ON audit_log_records(risk_score);

CREATE TABLE IF NOT EXISTS audit_chain_head (
	id              SMALLINT PRIMARY KEY CHECK (id = 1),
	sequence_number BIGINT NOT NULL,
	integrity_hash  TEXT NOT NULL
);

INSERT INTO audit_chain_head (id, sequence_number, integrity_hash)
VALUES (1, 0, '')
ON CONFLICT (id) DO NOTHING;

CREATE OR REPLACE FUNCTION audit_log_records_immutable() RETURNS trigger AS $$
BEGIN
	RAISE EXCEPTION 'audit_log_records is append-only';
END;
$$ LANGUAGE plpgsql;

DROP TRIGGER IF EXISTS audit_log_records_no_update ON audit_log_records;
CREATE TRIGGER audit_log_records_no_update
	BEFORE UPDATE OR DELETE ON audit_log_records
	FOR EACH ROW EXECUTE FUNCTION audit_log_records_immutable();
`

const pgUniqueViolation = "23505"

const recordColumns = `id, sequence_number, ts, user_id, action, resource, resource_id, ip_address,
user_agent, session_id, event_type, data_classification, phi_accessed, status_code,
integrity_hash, previous_log_hash, digital_signature, key_version, anomaly_score, risk_score,
threat_indicators, escalation_level, server_instance, application_version`

// PostgresStore persists the ledger in Postgres through database/sql
// (driver "pgx" from pgx/v5/stdlib).
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) DB() *sql.DB { return s.db }

// EnsureSchema applies PostgresSchema. Safe to run on every start.
func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, PostgresSchema); err != nil {
		return fmt.Errorf("creating audit schema: %w", err)
	}
	return nil
}

func (s *PostgresStore) AppendNext(ctx context.Context, build BuildFunc) (AuditLogRecord, error) {
	var out AuditLogRecord
	err := utils.WithTx(ctx, s.db, &sql.TxOptions{}, func(ctx context.Context, tx *sql.Tx) error {
		head, err := lockChainHead(ctx, tx)
		if err != nil {
			return err
		}
		rec, err := build(head)
		if err != nil {
			return err
		}
		if err := checkLinkage(head, rec); err != nil {
			return err
		}
		if err := insertRecordPG(ctx, tx, rec); err != nil {
			return err
		}
		if err := advanceChainHead(ctx, tx, head, rec); err != nil {
			return err
		}
		out = rec
		return nil
	})
	if err != nil {
		return AuditLogRecord{}, err
	}
	return cloneRecord(out), nil
}

func lockChainHead(ctx context.Context, tx *sql.Tx) (ChainHead, error) {
	// Lock the head row to serialize appends across every writer.
	const q = `
SELECT sequence_number, integrity_hash
FROM audit_chain_head
WHERE id = 1
FOR UPDATE
`
	var (
		h   ChainHead
		seq int64
	)
	if err := tx.QueryRowContext(ctx, q).Scan(&seq, &h.Hash); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ChainHead{}, errors.New("audit: chain head row missing; run EnsureSchema")
		}
		return ChainHead{}, err
	}
	h.Sequence = uint64(seq)
	return h, nil
}

func advanceChainHead(ctx context.Context, tx *sql.Tx, head ChainHead, rec AuditLogRecord) error {
	const q = `
UPDATE audit_chain_head
SET sequence_number = $1, integrity_hash = $2
WHERE id = 1 AND sequence_number = $3
`
	res, err := tx.ExecContext(ctx, q, int64(rec.SequenceNumber), rec.IntegrityHash, int64(head.Sequence))
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n != 1 {
		return ErrSequenceConflict
	}
	return nil
}

func insertRecordPG(ctx context.Context, tx *sql.Tx, r AuditLogRecord) error {
	indicators, err := encodeIndicators(r.ThreatIndicators)
	if err != nil {
		return err
	}
	const q = `
INSERT INTO audit_log_records (` + recordColumns + `) VALUES (
  $1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21,$22,$23,$24
)
`
	_, err = tx.ExecContext(ctx, q,
		r.ID,
		int64(r.SequenceNumber),
		r.Timestamp,
		r.UserID,
		string(r.Action),
		r.Resource,
		r.ResourceID,
		r.IPAddress,
		r.UserAgent,
		r.SessionID,
		string(r.EventType),
		string(r.DataClassification),
		r.PHIAccessed,
		r.StatusCode,
		r.IntegrityHash,
		r.PreviousLogHash,
		r.DigitalSignature,
		r.KeyVersion,
		r.AnomalyScore,
		r.RiskScore,
		indicators,
		r.EscalationLevel,
		r.ServerInstance,
		r.ApplicationVersion,
	)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation {
		return ErrSequenceConflict
	}
	return err
}

func (s *PostgresStore) Head(ctx context.Context) (ChainHead, error) {
	const q = `SELECT sequence_number, integrity_hash FROM audit_chain_head WHERE id = 1`
	var (
		h   ChainHead
		seq int64
	)
	if err := s.db.QueryRowContext(ctx, q).Scan(&seq, &h.Hash); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ChainHead{}, nil
		}
		return ChainHead{}, err
	}
	h.Sequence = uint64(seq)
	return h, nil
}

func (s *PostgresStore) Range(ctx context.Context, from, to uint64, limit int) ([]AuditLogRecord, error) {
	q := `SELECT ` + recordColumns + ` FROM audit_log_records WHERE sequence_number >= $1`
	args := []any{sqlSequence(from)}
	if to > 0 {
		args = append(args, sqlSequence(to))
		q += fmt.Sprintf(" AND sequence_number <= $%d", len(args))
	}
	q += " ORDER BY sequence_number ASC"
	if limit > 0 {
		args = append(args, limit)
		q += fmt.Sprintf(" LIMIT $%d", len(args))
	}
	return queryRecords(ctx, s.db, q, args...)
}

func (s *PostgresStore) Get(ctx context.Context, sequence uint64) (AuditLogRecord, error) {
	q := `SELECT ` + recordColumns + ` FROM audit_log_records WHERE sequence_number = $1`
	recs, err := queryRecords(ctx, s.db, q, sqlSequence(sequence))
	if err != nil {
		return AuditLogRecord{}, err
	}
	if len(recs) == 0 {
		return AuditLogRecord{}, ErrNotFound
	}
	return recs[0], nil
}

func (s *PostgresStore) List(ctx context.Context, f RecordFilter) ([]AuditLogRecord, error) {
	q, args := buildListQuery(f, pgPlaceholder, func(t time.Time) any { return t.UTC() })
	return queryRecords(ctx, s.db, q, args...)
}

func (s *PostgresStore) Close() error { return s.db.Close() }

func pgPlaceholder(n int) string { return fmt.Sprintf("$%d", n) }

// buildListQuery renders the filter with the dialect's placeholder style and
// timestamp encoding.
func buildListQuery(f RecordFilter, placeholder func(n int) string, ts func(time.Time) any) (string, []any) {
	var (
		where []string
		args  []any
	)
	add := func(cond string, v any) {
		args = append(args, v)
		where = append(where, strings.Replace(cond, "?", placeholder(len(args)), 1))
	}
	if f.UserID != "" {
		add("user_id = ?", f.UserID)
	}
	if f.EventType != "" {
		add("event_type = ?", string(f.EventType))
	}
	if f.Action != "" {
		add("action = ?", string(f.Action))
	}
	if f.AfterSequence > 0 {
		add("sequence_number > ?", sqlSequence(f.AfterSequence))
	}
	if f.MinRiskScore > 0 {
		add("risk_score >= ?", f.MinRiskScore)
	}
	if !f.Since.IsZero() {
		add("ts >= ?", ts(f.Since))
	}
	if !f.Until.IsZero() {
		add("ts < ?", ts(f.Until))
	}

	q := "SELECT " + recordColumns + " FROM audit_log_records"
	if len(where) > 0 {
		q += " WHERE " + strings.Join(where, " AND ")
	}
	if f.Ascending {
		q += " ORDER BY sequence_number ASC"
	} else {
		q += " ORDER BY sequence_number DESC"
	}
	if f.Limit > 0 {
		args = append(args, f.Limit)
		q += " LIMIT " + placeholder(len(args))
	}
	return q, args
}

type rowScanner interface {
	Scan(dest ...any) error
}

type queryer interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

func queryRecords(ctx context.Context, db queryer, q string, args ...any) ([]AuditLogRecord, error) {
	rows, err := db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("querying audit records: %w", err)
	}
	defer func() { _ = rows.Close() }()

	out := make([]AuditLogRecord, 0)
	for rows.Next() {
		r, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func scanRecord(row rowScanner) (AuditLogRecord, error) {
	var (
		r              AuditLogRecord
		seq            int64
		action         string
		eventType      string
		classification string
		indicators     string
	)
	if err := row.Scan(
		&r.ID,
		&seq,
		timeColumn{&r.Timestamp},
		&r.UserID,
		&action,
		&r.Resource,
		&r.ResourceID,
		&r.IPAddress,
		&r.UserAgent,
		&r.SessionID,
		&eventType,
		&classification,
		&r.PHIAccessed,
		&r.StatusCode,
		&r.IntegrityHash,
		&r.PreviousLogHash,
		&r.DigitalSignature,
		&r.KeyVersion,
		&r.AnomalyScore,
		&r.RiskScore,
		&indicators,
		&r.EscalationLevel,
		&r.ServerInstance,
		&r.ApplicationVersion,
	); err != nil {
		return AuditLogRecord{}, fmt.Errorf("scanning audit record: %w", err)
	}
	r.SequenceNumber = uint64(seq)
	r.Timestamp = NormalizeTimestamp(r.Timestamp)
	r.Action = Action(action)
	r.EventType = EventType(eventType)
	r.DataClassification = DataClassification(classification)
	tags, err := decodeIndicators(indicators)
	if err != nil {
		return AuditLogRecord{}, fmt.Errorf("decoding threat indicators of sequence %d: %w", seq, err)
	}
	r.ThreatIndicators = tags
	return r, nil
}

func encodeIndicators(tags []string) (string, error) {
	if tags == nil {
		tags = []string{}
	}
	b, err := json.Marshal(tags)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func decodeIndicators(s string) ([]string, error) {
	out := []string{}
	if s == "" {
		return out, nil
	}
	if err := json.Unmarshal([]byte(s), &out); err != nil {
		return nil, err
	}
	return out, nil
}

// timeColumn scans a timestamp stored either natively or as TimestampLayout text.
type timeColumn struct{ t *time.Time }

func (c timeColumn) Scan(src any) error {
	switch v := src.(type) {
	case time.Time:
		*c.t = v
		return nil
	case string:
		return c.parse(v)
	case []byte:
		return c.parse(string(v))
	case nil:
		return errors.New("null timestamp")
	default:
		return fmt.Errorf("unsupported timestamp type %T", src)
	}
}

func (c timeColumn) parse(s string) error {
	t, err := time.Parse(TimestampLayout, s)
	if err != nil {
		t, err = time.Parse(time.RFC3339Nano, s)
		if err != nil {
			return fmt.Errorf("parsing timestamp %q: %w", s, err)
		}
	}
	*c.t = t
	return nil
}
