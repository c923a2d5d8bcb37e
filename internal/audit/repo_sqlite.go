package audit

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS audit_log_records (
	id                  TEXT PRIMARY KEY,
	sequence_number     INTEGER NOT NULL UNIQUE CHECK (sequence_number > 0),
	ts                  TEXT NOT NULL,
	user_id             TEXT NOT NULL DEFAULT '',
	action              TEXT NOT NULL,
	resource            TEXT NOT NULL,
	resource_id         TEXT NOT NULL DEFAULT '',
	ip_address          TEXT NOT NULL DEFAULT '',
	user_agent          TEXT NOT NULL DEFAULT '',
	session_id          TEXT NOT NULL DEFAULT '',
	event_type          TEXT NOT NULL,
	data_classification TEXT NOT NULL,
	phi_accessed        INTEGER NOT NULL DEFAULT 0,
	status_code         INTEGER NOT NULL DEFAULT 0,
	integrity_hash      TEXT NOT NULL,
	previous_log_hash   TEXT NOT NULL DEFAULT '',
	digital_signature   TEXT NOT NULL,
	key_version         TEXT NOT NULL,
	anomaly_score       INTEGER NOT NULL,
	risk_score          INTEGER NOT NULL,
	threat_indicators   TEXT NOT NULL DEFAULT '[]',
	escalation_level    INTEGER NOT NULL,
	server_instance     TEXT NOT NULL DEFAULT '',
	application_version TEXT NOT NULL DEFAULT ''
);

CREATE INDEX IF NOT EXISTS idx_audit_records_user ON audit_log_records(user_id, sequence_number);
CREATE INDEX IF NOT EXISTS idx_audit_records_ts ON audit_log_records(ts);

CREATE TRIGGER IF NOT EXISTS audit_log_records_no_update
BEFORE UPDATE ON audit_log_records
BEGIN
	SELECT RAISE(ABORT, 'audit_log_records is append-only');
END;

CREATE TRIGGER IF NOT EXISTS audit_log_records_no_delete
BEFORE DELETE ON audit_log_records
BEGIN
	SELECT RAISE(ABORT, 'audit_log_records is append-only');
END;
`

// SQLiteStore is a single-node durable store on modernc.org/sqlite. All writes
// go through one connection; the UNIQUE sequence constraint rejects a second
// process appending to the same file.
type SQLiteStore struct {
	db *sql.DB

	mu     sync.Mutex
	closed bool
}

// OpenSQLite opens (or creates) the ledger database at path.
func OpenSQLite(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening audit db: %w", err)
	}
	db.SetMaxOpenConns(1)

	for _, stmt := range []string{"PRAGMA journal_mode=WAL", "PRAGMA busy_timeout=5000", sqliteSchema} {
		if _, err := db.Exec(stmt); err != nil {
			if cerr := db.Close(); cerr != nil {
				return nil, fmt.Errorf("initializing audit db: %w (also: close: %v)", err, cerr)
			}
			return nil, fmt.Errorf("initializing audit db: %w", err)
		}
	}
	return &SQLiteStore{db: db}, nil
}

// DB exposes the handle for maintenance tooling.
func (s *SQLiteStore) DB() *sql.DB { return s.db }

func (s *SQLiteStore) AppendNext(ctx context.Context, build BuildFunc) (AuditLogRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return AuditLogRecord{}, ErrStoreClosed
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return AuditLogRecord{}, err
	}
	defer func() { _ = tx.Rollback() }()

	head, err := sqliteHead(ctx, tx)
	if err != nil {
		return AuditLogRecord{}, err
	}
	rec, err := build(head)
	if err != nil {
		return AuditLogRecord{}, err
	}
	if err := checkLinkage(head, rec); err != nil {
		return AuditLogRecord{}, err
	}
	if err := insertRecordSQLite(ctx, tx, rec); err != nil {
		return AuditLogRecord{}, err
	}
	if err := tx.Commit(); err != nil {
		return AuditLogRecord{}, err
	}
	return cloneRecord(rec), nil
}

type rowQueryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func sqliteHead(ctx context.Context, q rowQueryer) (ChainHead, error) {
	const stmt = `SELECT sequence_number, integrity_hash FROM audit_log_records ORDER BY sequence_number DESC LIMIT 1`
	var (
		h   ChainHead
		seq int64
	)
	err := q.QueryRowContext(ctx, stmt).Scan(&seq, &h.Hash)
	if errors.Is(err, sql.ErrNoRows) {
		return ChainHead{}, nil
	}
	if err != nil {
		return ChainHead{}, err
	}
	h.Sequence = uint64(seq)
	return h, nil
}

func insertRecordSQLite(ctx context.Context, tx *sql.Tx, r AuditLogRecord) error {
	indicators, err := encodeIndicators(r.ThreatIndicators)
	if err != nil {
		return err
	}
	q := `INSERT INTO audit_log_records (` + recordColumns + `) VALUES (` +
		strings.TrimSuffix(strings.Repeat("?,", 24), ",") + `)`
	_, err = tx.ExecContext(ctx, q,
		r.ID,
		int64(r.SequenceNumber),
		sqliteTime(r.Timestamp),
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
	if err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed") {
		return ErrSequenceConflict
	}
	return err
}

// sqliteTime stores timestamps as fixed-width UTC text so they sort lexically.
func sqliteTime(t time.Time) any {
	return NormalizeTimestamp(t).Format(TimestampLayout)
}

func (s *SQLiteStore) Head(ctx context.Context) (ChainHead, error) {
	return sqliteHead(ctx, s.db)
}

func (s *SQLiteStore) Range(ctx context.Context, from, to uint64, limit int) ([]AuditLogRecord, error) {
	q := `SELECT ` + recordColumns + ` FROM audit_log_records WHERE sequence_number >= ?`
	args := []any{sqlSequence(from)}
	if to > 0 {
		q += " AND sequence_number <= ?"
		args = append(args, sqlSequence(to))
	}
	q += " ORDER BY sequence_number ASC"
	if limit > 0 {
		q += " LIMIT ?"
		args = append(args, limit)
	}
	return queryRecords(ctx, s.db, q, args...)
}

func (s *SQLiteStore) Get(ctx context.Context, sequence uint64) (AuditLogRecord, error) {
	q := `SELECT ` + recordColumns + ` FROM audit_log_records WHERE sequence_number = ?`
	recs, err := queryRecords(ctx, s.db, q, sqlSequence(sequence))
	if err != nil {
		return AuditLogRecord{}, err
	}
	if len(recs) == 0 {
		return AuditLogRecord{}, ErrNotFound
	}
	return recs[0], nil
}

func (s *SQLiteStore) List(ctx context.Context, f RecordFilter) ([]AuditLogRecord, error) {
	q, args := buildListQuery(f, func(int) string { return "?" }, sqliteTime)
	return queryRecords(ctx, s.db, q, args...)
}

func (s *SQLiteStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.db.Close()
}
