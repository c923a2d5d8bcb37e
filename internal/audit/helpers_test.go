package audit

import (
	"context"
	"fmt"
	"testing"
	"time"
)

var testEpoch = time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)

func testKeyring(t *testing.T) *Keyring {
	t.Helper()
	kr, err := NewKeyring("v1", map[string][]byte{"v1": []byte("test-audit-key")})
	if err != nil {
		t.Fatalf("NewKeyring: %v", err)
	}
	return kr
}

// signedBuild returns a BuildFunc that links e to the observed head.
func signedBuild(kr *Keyring, e AuditEvent, ts time.Time) BuildFunc {
	return func(head ChainHead) (AuditLogRecord, error) {
		seq := head.NextSequence()
		rec := AuditLogRecord{
			ID:                 fmt.Sprintf("rec-%d", seq),
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
			Timestamp:          NormalizeTimestamp(ts),
			SequenceNumber:     seq,
			PreviousLogHash:    head.Hash,
			ThreatIndicators:   []string{},
		}
		rec.IntegrityHash = ComputeIntegrityHash(e, rec.Timestamp, seq, head.Hash)
		rec.DigitalSignature, rec.KeyVersion = kr.Sign(rec.IntegrityHash)
		return rec, nil
	}
}

func appendN(t *testing.T, store Store, kr *Keyring, n int) []AuditLogRecord {
	t.Helper()
	seq := NewSequencer(store, 1)
	out := make([]AuditLogRecord, 0, n)
	for i := 0; i < n; i++ {
		e := sampleEvent()
		e.ResourceID = fmt.Sprintf("p-%d", i)
		rec, err := seq.Append(context.Background(), signedBuild(kr, e, testEpoch.Add(time.Duration(i)*time.Minute)))
		if err != nil {
			t.Fatalf("append %d: %v", i, err)
		}
		out = append(out, rec)
	}
	return out
}
