package audit

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// TimestampLayout is the fixed representation of a record timestamp inside the
// hashed payload. Changing it breaks verification of every historical record.
const TimestampLayout = "2006-01-02T15:04:05.000000Z"

// NormalizeTimestamp reduces t to the granularity stored and hashed by the ledger.
func NormalizeTimestamp(t time.Time) time.Time {
	return t.UTC().Truncate(time.Microsecond)
}

// hashPayload fixes the field order of the canonical representation.
// encoding/json emits struct fields in declaration order.
type hashPayload struct {
	Timestamp      string `json:"timestamp"`
	UserID         string `json:"userId"`
	Action         string `json:"action"`
	Resource       string `json:"resource"`
	ResourceID     string `json:"resourceId"`
	IPAddress      string `json:"ipAddress"`
	SequenceNumber uint64 `json:"sequenceNumber"`
	PreviousHash   string `json:"previousHash"`
}

// ComputeIntegrityHash returns the hex SHA-256 digest of the event's critical
// fields plus its chain linkage. Pure and deterministic.
func ComputeIntegrityHash(e AuditEvent, ts time.Time, sequence uint64, previousHash string) string {
	payload, err := json.Marshal(hashPayload{
		Timestamp:      NormalizeTimestamp(ts).Format(TimestampLayout),
		UserID:         e.UserID,
		Action:         string(e.Action),
		Resource:       e.Resource,
		ResourceID:     e.ResourceID,
		IPAddress:      e.IPAddress,
		SequenceNumber: sequence,
		PreviousHash:   previousHash,
	})
	if err != nil {
		// A struct of strings and an integer always marshals.
		panic(fmt.Sprintf("audit: hash payload: %v", err))
	}
	sum := sha256.Sum256(payload)
	return hex.EncodeToString(sum[:])
}

// RecomputeHash recomputes the integrity hash from a stored record's fields.
func RecomputeHash(r AuditLogRecord) string {
	return ComputeIntegrityHash(r.Event(), r.Timestamp, r.SequenceNumber, r.PreviousLogHash)
}

// Keyring holds the audit signing keys by version. New records are signed with
// the current version; historical versions are kept so old records still verify.
type Keyring struct {
	current string
	keys    map[string][]byte
}

// NewKeyring builds a keyring whose current key is keys[current].
func NewKeyring(current string, keys map[string][]byte) (*Keyring, error) {
	if current == "" {
		return nil, errors.New("audit: key version is required")
	}
	k, ok := keys[current]
	if !ok || len(k) == 0 {
		return nil, fmt.Errorf("audit: no key for current version %q", current)
	}
	out := &Keyring{current: current, keys: make(map[string][]byte, len(keys))}
	for v, key := range keys {
		if len(key) == 0 {
			return nil, fmt.Errorf("audit: empty key for version %q", v)
		}
		out.keys[v] = append([]byte(nil), key...)
	}
	return out, nil
}

// CurrentVersion is the version new signatures are produced with.
func (k *Keyring) CurrentVersion() string { return k.current }

// Sign returns the hex HMAC-SHA256 of hash under the current key.
func (k *Keyring) Sign(hash string) (signature, version string) {
	return mac(k.keys[k.current], hash), k.current
}

// VerifySignature reports whether signature is the MAC of hash under the key
// named by version. Unknown versions never verify.
func (k *Keyring) VerifySignature(hash, signature, version string) bool {
	key, ok := k.keys[version]
	if !ok {
		return false
	}
	want, err := hex.DecodeString(mac(key, hash))
	if err != nil {
		return false
	}
	got, err := hex.DecodeString(signature)
	if err != nil {
		return false
	}
	return hmac.Equal(want, got)
}

func mac(key []byte, hash string) string {
	m := hmac.New(sha256.New, key)
	m.Write([]byte(hash))
	return hex.EncodeToString(m.Sum(nil))
}
