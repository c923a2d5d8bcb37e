package audit

import "time"

// AuditEvent is the plain event record handed to the ledger by collaborators
// (request middleware, business controllers, the retention workflow).
// It is never persisted as-is.
type AuditEvent struct {
	// UserID is optional for system and security events.
	UserID     string `json:"user_id,omitempty"`
	Action     Action `json:"action"`
	Resource   string `json:"resource"`
	ResourceID string `json:"resource_id,omitempty"`
	IPAddress  string `json:"ip_address,omitempty"`
	UserAgent  string `json:"user_agent,omitempty"`
	// SessionID is optional; it only feeds the per-user session averages.
	SessionID string `json:"session_id,omitempty"`

	EventType          EventType          `json:"event_type"`
	DataClassification DataClassification `json:"data_classification"`
	PHIAccessed        bool               `json:"phi_accessed"`

	// StatusCode is the outcome status of the audited action; 0 means unknown.
	StatusCode int `json:"status_code,omitempty"`
}

// AuditLogRecord is an immutable, append-only ledger record.
//
// Invariants:
// - SequenceNumber starts at 1 and has no gaps.
// - For every record n > 1, PreviousLogHash equals record n-1's IntegrityHash.
// - Records are never updated or deleted through this package; mutation is only detectable.
type AuditLogRecord struct {
	ID string `json:"id" db:"id"`

	UserID     string `json:"user_id,omitempty" db:"user_id"`
	Action     Action `json:"action" db:"action"`
	Resource   string `json:"resource" db:"resource"`
	ResourceID string `json:"resource_id,omitempty" db:"resource_id"`
	IPAddress  string `json:"ip_address,omitempty" db:"ip_address"`
	UserAgent  string `json:"user_agent,omitempty" db:"user_agent"`
	SessionID  string `json:"session_id,omitempty" db:"session_id"`

	EventType          EventType          `json:"event_type" db:"event_type"`
	DataClassification DataClassification `json:"data_classification" db:"data_classification"`
	PHIAccessed        bool               `json:"phi_accessed" db:"phi_accessed"`
	StatusCode         int                `json:"status_code,omitempty" db:"status_code"`

	// Timestamp is captured once at append time (UTC, microsecond granularity)
	// and is part of the hashed payload.
	Timestamp      time.Time `json:"timestamp" db:"ts"`
	SequenceNumber uint64    `json:"sequence_number" db:"sequence_number"`

	IntegrityHash    string `json:"integrity_hash" db:"integrity_hash"`
	PreviousLogHash  string `json:"previous_log_hash" db:"previous_log_hash"`
	DigitalSignature string `json:"digital_signature" db:"digital_signature"`
	// KeyVersion names the audit key that produced DigitalSignature.
	KeyVersion string `json:"key_version" db:"key_version"`

	AnomalyScore     int      `json:"anomaly_score" db:"anomaly_score"`
	RiskScore        int      `json:"risk_score" db:"risk_score"`
	ThreatIndicators []string `json:"threat_indicators" db:"threat_indicators"`
	EscalationLevel  int      `json:"escalation_level" db:"escalation_level"`

	ServerInstance     string `json:"server_instance,omitempty" db:"server_instance"`
	ApplicationVersion string `json:"application_version,omitempty" db:"application_version"`
}

// Event returns the collaborator-supplied part of the record.
func (r AuditLogRecord) Event() AuditEvent {
	return AuditEvent{
		UserID:             r.UserID,
		Action:             r.Action,
		Resource:           r.Resource,
		ResourceID:         r.ResourceID,
		IPAddress:          r.IPAddress,
		UserAgent:          r.UserAgent,
		SessionID:          r.SessionID,
		EventType:          r.EventType,
		DataClassification: r.DataClassification,
		PHIAccessed:        r.PHIAccessed,
		StatusCode:         r.StatusCode,
	}
}

// ChainHead is the tail of the chain as observed inside an append.
// The zero value is the empty ledger.
type ChainHead struct {
	Sequence uint64 `json:"sequence_number"`
	Hash     string `json:"integrity_hash"`
}

// NextSequence is the sequence number the next appended record must carry.
func (h ChainHead) NextSequence() uint64 { return h.Sequence + 1 }

// RecordFilter narrows ListRecords. Zero values mean "no filter".
type RecordFilter struct {
	UserID       string
	EventType    EventType
	Action       Action
	MinRiskScore int
	Since        time.Time
	Until        time.Time
	// AfterSequence keeps records with a greater sequence number (cursor paging).
	AfterSequence uint64
	// Ascending returns oldest first; the default is newest first.
	Ascending bool
	Limit     int
}

// VerifyRange selects sequence numbers [From, To]. Zero From means 1,
// zero To means "up to the current tail".
type VerifyRange struct {
	From uint64 `json:"from,omitempty"`
	To   uint64 `json:"to,omitempty"`
}

// IntegrityCheckResult is the structured outcome of a verification run.
type IntegrityCheckResult struct {
	IsValid           bool                 `json:"is_valid"`
	Issues            []string             `json:"issues"`
	LastValidSequence *uint64              `json:"last_valid_sequence,omitempty"`
	BrokenChainAt     *uint64              `json:"broken_chain_at,omitempty"`
	RecordsChecked    int                  `json:"records_checked"`
	Violations        []IntegrityViolation `json:"violations,omitempty"`
}

// IntegrityViolation is one failed check. A broken chain is evidence; it is
// reported, never repaired.
type IntegrityViolation struct {
	Sequence uint64    `json:"sequence_number"`
	Check    CheckKind `json:"check"`
	Detail   string    `json:"detail"`
}

type CheckKind string

const (
	CheckContinuity CheckKind = "continuity"
	CheckLinkage    CheckKind = "linkage"
	CheckContent    CheckKind = "content"
	CheckSignature  CheckKind = "signature"
)

// EventType is the category of an audit event. Values are hashed into
// historical records; keep them stable.
type EventType string

const (
	EventTypeUserAction    EventType = "user_action"
	EventTypeSystemEvent   EventType = "system_event"
	EventTypeSecurityEvent EventType = "security_event"
	EventTypeDataAccess    EventType = "data_access"
	EventTypeAdminAction   EventType = "admin_action"
)

func (t EventType) Valid() bool {
	switch t {
	case EventTypeUserAction, EventTypeSystemEvent, EventTypeSecurityEvent, EventTypeDataAccess, EventTypeAdminAction:
		return true
	default:
		return false
	}
}

// DataClassification is the sensitivity of the touched data.
type DataClassification string

const (
	ClassificationPublic       DataClassification = "public"
	ClassificationInternal     DataClassification = "internal"
	ClassificationConfidential DataClassification = "confidential"
	ClassificationRestricted   DataClassification = "restricted"
)

func (c DataClassification) Valid() bool {
	switch c {
	case ClassificationPublic, ClassificationInternal, ClassificationConfidential, ClassificationRestricted:
		return true
	default:
		return false
	}
}

// Action is the audited verb. Keep stable.
type Action string

const (
	ActionRead             Action = "READ"
	ActionCreate           Action = "CREATE"
	ActionUpdate           Action = "UPDATE"
	ActionDelete           Action = "DELETE"
	ActionLogin            Action = "LOGIN"
	ActionLoginFailed      Action = "LOGIN_FAILED"
	ActionLogout           Action = "LOGOUT"
	ActionAdminAccess      Action = "ADMIN_ACCESS"
	ActionPermissionChange Action = "PERMISSION_CHANGE"
	ActionRoleChange       Action = "ROLE_CHANGE"
	ActionExport           Action = "EXPORT"
	ActionBulkRead         Action = "BULK_READ"
	ActionPHIAccess        Action = "PHI_ACCESS"
	ActionDataDeletion     Action = "DATA_DELETION"
)

var validActions = map[Action]struct{}{
	ActionRead:             {},
	ActionCreate:           {},
	ActionUpdate:           {},
	ActionDelete:           {},
	ActionLogin:            {},
	ActionLoginFailed:      {},
	ActionLogout:           {},
	ActionAdminAccess:      {},
	ActionPermissionChange: {},
	ActionRoleChange:       {},
	ActionExport:           {},
	ActionBulkRead:         {},
	ActionPHIAccess:        {},
	ActionDataDeletion:     {},
}

func (a Action) Valid() bool {
	_, ok := validActions[a]
	return ok
}
