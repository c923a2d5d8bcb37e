package reporting

import "time"

type TimeRange struct {
	From time.Time `json:"from"`
	To   time.Time `json:"to"`
}

// SecuritySummaryRequest asks for aggregated ledger activity over a window.
// UserID optionally narrows it to one subject.
type SecuritySummaryRequest struct {
	Range  TimeRange `json:"range"`
	UserID string    `json:"user_id,omitempty"`
}

type SecuritySummary struct {
	Range  TimeRange `json:"range"`
	UserID string    `json:"user_id,omitempty"`

	TotalEvents int `json:"total_events"`
	UniqueUsers int `json:"unique_users"`

	ByEventType       map[string]int `json:"by_event_type"`
	ByEscalationLevel [4]int         `json:"by_escalation_level"`

	PHIAccesses    int `json:"phi_accesses"`
	FailedRequests int `json:"failed_requests"`
	Deletions      int `json:"deletions"`
	FlaggedEvents  int `json:"flagged_events"`

	AverageRiskScore float64 `json:"average_risk_score"`
	MaxRiskScore     int     `json:"max_risk_score"`

	TopIndicators []IndicatorCount `json:"top_indicators"`
	TopUsers      []UserRisk       `json:"top_users"`

	// FirstSequence and LastSequence bound the records summarized.
	FirstSequence uint64 `json:"first_sequence,omitempty"`
	LastSequence  uint64 `json:"last_sequence,omitempty"`
}

type IndicatorCount struct {
	Indicator string `json:"indicator"`
	Count     int    `json:"count"`
}

// UserRisk ranks the riskiest subjects in the window.
type UserRisk struct {
	UserID  string `json:"user_id"`
	Events  int    `json:"events"`
	MaxRisk int    `json:"max_risk"`
	Flagged int    `json:"flagged"`
}
