package risk

import (
	"time"

	"audit-ledger/internal/audit"
)

// Threat indicator tags. Stored on records; keep stable.
const (
	IndicatorFailedLogin         = "FAILED_LOGIN_ATTEMPT"
	IndicatorAdminAccess         = "ADMIN_ACCESS_DETECTED"
	IndicatorBulkDataAccess      = "BULK_DATA_ACCESS"
	IndicatorPHIUnusualTime      = "PHI_ACCESS_UNUSUAL_TIME"
	IndicatorPrivilegeEscalation = "PRIVILEGE_ESCALATION_ATTEMPT"
	IndicatorDataExport          = "DATA_EXPORT_ACTIVITY"
)

const (
	anomalyFloor          = 10
	penaltyOutsideHours   = 25
	penaltyUntypicalVerb  = 20
	penaltyHighRiskAction = 15
	penaltyNewPHIAccess   = 30

	riskPHI         = 20
	riskFailedCall  = 15
	anomalyTenths   = 3 // riskScore gains 0.3 per anomaly point
	phiQuietStarts  = 22
	phiQuietEndsAt  = 6
	failedStatusMin = 400
)

var highRiskActions = map[audit.Action]struct{}{
	audit.ActionDelete:           {},
	audit.ActionAdminAccess:      {},
	audit.ActionPermissionChange: {},
}

var eventTypeBase = map[audit.EventType]int{
	audit.EventTypeSecurityEvent: 40,
	audit.EventTypeAdminAction:   30,
	audit.EventTypeDataAccess:    20,
	audit.EventTypeUserAction:    10,
}

var classificationWeight = map[audit.DataClassification]int{
	audit.ClassificationRestricted:   25,
	audit.ClassificationConfidential: 15,
	audit.ClassificationInternal:     5,
	audit.ClassificationPublic:       0,
}

// Assessment is the scoring outcome stored on a record.
type Assessment struct {
	AnomalyScore     int      `json:"anomaly_score"`
	RiskScore        int      `json:"risk_score"`
	ThreatIndicators []string `json:"threat_indicators"`
	EscalationLevel  int      `json:"escalation_level"`
}

// Scorer is pure: the same event, baseline and instant always score the same.
type Scorer struct {
	// Location is the zone hours are evaluated in. Nil means UTC.
	Location *time.Location
}

func NewScorer(loc *time.Location) *Scorer {
	return &Scorer{Location: loc}
}

// Hour returns the hour of at in the scorer's zone.
func (s *Scorer) Hour(at time.Time) int {
	loc := s.Location
	if loc == nil {
		loc = time.UTC
	}
	return at.In(loc).Hour()
}

// Assess scores e at instant at. A nil baseline means the user has no profile
// yet, which is not itself suspicious.
func (s *Scorer) Assess(e audit.AuditEvent, b *Baseline, at time.Time) Assessment {
	anomaly := s.AnomalyScore(e, b, at)
	risk := RiskScore(e, anomaly)
	return Assessment{
		AnomalyScore:     anomaly,
		RiskScore:        risk,
		ThreatIndicators: s.ThreatIndicators(e, at),
		EscalationLevel:  EscalationLevel(risk),
	}
}

func (s *Scorer) AnomalyScore(e audit.AuditEvent, b *Baseline, at time.Time) int {
	score := anomalyFloor
	if b != nil {
		if !b.InNormalHours(s.Hour(at)) {
			score += penaltyOutsideHours
		}
		if !b.HasAction(e.Action) {
			score += penaltyUntypicalVerb
		}
	}
	if IsHighRisk(e.Action) {
		score += penaltyHighRiskAction
	}
	if e.PHIAccessed && (b == nil || !b.HasAction(audit.ActionPHIAccess)) {
		score += penaltyNewPHIAccess
	}
	return clamp(score)
}

// RiskScore is non-decreasing in anomaly with the event held fixed.
func RiskScore(e audit.AuditEvent, anomaly int) int {
	base, ok := eventTypeBase[e.EventType]
	if !ok {
		base = 5
	}
	total := base + classificationWeight[e.DataClassification]
	if e.PHIAccessed {
		total += riskPHI
	}
	if e.StatusCode >= failedStatusMin {
		total += riskFailedCall
	}
	// Work in tenths so 0.3*anomaly rounds half away from zero exactly.
	tenths := total*10 + anomalyTenths*clamp(anomaly)
	return clamp((tenths + 5) / 10)
}

func (s *Scorer) ThreatIndicators(e audit.AuditEvent, at time.Time) []string {
	out := []string{}
	denied := e.StatusCode == 401 || e.StatusCode == 403

	if e.Action == audit.ActionLoginFailed || (e.Action == audit.ActionLogin && denied) {
		out = append(out, IndicatorFailedLogin)
	}
	if e.Action == audit.ActionAdminAccess || e.EventType == audit.EventTypeAdminAction {
		out = append(out, IndicatorAdminAccess)
	}
	if e.Action == audit.ActionBulkRead {
		out = append(out, IndicatorBulkDataAccess)
	}
	if e.PHIAccessed {
		if h := s.Hour(at); h < phiQuietEndsAt || h > phiQuietStarts {
			out = append(out, IndicatorPHIUnusualTime)
		}
	}
	if e.Action == audit.ActionPermissionChange || e.Action == audit.ActionRoleChange {
		if e.EventType != audit.EventTypeAdminAction || e.StatusCode == 403 {
			out = append(out, IndicatorPrivilegeEscalation)
		}
	}
	if e.Action == audit.ActionExport {
		out = append(out, IndicatorDataExport)
	}
	return out
}

func EscalationLevel(risk int) int {
	switch {
	case risk > 80:
		return 3
	case risk > 60:
		return 2
	case risk > 40:
		return 1
	default:
		return 0
	}
}

func IsHighRisk(a audit.Action) bool {
	_, ok := highRiskActions[a]
	return ok
}

func clamp(v int) int {
	if v < 0 {
		return 0
	}
	if v > 100 {
		return 100
	}
	return v
}
