package reporting

import (
	"context"
	"errors"
	"sort"

	"audit-ledger/internal/audit"
)

var ErrInvalidRequest = errors.New("reporting: invalid request")

const (
	pageSize     = 1000
	topN         = 5
	failedStatus = 400
)

// Repository is the read side of the ledger. *ledger.Ledger implements it.
type Repository interface {
	ListRecords(ctx context.Context, f audit.RecordFilter) ([]audit.AuditLogRecord, error)
}

type Service struct {
	repo Repository
}

func NewService(repo Repository) *Service { return &Service{repo: repo} }

// SecuritySummary aggregates records in [From, To).
func (s *Service) SecuritySummary(ctx context.Context, req SecuritySummaryRequest) (SecuritySummary, error) {
	if req.Range.From.IsZero() || req.Range.To.IsZero() || !req.Range.To.After(req.Range.From) {
		return SecuritySummary{}, ErrInvalidRequest
	}
	if s.repo == nil {
		return SecuritySummary{}, errors.New("reporting: repository not configured")
	}

	out := SecuritySummary{
		Range:         req.Range,
		UserID:        req.UserID,
		ByEventType:   map[string]int{},
		TopIndicators: []IndicatorCount{},
		TopUsers:      []UserRisk{},
	}
	indicators := map[string]int{}
	users := map[string]*UserRisk{}
	riskTotal := 0

	f := audit.RecordFilter{
		UserID:    req.UserID,
		Since:     req.Range.From,
		Until:     req.Range.To,
		Ascending: true,
		Limit:     pageSize,
	}
	for {
		page, err := s.repo.ListRecords(ctx, f)
		if err != nil {
			return SecuritySummary{}, err
		}
		for _, r := range page {
			out.TotalEvents++
			riskTotal += r.RiskScore
			if out.FirstSequence == 0 {
				out.FirstSequence = r.SequenceNumber
			}
			out.LastSequence = r.SequenceNumber

			out.ByEventType[string(r.EventType)]++
			if r.EscalationLevel >= 0 && r.EscalationLevel < len(out.ByEscalationLevel) {
				out.ByEscalationLevel[r.EscalationLevel]++
			}
			if r.PHIAccessed {
				out.PHIAccesses++
			}
			if r.StatusCode >= failedStatus {
				out.FailedRequests++
			}
			if r.Action == audit.ActionDataDeletion {
				out.Deletions++
			}
			if r.RiskScore > out.MaxRiskScore {
				out.MaxRiskScore = r.RiskScore
			}
			flagged := len(r.ThreatIndicators) > 0
			if flagged {
				out.FlaggedEvents++
			}
			for _, ind := range r.ThreatIndicators {
				indicators[ind]++
			}

			if r.UserID == "" {
				continue
			}
			u, ok := users[r.UserID]
			if !ok {
				u = &UserRisk{UserID: r.UserID}
				users[r.UserID] = u
			}
			u.Events++
			if r.RiskScore > u.MaxRisk {
				u.MaxRisk = r.RiskScore
			}
			if flagged {
				u.Flagged++
			}
		}
		if len(page) < pageSize {
			break
		}
		f.AfterSequence = page[len(page)-1].SequenceNumber
	}

	out.UniqueUsers = len(users)
	if out.TotalEvents > 0 {
		out.AverageRiskScore = float64(riskTotal) / float64(out.TotalEvents)
	}

	for ind, n := range indicators {
		out.TopIndicators = append(out.TopIndicators, IndicatorCount{Indicator: ind, Count: n})
	}
	sort.Slice(out.TopIndicators, func(i, j int) bool {
		a, b := out.TopIndicators[i], out.TopIndicators[j]
		if a.Count != b.Count {
			return a.Count > b.Count
		}
		return a.Indicator < b.Indicator
	})

	for _, u := range users {
		out.TopUsers = append(out.TopUsers, *u)
	}
	sort.Slice(out.TopUsers, func(i, j int) bool {
		a, b := out.TopUsers[i], out.TopUsers[j]
		if a.MaxRisk != b.MaxRisk {
			return a.MaxRisk > b.MaxRisk
		}
		if a.Events != b.Events {
			return a.Events > b.Events
		}
		return a.UserID < b.UserID
	})
	if len(out.TopUsers) > topN {
		out.TopUsers = out.TopUsers[:topN]
	}
	return out, nil
}
