package alert

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"audit-ledger/internal/audit"

	"github.com/redis/go-redis/v9"
)

type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// SeverityFor maps an escalation level (0..3) to a severity.
func SeverityFor(level int) Severity {
	switch {
	case level >= 3:
		return SeverityCritical
	case level == 2:
		return SeverityHigh
	case level == 1:
		return SeverityMedium
	default:
		return SeverityLow
	}
}

// SecurityAlert is what ops channels receive for a suspicious record.
type SecurityAlert struct {
	ID               string          `json:"id"`
	Sequence         uint64          `json:"sequence_number"`
	UserID           string          `json:"user_id,omitempty"`
	Action           audit.Action    `json:"action"`
	Resource         string          `json:"resource"`
	ResourceID       string          `json:"resource_id,omitempty"`
	IPAddress        string          `json:"ip_address,omitempty"`
	EventType        audit.EventType `json:"event_type"`
	RiskScore        int             `json:"risk_score"`
	AnomalyScore     int             `json:"anomaly_score"`
	EscalationLevel  int             `json:"escalation_level"`
	Severity         Severity        `json:"severity"`
	ThreatIndicators []string        `json:"threat_indicators"`
	Timestamp        time.Time       `json:"timestamp"`
}

func FromRecord(r audit.AuditLogRecord) SecurityAlert {
	return SecurityAlert{
		ID:               r.ID,
		Sequence:         r.SequenceNumber,
		UserID:           r.UserID,
		Action:           r.Action,
		Resource:         r.Resource,
		ResourceID:       r.ResourceID,
		IPAddress:        r.IPAddress,
		EventType:        r.EventType,
		RiskScore:        r.RiskScore,
		AnomalyScore:     r.AnomalyScore,
		EscalationLevel:  r.EscalationLevel,
		Severity:         SeverityFor(r.EscalationLevel),
		ThreatIndicators: append([]string{}, r.ThreatIndicators...),
		Timestamp:        r.Timestamp,
	}
}

// Notifier delivers an alert to one channel. Delivery is best-effort.
type Notifier interface {
	Notify(ctx context.Context, a SecurityAlert) error
}

// LogNotifier writes alerts to the structured log. It never fails.
type LogNotifier struct {
	Logger *slog.Logger
}

func (n LogNotifier) Notify(ctx context.Context, a SecurityAlert) error {
	l := n.Logger
	if l == nil {
		l = slog.Default()
	}
	l.WarnContext(ctx, "security alert",
		"sequence_number", a.Sequence,
		"user_id", a.UserID,
		"action", a.Action,
		"resource", a.Resource,
		"risk_score", a.RiskScore,
		"anomaly_score", a.AnomalyScore,
		"severity", a.Severity,
		"threat_indicators", a.ThreatIndicators,
	)
	return nil
}

// RedisNotifier pushes alerts as JSON onto a capped list consumed by ops tooling.
type RedisNotifier struct {
	rdb *redis.Client
	key string
	max int64
}

func NewRedisNotifier(rdb *redis.Client, key string, max int64) *RedisNotifier {
	if max <= 0 {
		max = 1000
	}
	return &RedisNotifier{rdb: rdb, key: key, max: max}
}

func (n *RedisNotifier) Notify(ctx context.Context, a SecurityAlert) error {
	data, err := json.Marshal(a)
	if err != nil {
		return err
	}
	_, err = n.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.RPush(ctx, n.key, data)
		pipe.LTrim(ctx, n.key, -n.max, -1)
		return nil
	})
	if err != nil {
		return fmt.Errorf("pushing alert to %s: %w", n.key, err)
	}
	return nil
}

// WebhookNotifier POSTs the alert as JSON (Slack/ops relay).
type WebhookNotifier struct {
	URL    string
	Client *http.Client
}

func (n WebhookNotifier) Notify(ctx context.Context, a SecurityAlert) error {
	body, err := json.Marshal(a)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.URL, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	client := n.Client
	if client == nil {
		client = &http.Client{Timeout: 5 * time.Second}
	}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("posting alert: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("alert webhook returned %d", resp.StatusCode)
	}
	return nil
}

// MultiNotifier fans out to every notifier and joins their errors.
type MultiNotifier []Notifier

func (m MultiNotifier) Notify(ctx context.Context, a SecurityAlert) error {
	var errs []error
	for _, n := range m {
		if err := n.Notify(ctx, a); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
