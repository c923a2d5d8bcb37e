package ledger

import (
	"github.com/prometheus/client_golang/prometheus"
)

const (
	MetricAppendsTotal       = "audit_appends_total"
	MetricAppendDuration     = "audit_append_duration_seconds"
	MetricRiskScore          = "audit_record_risk_score"
	MetricAlertsTotal        = "audit_alerts_total"
	MetricAppendRetriesTotal = "audit_append_retries_total"
	MetricVerificationsTotal = "audit_verifications_total"
	MetricBaselineErrors     = "audit_baseline_errors_total"
)

const (
	StatusSuccess  = "success"
	StatusRejected = "rejected"
	StatusFailure  = "failure"
)

// Metrics holds the ledger's Prometheus collectors. Not registered until
// Register is called.
type Metrics struct {
	appends        *prometheus.CounterVec
	appendDuration prometheus.Histogram
	riskScore      prometheus.Histogram
	alerts         *prometheus.CounterVec
	retries        prometheus.Counter
	verifications  *prometheus.CounterVec
	baselineErrors *prometheus.CounterVec
}

func NewMetrics() *Metrics {
	return &Metrics{
		appends: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: MetricAppendsTotal,
				Help: "Ledger appends by outcome",
			},
			[]string{"status"},
		),
		appendDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    MetricAppendDuration,
			Help:    "Time from validation to persisted record",
			Buckets: []float64{0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
		}),
		riskScore: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    MetricRiskScore,
			Help:    "Risk score of appended records",
			Buckets: []float64{10, 20, 30, 40, 50, 60, 70, 80, 90, 100},
		}),
		alerts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: MetricAlertsTotal,
				Help: "Security alerts by delivery outcome",
			},
			[]string{"outcome"},
		),
		retries: prometheus.NewCounter(prometheus.CounterOpts{
			Name: MetricAppendRetriesTotal,
			Help: "Append attempts retried after a store error or sequence conflict",
		}),
		verifications: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: MetricVerificationsTotal,
				Help: "Integrity verification runs by result",
			},
			[]string{"result"},
		),
		baselineErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: MetricBaselineErrors,
				Help: "Baseline store failures tolerated during appends",
			},
			[]string{"op"},
		),
	}
}

func (m *Metrics) Register(reg prometheus.Registerer) error {
	for _, c := range m.Collectors() {
		if err := reg.Register(c); err != nil {
			return err
		}
	}
	return nil
}

func (m *Metrics) Collectors() []prometheus.Collector {
	return []prometheus.Collector{
		m.appends,
		m.appendDuration,
		m.riskScore,
		m.alerts,
		m.retries,
		m.verifications,
		m.baselineErrors,
	}
}

func (m *Metrics) IncAppend(status string) { m.appends.WithLabelValues(status).Inc() }
func (m *Metrics) ObserveAppend(seconds float64) { m.appendDuration.Observe(seconds) }
func (m *Metrics) ObserveRisk(score int) { m.riskScore.Observe(float64(score)) }
func (m *Metrics) IncAlert(outcome string) { m.alerts.WithLabelValues(outcome).Inc() }
func (m *Metrics) IncRetry() { m.retries.Inc() }
func (m *Metrics) IncBaselineError(op string) { m.baselineErrors.WithLabelValues(op).Inc() }

func (m *Metrics) IncVerification(valid bool) {
	result := "valid"
	if !valid {
		result = "broken"
	}
	m.verifications.WithLabelValues(result).Inc()
}
