package quality

import (
	"time"

	"github.com/google/uuid"

	"github.com/convoflow-dev/convoflow/internal/fault"
)

// Alert metrics.
const (
	MetricQualityScore  = "quality_score"
	MetricAvgResponseMs = "avg_response_ms"
	MetricErrorRate     = "error_rate"
)

var alertMetrics = map[string]bool{
	MetricQualityScore:  true,
	MetricAvgResponseMs: true,
	MetricErrorRate:     true,
}

// CreateAlert registers a threshold watch and returns its ID. Rules
// are stateless: a persisting breach fires on every evaluation pass.
func (m *Monitor) CreateAlert(rule AlertRule) (string, error) {
	if !alertMetrics[rule.Metric] {
		return "", fault.Newf(fault.InvalidState, "unknown alert metric %q", rule.Metric)
	}
	switch rule.Direction {
	case AlertAbove, AlertBelow, AlertEquals:
	default:
		return "", fault.Newf(fault.InvalidState, "unknown alert direction %q", rule.Direction)
	}
	rule.ID = uuid.NewString()

	m.mu.Lock()
	m.rules[rule.ID] = rule
	m.mu.Unlock()
	return rule.ID, nil
}

// DeleteAlert removes a rule. Unknown rules are a no-op.
func (m *Monitor) DeleteAlert(ruleID string) {
	m.mu.Lock()
	delete(m.rules, ruleID)
	m.mu.Unlock()
}

// EvaluateAlerts scores the session now and returns every rule firing
// against its current values.
func (m *Monitor) EvaluateAlerts(sessionID string) ([]Alert, error) {
	info, err := m.registry.Get(sessionID)
	if err != nil {
		return nil, err
	}
	an := m.Analyze(sessionID, m.registry.RecentEvents(sessionID, 0))

	errorRate := 0.0
	if info.Messages > 0 {
		errorRate = float64(info.ErrorCount) / float64(info.Messages)
	}
	return m.evaluate(Sample{
		SessionID:     sessionID,
		Timestamp:     time.Now().UTC(),
		QualityScore:  an.Score,
		AvgResponseMs: info.AvgResponse,
		ErrorRate:     errorRate,
	}), nil
}

func (m *Monitor) evaluate(s Sample) []Alert {
	m.mu.RLock()
	rules := make([]AlertRule, 0, len(m.rules))
	for _, r := range m.rules {
		rules = append(rules, r)
	}
	m.mu.RUnlock()

	var fired []Alert
	for _, r := range rules {
		var value float64
		switch r.Metric {
		case MetricQualityScore:
			value = s.QualityScore
		case MetricAvgResponseMs:
			value = s.AvgResponseMs
		case MetricErrorRate:
			value = s.ErrorRate
		default:
			continue
		}
		var breach bool
		switch r.Direction {
		case AlertAbove:
			breach = value > r.Threshold
		case AlertBelow:
			breach = value < r.Threshold
		case AlertEquals:
			breach = value == r.Threshold
		}
		if !breach {
			continue
		}
		fired = append(fired, Alert{
			RuleID:    r.ID,
			RuleName:  r.Name,
			SessionID: s.SessionID,
			Metric:    r.Metric,
			Value:     value,
			Threshold: r.Threshold,
			FiredAt:   s.Timestamp,
		})
	}
	return fired
}
