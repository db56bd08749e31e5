// Package quality scores conversations, samples live sessions on an
// interval, aggregates performance summaries and evaluates alert
// rules. Sub-score weighting is fixed; the scoring heuristics behind
// the sub-scores are pluggable through Scorer.
package quality

import (
	"time"
)

// Sub-score weights. They sum to 1.0.
const (
	weightResponseTime = 0.15
	weightAccuracy     = 0.20
	weightResolution   = 0.25
	weightSentiment    = 0.10
	weightClarity      = 0.10
	weightEngagement   = 0.10
	weightConsistency  = 0.10
)

// SubScores are the seven weighted components of a quality score, each
// in [0,1].
type SubScores struct {
	ResponseTime float64 `json:"responseTime"`
	Accuracy     float64 `json:"accuracy"`
	Resolution   float64 `json:"resolution"`
	Sentiment    float64 `json:"sentiment"`
	Clarity      float64 `json:"clarity"`
	Engagement   float64 `json:"engagement"`
	Consistency  float64 `json:"consistency"`
}

// Analysis is one scored view of a conversation.
type Analysis struct {
	SessionID string    `json:"sessionId"`
	Timestamp time.Time `json:"timestamp"`
	// Score is the weighted combination of SubScores, in [0,1].
	Score     float64   `json:"score"`
	SubScores SubScores `json:"subScores"`
	// Confidence reflects how much conversation there was to score;
	// zero for an empty conversation.
	Confidence float64 `json:"confidence"`
	// MessageCount is how many events fed the analysis.
	MessageCount int `json:"messageCount"`
}

// Sample is one retained monitoring data point.
type Sample struct {
	SessionID      string    `json:"sessionId"`
	AgentID        string    `json:"agentId"`
	Timestamp      time.Time `json:"timestamp"`
	QualityScore   float64   `json:"qualityScore"`
	AvgResponseMs  float64   `json:"avgResponseMs"`
	ErrorRate      float64   `json:"errorRate"`
	MessagesTotal  int64     `json:"messagesTotal"`
	TokensConsumed int64     `json:"tokensConsumed"`
}

// Period selects a summary window.
type Period string

const (
	PeriodHour  Period = "1h"
	PeriodDay   Period = "24h"
	PeriodWeek  Period = "7d"
	PeriodMonth Period = "30d"
)

// periodDurations maps summary periods to their window lengths.
var periodDurations = map[Period]time.Duration{
	PeriodHour:  time.Hour,
	PeriodDay:   24 * time.Hour,
	PeriodWeek:  7 * 24 * time.Hour,
	PeriodMonth: 30 * 24 * time.Hour,
}

// Trend describes metric direction across a summary window.
type Trend string

const (
	TrendImproving Trend = "improving"
	TrendDeclining Trend = "declining"
	TrendStable    Trend = "stable"
)

// Summary aggregates an agent's retained samples over a period.
type Summary struct {
	AgentID         string    `json:"agentId,omitempty"`
	Period          Period    `json:"period"`
	From            time.Time `json:"from"`
	To              time.Time `json:"to"`
	SampleCount     int       `json:"sampleCount"`
	SessionCount    int       `json:"sessionCount"`
	AvgQualityScore float64   `json:"avgQualityScore"`
	AvgResponseMs   float64   `json:"avgResponseMs"`
	AvgErrorRate    float64   `json:"avgErrorRate"`
	TotalMessages   int64     `json:"totalMessages"`
	TotalTokens     int64     `json:"totalTokens"`
	Escalations     int       `json:"escalations"`
	// EscalationRate is escalations per session seen in the window.
	EscalationRate  float64  `json:"escalationRate"`
	QualityTrend    Trend    `json:"qualityTrend"`
	ResponseTrend   Trend    `json:"responseTrend"`
	Recommendations []string `json:"recommendations,omitempty"`
}

// AlertDirection says which side of the threshold fires.
type AlertDirection string

const (
	AlertAbove  AlertDirection = "above"
	AlertBelow  AlertDirection = "below"
	AlertEquals AlertDirection = "equals"
)

// AlertRule is a stateless threshold watch. Rules re-evaluate against
// current values on every pass; there is no latching, so a breach that
// persists keeps firing.
type AlertRule struct {
	ID        string         `json:"id"`
	Name      string         `json:"name"`
	Metric    string         `json:"metric"` // quality_score | avg_response_ms | error_rate
	Threshold float64        `json:"threshold"`
	Direction AlertDirection `json:"direction"`
}

// Alert is one rule firing against one session's current values.
type Alert struct {
	RuleID    string    `json:"ruleId"`
	RuleName  string    `json:"ruleName"`
	SessionID string    `json:"sessionId"`
	Metric    string    `json:"metric"`
	Value     float64   `json:"value"`
	Threshold float64   `json:"threshold"`
	FiredAt   time.Time `json:"firedAt"`
}
