package quality

import (
	"fmt"
	"sort"
	"time"

	"github.com/convoflow-dev/convoflow/internal/fault"
)

// Recommendation thresholds for summary generation.
const (
	slowResponseMs     = 3000.0
	highErrorRate      = 0.10
	lowQualityScore    = 0.60
	highEscalationRate = 0.25
	trendSensitivity   = 0.05
)

// GeneratePerformanceSummary aggregates an agent's retained samples in
// the period's window and derives trends and recommendations. An empty
// agentID summarizes every agent together.
func (m *Monitor) GeneratePerformanceSummary(agentID string, period Period) (*Summary, error) {
	window, ok := periodDurations[period]
	if !ok {
		return nil, fault.Newf(fault.InvalidState, "unknown summary period %q", period)
	}

	now := time.Now().UTC()
	from := now.Add(-window)

	m.mu.RLock()
	var inWindow []Sample
	sessions := make(map[string]bool)
	for agent, series := range m.samples {
		if agentID != "" && agent != agentID {
			continue
		}
		for _, s := range series {
			if s.Timestamp.After(from) {
				inWindow = append(inWindow, s)
				sessions[s.SessionID] = true
			}
		}
	}
	escalations := 0
	for agent, stamps := range m.escalations {
		if agentID != "" && agent != agentID {
			continue
		}
		for _, ts := range stamps {
			if ts.After(from) {
				escalations++
			}
		}
	}
	m.mu.RUnlock()

	sum := &Summary{
		AgentID:       agentID,
		Period:        period,
		From:          from,
		To:            now,
		SampleCount:   len(inWindow),
		SessionCount:  len(sessions),
		Escalations:   escalations,
		QualityTrend:  TrendStable,
		ResponseTrend: TrendStable,
	}
	if len(sessions) > 0 {
		sum.EscalationRate = float64(escalations) / float64(len(sessions))
	}
	if len(inWindow) == 0 {
		return sum, nil
	}

	sort.Slice(inWindow, func(i, j int) bool {
		return inWindow[i].Timestamp.Before(inWindow[j].Timestamp)
	})

	var quality, response, errRate float64
	for _, s := range inWindow {
		quality += s.QualityScore
		response += s.AvgResponseMs
		errRate += s.ErrorRate
		sum.TotalMessages += s.MessagesTotal
		sum.TotalTokens += s.TokensConsumed
	}
	n := float64(len(inWindow))
	sum.AvgQualityScore = quality / n
	sum.AvgResponseMs = response / n
	sum.AvgErrorRate = errRate / n

	if len(inWindow) >= 4 {
		half := len(inWindow) / 2
		qFirst, qSecond := meanQuality(inWindow[:half]), meanQuality(inWindow[half:])
		sum.QualityTrend = trendOf(qFirst, qSecond, false)
		rFirst, rSecond := meanResponse(inWindow[:half]), meanResponse(inWindow[half:])
		// For response time, lower is better.
		sum.ResponseTrend = trendOf(rFirst, rSecond, true)
	}

	sum.Recommendations = recommend(sum)
	return sum, nil
}

func meanQuality(samples []Sample) float64 {
	var total float64
	for _, s := range samples {
		total += s.QualityScore
	}
	return total / float64(len(samples))
}

func meanResponse(samples []Sample) float64 {
	var total float64
	for _, s := range samples {
		total += s.AvgResponseMs
	}
	return total / float64(len(samples))
}

// trendOf compares halves of the window. inverted flips the reading
// for metrics where a decrease is an improvement.
func trendOf(first, second float64, inverted bool) Trend {
	if first == 0 {
		return TrendStable
	}
	change := (second - first) / first
	if inverted {
		change = -change
	}
	switch {
	case change > trendSensitivity:
		return TrendImproving
	case change < -trendSensitivity:
		return TrendDeclining
	default:
		return TrendStable
	}
}

func recommend(sum *Summary) []string {
	var recs []string
	if sum.AvgResponseMs > slowResponseMs {
		recs = append(recs, fmt.Sprintf("average response time %.0fms exceeds %.0fms; increase agent capacity or scale up resource pools", sum.AvgResponseMs, slowResponseMs))
	}
	if sum.AvgErrorRate > highErrorRate {
		recs = append(recs, fmt.Sprintf("error rate %.1f%% exceeds %.0f%%; review engine failures and handoff triggers", sum.AvgErrorRate*100, highErrorRate*100))
	}
	if sum.AvgQualityScore < lowQualityScore {
		recs = append(recs, fmt.Sprintf("average quality score %.2f is below %.2f; review conversation transcripts and scoring breakdown", sum.AvgQualityScore, lowQualityScore))
	}
	if sum.EscalationRate > highEscalationRate {
		recs = append(recs, fmt.Sprintf("%.2f escalations per session exceeds %.2f; review what keeps conversations out of agent reach", sum.EscalationRate, highEscalationRate))
	}
	if sum.QualityTrend == TrendDeclining {
		recs = append(recs, "quality is trending down across the window; consider tightening auto-handoff triggers")
	}
	return recs
}
