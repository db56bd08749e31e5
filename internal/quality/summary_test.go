package quality

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/convoflow-dev/convoflow/internal/fault"
)

func seedSamples(m *Monitor, agentID, sessionID string, scores []float64, responseMs float64, age time.Duration) {
	base := time.Now().UTC().Add(-age)
	for i, score := range scores {
		m.record(Sample{
			SessionID:      sessionID,
			AgentID:        agentID,
			Timestamp:      base.Add(time.Duration(i) * time.Minute),
			QualityScore:   score,
			AvgResponseMs:  responseMs,
			MessagesTotal:  10,
			TokensConsumed: 100,
		})
	}
}

func TestSummaryAggregates(t *testing.T) {
	m := testMonitor(t, testRegistry(t))
	seedSamples(m, "agent-1", "s1", []float64{0.8, 0.8}, 1000, 10*time.Minute)
	seedSamples(m, "agent-2", "s2", []float64{0.6, 0.6}, 2000, 10*time.Minute)

	sum, err := m.GeneratePerformanceSummary("", PeriodHour)
	require.NoError(t, err)
	assert.Equal(t, 4, sum.SampleCount)
	assert.Equal(t, 2, sum.SessionCount)
	assert.InDelta(t, 0.7, sum.AvgQualityScore, 1e-9)
	assert.InDelta(t, 1500, sum.AvgResponseMs, 1e-9)
	assert.Equal(t, int64(40), sum.TotalMessages)
	assert.Equal(t, int64(400), sum.TotalTokens)
}

func TestSummaryWindowExcludesOldSamples(t *testing.T) {
	m := testMonitor(t, testRegistry(t))
	seedSamples(m, "agent-1", "recent", []float64{0.9}, 500, 10*time.Minute)
	seedSamples(m, "agent-1", "stale", []float64{0.1}, 500, 3*time.Hour)

	sum, err := m.GeneratePerformanceSummary("", PeriodHour)
	require.NoError(t, err)
	assert.Equal(t, 1, sum.SampleCount)
	assert.InDelta(t, 0.9, sum.AvgQualityScore, 1e-9)
}

func TestSummaryEmptyWindow(t *testing.T) {
	m := testMonitor(t, testRegistry(t))

	sum, err := m.GeneratePerformanceSummary("", PeriodDay)
	require.NoError(t, err)
	assert.Equal(t, 0, sum.SampleCount)
	assert.Equal(t, TrendStable, sum.QualityTrend)
	assert.Empty(t, sum.Recommendations)
}

func TestSummaryUnknownPeriod(t *testing.T) {
	m := testMonitor(t, testRegistry(t))
	_, err := m.GeneratePerformanceSummary("", Period("1y"))
	assert.True(t, fault.Is(err, fault.InvalidState))
}

func TestSummaryTrends(t *testing.T) {
	m := testMonitor(t, testRegistry(t))
	// Quality falls across the window while responses get faster.
	base := time.Now().UTC().Add(-30 * time.Minute)
	scores := []float64{0.9, 0.9, 0.5, 0.5}
	responses := []float64{4000, 4000, 1000, 1000}
	for i := range scores {
		m.record(Sample{
			SessionID:     "s1",
			AgentID:       "agent-1",
			Timestamp:     base.Add(time.Duration(i) * time.Minute),
			QualityScore:  scores[i],
			AvgResponseMs: responses[i],
		})
	}

	sum, err := m.GeneratePerformanceSummary("", PeriodHour)
	require.NoError(t, err)
	assert.Equal(t, TrendDeclining, sum.QualityTrend)
	assert.Equal(t, TrendImproving, sum.ResponseTrend)
}

func TestSummaryRecommendations(t *testing.T) {
	m := testMonitor(t, testRegistry(t))
	// Slow, error-prone and low quality: every rule should speak up.
	base := time.Now().UTC().Add(-10 * time.Minute)
	for i := 0; i < 4; i++ {
		m.record(Sample{
			SessionID:     "s1",
			AgentID:       "agent-1",
			Timestamp:     base.Add(time.Duration(i) * time.Minute),
			QualityScore:  0.4,
			AvgResponseMs: 5000,
			ErrorRate:     0.25,
		})
	}

	sum, err := m.GeneratePerformanceSummary("", PeriodHour)
	require.NoError(t, err)
	require.NotEmpty(t, sum.Recommendations)
	joined := ""
	for _, r := range sum.Recommendations {
		joined += r + "\n"
	}
	assert.Contains(t, joined, "response time")
	assert.Contains(t, joined, "error rate")
	assert.Contains(t, joined, "quality score")
}

func TestSummaryFiltersByAgent(t *testing.T) {
	m := testMonitor(t, testRegistry(t))
	seedSamples(m, "agent-1", "s1", []float64{0.8, 0.8}, 1000, 10*time.Minute)
	seedSamples(m, "agent-2", "s2", []float64{0.2, 0.2}, 4000, 10*time.Minute)

	sum, err := m.GeneratePerformanceSummary("agent-1", PeriodHour)
	require.NoError(t, err)
	assert.Equal(t, "agent-1", sum.AgentID)
	assert.Equal(t, 2, sum.SampleCount)
	assert.Equal(t, 1, sum.SessionCount)
	assert.InDelta(t, 0.8, sum.AvgQualityScore, 1e-9)
	assert.InDelta(t, 1000, sum.AvgResponseMs, 1e-9)
}

func TestSummaryEscalationRate(t *testing.T) {
	m := testMonitor(t, testRegistry(t))
	seedSamples(m, "agent-1", "s1", []float64{0.8}, 1000, 10*time.Minute)
	seedSamples(m, "agent-1", "s2", []float64{0.8}, 1000, 10*time.Minute)
	seedSamples(m, "agent-2", "s3", []float64{0.8}, 1000, 10*time.Minute)

	now := time.Now().UTC()
	m.mu.Lock()
	m.escalations["agent-1"] = []time.Time{now.Add(-5 * time.Minute), now.Add(-3 * time.Hour)}
	m.escalations["agent-2"] = []time.Time{now.Add(-5 * time.Minute)}
	m.mu.Unlock()

	// Only agent-1's in-window escalation counts, over its two sessions.
	sum, err := m.GeneratePerformanceSummary("agent-1", PeriodHour)
	require.NoError(t, err)
	assert.Equal(t, 1, sum.Escalations)
	assert.InDelta(t, 0.5, sum.EscalationRate, 1e-9)
}

func TestSummaryHighEscalationRateRecommendation(t *testing.T) {
	m := testMonitor(t, testRegistry(t))
	seedSamples(m, "agent-1", "s1", []float64{0.9}, 500, 10*time.Minute)

	m.mu.Lock()
	m.escalations["agent-1"] = []time.Time{time.Now().UTC().Add(-5 * time.Minute)}
	m.mu.Unlock()

	sum, err := m.GeneratePerformanceSummary("agent-1", PeriodHour)
	require.NoError(t, err)
	assert.InDelta(t, 1.0, sum.EscalationRate, 1e-9)
	joined := ""
	for _, r := range sum.Recommendations {
		joined += r + "\n"
	}
	assert.Contains(t, joined, "escalations per session")
}
