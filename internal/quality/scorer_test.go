package quality

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/convoflow-dev/convoflow/internal/session"
)

func TestWeightsSumToOne(t *testing.T) {
	total := weightResponseTime + weightAccuracy + weightResolution +
		weightSentiment + weightClarity + weightEngagement + weightConsistency
	assert.InDelta(t, 1.0, total, 1e-9)
}

func TestSubScoresBounded(t *testing.T) {
	conversations := [][]session.ConversationEvent{
		nil,
		{{Source: session.SourceCustomer, Content: "useless terrible awful"}},
		{{Source: session.SourceAgent, Content: "ok", ResponseTimeMs: 60000}},
		{
			{Source: session.SourceCustomer, Content: "thanks, that worked perfectly!"},
			{Source: session.SourceAgent, Content: "glad to hear it, marking this as resolved", ResponseTimeMs: 200},
		},
	}
	scorer := HeuristicScorer{}
	for _, events := range conversations {
		sub := scorer.Score(events)
		for name, v := range map[string]float64{
			"responseTime": sub.ResponseTime,
			"accuracy":     sub.Accuracy,
			"resolution":   sub.Resolution,
			"sentiment":    sub.Sentiment,
			"clarity":      sub.Clarity,
			"engagement":   sub.Engagement,
			"consistency":  sub.Consistency,
		} {
			assert.GreaterOrEqual(t, v, 0.0, "%s below range", name)
			assert.LessOrEqual(t, v, 1.0, "%s above range", name)
		}
	}
}

func TestResponseTimeScore(t *testing.T) {
	fast := []session.ConversationEvent{
		{Source: session.SourceAgent, Content: "hi", ResponseTimeMs: 200},
	}
	slow := []session.ConversationEvent{
		{Source: session.SourceAgent, Content: "hi", ResponseTimeMs: 9000},
	}
	assert.Equal(t, 1.0, responseTimeScore(fast))
	assert.Equal(t, 0.0, responseTimeScore(slow))
	assert.Equal(t, 0.5, responseTimeScore(nil), "no data scores neutral")
}

func TestAccuracyScore(t *testing.T) {
	events := []session.ConversationEvent{
		{Source: session.SourceAgent, Content: "a"},
		{Source: session.SourceAgent, Content: "b", IsError: true},
		{Source: session.SourceAgent, Content: "c"},
		{Source: session.SourceAgent, Content: "d"},
	}
	assert.InDelta(t, 0.75, accuracyScore(events), 1e-9)
}

func TestSentimentScore(t *testing.T) {
	happy := []session.ConversationEvent{
		{Source: session.SourceCustomer, Content: "thanks, that was great"},
	}
	angry := []session.ConversationEvent{
		{Source: session.SourceCustomer, Content: "this is useless, worst support ever"},
	}
	// Agent wording must not count toward customer sentiment.
	agentOnly := []session.ConversationEvent{
		{Source: session.SourceAgent, Content: "great, thanks!"},
	}
	assert.Equal(t, 1.0, sentimentScore(happy))
	assert.Equal(t, 0.0, sentimentScore(angry))
	assert.Equal(t, 0.5, sentimentScore(agentOnly))
}

func TestResolutionScoreRewardsLateMarkers(t *testing.T) {
	early := []session.ConversationEvent{
		{Source: session.SourceAgent, Content: "this should be fixed now"},
		{Source: session.SourceCustomer, Content: "no, still failing"},
		{Source: session.SourceCustomer, Content: "nothing works"},
	}
	late := []session.ConversationEvent{
		{Source: session.SourceCustomer, Content: "it is failing"},
		{Source: session.SourceAgent, Content: "try this"},
		{Source: session.SourceCustomer, Content: "that worked, all set"},
	}
	assert.Greater(t, resolutionScore(late), resolutionScore(early))
}

func TestConsistencyScore(t *testing.T) {
	steady := []session.ConversationEvent{
		{Source: session.SourceAgent, ResponseTimeMs: 1000},
		{Source: session.SourceAgent, ResponseTimeMs: 1000},
		{Source: session.SourceAgent, ResponseTimeMs: 1000},
	}
	erratic := []session.ConversationEvent{
		{Source: session.SourceAgent, ResponseTimeMs: 100},
		{Source: session.SourceAgent, ResponseTimeMs: 5000},
		{Source: session.SourceAgent, ResponseTimeMs: 200},
	}
	assert.Equal(t, 1.0, consistencyScore(steady))
	assert.Less(t, consistencyScore(erratic), consistencyScore(steady))
}
