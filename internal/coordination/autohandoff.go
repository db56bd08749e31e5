package coordination

import (
	"math"
	"sort"
	"strings"

	"github.com/convoflow-dev/convoflow/internal/fault"
)

// keywordConfidence is the fixed confidence assigned when a configured
// keyword appears in recent messages.
const keywordConfidence = 0.8

// technicalTerms feed the complexity score; each occurrence raises it.
var technicalTerms = []string{
	"error", "exception", "stack", "trace", "api", "database",
	"timeout", "config", "integration", "webhook", "latency", "deploy",
}

// AnalyzeForAutoHandoff evaluates the session's assigned member's
// handoff triggers against the recent conversation and observed
// performance. Triggers fire in priority order, highest first; the
// first firing trigger wins. The result is advisory: callers decide
// whether to act on it.
func (c *Coordinator) AnalyzeForAutoHandoff(sessionID string, recentMessages []string, perf PerformanceSnapshot) (*AutoHandoffAnalysis, error) {
	c.mu.RLock()
	a, ok := c.assignments[sessionID]
	c.mu.RUnlock()
	if !ok {
		return nil, fault.Newf(fault.NotFound, "session %s has no team assignment", sessionID)
	}

	t, err := c.team(a.teamID)
	if err != nil {
		return nil, err
	}

	t.mu.Lock()
	m := findMember(t.members, a.agentID)
	var triggers []HandoffTrigger
	var workload, maxWorkload int
	if m != nil {
		triggers = append(triggers, m.HandoffTriggers...)
		workload, maxWorkload = m.CurrentWorkload, m.MaxWorkload
	}
	t.mu.Unlock()

	if len(triggers) == 0 {
		return &AutoHandoffAnalysis{}, nil
	}

	sort.SliceStable(triggers, func(i, j int) bool {
		return triggers[i].Priority > triggers[j].Priority
	})

	for _, trig := range triggers {
		fired, confidence := evaluateTrigger(trig, recentMessages, perf, workload, maxWorkload)
		if !fired {
			continue
		}
		return &AutoHandoffAnalysis{
			ShouldHandoff:             true,
			Trigger:                   trig.Type,
			RecommendedSpecialization: trig.TargetSpecialization,
			Confidence:                confidence,
		}, nil
	}
	return &AutoHandoffAnalysis{}, nil
}

func evaluateTrigger(trig HandoffTrigger, messages []string, perf PerformanceSnapshot, workload, maxWorkload int) (bool, float64) {
	switch trig.Type {
	case TriggerKeyword:
		for _, msg := range messages {
			lower := strings.ToLower(msg)
			for _, kw := range trig.Keywords {
				if strings.Contains(lower, strings.ToLower(kw)) {
					return true, keywordConfidence
				}
			}
		}
	case TriggerComplexity:
		if trig.Threshold <= 0 {
			return false, 0
		}
		score := complexityScore(messages)
		if score >= trig.Threshold {
			return true, math.Min(1, score/trig.Threshold)
		}
	case TriggerErrorRate:
		if trig.Threshold <= 0 {
			return false, 0
		}
		if perf.ErrorRate >= trig.Threshold {
			return true, math.Min(1, perf.ErrorRate/trig.Threshold)
		}
	case TriggerWorkload:
		if trig.Threshold <= 0 || maxWorkload <= 0 {
			return false, 0
		}
		ratio := float64(workload) / float64(maxWorkload)
		if ratio >= trig.Threshold {
			return true, math.Min(1, ratio/trig.Threshold)
		}
	}
	return false, 0
}

// complexityScore is a cheap proxy for how involved a conversation has
// become: message length plus density of technical vocabulary, averaged
// over the recent window.
func complexityScore(messages []string) float64 {
	if len(messages) == 0 {
		return 0
	}
	var total float64
	for _, msg := range messages {
		lower := strings.ToLower(msg)
		total += float64(len(strings.Fields(msg))) / 50.0
		for _, term := range technicalTerms {
			total += 0.2 * float64(strings.Count(lower, term))
		}
	}
	return total / float64(len(messages))
}
