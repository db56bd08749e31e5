package quality

import (
	"math"
	"strings"

	"github.com/convoflow-dev/convoflow/internal/session"
)

// Scorer produces the seven sub-scores for a conversation. The
// weighting of the sub-scores is fixed by the monitor; implementations
// only judge each dimension in [0,1].
type Scorer interface {
	Score(events []session.ConversationEvent) SubScores
}

// HeuristicScorer is the default Scorer: cheap lexical and timing
// heuristics, no model calls.
type HeuristicScorer struct{}

// Response-time anchors for the latency sub-score: at or under
// goodResponseMs scores 1.0, at or over badResponseMs scores 0.
const (
	goodResponseMs = 500.0
	badResponseMs  = 5000.0
)

var positiveWords = []string{"thanks", "thank you", "great", "perfect", "solved", "works", "awesome", "helpful"}
var negativeWords = []string{"angry", "useless", "terrible", "awful", "frustrated", "worst", "not working", "waste"}
var resolutionWords = []string{"resolved", "fixed", "solved", "done", "completed", "that worked", "all set"}

func (HeuristicScorer) Score(events []session.ConversationEvent) SubScores {
	return SubScores{
		ResponseTime: responseTimeScore(events),
		Accuracy:     accuracyScore(events),
		Resolution:   resolutionScore(events),
		Sentiment:    sentimentScore(events),
		Clarity:      clarityScore(events),
		Engagement:   engagementScore(events),
		Consistency:  consistencyScore(events),
	}
}

func responseTimeScore(events []session.ConversationEvent) float64 {
	var sum float64
	var n int
	for _, ev := range events {
		if ev.Source == session.SourceAgent && ev.ResponseTimeMs > 0 {
			sum += ev.ResponseTimeMs
			n++
		}
	}
	if n == 0 {
		return 0.5
	}
	avg := sum / float64(n)
	switch {
	case avg <= goodResponseMs:
		return 1.0
	case avg >= badResponseMs:
		return 0.0
	default:
		return 1.0 - (avg-goodResponseMs)/(badResponseMs-goodResponseMs)
	}
}

func accuracyScore(events []session.ConversationEvent) float64 {
	if len(events) == 0 {
		return 0.5
	}
	errors := 0
	for _, ev := range events {
		if ev.IsError {
			errors++
		}
	}
	return clamp(1.0 - float64(errors)/float64(len(events)))
}

func resolutionScore(events []session.ConversationEvent) float64 {
	// Resolution markers late in the conversation weigh more than
	// early ones.
	score := 0.3
	for i, ev := range events {
		lower := strings.ToLower(ev.Content)
		for _, marker := range resolutionWords {
			if strings.Contains(lower, marker) {
				position := float64(i+1) / float64(len(events))
				score = math.Max(score, 0.5+0.5*position)
			}
		}
	}
	return clamp(score)
}

func sentimentScore(events []session.ConversationEvent) float64 {
	var pos, neg int
	for _, ev := range events {
		if ev.Source != session.SourceCustomer {
			continue
		}
		lower := strings.ToLower(ev.Content)
		for _, w := range positiveWords {
			pos += strings.Count(lower, w)
		}
		for _, w := range negativeWords {
			neg += strings.Count(lower, w)
		}
	}
	if pos+neg == 0 {
		return 0.5
	}
	return clamp(float64(pos) / float64(pos+neg))
}

func clarityScore(events []session.ConversationEvent) float64 {
	// Very short agent replies read as dismissive, very long ones as
	// rambling; a moderate length scores best.
	var sum float64
	var n int
	for _, ev := range events {
		if ev.Source != session.SourceAgent {
			continue
		}
		words := len(strings.Fields(ev.Content))
		switch {
		case words == 0:
			sum += 0
		case words < 5:
			sum += 0.4
		case words <= 120:
			sum += 1.0
		case words <= 300:
			sum += 0.6
		default:
			sum += 0.3
		}
		n++
	}
	if n == 0 {
		return 0.5
	}
	return clamp(sum / float64(n))
}

func engagementScore(events []session.ConversationEvent) float64 {
	// Balanced turn-taking between customer and agent scores highest.
	var customer, agent int
	for _, ev := range events {
		switch ev.Source {
		case session.SourceCustomer:
			customer++
		case session.SourceAgent:
			agent++
		}
	}
	total := customer + agent
	if total == 0 {
		return 0.5
	}
	balance := 1.0 - math.Abs(float64(customer)-float64(agent))/float64(total)
	return clamp(balance)
}

// consistencyScore rewards stable agent response latency: the
// coefficient of variation of response times, inverted.
func consistencyScore(events []session.ConversationEvent) float64 {
	var times []float64
	for _, ev := range events {
		if ev.Source == session.SourceAgent && ev.ResponseTimeMs > 0 {
			times = append(times, ev.ResponseTimeMs)
		}
	}
	if len(times) < 2 {
		return 0.5
	}
	var mean float64
	for _, t := range times {
		mean += t
	}
	mean /= float64(len(times))
	if mean == 0 {
		return 0.5
	}
	var variance float64
	for _, t := range times {
		variance += (t - mean) * (t - mean)
	}
	variance /= float64(len(times))
	return clamp(1.0 - math.Sqrt(variance)/mean)
}

func clamp(v float64) float64 {
	return math.Max(0, math.Min(1, v))
}
