package resource

import (
	"fmt"
	"sort"

	"github.com/convoflow-dev/convoflow/internal/fault"
)

// underUtilizationRatio is the fraction of allocated memory below
// which usage counts as material under-utilization.
const underUtilizationRatio = 0.6

// OptimizeOptions tunes an optimization analysis.
type OptimizeOptions struct {
	// MinSamples is the minimum history required before recommending
	// anything (default 10).
	MinSamples int
}

// RecommendationPriority orders an implementation plan.
type RecommendationPriority string

const (
	RecommendationCritical RecommendationPriority = "critical"
	RecommendationHigh     RecommendationPriority = "high"
	RecommendationMedium   RecommendationPriority = "medium"
	RecommendationLow      RecommendationPriority = "low"
)

var priorityRank = map[RecommendationPriority]int{
	RecommendationCritical: 0,
	RecommendationHigh:     1,
	RecommendationMedium:   2,
	RecommendationLow:      3,
}

// Recommendation is one suggested allocation change.
type Recommendation struct {
	Priority    RecommendationPriority `json:"priority"`
	Description string                 `json:"description"`
	SavingsMB   int                    `json:"savingsMB"`
}

// Optimization is the result of analyzing an agent's historical usage
// against its current allocations.
type Optimization struct {
	AgentID            string           `json:"agentId"`
	Recommendations    []Recommendation `json:"recommendations"`
	ProjectedSavingsMB int              `json:"projectedSavingsMB"`
	ImplementationPlan []string         `json:"implementationPlan"`
}

// Optimize compares the agent's average observed usage with what its
// sessions have reserved and recommends reductions where usage sits
// materially below the allocation. The plan is ranked by priority.
func (a *Allocator) Optimize(agentID string, opts OptimizeOptions) (*Optimization, error) {
	minSamples := opts.MinSamples
	if minSamples <= 0 {
		minSamples = 10
	}

	p := a.poolFor(agentID)

	p.mu.Lock()
	history := p.history[agentID]
	var allocatedMB int
	var sessions int
	for _, alloc := range p.allocations {
		if alloc.AgentID == agentID {
			allocatedMB += alloc.MemoryMB
			sessions++
		}
	}
	poolName := p.cfg.Name
	p.mu.Unlock()

	if len(history) < minSamples {
		return nil, fault.Newf(fault.InvalidState,
			"agent %s has %d samples, need %d", agentID, len(history), minSamples)
	}

	var sumMem, sumCPU float64
	for _, m := range history {
		sumMem += m.MemoryMB
		sumCPU += m.CPUPercent
	}
	avgMem := sumMem / float64(len(history))
	avgCPU := sumCPU / float64(len(history))

	out := &Optimization{AgentID: agentID}

	if allocatedMB > 0 && avgMem < float64(allocatedMB)*underUtilizationRatio {
		savings := allocatedMB - int(avgMem/underUtilizationRatio)
		priority := RecommendationMedium
		utilization := avgMem / float64(allocatedMB)
		switch {
		case utilization < 0.2:
			priority = RecommendationHigh
		case utilization < 0.4:
			priority = RecommendationMedium
		default:
			priority = RecommendationLow
		}
		out.Recommendations = append(out.Recommendations, Recommendation{
			Priority: priority,
			Description: fmt.Sprintf(
				"reduce memory allocation for agent %s in pool %s: average usage %.0fMB is %.0f%% of the %dMB reserved across %d sessions",
				agentID, poolName, avgMem, utilization*100, allocatedMB, sessions),
			SavingsMB: savings,
		})
	}

	if avgCPU > cpuWarningThreshold {
		out.Recommendations = append(out.Recommendations, Recommendation{
			Priority: RecommendationCritical,
			Description: fmt.Sprintf(
				"agent %s sustains %.0f%% CPU: add capacity before reducing anything else", agentID, avgCPU),
		})
	}

	sort.SliceStable(out.Recommendations, func(i, j int) bool {
		return priorityRank[out.Recommendations[i].Priority] < priorityRank[out.Recommendations[j].Priority]
	})

	for i, rec := range out.Recommendations {
		out.ProjectedSavingsMB += rec.SavingsMB
		out.ImplementationPlan = append(out.ImplementationPlan,
			fmt.Sprintf("%d. [%s] %s", i+1, rec.Priority, rec.Description))
	}

	return out, nil
}
