package resource

import (
	"fmt"
	"time"

	"github.com/convoflow-dev/convoflow/internal/fault"
)

// EvaluateScaling walks the pool's ordered trigger list against the
// trailing samples (recent, or the pool's own buffers when nil) and
// returns the first trigger that fires. Position in the list is
// priority. A cooldown window after any decision suppresses further
// decisions for the pool to prevent flapping.
func (a *Allocator) EvaluateScaling(poolID string, recent []Metrics) (*ScalingDecision, error) {
	p := a.getPool(poolID)
	if p == nil {
		return nil, fault.Newf(fault.NotFound, "pool %s", poolID)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	none := &ScalingDecision{PoolID: poolID, Action: ActionNone, NewCapacity: p.instances}

	cooldown := p.cfg.Scaling.Cooldown
	if cooldown > 0 && !p.lastScaleAt.IsZero() && time.Since(p.lastScaleAt) < cooldown {
		none.Reason = "cooldown"
		return none, nil
	}

	if recent == nil {
		recent = p.mergedHistoryLocked()
	}
	if len(recent) == 0 {
		none.Reason = "no samples"
		return none, nil
	}
	if len(recent) > scalingWindow {
		recent = recent[len(recent)-scalingWindow:]
	}

	for _, trigger := range p.cfg.Scaling.Triggers {
		if !triggerFires(trigger, recent, len(p.allocations)) {
			continue
		}

		newCapacity := p.instances
		step := trigger.Step
		if step <= 0 {
			step = 1
		}
		switch trigger.Action {
		case ActionScaleUp:
			newCapacity += step
			if max := p.cfg.Scaling.MaxInstances; max > 0 && newCapacity > max {
				newCapacity = max
			}
		case ActionScaleDown:
			newCapacity -= step
			if newCapacity < p.cfg.Scaling.MinInstances {
				newCapacity = p.cfg.Scaling.MinInstances
			}
			if newCapacity < 1 {
				newCapacity = 1
			}
		default:
			continue
		}

		if newCapacity == p.instances {
			continue
		}

		p.instances = newCapacity
		p.lastScaleAt = time.Now()

		return &ScalingDecision{
			PoolID:      poolID,
			Action:      trigger.Action,
			Reason:      fmt.Sprintf("%s %s %.1f", trigger.Metric, trigger.Direction, trigger.Threshold),
			NewCapacity: newCapacity,
		}, nil
	}

	none.Reason = "no trigger fired"
	return none, nil
}

// triggerFires requires the averaged metric to cross the threshold and,
// when the trigger declares a duration, every sample inside the
// trailing duration window to stay across it.
func triggerFires(trigger ScalingTrigger, samples []Metrics, activeSessions int) bool {
	direction := trigger.Direction
	if direction == "" {
		direction = DirectionAbove
	}

	crosses := func(v float64) bool {
		if direction == DirectionAbove {
			return v > trigger.Threshold
		}
		return v < trigger.Threshold
	}

	var sum float64
	for _, m := range samples {
		sum += metricValue(trigger.Metric, m, activeSessions)
	}
	if !crosses(sum / float64(len(samples))) {
		return false
	}

	if trigger.Duration > 0 {
		cutoff := time.Now().Add(-trigger.Duration)
		inWindow := 0
		for _, m := range samples {
			if m.Timestamp.Before(cutoff) {
				continue
			}
			inWindow++
			if !crosses(metricValue(trigger.Metric, m, activeSessions)) {
				return false
			}
		}
		// Stale buffers provide no evidence of a sustained breach.
		if inWindow == 0 {
			return false
		}
	}

	return true
}

func metricValue(name string, m Metrics, activeSessions int) float64 {
	switch name {
	case "memory_mb":
		return m.MemoryMB
	case "cpu_percent":
		return m.CPUPercent
	case "sessions":
		return float64(activeSessions)
	default:
		return 0
	}
}

// mergedHistoryLocked interleaves all agent buffers into one
// time-ordered slice. Caller holds p.mu.
func (p *pool) mergedHistoryLocked() []Metrics {
	var out []Metrics
	for _, buf := range p.history {
		out = append(out, buf...)
	}
	// Insertion sort: buffers are already sorted, counts are small.
	for i := 1; i < len(out); i++ {
		for j := i; j > 0 && out[j].Timestamp.Before(out[j-1].Timestamp); j-- {
			out[j], out[j-1] = out[j-1], out[j]
		}
	}
	return out
}
