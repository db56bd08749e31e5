package resource

import (
	"context"
	"runtime"
	"time"

	"github.com/convoflow-dev/convoflow/internal/bus"
	"github.com/convoflow-dev/convoflow/internal/fault"
)

// Monitor samples current usage for an agent, appends the sample to
// the agent's trailing buffer, and raises a resource warning when
// usage crosses the warning thresholds. Sampling failures are returned
// but never interrupt the pool.
func (a *Allocator) Monitor(ctx context.Context, agentID string) (*Metrics, error) {
	usage, err := a.source.Sample(ctx, agentID)
	if err != nil {
		return nil, fault.Wrap(fault.ExternalFailure, "usage source", err)
	}

	p := a.poolFor(agentID)

	p.mu.Lock()
	m := Metrics{
		AgentID:    agentID,
		PoolID:     p.cfg.Name,
		Timestamp:  time.Now().UTC(),
		MemoryMB:   usage.MemoryMB,
		CPUPercent: usage.CPUPercent,
	}
	for _, alloc := range p.allocations {
		if alloc.AgentID == agentID {
			m.ActiveSessions++
		}
	}

	buf := append(p.history[agentID], m)
	if len(buf) > metricsBufferCap {
		buf = buf[len(buf)-metricsBufferCap:]
	}
	p.history[agentID] = buf

	limits := p.cfg.Limits
	p.mu.Unlock()

	a.checkWarnings(agentID, limits, m)
	return &m, nil
}

// History returns a copy of an agent's trailing samples, oldest first.
func (a *Allocator) History(agentID string) []Metrics {
	p := a.poolFor(agentID)
	p.mu.Lock()
	defer p.mu.Unlock()

	buf := p.history[agentID]
	out := make([]Metrics, len(buf))
	copy(out, buf)
	return out
}

func (a *Allocator) checkWarnings(agentID string, limits Limits, m Metrics) {
	var reasons []string
	if limits.MaxMemoryMB > 0 && m.MemoryMB/float64(limits.MaxMemoryMB) > memoryWarningRatio {
		reasons = append(reasons, "memory")
	}
	if m.CPUPercent > cpuWarningThreshold {
		reasons = append(reasons, "cpu")
	}
	if len(reasons) == 0 {
		return
	}

	a.logger.Warn().
		Str("agent_id", agentID).
		Str("pool", m.PoolID).
		Float64("memory_mb", m.MemoryMB).
		Float64("cpu_percent", m.CPUPercent).
		Strs("reasons", reasons).
		Msg("resource usage warning")

	if a.events != nil {
		if err := a.events.Publish(bus.TopicResources, bus.Event{
			Type: bus.EventResourceWarning,
			Payload: map[string]any{
				"agentId":    agentID,
				"poolId":     m.PoolID,
				"memoryMB":   m.MemoryMB,
				"cpuPercent": m.CPUPercent,
				"reasons":    reasons,
			},
		}); err != nil {
			a.logger.Warn().Err(err).Msg("resource warning publish failed")
		}
	}
}

// startMonitor launches the pool's periodic sampling loop. The loop
// samples every pool agent, then runs a scaling evaluation over the
// freshest samples. It exits when the allocator closes or ctx ends.
func (a *Allocator) startMonitor(ctx context.Context, p *pool) {
	interval := p.cfg.Monitoring.Interval
	if interval <= 0 {
		interval = DefaultMonitorInterval
	}

	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})

	p.mu.Lock()
	p.cancelMonitor = cancel
	p.monitorDone = done
	agents := make([]string, 0, len(p.agents))
	for id := range p.agents {
		agents = append(agents, id)
	}
	name := p.cfg.Name
	p.mu.Unlock()

	go func() {
		defer close(done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				for _, agentID := range agents {
					if _, err := a.Monitor(ctx, agentID); err != nil {
						a.logger.Warn().Err(err).Str("agent_id", agentID).Msg("usage sample failed")
					}
				}
				decision, err := a.EvaluateScaling(name, nil)
				if err != nil {
					a.logger.Warn().Err(err).Str("pool", name).Msg("scaling evaluation failed")
					continue
				}
				if decision.Action != ActionNone {
					a.publishScaling(decision)
				}
			}
		}
	}()
}

func (a *Allocator) publishScaling(d *ScalingDecision) {
	a.logger.Info().
		Str("pool", d.PoolID).
		Str("action", string(d.Action)).
		Str("reason", d.Reason).
		Int("new_capacity", d.NewCapacity).
		Msg("scaling decision")

	if a.events == nil {
		return
	}
	if err := a.events.Publish(bus.TopicResources, bus.Event{
		Type: bus.EventScalingDecision,
		Payload: map[string]any{
			"poolId":      d.PoolID,
			"action":      string(d.Action),
			"reason":      d.Reason,
			"newCapacity": d.NewCapacity,
		},
	}); err != nil {
		a.logger.Warn().Err(err).Msg("scaling decision publish failed")
	}
}

// processUsageSource reads this process's runtime statistics. It is
// the deterministic default standing in for a real metrics pipeline.
type processUsageSource struct{}

// NewProcessUsageSource creates a UsageSource backed by Go runtime
// statistics.
func NewProcessUsageSource() UsageSource { return &processUsageSource{} }

func (s *processUsageSource) Sample(ctx context.Context, agentID string) (*Usage, error) {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)

	// Goroutine count over GOMAXPROCS approximates scheduler load.
	cpu := float64(runtime.NumGoroutine()) / float64(runtime.GOMAXPROCS(0))
	if cpu > 100 {
		cpu = 100
	}

	return &Usage{
		MemoryMB:   float64(ms.HeapAlloc) / (1024 * 1024),
		CPUPercent: cpu,
	}, nil
}
