// Package resource owns resource pools, per-session allocations, and
// scaling decisions. Each pool guards its own state with its own lock;
// allocations against different pools proceed in parallel.
package resource

import (
	"context"
	"time"
)

// Strategy selects how generously a pool reserves resources.
type Strategy string

const (
	// StrategyConservative reserves exactly what was requested.
	StrategyConservative Strategy = "conservative"
	// StrategyBalanced reserves a 1.2x cushion.
	StrategyBalanced Strategy = "balanced"
	// StrategyAggressive reserves a 1.5x cushion.
	StrategyAggressive Strategy = "aggressive"
	// StrategyCustom defers to the request's priority.
	StrategyCustom Strategy = "custom"
)

// multiplier returns the reservation cushion for a strategy.
func (s Strategy) multiplier() float64 {
	switch s {
	case StrategyAggressive:
		return 1.5
	case StrategyBalanced:
		return 1.2
	default:
		return 1.0
	}
}

// headroomFactor caps any single grant at this share of the pool's
// available capacity.
const headroomFactor = 0.8

// Priority expresses a session's resource urgency.
type Priority string

const (
	PriorityLow      Priority = "low"
	PriorityMedium   Priority = "medium"
	PriorityHigh     Priority = "high"
	PriorityCritical Priority = "critical"
)

// Limits bounds a pool's total capacity.
type Limits struct {
	MaxMemoryMB           int     `yaml:"max_memory_mb"`
	MaxCPUPercent         float64 `yaml:"max_cpu_percent"`
	MaxConcurrentSessions int     `yaml:"max_concurrent_sessions"`
	MaxTokensPerMinute    int     `yaml:"max_tokens_per_minute"`
}

// TriggerDirection is the side of the threshold that fires a trigger.
type TriggerDirection string

const (
	DirectionAbove TriggerDirection = "above"
	DirectionBelow TriggerDirection = "below"
)

// ScalingAction is the outcome of a scaling evaluation.
type ScalingAction string

const (
	ActionNone      ScalingAction = "none"
	ActionScaleUp   ScalingAction = "scale_up"
	ActionScaleDown ScalingAction = "scale_down"
)

// ScalingTrigger fires when a metric crosses a threshold. Triggers are
// evaluated in list order; position is priority.
type ScalingTrigger struct {
	// Metric is the sampled metric name: "memory_mb", "cpu_percent",
	// or "sessions".
	Metric string `yaml:"metric"`
	// Threshold is the crossing value.
	Threshold float64 `yaml:"threshold"`
	// Direction is the crossing side (default above).
	Direction TriggerDirection `yaml:"direction"`
	// Duration is how long the metric must stay across the threshold.
	Duration time.Duration `yaml:"duration"`
	// Action taken when the trigger fires.
	Action ScalingAction `yaml:"action"`
	// Step is the instance delta to apply (default 1).
	Step int `yaml:"step"`
}

// ScalingPolicy configures a pool's automatic scaling.
type ScalingPolicy struct {
	Triggers     []ScalingTrigger `yaml:"triggers"`
	Cooldown     time.Duration    `yaml:"cooldown"`
	MinInstances int              `yaml:"min_instances"`
	MaxInstances int              `yaml:"max_instances"`
}

// MonitoringConfig configures a pool's periodic monitor.
type MonitoringConfig struct {
	Enabled  bool          `yaml:"enabled"`
	Interval time.Duration `yaml:"interval"`
}

// PoolConfig declares a resource pool.
type PoolConfig struct {
	Name       string           `yaml:"name"`
	AgentIDs   []string         `yaml:"agent_ids"`
	Limits     Limits           `yaml:"limits"`
	Strategy   Strategy         `yaml:"strategy"`
	Scaling    ScalingPolicy    `yaml:"scaling"`
	Monitoring MonitoringConfig `yaml:"monitoring"`
	// Instances is the starting instance count (default max(1, MinInstances)).
	Instances int `yaml:"instances"`
}

// Requirements declares what a session needs.
type Requirements struct {
	MemoryMB   int
	CPUPercent float64
	Priority   Priority
	// Elastic allows the reservation to grow up to MaxMemoryMB.
	Elastic     bool
	MaxMemoryMB int
}

// Allocation is a per-session reservation. Released exactly once, at
// session end or handoff.
type Allocation struct {
	SessionID   string    `json:"sessionId"`
	AgentID     string    `json:"agentId"`
	PoolID      string    `json:"poolId"`
	MemoryMB    int       `json:"memoryMB"`
	CPUPercent  float64   `json:"cpuPercent"`
	MinMemoryMB int       `json:"minMemoryMB"`
	MaxMemoryMB int       `json:"maxMemoryMB"`
	Strategy    Strategy  `json:"strategy"`
	GrantedAt   time.Time `json:"grantedAt"`
}

// Grant is the result of a successful allocation.
type Grant struct {
	Allocation *Allocation
	Limits     Limits
	PoolID     string
}

// Metrics is one usage sample for an agent.
type Metrics struct {
	AgentID        string    `json:"agentId"`
	PoolID         string    `json:"poolId"`
	Timestamp      time.Time `json:"timestamp"`
	MemoryMB       float64   `json:"memoryMB"`
	CPUPercent     float64   `json:"cpuPercent"`
	ActiveSessions int       `json:"activeSessions"`
}

// ScalingDecision is the outcome of evaluating a pool's triggers.
type ScalingDecision struct {
	PoolID      string        `json:"poolId"`
	Action      ScalingAction `json:"action"`
	Reason      string        `json:"reason"`
	NewCapacity int           `json:"newCapacity"`
}

// Usage is a point-in-time reading from the runtime-metrics collaborator.
type Usage struct {
	MemoryMB   float64
	CPUPercent float64
}

// UsageSource samples current resource usage for an agent. The real
// implementation lives outside this module; the default reads process
// statistics.
type UsageSource interface {
	Sample(ctx context.Context, agentID string) (*Usage, error)
}

// PoolStatus is a read-only view of a pool's current occupancy.
type PoolStatus struct {
	Name            string   `json:"name"`
	AgentIDs        []string `json:"agentIds"`
	Limits          Limits   `json:"limits"`
	UsedMemoryMB    int      `json:"usedMemoryMB"`
	UsedCPUPercent  float64  `json:"usedCPUPercent"`
	ActiveSessions  int      `json:"activeSessions"`
	Instances       int      `json:"instances"`
	AvailableMemory int      `json:"availableMemoryMB"`
}
