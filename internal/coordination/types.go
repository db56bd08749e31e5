// Package coordination groups agents into teams, routes new and
// handed-off conversations to the best member, and executes handoffs
// with context transfer. Each team guards its own mutable state with
// its own lock; selection and workload commit happen in one critical
// section.
package coordination

import (
	"time"
)

// Availability is a team member's routing status.
type Availability string

const (
	Available Availability = "available"
	Busy      Availability = "busy"
	Offline   Availability = "offline"
)

// SpecializationGeneral is the fallback specialization any member can
// serve.
const SpecializationGeneral = "general"

// TriggerType is the kind of condition an auto-handoff trigger watches.
type TriggerType string

const (
	// TriggerKeyword fires when a recent message contains a configured keyword.
	TriggerKeyword TriggerType = "keyword_detected"
	// TriggerComplexity fires when the conversation's complexity score
	// crosses a threshold.
	TriggerComplexity TriggerType = "complexity_threshold"
	// TriggerErrorRate fires on a sustained error rate.
	TriggerErrorRate TriggerType = "error_rate"
	// TriggerWorkload fires when the agent's workload ratio crosses a
	// threshold.
	TriggerWorkload TriggerType = "workload"
)

// HandoffTrigger configures one auto-handoff condition for a member.
type HandoffTrigger struct {
	Type                 TriggerType `yaml:"type"`
	Keywords             []string    `yaml:"keywords,omitempty"`
	Threshold            float64     `yaml:"threshold,omitempty"`
	TargetSpecialization string      `yaml:"target_specialization,omitempty"`
	// Priority orders trigger evaluation, highest first. Ties keep
	// list order.
	Priority int `yaml:"priority"`
}

// TeamMember is one agent's membership in a team.
type TeamMember struct {
	AgentID         string           `yaml:"agent_id"`
	Role            string           `yaml:"role"`
	Specialization  string           `yaml:"specialization"`
	Priority        int              `yaml:"priority"`
	Availability    Availability     `yaml:"availability"`
	CurrentWorkload int              `yaml:"-"`
	MaxWorkload     int              `yaml:"max_workload"`
	HandoffTriggers []HandoffTrigger `yaml:"handoff_triggers,omitempty"`
}

// TeamConfig declares a team.
type TeamConfig struct {
	Name    string       `yaml:"name"`
	Members []TeamMember `yaml:"members"`
}

// TeamStatus is a read-only view of a team.
type TeamStatus struct {
	ID      string              `json:"id"`
	Name    string              `json:"name"`
	Members []TeamMember        `json:"members"`
	Metrics CoordinationMetrics `json:"metrics"`
}

// CoordinationMetrics aggregates team-level routing outcomes.
type CoordinationMetrics struct {
	TotalAssignments    int     `json:"totalAssignments"`
	TotalHandoffs       int     `json:"totalHandoffs"`
	SuccessfulHandoffs  int     `json:"successfulHandoffs"`
	FailedHandoffs      int     `json:"failedHandoffs"`
	AvgHandoffLatencyMs float64 `json:"avgHandoffLatencyMs"`
	Escalations         int     `json:"escalations"`
}

// Assignment is the result of routing a session to a team member.
type Assignment struct {
	AssignedAgentID       string        `json:"assignedAgentId"`
	Specialization        string        `json:"specialization"`
	EstimatedResponseTime time.Duration `json:"estimatedResponseTime"`
}

// AssignmentContext carries what is known about the conversation at
// routing time.
type AssignmentContext struct {
	// OpeningMessage is the user's first message, used to infer a
	// required specialization when none is given.
	OpeningMessage string
	// RequiredSpecialization overrides inference when set.
	RequiredSpecialization string
}

// HandoffRequest asks for a mid-conversation transfer.
type HandoffRequest struct {
	// TargetAgentID picks an explicit target; empty means best match.
	TargetAgentID string
	// TargetSpecialization narrows best-match selection.
	TargetSpecialization string
	// Reason is recorded on the handoff context.
	Reason string
	// PreserveContext copies the source session's metadata into the
	// new session.
	PreserveContext bool
}

// HandoffContext is the immutable record of one handoff. It is created
// at initiation and finalized exactly once at completion.
type HandoffContext struct {
	ID               string         `json:"id"`
	TeamID           string         `json:"teamId"`
	FromSessionID    string         `json:"fromSessionId"`
	ToSessionID      string         `json:"toSessionId,omitempty"`
	FromAgentID      string         `json:"fromAgentId"`
	ToAgentID        string         `json:"toAgentId"`
	Reason           string         `json:"reason"`
	Summary          string         `json:"summary"`
	PreservedContext map[string]any `json:"preservedContext,omitempty"`
	InitiatedAt      time.Time      `json:"initiatedAt"`
	CompletedAt      time.Time      `json:"completedAt"`
	Success          bool           `json:"success"`
	FailureReason    string         `json:"failureReason,omitempty"`
}

// AutoHandoffAnalysis is the outcome of evaluating a session's
// handoff triggers.
type AutoHandoffAnalysis struct {
	ShouldHandoff             bool        `json:"shouldHandoff"`
	Trigger                   TriggerType `json:"trigger,omitempty"`
	RecommendedSpecialization string      `json:"recommendedSpecialization,omitempty"`
	Confidence                float64     `json:"confidence"`
}

// PerformanceSnapshot carries the observed performance inputs for
// auto-handoff evaluation.
type PerformanceSnapshot struct {
	ErrorRate float64
}

// Urgency grades an escalation.
type Urgency string

const (
	UrgencyLow      Urgency = "low"
	UrgencyMedium   Urgency = "medium"
	UrgencyHigh     Urgency = "high"
	UrgencyCritical Urgency = "critical"
)

// EscalationRequest asks for a human takeover.
type EscalationRequest struct {
	Reason  string
	Urgency Urgency
}

// Escalation is a queued human-takeover request. Routing to an actual
// human queue is an external concern consuming the escalation event.
type Escalation struct {
	ID                string        `json:"id"`
	SessionID         string        `json:"sessionId"`
	Reason            string        `json:"reason"`
	Urgency           Urgency       `json:"urgency"`
	EstimatedWaitTime time.Duration `json:"estimatedWaitTime"`
	Status            string        `json:"status"`
	CreatedAt         time.Time     `json:"createdAt"`
}
