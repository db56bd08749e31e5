// Package session owns the canonical in-memory state of every active
// conversation session and its lifecycle state machine. All other
// subsystems reference sessions by ID; only this package mutates them.
package session

import (
	"time"
)

// State is a session lifecycle state.
type State string

const (
	// StateInitializing is the state between creation request and the
	// established conversation.
	StateInitializing State = "initializing"
	// StateActive is a session processing turns.
	StateActive State = "active"
	// StatePaused is a session suspended explicitly or by idle timeout.
	StatePaused State = "paused"
	// StateEnding is a session undergoing finalization.
	StateEnding State = "ending"
	// StateEnded is the normal terminal state.
	StateEnded State = "ended"
	// StateError is the absorbing failure state, reachable from any state.
	StateError State = "error"
)

// legalTransitions encodes the lifecycle state machine. StateError is
// reachable from every state and absorbing.
var legalTransitions = map[State][]State{
	StateInitializing: {StateActive},
	StateActive:       {StatePaused, StateEnding},
	StatePaused:       {StateActive, StateEnding},
	StateEnding:       {StateEnded},
	StateEnded:        {},
	StateError:        {},
}

// CanTransitionTo reports whether moving from s to next is legal.
func (s State) CanTransitionTo(next State) bool {
	if next == StateError {
		return s != StateError
	}
	for _, allowed := range legalTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// Terminal reports whether the state admits no further transitions.
func (s State) Terminal() bool {
	return s == StateEnded || s == StateError
}

// EventSource identifies who produced a conversation event.
type EventSource string

const (
	// SourceCustomer is the end user.
	SourceCustomer EventSource = "customer"
	// SourceAgent is the conversational agent.
	SourceAgent EventSource = "agent"
	// SourceSystem is the coordination system itself.
	SourceSystem EventSource = "system"
)

// ConversationEvent is one turn or system event in a conversation.
type ConversationEvent struct {
	ID        string      `json:"id"`
	Source    EventSource `json:"source"`
	Content   string      `json:"content"`
	Timestamp time.Time   `json:"timestamp"`
	// ResponseTimeMs is the agent response latency for this event,
	// zero when not applicable.
	ResponseTimeMs float64 `json:"responseTimeMs,omitempty"`
	// TokensUsed is the token count the turn consumed.
	TokensUsed int `json:"tokensUsed,omitempty"`
	// IsError marks a failed turn.
	IsError  bool           `json:"isError,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// CreateOptions configures session creation.
type CreateOptions struct {
	// UserID identifies the end user.
	UserID string
	// WorkspaceID scopes the session for access checks and filtering.
	WorkspaceID string
	// MaxTurns caps the conversation length (0 = unlimited).
	MaxTurns int
	// IdleTimeout pauses the session after inactivity (0 = registry default).
	IdleTimeout time.Duration
	// MaxMemoryMB is the session's declared memory requirement.
	MaxMemoryMB int
	// EnablePerformanceTracking turns on periodic quality sampling.
	EnablePerformanceTracking bool
	// EnableResourceMonitoring turns on per-agent usage sampling.
	EnableResourceMonitoring bool
	// Metadata is arbitrary caller metadata carried by the session.
	Metadata map[string]any
}

// Info is a read-only view of a live session. It is a copy; mutating
// it has no effect on registry state.
type Info struct {
	ID          string         `json:"id"`
	AgentID     string         `json:"agentId"`
	UserID      string         `json:"userId,omitempty"`
	WorkspaceID string         `json:"workspaceId,omitempty"`
	State       State          `json:"state"`
	CreatedAt   time.Time      `json:"createdAt"`
	LastActive  time.Time      `json:"lastActivityAt"`
	Messages    int64          `json:"messagesProcessed"`
	Tokens      int64          `json:"tokensConsumed"`
	AvgResponse float64        `json:"avgResponseTimeMs"`
	ErrorCount  int64          `json:"errorCount"`
	Handoffs    int            `json:"handoffCount"`
	Quality     float64        `json:"qualityScore"`
	Metadata    map[string]any `json:"metadata,omitempty"`

	PerformanceTracking bool `json:"performanceTracking"`
	ResourceMonitoring  bool `json:"resourceMonitoring"`
}

// Snapshot is the serializable terminal record of a session, emitted
// at finalization for persistence outside the live registry.
type Snapshot struct {
	SessionID         string    `json:"sessionId"`
	AgentID           string    `json:"agentId"`
	UserID            string    `json:"userId,omitempty"`
	WorkspaceID       string    `json:"workspaceId,omitempty"`
	CreatedAt         time.Time `json:"createdAt"`
	EndedAt           time.Time `json:"endedAt"`
	DurationMs        int64     `json:"durationMs"`
	MessagesProcessed int64     `json:"messagesProcessed"`
	TokensConsumed    int64     `json:"tokensConsumed"`
	AvgResponseTimeMs float64   `json:"avgResponseTimeMs"`
	ErrorRate         float64   `json:"errorRate"`
	FinalQualityScore float64   `json:"finalQualityScore"`
	HandoffCount      int       `json:"handoffCount"`
	EndReason         string    `json:"endReason,omitempty"`
}
