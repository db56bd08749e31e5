// Package directory defines the agent-directory collaborator contract.
// The coordination subsystems resolve and authorize agents through this
// interface; the real directory lives outside this module.
package directory

import (
	"context"
	"sync"

	"github.com/convoflow-dev/convoflow/internal/fault"
)

// Agent describes a registered conversational agent.
type Agent struct {
	ID          string         `json:"id" yaml:"id"`
	Name        string         `json:"name" yaml:"name"`
	WorkspaceID string         `json:"workspaceId" yaml:"workspace_id"`
	Description string         `json:"description,omitempty" yaml:"description,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty" yaml:"-"`
}

// AuthContext carries the caller's identity for access checks.
type AuthContext struct {
	UserID      string
	WorkspaceID string
}

// Directory resolves agents and enforces workspace access.
type Directory interface {
	// GetAgent returns the agent with the given ID. It fails with a
	// NotFound fault for unknown agents and a Forbidden fault when the
	// caller's workspace does not match the agent's.
	GetAgent(ctx context.Context, agentID string, auth AuthContext) (*Agent, error)
}

// InMemory is a Directory backed by a local map, used for tests and
// single-process deployments.
type InMemory struct {
	mu     sync.RWMutex
	agents map[string]*Agent
}

// NewInMemory creates an empty in-memory directory.
func NewInMemory() *InMemory {
	return &InMemory{agents: make(map[string]*Agent)}
}

// Register adds or replaces an agent.
func (d *InMemory) Register(agent *Agent) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.agents[agent.ID] = agent
}

// GetAgent implements Directory.
func (d *InMemory) GetAgent(ctx context.Context, agentID string, auth AuthContext) (*Agent, error) {
	d.mu.RLock()
	agent, ok := d.agents[agentID]
	d.mu.RUnlock()

	if !ok {
		return nil, fault.Newf(fault.NotFound, "agent %s", agentID)
	}
	if agent.WorkspaceID != "" && auth.WorkspaceID != "" && agent.WorkspaceID != auth.WorkspaceID {
		return nil, fault.Newf(fault.Forbidden, "agent %s not in workspace %s", agentID, auth.WorkspaceID)
	}

	// Copy so callers cannot mutate directory state.
	out := *agent
	return &out, nil
}
