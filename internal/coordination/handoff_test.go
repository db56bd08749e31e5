package coordination

import (
	"context"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/convoflow-dev/convoflow/internal/directory"
	"github.com/convoflow-dev/convoflow/internal/fault"
	"github.com/convoflow-dev/convoflow/internal/session"
)

// assignedSession creates a session and routes it to the given team.
func assignedSession(t *testing.T, c *Coordinator, reg *session.Registry, teamID, spec string) (string, string) {
	t.Helper()
	info, err := reg.Create(context.Background(), "agent-general", testAuth(), session.CreateOptions{
		UserID:   "user-1",
		Metadata: map[string]any{"customerTier": "gold"},
	})
	require.NoError(t, err)
	a, err := c.AssignToTeam(context.Background(), teamID, info.ID, AssignmentContext{RequiredSpecialization: spec})
	require.NoError(t, err)
	return info.ID, a.AssignedAgentID
}

func TestHandoffTransfersConversation(t *testing.T) {
	c, reg := testCoordinator(t)
	teamID, err := c.CreateTeam(context.Background(), testTeamConfig(), testAuth())
	require.NoError(t, err)

	sessionID, sourceAgent := assignedSession(t, c, reg, teamID, "general")
	require.Equal(t, "agent-general", sourceAgent)

	reg.RecordActivity(sessionID, session.ConversationEvent{Source: session.SourceCustomer, Content: "my payment failed"})
	reg.RecordActivity(sessionID, session.ConversationEvent{Source: session.SourceAgent, Content: "let me check that"})

	hc, err := c.InitiateHandoff(context.Background(), sessionID, HandoffRequest{
		TargetSpecialization: "billing",
		Reason:               "billing question",
		PreserveContext:      true,
	}, testAuth())
	require.NoError(t, err)
	require.True(t, hc.Success)
	assert.Equal(t, sessionID, hc.FromSessionID)
	assert.Equal(t, "agent-general", hc.FromAgentID)
	assert.Equal(t, "agent-billing", hc.ToAgentID)
	assert.Contains(t, hc.Summary, "customer: my payment failed")
	assert.Contains(t, hc.Summary, "agent: let me check that")
	assert.Equal(t, "gold", hc.PreservedContext["customerTier"])

	// The source session ended; the new one carries the origin link
	// and the preserved context.
	_, err = reg.Get(sessionID)
	assert.True(t, fault.Is(err, fault.NotFound))
	next, err := reg.Get(hc.ToSessionID)
	require.NoError(t, err)
	assert.Equal(t, sessionID, next.Metadata["originSessionId"])
	assert.Equal(t, "gold", next.Metadata["customerTier"])
	assert.Equal(t, 1, next.Handoffs)

	// Workload moved from source to target.
	st, _ := c.TeamStatus(teamID)
	for _, m := range st.Members {
		switch m.AgentID {
		case "agent-general":
			assert.Equal(t, 0, m.CurrentWorkload)
		case "agent-billing":
			assert.Equal(t, 1, m.CurrentWorkload)
		}
	}
	assert.Equal(t, 1, st.Metrics.SuccessfulHandoffs)

	// Both session IDs resolve the handoff record.
	require.Len(t, c.HandoffHistory(sessionID), 1)
	require.Len(t, c.HandoffHistory(hc.ToSessionID), 1)
}

func TestHandoffWithoutContextPreservation(t *testing.T) {
	c, reg := testCoordinator(t)
	teamID, err := c.CreateTeam(context.Background(), testTeamConfig(), testAuth())
	require.NoError(t, err)
	sessionID, _ := assignedSession(t, c, reg, teamID, "general")

	hc, err := c.InitiateHandoff(context.Background(), sessionID, HandoffRequest{
		TargetSpecialization: "technical",
	}, testAuth())
	require.NoError(t, err)
	require.True(t, hc.Success)
	assert.Nil(t, hc.PreservedContext)

	next, err := reg.Get(hc.ToSessionID)
	require.NoError(t, err)
	assert.Equal(t, sessionID, next.Metadata["originSessionId"])
	assert.NotContains(t, next.Metadata, "customerTier")
}

func TestHandoffExplicitTargetAtCapacity(t *testing.T) {
	c, reg := testCoordinator(t)
	cfg := TeamConfig{
		Name: "pair",
		Members: []TeamMember{
			{AgentID: "agent-general", Specialization: "general", MaxWorkload: 3},
			{AgentID: "agent-billing", Specialization: "billing", MaxWorkload: 1},
		},
	}
	teamID, err := c.CreateTeam(context.Background(), cfg, testAuth())
	require.NoError(t, err)

	// Fill the billing member's only slot.
	assignedSession(t, c, reg, teamID, "billing")
	sessionID, _ := assignedSession(t, c, reg, teamID, "general")

	_, err = c.InitiateHandoff(context.Background(), sessionID, HandoffRequest{
		TargetAgentID: "agent-billing",
	}, testAuth())
	assert.True(t, fault.Is(err, fault.Unavailable))
}

func TestHandoffNoCandidate(t *testing.T) {
	c, reg := testCoordinator(t)
	cfg := TeamConfig{
		Name:    "solo",
		Members: []TeamMember{{AgentID: "agent-general", Specialization: "general", MaxWorkload: 3}},
	}
	teamID, err := c.CreateTeam(context.Background(), cfg, testAuth())
	require.NoError(t, err)
	sessionID, _ := assignedSession(t, c, reg, teamID, "general")

	// The only member is the source agent, so nobody can take over.
	_, err = c.InitiateHandoff(context.Background(), sessionID, HandoffRequest{}, testAuth())
	assert.True(t, fault.Is(err, fault.Unavailable))
}

func TestHandoffUnassignedSession(t *testing.T) {
	c, _ := testCoordinator(t)
	_, err := c.InitiateHandoff(context.Background(), "ghost", HandoffRequest{}, testAuth())
	assert.True(t, fault.Is(err, fault.NotFound))
}

// A handoff that fails mid-flight is recorded, not discarded: the
// context comes back with Success=false and the failure counts toward
// team metrics.
func TestFailedHandoffIsRecorded(t *testing.T) {
	// The coordinator's directory knows agent-ghost but the registry's
	// does not, so target selection succeeds and session creation fails.
	coordDir := testDirectory()
	coordDir.Register(&directory.Agent{ID: "agent-ghost", Name: "ghost", WorkspaceID: "ws1"})
	reg := session.NewRegistry(testDirectory(), nil, nil, zerolog.Nop())
	t.Cleanup(func() { _ = reg.Close(context.Background()) })
	c := NewCoordinator(coordDir, reg, nil, zerolog.Nop())

	cfg := TeamConfig{
		Name: "haunted",
		Members: []TeamMember{
			{AgentID: "agent-general", Specialization: "general", MaxWorkload: 3},
			{AgentID: "agent-ghost", Specialization: "general", MaxWorkload: 3},
		},
	}
	teamID, err := c.CreateTeam(context.Background(), cfg, testAuth())
	require.NoError(t, err)
	sessionID, _ := assignedSession(t, c, reg, teamID, "general")

	hc, err := c.InitiateHandoff(context.Background(), sessionID, HandoffRequest{
		TargetAgentID: "agent-ghost",
		Reason:        "doomed",
	}, testAuth())
	require.NoError(t, err)
	require.NotNil(t, hc)
	assert.False(t, hc.Success)
	assert.NotEmpty(t, hc.FailureReason)
	assert.Empty(t, hc.ToSessionID)

	// The source session is untouched and still assigned.
	_, err = reg.Get(sessionID)
	require.NoError(t, err)
	agent, err := c.AssignedAgent(sessionID)
	require.NoError(t, err)
	assert.Equal(t, "agent-general", agent)

	st, _ := c.TeamStatus(teamID)
	assert.Equal(t, 1, st.Metrics.FailedHandoffs)
	require.Len(t, c.HandoffHistory(sessionID), 1)
	assert.False(t, c.HandoffHistory(sessionID)[0].Success)
}

// hookedDirectory runs a callback before resolving an agent, letting
// tests interleave work with the registry's external directory call.
type hookedDirectory struct {
	inner  directory.Directory
	before func(agentID string)
}

func (d *hookedDirectory) GetAgent(ctx context.Context, agentID string, auth directory.AuthContext) (*directory.Agent, error) {
	if d.before != nil {
		d.before(agentID)
	}
	return d.inner.GetAgent(ctx, agentID, auth)
}

// Ending the source session while the handoff is creating the target
// session must not commit: the handoff finalizes with Success=false,
// the created target session is torn down, and the source member's
// slot for another still-assigned session stays untouched.
func TestHandoffSourceEndedMidFlight(t *testing.T) {
	hooked := &hookedDirectory{inner: testDirectory()}
	reg := session.NewRegistry(hooked, nil, nil, zerolog.Nop())
	t.Cleanup(func() { _ = reg.Close(context.Background()) })
	c := NewCoordinator(testDirectory(), reg, nil, zerolog.Nop())

	teamID, err := c.CreateTeam(context.Background(), testTeamConfig(), testAuth())
	require.NoError(t, err)

	sessionID, _ := assignedSession(t, c, reg, teamID, "general")
	otherID, _ := assignedSession(t, c, reg, teamID, "general")

	// End the source while the handoff resolves the target agent,
	// exactly what a concurrent conversation end does.
	hooked.before = func(agentID string) {
		if agentID != "agent-billing" {
			return
		}
		hooked.before = nil
		c.ReleaseSession(sessionID)
		_, endErr := reg.End(context.Background(), sessionID, testAuth())
		require.NoError(t, endErr)
	}

	hc, err := c.InitiateHandoff(context.Background(), sessionID, HandoffRequest{
		TargetSpecialization: "billing",
	}, testAuth())
	require.NoError(t, err)
	require.NotNil(t, hc)
	assert.False(t, hc.Success)
	assert.NotEmpty(t, hc.FailureReason)
	assert.Empty(t, hc.ToSessionID)

	// No orphan: only the other session is left in the registry.
	assert.Equal(t, 1, reg.Count())
	_, err = c.AssignedAgent(sessionID)
	assert.True(t, fault.Is(err, fault.NotFound))

	// The other session still owns its workload unit.
	st, _ := c.TeamStatus(teamID)
	for _, m := range st.Members {
		switch m.AgentID {
		case "agent-general":
			assert.Equal(t, 1, m.CurrentWorkload)
		case "agent-billing":
			assert.Equal(t, 0, m.CurrentWorkload)
		}
	}
	agent, err := c.AssignedAgent(otherID)
	require.NoError(t, err)
	assert.Equal(t, "agent-general", agent)
	assert.Equal(t, 1, st.Metrics.FailedHandoffs)
}

// Same race, but the source is ended against the registry alone and
// its routing record is left behind. The commit must notice the dead
// source, free the claimed slot and tear the target down.
func TestHandoffSourceEndedInRegistryMidFlight(t *testing.T) {
	hooked := &hookedDirectory{inner: testDirectory()}
	reg := session.NewRegistry(hooked, nil, nil, zerolog.Nop())
	t.Cleanup(func() { _ = reg.Close(context.Background()) })
	c := NewCoordinator(testDirectory(), reg, nil, zerolog.Nop())

	teamID, err := c.CreateTeam(context.Background(), testTeamConfig(), testAuth())
	require.NoError(t, err)
	sessionID, _ := assignedSession(t, c, reg, teamID, "general")

	hooked.before = func(agentID string) {
		if agentID != "agent-billing" {
			return
		}
		hooked.before = nil
		_, endErr := reg.End(context.Background(), sessionID, testAuth())
		require.NoError(t, endErr)
	}

	hc, err := c.InitiateHandoff(context.Background(), sessionID, HandoffRequest{
		TargetSpecialization: "billing",
	}, testAuth())
	require.NoError(t, err)
	assert.False(t, hc.Success)
	assert.Empty(t, hc.ToSessionID)

	assert.Equal(t, 0, reg.Count())
	_, err = c.AssignedAgent(sessionID)
	assert.True(t, fault.Is(err, fault.NotFound))

	st, _ := c.TeamStatus(teamID)
	for _, m := range st.Members {
		assert.Equal(t, 0, m.CurrentWorkload, m.AgentID)
	}
}

// Workload conservation: across assignment, handoff and release, the
// sum of member workloads always equals the number of live
// assignments.
func TestWorkloadConservation(t *testing.T) {
	c, reg := testCoordinator(t)
	teamID, err := c.CreateTeam(context.Background(), testTeamConfig(), testAuth())
	require.NoError(t, err)

	totalWorkload := func() int {
		st, err := c.TeamStatus(teamID)
		require.NoError(t, err)
		sum := 0
		for _, m := range st.Members {
			sum += m.CurrentWorkload
		}
		return sum
	}

	s1, _ := assignedSession(t, c, reg, teamID, "general")
	s2, _ := assignedSession(t, c, reg, teamID, "billing")
	assert.Equal(t, 2, totalWorkload())

	hc, err := c.InitiateHandoff(context.Background(), s1, HandoffRequest{TargetSpecialization: "technical"}, testAuth())
	require.NoError(t, err)
	require.True(t, hc.Success)
	assert.Equal(t, 2, totalWorkload(), "handoff moves workload, never creates it")

	c.ReleaseSession(s2)
	c.ReleaseSession(hc.ToSessionID)
	assert.Equal(t, 0, totalWorkload())
}
