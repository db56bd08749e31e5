package coordination

import (
	"context"
	"sync"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/convoflow-dev/convoflow/internal/directory"
	"github.com/convoflow-dev/convoflow/internal/fault"
	"github.com/convoflow-dev/convoflow/internal/session"
)

func testDirectory() *directory.InMemory {
	d := directory.NewInMemory()
	d.Register(&directory.Agent{ID: "agent-general", Name: "general", WorkspaceID: "ws1"})
	d.Register(&directory.Agent{ID: "agent-billing", Name: "billing", WorkspaceID: "ws1"})
	d.Register(&directory.Agent{ID: "agent-tech", Name: "technical", WorkspaceID: "ws1"})
	return d
}

func testAuth() directory.AuthContext {
	return directory.AuthContext{UserID: "user-1", WorkspaceID: "ws1"}
}

func testCoordinator(t *testing.T) (*Coordinator, *session.Registry) {
	t.Helper()
	reg := session.NewRegistry(testDirectory(), nil, nil, zerolog.Nop())
	t.Cleanup(func() { _ = reg.Close(context.Background()) })
	return NewCoordinator(testDirectory(), reg, nil, zerolog.Nop()), reg
}

func testTeamConfig() TeamConfig {
	return TeamConfig{
		Name: "support",
		Members: []TeamMember{
			{AgentID: "agent-general", Specialization: "general", Priority: 1, MaxWorkload: 3},
			{AgentID: "agent-billing", Specialization: "billing", Priority: 2, MaxWorkload: 2},
			{AgentID: "agent-tech", Specialization: "technical", Priority: 2, MaxWorkload: 2},
		},
	}
}

func TestCreateTeam(t *testing.T) {
	c, _ := testCoordinator(t)

	id, err := c.CreateTeam(context.Background(), testTeamConfig(), testAuth())
	require.NoError(t, err)
	require.NotEmpty(t, id)

	st, err := c.TeamStatus(id)
	require.NoError(t, err)
	assert.Equal(t, "support", st.Name)
	require.Len(t, st.Members, 3)
	for _, m := range st.Members {
		assert.Equal(t, 0, m.CurrentWorkload)
		assert.Equal(t, Available, m.Availability)
	}
}

func TestCreateTeamUnknownMember(t *testing.T) {
	c, _ := testCoordinator(t)

	cfg := TeamConfig{Name: "bad", Members: []TeamMember{{AgentID: "ghost"}}}
	_, err := c.CreateTeam(context.Background(), cfg, testAuth())
	assert.True(t, fault.Is(err, fault.NotFound))
}

func TestCreateTeamDuplicateMember(t *testing.T) {
	c, _ := testCoordinator(t)

	cfg := TeamConfig{Name: "dup", Members: []TeamMember{
		{AgentID: "agent-general"},
		{AgentID: "agent-general"},
	}}
	_, err := c.CreateTeam(context.Background(), cfg, testAuth())
	assert.True(t, fault.Is(err, fault.InvalidState))
}

func TestAssignRoutesBySpecialization(t *testing.T) {
	c, reg := testCoordinator(t)
	teamID, err := c.CreateTeam(context.Background(), testTeamConfig(), testAuth())
	require.NoError(t, err)

	info, err := reg.Create(context.Background(), "agent-general", testAuth(), session.CreateOptions{})
	require.NoError(t, err)

	a, err := c.AssignToTeam(context.Background(), teamID, info.ID, AssignmentContext{
		OpeningMessage: "I was charged twice on my invoice",
	})
	require.NoError(t, err)
	assert.Equal(t, "agent-billing", a.AssignedAgentID)
	assert.Equal(t, "billing", a.Specialization)
	assert.Positive(t, a.EstimatedResponseTime)

	st, _ := c.TeamStatus(teamID)
	for _, m := range st.Members {
		if m.AgentID == "agent-billing" {
			assert.Equal(t, 1, m.CurrentWorkload)
		}
	}
}

func TestAssignFallsBackToGeneral(t *testing.T) {
	c, reg := testCoordinator(t)
	cfg := TeamConfig{
		Name: "narrow",
		Members: []TeamMember{
			{AgentID: "agent-general", Specialization: "general", MaxWorkload: 3},
			{AgentID: "agent-billing", Specialization: "billing", MaxWorkload: 1},
		},
	}
	teamID, err := c.CreateTeam(context.Background(), cfg, testAuth())
	require.NoError(t, err)

	newSession := func() string {
		info, err := reg.Create(context.Background(), "agent-general", testAuth(), session.CreateOptions{})
		require.NoError(t, err)
		return info.ID
	}

	// First billing question takes the only billing slot.
	a1, err := c.AssignToTeam(context.Background(), teamID, newSession(), AssignmentContext{OpeningMessage: "refund please"})
	require.NoError(t, err)
	assert.Equal(t, "agent-billing", a1.AssignedAgentID)

	// Second one falls back to general rather than refusing.
	a2, err := c.AssignToTeam(context.Background(), teamID, newSession(), AssignmentContext{OpeningMessage: "refund please"})
	require.NoError(t, err)
	assert.Equal(t, "agent-general", a2.AssignedAgentID)
}

func TestAssignUnavailableWhenTeamFull(t *testing.T) {
	c, reg := testCoordinator(t)
	cfg := TeamConfig{
		Name:    "tiny",
		Members: []TeamMember{{AgentID: "agent-general", Specialization: "general", MaxWorkload: 1}},
	}
	teamID, err := c.CreateTeam(context.Background(), cfg, testAuth())
	require.NoError(t, err)

	info, err := reg.Create(context.Background(), "agent-general", testAuth(), session.CreateOptions{})
	require.NoError(t, err)
	_, err = c.AssignToTeam(context.Background(), teamID, info.ID, AssignmentContext{})
	require.NoError(t, err)

	info2, err := reg.Create(context.Background(), "agent-general", testAuth(), session.CreateOptions{})
	require.NoError(t, err)
	_, err = c.AssignToTeam(context.Background(), teamID, info2.ID, AssignmentContext{})
	assert.True(t, fault.Is(err, fault.Unavailable))
}

func TestAssignUnknownTeam(t *testing.T) {
	c, _ := testCoordinator(t)
	_, err := c.AssignToTeam(context.Background(), "nope", "s1", AssignmentContext{})
	assert.True(t, fault.Is(err, fault.NotFound))
}

// Concurrent assignments must never push a member past MaxWorkload:
// selection and the workload increment share one critical section.
func TestConcurrentAssignmentRespectsCapacity(t *testing.T) {
	c, reg := testCoordinator(t)
	cfg := TeamConfig{
		Name: "capped",
		Members: []TeamMember{
			{AgentID: "agent-general", Specialization: "general", MaxWorkload: 3},
			{AgentID: "agent-billing", Specialization: "general", MaxWorkload: 3},
		},
	}
	teamID, err := c.CreateTeam(context.Background(), cfg, testAuth())
	require.NoError(t, err)

	const attempts = 20
	var wg sync.WaitGroup
	var mu sync.Mutex
	granted := 0
	for i := 0; i < attempts; i++ {
		info, err := reg.Create(context.Background(), "agent-general", testAuth(), session.CreateOptions{})
		require.NoError(t, err)
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			if _, err := c.AssignToTeam(context.Background(), teamID, id, AssignmentContext{}); err == nil {
				mu.Lock()
				granted++
				mu.Unlock()
			}
		}(info.ID)
	}
	wg.Wait()

	assert.Equal(t, 6, granted, "total capacity is 2 members x 3 slots")
	st, _ := c.TeamStatus(teamID)
	for _, m := range st.Members {
		assert.LessOrEqual(t, m.CurrentWorkload, m.MaxWorkload)
	}
}

func TestReleaseSessionDecrementsWorkload(t *testing.T) {
	c, reg := testCoordinator(t)
	teamID, err := c.CreateTeam(context.Background(), testTeamConfig(), testAuth())
	require.NoError(t, err)

	info, err := reg.Create(context.Background(), "agent-general", testAuth(), session.CreateOptions{})
	require.NoError(t, err)
	a, err := c.AssignToTeam(context.Background(), teamID, info.ID, AssignmentContext{})
	require.NoError(t, err)

	c.ReleaseSession(info.ID)
	st, _ := c.TeamStatus(teamID)
	for _, m := range st.Members {
		if m.AgentID == a.AssignedAgentID {
			assert.Equal(t, 0, m.CurrentWorkload)
		}
	}

	// Releasing twice, or an unknown session, is a no-op.
	c.ReleaseSession(info.ID)
	c.ReleaseSession("ghost")
}

func TestInferSpecialization(t *testing.T) {
	tests := []struct {
		message string
		want    string
	}{
		{"My invoice is wrong", "billing"},
		{"The API returns an error!", "technical"},
		{"Can I get a demo?", "sales"},
		{"hello there", "general"},
		{"", "general"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, InferSpecialization(tt.message), "message %q", tt.message)
	}
}
