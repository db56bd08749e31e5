package orchestrator

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/convoflow-dev/convoflow/internal/coordination"
	"github.com/convoflow-dev/convoflow/internal/directory"
	"github.com/convoflow-dev/convoflow/internal/engine"
	"github.com/convoflow-dev/convoflow/internal/fault"
	"github.com/convoflow-dev/convoflow/internal/quality"
	"github.com/convoflow-dev/convoflow/internal/resource"
	"github.com/convoflow-dev/convoflow/internal/session"
)

type harness struct {
	orch        *Orchestrator
	registry    *session.Registry
	allocator   *resource.Allocator
	coordinator *coordination.Coordinator
	teamID      string
}

func testAuth() directory.AuthContext {
	return directory.AuthContext{UserID: "user-1", WorkspaceID: "ws1"}
}

func newHarness(t *testing.T, poolLimits resource.Limits) *harness {
	t.Helper()

	dir := directory.NewInMemory()
	dir.Register(&directory.Agent{ID: "agent-1", Name: "support", WorkspaceID: "ws1"})
	dir.Register(&directory.Agent{ID: "agent-2", Name: "backup", WorkspaceID: "ws1"})

	log := zerolog.Nop()
	reg := session.NewRegistry(dir, nil, nil, log)
	alloc := resource.NewAllocator(resource.Limits{MaxMemoryMB: 4096}, nil, nil, log)
	coord := coordination.NewCoordinator(dir, reg, nil, log)
	qual := quality.NewMonitor(reg, nil, log, quality.WithSampleInterval(10*time.Millisecond))

	_, err := alloc.CreatePool(context.Background(), resource.PoolConfig{
		Name:     "support-pool",
		AgentIDs: []string{"agent-1", "agent-2"},
		Limits:   poolLimits,
	})
	require.NoError(t, err)

	teamID, err := coord.CreateTeam(context.Background(), coordination.TeamConfig{
		Name: "support",
		Members: []coordination.TeamMember{
			{AgentID: "agent-1", Specialization: "general", Priority: 2, MaxWorkload: 3},
			{AgentID: "agent-2", Specialization: "general", Priority: 1, MaxWorkload: 3},
		},
	}, testAuth())
	require.NoError(t, err)

	o := New(Deps{
		Registry:    reg,
		Allocator:   alloc,
		Coordinator: coord,
		Quality:     qual,
		Engine:      engine.NewEchoEngine(),
		Logger:      log,
	})
	t.Cleanup(func() { _ = o.Close(context.Background()) })

	return &harness{orch: o, registry: reg, allocator: alloc, coordinator: coord, teamID: teamID}
}

func TestStartConversation(t *testing.T) {
	h := newHarness(t, resource.Limits{MaxMemoryMB: 1000})

	conv, err := h.orch.StartConversation(context.Background(), StartRequest{
		AgentID:      "agent-1",
		TeamID:       h.teamID,
		Requirements: resource.Requirements{MemoryMB: 100},
	}, testAuth())
	require.NoError(t, err)

	assert.Equal(t, session.StateActive, conv.Session.State)
	assert.Equal(t, "support-pool", conv.Grant.PoolID)
	require.NotNil(t, conv.Assignment)
	assert.Equal(t, "agent-1", conv.Assignment.AssignedAgentID)
	assert.Equal(t, 1, h.registry.Count())
}

func TestStartConversationWithoutTeam(t *testing.T) {
	h := newHarness(t, resource.Limits{MaxMemoryMB: 1000})

	conv, err := h.orch.StartConversation(context.Background(), StartRequest{
		AgentID:      "agent-1",
		Requirements: resource.Requirements{MemoryMB: 100},
	}, testAuth())
	require.NoError(t, err)
	assert.Nil(t, conv.Assignment)
}

// Allocation failure must not leave an orphaned session behind.
func TestStartRollsBackSessionOnAllocationFailure(t *testing.T) {
	h := newHarness(t, resource.Limits{MaxMemoryMB: 100})

	_, err := h.orch.StartConversation(context.Background(), StartRequest{
		AgentID:      "agent-1",
		Requirements: resource.Requirements{MemoryMB: 500},
	}, testAuth())
	require.Error(t, err)
	assert.True(t, fault.Is(err, fault.ResourceExhausted))
	assert.Equal(t, 0, h.registry.Count(), "orphaned session must be rolled back")
}

// Assignment failure must undo both the session and its allocation.
func TestStartRollsBackOnAssignmentFailure(t *testing.T) {
	h := newHarness(t, resource.Limits{MaxMemoryMB: 1000})

	_, err := h.orch.StartConversation(context.Background(), StartRequest{
		AgentID:      "agent-1",
		TeamID:       "no-such-team",
		Requirements: resource.Requirements{MemoryMB: 100},
	}, testAuth())
	require.Error(t, err)
	assert.True(t, fault.Is(err, fault.NotFound))
	assert.Equal(t, 0, h.registry.Count())

	status, err := h.allocator.PoolStatus("support-pool")
	require.NoError(t, err)
	assert.Equal(t, 0, status.UsedMemoryMB, "allocation must be rolled back")
}

func TestRecordTurn(t *testing.T) {
	h := newHarness(t, resource.Limits{MaxMemoryMB: 1000})
	conv, err := h.orch.StartConversation(context.Background(), StartRequest{
		AgentID:      "agent-1",
		Requirements: resource.Requirements{MemoryMB: 100},
	}, testAuth())
	require.NoError(t, err)

	turn, err := h.orch.RecordTurn(context.Background(), conv.Session.ID, "hello there")
	require.NoError(t, err)
	assert.NotEmpty(t, turn.Content)
	assert.Positive(t, turn.TokensUsed)

	// Both the user message and the agent reply are in the history.
	events := h.registry.RecentEvents(conv.Session.ID, 10)
	require.Len(t, events, 2)
	assert.Equal(t, session.SourceCustomer, events[0].Source)
	assert.Equal(t, session.SourceAgent, events[1].Source)
	assert.Equal(t, turn.TokensUsed, events[1].TokensUsed)
}

func TestRecordTurnUnknownSession(t *testing.T) {
	h := newHarness(t, resource.Limits{MaxMemoryMB: 1000})
	_, err := h.orch.RecordTurn(context.Background(), "ghost", "hello")
	assert.True(t, fault.Is(err, fault.NotFound))
}

func TestRecordTurnTokenBudgetExhausted(t *testing.T) {
	h := newHarness(t, resource.Limits{MaxMemoryMB: 1000, MaxTokensPerMinute: 5})
	conv, err := h.orch.StartConversation(context.Background(), StartRequest{
		AgentID:      "agent-1",
		Requirements: resource.Requirements{MemoryMB: 100},
	}, testAuth())
	require.NoError(t, err)

	long := make([]byte, 200)
	for i := range long {
		long[i] = 'a'
	}
	_, err = h.orch.RecordTurn(context.Background(), conv.Session.ID, string(long))
	assert.True(t, fault.Is(err, fault.ResourceExhausted))
}

func TestEndConversation(t *testing.T) {
	h := newHarness(t, resource.Limits{MaxMemoryMB: 1000})
	conv, err := h.orch.StartConversation(context.Background(), StartRequest{
		AgentID:      "agent-1",
		TeamID:       h.teamID,
		Requirements: resource.Requirements{MemoryMB: 100},
	}, testAuth())
	require.NoError(t, err)

	_, err = h.orch.RecordTurn(context.Background(), conv.Session.ID, "hi")
	require.NoError(t, err)

	snap, err := h.orch.EndConversation(context.Background(), conv.Session.ID, testAuth())
	require.NoError(t, err)
	assert.Equal(t, conv.Session.ID, snap.SessionID)
	assert.Equal(t, int64(2), snap.MessagesProcessed)
	assert.Equal(t, 0, h.registry.Count())

	// Allocation and workload released.
	status, err := h.allocator.PoolStatus("support-pool")
	require.NoError(t, err)
	assert.Equal(t, 0, status.UsedMemoryMB)
	st, err := h.coordinator.TeamStatus(h.teamID)
	require.NoError(t, err)
	for _, m := range st.Members {
		assert.Equal(t, 0, m.CurrentWorkload)
	}
}

func TestHandoffMigratesAllocation(t *testing.T) {
	h := newHarness(t, resource.Limits{MaxMemoryMB: 1000})
	conv, err := h.orch.StartConversation(context.Background(), StartRequest{
		AgentID:      "agent-1",
		TeamID:       h.teamID,
		Requirements: resource.Requirements{MemoryMB: 100},
	}, testAuth())
	require.NoError(t, err)

	hc, err := h.orch.Handoff(context.Background(), conv.Session.ID, coordination.HandoffRequest{
		TargetAgentID: "agent-2",
		Reason:        "load balance",
	}, testAuth())
	require.NoError(t, err)
	require.True(t, hc.Success)

	// Old allocation released, new session holds one.
	_, err = h.allocator.AllocationFor(conv.Session.ID)
	assert.True(t, fault.Is(err, fault.NotFound))
	alloc, err := h.allocator.AllocationFor(hc.ToSessionID)
	require.NoError(t, err)
	assert.Equal(t, "agent-2", alloc.AgentID)
}

func TestEscalate(t *testing.T) {
	h := newHarness(t, resource.Limits{MaxMemoryMB: 1000})
	conv, err := h.orch.StartConversation(context.Background(), StartRequest{
		AgentID:      "agent-1",
		TeamID:       h.teamID,
		Requirements: resource.Requirements{MemoryMB: 100},
	}, testAuth())
	require.NoError(t, err)

	esc, err := h.orch.Escalate(context.Background(), conv.Session.ID, coordination.EscalationRequest{
		Reason:  "human please",
		Urgency: coordination.UrgencyCritical,
	}, testAuth())
	require.NoError(t, err)
	assert.Equal(t, 5*time.Minute, esc.EstimatedWaitTime)
}

func TestPauseResume(t *testing.T) {
	h := newHarness(t, resource.Limits{MaxMemoryMB: 1000})
	conv, err := h.orch.StartConversation(context.Background(), StartRequest{
		AgentID:      "agent-1",
		Requirements: resource.Requirements{MemoryMB: 100},
	}, testAuth())
	require.NoError(t, err)

	require.NoError(t, h.orch.Pause(conv.Session.ID, testAuth()))
	info, err := h.registry.Get(conv.Session.ID)
	require.NoError(t, err)
	assert.Equal(t, session.StatePaused, info.State)

	require.NoError(t, h.orch.Resume(conv.Session.ID, testAuth()))
	info, err = h.registry.Get(conv.Session.ID)
	require.NoError(t, err)
	assert.Equal(t, session.StateActive, info.State)
}
