package convoflow

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/convoflow-dev/convoflow/internal/coordination"
	"github.com/convoflow-dev/convoflow/internal/directory"
	"github.com/convoflow-dev/convoflow/internal/orchestrator"
	"github.com/convoflow-dev/convoflow/internal/resource"
	"github.com/convoflow-dev/convoflow/pkg/config"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	return &config.Config{
		Engine: config.EngineConfig{Provider: "echo"},
		Agents: []config.AgentConfig{
			{ID: "agent-1", Name: "Support One", WorkspaceID: "ws1"},
			{ID: "agent-2", Name: "Support Two", WorkspaceID: "ws1"},
		},
		Pools: []resource.PoolConfig{
			{
				Name:     "support-pool",
				AgentIDs: []string{"agent-1", "agent-2"},
				Limits:   resource.Limits{MaxMemoryMB: 2048, MaxCPUPercent: 200},
			},
		},
		Defaults: resource.Limits{MaxMemoryMB: 1024, MaxCPUPercent: 100},
		Teams: []coordination.TeamConfig{
			{
				Name: "support",
				Members: []coordination.TeamMember{
					{AgentID: "agent-1", Priority: 2},
					{AgentID: "agent-2", Priority: 1},
				},
			},
		},
		Sessions: config.SessionConfig{IdleTimeout: time.Minute, MaxHistory: 100},
		Store:    config.StoreConfig{Backend: "file", Path: t.TempDir()},
	}
}

func TestNewSystemAndConversationFlow(t *testing.T) {
	cfg := testConfig(t)
	sys, err := NewSystem(context.Background(), cfg, zerolog.Nop())
	require.NoError(t, err)
	defer sys.Close(context.Background())

	auth := directory.AuthContext{UserID: "user-1", WorkspaceID: "ws1"}
	conv, err := sys.Orchestrator.StartConversation(context.Background(), orchestrator.StartRequest{
		AgentID:      "agent-1",
		Requirements: resource.Requirements{MemoryMB: 128},
	}, auth)
	require.NoError(t, err)
	require.NotNil(t, conv.Grant)
	assert.Equal(t, "support-pool", conv.Grant.PoolID)

	turn, err := sys.Orchestrator.RecordTurn(context.Background(), conv.Session.ID, "hello there")
	require.NoError(t, err)
	assert.NotEmpty(t, turn.Content)

	snap, err := sys.Orchestrator.EndConversation(context.Background(), conv.Session.ID, auth)
	require.NoError(t, err)
	assert.Equal(t, conv.Session.ID, snap.SessionID)
}

func TestNewSystemRegistersTeams(t *testing.T) {
	cfg := testConfig(t)
	sys, err := NewSystem(context.Background(), cfg, zerolog.Nop())
	require.NoError(t, err)
	defer sys.Close(context.Background())

	teamID, ok := sys.TeamID("support")
	require.True(t, ok)

	status, err := sys.Coordinator.TeamStatus(teamID)
	require.NoError(t, err)
	assert.Len(t, status.Members, 2)

	_, ok = sys.TeamID("missing")
	assert.False(t, ok)
}

func TestNewSystemRejectsInvalidConfig(t *testing.T) {
	cfg := testConfig(t)
	cfg.Engine.Provider = "quantum"
	_, err := NewSystem(context.Background(), cfg, zerolog.Nop())
	require.Error(t, err)
}

func TestNewStoreUnknownBackend(t *testing.T) {
	_, err := newStore(config.StoreConfig{Backend: "carrier-pigeon"})
	require.Error(t, err)
}

func TestNewEngineUnknownProvider(t *testing.T) {
	_, err := newEngine(config.EngineConfig{Provider: "quantum"})
	require.Error(t, err)
}
