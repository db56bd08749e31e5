// Package orchestrator is the thin facade over the session registry,
// resource allocator, coordination layer and quality monitor. It
// sequences them for the common flows and rolls back partial side
// effects when a step fails, so a failed start never leaves an
// orphaned session or allocation behind.
package orchestrator

import (
	"context"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"

	"github.com/convoflow-dev/convoflow/internal/bus"
	"github.com/convoflow-dev/convoflow/internal/coordination"
	"github.com/convoflow-dev/convoflow/internal/directory"
	"github.com/convoflow-dev/convoflow/internal/engine"
	"github.com/convoflow-dev/convoflow/internal/fault"
	"github.com/convoflow-dev/convoflow/internal/observability"
	"github.com/convoflow-dev/convoflow/internal/quality"
	"github.com/convoflow-dev/convoflow/internal/resource"
	"github.com/convoflow-dev/convoflow/internal/session"
	obs "github.com/convoflow-dev/convoflow/pkg/observability"
)

// Deps are the orchestrator's collaborators. Engine and Events may be
// nil; turns then fail with Unavailable and events are dropped.
type Deps struct {
	Registry    *session.Registry
	Allocator   *resource.Allocator
	Coordinator *coordination.Coordinator
	Quality     *quality.Monitor
	Engine      engine.Engine
	Events      bus.Bus
	Logger      zerolog.Logger
}

// Orchestrator wires the component flows together.
type Orchestrator struct {
	registry    *session.Registry
	allocator   *resource.Allocator
	coordinator *coordination.Coordinator
	quality     *quality.Monitor
	engine      engine.Engine
	events      bus.Bus
	log         zerolog.Logger
}

// New builds an Orchestrator from its collaborators.
func New(d Deps) *Orchestrator {
	return &Orchestrator{
		registry:    d.Registry,
		allocator:   d.Allocator,
		coordinator: d.Coordinator,
		quality:     d.Quality,
		engine:      d.Engine,
		events:      d.Events,
		log:         d.Logger.With().Str("component", "orchestrator").Logger(),
	}
}

// StartRequest describes a new conversation.
type StartRequest struct {
	// AgentID is the agent to create the session against.
	AgentID string
	// TeamID routes the session through a team when set; the assigned
	// member's agent then handles the conversation.
	TeamID string
	// OpeningMessage seeds specialization inference for team routing.
	OpeningMessage string
	// Requirements is the session's resource reservation.
	Requirements resource.Requirements
	// Options passes through to session creation.
	Options session.CreateOptions
}

// Conversation is the result of a successful start.
type Conversation struct {
	Session    *session.Info            `json:"session"`
	Grant      *resource.Grant          `json:"grant"`
	Assignment *coordination.Assignment `json:"assignment,omitempty"`
}

// StartConversation creates a session, reserves its resources, and
// optionally routes it through a team. Each step's side effects are
// undone when a later step fails: a session without an allocation, or
// an allocation without a session, never survives this call.
func (o *Orchestrator) StartConversation(ctx context.Context, req StartRequest, auth directory.AuthContext) (*Conversation, error) {
	ctx, span := observability.StartSpan(ctx, "orchestrator.StartConversation",
		attribute.String("agent.id", req.AgentID))
	defer span.End()

	agentID := req.AgentID

	info, err := o.registry.Create(ctx, agentID, auth, req.Options)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	grant, err := o.allocator.Allocate(info.ID, agentID, req.Requirements)
	if err != nil {
		// Roll back the orphaned session.
		if _, endErr := o.registry.EndWithReason(ctx, info.ID, auth, "allocation-failed"); endErr != nil {
			o.log.Warn().Err(endErr).Str("session_id", info.ID).Msg("rollback of session after allocation failure failed")
		}
		obs.RecordAllocation("unknown", "refused")
		span.RecordError(err)
		return nil, err
	}
	obs.RecordAllocation(grant.PoolID, "granted")

	conv := &Conversation{Session: info, Grant: grant}

	if req.TeamID != "" {
		assignment, err := o.coordinator.AssignToTeam(ctx, req.TeamID, info.ID, coordination.AssignmentContext{
			OpeningMessage: req.OpeningMessage,
		})
		if err != nil {
			o.allocator.Deallocate(info.ID)
			if _, endErr := o.registry.EndWithReason(ctx, info.ID, auth, "assignment-failed"); endErr != nil {
				o.log.Warn().Err(endErr).Str("session_id", info.ID).Msg("rollback of session after assignment failure failed")
			}
			span.RecordError(err)
			return nil, err
		}
		conv.Assignment = assignment
	}

	if info.PerformanceTracking {
		if err := o.quality.StartSessionMonitoring(context.WithoutCancel(ctx), info.ID); err != nil {
			o.log.Warn().Err(err).Str("session_id", info.ID).Msg("quality monitoring not started")
		}
	}

	obs.RecordSessionCreated(agentID)
	obs.SetActiveSessions(o.registry.Count())

	o.log.Info().
		Str("session_id", info.ID).
		Str("agent_id", agentID).
		Str("pool", grant.PoolID).
		Msg("conversation started")

	return conv, nil
}

// RecordTurn runs one conversation turn: the token budget is consulted
// first, the engine produces the reply, and both sides of the exchange
// land in the session history. Engine failures are recorded as error
// events and propagated.
func (o *Orchestrator) RecordTurn(ctx context.Context, sessionID, input string) (*engine.Turn, error) {
	ctx, span := observability.StartSpan(ctx, "orchestrator.RecordTurn",
		attribute.String("session.id", sessionID))
	defer span.End()

	info, err := o.registry.Get(sessionID)
	if err != nil {
		return nil, err
	}
	if o.engine == nil {
		return nil, fault.New(fault.Unavailable, "no conversation engine configured")
	}

	// Rough budget charge up front; the actual usage lands in the
	// activity record.
	estimate := len(input)/4 + 1
	if err := o.allocator.ReserveTokens(info.AgentID, estimate); err != nil {
		span.RecordError(err)
		return nil, err
	}

	o.registry.RecordActivity(sessionID, session.ConversationEvent{
		Source:  session.SourceCustomer,
		Content: input,
	})

	start := time.Now()
	turn, err := o.engine.CreateTurn(ctx, sessionID, input)
	elapsed := time.Since(start)

	if err != nil {
		o.registry.RecordActivity(sessionID, session.ConversationEvent{
			Source:         session.SourceAgent,
			Content:        "",
			ResponseTimeMs: float64(elapsed.Milliseconds()),
			IsError:        true,
		})
		obs.RecordTurn(info.AgentID, "error", elapsed, 0)
		span.RecordError(err)
		return nil, err
	}

	o.registry.RecordActivity(sessionID, session.ConversationEvent{
		Source:         session.SourceAgent,
		Content:        turn.Content,
		ResponseTimeMs: float64(elapsed.Milliseconds()),
		TokensUsed:     turn.TokensUsed,
	})
	obs.RecordTurn(info.AgentID, "ok", elapsed, turn.TokensUsed)

	return turn, nil
}

// EndConversation tears a session down in reverse start order: quality
// sampler, coordination workload, allocation, then the session itself.
// The terminal snapshot is returned.
func (o *Orchestrator) EndConversation(ctx context.Context, sessionID string, auth directory.AuthContext) (*session.Snapshot, error) {
	ctx, span := observability.StartSpan(ctx, "orchestrator.EndConversation",
		attribute.String("session.id", sessionID))
	defer span.End()

	o.quality.StopSessionMonitoring(sessionID)
	o.coordinator.ReleaseSession(sessionID)
	o.allocator.Deallocate(sessionID)

	snap, err := o.registry.End(ctx, sessionID, auth)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	obs.RecordSessionEnded(snap.AgentID, snap.EndReason, time.Duration(snap.DurationMs)*time.Millisecond)
	obs.SetActiveSessions(o.registry.Count())
	obs.ObserveQualityScore(snap.AgentID, snap.FinalQualityScore)

	return snap, nil
}

// Handoff transfers a conversation to another team member and migrates
// its resource allocation to the new session. The allocation move is
// best-effort: a conversation survives without one, it just loses its
// reservation until the next explicit allocate.
func (o *Orchestrator) Handoff(ctx context.Context, sessionID string, req coordination.HandoffRequest, auth directory.AuthContext) (*coordination.HandoffContext, error) {
	ctx, span := observability.StartSpan(ctx, "orchestrator.Handoff",
		attribute.String("session.id", sessionID))
	defer span.End()

	alloc, allocErr := o.allocator.AllocationFor(sessionID)

	hc, err := o.coordinator.InitiateHandoff(ctx, sessionID, req, auth)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	if !hc.Success {
		obs.RecordHandoff(hc.TeamID, "failed")
		return hc, nil
	}
	obs.RecordHandoff(hc.TeamID, "success")

	// The source session ended inside the handoff; move its
	// reservation to the new session.
	if allocErr == nil {
		o.allocator.Deallocate(sessionID)
		reqs := resource.Requirements{
			MemoryMB:   alloc.MinMemoryMB,
			CPUPercent: alloc.CPUPercent,
		}
		if _, err := o.allocator.Allocate(hc.ToSessionID, hc.ToAgentID, reqs); err != nil {
			o.log.Warn().Err(err).
				Str("session_id", hc.ToSessionID).
				Msg("allocation not migrated after handoff")
		}
	}

	if o.quality != nil {
		o.quality.StopSessionMonitoring(sessionID)
		if next, err := o.registry.Get(hc.ToSessionID); err == nil && next.PerformanceTracking {
			if err := o.quality.StartSessionMonitoring(context.WithoutCancel(ctx), hc.ToSessionID); err != nil {
				o.log.Warn().Err(err).Str("session_id", hc.ToSessionID).Msg("quality monitoring not resumed after handoff")
			}
		}
	}

	return hc, nil
}

// Escalate queues a human takeover for the session.
func (o *Orchestrator) Escalate(ctx context.Context, sessionID string, req coordination.EscalationRequest, auth directory.AuthContext) (*coordination.Escalation, error) {
	esc, err := o.coordinator.EscalateToHuman(ctx, sessionID, req, auth)
	if err != nil {
		return nil, err
	}
	obs.RecordEscalation(string(esc.Urgency))
	return esc, nil
}

// Pause suspends a session.
func (o *Orchestrator) Pause(sessionID string, auth directory.AuthContext) error {
	return o.registry.Pause(sessionID, auth)
}

// Resume reactivates a paused session.
func (o *Orchestrator) Resume(sessionID string, auth directory.AuthContext) error {
	return o.registry.Resume(sessionID, auth)
}

// Close tears the stack down: samplers first, then pool monitors, then
// every live session, then the bus.
func (o *Orchestrator) Close(ctx context.Context) error {
	if o.quality != nil {
		o.quality.Close()
	}
	if o.allocator != nil {
		o.allocator.Close()
	}
	var err error
	if o.registry != nil {
		err = o.registry.Close(ctx)
	}
	if o.events != nil {
		if closeErr := o.events.Close(); closeErr != nil && err == nil {
			err = closeErr
		}
	}
	return err
}
