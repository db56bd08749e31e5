package coordination

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/convoflow-dev/convoflow/internal/bus"
	"github.com/convoflow-dev/convoflow/internal/directory"
	"github.com/convoflow-dev/convoflow/internal/fault"
	"github.com/convoflow-dev/convoflow/internal/session"
)

// summaryTurns is how many trailing conversation turns the handoff
// summary covers.
const summaryTurns = 10

// InitiateHandoff transfers a conversation to another team member. A
// new session is created for the target, the trailing conversation is
// summarized into it, and on success the source session ends with
// reason "handoff".
//
// Execution follows the optimistic pattern: the target is selected
// under the team lock, the lock is released for the session create
// (an external call), then the routing record is reclaimed and the
// source's liveness and the target's capacity are rechecked before the
// workload swap commits. If any recheck fails the new session is torn
// down.
//
// A handoff that fails after initiation is recorded with Success=false
// and returned without an error; callers inspect the context. Errors
// are returned only when the handoff could not be initiated at all.
func (c *Coordinator) InitiateHandoff(ctx context.Context, sessionID string, req HandoffRequest, auth directory.AuthContext) (*HandoffContext, error) {
	c.mu.RLock()
	a, ok := c.assignments[sessionID]
	c.mu.RUnlock()
	if !ok {
		return nil, fault.Newf(fault.NotFound, "session %s has no team assignment", sessionID)
	}

	t, err := c.team(a.teamID)
	if err != nil {
		return nil, err
	}

	src, err := c.registry.Get(sessionID)
	if err != nil {
		return nil, err
	}

	// Select the target under the team lock, without committing the
	// workload swap yet.
	t.mu.Lock()
	var target *TeamMember
	if req.TargetAgentID != "" {
		target = findMember(t.members, req.TargetAgentID)
		if target == nil {
			t.mu.Unlock()
			return nil, fault.Newf(fault.NotFound, "agent %s is not a member of team %s", req.TargetAgentID, t.name)
		}
		if target.Availability != Available || target.CurrentWorkload >= target.MaxWorkload {
			t.mu.Unlock()
			return nil, fault.Newf(fault.Unavailable, "agent %s cannot accept a handoff", req.TargetAgentID)
		}
	} else {
		target = selectMember(t.members, req.TargetSpecialization, a.agentID)
		if target == nil && req.TargetSpecialization != "" {
			target = selectMember(t.members, SpecializationGeneral, a.agentID)
		}
		if target == nil {
			t.mu.Unlock()
			return nil, fault.Newf(fault.Unavailable, "no member of team %s can accept a handoff", t.name)
		}
	}
	targetID := target.AgentID
	t.mu.Unlock()

	hc := &HandoffContext{
		ID:            uuid.NewString(),
		TeamID:        a.teamID,
		FromSessionID: sessionID,
		FromAgentID:   a.agentID,
		ToAgentID:     targetID,
		Reason:        req.Reason,
		Summary:       summarize(c.registry.RecentEvents(sessionID, summaryTurns)),
		InitiatedAt:   time.Now().UTC(),
	}

	meta := map[string]any{
		"originSessionId": sessionID,
		"handoffReason":   req.Reason,
		"handoffSummary":  hc.Summary,
	}
	if req.PreserveContext {
		preserved := make(map[string]any, len(src.Metadata))
		for k, v := range src.Metadata {
			preserved[k] = v
		}
		hc.PreservedContext = preserved
		for k, v := range preserved {
			if _, taken := meta[k]; !taken {
				meta[k] = v
			}
		}
	}

	// External call outside any team lock.
	next, err := c.registry.Create(ctx, targetID, auth, session.CreateOptions{
		UserID:                    src.UserID,
		WorkspaceID:               src.WorkspaceID,
		EnablePerformanceTracking: src.PerformanceTracking,
		EnableResourceMonitoring:  src.ResourceMonitoring,
		Metadata:                  meta,
	})
	if err != nil {
		return c.finishHandoff(t, hc, fmt.Sprintf("create target session: %v", err)), nil
	}
	hc.ToSessionID = next.ID

	// Claim the routing record before touching workloads. If the
	// source session ended while the target session was being created,
	// ReleaseSession has already removed the record and freed the
	// member's slot; committing now would orphan the target and steal
	// a workload unit from another still-assigned session.
	c.mu.Lock()
	cur, live := c.assignments[sessionID]
	if live && cur == a {
		delete(c.assignments, sessionID)
	} else {
		live = false
	}
	c.mu.Unlock()
	if !live {
		c.abortHandoff(ctx, next.ID, auth)
		hc.ToSessionID = ""
		return c.finishHandoff(t, hc, "source session ended during handoff"), nil
	}

	// The source may also have been ended against the registry alone,
	// leaving the routing record behind. The claimed slot is freed
	// here because no release will come for a dead session.
	if _, err := c.registry.Get(sessionID); err != nil {
		t.mu.Lock()
		if sm := findMember(t.members, a.agentID); sm != nil && sm.CurrentWorkload > 0 {
			sm.CurrentWorkload--
		}
		t.mu.Unlock()
		c.abortHandoff(ctx, next.ID, auth)
		hc.ToSessionID = ""
		return c.finishHandoff(t, hc, "source session ended during handoff"), nil
	}

	// Recheck and commit. The target may have filled up while the
	// session was being created.
	t.mu.Lock()
	tm := findMember(t.members, targetID)
	if tm == nil || tm.Availability != Available || tm.CurrentWorkload >= tm.MaxWorkload {
		t.mu.Unlock()
		// The source keeps its slot; put its routing record back.
		c.mu.Lock()
		c.assignments[sessionID] = a
		c.mu.Unlock()
		c.abortHandoff(ctx, next.ID, auth)
		hc.ToSessionID = ""
		return c.finishHandoff(t, hc, "target at capacity"), nil
	}
	tm.CurrentWorkload++
	if sm := findMember(t.members, a.agentID); sm != nil && sm.CurrentWorkload > 0 {
		sm.CurrentWorkload--
	}
	t.mu.Unlock()

	c.registry.IncrementHandoffs(next.ID)
	if _, err := c.registry.EndWithReason(ctx, sessionID, auth, "handoff"); err != nil {
		// The transfer already committed; the stale source session is
		// cleaned up by its idle timeout.
		c.log.Warn().Err(err).Str("session_id", sessionID).Msg("ending source session after handoff failed")
	}

	hc.Success = true
	hc.CompletedAt = time.Now().UTC()

	c.mu.Lock()
	c.assignments[next.ID] = &assignment{
		teamID:         a.teamID,
		agentID:        targetID,
		specialization: req.TargetSpecialization,
		assignedAt:     time.Now(),
	}
	c.handoffLog[sessionID] = append(c.handoffLog[sessionID], hc)
	c.handoffLog[next.ID] = append(c.handoffLog[next.ID], hc)
	c.mu.Unlock()

	latency := float64(hc.CompletedAt.Sub(hc.InitiatedAt).Milliseconds())
	t.mu.Lock()
	t.handoffs = append(t.handoffs, hc)
	t.metrics.TotalHandoffs++
	t.metrics.SuccessfulHandoffs++
	n := float64(t.metrics.TotalHandoffs)
	t.metrics.AvgHandoffLatencyMs = (t.metrics.AvgHandoffLatencyMs*(n-1) + latency) / n
	t.mu.Unlock()

	c.publishHandoff(hc)
	c.log.Info().
		Str("handoff_id", hc.ID).
		Str("from_session", hc.FromSessionID).
		Str("to_session", hc.ToSessionID).
		Str("from_agent", hc.FromAgentID).
		Str("to_agent", hc.ToAgentID).
		Msg("handoff completed")

	return hc, nil
}

// abortHandoff ends a target session created for a handoff that did
// not commit.
func (c *Coordinator) abortHandoff(ctx context.Context, targetSessionID string, auth directory.AuthContext) {
	if _, err := c.registry.EndWithReason(ctx, targetSessionID, auth, "handoff-aborted"); err != nil {
		c.log.Warn().Err(err).Str("session_id", targetSessionID).Msg("cleanup of aborted handoff session failed")
	}
}

// finishHandoff records a failed handoff. Failed handoffs count toward
// team metrics and stay in the session's handoff log.
func (c *Coordinator) finishHandoff(t *team, hc *HandoffContext, reason string) *HandoffContext {
	hc.Success = false
	hc.FailureReason = reason
	hc.CompletedAt = time.Now().UTC()

	t.mu.Lock()
	t.handoffs = append(t.handoffs, hc)
	t.metrics.TotalHandoffs++
	t.metrics.FailedHandoffs++
	t.mu.Unlock()

	c.mu.Lock()
	c.handoffLog[hc.FromSessionID] = append(c.handoffLog[hc.FromSessionID], hc)
	c.mu.Unlock()

	c.publishHandoff(hc)
	c.log.Warn().
		Str("handoff_id", hc.ID).
		Str("from_session", hc.FromSessionID).
		Str("reason", reason).
		Msg("handoff failed")
	return hc
}

func (c *Coordinator) publishHandoff(hc *HandoffContext) {
	if c.events == nil {
		return
	}
	ev := bus.Event{
		ID:        uuid.NewString(),
		Type:      bus.EventHandoffCompleted,
		SessionID: hc.FromSessionID,
		Timestamp: time.Now().UTC(),
		Payload: map[string]any{
			"handoffId":   hc.ID,
			"toSessionId": hc.ToSessionID,
			"fromAgentId": hc.FromAgentID,
			"toAgentId":   hc.ToAgentID,
			"success":     hc.Success,
		},
	}
	if err := c.events.Publish(bus.SessionTopic(hc.FromSessionID), ev); err != nil {
		c.log.Warn().Err(err).Msg("publish handoff event failed")
	}
}

// summarize renders the trailing conversation turns as "source:
// content" lines for the receiving agent.
func summarize(events []session.ConversationEvent) string {
	if len(events) == 0 {
		return ""
	}
	lines := make([]string, 0, len(events))
	for _, ev := range events {
		content := ev.Content
		if len(content) > 200 {
			content = content[:200] + "…"
		}
		lines = append(lines, fmt.Sprintf("%s: %s", ev.Source, content))
	}
	return strings.Join(lines, "\n")
}
