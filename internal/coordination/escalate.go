package coordination

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/convoflow-dev/convoflow/internal/bus"
	"github.com/convoflow-dev/convoflow/internal/directory"
	"github.com/convoflow-dev/convoflow/internal/fault"
)

// escalationWaits maps urgency to the estimated human response time
// quoted back to the caller.
var escalationWaits = map[Urgency]time.Duration{
	UrgencyLow:      time.Hour,
	UrgencyMedium:   30 * time.Minute,
	UrgencyHigh:     15 * time.Minute,
	UrgencyCritical: 5 * time.Minute,
}

// EscalateToHuman queues a human takeover for a session. The session
// stays with its agent until a human consumer of the escalation event
// picks it up; escalation never mutates session state directly.
func (c *Coordinator) EscalateToHuman(ctx context.Context, sessionID string, req EscalationRequest, auth directory.AuthContext) (*Escalation, error) {
	if _, err := c.registry.Get(sessionID); err != nil {
		return nil, err
	}

	urgency := req.Urgency
	if urgency == "" {
		urgency = UrgencyMedium
	}
	wait, ok := escalationWaits[urgency]
	if !ok {
		return nil, fault.Newf(fault.InvalidState, "unknown urgency %q", urgency)
	}

	esc := &Escalation{
		ID:                uuid.NewString(),
		SessionID:         sessionID,
		Reason:            req.Reason,
		Urgency:           urgency,
		EstimatedWaitTime: wait,
		Status:            "queued",
		CreatedAt:         time.Now().UTC(),
	}

	var teamID, agentID string
	c.mu.Lock()
	if a, assigned := c.assignments[sessionID]; assigned {
		a.escalated = true
		teamID = a.teamID
		agentID = a.agentID
	}
	c.mu.Unlock()

	if teamID != "" {
		if t, err := c.team(teamID); err == nil {
			t.mu.Lock()
			t.metrics.Escalations++
			t.mu.Unlock()
		}
	}

	ev := bus.Event{
		ID:        uuid.NewString(),
		Type:      bus.EventEscalationCreated,
		SessionID: sessionID,
		Timestamp: esc.CreatedAt,
		Payload: map[string]any{
			"escalationId":  esc.ID,
			"agentId":       agentID,
			"reason":        esc.Reason,
			"urgency":       string(esc.Urgency),
			"estimatedWait": esc.EstimatedWaitTime.String(),
		},
	}
	if c.events != nil {
		if err := c.events.Publish(bus.TopicEscalations, ev); err != nil {
			c.log.Warn().Err(err).Msg("publish escalation event failed")
		}
		if err := c.events.Publish(bus.SessionTopic(sessionID), ev); err != nil {
			c.log.Warn().Err(err).Msg("publish escalation session event failed")
		}
	}

	c.log.Info().
		Str("escalation_id", esc.ID).
		Str("session_id", sessionID).
		Str("urgency", string(urgency)).
		Msg("session escalated to human")

	return esc, nil
}
