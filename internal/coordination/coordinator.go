package coordination

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/convoflow-dev/convoflow/internal/bus"
	"github.com/convoflow-dev/convoflow/internal/directory"
	"github.com/convoflow-dev/convoflow/internal/fault"
	"github.com/convoflow-dev/convoflow/internal/session"
)

// DefaultMaxWorkload applies to members that do not set one.
const DefaultMaxWorkload = 5

// baseResponseTime is the per-conversation estimate used to project a
// member's response time from their current workload.
const baseResponseTime = 30 * time.Second

// team is the internal mutable team record. All member and metric
// mutation happens under mu.
type team struct {
	mu       sync.Mutex
	id       string
	name     string
	members  []*TeamMember
	metrics  CoordinationMetrics
	handoffs []*HandoffContext
}

// assignment tracks which team and member a session is currently
// routed to.
type assignment struct {
	teamID         string
	agentID        string
	specialization string
	escalated      bool
	assignedAt     time.Time
}

// Coordinator manages teams, session routing, handoffs and
// escalations.
type Coordinator struct {
	mu          sync.RWMutex
	teams       map[string]*team
	assignments map[string]*assignment // keyed by session ID
	handoffLog  map[string][]*HandoffContext

	dir      directory.Directory
	registry *session.Registry
	events   bus.Bus
	log      zerolog.Logger
}

// NewCoordinator builds a Coordinator over the given directory,
// session registry and event bus.
func NewCoordinator(dir directory.Directory, reg *session.Registry, events bus.Bus, log zerolog.Logger) *Coordinator {
	return &Coordinator{
		teams:       make(map[string]*team),
		assignments: make(map[string]*assignment),
		handoffLog:  make(map[string][]*HandoffContext),
		dir:         dir,
		registry:    reg,
		events:      events,
		log:         log.With().Str("component", "coordination").Logger(),
	}
}

// CreateTeam registers a team after validating every member against
// the agent directory. Member workloads start at zero.
func (c *Coordinator) CreateTeam(ctx context.Context, cfg TeamConfig, auth directory.AuthContext) (string, error) {
	if cfg.Name == "" {
		return "", fault.New(fault.InvalidState, "team name is required")
	}
	if len(cfg.Members) == 0 {
		return "", fault.New(fault.InvalidState, "team needs at least one member")
	}

	seen := make(map[string]bool, len(cfg.Members))
	members := make([]*TeamMember, 0, len(cfg.Members))
	for _, mc := range cfg.Members {
		if seen[mc.AgentID] {
			return "", fault.Newf(fault.InvalidState, "duplicate team member %s", mc.AgentID)
		}
		seen[mc.AgentID] = true

		// Directory lookup happens before any team lock is taken.
		if _, err := c.dir.GetAgent(ctx, mc.AgentID, auth); err != nil {
			return "", err
		}

		m := mc
		m.CurrentWorkload = 0
		if m.Availability == "" {
			m.Availability = Available
		}
		if m.MaxWorkload <= 0 {
			m.MaxWorkload = DefaultMaxWorkload
		}
		if m.Specialization == "" {
			m.Specialization = SpecializationGeneral
		}
		members = append(members, &m)
	}

	t := &team{
		id:      uuid.NewString(),
		name:    cfg.Name,
		members: members,
	}

	c.mu.Lock()
	c.teams[t.id] = t
	c.mu.Unlock()

	c.log.Info().Str("team_id", t.id).Str("name", t.name).Int("members", len(members)).Msg("team created")
	return t.id, nil
}

// AssignToTeam routes a session to the best matching member of the
// team. Selection and the workload increment happen in one critical
// section, so two concurrent assignments can never both pick a member
// with one free slot.
func (c *Coordinator) AssignToTeam(ctx context.Context, teamID, sessionID string, ac AssignmentContext) (*Assignment, error) {
	t, err := c.team(teamID)
	if err != nil {
		return nil, err
	}

	spec := ac.RequiredSpecialization
	if spec == "" {
		spec = InferSpecialization(ac.OpeningMessage)
	}

	t.mu.Lock()
	member := selectMember(t.members, spec, "")
	if member == nil && spec != SpecializationGeneral {
		member = selectMember(t.members, SpecializationGeneral, "")
	}
	if member == nil {
		t.mu.Unlock()
		return nil, fault.Newf(fault.Unavailable, "no available member in team %s for specialization %s", t.name, spec)
	}
	member.CurrentWorkload++
	t.metrics.TotalAssignments++
	workload := member.CurrentWorkload
	t.mu.Unlock()

	c.mu.Lock()
	c.assignments[sessionID] = &assignment{
		teamID:         teamID,
		agentID:        member.AgentID,
		specialization: member.Specialization,
		assignedAt:     time.Now(),
	}
	c.mu.Unlock()

	c.log.Debug().
		Str("session_id", sessionID).
		Str("team_id", teamID).
		Str("agent_id", member.AgentID).
		Str("specialization", member.Specialization).
		Msg("session assigned")

	return &Assignment{
		AssignedAgentID:       member.AgentID,
		Specialization:        member.Specialization,
		EstimatedResponseTime: time.Duration(workload) * baseResponseTime,
	}, nil
}

// ReleaseSession decrements the assigned member's workload and drops
// the routing record. Unknown sessions are a logged no-op so session
// teardown never fails on coordination state.
func (c *Coordinator) ReleaseSession(sessionID string) {
	c.mu.Lock()
	a, ok := c.assignments[sessionID]
	if ok {
		delete(c.assignments, sessionID)
	}
	c.mu.Unlock()
	if !ok {
		c.log.Debug().Str("session_id", sessionID).Msg("release for unassigned session ignored")
		return
	}

	t, err := c.team(a.teamID)
	if err != nil {
		return
	}
	t.mu.Lock()
	if m := findMember(t.members, a.agentID); m != nil && m.CurrentWorkload > 0 {
		m.CurrentWorkload--
	}
	t.mu.Unlock()
}

// TeamStatus returns a copy of the team's members and metrics.
func (c *Coordinator) TeamStatus(teamID string) (*TeamStatus, error) {
	t, err := c.team(teamID)
	if err != nil {
		return nil, err
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	st := &TeamStatus{
		ID:      t.id,
		Name:    t.name,
		Members: make([]TeamMember, len(t.members)),
		Metrics: t.metrics,
	}
	for i, m := range t.members {
		st.Members[i] = *m
	}
	return st, nil
}

// AssignedAgent reports which agent a session is currently routed to.
func (c *Coordinator) AssignedAgent(sessionID string) (string, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	a, ok := c.assignments[sessionID]
	if !ok {
		return "", fault.Newf(fault.NotFound, "session %s has no team assignment", sessionID)
	}
	return a.agentID, nil
}

// HandoffHistory returns the handoffs recorded for a session, oldest
// first. Both successful and failed handoffs appear.
func (c *Coordinator) HandoffHistory(sessionID string) []*HandoffContext {
	c.mu.RLock()
	defer c.mu.RUnlock()
	log := c.handoffLog[sessionID]
	out := make([]*HandoffContext, len(log))
	copy(out, log)
	return out
}

func (c *Coordinator) team(teamID string) (*team, error) {
	c.mu.RLock()
	t, ok := c.teams[teamID]
	c.mu.RUnlock()
	if !ok {
		return nil, fault.Newf(fault.NotFound, "team %s not found", teamID)
	}
	return t, nil
}

// selectMember picks the best candidate under the team lock: available,
// below max workload, matching specialization, excluding excludeID.
// Highest priority wins; workload breaks ties.
func selectMember(members []*TeamMember, spec, excludeID string) *TeamMember {
	var candidates []*TeamMember
	for _, m := range members {
		if m.AgentID == excludeID {
			continue
		}
		if m.Availability != Available {
			continue
		}
		if m.CurrentWorkload >= m.MaxWorkload {
			continue
		}
		if spec != "" && m.Specialization != spec {
			continue
		}
		candidates = append(candidates, m)
	}
	if len(candidates) == 0 {
		return nil
	}
	sort.SliceStable(candidates, func(i, j int) bool {
		if candidates[i].Priority != candidates[j].Priority {
			return candidates[i].Priority > candidates[j].Priority
		}
		return candidates[i].CurrentWorkload < candidates[j].CurrentWorkload
	})
	return candidates[0]
}

func findMember(members []*TeamMember, agentID string) *TeamMember {
	for _, m := range members {
		if m.AgentID == agentID {
			return m
		}
	}
	return nil
}

// specializationKeywords maps message keywords to member
// specializations for routing inference.
var specializationKeywords = map[string]string{
	"billing":      "billing",
	"invoice":      "billing",
	"payment":      "billing",
	"refund":       "billing",
	"charge":       "billing",
	"subscription": "billing",
	"bug":          "technical",
	"error":        "technical",
	"crash":        "technical",
	"broken":       "technical",
	"api":          "technical",
	"integration":  "technical",
	"install":      "technical",
	"pricing":      "sales",
	"upgrade":      "sales",
	"purchase":     "sales",
	"demo":         "sales",
	"trial":        "sales",
}

// InferSpecialization scans a message for routing keywords. Unmatched
// messages route to general.
func InferSpecialization(message string) string {
	for _, word := range strings.Fields(strings.ToLower(message)) {
		word = strings.Trim(word, ".,!?;:'\"()")
		if spec, ok := specializationKeywords[word]; ok {
			return spec
		}
	}
	return SpecializationGeneral
}
