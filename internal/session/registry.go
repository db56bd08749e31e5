package session

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/convoflow-dev/convoflow/internal/bus"
	"github.com/convoflow-dev/convoflow/internal/directory"
	"github.com/convoflow-dev/convoflow/internal/fault"
)

const (
	// DefaultIdleTimeout pauses sessions after this much inactivity
	// unless overridden per session.
	DefaultIdleTimeout = 10 * time.Minute
	// DefaultMaxHistory bounds per-session conversation history.
	DefaultMaxHistory = 1000
)

// managed is the registry's internal mutable session record. mu
// serializes state transitions and counter updates for one session;
// independent sessions progress in parallel.
type managed struct {
	mu sync.Mutex

	id          string
	agentID     string
	userID      string
	workspaceID string

	state      State
	createdAt  time.Time
	lastActive time.Time

	events     []ConversationEvent
	maxHistory int

	messages        int64
	tokens          int64
	avgResponseMs   float64
	responseSamples int64
	errorCount      int64
	handoffs        int
	quality         float64

	maxTurns    int
	idleTimeout time.Duration
	idleTimer   *time.Timer

	perfTracking  bool
	resMonitoring bool
	metadata      map[string]any
}

// Registry owns all live sessions. It is safe for concurrent use.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*managed

	dir    directory.Directory
	events bus.Bus
	store  SnapshotStore
	logger zerolog.Logger

	defaultIdleTimeout time.Duration
	maxHistory         int
}

// Option customizes a Registry.
type Option func(*Registry)

// WithDefaultIdleTimeout overrides the registry-wide idle timeout.
func WithDefaultIdleTimeout(d time.Duration) Option {
	return func(r *Registry) { r.defaultIdleTimeout = d }
}

// WithMaxHistory bounds per-session conversation history (0 = unbounded).
func WithMaxHistory(n int) Option {
	return func(r *Registry) { r.maxHistory = n }
}

// NewRegistry creates a session registry. store may be nil, in which
// case terminal snapshots are returned to callers but not persisted.
func NewRegistry(dir directory.Directory, events bus.Bus, store SnapshotStore, logger zerolog.Logger, opts ...Option) *Registry {
	r := &Registry{
		sessions:           make(map[string]*managed),
		dir:                dir,
		events:             events,
		store:              store,
		logger:             logger.With().Str("component", "session-registry").Logger(),
		defaultIdleTimeout: DefaultIdleTimeout,
		maxHistory:         DefaultMaxHistory,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Create validates the agent through the directory, registers the
// session in state initializing, transitions it to active, and arms
// the idle timer. The directory call happens before any lock is taken.
func (r *Registry) Create(ctx context.Context, agentID string, auth directory.AuthContext, opts CreateOptions) (*Info, error) {
	agent, err := r.dir.GetAgent(ctx, agentID, auth)
	if err != nil {
		return nil, fmt.Errorf("resolve agent: %w", err)
	}

	now := time.Now().UTC()
	idle := opts.IdleTimeout
	if idle == 0 {
		idle = r.defaultIdleTimeout
	}

	meta := make(map[string]any, len(opts.Metadata))
	for k, v := range opts.Metadata {
		meta[k] = v
	}

	workspace := opts.WorkspaceID
	if workspace == "" {
		workspace = agent.WorkspaceID
	}

	s := &managed{
		id:            uuid.New().String(),
		agentID:       agent.ID,
		userID:        opts.UserID,
		workspaceID:   workspace,
		state:         StateInitializing,
		createdAt:     now,
		lastActive:    now,
		maxHistory:    r.maxHistory,
		maxTurns:      opts.MaxTurns,
		idleTimeout:   idle,
		perfTracking:  opts.EnablePerformanceTracking,
		resMonitoring: opts.EnableResourceMonitoring,
		metadata:      meta,
	}

	r.mu.Lock()
	r.sessions[s.id] = s
	r.mu.Unlock()

	s.mu.Lock()
	r.transitionLocked(s, StateActive, "created")
	r.armIdleTimerLocked(s)
	info := s.infoLocked()
	s.mu.Unlock()

	r.logger.Info().
		Str("session_id", s.id).
		Str("agent_id", s.agentID).
		Str("user_id", s.userID).
		Msg("session created")

	return info, nil
}

// Get returns a read-only view of a live session.
func (r *Registry) Get(sessionID string) (*Info, error) {
	s, ok := r.lookup(sessionID)
	if !ok {
		return nil, fault.Newf(fault.NotFound, "session %s", sessionID)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.infoLocked(), nil
}

// RecordActivity appends an event to the conversation history, updates
// counters and the rolling response-time average, and resets the idle
// timer. Unknown sessions are logged and ignored: activity recording
// must never interrupt a live conversation.
func (r *Registry) RecordActivity(sessionID string, ev ConversationEvent) {
	s, ok := r.lookup(sessionID)
	if !ok {
		r.logger.Warn().Str("session_id", sessionID).Msg("activity for unknown session dropped")
		return
	}

	if ev.ID == "" {
		ev.ID = uuid.New().String()
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}

	s.mu.Lock()
	if s.state.Terminal() {
		s.mu.Unlock()
		r.logger.Warn().Str("session_id", sessionID).Str("state", string(s.state)).Msg("activity for terminal session dropped")
		return
	}

	s.events = append(s.events, ev)
	if s.maxHistory > 0 && len(s.events) > s.maxHistory {
		s.events = s.events[len(s.events)-s.maxHistory:]
	}

	s.messages++
	s.tokens += int64(ev.TokensUsed)
	if ev.IsError {
		s.errorCount++
	}
	if ev.ResponseTimeMs > 0 {
		s.responseSamples++
		n := float64(s.responseSamples)
		s.avgResponseMs = (s.avgResponseMs*(n-1) + ev.ResponseTimeMs) / n
	}
	s.lastActive = ev.Timestamp
	r.armIdleTimerLocked(s)

	overTurnLimit := s.maxTurns > 0 && s.messages > int64(s.maxTurns)
	msgs, maxTurns := s.messages, s.maxTurns
	s.mu.Unlock()

	if overTurnLimit {
		r.logger.Warn().
			Str("session_id", sessionID).
			Int64("messages", msgs).
			Int("max_turns", maxTurns).
			Msg("session exceeded turn limit")
	}

	r.publish(sessionID, bus.EventSessionActivity, map[string]any{
		"source":  string(ev.Source),
		"isError": ev.IsError,
	})
}

// Pause suspends an active session. Pausing an already-paused session
// is idempotent.
func (r *Registry) Pause(sessionID string, auth directory.AuthContext) error {
	s, ok := r.lookup(sessionID)
	if !ok {
		return fault.Newf(fault.NotFound, "session %s", sessionID)
	}
	if err := s.authorize(auth); err != nil {
		return err
	}
	return r.pause(s, "requested")
}

func (r *Registry) pause(s *managed, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == StatePaused {
		return nil
	}
	if !s.state.CanTransitionTo(StatePaused) {
		return fault.Newf(fault.InvalidState, "cannot pause session %s in state %s", s.id, s.state)
	}
	r.disarmIdleTimerLocked(s)
	r.transitionLocked(s, StatePaused, reason)
	return nil
}

// Resume reactivates a paused session and rearms its idle timer.
func (r *Registry) Resume(sessionID string, auth directory.AuthContext) error {
	s, ok := r.lookup(sessionID)
	if !ok {
		return fault.Newf(fault.NotFound, "session %s", sessionID)
	}
	if err := s.authorize(auth); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != StatePaused {
		return fault.Newf(fault.InvalidState, "cannot resume session %s in state %s", s.id, s.state)
	}
	r.transitionLocked(s, StateActive, "resumed")
	r.armIdleTimerLocked(s)
	return nil
}

// End drives the session through ending→ended, removes it from the
// live set, and returns its terminal snapshot. Snapshot persistence is
// best-effort: a store failure moves the session to the error state
// and is logged, but the session is removed regardless and the
// snapshot still returned.
func (r *Registry) End(ctx context.Context, sessionID string, auth directory.AuthContext) (*Snapshot, error) {
	return r.end(ctx, sessionID, auth, "requested")
}

// EndWithReason is End with an explicit reason recorded in the snapshot.
func (r *Registry) EndWithReason(ctx context.Context, sessionID string, auth directory.AuthContext, reason string) (*Snapshot, error) {
	return r.end(ctx, sessionID, auth, reason)
}

func (r *Registry) end(ctx context.Context, sessionID string, auth directory.AuthContext, reason string) (*Snapshot, error) {
	s, ok := r.lookup(sessionID)
	if !ok {
		return nil, fault.Newf(fault.NotFound, "session %s", sessionID)
	}
	if err := s.authorize(auth); err != nil {
		return nil, err
	}

	s.mu.Lock()
	if !s.state.CanTransitionTo(StateEnding) {
		st := s.state
		s.mu.Unlock()
		return nil, fault.Newf(fault.InvalidState, "cannot end session %s in state %s", sessionID, st)
	}

	r.disarmIdleTimerLocked(s)
	r.transitionLocked(s, StateEnding, reason)

	now := time.Now().UTC()
	snap := &Snapshot{
		SessionID:         s.id,
		AgentID:           s.agentID,
		UserID:            s.userID,
		WorkspaceID:       s.workspaceID,
		CreatedAt:         s.createdAt,
		EndedAt:           now,
		DurationMs:        now.Sub(s.createdAt).Milliseconds(),
		MessagesProcessed: s.messages,
		TokensConsumed:    s.tokens,
		AvgResponseTimeMs: s.avgResponseMs,
		FinalQualityScore: s.quality,
		HandoffCount:      s.handoffs,
		EndReason:         reason,
	}
	if s.messages > 0 {
		snap.ErrorRate = float64(s.errorCount) / float64(s.messages)
	}

	var persistErr error
	if r.store != nil {
		persistErr = r.store.SaveSnapshot(ctx, snap)
	}

	if persistErr != nil {
		r.transitionLocked(s, StateError, "finalization failed")
		r.logger.Error().Err(persistErr).Str("session_id", s.id).Msg("snapshot persistence failed")
	} else {
		r.transitionLocked(s, StateEnded, reason)
	}
	s.mu.Unlock()

	r.mu.Lock()
	delete(r.sessions, sessionID)
	r.mu.Unlock()

	r.logger.Info().
		Str("session_id", sessionID).
		Str("reason", reason).
		Int64("messages", snap.MessagesProcessed).
		Int64("duration_ms", snap.DurationMs).
		Msg("session ended")

	return snap, nil
}

// ListActive returns all sessions not in a terminal state, optionally
// filtered by user and workspace.
func (r *Registry) ListActive(userID, workspaceID string) []*Info {
	r.mu.RLock()
	candidates := make([]*managed, 0, len(r.sessions))
	for _, s := range r.sessions {
		candidates = append(candidates, s)
	}
	r.mu.RUnlock()

	out := make([]*Info, 0, len(candidates))
	for _, s := range candidates {
		s.mu.Lock()
		info := s.infoLocked()
		s.mu.Unlock()

		if info.State.Terminal() {
			continue
		}
		if userID != "" && info.UserID != userID {
			continue
		}
		if workspaceID != "" && info.WorkspaceID != workspaceID {
			continue
		}
		out = append(out, info)
	}
	return out
}

// RecentEvents returns up to n most recent conversation events, oldest
// first. Unknown sessions yield nil.
func (r *Registry) RecentEvents(sessionID string, n int) []ConversationEvent {
	s, ok := r.lookup(sessionID)
	if !ok {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	events := s.events
	if n > 0 && len(events) > n {
		events = events[len(events)-n:]
	}
	out := make([]ConversationEvent, len(events))
	copy(out, events)
	return out
}

// SetQuality records the latest overall quality score for a session.
// Unknown sessions are ignored: scoring must not break a conversation.
func (r *Registry) SetQuality(sessionID string, score float64) {
	s, ok := r.lookup(sessionID)
	if !ok {
		return
	}
	s.mu.Lock()
	s.quality = score
	s.mu.Unlock()
}

// IncrementHandoffs bumps the session's cumulative handoff count.
func (r *Registry) IncrementHandoffs(sessionID string) {
	s, ok := r.lookup(sessionID)
	if !ok {
		return
	}
	s.mu.Lock()
	s.handoffs++
	s.mu.Unlock()
}

// Count returns the number of live sessions.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// Close ends every remaining session with reason "shutdown".
func (r *Registry) Close(ctx context.Context) error {
	r.mu.RLock()
	ids := make([]string, 0, len(r.sessions))
	for id := range r.sessions {
		ids = append(ids, id)
	}
	r.mu.RUnlock()

	var firstErr error
	for _, id := range ids {
		if _, err := r.end(ctx, id, directory.AuthContext{}, "shutdown"); err != nil && firstErr == nil {
			if !fault.Is(err, fault.NotFound) {
				firstErr = err
			}
		}
	}
	return firstErr
}

func (r *Registry) lookup(sessionID string) (*managed, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[sessionID]
	return s, ok
}

// transitionLocked performs a state transition and publishes the
// state-changed event. Caller holds s.mu, which is what serializes
// transitions per session and keeps per-topic event order aligned with
// transition order.
func (r *Registry) transitionLocked(s *managed, to State, reason string) {
	from := s.state
	s.state = to

	r.publish(s.id, bus.EventSessionStateChanged, map[string]any{
		"from":   string(from),
		"to":     string(to),
		"reason": reason,
	})
}

func (r *Registry) publish(sessionID string, typ bus.EventType, payload map[string]any) {
	if r.events == nil {
		return
	}
	if err := r.events.Publish(bus.SessionTopic(sessionID), bus.Event{
		Type:      typ,
		SessionID: sessionID,
		Payload:   payload,
	}); err != nil {
		r.logger.Warn().Err(err).Str("session_id", sessionID).Str("event", string(typ)).Msg("event publish failed")
	}
}

// armIdleTimerLocked (re)starts the idle timer. Caller holds s.mu.
func (r *Registry) armIdleTimerLocked(s *managed) {
	if s.idleTimeout <= 0 {
		return
	}
	r.disarmIdleTimerLocked(s)
	id := s.id
	s.idleTimer = time.AfterFunc(s.idleTimeout, func() {
		sess, ok := r.lookup(id)
		if !ok {
			return
		}
		if err := r.pause(sess, "idle-timeout"); err != nil {
			r.logger.Debug().Err(err).Str("session_id", id).Msg("idle pause skipped")
		}
	})
}

func (r *Registry) disarmIdleTimerLocked(s *managed) {
	if s.idleTimer != nil {
		s.idleTimer.Stop()
		s.idleTimer = nil
	}
}

func (s *managed) infoLocked() *Info {
	meta := make(map[string]any, len(s.metadata))
	for k, v := range s.metadata {
		meta[k] = v
	}
	return &Info{
		ID:                  s.id,
		AgentID:             s.agentID,
		UserID:              s.userID,
		WorkspaceID:         s.workspaceID,
		State:               s.state,
		CreatedAt:           s.createdAt,
		LastActive:          s.lastActive,
		Messages:            s.messages,
		Tokens:              s.tokens,
		AvgResponse:         s.avgResponseMs,
		ErrorCount:          s.errorCount,
		Handoffs:            s.handoffs,
		Quality:             s.quality,
		Metadata:            meta,
		PerformanceTracking: s.perfTracking,
		ResourceMonitoring:  s.resMonitoring,
	}
}

// authorize rejects callers from a different workspace. Empty fields
// on either side skip the check, matching the directory behaviour.
func (s *managed) authorize(auth directory.AuthContext) error {
	s.mu.Lock()
	ws := s.workspaceID
	s.mu.Unlock()

	if ws != "" && auth.WorkspaceID != "" && ws != auth.WorkspaceID {
		return fault.Newf(fault.Forbidden, "session %s not in workspace %s", s.id, auth.WorkspaceID)
	}
	return nil
}
