package quality

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/convoflow-dev/convoflow/internal/bus"
	"github.com/convoflow-dev/convoflow/internal/fault"
	"github.com/convoflow-dev/convoflow/internal/session"
)

const (
	// DefaultSampleInterval is how often a monitored session is scored.
	DefaultSampleInterval = 30 * time.Second
	// DefaultRetention bounds how long samples are kept.
	DefaultRetention = 30 * 24 * time.Hour
	// DefaultMaxPoints caps retained samples per agent series.
	DefaultMaxPoints = 10_000

	// retentionSchedule runs the sweep at the top of every hour.
	retentionSchedule = "0 * * * *"
)

// Monitor scores conversations and retains per-agent sample series.
type Monitor struct {
	mu          sync.RWMutex
	samples     map[string][]Sample           // keyed by agent ID
	escalations map[string][]time.Time        // keyed by agent ID
	rules       map[string]AlertRule          // keyed by rule ID
	watchers    map[string]context.CancelFunc // keyed by session ID

	registry     *session.Registry
	events       bus.Bus
	scorer       Scorer
	sweeper      *cron.Cron
	wg           sync.WaitGroup
	stopConsumer context.CancelFunc
	log          zerolog.Logger

	interval  time.Duration
	retention time.Duration
	maxPoints int
}

// MonitorOption customizes a Monitor.
type MonitorOption func(*Monitor)

// WithScorer replaces the default heuristic scorer.
func WithScorer(s Scorer) MonitorOption {
	return func(m *Monitor) { m.scorer = s }
}

// WithSampleInterval overrides the sampling interval.
func WithSampleInterval(d time.Duration) MonitorOption {
	return func(m *Monitor) { m.interval = d }
}

// WithRetention overrides the sample retention window.
func WithRetention(d time.Duration) MonitorOption {
	return func(m *Monitor) { m.retention = d }
}

// WithMaxPoints overrides the per-agent sample cap.
func WithMaxPoints(n int) MonitorOption {
	return func(m *Monitor) { m.maxPoints = n }
}

// NewMonitor builds a Monitor over the session registry, starts the
// hourly retention sweep and, when a bus is given, follows escalation
// events so summaries can report per-agent escalation rates.
func NewMonitor(reg *session.Registry, events bus.Bus, log zerolog.Logger, opts ...MonitorOption) *Monitor {
	m := &Monitor{
		samples:     make(map[string][]Sample),
		escalations: make(map[string][]time.Time),
		rules:       make(map[string]AlertRule),
		watchers:    make(map[string]context.CancelFunc),
		registry:    reg,
		events:      events,
		scorer:      HeuristicScorer{},
		log:         log.With().Str("component", "quality").Logger(),
		interval:    DefaultSampleInterval,
		retention:   DefaultRetention,
		maxPoints:   DefaultMaxPoints,
	}
	for _, opt := range opts {
		opt(m)
	}

	m.sweeper = cron.New()
	if _, err := m.sweeper.AddFunc(retentionSchedule, m.sweep); err != nil {
		m.log.Error().Err(err).Msg("retention sweep not scheduled")
	} else {
		m.sweeper.Start()
	}

	if events != nil {
		ctx, cancel := context.WithCancel(context.Background())
		m.stopConsumer = cancel
		ch, err := events.Subscribe(ctx, bus.TopicEscalations)
		if err != nil {
			m.log.Error().Err(err).Msg("escalation feed not subscribed")
		} else {
			m.wg.Add(1)
			go m.followEscalations(ch)
		}
	}
	return m
}

// followEscalations records escalation timestamps per agent until the
// subscription closes.
func (m *Monitor) followEscalations(ch <-chan bus.Event) {
	defer m.wg.Done()
	for ev := range ch {
		if ev.Type != bus.EventEscalationCreated {
			continue
		}
		agentID, _ := ev.Payload["agentId"].(string)
		if agentID == "" {
			info, err := m.registry.Get(ev.SessionID)
			if err != nil {
				continue
			}
			agentID = info.AgentID
		}
		m.mu.Lock()
		m.escalations[agentID] = append(m.escalations[agentID], ev.Timestamp)
		m.mu.Unlock()
	}
}

// Analyze scores a conversation. An empty conversation gets the
// neutral score with zero confidence rather than an error: there is
// simply nothing to judge yet.
func (m *Monitor) Analyze(sessionID string, events []session.ConversationEvent) *Analysis {
	now := time.Now().UTC()
	if len(events) == 0 {
		return &Analysis{
			SessionID: sessionID,
			Timestamp: now,
			Score:     0.5,
			SubScores: SubScores{ResponseTime: 0.5, Accuracy: 0.5, Resolution: 0.5, Sentiment: 0.5, Clarity: 0.5, Engagement: 0.5, Consistency: 0.5},
		}
	}

	sub := m.scorer.Score(events)
	score := sub.ResponseTime*weightResponseTime +
		sub.Accuracy*weightAccuracy +
		sub.Resolution*weightResolution +
		sub.Sentiment*weightSentiment +
		sub.Clarity*weightClarity +
		sub.Engagement*weightEngagement +
		sub.Consistency*weightConsistency

	confidence := float64(len(events)) / 20.0
	if confidence > 1 {
		confidence = 1
	}

	return &Analysis{
		SessionID:    sessionID,
		Timestamp:    now,
		Score:        clamp(score),
		SubScores:    sub,
		Confidence:   confidence,
		MessageCount: len(events),
	}
}

// AnalyzeSession scores a live session's conversation and writes the
// score back onto the session.
func (m *Monitor) AnalyzeSession(sessionID string) (*Analysis, error) {
	if _, err := m.registry.Get(sessionID); err != nil {
		return nil, err
	}
	an := m.Analyze(sessionID, m.registry.RecentEvents(sessionID, 0))
	m.registry.SetQuality(sessionID, an.Score)
	return an, nil
}

// StartSessionMonitoring launches the periodic sampler for a session.
// The sampler stops on its own when the session leaves the registry,
// when ctx is cancelled, or when the monitor closes.
func (m *Monitor) StartSessionMonitoring(ctx context.Context, sessionID string) error {
	if _, err := m.registry.Get(sessionID); err != nil {
		return err
	}

	m.mu.Lock()
	if _, running := m.watchers[sessionID]; running {
		m.mu.Unlock()
		return fault.Newf(fault.InvalidState, "session %s is already monitored", sessionID)
	}
	ctx, cancel := context.WithCancel(ctx)
	m.watchers[sessionID] = cancel
	m.mu.Unlock()

	m.wg.Add(1)
	go m.watch(ctx, sessionID)
	return nil
}

// StopSessionMonitoring cancels a session's sampler. Unknown sessions
// are a no-op.
func (m *Monitor) StopSessionMonitoring(sessionID string) {
	m.mu.Lock()
	cancel, ok := m.watchers[sessionID]
	if ok {
		delete(m.watchers, sessionID)
	}
	m.mu.Unlock()
	if ok {
		cancel()
	}
}

func (m *Monitor) watch(ctx context.Context, sessionID string) {
	defer m.wg.Done()
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !m.sampleOnce(sessionID) {
				m.StopSessionMonitoring(sessionID)
				return
			}
		}
	}
}

// sampleOnce scores the session and retains a sample. It reports false
// when the session is gone.
func (m *Monitor) sampleOnce(sessionID string) bool {
	info, err := m.registry.Get(sessionID)
	if err != nil {
		m.log.Debug().Str("session_id", sessionID).Msg("monitored session gone, sampler stopping")
		return false
	}

	an := m.Analyze(sessionID, m.registry.RecentEvents(sessionID, 0))
	m.registry.SetQuality(sessionID, an.Score)

	errorRate := 0.0
	if info.Messages > 0 {
		errorRate = float64(info.ErrorCount) / float64(info.Messages)
	}
	s := Sample{
		SessionID:      sessionID,
		AgentID:        info.AgentID,
		Timestamp:      an.Timestamp,
		QualityScore:   an.Score,
		AvgResponseMs:  info.AvgResponse,
		ErrorRate:      errorRate,
		MessagesTotal:  info.Messages,
		TokensConsumed: info.Tokens,
	}
	m.record(s)

	for _, alert := range m.evaluate(s) {
		m.publishAlert(alert)
	}
	return true
}

func (m *Monitor) record(s Sample) {
	m.mu.Lock()
	defer m.mu.Unlock()
	series := append(m.samples[s.AgentID], s)
	if len(series) > m.maxPoints {
		series = series[len(series)-m.maxPoints:]
	}
	m.samples[s.AgentID] = series
}

// AgentSamples returns a copy of an agent's retained series, oldest
// first.
func (m *Monitor) AgentSamples(agentID string) []Sample {
	m.mu.RLock()
	defer m.mu.RUnlock()
	series := m.samples[agentID]
	out := make([]Sample, len(series))
	copy(out, series)
	return out
}

// sweep drops samples and escalations past the retention window and
// empty series.
func (m *Monitor) sweep() {
	cutoff := time.Now().UTC().Add(-m.retention)
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, series := range m.samples {
		keep := series[:0]
		for _, s := range series {
			if s.Timestamp.After(cutoff) {
				keep = append(keep, s)
			}
		}
		if len(keep) == 0 {
			delete(m.samples, id)
			continue
		}
		m.samples[id] = keep
	}
	for id, stamps := range m.escalations {
		keep := stamps[:0]
		for _, ts := range stamps {
			if ts.After(cutoff) {
				keep = append(keep, ts)
			}
		}
		if len(keep) == 0 {
			delete(m.escalations, id)
			continue
		}
		m.escalations[id] = keep
	}
}

// Close stops the retention sweep, the escalation feed and all session
// samplers.
func (m *Monitor) Close() {
	if m.sweeper != nil {
		m.sweeper.Stop()
	}
	if m.stopConsumer != nil {
		m.stopConsumer()
	}
	m.mu.Lock()
	for id, cancel := range m.watchers {
		cancel()
		delete(m.watchers, id)
	}
	m.mu.Unlock()
	m.wg.Wait()
}

func (m *Monitor) publishAlert(a Alert) {
	if m.events == nil {
		return
	}
	ev := bus.Event{
		ID:        uuid.NewString(),
		Type:      bus.EventQualityAlert,
		SessionID: a.SessionID,
		Timestamp: a.FiredAt,
		Payload: map[string]any{
			"ruleId":    a.RuleID,
			"ruleName":  a.RuleName,
			"metric":    a.Metric,
			"value":     a.Value,
			"threshold": a.Threshold,
		},
	}
	if err := m.events.Publish(bus.SessionTopic(a.SessionID), ev); err != nil {
		m.log.Warn().Err(err).Msg("publish quality alert failed")
	}
}
