package resource

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/convoflow-dev/convoflow/internal/bus"
	"github.com/convoflow-dev/convoflow/internal/fault"
)

const (
	// SystemPoolName is the implicit pool serving agents that belong
	// to no explicit pool.
	SystemPoolName = "system"

	// DefaultMonitorInterval is the pool monitor period when the
	// config leaves it zero.
	DefaultMonitorInterval = 30 * time.Second

	// metricsBufferCap bounds the per-agent trailing sample buffer.
	metricsBufferCap = 1000

	// scalingWindow is how many trailing samples a scaling evaluation
	// averages.
	scalingWindow = 10

	memoryWarningRatio  = 0.90
	cpuWarningThreshold = 85.0
)

// pool is the allocator's internal mutable pool record. mu guards all
// fields; it is never held across an external call.
type pool struct {
	mu sync.Mutex

	cfg         PoolConfig
	agents      map[string]struct{}
	allocations map[string]*Allocation // keyed by session ID

	usedMemoryMB int
	usedCPU      float64
	instances    int
	lastScaleAt  time.Time

	tokens *rate.Limiter // nil when MaxTokensPerMinute is 0

	history map[string][]Metrics // trailing samples per agent

	cancelMonitor context.CancelFunc
	monitorDone   chan struct{}
}

// Allocator manages resource pools and per-session reservations. Safe
// for concurrent use; independent pools do not contend.
type Allocator struct {
	mu        sync.RWMutex
	pools     map[string]*pool
	agentPool map[string]string // agent -> pool name, at most one pool per agent
	sessions  map[string]string // session -> pool name holding its allocation

	source UsageSource
	events bus.Bus
	logger zerolog.Logger
}

// NewAllocator creates an allocator with an implicit system pool built
// from defaults. source may be nil, in which case process statistics
// are sampled.
func NewAllocator(defaults Limits, source UsageSource, events bus.Bus, logger zerolog.Logger) *Allocator {
	if source == nil {
		source = NewProcessUsageSource()
	}
	a := &Allocator{
		pools:     make(map[string]*pool),
		agentPool: make(map[string]string),
		sessions:  make(map[string]string),
		source:    source,
		events:    events,
		logger:    logger.With().Str("component", "resource-allocator").Logger(),
	}
	a.pools[SystemPoolName] = newPool(PoolConfig{
		Name:     SystemPoolName,
		Limits:   defaults,
		Strategy: StrategyCustom,
	})
	return a
}

func newPool(cfg PoolConfig) *pool {
	instances := cfg.Instances
	if instances <= 0 {
		instances = cfg.Scaling.MinInstances
	}
	if instances <= 0 {
		instances = 1
	}

	p := &pool{
		cfg:         cfg,
		agents:      make(map[string]struct{}, len(cfg.AgentIDs)),
		allocations: make(map[string]*Allocation),
		history:     make(map[string][]Metrics),
		instances:   instances,
	}
	for _, id := range cfg.AgentIDs {
		p.agents[id] = struct{}{}
	}
	if cfg.Limits.MaxTokensPerMinute > 0 {
		perSecond := rate.Limit(float64(cfg.Limits.MaxTokensPerMinute) / 60.0)
		p.tokens = rate.NewLimiter(perSecond, cfg.Limits.MaxTokensPerMinute)
	}
	return p
}

// CreatePool registers a pool and starts its periodic monitor when
// monitoring is enabled. An agent may belong to at most one pool.
func (a *Allocator) CreatePool(ctx context.Context, cfg PoolConfig) (*PoolStatus, error) {
	if cfg.Name == "" {
		return nil, fmt.Errorf("pool name is required")
	}
	if cfg.Name == SystemPoolName {
		return nil, fmt.Errorf("pool name %q is reserved", SystemPoolName)
	}

	a.mu.Lock()
	if _, exists := a.pools[cfg.Name]; exists {
		a.mu.Unlock()
		return nil, fmt.Errorf("pool %s already exists", cfg.Name)
	}
	for _, agentID := range cfg.AgentIDs {
		if owner, ok := a.agentPool[agentID]; ok {
			a.mu.Unlock()
			return nil, fmt.Errorf("agent %s already belongs to pool %s", agentID, owner)
		}
	}

	p := newPool(cfg)
	a.pools[cfg.Name] = p
	for _, agentID := range cfg.AgentIDs {
		a.agentPool[agentID] = cfg.Name
	}
	a.mu.Unlock()

	if cfg.Monitoring.Enabled {
		a.startMonitor(ctx, p)
	}

	a.logger.Info().
		Str("pool", cfg.Name).
		Int("agents", len(cfg.AgentIDs)).
		Int("max_memory_mb", cfg.Limits.MaxMemoryMB).
		Msg("pool created")

	return a.status(p), nil
}

// Allocate reserves resources for a session from the pool owning its
// agent (or the system pool). The reservation is the requested amount
// scaled by the strategy multiplier, capped at 80% of the pool's
// available capacity; if even the capped amount cannot cover the base
// request the allocation fails with ResourceExhausted. No queueing:
// callers retry or escalate.
func (a *Allocator) Allocate(sessionID, agentID string, req Requirements) (*Grant, error) {
	p := a.poolFor(agentID)

	p.mu.Lock()
	defer p.mu.Unlock()

	if _, exists := p.allocations[sessionID]; exists {
		return nil, fault.Newf(fault.InvalidState, "session %s already holds an allocation", sessionID)
	}

	limits := p.cfg.Limits
	if limits.MaxConcurrentSessions > 0 && len(p.allocations) >= limits.MaxConcurrentSessions {
		return nil, fault.Newf(fault.ResourceExhausted, "pool %s at session capacity (%d)", p.cfg.Name, limits.MaxConcurrentSessions)
	}

	availableMem := limits.MaxMemoryMB - p.usedMemoryMB
	if availableMem <= 0 {
		return nil, fault.Newf(fault.ResourceExhausted, "pool %s has no available memory", p.cfg.Name)
	}

	strategy := a.strategyFor(p, req, availableMem)
	mult := strategy.multiplier()

	wantMem := int(math.Ceil(float64(req.MemoryMB) * mult))
	capMem := int(math.Floor(float64(availableMem) * headroomFactor))
	grantMem := wantMem
	if grantMem > capMem {
		grantMem = capMem
	}
	if grantMem < req.MemoryMB {
		return nil, fault.Newf(fault.ResourceExhausted,
			"pool %s cannot cover %dMB (capped at %dMB of %dMB available)",
			p.cfg.Name, req.MemoryMB, capMem, availableMem)
	}

	grantCPU := req.CPUPercent * mult
	if limits.MaxCPUPercent > 0 {
		availableCPU := limits.MaxCPUPercent - p.usedCPU
		capCPU := availableCPU * headroomFactor
		if grantCPU > capCPU {
			grantCPU = capCPU
		}
		if grantCPU < req.CPUPercent {
			return nil, fault.Newf(fault.ResourceExhausted,
				"pool %s cannot cover %.1f%% CPU", p.cfg.Name, req.CPUPercent)
		}
	}

	maxMem := grantMem
	if req.Elastic && req.MaxMemoryMB > grantMem {
		maxMem = req.MaxMemoryMB
	}

	alloc := &Allocation{
		SessionID:   sessionID,
		AgentID:     agentID,
		PoolID:      p.cfg.Name,
		MemoryMB:    grantMem,
		CPUPercent:  grantCPU,
		MinMemoryMB: req.MemoryMB,
		MaxMemoryMB: maxMem,
		Strategy:    strategy,
		GrantedAt:   time.Now().UTC(),
	}

	p.allocations[sessionID] = alloc
	p.usedMemoryMB += grantMem
	p.usedCPU += grantCPU

	a.mu.Lock()
	a.sessions[sessionID] = p.cfg.Name
	a.mu.Unlock()

	a.logger.Debug().
		Str("session_id", sessionID).
		Str("pool", p.cfg.Name).
		Str("strategy", string(strategy)).
		Int("memory_mb", grantMem).
		Msg("allocation granted")

	out := *alloc
	return &Grant{Allocation: &out, Limits: limits, PoolID: p.cfg.Name}, nil
}

// strategyFor picks the allocation strategy: the pool's explicit
// policy wins; otherwise it is derived from the request's priority and
// resource scarcity.
func (a *Allocator) strategyFor(p *pool, req Requirements, availableMem int) Strategy {
	if p.cfg.Strategy != "" && p.cfg.Strategy != StrategyCustom {
		return p.cfg.Strategy
	}
	switch {
	case req.Priority == PriorityHigh || req.Priority == PriorityCritical:
		return StrategyAggressive
	case req.MemoryMB > 0 && availableMem < 2*req.MemoryMB:
		return StrategyConservative
	default:
		return StrategyBalanced
	}
}

// Deallocate releases a session's reservation back to its pool. It is
// idempotent: releasing an unknown or already-released session is a
// logged no-op.
func (a *Allocator) Deallocate(sessionID string) {
	a.mu.Lock()
	poolName, ok := a.sessions[sessionID]
	if ok {
		delete(a.sessions, sessionID)
	}
	a.mu.Unlock()

	if !ok {
		a.logger.Debug().Str("session_id", sessionID).Msg("deallocate for unknown session ignored")
		return
	}

	p := a.getPool(poolName)
	if p == nil {
		a.logger.Warn().Str("session_id", sessionID).Str("pool", poolName).Msg("deallocate found no pool")
		return
	}

	p.mu.Lock()
	alloc, ok := p.allocations[sessionID]
	if ok {
		delete(p.allocations, sessionID)
		p.usedMemoryMB -= alloc.MemoryMB
		p.usedCPU -= alloc.CPUPercent
	}
	p.mu.Unlock()

	if ok {
		a.logger.Debug().
			Str("session_id", sessionID).
			Str("pool", poolName).
			Int("memory_mb", alloc.MemoryMB).
			Msg("allocation released")
	}
}

// ReserveTokens draws n tokens from the pool budget of the agent's
// pool. It fails fast with ResourceExhausted when the per-minute
// budget is spent; pools without a token limit always admit.
func (a *Allocator) ReserveTokens(agentID string, n int) error {
	p := a.poolFor(agentID)

	p.mu.Lock()
	limiter := p.tokens
	name := p.cfg.Name
	p.mu.Unlock()

	if limiter == nil || n <= 0 {
		return nil
	}
	if !limiter.AllowN(time.Now(), n) {
		return fault.Newf(fault.ResourceExhausted, "pool %s token budget exhausted", name)
	}
	return nil
}

// PoolStatus returns a pool's occupancy, or NotFound.
func (a *Allocator) PoolStatus(name string) (*PoolStatus, error) {
	p := a.getPool(name)
	if p == nil {
		return nil, fault.Newf(fault.NotFound, "pool %s", name)
	}
	return a.status(p), nil
}

// AllocationFor returns the live allocation held by a session.
func (a *Allocator) AllocationFor(sessionID string) (*Allocation, error) {
	a.mu.RLock()
	poolName, ok := a.sessions[sessionID]
	a.mu.RUnlock()
	if !ok {
		return nil, fault.Newf(fault.NotFound, "allocation for session %s", sessionID)
	}

	p := a.getPool(poolName)
	if p == nil {
		return nil, fault.Newf(fault.NotFound, "pool %s", poolName)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	alloc, ok := p.allocations[sessionID]
	if !ok {
		return nil, fault.Newf(fault.NotFound, "allocation for session %s", sessionID)
	}
	out := *alloc
	return &out, nil
}

// Close stops all pool monitors and waits for them to exit.
func (a *Allocator) Close() {
	a.mu.RLock()
	pools := make([]*pool, 0, len(a.pools))
	for _, p := range a.pools {
		pools = append(pools, p)
	}
	a.mu.RUnlock()

	for _, p := range pools {
		p.mu.Lock()
		cancel, done := p.cancelMonitor, p.monitorDone
		p.cancelMonitor, p.monitorDone = nil, nil
		p.mu.Unlock()

		if cancel != nil {
			cancel()
			<-done
		}
	}
}

// poolFor resolves the pool owning an agent, falling back to the
// system pool for poolless agents.
func (a *Allocator) poolFor(agentID string) *pool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if name, ok := a.agentPool[agentID]; ok {
		return a.pools[name]
	}
	return a.pools[SystemPoolName]
}

func (a *Allocator) getPool(name string) *pool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.pools[name]
}

func (a *Allocator) status(p *pool) *PoolStatus {
	p.mu.Lock()
	defer p.mu.Unlock()

	agents := make([]string, 0, len(p.agents))
	for id := range p.agents {
		agents = append(agents, id)
	}
	return &PoolStatus{
		Name:            p.cfg.Name,
		AgentIDs:        agents,
		Limits:          p.cfg.Limits,
		UsedMemoryMB:    p.usedMemoryMB,
		UsedCPUPercent:  p.usedCPU,
		ActiveSessions:  len(p.allocations),
		Instances:       p.instances,
		AvailableMemory: p.cfg.Limits.MaxMemoryMB - p.usedMemoryMB,
	}
}
