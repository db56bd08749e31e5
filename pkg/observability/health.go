package observability

import (
	"context"
	"encoding/json"
	"net/http"
	"runtime"
	"sync"
	"time"
)

// HealthStatus is the aggregate health of the coordinator.
type HealthStatus string

const (
	HealthStatusHealthy   HealthStatus = "healthy"
	HealthStatusDegraded  HealthStatus = "degraded"
	HealthStatusUnhealthy HealthStatus = "unhealthy"
)

// defaultCheckTimeout bounds a single probe when the check does not
// set its own.
const defaultCheckTimeout = 5 * time.Second

// HealthCheck probes one dependency. Critical checks take the whole
// service unhealthy when they fail; non-critical ones only degrade it.
type HealthCheck struct {
	Name      string
	CheckFunc func(context.Context) error
	Timeout   time.Duration
	Critical  bool
}

// HealthChecker runs registered checks and aggregates their results.
type HealthChecker struct {
	mu     sync.RWMutex
	checks []*HealthCheck
}

// CheckStatus is the outcome of one probe.
type CheckStatus struct {
	Status   HealthStatus `json:"status"`
	Message  string       `json:"message,omitempty"`
	Duration string       `json:"duration,omitempty"`
}

// HealthResponse is the /health payload.
type HealthResponse struct {
	Status    HealthStatus           `json:"status"`
	Timestamp time.Time              `json:"timestamp"`
	Uptime    string                 `json:"uptime"`
	Checks    map[string]CheckStatus `json:"checks"`
	Runtime   RuntimeInfo            `json:"runtime"`
}

// RuntimeInfo reports process-level vitals alongside the checks.
type RuntimeInfo struct {
	Goroutines int    `json:"goroutines"`
	CPUs       int    `json:"cpus"`
	HeapMB     uint64 `json:"heap_mb"`
	SysMB      uint64 `json:"sys_mb"`
}

var (
	defaultChecker *HealthChecker
	checkerOnce    sync.Once
	startedAt      = time.Now()
)

// InitHealthChecker returns the process-wide health checker, creating
// it on first call.
func InitHealthChecker() *HealthChecker {
	checkerOnce.Do(func() {
		defaultChecker = &HealthChecker{}
	})
	return defaultChecker
}

// RegisterCheck adds a probe. A check registered twice under the same
// name replaces the earlier one.
func (hc *HealthChecker) RegisterCheck(check *HealthCheck) {
	hc.mu.Lock()
	defer hc.mu.Unlock()
	for i, existing := range hc.checks {
		if existing.Name == check.Name {
			hc.checks[i] = check
			return
		}
	}
	hc.checks = append(hc.checks, check)
}

// Check runs every registered probe and folds the results into one
// aggregate status.
func (hc *HealthChecker) Check(ctx context.Context) HealthResponse {
	hc.mu.RLock()
	checks := make([]*HealthCheck, len(hc.checks))
	copy(checks, hc.checks)
	hc.mu.RUnlock()

	results := make(map[string]CheckStatus, len(checks))
	overall := HealthStatusHealthy

	for _, check := range checks {
		result := runCheck(ctx, check)
		results[check.Name] = result

		switch {
		case result.Status == HealthStatusUnhealthy:
			overall = HealthStatusUnhealthy
		case result.Status == HealthStatusDegraded && overall == HealthStatusHealthy:
			overall = HealthStatusDegraded
		}
	}

	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)

	return HealthResponse{
		Status:    overall,
		Timestamp: time.Now().UTC(),
		Uptime:    time.Since(startedAt).Round(time.Second).String(),
		Checks:    results,
		Runtime: RuntimeInfo{
			Goroutines: runtime.NumGoroutine(),
			CPUs:       runtime.NumCPU(),
			HeapMB:     mem.Alloc >> 20,
			SysMB:      mem.Sys >> 20,
		},
	}
}

func runCheck(ctx context.Context, check *HealthCheck) CheckStatus {
	timeout := check.Timeout
	if timeout <= 0 {
		timeout = defaultCheckTimeout
	}
	checkCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	done := make(chan error, 1)
	go func() { done <- check.CheckFunc(checkCtx) }()

	var err error
	select {
	case err = <-done:
	case <-checkCtx.Done():
		err = checkCtx.Err()
	}

	result := CheckStatus{
		Status:   HealthStatusHealthy,
		Message:  "ok",
		Duration: time.Since(start).String(),
	}
	if err != nil {
		result.Message = err.Error()
		if check.Critical {
			result.Status = HealthStatusUnhealthy
		} else {
			result.Status = HealthStatusDegraded
		}
	}
	return result
}

// HealthHandler serves the full aggregated health report. Degraded
// still answers 200; only unhealthy turns the endpoint away.
func HealthHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		response := InitHealthChecker().Check(r.Context())

		w.Header().Set("Content-Type", "application/json")
		if response.Status == HealthStatusUnhealthy {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		_ = json.NewEncoder(w).Encode(response)
	}
}

// LivenessHandler answers 200 whenever the process can serve HTTP.
func LivenessHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]string{"status": "alive"})
	}
}

// ReadinessHandler answers 200 only when every check passes, so load
// balancers stop routing to a degraded instance.
func ReadinessHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		response := InitHealthChecker().Check(r.Context())

		w.Header().Set("Content-Type", "application/json")
		ready := response.Status == HealthStatusHealthy
		if !ready {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		_ = json.NewEncoder(w).Encode(map[string]bool{"ready": ready})
	}
}

// PingCheck is a trivial probe proving the checker itself runs.
func PingCheck() *HealthCheck {
	return &HealthCheck{
		Name:      "ping",
		CheckFunc: func(ctx context.Context) error { return nil },
		Timeout:   time.Second,
	}
}

// SnapshotStoreCheck probes the session snapshot store. The store is
// critical: sessions cannot finalize without it.
func SnapshotStoreCheck(pingFunc func(context.Context) error) *HealthCheck {
	return &HealthCheck{
		Name:      "snapshot-store",
		CheckFunc: pingFunc,
		Critical:  true,
	}
}

// EngineCheck probes a conversation engine. Engine outages degrade the
// service but existing sessions stay manageable.
func EngineCheck(name string, checkFunc func(context.Context) error) *HealthCheck {
	return &HealthCheck{
		Name:      name,
		CheckFunc: checkFunc,
		Timeout:   10 * time.Second,
	}
}
