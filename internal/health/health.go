package health

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"
)

// Mode indicates high-level health mode.
type Mode string

const (
	// ModeHealthy indicates all required dependencies are healthy.
	ModeHealthy Mode = "healthy"
	// ModeDegraded indicates the app is running but the upstream is cooling down.
	ModeDegraded Mode = "degraded"
	// ModeUnhealthy indicates a required dependency is unhealthy.
	ModeUnhealthy Mode = "unhealthy"
)

// Component names reported in Status.Components.
const (
	ComponentStore     = "store"
	ComponentScheduler = "scheduler"
	ComponentWorker    = "worker"
	ComponentUpstream  = "upstream"
)

// Input represents dependency states used for health evaluation.
type Input struct {
	StoreHealthy     bool
	SchedulerHealthy bool
	WorkerHealthy    bool
	UpstreamHealthy  bool
	// Follower is set while another replica holds leadership. Followers run no scheduler
	// or worker, so neither gates their readiness.
	Follower bool
}

// Status represents evaluated application health.
type Status struct {
	Mode       Mode            `json:"mode"`
	Ready      bool            `json:"ready"`
	Role       string          `json:"role"`
	Components map[string]bool `json:"components"`
}

// Replica roles reported in Status.Role.
const (
	RoleLeader   = "leader"
	RoleFollower = "follower"
)

// Provider supplies current health status.
type Provider interface {
	CurrentStatus(ctx context.Context) Status
}

// StatusEvaluator evaluates health and readiness.
type StatusEvaluator struct{}

// NewStatusEvaluator creates a health evaluator.
func NewStatusEvaluator() *StatusEvaluator {
	return &StatusEvaluator{}
}

// Evaluate evaluates readiness and mode from dependency state. The upstream never gates
// readiness: syncs against an unhealthy upstream fail and are retried on the next tick.
func (e *StatusEvaluator) Evaluate(input Input) Status {
	components := map[string]bool{
		ComponentStore:     input.StoreHealthy,
		ComponentScheduler: input.SchedulerHealthy,
		ComponentWorker:    input.WorkerHealthy,
		ComponentUpstream:  input.UpstreamHealthy,
	}

	role := RoleLeader
	ready := input.StoreHealthy && input.SchedulerHealthy && input.WorkerHealthy
	if input.Follower {
		role = RoleFollower
		ready = input.StoreHealthy
	}

	mode := ModeHealthy
	if !ready {
		mode = ModeUnhealthy
	} else if !input.UpstreamHealthy {
		mode = ModeDegraded
	}

	return Status{
		Mode:       mode,
		Ready:      ready,
		Role:       role,
		Components: components,
	}
}

// UpstreamConfig tunes UpstreamTracker.
type UpstreamConfig struct {
	// FailureThreshold is the consecutive failed syncs that mark the upstream unhealthy.
	FailureThreshold int
	// Cooldown is how long scheduled syncs are skipped after the upstream turns unhealthy.
	Cooldown time.Duration
	// RecoverThreshold is the consecutive successful syncs needed to mark it healthy again.
	RecoverThreshold int
}

// UpstreamTracker turns a stream of sync outcomes into an upstream health flag with a cooldown.
type UpstreamTracker struct {
	mu            sync.RWMutex
	cfg           UpstreamConfig
	healthy       bool
	failureStreak int
	recoverStreak int
	cooldownUntil time.Time
}

// NewUpstreamTracker creates a tracker that starts healthy.
func NewUpstreamTracker(cfg UpstreamConfig) *UpstreamTracker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 1
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = time.Minute
	}
	if cfg.RecoverThreshold <= 0 {
		cfg.RecoverThreshold = 1
	}
	return &UpstreamTracker{cfg: cfg, healthy: true}
}

// Observe records one sync outcome that reached the upstream.
func (t *UpstreamTracker) Observe(now time.Time, success bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if success {
		t.failureStreak = 0
		if t.healthy {
			t.recoverStreak = 0
			t.cooldownUntil = time.Time{}
			return
		}
		t.recoverStreak++
		if t.recoverStreak >= t.cfg.RecoverThreshold {
			t.healthy = true
			t.recoverStreak = 0
			t.cooldownUntil = time.Time{}
		}
		return
	}

	t.recoverStreak = 0
	t.failureStreak++
	if t.failureStreak >= t.cfg.FailureThreshold {
		t.healthy = false
		t.cooldownUntil = now.Add(t.cfg.Cooldown)
	}
}

// Healthy reports the current upstream health.
func (t *UpstreamTracker) Healthy() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.healthy
}

// CoolingDown reports whether scheduled syncs should be skipped at now.
func (t *UpstreamTracker) CoolingDown(now time.Time) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return !t.cooldownUntil.IsZero() && now.Before(t.cooldownUntil)
}

// NewHandler returns the health HTTP handler with /livez, /readyz, and /healthz endpoints.
func NewHandler(provider Provider) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/livez", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		if _, err := w.Write([]byte("ok")); err != nil {
			return
		}
	})

	mux.HandleFunc("/readyz", func(w http.ResponseWriter, r *http.Request) {
		status := provider.CurrentStatus(r.Context())
		if status.Ready {
			w.WriteHeader(http.StatusOK)
			if _, err := w.Write([]byte("ready")); err != nil {
				return
			}
			return
		}
		w.WriteHeader(http.StatusServiceUnavailable)
		if _, err := w.Write([]byte("not ready")); err != nil {
			return
		}
	})

	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		status := provider.CurrentStatus(r.Context())
		payload, err := json.Marshal(status)
		if err != nil {
			w.WriteHeader(http.StatusInternalServerError)
			if _, writeErr := w.Write([]byte(`{"mode":"unhealthy","error":"marshal health status"}`)); writeErr != nil {
				return
			}
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		//nolint:gosec // Health payload is server-generated JSON status.
		if _, err := w.Write(payload); err != nil {
			return
		}
	})

	return mux
}
