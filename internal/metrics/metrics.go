// Package metrics implements the two read-only surfaces described by the
// specification: liveness and admission status, plus the admin metrics
// endpoints. It composes read-only views from the other components rather
// than owning any state of its own.
package metrics

import (
	"context"
	"time"

	"github.com/sandboxd/sandboxd/internal/breaker"
	"github.com/sandboxd/sandboxd/internal/containers"
	"github.com/sandboxd/sandboxd/internal/ratelimit"
	"github.com/sandboxd/sandboxd/internal/reaper"
	"github.com/sandboxd/sandboxd/internal/session"
)

// Health is the liveness view served at GET /health.
type Health struct {
	Status    string  `json:"status"`
	Timestamp int64   `json:"timestamp"`
	UptimeSec float64 `json:"uptime"`
	Sessions  session.Stats `json:"sessions"`
}

// Status is the admission view served at GET /status.
type Status struct {
	IsOpen  bool            `json:"isOpen"`
	Reason  string          `json:"reason,omitempty"`
	Metrics breaker.Metrics `json:"metrics"`
}

// SystemSnapshot is served at GET /admin/metrics/system.
type SystemSnapshot struct {
	UptimeSec float64         `json:"uptimeSec"`
	Breaker   breaker.Snapshot `json:"breaker"`
}

// SandboxSnapshot is served at GET /admin/metrics/sandbox.
type SandboxSnapshot struct {
	Sessions       session.Stats       `json:"sessions"`
	ContainerCount int                 `json:"containerCount"`
	LastSweep      reaper.SweepCounters `json:"lastSweep"`
}

// SessionStatter is the narrow session-manager capability this package
// needs, accepted as an interface so the health/sandbox views can be
// tested without a real container runtime.
type SessionStatter interface {
	Stats() session.Stats
}

// ContainerLister is the narrow container-manager capability this package
// needs.
type ContainerLister interface {
	List(ctx context.Context, f containers.ListFilter) ([]containers.Info, error)
}

// SweepReporter is the narrow reaper capability this package needs.
type SweepReporter interface {
	LastSweep() reaper.SweepCounters
}

// Reporter composes read-only views over the engine's live components.
type Reporter struct {
	startedAt  time.Time
	sessions   SessionStatter
	containers ContainerLister
	breaker    *breaker.Breaker
	limiter    *ratelimit.Limiter
	reaper     SweepReporter
}

// New builds a Reporter bound to the engine's live components.
func New(sessions SessionStatter, containerMgr ContainerLister, cb *breaker.Breaker, limiter *ratelimit.Limiter, rp SweepReporter) *Reporter {
	return &Reporter{
		startedAt:  time.Now(),
		sessions:   sessions,
		containers: containerMgr,
		breaker:    cb,
		limiter:    limiter,
		reaper:     rp,
	}
}

// Health returns the liveness snapshot.
func (r *Reporter) Health() Health {
	return Health{
		Status:    "ok",
		Timestamp: time.Now().UnixMilli(),
		UptimeSec: time.Since(r.startedAt).Seconds(),
		Sessions:  r.sessions.Stats(),
	}
}

// Status returns the admission snapshot consumed by clients to render a
// "sandbox unavailable" UI.
func (r *Reporter) Status() Status {
	snap := r.breaker.Snapshot()
	return Status{
		IsOpen:  snap.State == breaker.Open,
		Reason:  snap.Reason,
		Metrics: snap.Metrics,
	}
}

// System returns the admin system-metrics snapshot.
func (r *Reporter) System() SystemSnapshot {
	return SystemSnapshot{
		UptimeSec: time.Since(r.startedAt).Seconds(),
		Breaker:   r.breaker.Snapshot(),
	}
}

// Sandbox returns the admin sandbox-metrics snapshot.
func (r *Reporter) Sandbox(ctx context.Context) SandboxSnapshot {
	infos, err := r.containers.List(ctx, containers.ListFilter{})
	count := 0
	if err == nil {
		count = len(infos)
	}
	return SandboxSnapshot{
		Sessions:       r.sessions.Stats(),
		ContainerCount: count,
		LastSweep:      r.reaper.LastSweep(),
	}
}

// RateLimits returns every tracked client's admin-facing rate-limit view.
func (r *Reporter) RateLimits() []ratelimit.ClientTracking {
	return r.limiter.All()
}
