// Package reaper implements the periodic background sweep that enforces
// session and container lifecycle invariants: the final line of defence
// for "every terminated session's container has been removed or removal
// attempted and logged." Grounded on the teacher's cleanup-loop pattern in
// docker-controller (a serialized, ticker-driven sweep over daemon state).
package reaper

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sandboxd/sandboxd/internal/apierrors"
	"github.com/sandboxd/sandboxd/internal/containers"
	"github.com/sandboxd/sandboxd/internal/logging"
)

// SessionSource is the narrow session-manager capability the reaper needs.
type SessionSource interface {
	IDs() []string
	ShouldReap(sessionID string) bool
	ContainerIDFor(sessionID string) (string, bool)
	Destroy(ctx context.Context, sessionID, reason string) error
}

// ContainerStore is the narrow container-manager capability the reaper
// needs, accepted as an interface so tests can substitute a fake daemon.
type ContainerStore interface {
	List(ctx context.Context, f containers.ListFilter) ([]containers.Info, error)
	Inspect(ctx context.Context, id string) (containers.Info, error)
	Remove(ctx context.Context, id string, force bool) error
}

// containerAlive reports whether status still represents a container the
// reaper should leave alone; only the terminal states are treated as gone.
func containerAlive(status containers.Status) bool {
	switch status {
	case containers.StatusExited, containers.StatusDead, containers.StatusStopped:
		return false
	default:
		return true
	}
}

// SweepCounters records one sweep's outcome for the metrics surface.
type SweepCounters struct {
	At                time.Time `json:"at"`
	RemovedSessions   int       `json:"removedSessions"`
	RemovedContainers int       `json:"removedContainers"`
	Errors            int       `json:"errors"`
}

// Reaper runs one serialized sweep every interval. Concurrent sweeps never
// overlap: a mutex held for the sweep's duration guarantees this even if
// the caller invokes Sweep directly (e.g. from a test) while the scheduled
// loop is also running.
type Reaper struct {
	sessions        SessionSource
	containers      ContainerStore
	servicePrefix   string
	interval        time.Duration
	maxContainerAge time.Duration

	sweepMu sync.Mutex

	lastCounters atomic.Value // SweepCounters

	stopCh chan struct{}
	once   sync.Once
}

// New builds a Reaper. servicePrefix restricts container enumeration to
// this service's own containers, matching the Container Manager's label
// convention.
func New(sessions SessionSource, containerMgr ContainerStore, servicePrefix string, interval, maxContainerAge time.Duration) *Reaper {
	r := &Reaper{
		sessions:        sessions,
		containers:      containerMgr,
		servicePrefix:   servicePrefix,
		interval:        interval,
		maxContainerAge: maxContainerAge,
		stopCh:          make(chan struct{}),
	}
	r.lastCounters.Store(SweepCounters{})
	return r
}

// Start launches the periodic sweep loop in its own goroutine.
func (r *Reaper) Start(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(r.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-r.stopCh:
				return
			case <-ticker.C:
				r.Sweep(ctx)
			}
		}
	}()
}

// Stop halts the sweep loop. Does not interrupt a sweep in progress.
func (r *Reaper) Stop() {
	r.once.Do(func() { close(r.stopCh) })
}

// Sweep performs one serialized pass: destroy expired/orphaned sessions,
// then remove orphaned service containers. Errors on individual items are
// logged and counted, never abort the sweep.
func (r *Reaper) Sweep(ctx context.Context) SweepCounters {
	r.sweepMu.Lock()
	defer r.sweepMu.Unlock()

	counters := SweepCounters{At: time.Now()}

	for _, id := range r.sessions.IDs() {
		reason := ""
		switch {
		case r.sessions.ShouldReap(id):
			reason = "reaper sweep: expired"
		case r.containerGone(ctx, id):
			reason = "reaper sweep: container not running"
		default:
			continue
		}
		if err := r.sessions.Destroy(ctx, id, reason); err != nil {
			logging.Reaper().Error().Err(err).Str("session_id", id).Msg("failed to destroy session")
			counters.Errors++
			continue
		}
		counters.RemovedSessions++
	}

	infos, err := r.containers.List(ctx, containers.ListFilter{})
	if err != nil {
		logging.Reaper().Error().Err(err).Msg("failed to list containers during sweep")
		counters.Errors++
		r.lastCounters.Store(counters)
		return counters
	}

	live := make(map[string]bool)
	for _, id := range r.sessions.IDs() {
		live[id] = true
	}

	now := time.Now()
	for _, info := range infos {
		if info.SessionID != "" && live[info.SessionID] {
			continue // owned by a live session; leave it to Destroy
		}
		aged := r.maxContainerAge > 0 && now.Sub(info.CreatedAt) > r.maxContainerAge
		dead := info.Status == containers.StatusExited || info.Status == containers.StatusDead
		if !aged && !dead {
			continue
		}
		if err := r.containers.Remove(ctx, info.ID, true); err != nil {
			logging.Reaper().Error().Err(err).Str("container_id", info.ID).Msg("failed to remove orphaned container")
			counters.Errors++
			continue
		}
		counters.RemovedContainers++
	}

	r.lastCounters.Store(counters)
	logging.Reaper().Info().
		Int("removed_sessions", counters.RemovedSessions).
		Int("removed_containers", counters.RemovedContainers).
		Int("errors", counters.Errors).
		Msg("reaper sweep complete")
	return counters
}

// containerGone inspects the container backing sessionID and reports
// whether it has already exited or disappeared, implementing the sweep's
// third destroy condition: a session whose container is no longer running
// is orphaned regardless of its own idle/closing state. A transient inspect
// failure is not treated as "gone" — it is retried on the next sweep rather
// than destroying a session over a momentarily unreachable daemon.
func (r *Reaper) containerGone(ctx context.Context, sessionID string) bool {
	containerID, ok := r.sessions.ContainerIDFor(sessionID)
	if !ok || containerID == "" {
		return false
	}
	info, err := r.containers.Inspect(ctx, containerID)
	if err != nil {
		return apierrors.CodeOf(err) == apierrors.CodeNotFound
	}
	return !containerAlive(info.Status)
}

// LastSweep returns the most recent sweep's counters for the metrics
// surface.
func (r *Reaper) LastSweep() SweepCounters {
	return r.lastCounters.Load().(SweepCounters)
}
