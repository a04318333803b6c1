package metrics

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sandboxd/sandboxd/internal/breaker"
	"github.com/sandboxd/sandboxd/internal/containers"
	"github.com/sandboxd/sandboxd/internal/ratelimit"
	"github.com/sandboxd/sandboxd/internal/reaper"
	"github.com/sandboxd/sandboxd/internal/session"
)

type fakeSessionStatter struct{ stats session.Stats }

func (f fakeSessionStatter) Stats() session.Stats { return f.stats }

type fakeContainerLister struct{ infos []containers.Info }

func (f fakeContainerLister) List(ctx context.Context, filter containers.ListFilter) ([]containers.Info, error) {
	return f.infos, nil
}

type fakeSweepReporter struct{ counters reaper.SweepCounters }

func (f fakeSweepReporter) LastSweep() reaper.SweepCounters { return f.counters }

type noopCounter struct{}

func (noopCounter) CountRunning(ctx context.Context) (int, error) { return 0, nil }

type noopMemory struct{}

func (noopMemory) UsedPercent(ctx context.Context) (float64, error) { return 0, nil }

func TestHealthReportsUptimeAndSessionStats(t *testing.T) {
	stats := session.Stats{Total: 3, Active: 2}
	b := breaker.New(breaker.Config{MaxContainers: 10, MaxMemoryPercent: 90, CoolDown: time.Minute}, noopCounter{}, noopMemory{})
	limiter := ratelimit.New(ratelimit.Limits{MaxConcurrentSessions: 2, SessionsPerHour: 50, CommandsPerMinute: 60, MaxConcurrentChannels: 3}, false)
	r := New(fakeSessionStatter{stats: stats}, fakeContainerLister{}, b, limiter, fakeSweepReporter{})

	health := r.Health()
	assert.Equal(t, "ok", health.Status)
	assert.Equal(t, stats, health.Sessions)
	assert.GreaterOrEqual(t, health.UptimeSec, 0.0)
}

func TestStatusReflectsBreakerState(t *testing.T) {
	b := breaker.New(breaker.Config{MaxContainers: 1, MaxMemoryPercent: 90, CoolDown: time.Minute}, noopCounter{}, noopMemory{})
	limiter := ratelimit.New(ratelimit.Limits{}, false)
	r := New(fakeSessionStatter{}, fakeContainerLister{}, b, limiter, fakeSweepReporter{})

	status := r.Status()
	assert.False(t, status.IsOpen)
}

func TestSandboxSnapshotCountsContainers(t *testing.T) {
	b := breaker.New(breaker.Config{}, noopCounter{}, noopMemory{})
	limiter := ratelimit.New(ratelimit.Limits{}, false)
	counters := reaper.SweepCounters{RemovedContainers: 2}
	r := New(fakeSessionStatter{}, fakeContainerLister{infos: []containers.Info{{ID: "a"}, {ID: "b"}}}, b, limiter, fakeSweepReporter{counters: counters})

	snap := r.Sandbox(context.Background())
	require.Equal(t, 2, snap.ContainerCount)
	assert.Equal(t, counters, snap.LastSweep)
}

func TestRateLimitsReturnsAllTrackedClients(t *testing.T) {
	b := breaker.New(breaker.Config{}, noopCounter{}, noopMemory{})
	limiter := ratelimit.New(ratelimit.Limits{MaxConcurrentSessions: 2, SessionsPerHour: 50, CommandsPerMinute: 60, MaxConcurrentChannels: 3}, false)
	limiter.AdmitSessionCreate("client-a", "s1")
	r := New(fakeSessionStatter{}, fakeContainerLister{}, b, limiter, fakeSweepReporter{})

	all := r.RateLimits()
	require.Len(t, all, 1)
	assert.Equal(t, "client-a", all[0].ClientID)
}
