package reaper

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sandboxd/sandboxd/internal/containers"
)

type fakeSessions struct {
	mu          sync.Mutex
	ids         []string
	reap        map[string]bool
	containerID map[string]string
	destroyed   []string
	failOn      map[string]bool
}

func (f *fakeSessions) IDs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.ids))
	copy(out, f.ids)
	return out
}

func (f *fakeSessions) ShouldReap(id string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.reap[id]
}

func (f *fakeSessions) ContainerIDFor(id string) (string, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	cid, ok := f.containerID[id]
	return cid, ok
}

func (f *fakeSessions) Destroy(ctx context.Context, id, reason string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failOn[id] {
		return assert.AnError
	}
	f.destroyed = append(f.destroyed, id)
	return nil
}

type fakeContainers struct {
	mu      sync.Mutex
	infos   []containers.Info
	inspect map[string]containers.Info
	removed []string
	failOn  map[string]bool
}

func (f *fakeContainers) List(ctx context.Context, filter containers.ListFilter) ([]containers.Info, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]containers.Info, len(f.infos))
	copy(out, f.infos)
	return out, nil
}

func (f *fakeContainers) Inspect(ctx context.Context, id string) (containers.Info, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	info, ok := f.inspect[id]
	if !ok {
		return containers.Info{}, assert.AnError
	}
	return info, nil
}

func (f *fakeContainers) Remove(ctx context.Context, id string, force bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failOn[id] {
		return assert.AnError
	}
	f.removed = append(f.removed, id)
	return nil
}

func TestSweepDestroysReapableSessions(t *testing.T) {
	sessions := &fakeSessions{ids: []string{"s1", "s2"}, reap: map[string]bool{"s1": true}}
	containersStore := &fakeContainers{}
	r := New(sessions, containersStore, "sandboxd", time.Hour, time.Hour)

	counters := r.Sweep(context.Background())

	assert.Equal(t, 1, counters.RemovedSessions)
	assert.Equal(t, []string{"s1"}, sessions.destroyed)
}

func TestSweepRemovesOrphanedExitedContainers(t *testing.T) {
	sessions := &fakeSessions{ids: []string{"live-session"}}
	containersStore := &fakeContainers{infos: []containers.Info{
		{ID: "c1", Status: containers.StatusExited, SessionID: ""},
		{ID: "c2", Status: containers.StatusRunning, SessionID: "live-session"},
	}}
	r := New(sessions, containersStore, "sandboxd", time.Hour, time.Hour)

	counters := r.Sweep(context.Background())

	assert.Equal(t, 1, counters.RemovedContainers)
	assert.Equal(t, []string{"c1"}, containersStore.removed)
}

func TestSweepRemovesOrphanedAgedContainers(t *testing.T) {
	sessions := &fakeSessions{}
	containersStore := &fakeContainers{infos: []containers.Info{
		{ID: "old", Status: containers.StatusRunning, SessionID: "", CreatedAt: time.Now().Add(-2 * time.Hour)},
		{ID: "fresh", Status: containers.StatusRunning, SessionID: "", CreatedAt: time.Now()},
	}}
	r := New(sessions, containersStore, "sandboxd", time.Hour, time.Hour)

	counters := r.Sweep(context.Background())

	assert.Equal(t, 1, counters.RemovedContainers)
	assert.Equal(t, []string{"old"}, containersStore.removed)
}

func TestSweepNeverRemovesContainersWithLiveSession(t *testing.T) {
	sessions := &fakeSessions{ids: []string{"still-owned"}}
	containersStore := &fakeContainers{infos: []containers.Info{
		{ID: "c1", Status: containers.StatusExited, SessionID: "still-owned", CreatedAt: time.Now().Add(-5 * time.Hour)},
	}}
	r := New(sessions, containersStore, "sandboxd", time.Hour, time.Hour)

	counters := r.Sweep(context.Background())
	assert.Equal(t, 0, counters.RemovedContainers)
}

func TestSweepDestroysSessionsWhoseContainerIsNoLongerRunning(t *testing.T) {
	sessions := &fakeSessions{
		ids:         []string{"s1", "s2"},
		containerID: map[string]string{"s1": "c1", "s2": "c2"},
	}
	containersStore := &fakeContainers{inspect: map[string]containers.Info{
		"c1": {ID: "c1", Status: containers.StatusExited},
		"c2": {ID: "c2", Status: containers.StatusRunning},
	}}
	r := New(sessions, containersStore, "sandboxd", time.Hour, time.Hour)

	counters := r.Sweep(context.Background())

	assert.Equal(t, 1, counters.RemovedSessions)
	assert.Equal(t, []string{"s1"}, sessions.destroyed)
}

func TestSweepCountsErrorsButContinues(t *testing.T) {
	sessions := &fakeSessions{ids: []string{"s1", "s2"}, reap: map[string]bool{"s1": true, "s2": true}, failOn: map[string]bool{"s1": true}}
	containersStore := &fakeContainers{}
	r := New(sessions, containersStore, "sandboxd", time.Hour, time.Hour)

	counters := r.Sweep(context.Background())
	assert.Equal(t, 1, counters.Errors)
	assert.Equal(t, 1, counters.RemovedSessions)
	assert.Equal(t, []string{"s2"}, sessions.destroyed)
}

func TestLastSweepReflectsMostRecentCounters(t *testing.T) {
	sessions := &fakeSessions{}
	containersStore := &fakeContainers{}
	r := New(sessions, containersStore, "sandboxd", time.Hour, time.Hour)

	r.Sweep(context.Background())
	last := r.LastSweep()
	require.False(t, last.At.IsZero())
}

func TestSweepsAreSerialized(t *testing.T) {
	sessions := &fakeSessions{}
	containersStore := &fakeContainers{}
	r := New(sessions, containersStore, "sandboxd", time.Hour, time.Hour)

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r.Sweep(context.Background())
		}()
	}
	wg.Wait()
}
