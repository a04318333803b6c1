package session

import (
	"context"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sandboxd/sandboxd/internal/breaker"
	"github.com/sandboxd/sandboxd/internal/containers"
	"github.com/sandboxd/sandboxd/internal/environment"
	"github.com/sandboxd/sandboxd/internal/pty"
	"github.com/sandboxd/sandboxd/internal/ratelimit"
)

type fakeEnvironments struct {
	configs map[string]environment.Config
}

func (f *fakeEnvironments) Get(name string) (environment.Config, error) {
	c, ok := f.configs[name]
	if !ok {
		return environment.Config{}, assert.AnError
	}
	return c, nil
}

type fakeRuntime struct {
	mu       sync.Mutex
	created  int
	started  int
	stopped  int
	removed  int
	failCreate bool
}

func (f *fakeRuntime) Create(ctx context.Context, spec containers.Spec) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failCreate {
		return "", assert.AnError
	}
	f.created++
	return "container-" + spec.SessionID, nil
}

func (f *fakeRuntime) Start(ctx context.Context, id string) error {
	f.mu.Lock()
	f.started++
	f.mu.Unlock()
	return nil
}

func (f *fakeRuntime) Stop(ctx context.Context, id string, gracePeriod time.Duration) error {
	f.mu.Lock()
	f.stopped++
	f.mu.Unlock()
	return nil
}

func (f *fakeRuntime) Remove(ctx context.Context, id string, force bool) error {
	f.mu.Lock()
	f.removed++
	f.mu.Unlock()
	return nil
}

// fakeExecShell is a no-op pty.Exec double: reads block until closed, writes
// are discarded. Enough for Create/Destroy lifecycle tests that never
// attach a channel.
type fakeExecShell struct {
	r *io.PipeReader
	w *io.PipeWriter
}

func newFakeExecShell() *fakeExecShell {
	r, w := io.Pipe()
	return &fakeExecShell{r: r, w: w}
}

func (f *fakeExecShell) Read(p []byte) (int, error)  { return f.r.Read(p) }
func (f *fakeExecShell) Write(p []byte) (int, error) { return len(p), nil }
func (f *fakeExecShell) Resize(ctx context.Context, cols, rows uint) error { return nil }
func (f *fakeExecShell) Close() error {
	f.w.Close()
	return nil
}

func (f *fakeRuntime) AttachPty(ctx context.Context, containerID, shell string, env []string, cols, rows uint) (pty.Exec, error) {
	return newFakeExecShell(), nil
}

func testEnvironments() *fakeEnvironments {
	return &fakeEnvironments{configs: map[string]environment.Config{
		"bash": {
			Name:           "bash",
			Image:          "sandboxd/bash:latest",
			DefaultTimeout: 10 * time.Minute,
		},
	}}
}

func testBreaker() *breaker.Breaker {
	return breaker.New(breaker.Config{MaxContainers: 1000, MaxMemoryPercent: 99, CoolDown: time.Minute},
		countRunningFunc(func(ctx context.Context) (int, error) { return 0, nil }),
		usedPercentFunc(func(ctx context.Context) (float64, error) { return 0, nil }))
}

type countRunningFunc func(ctx context.Context) (int, error)

func (f countRunningFunc) CountRunning(ctx context.Context) (int, error) { return f(ctx) }

type usedPercentFunc func(ctx context.Context) (float64, error)

func (f usedPercentFunc) UsedPercent(ctx context.Context) (float64, error) { return f(ctx) }

func newTestManager(t *testing.T, runtime *fakeRuntime) *Manager {
	t.Helper()
	limiter := ratelimit.New(ratelimit.Limits{
		MaxConcurrentSessions: 2,
		SessionsPerHour:       50,
		CommandsPerMinute:     60,
		MaxConcurrentChannels: 3,
	}, false)
	return New(testEnvironments(), runtime, limiter, testBreaker(), Config{})
}

func TestCreateRejectsUnknownEnvironment(t *testing.T) {
	m := newTestManager(t, &fakeRuntime{})
	_, err := m.Create(context.Background(), "client-a", CreateRequest{Environment: "does-not-exist"})
	assert.Error(t, err)
}

func TestCreateInsertsSessionInReadyState(t *testing.T) {
	runtime := &fakeRuntime{}
	m := newTestManager(t, runtime)

	view, err := m.Create(context.Background(), "client-a", CreateRequest{Environment: "bash"})
	require.NoError(t, err)
	assert.Equal(t, StateReady, view.State)
	assert.NotEmpty(t, view.ContainerID)
	assert.Equal(t, 1, runtime.created)
	assert.Equal(t, 1, runtime.started)
}

func TestCreatePropagatesContainerFailure(t *testing.T) {
	runtime := &fakeRuntime{failCreate: true}
	m := newTestManager(t, runtime)

	_, err := m.Create(context.Background(), "client-a", CreateRequest{Environment: "bash"})
	assert.Error(t, err)
}

func TestCreateReleasesSlotOnFailureAllowingRetry(t *testing.T) {
	runtime := &fakeRuntime{failCreate: true}
	m := newTestManager(t, runtime)
	_, err := m.Create(context.Background(), "client-a", CreateRequest{Environment: "bash"})
	require.Error(t, err)

	runtime.failCreate = false
	view, err := m.Create(context.Background(), "client-a", CreateRequest{Environment: "bash"})
	require.NoError(t, err)
	assert.Equal(t, StateReady, view.State)
}

func TestCreateEnforcesConcurrentSessionLimit(t *testing.T) {
	runtime := &fakeRuntime{}
	m := newTestManager(t, runtime)

	_, err := m.Create(context.Background(), "client-a", CreateRequest{Environment: "bash"})
	require.NoError(t, err)
	_, err = m.Create(context.Background(), "client-a", CreateRequest{Environment: "bash"})
	require.NoError(t, err)

	_, err = m.Create(context.Background(), "client-a", CreateRequest{Environment: "bash"})
	assert.Error(t, err)
}

func TestDestroyIsIdempotent(t *testing.T) {
	runtime := &fakeRuntime{}
	m := newTestManager(t, runtime)
	view, err := m.Create(context.Background(), "client-a", CreateRequest{Environment: "bash"})
	require.NoError(t, err)

	require.NoError(t, m.Destroy(context.Background(), view.ID, "test"))
	require.NoError(t, m.Destroy(context.Background(), view.ID, "test again"))

	assert.Equal(t, 1, runtime.removed, "remove must only be attempted once across idempotent destroys")

	_, err = m.Get(view.ID)
	assert.Error(t, err)
}

func TestDestroyReleasesAdmissionSlotForNewCreate(t *testing.T) {
	runtime := &fakeRuntime{}
	m := newTestManager(t, runtime)

	v1, err := m.Create(context.Background(), "client-a", CreateRequest{Environment: "bash"})
	require.NoError(t, err)
	_, err = m.Create(context.Background(), "client-a", CreateRequest{Environment: "bash"})
	require.NoError(t, err)

	require.NoError(t, m.Destroy(context.Background(), v1.ID, "test"))

	_, err = m.Create(context.Background(), "client-a", CreateRequest{Environment: "bash"})
	assert.NoError(t, err)
}

func TestTimeoutClampedToMax(t *testing.T) {
	assert.Equal(t, int64(30*time.Minute/time.Millisecond), clampTimeout(0))
	assert.Equal(t, int64(30*time.Minute/time.Millisecond), clampTimeout(int64(60*time.Minute/time.Millisecond)))
	assert.Equal(t, int64(5000), clampTimeout(5000))
}

func TestStatsReflectsSessionStates(t *testing.T) {
	runtime := &fakeRuntime{}
	m := newTestManager(t, runtime)
	_, err := m.Create(context.Background(), "client-a", CreateRequest{Environment: "bash"})
	require.NoError(t, err)

	stats := m.Stats()
	assert.Equal(t, 1, stats.Total)
	assert.Equal(t, 1, stats.Ready)
}
