package breaker

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeCounter struct {
	mu    sync.Mutex
	count int
}

func (f *fakeCounter) set(n int) {
	f.mu.Lock()
	f.count = n
	f.mu.Unlock()
}

func (f *fakeCounter) CountRunning(ctx context.Context) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.count, nil
}

type fakeMemory struct {
	mu      sync.Mutex
	percent float64
}

func (f *fakeMemory) set(p float64) {
	f.mu.Lock()
	f.percent = p
	f.mu.Unlock()
}

func (f *fakeMemory) UsedPercent(ctx context.Context) (float64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.percent, nil
}

func newTestBreaker(counter *fakeCounter, memory *fakeMemory) *Breaker {
	return New(Config{
		MaxContainers:    10,
		MaxMemoryPercent: 90,
		CoolDown:         100 * time.Millisecond,
		SampleInterval:   10 * time.Millisecond,
	}, counter, memory)
}

func TestBreakerStartsClosedAndAdmits(t *testing.T) {
	b := newTestBreaker(&fakeCounter{}, &fakeMemory{})
	ok, _ := b.Admit()
	assert.True(t, ok)
	assert.Equal(t, Closed, b.Snapshot().State)
}

func TestBreakerTripsOnContainerCountThreshold(t *testing.T) {
	counter := &fakeCounter{}
	memory := &fakeMemory{}
	b := newTestBreaker(counter, memory)
	counter.set(10)

	b.sample(context.Background())

	snap := b.Snapshot()
	assert.Equal(t, Open, snap.State)
	assert.NotEmpty(t, snap.Reason)

	ok, reason := b.Admit()
	assert.False(t, ok)
	assert.NotEmpty(t, reason)
}

func TestBreakerTripsOnMemoryThreshold(t *testing.T) {
	counter := &fakeCounter{}
	memory := &fakeMemory{}
	b := newTestBreaker(counter, memory)
	memory.set(95)

	b.sample(context.Background())
	assert.Equal(t, Open, b.Snapshot().State)
}

func TestBreakerMovesToHalfOpenAfterCoolDown(t *testing.T) {
	counter := &fakeCounter{}
	memory := &fakeMemory{}
	b := newTestBreaker(counter, memory)
	counter.set(10)
	b.sample(context.Background())
	require.Equal(t, Open, b.Snapshot().State)

	counter.set(0)
	time.Sleep(150 * time.Millisecond)
	b.sample(context.Background())

	assert.Equal(t, HalfOpen, b.Snapshot().State)
}

func TestBreakerHalfOpenClosesOnSuccessfulProbe(t *testing.T) {
	counter := &fakeCounter{}
	memory := &fakeMemory{}
	b := newTestBreaker(counter, memory)
	counter.set(10)
	b.sample(context.Background())
	counter.set(0)
	time.Sleep(150 * time.Millisecond)
	b.sample(context.Background())
	require.Equal(t, HalfOpen, b.Snapshot().State)

	ok, _ := b.Admit()
	require.True(t, ok)
	b.ReportOutcome(true)

	assert.Equal(t, Closed, b.Snapshot().State)
}

func TestBreakerHalfOpenReopensOnFailedProbe(t *testing.T) {
	counter := &fakeCounter{}
	memory := &fakeMemory{}
	b := newTestBreaker(counter, memory)
	counter.set(10)
	b.sample(context.Background())
	counter.set(0)
	time.Sleep(150 * time.Millisecond)
	b.sample(context.Background())
	require.Equal(t, HalfOpen, b.Snapshot().State)

	ok, _ := b.Admit()
	require.True(t, ok)
	b.ReportOutcome(false)

	assert.Equal(t, Open, b.Snapshot().State)
}

func TestBreakerHalfOpenOnlyAdmitsOneProbeAtATime(t *testing.T) {
	counter := &fakeCounter{}
	memory := &fakeMemory{}
	b := newTestBreaker(counter, memory)
	counter.set(10)
	b.sample(context.Background())
	counter.set(0)
	time.Sleep(150 * time.Millisecond)
	b.sample(context.Background())
	require.Equal(t, HalfOpen, b.Snapshot().State)

	ok1, _ := b.Admit()
	ok2, _ := b.Admit()
	assert.True(t, ok1)
	assert.False(t, ok2, "only one probe may be in flight while half-open")
}

func TestBreakerExistingSessionsUnaffectedByOpenState(t *testing.T) {
	// P7: breaker Admit() only gates new creation; it exposes no operation
	// that touches existing sessions, so existing sessions are unaffected
	// by construction. This test documents that contract.
	counter := &fakeCounter{}
	memory := &fakeMemory{}
	b := newTestBreaker(counter, memory)
	counter.set(10)
	b.sample(context.Background())

	ok, _ := b.Admit()
	assert.False(t, ok)
}
