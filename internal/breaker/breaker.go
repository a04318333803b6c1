// Package breaker implements the Circuit Breaker: a single global admission
// gate over new session creation, tripped by aggregate container count and
// host memory pressure. Grounded on the teacher's quota/health-sampling
// pattern in docker-controller, extended to a three-state Closed/Open/
// HalfOpen machine and to host memory sampling via gopsutil.
package breaker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/mem"

	"github.com/sandboxd/sandboxd/internal/logging"
)

// State is one of the breaker's three admission states.
type State string

const (
	Closed   State = "closed"
	Open     State = "open"
	HalfOpen State = "half-open"
)

// Metrics is the last captured sample driving the breaker's decisions.
type Metrics struct {
	Containers      int     `json:"containers"`
	MaxContainers   int     `json:"maxContainers"`
	MemoryPercent   float64 `json:"memoryPercent"`
	MaxMemoryPercent float64 `json:"maxMemoryPercent"`
}

// Snapshot is the admin/status-facing view of the breaker.
type Snapshot struct {
	State    State     `json:"state"`
	Reason   string    `json:"reason,omitempty"`
	OpenedAt time.Time `json:"openedAt,omitempty"`
	Metrics  Metrics   `json:"metrics"`
}

// ContainerCounter is the narrow capability the breaker needs from the
// container manager.
type ContainerCounter interface {
	CountRunning(ctx context.Context) (int, error)
}

// MemorySampler abstracts host memory sampling so tests can substitute a
// fake without touching /proc.
type MemorySampler interface {
	UsedPercent(ctx context.Context) (float64, error)
}

// GopsutilMemorySampler is the production MemorySampler, backed by
// gopsutil/v3/mem.
type GopsutilMemorySampler struct{}

// UsedPercent reports the host's current memory utilisation percentage.
func (GopsutilMemorySampler) UsedPercent(ctx context.Context) (float64, error) {
	v, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return 0, err
	}
	return v.UsedPercent, nil
}

// Breaker is the process-wide admission gate. All state transitions are
// guarded by a single mutex; sampling runs on its own periodic loop
// independent of admission checks, which are microsecond-scale reads.
type Breaker struct {
	maxContainers    int
	maxMemoryPercent float64
	coolDown         time.Duration
	sampleInterval   time.Duration

	counter ContainerCounter
	memory  MemorySampler

	mu       sync.Mutex
	state    State
	reason   string
	openedAt time.Time
	metrics  Metrics

	probing bool

	stopCh chan struct{}
	doneCh chan struct{}
	once   sync.Once
}

// Config bundles the thresholds needed to construct a Breaker.
type Config struct {
	MaxContainers    int
	MaxMemoryPercent float64
	CoolDown         time.Duration
	SampleInterval   time.Duration
}

// New builds a Breaker in the Closed state. Call Start to begin the
// periodic sampling loop.
func New(cfg Config, counter ContainerCounter, memory MemorySampler) *Breaker {
	if memory == nil {
		memory = GopsutilMemorySampler{}
	}
	interval := cfg.SampleInterval
	if interval <= 0 {
		interval = 15 * time.Second
	}
	return &Breaker{
		maxContainers:    cfg.MaxContainers,
		maxMemoryPercent: cfg.MaxMemoryPercent,
		coolDown:         cfg.CoolDown,
		sampleInterval:   interval,
		counter:          counter,
		memory:           memory,
		state:            Closed,
		stopCh:           make(chan struct{}),
		doneCh:           make(chan struct{}),
	}
}

// Start launches the periodic sampling loop. Safe to call once.
func (b *Breaker) Start(ctx context.Context) {
	go b.loop(ctx)
}

// Stop halts the sampling loop and waits for it to exit.
func (b *Breaker) Stop() {
	b.once.Do(func() { close(b.stopCh) })
	<-b.doneCh
}

func (b *Breaker) loop(ctx context.Context) {
	defer close(b.doneCh)
	ticker := time.NewTicker(b.sampleInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-b.stopCh:
			return
		case <-ticker.C:
			b.sample(ctx)
		}
	}
}

func (b *Breaker) sample(ctx context.Context) {
	containers, err := b.counter.CountRunning(ctx)
	if err != nil {
		logging.Breaker().Warn().Err(err).Msg("failed to sample running container count")
		return
	}
	memPercent, err := b.memory.UsedPercent(ctx)
	if err != nil {
		logging.Breaker().Warn().Err(err).Msg("failed to sample host memory")
		return
	}

	m := Metrics{
		Containers:       containers,
		MaxContainers:    b.maxContainers,
		MemoryPercent:    memPercent,
		MaxMemoryPercent: b.maxMemoryPercent,
	}
	exceeded, reason := m.exceeded()

	b.mu.Lock()
	defer b.mu.Unlock()
	b.metrics = m

	switch b.state {
	case Closed:
		if exceeded {
			b.trip(reason)
		}
	case Open:
		if time.Since(b.openedAt) >= b.coolDown {
			b.state = HalfOpen
			logging.Breaker().Info().Msg("breaker cooldown elapsed, moving to half-open")
		}
	case HalfOpen:
		if exceeded {
			b.trip(reason)
		}
	}
}

func (m Metrics) exceeded() (bool, string) {
	if m.MaxContainers > 0 && m.Containers >= m.MaxContainers {
		return true, fmt.Sprintf("running container count %d reached limit %d", m.Containers, m.MaxContainers)
	}
	if m.MaxMemoryPercent > 0 && m.MemoryPercent >= m.MaxMemoryPercent {
		return true, fmt.Sprintf("host memory usage %.1f%% reached limit %.1f%%", m.MemoryPercent, m.MaxMemoryPercent)
	}
	return false, ""
}

// trip must be called with b.mu held.
func (b *Breaker) trip(reason string) {
	b.state = Open
	b.reason = reason
	b.openedAt = time.Now()
	b.probing = false
	logging.Breaker().Warn().Str("reason", reason).Msg("circuit breaker opened")
}

// Admit reports whether a new session may be created right now. While Open
// it always rejects; while HalfOpen it allows exactly one probing session
// at a time (subsequent calls are rejected until ReportOutcome resolves the
// probe) and the caller must report the outcome via ReportOutcome.
func (b *Breaker) Admit() (ok bool, reason string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	switch b.state {
	case Open:
		return false, b.reason
	case HalfOpen:
		if b.probing {
			return false, b.reason
		}
		b.probing = true
		return true, ""
	default:
		return true, ""
	}
}

// ReportOutcome lets the Session Manager tell the breaker whether the most
// recent session creation (relevant only while HalfOpen) succeeded,
// completing the HalfOpen -> Closed or HalfOpen -> Open transition.
func (b *Breaker) ReportOutcome(succeeded bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state != HalfOpen {
		return
	}
	b.probing = false
	if succeeded {
		exceeded, _ := b.metrics.exceeded()
		if !exceeded {
			b.state = Closed
			b.reason = ""
			logging.Breaker().Info().Msg("circuit breaker closed after successful probe")
			return
		}
	}
	b.trip(b.reason)
}

// Snapshot returns the current state, reason, and last metrics sample for
// the status endpoint.
func (b *Breaker) Snapshot() Snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()
	return Snapshot{
		State:    b.state,
		Reason:   b.reason,
		OpenedAt: b.openedAt,
		Metrics:  b.metrics,
	}
}
