// Package session implements the Session Manager: the authoritative map
// from session id to Session, the create/attach/destroy/touch lifecycle
// operations, and the idle/grace cleanup scheduler. It is the orchestration
// hub wiring the Environment Registry, Container Manager, Rate Limiter,
// Circuit Breaker and PTY Transport together, in the spirit of the
// teacher's docker-controller orchestration package but generalized from a
// single long-lived container per job to a short-lived interactive
// session per tenant.
package session

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/sandboxd/sandboxd/internal/apierrors"
	"github.com/sandboxd/sandboxd/internal/breaker"
	"github.com/sandboxd/sandboxd/internal/containers"
	"github.com/sandboxd/sandboxd/internal/environment"
	"github.com/sandboxd/sandboxd/internal/events"
	"github.com/sandboxd/sandboxd/internal/logging"
	"github.com/sandboxd/sandboxd/internal/pty"
	"github.com/sandboxd/sandboxd/internal/ratelimit"
)

// State is one of the session's lifecycle states.
type State string

const (
	StateCreating   State = "creating"
	StateReady      State = "ready"
	StateActive     State = "active"
	StateClosing    State = "closing"
	StateTerminated State = "terminated"
)

const (
	maxIdleTimeout  = 30 * time.Minute
	attachGrace     = 60 * time.Second
	defaultInitWait = 30 * time.Second
	stopGracePeriod = 5 * time.Second
)

// EnvironmentResolver is the narrow capability needed from the environment
// registry, accepted as an interface so tests can substitute a fixed set of
// environments without constructing a real registry.
type EnvironmentResolver interface {
	Get(name string) (environment.Config, error)
}

// ContainerLifecycle is the narrow slice of Container Manager operations the
// Session Manager drives directly.
type ContainerLifecycle interface {
	Create(ctx context.Context, spec containers.Spec) (string, error)
	Start(ctx context.Context, id string) error
	Stop(ctx context.Context, id string, gracePeriod time.Duration) error
	Remove(ctx context.Context, id string, force bool) error
}

// PtyAttacher spawns an interactive shell inside a container, returning the
// narrow pty.Exec capability rather than a concrete exec-session type so
// tests can substitute an in-memory shell.
type PtyAttacher interface {
	AttachPty(ctx context.Context, containerID, shell string, env []string, cols, rows uint) (pty.Exec, error)
}

// ContainerManagerAdapter adapts *containers.Manager's AttachPty (which
// returns the concrete *containers.ExecSession) to the PtyAttacher
// interface; the concrete type satisfies pty.Exec on return, but Go
// requires exact signature match for interface satisfaction, so the
// adapter performs that conversion explicitly.
type ContainerManagerAdapter struct {
	*containers.Manager
}

func (a ContainerManagerAdapter) AttachPty(ctx context.Context, containerID, shell string, env []string, cols, rows uint) (pty.Exec, error) {
	return a.Manager.AttachPty(ctx, containerID, shell, env, cols, rows)
}

// WrapContainerManager adapts a concrete Container Manager for use as both
// a Manager's ContainerLifecycle and PtyAttacher collaborator.
func WrapContainerManager(cm *containers.Manager) ContainerManagerAdapter {
	return ContainerManagerAdapter{cm}
}

// CreateRequest is the caller-supplied portion of session creation.
type CreateRequest struct {
	Environment string
	Init        []string
	TimeoutMs   int64
	ToolPair    string
}

// View is the externally-visible read model of a Session.
type View struct {
	ID              string    `json:"sessionId"`
	ClientID        string    `json:"-"`
	Environment     string    `json:"environment"`
	ContainerID     string    `json:"containerId,omitempty"`
	CreatedAt       time.Time `json:"createdAt"`
	LastActivityAt  time.Time `json:"lastActivityAt"`
	TimeoutMs       int64     `json:"timeoutMs"`
	InitCompleted   bool      `json:"initCompleted"`
	State           State     `json:"state"`
	ExpiresAt       time.Time `json:"expiresAt"`
}

// Session is the Session Manager's internal record. All mutable fields are
// guarded by mu; callers never receive a *Session, only a View snapshot or
// an id, matching the "resolve by id, never hold long-lived references"
// design note.
type Session struct {
	mu sync.Mutex

	id          string
	clientID    string
	environment string
	containerID string

	createdAt      time.Time
	lastActivityAt time.Time
	timeoutMs      int64

	initCommands  []string
	initCompleted bool

	state State

	channelID string
	transport *pty.Transport
}

func (s *Session) view() View {
	s.mu.Lock()
	defer s.mu.Unlock()
	return View{
		ID:             s.id,
		ClientID:       s.clientID,
		Environment:    s.environment,
		ContainerID:    s.containerID,
		CreatedAt:      s.createdAt,
		LastActivityAt: s.lastActivityAt,
		TimeoutMs:      s.timeoutMs,
		InitCompleted:  s.initCompleted,
		State:          s.state,
		ExpiresAt:      s.lastActivityAt.Add(time.Duration(s.timeoutMs) * time.Millisecond),
	}
}

// Manager owns the authoritative session map and coordinates the
// collaborators required to create and tear sessions down.
type Manager struct {
	registry    EnvironmentResolver
	containers  ContainerLifecycle
	ptyAttacher PtyAttacher
	limiter     *ratelimit.Limiter
	breaker     *breaker.Breaker

	shellCommand    string
	serviceUser     string
	requestDeadline time.Duration
	events          EventPublisher

	mu       sync.RWMutex
	sessions map[string]*Session

	stopCh chan struct{}
	doneCh chan struct{}
	once   sync.Once
}

// EventPublisher is the narrow events.Publisher capability the Session
// Manager uses to emit lifecycle events; nil is a valid zero value (no
// events are published).
type EventPublisher interface {
	Publish(evt events.Event)
}

// Config bundles the Session Manager's tunables.
type Config struct {
	RequestDeadline time.Duration
	Shell           string // shell binary invoked inside the container, e.g. "/bin/bash"
	ContainerUser   string
	Events          EventPublisher
}

// New builds a Session Manager over its collaborators. containerMgr must
// satisfy both ContainerLifecycle and PtyAttacher; production callers pass
// WrapContainerManager(realManager), tests pass fakes.
func New(registry EnvironmentResolver, containerMgr interface {
	ContainerLifecycle
	PtyAttacher
}, limiter *ratelimit.Limiter, cb *breaker.Breaker, cfg Config) *Manager {
	shell := cfg.Shell
	if shell == "" {
		shell = "/bin/bash"
	}
	deadline := cfg.RequestDeadline
	if deadline <= 0 {
		deadline = 30 * time.Second
	}
	return &Manager{
		registry:        registry,
		containers:      containerMgr,
		ptyAttacher:     containerMgr,
		limiter:         limiter,
		breaker:         cb,
		shellCommand:    shell,
		serviceUser:     cfg.ContainerUser,
		requestDeadline: deadline,
		events:          cfg.Events,
		sessions:        make(map[string]*Session),
		stopCh:          make(chan struct{}),
		doneCh:          make(chan struct{}),
	}
}

func (m *Manager) publish(kind events.Kind, sessionID, clientID, envName, reason string) {
	if m.events == nil {
		return
	}
	m.events.Publish(events.Event{
		Kind:        kind,
		SessionID:   sessionID,
		ClientID:    clientID,
		Environment: envName,
		Reason:      reason,
	})
}

func clampTimeout(ms int64) int64 {
	max := int64(maxIdleTimeout / time.Millisecond)
	if ms <= 0 || ms > max {
		return max
	}
	return ms
}

// Create resolves the environment, checks admission, provisions and starts
// the container, and inserts the session in Ready state.
func (m *Manager) Create(ctx context.Context, clientID string, req CreateRequest) (View, error) {
	envName := req.Environment
	if envName == "" {
		envName = "bash"
	}
	envCfg, err := m.registry.Get(envName)
	if err != nil {
		return View{}, err
	}

	timeoutMs := req.TimeoutMs
	if timeoutMs <= 0 {
		timeoutMs = int64(envCfg.DefaultTimeout / time.Millisecond)
	}
	timeoutMs = clampTimeout(timeoutMs)

	initCommands := req.Init
	if initCommands == nil {
		initCommands = envCfg.DefaultInitCommands
	}

	sessionID := uuid.NewString()

	decision := m.limiter.AdmitSessionCreate(clientID, sessionID)
	if !decision.Allowed {
		return View{}, apierrors.New(apierrors.CodeTooManyRequests, decision.Reason).
			WithRetryAfter(decision.RetryAfterMs / 1000)
	}

	admitted, breakerReason := m.breaker.Admit()
	if !admitted {
		m.limiter.ReleaseSession(clientID, sessionID)
		return View{}, apierrors.New(apierrors.CodeServiceUnavailable, breakerReason)
	}

	createCtx, cancel := context.WithTimeout(ctx, m.requestDeadline)
	defer cancel()

	containerID, err := m.containers.Create(createCtx, containers.Spec{
		SessionID:   sessionID,
		Environment: envName,
		Image:       envCfg.Image,
		ToolPair:    req.ToolPair,
		User:        m.serviceUser,
		WorkingDir:  "/workspace",
		MemoryBytes: 512 << 20,
		NanoCPUs:    1_000_000_000,
		PidsLimit:   128,
	})
	if err != nil {
		m.limiter.ReleaseSession(clientID, sessionID)
		m.breaker.ReportOutcome(false)
		return View{}, apierrors.Wrap(apierrors.CodeContainerFailed, "failed to create container", err)
	}

	if err := m.containers.Start(createCtx, containerID); err != nil {
		_ = m.containers.Remove(context.Background(), containerID, true)
		m.limiter.ReleaseSession(clientID, sessionID)
		m.breaker.ReportOutcome(false)
		return View{}, apierrors.Wrap(apierrors.CodeContainerFailed, "failed to start container", err)
	}

	now := time.Now()
	sess := &Session{
		id:             sessionID,
		clientID:       clientID,
		environment:    envName,
		containerID:    containerID,
		createdAt:      now,
		lastActivityAt: now,
		timeoutMs:      timeoutMs,
		initCommands:   initCommands,
		state:          StateReady,
	}

	m.mu.Lock()
	m.sessions[sessionID] = sess
	m.mu.Unlock()

	m.breaker.ReportOutcome(true)
	logging.Session().Info().Str("session_id", sessionID).Str("client_id", clientID).Str("environment", envName).Msg("session created")
	m.publish(events.KindSessionCreated, sessionID, clientID, envName, "")

	go m.armAttachGrace(sess)

	return sess.view(), nil
}

// armAttachGrace moves a session straight to Closing if no channel attaches
// within attachGrace of reaching Ready.
func (m *Manager) armAttachGrace(sess *Session) {
	timer := time.NewTimer(attachGrace)
	defer timer.Stop()
	select {
	case <-timer.C:
		sess.mu.Lock()
		shouldClose := sess.state == StateReady
		if shouldClose {
			sess.state = StateClosing
		}
		sess.mu.Unlock()
		if shouldClose {
			logging.Session().Info().Str("session_id", sess.id).Msg("no channel attached within grace period, closing")
			_ = m.Destroy(context.Background(), sess.id, "attach grace expired")
		}
	case <-m.stopCh:
	}
}

// Get returns a session's current view.
func (m *Manager) Get(sessionID string) (View, error) {
	sess, err := m.lookup(sessionID)
	if err != nil {
		return View{}, err
	}
	return sess.view(), nil
}

func (m *Manager) lookup(sessionID string) (*Session, error) {
	m.mu.RLock()
	sess, ok := m.sessions[sessionID]
	m.mu.RUnlock()
	if !ok {
		return nil, apierrors.New(apierrors.CodeNotFound, "session not found")
	}
	return sess, nil
}

// Sink is the channel-facing capability needed to attach a transport;
// implemented by the duplex channel in internal/httpapi.
type Sink = pty.Sink

// Attach installs channel as the session's live duplex endpoint, spawns the
// PTY, runs any pending init silently, and transitions the session to
// Active. Fails with AlreadyAttached if a channel is already installed.
func (m *Manager) Attach(ctx context.Context, sessionID, channelID string, sink Sink, cols, rows uint) (*pty.Transport, error) {
	sess, err := m.lookup(sessionID)
	if err != nil {
		return nil, err
	}

	sess.mu.Lock()
	if sess.state != StateReady && sess.state != StateActive {
		sess.mu.Unlock()
		return nil, apierrors.New(apierrors.CodeNotFound, "session is not attachable")
	}
	if sess.channelID != "" {
		sess.mu.Unlock()
		return nil, apierrors.New(apierrors.CodeAlreadyAttached, "session already has a live channel")
	}

	// A prior channel may have detached (preserve-and-reattach policy)
	// while the underlying shell kept running; reuse that transport
	// instead of spawning a second shell in the same container.
	existing := sess.transport
	reattaching := existing != nil && !existing.IsDead()

	sess.channelID = channelID
	containerID := sess.containerID
	needsInit := len(sess.initCommands) > 0 && !sess.initCompleted
	initCommands := sess.initCommands
	sess.mu.Unlock()

	decision := m.limiter.AdmitChannel(sess.clientID, channelID)
	if !decision.Allowed {
		sess.mu.Lock()
		sess.channelID = ""
		sess.mu.Unlock()
		return nil, apierrors.New(apierrors.CodeTooManyRequests, decision.Reason)
	}

	var transport *pty.Transport
	if reattaching {
		transport = existing
	} else {
		exec, err := m.ptyAttacher.AttachPty(ctx, containerID, m.shellCommand, []string{"PATH=/usr/bin:/bin", "HOME=/workspace", "LANG=C.UTF-8"}, cols, rows)
		if err != nil {
			m.limiter.ReleaseChannel(sess.clientID, channelID)
			_ = m.Destroy(context.Background(), sessionID, "pty attach failed")
			return nil, err
		}
		transport = pty.New(exec, func() { m.onShellExit(sessionID) })
	}

	sess.mu.Lock()
	sess.transport = transport
	sess.state = StateActive
	sess.lastActivityAt = time.Now()
	sess.mu.Unlock()

	if err := transport.Attach(ctx, sink, cols, rows); err != nil {
		return nil, err
	}

	if needsInit {
		m.runInit(ctx, sess, transport, sink, initCommands)
	}

	m.publish(events.KindSessionAttached, sessionID, sess.clientID, sess.environment, "")
	return transport, nil
}

func (m *Manager) runInit(ctx context.Context, sess *Session, transport *pty.Transport, sink Sink, commands []string) {
	initCtx, cancel := context.WithTimeout(ctx, defaultInitWait)
	defer cancel()

	completed, err := transport.RunInit(initCtx, commands, defaultInitWait)
	success := completed && err == nil

	sess.mu.Lock()
	sess.initCompleted = true
	sess.mu.Unlock()

	msg := map[string]any{"type": "initComplete", "success": success}
	if err != nil {
		msg["error"] = err.Error()
	} else if !completed {
		msg["error"] = "init did not settle before timeout"
	}
	if payload, marshalErr := json.Marshal(msg); marshalErr == nil {
		_ = sink.SendText(payload)
	}
}

// Touch advances a session's lastActivityAt, satisfying invariant S3.
func (m *Manager) Touch(sessionID string) {
	sess, err := m.lookup(sessionID)
	if err != nil {
		return
	}
	sess.mu.Lock()
	sess.lastActivityAt = time.Now()
	sess.mu.Unlock()
}

// Detach removes the live channel from a session without destroying it,
// implementing the "preserve and reattach" channel-disconnect policy: the
// session remains Active with channel == nil, and its idle timer (already
// running off lastActivityAt) governs eventual cleanup.
func (m *Manager) Detach(sessionID, channelID string) {
	sess, err := m.lookup(sessionID)
	if err != nil {
		return
	}
	sess.mu.Lock()
	if sess.channelID == channelID {
		sess.channelID = ""
	}
	clientID := sess.clientID
	sess.mu.Unlock()
	m.limiter.ReleaseChannel(clientID, channelID)
	m.publish(events.KindSessionDetached, sessionID, clientID, sess.environment, "")
}

func (m *Manager) onShellExit(sessionID string) {
	logging.Session().Info().Str("session_id", sessionID).Msg("shell exited, destroying session")
	_ = m.Destroy(context.Background(), sessionID, "shell exited")
}

// Destroy closes the channel, stops and removes the container, releases
// admission slots, and marks the session Terminated. Idempotent (P8).
func (m *Manager) Destroy(ctx context.Context, sessionID, reason string) error {
	m.mu.Lock()
	sess, ok := m.sessions[sessionID]
	if ok {
		delete(m.sessions, sessionID)
	}
	m.mu.Unlock()
	if !ok {
		return nil
	}

	sess.mu.Lock()
	if sess.state == StateTerminated {
		sess.mu.Unlock()
		return nil
	}
	sess.state = StateTerminated
	transport := sess.transport
	containerID := sess.containerID
	clientID := sess.clientID
	channelID := sess.channelID
	sess.mu.Unlock()

	if transport != nil {
		_ = transport.Close()
	}

	if containerID != "" {
		stopCtx, cancel := context.WithTimeout(context.Background(), m.requestDeadline)
		if err := m.containers.Stop(stopCtx, containerID, stopGracePeriod); err != nil {
			logging.Session().Warn().Err(err).Str("session_id", sessionID).Msg("failed to stop container during destroy, attempting removal anyway")
		}
		cancel()
		removeCtx, cancel2 := context.WithTimeout(context.Background(), m.requestDeadline)
		if err := m.containers.Remove(removeCtx, containerID, true); err != nil {
			logging.Session().Error().Err(err).Str("session_id", sessionID).Str("container_id", containerID).Msg("failed to remove container on destroy")
		}
		cancel2()
	}

	m.limiter.ReleaseSession(clientID, sessionID)
	if channelID != "" {
		m.limiter.ReleaseChannel(clientID, channelID)
	}

	logging.Session().Info().Str("session_id", sessionID).Str("reason", reason).Msg("session destroyed")
	m.publish(events.KindSessionDestroyed, sessionID, clientID, "", reason)
	return nil
}

// Stats reports running totals for the health endpoint.
type Stats struct {
	Total      int `json:"total"`
	Ready      int `json:"ready"`
	Active     int `json:"active"`
	Closing    int `json:"closing"`
}

// Stats summarizes the current session population by state.
func (m *Manager) Stats() Stats {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var s Stats
	s.Total = len(m.sessions)
	for _, sess := range m.sessions {
		sess.mu.Lock()
		switch sess.state {
		case StateReady:
			s.Ready++
		case StateActive:
			s.Active++
		case StateClosing:
			s.Closing++
		}
		sess.mu.Unlock()
	}
	return s
}

// expirable reports whether a session should be moved to Closing right now,
// used by both the idle check and the reaper.
func (s *Session) expirable(now time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateReady && s.state != StateActive {
		return false
	}
	return now.Sub(s.lastActivityAt) > time.Duration(s.timeoutMs)*time.Millisecond
}

// IDs returns every currently tracked session id, for the reaper sweep.
func (m *Manager) IDs() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]string, 0, len(m.sessions))
	for id := range m.sessions {
		out = append(out, id)
	}
	return out
}

// ShouldReap reports whether the named session has gone idle past its
// timeout or is already Closing.
func (m *Manager) ShouldReap(sessionID string) bool {
	sess, err := m.lookup(sessionID)
	if err != nil {
		return false
	}
	sess.mu.Lock()
	closing := sess.state == StateClosing
	sess.mu.Unlock()
	return closing || sess.expirable(time.Now())
}

// ContainerIDFor returns the container backing a session, for the reaper's
// inspect-based liveness check.
func (m *Manager) ContainerIDFor(sessionID string) (string, bool) {
	sess, err := m.lookup(sessionID)
	if err != nil {
		return "", false
	}
	sess.mu.Lock()
	defer sess.mu.Unlock()
	return sess.containerID, true
}

// StartCleanupScheduler launches the idle-check loop; the reaper package
// runs the heavier periodic sweep separately.
func (m *Manager) StartCleanupScheduler(ctx context.Context, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-m.stopCh:
				return
			case <-ticker.C:
				m.sweepIdle()
			}
		}
	}()
}

func (m *Manager) sweepIdle() {
	for _, id := range m.IDs() {
		if m.ShouldReap(id) {
			_ = m.Destroy(context.Background(), id, "idle timeout")
		}
	}
}

// Stop halts background goroutines owned directly by the Session Manager
// (the per-session attach-grace timers).
func (m *Manager) Stop() {
	m.once.Do(func() { close(m.stopCh) })
}
