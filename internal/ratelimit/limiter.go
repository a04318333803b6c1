// Package ratelimit implements the per-client Rate Limiter: four admission
// dimensions enforced with sliding windows, grounded on the API gateway's
// middleware/ratelimit.go sliding-window counter, extended here from a
// single dimension to the four the specification requires and from
// request-scoped state to a persistent per-client tracking table.
package ratelimit

import (
	"sync"
	"time"

	"github.com/sandboxd/sandboxd/internal/apierrors"
	"github.com/sandboxd/sandboxd/internal/logging"
)

// Limits configures the four admission dimensions. No dimension treats zero
// as "unlimited": outside development mode a zero limit admits nothing on
// that dimension. In practice config.Default always supplies real numbers.
type Limits struct {
	MaxConcurrentSessions int
	SessionsPerHour       int
	CommandsPerMinute     int
	MaxConcurrentChannels int
}

// ClientTracking is the admin-visible view of one client's counters.
type ClientTracking struct {
	ClientID          string    `json:"clientId"`
	SessionCount      int       `json:"sessionCount"`
	HourWindowStart   time.Time `json:"hourWindowStart"`
	CommandCount      int       `json:"commandCount"`
	MinuteWindowStart time.Time `json:"minuteWindowStart"`
	ActiveSessions    []string  `json:"activeSessions"`
	ActiveChannels    []string  `json:"activeChannels"`
}

// clientState is the internal, mutex-guarded record for one clientId.
type clientState struct {
	mu sync.Mutex

	sessionCount      int
	hourWindowStart   time.Time
	commandCount      int
	minuteWindowStart time.Time
	activeSessions    map[string]struct{}
	activeChannels    map[string]struct{}
}

func newClientState(now time.Time) *clientState {
	return &clientState{
		hourWindowStart:   now,
		minuteWindowStart: now,
		activeSessions:    make(map[string]struct{}),
		activeChannels:    make(map[string]struct{}),
	}
}

const (
	hourWindow   = time.Hour
	minuteWindow = time.Minute
)

// Decision is the outcome of an admission check.
type Decision struct {
	Allowed      bool
	Reason       string
	RetryAfterMs int64
}

// Limiter tracks every client's counters under its own lock, keyed by
// clientId; distinct clients never contend with each other.
type Limiter struct {
	limits Limits
	dev    bool

	mu      sync.Mutex
	clients map[string]*clientState

	now func() time.Time
}

// New builds a Limiter. developmentMode bypasses admission decisions while
// still maintaining counters for visibility, per the specification's
// development override.
func New(limits Limits, developmentMode bool) *Limiter {
	return &Limiter{
		limits:  limits,
		dev:     developmentMode,
		clients: make(map[string]*clientState),
		now:     time.Now,
	}
}

func (l *Limiter) stateFor(clientID string) *clientState {
	l.mu.Lock()
	defer l.mu.Unlock()
	st, ok := l.clients[clientID]
	if !ok {
		st = newClientState(l.now())
		l.clients[clientID] = st
	}
	return st
}

// advanceHourLocked slides the hourly window forward if it has gone stale.
// Caller must hold st.mu.
func advanceHourLocked(st *clientState, now time.Time) {
	if now.Sub(st.hourWindowStart) >= hourWindow {
		st.hourWindowStart = now
		st.sessionCount = 0
	}
}

func advanceMinuteLocked(st *clientState, now time.Time) {
	if now.Sub(st.minuteWindowStart) >= minuteWindow {
		st.minuteWindowStart = now
		st.commandCount = 0
	}
}

// AdmitSessionCreate checks admission and, if allowed, reserves a
// concurrency slot for sessionID and counts one hourly creation for
// clientID in a single critical section — the check and the reservation
// must be atomic together, or concurrent callers for the same client could
// both observe room and both be admitted (violating P6).
func (l *Limiter) AdmitSessionCreate(clientID, sessionID string) Decision {
	st := l.stateFor(clientID)
	st.mu.Lock()
	defer st.mu.Unlock()

	now := l.now()
	advanceHourLocked(st, now)

	if !l.dev {
		if len(st.activeSessions) >= l.limits.MaxConcurrentSessions {
			return Decision{
				Reason:       "max concurrent sessions reached",
				RetryAfterMs: int64(5 * time.Second / time.Millisecond),
			}
		}
		if st.sessionCount >= l.limits.SessionsPerHour {
			retry := hourWindow - now.Sub(st.hourWindowStart)
			return Decision{
				Reason:       "hourly session creation limit reached",
				RetryAfterMs: int64(retry / time.Millisecond),
			}
		}
	}

	st.sessionCount++
	st.activeSessions[sessionID] = struct{}{}
	return Decision{Allowed: true}
}

// ReleaseSession drops sessionID from the active set. Idempotent (R3).
func (l *Limiter) ReleaseSession(clientID, sessionID string) {
	l.mu.Lock()
	st, ok := l.clients[clientID]
	l.mu.Unlock()
	if !ok {
		return
	}
	st.mu.Lock()
	delete(st.activeSessions, sessionID)
	st.mu.Unlock()
}

// AdmitCommand counts one inbound channel message against the per-minute
// budget.
func (l *Limiter) AdmitCommand(clientID string) Decision {
	st := l.stateFor(clientID)
	st.mu.Lock()
	defer st.mu.Unlock()

	now := l.now()
	advanceMinuteLocked(st, now)

	if !l.dev && st.commandCount >= l.limits.CommandsPerMinute {
		retry := minuteWindow - now.Sub(st.minuteWindowStart)
		return Decision{
			Reason:       "command rate limit reached",
			RetryAfterMs: int64(retry / time.Millisecond),
		}
	}
	st.commandCount++
	return Decision{Allowed: true}
}

// AdmitChannel reserves a concurrent-channel slot for channelID.
func (l *Limiter) AdmitChannel(clientID, channelID string) Decision {
	st := l.stateFor(clientID)
	st.mu.Lock()
	defer st.mu.Unlock()

	if !l.dev && len(st.activeChannels) >= l.limits.MaxConcurrentChannels {
		return Decision{Reason: "max concurrent channels reached"}
	}
	st.activeChannels[channelID] = struct{}{}
	return Decision{Allowed: true}
}

// ReleaseChannel drops channelID from the active set. Idempotent.
func (l *Limiter) ReleaseChannel(clientID, channelID string) {
	l.mu.Lock()
	st, ok := l.clients[clientID]
	l.mu.Unlock()
	if !ok {
		return
	}
	st.mu.Lock()
	delete(st.activeChannels, channelID)
	st.mu.Unlock()
}

// Status returns an admin-facing snapshot of one client's tracking record.
func (l *Limiter) Status(clientID string) (ClientTracking, error) {
	l.mu.Lock()
	st, ok := l.clients[clientID]
	l.mu.Unlock()
	if !ok {
		return ClientTracking{}, apierrors.New(apierrors.CodeNotFound, "unknown client id")
	}

	st.mu.Lock()
	defer st.mu.Unlock()
	return ClientTracking{
		ClientID:          clientID,
		SessionCount:      st.sessionCount,
		HourWindowStart:   st.hourWindowStart,
		CommandCount:      st.commandCount,
		MinuteWindowStart: st.minuteWindowStart,
		ActiveSessions:    keys(st.activeSessions),
		ActiveChannels:    keys(st.activeChannels),
	}, nil
}

// All returns a snapshot of every tracked client, for the admin listing.
func (l *Limiter) All() []ClientTracking {
	l.mu.Lock()
	ids := make([]string, 0, len(l.clients))
	for id := range l.clients {
		ids = append(ids, id)
	}
	l.mu.Unlock()

	out := make([]ClientTracking, 0, len(ids))
	for _, id := range ids {
		if ct, err := l.Status(id); err == nil {
			out = append(out, ct)
		}
	}
	return out
}

// Reset drops all tracking for clientID entirely.
func (l *Limiter) Reset(clientID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.clients[clientID]; !ok {
		return apierrors.New(apierrors.CodeNotFound, "unknown client id")
	}
	delete(l.clients, clientID)
	return nil
}

// AdjustParams allows an admin to reset counters (and, in future, override
// window lengths) without dropping the client's active-set membership.
type AdjustParams struct {
	ResetWindows bool
}

// Adjust resets a client's counters (not its active sets) without removing
// the tracking record altogether, when params.ResetWindows is set; with it
// unset the record is left unchanged and only returned.
func (l *Limiter) Adjust(clientID string, params AdjustParams) (ClientTracking, error) {
	l.mu.Lock()
	st, ok := l.clients[clientID]
	l.mu.Unlock()
	if !ok {
		return ClientTracking{}, apierrors.New(apierrors.CodeNotFound, "unknown client id")
	}

	st.mu.Lock()
	if params.ResetWindows {
		now := l.now()
		st.sessionCount = 0
		st.hourWindowStart = now
		st.commandCount = 0
		st.minuteWindowStart = now
	}
	st.mu.Unlock()

	logging.RateLimit().Info().Str("clientId", clientID).Msg("rate limit counters adjusted")
	return l.Status(clientID)
}

func keys(m map[string]struct{}) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	return out
}
