// ABOUTME: Disconnected/Connecting/Authenticating/Connected/Reconnecting/Failed lifecycle
// ABOUTME: Owns route selection, backoff scheduling, network-wake debounce, and freeze/thaw of the time filter
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/chrisuthe/sendspin-receiver/internal/config"
	"github.com/chrisuthe/sendspin-receiver/internal/timefilter"
)

// State is the connection lifecycle state, per spec.md §4.9.
type State int

const (
	Disconnected State = iota
	Connecting
	Authenticating
	Connected
	Reconnecting
	Failed
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Authenticating:
		return "authenticating"
	case Connected:
		return "connected"
	case Reconnecting:
		return "reconnecting"
	case Failed:
		return "failed"
	default:
		return "unknown"
	}
}

// backoffSchedule is the fixed 11-entry retry ladder from spec.md §4.9.
// After the 11th attempt the Supervisor gives up and surfaces Failure.
var backoffSchedule = []time.Duration{
	500 * time.Millisecond,
	1 * time.Second,
	2 * time.Second,
	4 * time.Second,
	8 * time.Second,
	15 * time.Second,
	30 * time.Second,
	60 * time.Second,
	60 * time.Second,
	60 * time.Second,
	60 * time.Second,
}

const networkWakeDebounce = 2 * time.Second

// Session is the subsystem bundle a Supervisor drives through Connect and
// Disconnect. cmd/sendspin-receiver supplies the concrete implementation
// that wires StreamTransport + CommandTransport + SyncController +
// PlaybackEngine together; Supervisor only needs the lifecycle verbs.
type Session interface {
	// Connect establishes transport + auth over the given route and blocks
	// until Authenticated or ctx is done / an error occurs.
	Connect(ctx context.Context, route config.RouteKind) error
	// Disconnect tears down the active connection. Safe to call even if
	// Connect never succeeded.
	Disconnect(ctx context.Context) error
}

// NowFunc supplies the current time; overridable for deterministic tests.
type NowFunc func() time.Time

// KindDetector reports the transport kinds currently active on the host.
type KindDetector func() []TransportKind

// StateListener is notified on every state transition.
type StateListener func(State)

// Supervisor drives one profile's connection lifecycle: route selection,
// connect/auth, backoff-scheduled reconnection on failure, debounced
// network-wake handling, and TimeFilter freeze/thaw across reconnects.
type Supervisor struct {
	session Session
	filter  *timefilter.Filter
	detect  KindDetector
	now     NowFunc
	onState StateListener

	mu           sync.Mutex
	state        State
	profile      config.ConnectionProfile
	attempt      int
	lastWakeAt   time.Time
	retryTimer   *time.Timer
	reconnecting bool
	destroyed    bool
}

// New builds a Supervisor for profile. detect may be nil, in which case the
// transport kind is always reported as Unknown. The clock is time.Now;
// tests replace it through the now field.
func New(profile config.ConnectionProfile, session Session, filter *timefilter.Filter, detect KindDetector, onState StateListener) *Supervisor {
	if detect == nil {
		detect = func() []TransportKind { return []TransportKind{Unknown} }
	}
	return &Supervisor{
		session: session,
		filter:  filter,
		detect:  detect,
		now:     time.Now,
		onState: onState,
		profile: profile,
		state:   Disconnected,
	}
}

// State returns the current lifecycle state.
func (s *Supervisor) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Supervisor) setState(next State) {
	s.mu.Lock()
	s.state = next
	listener := s.onState
	s.mu.Unlock()
	if listener != nil {
		listener(next)
	}
}

// Start selects a route for the current profile and connects. If the
// connect fails it schedules the first backoff retry instead of returning
// an error to the caller directly, matching the Supervisor's role of
// absorbing transient failures (spec.md §7). If no route is available it
// enters Failed without retrying.
func (s *Supervisor) Start(ctx context.Context) {
	s.mu.Lock()
	s.attempt = 0
	s.mu.Unlock()
	s.attemptConnect(ctx)
}

func (s *Supervisor) attemptConnect(ctx context.Context) {
	kind := DetectTransportKind(s.detect())

	s.mu.Lock()
	profile := s.profile
	s.mu.Unlock()

	route, err := SelectRoute(profile, kind)
	if err != nil {
		log.Printf("supervisor: route selection failed: %v", err)
		s.setState(Failed)
		return
	}

	s.setState(Connecting)
	s.setState(Authenticating)
	if err := s.session.Connect(ctx, route); err != nil {
		log.Printf("supervisor: connect over %s route failed: %v", route, err)
		s.handleFailure(ctx)
		return
	}
	s.mu.Lock()
	s.attempt = 0
	s.mu.Unlock()
	s.setState(Connected)
}

// handleFailure schedules the next backoff retry, or gives up and
// surfaces Failed once the schedule is exhausted.
func (s *Supervisor) handleFailure(ctx context.Context) {
	s.mu.Lock()
	if s.destroyed {
		s.mu.Unlock()
		return
	}
	idx := s.attempt
	s.attempt++
	s.mu.Unlock()

	if idx >= len(backoffSchedule) {
		log.Printf("supervisor: exhausted %d retries, giving up", len(backoffSchedule))
		s.filter.Reset()
		s.setState(Failed)
		return
	}

	delay := backoffSchedule[idx]
	s.setState(Reconnecting)
	s.mu.Lock()
	if s.retryTimer != nil {
		s.retryTimer.Stop()
	}
	s.retryTimer = time.AfterFunc(delay, func() { s.attemptConnect(ctx) })
	s.mu.Unlock()
}

// StartReconnecting is called by a host-level reachability signal asking
// the Supervisor to begin retrying immediately, resetting the debounce
// timestamp so the next network-available wake is not swallowed.
func (s *Supervisor) StartReconnecting(ctx context.Context) {
	s.mu.Lock()
	s.lastWakeAt = time.Time{}
	s.reconnecting = true
	s.mu.Unlock()
	s.attemptConnect(ctx)
}

// CancelReconnection stops any pending retry timer and resets the debounce
// timestamp, per spec.md §4.9.
func (s *Supervisor) CancelReconnection() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.retryTimer != nil {
		s.retryTimer.Stop()
		s.retryTimer = nil
	}
	s.reconnecting = false
	s.lastWakeAt = time.Time{}
}

// OnNetworkAvailable is the host's "network reachability changed" wake.
// Wakes within 2s of the previous one are ignored to avoid burning backoff
// attempts during OS network churn (spec.md §4.9, invariant 9 in §8).
// Returns true if this wake was acted on.
func (s *Supervisor) OnNetworkAvailable(ctx context.Context) bool {
	nowFn := s.now
	if nowFn == nil {
		nowFn = time.Now
	}
	now := nowFn()

	s.mu.Lock()
	if !s.lastWakeAt.IsZero() && now.Sub(s.lastWakeAt) < networkWakeDebounce {
		s.mu.Unlock()
		return false
	}
	s.lastWakeAt = now
	state := s.state
	s.mu.Unlock()

	if state == Reconnecting || state == Failed || state == Disconnected {
		s.mu.Lock()
		s.attempt = 0
		s.mu.Unlock()
		s.attemptConnect(ctx)
		return true
	}
	return false
}

// PrepareDisconnect freezes the time filter before a planned disconnect so
// a fast reconnect preserves sync, per spec.md §4.9.
func (s *Supervisor) PrepareDisconnect() {
	if s.State() == Connected {
		s.filter.Freeze()
	}
}

// FinishReconnect thaws the time filter once the new connection has
// authenticated, per spec.md §4.9.
func (s *Supervisor) FinishReconnect() {
	s.filter.Thaw()
}

// Destroy tears the Supervisor down: cancels any pending retry, disconnects
// the session, and marks the Supervisor inert. Idempotent.
func (s *Supervisor) Destroy(ctx context.Context) error {
	s.mu.Lock()
	if s.destroyed {
		s.mu.Unlock()
		return nil
	}
	s.destroyed = true
	if s.retryTimer != nil {
		s.retryTimer.Stop()
		s.retryTimer = nil
	}
	s.mu.Unlock()

	if err := s.session.Disconnect(ctx); err != nil {
		return fmt.Errorf("supervisor: disconnect: %w", err)
	}
	s.setState(Disconnected)
	return nil
}

// ErrDestroyed names the destroyed condition. No Supervisor method returns
// it; a second Destroy returns nil.
var ErrDestroyed = errors.New("supervisor: destroyed")
