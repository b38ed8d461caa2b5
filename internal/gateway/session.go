// Package gateway runs one venue adapter: its session state machine, the order
// and position tables, and the reconciliation of venue events against them.
package gateway

import (
	"fmt"
	"sync"
	"time"

	"trade_gateway/internal/model"
)

// State is the connection state of a gateway session.
type State int

const (
	StatePrepared State = iota
	StateConnected
	StateHandshaking
	StateReady
	StateFailed
)

func (s State) String() string {
	switch s {
	case StatePrepared:
		return "PREPARED"
	case StateConnected:
		return "CONNECTED"
	case StateHandshaking:
		return "HANDSHAKING"
	case StateReady:
		return "READY"
	case StateFailed:
		return "FAILED"
	}
	return "UNKNOWN"
}

// SessionInfo is a point-in-time copy of a session.
type SessionInfo struct {
	Venue      string
	State      State
	Step       string
	Identity   model.SessionIdentity
	CaughtUp   bool
	LastError  string
	Since      time.Time
	ReadyCount int
}

// Session tracks one adapter's connection. Exactly one exists per gateway.
type Session struct {
	mu       sync.RWMutex
	venue    string
	state    State
	step     string
	identity model.SessionIdentity
	caughtUp bool
	lastErr  error
	since    time.Time
	ready    int
	onChange func(State)
}

func NewSession(venue string, now time.Time) *Session {
	return &Session{venue: venue, state: StatePrepared, since: now}
}

func (s *Session) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

func (s *Session) IsReady() bool {
	return s.State() == StateReady
}

func allowed(from, to State) bool {
	switch to {
	case StatePrepared:
		return true
	case StateConnected:
		return from == StatePrepared || from == StateFailed
	case StateHandshaking:
		return from == StateConnected
	case StateReady:
		return from == StateHandshaking
	case StateFailed:
		return from != StatePrepared
	}
	return false
}

// Transition moves the session to state to, rejecting moves the state machine
// does not allow. A disconnect is only meaningful once connected, so failing a
// prepared session is an error too.
func (s *Session) Transition(to State, now time.Time, cause error) error {
	s.mu.Lock()
	from := s.state
	if from == to && to != StateFailed {
		s.mu.Unlock()
		return nil
	}
	if !allowed(from, to) {
		s.mu.Unlock()
		return fmt.Errorf("session %s: illegal transition %s -> %s", s.venue, from, to)
	}
	s.state = to
	s.since = now
	switch to {
	case StatePrepared:
		s.step = ""
		s.identity = model.SessionIdentity{}
	case StateReady:
		s.step = ""
		s.ready++
	case StateFailed:
		s.lastErr = cause
	}
	cb := s.onChange
	s.mu.Unlock()

	if cb != nil {
		cb(to)
	}
	return nil
}

// SetStep records the handshake step in progress.
func (s *Session) SetStep(step string) {
	s.mu.Lock()
	s.step = step
	s.mu.Unlock()
}

func (s *Session) BindIdentity(id model.SessionIdentity) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if id.FrontID != "" {
		s.identity.FrontID = id.FrontID
	}
	if id.SessionID != "" {
		s.identity.SessionID = id.SessionID
	}
	if id.UserID != "" {
		s.identity.UserID = id.UserID
	}
}

// RecordError keeps the cause of a failure that did not change state, such as
// a connect attempt that never got past Prepared.
func (s *Session) RecordError(err error) {
	s.mu.Lock()
	s.lastErr = err
	s.mu.Unlock()
}

func (s *Session) CaughtUp() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.caughtUp
}

// MarkCaughtUp records that startup resync completed.
func (s *Session) MarkCaughtUp() {
	s.mu.Lock()
	s.caughtUp = true
	s.mu.Unlock()
}

func (s *Session) Info() SessionInfo {
	s.mu.RLock()
	defer s.mu.RUnlock()
	info := SessionInfo{
		Venue:      s.venue,
		State:      s.state,
		Step:       s.step,
		Identity:   s.identity,
		CaughtUp:   s.caughtUp,
		Since:      s.since,
		ReadyCount: s.ready,
	}
	if s.lastErr != nil {
		info.LastError = s.lastErr.Error()
	}
	return info
}
