// Package session provides session ID generation and the bridge session state machine.
package session

import (
	"errors"
	"fmt"
)

// State represents the lifecycle state of a bridge session.
type State int

const (
	// StateConnecting - upstream session opening; inbound audio is queued by the adapter.
	StateConnecting State = iota
	// StateConfigured - upstream ready, queued audio flushed.
	StateConfigured
	// StateStreaming - audio forwarded as it arrives, transcripts emitted as they change.
	StateStreaming
	// StateFinishing - inbound audio ended, end-of-audio sent upstream,
	// waiting for the remote to finish or close.
	StateFinishing
	// StateClosed - outbound sink closed, resources released. Terminal.
	StateClosed
	// StateErrored - a failure occurred; the only way out is CLOSED.
	StateErrored
)

// String returns the string representation of the state.
func (s State) String() string {
	switch s {
	case StateConnecting:
		return "CONNECTING"
	case StateConfigured:
		return "CONFIGURED"
	case StateStreaming:
		return "STREAMING"
	case StateFinishing:
		return "FINISHING"
	case StateClosed:
		return "CLOSED"
	case StateErrored:
		return "ERRORED"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", s)
	}
}

// IsTerminal returns true for CLOSED.
func (s State) IsTerminal() bool {
	return s == StateClosed
}

// IsDone returns true once the session can no longer make progress (ERRORED or CLOSED).
func (s State) IsDone() bool {
	return s == StateClosed || s == StateErrored
}

// Errors for invalid state transitions.
var (
	ErrInvalidTransition = errors.New("invalid session state transition")
	ErrTerminal          = errors.New("session is closed")
)

var transitions = map[State][]State{
	StateConnecting: {StateConfigured, StateFinishing},
	StateConfigured: {StateStreaming, StateFinishing, StateClosed},
	StateStreaming:  {StateFinishing, StateClosed},
	StateFinishing:  {StateClosed},
	StateErrored:    {StateClosed},
}

// Lifecycle manages the state machine for a single session.
// It is owned by the session's run loop and is not safe for concurrent use.
//
// State transitions:
//
//	CONNECTING → CONFIGURED → STREAMING → FINISHING → CLOSED
//	     │            │            └──────────────────────┘
//	     └────────────┴──→ FINISHING (input ended early)
//
//	any non-terminal ──Fail()──→ ERRORED → CLOSED
type Lifecycle struct {
	sessionId string
	state     State
	path      []State
}

// NewLifecycle creates a new session lifecycle in CONNECTING state.
func NewLifecycle(sessionId string) *Lifecycle {
	return &Lifecycle{
		sessionId: sessionId,
		state:     StateConnecting,
		path:      []State{StateConnecting},
	}
}

// SessionId returns the session ID.
func (l *Lifecycle) SessionId() string {
	return l.sessionId
}

// State returns the current state.
func (l *Lifecycle) State() State {
	return l.state
}

// Path returns every state visited so far, in order.
func (l *Lifecycle) Path() []State {
	return append([]State(nil), l.path...)
}

// Transition moves to next if the table allows it.
func (l *Lifecycle) Transition(next State) error {
	if l.state.IsTerminal() {
		return ErrTerminal
	}
	for _, allowed := range transitions[l.state] {
		if allowed == next {
			l.set(next)
			return nil
		}
	}
	return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, l.state, next)
}

// Fail moves to ERRORED. Returns false if the session already errored or closed.
func (l *Lifecycle) Fail() bool {
	if l.state.IsDone() {
		return false
	}
	l.set(StateErrored)
	return true
}

// Close moves to CLOSED from any state. Idempotent.
func (l *Lifecycle) Close() {
	if l.state == StateClosed {
		return
	}
	l.set(StateClosed)
}

// Errored reports whether the session passed through ERRORED.
func (l *Lifecycle) Errored() bool {
	for _, s := range l.path {
		if s == StateErrored {
			return true
		}
	}
	return false
}

func (l *Lifecycle) set(s State) {
	l.state = s
	l.path = append(l.path, s)
}
