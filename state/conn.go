// Package state owns the Connection State machine and the Run Flag shared
// across the media pipeline's worker goroutines.
package state

import (
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"
)

// ConnState is the process-wide connection state for a session.
type ConnState uint32

const (
	// Idle is the state before any remote descriptor has been accepted.
	Idle ConnState = iota
	// Negotiating indicates a remote descriptor has been accepted and
	// connectivity checks are underway.
	Negotiating
	// IceNominated indicates a connectivity check pair has succeeded.
	IceNominated
	// Running indicates media is flowing; only state in which media
	// producers may run.
	Running
	// Closing indicates the session is tearing down.
	Closing
)

// String implements fmt.Stringer.
func (c ConnState) String() string {
	switch c {
	case Idle:
		return "Idle"
	case Negotiating:
		return "Negotiating"
	case IceNominated:
		return "IceNominated"
	case Running:
		return "Running"
	case Closing:
		return "Closing"
	default:
		return fmt.Sprintf("Unknown(%d)", uint32(c))
	}
}

// ErrInvalidTransition indicates a requested transition is not legal from
// the current state.
var ErrInvalidTransition = fmt.Errorf("invalid connection state transition")

// Machine is the single owner of a session's ConnState. It is safe for
// concurrent use; transitions are serialized under a mutex, mirroring
// Manager.running in the teacher's av package but generalized to a full
// state enum instead of a boolean.
type Machine struct {
	mu    sync.RWMutex
	state ConnState
}

// NewMachine creates a state machine starting in Idle.
func NewMachine() *Machine {
	return &Machine{state: Idle}
}

// Current returns the current state.
func (m *Machine) Current() ConnState {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

// AcceptRemoteDescription transitions Idle -> Negotiating.
func (m *Machine) AcceptRemoteDescription() error {
	return m.transition(Idle, Negotiating)
}

// NominateCandidatePair transitions Negotiating -> IceNominated.
func (m *Machine) NominateCandidatePair() error {
	return m.transition(Negotiating, IceNominated)
}

// StartMediaSending transitions IceNominated -> Running (spec §6); from any
// other state it yields a state-error, like the other two transitions above.
func (m *Machine) StartMediaSending() error {
	return m.transition(IceNominated, Running)
}

// Close transitions any state -> Closing. Hang-up or fatal transport
// failure may originate this from anywhere.
func (m *Machine) Close() {
	m.mu.Lock()
	from := m.state
	m.state = Closing
	m.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"function": "Machine.Close",
		"from":     from.String(),
	}).Info("connection state -> Closing")
}

func (m *Machine) transition(from, to ConnState) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state != from {
		logrus.WithFields(logrus.Fields{
			"function": "Machine.transition",
			"wanted":   from.String(),
			"actual":   m.state.String(),
			"target":   to.String(),
		}).Warn("rejected connection state transition")
		return fmt.Errorf("%w: cannot move to %s from %s (need %s)", ErrInvalidTransition, to, m.state, from)
	}

	m.state = to

	logrus.WithFields(logrus.Fields{
		"function": "Machine.transition",
		"from":     from.String(),
		"to":       to.String(),
	}).Info("connection state transition")

	return nil
}
