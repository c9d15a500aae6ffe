// Package connstate tracks where a connection is in the protocol exchange.
package connstate

import "sync/atomic"

// State is a protocol-level connection state
type State int32

const (
	Allocated State = iota
	Ready
	QuerySent
	FetchingData
	QuitSent
)

func (s State) String() string {
	switch s {
	case Allocated:
		return "allocated"
	case Ready:
		return "ready"
	case QuerySent:
		return "query_sent"
	case FetchingData:
		return "fetching_data"
	case QuitSent:
		return "quit_sent"
	default:
		return "unknown"
	}
}

// Machine holds the current state
type Machine struct {
	state atomic.Int32
}

// Init puts the machine in Allocated
func Init(m *Machine) {
	m.state.Store(int32(Allocated))
}

// Get returns the current state
func (m *Machine) Get() State {
	return State(m.state.Load())
}

// Set moves to s unconditionally
func (m *Machine) Set(s State) {
	m.state.Store(int32(s))
}

// Transition moves from one state to another, reporting false when the
// machine was not in from
func (m *Machine) Transition(from, to State) bool {
	return m.state.CompareAndSwap(int32(from), int32(to))
}
