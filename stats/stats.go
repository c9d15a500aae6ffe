// Package stats implements the driver's statistics blocks. A block is a
// fixed array of named counters; connection blocks forward every change to
// the process-wide block they were created under.
package stats

import (
	"sync/atomic"
)

// Stat identifies one counter
type Stat int

const (
	BytesSent Stat = iota
	BytesReceived
	PacketsSent
	PacketsReceived
	ProtocolErrors
	ConnectSuccess
	ConnectFailure
	ActiveConnections
	ActivePersistentConnections
	ConnectionsCreated
	ConnectionsCloned
	ConnectionsDestroyed
	StatementsCreated
	StatementsClosed
	ConstructionFailures
	RowsFetched
	// Last is the number of counters in a full block
	Last
)

var names = [Last]string{
	BytesSent:                   "bytes_sent",
	BytesReceived:               "bytes_received",
	PacketsSent:                 "packets_sent",
	PacketsReceived:             "packets_received",
	ProtocolErrors:              "protocol_errors",
	ConnectSuccess:              "connect_success",
	ConnectFailure:              "connect_failure",
	ActiveConnections:           "active_connections",
	ActivePersistentConnections: "active_persistent_connections",
	ConnectionsCreated:          "connections_created",
	ConnectionsCloned:           "connections_cloned",
	ConnectionsDestroyed:        "connections_destroyed",
	StatementsCreated:           "statements_created",
	StatementsClosed:            "statements_closed",
	ConstructionFailures:        "construction_failures",
	RowsFetched:                 "rows_fetched",
}

func (s Stat) String() string {
	if s >= 0 && s < Last {
		return names[s]
	}
	return "unknown"
}

// Names returns the counter names in Stat order
func Names() []string {
	out := make([]string, Last)
	copy(out, names[:])
	return out
}

// Stats is a statistics block
type Stats struct {
	values     []atomic.Int64
	persistent bool
	parent     *Stats
	ended      atomic.Bool
}

// Option configures a block at Init
type Option func(*Stats)

// WithParent forwards every change to parent as well
func WithParent(parent *Stats) Option {
	return func(s *Stats) {
		s.parent = parent
	}
}

// Init creates a block with count counters
func Init(count int, persistent bool, opts ...Option) *Stats {
	if count < 0 {
		count = 0
	}
	s := &Stats{
		values:     make([]atomic.Int64, count),
		persistent: persistent,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// End retires the block. With flag set the counters are also zeroed, as
// done for the global block at library teardown.
func End(s *Stats, flag bool) {
	if s == nil || !s.ended.CompareAndSwap(false, true) {
		return
	}
	if flag {
		for i := range s.values {
			s.values[i].Store(0)
		}
	}
	s.parent = nil
}

// Persistent reports the lifetime the block was created for
func (s *Stats) Persistent() bool {
	return s.persistent
}

// Len returns the number of counters
func (s *Stats) Len() int {
	return len(s.values)
}

// Inc increments stat by one
func (s *Stats) Inc(stat Stat) {
	s.Add(stat, 1)
}

// Dec decrements stat by one
func (s *Stats) Dec(stat Stat) {
	s.Add(stat, -1)
}

// Add adds delta to stat; nil blocks and out-of-range stats are ignored
func (s *Stats) Add(stat Stat, delta int64) {
	if s == nil || s.ended.Load() {
		return
	}
	if stat >= 0 && int(stat) < len(s.values) {
		s.values[stat].Add(delta)
	}
	if s.parent != nil {
		s.parent.Add(stat, delta)
	}
}

// Value returns the current value of stat
func (s *Stats) Value(stat Stat) int64 {
	if s == nil || stat < 0 || int(stat) >= len(s.values) {
		return 0
	}
	return s.values[stat].Load()
}

// Snapshot returns every counter keyed by name
func (s *Stats) Snapshot() map[string]int64 {
	out := make(map[string]int64, len(s.values))
	for i := range s.values {
		out[Stat(i).String()] = s.values[i].Load()
	}
	return out
}
