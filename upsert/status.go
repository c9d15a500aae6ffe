// Package upsert holds the status record produced by a command: affected
// rows, last insert id, warnings and server status.
package upsert

// AffectedRowsError marks an affected-rows value that no result has set.
// Fresh connections carry it so an unexamined status never reads as zero.
const AffectedRowsError = ^uint64(0)

// Status is an upsert/status record
type Status struct {
	WarningCount uint32
	ServerStatus byte
	AffectedRows uint64
	LastInsertID uint64
	CommandTag   string
}

// Init resets every field
func (s *Status) Init() {
	*s = Status{}
}

// SetAffectedRowsToError marks the affected-rows count as unknown
func (s *Status) SetAffectedRowsToError() {
	s.AffectedRows = AffectedRowsError
}

// AffectedRowsIsError reports whether no result has set the count yet
func (s *Status) AffectedRowsIsError() bool {
	return s.AffectedRows == AffectedRowsError
}
