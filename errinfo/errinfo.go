// Package errinfo implements the error-info record kept by connections and
// statements: the last error plus a history of errors since the last reset.
package errinfo

import (
	"fmt"

	"github.com/guileen/pgnd/memory"
)

const (
	// SQLStateNone is reported when no error is set
	SQLStateNone = "00000"
	// SQLStateOutOfMemory is the SQLSTATE for out_of_memory
	SQLStateOutOfMemory = "53200"
	// SQLStateUnknown is used for client-side errors without a server code
	SQLStateUnknown = "HY000"

	// CodeOutOfMemory is the client error number for an allocation failure
	CodeOutOfMemory = 2008
	// CodeClientInit is the client error number for a failed collaborator init
	CodeClientInit = 2000
	// CodeAuthPlugin is set when no plugin can answer an authentication request
	CodeAuthPlugin = 2059
	// CodeServerError marks an error reported by the server
	CodeServerError = 3000

	errorListBlockSize = 64
)

// Entry is one recorded error
type Entry struct {
	Code     int
	SQLState string
	Message  string
}

func (e Entry) String() string {
	return fmt.Sprintf("[%d] (%s) %s", e.Code, e.SQLState, e.Message)
}

// Info is an error-info record
type Info struct {
	Entry
	list       []Entry
	persistent bool
	block      *memory.Block
	alloc      memory.Allocator
}

// Init prepares the record, reserving its error list from alloc
func (i *Info) Init(alloc memory.Allocator) error {
	block, err := alloc.Alloc(memory.KindErrorInfo, errorListBlockSize)
	if err != nil {
		return err
	}
	i.block = block
	i.alloc = alloc
	i.persistent = alloc.Persistent()
	i.Reset()
	return nil
}

// Initialized reports whether Init succeeded and Free has not been called
func (i *Info) Initialized() bool {
	return i != nil && i.block != nil
}

// Persistent reports the lifetime the record was created for
func (i *Info) Persistent() bool {
	return i.persistent
}

// Free releases the record; safe on a record whose Init failed
func (i *Info) Free() {
	if i == nil || i.block == nil {
		return
	}
	i.alloc.Free(i.block)
	i.block = nil
	i.list = nil
}

// Reset clears the current error and the history
func (i *Info) Reset() {
	i.Entry = Entry{SQLState: SQLStateNone}
	i.list = i.list[:0]
}

// Set records an error
func (i *Info) Set(code int, sqlState, message string) {
	if i == nil {
		return
	}
	i.Entry = Entry{Code: code, SQLState: sqlState, Message: message}
	if code != 0 {
		i.list = append(i.list, i.Entry)
	}
}

// SetOOM records an out-of-memory condition
func (i *Info) SetOOM() {
	i.Set(CodeOutOfMemory, SQLStateOutOfMemory, "out of memory")
}

// HasError reports whether an error is currently recorded
func (i *Info) HasError() bool {
	return i != nil && i.Code != 0
}

// List returns every error recorded since the last reset
func (i *Info) List() []Entry {
	out := make([]Entry, len(i.list))
	copy(out, i.list)
	return out
}
