// Package decoder builds decoders for incoming protocol frames. A Factory
// is scoped to one connection and holds a back-reference to it so decoded
// results land in that connection's status and error records.
package decoder

import (
	"fmt"
	"unsafe"

	"github.com/jackc/pgx/v5/pgproto3"

	"github.com/guileen/pgnd/errinfo"
	"github.com/guileen/pgnd/memory"
	"github.com/guileen/pgnd/pfc"
	"github.com/guileen/pgnd/plugin"
	"github.com/guileen/pgnd/stats"
	"github.com/guileen/pgnd/upsert"
)

// Owner is the connection a factory decodes for
type Owner interface {
	ErrorInfo() *errinfo.Info
	UpsertStatus() *upsert.Status
	Stats() *stats.Stats
}

// Methods is the decoder method table
type Methods interface {
	Decode(f *Factory, frame pfc.Frame) (pgproto3.BackendMessage, error)
	Apply(f *Factory, msg pgproto3.BackendMessage) error
}

// Factory is the payload decoder factory
type Factory struct {
	conn       Owner
	persistent bool
	methods    Methods
	block      *memory.Block
	alloc      memory.Allocator
	slots      plugin.Slots

	params   map[string]string
	txStatus byte
	freed    bool
}

// Size is the accounted size of a factory with plugins slots
func Size(plugins int) int64 {
	return int64(unsafe.Sizeof(Factory{})) + int64(plugins)*int64(unsafe.Sizeof(uintptr(0)))
}

// New wires an allocated block into a factory for conn
func New(block *memory.Block, alloc memory.Allocator, conn Owner, methods Methods, plugins int) *Factory {
	return &Factory{
		conn:       conn,
		persistent: alloc.Persistent(),
		methods:    methods,
		block:      block,
		alloc:      alloc,
		slots:      plugin.NewSlots(plugins),
		params:     make(map[string]string),
	}
}

// Decode turns a frame into a typed backend message
func (f *Factory) Decode(frame pfc.Frame) (pgproto3.BackendMessage, error) {
	return f.methods.Decode(f, frame)
}

// Apply records msg's effect on the owning connection
func (f *Factory) Apply(msg pgproto3.BackendMessage) error {
	return f.methods.Apply(f, msg)
}

// Conn returns the owning connection
func (f *Factory) Conn() Owner {
	return f.conn
}

// Persistent reports the factory's lifetime
func (f *Factory) Persistent() bool {
	return f.persistent
}

// Slots returns the plugin slots
func (f *Factory) Slots() *plugin.Slots {
	return &f.slots
}

// Parameter returns a server parameter reported by ParameterStatus
func (f *Factory) Parameter(name string) (string, bool) {
	v, ok := f.params[name]
	return v, ok
}

// TxStatus returns the last transaction status from ReadyForQuery
func (f *Factory) TxStatus() byte {
	return f.txStatus
}

// Free releases the block and drops the back-reference
func (f *Factory) Free() {
	if f == nil || f.freed {
		return
	}
	f.freed = true
	f.conn = nil
	f.slots.Clear()
	f.alloc.Free(f.block)
}

// Freed reports whether Free ran
func (f *Factory) Freed() bool {
	return f.freed
}

// ServerError is an ErrorResponse from the server
type ServerError struct {
	Severity string
	Code     string
	Message  string
	Detail   string
	Hint     string
}

func (e *ServerError) Error() string {
	return fmt.Sprintf("%s: %s (SQLSTATE %s)", e.Severity, e.Message, e.Code)
}
