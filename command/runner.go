// Package command implements the command runner attached to every
// connection: startup and authentication, simple queries, ping and quit.
package command

import (
	"context"
	"unsafe"

	"github.com/jackc/pgx/v5/pgproto3"

	"github.com/guileen/pgnd/connstate"
	"github.com/guileen/pgnd/decoder"
	"github.com/guileen/pgnd/errinfo"
	"github.com/guileen/pgnd/memory"
	"github.com/guileen/pgnd/pfc"
	"github.com/guileen/pgnd/plugin"
	"github.com/guileen/pgnd/stats"
	"github.com/guileen/pgnd/upsert"
	"github.com/guileen/pgnd/vio"
)

// Target is the connection a runner drives
type Target interface {
	Codec() *pfc.Codec
	Channel() *vio.Channel
	Decoder() *decoder.Factory
	State() *connstate.Machine
	Stats() *stats.Stats
	ErrorInfo() *errinfo.Info
	UpsertStatus() *upsert.Status
}

// StartupParams are sent in the StartupMessage
type StartupParams struct {
	User            string
	Database        string
	Password        string
	ApplicationName string
	// Options carries any further run-time parameters
	Options map[string]string
}

// Result is a fully read simple-query result
type Result struct {
	Fields       []pgproto3.FieldDescription
	Rows         [][][]byte
	CommandTag   string
	AffectedRows uint64
}

// Methods is the runner method table
type Methods interface {
	Connect(ctx context.Context, t Target, network, address string, p StartupParams) error
	Query(ctx context.Context, t Target, sql string) (*Result, error)
	Ping(ctx context.Context, t Target) error
	Quit(ctx context.Context, t Target) error
}

// Runner dispatches commands for one connection
type Runner struct {
	methods    Methods
	persistent bool
	block      *memory.Block
	alloc      memory.Allocator
	slots      plugin.Slots
	freed      bool
}

// Size is the accounted size of a runner with plugins slots
func Size(plugins int) int64 {
	return int64(unsafe.Sizeof(Runner{})) + int64(plugins)*int64(unsafe.Sizeof(uintptr(0)))
}

// New wires an allocated block into a runner
func New(block *memory.Block, alloc memory.Allocator, methods Methods, plugins int) *Runner {
	return &Runner{
		methods:    methods,
		persistent: alloc.Persistent(),
		block:      block,
		alloc:      alloc,
		slots:      plugin.NewSlots(plugins),
	}
}

func (r *Runner) Connect(ctx context.Context, t Target, network, address string, p StartupParams) error {
	return r.methods.Connect(ctx, t, network, address, p)
}

func (r *Runner) Query(ctx context.Context, t Target, sql string) (*Result, error) {
	return r.methods.Query(ctx, t, sql)
}

func (r *Runner) Ping(ctx context.Context, t Target) error {
	return r.methods.Ping(ctx, t)
}

func (r *Runner) Quit(ctx context.Context, t Target) error {
	return r.methods.Quit(ctx, t)
}

// Persistent reports the runner's lifetime
func (r *Runner) Persistent() bool {
	return r.persistent
}

// Slots returns the plugin slots
func (r *Runner) Slots() *plugin.Slots {
	return &r.slots
}

// Free releases the block
func (r *Runner) Free() {
	if r == nil || r.freed {
		return
	}
	r.freed = true
	r.slots.Clear()
	r.alloc.Free(r.block)
}

// Freed reports whether Free ran
func (r *Runner) Freed() bool {
	return r.freed
}
