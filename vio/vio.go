// Package vio implements the I/O channel: the byte transport beneath the
// frame codec. A Channel is a thin handle over a Data block holding the
// method table; both are built in two phases (allocate, then Init) by the
// driver's object factory, and Dtor is safe whether or not Init ran.
package vio

import (
	"context"
	"net"
	"time"
	"unsafe"

	"github.com/guileen/pgnd/errinfo"
	drverrors "github.com/guileen/pgnd/errors"
	"github.com/guileen/pgnd/logger"
	"github.com/guileen/pgnd/memory"
	"github.com/guileen/pgnd/plugin"
	"github.com/guileen/pgnd/stats"
)

// Methods is the capability set of an I/O channel implementation. Destroy
// must tolerate a channel whose Init failed or never ran.
type Methods interface {
	Init(ch *Channel, st *stats.Stats, ei *errinfo.Info) error
	Destroy(ch *Channel, st *stats.Stats, ei *errinfo.Info)
	Connect(ctx context.Context, ch *Channel, network, address string) error
	Close(ch *Channel) error
}

// Channel is the dispatch handle
type Channel struct {
	data       *Data
	persistent bool
	block      *memory.Block
	alloc      memory.Allocator
	slots      plugin.Slots
	destroyed  bool
}

// Data holds the method table and transport state
type Data struct {
	Methods        Methods
	Persistent     bool
	Conn           net.Conn
	Stats          *stats.Stats
	ConnectTimeout time.Duration
	ReadTimeout    time.Duration
	WriteTimeout   time.Duration

	block *memory.Block
	slots plugin.Slots
}

// HandleSize is the accounted size of a handle with plugins slots
func HandleSize(plugins int) int64 {
	return int64(unsafe.Sizeof(Channel{})) + int64(plugins)*int64(unsafe.Sizeof(uintptr(0)))
}

// DataSize is the accounted size of a data block with plugins slots
func DataSize(plugins int) int64 {
	return int64(unsafe.Sizeof(Data{})) + int64(plugins)*int64(unsafe.Sizeof(uintptr(0)))
}

// New wires an allocated handle and data block together. The channel is
// not usable until Init succeeds.
func New(handle, data *memory.Block, alloc memory.Allocator, methods Methods, plugins int) *Channel {
	return &Channel{
		data: &Data{
			Methods:    methods,
			Persistent: alloc.Persistent(),
			block:      data,
			slots:      plugin.NewSlots(plugins),
		},
		persistent: alloc.Persistent(),
		block:      handle,
		alloc:      alloc,
		slots:      plugin.NewSlots(plugins),
	}
}

// Init runs the implementation's initialize step
func (ch *Channel) Init(st *stats.Stats, ei *errinfo.Info) error {
	return ch.data.Methods.Init(ch, st, ei)
}

// Dtor runs the implementation's destroy step and releases both blocks
func (ch *Channel) Dtor(st *stats.Stats, ei *errinfo.Info) {
	if ch == nil || ch.destroyed {
		return
	}
	ch.destroyed = true
	ch.data.Methods.Destroy(ch, st, ei)
	ch.data.slots.Clear()
	ch.slots.Clear()
	ch.alloc.Free(ch.data.block)
	ch.alloc.Free(ch.block)
}

// Connect opens the transport
func (ch *Channel) Connect(ctx context.Context, network, address string) error {
	if ch.destroyed {
		return drverrors.NewInvalidStateError("vio.Connect", "channel destroyed")
	}
	return ch.data.Methods.Connect(ctx, ch, network, address)
}

// Close closes the transport; the channel can be connected again
func (ch *Channel) Close() error {
	if ch.destroyed {
		return nil
	}
	return ch.data.Methods.Close(ch)
}

// Connected reports whether a transport is open
func (ch *Channel) Connected() bool {
	return ch != nil && !ch.destroyed && ch.data.Conn != nil
}

// Read implements io.Reader over the open transport
func (ch *Channel) Read(p []byte) (int, error) {
	conn := ch.data.Conn
	if conn == nil {
		return 0, drverrors.NewIOError("vio.Read", net.ErrClosed)
	}
	if ch.data.ReadTimeout > 0 {
		if err := conn.SetReadDeadline(time.Now().Add(ch.data.ReadTimeout)); err != nil {
			logger.Debug("setting read deadline", logger.ErrorField(err))
		}
	}
	n, err := conn.Read(p)
	ch.data.Stats.Add(stats.BytesReceived, int64(n))
	return n, err
}

// Write implements io.Writer over the open transport
func (ch *Channel) Write(p []byte) (int, error) {
	conn := ch.data.Conn
	if conn == nil {
		return 0, drverrors.NewIOError("vio.Write", net.ErrClosed)
	}
	if ch.data.WriteTimeout > 0 {
		if err := conn.SetWriteDeadline(time.Now().Add(ch.data.WriteTimeout)); err != nil {
			logger.Debug("setting write deadline", logger.ErrorField(err))
		}
	}
	n, err := conn.Write(p)
	ch.data.Stats.Add(stats.BytesSent, int64(n))
	return n, err
}

// SetDeadline bounds every read and write until t; the zero time clears it
func (ch *Channel) SetDeadline(t time.Time) error {
	conn := ch.data.Conn
	if conn == nil {
		return drverrors.NewIOError("vio.SetDeadline", net.ErrClosed)
	}
	return conn.SetDeadline(t)
}

// Data returns the data block
func (ch *Channel) Data() *Data {
	return ch.data
}

// Persistent reports the channel's lifetime
func (ch *Channel) Persistent() bool {
	return ch.persistent
}

// Slots returns the handle's plugin slots
func (ch *Channel) Slots() *plugin.Slots {
	return &ch.slots
}

// DataSlots returns the data block's plugin slots
func (ch *Channel) DataSlots() *plugin.Slots {
	return &ch.data.slots
}

// Destroyed reports whether Dtor ran
func (ch *Channel) Destroyed() bool {
	return ch.destroyed
}
