// Package pfc implements the protocol frame codec: it turns outgoing
// messages into frames on the I/O channel and reads incoming frames off it.
// Payload interpretation belongs to the decoder package.
package pfc

import (
	"io"
	"unsafe"

	"github.com/jackc/pgx/v5/pgproto3"

	"github.com/guileen/pgnd/errinfo"
	drverrors "github.com/guileen/pgnd/errors"
	"github.com/guileen/pgnd/memory"
	"github.com/guileen/pgnd/plugin"
	"github.com/guileen/pgnd/stats"
)

// Frame is one backend message as read off the wire
type Frame struct {
	Type    byte
	Payload []byte
}

// Methods is the capability set of a frame codec implementation. Destroy
// must tolerate a codec whose Init failed or never ran.
type Methods interface {
	Init(c *Codec, st *stats.Stats, ei *errinfo.Info) error
	Destroy(c *Codec, st *stats.Stats, ei *errinfo.Info)
	Send(c *Codec, w io.Writer, msg pgproto3.FrontendMessage) error
	Receive(c *Codec, r io.Reader) (Frame, error)
}

// Codec is the dispatch handle
type Codec struct {
	data       *Data
	persistent bool
	block      *memory.Block
	alloc      memory.Allocator
	slots      plugin.Slots
	destroyed  bool
}

// Data holds the method table and framing state
type Data struct {
	Methods      Methods
	Persistent   bool
	MaxFrameSize int
	Stats        *stats.Stats
	SendBuf      []byte

	block *memory.Block
	slots plugin.Slots
}

// HandleSize is the accounted size of a handle with plugins slots
func HandleSize(plugins int) int64 {
	return int64(unsafe.Sizeof(Codec{})) + int64(plugins)*int64(unsafe.Sizeof(uintptr(0)))
}

// DataSize is the accounted size of a data block with plugins slots
func DataSize(plugins int) int64 {
	return int64(unsafe.Sizeof(Data{})) + int64(plugins)*int64(unsafe.Sizeof(uintptr(0)))
}

// New wires an allocated handle and data block together. The codec is not
// usable until Init succeeds.
func New(handle, data *memory.Block, alloc memory.Allocator, methods Methods, plugins int) *Codec {
	return &Codec{
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
func (c *Codec) Init(st *stats.Stats, ei *errinfo.Info) error {
	return c.data.Methods.Init(c, st, ei)
}

// Dtor runs the implementation's destroy step and releases both blocks
func (c *Codec) Dtor(st *stats.Stats, ei *errinfo.Info) {
	if c == nil || c.destroyed {
		return
	}
	c.destroyed = true
	c.data.Methods.Destroy(c, st, ei)
	c.data.slots.Clear()
	c.slots.Clear()
	c.alloc.Free(c.data.block)
	c.alloc.Free(c.block)
}

// Send frames msg onto w
func (c *Codec) Send(w io.Writer, msg pgproto3.FrontendMessage) error {
	if c.destroyed {
		return drverrors.NewInvalidStateError("pfc.Send", "codec destroyed")
	}
	return c.data.Methods.Send(c, w, msg)
}

// Receive reads the next frame from r
func (c *Codec) Receive(r io.Reader) (Frame, error) {
	if c.destroyed {
		return Frame{}, drverrors.NewInvalidStateError("pfc.Receive", "codec destroyed")
	}
	return c.data.Methods.Receive(c, r)
}

// Data returns the data block
func (c *Codec) Data() *Data {
	return c.data
}

// Persistent reports the codec's lifetime
func (c *Codec) Persistent() bool {
	return c.persistent
}

// Slots returns the handle's plugin slots
func (c *Codec) Slots() *plugin.Slots {
	return &c.slots
}

// DataSlots returns the data block's plugin slots
func (c *Codec) DataSlots() *plugin.Slots {
	return &c.data.slots
}

// Destroyed reports whether Dtor ran
func (c *Codec) Destroyed() bool {
	return c.destroyed
}
