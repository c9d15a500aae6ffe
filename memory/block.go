package memory

import (
	"sync/atomic"
	"time"
)

// Kind identifies which driver object a block backs
type Kind uint8

const (
	KindConnection Kind = iota
	KindConnectionData
	KindStatement
	KindStatementData
	KindFrameCodec
	KindFrameCodecData
	KindIOChannel
	KindIOChannelData
	KindDecoderFactory
	KindCommandRunner
	KindErrorInfo
	KindStats
	KindScratchBuffer
	kindCount
)

var kindNames = [...]string{
	KindConnection:     "connection",
	KindConnectionData: "connection_data",
	KindStatement:      "statement",
	KindStatementData:  "statement_data",
	KindFrameCodec:     "frame_codec",
	KindFrameCodecData: "frame_codec_data",
	KindIOChannel:      "io_channel",
	KindIOChannelData:  "io_channel_data",
	KindDecoderFactory: "decoder_factory",
	KindCommandRunner:  "command_runner",
	KindErrorInfo:      "error_info",
	KindStats:          "stats",
	KindScratchBuffer:  "scratch_buffer",
}

func (k Kind) String() string {
	if k < kindCount {
		return kindNames[k]
	}
	return "unknown"
}

// Kinds lists every block kind
func Kinds() []Kind {
	kinds := make([]Kind, 0, kindCount)
	for k := Kind(0); k < kindCount; k++ {
		kinds = append(kinds, k)
	}
	return kinds
}

// Block is the accounting record of one allocation. Objects keep their
// block and hand it back to the owning context when they are torn down.
type Block struct {
	id          uint64
	kind        Kind
	size        int64
	owner       *MemoryContext
	allocatedAt time.Time
	stackTrace  string
	freed       atomic.Bool
}

func (b *Block) ID() uint64 {
	return b.id
}

func (b *Block) Kind() Kind {
	return b.kind
}

func (b *Block) Size() int64 {
	return b.size
}

// Persistent reports whether the block came from a durable context
func (b *Block) Persistent() bool {
	return b.owner != nil && b.owner.persistent
}

// Freed reports whether the block was returned to its context
func (b *Block) Freed() bool {
	return b.freed.Load()
}

// Owner returns the context the block was allocated from
func (b *Block) Owner() *MemoryContext {
	return b.owner
}
