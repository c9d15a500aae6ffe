package driver

import (
	"unsafe"

	"github.com/google/uuid"

	"github.com/guileen/pgnd/errinfo"
	drverrors "github.com/guileen/pgnd/errors"
	"github.com/guileen/pgnd/memory"
	"github.com/guileen/pgnd/plugin"
	"github.com/guileen/pgnd/stats"
	"github.com/guileen/pgnd/upsert"
)

// StmtState is where a statement is in its life
type StmtState int

const (
	StmtInitialized StmtState = iota + 1
	StmtClosed
)

func (s StmtState) String() string {
	switch s {
	case StmtInitialized:
		return "initialized"
	case StmtClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Stmt is a prepared statement handle. Statements are always transient.
type Stmt struct {
	data    *StmtData
	factory *Factory
	block   *memory.Block
	alloc   memory.Allocator
	slots   plugin.Slots
	closed  bool
}

// StmtData holds a statement's records and a reference on its connection
type StmtData struct {
	id           uuid.UUID
	conn         *ConnData
	errorInfo    errinfo.Info
	upsert       upsert.Status
	state        StmtState
	prefetchRows int

	scratch      []byte
	scratchBlock *memory.Block
	buffers      *memory.BufferPool

	block *memory.Block
	alloc memory.Allocator
	slots plugin.Slots
}

func stmtSize(plugins int) int64 {
	return int64(unsafe.Sizeof(Stmt{})) + int64(plugins)*pointerSize
}

func stmtDataSize(plugins int) int64 {
	return int64(unsafe.Sizeof(StmtData{})) + int64(plugins)*pointerSize
}

// NewStatement builds a statement on conn. The statement holds its own
// reference on the connection data, so the connection outlives conn's
// handle for as long as the statement is open. Failures are recorded as
// out of memory on the connection's error info.
func (f *Factory) NewStatement(conn *Conn) (stmt *Stmt, err error) {
	const op = "driver.NewStatement"
	defer f.lib.enter(op)(&err)

	if conn == nil || conn.released.Load() || conn.data == nil || conn.data.Lifecycle() != Ready {
		err = drverrors.NewInvalidSourceError(op, "connection is absent or not fully built")
		f.constructionFailed(op, err)
		return nil, err
	}
	cd := conn.data
	plugins, err := f.lib.pluginCount(op)
	if err != nil {
		return nil, err
	}

	alloc := f.request
	hb, herr := alloc.Alloc(memory.KindStatement, stmtSize(plugins))
	db, derr := alloc.Alloc(memory.KindStatementData, stmtDataSize(plugins))
	if herr != nil || derr != nil {
		alloc.Free(hb)
		alloc.Free(db)
		cd.errorInfo.SetOOM()
		err = drverrors.WrapAllocationError(firstErr(herr, derr), op)
		f.constructionFailed(op, err)
		return nil, err
	}

	stmt = &Stmt{
		data: &StmtData{
			id:           uuid.New(),
			prefetchRows: cd.options.PrefetchRows,
			buffers:      f.buffers,
			block:        db,
			alloc:        alloc,
			slots:        plugin.NewSlots(plugins),
		},
		factory: f,
		block:   hb,
		alloc:   alloc,
		slots:   plugin.NewSlots(plugins),
	}
	if err := stmt.data.init(op, cd); err != nil {
		stmt.destroy()
		cd.errorInfo.SetOOM()
		f.constructionFailed(op, err)
		return nil, err
	}

	f.track(stmt)
	cd.stats.Inc(stats.StatementsCreated)
	return stmt, nil
}

func (d *StmtData) init(op string, conn *ConnData) error {
	size := conn.options.ScratchBufferSize
	b, err := d.alloc.Alloc(memory.KindScratchBuffer, int64(size))
	if err != nil {
		return drverrors.WrapAllocationError(err, op)
	}
	d.scratchBlock = b
	d.scratch = d.buffers.Acquire(size)

	// statements are request scoped, so their error info never persists
	if err := d.errorInfo.Init(d.alloc); err != nil {
		return drverrors.WrapAllocationError(err, op)
	}
	d.upsert.Init()
	d.state = StmtInitialized

	ref, err := conn.Reference()
	if err != nil {
		return drverrors.Wrapf(err, drverrors.ErrCodeInvalidSource, op, "referencing connection")
	}
	d.conn = ref
	return nil
}

// destroy frees whatever the statement holds; safe on a partial statement
func (s *Stmt) destroy() error {
	if s.closed {
		return nil
	}
	s.closed = true

	var err error
	if d := s.data; d != nil {
		d.buffers.Release(d.scratch)
		d.scratch = nil
		d.alloc.Free(d.scratchBlock)
		d.scratchBlock = nil
		d.errorInfo.Free()
		d.state = StmtClosed
		if d.conn != nil {
			d.conn.stats.Inc(stats.StatementsClosed)
			err = d.conn.Release()
			d.conn = nil
		}
		d.slots.Clear()
		d.alloc.Free(d.block)
	}
	s.slots.Clear()
	s.alloc.Free(s.block)
	return err
}

// Close releases the statement and its connection reference
func (s *Stmt) Close() error {
	if s == nil || s.closed {
		return nil
	}
	s.factory.untrack(s)
	return s.destroy()
}

func (s *Stmt) isStatement() bool { return true }

// GrowBuffer makes room for at least n bytes in the scratch buffer,
// keeping its contents
func (s *Stmt) GrowBuffer(n int) error {
	const op = "driver.Stmt.GrowBuffer"
	if s.closed {
		return drverrors.NewInvalidStateError(op, "statement closed")
	}
	d := s.data
	if n <= cap(d.scratch) {
		return nil
	}
	b, err := d.alloc.Alloc(memory.KindScratchBuffer, int64(n))
	if err != nil {
		d.errorInfo.SetOOM()
		return drverrors.WrapAllocationError(err, op)
	}
	buf := append(d.buffers.Acquire(n), d.scratch...)
	d.buffers.Release(d.scratch)
	d.alloc.Free(d.scratchBlock)
	d.scratch, d.scratchBlock = buf, b
	return nil
}

// WriteScratch appends p to the scratch buffer, growing it as needed
func (s *Stmt) WriteScratch(p []byte) (int, error) {
	if s.closed {
		return 0, drverrors.NewInvalidStateError("driver.Stmt.WriteScratch", "statement closed")
	}
	d := s.data
	if need := len(d.scratch) + len(p); need > cap(d.scratch) {
		if err := s.GrowBuffer(max(need, 2*cap(d.scratch))); err != nil {
			return 0, err
		}
	}
	d.scratch = append(d.scratch, p...)
	return len(p), nil
}

// ResetScratch empties the scratch buffer and keeps its capacity
func (s *Stmt) ResetScratch() {
	if !s.closed {
		s.data.scratch = s.data.scratch[:0]
	}
}

// SetPrefetchRows sets how many rows a fetch requests
func (s *Stmt) SetPrefetchRows(n int) error {
	if s.closed {
		return drverrors.NewInvalidStateError("driver.Stmt.SetPrefetchRows", "statement closed")
	}
	if n < 1 {
		return drverrors.Errorf(drverrors.ErrCodeInvalidOperation, "prefetch rows must be positive, got %d", n)
	}
	s.data.prefetchRows = n
	return nil
}

// Data returns the statement data, nil once closed
func (s *Stmt) Data() *StmtData {
	if s.closed {
		return nil
	}
	return s.data
}

func (s *Stmt) Persistent() bool     { return false }
func (s *Stmt) Slots() *plugin.Slots { return &s.slots }
func (s *Stmt) Closed() bool         { return s.closed }

func (d *StmtData) ID() uuid.UUID                { return d.id }
func (d *StmtData) Conn() *ConnData              { return d.conn }
func (d *StmtData) ErrorInfo() *errinfo.Info     { return &d.errorInfo }
func (d *StmtData) UpsertStatus() *upsert.Status { return &d.upsert }
func (d *StmtData) State() StmtState             { return d.state }
func (d *StmtData) PrefetchRows() int            { return d.prefetchRows }
func (d *StmtData) Slots() *plugin.Slots         { return &d.slots }

// Scratch returns the bytes written to the execute-command buffer. Its
// capacity is the buffer's current size.
func (d *StmtData) Scratch() []byte { return d.scratch }
