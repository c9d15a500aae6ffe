package driver

import (
	"context"
	"sync/atomic"
	"time"
	"unsafe"

	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"

	"github.com/guileen/pgnd/command"
	"github.com/guileen/pgnd/config"
	"github.com/guileen/pgnd/connstate"
	"github.com/guileen/pgnd/decoder"
	"github.com/guileen/pgnd/errinfo"
	drverrors "github.com/guileen/pgnd/errors"
	"github.com/guileen/pgnd/logger"
	"github.com/guileen/pgnd/memory"
	"github.com/guileen/pgnd/pfc"
	"github.com/guileen/pgnd/plugin"
	"github.com/guileen/pgnd/stats"
	"github.com/guileen/pgnd/upsert"
	"github.com/guileen/pgnd/vio"
)

// Lifecycle is the construction state of a connection's shared data
type Lifecycle int32

const (
	Uninitialized Lifecycle = iota
	Initializing
	Ready
	Closing
	Destroyed
)

func (l Lifecycle) String() string {
	switch l {
	case Uninitialized:
		return "uninitialized"
	case Initializing:
		return "initializing"
	case Ready:
		return "ready"
	case Closing:
		return "closing"
	case Destroyed:
		return "destroyed"
	default:
		return "unknown"
	}
}

// Options is the per-connection options record
type Options struct {
	ConnectTimeout    time.Duration
	ReadTimeout       time.Duration
	WriteTimeout      time.Duration
	MaxFrameSize      int
	ScratchBufferSize int
	PrefetchRows      int
	User              string
	Database          string
}

func optionsFrom(cfg config.DriverConfig) Options {
	return Options{
		ConnectTimeout:    cfg.ConnectTimeout,
		ReadTimeout:       cfg.ReadTimeout,
		WriteTimeout:      cfg.WriteTimeout,
		MaxFrameSize:      cfg.MaxFrameSize,
		ScratchBufferSize: cfg.ScratchBufferSize,
		PrefetchRows:      cfg.PrefetchRows,
		User:              cfg.User,
		Database:          cfg.Database,
	}
}

// Conn is a connection handle. Several handles may share one ConnData.
type Conn struct {
	data       *ConnData
	persistent bool
	factory    *Factory
	block      *memory.Block
	alloc      memory.Allocator
	slots      plugin.Slots
	released   atomic.Bool
}

// ConnData is the reference-counted shared state of a connection
type ConnData struct {
	id         uuid.UUID
	persistent bool
	refcount   atomic.Int32
	lifecycle  atomic.Int32
	counted    bool

	errorInfo  errinfo.Info
	options    Options
	upsert     upsert.Status
	state      connstate.Machine
	stats      *stats.Stats
	statsBlock *memory.Block

	codec   *pfc.Codec
	channel *vio.Channel
	decoder *decoder.Factory
	command *command.Runner

	factory *Factory
	block   *memory.Block
	alloc   memory.Allocator
	slots   plugin.Slots
}

const pointerSize = int64(unsafe.Sizeof(uintptr(0)))

func connSize(plugins int) int64 {
	return int64(unsafe.Sizeof(Conn{})) + int64(plugins)*pointerSize
}

func connDataSize(plugins int) int64 {
	return int64(unsafe.Sizeof(ConnData{})) + int64(plugins)*pointerSize
}

func statsSize() int64 {
	return int64(stats.Last) * int64(unsafe.Sizeof(int64(0)))
}

// NewConnection builds a connection handle with its shared data, frame
// codec, I/O channel, payload decoder factory and command runner. Either
// everything is built or nothing is left allocated.
func (f *Factory) NewConnection(persistent bool) (conn *Conn, err error) {
	const op = "driver.NewConnection"
	defer f.lib.enter(op, "persistent", persistent)(&err)

	plugins, err := f.lib.pluginCount(op)
	if err != nil {
		return nil, err
	}
	alloc := f.allocator(persistent)
	hb, herr := alloc.Alloc(memory.KindConnection, connSize(plugins))
	db, derr := alloc.Alloc(memory.KindConnectionData, connDataSize(plugins))
	if herr != nil || derr != nil {
		alloc.Free(hb)
		alloc.Free(db)
		err = drverrors.WrapAllocationError(firstErr(herr, derr), op)
		f.constructionFailed(op, err)
		return nil, err
	}

	data := &ConnData{
		id:         uuid.New(),
		persistent: persistent,
		factory:    f,
		block:      db,
		alloc:      alloc,
		slots:      plugin.NewSlots(plugins),
	}
	if err := data.init(op); err != nil {
		data.teardown()
		alloc.Free(hb)
		f.constructionFailed(op, err)
		return nil, err
	}

	conn = &Conn{
		data:       data,
		persistent: persistent,
		factory:    f,
		block:      hb,
		alloc:      alloc,
		slots:      plugin.NewSlots(plugins),
	}
	if !persistent {
		f.track(conn)
	}
	logger.Debug("connection built",
		logger.String("connection_id", data.id.String()),
		logger.Bool("persistent", persistent))
	return conn, nil
}

func (d *ConnData) init(op string) error {
	f := d.factory
	d.lifecycle.Store(int32(Initializing))

	if err := d.errorInfo.Init(d.alloc); err != nil {
		return drverrors.WrapAllocationError(err, op)
	}
	d.options = optionsFrom(f.cfg)
	d.upsert.Init()
	d.upsert.SetAffectedRowsToError()
	connstate.Init(&d.state)

	sb, err := d.alloc.Alloc(memory.KindStats, statsSize())
	if err != nil {
		d.errorInfo.SetOOM()
		return drverrors.WrapAllocationError(err, op)
	}
	d.statsBlock = sb
	d.stats = stats.Init(int(stats.Last), d.persistent, stats.WithParent(f.lib.GlobalStats()))

	if _, err := d.Reference(); err != nil {
		return err
	}

	if d.codec, err = f.NewFrameCodec(d.persistent, d.stats, &d.errorInfo); err != nil {
		return err
	}
	if d.channel, err = f.NewIOChannel(d.persistent, d.stats, &d.errorInfo); err != nil {
		return err
	}
	if d.decoder, err = f.NewPayloadDecoderFactory(d, d.persistent); err != nil {
		return err
	}
	if d.command, err = f.newCommandRunner(&d.errorInfo, d.persistent); err != nil {
		return err
	}

	d.counted = true
	d.stats.Inc(stats.ConnectionsCreated)
	d.stats.Inc(stats.ActiveConnections)
	if d.persistent {
		d.stats.Inc(stats.ActivePersistentConnections)
	}
	d.lifecycle.Store(int32(Ready))
	return nil
}

// Reference takes a new reference on the shared data
func (d *ConnData) Reference() (*ConnData, error) {
	if d == nil {
		return nil, drverrors.NewInvalidSourceError("driver.Reference", "no connection data")
	}
	if lc := d.Lifecycle(); lc == Closing || lc == Destroyed {
		return nil, drverrors.NewInvalidStateError("driver.Reference", "connection data is %s", lc)
	}
	d.refcount.Add(1)
	return d, nil
}

// Release drops a reference. The last one tears the shared data down.
func (d *ConnData) Release() error {
	n := d.refcount.Add(-1)
	if n > 0 {
		return nil
	}
	if n < 0 {
		d.refcount.Add(1)
		return drverrors.NewInvalidStateError("driver.Release", "connection data released more often than referenced")
	}
	if !d.lifecycle.CompareAndSwap(int32(Ready), int32(Closing)) {
		return drverrors.NewInvalidStateError("driver.Release", "connection data is %s", d.Lifecycle())
	}
	return d.teardown()
}

// teardown closes the channel and frees every owned part in reverse
// construction order. Any subset of the parts may be missing; a second
// call does nothing.
func (d *ConnData) teardown() error {
	if d.Lifecycle() == Destroyed {
		return nil
	}
	var result *multierror.Error

	if d.channel.Connected() && d.command != nil {
		if err := d.command.Quit(context.Background(), d); err != nil {
			result = multierror.Append(result, err)
		}
	}
	if d.channel != nil {
		if err := d.channel.Close(); err != nil {
			result = multierror.Append(result, drverrors.NewIOError("driver.teardown", err))
		}
	}

	d.command.Free()
	d.command = nil
	d.decoder.Free()
	d.decoder = nil
	d.channel.Dtor(d.stats, &d.errorInfo)
	d.channel = nil
	d.codec.Dtor(d.stats, &d.errorInfo)
	d.codec = nil

	if d.counted {
		d.counted = false
		d.stats.Dec(stats.ActiveConnections)
		if d.persistent {
			d.stats.Dec(stats.ActivePersistentConnections)
		}
		d.stats.Inc(stats.ConnectionsDestroyed)
	}
	d.errorInfo.Free()
	stats.End(d.stats, false)
	d.alloc.Free(d.statsBlock)
	d.statsBlock = nil

	d.slots.Clear()
	d.alloc.Free(d.block)
	d.lifecycle.Store(int32(Destroyed))
	logger.Debug("connection data destroyed", logger.String("connection_id", d.id.String()))
	return result.ErrorOrNil()
}

func (d *ConnData) ID() uuid.UUID                { return d.id }
func (d *ConnData) Persistent() bool             { return d.persistent }
func (d *ConnData) RefCount() int                { return int(d.refcount.Load()) }
func (d *ConnData) Lifecycle() Lifecycle         { return Lifecycle(d.lifecycle.Load()) }
func (d *ConnData) ErrorInfo() *errinfo.Info     { return &d.errorInfo }
func (d *ConnData) UpsertStatus() *upsert.Status { return &d.upsert }
func (d *ConnData) State() *connstate.Machine    { return &d.state }
func (d *ConnData) Stats() *stats.Stats          { return d.stats }
func (d *ConnData) Options() *Options            { return &d.options }
func (d *ConnData) Codec() *pfc.Codec            { return d.codec }
func (d *ConnData) Channel() *vio.Channel        { return d.channel }
func (d *ConnData) Decoder() *decoder.Factory    { return d.decoder }
func (d *ConnData) Command() *command.Runner     { return d.command }
func (d *ConnData) Slots() *plugin.Slots         { return &d.slots }

// CloneConnection builds a new handle sharing src's data
func (f *Factory) CloneConnection(src *Conn) (conn *Conn, err error) {
	const op = "driver.CloneConnection"
	defer f.lib.enter(op)(&err)

	if src == nil || src.released.Load() || src.data == nil || src.data.Lifecycle() != Ready {
		err = drverrors.NewInvalidSourceError(op, "source connection is absent or not fully built")
		f.constructionFailed(op, err)
		return nil, err
	}
	plugins, err := f.lib.pluginCount(op)
	if err != nil {
		return nil, err
	}

	alloc := f.allocator(src.persistent)
	hb, err := alloc.Alloc(memory.KindConnection, connSize(plugins))
	if err != nil {
		src.data.errorInfo.SetOOM()
		err = drverrors.WrapAllocationError(err, op)
		f.constructionFailed(op, err)
		return nil, err
	}

	data, err := src.data.Reference()
	if err != nil {
		alloc.Free(hb)
		err = drverrors.Wrapf(err, drverrors.ErrCodeInvalidSource, op, "referencing source connection")
		f.constructionFailed(op, err)
		return nil, err
	}

	conn = &Conn{
		data:       data,
		persistent: src.persistent,
		factory:    f,
		block:      hb,
		alloc:      alloc,
		slots:      plugin.NewSlots(plugins),
	}
	if !conn.persistent {
		f.track(conn)
	}
	data.stats.Inc(stats.ConnectionsCloned)
	return conn, nil
}

// Data returns the shared data, nil once the handle is closed
func (c *Conn) Data() *ConnData {
	if c.released.Load() {
		return nil
	}
	return c.data
}

func (c *Conn) Persistent() bool     { return c.persistent }
func (c *Conn) Slots() *plugin.Slots { return &c.slots }
func (c *Conn) Closed() bool         { return c.released.Load() }

// ID identifies the shared data; clones report the same id
func (c *Conn) ID() uuid.UUID {
	return c.data.id
}

func (c *Conn) live(op string) (*ConnData, error) {
	if c.released.Load() {
		return nil, drverrors.NewInvalidStateError(op, "connection handle closed")
	}
	if lc := c.data.Lifecycle(); lc != Ready {
		return nil, drverrors.NewInvalidStateError(op, "connection is %s", lc)
	}
	return c.data, nil
}

func (d *ConnData) logContext(ctx context.Context) context.Context {
	return logger.WithContextValue(ctx, logger.ConnectionIDKey, d.id.String())
}

// Connect opens the transport and runs startup and authentication. Empty
// user and database fall back to the connection options.
func (c *Conn) Connect(ctx context.Context, network, address string, p command.StartupParams) error {
	d, err := c.live("driver.Connect")
	if err != nil {
		return err
	}
	if p.User == "" {
		p.User = d.options.User
	}
	if p.Database == "" {
		p.Database = d.options.Database
	}
	ctx = d.logContext(ctx)
	if err := d.command.Connect(ctx, d, network, address, p); err != nil {
		drverrors.LogWarning(ctx, err)
		return err
	}
	logger.InfoContext(ctx, "connected", "network", network, "address", address, "user", p.User)
	return nil
}

// Query runs sql with the simple-query protocol and reads the whole result
func (c *Conn) Query(ctx context.Context, sql string) (*command.Result, error) {
	d, err := c.live("driver.Query")
	if err != nil {
		return nil, err
	}
	return d.command.Query(d.logContext(ctx), d, sql)
}

// Ping checks the server answers
func (c *Conn) Ping(ctx context.Context) error {
	d, err := c.live("driver.Ping")
	if err != nil {
		return err
	}
	return d.command.Ping(d.logContext(ctx), d)
}

// Close releases this handle's reference. The last reference sends
// Terminate, closes the transport and destroys the shared data. Closing a
// closed handle does nothing.
func (c *Conn) Close() error {
	if c == nil || !c.released.CompareAndSwap(false, true) {
		return nil
	}
	if !c.persistent {
		c.factory.untrack(c)
	}
	err := c.data.Release()
	c.slots.Clear()
	c.alloc.Free(c.block)
	return err
}

func (c *Conn) isStatement() bool { return false }
