package driver

import (
	"context"
	"sort"
	"sync"

	"github.com/guileen/pgnd/command"
	"github.com/guileen/pgnd/config"
	"github.com/guileen/pgnd/decoder"
	"github.com/guileen/pgnd/errinfo"
	drverrors "github.com/guileen/pgnd/errors"
	"github.com/guileen/pgnd/logger"
	"github.com/guileen/pgnd/memory"
	"github.com/guileen/pgnd/pfc"
	"github.com/guileen/pgnd/stats"
	"github.com/guileen/pgnd/vio"
)

// Factory builds driver objects. Durable objects are accounted to the
// durable context, transient ones to the request context, which EndRequest
// reclaims.
type Factory struct {
	lib     *Library
	cfg     config.DriverConfig
	durable *memory.MemoryContext
	request *memory.MemoryContext
	buffers *memory.BufferPool

	mu   sync.Mutex
	open map[requestScoped]struct{}

	codecMethods   pfc.Methods
	channelMethods vio.Methods
	decoderMethods decoder.Methods
	commandMethods command.Methods
}

// FactoryOption configures a Factory
type FactoryOption func(*Factory)

// WithCodecMethods selects the frame codec implementation
func WithCodecMethods(m pfc.Methods) FactoryOption {
	return func(f *Factory) { f.codecMethods = m }
}

// WithChannelMethods selects the I/O channel implementation
func WithChannelMethods(m vio.Methods) FactoryOption {
	return func(f *Factory) { f.channelMethods = m }
}

// WithDecoderMethods selects the payload decoder implementation
func WithDecoderMethods(m decoder.Methods) FactoryOption {
	return func(f *Factory) { f.decoderMethods = m }
}

// WithCommandMethods selects the command runner implementation. A nil
// value makes every connection construction fail.
func WithCommandMethods(m command.Methods) FactoryOption {
	return func(f *Factory) { f.commandMethods = m }
}

// WithDurableContext replaces the durable memory context
func WithDurableContext(mc *memory.MemoryContext) FactoryOption {
	return func(f *Factory) { f.durable = mc }
}

// WithRequestContext replaces the request memory context
func WithRequestContext(mc *memory.MemoryContext) FactoryOption {
	return func(f *Factory) { f.request = mc }
}

// NewFactory creates a factory bound to l with the default collaborators:
// pgwire framing, net.Conn transport and the simple-query command runner
func (l *Library) NewFactory(opts ...FactoryOption) *Factory {
	cfg := l.cfg
	f := &Factory{
		lib:     l,
		cfg:     cfg,
		buffers: memory.NewBufferPool(),
		open:    make(map[requestScoped]struct{}),

		codecMethods:   pfc.NewWireMethods(cfg.MaxFrameSize),
		channelMethods: vio.NewNetMethods(cfg.ConnectTimeout, cfg.ReadTimeout, cfg.WriteTimeout),
		decoderMethods: decoder.WireMethods{},
		commandMethods: &command.SimpleMethods{Plugins: l.registry},
	}
	for _, opt := range opts {
		opt(f)
	}
	if f.durable == nil {
		f.durable = memory.NewMemoryContext(nil, cfg.DurableMemoryLimit,
			memory.WithName("durable"), memory.Persistent())
	}
	if f.request == nil {
		f.request = memory.NewMemoryContext(nil, cfg.RequestMemoryLimit, memory.WithName("request"))
	}
	return f
}

// Library returns the library the factory belongs to
func (f *Factory) Library() *Library {
	return f.lib
}

// DurableContext returns the context durable objects are accounted to
func (f *Factory) DurableContext() *memory.MemoryContext {
	return f.durable
}

// RequestContext returns the context transient objects are accounted to
func (f *Factory) RequestContext() *memory.MemoryContext {
	return f.request
}

// BufferPool returns the statement scratch buffer pool
func (f *Factory) BufferPool() *memory.BufferPool {
	return f.buffers
}

func (f *Factory) allocator(persistent bool) *memory.MemoryContext {
	if persistent {
		return f.durable
	}
	return f.request
}

// requestScoped is a transient handle the factory closes at request end
type requestScoped interface {
	Close() error
	isStatement() bool
}

func (f *Factory) track(h requestScoped) {
	f.mu.Lock()
	f.open[h] = struct{}{}
	f.mu.Unlock()
}

func (f *Factory) untrack(h requestScoped) {
	f.mu.Lock()
	delete(f.open, h)
	f.mu.Unlock()
}

// EndRequest ends the request scope. Transient handles the caller left
// open are closed, statements before connections, and whatever transient
// memory is still accounted afterwards is reclaimed. Both are leaks and
// are logged; the return value counts them.
func (f *Factory) EndRequest() int {
	f.mu.Lock()
	handles := make([]requestScoped, 0, len(f.open))
	for h := range f.open {
		handles = append(handles, h)
	}
	f.mu.Unlock()
	sort.SliceStable(handles, func(i, j int) bool {
		return handles[i].isStatement() && !handles[j].isStatement()
	})

	for _, h := range handles {
		if err := h.Close(); err != nil {
			drverrors.LogWarning(context.Background(), err)
		}
	}

	report := f.request.CheckForLeaks(0)
	reclaimed := f.request.Reclaim()
	if n := len(handles) + len(reclaimed); n > 0 {
		logger.Warn("transient driver objects leaked past request end",
			"open_handles", len(handles),
			"reclaimed_blocks", len(reclaimed),
			"by_kind", report.LiveByKind)
		return n
	}
	return 0
}

// NewFrameCodec builds and initializes a frame codec
func (f *Factory) NewFrameCodec(persistent bool, st *stats.Stats, ei *errinfo.Info) (codec *pfc.Codec, err error) {
	const op = "driver.NewFrameCodec"
	defer f.lib.enter(op, "persistent", persistent)(&err)

	if f.codecMethods == nil {
		return nil, noMethods(op, ei, "frame codec")
	}
	plugins, err := f.lib.pluginCount(op)
	if err != nil {
		return nil, err
	}
	alloc := f.allocator(persistent)
	hb, herr := alloc.Alloc(memory.KindFrameCodec, pfc.HandleSize(plugins))
	db, derr := alloc.Alloc(memory.KindFrameCodecData, pfc.DataSize(plugins))
	if herr != nil || derr != nil {
		alloc.Free(hb)
		alloc.Free(db)
		ei.SetOOM()
		return nil, drverrors.WrapAllocationError(firstErr(herr, derr), op)
	}

	codec = pfc.New(hb, db, alloc, f.codecMethods, plugins)
	if err := codec.Init(st, ei); err != nil {
		codec.Dtor(st, ei)
		ei.Set(errinfo.CodeClientInit, errinfo.SQLStateUnknown, "frame codec initialization failed")
		return nil, drverrors.NewSubsystemInitError(op, err)
	}
	return codec, nil
}

// NewIOChannel builds and initializes an I/O channel
func (f *Factory) NewIOChannel(persistent bool, st *stats.Stats, ei *errinfo.Info) (ch *vio.Channel, err error) {
	const op = "driver.NewIOChannel"
	defer f.lib.enter(op, "persistent", persistent)(&err)

	if f.channelMethods == nil {
		return nil, noMethods(op, ei, "i/o channel")
	}
	plugins, err := f.lib.pluginCount(op)
	if err != nil {
		return nil, err
	}
	alloc := f.allocator(persistent)
	hb, herr := alloc.Alloc(memory.KindIOChannel, vio.HandleSize(plugins))
	db, derr := alloc.Alloc(memory.KindIOChannelData, vio.DataSize(plugins))
	if herr != nil || derr != nil {
		alloc.Free(hb)
		alloc.Free(db)
		ei.SetOOM()
		return nil, drverrors.WrapAllocationError(firstErr(herr, derr), op)
	}

	ch = vio.New(hb, db, alloc, f.channelMethods, plugins)
	if err := ch.Init(st, ei); err != nil {
		ch.Dtor(st, ei)
		ei.Set(errinfo.CodeClientInit, errinfo.SQLStateUnknown, "i/o channel initialization failed")
		return nil, drverrors.NewSubsystemInitError(op, err)
	}
	return ch, nil
}

// NewPayloadDecoderFactory builds the decoder factory for conn
func (f *Factory) NewPayloadDecoderFactory(conn decoder.Owner, persistent bool) (df *decoder.Factory, err error) {
	const op = "driver.NewPayloadDecoderFactory"
	defer f.lib.enter(op, "persistent", persistent)(&err)

	if conn == nil {
		return nil, drverrors.NewInvalidSourceError(op, "no owning connection")
	}
	if f.decoderMethods == nil {
		return nil, noMethods(op, conn.ErrorInfo(), "payload decoder")
	}
	plugins, err := f.lib.pluginCount(op)
	if err != nil {
		return nil, err
	}
	alloc := f.allocator(persistent)
	block, err := alloc.Alloc(memory.KindDecoderFactory, decoder.Size(plugins))
	if err != nil {
		conn.ErrorInfo().SetOOM()
		return nil, drverrors.WrapAllocationError(err, op)
	}
	return decoder.New(block, alloc, conn, f.decoderMethods, plugins), nil
}

func (f *Factory) newCommandRunner(ei *errinfo.Info, persistent bool) (*command.Runner, error) {
	const op = "driver.newCommandRunner"
	if f.commandMethods == nil {
		return nil, noMethods(op, ei, "command runner")
	}
	plugins, err := f.lib.pluginCount(op)
	if err != nil {
		return nil, err
	}
	alloc := f.allocator(persistent)
	block, err := alloc.Alloc(memory.KindCommandRunner, command.Size(plugins))
	if err != nil {
		ei.SetOOM()
		return nil, drverrors.WrapAllocationError(err, op)
	}
	return command.New(block, alloc, f.commandMethods, plugins), nil
}

// noMethods records a subsystem without a method table as an init failure
func noMethods(op string, ei *errinfo.Info, what string) error {
	ei.Set(errinfo.CodeClientInit, errinfo.SQLStateUnknown, "no "+what+" configured")
	return drverrors.NewSubsystemInitError(op, drverrors.Errorf(drverrors.ErrCodeInvalidState, "no %s methods", what))
}

// constructionFailed counts and logs a failed constructor
func (f *Factory) constructionFailed(op string, err error) {
	f.lib.GlobalStats().Inc(stats.ConstructionFailures)
	drverrors.LogWarning(context.Background(), err)
	logger.Debug("construction unwound", logger.Operation(op))
}

func firstErr(errs ...error) error {
	for _, err := range errs {
		if err != nil {
			return err
		}
	}
	return nil
}
