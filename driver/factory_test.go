package driver

import (
	"context"
	"errors"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/jackc/pgx/v5/pgproto3"

	"github.com/guileen/pgnd/connstate"
	"github.com/guileen/pgnd/errinfo"
	drverrors "github.com/guileen/pgnd/errors"
	"github.com/guileen/pgnd/memory"
	"github.com/guileen/pgnd/pfc"
	"github.com/guileen/pgnd/plugin"
	"github.com/guileen/pgnd/stats"
	"github.com/guileen/pgnd/upsert"
	"github.com/guileen/pgnd/vio"
)

type mockCodecMethods struct {
	mock.Mock
}

func (m *mockCodecMethods) Init(c *pfc.Codec, st *stats.Stats, ei *errinfo.Info) error {
	return m.Called(c, st, ei).Error(0)
}

func (m *mockCodecMethods) Destroy(c *pfc.Codec, st *stats.Stats, ei *errinfo.Info) {
	m.Called(c, st, ei)
}

func (m *mockCodecMethods) Send(c *pfc.Codec, w io.Writer, msg pgproto3.FrontendMessage) error {
	return m.Called(c, w, msg).Error(0)
}

func (m *mockCodecMethods) Receive(c *pfc.Codec, r io.Reader) (pfc.Frame, error) {
	args := m.Called(c, r)
	return args.Get(0).(pfc.Frame), args.Error(1)
}

type mockChannelMethods struct {
	mock.Mock
}

func (m *mockChannelMethods) Init(ch *vio.Channel, st *stats.Stats, ei *errinfo.Info) error {
	return m.Called(ch, st, ei).Error(0)
}

func (m *mockChannelMethods) Destroy(ch *vio.Channel, st *stats.Stats, ei *errinfo.Info) {
	m.Called(ch, st, ei)
}

func (m *mockChannelMethods) Connect(ctx context.Context, ch *vio.Channel, network, address string) error {
	return m.Called(ctx, ch, network, address).Error(0)
}

func (m *mockChannelMethods) Close(ch *vio.Channel) error {
	return m.Called(ch).Error(0)
}

func assertFullyBuilt(t *testing.T, conn *Conn, persistent bool) {
	t.Helper()
	d := conn.Data()
	require.NotNil(t, d)
	assert.Equal(t, Ready, d.Lifecycle())
	assert.Equal(t, persistent, conn.Persistent())
	assert.Equal(t, persistent, d.Persistent())

	require.NotNil(t, d.Codec())
	require.NotNil(t, d.Channel())
	require.NotNil(t, d.Decoder())
	require.NotNil(t, d.Command())
	assert.Equal(t, persistent, d.Codec().Persistent())
	assert.Equal(t, persistent, d.Codec().Data().Persistent)
	assert.Equal(t, persistent, d.Channel().Persistent())
	assert.Equal(t, persistent, d.Channel().Data().Persistent)
	assert.Equal(t, persistent, d.Decoder().Persistent())
	assert.Equal(t, persistent, d.Command().Persistent())
	assert.Equal(t, persistent, d.ErrorInfo().Persistent())
	assert.Equal(t, persistent, d.Stats().Persistent())
	assert.Same(t, d, d.Decoder().Conn())

	assert.True(t, d.ErrorInfo().Initialized())
	assert.True(t, d.UpsertStatus().AffectedRowsIsError())
	assert.Equal(t, upsert.AffectedRowsError, d.UpsertStatus().AffectedRows)
	assert.Equal(t, connstate.Allocated, d.State().Get())
}

func TestNewConnection(t *testing.T) {
	lib := newTestLibrary(t)
	f := lib.NewFactory()

	for _, persistent := range []bool{false, true} {
		conn, err := f.NewConnection(persistent)
		require.NoError(t, err)
		assertFullyBuilt(t, conn, persistent)
		assert.Equal(t, 1, conn.Data().RefCount())
		assert.Equal(t, 4096, conn.Data().Options().ScratchBufferSize)
		assert.Equal(t, int64(1), lib.GlobalStats().Value(stats.ActiveConnections))

		owner := f.RequestContext()
		other := f.DurableContext()
		if persistent {
			owner, other = other, owner
		}
		// handle, data, error info, stats, codec x2, channel x2, decoder, runner
		assert.Equal(t, 10, owner.Live())
		assert.Equal(t, 0, other.Live())

		require.NoError(t, conn.Close())
		assert.Equal(t, Destroyed, conn.data.Lifecycle())
		assert.Nil(t, conn.Data())
		assert.Equal(t, 0, owner.Live())
		assert.Equal(t, int64(0), lib.GlobalStats().Value(stats.ActiveConnections))
		assert.NoError(t, conn.Close())
	}
	assert.Equal(t, int64(2), lib.GlobalStats().Value(stats.ConnectionsCreated))
	assert.Equal(t, int64(2), lib.GlobalStats().Value(stats.ConnectionsDestroyed))
	assert.Equal(t, int64(0), lib.GlobalStats().Value(stats.ActivePersistentConnections))
}

func TestPluginSlots(t *testing.T) {
	lib := newTestLibrary(t)
	_, err := lib.RegisterPlugin(&namedPlugin{name: "metrics"})
	require.NoError(t, err)
	auditID, err := lib.RegisterPlugin(&namedPlugin{name: "audit"})
	require.NoError(t, err)
	count := lib.Registry().Count()
	require.Equal(t, 6, count)

	f := lib.NewFactory()
	conn, err := f.NewConnection(false)
	require.NoError(t, err)
	defer conn.Close()

	d := conn.Data()
	for _, slots := range []*plugin.Slots{conn.Slots(), d.Slots(), d.Codec().Slots(), d.Codec().DataSlots(), d.Channel().Slots(),
		d.Channel().DataSlots(), d.Decoder().Slots(), d.Command().Slots()} {
		assert.Equal(t, count, slots.Len())
	}
	for id := 0; id < count; id++ {
		assert.Nil(t, conn.Slots().Get(plugin.ID(id)))
	}
	assert.True(t, conn.Slots().Set(auditID, "private"))
	assert.Equal(t, "private", conn.Slots().Get(auditID))
	assert.Nil(t, d.Slots().Get(auditID))

	stmt, err := f.NewStatement(conn)
	require.NoError(t, err)
	assert.Equal(t, count, stmt.Slots().Len())
	assert.Equal(t, count, stmt.Data().Slots().Len())
	require.NoError(t, stmt.Close())
}

func TestConstructionUnwindsOnEveryAllocationFailure(t *testing.T) {
	lib := newTestLibrary(t)

	for _, persistent := range []bool{false, true} {
		built := false
		for n := uint64(1); !built; n++ {
			mc := memory.NewMemoryContext(nil, 0, memory.WithFaultInjector(memory.FailNth(n)))
			opt := WithRequestContext(mc)
			if persistent {
				opt = WithDurableContext(memory.NewMemoryContext(nil, 0, memory.Persistent(),
					memory.WithFaultInjector(memory.FailNth(n))))
			}
			f := lib.NewFactory(opt)
			alloc := f.allocator(persistent)

			conn, err := f.NewConnection(persistent)
			if err != nil {
				assert.Nil(t, conn)
				assert.True(t, drverrors.IsAllocationError(err), "step %d: %v", n, err)
				assert.True(t, errors.Is(err, memory.ErrInjectedFailure), "step %d", n)
				assert.Equal(t, 0, alloc.Live(), "step %d leaked", n)
				continue
			}
			built = true
			assertFullyBuilt(t, conn, persistent)
			assert.Equal(t, uint64(11), n, "one more than the allocations a connection needs")
			require.NoError(t, conn.Close())
			assert.Equal(t, 0, alloc.Live())
		}
	}
	assert.Equal(t, int64(20), lib.GlobalStats().Value(stats.ConstructionFailures))
}

func TestFrameCodecInitFailure(t *testing.T) {
	lib := newTestLibrary(t)

	codec := &mockCodecMethods{}
	codec.On("Init", mock.Anything, mock.Anything, mock.Anything).Return(errors.New("no framing"))
	codec.On("Destroy", mock.Anything, mock.Anything, mock.Anything).Return()
	channel := &mockChannelMethods{}

	f := lib.NewFactory(WithCodecMethods(codec), WithChannelMethods(channel))
	conn, err := f.NewConnection(false)
	assert.Nil(t, conn)
	assert.ErrorIs(t, err, drverrors.ErrSubsystemInit)
	assert.True(t, drverrors.IsConstructionFailure(err))

	codec.AssertNumberOfCalls(t, "Init", 1)
	codec.AssertNumberOfCalls(t, "Destroy", 1)
	channel.AssertNotCalled(t, "Init", mock.Anything, mock.Anything, mock.Anything)
	assert.Equal(t, 0, f.RequestContext().Live())
	assert.Equal(t, int64(0), lib.GlobalStats().Value(stats.ConnectionsCreated))
}

func TestIOChannelInitFailure(t *testing.T) {
	lib := newTestLibrary(t)

	channel := &mockChannelMethods{}
	channel.On("Init", mock.Anything, mock.Anything, mock.Anything).Return(errors.New("no transport"))
	channel.On("Destroy", mock.Anything, mock.Anything, mock.Anything).Return()

	f := lib.NewFactory(WithChannelMethods(channel))
	conn, err := f.NewConnection(true)
	assert.Nil(t, conn)
	assert.ErrorIs(t, err, drverrors.ErrSubsystemInit)
	channel.AssertExpectations(t)
	assert.Equal(t, 0, f.DurableContext().Live())
	assert.Equal(t, 0, f.DurableContext().LiveByKind()[memory.KindDecoderFactory])
}

func TestMissingMethodTables(t *testing.T) {
	tests := []struct {
		name string
		opt  FactoryOption
	}{
		{"codec", WithCodecMethods(nil)},
		{"channel", WithChannelMethods(nil)},
		{"decoder", WithDecoderMethods(nil)},
		{"command runner", WithCommandMethods(nil)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			lib := newTestLibrary(t)
			f := lib.NewFactory(tt.opt)

			for _, persistent := range []bool{false, true} {
				conn, err := f.NewConnection(persistent)
				assert.Nil(t, conn)
				assert.ErrorIs(t, err, drverrors.ErrSubsystemInit)
			}
			assert.Equal(t, 0, f.RequestContext().Live())
			assert.Equal(t, 0, f.DurableContext().Live())
		})
	}
}

func TestMissingMethodTablesRecordInitFailure(t *testing.T) {
	lib := newTestLibrary(t)
	f := lib.NewFactory(WithCodecMethods(nil), WithChannelMethods(nil))
	st := stats.Init(int(stats.Last), false)
	var ei errinfo.Info
	require.NoError(t, ei.Init(f.DurableContext()))
	defer ei.Free()

	codec, err := f.NewFrameCodec(false, st, &ei)
	assert.Nil(t, codec)
	assert.ErrorIs(t, err, drverrors.ErrSubsystemInit)
	assert.Equal(t, errinfo.CodeClientInit, ei.Code)

	ei.Reset()
	ch, err := f.NewIOChannel(false, st, &ei)
	assert.Nil(t, ch)
	assert.ErrorIs(t, err, drverrors.ErrSubsystemInit)
	assert.Equal(t, errinfo.CodeClientInit, ei.Code)
	assert.Equal(t, 0, f.RequestContext().Live())
}

func TestSubsystemConstructors(t *testing.T) {
	lib := newTestLibrary(t)
	mc := memory.NewMemoryContext(nil, 0, memory.WithFaultInjector(memory.FailKind(memory.KindFrameCodecData)))
	f := lib.NewFactory(WithRequestContext(mc))
	st := stats.Init(int(stats.Last), false)
	var ei errinfo.Info
	require.NoError(t, ei.Init(f.DurableContext()))
	defer ei.Free()

	_, err := f.NewFrameCodec(false, st, &ei)
	assert.ErrorIs(t, err, drverrors.ErrAllocation)
	assert.Equal(t, errinfo.CodeOutOfMemory, ei.Code)
	assert.Equal(t, 0, mc.Live(), "the handle that did allocate is released")

	mc.SetFaultInjector(memory.FailKind(memory.KindIOChannel))
	_, err = f.NewIOChannel(false, st, &ei)
	assert.ErrorIs(t, err, drverrors.ErrAllocation)
	assert.Equal(t, 0, mc.Live())

	mc.SetFaultInjector(nil)
	ch, err := f.NewIOChannel(false, st, &ei)
	require.NoError(t, err)
	assert.Equal(t, 2, mc.Live())
	ch.Dtor(st, &ei)
	assert.Equal(t, 0, mc.Live())

	_, err = f.NewPayloadDecoderFactory(nil, false)
	assert.ErrorIs(t, err, drverrors.ErrInvalidSource)
}

func TestCloneConnection(t *testing.T) {
	lib := newTestLibrary(t)
	f := lib.NewFactory()

	conn, err := f.NewConnection(false)
	require.NoError(t, err)
	clone, err := f.CloneConnection(conn)
	require.NoError(t, err)

	assert.NotSame(t, conn, clone)
	assert.Same(t, conn.Data(), clone.Data())
	assert.Equal(t, conn.ID(), clone.ID())
	assert.Equal(t, 2, conn.Data().RefCount())
	assert.Equal(t, conn.Persistent(), clone.Persistent())
	assert.Equal(t, int64(1), lib.GlobalStats().Value(stats.ConnectionsCloned))
	// one extra handle block, no second data block
	assert.Equal(t, 11, f.RequestContext().Live())
	assert.Equal(t, 1, f.RequestContext().LiveByKind()[memory.KindConnectionData])

	require.NoError(t, clone.Close())
	assert.Equal(t, 1, conn.Data().RefCount())
	assert.Equal(t, Ready, conn.Data().Lifecycle())

	data := conn.Data()
	require.NoError(t, conn.Close())
	assert.Equal(t, Destroyed, data.Lifecycle())
	assert.Equal(t, 0, f.RequestContext().Live())

	_, err = f.CloneConnection(conn)
	assert.ErrorIs(t, err, drverrors.ErrInvalidSource)
	_, err = f.CloneConnection(nil)
	assert.ErrorIs(t, err, drverrors.ErrInvalidSource)
	_, err = f.CloneConnection(&Conn{})
	assert.ErrorIs(t, err, drverrors.ErrInvalidSource)
}

func TestCloneAllocationFailure(t *testing.T) {
	lib := newTestLibrary(t)
	f := lib.NewFactory()
	conn, err := f.NewConnection(true)
	require.NoError(t, err)
	defer conn.Close()

	f.DurableContext().SetFaultInjector(memory.FailKind(memory.KindConnection))
	clone, err := f.CloneConnection(conn)
	assert.Nil(t, clone)
	assert.ErrorIs(t, err, drverrors.ErrAllocation)
	assert.Equal(t, 1, conn.Data().RefCount())
	assert.Equal(t, errinfo.CodeOutOfMemory, conn.Data().ErrorInfo().Code)
	f.DurableContext().SetFaultInjector(nil)
}

func TestReleaseMoreThanReferenced(t *testing.T) {
	lib := newTestLibrary(t)
	f := lib.NewFactory()
	conn, err := f.NewConnection(false)
	require.NoError(t, err)
	data := conn.Data()
	require.NoError(t, conn.Close())

	assert.ErrorIs(t, data.Release(), drverrors.ErrInvalidState)
	_, err = data.Reference()
	assert.ErrorIs(t, err, drverrors.ErrInvalidState)
	assert.Equal(t, 0, data.RefCount())
}

func TestEndRequest(t *testing.T) {
	lib := newTestLibrary(t)
	f := lib.NewFactory()

	durable, err := f.NewConnection(true)
	require.NoError(t, err)
	defer durable.Close()

	transient, err := f.NewConnection(false)
	require.NoError(t, err)
	_, err = f.NewStatement(transient)
	require.NoError(t, err)
	_, err = f.NewStatement(durable)
	require.NoError(t, err)
	assert.Equal(t, 2, durable.Data().RefCount())

	closed, err := f.NewStatement(durable)
	require.NoError(t, err)
	require.NoError(t, closed.Close())

	assert.Equal(t, 3, f.EndRequest())
	assert.Equal(t, 0, f.RequestContext().Live())
	assert.True(t, transient.Closed())
	assert.Equal(t, 1, durable.Data().RefCount())
	assert.Equal(t, Ready, durable.Data().Lifecycle())
	assert.Equal(t, 10, f.DurableContext().Live())

	assert.Equal(t, 0, f.EndRequest())
}
