package driver

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/guileen/pgnd/auth"
	"github.com/guileen/pgnd/config"
	drverrors "github.com/guileen/pgnd/errors"
	"github.com/guileen/pgnd/stats"
	"github.com/guileen/pgnd/trace"
)

type namedPlugin struct {
	name     string
	shutdown int
}

func (p *namedPlugin) Name() string    { return p.name }
func (p *namedPlugin) Version() string { return "0.1.0" }
func (p *namedPlugin) Shutdown() error {
	p.shutdown++
	return nil
}

func newTestLibrary(t *testing.T) *Library {
	t.Helper()
	lib := NewLibrary(config.DefaultDriverConfig())
	require.NoError(t, lib.Init())
	t.Cleanup(func() { assert.NoError(t, lib.End()) })
	return lib
}

func TestLibraryInitEnd(t *testing.T) {
	lib := NewLibrary(config.DefaultDriverConfig())
	assert.False(t, lib.Initialized())
	assert.Nil(t, lib.GlobalStats())
	assert.NoError(t, lib.End())

	require.NoError(t, lib.Init())
	require.NoError(t, lib.Init())
	assert.True(t, lib.Initialized())
	assert.Equal(t, uint64(1), lib.Generation())

	var names []string
	for _, p := range lib.Registry().Plugins() {
		names = append(names, p.Name())
	}
	assert.Equal(t, []string{CorePluginName, trace.Name, auth.CleartextName, auth.MD5Name}, names)
	assert.NotNil(t, lib.GlobalStats())
	assert.True(t, lib.GlobalStats().Persistent())
	assert.NotNil(t, lib.Tracer())
	assert.Equal(t, []string{CorePluginName}, lib.ReverseAPI().Names())

	extra := &namedPlugin{name: "extra"}
	id, err := lib.RegisterPlugin(extra)
	require.NoError(t, err)
	assert.Equal(t, 4, int(id))

	global := lib.GlobalStats()
	global.Inc(stats.ConnectionsCreated)

	require.NoError(t, lib.End())
	require.NoError(t, lib.End())
	assert.False(t, lib.Initialized())
	assert.Equal(t, 1, extra.shutdown)
	assert.Equal(t, 0, lib.Registry().Count())
	assert.False(t, lib.Registry().Sealed())
	assert.Equal(t, int64(0), global.Value(stats.ConnectionsCreated))
	assert.Empty(t, lib.ReverseAPI().Names())

	require.NoError(t, lib.Init())
	assert.Equal(t, uint64(2), lib.Generation())
	assert.Equal(t, 4, lib.Registry().Count())
	require.NoError(t, lib.End())
}

func TestRegisterPluginRules(t *testing.T) {
	lib := NewLibrary(config.DefaultDriverConfig())
	_, err := lib.RegisterPlugin(&namedPlugin{name: "early"})
	assert.ErrorIs(t, err, drverrors.ErrNotInitialized)

	require.NoError(t, lib.Init())
	defer lib.End()

	_, err = lib.RegisterPlugin(&namedPlugin{name: auth.MD5Name})
	assert.ErrorIs(t, err, drverrors.ErrDuplicatePlugin)

	f := lib.NewFactory()
	conn, err := f.NewConnection(true)
	require.NoError(t, err)
	defer conn.Close()

	_, err = lib.RegisterPlugin(&namedPlugin{name: "late"})
	assert.ErrorIs(t, err, drverrors.ErrRegistrySealed)
}

func TestDefaultLibrary(t *testing.T) {
	assert.Nil(t, Default())
	require.NoError(t, Init(config.DefaultDriverConfig()))
	first := Default()
	require.NoError(t, Init(config.DefaultDriverConfig()))
	assert.Same(t, first, Default())

	require.NoError(t, End())
	require.NoError(t, End())
	assert.Nil(t, Default())
}

func TestFactoryNeedsInitializedLibrary(t *testing.T) {
	lib := NewLibrary(config.DefaultDriverConfig())
	f := lib.NewFactory()

	_, err := f.NewConnection(false)
	assert.ErrorIs(t, err, drverrors.ErrNotInitialized)
	_, err = f.NewFrameCodec(false, nil, nil)
	assert.ErrorIs(t, err, drverrors.ErrNotInitialized)
	_, err = f.NewIOChannel(false, nil, nil)
	assert.ErrorIs(t, err, drverrors.ErrNotInitialized)
	assert.Equal(t, 0, f.RequestContext().Live())
}

type hostObject struct {
	conn *Conn
}

func (h *hostObject) Conn() *Conn { return h.conn }

func TestReverseAPI(t *testing.T) {
	lib := newTestLibrary(t)
	f := lib.NewFactory()
	conn, err := f.NewConnection(false)
	require.NoError(t, err)
	defer conn.Close()

	api := lib.ReverseAPI()
	got, err := api.Extract(CorePluginName, conn)
	require.NoError(t, err)
	assert.Same(t, conn, got)

	got, err = api.Extract(CorePluginName, &hostObject{conn: conn})
	require.NoError(t, err)
	assert.Same(t, conn, got)

	_, err = api.Extract(CorePluginName, "not a host")
	assert.ErrorIs(t, err, drverrors.ErrInvalidSource)
	_, err = api.Extract("pdo", conn)
	assert.ErrorIs(t, err, drverrors.ErrInvalidOperation)

	require.NoError(t, api.Register("pdo", func(host any) (*Conn, bool) {
		if h, ok := host.(*hostObject); ok {
			return h.conn, true
		}
		return nil, false
	}))
	assert.ErrorIs(t, api.Register("pdo", nil), drverrors.ErrDuplicatePlugin)
	assert.Equal(t, []string{"pdo", CorePluginName}, api.Names())
}
