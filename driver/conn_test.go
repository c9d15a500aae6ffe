package driver

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/guileen/pgnd/command"
	"github.com/guileen/pgnd/connstate"
	drverrors "github.com/guileen/pgnd/errors"
	"github.com/guileen/pgnd/internal/pgtest"
	"github.com/guileen/pgnd/stats"
	"github.com/guileen/pgnd/vio"
)

func newPipeFactory(lib *Library, server *pgtest.Server) *Factory {
	return lib.NewFactory(WithChannelMethods(&vio.NetMethods{
		Dialer:      vio.DialerFunc(server.Dial),
		ReadTimeout: 5 * time.Second,
	}))
}

func TestConnectionRoundTrip(t *testing.T) {
	lib := newTestLibrary(t)
	server := pgtest.NewServer()
	server.Password = "hunter2"
	f := newPipeFactory(lib, server)
	ctx := context.Background()

	conn, err := f.NewConnection(true)
	require.NoError(t, err)
	err = conn.Connect(ctx, "tcp", "db:5432", command.StartupParams{User: "app", Password: "hunter2", Database: "orders"})
	require.NoError(t, err)
	assert.Equal(t, connstate.Ready, conn.Data().State().Get())
	assert.Equal(t, int64(1), lib.GlobalStats().Value(stats.ConnectSuccess))

	require.NoError(t, conn.Ping(ctx))

	res, err := conn.Query(ctx, "INSERT INTO orders VALUES (1), (2)")
	require.NoError(t, err)
	assert.Equal(t, uint64(2), res.AffectedRows)
	assert.False(t, conn.Data().UpsertStatus().AffectedRowsIsError())

	clone, err := f.CloneConnection(conn)
	require.NoError(t, err)
	res, err = clone.Query(ctx, "SELECT 1")
	require.NoError(t, err)
	assert.Equal(t, "SELECT 1", res.CommandTag)
	assert.Equal(t, "SELECT 1", conn.Data().UpsertStatus().CommandTag, "clones share the status record")

	stmt, err := f.NewStatement(clone)
	require.NoError(t, err)

	require.NoError(t, conn.Close())
	require.NoError(t, clone.Close())
	assert.Equal(t, 0, server.Terminated(), "the statement still references the connection")

	_, err = conn.Query(ctx, "SELECT 1")
	assert.ErrorIs(t, err, drverrors.ErrInvalidState)

	require.NoError(t, stmt.Close())
	require.NoError(t, server.Wait())
	assert.Equal(t, 1, server.Terminated())
	assert.Equal(t, 0, f.DurableContext().Live())
	assert.Equal(t, 0, f.RequestContext().Live())

	startup := server.Startups()[0]
	assert.Equal(t, "app", startup["user"])
	assert.Equal(t, "orders", startup["database"])
	assert.Positive(t, lib.GlobalStats().Value(stats.BytesSent))
	assert.Positive(t, lib.GlobalStats().Value(stats.PacketsReceived))
}

func TestConnectFallsBackToOptions(t *testing.T) {
	lib := newTestLibrary(t)
	server := pgtest.NewServer()
	f := newPipeFactory(lib, server)

	conn, err := f.NewConnection(false)
	require.NoError(t, err)
	conn.Data().Options().User = "svc"
	conn.Data().Options().Database = "main"
	require.NoError(t, conn.Connect(context.Background(), "tcp", "db:5432", command.StartupParams{}))
	require.NoError(t, conn.Close())
	require.NoError(t, server.Wait())

	startup := server.Startups()[0]
	assert.Equal(t, "svc", startup["user"])
	assert.Equal(t, "main", startup["database"])
}

func TestServerErrorIsRecorded(t *testing.T) {
	lib := newTestLibrary(t)
	server := pgtest.NewServer()
	f := newPipeFactory(lib, server)

	conn, err := f.NewConnection(false)
	require.NoError(t, err)
	require.NoError(t, conn.Connect(context.Background(), "tcp", "db:5432", command.StartupParams{User: "app"}))

	_, err = conn.Query(context.Background(), "FAIL now")
	assert.ErrorIs(t, err, drverrors.ErrServer)
	ei := conn.Data().ErrorInfo()
	assert.Equal(t, "42601", ei.SQLState)
	assert.True(t, conn.Data().UpsertStatus().AffectedRowsIsError())

	assert.Equal(t, 1, f.EndRequest())
	assert.True(t, conn.Closed())
	require.NoError(t, server.Wait())
	assert.Equal(t, 1, server.Terminated())
}

func TestConnectWrongPasswordLeavesConnectionUsable(t *testing.T) {
	lib := newTestLibrary(t)
	server := pgtest.NewServer()
	server.Password = "right"
	f := newPipeFactory(lib, server)

	conn, err := f.NewConnection(false)
	require.NoError(t, err)
	defer conn.Close()

	err = conn.Connect(context.Background(), "tcp", "db:5432", command.StartupParams{User: "app", Password: "wrong"})
	assert.ErrorIs(t, err, drverrors.ErrAuth)
	assert.False(t, conn.Data().Channel().Connected())
	assert.Equal(t, connstate.Allocated, conn.Data().State().Get())

	err = conn.Connect(context.Background(), "tcp", "db:5432", command.StartupParams{User: "app", Password: "right"})
	require.NoError(t, err)
	require.NoError(t, conn.Ping(context.Background()))
}

func TestCloseAfterTransportDropped(t *testing.T) {
	lib := newTestLibrary(t)
	server := pgtest.NewServer()
	f := newPipeFactory(lib, server)
	ctx := context.Background()

	conn, err := f.NewConnection(false)
	require.NoError(t, err)
	require.NoError(t, conn.Connect(ctx, "tcp", "db:5432", command.StartupParams{User: "app"}))

	_, err = conn.Query(ctx, "HANGUP")
	require.Error(t, err)
	assert.Equal(t, connstate.QuitSent, conn.Data().State().Get())

	assert.ErrorIs(t, conn.Ping(ctx), drverrors.ErrIO)
	require.NoError(t, conn.Close())
	require.NoError(t, server.Wait())
	assert.Equal(t, 0, server.Terminated())
	assert.Equal(t, 0, f.RequestContext().Live())
}
