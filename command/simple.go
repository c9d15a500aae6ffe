package command

import (
	"context"
	"net"
	"time"

	"github.com/jackc/pgx/v5/pgproto3"

	"github.com/guileen/pgnd/auth"
	"github.com/guileen/pgnd/connstate"
	"github.com/guileen/pgnd/errinfo"
	drverrors "github.com/guileen/pgnd/errors"
	"github.com/guileen/pgnd/logger"
	"github.com/guileen/pgnd/plugin"
	"github.com/guileen/pgnd/stats"
)

// SimpleMethods speaks the simple-query protocol. Authentication requests
// are answered by the auth mechanisms registered in Plugins.
type SimpleMethods struct {
	Plugins *plugin.Registry
}

func (m *SimpleMethods) Connect(ctx context.Context, t Target, network, address string, p StartupParams) (err error) {
	const op = "command.Connect"
	if st := t.State().Get(); st != connstate.Allocated {
		return drverrors.NewInvalidStateError(op, "connection is %s", st)
	}

	ch := t.Channel()
	if err := ch.Connect(ctx, network, address); err != nil {
		return err
	}
	defer func() {
		if err != nil {
			t.Stats().Inc(stats.ConnectFailure)
			if cerr := ch.Close(); cerr != nil {
				logger.Debug("closing channel after failed startup", logger.ErrorField(cerr))
			}
		}
	}()
	defer withDeadline(ctx, t)()

	if err := send(t, &pgproto3.StartupMessage{
		ProtocolVersion: pgproto3.ProtocolVersionNumber,
		Parameters:      startupParameters(p),
	}); err != nil {
		return err
	}

	creds := auth.Credentials{User: p.User, Password: p.Password}
	for {
		msg, err := receive(ctx, t)
		if err != nil {
			return err
		}
		switch msg := msg.(type) {
		case *pgproto3.AuthenticationOk:
		case *pgproto3.AuthenticationCleartextPassword, *pgproto3.AuthenticationMD5Password,
			*pgproto3.AuthenticationSASL, *pgproto3.AuthenticationSASLContinue, *pgproto3.AuthenticationSASLFinal:
			if err := m.authenticate(t, msg, creds); err != nil {
				return err
			}
		case *pgproto3.ErrorResponse:
			aerr := t.Decoder().Apply(msg)
			if msg.Code == "28P01" || msg.Code == "28000" {
				return drverrors.Wrap(aerr, drverrors.ErrCodeAuth, op)
			}
			return aerr
		case *pgproto3.ReadyForQuery:
			if err := t.Decoder().Apply(msg); err != nil {
				return err
			}
			t.State().Set(connstate.Ready)
			t.Stats().Inc(stats.ConnectSuccess)
			return nil
		default:
			if err := t.Decoder().Apply(msg); err != nil {
				return err
			}
		}
	}
}

func (m *SimpleMethods) authenticate(t Target, req pgproto3.BackendMessage, creds auth.Credentials) error {
	var mech auth.Mechanism
	ok := false
	if m.Plugins != nil {
		mech, ok = auth.Find(m.Plugins, req)
	}
	if !ok {
		t.ErrorInfo().Set(errinfo.CodeAuthPlugin, "28000", "unsupported authentication method")
		return drverrors.Errorf(drverrors.ErrCodeAuth, "no authentication plugin handles %T", req)
	}
	resp, err := mech.Respond(req, creds)
	if err != nil {
		return err
	}
	return send(t, resp)
}

func (m *SimpleMethods) Query(ctx context.Context, t Target, sql string) (*Result, error) {
	const op = "command.Query"
	state := t.State()
	if err := begin(op, t); err != nil {
		return nil, err
	}
	defer withDeadline(ctx, t)()

	t.ErrorInfo().Reset()
	status := t.UpsertStatus()
	status.SetAffectedRowsToError()
	status.WarningCount = 0

	if err := send(t, &pgproto3.Query{String: sql}); err != nil {
		return nil, drop(t, err)
	}
	state.Set(connstate.FetchingData)

	res := &Result{}
	var firstErr error
	for {
		msg, err := receive(ctx, t)
		if err != nil {
			return nil, drop(t, err)
		}
		if err := t.Decoder().Apply(msg); err != nil && firstErr == nil {
			firstErr = err
		}
		switch msg := msg.(type) {
		case *pgproto3.RowDescription:
			res.Fields = msg.Fields
		case *pgproto3.DataRow:
			res.Rows = append(res.Rows, msg.Values)
		case *pgproto3.CommandComplete:
			res.CommandTag = status.CommandTag
			res.AffectedRows = status.AffectedRows
		case *pgproto3.ReadyForQuery:
			state.Set(connstate.Ready)
			if firstErr != nil {
				return nil, firstErr
			}
			return res, nil
		}
	}
}

func (m *SimpleMethods) Ping(ctx context.Context, t Target) error {
	const op = "command.Ping"
	if err := begin(op, t); err != nil {
		return err
	}
	defer withDeadline(ctx, t)()

	if err := send(t, &pgproto3.Sync{}); err != nil {
		return drop(t, err)
	}
	var firstErr error
	for {
		msg, err := receive(ctx, t)
		if err != nil {
			return drop(t, err)
		}
		if err := t.Decoder().Apply(msg); err != nil && firstErr == nil {
			firstErr = err
		}
		if _, ok := msg.(*pgproto3.ReadyForQuery); ok {
			t.State().Set(connstate.Ready)
			return firstErr
		}
	}
}

// begin moves a ready connection to QuerySent. A connection whose transport
// was dropped reports the closed transport.
func begin(op string, t Target) error {
	state := t.State()
	if state.Transition(connstate.Ready, connstate.QuerySent) {
		return nil
	}
	if st := state.Get(); st != connstate.QuitSent {
		return drverrors.NewInvalidStateError(op, "connection is %s", st)
	}
	return drverrors.NewIOError(op, net.ErrClosed)
}

// drop closes a transport that failed mid-exchange and marks the
// connection QuitSent, so later commands and teardown leave the stream alone.
func drop(t Target, err error) error {
	t.State().Set(connstate.QuitSent)
	if cerr := t.Channel().Close(); cerr != nil {
		logger.Debug("closing broken transport", logger.ErrorField(cerr))
	}
	return err
}

func (m *SimpleMethods) Quit(ctx context.Context, t Target) error {
	ch := t.Channel()
	if !ch.Connected() || t.State().Get() == connstate.QuitSent {
		return nil
	}
	var sendErr error
	if t.State().Get() != connstate.Allocated {
		sendErr = send(t, &pgproto3.Terminate{})
	}
	t.State().Set(connstate.QuitSent)
	if err := ch.Close(); err != nil && sendErr == nil {
		return drverrors.NewIOError("command.Quit", err)
	}
	return sendErr
}

func startupParameters(p StartupParams) map[string]string {
	params := make(map[string]string, len(p.Options)+3)
	for k, v := range p.Options {
		params[k] = v
	}
	params["user"] = p.User
	if p.Database != "" {
		params["database"] = p.Database
	}
	if p.ApplicationName != "" {
		params["application_name"] = p.ApplicationName
	}
	return params
}

func send(t Target, msg pgproto3.FrontendMessage) error {
	return t.Codec().Send(t.Channel(), msg)
}

func receive(ctx context.Context, t Target) (pgproto3.BackendMessage, error) {
	if err := ctx.Err(); err != nil {
		return nil, drverrors.NewIOError("command.receive", err)
	}
	frame, err := t.Codec().Receive(t.Channel())
	if err != nil {
		return nil, err
	}
	return t.Decoder().Decode(frame)
}

// withDeadline applies ctx's deadline to the channel until the returned
// func runs
func withDeadline(ctx context.Context, t Target) func() {
	deadline, ok := ctx.Deadline()
	if !ok {
		return func() {}
	}
	ch := t.Channel()
	if err := ch.SetDeadline(deadline); err != nil {
		return func() {}
	}
	return func() { _ = ch.SetDeadline(time.Time{}) }
}
