package decoder

import (
	"encoding/binary"
	"strconv"
	"strings"

	"github.com/jackc/pgx/v5/pgproto3"

	"github.com/guileen/pgnd/errinfo"
	drverrors "github.com/guileen/pgnd/errors"
	"github.com/guileen/pgnd/pfc"
	"github.com/guileen/pgnd/stats"
)

// authentication request subtypes carried in 'R' frames
const (
	authOk                = 0
	authCleartextPassword = 3
	authMD5Password       = 5
	authSASL              = 10
	authSASLContinue      = 11
	authSASLFinal         = 12
)

// WireMethods decodes PostgreSQL v3 backend messages
type WireMethods struct{}

func (WireMethods) Decode(f *Factory, frame pfc.Frame) (pgproto3.BackendMessage, error) {
	msg, err := newBackendMessage(frame)
	if err != nil {
		f.conn.Stats().Inc(stats.ProtocolErrors)
		return nil, err
	}
	if err := msg.Decode(frame.Payload); err != nil {
		f.conn.Stats().Inc(stats.ProtocolErrors)
		return nil, drverrors.Wrapf(err, drverrors.ErrCodeProtocol, "decoder.Decode", "decoding %T", msg)
	}
	return msg, nil
}

func newBackendMessage(frame pfc.Frame) (pgproto3.BackendMessage, error) {
	switch frame.Type {
	case 'R':
		if len(frame.Payload) < 4 {
			return nil, drverrors.NewProtocolError("decoder.Decode", "short authentication frame")
		}
		switch binary.BigEndian.Uint32(frame.Payload) {
		case authOk:
			return &pgproto3.AuthenticationOk{}, nil
		case authCleartextPassword:
			return &pgproto3.AuthenticationCleartextPassword{}, nil
		case authMD5Password:
			return &pgproto3.AuthenticationMD5Password{}, nil
		case authSASL:
			return &pgproto3.AuthenticationSASL{}, nil
		case authSASLContinue:
			return &pgproto3.AuthenticationSASLContinue{}, nil
		case authSASLFinal:
			return &pgproto3.AuthenticationSASLFinal{}, nil
		}
		return nil, drverrors.NewProtocolError("decoder.Decode",
			"unsupported authentication request %d", binary.BigEndian.Uint32(frame.Payload))
	case 'S':
		return &pgproto3.ParameterStatus{}, nil
	case 'K':
		return &pgproto3.BackendKeyData{}, nil
	case 'Z':
		return &pgproto3.ReadyForQuery{}, nil
	case 'C':
		return &pgproto3.CommandComplete{}, nil
	case 'T':
		return &pgproto3.RowDescription{}, nil
	case 'D':
		return &pgproto3.DataRow{}, nil
	case 'E':
		return &pgproto3.ErrorResponse{}, nil
	case 'N':
		return &pgproto3.NoticeResponse{}, nil
	case 'I':
		return &pgproto3.EmptyQueryResponse{}, nil
	case '1':
		return &pgproto3.ParseComplete{}, nil
	case '2':
		return &pgproto3.BindComplete{}, nil
	case '3':
		return &pgproto3.CloseComplete{}, nil
	case 'n':
		return &pgproto3.NoData{}, nil
	case 't':
		return &pgproto3.ParameterDescription{}, nil
	case 's':
		return &pgproto3.PortalSuspended{}, nil
	}
	return nil, drverrors.NewProtocolError("decoder.Decode", "unknown message type %q", frame.Type)
}

func (WireMethods) Apply(f *Factory, msg pgproto3.BackendMessage) error {
	conn := f.conn
	switch m := msg.(type) {
	case *pgproto3.CommandComplete:
		status := conn.UpsertStatus()
		status.CommandTag = string(m.CommandTag)
		status.AffectedRows, status.LastInsertID = parseCommandTag(status.CommandTag)
	case *pgproto3.ErrorResponse:
		conn.ErrorInfo().Set(errinfo.CodeServerError, m.Code, m.Message)
		return drverrors.Wrap(&ServerError{
			Severity: m.Severity,
			Code:     m.Code,
			Message:  m.Message,
			Detail:   m.Detail,
			Hint:     m.Hint,
		}, drverrors.ErrCodeServer, "decoder.Apply")
	case *pgproto3.NoticeResponse:
		conn.UpsertStatus().WarningCount++
	case *pgproto3.ReadyForQuery:
		f.txStatus = m.TxStatus
		conn.UpsertStatus().ServerStatus = m.TxStatus
	case *pgproto3.ParameterStatus:
		f.params[m.Name] = m.Value
	case *pgproto3.DataRow:
		conn.Stats().Inc(stats.RowsFetched)
	}
	return nil
}

// parseCommandTag extracts the row count (and the oid for INSERT) from a
// CommandComplete tag. Tags without a count report zero rows.
func parseCommandTag(tag string) (rows, oid uint64) {
	fields := strings.Fields(tag)
	if len(fields) < 2 {
		return 0, 0
	}
	n, err := strconv.ParseUint(fields[len(fields)-1], 10, 64)
	if err != nil {
		return 0, 0
	}
	if fields[0] == "INSERT" && len(fields) == 3 {
		oid, _ = strconv.ParseUint(fields[1], 10, 64)
	}
	return n, oid
}
