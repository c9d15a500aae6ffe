// Package pgtest runs an in-process PostgreSQL backend over net.Pipe so the
// driver's wire path can be exercised without a database.
package pgtest

import (
	"context"
	"errors"
	"io"
	"net"
	"strings"
	"sync"

	"github.com/jackc/pgx/v5/pgproto3"

	"github.com/guileen/pgnd/auth"
)

// Server answers a small fixed dialect:
//
//	SELECT ...  one int4 column "?column?" with one row "1"
//	INSERT ...  INSERT 0 2
//	FAIL ...    ErrorResponse 42601
//	NOTICE ...  NoticeResponse then the command tag NOTICE
//	HANGUP ...  RowDescription, then the server closes the transport
//	anything    the upper-cased first word as the command tag
type Server struct {
	// Password, when set, makes the server demand MD5 authentication
	Password string
	// Cleartext asks for a cleartext password instead of MD5
	Cleartext bool
	Salt      [4]byte

	mu         sync.Mutex
	wg         sync.WaitGroup
	errs       []error
	startups   []map[string]string
	queries    []string
	terminated int
}

// NewServer returns a server that accepts any user without a password
func NewServer() *Server {
	return &Server{Salt: [4]byte{0x5a, 0x17, 0x02, 0x9c}}
}

// Dial starts a session and returns the client end of its pipe
func (s *Server) Dial(ctx context.Context, network, address string) (net.Conn, error) {
	client, server := net.Pipe()
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer server.Close()
		if err := s.session(server); err != nil && !closedErr(err) {
			s.mu.Lock()
			s.errs = append(s.errs, err)
			s.mu.Unlock()
		}
	}()
	return client, nil
}

// Wait blocks until every session ended and returns their errors
func (s *Server) Wait() error {
	s.wg.Wait()
	s.mu.Lock()
	defer s.mu.Unlock()
	return errors.Join(s.errs...)
}

// Startups returns the startup parameters of every session
func (s *Server) Startups() []map[string]string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]map[string]string(nil), s.startups...)
}

// Queries returns every query received, in order
func (s *Server) Queries() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.queries...)
}

// Terminated counts sessions the client ended with Terminate
func (s *Server) Terminated() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.terminated
}

func (s *Server) session(conn net.Conn) error {
	backend := pgproto3.NewBackend(conn, conn)

	startup, err := backend.ReceiveStartupMessage()
	if err != nil {
		return err
	}
	sm, ok := startup.(*pgproto3.StartupMessage)
	if !ok {
		return errors.New("pgtest: unexpected startup message")
	}
	s.mu.Lock()
	s.startups = append(s.startups, sm.Parameters)
	s.mu.Unlock()

	if s.Password != "" {
		ok, err := s.authenticate(backend, sm.Parameters["user"])
		if err != nil || !ok {
			return err
		}
	}

	backend.Send(&pgproto3.AuthenticationOk{})
	backend.Send(&pgproto3.ParameterStatus{Name: "server_version", Value: "16.0"})
	backend.Send(&pgproto3.BackendKeyData{ProcessID: 4242, SecretKey: 99})
	backend.Send(&pgproto3.ReadyForQuery{TxStatus: 'I'})
	if err := backend.Flush(); err != nil {
		return err
	}

	for {
		msg, err := backend.Receive()
		if err != nil {
			return err
		}
		switch msg := msg.(type) {
		case *pgproto3.Query:
			s.mu.Lock()
			s.queries = append(s.queries, msg.String)
			s.mu.Unlock()
			if strings.HasPrefix(strings.ToUpper(msg.String), "HANGUP") {
				backend.Send(&pgproto3.RowDescription{Fields: []pgproto3.FieldDescription{{
					Name:         []byte("gone"),
					DataTypeOID:  25,
					DataTypeSize: -1,
					TypeModifier: -1,
				}}})
				return backend.Flush()
			}
			answer(backend, msg.String)
		case *pgproto3.Sync:
			backend.Send(&pgproto3.ReadyForQuery{TxStatus: 'I'})
		case *pgproto3.Terminate:
			s.mu.Lock()
			s.terminated++
			s.mu.Unlock()
			return nil
		default:
			backend.Send(&pgproto3.ErrorResponse{Severity: "ERROR", Code: "0A000", Message: "unsupported message"})
			backend.Send(&pgproto3.ReadyForQuery{TxStatus: 'I'})
		}
		if err := backend.Flush(); err != nil {
			return err
		}
	}
}

func (s *Server) authenticate(backend *pgproto3.Backend, user string) (bool, error) {
	want := auth.MD5Password(user, s.Password, s.Salt)
	authType := uint32(pgproto3.AuthTypeMD5Password)
	if s.Cleartext {
		want = s.Password
		authType = pgproto3.AuthTypeCleartextPassword
		backend.Send(&pgproto3.AuthenticationCleartextPassword{})
	} else {
		backend.Send(&pgproto3.AuthenticationMD5Password{Salt: s.Salt})
	}
	if err := backend.SetAuthType(authType); err != nil {
		return false, err
	}
	if err := backend.Flush(); err != nil {
		return false, err
	}

	msg, err := backend.Receive()
	if err != nil {
		return false, err
	}
	pw, ok := msg.(*pgproto3.PasswordMessage)
	if ok && pw.Password == want {
		return true, nil
	}
	backend.Send(&pgproto3.ErrorResponse{
		Severity: "FATAL",
		Code:     "28P01",
		Message:  "password authentication failed for user " + user,
	})
	return false, backend.Flush()
}

func answer(backend *pgproto3.Backend, sql string) {
	word := strings.ToUpper(strings.Fields(sql + " x")[0])
	switch word {
	case "SELECT":
		backend.Send(&pgproto3.RowDescription{Fields: []pgproto3.FieldDescription{{
			Name:         []byte("?column?"),
			DataTypeOID:  23,
			DataTypeSize: 4,
			TypeModifier: -1,
		}}})
		backend.Send(&pgproto3.DataRow{Values: [][]byte{[]byte("1")}})
		backend.Send(&pgproto3.CommandComplete{CommandTag: []byte("SELECT 1")})
	case "INSERT":
		backend.Send(&pgproto3.CommandComplete{CommandTag: []byte("INSERT 0 2")})
	case "FAIL":
		backend.Send(&pgproto3.ErrorResponse{Severity: "ERROR", Code: "42601", Message: "syntax error at or near \"FAIL\""})
	case "NOTICE":
		backend.Send(&pgproto3.NoticeResponse{Severity: "NOTICE", Code: "00000", Message: "just so you know"})
		backend.Send(&pgproto3.CommandComplete{CommandTag: []byte("NOTICE")})
	default:
		backend.Send(&pgproto3.CommandComplete{CommandTag: []byte(word)})
	}
	backend.Send(&pgproto3.ReadyForQuery{TxStatus: 'I'})
}

func closedErr(err error) bool {
	return errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.ErrClosedPipe)
}
