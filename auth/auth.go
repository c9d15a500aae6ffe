// Package auth provides the built-in authentication mechanisms. Each one is
// a plugin registered at library init; the command runner picks the one
// that handles the server's authentication request.
package auth

import (
	"crypto/md5"
	"encoding/hex"

	"github.com/jackc/pgx/v5/pgproto3"

	drverrors "github.com/guileen/pgnd/errors"
	"github.com/guileen/pgnd/plugin"
)

const (
	CleartextName = "cleartext_password"
	MD5Name       = "md5_password"

	builtinVersion = "1.0.0"
)

// Credentials are what a mechanism may use to answer a request
type Credentials struct {
	User     string
	Password string
}

// Mechanism answers one kind of authentication request
type Mechanism interface {
	plugin.Plugin
	Handles(req pgproto3.BackendMessage) bool
	Respond(req pgproto3.BackendMessage, creds Credentials) (pgproto3.FrontendMessage, error)
}

// Cleartext answers AuthenticationCleartextPassword
type Cleartext struct{}

func (Cleartext) Name() string    { return CleartextName }
func (Cleartext) Version() string { return builtinVersion }

func (Cleartext) Handles(req pgproto3.BackendMessage) bool {
	_, ok := req.(*pgproto3.AuthenticationCleartextPassword)
	return ok
}

func (Cleartext) Respond(req pgproto3.BackendMessage, creds Credentials) (pgproto3.FrontendMessage, error) {
	return &pgproto3.PasswordMessage{Password: creds.Password}, nil
}

// MD5 answers AuthenticationMD5Password
type MD5 struct{}

func (MD5) Name() string    { return MD5Name }
func (MD5) Version() string { return builtinVersion }

func (MD5) Handles(req pgproto3.BackendMessage) bool {
	_, ok := req.(*pgproto3.AuthenticationMD5Password)
	return ok
}

func (MD5) Respond(req pgproto3.BackendMessage, creds Credentials) (pgproto3.FrontendMessage, error) {
	m, ok := req.(*pgproto3.AuthenticationMD5Password)
	if !ok {
		return nil, drverrors.Errorf(drverrors.ErrCodeAuth, "md5 mechanism cannot answer %T", req)
	}
	return &pgproto3.PasswordMessage{Password: MD5Password(creds.User, creds.Password, m.Salt)}, nil
}

// MD5Password computes "md5" + md5hex(md5hex(password + user) + salt)
func MD5Password(user, password string, salt [4]byte) string {
	inner := md5.Sum([]byte(password + user))
	h := md5.New()
	h.Write([]byte(hex.EncodeToString(inner[:])))
	h.Write(salt[:])
	return "md5" + hex.EncodeToString(h.Sum(nil))
}

// RegisterBuiltins registers every built-in mechanism with r
func RegisterBuiltins(r *plugin.Registry) error {
	for _, m := range []Mechanism{Cleartext{}, MD5{}} {
		if _, err := r.Register(m); err != nil {
			return err
		}
	}
	return nil
}

// Find returns the first registered mechanism that handles req
func Find(r *plugin.Registry, req pgproto3.BackendMessage) (Mechanism, bool) {
	var found Mechanism
	plugin.Each(r, func(_ plugin.ID, m Mechanism) {
		if found == nil && m.Handles(req) {
			found = m
		}
	})
	return found, found != nil
}
