package auth

import (
	"testing"

	"github.com/jackc/pgx/v5/pgproto3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	drverrors "github.com/guileen/pgnd/errors"
	"github.com/guileen/pgnd/plugin"
)

func TestMD5Password(t *testing.T) {
	got := MD5Password("alice", "secret", [4]byte{0x01, 0x02, 0x03, 0x04})
	assert.Len(t, got, 35)
	assert.Equal(t, "md5", got[:3])
	assert.Equal(t, got, MD5Password("alice", "secret", [4]byte{0x01, 0x02, 0x03, 0x04}))
	assert.NotEqual(t, got, MD5Password("alice", "secret", [4]byte{0x04, 0x03, 0x02, 0x01}))
	assert.NotEqual(t, got, MD5Password("bob", "secret", [4]byte{0x01, 0x02, 0x03, 0x04}))
}

func TestFindAndRespond(t *testing.T) {
	r := plugin.NewRegistry()
	require.NoError(t, RegisterBuiltins(r))
	assert.Equal(t, 2, r.Count())

	creds := Credentials{User: "alice", Password: "secret"}

	m, ok := Find(r, &pgproto3.AuthenticationCleartextPassword{})
	require.True(t, ok)
	assert.Equal(t, CleartextName, m.Name())
	resp, err := m.Respond(&pgproto3.AuthenticationCleartextPassword{}, creds)
	require.NoError(t, err)
	assert.Equal(t, &pgproto3.PasswordMessage{Password: "secret"}, resp)

	req := &pgproto3.AuthenticationMD5Password{Salt: [4]byte{9, 9, 9, 9}}
	m, ok = Find(r, req)
	require.True(t, ok)
	assert.Equal(t, MD5Name, m.Name())
	resp, err = m.Respond(req, creds)
	require.NoError(t, err)
	assert.Equal(t, MD5Password("alice", "secret", req.Salt), resp.(*pgproto3.PasswordMessage).Password)

	_, ok = Find(r, &pgproto3.AuthenticationSASL{})
	assert.False(t, ok)

	_, err = MD5{}.Respond(&pgproto3.AuthenticationOk{}, creds)
	assert.ErrorIs(t, err, drverrors.ErrAuth)
}

func TestRegisterBuiltinsTwice(t *testing.T) {
	r := plugin.NewRegistry()
	require.NoError(t, RegisterBuiltins(r))
	assert.ErrorIs(t, RegisterBuiltins(r), drverrors.ErrDuplicatePlugin)
}
