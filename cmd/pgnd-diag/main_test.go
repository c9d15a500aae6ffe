package main

import (
	"net"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/guileen/pgnd/driver"
)

func TestRunTearsDownWhenServerFails(t *testing.T) {
	busy, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer busy.Close()

	path := filepath.Join(t.TempDir(), "pgnd.yaml")
	require.NoError(t, os.WriteFile(path, []byte("diag_addr: "+busy.Addr().String()+"\n"), 0o600))

	err = run(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), busy.Addr().String())
	assert.Nil(t, driver.Default(), "the library is ended before run returns")
}

func TestRunRejectsMissingConfig(t *testing.T) {
	err := run(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
	assert.Nil(t, driver.Default())
}
