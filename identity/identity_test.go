package identity

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeMachineID(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "machine-id")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestConfiguredIDWins(t *testing.T) {
	p := Provider{MachineIDPath: writeMachineID(t, "abc\n")}
	id, err := p.NodeID("  node-1 ")
	require.NoError(t, err)
	assert.Equal(t, "node-1", id)
}

func TestMachineIDIsHashed(t *testing.T) {
	p := Provider{MachineIDPath: writeMachineID(t, "0123456789abcdef\n")}
	id, err := p.NodeID("")
	require.NoError(t, err)
	assert.Len(t, id, 64)
	assert.NotContains(t, id, "0123456789abcdef")

	again, err := p.NodeID("")
	require.NoError(t, err)
	assert.Equal(t, id, again)

	other, err := Provider{MachineIDPath: writeMachineID(t, "fedcba9876543210")}.NodeID("")
	require.NoError(t, err)
	assert.NotEqual(t, id, other)
}

func TestFallsBackToHostname(t *testing.T) {
	p := Provider{
		MachineIDPath: filepath.Join(t.TempDir(), "missing"),
		Hostname:      func() (string, error) { return "host-a", nil },
	}
	id, err := p.NodeID("")
	require.NoError(t, err)
	assert.Equal(t, digest("host-a"), id)

	empty := Provider{
		MachineIDPath: writeMachineID(t, "\n"),
		Hostname:      func() (string, error) { return "host-a", nil },
	}
	id2, err := empty.NodeID("")
	require.NoError(t, err)
	assert.Equal(t, id, id2)
}

func TestNoIdentity(t *testing.T) {
	p := Provider{
		MachineIDPath: filepath.Join(t.TempDir(), "missing"),
		Hostname:      func() (string, error) { return "", errors.New("boom") },
	}
	_, err := p.NodeID("")
	assert.ErrorIs(t, err, ErrNoIdentity)
}
