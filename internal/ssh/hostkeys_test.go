package ssh

import (
	"net"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/ssh"
)

func hostKey(t *testing.T) ssh.PublicKey {
	t.Helper()
	pair, err := NewED25519KeyPair()
	require.NoError(t, err)
	pub, err := pair.Public.ToSSH()
	require.NoError(t, err)
	return pub
}

func TestHostKeyCallback(t *testing.T) {
	const hostname = "203.0.113.10:22"
	remote := &net.TCPAddr{IP: net.ParseIP("203.0.113.10"), Port: 22}

	t.Run("insecure-accepts-anything", func(t *testing.T) {
		cb, err := HostKeyCallback(HostKeyInsecure, "")
		require.NoError(t, err)
		assert.NoError(t, cb(hostname, remote, hostKey(t)))
	})

	t.Run("accept-new-records-then-pins", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "ssh", "known_hosts")
		cb, err := HostKeyCallback(HostKeyAcceptNew, path)
		require.NoError(t, err)

		first := hostKey(t)
		require.NoError(t, cb(hostname, remote, first))
		data, err := os.ReadFile(path)
		require.NoError(t, err)
		assert.True(t, strings.HasPrefix(string(data), "203.0.113.10 ssh-ed25519 "), string(data))

		// Same key again is accepted without a second line.
		require.NoError(t, cb(hostname, remote, first))
		data, err = os.ReadFile(path)
		require.NoError(t, err)
		assert.Equal(t, 1, strings.Count(string(data), "\n"))

		// A changed key is refused.
		err = cb(hostname, remote, hostKey(t))
		require.ErrorIs(t, err, ErrHostKeyMismatch)

		info, err := os.Stat(path)
		require.NoError(t, err)
		assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())
	})

	t.Run("accept-new-bare-filename", func(t *testing.T) {
		dir := t.TempDir()
		t.Chdir(dir)
		cb, err := HostKeyCallback(HostKeyAcceptNew, "known_hosts")
		require.NoError(t, err)
		require.NoError(t, cb(hostname, remote, hostKey(t)))

		entries, err := os.ReadDir(dir)
		require.NoError(t, err)
		require.Len(t, entries, 1)
		assert.Equal(t, "known_hosts", entries[0].Name())
	})

	t.Run("strict-rejects-unknown", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "known_hosts")
		known := hostKey(t)
		line := "203.0.113.10 " + strings.TrimSpace(string(ssh.MarshalAuthorizedKey(known))) + "\n"
		require.NoError(t, os.WriteFile(path, []byte(line), 0o600))

		cb, err := HostKeyCallback(HostKeyStrict, path)
		require.NoError(t, err)
		assert.NoError(t, cb(hostname, remote, known))

		other := &net.TCPAddr{IP: net.ParseIP("203.0.113.11"), Port: 22}
		err = cb("203.0.113.11:22", other, hostKey(t))
		require.ErrorIs(t, err, ErrHostKeyInvalid)
	})

	t.Run("strict-needs-file", func(t *testing.T) {
		_, err := HostKeyCallback(HostKeyStrict, filepath.Join(t.TempDir(), "missing"))
		require.ErrorIs(t, err, ErrKnownHosts)
	})

	t.Run("unknown-policy", func(t *testing.T) {
		_, err := HostKeyCallback(HostKeyPolicy("trust-me"), "")
		require.ErrorIs(t, err, ErrHostKeyPolicy)
	})
}

func TestParseHostKeyPolicy(t *testing.T) {
	for _, p := range HostKeyPolicies() {
		got, err := ParseHostKeyPolicy(string(p))
		require.NoError(t, err)
		assert.Equal(t, p, got)
	}
	_, err := ParseHostKeyPolicy("yes")
	assert.ErrorIs(t, err, ErrHostKeyPolicy)
}

func TestFixedHostKeys(t *testing.T) {
	remote := &net.TCPAddr{IP: net.ParseIP("127.0.0.1"), Port: 22}
	a, b := hostKey(t), hostKey(t)
	cb := FixedHostKeys(a)
	assert.NoError(t, cb("127.0.0.1:22", remote, a))
	assert.ErrorIs(t, cb("127.0.0.1:22", remote, b), ErrHostKeyInvalid)
}
