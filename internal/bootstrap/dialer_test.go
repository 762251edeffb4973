package bootstrap

import (
	"bytes"
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/bigdatalab/labprovision/internal/ssh"
	"github.com/bigdatalab/labprovision/internal/ssh/mock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	gossh "golang.org/x/crypto/ssh"
)

func TestSSHDialerMissingKey(t *testing.T) {
	d := &SSHDialer{}
	_, err := d.Dial(t.Context(), Target{
		Host:    "127.0.0.1",
		KeyPath: filepath.Join(t.TempDir(), "absent.pem"),
	})
	require.ErrorIs(t, err, ssh.ErrKeyRead)
}

// writeRSAKey writes a PKCS#1 PEM private key the way EC2's CreateKeyPair
// hands one out and returns its public half.
func writeRSAKey(t *testing.T, path string) gossh.PublicKey {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	material := pem.EncodeToMemory(&pem.Block{
		Type:  "RSA PRIVATE KEY",
		Bytes: x509.MarshalPKCS1PrivateKey(key),
	})
	require.NoError(t, os.WriteFile(path, material, 0o400))
	pub, err := gossh.NewPublicKey(&key.PublicKey)
	require.NoError(t, err)
	return pub
}

func TestRunnerOverSSH(t *testing.T) {
	dir := t.TempDir()
	keyPath := filepath.Join(dir, "my-key-pair-user123.pem")
	userPub := writeRSAKey(t, keyPath)

	hostKeys, err := ssh.NewED25519KeyPair()
	require.NoError(t, err)
	hostSigner, err := hostKeys.Private.ToSSH()
	require.NoError(t, err)

	server, err := mock.NewServer(t, 0, hostSigner, mock.PublicKeyCallback(userPub), func(cmd string) mock.Response {
		switch cmd {
		case "echo ok":
			return mock.Response{Stdout: "ok\n"}
		case "false-cmd":
			return mock.Response{Stderr: "bash: false-cmd: command not found\n", ExitStatus: 127}
		default:
			return mock.Response{Stdout: "unexpected\n"}
		}
	})
	require.NoError(t, err)
	cmds, err := server.ListenAndServe(t, t.Context())
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		assert.NoError(t, server.Shutdown(ctx))
	})

	knownHosts := filepath.Join(dir, "known_hosts")
	stdout := new(bytes.Buffer)
	r := &Runner{
		Dialer: &SSHDialer{
			HostKeyPolicy:  ssh.HostKeyAcceptNew,
			KnownHostsPath: knownHosts,
			WaitTimeout:    2 * time.Second,
		},
		Stdout: stdout,
	}
	res, err := r.Run(t.Context(), Target{
		Host:    "127.0.0.1",
		Port:    server.Port(),
		User:    "ec2-user",
		KeyPath: keyPath,
	}, Toolchain{Name: "hadoop", Commands: []string{"echo ok", "false-cmd", "echo never"}})

	var cmdErr *CommandError
	require.True(t, errors.As(err, &cmdErr), "want *CommandError, got %v", err)
	assert.False(t, errors.Is(err, ErrConnect))
	assert.Equal(t, 1, cmdErr.Index)
	assert.Equal(t, "false-cmd", cmdErr.Command)
	assert.Equal(t, 127, cmdErr.ExitStatus)
	assert.Contains(t, cmdErr.Stderr, "command not found")

	assert.Equal(t, "ok\n", stdout.String())
	require.NotNil(t, res)
	require.Len(t, res.Commands, 2)

	// The server saw exactly the first two commands, in order.
	var got []string
	for done := false; !done; {
		select {
		case cmd := <-cmds:
			got = append(got, cmd)
		default:
			done = true
		}
	}
	assert.Equal(t, []string{"echo ok", "false-cmd"}, got)

	// The host key was recorded on first contact.
	data, err := os.ReadFile(knownHosts)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(string(data), "[127.0.0.1]:"), string(data))
}

func TestSSHDialerUnauthorizedKey(t *testing.T) {
	dir := t.TempDir()
	keyPath := filepath.Join(dir, "kp.pem")
	writeRSAKey(t, keyPath)

	hostKeys, err := ssh.NewED25519KeyPair()
	require.NoError(t, err)
	hostSigner, err := hostKeys.Private.ToSSH()
	require.NoError(t, err)
	server, err := mock.NewServer(t, 0, hostSigner, mock.RejectAll, nil)
	require.NoError(t, err)
	_, err = server.ListenAndServe(t, t.Context())
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		assert.NoError(t, server.Shutdown(ctx))
	})

	r := &Runner{Dialer: &SSHDialer{HostKeyCallback: ssh.FixedHostKeys()}}
	_, err = r.Run(t.Context(), Target{
		Host:    "127.0.0.1",
		Port:    server.Port(),
		User:    "ec2-user",
		KeyPath: keyPath,
	}, Toolchain{Name: "spark", Commands: []string{"echo ok"}})
	require.ErrorIs(t, err, ErrConnect)
	require.ErrorIs(t, err, ssh.ErrSSHFailedDial)
}
