package bootstrap

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/bigdatalab/labprovision/internal/ssh"
	"github.com/chainguard-dev/clog"
	gossh "golang.org/x/crypto/ssh"
)

// Target is the remote host a toolchain is installed on.
type Target struct {
	Host string
	Port uint16
	User string
	// KeyPath is the private key file used to authenticate.
	KeyPath string
}

// Session runs commands on a connected host.
type Session interface {
	// Exec runs 'cmd' and returns its stdout and stderr separately. A non-nil
	// error means the command could not run or exited non-zero.
	Exec(cmd string) (stdout, stderr string, err error)
	Close() error
}

// Dialer opens a Session to a Target.
type Dialer interface {
	Dial(ctx context.Context, t Target) (Session, error)
}

// SSHDialer dials over SSH with the key at 'Target.KeyPath'.
type SSHDialer struct {
	// HostKeyPolicy and KnownHostsPath select the host key callback. It is
	// built on the first dial, so a run that never connects leaves no
	// known_hosts file behind.
	HostKeyPolicy  ssh.HostKeyPolicy
	KnownHostsPath string
	// HostKeyCallback, when set, is used instead of HostKeyPolicy.
	HostKeyCallback gossh.HostKeyCallback
	// WaitTimeout bounds how long to wait for the SSH port to accept TCP
	// connections before dialing. Zero or negative skips the wait.
	WaitTimeout time.Duration

	once     sync.Once
	hostKeys gossh.HostKeyCallback
	err      error
}

var _ Dialer = (*SSHDialer)(nil)

func (d *SSHDialer) Dial(ctx context.Context, t Target) (Session, error) {
	log := clog.FromContext(ctx).With("host", t.Host, "port", t.Port, "user", t.User)

	signer, err := ssh.LoadKey(t.KeyPath)
	if err != nil {
		return nil, err // No wrapping required.
	}

	if d.WaitTimeout > 0 {
		log.Info("waiting for SSH port", "timeout", d.WaitTimeout)
		waitCtx, cancel := context.WithTimeout(ctx, d.WaitTimeout)
		err := ssh.WaitTCP(waitCtx, t.Host, t.Port)
		cancel()
		if err != nil {
			return nil, err // No wrapping required.
		}
	}

	hostKeys, err := d.hostKeyCallback()
	if err != nil {
		return nil, err // No wrapping required.
	}
	client, err := ssh.Connect(t.Host, t.Port, t.User, signer, hostKeys)
	if err != nil {
		return nil, err // No wrapping required.
	}
	log.Debug("SSH connection established")
	return &sshSession{client: client}, nil
}

func (d *SSHDialer) hostKeyCallback() (gossh.HostKeyCallback, error) {
	if d.HostKeyCallback != nil {
		return d.HostKeyCallback, nil
	}
	d.once.Do(func() {
		d.hostKeys, d.err = ssh.HostKeyCallback(d.HostKeyPolicy, d.KnownHostsPath)
	})
	return d.hostKeys, d.err
}

type sshSession struct {
	client *gossh.Client
}

func (s *sshSession) Exec(cmd string) (string, string, error) {
	return ssh.Exec(s.client, cmd)
}

func (s *sshSession) Close() error {
	if err := s.client.Close(); err != nil {
		return fmt.Errorf("closing SSH connection: %w", err)
	}
	return nil
}
