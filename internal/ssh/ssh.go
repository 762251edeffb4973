package ssh

// ssh.go implements a facade over 'x/crypto/ssh', simplifying SSH connection
// construction and single command execution.

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"time"

	"golang.org/x/crypto/ssh"
)

const sshDefaultTimeout = 10 * time.Second

var (
	ErrSSHFailedDial   = fmt.Errorf("failed to establish SSH connection")
	ErrFailedHostParse = fmt.Errorf("failed to parse hostname")
	ErrNoSigner        = fmt.Errorf("no private key provided for public key authentication")
)

// Connect establishes an SSH connection to 'host' on TCP port 'port'.
//
// 'host' can be any of: hostname, ipv4 address or ipv6 address. If 'host' is
// an empty string, ipv4 loopback is used.
//
// If 'port' is 0, a default value of '22' is used.
//
// 'signer' is used for public key authentication when connecting to 'host'.
//
// 'hostKeys' decides whether the host key offered by 'host' is trusted. A nil
// 'hostKeys' is rejected; callers wanting the permissive behavior must ask for
// it explicitly with 'HostKeyCallback(HostKeyInsecure, "")'.
func Connect(host string, port uint16, user string, signer ssh.Signer, hostKeys ssh.HostKeyCallback) (*ssh.Client, error) {
	if signer == nil {
		return nil, ErrNoSigner
	}
	if hostKeys == nil {
		return nil, fmt.Errorf("%w: no host key callback", ErrHostKeyInvalid)
	}
	if host == "" {
		host = "127.0.0.1"
	}
	if port == 0 {
		port = 22
	}
	config := &ssh.ClientConfig{
		User: user,
		Auth: []ssh.AuthMethod{
			ssh.PublicKeys(signer),
		},
		HostKeyCallback: hostKeys,
		Timeout:         sshDefaultTimeout,
	}
	// Parse the host + port combination to a ssh.Dial-compatible 'addr' (host+
	// port string).
	target, err := joinHostPort(host, port)
	if err != nil {
		return nil, err
	}
	client, err := ssh.Dial("tcp", target, config)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrSSHFailedDial, err)
	}
	return client, nil
}

// joinHostPort validates 'host' is a valid IPv4 or IPv6 address and joins it
// with the port in the address-family-specific format.
//
// If 'host' is a hostname, the hostname will be resolved and the first of the
// resolved addresses is used.
func joinHostPort(host string, port uint16) (string, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	addr := net.ParseIP(host)
	if addr == nil {
		addrs, err := net.DefaultResolver.LookupHost(ctx, host)
		if err != nil || len(addrs) == 0 {
			return "", fmt.Errorf("%w: %s", ErrFailedHostParse, host)
		}
		if addr = net.ParseIP(addrs[0]); addr == nil {
			return "", fmt.Errorf("%w: %s", ErrFailedHostParse, host)
		}
	}
	if ipv4 := addr.To4(); ipv4 != nil {
		addr = ipv4
	}
	return net.JoinHostPort(addr.String(), strconv.Itoa(int(port))), nil
}

// WaitTCP blocks until a TCP connection to 'host':'port' can be established or
// 'ctx' is done. It does not speak SSH; it only tells us sshd is listening.
func WaitTCP(ctx context.Context, host string, port uint16) error {
	target := net.JoinHostPort(host, strconv.Itoa(int(port)))
	dialer := &net.Dialer{Timeout: 3 * time.Second}

	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()

	for {
		conn, err := dialer.DialContext(ctx, "tcp", target)
		if err == nil {
			_ = conn.Close()
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("%w: %s not reachable: %w", ErrSSHFailedDial, target, ctx.Err())
		case <-ticker.C:
		}
	}
}

var (
	ErrSessionInit = fmt.Errorf("failed to begin SSH session")
	ErrCMDExec     = fmt.Errorf("failed to execute SSH command")
)

// Exec executes a single command in its own session, returning any standard
// out/err received.
//
// A command that exits non-zero returns its captured streams alongside an
// error wrapping both 'ErrCMDExec' and the '*ssh.ExitError'.
func Exec(client *ssh.Client, cmd string) (string, string, error) {
	session, err := client.NewSession()
	if err != nil {
		return "", "", fmt.Errorf("%w: %w", ErrSessionInit, err)
	}
	defer session.Close()
	stdout := new(bytes.Buffer)
	session.Stdout = stdout
	stderr := new(bytes.Buffer)
	session.Stderr = stderr
	if err = session.Run(cmd); err != nil {
		return stdout.String(), stderr.String(), fmt.Errorf("%w: %w", ErrCMDExec, err)
	}
	return stdout.String(), stderr.String(), nil
}

// ExitStatus extracts the remote exit status from an error returned by 'Exec'.
// The second return value is false when 'err' carries no exit status (a
// transport failure, for example).
func ExitStatus(err error) (int, bool) {
	var exitErr *ssh.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitStatus(), true
	}
	return 0, false
}
