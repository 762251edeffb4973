package ssh

// hostkeys.go turns a configured 'HostKeyPolicy' into an 'ssh.HostKeyCallback'.
//
// Freshly launched cloud instances generate their host keys on first boot, so
// there is no out-of-band way to learn them ahead of the first connection.
// 'HostKeyAcceptNew' mirrors OpenSSH's 'StrictHostKeyChecking=accept-new':
// unknown hosts are trusted and remembered, changed keys are rejected.
// 'HostKeyInsecure' trusts every key and is a real weakening of transport
// trust.

import (
	"bytes"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"sync"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"
)

type HostKeyPolicy string

const (
	// Accept any host key without recording it.
	HostKeyInsecure HostKeyPolicy = "insecure"
	// Accept and record unknown hosts, reject hosts whose key changed.
	HostKeyAcceptNew HostKeyPolicy = "accept-new"
	// Only accept hosts already present in the known_hosts file.
	HostKeyStrict HostKeyPolicy = "strict"
)

var (
	ErrHostKeyInvalid  = fmt.Errorf("target's host key is invalid")
	ErrHostKeyMismatch = fmt.Errorf("target's host key does not match the known_hosts entry")
	ErrHostKeyPolicy   = fmt.Errorf("unknown host key policy")
	ErrKnownHosts      = fmt.Errorf("failed to load known_hosts file")
)

// HostKeyPolicies lists every accepted policy value.
func HostKeyPolicies() []HostKeyPolicy {
	return []HostKeyPolicy{HostKeyInsecure, HostKeyAcceptNew, HostKeyStrict}
}

// ParseHostKeyPolicy validates 's' as one of the known policies.
func ParseHostKeyPolicy(s string) (HostKeyPolicy, error) {
	for _, p := range HostKeyPolicies() {
		if string(p) == s {
			return p, nil
		}
	}
	return "", fmt.Errorf("%w: %q", ErrHostKeyPolicy, s)
}

// HostKeyCallback builds the callback for 'policy'. 'knownHostsPath' is
// ignored for 'HostKeyInsecure'; for 'HostKeyAcceptNew' the file is created
// (mode 0600) if it does not exist yet.
func HostKeyCallback(policy HostKeyPolicy, knownHostsPath string) (ssh.HostKeyCallback, error) {
	switch policy {
	case HostKeyInsecure:
		return FixedHostKeys(), nil
	case HostKeyStrict:
		cb, err := knownhosts.New(knownHostsPath)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrKnownHosts, err)
		}
		return func(hostname string, remote net.Addr, key ssh.PublicKey) error {
			if err := cb(hostname, remote, key); err != nil {
				return classifyKnownHostsErr(err)
			}
			return nil
		}, nil
	case HostKeyAcceptNew:
		return acceptNew(knownHostsPath)
	default:
		return nil, fmt.Errorf("%w: %q", ErrHostKeyPolicy, policy)
	}
}

// FixedHostKeys accepts only the provided host keys. With no keys, every host
// key is accepted (the same behavior as 'ssh.InsecureIgnoreHostKey').
func FixedHostKeys(hostKeys ...ssh.PublicKey) ssh.HostKeyCallback {
	return func(hostname string, remote net.Addr, key ssh.PublicKey) error {
		if len(hostKeys) == 0 {
			return nil
		}
		for _, hostKey := range hostKeys {
			if bytes.Equal(hostKey.Marshal(), key.Marshal()) {
				return nil
			}
		}
		return ErrHostKeyInvalid
	}
}

func acceptNew(path string) (ssh.HostKeyCallback, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrKnownHosts, err)
		}
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDONLY, 0o600)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrKnownHosts, err)
	}
	_ = f.Close()

	var mu sync.Mutex
	return func(hostname string, remote net.Addr, key ssh.PublicKey) error {
		mu.Lock()
		defer mu.Unlock()
		// Re-read on every call so a key appended earlier in the same process
		// is honored.
		cb, err := knownhosts.New(path)
		if err != nil {
			return fmt.Errorf("%w: %w", ErrKnownHosts, err)
		}
		err = cb(hostname, remote, key)
		if err == nil {
			return nil
		}
		var keyErr *knownhosts.KeyError
		if !errors.As(err, &keyErr) || len(keyErr.Want) > 0 {
			return classifyKnownHostsErr(err)
		}
		return appendKnownHost(path, hostname, key)
	}, nil
}

func appendKnownHost(path, hostname string, key ssh.PublicKey) error {
	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrKnownHosts, err)
	}
	line := knownhosts.Line([]string{knownhosts.Normalize(hostname)}, key)
	if _, err := f.WriteString(line + "\n"); err != nil {
		_ = f.Close()
		return fmt.Errorf("%w: %w", ErrKnownHosts, err)
	}
	return f.Close()
}

func classifyKnownHostsErr(err error) error {
	var keyErr *knownhosts.KeyError
	if errors.As(err, &keyErr) && len(keyErr.Want) > 0 {
		return fmt.Errorf("%w: %w", ErrHostKeyMismatch, err)
	}
	return fmt.Errorf("%w: %w", ErrHostKeyInvalid, err)
}
