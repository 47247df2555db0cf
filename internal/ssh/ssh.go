package ssh

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/chainguard-dev/runtime-selftest/internal/log"
	"golang.org/x/crypto/ssh"
	"k8s.io/apimachinery/pkg/util/wait"
)

const sshDefaultTimeout = 10 * time.Second

var (
	ErrSSHFailedDial   = fmt.Errorf("failed to establish SSH connection")
	ErrFailedHostParse = fmt.Errorf("failed to parse hostname")
	ErrHostKeyInvalid  = fmt.Errorf("target's host key is invalid")
	ErrNoAuth          = fmt.Errorf("no SSH auth method configured")
	ErrAuthRejected    = fmt.Errorf("target rejected SSH authentication")
)

// Target describes how to reach and authenticate with a booted image.
type Target struct {
	// Host can be any of: hostname, ipv4 address or ipv6 address. If empty,
	// ipv4 loopback is used.
	Host string
	// Port defaults to 22.
	Port uint16
	User string

	// Signer, when set, is offered for public key authentication.
	Signer ssh.Signer
	// EmptyPassword offers an empty password (and answers keyboard-interactive
	// prompts with empty strings), which is how images built with
	// debug-tweaks accept root logins.
	EmptyPassword bool

	// HostKeys, when non-empty, restricts the accepted host keys. Otherwise
	// any host key is accepted, the same as running ssh with
	// '-o StrictHostKeyChecking=no -o UserKnownHostsFile=/dev/null'.
	HostKeys []ssh.PublicKey

	Timeout time.Duration
}

func (t Target) authMethods() []ssh.AuthMethod {
	var methods []ssh.AuthMethod
	if t.Signer != nil {
		methods = append(methods, ssh.PublicKeys(t.Signer))
	}
	if t.EmptyPassword {
		methods = append(methods,
			ssh.Password(""),
			ssh.KeyboardInteractive(func(_, _ string, questions []string, _ []bool) ([]string, error) {
				return make([]string, len(questions)), nil
			}),
		)
	}
	return methods
}

func (t Target) hostKeyCallback(_ string, _ net.Addr, key ssh.PublicKey) error {
	if len(t.HostKeys) == 0 {
		return nil
	}
	for _, hostKey := range t.HostKeys {
		if bytes.Equal(hostKey.Marshal(), key.Marshal()) {
			return nil
		}
	}
	return ErrHostKeyInvalid
}

// Connect establishes an SSH connection to the target.
func Connect(ctx context.Context, t Target) (*ssh.Client, error) {
	if t.Host == "" {
		t.Host = "127.0.0.1"
	}
	if t.Port == 0 {
		t.Port = 22
	}
	if t.Timeout == 0 {
		t.Timeout = sshDefaultTimeout
	}

	auth := t.authMethods()
	if len(auth) == 0 {
		return nil, ErrNoAuth
	}

	config := &ssh.ClientConfig{
		User:            t.User,
		Auth:            auth,
		HostKeyCallback: t.hostKeyCallback,
		Timeout:         t.Timeout,
	}

	target, err := joinHostPort(ctx, t.Host, t.Port)
	if err != nil {
		return nil, err
	}

	dialer := net.Dialer{Timeout: t.Timeout}
	conn, err := dialer.DialContext(ctx, "tcp", target)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrSSHFailedDial, err)
	}

	c, chans, reqs, err := ssh.NewClientConn(conn, target, config)
	if err != nil {
		conn.Close()
		if authRejected(err) {
			return nil, fmt.Errorf("%w: %w", ErrAuthRejected, err)
		}
		return nil, fmt.Errorf("%w: %w", ErrSSHFailedDial, err)
	}
	return ssh.NewClient(c, chans, reqs), nil
}

// authRejected reports whether the handshake got as far as authentication
// and every offered method was refused. x/crypto/ssh only reports this as
// text.
func authRejected(err error) bool {
	return strings.Contains(err.Error(), "ssh: unable to authenticate")
}

// WaitForSSH retries Connect with the given backoff until sshd on the target
// accepts a session. Freshly booted images can take a while to bring up
// sshd after the login prompt appears. A refused login is not retried.
func WaitForSSH(ctx context.Context, t Target, backoff wait.Backoff) (*ssh.Client, error) {
	var client *ssh.Client
	var last error
	attempts := 0

	err := wait.ExponentialBackoffWithContext(ctx, backoff, func(ctx context.Context) (bool, error) {
		attempts++
		c, err := Connect(ctx, t)
		if errors.Is(err, ErrNoAuth) || errors.Is(err, ErrAuthRejected) {
			return false, err
		}
		if err != nil {
			last = err
			log.Debug(ctx, "ssh not ready", "host", t.Host, "attempt", attempts, "error", err)
			return false, nil
		}
		client = c
		return true, nil
	})
	if err != nil {
		if last != nil {
			return nil, fmt.Errorf("%w: after %d attempts: %w", ErrSSHFailedDial, attempts, last)
		}
		return nil, err
	}

	log.Info(ctx, "ssh connection established", "host", t.Host, "attempts", attempts)
	return client, nil
}

// joinHostPort parses and validates 'host' is a valid IPv4 or IPv6 address,
// then joins it with the port in the address-family-specific format.
//
// If 'host' is a hostname, the hostname will be resolved, and the first of
// the resolved addresses is used.
func joinHostPort(ctx context.Context, host string, port uint16) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	addr := net.ParseIP(host)
	if addr == nil {
		addrs, err := net.DefaultResolver.LookupHost(ctx, host)
		if err != nil || len(addrs) == 0 {
			return "", fmt.Errorf("%w: %s", ErrFailedHostParse, host)
		}
		addr = net.ParseIP(addrs[0])
		if addr == nil {
			return "", fmt.Errorf("%w: %s", ErrFailedHostParse, host)
		}
	}

	if ipv4 := addr.To4(); ipv4 != nil {
		return net.JoinHostPort(ipv4.String(), strconv.Itoa(int(port))), nil
	}
	return net.JoinHostPort(addr.String(), strconv.Itoa(int(port))), nil
}

var (
	ErrSessionInit = fmt.Errorf("failed to begin SSH session")
	ErrCMDExec     = fmt.Errorf("failed to execute SSH command")
)

// Result is the outcome of a remote command.
type Result struct {
	Status int
	Stdout string
	Stderr string
}

// Run executes a single command and reports its exit status. A non-zero exit
// is not an error; transport failures are.
func Run(client *ssh.Client, cmd string) (*Result, error) {
	session, err := client.NewSession()
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrSessionInit, err)
	}
	defer session.Close()

	stdout := new(bytes.Buffer)
	session.Stdout = stdout
	stderr := new(bytes.Buffer)
	session.Stderr = stderr

	err = session.Run(cmd)
	res := &Result{Stdout: stdout.String(), Stderr: stderr.String()}

	var exitErr *ssh.ExitError
	switch {
	case err == nil:
	case errors.As(err, &exitErr):
		res.Status = exitErr.ExitStatus()
	default:
		return res, fmt.Errorf("%w: %w", ErrCMDExec, err)
	}
	return res, nil
}
