// Package mock implements a minimal SSH server standing in for a booted
// target image. It answers 'exec' requests from a table of canned responses
// and records everything it receives.
package mock

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"testing"

	"golang.org/x/crypto/ssh"
)

// Response is what the server replies to a single command.
type Response struct {
	Stdout string
	Stderr string
	Status uint32
}

// NotFound is returned for commands with no configured response.
var NotFound = Response{Stderr: "sh: command not found\n", Status: 127}

// Request records an inbound channel request.
type Request struct {
	Type    string
	Command string
}

type Option func(*Server)

// WithPublicKeys authorizes the given client keys.
func WithPublicKeys(keys ...ssh.PublicKey) Option {
	return func(s *Server) {
		s.config.PublicKeyCallback = publicKeyCallback(keys...)
	}
}

// WithEmptyPassword accepts 'user' with an empty password.
func WithEmptyPassword(user string) Option {
	return func(s *Server) {
		s.config.PasswordCallback = emptyPasswordCallback(user)
	}
}

// WithResponse sets the reply for an exact command string.
func WithResponse(cmd string, r Response) Option {
	return WithResponses(cmd, r)
}

// WithResponses replies to successive runs of cmd with rs in order. The last
// response repeats once the others are used up.
func WithResponses(cmd string, rs ...Response) Option {
	return func(s *Server) {
		s.responses[cmd] = rs
	}
}

type Server struct {
	t         *testing.T
	config    *ssh.ServerConfig
	listener  net.Listener
	responses map[string][]Response

	reqs chan Request

	mu sync.Mutex
	wg sync.WaitGroup
}

// NewServer listens on an ephemeral loopback port.
func NewServer(t *testing.T, hostKey ssh.Signer, opts ...Option) (*Server, error) {
	t.Helper()
	s := &Server{
		t:         t,
		config:    &ssh.ServerConfig{},
		responses: map[string][]Response{},
		reqs:      make(chan Request, 64),
	}
	s.config.AddHostKey(hostKey)
	for _, opt := range opts {
		opt(s)
	}

	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return nil, fmt.Errorf("mock: listen: %w", err)
	}
	s.listener = l
	t.Cleanup(func() {
		s.listener.Close()
		s.wg.Wait()
	})
	return s, nil
}

func (s *Server) Port() uint16 {
	return uint16(s.listener.Addr().(*net.TCPAddr).Port)
}

// SetResponse changes the reply for 'cmd' while the server is running.
func (s *Server) SetResponse(cmd string, r Response) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.responses[cmd] = []Response{r}
}

// response pops the next reply for cmd, or NotFound.
func (s *Server) response(cmd string) Response {
	s.mu.Lock()
	defer s.mu.Unlock()
	rs := s.responses[cmd]
	if len(rs) == 0 {
		return NotFound
	}
	if len(rs) > 1 {
		s.responses[cmd] = rs[1:]
	}
	return rs[0]
}

// Serve accepts connections until ctx is done or Shutdown is called. Exec
// requests are published to the returned channel.
func (s *Server) Serve(ctx context.Context) <-chan Request {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		<-ctx.Done()
		s.listener.Close()
	}()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		for {
			conn, err := s.listener.Accept()
			if err != nil {
				if !errors.Is(err, net.ErrClosed) {
					s.t.Logf("mock: accept: %v", err)
				}
				return
			}
			s.wg.Add(1)
			go func() {
				defer s.wg.Done()
				s.handleConn(conn)
			}()
		}
	}()
	return s.reqs
}

// Shutdown stops accepting and waits for in-flight sessions.
func (s *Server) Shutdown(ctx context.Context) error {
	s.listener.Close()
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Server) handleConn(nConn net.Conn) {
	defer nConn.Close()
	conn, chans, reqs, err := ssh.NewServerConn(nConn, s.config)
	if err != nil {
		s.t.Logf("mock: handshake: %v", err)
		return
	}
	defer conn.Close()
	go ssh.DiscardRequests(reqs)

	for newChannel := range chans {
		if newChannel.ChannelType() != "session" {
			_ = newChannel.Reject(ssh.UnknownChannelType, "unknown channel type")
			continue
		}
		channel, requests, err := newChannel.Accept()
		if err != nil {
			s.t.Logf("mock: accept channel: %v", err)
			continue
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handleSession(channel, requests)
		}()
	}
}

func (s *Server) handleSession(channel ssh.Channel, requests <-chan *ssh.Request) {
	defer channel.Close()
	for req := range requests {
		if req.Type != "exec" {
			if req.WantReply {
				_ = req.Reply(req.Type == "env" || req.Type == "pty-req", nil)
			}
			continue
		}
		cmd, err := unmarshalExec(req.Payload)
		if err != nil {
			_ = req.Reply(false, nil)
			continue
		}
		if req.WantReply {
			_ = req.Reply(true, nil)
		}
		select {
		case s.reqs <- Request{Type: req.Type, Command: cmd}:
		default:
			s.t.Logf("mock: request buffer full, dropping %q", cmd)
		}

		r := s.response(cmd)
		_, _ = io.WriteString(channel, r.Stdout)
		_, _ = io.WriteString(channel.Stderr(), r.Stderr)
		_, _ = channel.SendRequest("exit-status", false, marshalExitStatus(r.Status))
		_ = channel.CloseWrite()
		return
	}
}
