package mock

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/ssh"
)

type (
	// server is an in-process SSH server which answers 'exec' requests with
	// scripted output.
	//
	// server is constructed by 'NewServer', started by 'ListenAndServe' and
	// stopped by 'Shutdown'.
	server struct {
		// The SSH server configuration.
		//
		// These options may be modified _prior_ to calling 'ListenAndServe',
		// modifying after will have no effect.
		Config *ssh.ServerConfig

		respond Responder

		cancel context.CancelFunc

		// The TCP port to listen on, 0 picks a free one. After
		// 'ListenAndServe' it holds the bound port.
		port uint16

		wait Waiter
	}
	// PubKeyCallback is the function called when the server receives an
	// authentication attempt via public key. Any non-nil error returned will
	// immediately abort the connection.
	PubKeyCallback func(ssh.ConnMetadata, ssh.PublicKey) (*ssh.Permissions, error)

	// Responder decides what an executed command prints and how it exits.
	Responder func(cmd string) Response

	// Response is the scripted outcome of a single 'exec' request.
	Response struct {
		Stdout     string
		Stderr     string
		ExitStatus uint32
	}

	// CmdChannel produces every command received via an 'exec' request, in
	// the order the server received them.
	CmdChannel <-chan string
)

// Echo is a 'Responder' which prints each command back on stdout and exits 0.
func Echo(cmd string) Response {
	return Response{Stdout: cmd + "\n"}
}

func NewServer(t *testing.T, port uint16, signer ssh.Signer, fn PubKeyCallback, respond Responder) (*server, error) {
	if t == nil {
		return nil, fmt.Errorf("no *testing.T provided in call to NewServer")
	}
	require.NotNil(t, fn, "a non-nil public key callback is required")
	require.NotNil(t, signer, "a non-nil ssh.Signer is required")
	if respond == nil {
		respond = Echo
	}
	config := &ssh.ServerConfig{
		PublicKeyCallback: fn,
	}
	config.AddHostKey(signer)
	return &server{
		Config:  config,
		respond: respond,
		wait:    NewWaiter(),
		port:    port,
	}, nil
}

// Port reports the TCP port the server is bound to.
func (s *server) Port() uint16 {
	return s.port
}

func (s *server) ListenAndServe(t *testing.T, ctx context.Context) (CmdChannel, error) {
	ctx, s.cancel = context.WithCancel(ctx)
	listener, err := net.ListenTCP("tcp", &net.TCPAddr{
		IP:   net.IPv4(127, 0, 0, 1),
		Port: int(s.port),
	})
	require.NoError(t, err, "failed to listen on TCP/%d: %s", s.port, err)
	s.port = uint16(listener.Addr().(*net.TCPAddr).Port)
	cmds := make(chan string, 64)
	s.wait.Add()
	go s.serve(t, ctx, listener, cmds)
	return cmds, nil
}

func (s *server) serve(t *testing.T, ctx context.Context, listener *net.TCPListener, cmds chan<- string) {
	defer s.wait.Done()
	defer func() {
		_ = listener.Close()
	}()
	for {
		select {
		case <-ctx.Done():
			return
		default:
			// Don't block forever.
			_ = listener.SetDeadline(time.Now().Add(100 * time.Millisecond))
			conn, err := listener.AcceptTCP()
			if err != nil {
				var operr *net.OpError
				if errors.As(err, &operr) && operr.Timeout() {
					continue
				}
				t.Errorf("accepting TCP connection: %v", err)
				return
			}
			s.wait.Add()
			go s.handleTCPConn(ctx, conn, cmds)
		}
	}
}

// handleTCPConn performs the SSH handshake and accepts 'session' channels,
// handing each to 'handleChannel'. A failed handshake (for example an
// unauthorized key) just drops the connection; that is the client's problem
// to report.
func (s *server) handleTCPConn(ctx context.Context, conn *net.TCPConn, cmds chan<- string) {
	defer s.wait.Done()
	sshConn, newChans, reqs, err := ssh.NewServerConn(conn, s.Config)
	if err != nil {
		log.Debug("SSH handshake failed", "error", err)
		_ = conn.Close()
		return
	}
	defer sshConn.Close()
	go ssh.DiscardRequests(reqs)
	for {
		select {
		case <-ctx.Done():
			return
		case newChan, ok := <-newChans:
			if !ok {
				return
			}
			if newChan.ChannelType() != "session" {
				_ = newChan.Reject(ssh.UnknownChannelType, "unknown channel type")
				continue
			}
			channel, chanReqs, err := newChan.Accept()
			if err != nil {
				log.Error("accepting session channel", "error", err)
				continue
			}
			s.wait.Add()
			go s.handleChannel(ctx, channel, chanReqs, cmds)
		}
	}
}

// handleChannel serves a single session: the first 'exec' request is answered
// with the 'Responder' output, an 'exit-status' and a channel close. Other
// request types are refused.
func (s *server) handleChannel(ctx context.Context, channel ssh.Channel, reqs <-chan *ssh.Request, cmds chan<- string) {
	defer s.wait.Done()
	defer channel.Close()
	for {
		select {
		case <-ctx.Done():
			return
		case req, ok := <-reqs:
			if !ok {
				return
			}
			if req.Type != "exec" {
				log.Error("received an unsupported channel request", "type", req.Type)
				if req.WantReply {
					_ = req.Reply(false, nil)
				}
				continue
			}
			cmd, err := unmarshalExec(req.Payload)
			if err != nil {
				log.Error("malformed exec payload", "error", err)
				_ = req.Reply(false, nil)
				return
			}
			if req.WantReply {
				_ = req.Reply(true, nil)
			}
			cmds <- cmd
			resp := s.respond(cmd)
			_, _ = io.WriteString(channel, resp.Stdout)
			_, _ = io.WriteString(channel.Stderr(), resp.Stderr)
			_ = channel.CloseWrite()
			_, _ = channel.SendRequest("exit-status", false, marshalExitStatus(resp.ExitStatus))
			return
		}
	}
}

var ErrServerNotStarted = fmt.Errorf(
	"shutdown called without a call to 'ListenAndServe' first",
)

// Shutdown cancels the server's context and waits for all Goroutines to exit.
func (s *server) Shutdown(ctx context.Context) error {
	if s.cancel == nil {
		return ErrServerNotStarted
	}
	s.cancel()
	return s.wait.WaitContext(ctx)
}
