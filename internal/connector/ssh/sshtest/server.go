// Package sshtest runs an in-process SSH server for tests. Commands are
// answered by a Handler instead of a shell, and the sftp subsystem serves the
// local filesystem.
package sshtest

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/pem"
	"errors"
	"io"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"

	"github.com/eugenetaranov/nftgate/internal/connector"
)

const (
	User     = "tester"
	Password = "secret"
)

// Handler answers one exec request. The context is cancelled when the client
// closes the channel or the server shuts down. The return value is the exit
// status sent to the client.
type Handler func(ctx context.Context, cmd string, stdout, stderr io.Writer) int

// Server is a minimal SSH server bound to a loopback port.
type Server struct {
	Host string
	Port int

	listener net.Listener
	config   *ssh.ServerConfig
	handler  Handler
	authKey  ssh.PublicKey

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	conns    map[net.Conn]struct{}
	commands []string

	accepted atomic.Int32
	wg       sync.WaitGroup
}

// Option configures the server.
type Option func(*Server)

// WithAuthorizedKey accepts public key auth for the given key.
func WithAuthorizedKey(key ssh.PublicKey) Option {
	return func(s *Server) {
		s.authKey = key
	}
}

// New starts a server and registers its shutdown with t.Cleanup.
func New(t testing.TB, handler Handler, opts ...Option) *Server {
	t.Helper()

	_, hostPriv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generate host key: %v", err)
	}
	hostSigner, err := ssh.NewSignerFromKey(hostPriv)
	if err != nil {
		t.Fatalf("host signer: %v", err)
	}

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		listener: ln,
		handler:  handler,
		ctx:      ctx,
		cancel:   cancel,
		conns:    make(map[net.Conn]struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}

	s.config = &ssh.ServerConfig{
		PasswordCallback: func(meta ssh.ConnMetadata, pass []byte) (*ssh.Permissions, error) {
			if meta.User() == User && string(pass) == Password {
				return nil, nil
			}
			return nil, errors.New("access denied")
		},
		PublicKeyCallback: func(meta ssh.ConnMetadata, key ssh.PublicKey) (*ssh.Permissions, error) {
			if s.authKey != nil && meta.User() == User && string(key.Marshal()) == string(s.authKey.Marshal()) {
				return nil, nil
			}
			return nil, errors.New("unknown key")
		},
	}
	s.config.AddHostKey(hostSigner)

	host, port, _ := net.SplitHostPort(ln.Addr().String())
	s.Host = host
	s.Port, _ = strconv.Atoi(port)

	s.wg.Add(1)
	go s.serve()

	t.Cleanup(s.Close)
	return s
}

// Config returns password credentials for the server.
func (s *Server) Config() connector.Config {
	return connector.Config{
		Host:     s.Host,
		Port:     s.Port,
		User:     User,
		Auth:     connector.AuthPassword,
		Password: Password,
	}
}

// Connections reports how many client connections completed a handshake.
func (s *Server) Connections() int {
	return int(s.accepted.Load())
}

// Commands returns every exec request received so far.
func (s *Server) Commands() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.commands...)
}

// DropConnections closes every open client connection without stopping the
// listener, simulating a network failure.
func (s *Server) DropConnections() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for c := range s.conns {
		_ = c.Close()
	}
}

// Close stops the server.
func (s *Server) Close() {
	s.cancel()
	_ = s.listener.Close()
	s.DropConnections()
	s.wg.Wait()
}

func (s *Server) serve() {
	defer s.wg.Done()
	for {
		nc, err := s.listener.Accept()
		if err != nil {
			return
		}
		s.mu.Lock()
		s.conns[nc] = struct{}{}
		s.mu.Unlock()

		s.wg.Add(1)
		go s.handleConn(nc)
	}
}

func (s *Server) handleConn(nc net.Conn) {
	defer s.wg.Done()
	defer func() {
		s.mu.Lock()
		delete(s.conns, nc)
		s.mu.Unlock()
		_ = nc.Close()
	}()

	conn, chans, reqs, err := ssh.NewServerConn(nc, s.config)
	if err != nil {
		return
	}
	defer conn.Close()
	s.accepted.Add(1)

	go ssh.DiscardRequests(reqs)

	for newCh := range chans {
		if newCh.ChannelType() != "session" {
			_ = newCh.Reject(ssh.UnknownChannelType, "only session channels")
			continue
		}
		ch, chReqs, err := newCh.Accept()
		if err != nil {
			continue
		}
		s.wg.Add(1)
		go s.handleSession(ch, chReqs)
	}
}

func (s *Server) handleSession(ch ssh.Channel, reqs <-chan *ssh.Request) {
	defer s.wg.Done()

	// reqs is closed when the client closes the channel or the connection drops.
	ctx, cancel := context.WithCancel(s.ctx)
	defer cancel()

	for req := range reqs {
		switch req.Type {
		case "exec":
			var payload struct{ Command string }
			if err := ssh.Unmarshal(req.Payload, &payload); err != nil {
				_ = req.Reply(false, nil)
				continue
			}
			_ = req.Reply(true, nil)

			s.wg.Add(1)
			go func() {
				defer s.wg.Done()
				s.exec(ctx, ch, payload.Command)
				_ = ch.Close()
			}()

		case "subsystem":
			var payload struct{ Name string }
			if err := ssh.Unmarshal(req.Payload, &payload); err != nil || payload.Name != "sftp" {
				_ = req.Reply(false, nil)
				continue
			}
			srv, err := sftp.NewServer(ch)
			if err != nil {
				_ = req.Reply(false, nil)
				continue
			}
			_ = req.Reply(true, nil)

			s.wg.Add(1)
			go func() {
				defer s.wg.Done()
				_ = srv.Serve()
				_ = ch.Close()
			}()

		default:
			if req.WantReply {
				_ = req.Reply(false, nil)
			}
		}
	}
}

func (s *Server) exec(ctx context.Context, ch ssh.Channel, cmd string) {
	s.mu.Lock()
	s.commands = append(s.commands, cmd)
	s.mu.Unlock()

	code := 0
	if s.handler != nil {
		code = s.handler(ctx, cmd, ch, ch.Stderr())
	}
	if ctx.Err() != nil {
		return
	}

	status := struct{ Status uint32 }{uint32(code)}
	_, _ = ch.SendRequest("exit-status", false, ssh.Marshal(&status))
}

// ClientKey generates a key pair and returns the PEM private key together
// with its public half for WithAuthorizedKey.
func ClientKey(t testing.TB) (string, ssh.PublicKey) {
	t.Helper()

	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generate client key: %v", err)
	}
	block, err := ssh.MarshalPrivateKey(priv, "")
	if err != nil {
		t.Fatalf("marshal client key: %v", err)
	}
	sshPub, err := ssh.NewPublicKey(pub)
	if err != nil {
		t.Fatalf("client public key: %v", err)
	}
	return string(pem.EncodeToMemory(block)), sshPub
}
