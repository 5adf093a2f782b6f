// Package ssh provides a connector that runs commands on remote hosts over SSH
// and keeps the transport alive with keepalive probes.
package ssh

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/sftp"
	gossh "golang.org/x/crypto/ssh"

	"github.com/eugenetaranov/nftgate/internal/connector"
)

const (
	defaultKeepaliveInterval = 10 * time.Second
	defaultKeepaliveMax      = 3
	keepaliveRequest         = "keepalive@openssh.com"
)

var (
	// ErrNotConnected is returned when a command is attempted before Connect.
	ErrNotConnected = errors.New("ssh transport not connected")
	// ErrClosed is returned after a local Close.
	ErrClosed = errors.New("ssh transport closed")
	// ErrKeepaliveTimeout is the transport error after too many missed keepalives.
	ErrKeepaliveTimeout = errors.New("ssh keepalive timed out")
	// ErrExitMissing is returned when the remote side closes a channel without
	// reporting an exit status.
	ErrExitMissing = errors.New("remote command exited without status")
)

// Connector executes commands on a remote host over one SSH client connection.
// Each command gets its own channel so concurrent commands are fine.
type Connector struct {
	cfg               connector.Config
	hostKeyCallback   gossh.HostKeyCallback
	keepaliveInterval time.Duration
	keepaliveMax      int

	mu     sync.Mutex
	client *gossh.Client

	health    atomic.Int32
	done      chan struct{}
	closeOnce sync.Once
	err       error
}

// Option configures the SSH connector.
type Option func(*Connector)

// WithKeepalive sets the probe interval and how many consecutive misses close
// the transport.
func WithKeepalive(interval time.Duration, maxMissed int) Option {
	return func(c *Connector) {
		if interval > 0 {
			c.keepaliveInterval = interval
		}
		if maxMissed > 0 {
			c.keepaliveMax = maxMissed
		}
	}
}

// WithHostKeyCallback replaces the default accept-any host key policy.
func WithHostKeyCallback(cb gossh.HostKeyCallback) Option {
	return func(c *Connector) {
		c.hostKeyCallback = cb
	}
}

// New creates a new SSH connector. Nothing is dialed until Connect.
func New(cfg connector.Config, opts ...Option) *Connector {
	if cfg.Port == 0 {
		cfg.Port = 22
	}
	c := &Connector{
		cfg:               cfg,
		hostKeyCallback:   gossh.InsecureIgnoreHostKey(),
		keepaliveInterval: defaultKeepaliveInterval,
		keepaliveMax:      defaultKeepaliveMax,
		done:              make(chan struct{}),
	}
	c.health.Store(int32(connector.HealthUnhealthy))

	for _, opt := range opts {
		opt(c)
	}

	return c
}

func (c *Connector) addr() string {
	return net.JoinHostPort(c.cfg.Host, strconv.Itoa(c.cfg.Port))
}

func (c *Connector) authMethods() ([]gossh.AuthMethod, error) {
	var methods []gossh.AuthMethod

	if c.cfg.Auth != connector.AuthKey && c.cfg.Password != "" {
		methods = append(methods, gossh.Password(c.cfg.Password))
	}

	if c.cfg.Auth != connector.AuthPassword && c.cfg.PrivateKey != "" {
		signer, err := gossh.ParsePrivateKey([]byte(c.cfg.PrivateKey))
		if err != nil {
			return nil, fmt.Errorf("parse private key: %w", err)
		}
		methods = append(methods, gossh.PublicKeys(signer))
	}

	if len(methods) == 0 {
		return nil, fmt.Errorf("no credentials configured for %s auth", c.cfg.Auth)
	}
	return methods, nil
}

// Connect dials the host and completes the SSH handshake. The context bounds
// both the TCP dial and the handshake.
func (c *Connector) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.client != nil {
		return errors.New("ssh transport already connected")
	}
	select {
	case <-c.done:
		return ErrClosed
	default:
	}

	auth, err := c.authMethods()
	if err != nil {
		return err
	}

	config := &gossh.ClientConfig{
		User:            c.cfg.User,
		Auth:            auth,
		HostKeyCallback: c.hostKeyCallback,
	}
	if deadline, ok := ctx.Deadline(); ok {
		config.Timeout = time.Until(deadline)
	}

	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", c.addr())
	if err != nil {
		return fmt.Errorf("dial %s: %w", c.addr(), err)
	}

	// The handshake itself does not watch ctx.
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	sshConn, chans, reqs, err := gossh.NewClientConn(conn, c.addr(), config)
	stop()
	if err != nil {
		_ = conn.Close()
		if ctxErr := ctx.Err(); ctxErr != nil {
			return fmt.Errorf("handshake with %s: %w", c.addr(), ctxErr)
		}
		return fmt.Errorf("handshake with %s: %w", c.addr(), err)
	}
	_ = conn.SetDeadline(time.Time{})

	c.client = gossh.NewClient(sshConn, chans, reqs)
	c.health.Store(int32(connector.HealthUnknown))

	go c.wait(c.client)
	go c.keepalive(c.client)

	return nil
}

func (c *Connector) wait(client *gossh.Client) {
	err := client.Wait()
	if err == nil || errors.Is(err, io.EOF) {
		err = io.EOF
	}
	c.finish(fmt.Errorf("ssh transport closed: %w", err))
}

func (c *Connector) finish(err error) {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.err = err
		c.mu.Unlock()
		c.health.Store(int32(connector.HealthUnhealthy))
		close(c.done)
	})
}

func (c *Connector) keepalive(client *gossh.Client) {
	ticker := time.NewTicker(c.keepaliveInterval)
	defer ticker.Stop()

	missed := 0
	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
		}

		reply := make(chan error, 1)
		go func() {
			_, _, err := client.SendRequest(keepaliveRequest, true, nil)
			reply <- err
		}()

		var err error
		select {
		case err = <-reply:
		case <-time.After(c.keepaliveInterval):
			err = ErrKeepaliveTimeout
		case <-c.done:
			return
		}

		if err == nil {
			missed = 0
			c.health.Store(int32(connector.HealthHealthy))
			continue
		}

		missed++
		if missed >= c.keepaliveMax {
			c.finish(fmt.Errorf("%w after %d missed probes", ErrKeepaliveTimeout, missed))
			_ = client.Close()
			return
		}
	}
}

func (c *Connector) currentClient() (*gossh.Client, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.client == nil {
		return nil, ErrNotConnected
	}
	select {
	case <-c.done:
		if c.err != nil {
			return nil, c.err
		}
		return nil, ErrClosed
	default:
	}
	return c.client, nil
}

// Execute runs a command on a fresh channel and collects its output.
func (c *Connector) Execute(ctx context.Context, cmd string) (*connector.Result, error) {
	var stdout, stderr bytes.Buffer
	code, err := c.run(ctx, cmd, &stdout, &stderr)
	if err != nil {
		return nil, err
	}
	return &connector.Result{
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		ExitCode: code,
	}, nil
}

// Stream runs a command and delivers stdout lines as LineLog and stderr lines
// as LineError while the command runs.
func (c *Connector) Stream(ctx context.Context, cmd string, onLine connector.LineFunc) (*connector.Result, error) {
	stdout := connector.NewLineWriter(connector.LineLog, onLine)
	stderr := connector.NewLineWriter(connector.LineError, onLine)

	code, err := c.run(ctx, cmd, stdout, stderr)
	stdout.Flush()
	stderr.Flush()
	if err != nil {
		return nil, err
	}
	return &connector.Result{
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		ExitCode: code,
	}, nil
}

func (c *Connector) run(ctx context.Context, cmd string, stdout, stderr io.Writer) (int, error) {
	client, err := c.currentClient()
	if err != nil {
		return 0, err
	}

	session, err := client.NewSession()
	if err != nil {
		return 0, fmt.Errorf("open channel: %w", err)
	}
	defer session.Close()

	session.Stdout = stdout
	session.Stderr = stderr

	// Closing the channel unblocks Run. The remote process may keep running.
	stop := context.AfterFunc(ctx, func() { _ = session.Close() })
	defer stop()

	err = session.Run(cmd)
	if err == nil {
		return 0, nil
	}

	if ctxErr := ctx.Err(); ctxErr != nil {
		return 0, ctxErr
	}

	var exitErr *gossh.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitStatus(), nil
	}

	var missing *gossh.ExitMissingError
	if errors.As(err, &missing) {
		if transportErr := c.Err(); transportErr != nil {
			return 0, transportErr
		}
		return 0, ErrExitMissing
	}

	return 0, fmt.Errorf("run command: %w", err)
}

// Upload writes src to dst over SFTP, creating parent directories.
func (c *Connector) Upload(ctx context.Context, src io.Reader, dst string, mode uint32) error {
	client, err := c.currentClient()
	if err != nil {
		return err
	}

	sc, err := sftp.NewClient(client)
	if err != nil {
		return fmt.Errorf("start sftp: %w", err)
	}
	defer sc.Close()

	stop := context.AfterFunc(ctx, func() { _ = sc.Close() })
	defer stop()

	if err := sc.MkdirAll(path.Dir(dst)); err != nil {
		return fmt.Errorf("create remote directory for %s: %w", dst, err)
	}

	f, err := sc.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC)
	if err != nil {
		return fmt.Errorf("create remote file %s: %w", dst, err)
	}

	if _, err := io.Copy(f, src); err != nil {
		f.Close()
		return fmt.Errorf("write remote file %s: %w", dst, err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("close remote file %s: %w", dst, err)
	}

	if err := sc.Chmod(dst, os.FileMode(mode)); err != nil {
		return fmt.Errorf("chmod remote file %s: %w", dst, err)
	}
	return ctx.Err()
}

// Download copies the remote file src into dst over SFTP.
func (c *Connector) Download(ctx context.Context, src string, dst io.Writer) error {
	client, err := c.currentClient()
	if err != nil {
		return err
	}

	sc, err := sftp.NewClient(client)
	if err != nil {
		return fmt.Errorf("start sftp: %w", err)
	}
	defer sc.Close()

	stop := context.AfterFunc(ctx, func() { _ = sc.Close() })
	defer stop()

	f, err := sc.Open(src)
	if err != nil {
		return fmt.Errorf("open remote file %s: %w", src, err)
	}
	defer f.Close()

	if _, err := io.Copy(dst, f); err != nil {
		return fmt.Errorf("read remote file %s: %w", src, err)
	}
	return nil
}

// Health reports the keepalive view of the transport.
func (c *Connector) Health() connector.Health {
	return connector.Health(c.health.Load())
}

// Done is closed once the transport has ended.
func (c *Connector) Done() <-chan struct{} {
	return c.done
}

// Err returns the transport error once Done is closed. A local Close leaves it nil.
func (c *Connector) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// Close terminates the client connection.
func (c *Connector) Close() error {
	c.finish(nil)

	c.mu.Lock()
	client := c.client
	c.mu.Unlock()

	if client == nil {
		return nil
	}
	err := client.Close()
	if err != nil && !errors.Is(err, net.ErrClosed) {
		return err
	}
	return nil
}

// String returns a description of the connection.
func (c *Connector) String() string {
	return fmt.Sprintf("ssh://%s@%s", c.cfg.User, c.addr())
}

// Ensure Connector implements the connector.Connector interface.
var _ connector.Connector = (*Connector)(nil)
