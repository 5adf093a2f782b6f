// Package fake provides an in-memory connector whose command results come
// from a Responder function. Tests across nftgate use it to stand in for a
// remote host.
package fake

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"sync/atomic"

	"github.com/eugenetaranov/nftgate/internal/connector"
)

// Responder produces the result of one command.
type Responder func(ctx context.Context, cmd string) (*connector.Result, error)

// ErrClosed is returned for commands after Close or End.
var ErrClosed = errors.New("fake connector closed")

// Connector is a scriptable connector.Connector.
type Connector struct {
	Name string

	respond    Responder
	connectErr error

	health    atomic.Int32
	closed    atomic.Bool
	done      chan struct{}
	closeOnce sync.Once

	mu       sync.Mutex
	err      error
	commands []string
	files    map[string]File
}

// File is an uploaded file.
type File struct {
	Data []byte
	Mode uint32
}

// New returns a connector answering commands with respond. A nil respond
// answers every command with an empty, successful result.
func New(respond Responder) *Connector {
	if respond == nil {
		respond = func(context.Context, string) (*connector.Result, error) {
			return &connector.Result{}, nil
		}
	}
	c := &Connector{
		Name:    "fake",
		respond: respond,
		done:    make(chan struct{}),
		files:   make(map[string]File),
	}
	c.health.Store(int32(connector.HealthUnknown))
	return c
}

// FailConnect makes Connect return err.
func (c *Connector) FailConnect(err error) *Connector {
	c.connectErr = err
	return c
}

// SetHealth overrides the reported health.
func (c *Connector) SetHealth(h connector.Health) {
	c.health.Store(int32(h))
}

// End simulates the transport dying with err.
func (c *Connector) End(err error) {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.err = err
		c.mu.Unlock()
		c.health.Store(int32(connector.HealthUnhealthy))
		close(c.done)
	})
}

// Closed reports whether Close was called.
func (c *Connector) Closed() bool {
	return c.closed.Load()
}

// Commands returns every command run so far.
func (c *Connector) Commands() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.commands...)
}

// File returns an uploaded file.
func (c *Connector) File(path string) (File, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	f, ok := c.files[path]
	return f, ok
}

// Connect implements connector.Connector.
func (c *Connector) Connect(ctx context.Context) error {
	if c.connectErr != nil {
		return c.connectErr
	}
	return ctx.Err()
}

func (c *Connector) run(ctx context.Context, cmd string) (*connector.Result, error) {
	select {
	case <-c.done:
		return nil, ErrClosed
	default:
	}
	c.mu.Lock()
	c.commands = append(c.commands, cmd)
	c.mu.Unlock()
	return c.respond(ctx, cmd)
}

// Execute implements connector.Connector.
func (c *Connector) Execute(ctx context.Context, cmd string) (*connector.Result, error) {
	return c.run(ctx, cmd)
}

// Stream implements connector.Connector by replaying the Responder's output
// through line writers.
func (c *Connector) Stream(ctx context.Context, cmd string, onLine connector.LineFunc) (*connector.Result, error) {
	res, err := c.run(ctx, cmd)
	if err != nil {
		return nil, err
	}
	stdout := connector.NewLineWriter(connector.LineLog, onLine)
	stderr := connector.NewLineWriter(connector.LineError, onLine)
	_, _ = io.WriteString(stdout, res.Stdout)
	_, _ = io.WriteString(stderr, res.Stderr)
	stdout.Flush()
	stderr.Flush()
	return res, nil
}

// Upload stores the file in memory.
func (c *Connector) Upload(ctx context.Context, src io.Reader, dst string, mode uint32) error {
	data, err := io.ReadAll(src)
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.files[dst] = File{Data: data, Mode: mode}
	c.mu.Unlock()
	return nil
}

// Download copies a previously uploaded file.
func (c *Connector) Download(ctx context.Context, src string, dst io.Writer) error {
	f, ok := c.File(src)
	if !ok {
		return fmt.Errorf("%s: %w", src, os.ErrNotExist)
	}
	_, err := io.Copy(dst, bytes.NewReader(f.Data))
	return err
}

// Health implements connector.Connector.
func (c *Connector) Health() connector.Health {
	return connector.Health(c.health.Load())
}

// Done implements connector.Connector.
func (c *Connector) Done() <-chan struct{} {
	return c.done
}

// Err implements connector.Connector.
func (c *Connector) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// Close implements connector.Connector.
func (c *Connector) Close() error {
	c.closed.Store(true)
	c.End(nil)
	return nil
}

func (c *Connector) String() string {
	return "fake://" + c.Name
}

var _ connector.Connector = (*Connector)(nil)
