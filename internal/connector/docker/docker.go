// Package docker provides a connector for hosts that are Docker containers,
// mostly useful for trying the script against a throwaway target.
package docker

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/eugenetaranov/nftgate/internal/connector"
)

// Connector executes commands inside Docker containers.
type Connector struct {
	container string
	user      string
	workdir   string
	env       map[string]string

	verified  atomic.Bool
	done      chan struct{}
	closeOnce sync.Once
}

var errClosed = errors.New("docker connector closed")

// Option configures the Docker connector.
type Option func(*Connector)

// WithUser sets the user for command execution.
func WithUser(user string) Option {
	return func(c *Connector) {
		c.user = user
	}
}

// WithWorkdir sets the working directory for command execution.
func WithWorkdir(dir string) Option {
	return func(c *Connector) {
		c.workdir = dir
	}
}

// WithEnv adds an environment variable for command execution.
func WithEnv(key, value string) Option {
	return func(c *Connector) {
		if c.env == nil {
			c.env = make(map[string]string)
		}
		c.env[key] = value
	}
}

// New creates a new Docker connector for the specified container.
func New(container string, opts ...Option) *Connector {
	c := &Connector{
		container: container,
		env:       make(map[string]string),
		done:      make(chan struct{}),
	}

	for _, opt := range opts {
		opt(c)
	}

	return c
}

// Connect verifies the container exists and is running.
func (c *Connector) Connect(ctx context.Context) error {
	// Check if docker is available
	if _, err := exec.LookPath("docker"); err != nil {
		return fmt.Errorf("docker command not found: %w", err)
	}

	// Check if container exists and is running
	cmd := exec.CommandContext(ctx, "docker", "inspect", "-f", "{{.State.Running}}", c.container)
	output, err := cmd.Output()
	if err != nil {
		return fmt.Errorf("container '%s' not found or not accessible: %w", c.container, err)
	}

	if strings.TrimSpace(string(output)) != "true" {
		return fmt.Errorf("container '%s' is not running", c.container)
	}

	c.verified.Store(true)
	return nil
}

// Execute runs a command inside the container.
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

// Stream runs a command inside the container, handing output lines to onLine.
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
	select {
	case <-c.done:
		return 0, errClosed
	default:
	}

	execCmd := exec.CommandContext(ctx, "docker", c.buildExecArgs(cmd)...)
	execCmd.Stdout = stdout
	execCmd.Stderr = stderr

	err := execCmd.Run()
	if err == nil {
		return 0, nil
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return 0, ctxErr
	}
	if exitErr, ok := err.(*exec.ExitError); ok {
		return exitErr.ExitCode(), nil
	}
	return 0, fmt.Errorf("failed to execute command in container: %w", err)
}

// buildExecArgs builds the docker exec command arguments.
func (c *Connector) buildExecArgs(cmd string) []string {
	args := []string{"exec"}

	// Add interactive flag for proper stdin handling
	args = append(args, "-i")

	// Add user if specified
	if c.user != "" {
		args = append(args, "-u", c.user)
	}

	// Add working directory if specified
	if c.workdir != "" {
		args = append(args, "-w", c.workdir)
	}

	// Add environment variables
	for k, v := range c.env {
		args = append(args, "-e", fmt.Sprintf("%s=%s", k, v))
	}

	// Add container and command
	args = append(args, c.container, "/bin/sh", "-c", cmd)

	return args
}

// Upload copies content to a file inside the container.
func (c *Connector) Upload(ctx context.Context, src io.Reader, dst string, mode uint32) error {
	// Docker cp doesn't support stdin directly, so we need a temp file
	tmpFile, err := os.CreateTemp("", "nftgate-upload-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpPath := tmpFile.Name()
	defer os.Remove(tmpPath)

	// Write content to temp file
	if _, err := io.Copy(tmpFile, src); err != nil {
		tmpFile.Close()
		return fmt.Errorf("failed to write temp file: %w", err)
	}
	tmpFile.Close()

	// Set permissions on temp file
	if err := os.Chmod(tmpPath, os.FileMode(mode)); err != nil {
		return fmt.Errorf("failed to set temp file mode: %w", err)
	}

	// Copy to container
	cmd := exec.CommandContext(ctx, "docker", "cp", tmpPath, fmt.Sprintf("%s:%s", c.container, dst))
	if output, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("failed to copy file to container: %s: %w", string(output), err)
	}

	// Set permissions inside container
	chmodCmd := fmt.Sprintf("chmod %o %s", mode, dst)
	if _, err := c.Execute(ctx, chmodCmd); err != nil {
		return fmt.Errorf("failed to set file permissions in container: %w", err)
	}

	return nil
}

// Download copies content from a file inside the container.
func (c *Connector) Download(ctx context.Context, src string, dst io.Writer) error {
	// Docker cp doesn't support stdout directly, so we need a temp file
	tmpFile, err := os.CreateTemp("", "nftgate-download-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpPath := tmpFile.Name()
	tmpFile.Close()
	defer os.Remove(tmpPath)

	// Copy from container
	cmd := exec.CommandContext(ctx, "docker", "cp", fmt.Sprintf("%s:%s", c.container, src), tmpPath)
	if output, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("failed to copy file from container: %s: %w", string(output), err)
	}

	// Read temp file and write to dst
	f, err := os.Open(tmpPath)
	if err != nil {
		return fmt.Errorf("failed to open temp file: %w", err)
	}
	defer f.Close()

	if _, err := io.Copy(dst, f); err != nil {
		return fmt.Errorf("failed to read downloaded file: %w", err)
	}

	return nil
}

// Health is unknown until Connect has seen the container running.
func (c *Connector) Health() connector.Health {
	select {
	case <-c.done:
		return connector.HealthUnhealthy
	default:
	}
	if c.verified.Load() {
		return connector.HealthHealthy
	}
	return connector.HealthUnknown
}

// Done is closed by Close.
func (c *Connector) Done() <-chan struct{} {
	return c.done
}

// Err is always nil; container disappearance surfaces as command failures.
func (c *Connector) Err() error {
	return nil
}

// Close marks the connector as ended.
func (c *Connector) Close() error {
	c.closeOnce.Do(func() { close(c.done) })
	return nil
}

// String returns a description of the connection.
func (c *Connector) String() string {
	desc := fmt.Sprintf("docker://%s", c.container)
	if c.user != "" {
		desc = fmt.Sprintf("docker://%s@%s", c.user, c.container)
	}
	return desc
}

// Ensure Connector implements the connector.Connector interface.
var _ connector.Connector = (*Connector)(nil)
