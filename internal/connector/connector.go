// Package connector defines the transport interface used to run commands on
// managed hosts.
package connector

import (
	"context"
	"io"
)

// Result holds the output from command execution. A non-zero ExitCode is a
// normal result, not an error.
type Result struct {
	Stdout   string
	Stderr   string
	ExitCode int
}

// LineKind tags a streamed output line with its origin.
type LineKind string

const (
	// LineLog is a line read from stdout.
	LineLog LineKind = "log"
	// LineError is a line read from stderr.
	LineError LineKind = "error"
)

// LineFunc receives streamed output one trimmed, non-empty line at a time.
type LineFunc func(text string, kind LineKind)

// Health is the transport's view of its own liveness.
type Health int

const (
	// HealthUnhealthy means the transport is known to be gone.
	HealthUnhealthy Health = iota
	// HealthHealthy means the transport answered recently.
	HealthHealthy
	// HealthUnknown means no liveness signal is available yet. Callers treat
	// it as healthy.
	HealthUnknown
)

func (h Health) String() string {
	switch h {
	case HealthHealthy:
		return "healthy"
	case HealthUnknown:
		return "unknown"
	default:
		return "unhealthy"
	}
}

// Usable reports whether commands should be attempted on the transport.
func (h Health) Usable() bool {
	return h == HealthHealthy || h == HealthUnknown
}

// Connector is the interface for connecting to and executing commands on targets.
type Connector interface {
	// Connect establishes a connection to the target.
	Connect(ctx context.Context) error

	// Execute runs a command on the target and returns the result.
	Execute(ctx context.Context, cmd string) (*Result, error)

	// Stream runs a command and delivers its output line by line as it arrives.
	Stream(ctx context.Context, cmd string, onLine LineFunc) (*Result, error)

	// Upload copies a file from local source to remote destination.
	Upload(ctx context.Context, src io.Reader, dst string, mode uint32) error

	// Download copies a file from remote source to local destination.
	Download(ctx context.Context, src string, dst io.Writer) error

	// Health reports transport liveness without a round trip.
	Health() Health

	// Done is closed when the transport ends for any reason.
	Done() <-chan struct{}

	// Err returns why the transport ended, or nil after a clean Close.
	Err() error

	// Close terminates the connection.
	Close() error

	// String returns a human-readable description of the connection.
	String() string
}

// AuthType selects how a connector authenticates.
type AuthType string

const (
	AuthPassword AuthType = "password"
	AuthKey      AuthType = "key"
)

// Config holds common configuration for connectors.
type Config struct {
	// Host is the target hostname or IP address.
	Host string

	// Port is the target port.
	Port int

	// User is the username for authentication.
	User string

	// Auth selects password or private key authentication.
	Auth AuthType

	// Password is used when Auth is AuthPassword.
	Password string

	// PrivateKey is a PEM encoded key used when Auth is AuthKey.
	PrivateKey string
}
