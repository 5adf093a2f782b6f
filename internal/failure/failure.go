// Package failure defines the error taxonomy shared by every nftgate component.
package failure

import (
	"errors"
	"fmt"
)

// Kind classifies an Error.
type Kind int

const (
	// KindConnection covers authentication, dial and readiness failures.
	KindConnection Kind = iota + 1
	// KindExecution covers per-command timeouts and transport failures mid-command.
	KindExecution
	// KindProtocol covers a missing script or unexpected script output.
	KindProtocol
	// KindSafety is a refused request that would lock out the management port.
	KindSafety
	// KindCache covers cache storage failures. These are logged, never returned
	// from a remote operation.
	KindCache
)

func (k Kind) String() string {
	switch k {
	case KindConnection:
		return "connection"
	case KindExecution:
		return "execution"
	case KindProtocol:
		return "protocol"
	case KindSafety:
		return "safety"
	case KindCache:
		return "cache"
	default:
		return "unknown"
	}
}

// Error is a classified failure.
type Error struct {
	Kind   Kind
	Op     string
	HostID string
	Err    error
}

func (e *Error) Error() string {
	msg := e.Kind.String() + " error"
	if e.Op != "" {
		msg += " during " + e.Op
	}
	if e.HostID != "" {
		msg += fmt.Sprintf(" on host %s", e.HostID)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Connection returns a KindConnection error.
func Connection(hostID, op string, err error) error {
	return &Error{Kind: KindConnection, Op: op, HostID: hostID, Err: err}
}

// Execution returns a KindExecution error.
func Execution(hostID, op string, err error) error {
	return &Error{Kind: KindExecution, Op: op, HostID: hostID, Err: err}
}

// Protocol returns a KindProtocol error.
func Protocol(hostID, op string, err error) error {
	return &Error{Kind: KindProtocol, Op: op, HostID: hostID, Err: err}
}

// Safety returns a KindSafety error.
func Safety(hostID, op string, err error) error {
	return &Error{Kind: KindSafety, Op: op, HostID: hostID, Err: err}
}

// Cache returns a KindCache error.
func Cache(hostID, op string, err error) error {
	return &Error{Kind: KindCache, Op: op, HostID: hostID, Err: err}
}

// KindOf reports the Kind of the first *Error in err's chain, or 0.
func KindOf(err error) Kind {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return 0
}

// Is reports whether err carries the given kind.
func Is(err error, kind Kind) bool {
	return KindOf(err) == kind
}

// Retryable reports whether another attempt could succeed.
func Retryable(err error) bool {
	switch KindOf(err) {
	case KindConnection, KindExecution:
		return true
	default:
		return false
	}
}
