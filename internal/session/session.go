// Package session keeps one live transport per managed host and replaces it
// when it dies.
package session

import (
	"context"
	"fmt"
	"io"
	"sync/atomic"
	"time"

	"github.com/eugenetaranov/nftgate/internal/connector"
)

// Session is the live transport for one host.
type Session struct {
	HostID  string
	Created time.Time

	conn         connector.Connector
	lastActivity atomic.Int64
}

func newSession(hostID string, conn connector.Connector, now time.Time) *Session {
	s := &Session{HostID: hostID, Created: now, conn: conn}
	s.lastActivity.Store(now.UnixNano())
	return s
}

// Conn returns the underlying transport.
func (s *Session) Conn() connector.Connector {
	return s.conn
}

// Health reports transport liveness.
func (s *Session) Health() connector.Health {
	return s.conn.Health()
}

// LastActivity is when a command was last started on the session.
func (s *Session) LastActivity() time.Time {
	return time.Unix(0, s.lastActivity.Load())
}

func (s *Session) touch() {
	s.lastActivity.Store(time.Now().UnixNano())
}

// Execute runs cmd on the transport.
func (s *Session) Execute(ctx context.Context, cmd string) (*connector.Result, error) {
	s.touch()
	return s.conn.Execute(ctx, cmd)
}

// Stream runs cmd on the transport, delivering output lines to onLine.
func (s *Session) Stream(ctx context.Context, cmd string, onLine connector.LineFunc) (*connector.Result, error) {
	s.touch()
	return s.conn.Stream(ctx, cmd, onLine)
}

// Upload writes src to dst on the host.
func (s *Session) Upload(ctx context.Context, src io.Reader, dst string, mode uint32) error {
	s.touch()
	return s.conn.Upload(ctx, src, dst, mode)
}

// Download copies the remote file src into dst.
func (s *Session) Download(ctx context.Context, src string, dst io.Writer) error {
	s.touch()
	return s.conn.Download(ctx, src, dst)
}

func (s *Session) String() string {
	return fmt.Sprintf("%s (%s)", s.HostID, s.conn)
}
