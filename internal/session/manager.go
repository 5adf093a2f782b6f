package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/eugenetaranov/nftgate/internal/connector"
	"github.com/eugenetaranov/nftgate/internal/connector/docker"
	"github.com/eugenetaranov/nftgate/internal/connector/local"
	sshconn "github.com/eugenetaranov/nftgate/internal/connector/ssh"
	"github.com/eugenetaranov/nftgate/internal/failure"
	"github.com/eugenetaranov/nftgate/internal/logging"
	"github.com/eugenetaranov/nftgate/internal/metrics"
	"github.com/eugenetaranov/nftgate/internal/registry"
)

// DefaultConnectTimeout bounds dial plus handshake.
const DefaultConnectTimeout = 20 * time.Second

const statusWriteTimeout = 5 * time.Second

// Dialer builds an unconnected transport for a host record.
type Dialer func(host *registry.Host) (connector.Connector, error)

// DefaultDialer picks the connector from the host's connection type.
func DefaultDialer(sshOpts ...sshconn.Option) Dialer {
	return func(host *registry.Host) (connector.Connector, error) {
		switch host.Connection {
		case "", registry.ConnectionSSH:
			return sshconn.New(host.ConnectorConfig(), sshOpts...), nil
		case registry.ConnectionLocal:
			return local.New(), nil
		case registry.ConnectionDocker:
			var opts []docker.Option
			if host.Username != "" {
				opts = append(opts, docker.WithUser(host.Username))
			}
			return docker.New(host.Address, opts...), nil
		default:
			return nil, fmt.Errorf("unknown connection type %q", host.Connection)
		}
	}
}

// Manager owns the hostId to Session table.
type Manager struct {
	registry       registry.Registry
	dial           Dialer
	connectTimeout time.Duration
	log            *logging.Logger
	metrics        *metrics.Registry
	now            func() time.Time

	mu       sync.RWMutex
	sessions map[string]*Session
	group    singleflight.Group
}

// Option configures the Manager.
type Option func(*Manager)

// WithDialer replaces DefaultDialer.
func WithDialer(d Dialer) Option {
	return func(m *Manager) {
		m.dial = d
	}
}

// WithConnectTimeout sets how long Connect waits for a ready transport.
func WithConnectTimeout(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.connectTimeout = d
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *logging.Logger) Option {
	return func(m *Manager) {
		m.log = l.WithComponent("session")
	}
}

// WithMetrics sets the metrics registry.
func WithMetrics(r *metrics.Registry) Option {
	return func(m *Manager) {
		m.metrics = r
	}
}

// NewManager creates a Manager that resolves hosts through reg.
func NewManager(reg registry.Registry, opts ...Option) *Manager {
	m := &Manager{
		registry:       reg,
		dial:           DefaultDialer(),
		connectTimeout: DefaultConnectTimeout,
		log:            logging.Discard(),
		metrics:        metrics.New(),
		now:            time.Now,
		sessions:       make(map[string]*Session),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Connect returns a usable session for hostID, dialing if there is none or
// the existing one is unhealthy. Concurrent calls for one host share a single
// dial.
func (m *Manager) Connect(ctx context.Context, hostID string) (*Session, error) {
	if s := m.current(hostID); s != nil && s.Health().Usable() {
		return s, nil
	}

	// The shared dial must not die with whichever caller started it.
	flight := context.WithoutCancel(ctx)
	ch := m.group.DoChan(hostID, func() (any, error) {
		return m.connect(flight, hostID)
	})

	select {
	case <-ctx.Done():
		return nil, failure.Connection(hostID, "connect", ctx.Err())
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*Session), nil
	}
}

func (m *Manager) connect(ctx context.Context, hostID string) (*Session, error) {
	log := m.log.WithHost(hostID)

	if s := m.current(hostID); s != nil {
		if s.Health().Usable() {
			return s, nil
		}
		log.Info("replacing unhealthy session", "health", s.Health().String())
		if m.remove(hostID, s) {
			_ = s.conn.Close()
		}
	}

	host, err := m.registry.FindHost(ctx, hostID)
	if err != nil {
		m.metrics.ConnectTotal.WithLabelValues(metrics.ResultFailure).Inc()
		return nil, failure.Connection(hostID, "lookup host", err)
	}

	conn, err := m.dial(host)
	if err != nil {
		m.fail(hostID)
		return nil, failure.Connection(hostID, "dial", err)
	}

	cctx, cancel := context.WithTimeout(ctx, m.connectTimeout)
	defer cancel()

	start := m.now()
	if err := conn.Connect(cctx); err != nil {
		_ = conn.Close()
		m.fail(hostID)
		if errors.Is(cctx.Err(), context.DeadlineExceeded) {
			err = fmt.Errorf("not ready within %s: %w", m.connectTimeout, err)
		}
		log.Warn("connect failed", "transport", conn.String(), "error", err)
		return nil, failure.Connection(hostID, "connect", err)
	}

	s := newSession(hostID, conn, m.now())
	m.mu.Lock()
	m.sessions[hostID] = s
	m.metrics.SessionsActive.Set(float64(len(m.sessions)))
	m.mu.Unlock()

	m.metrics.ConnectTotal.WithLabelValues(metrics.ResultSuccess).Inc()
	m.setStatus(hostID, registry.StatusOnline)
	log.Info("connected", "transport", conn.String(), "elapsed", m.now().Sub(start))

	go m.watch(s)
	return s, nil
}

func (m *Manager) fail(hostID string) {
	m.metrics.ConnectTotal.WithLabelValues(metrics.ResultFailure).Inc()
	m.setStatus(hostID, registry.StatusError)
}

// watch removes the session once its transport ends on its own.
func (m *Manager) watch(s *Session) {
	<-s.conn.Done()
	if !m.remove(s.HostID, s) {
		return
	}

	err := s.conn.Err()
	status := registry.StatusOffline
	if err != nil && !errors.Is(err, io.EOF) {
		status = registry.StatusError
	}
	m.log.WithHost(s.HostID).Warn("session ended", "error", err, "status", status)
	m.setStatus(s.HostID, status)
}

// Demote drops s if it is still the current session for hostID. Callers use
// it once a command has shown the transport to be gone.
func (m *Manager) Demote(hostID string, s *Session) {
	if s == nil || !m.remove(hostID, s) {
		return
	}
	_ = s.conn.Close()
	m.log.WithHost(hostID).Info("session demoted")
	m.setStatus(hostID, registry.StatusOffline)
}

// Disconnect closes the host's session, if any. The session is dropped and
// the host marked offline straight away; ctx bounds only the wait for the
// transport to close, which finishes in the background if ctx ends first.
func (m *Manager) Disconnect(ctx context.Context, hostID string) error {
	s := m.current(hostID)
	if s == nil || !m.remove(hostID, s) {
		return nil
	}
	m.setStatus(hostID, registry.StatusOffline)
	m.log.WithHost(hostID).Info("disconnected")

	closed := make(chan error, 1)
	go func() { closed <- s.conn.Close() }()
	select {
	case err := <-closed:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// DisconnectAll closes every session and returns how many were closed.
func (m *Manager) DisconnectAll(ctx context.Context) int {
	n := 0
	for _, id := range m.Hosts() {
		if err := m.Disconnect(ctx, id); err != nil {
			m.log.WithHost(id).Warn("disconnect failed", "error", err)
		}
		n++
	}
	return n
}

// Lookup returns the current session for hostID regardless of health.
func (m *Manager) Lookup(hostID string) (*Session, bool) {
	s := m.current(hostID)
	return s, s != nil
}

// Health reports the session's health, or HealthUnhealthy if there is none.
func (m *Manager) Health(hostID string) connector.Health {
	s := m.current(hostID)
	if s == nil {
		return connector.HealthUnhealthy
	}
	return s.Health()
}

// IsHealthy treats an unknown health as healthy.
func (m *Manager) IsHealthy(hostID string) bool {
	return m.Health(hostID).Usable()
}

// Hosts returns the ids with a session, sorted.
func (m *Manager) Hosts() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	ids := make([]string, 0, len(m.sessions))
	for id := range m.sessions {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (m *Manager) current(hostID string) *Session {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.sessions[hostID]
}

// remove deletes s from the table if it is still the entry for hostID.
func (m *Manager) remove(hostID string, s *Session) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.sessions[hostID] != s {
		return false
	}
	delete(m.sessions, hostID)
	m.metrics.SessionsActive.Set(float64(len(m.sessions)))
	return true
}

func (m *Manager) setStatus(hostID string, status registry.Status) {
	ctx, cancel := context.WithTimeout(context.Background(), statusWriteTimeout)
	defer cancel()
	if err := m.registry.UpdateStatus(ctx, hostID, status); err != nil {
		m.log.WithHost(hostID).Warn("status update failed", "status", status, "error", err)
	}
}
