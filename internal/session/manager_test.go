package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eugenetaranov/nftgate/internal/connector"
	"github.com/eugenetaranov/nftgate/internal/connector/fake"
	"github.com/eugenetaranov/nftgate/internal/connector/ssh/sshtest"
	"github.com/eugenetaranov/nftgate/internal/failure"
	"github.com/eugenetaranov/nftgate/internal/metrics"
	"github.com/eugenetaranov/nftgate/internal/registry"
)

func okHandler(ctx context.Context, cmd string, stdout, stderr io.Writer) int {
	fmt.Fprint(stdout, cmd)
	return 0
}

func hostFor(srv *sshtest.Server, id string) registry.Host {
	return registry.Host{
		ID:       id,
		Address:  srv.Host,
		Port:     srv.Port,
		Username: sshtest.User,
		Password: sshtest.Password,
	}
}

func statusOf(t *testing.T, reg *registry.Memory, id string) registry.Status {
	t.Helper()
	h, err := reg.FindHost(context.Background(), id)
	require.NoError(t, err)
	return h.Status
}

func TestConnectOverSSH(t *testing.T) {
	srv := sshtest.New(t, okHandler)
	reg := registry.NewMemory(hostFor(srv, "web-1"))
	met := metrics.New()
	m := NewManager(reg, WithMetrics(met))
	t.Cleanup(func() { m.DisconnectAll(context.Background()) })

	s, err := m.Connect(context.Background(), "web-1")
	require.NoError(t, err)
	assert.Equal(t, "web-1", s.HostID)
	assert.Equal(t, registry.StatusOnline, statusOf(t, reg, "web-1"))
	assert.True(t, m.IsHealthy("web-1"))
	assert.Equal(t, []string{"web-1"}, m.Hosts())

	res, err := s.Execute(context.Background(), "uname")
	require.NoError(t, err)
	assert.Equal(t, "uname", res.Stdout)

	again, err := m.Connect(context.Background(), "web-1")
	require.NoError(t, err)
	assert.Same(t, s, again)
	assert.Equal(t, 1, srv.Connections())
	assert.Equal(t, 1.0, testutil.ToFloat64(met.SessionsActive))
}

func TestConcurrentConnectConverges(t *testing.T) {
	srv := sshtest.New(t, okHandler)
	reg := registry.NewMemory(hostFor(srv, "web-1"))
	m := NewManager(reg)
	t.Cleanup(func() { m.DisconnectAll(context.Background()) })

	const callers = 16
	sessions := make([]*Session, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			s, err := m.Connect(context.Background(), "web-1")
			assert.NoError(t, err)
			sessions[i] = s
		}(i)
	}
	wg.Wait()

	for _, s := range sessions[1:] {
		assert.Same(t, sessions[0], s)
	}
	assert.Equal(t, 1, srv.Connections())
	assert.Len(t, m.Hosts(), 1)
}

func TestConnectBadCredentials(t *testing.T) {
	srv := sshtest.New(t, okHandler)
	h := hostFor(srv, "web-1")
	h.Password = "wrong"
	reg := registry.NewMemory(h)
	m := NewManager(reg)

	_, err := m.Connect(context.Background(), "web-1")
	require.Error(t, err)
	assert.True(t, failure.Is(err, failure.KindConnection))
	assert.Equal(t, registry.StatusError, statusOf(t, reg, "web-1"))
	_, ok := m.Lookup("web-1")
	assert.False(t, ok)
}

func TestConnectUnknownHost(t *testing.T) {
	m := NewManager(registry.NewMemory())
	_, err := m.Connect(context.Background(), "ghost")
	require.Error(t, err)
	assert.True(t, failure.Is(err, failure.KindConnection))
	assert.ErrorIs(t, err, registry.ErrHostNotFound)
}

func TestConnectTimeout(t *testing.T) {
	// Accepts TCP but never speaks SSH.
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	var (
		mu    sync.Mutex
		conns []net.Conn
	)
	t.Cleanup(func() {
		ln.Close()
		mu.Lock()
		defer mu.Unlock()
		for _, c := range conns {
			c.Close()
		}
	})
	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			mu.Lock()
			conns = append(conns, c)
			mu.Unlock()
		}
	}()

	host, port, _ := net.SplitHostPort(ln.Addr().String())
	p, _ := strconv.Atoi(port)
	reg := registry.NewMemory(registry.Host{ID: "slow", Address: host, Port: p, Username: "root", Password: "x"})
	m := NewManager(reg, WithConnectTimeout(200*time.Millisecond))

	start := time.Now()
	_, err = m.Connect(context.Background(), "slow")
	require.Error(t, err)
	assert.Less(t, time.Since(start), 5*time.Second)
	assert.Contains(t, err.Error(), "not ready within")
	assert.Equal(t, registry.StatusError, statusOf(t, reg, "slow"))
}

func TestTransportDropRemovesSession(t *testing.T) {
	srv := sshtest.New(t, okHandler)
	reg := registry.NewMemory(hostFor(srv, "web-1"))
	m := NewManager(reg)

	_, err := m.Connect(context.Background(), "web-1")
	require.NoError(t, err)

	srv.DropConnections()

	assert.Eventually(t, func() bool {
		_, ok := m.Lookup("web-1")
		return !ok
	}, 5*time.Second, 10*time.Millisecond)
	assert.Eventually(t, func() bool {
		st := statusOf(t, reg, "web-1")
		return st == registry.StatusOffline || st == registry.StatusError
	}, time.Second, 10*time.Millisecond)
	assert.False(t, m.IsHealthy("web-1"))

	// Reconnect gets a fresh session.
	s, err := m.Connect(context.Background(), "web-1")
	require.NoError(t, err)
	assert.Equal(t, 2, srv.Connections())
	_ = m.Disconnect(context.Background(), s.HostID)
}

func TestDisconnect(t *testing.T) {
	srv := sshtest.New(t, okHandler)
	reg := registry.NewMemory(hostFor(srv, "a"), hostFor(srv, "b"))
	m := NewManager(reg)

	for _, id := range []string{"a", "b"} {
		_, err := m.Connect(context.Background(), id)
		require.NoError(t, err)
	}

	require.NoError(t, m.Disconnect(context.Background(), "a"))
	require.NoError(t, m.Disconnect(context.Background(), "a"))
	assert.Equal(t, registry.StatusOffline, statusOf(t, reg, "a"))
	assert.Equal(t, []string{"b"}, m.Hosts())

	assert.Equal(t, 1, m.DisconnectAll(context.Background()))
	assert.Empty(t, m.Hosts())
	assert.Equal(t, registry.StatusOffline, statusOf(t, reg, "b"))
}

// stuckConn is a transport whose Close waits for release.
type stuckConn struct {
	*fake.Connector
	release chan struct{}
}

func (c *stuckConn) Close() error {
	<-c.release
	return c.Connector.Close()
}

func TestDisconnectHonoursContext(t *testing.T) {
	reg := registry.NewMemory(registry.Host{ID: "h", Address: "x", Username: "root"})
	conn := &stuckConn{Connector: newFakeConn(connector.HealthHealthy), release: make(chan struct{})}
	m := NewManager(reg, WithDialer(func(*registry.Host) (connector.Connector, error) { return conn, nil }))

	_, err := m.Connect(context.Background(), "h")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err = m.Disconnect(ctx, "h")
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	_, ok := m.Lookup("h")
	assert.False(t, ok)
	assert.Equal(t, registry.StatusOffline, statusOf(t, reg, "h"))

	close(conn.release)
	assert.Eventually(t, conn.Closed, time.Second, 5*time.Millisecond)
}

func newFakeConn(h connector.Health) *fake.Connector {
	c := fake.New(nil)
	c.SetHealth(h)
	return c
}

func TestUnhealthySessionIsReplaced(t *testing.T) {
	reg := registry.NewMemory(registry.Host{ID: "h", Address: "x", Username: "root"})

	var dials []*fake.Connector
	var mu sync.Mutex
	m := NewManager(reg, WithDialer(func(host *registry.Host) (connector.Connector, error) {
		mu.Lock()
		defer mu.Unlock()
		c := newFakeConn(connector.HealthUnknown)
		dials = append(dials, c)
		return c, nil
	}))

	first, err := m.Connect(context.Background(), "h")
	require.NoError(t, err)
	assert.Equal(t, connector.HealthUnknown, m.Health("h"))
	assert.True(t, m.IsHealthy("h"), "unknown health counts as healthy")

	dials[0].SetHealth(connector.HealthUnhealthy)
	assert.False(t, m.IsHealthy("h"))

	second, err := m.Connect(context.Background(), "h")
	require.NoError(t, err)
	assert.NotSame(t, first, second)
	assert.True(t, dials[0].Closed())
	assert.Len(t, dials, 2)

	// The replaced transport's close must not mark the host offline.
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, registry.StatusOnline, statusOf(t, reg, "h"))
}

func TestDemote(t *testing.T) {
	reg := registry.NewMemory(registry.Host{ID: "h", Address: "x", Username: "root"})
	conn := newFakeConn(connector.HealthHealthy)
	m := NewManager(reg, WithDialer(func(*registry.Host) (connector.Connector, error) { return conn, nil }))

	s, err := m.Connect(context.Background(), "h")
	require.NoError(t, err)

	m.Demote("h", nil)
	m.Demote("h", &Session{})
	_, ok := m.Lookup("h")
	require.True(t, ok, "demoting a stale session is a no-op")

	m.Demote("h", s)
	_, ok = m.Lookup("h")
	assert.False(t, ok)
	assert.True(t, conn.Closed())
	assert.Equal(t, registry.StatusOffline, statusOf(t, reg, "h"))
}

func TestTransportErrorWritesErrorStatus(t *testing.T) {
	reg := registry.NewMemory(registry.Host{ID: "h", Address: "x", Username: "root"})
	conn := newFakeConn(connector.HealthHealthy)
	m := NewManager(reg, WithDialer(func(*registry.Host) (connector.Connector, error) { return conn, nil }))

	_, err := m.Connect(context.Background(), "h")
	require.NoError(t, err)

	conn.End(errors.New("keepalive timed out"))

	assert.Eventually(t, func() bool {
		return statusOf(t, reg, "h") == registry.StatusError
	}, time.Second, 5*time.Millisecond)
}

func TestConnectCallerCancellation(t *testing.T) {
	reg := registry.NewMemory(registry.Host{ID: "h", Address: "x", Username: "root"})
	release := make(chan struct{})
	m := NewManager(reg, WithDialer(func(*registry.Host) (connector.Connector, error) {
		<-release
		return newFakeConn(connector.HealthHealthy), nil
	}))

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		_, err := m.Connect(ctx, "h")
		errCh <- err
	}()
	cancel()

	err := <-errCh
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)

	// The shared dial still completes for later callers.
	close(release)
	s, err := m.Connect(context.Background(), "h")
	require.NoError(t, err)
	assert.Equal(t, "h", s.HostID)
}
