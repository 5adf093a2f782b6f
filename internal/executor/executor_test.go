package executor

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eugenetaranov/nftgate/internal/connector"
	"github.com/eugenetaranov/nftgate/internal/connector/fake"
	"github.com/eugenetaranov/nftgate/internal/failure"
	"github.com/eugenetaranov/nftgate/internal/metrics"
	"github.com/eugenetaranov/nftgate/internal/registry"
	"github.com/eugenetaranov/nftgate/internal/session"
)

const hostID = "fw-1"

var fastRetry = RetryPolicy{MaxAttempts: 3, Delay: time.Millisecond}

// harness dials a new fake connector, built by mk, on every connect.
type harness struct {
	mu    sync.Mutex
	conns []*fake.Connector
	mk    func(n int) *fake.Connector

	sessions *session.Manager
	metrics  *metrics.Registry
}

func newHarness(t *testing.T, mk func(n int) *fake.Connector) *harness {
	t.Helper()
	h := &harness{mk: mk, metrics: metrics.New()}
	reg := registry.NewMemory(registry.Host{ID: hostID, Address: "10.0.0.1", Username: "root"})
	h.sessions = session.NewManager(reg, session.WithDialer(func(*registry.Host) (connector.Connector, error) {
		h.mu.Lock()
		defer h.mu.Unlock()
		c := h.mk(len(h.conns))
		h.conns = append(h.conns, c)
		return c, nil
	}))
	t.Cleanup(func() { h.sessions.DisconnectAll(context.Background()) })
	return h
}

func (h *harness) dials() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.conns)
}

func (h *harness) executor(opts ...Option) *Executor {
	opts = append([]Option{WithRetryPolicy(fastRetry), WithMetrics(h.metrics)}, opts...)
	return New(h.sessions, opts...)
}

func TestExecuteConnectsAndRuns(t *testing.T) {
	h := newHarness(t, func(int) *fake.Connector {
		return fake.New(func(ctx context.Context, cmd string) (*connector.Result, error) {
			return &connector.Result{Stdout: "ok:" + cmd}, nil
		})
	})

	res, err := h.executor().Execute(context.Background(), hostID, "uptime")
	require.NoError(t, err)
	assert.Equal(t, "ok:uptime", res.Stdout)
	assert.Equal(t, 1, h.dials())
	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.CommandAttempts.WithLabelValues("exec", metrics.ResultSuccess)))
}

func TestExecuteNonZeroExitIsNotRetried(t *testing.T) {
	var calls atomic.Int32
	h := newHarness(t, func(int) *fake.Connector {
		return fake.New(func(ctx context.Context, cmd string) (*connector.Result, error) {
			calls.Add(1)
			return &connector.Result{Stderr: "nope", ExitCode: 2}, nil
		})
	})

	res, err := h.executor().Execute(context.Background(), hostID, "false")
	require.NoError(t, err)
	assert.Equal(t, 2, res.ExitCode)
	assert.Equal(t, int32(1), calls.Load())
}

func TestExecuteRetriesTransportFailures(t *testing.T) {
	var calls atomic.Int32
	h := newHarness(t, func(int) *fake.Connector {
		return fake.New(func(ctx context.Context, cmd string) (*connector.Result, error) {
			if calls.Add(1) < 3 {
				return nil, errors.New("channel open failed")
			}
			return &connector.Result{Stdout: "third time"}, nil
		})
	})

	res, err := h.executor().Execute(context.Background(), hostID, "ls")
	require.NoError(t, err)
	assert.Equal(t, "third time", res.Stdout)
	assert.Equal(t, int32(3), calls.Load())
	assert.Equal(t, 1, h.dials(), "a healthy session is reused across attempts")
}

func TestExecuteGivesUpAfterMaxAttempts(t *testing.T) {
	var calls atomic.Int32
	h := newHarness(t, func(int) *fake.Connector {
		return fake.New(func(ctx context.Context, cmd string) (*connector.Result, error) {
			calls.Add(1)
			return nil, errors.New("broken pipe")
		})
	})

	_, err := h.executor().Execute(context.Background(), hostID, "ls")
	require.Error(t, err)
	assert.True(t, failure.Is(err, failure.KindExecution))
	assert.Contains(t, err.Error(), "broken pipe")
	assert.Equal(t, int32(3), calls.Load())
}

func TestExecuteTimeoutIsRetried(t *testing.T) {
	var calls atomic.Int32
	h := newHarness(t, func(int) *fake.Connector {
		return fake.New(func(ctx context.Context, cmd string) (*connector.Result, error) {
			calls.Add(1)
			<-ctx.Done()
			return nil, ctx.Err()
		})
	})

	_, err := h.executor(WithTimeout(10*time.Millisecond)).Execute(context.Background(), hostID, "sleep 100")
	require.Error(t, err)
	assert.True(t, failure.Is(err, failure.KindExecution))
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Contains(t, err.Error(), "no completion within 10ms")
	assert.Equal(t, int32(3), calls.Load())
}

func TestOnlyFirstAttemptReplacesUnhealthySession(t *testing.T) {
	var calls atomic.Int32
	h := newHarness(t, func(int) *fake.Connector {
		return fake.New(func(ctx context.Context, cmd string) (*connector.Result, error) {
			calls.Add(1)
			// Fails but the transport still claims to be usable.
			return nil, errors.New("flaky")
		})
	})
	exec := h.executor()

	// Establish a session, then mark it unhealthy.
	s, err := h.sessions.Connect(context.Background(), hostID)
	require.NoError(t, err)
	h.conns[0].SetHealth(connector.HealthUnhealthy)

	_, err = exec.Execute(context.Background(), hostID, "ls")
	require.Error(t, err)

	// First attempt replaced the unhealthy session; the two retries ran on
	// the replacement without probing again.
	assert.Equal(t, 2, h.dials())
	assert.True(t, h.conns[0].Closed())
	assert.Equal(t, int32(3), calls.Load())
	assert.NotSame(t, s, mustLookup(t, h.sessions))
}

func mustLookup(t *testing.T, m *session.Manager) *session.Session {
	t.Helper()
	s, ok := m.Lookup(hostID)
	require.True(t, ok)
	return s
}

func TestTransportLossDemotesAndReconnects(t *testing.T) {
	var calls atomic.Int32
	h := newHarness(t, func(n int) *fake.Connector {
		var c *fake.Connector
		c = fake.New(func(ctx context.Context, cmd string) (*connector.Result, error) {
			calls.Add(1)
			if n == 0 {
				c.SetHealth(connector.HealthUnhealthy)
				return nil, errors.New("connection reset by peer")
			}
			return &connector.Result{Stdout: "recovered"}, nil
		})
		return c
	})

	res, err := h.executor().Execute(context.Background(), hostID, "ls")
	require.NoError(t, err)
	assert.Equal(t, "recovered", res.Stdout)
	assert.Equal(t, 2, h.dials())
	assert.Equal(t, int32(2), calls.Load())
}

func TestExecuteConnectFailureIsRetried(t *testing.T) {
	h := newHarness(t, func(n int) *fake.Connector {
		c := fake.New(func(ctx context.Context, cmd string) (*connector.Result, error) {
			return &connector.Result{Stdout: "up"}, nil
		})
		if n < 2 {
			c.FailConnect(errors.New("connection refused"))
		}
		return c
	})

	res, err := h.executor().Execute(context.Background(), hostID, "ls")
	require.NoError(t, err)
	assert.Equal(t, "up", res.Stdout)
	assert.Equal(t, 3, h.dials())
}

func TestExecuteContextCancelStopsRetries(t *testing.T) {
	var calls atomic.Int32
	ctx, cancel := context.WithCancel(context.Background())
	h := newHarness(t, func(int) *fake.Connector {
		return fake.New(func(context.Context, string) (*connector.Result, error) {
			calls.Add(1)
			cancel()
			return nil, errors.New("interrupted")
		})
	})

	_, err := h.executor().Execute(ctx, hostID, "ls")
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, int32(1), calls.Load())
}

func TestRetryPolicyAttempts(t *testing.T) {
	assert.Equal(t, 1, RetryPolicy{}.attempts())
	assert.Equal(t, 3, DefaultRetryPolicy().attempts())
	assert.Equal(t, 2*time.Second, DefaultRetryPolicy().Delay)
}

type line struct {
	text string
	kind connector.LineKind
}

func TestExecuteStreaming(t *testing.T) {
	var calls atomic.Int32
	h := newHarness(t, func(int) *fake.Connector {
		return fake.New(func(ctx context.Context, cmd string) (*connector.Result, error) {
			calls.Add(1)
			return &connector.Result{Stdout: "step 1\nstep 2\n", Stderr: "warning\n"}, nil
		})
	})

	var got []line
	res, err := h.executor().ExecuteStreaming(context.Background(), hostID, "./Nftato.sh 20", func(text string, kind connector.LineKind) {
		got = append(got, line{text, kind})
	})
	require.NoError(t, err)
	assert.Equal(t, 0, res.ExitCode)
	assert.Equal(t, []line{
		{"step 1", connector.LineLog},
		{"step 2", connector.LineLog},
		{"warning", connector.LineError},
	}, got)
	assert.Equal(t, int32(1), calls.Load())
}

func TestExecuteStreamingFailureIsReportedOnceAndNotRetried(t *testing.T) {
	var calls atomic.Int32
	h := newHarness(t, func(int) *fake.Connector {
		return fake.New(func(ctx context.Context, cmd string) (*connector.Result, error) {
			calls.Add(1)
			return nil, errors.New("channel closed")
		})
	})

	var got []line
	_, err := h.executor().ExecuteStreaming(context.Background(), hostID, "x", func(text string, kind connector.LineKind) {
		got = append(got, line{text, kind})
	})
	require.Error(t, err)
	assert.True(t, failure.Is(err, failure.KindExecution))
	assert.Equal(t, int32(1), calls.Load())
	require.Len(t, got, 1)
	assert.Equal(t, connector.LineError, got[0].kind)
	assert.Contains(t, got[0].text, "channel closed")
}

func TestExecuteStreamingConnectFailure(t *testing.T) {
	h := newHarness(t, func(int) *fake.Connector {
		return fake.New(nil).FailConnect(errors.New("auth failed"))
	})

	var got []line
	_, err := h.executor().ExecuteStreaming(context.Background(), hostID, "x", func(text string, kind connector.LineKind) {
		got = append(got, line{text, kind})
	})
	require.Error(t, err)
	assert.True(t, failure.Is(err, failure.KindConnection))
	require.Len(t, got, 1)
	assert.Equal(t, connector.LineError, got[0].kind)
}
