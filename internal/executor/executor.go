// Package executor runs single commands on managed hosts over their sessions,
// with a per-attempt timeout and a bounded retry policy.
package executor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/eugenetaranov/nftgate/internal/connector"
	"github.com/eugenetaranov/nftgate/internal/failure"
	"github.com/eugenetaranov/nftgate/internal/logging"
	"github.com/eugenetaranov/nftgate/internal/metrics"
	"github.com/eugenetaranov/nftgate/internal/session"
)

// DefaultTimeout bounds one command attempt.
const DefaultTimeout = 60 * time.Second

// Sessions is the part of session.Manager the executor needs.
type Sessions interface {
	Connect(ctx context.Context, hostID string) (*session.Session, error)
	Lookup(hostID string) (*session.Session, bool)
	Demote(hostID string, s *session.Session)
}

// Executor runs commands through a Sessions provider.
type Executor struct {
	sessions      Sessions
	timeout       time.Duration
	streamTimeout time.Duration
	retry         RetryPolicy
	log           *logging.Logger
	metrics       *metrics.Registry
}

// Option configures the Executor.
type Option func(*Executor)

// WithTimeout sets the per-attempt timeout for Execute.
func WithTimeout(d time.Duration) Option {
	return func(e *Executor) {
		if d > 0 {
			e.timeout = d
		}
	}
}

// WithStreamTimeout bounds ExecuteStreaming. Zero leaves it to the caller's context.
func WithStreamTimeout(d time.Duration) Option {
	return func(e *Executor) {
		e.streamTimeout = d
	}
}

// WithRetryPolicy replaces DefaultRetryPolicy.
func WithRetryPolicy(p RetryPolicy) Option {
	return func(e *Executor) {
		e.retry = p
	}
}

// WithLogger sets the logger.
func WithLogger(l *logging.Logger) Option {
	return func(e *Executor) {
		e.log = l.WithComponent("executor")
	}
}

// WithMetrics sets the metrics registry.
func WithMetrics(r *metrics.Registry) Option {
	return func(e *Executor) {
		e.metrics = r
	}
}

// New creates an Executor.
func New(sessions Sessions, opts ...Option) *Executor {
	e := &Executor{
		sessions: sessions,
		timeout:  DefaultTimeout,
		retry:    DefaultRetryPolicy(),
		log:      logging.Discard(),
		metrics:  metrics.New(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Execute runs command on hostID and returns its output. A non-zero exit code
// is part of the result. Connection failures, transport failures and
// timeouts are retried under the retry policy; only the first attempt probes
// and replaces an unhealthy session.
func (e *Executor) Execute(ctx context.Context, hostID, command string) (*connector.Result, error) {
	log := e.log.WithHost(hostID)

	var (
		attempt int
		result  *connector.Result
	)
	op := func() error {
		attempt++
		res, err := e.attempt(ctx, hostID, command, attempt == 1)
		if err == nil {
			result = res
			return nil
		}
		if ctx.Err() != nil || !failure.Retryable(err) {
			return backoff.Permanent(err)
		}
		return err
	}
	notify := func(err error, wait time.Duration) {
		log.Warn("command attempt failed", "attempt", attempt, "max_attempts", e.retry.attempts(), "retry_in", wait, "error", err)
	}

	if err := backoff.RetryNotify(op, e.retry.backOff(ctx), notify); err != nil {
		if failure.KindOf(err) == 0 {
			err = failure.Execution(hostID, "execute", err)
		}
		return nil, err
	}
	return result, nil
}

func (e *Executor) attempt(ctx context.Context, hostID, command string, first bool) (*connector.Result, error) {
	s, err := e.ensure(ctx, hostID, first)
	if err != nil {
		e.metrics.CommandAttempts.WithLabelValues("exec", metrics.ResultFailure).Inc()
		return nil, err
	}

	actx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	start := time.Now()
	res, err := s.Execute(actx, command)
	e.metrics.CommandDuration.WithLabelValues("exec").Observe(time.Since(start).Seconds())
	if err == nil {
		e.metrics.CommandAttempts.WithLabelValues("exec", metrics.ResultSuccess).Inc()
		return res, nil
	}
	e.metrics.CommandAttempts.WithLabelValues("exec", metrics.ResultFailure).Inc()

	switch {
	case ctx.Err() != nil:
		return nil, failure.Execution(hostID, "execute", ctx.Err())
	case errors.Is(actx.Err(), context.DeadlineExceeded):
		return nil, failure.Execution(hostID, "execute", fmt.Errorf("no completion within %s: %w", e.timeout, context.DeadlineExceeded))
	}

	if !s.Health().Usable() {
		e.sessions.Demote(hostID, s)
	}
	return nil, failure.Execution(hostID, "execute", err)
}

// ensure returns the session to run on. The first attempt replaces a missing
// or unhealthy session; later attempts only reconnect when none exists.
func (e *Executor) ensure(ctx context.Context, hostID string, first bool) (*session.Session, error) {
	s, ok := e.sessions.Lookup(hostID)
	if ok && (!first || s.Health().Usable()) {
		return s, nil
	}
	return e.sessions.Connect(ctx, hostID)
}

// ExecuteStreaming runs command and relays stdout lines as "log" and stderr
// lines as "error" while it runs. It is never retried. A failure is reported
// once through onLine and once as the returned error.
func (e *Executor) ExecuteStreaming(ctx context.Context, hostID, command string, onLine connector.LineFunc) (*connector.Result, error) {
	if onLine == nil {
		onLine = func(string, connector.LineKind) {}
	}

	s, err := e.ensure(ctx, hostID, true)
	if err != nil {
		e.metrics.CommandAttempts.WithLabelValues("stream", metrics.ResultFailure).Inc()
		onLine(err.Error(), connector.LineError)
		return nil, err
	}

	sctx := ctx
	if e.streamTimeout > 0 {
		var cancel context.CancelFunc
		sctx, cancel = context.WithTimeout(ctx, e.streamTimeout)
		defer cancel()
	}

	start := time.Now()
	res, err := s.Stream(sctx, command, onLine)
	e.metrics.CommandDuration.WithLabelValues("stream").Observe(time.Since(start).Seconds())
	if err != nil {
		e.metrics.CommandAttempts.WithLabelValues("stream", metrics.ResultFailure).Inc()
		if ctx.Err() == nil && !s.Health().Usable() {
			e.sessions.Demote(hostID, s)
		}
		ferr := failure.Execution(hostID, "stream", err)
		onLine(ferr.Error(), connector.LineError)
		return nil, ferr
	}

	e.metrics.CommandAttempts.WithLabelValues("stream", metrics.ResultSuccess).Inc()
	return res, nil
}
