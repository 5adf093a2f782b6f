// Package firewall is the operation surface callers use: connect, run
// commands and script actions, read rule state through the cache, change
// rules and deploy the script. Every operation resolves to a Response.
package firewall

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/eugenetaranov/nftgate/internal/cache"
	"github.com/eugenetaranov/nftgate/internal/connector"
	"github.com/eugenetaranov/nftgate/internal/deploy"
	"github.com/eugenetaranov/nftgate/internal/failure"
	"github.com/eugenetaranov/nftgate/internal/logging"
	"github.com/eugenetaranov/nftgate/internal/progress"
	"github.com/eugenetaranov/nftgate/internal/script"
	"github.com/eugenetaranov/nftgate/internal/session"
)

// ErrActionFailed wraps the stderr of a script action that exited non-zero.
var ErrActionFailed = errors.New("script action failed")

// Response is the uniform result of every operation.
type Response struct {
	Success bool   `json:"success"`
	Data    any    `json:"data,omitempty"`
	Output  string `json:"output,omitempty"`
	Error   string `json:"error,omitempty"`
	// Kind classifies Error, see failure.Kind.
	Kind string `json:"kind,omitempty"`
	// Cached is set when Data came from the cache without a round-trip.
	Cached bool `json:"cached,omitempty"`
	// Stale is set when the host could not be read and Data is an expired
	// cached value. Error then says why the read failed.
	Stale bool `json:"stale,omitempty"`
}

func ok(data any, output string) Response {
	return Response{Success: true, Data: data, Output: output}
}

func fail(err error) Response {
	r := Response{Error: err.Error()}
	if k := failure.KindOf(err); k != 0 {
		r.Kind = k.String()
	}
	return r
}

// Sessions opens and closes host sessions.
type Sessions interface {
	Connect(ctx context.Context, hostID string) (*session.Session, error)
	Disconnect(ctx context.Context, hostID string) error
}

// Runner runs raw commands.
type Runner interface {
	Execute(ctx context.Context, hostID, command string) (*connector.Result, error)
}

// Actions runs script actions.
type Actions interface {
	RunAction(ctx context.Context, hostID string, action script.Action, params ...string) (*script.Outcome, error)
}

// Deployer installs the script.
type Deployer interface {
	Deploy(ctx context.Context, hostID string, sink progress.Sink) (*deploy.Result, error)
}

// Service ties the components together.
type Service struct {
	sessions Sessions
	runner   Runner
	actions  Actions
	cache    *cache.Cache
	deployer Deployer
	log      *logging.Logger
}

// Option configures the Service.
type Option func(*Service)

// WithLogger sets the logger.
func WithLogger(l *logging.Logger) Option {
	return func(s *Service) {
		s.log = l.WithComponent("firewall")
	}
}

// WithDeployer enables Deploy.
func WithDeployer(d Deployer) Option {
	return func(s *Service) {
		s.deployer = d
	}
}

// New creates a Service.
func New(sessions Sessions, runner Runner, actions Actions, c *cache.Cache, opts ...Option) *Service {
	s := &Service{
		sessions: sessions,
		runner:   runner,
		actions:  actions,
		cache:    c,
		log:      logging.Discard(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// ConnectInfo is the Data of a successful Connect.
type ConnectInfo struct {
	HostID    string    `json:"hostId"`
	Health    string    `json:"health"`
	Connected time.Time `json:"connectedAt"`
}

// Connect opens, or reuses, the session for hostID.
func (s *Service) Connect(ctx context.Context, hostID string) Response {
	sess, err := s.sessions.Connect(ctx, hostID)
	if err != nil {
		return fail(err)
	}
	return ok(ConnectInfo{HostID: hostID, Health: sess.Health().String(), Connected: sess.LastActivity()}, "")
}

// Disconnect closes the session for hostID. Disconnecting a host without a
// session succeeds.
func (s *Service) Disconnect(ctx context.Context, hostID string) Response {
	if err := s.sessions.Disconnect(ctx, hostID); err != nil {
		return fail(err)
	}
	return ok(nil, "")
}

// RunCommand runs a raw shell command. A non-zero exit is a failed Response
// carrying the command's output.
func (s *Service) RunCommand(ctx context.Context, hostID, command string) Response {
	res, err := s.runner.Execute(ctx, hostID, command)
	if err != nil {
		return fail(err)
	}
	r := Response{Success: res.ExitCode == 0, Output: res.Stdout, Data: res.ExitCode}
	if !r.Success {
		r.Error = strings.TrimSpace(res.Stderr)
		if r.Error == "" {
			r.Error = fmt.Sprintf("command exited with code %d", res.ExitCode)
		}
		r.Kind = failure.KindExecution.String()
	}
	return r
}

// RunAction runs any catalogue action and applies its cache effects.
func (s *Service) RunAction(ctx context.Context, hostID string, action script.Action, params ...string) Response {
	info, known := script.Lookup(action)
	if !known {
		return fail(failure.Protocol(hostID, "run action", fmt.Errorf("unknown action %d", action)))
	}
	if info.Reads != "" {
		return s.reread(ctx, hostID, action)
	}
	return s.mutate(ctx, hostID, action, params...)
}

// run invokes action and turns a non-zero exit into an error.
func (s *Service) run(ctx context.Context, hostID string, action script.Action, params ...string) (*script.Outcome, error) {
	out, err := s.actions.RunAction(ctx, hostID, action, params...)
	if err != nil {
		return nil, err
	}
	if !out.Success {
		return out, failure.Execution(hostID, action.String(), fmt.Errorf("%w: %s", ErrActionFailed, out.Error))
	}
	return out, nil
}

// mutate runs a state-changing action. Once the script has run, whatever the
// exit code, the cached fields it touches are dropped.
func (s *Service) mutate(ctx context.Context, hostID string, action script.Action, params ...string) Response {
	out, err := s.run(ctx, hostID, action, params...)
	if out != nil {
		s.invalidateFor(ctx, hostID, action)
	}
	if err != nil {
		r := fail(err)
		if out != nil {
			r.Output = out.Output
		}
		return r
	}
	s.log.WithHost(hostID).Info("rules changed", "action", action.String())
	return ok(nil, out.Output)
}

func (s *Service) invalidateFor(ctx context.Context, hostID string, action script.Action) {
	info, _ := script.Lookup(action)
	switch {
	case info.ClearsCache:
		_ = s.cache.Clear(ctx, hostID)
	case len(info.Invalidates) > 0:
		_ = s.cache.Invalidate(ctx, hostID, info.Invalidates...)
	}
}

// Deploy installs and initializes the script, then clears the host's cache.
func (s *Service) Deploy(ctx context.Context, hostID string, sink progress.Sink) Response {
	if s.deployer == nil {
		return fail(errors.New("deployment is not configured"))
	}
	res, err := s.deployer.Deploy(ctx, hostID, sink)
	// Initialization rebuilt the rules, or a failed run left them unknown.
	_ = s.cache.Clear(ctx, hostID)
	if err != nil {
		r := fail(err)
		r.Data = res
		return r
	}
	return ok(res, res.Message)
}

// CacheEntry returns the cached snapshot of hostID.
func (s *Service) CacheEntry(ctx context.Context, hostID string) Response {
	e := s.cache.Get(ctx, hostID)
	if e == nil {
		return Response{Error: "no cached state for " + hostID}
	}
	return Response{Success: true, Data: e, Cached: true}
}

// InvalidateCache drops the named fields, or the whole entry when none are
// named.
func (s *Service) InvalidateCache(ctx context.Context, hostID string, fields ...string) Response {
	var err error
	if len(fields) == 0 {
		err = s.cache.Clear(ctx, hostID)
	} else {
		err = s.cache.Invalidate(ctx, hostID, fields...)
	}
	if err != nil {
		return fail(err)
	}
	return ok(nil, "")
}

// SetCacheField stores value under field.
func (s *Service) SetCacheField(ctx context.Context, hostID, field string, value any) Response {
	if err := s.cache.Set(ctx, hostID, field, value); err != nil {
		return fail(err)
	}
	return ok(nil, "")
}

// CacheLastUpdate reports when hostID's entry was last written.
func (s *Service) CacheLastUpdate(ctx context.Context, hostID string) Response {
	t := s.cache.LastUpdate(ctx, hostID)
	if t == nil {
		return Response{Error: "no cached state for " + hostID}
	}
	return Response{Success: true, Data: map[string]time.Time{"lastUpdate": *t}, Cached: true}
}
