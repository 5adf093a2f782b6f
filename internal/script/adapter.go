// Package script drives the firewall script installed on managed hosts: the
// action catalogue, script location, invocation, the parsers for its text
// reports and the management port safety rule.
package script

import (
	"context"
	"errors"
	"fmt"
	"path"
	"strconv"
	"strings"

	"github.com/eugenetaranov/nftgate/internal/connector"
	"github.com/eugenetaranov/nftgate/internal/failure"
	"github.com/eugenetaranov/nftgate/internal/logging"
	"github.com/eugenetaranov/nftgate/internal/metrics"
	"github.com/eugenetaranov/nftgate/internal/registry"
	"github.com/eugenetaranov/nftgate/internal/session"
)

const (
	DefaultName          = "Nftato.sh"
	DefaultInterpreter   = "bash"
	DefaultPrivilegedDir = "/root"
)

const notFound = "not found"

var (
	// ErrNotConnected is returned when a host has no live session.
	ErrNotConnected = errors.New("not connected")
	// ErrNotDeployed is returned when the script is in neither location.
	ErrNotDeployed = errors.New("script not deployed")
	// ErrInvalidParams is returned for parameters the script must not see.
	ErrInvalidParams = errors.New("invalid action parameters")
)

// Runner runs one command on a host.
type Runner interface {
	Execute(ctx context.Context, hostID, command string) (*connector.Result, error)
}

// Sessions reports whether a host has a session.
type Sessions interface {
	Lookup(hostID string) (*session.Session, bool)
}

// Hosts resolves host records.
type Hosts interface {
	FindHost(ctx context.Context, id string) (*registry.Host, error)
}

// Outcome is the result of one script action.
type Outcome struct {
	Action   Action
	Success  bool
	Output   string
	Error    string
	ExitCode int
}

// Adapter invokes script actions on hosts.
type Adapter struct {
	runner        Runner
	sessions      Sessions
	hosts         Hosts
	name          string
	interpreter   string
	privilegedDir string
	log           *logging.Logger
	metrics       *metrics.Registry
}

// Option configures the Adapter.
type Option func(*Adapter)

// WithScriptName overrides DefaultName.
func WithScriptName(name string) Option {
	return func(a *Adapter) {
		if name != "" {
			a.name = name
		}
	}
}

// WithInterpreter overrides DefaultInterpreter.
func WithInterpreter(interp string) Option {
	return func(a *Adapter) {
		if interp != "" {
			a.interpreter = interp
		}
	}
}

// WithPrivilegedDir overrides DefaultPrivilegedDir.
func WithPrivilegedDir(dir string) Option {
	return func(a *Adapter) {
		if dir != "" {
			a.privilegedDir = dir
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *logging.Logger) Option {
	return func(a *Adapter) {
		a.log = l.WithComponent("script")
	}
}

// WithMetrics sets the metrics registry.
func WithMetrics(r *metrics.Registry) Option {
	return func(a *Adapter) {
		a.metrics = r
	}
}

// New creates an Adapter. hosts may be nil, in which case the management port
// is taken to be 22.
func New(runner Runner, sessions Sessions, hosts Hosts, opts ...Option) *Adapter {
	a := &Adapter{
		runner:        runner,
		sessions:      sessions,
		hosts:         hosts,
		name:          DefaultName,
		interpreter:   DefaultInterpreter,
		privilegedDir: DefaultPrivilegedDir,
		log:           logging.Discard(),
		metrics:       metrics.New(),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Name is the script's file name.
func (a *Adapter) Name() string { return a.name }

// Interpreter is the shell the script runs under.
func (a *Adapter) Interpreter() string { return a.interpreter }

// PrivilegedPath is the preferred install location.
func (a *Adapter) PrivilegedPath() string {
	return path.Join(a.privilegedDir, a.name)
}

// locateCommand prints the path of the installed script, preferring the
// privileged location over the login user's home.
func (a *Adapter) locateCommand() string {
	priv := Quote(a.PrivilegedPath())
	home := `"$HOME"/` + Quote(a.name)
	return fmt.Sprintf("if [ -f %s ]; then echo %s; elif [ -f %s ]; then echo %s; else echo %s; fi",
		priv, priv, home, home, Quote(notFound))
}

// Locate returns the path of the installed script, or "" when it is absent.
func (a *Adapter) Locate(ctx context.Context, hostID string) (string, error) {
	res, err := a.runner.Execute(ctx, hostID, a.locateCommand())
	if err != nil {
		return "", err
	}
	out := strings.TrimSpace(res.Stdout)
	switch {
	case out == notFound:
		return "", nil
	case res.ExitCode != 0 || !strings.HasPrefix(out, "/"):
		return "", failure.Protocol(hostID, "locate script", fmt.Errorf("unexpected output %q (exit %d)", out, res.ExitCode))
	}
	return out, nil
}

// Prepare checks that hostID has a live session and the script is installed,
// repairs a missing executable bit, and returns the script path. The path is
// resolved on every call.
func (a *Adapter) Prepare(ctx context.Context, hostID string) (string, error) {
	s, ok := a.sessions.Lookup(hostID)
	if !ok || !s.Health().Usable() {
		return "", failure.Connection(hostID, "run action", ErrNotConnected)
	}

	p, err := a.Locate(ctx, hostID)
	if err != nil {
		return "", err
	}
	if p == "" {
		return "", failure.Protocol(hostID, "run action", ErrNotDeployed)
	}

	q := Quote(p)
	res, err := a.runner.Execute(ctx, hostID, fmt.Sprintf("test -x %s && echo executable || (chmod +x %s && echo repaired)", q, q))
	if err != nil {
		return "", err
	}
	if strings.TrimSpace(res.Stdout) == "repaired" {
		a.log.WithHost(hostID).Warn("restored executable bit on script", "path", p)
	}
	return p, nil
}

// Command builds the invocation of action with params against the script at p.
func (a *Adapter) Command(p string, action Action, params ...string) string {
	parts := []string{a.interpreter, Quote(p), strconv.Itoa(int(action))}
	for _, param := range params {
		parts = append(parts, Quote(param))
	}
	return strings.Join(parts, " ")
}

// RunAction invokes action on hostID. A non-zero exit is reported through the
// Outcome; the error covers everything that prevented the script from
// running.
func (a *Adapter) RunAction(ctx context.Context, hostID string, action Action, params ...string) (*Outcome, error) {
	info, ok := Lookup(action)
	if !ok {
		return nil, failure.Protocol(hostID, "run action", fmt.Errorf("unknown action %d", action))
	}
	if err := a.check(ctx, hostID, info, params); err != nil {
		a.metrics.ActionTotal.WithLabelValues(info.Name, metrics.ResultSkipped).Inc()
		return nil, err
	}

	p, err := a.Prepare(ctx, hostID)
	if err != nil {
		a.metrics.ActionTotal.WithLabelValues(info.Name, metrics.ResultFailure).Inc()
		return nil, err
	}

	log := a.log.WithHost(hostID)
	log.Debug("running script action", "action", info.Name, "code", int(action), "params", params)

	res, err := a.runner.Execute(ctx, hostID, a.Command(p, action, params...))
	if err != nil {
		a.metrics.ActionTotal.WithLabelValues(info.Name, metrics.ResultFailure).Inc()
		return nil, err
	}

	out := &Outcome{
		Action:   action,
		Success:  res.ExitCode == 0,
		Output:   res.Stdout,
		Error:    strings.TrimSpace(res.Stderr),
		ExitCode: res.ExitCode,
	}
	if !out.Success {
		if out.Error == "" {
			out.Error = fmt.Sprintf("script exited with code %d", res.ExitCode)
		}
		log.Warn("script action failed", "action", info.Name, "exit_code", res.ExitCode, "stderr", out.Error)
		a.metrics.ActionTotal.WithLabelValues(info.Name, metrics.ResultFailure).Inc()
		return out, nil
	}
	a.metrics.ActionTotal.WithLabelValues(info.Name, metrics.ResultSuccess).Inc()
	return out, nil
}

// check validates params before anything reaches the host.
func (a *Adapter) check(ctx context.Context, hostID string, info Info, params []string) error {
	if len(info.Params) > 0 && info.Params[0] == "ports" {
		if len(params) == 0 {
			return failure.Safety(hostID, "validate", fmt.Errorf("%w: %s needs a port list", ErrInvalidParams, info.Name))
		}
		if _, err := ParsePortSpec(params[0]); err != nil {
			return failure.Safety(hostID, "validate", fmt.Errorf("%w: %w", ErrInvalidParams, err))
		}
	}
	if !info.Revokes {
		return nil
	}

	port, err := a.managementPort(ctx, hostID)
	if err != nil {
		return err
	}
	if err := CheckRevocation(params[0], port, DefaultSSHPort); err != nil {
		return failure.Safety(hostID, "revoke", err)
	}
	return nil
}

func (a *Adapter) managementPort(ctx context.Context, hostID string) (int, error) {
	if a.hosts == nil {
		return DefaultSSHPort, nil
	}
	h, err := a.hosts.FindHost(ctx, hostID)
	if err != nil {
		return 0, failure.Connection(hostID, "find host", err)
	}
	return h.ManagementPort(), nil
}

// Quote quotes s as a single shell word.
func Quote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", "'\"'\"'") + "'"
}
