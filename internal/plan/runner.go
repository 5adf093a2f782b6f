package plan

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/eugenetaranov/nftgate/internal/firewall"
	"github.com/eugenetaranov/nftgate/internal/logging"
	"github.com/eugenetaranov/nftgate/internal/metrics"
	"github.com/eugenetaranov/nftgate/internal/output"
	hostregistry "github.com/eugenetaranov/nftgate/internal/registry"
)

// Task statuses.
const (
	StatusOK      = "ok"
	StatusChanged = "changed"
	StatusFailed  = "failed"
	StatusSkipped = "skipped"
)

// Runner applies plans.
type Runner struct {
	// Output handles formatted output.
	Output *output.Output

	// DryRun checks every task without touching the hosts.
	DryRun bool

	svc     Service
	hosts   hostregistry.Lister
	log     *logging.Logger
	metrics *metrics.Registry
}

// Option configures the Runner.
type Option func(*Runner)

// WithLogger sets the logger.
func WithLogger(l *logging.Logger) Option {
	return func(r *Runner) {
		r.log = l.WithComponent("plan")
	}
}

// WithMetrics records task outcomes.
func WithMetrics(m *metrics.Registry) Option {
	return func(r *Runner) {
		r.metrics = m
	}
}

// NewRunner creates a runner printing to stdout.
// hosts lists the targets of plays with "hosts: all".
func NewRunner(svc Service, hosts hostregistry.Lister, opts ...Option) *Runner {
	r := &Runner{
		Output: output.New(os.Stdout),
		svc:    svc,
		hosts:  hosts,
		log:    logging.Discard(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// RunResult holds the result of a plan run.
type RunResult struct {
	// Success is true if no task failed without ignore_errors.
	Success bool

	Stats *Stats

	// FailedHosts lists hosts whose play stopped on an error.
	FailedHosts []string
}

// Stats holds execution statistics.
type Stats struct {
	Plays     int
	Hosts     int
	Tasks     int
	OK        int
	Changed   int
	Failed    int
	Skipped   int
	StartTime time.Time
	EndTime   time.Time
}

// Duration returns the total execution time.
func (s *Stats) Duration() time.Duration {
	return s.EndTime.Sub(s.StartTime)
}

// GetOK returns the OK count (implements output.Stats).
func (s *Stats) GetOK() int { return s.OK }

// GetChanged returns the Changed count (implements output.Stats).
func (s *Stats) GetChanged() int { return s.Changed }

// GetFailed returns the Failed count (implements output.Stats).
func (s *Stats) GetFailed() int { return s.Failed }

// GetSkipped returns the Skipped count (implements output.Stats).
func (s *Stats) GetSkipped() int { return s.Skipped }

// GetDuration returns the duration (implements output.Stats).
func (s *Stats) GetDuration() time.Duration { return s.Duration() }

func (s *Stats) count(status string) {
	switch {
	case strings.HasPrefix(status, StatusOK):
		s.OK++
	case strings.HasPrefix(status, StatusChanged):
		s.Changed++
	case strings.HasPrefix(status, StatusSkipped):
		s.Skipped++
	case strings.HasPrefix(status, StatusFailed):
		s.Failed++
	}
}

// hostRun is the state of one play on one host.
type hostRun struct {
	play   *Play
	hostID string
	vars   scope
}

// Run applies every play of p. A host whose task fails stops running that
// play; other hosts continue. The returned error is reserved for failures
// that stop the whole run, such as a cancelled context or an unreadable
// host registry.
func (r *Runner) Run(ctx context.Context, p *Plan) (*RunResult, error) {
	stats := &Stats{
		StartTime: time.Now(),
		Plays:     len(p.Plays),
	}
	result := &RunResult{Success: true, Stats: stats}

	r.Output.PlanStart(p.Path)
	defer func() {
		stats.EndTime = time.Now()
		r.Output.Recap(stats)
	}()

	for _, play := range p.Plays {
		hostIDs, err := r.resolveHosts(ctx, play)
		if err != nil {
			result.Success = false
			return result, err
		}
		if len(hostIDs) == 0 {
			r.Output.Warn("play %q matched no hosts", play.Name)
			continue
		}

		for _, hostID := range hostIDs {
			if err := ctx.Err(); err != nil {
				result.Success = false
				return result, err
			}
			stats.Hosts++
			if err := r.runPlay(ctx, play, hostID, stats); err != nil {
				result.Success = false
				result.FailedHosts = append(result.FailedHosts, hostID)
				r.Output.Error("Play failed on %s: %v", hostID, err)
				r.log.WithHost(hostID).Warn("play failed", "play", play.Name, "error", err)
			}
		}
	}

	return result, nil
}

func (r *Runner) resolveHosts(ctx context.Context, play *Play) ([]string, error) {
	if !play.TargetsAll() {
		return play.Hosts, nil
	}
	hosts, err := r.hosts.ListHosts(ctx)
	if err != nil {
		return nil, fmt.Errorf("list hosts: %w", err)
	}
	ids := make([]string, len(hosts))
	for i, h := range hosts {
		ids[i] = h.ID
	}
	return ids, nil
}

// runPlay runs play on one host.
func (r *Runner) runPlay(ctx context.Context, play *Play, hostID string, stats *Stats) error {
	r.Output.PlayStart(play.Name, hostID)

	hr := &hostRun{play: play, hostID: hostID, vars: make(scope, len(play.Vars)+2)}
	for k, v := range play.Vars {
		hr.vars[k] = v
	}
	hr.vars["host"] = hostID
	hr.vars["env"] = getEnvMap()

	if !r.DryRun {
		if resp := r.svc.Connect(ctx, hostID); !resp.Success {
			stats.Failed++
			r.Output.TaskResult("Connect", StatusFailed, resp.Error)
			return fmt.Errorf("connect: %s", resp.Error)
		}
	}

	for _, task := range play.Tasks {
		stats.Tasks++

		status, err := r.runTask(ctx, hr, task)
		stats.count(status)
		if err != nil {
			if !task.IgnoreErrors {
				return fmt.Errorf("%s: %w", task, err)
			}
			r.Output.Debug("ignoring failure of %s", task)
		}
	}
	return nil
}

// runTask runs task, once per loop item when it has a loop. It returns the
// aggregate status.
func (r *Runner) runTask(ctx context.Context, hr *hostRun, task *Task) (string, error) {
	if len(task.Loop) == 0 {
		return r.runSingleTask(ctx, hr, task)
	}

	loopVar := task.GetLoopVar()
	defer func() {
		delete(hr.vars, loopVar)
		delete(hr.vars, "loop_index")
	}()

	status := StatusOK
	for i, item := range task.Loop {
		hr.vars[loopVar] = item
		hr.vars["loop_index"] = i

		s, err := r.runSingleTask(ctx, hr, task)
		if err != nil {
			return s, err
		}
		switch {
		case s == StatusChanged:
			status = StatusChanged
		case strings.HasPrefix(s, StatusSkipped) && status == StatusOK:
			status = s
		}
	}
	return status, nil
}

func (r *Runner) runSingleTask(ctx context.Context, hr *hostRun, task *Task) (string, error) {
	taskName := task.String()
	step := Get(task.Step)

	params, err := hr.vars.interpolateParams(task.Params)
	if err == nil {
		err = step.Check(params)
	}
	if err != nil {
		r.finish(taskName, task.Step, StatusFailed, err.Error())
		return StatusFailed, err
	}

	if r.DryRun {
		r.finish(taskName, task.Step, StatusSkipped+" (dry run)", summarizeParams(params))
		return StatusSkipped, nil
	}

	target := Target{HostID: hr.hostID, Sink: r.Output}
	var resp firewall.Response
	attempts := task.Retries + 1
	for attempt := 1; attempt <= attempts; attempt++ {
		if attempt > 1 {
			r.Output.Info("Retry %d/%d for task: %s", attempt, attempts, taskName)
			if err := sleep(ctx, time.Duration(task.Delay)*time.Second); err != nil {
				return StatusFailed, err
			}
		}
		resp = step.Run(ctx, r.svc, target, params)
		if resp.Success {
			break
		}
	}

	if !resp.Success {
		msg := resp.Error
		if resp.Kind != "" {
			msg = resp.Kind + " error: " + msg
		}
		status := StatusFailed
		if task.IgnoreErrors {
			status += " (ignored)"
		}
		r.finish(taskName, task.Step, status, msg)
		return StatusFailed, errors.New(msg)
	}

	status := StatusOK
	if step.Changes() {
		status = StatusChanged
	}
	r.finish(taskName, task.Step, status, strings.TrimSpace(resp.Output))
	r.log.WithHost(hr.hostID).Debug("task done", "step", task.Step, "status", status)
	return status, nil
}

func (r *Runner) finish(taskName, step, status, message string) {
	r.Output.TaskResult(taskName, status, message)
	if r.metrics != nil {
		label := status
		if i := strings.IndexByte(label, ' '); i > 0 {
			label = label[:i]
		}
		r.metrics.PlanTasks.WithLabelValues(step, label).Inc()
	}
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// getEnvMap returns the process environment as a map.
func getEnvMap() map[string]string {
	env := make(map[string]string)
	for _, e := range os.Environ() {
		if idx := strings.Index(e, "="); idx > 0 {
			env[e[:idx]] = e[idx+1:]
		}
	}
	return env
}
