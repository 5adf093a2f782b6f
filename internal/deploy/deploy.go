// Package deploy installs the firewall script on a host and runs its first
// initialization, reporting each step as progress events.
package deploy

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/eugenetaranov/nftgate/internal/connector"
	"github.com/eugenetaranov/nftgate/internal/logging"
	"github.com/eugenetaranov/nftgate/internal/metrics"
	"github.com/eugenetaranov/nftgate/internal/progress"
	"github.com/eugenetaranov/nftgate/internal/script"
	"github.com/eugenetaranov/nftgate/internal/session"
	"github.com/eugenetaranov/nftgate/pkg/facts"
)

const (
	DefaultPrimaryURL  = "https://raw.githubusercontent.com/Fiftonb/Gnftato/refs/heads/main/Nftato.sh"
	DefaultFallbackURL = "https://gh-proxy.com/raw.githubusercontent.com/Fiftonb/Gnftato/refs/heads/main/Nftato.sh"
	DefaultProbeURL    = "https://raw.githubusercontent.com"

	// initAction rebuilds every rule from scratch on first install.
	initAction = script.ClearAll

	probeTimeout = 5 * time.Second
)

// ErrVerification is returned when the script is not where it should be
// after a step that should have put it there.
var ErrVerification = errors.New("script verification failed")

// Runner runs commands on a host by id.
type Runner interface {
	Execute(ctx context.Context, hostID, command string) (*connector.Result, error)
	ExecuteStreaming(ctx context.Context, hostID, command string, onLine connector.LineFunc) (*connector.Result, error)
}

// Sessions opens sessions; the orchestrator needs one for file upload.
type Sessions interface {
	Connect(ctx context.Context, hostID string) (*session.Session, error)
}

// Sources are the places the script is fetched from.
type Sources struct {
	PrimaryURL  string
	FallbackURL string
	// ProbeURL decides which URL is tried first. When the host can reach it
	// the primary goes first, otherwise the fallback does.
	ProbeURL string
	// LocalPath, when set, is a copy of the script on this machine that is
	// uploaded when both downloads fail.
	LocalPath string
}

// DefaultSources returns the public script locations.
func DefaultSources() Sources {
	return Sources{
		PrimaryURL:  DefaultPrimaryURL,
		FallbackURL: DefaultFallbackURL,
		ProbeURL:    DefaultProbeURL,
	}
}

// Result is the outcome of one deployment.
type Result struct {
	JobID   string `json:"jobId"`
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
	Error   string `json:"error,omitempty"`
	Path    string `json:"path,omitempty"`
	// Installed is false when the script was already present.
	Installed bool `json:"installed"`
}

// Orchestrator deploys the script. It holds no per-job state; every call to
// Deploy reports to its own sink.
type Orchestrator struct {
	runner   Runner
	sessions Sessions
	script   *script.Adapter
	sources  Sources
	log      *logging.Logger
	metrics  *metrics.Registry
	now      func() time.Time
	newID    func() string
}

// Option configures the Orchestrator.
type Option func(*Orchestrator)

// WithSources replaces DefaultSources.
func WithSources(s Sources) Option {
	return func(o *Orchestrator) {
		o.sources = s
	}
}

// WithLogger sets the logger.
func WithLogger(l *logging.Logger) Option {
	return func(o *Orchestrator) {
		o.log = l.WithComponent("deploy")
	}
}

// WithMetrics sets the metrics registry.
func WithMetrics(r *metrics.Registry) Option {
	return func(o *Orchestrator) {
		o.metrics = r
	}
}

// WithIDs replaces the job id generator.
func WithIDs(newID func() string) Option {
	return func(o *Orchestrator) {
		o.newID = newID
	}
}

// New creates an Orchestrator. adapter supplies the script's name,
// interpreter and install locations.
func New(runner Runner, sessions Sessions, adapter *script.Adapter, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		runner:   runner,
		sessions: sessions,
		script:   adapter,
		sources:  DefaultSources(),
		log:      logging.Discard(),
		metrics:  metrics.New(),
		now:      time.Now,
		newID:    uuid.NewString,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// job is one running deployment.
type job struct {
	o      *Orchestrator
	id     string
	hostID string
	sink   progress.Sink
	log    *logging.Logger
}

func (j *job) emit(t progress.Type, done bool, format string, args ...any) {
	j.sink.Emit(progress.Event{
		Type:    t,
		Message: fmt.Sprintf(format, args...),
		JobID:   j.id,
		HostID:  j.hostID,
		Time:    j.o.now(),
		Done:    done,
	})
}

func (j *job) logf(format string, args ...any) {
	j.emit(progress.TypeLog, false, format, args...)
}

func (j *job) successf(format string, args ...any) {
	j.emit(progress.TypeSuccess, false, format, args...)
}

func (j *job) errorf(format string, args ...any) {
	j.emit(progress.TypeError, false, format, args...)
}

func (j *job) run(ctx context.Context, cmd string) (*connector.Result, error) {
	return j.o.runner.Execute(ctx, j.hostID, cmd)
}

// relay forwards captured output as progress lines.
func (j *job) relay(res *connector.Result) {
	for _, line := range strings.Split(res.Stdout, "\n") {
		if line = strings.TrimSpace(line); line != "" {
			j.logf("%s", line)
		}
	}
	for _, line := range strings.Split(res.Stderr, "\n") {
		if line = strings.TrimSpace(line); line != "" {
			j.errorf("%s", line)
		}
	}
}

// Deploy makes sure the script is installed and initialized on hostID.
// Steps run in order: check for an existing install, probe the network,
// download from the preferred then the other source, upload the local copy,
// verify, fix permissions, copy to the privileged location, initialize,
// verify again. A host that already has an executable script is left alone.
// The last event sent to sink has Done set.
func (o *Orchestrator) Deploy(ctx context.Context, hostID string, sink progress.Sink) (*Result, error) {
	if sink == nil {
		sink = progress.Discard
	}
	j := &job{o: o, id: o.newID(), hostID: hostID, sink: sink}
	j.log = o.log.WithHost(hostID).WithFields(map[string]any{"job_id": j.id})

	res, err := o.deploy(ctx, j)
	res.JobID = j.id
	switch {
	case err != nil:
		res.Success = false
		res.Error = err.Error()
		j.emit(progress.TypeError, true, "deployment failed: %s", err)
		j.log.Warn("deployment failed", "error", err)
		o.metrics.DeployTotal.WithLabelValues(metrics.ResultFailure).Inc()
	case !res.Installed:
		res.Success = true
		j.emit(progress.TypeComplete, true, "%s", res.Message)
		o.metrics.DeployTotal.WithLabelValues(metrics.ResultSkipped).Inc()
	default:
		res.Success = true
		j.emit(progress.TypeComplete, true, "%s", res.Message)
		j.log.Info("script deployed", "path", res.Path)
		o.metrics.DeployTotal.WithLabelValues(metrics.ResultSuccess).Inc()
	}
	return res, err
}

func (o *Orchestrator) deploy(ctx context.Context, j *job) (*Result, error) {
	name := o.script.Name()

	j.logf("connecting to %s", j.hostID)
	sess, err := o.sessions.Connect(ctx, j.hostID)
	if err != nil {
		return &Result{}, err
	}
	j.successf("connected")

	j.logf("checking for an existing %s", name)
	existing, err := o.script.Locate(ctx, j.hostID)
	if err != nil {
		return &Result{}, err
	}
	if existing != "" {
		if err := o.ensureExecutable(ctx, j, existing); err != nil {
			return &Result{}, err
		}
		j.successf("%s already installed at %s", name, existing)
		return &Result{Message: "script already installed", Path: existing}, nil
	}

	f, err := facts.Gather(ctx, facts.RunnerFunc(j.run))
	if err != nil {
		return &Result{}, fmt.Errorf("gather host facts: %w", err)
	}
	dir := f.Home
	if dir == "" {
		dir = path.Dir(o.script.PrivilegedPath())
	}
	target := path.Join(dir, name)
	j.logf("installing to %s as %s", target, f.User)

	if !o.fetch(ctx, j, f, target) {
		if err := o.upload(ctx, j, sess, target); err != nil {
			return &Result{}, err
		}
	}

	if err := o.verifyDownload(ctx, j, target); err != nil {
		return &Result{}, err
	}
	if err := o.ensureExecutable(ctx, j, target); err != nil {
		return &Result{}, err
	}
	o.copyPrivileged(ctx, j, f, target)

	if err := o.initialize(ctx, j, dir); err != nil {
		return &Result{}, err
	}

	j.logf("verifying installation")
	installed, err := o.script.Locate(ctx, j.hostID)
	if err != nil {
		return &Result{}, err
	}
	if installed == "" {
		return &Result{}, ErrVerification
	}
	j.successf("%s deployed", name)
	return &Result{Message: "script deployed", Path: installed, Installed: true}, nil
}

// fetch downloads the script to target, trying the source the probe favours
// first. It reports whether a download succeeded.
func (o *Orchestrator) fetch(ctx context.Context, j *job, f *facts.Facts, target string) bool {
	tool := f.Downloader()
	if tool == "" {
		j.errorf("neither wget nor curl is installed")
		return false
	}

	urls := o.orderSources(ctx, j, tool)
	for i, url := range urls {
		j.logf("downloading %s", url)
		res, err := j.run(ctx, downloadCommand(tool, url, target))
		if err == nil && res.ExitCode == 0 {
			j.successf("downloaded %s", o.script.Name())
			return true
		}
		if err != nil {
			j.errorf("download failed: %s", err)
		} else {
			j.relay(res)
			j.errorf("download failed with exit code %d", res.ExitCode)
		}
		_, _ = j.run(ctx, "rm -f "+script.Quote(target))
		if i < len(urls)-1 {
			j.logf("trying the next source")
		}
	}
	return false
}

func (o *Orchestrator) orderSources(ctx context.Context, j *job, tool string) []string {
	primary, fallback := o.sources.PrimaryURL, o.sources.FallbackURL
	switch {
	case primary == "" && fallback == "":
		return nil
	case fallback == "":
		return []string{primary}
	case primary == "":
		return []string{fallback}
	}

	if o.sources.ProbeURL == "" {
		return []string{primary, fallback}
	}
	j.logf("checking network access to %s", o.sources.ProbeURL)
	res, err := j.run(ctx, probeCommand(tool, o.sources.ProbeURL))
	if err == nil && res.ExitCode == 0 {
		j.logf("direct access available")
		return []string{primary, fallback}
	}
	j.logf("direct access unavailable, using the proxied source first")
	return []string{fallback, primary}
}

func (o *Orchestrator) upload(ctx context.Context, j *job, sess *session.Session, target string) error {
	if o.sources.LocalPath == "" {
		return errors.New("all download sources failed")
	}
	j.logf("uploading local copy %s", o.sources.LocalPath)
	file, err := os.Open(o.sources.LocalPath)
	if err != nil {
		return fmt.Errorf("all download sources failed and the local copy is unreadable: %w", err)
	}
	defer file.Close()

	if err := sess.Upload(ctx, file, target, 0o755); err != nil {
		return fmt.Errorf("upload local copy: %w", err)
	}
	j.successf("uploaded local copy")
	return nil
}

// verifyDownload checks that target exists and looks like a script, not an
// error page served by a proxy.
func (o *Orchestrator) verifyDownload(ctx context.Context, j *job, target string) error {
	j.logf("verifying %s", target)
	q := script.Quote(target)
	res, err := j.run(ctx, fmt.Sprintf("test -s %s && head -c 2 %s", q, q))
	if err != nil {
		return err
	}
	if res.ExitCode != 0 {
		return fmt.Errorf("%w: %s is missing or empty", ErrVerification, target)
	}
	if !strings.HasPrefix(res.Stdout, "#!") {
		return fmt.Errorf("%w: %s is not a shell script", ErrVerification, target)
	}
	return nil
}

func (o *Orchestrator) ensureExecutable(ctx context.Context, j *job, p string) error {
	q := script.Quote(p)
	res, err := j.run(ctx, fmt.Sprintf("test -x %s || chmod +x %s", q, q))
	if err != nil {
		return err
	}
	if res.ExitCode != 0 {
		j.relay(res)
		return fmt.Errorf("chmod %s: exit code %d", p, res.ExitCode)
	}
	return nil
}

// copyPrivileged copies target to the privileged location. Failure is only
// reported; the home copy works on its own.
func (o *Orchestrator) copyPrivileged(ctx context.Context, j *job, f *facts.Facts, target string) {
	priv := o.script.PrivilegedPath()
	if priv == target {
		return
	}
	cmd := fmt.Sprintf("cp -p %s %s", script.Quote(target), script.Quote(priv))
	switch {
	case f.IsRoot():
	case f.Has("sudo"):
		cmd = "sudo -n " + cmd
	default:
		j.logf("not root and no sudo, leaving the script in %s", path.Dir(target))
		return
	}

	j.logf("copying to %s", priv)
	res, err := j.run(ctx, cmd)
	if err != nil || res.ExitCode != 0 {
		j.logf("could not copy to %s, continuing with %s", priv, target)
		return
	}
	j.successf("copied to %s", priv)
}

func (o *Orchestrator) initialize(ctx context.Context, j *job, dir string) error {
	j.logf("running %s %d, this can take several minutes", o.script.Name(), int(initAction))
	cmd := fmt.Sprintf("cd %s && export AUTOMATED=yes && %s ./%s %d",
		script.Quote(dir), o.script.Interpreter(), script.Quote(o.script.Name()), int(initAction))

	res, err := o.runner.ExecuteStreaming(ctx, j.hostID, cmd, func(text string, kind connector.LineKind) {
		if kind == connector.LineError {
			j.errorf("%s", text)
			return
		}
		j.logf("%s", text)
	})
	if err != nil {
		return fmt.Errorf("initialization: %w", err)
	}
	if res.ExitCode != 0 {
		return fmt.Errorf("initialization exited with code %d", res.ExitCode)
	}
	j.successf("initialization finished")
	return nil
}

func downloadCommand(tool, url, target string) string {
	if tool == "curl" {
		return fmt.Sprintf("curl -fsSL -k -o %s %s", script.Quote(target), script.Quote(url))
	}
	return fmt.Sprintf("wget -q --no-check-certificate -O %s %s", script.Quote(target), script.Quote(url))
}

func probeCommand(tool, url string) string {
	secs := int(probeTimeout.Seconds())
	if tool == "curl" {
		return fmt.Sprintf("curl -fsS -k -o /dev/null -m %d %s", secs, script.Quote(url))
	}
	return fmt.Sprintf("wget -q --spider --no-check-certificate -T %d -t 1 %s", secs, script.Quote(url))
}
