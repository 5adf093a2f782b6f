package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"golang.org/x/crypto/ssh/knownhosts"

	"github.com/eugenetaranov/nftgate/internal/cache"
	"github.com/eugenetaranov/nftgate/internal/config"
	sshconn "github.com/eugenetaranov/nftgate/internal/connector/ssh"
	"github.com/eugenetaranov/nftgate/internal/deploy"
	"github.com/eugenetaranov/nftgate/internal/executor"
	"github.com/eugenetaranov/nftgate/internal/firewall"
	"github.com/eugenetaranov/nftgate/internal/logging"
	"github.com/eugenetaranov/nftgate/internal/metrics"
	"github.com/eugenetaranov/nftgate/internal/output"
	"github.com/eugenetaranov/nftgate/internal/registry"
	"github.com/eugenetaranov/nftgate/internal/script"
	"github.com/eugenetaranov/nftgate/internal/session"
)

// app is the wired component graph of one process.
type app struct {
	cfg      *config.Config
	log      *logging.Logger
	metrics  *metrics.Registry
	hosts    *registry.File
	sessions *session.Manager
	exec     *executor.Executor
	store    cache.Store
	svc      *firewall.Service
	out      *output.Output
}

func newApp() (*app, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}

	log, err := cfg.Log.Logger()
	if err != nil {
		return nil, err
	}
	if debug {
		log.SetLevel(logging.LevelDebug)
	}
	logging.SetDefault(log)

	out := output.New(os.Stdout)
	out.SetColor(!noColor)
	out.SetDebug(debug)

	hosts, err := registry.NewFile(cfg.HostsFile)
	if err != nil {
		return nil, fmt.Errorf("open hosts file: %w", err)
	}

	m := metrics.Get()

	sshOpts := []sshconn.Option{sshconn.WithKeepalive(cfg.SSH.KeepaliveInterval, cfg.SSH.KeepaliveMax)}
	if cfg.SSH.KnownHosts != "" {
		cb, err := knownhosts.New(cfg.SSH.KnownHosts)
		if err != nil {
			return nil, fmt.Errorf("load known_hosts: %w", err)
		}
		sshOpts = append(sshOpts, sshconn.WithHostKeyCallback(cb))
	}

	sessions := session.NewManager(hosts,
		session.WithDialer(session.DefaultDialer(sshOpts...)),
		session.WithConnectTimeout(cfg.SSH.ConnectTimeout),
		session.WithLogger(log),
		session.WithMetrics(m),
	)

	exec := executor.New(sessions,
		executor.WithTimeout(cfg.Exec.Timeout),
		executor.WithRetryPolicy(cfg.Exec.RetryPolicy()),
		executor.WithLogger(log),
		executor.WithMetrics(m),
	)

	adapter := script.New(exec, sessions, hosts,
		script.WithScriptName(cfg.Script.Name),
		script.WithInterpreter(cfg.Script.Interpreter),
		script.WithPrivilegedDir(cfg.Script.PrivilegedDir),
		script.WithLogger(log),
		script.WithMetrics(m),
	)

	store, err := cache.Open(cfg.Cache.Driver, cfg.Cache.Path)
	if err != nil {
		return nil, fmt.Errorf("open cache: %w", err)
	}
	c := cache.New(store,
		cache.WithTTL(cfg.Cache.TTL),
		cache.WithLogger(log),
		cache.WithMetrics(m),
	)

	deployer := deploy.New(exec, sessions, adapter,
		deploy.WithSources(cfg.Script.Sources()),
		deploy.WithLogger(log),
		deploy.WithMetrics(m),
	)

	svc := firewall.New(sessions, exec, adapter, c,
		firewall.WithDeployer(deployer),
		firewall.WithLogger(log),
	)

	return &app{
		cfg:      cfg,
		log:      log,
		metrics:  m,
		hosts:    hosts,
		sessions: sessions,
		exec:     exec,
		store:    store,
		svc:      svc,
		out:      out,
	}, nil
}

// Close drops every session and closes the cache store.
func (a *app) Close() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if n := a.sessions.DisconnectAll(ctx); n > 0 {
		a.log.Debug("sessions closed", "count", n)
	}
	if err := a.store.Close(); err != nil {
		a.log.Warn("close cache", "error", err)
	}
}

// print renders r and turns a failed operation into a command error.
func (a *app) print(name string, r firewall.Response) error {
	if jsonOutput {
		if err := a.out.JSON(r); err != nil {
			return err
		}
	} else {
		a.out.Response(name, r)
	}
	if !r.Success {
		return errReported
	}
	return nil
}
