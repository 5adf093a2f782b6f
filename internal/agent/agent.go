// Package agent is the long-running mode of nftgate: it keeps sessions to
// every registered host, refreshes their cached rule state on a timer and
// serves metrics, health and deploy progress over HTTP.
package agent

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/eugenetaranov/nftgate/internal/connector"
	"github.com/eugenetaranov/nftgate/internal/firewall"
	"github.com/eugenetaranov/nftgate/internal/logging"
	"github.com/eugenetaranov/nftgate/internal/metrics"
	"github.com/eugenetaranov/nftgate/internal/progress"
	"github.com/eugenetaranov/nftgate/internal/registry"
)

const shutdownTimeout = 5 * time.Second

// Service is the part of firewall.Service the agent drives.
type Service interface {
	Connect(ctx context.Context, hostID string) firewall.Response
	Refresh(ctx context.Context, hostID string) firewall.Response
	Deploy(ctx context.Context, hostID string, sink progress.Sink) firewall.Response
}

// Sessions reports live session state.
type Sessions interface {
	Hosts() []string
	Health(hostID string) connector.Health
}

// Agent serves one process worth of hosts.
type Agent struct {
	svc      Service
	sessions Sessions
	hosts    registry.Lister
	interval time.Duration
	log      *logging.Logger
	metrics  *metrics.Registry
}

// Option configures the Agent.
type Option func(*Agent)

// WithRefreshInterval sets how often every host is refreshed. Zero disables
// refreshing.
func WithRefreshInterval(d time.Duration) Option {
	return func(a *Agent) {
		a.interval = d
	}
}

// WithLogger sets the logger.
func WithLogger(l *logging.Logger) Option {
	return func(a *Agent) {
		a.log = l.WithComponent("agent")
	}
}

// WithMetrics sets the registry served on /metrics.
func WithMetrics(m *metrics.Registry) Option {
	return func(a *Agent) {
		a.metrics = m
	}
}

// New creates an agent.
func New(svc Service, sessions Sessions, hosts registry.Lister, opts ...Option) *Agent {
	a := &Agent{
		svc:      svc,
		sessions: sessions,
		hosts:    hosts,
		log:      logging.Discard(),
		metrics:  metrics.New(),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Run connects every host, then serves listen and refreshes hosts until ctx
// is cancelled.
func (a *Agent) Run(ctx context.Context, listen string) error {
	a.ConnectAll(ctx)

	srv := &http.Server{
		Addr:              listen,
		Handler:           a.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		a.log.Info("listening", "addr", listen)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	if a.interval > 0 {
		g.Go(func() error {
			a.refreshLoop(ctx)
			return nil
		})
	}
	return g.Wait()
}

// ConnectAll opens a session to every registered host. Failures are logged;
// the session layer retries them on next use.
func (a *Agent) ConnectAll(ctx context.Context) int {
	hosts, err := a.hosts.ListHosts(ctx)
	if err != nil {
		a.log.Error("list hosts", "error", err)
		return 0
	}
	connected := 0
	for _, h := range hosts {
		if r := a.svc.Connect(ctx, h.ID); !r.Success {
			a.log.WithHost(h.ID).Warn("connect failed", "error", r.Error)
			continue
		}
		connected++
	}
	a.log.Info("hosts connected", "connected", connected, "total", len(hosts))
	return connected
}

func (a *Agent) refreshLoop(ctx context.Context) {
	ticker := time.NewTicker(a.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			a.RefreshAll(ctx)
		}
	}
}

// RefreshAll re-reads the rule state of every registered host.
func (a *Agent) RefreshAll(ctx context.Context) {
	hosts, err := a.hosts.ListHosts(ctx)
	if err != nil {
		a.log.Error("list hosts", "error", err)
		return
	}
	for _, h := range hosts {
		if ctx.Err() != nil {
			return
		}
		log := a.log.WithHost(h.ID)
		r := a.svc.Connect(ctx, h.ID)
		if r.Success {
			r = a.svc.Refresh(ctx, h.ID)
		}
		switch {
		case !r.Success:
			a.metrics.RefreshTotal.WithLabelValues("failure").Inc()
			log.Warn("refresh failed", "error", r.Error)
		case r.Error != "":
			a.metrics.RefreshTotal.WithLabelValues("partial").Inc()
			log.Warn("refresh incomplete", "error", r.Error)
		default:
			a.metrics.RefreshTotal.WithLabelValues("success").Inc()
			log.Debug("refreshed")
		}
	}
}

// Handler serves /metrics, /healthz and /ws/deploy.
func (a *Agent) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", a.metrics.Handler())
	mux.HandleFunc("/healthz", a.handleHealth)
	mux.HandleFunc("/ws/deploy", a.handleDeploy)
	return mux
}

// HostHealth is one entry of the /healthz body.
type HostHealth struct {
	Host   string `json:"host"`
	Health string `json:"health"`
}

func (a *Agent) handleHealth(w http.ResponseWriter, r *http.Request) {
	ids := a.sessions.Hosts()
	body := struct {
		Status string       `json:"status"`
		Hosts  []HostHealth `json:"hosts"`
	}{Status: "ok", Hosts: make([]HostHealth, 0, len(ids))}
	for _, id := range ids {
		body.Hosts = append(body.Hosts, HostHealth{Host: id, Health: a.sessions.Health(id).String()})
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(body)
}

// handleDeploy upgrades to a WebSocket, streams deploy progress events for
// ?host= and finishes with the deploy response as the last frame.
func (a *Agent) handleDeploy(w http.ResponseWriter, r *http.Request) {
	hostID := r.URL.Query().Get("host")
	if hostID == "" {
		http.Error(w, "missing host parameter", http.StatusBadRequest)
		return
	}

	conn, err := progress.Upgrader.Upgrade(w, r, nil)
	if err != nil {
		a.log.Warn("websocket upgrade", "error", err)
		return
	}
	sink := progress.NewWebSocketSink(conn)
	defer sink.Close()

	ctx := r.Context()
	resp := a.svc.Connect(ctx, hostID)
	if resp.Success {
		resp = a.svc.Deploy(ctx, hostID, sink)
	}
	if err := sink.Err(); err != nil {
		a.log.WithHost(hostID).Warn("deploy progress stream broken", "error", err)
		return
	}
	_ = conn.WriteJSON(resp)
}
