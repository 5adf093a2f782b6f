package agent

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eugenetaranov/nftgate/internal/connector"
	"github.com/eugenetaranov/nftgate/internal/firewall"
	"github.com/eugenetaranov/nftgate/internal/metrics"
	"github.com/eugenetaranov/nftgate/internal/progress"
	"github.com/eugenetaranov/nftgate/internal/registry"
)

type fakeService struct {
	mu        sync.Mutex
	down      map[string]bool
	partial   map[string]bool
	refreshed []string
}

func (f *fakeService) Connect(ctx context.Context, hostID string) firewall.Response {
	if f.down[hostID] {
		return firewall.Response{Error: "connection refused", Kind: "transport"}
	}
	return firewall.Response{Success: true}
}

func (f *fakeService) Refresh(ctx context.Context, hostID string) firewall.Response {
	f.mu.Lock()
	f.refreshed = append(f.refreshed, hostID)
	f.mu.Unlock()
	if f.partial[hostID] {
		return firewall.Response{Success: true, Error: "blockList: timeout"}
	}
	return firewall.Response{Success: true}
}

func (f *fakeService) Deploy(ctx context.Context, hostID string, sink progress.Sink) firewall.Response {
	sink.Emit(progress.Event{Type: progress.TypeLog, Message: "downloading", HostID: hostID})
	sink.Emit(progress.Event{Type: progress.TypeComplete, Message: "deployed", HostID: hostID, Done: true})
	return firewall.Response{Success: true, Output: "deployed"}
}

type fakeSessions map[string]connector.Health

func (f fakeSessions) Hosts() []string {
	return []string{"fw-1", "fw-2"}
}

func (f fakeSessions) Health(hostID string) connector.Health {
	return f[hostID]
}

func newTestAgent(t *testing.T, svc *fakeService) (*Agent, *metrics.Registry) {
	t.Helper()
	hosts := registry.NewMemory(
		registry.Host{ID: "fw-1", Address: "10.0.0.1"},
		registry.Host{ID: "fw-2", Address: "10.0.0.2"},
		registry.Host{ID: "fw-3", Address: "10.0.0.3"},
	)
	m := metrics.New()
	sessions := fakeSessions{"fw-1": connector.HealthHealthy, "fw-2": connector.HealthUnhealthy}
	return New(svc, sessions, hosts, WithMetrics(m)), m
}

func TestConnectAll(t *testing.T) {
	a, _ := newTestAgent(t, &fakeService{down: map[string]bool{"fw-2": true}})
	assert.Equal(t, 2, a.ConnectAll(context.Background()))
}

func TestRefreshAll(t *testing.T) {
	svc := &fakeService{
		down:    map[string]bool{"fw-3": true},
		partial: map[string]bool{"fw-2": true},
	}
	a, m := newTestAgent(t, svc)

	a.RefreshAll(context.Background())

	assert.Equal(t, []string{"fw-1", "fw-2"}, svc.refreshed)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.RefreshTotal.WithLabelValues("success")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.RefreshTotal.WithLabelValues("partial")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.RefreshTotal.WithLabelValues("failure")))
}

func TestRefreshAllStopsOnCancel(t *testing.T) {
	svc := &fakeService{}
	a, _ := newTestAgent(t, svc)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	a.RefreshAll(ctx)

	assert.Empty(t, svc.refreshed)
}

func TestHealthz(t *testing.T) {
	a, _ := newTestAgent(t, &fakeService{})

	rec := httptest.NewRecorder()
	a.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	var body struct {
		Status string       `json:"status"`
		Hosts  []HostHealth `json:"hosts"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "ok", body.Status)
	assert.Equal(t, []HostHealth{{"fw-1", "healthy"}, {"fw-2", "unhealthy"}}, body.Hosts)
}

func TestMetricsEndpoint(t *testing.T) {
	a, m := newTestAgent(t, &fakeService{})
	m.RefreshTotal.WithLabelValues("success").Inc()

	rec := httptest.NewRecorder()
	a.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `nftgate_agent_refresh_total{result="success"} 1`)
}

func TestDeployRequiresHost(t *testing.T) {
	a, _ := newTestAgent(t, &fakeService{})

	rec := httptest.NewRecorder()
	a.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/ws/deploy", nil))

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestDeployStreamsProgress(t *testing.T) {
	a, _ := newTestAgent(t, &fakeService{})
	srv := httptest.NewServer(a.Handler())
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/deploy?host=fw-1"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	var events []progress.Event
	for len(events) < 2 {
		var e progress.Event
		require.NoError(t, conn.ReadJSON(&e))
		events = append(events, e)
	}
	assert.Equal(t, "downloading", events[0].Message)
	assert.True(t, events[1].Done)

	var resp firewall.Response
	require.NoError(t, conn.ReadJSON(&resp))
	assert.True(t, resp.Success)
	assert.Equal(t, "deployed", resp.Output)
}

func TestDeployReportsConnectFailure(t *testing.T) {
	a, _ := newTestAgent(t, &fakeService{down: map[string]bool{"fw-2": true}})
	srv := httptest.NewServer(a.Handler())
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/deploy?host=fw-2"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	var resp firewall.Response
	require.NoError(t, conn.ReadJSON(&resp))
	assert.False(t, resp.Success)
	assert.Equal(t, "transport", resp.Kind)
}
