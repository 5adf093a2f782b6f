//go:build integration

package firewall_test

import (
	"bytes"
	"context"
	"io"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/docker/docker/pkg/stdcopy"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/eugenetaranov/nftgate/internal/cache"
	"github.com/eugenetaranov/nftgate/internal/executor"
	"github.com/eugenetaranov/nftgate/internal/firewall"
	"github.com/eugenetaranov/nftgate/internal/output"
	"github.com/eugenetaranov/nftgate/internal/plan"
	"github.com/eugenetaranov/nftgate/internal/registry"
	"github.com/eugenetaranov/nftgate/internal/script"
	"github.com/eugenetaranov/nftgate/internal/session"
)

const callLog = "/tmp/nftgate-calls"

// stubScript answers the inbound port actions from a state file and records
// every invocation.
const stubScript = `#!/bin/bash
echo "$*" >> ` + callLog + `
state=/tmp/tcp-ports
[ -f "$state" ] || echo -n 22 > "$state"
case "$1" in
  13)
    echo "TCP ports: $(cat "$state")"
    echo "=========="
    echo "UDP ports: 53"
    ;;
  15)
    echo -n ",$2" >> "$state"
    echo "ports $2 allowed"
    ;;
  *)
    echo "unsupported action $1" >&2
    exit 3
    ;;
esac
`

func setupTarget(t *testing.T, ctx context.Context) testcontainers.Container {
	t.Helper()

	req := testcontainers.ContainerRequest{
		Image:      "debian:bookworm-slim",
		Cmd:        []string{"sleep", "600"},
		WaitingFor: wait.ForExec([]string{"echo", "ready"}).WithStartupTimeout(30 * time.Second),
	}
	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	require.NoError(t, err, "failed to start test container")

	t.Cleanup(func() {
		if err := container.Terminate(context.Background()); err != nil {
			t.Logf("failed to terminate container: %v", err)
		}
	})

	// Installed without the executable bit, which the adapter repairs.
	require.NoError(t, container.CopyToContainer(ctx, []byte(stubScript), "/root/"+script.DefaultName, 0o644))
	return container
}

// execInContainer runs a command in the container and returns stdout.
func execInContainer(ctx context.Context, container testcontainers.Container, cmd []string) (int, string, error) {
	exitCode, reader, err := container.Exec(ctx, cmd)
	if err != nil {
		return exitCode, "", err
	}

	var stdout, stderr bytes.Buffer
	_, _ = stdcopy.StdCopy(&stdout, &stderr, reader)
	return exitCode, stdout.String(), nil
}

func calls(t *testing.T, ctx context.Context, container testcontainers.Container) []string {
	t.Helper()
	code, out, err := execInContainer(ctx, container, []string{"cat", callLog})
	require.NoError(t, err)
	require.Equal(t, 0, code)
	return strings.Split(strings.TrimSpace(out), "\n")
}

func TestIntegration(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	ctx := context.Background()
	container := setupTarget(t, ctx)

	const hostID = "target"
	reg := registry.NewMemory(registry.Host{
		ID:         hostID,
		Address:    container.GetContainerID(),
		Connection: registry.ConnectionDocker,
	})
	sessions := session.NewManager(reg)
	t.Cleanup(func() { sessions.DisconnectAll(context.Background()) })

	store, err := cache.OpenSQLite(filepath.Join(t.TempDir(), "cache.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	exec := executor.New(sessions, executor.WithTimeout(30*time.Second))
	adapter := script.New(exec, sessions, reg)
	svc := firewall.New(sessions, exec, adapter, cache.New(store))

	r := svc.Connect(ctx, hostID)
	require.True(t, r.Success, r.Error)

	t.Run("RunCommand", func(t *testing.T) {
		r := svc.RunCommand(ctx, hostID, "id -u")
		require.True(t, r.Success, r.Error)
		assert.Equal(t, "0", strings.TrimSpace(r.Output))
	})

	t.Run("ReadPorts", func(t *testing.T) {
		r := svc.InboundPorts(ctx, hostID)
		require.True(t, r.Success, r.Error)
		assert.Equal(t, script.Ports{TCP: []int{22}, UDP: []int{53}}, r.Data)

		code, mode, err := execInContainer(ctx, container, []string{"stat", "-c", "%a", "/root/" + script.DefaultName})
		require.NoError(t, err)
		require.Equal(t, 0, code)
		assert.Equal(t, "755", strings.TrimSpace(mode))
	})

	t.Run("AllowPortsInvalidatesCache", func(t *testing.T) {
		r := svc.AllowPorts(ctx, hostID, "80,443")
		require.True(t, r.Success, r.Error)
		assert.Contains(t, calls(t, ctx, container), "15 80,443")

		r = svc.InboundPorts(ctx, hostID)
		require.True(t, r.Success, r.Error)
		assert.False(t, r.Cached)
		assert.Equal(t, script.Ports{TCP: []int{22, 80, 443}, UDP: []int{53}}, r.Data)
	})

	t.Run("ManagementPortRefused", func(t *testing.T) {
		before := len(calls(t, ctx, container))
		r := svc.DisallowPorts(ctx, hostID, "20-30")
		assert.False(t, r.Success)
		assert.Equal(t, "safety", r.Kind)
		assert.Len(t, calls(t, ctx, container), before, "refused request must not reach the script")
	})

	t.Run("ScriptFailure", func(t *testing.T) {
		r := svc.RunAction(ctx, hostID, script.BlockBTPT)
		assert.False(t, r.Success)
		assert.Contains(t, r.Error, "unsupported action 1")
	})

	t.Run("ApplyPlan", func(t *testing.T) {
		p, err := plan.Parse([]byte(`
name: open web
hosts: target
vars:
  extra: 8443
tasks:
  - allow-ports: "{{ extra }}"
  - inbound-ports:
`), "web.yaml")
		require.NoError(t, err)

		runner := plan.NewRunner(svc, reg)
		runner.Output = output.New(io.Discard)
		result, err := runner.Run(ctx, p)
		require.NoError(t, err)
		assert.True(t, result.Success)
		assert.Equal(t, 1, result.Stats.Changed)
		assert.Equal(t, 1, result.Stats.OK)
		assert.Contains(t, calls(t, ctx, container), "15 8443")
	})
}
