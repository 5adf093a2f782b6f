package registry

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eugenetaranov/nftgate/internal/connector"
)

func TestManagementPort(t *testing.T) {
	tests := []struct {
		name string
		host Host
		want int
	}{
		{"default", Host{}, 22},
		{"ssh port", Host{Port: 2222}, 2222},
		{"override", Host{Port: 2222, ManagementPortOverride: 8022}, 8022},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.host.ManagementPort())
		})
	}
}

func TestConnectorConfig(t *testing.T) {
	h := Host{Address: "10.0.0.5", Username: "root", PrivateKey: "KEY"}
	cfg := h.ConnectorConfig()
	assert.Equal(t, connector.Config{
		Host:       "10.0.0.5",
		Port:       22,
		User:       "root",
		Auth:       connector.AuthKey,
		PrivateKey: "KEY",
	}, cfg)

	h = Host{Address: "10.0.0.5", Port: 2200, Username: "root", Password: "pw"}
	assert.Equal(t, connector.AuthPassword, h.ConnectorConfig().Auth)
}

func TestValidate(t *testing.T) {
	assert.NoError(t, (&Host{ID: "a", Address: "x", Username: "root"}).Validate())
	assert.NoError(t, (&Host{ID: "a", Connection: ConnectionLocal}).Validate())
	assert.Error(t, (&Host{Address: "x"}).Validate())
	assert.Error(t, (&Host{ID: "a", Username: "root"}).Validate())
	assert.Error(t, (&Host{ID: "a", Connection: "telnet"}).Validate())
	assert.Error(t, (&Host{ID: "a", Address: "x", Username: "r", Port: 70000}).Validate())
}

func TestMemoryRegistry(t *testing.T) {
	ctx := context.Background()
	stamp := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	m := NewMemory(Host{ID: "web-1", Address: "10.0.0.1", Username: "root"})
	m.now = func() time.Time { return stamp }

	require.NoError(t, m.UpdateStatus(ctx, "web-1", StatusOnline))
	h, err := m.FindHost(ctx, "web-1")
	require.NoError(t, err)
	assert.Equal(t, StatusOnline, h.Status)
	assert.Equal(t, stamp, h.LastConnection)

	_, err = m.FindHost(ctx, "nope")
	assert.ErrorIs(t, err, ErrHostNotFound)
	assert.ErrorIs(t, m.UpdateStatus(ctx, "nope", StatusError), ErrHostNotFound)
}

const hostsYAML = `hosts:
  - id: web-1
    name: Web
    host: 203.0.113.10
    port: 2222
    username: root
    password: hunter2
  - id: db-1
    host: 203.0.113.11
    username: admin
    private_key_file: KEYFILE
`

func writeHosts(t *testing.T) (*File, string) {
	t.Helper()
	dir := t.TempDir()
	keyPath := filepath.Join(dir, "id_ed25519")
	require.NoError(t, os.WriteFile(keyPath, []byte("PRIVATE"), 0o600))

	path := filepath.Join(dir, "hosts.yaml")
	content := []byte(strings.ReplaceAll(hostsYAML, "KEYFILE", keyPath))
	require.NoError(t, os.WriteFile(path, content, 0o600))

	f, err := NewFile(path)
	require.NoError(t, err)
	return f, path
}

func TestFileFindHost(t *testing.T) {
	f, _ := writeHosts(t)
	ctx := context.Background()

	h, err := f.FindHost(ctx, "web-1")
	require.NoError(t, err)
	assert.Equal(t, "203.0.113.10", h.Address)
	assert.Equal(t, 2222, h.Port)
	assert.Equal(t, "hunter2", h.Password)

	h, err = f.FindHost(ctx, "db-1")
	require.NoError(t, err)
	assert.Equal(t, "PRIVATE", h.PrivateKey)

	_, err = f.FindHost(ctx, "missing")
	assert.ErrorIs(t, err, ErrHostNotFound)
}

func TestFileUpdateStatusPersists(t *testing.T) {
	f, path := writeHosts(t)
	ctx := context.Background()

	require.NoError(t, f.UpdateStatus(ctx, "web-1", StatusOnline))
	require.NoError(t, f.UpdateStatus(ctx, "db-1", StatusError))

	reopened, err := NewFile(path)
	require.NoError(t, err)
	hosts, err := reopened.ListHosts(ctx)
	require.NoError(t, err)
	require.Len(t, hosts, 2)

	assert.Equal(t, "db-1", hosts[0].ID)
	assert.Equal(t, StatusError, hosts[0].Status)
	assert.Equal(t, StatusOnline, hosts[1].Status)
	assert.False(t, hosts[1].LastConnection.IsZero())

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())
}

func TestFileMissingIsEmpty(t *testing.T) {
	f, err := NewFile(filepath.Join(t.TempDir(), "none.yaml"))
	require.NoError(t, err)

	hosts, err := f.ListHosts(context.Background())
	require.NoError(t, err)
	assert.Empty(t, hosts)
}

func TestFileRejectsDuplicates(t *testing.T) {
	path := filepath.Join(t.TempDir(), "hosts.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`hosts:
  - {id: a, host: x, username: root}
  - {id: a, host: y, username: root}
`), 0o600))

	f, err := NewFile(path)
	require.NoError(t, err)
	_, err = f.FindHost(context.Background(), "a")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "duplicate")
}
