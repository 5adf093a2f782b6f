package local

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

func TestExecute(t *testing.T) {
	c := New()
	require.NoError(t, c.Connect(context.Background()))

	res, err := c.Execute(context.Background(), "echo out; echo err >&2; exit 4")
	require.NoError(t, err)
	assert.Equal(t, "out\n", res.Stdout)
	assert.Equal(t, "err\n", res.Stderr)
	assert.Equal(t, 4, res.ExitCode)
}

func TestExecuteTimeout(t *testing.T) {
	c := New()
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := c.Execute(ctx, "sleep 5")
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestStream(t *testing.T) {
	c := New()

	var logs, errs []string
	res, err := c.Stream(context.Background(), "echo a; echo; echo b >&2; echo c", func(text string, kind connector.LineKind) {
		if kind == connector.LineLog {
			logs = append(logs, text)
		} else {
			errs = append(errs, text)
		}
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "c"}, logs)
	assert.Equal(t, []string{"b"}, errs)
	assert.Equal(t, 0, res.ExitCode)
}

func TestUploadDownload(t *testing.T) {
	c := New()
	dst := filepath.Join(t.TempDir(), "script.sh")

	require.NoError(t, c.Upload(context.Background(), strings.NewReader("echo hi"), dst, 0o755))
	info, err := os.Stat(dst)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o755), info.Mode().Perm())

	var sb strings.Builder
	require.NoError(t, c.Download(context.Background(), dst, &sb))
	assert.Equal(t, "echo hi", sb.String())
}

func TestCloseEndsConnector(t *testing.T) {
	c := New()
	assert.Equal(t, connector.HealthHealthy, c.Health())

	require.NoError(t, c.Close())
	require.NoError(t, c.Close())

	<-c.Done()
	assert.Equal(t, connector.HealthUnhealthy, c.Health())
	assert.NoError(t, c.Err())

	_, err := c.Execute(context.Background(), "true")
	assert.Error(t, err)
}

func TestBuildCommandSudo(t *testing.T) {
	assert.Equal(t, "ls", New().buildCommand("ls"))
	assert.Equal(t, "sudo -- ls", New(WithSudo("")).buildCommand("ls"))
	assert.Equal(t, "sudo -u root -- ls", New(WithSudo("root")).buildCommand("ls"))
}
