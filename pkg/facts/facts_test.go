package facts

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eugenetaranov/nftgate/internal/connector"
)

const debianProbe = `os_type=Linux
arch=x86_64
kernel=6.1.0-18-amd64
hostname=fw-1
user=root
uid=0
home=/root
tool.wget=yes
tool.bash=yes
tool.nft=yes
release.PRETTY_NAME="Debian GNU/Linux 12 (bookworm)"
release.ID=debian
release.VERSION_ID="12"
`

func TestGather(t *testing.T) {
	var got string
	f, err := Gather(context.Background(), RunnerFunc(func(ctx context.Context, cmd string) (*connector.Result, error) {
		got = cmd
		return &connector.Result{Stdout: debianProbe}, nil
	}))
	require.NoError(t, err)
	assert.Contains(t, got, "command -v wget")
	assert.Contains(t, got, "/etc/os-release")

	assert.Equal(t, "Linux", f.OSType)
	assert.Equal(t, "Debian", f.OSFamily)
	assert.Equal(t, "debian", f.Distribution)
	assert.Equal(t, "12", f.DistributionVersion)
	assert.Equal(t, "Debian GNU/Linux 12 (bookworm)", f.OSName)
	assert.Equal(t, "apt", f.PkgManager)
	assert.Equal(t, "amd64", f.Arch)
	assert.Equal(t, "fw-1", f.Hostname)
	assert.Equal(t, "/root", f.Home)
	assert.True(t, f.IsRoot())
	assert.True(t, f.Has("nft"))
	assert.False(t, f.Has("curl"))
	assert.Equal(t, "wget", f.Downloader())
}

func TestDownloaderFallback(t *testing.T) {
	f := parse("uid=1000\ntool.curl=yes\n")
	assert.Equal(t, "curl", f.Downloader())
	assert.False(t, f.IsRoot())

	f = parse("uid=1000\n")
	assert.Equal(t, "", f.Downloader())
}

func TestParseUnknownUID(t *testing.T) {
	f := parse("user=nobody\n")
	assert.Equal(t, -1, f.UID)
	assert.False(t, f.IsRoot())
}

func TestNormalizeArch(t *testing.T) {
	tests := map[string]string{
		"x86_64":  "amd64",
		"aarch64": "arm64",
		"armv7l":  "arm",
		"riscv64": "riscv64",
	}
	for in, want := range tests {
		assert.Equal(t, want, normalizeArch(in), in)
	}
}

func TestGatherErrors(t *testing.T) {
	_, err := Gather(context.Background(), RunnerFunc(func(context.Context, string) (*connector.Result, error) {
		return nil, errors.New("channel closed")
	}))
	assert.Error(t, err)

	_, err = Gather(context.Background(), RunnerFunc(func(context.Context, string) (*connector.Result, error) {
		return &connector.Result{ExitCode: 127, Stderr: "sh: not found"}, nil
	}))
	assert.ErrorContains(t, err, "127")
}
