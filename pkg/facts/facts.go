// Package facts gathers system information from target hosts.
package facts

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/eugenetaranov/nftgate/internal/connector"
)

// Runner runs a command on the target.
type Runner interface {
	Execute(ctx context.Context, cmd string) (*connector.Result, error)
}

// RunnerFunc adapts a function to Runner.
type RunnerFunc func(ctx context.Context, cmd string) (*connector.Result, error)

// Execute implements Runner.
func (f RunnerFunc) Execute(ctx context.Context, cmd string) (*connector.Result, error) {
	return f(ctx, cmd)
}

// Tools probed on the target.
var Tools = []string{"wget", "curl", "sudo", "nft", "iptables", "bash"}

// Facts describes a target host.
type Facts struct {
	OSType              string          `json:"os_type"`
	OSFamily            string          `json:"os_family,omitempty"`
	OSName              string          `json:"os_name,omitempty"`
	Distribution        string          `json:"distribution,omitempty"`
	DistributionVersion string          `json:"distribution_version,omitempty"`
	PkgManager          string          `json:"pkg_manager,omitempty"`
	Arch                string          `json:"arch"`
	Kernel              string          `json:"kernel,omitempty"`
	Hostname            string          `json:"hostname"`
	User                string          `json:"user"`
	UID                 int             `json:"uid"`
	Home                string          `json:"home"`
	Tools               map[string]bool `json:"tools"`
}

// IsRoot reports whether commands run as uid 0.
func (f *Facts) IsRoot() bool {
	return f.UID == 0
}

// Has reports whether tool is on the target's PATH.
func (f *Facts) Has(tool string) bool {
	return f.Tools[tool]
}

// Downloader returns the preferred download tool: wget, then curl. It returns
// "" when neither is installed.
func (f *Facts) Downloader() string {
	switch {
	case f.Has("wget"):
		return "wget"
	case f.Has("curl"):
		return "curl"
	default:
		return ""
	}
}

// probe prints one key=value pair per line. /etc/os-release lines are
// prefixed with "release.".
func probe() string {
	var b strings.Builder
	b.WriteString(`echo "os_type=$(uname -s)"; `)
	b.WriteString(`echo "arch=$(uname -m)"; `)
	b.WriteString(`echo "kernel=$(uname -r)"; `)
	b.WriteString(`echo "hostname=$(hostname 2>/dev/null || uname -n)"; `)
	b.WriteString(`echo "user=$(whoami)"; `)
	b.WriteString(`echo "uid=$(id -u)"; `)
	b.WriteString(`echo "home=$HOME"; `)
	for _, t := range Tools {
		fmt.Fprintf(&b, "command -v %s >/dev/null 2>&1 && echo tool.%s=yes; ", t, t)
	}
	b.WriteString(`sed 's/^/release./' /etc/os-release 2>/dev/null; true`)
	return b.String()
}

// Gather collects system facts from the target in one round-trip.
func Gather(ctx context.Context, r Runner) (*Facts, error) {
	result, err := r.Execute(ctx, probe())
	if err != nil {
		return nil, err
	}
	if result.ExitCode != 0 {
		return nil, fmt.Errorf("facts probe exited with code %d: %s", result.ExitCode, strings.TrimSpace(result.Stderr))
	}
	return parse(result.Stdout), nil
}

func parse(out string) *Facts {
	f := &Facts{UID: -1, Tools: make(map[string]bool)}
	release := make(map[string]string)

	for _, line := range strings.Split(out, "\n") {
		key, value, ok := strings.Cut(strings.TrimSpace(line), "=")
		if !ok {
			continue
		}
		switch {
		case strings.HasPrefix(key, "tool."):
			f.Tools[strings.TrimPrefix(key, "tool.")] = value == "yes"
		case strings.HasPrefix(key, "release."):
			release[strings.TrimPrefix(key, "release.")] = strings.Trim(value, "\"'")
		case key == "os_type":
			f.OSType = value
		case key == "arch":
			f.Arch = normalizeArch(value)
		case key == "kernel":
			f.Kernel = value
		case key == "hostname":
			f.Hostname = value
		case key == "user":
			f.User = value
		case key == "uid":
			if uid, err := strconv.Atoi(value); err == nil {
				f.UID = uid
			}
		case key == "home":
			f.Home = value
		}
	}

	if f.OSType == "Linux" {
		f.OSFamily = "Linux"
		applyRelease(f, release)
	}
	return f
}

func applyRelease(f *Facts, release map[string]string) {
	f.Distribution = release["ID"]
	f.DistributionVersion = release["VERSION_ID"]
	f.OSName = release["PRETTY_NAME"]

	switch f.Distribution {
	case "ubuntu", "debian", "linuxmint", "pop":
		f.PkgManager = "apt"
		f.OSFamily = "Debian"
	case "fedora", "rhel", "centos", "rocky", "almalinux":
		f.PkgManager = "dnf"
		f.OSFamily = "RedHat"
	case "arch", "manjaro":
		f.PkgManager = "pacman"
		f.OSFamily = "Arch"
	case "alpine":
		f.PkgManager = "apk"
		f.OSFamily = "Alpine"
	case "opensuse", "sles":
		f.PkgManager = "zypper"
		f.OSFamily = "Suse"
	}
}

func normalizeArch(arch string) string {
	switch arch {
	case "x86_64", "amd64":
		return "amd64"
	case "aarch64", "arm64":
		return "arm64"
	case "armv7l":
		return "arm"
	default:
		return arch
	}
}
