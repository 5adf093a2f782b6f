// Package config loads nftgate settings. NFTGATE_* environment variables
// override the config file, which overrides the built-in defaults.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/eugenetaranov/nftgate/internal/cache"
	"github.com/eugenetaranov/nftgate/internal/deploy"
	"github.com/eugenetaranov/nftgate/internal/executor"
	"github.com/eugenetaranov/nftgate/internal/logging"
	"github.com/eugenetaranov/nftgate/internal/script"
	"github.com/eugenetaranov/nftgate/internal/session"
)

// EnvPrefix prefixes every environment override, e.g. NFTGATE_CACHE_TTL.
const EnvPrefix = "NFTGATE"

// Config is the full settings tree.
type Config struct {
	HostsFile string       `mapstructure:"hosts_file"`
	SSH       SSHConfig    `mapstructure:"ssh"`
	Exec      ExecConfig   `mapstructure:"exec"`
	Script    ScriptConfig `mapstructure:"script"`
	Cache     CacheConfig  `mapstructure:"cache"`
	Log       LogConfig    `mapstructure:"log"`
	Agent     AgentConfig  `mapstructure:"agent"`
}

type SSHConfig struct {
	ConnectTimeout    time.Duration `mapstructure:"connect_timeout"`
	KeepaliveInterval time.Duration `mapstructure:"keepalive_interval"`
	// KeepaliveMax is how many missed probes close the transport.
	KeepaliveMax int `mapstructure:"keepalive_max"`
	// KnownHosts enables host key checking against an OpenSSH known_hosts
	// file. Empty accepts any host key.
	KnownHosts string `mapstructure:"known_hosts"`
}

type ExecConfig struct {
	Timeout     time.Duration `mapstructure:"timeout"`
	MaxAttempts int           `mapstructure:"max_attempts"`
	RetryDelay  time.Duration `mapstructure:"retry_delay"`
}

// RetryPolicy converts the settings for the executor.
func (e ExecConfig) RetryPolicy() executor.RetryPolicy {
	return executor.RetryPolicy{MaxAttempts: e.MaxAttempts, Delay: e.RetryDelay}
}

type ScriptConfig struct {
	Name          string `mapstructure:"name"`
	Interpreter   string `mapstructure:"interpreter"`
	PrivilegedDir string `mapstructure:"privileged_dir"`
	PrimaryURL    string `mapstructure:"primary_url"`
	FallbackURL   string `mapstructure:"fallback_url"`
	ProbeURL      string `mapstructure:"probe_url"`
	// LocalPath is a copy of the script uploaded when downloads fail.
	LocalPath string `mapstructure:"local_path"`
}

// Sources converts the download settings for the deployer.
func (s ScriptConfig) Sources() deploy.Sources {
	return deploy.Sources{
		PrimaryURL:  s.PrimaryURL,
		FallbackURL: s.FallbackURL,
		ProbeURL:    s.ProbeURL,
		LocalPath:   expandHome(s.LocalPath),
	}
}

type CacheConfig struct {
	Driver string        `mapstructure:"driver"`
	Path   string        `mapstructure:"path"`
	TTL    time.Duration `mapstructure:"ttl"`
}

type LogConfig struct {
	Level string `mapstructure:"level"`
	JSON  bool   `mapstructure:"json"`
}

// Logger builds the process logger.
func (l LogConfig) Logger() (*logging.Logger, error) {
	level, err := logging.ParseLevel(l.Level)
	if err != nil {
		return nil, err
	}
	cfg := logging.DefaultConfig()
	cfg.Level = level
	cfg.JSON = l.JSON
	return logging.New(cfg), nil
}

type AgentConfig struct {
	Listen string `mapstructure:"listen"`
	// RefreshInterval is how often the agent re-reads every connected
	// host. Zero disables refreshing.
	RefreshInterval time.Duration `mapstructure:"refresh_interval"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("hosts_file", "~/.nftgate/hosts.yaml")

	v.SetDefault("ssh.connect_timeout", session.DefaultConnectTimeout)
	v.SetDefault("ssh.keepalive_interval", 30*time.Second)
	v.SetDefault("ssh.keepalive_max", 3)
	v.SetDefault("ssh.known_hosts", "")

	retry := executor.DefaultRetryPolicy()
	v.SetDefault("exec.timeout", executor.DefaultTimeout)
	v.SetDefault("exec.max_attempts", retry.MaxAttempts)
	v.SetDefault("exec.retry_delay", retry.Delay)

	v.SetDefault("script.name", script.DefaultName)
	v.SetDefault("script.interpreter", script.DefaultInterpreter)
	v.SetDefault("script.privileged_dir", script.DefaultPrivilegedDir)
	v.SetDefault("script.primary_url", deploy.DefaultPrimaryURL)
	v.SetDefault("script.fallback_url", deploy.DefaultFallbackURL)
	v.SetDefault("script.probe_url", deploy.DefaultProbeURL)
	v.SetDefault("script.local_path", "")

	v.SetDefault("cache.driver", cache.DriverSQLite)
	v.SetDefault("cache.path", "~/.nftgate/cache.db")
	v.SetDefault("cache.ttl", cache.DefaultTTL)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.json", false)

	v.SetDefault("agent.listen", "127.0.0.1:9477")
	v.SetDefault("agent.refresh_interval", 5*time.Minute)
}

// Load reads the config. With an empty path it looks for nftgate.yaml (or
// .toml, .json) in the working directory, ~/.nftgate and /etc/nftgate; no
// file at all is fine. An explicit path must exist.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("nftgate")
		v.AddConfigPath(".")
		v.AddConfigPath("$HOME/.nftgate")
		v.AddConfigPath("/etc/nftgate")
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	cfg.HostsFile = expandHome(cfg.HostsFile)
	cfg.Cache.Path = expandHome(cfg.Cache.Path)
	cfg.SSH.KnownHosts = expandHome(cfg.SSH.KnownHosts)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks values that would otherwise fail deep inside a component.
func (c *Config) Validate() error {
	switch c.Cache.Driver {
	case cache.DriverSQLite, cache.DriverFile:
	default:
		return fmt.Errorf("cache.driver must be %q or %q, got %q", cache.DriverSQLite, cache.DriverFile, c.Cache.Driver)
	}
	if c.Cache.TTL <= 0 {
		return fmt.Errorf("cache.ttl must be positive")
	}
	if c.Exec.MaxAttempts < 1 {
		return fmt.Errorf("exec.max_attempts must be at least 1")
	}
	if c.Exec.Timeout <= 0 || c.SSH.ConnectTimeout <= 0 {
		return fmt.Errorf("exec.timeout and ssh.connect_timeout must be positive")
	}
	if _, err := logging.ParseLevel(c.Log.Level); err != nil {
		return err
	}
	if c.Script.PrimaryURL == "" && c.Script.FallbackURL == "" && c.Script.LocalPath == "" {
		return fmt.Errorf("script: no primary_url, fallback_url or local_path to deploy from")
	}
	return nil
}

func expandHome(path string) string {
	if !strings.HasPrefix(path, "~/") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, path[2:])
}
