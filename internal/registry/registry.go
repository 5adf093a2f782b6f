// Package registry resolves host ids to connection records and records the
// connection status nftgate observes.
package registry

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/eugenetaranov/nftgate/internal/connector"
)

// ErrHostNotFound is returned when no host has the requested id.
var ErrHostNotFound = errors.New("host not found")

// Status is the connection status written back to the registry.
type Status string

const (
	StatusOnline  Status = "online"
	StatusOffline Status = "offline"
	StatusError   Status = "error"
)

// Connection selects the transport used for a host.
type Connection string

const (
	ConnectionSSH    Connection = "ssh"
	ConnectionLocal  Connection = "local"
	ConnectionDocker Connection = "docker"
)

const defaultManagementPort = 22

// Host is one managed machine.
type Host struct {
	ID         string             `yaml:"id"`
	Name       string             `yaml:"name,omitempty"`
	Address    string             `yaml:"host"`
	Port       int                `yaml:"port,omitempty"`
	Username   string             `yaml:"username,omitempty"`
	AuthType   connector.AuthType `yaml:"auth_type,omitempty"`
	Password   string             `yaml:"password,omitempty"`
	PrivateKey string             `yaml:"private_key,omitempty"`
	KeyFile    string             `yaml:"private_key_file,omitempty"`
	Connection Connection         `yaml:"connection,omitempty"`

	// ManagementPortOverride is the port that must never be revoked. When
	// unset the SSH port is used, then 22.
	ManagementPortOverride int `yaml:"management_port,omitempty"`

	Status         Status    `yaml:"status,omitempty"`
	LastConnection time.Time `yaml:"last_connection,omitempty"`
}

// ManagementPort returns the port the host is administered through.
func (h *Host) ManagementPort() int {
	switch {
	case h.ManagementPortOverride > 0:
		return h.ManagementPortOverride
	case h.Port > 0:
		return h.Port
	default:
		return defaultManagementPort
	}
}

// ConnectorConfig converts the record into transport settings.
func (h *Host) ConnectorConfig() connector.Config {
	port := h.Port
	if port == 0 {
		port = 22
	}
	auth := h.AuthType
	if auth == "" {
		auth = connector.AuthPassword
		if h.PrivateKey != "" {
			auth = connector.AuthKey
		}
	}
	return connector.Config{
		Host:       h.Address,
		Port:       port,
		User:       h.Username,
		Auth:       auth,
		Password:   h.Password,
		PrivateKey: h.PrivateKey,
	}
}

// Validate checks the fields a connection needs.
func (h *Host) Validate() error {
	if h.ID == "" {
		return errors.New("host id is required")
	}
	switch h.Connection {
	case "", ConnectionSSH:
		if h.Address == "" {
			return fmt.Errorf("host %s: address is required", h.ID)
		}
		if h.Username == "" {
			return fmt.Errorf("host %s: username is required", h.ID)
		}
	case ConnectionLocal:
	case ConnectionDocker:
		if h.Address == "" {
			return fmt.Errorf("host %s: container name is required", h.ID)
		}
	default:
		return fmt.Errorf("host %s: unknown connection type %q", h.ID, h.Connection)
	}
	if h.Port < 0 || h.Port > 65535 {
		return fmt.Errorf("host %s: invalid port %d", h.ID, h.Port)
	}
	return nil
}

// Registry is the host store nftgate reads credentials from.
type Registry interface {
	FindHost(ctx context.Context, id string) (*Host, error)
	UpdateStatus(ctx context.Context, id string, status Status) error
}

// Lister is implemented by registries that can enumerate hosts.
type Lister interface {
	ListHosts(ctx context.Context) ([]Host, error)
}

// Memory is an in-process Registry.
type Memory struct {
	mu    sync.RWMutex
	hosts map[string]Host
	now   func() time.Time
}

// NewMemory creates a Memory registry holding hosts.
func NewMemory(hosts ...Host) *Memory {
	m := &Memory{hosts: make(map[string]Host), now: time.Now}
	for _, h := range hosts {
		m.hosts[h.ID] = h
	}
	return m
}

// Put adds or replaces a host.
func (m *Memory) Put(h Host) {
	m.mu.Lock()
	m.hosts[h.ID] = h
	m.mu.Unlock()
}

// FindHost returns a copy of the host record.
func (m *Memory) FindHost(ctx context.Context, id string) (*Host, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	h, ok := m.hosts[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrHostNotFound, id)
	}
	return &h, nil
}

// UpdateStatus records status, stamping LastConnection when online.
func (m *Memory) UpdateStatus(ctx context.Context, id string, status Status) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	h, ok := m.hosts[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrHostNotFound, id)
	}
	h.Status = status
	if status == StatusOnline {
		h.LastConnection = m.now()
	}
	m.hosts[id] = h
	return nil
}

// ListHosts returns all hosts sorted by id.
func (m *Memory) ListHosts(ctx context.Context) ([]Host, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	hosts := make([]Host, 0, len(m.hosts))
	for _, h := range m.hosts {
		hosts = append(hosts, h)
	}
	sort.Slice(hosts, func(i, j int) bool { return hosts[i].ID < hosts[j].ID })
	return hosts, nil
}

var (
	_ Registry = (*Memory)(nil)
	_ Lister   = (*Memory)(nil)
)
