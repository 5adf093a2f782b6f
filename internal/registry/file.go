package registry

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	hostsFileMode   = 0o600
	hostsDirMode    = 0o700
	tempFilePattern = ".hosts-*.yaml.tmp"
)

// hostsFile is the on-disk layout:
//
//	hosts:
//	  - id: web-1
//	    host: 203.0.113.10
//	    username: root
//	    password: ...
type hostsFile struct {
	Hosts []Host `yaml:"hosts"`
}

// File is a Registry backed by a YAML file. The file is re-read on every
// lookup so edits made by other tools are picked up; status updates rewrite it
// atomically.
type File struct {
	path string
	mu   sync.RWMutex
	now  func() time.Time
}

// NewFile returns a registry for path. A missing file is an empty registry.
func NewFile(path string) (*File, error) {
	if path == "" {
		return nil, errors.New("hosts file path is empty")
	}
	abs, err := filepath.Abs(expandHome(path))
	if err != nil {
		return nil, fmt.Errorf("resolve hosts file path: %w", err)
	}
	return &File{path: filepath.Clean(abs), now: time.Now}, nil
}

// Path returns the resolved file location.
func (f *File) Path() string {
	return f.path
}

// FindHost returns the host with id, loading private_key_file if set.
func (f *File) FindHost(ctx context.Context, id string) (*Host, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	f.mu.RLock()
	file, err := f.read()
	f.mu.RUnlock()
	if err != nil {
		return nil, err
	}

	for _, h := range file.Hosts {
		if h.ID != id {
			continue
		}
		if h.PrivateKey == "" && h.KeyFile != "" {
			key, err := os.ReadFile(expandHome(h.KeyFile))
			if err != nil {
				return nil, fmt.Errorf("read key for host %s: %w", id, err)
			}
			h.PrivateKey = string(key)
		}
		return &h, nil
	}
	return nil, fmt.Errorf("%w: %s", ErrHostNotFound, id)
}

// UpdateStatus records status for id.
func (f *File) UpdateStatus(ctx context.Context, id string, status Status) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	file, err := f.read()
	if err != nil {
		return err
	}

	found := false
	for i := range file.Hosts {
		if file.Hosts[i].ID == id {
			file.Hosts[i].Status = status
			if status == StatusOnline {
				file.Hosts[i].LastConnection = f.now().UTC()
			}
			found = true
			break
		}
	}
	if !found {
		return fmt.Errorf("%w: %s", ErrHostNotFound, id)
	}

	return f.write(file)
}

// ListHosts returns every host sorted by id.
func (f *File) ListHosts(ctx context.Context) ([]Host, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	f.mu.RLock()
	file, err := f.read()
	f.mu.RUnlock()
	if err != nil {
		return nil, err
	}

	sort.Slice(file.Hosts, func(i, j int) bool { return file.Hosts[i].ID < file.Hosts[j].ID })
	return file.Hosts, nil
}

func (f *File) read() (hostsFile, error) {
	data, err := os.ReadFile(f.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return hostsFile{}, nil
		}
		return hostsFile{}, fmt.Errorf("read hosts file: %w", err)
	}

	var file hostsFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return hostsFile{}, fmt.Errorf("failed to parse hosts file %s: %w", f.path, err)
	}

	seen := make(map[string]bool, len(file.Hosts))
	for i := range file.Hosts {
		h := &file.Hosts[i]
		if err := h.Validate(); err != nil {
			return hostsFile{}, fmt.Errorf("host %d: %w", i+1, err)
		}
		if seen[h.ID] {
			return hostsFile{}, fmt.Errorf("duplicate host id %q", h.ID)
		}
		seen[h.ID] = true
	}
	return file, nil
}

func (f *File) write(file hostsFile) error {
	data, err := yaml.Marshal(&file)
	if err != nil {
		return fmt.Errorf("encode hosts file: %w", err)
	}

	dir := filepath.Dir(f.path)
	if err := os.MkdirAll(dir, hostsDirMode); err != nil {
		return fmt.Errorf("create hosts directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, tempFilePattern)
	if err != nil {
		return fmt.Errorf("create temp hosts file: %w", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write temp hosts file: %w", err)
	}
	if err := tmp.Chmod(hostsFileMode); err != nil {
		tmp.Close()
		return fmt.Errorf("chmod temp hosts file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp hosts file: %w", err)
	}

	if err := os.Rename(tmpPath, f.path); err != nil {
		return fmt.Errorf("replace hosts file: %w", err)
	}
	return nil
}

func expandHome(path string) string {
	if path == "~" || strings.HasPrefix(path, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, strings.TrimPrefix(path, "~"))
		}
	}
	return path
}

var (
	_ Registry = (*File)(nil)
	_ Lister   = (*File)(nil)
)
