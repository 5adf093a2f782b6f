package plan

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/eugenetaranov/nftgate/internal/firewall"
	"github.com/eugenetaranov/nftgate/internal/progress"
	"github.com/eugenetaranov/nftgate/internal/script"
)

// Service is the part of firewall.Service that steps drive.
type Service interface {
	Connect(ctx context.Context, hostID string) firewall.Response
	RunCommand(ctx context.Context, hostID, command string) firewall.Response
	RunAction(ctx context.Context, hostID string, action script.Action, params ...string) firewall.Response
	ProtectPort(ctx context.Context, hostID string, p firewall.Protection) firewall.Response
	ManageIPList(ctx context.Context, hostID string, op firewall.IPListOp, ip string, duration int) firewall.Response
	Deploy(ctx context.Context, hostID string, sink progress.Sink) firewall.Response
	Refresh(ctx context.Context, hostID string) firewall.Response
}

// Target is the host a step runs on.
type Target struct {
	HostID string
	// Sink receives progress of long-running steps such as deploy.
	Sink progress.Sink
}

// Step is a named operation a task can invoke.
type Step interface {
	// Name returns the step's unique identifier.
	Name() string

	// Shorthand names the parameter a short-form value binds to, or "" when
	// the step takes no parameters.
	Shorthand() string

	// Changes reports whether a successful run changes firewall state.
	Changes() bool

	// Check validates params without touching the host.
	Check(p Params) error

	Run(ctx context.Context, svc Service, t Target, p Params) firewall.Response
}

var (
	registry   = make(map[string]Step)
	registryMu sync.RWMutex
)

// Register adds a step to the registry.
// It panics if a step with the same name is already registered.
func Register(s Step) {
	registryMu.Lock()
	defer registryMu.Unlock()

	name := s.Name()
	if _, exists := registry[name]; exists {
		panic(fmt.Sprintf("step %q is already registered", name))
	}
	registry[name] = s
}

// Get retrieves a step by name, or nil.
func Get(name string) Step {
	registryMu.RLock()
	defer registryMu.RUnlock()
	return registry[name]
}

// List returns the sorted names of all registered steps.
func List() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()

	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Params are the arguments of one task.
type Params map[string]any

// String renders key as a script argument. Lists are joined with commas, so
// "ports: [80, 443]" becomes "80,443".
func (p Params) String(key string) (string, bool) {
	v, ok := p[key]
	if !ok || v == nil {
		return "", false
	}
	switch val := v.(type) {
	case string:
		return val, val != ""
	case []any:
		parts := make([]string, len(val))
		for i, item := range val {
			parts[i] = fmt.Sprint(item)
		}
		return strings.Join(parts, ","), len(parts) > 0
	default:
		return fmt.Sprint(val), true
	}
}

// Int returns key as an integer; def when absent.
func (p Params) Int(key string, def int) (int, error) {
	v, ok := p[key]
	if !ok || v == nil {
		return def, nil
	}
	switch val := v.(type) {
	case int:
		return val, nil
	case float64:
		if val != float64(int(val)) {
			return 0, fmt.Errorf("%s: %v is not a whole number", key, val)
		}
		return int(val), nil
	case string:
		n, err := strconv.Atoi(strings.TrimSpace(val))
		if err != nil {
			return 0, fmt.Errorf("%s: %q is not a number", key, val)
		}
		return n, nil
	default:
		return 0, fmt.Errorf("%s: unexpected %T", key, v)
	}
}

func (p Params) require(keys ...string) error {
	var missing []string
	for _, k := range keys {
		if _, ok := p.String(k); !ok {
			missing = append(missing, k)
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing parameter: %s", strings.Join(missing, ", "))
	}
	return nil
}

func (p Params) allow(keys ...string) error {
	known := make(map[string]bool, len(keys))
	for _, k := range keys {
		known[k] = true
	}
	var extra []string
	for k := range p {
		if !known[k] {
			extra = append(extra, k)
		}
	}
	if len(extra) > 0 {
		sort.Strings(extra)
		return fmt.Errorf("unsupported parameter: %s", strings.Join(extra, ", "))
	}
	return nil
}
