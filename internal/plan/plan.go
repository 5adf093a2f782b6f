// Package plan applies declarative rule plans: YAML files that list, for a
// set of hosts, the firewall steps to run in order.
package plan

import (
	"fmt"
	"sort"
	"strings"
)

// AllHosts targets every host in the registry.
const AllHosts = "all"

// Plan is a parsed plan file with one or more plays.
type Plan struct {
	// Path is the file the plan was loaded from.
	Path string

	Plays []*Play
}

// Play runs a list of tasks on a set of hosts.
type Play struct {
	Name string

	// Hosts lists host IDs, or holds the single entry "all".
	Hosts []string

	// Vars are available to every task as {{ name }}.
	Vars map[string]any

	Tasks []*Task
}

// Task is one step invocation.
type Task struct {
	Name string

	// Step names the registered step to run.
	Step string

	Params Params

	// Loop runs the task once per item, exposed as {{ item }} or LoopVar.
	Loop    []any
	LoopVar string

	// IgnoreErrors keeps the play going when the task fails.
	IgnoreErrors bool

	// Retries is how many extra attempts a failed task gets, Delay the
	// seconds between them.
	Retries int
	Delay   int
}

// TargetsAll reports whether the play runs on every registered host.
func (p *Play) TargetsAll() bool {
	return len(p.Hosts) == 1 && p.Hosts[0] == AllHosts
}

// GetLoopVar returns the loop variable name, defaulting to "item".
func (t *Task) GetLoopVar() string {
	if t.LoopVar == "" {
		return "item"
	}
	return t.LoopVar
}

// Validate checks the play for errors that do not depend on variables.
func (p *Play) Validate() error {
	if len(p.Hosts) == 0 {
		return fmt.Errorf("play is missing required 'hosts' field")
	}
	for _, h := range p.Hosts {
		if h == AllHosts && len(p.Hosts) > 1 {
			return fmt.Errorf("'all' cannot be combined with other hosts")
		}
	}
	if len(p.Tasks) == 0 {
		return fmt.Errorf("play has no tasks")
	}

	for i, task := range p.Tasks {
		if err := task.Validate(); err != nil {
			taskName := task.Name
			if taskName == "" {
				taskName = fmt.Sprintf("task %d", i+1)
			}
			return fmt.Errorf("%s: %w", taskName, err)
		}
	}
	return nil
}

// Validate checks the task references a known step.
func (t *Task) Validate() error {
	if t.Step == "" {
		return fmt.Errorf("task has no step specified")
	}
	if Get(t.Step) == nil {
		return fmt.Errorf("unknown step '%s' (available: %s)", t.Step, strings.Join(List(), ", "))
	}
	if t.Retries < 0 {
		return fmt.Errorf("retries cannot be negative")
	}
	if t.Delay < 0 {
		return fmt.Errorf("delay cannot be negative")
	}
	return nil
}

// String returns a human-readable description of the task.
func (t *Task) String() string {
	if t.Name != "" {
		return t.Name
	}
	return fmt.Sprintf("%s: %s", t.Step, summarizeParams(t.Params))
}

// summarizeParams renders params in key order, at most three of them.
func summarizeParams(params Params) string {
	if len(params) == 0 {
		return "{}"
	}

	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var parts []string
	for _, k := range keys {
		if len(parts) == 3 {
			parts = append(parts, "...")
			break
		}
		switch val := params[k].(type) {
		case string:
			if len(val) > 30 {
				val = val[:27] + "..."
			}
			parts = append(parts, fmt.Sprintf("%s=%q", k, val))
		default:
			parts = append(parts, fmt.Sprintf("%s=%v", k, val))
		}
	}
	return "{" + strings.Join(parts, ", ") + "}"
}

// CheckParams checks the parameters of every task that does not depend on
// variables or a loop. Those can only be checked when the task runs.
func (p *Plan) CheckParams() []error {
	var errs []error
	for _, play := range p.Plays {
		for _, task := range play.Tasks {
			if len(task.Loop) > 0 || hasTemplate(map[string]any(task.Params)) {
				continue
			}
			if err := Get(task.Step).Check(task.Params); err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", task, err))
			}
		}
	}
	return errs
}

func hasTemplate(v any) bool {
	switch val := v.(type) {
	case string:
		return varPattern.MatchString(val)
	case []any:
		for _, item := range val {
			if hasTemplate(item) {
				return true
			}
		}
	case map[string]any:
		for _, item := range val {
			if hasTemplate(item) {
				return true
			}
		}
	}
	return false
}
