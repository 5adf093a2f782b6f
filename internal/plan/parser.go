package plan

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// knownTaskFields are task directives, not step names.
var knownTaskFields = map[string]bool{
	"name":          true,
	"loop":          true,
	"with_items":    true,
	"loop_var":      true,
	"ignore_errors": true,
	"retries":       true,
	"delay":         true,
}

// ParseFile parses a plan from a YAML file.
func ParseFile(path string) (*Plan, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read plan: %w", err)
	}
	return Parse(data, path)
}

// Parse parses a plan from YAML data: either a list of plays or a single
// play. The step of a task is its one key that is not a directive.
func Parse(data []byte, path string) (*Plan, error) {
	var rawPlays []map[string]any
	if err := yaml.Unmarshal(data, &rawPlays); err != nil {
		var rawPlay map[string]any
		if err := yaml.Unmarshal(data, &rawPlay); err != nil {
			return nil, fmt.Errorf("invalid plan format: %w", err)
		}
		rawPlays = []map[string]any{rawPlay}
	}
	if len(rawPlays) == 0 {
		return nil, fmt.Errorf("plan %s has no plays", path)
	}

	p := &Plan{Path: path}
	for i, rawPlay := range rawPlays {
		play, err := parseRawPlay(rawPlay)
		if err != nil {
			return nil, fmt.Errorf("play %d: %w", i+1, err)
		}
		if err := play.Validate(); err != nil {
			return nil, fmt.Errorf("play %d: %w", i+1, err)
		}
		p.Plays = append(p.Plays, play)
	}
	return p, nil
}

func parseRawPlay(raw map[string]any) (*Play, error) {
	play := &Play{Vars: make(map[string]any)}

	if v, ok := raw["name"].(string); ok {
		play.Name = v
	}

	// hosts: all | fw-1 | [fw-1, fw-2]
	switch hosts := raw["hosts"].(type) {
	case string:
		play.Hosts = []string{hosts}
	case []any:
		for _, h := range hosts {
			s, ok := h.(string)
			if !ok {
				return nil, fmt.Errorf("hosts: %v is not a host ID", h)
			}
			play.Hosts = append(play.Hosts, s)
		}
	case nil:
	default:
		return nil, fmt.Errorf("hosts must be a string or a list")
	}

	if vars, ok := raw["vars"].(map[string]any); ok {
		play.Vars = vars
	}

	tasks, ok := raw["tasks"].([]any)
	if !ok && raw["tasks"] != nil {
		return nil, fmt.Errorf("tasks must be a list")
	}
	for i, rawTask := range tasks {
		taskMap, ok := rawTask.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("task %d: invalid task format", i+1)
		}
		task, err := parseRawTask(taskMap)
		if err != nil {
			return nil, fmt.Errorf("task %d: %w", i+1, err)
		}
		play.Tasks = append(play.Tasks, task)
	}

	return play, nil
}

func parseRawTask(raw map[string]any) (*Task, error) {
	task := &Task{Params: make(Params)}

	if v, ok := raw["name"].(string); ok {
		task.Name = v
	}
	if v, ok := raw["loop_var"].(string); ok {
		task.LoopVar = v
	}
	if v, ok := raw["ignore_errors"].(bool); ok {
		task.IgnoreErrors = v
	}
	if v, ok := raw["retries"].(int); ok {
		task.Retries = v
	}
	if v, ok := raw["delay"].(int); ok {
		task.Delay = v
	}

	loop, ok := raw["loop"]
	if !ok {
		loop = raw["with_items"]
	}
	if loop != nil {
		items, ok := loop.([]any)
		if !ok {
			return nil, fmt.Errorf("loop must be a list")
		}
		task.Loop = items
	}

	for key, value := range raw {
		if knownTaskFields[key] {
			continue
		}
		if task.Step != "" {
			return nil, fmt.Errorf("multiple steps specified: %s and %s", task.Step, key)
		}
		task.Step = key

		switch params := value.(type) {
		case map[string]any:
			task.Params = params
		case nil:
		default:
			// Short form: "allow-ports: 80,443".
			task.Params = Params{rawParam: value}
		}
	}

	ExpandShorthand(task)
	return task, nil
}

const rawParam = "_raw"

// ExpandShorthand binds a short-form value to the step's main parameter.
// "key=value key=value" strings are split into named parameters instead.
func ExpandShorthand(task *Task) {
	raw, ok := task.Params[rawParam]
	if !ok {
		return
	}

	// A shell command keeps its '=' signs.
	if s, ok := raw.(string); ok && task.Step != commandStep && strings.Contains(s, "=") && !strings.Contains(s, "{{") {
		params := make(Params)
		for _, part := range strings.Fields(s) {
			if idx := strings.Index(part, "="); idx > 0 {
				params[part[:idx]] = strings.Trim(part[idx+1:], "\"'")
			}
		}
		task.Params = params
		return
	}

	step := Get(task.Step)
	if step == nil || step.Shorthand() == "" {
		// Left for Check to reject.
		return
	}
	task.Params = Params{step.Shorthand(): raw}
}
