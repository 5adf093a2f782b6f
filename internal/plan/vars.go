package plan

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// varPattern matches {{ variable }} syntax.
var varPattern = regexp.MustCompile(`\{\{\s*([^}]+?)\s*\}\}`)

// scope holds the variables visible to a task: play vars, the host ID as
// "host", the environment as "env" and the loop item.
type scope map[string]any

// interpolateParams interpolates variables in every task parameter.
func (s scope) interpolateParams(params Params) (Params, error) {
	result := make(Params, len(params))
	for k, v := range params {
		interpolated, err := s.interpolateValue(v)
		if err != nil {
			return nil, fmt.Errorf("parameter '%s': %w", k, err)
		}
		result[k] = interpolated
	}
	return result, nil
}

func (s scope) interpolateValue(v any) (any, error) {
	switch val := v.(type) {
	case string:
		return s.interpolateString(val)
	case []any:
		result := make([]any, len(val))
		for i, item := range val {
			interpolated, err := s.interpolateValue(item)
			if err != nil {
				return nil, err
			}
			result[i] = interpolated
		}
		return result, nil
	default:
		return v, nil
	}
}

// interpolateString replaces {{ var }} patterns. A string that is exactly
// one reference takes the variable's value unstringified, so a list var
// stays a list.
func (s scope) interpolateString(str string) (any, error) {
	trimmed := strings.TrimSpace(str)
	if strings.HasPrefix(trimmed, "{{") && strings.HasSuffix(trimmed, "}}") {
		inner := strings.TrimSpace(trimmed[2 : len(trimmed)-2])
		if !strings.Contains(inner, "{{") {
			return s.resolve(inner)
		}
	}

	var firstErr error
	result := varPattern.ReplaceAllStringFunc(str, func(match string) string {
		inner := varPattern.FindStringSubmatch(match)
		val, err := s.resolve(inner[1])
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			return match
		}
		return fmt.Sprint(val)
	})
	return result, firstErr
}

// resolve evaluates "name", "a.b" or "name | filter(arg)". Undefined
// variables are an error unless a default filter supplies a value.
func (s scope) resolve(expr string) (any, error) {
	expr = strings.TrimSpace(expr)
	if idx := strings.Index(expr, "|"); idx > 0 {
		return s.applyFilter(strings.TrimSpace(expr[:idx]), strings.TrimSpace(expr[idx+1:]))
	}
	val := s.lookup(expr)
	if val == nil {
		return nil, fmt.Errorf("undefined variable '%s'", expr)
	}
	return val, nil
}

// lookup finds a variable by name or dotted path.
func (s scope) lookup(name string) any {
	if val, ok := s[name]; ok {
		return val
	}
	if !strings.Contains(name, ".") {
		return nil
	}

	var current any = map[string]any(s)
	for _, part := range strings.Split(name, ".") {
		switch c := current.(type) {
		case map[string]any:
			current = c[part]
		case map[string]string:
			current = c[part]
		default:
			return nil
		}
		if current == nil {
			return nil
		}
	}
	return current
}

func (s scope) applyFilter(varName, filter string) (any, error) {
	val := s.lookup(varName)

	filterName := filter
	var filterArg string
	if idx := strings.Index(filter, "("); idx > 0 {
		filterName = strings.TrimSpace(filter[:idx])
		argPart := filter[idx+1:]
		if endIdx := strings.LastIndex(argPart, ")"); endIdx >= 0 {
			filterArg = strings.Trim(strings.TrimSpace(argPart[:endIdx]), "'\"")
		}
	}

	if filterName == "default" {
		if val == nil || val == "" {
			return filterArg, nil
		}
		return val, nil
	}
	if val == nil {
		return nil, fmt.Errorf("undefined variable '%s'", varName)
	}

	switch filterName {
	case "lower":
		return strings.ToLower(fmt.Sprint(val)), nil
	case "upper":
		return strings.ToUpper(fmt.Sprint(val)), nil
	case "trim":
		return strings.TrimSpace(fmt.Sprint(val)), nil
	case "string":
		return fmt.Sprint(val), nil
	case "int":
		switch v := val.(type) {
		case int:
			return v, nil
		case float64:
			return int(v), nil
		default:
			n, err := strconv.Atoi(strings.TrimSpace(fmt.Sprint(v)))
			if err != nil {
				return nil, fmt.Errorf("int filter: %q is not a number", v)
			}
			return n, nil
		}
	case "join":
		sep := filterArg
		if sep == "" {
			sep = ","
		}
		items, ok := val.([]any)
		if !ok {
			return fmt.Sprint(val), nil
		}
		parts := make([]string, len(items))
		for i, item := range items {
			parts[i] = fmt.Sprint(item)
		}
		return strings.Join(parts, sep), nil
	default:
		return nil, fmt.Errorf("unknown filter: %s", filterName)
	}
}
