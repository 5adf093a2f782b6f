package plan

import (
	"reflect"
	"testing"
)

func testScope() scope {
	return scope{
		"host":   "fw-1",
		"region": "EU",
		"count":  42,
		"ports":  []any{80, 443},
		"env":    map[string]string{"USER": "ops"},
		"limits": map[string]any{"conn": 200},
	}
}

func TestInterpolateString(t *testing.T) {
	s := testScope()

	tests := []struct {
		name  string
		input string
		want  any
	}{
		{"simple variable", "{{ host }}", "fw-1"},
		{"variable in text", "rules on {{ host }}!", "rules on fw-1!"},
		{"multiple variables", "{{ host }}-{{ region }}", "fw-1-EU"},
		{"dotted env", "{{ env.USER }}", "ops"},
		{"dotted map", "{{ limits.conn }}", 200},
		{"integer keeps type", "{{ count }}", 42},
		{"list keeps type", "{{ ports }}", []any{80, 443}},
		{"no variables", "plain text", "plain text"},
		{"default filter", "{{ missing | default('22') }}", "22"},
		{"lower filter", "{{ region | lower }}", "eu"},
		{"join filter", "{{ ports | join }}", "80,443"},
		{"join with separator", "{{ ports | join(' ') }}", "80 443"},
		{"int filter", "{{ limits.conn | int }}", 200},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := s.interpolateString(tt.input)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("expected %v (%T), got %v (%T)", tt.want, tt.want, got, got)
			}
		})
	}
}

func TestInterpolateErrors(t *testing.T) {
	s := testScope()

	for _, input := range []string{
		"{{ undefined }}",
		"port {{ undefined }}",
		"{{ region | shout }}",
		"{{ region | int }}",
		"{{ undefined | upper }}",
	} {
		if _, err := s.interpolateString(input); err == nil {
			t.Errorf("%q: expected error", input)
		}
	}
}

func TestInterpolateParams(t *testing.T) {
	s := testScope()
	params := Params{
		"ports": "{{ ports }}",
		"ip":    "10.0.{{ count }}.1",
		"list":  []any{"{{ host }}", 7},
		"n":     5,
	}

	got, err := s.interpolateParams(params)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := Params{
		"ports": []any{80, 443},
		"ip":    "10.0.42.1",
		"list":  []any{"fw-1", 7},
		"n":     5,
	}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("expected %v, got %v", want, got)
	}

	if _, err := s.interpolateParams(Params{"ip": "{{ nope }}"}); err == nil {
		t.Error("expected error naming the parameter")
	}
}
