package taskspec

import (
	"fmt"
	"io/fs"
	"strings"
	"text/template"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/goccy/go-yaml"
	sprig "github.com/go-task/slim-sprig/v3"
)

// Parse decodes the DAG submission file format named in spec.md §6 and
// returns a DagSpec with its ContentHash populated.
func Parse(raw []byte) (DagSpec, error) {
	var spec DagSpec
	if err := yaml.Unmarshal(raw, &spec); err != nil {
		return DagSpec{}, fmt.Errorf("failed to parse DAG submission: %w", err)
	}
	if spec.DagID == "" {
		return DagSpec{}, fmt.Errorf("DAG submission is missing dag_id")
	}
	if spec.Scope.Kind == "" {
		spec.Scope.Kind = ScopeGlobal
	}
	seen := make(map[string]bool, len(spec.Tasks))
	for _, t := range spec.Tasks {
		if t.ID == "" {
			return DagSpec{}, fmt.Errorf("DAG %q has a task with an empty id", spec.DagID)
		}
		if seen[t.ID] {
			return DagSpec{}, fmt.Errorf("DAG %q declares task id %q more than once", spec.DagID, t.ID)
		}
		seen[t.ID] = true
	}
	for _, t := range spec.Tasks {
		for _, dep := range t.DependsOn {
			if !seen[dep] {
				return DagSpec{}, fmt.Errorf("task %q depends on unknown task %q", t.ID, dep)
			}
		}
	}
	spec.ContentHash = Hash(spec.Tasks)
	return spec, nil
}

// ExpandInputGlobs resolves every doublestar pattern in InputGlobs against
// baseDir, returning the matched file paths alongside the task's plain
// Inputs (memory keys and literal paths are passed through unchanged).
func (t TaskSpec) ExpandInputGlobs(baseDir string, fsys fs.FS) ([]string, error) {
	all := make([]string, 0, len(t.Inputs)+len(t.InputGlobs))
	all = append(all, t.Inputs...)
	for _, pattern := range t.InputGlobs {
		matches, err := doublestar.Glob(fsys, joinGlob(baseDir, pattern))
		if err != nil {
			return nil, fmt.Errorf("failed to expand input glob %q for task %q: %w", pattern, t.ID, err)
		}
		all = append(all, matches...)
	}
	return all, nil
}

func joinGlob(baseDir, pattern string) string {
	if baseDir == "" || baseDir == "." {
		return pattern
	}
	return strings.TrimSuffix(baseDir, "/") + "/" + pattern
}

// RenderParams expands Go-template expressions inside a skill's string
// parameter values against vars, using the slim-sprig template function
// set. Parse itself applies no templating to a DAG submission.
func RenderParams(params map[string]any, vars map[string]any) (map[string]any, error) {
	out := make(map[string]any, len(params))
	for k, v := range params {
		s, ok := v.(string)
		if !ok || !strings.Contains(s, "{{") {
			out[k] = v
			continue
		}
		rendered, err := renderString(s, vars)
		if err != nil {
			return nil, fmt.Errorf("failed to render parameter %q: %w", k, err)
		}
		out[k] = rendered
	}
	return out, nil
}

func renderString(s string, vars map[string]any) (string, error) {
	tmpl, err := template.New("param").Funcs(sprig.TxtFuncMap()).Parse(s)
	if err != nil {
		return "", err
	}
	var buf strings.Builder
	if err := tmpl.Execute(&buf, vars); err != nil {
		return "", err
	}
	return buf.String(), nil
}
