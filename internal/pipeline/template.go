package pipeline

import (
	"fmt"
	"os"
	"regexp"
	"sort"
	"strings"

	"github.com/hochfrequenz/recon-orchestrator/internal/domain"
)

// maxResolvePasses bounds nested variable resolution
const maxResolvePasses = 5

// placeholderRegex matches {NAME}; a leading $ marks shell syntax and is skipped
var placeholderRegex = regexp.MustCompile(`\$?\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// Vars are the bindings available to command templates
type Vars map[string]string

// UnresolvedError lists placeholders that have no binding
type UnresolvedError struct {
	Template string
	Missing  []string
}

func (e *UnresolvedError) Error() string {
	return fmt.Sprintf("unresolved variables %s in %q", strings.Join(e.Missing, ", "), e.Template)
}

// BuildVars merges the process environment, the target builtins and the
// pipeline's own vars, in increasing precedence, and resolves references
// between pipeline vars.
func BuildVars(layout Layout, custom map[string]string) (Vars, error) {
	vars := make(Vars)
	for _, kv := range os.Environ() {
		if k, v, ok := strings.Cut(kv, "="); ok {
			vars[k] = v
		}
	}
	for k, v := range layout.Builtins() {
		vars[k] = v
	}
	for k, v := range custom {
		vars[k] = v
	}

	for pass := 0; ; pass++ {
		changed := false
		for k := range custom {
			next := substitute(vars[k], vars, nil)
			if next != vars[k] {
				vars[k] = next
				changed = true
			}
		}
		if !changed {
			break
		}
		if pass == maxResolvePasses-1 {
			return nil, &domain.ConfigError{Source: "vars", Err: fmt.Errorf("variables do not converge after %d passes", maxResolvePasses)}
		}
	}
	keys := make([]string, 0, len(custom))
	for k := range custom {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		var missing []string
		for _, ref := range Placeholders(vars[k]) {
			if _, ok := custom[ref]; ok {
				return nil, &domain.ConfigError{Source: "vars", Err: fmt.Errorf("variable %s has a reference cycle through %s", k, ref)}
			}
			if _, ok := vars[ref]; !ok {
				missing = append(missing, ref)
			}
		}
		if len(missing) > 0 {
			sort.Strings(missing)
			return nil, &domain.ConfigError{Source: "vars", Err: &UnresolvedError{Template: custom[k], Missing: missing}}
		}
	}
	return vars, nil
}

// Render substitutes every {NAME} placeholder. Any placeholder without a
// binding makes the whole render fail; nothing is partially substituted.
func Render(tmpl string, vars Vars) (string, error) {
	missing := make(map[string]bool)
	out := substitute(tmpl, vars, missing)
	if len(missing) > 0 {
		names := make([]string, 0, len(missing))
		for n := range missing {
			names = append(names, n)
		}
		sort.Strings(names)
		return "", &domain.ConfigError{Source: "template", Err: &UnresolvedError{Template: tmpl, Missing: names}}
	}
	return out, nil
}

// Placeholders returns the distinct variable names a template refers to
func Placeholders(tmpl string) []string {
	seen := make(map[string]bool)
	var names []string
	for _, m := range placeholderRegex.FindAllStringSubmatch(tmpl, -1) {
		if strings.HasPrefix(m[0], "$") || seen[m[1]] {
			continue
		}
		seen[m[1]] = true
		names = append(names, m[1])
	}
	return names
}

func substitute(s string, vars Vars, missing map[string]bool) string {
	return placeholderRegex.ReplaceAllStringFunc(s, func(m string) string {
		if strings.HasPrefix(m, "$") {
			return m
		}
		name := m[1 : len(m)-1]
		if v, ok := vars[name]; ok {
			return v
		}
		if missing != nil {
			missing[name] = true
		}
		return m
	})
}

// RenderEnv renders the pipeline env block into KEY=VALUE pairs for a child
func RenderEnv(env map[string]string, vars Vars) ([]string, error) {
	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	out := make([]string, 0, len(keys))
	for _, k := range keys {
		v, err := Render(env[k], vars)
		if err != nil {
			return nil, fmt.Errorf("env %s: %w", k, err)
		}
		out = append(out, k+"="+v)
	}
	return out, nil
}
