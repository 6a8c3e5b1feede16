// Package pipeline loads pipeline documents into validated task definitions.
package pipeline

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/hochfrequenz/recon-orchestrator/internal/domain"
	"gopkg.in/yaml.v3"
)

// Document is the on-disk YAML shape of a pipeline
type Document struct {
	Version     string            `yaml:"version"`
	Concurrency int               `yaml:"concurrency"`
	Vars        map[string]string `yaml:"vars"`
	Env         map[string]string `yaml:"env"`
	Pipeline    []TaskSpec        `yaml:"pipeline"`
}

// TaskSpec is one entry of the pipeline list
type TaskSpec struct {
	Name     string   `yaml:"name"`
	Desc     string   `yaml:"desc"`
	Cmd      string   `yaml:"cmd"`
	Kind     string   `yaml:"kind"`
	Needs    []string `yaml:"needs"`
	Timeout  Duration `yaml:"timeout"`
	Optional bool     `yaml:"optional"`
}

// Duration accepts either a Go duration string ("90s") or integer seconds
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler
func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	raw := strings.TrimSpace(node.Value)
	if raw == "" {
		*d = 0
		return nil
	}
	if secs, err := strconv.Atoi(raw); err == nil {
		*d = Duration(time.Duration(secs) * time.Second)
		return nil
	}
	v, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("line %d: invalid timeout %q", node.Line, raw)
	}
	*d = Duration(v)
	return nil
}

// Defaults fill in values a document leaves unset
type Defaults struct {
	Concurrency int
	Timeout     time.Duration
}

// Pipeline is a parsed, validated pipeline document
type Pipeline struct {
	Source      string
	Version     string
	Concurrency int
	Vars        map[string]string
	Env         map[string]string
	Tasks       []domain.TaskDefinition
}

// Load reads and parses a pipeline file
func Load(path string, defaults Defaults) (*Pipeline, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, &domain.ConfigError{Source: path, Err: err}
	}
	return Parse(data, path, defaults)
}

// Parse validates a pipeline document. Dependency edges are checked by the
// graph resolver, everything else here.
func Parse(data []byte, source string, defaults Defaults) (*Pipeline, error) {
	var doc Document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, &domain.ConfigError{Source: source, Err: err}
	}
	if len(doc.Pipeline) == 0 {
		return nil, &domain.ConfigError{Source: source, Err: errors.New("pipeline has no tasks")}
	}

	p := &Pipeline{
		Source:      source,
		Version:     doc.Version,
		Concurrency: doc.Concurrency,
		Vars:        doc.Vars,
		Env:         doc.Env,
	}
	if p.Concurrency <= 0 {
		p.Concurrency = defaults.Concurrency
	}
	if p.Concurrency <= 0 {
		p.Concurrency = 1
	}

	seen := make(map[string]bool, len(doc.Pipeline))
	for i, spec := range doc.Pipeline {
		def, err := spec.definition(i, defaults.Timeout)
		if err != nil {
			return nil, &domain.ConfigError{Source: source, Err: err}
		}
		if seen[def.Name] {
			return nil, &domain.ConfigError{Source: source, Err: fmt.Errorf("duplicate task name %q", def.Name)}
		}
		seen[def.Name] = true
		p.Tasks = append(p.Tasks, def)
	}
	return p, nil
}

func (s TaskSpec) definition(position int, defaultTimeout time.Duration) (domain.TaskDefinition, error) {
	name := strings.TrimSpace(s.Name)
	if err := domain.ValidateTaskName(name); err != nil {
		return domain.TaskDefinition{}, fmt.Errorf("task #%d: %w", position+1, err)
	}
	kind, err := domain.ParseTaskKind(s.Kind)
	if err != nil {
		return domain.TaskDefinition{}, fmt.Errorf("task %s: %w", name, err)
	}
	if kind == domain.KindShell && strings.TrimSpace(s.Cmd) == "" {
		return domain.TaskDefinition{}, fmt.Errorf("task %s: cmd is required for shell tasks", name)
	}
	timeout := time.Duration(s.Timeout)
	if timeout < 0 {
		return domain.TaskDefinition{}, fmt.Errorf("task %s: negative timeout", name)
	}
	if timeout == 0 {
		timeout = defaultTimeout
	}

	needs := make([]string, 0, len(s.Needs))
	for _, n := range s.Needs {
		needs = append(needs, strings.TrimSpace(n))
	}

	return domain.TaskDefinition{
		Name:     name,
		Desc:     s.Desc,
		Command:  s.Cmd,
		Needs:    needs,
		Timeout:  timeout,
		Kind:     kind,
		Optional: s.Optional,
		Position: position,
	}, nil
}

// Only keeps the named tasks. Dependencies on tasks outside the selection
// are dropped so the subset can run on its own; a dependency naming no task
// of the pipeline is still an error.
func (p *Pipeline) Only(names []string) (*Pipeline, error) {
	if len(names) == 0 {
		return p, nil
	}
	selected := make(map[string]bool, len(names))
	for _, n := range names {
		selected[strings.TrimSpace(n)] = true
	}

	var missing []string
	for n := range selected {
		if !p.has(n) {
			missing = append(missing, n)
		}
	}
	if len(missing) > 0 {
		sort.Strings(missing)
		return nil, &domain.ConfigError{Source: p.Source, Err: fmt.Errorf("unknown tasks in selection: %s", strings.Join(missing, ", "))}
	}

	out := *p
	out.Tasks = nil
	for _, t := range p.Tasks {
		if !selected[t.Name] {
			continue
		}
		var needs []string
		for _, n := range t.Needs {
			if !p.has(n) {
				return nil, &domain.ConfigError{Source: p.Source, Err: fmt.Errorf("task %s needs unknown task %q", t.Name, n)}
			}
			if selected[n] {
				needs = append(needs, n)
			}
		}
		t.Needs = needs
		out.Tasks = append(out.Tasks, t)
	}
	return &out, nil
}

func (p *Pipeline) has(name string) bool {
	for _, t := range p.Tasks {
		if t.Name == name {
			return true
		}
	}
	return false
}
