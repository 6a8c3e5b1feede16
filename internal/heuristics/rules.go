// Package heuristics scans task artifacts against a rule set and produces
// ranked, deduplicated findings.
package heuristics

import (
	"errors"
	"fmt"
	"os"
	"regexp"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/hochfrequenz/recon-orchestrator/internal/domain"
	"github.com/ohler55/ojg/jp"
	"gopkg.in/yaml.v3"
)

// DefaultMaxMatches caps findings per rule and file
const DefaultMaxMatches = 100

// RuleSpec is one rule as written in a rules document
type RuleSpec struct {
	ID            string   `yaml:"id,omitempty"`
	Desc          string   `yaml:"desc,omitempty"`
	Description   string   `yaml:"description,omitempty"`
	FileGlobs     []string `yaml:"file_globs,omitempty"`
	Regex         []string `yaml:"regex,omitempty"`
	JSONPath      []string `yaml:"jsonpath,omitempty"`
	JSONPathAlias []string `yaml:"json_path,omitempty"`
	Exclude       []string `yaml:"exclude,omitempty"`
	Severity      string   `yaml:"severity,omitempty"`
	Confidence    string   `yaml:"confidence,omitempty"`
	MaxMatches    int      `yaml:"max_matches,omitempty"`
	CaseSensitive bool     `yaml:"case_sensitive,omitempty"`
}

type ruleDocument struct {
	Rules []RuleSpec `yaml:"rules"`
}

// ParseRules decodes a rules document
func ParseRules(data []byte) ([]RuleSpec, error) {
	var doc ruleDocument
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, &domain.ConfigError{Source: "rules", Err: err}
	}
	return doc.Rules, nil
}

// LoadRules reads a rules file; an empty path yields the built-in rules
func LoadRules(path string) ([]RuleSpec, error) {
	if path == "" {
		return DefaultRules(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, &domain.ConfigError{Source: path, Err: err}
	}
	specs, err := ParseRules(data)
	if err != nil {
		return nil, &domain.ConfigError{Source: path, Err: err}
	}
	return specs, nil
}

// RuleKind tags which variant a compiled rule is
type RuleKind int

const (
	// PatternRule matches regular expressions line by line
	PatternRule RuleKind = iota
	// QueryRule evaluates JSONPath expressions on structured documents
	QueryRule
)

func (k RuleKind) String() string {
	if k == QueryRule {
		return "query"
	}
	return "pattern"
}

// Rule is a compiled, ready-to-run rule. Patterns is set for PatternRule,
// Queries for QueryRule.
type Rule struct {
	ID          string
	Description string
	Kind        RuleKind
	Globs       []string
	Patterns    []*regexp.Regexp
	Queries     []jp.Expr
	Exclude     []*regexp.Regexp
	Severity    domain.Severity
	Confidence  domain.Confidence
	MaxMatches  int
}

// RuleError reports a malformed rule. Only that rule is dropped.
type RuleError struct {
	RuleID  string
	Pattern string
	Err     error
}

func (e *RuleError) Error() string {
	if e.Pattern == "" {
		return fmt.Sprintf("rule %s: %v", e.RuleID, e.Err)
	}
	return fmt.Sprintf("rule %s: pattern %q: %v", e.RuleID, e.Pattern, e.Err)
}

func (e *RuleError) Unwrap() error { return e.Err }

// Compile turns specs into rules. A spec with a regex list and a JSONPath
// list yields one rule of each kind. Bad specs are reported and skipped.
func Compile(specs []RuleSpec) ([]Rule, []*RuleError) {
	var rules []Rule
	var errs []*RuleError
	seen := make(map[string]bool, len(specs))

	for _, spec := range specs {
		if seen[spec.ID] && spec.ID != "" {
			errs = append(errs, &RuleError{RuleID: spec.ID, Err: errors.New("duplicate rule id")})
			continue
		}
		seen[spec.ID] = true

		compiled, err := compileSpec(spec)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		rules = append(rules, compiled...)
	}
	return rules, errs
}

func compileSpec(spec RuleSpec) ([]Rule, *RuleError) {
	id := strings.TrimSpace(spec.ID)
	if id == "" {
		return nil, &RuleError{RuleID: "(unnamed)", Err: errors.New("id is required")}
	}

	base := Rule{
		ID:          id,
		Description: spec.Desc,
		Globs:       spec.FileGlobs,
		MaxMatches:  spec.MaxMatches,
	}
	if base.Description == "" {
		base.Description = spec.Description
	}
	if base.MaxMatches <= 0 {
		base.MaxMatches = DefaultMaxMatches
	}

	var err error
	if base.Severity, err = domain.ParseSeverity(spec.Severity); err != nil {
		return nil, &RuleError{RuleID: id, Err: err}
	}
	if base.Confidence, err = domain.ParseConfidence(spec.Confidence); err != nil {
		return nil, &RuleError{RuleID: id, Err: err}
	}
	for _, g := range spec.FileGlobs {
		if !doublestar.ValidatePattern(g) {
			return nil, &RuleError{RuleID: id, Pattern: g, Err: errors.New("invalid glob")}
		}
	}
	for _, p := range spec.Exclude {
		re, err := compileRegex(p, false)
		if err != nil {
			return nil, &RuleError{RuleID: id, Pattern: p, Err: err}
		}
		base.Exclude = append(base.Exclude, re)
	}

	var rules []Rule
	if len(spec.Regex) > 0 {
		r := base
		r.Kind = PatternRule
		for _, p := range spec.Regex {
			re, err := compileRegex(p, spec.CaseSensitive)
			if err != nil {
				return nil, &RuleError{RuleID: id, Pattern: p, Err: err}
			}
			r.Patterns = append(r.Patterns, re)
		}
		rules = append(rules, r)
	}

	queries := append(append([]string(nil), spec.JSONPath...), spec.JSONPathAlias...)
	if len(queries) > 0 {
		r := base
		r.Kind = QueryRule
		for _, q := range queries {
			expr, err := jp.ParseString(q)
			if err != nil {
				return nil, &RuleError{RuleID: id, Pattern: q, Err: err}
			}
			r.Queries = append(r.Queries, expr)
		}
		rules = append(rules, r)
	}

	if len(rules) == 0 {
		return nil, &RuleError{RuleID: id, Err: errors.New("rule has neither regex nor jsonpath")}
	}
	return rules, nil
}

// compileRegex makes patterns case-insensitive unless asked otherwise
func compileRegex(p string, caseSensitive bool) (*regexp.Regexp, error) {
	if !caseSensitive && !strings.HasPrefix(p, "(?i)") {
		p = "(?i)" + p
	}
	return regexp.Compile(p)
}

func (r Rule) excluded(match string) bool {
	for _, re := range r.Exclude {
		if re.MatchString(match) {
			return true
		}
	}
	return false
}

// selects reports whether rel (slash-separated, relative to the scan root)
// is covered by the rule's globs. No globs selects every file.
func (r Rule) selects(rel string) bool {
	if len(r.Globs) == 0 {
		return true
	}
	for _, g := range r.Globs {
		if ok, _ := doublestar.Match(g, rel); ok {
			return true
		}
	}
	return false
}
