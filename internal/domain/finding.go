package domain

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"time"
)

// Severity ranks how interesting a finding is. Higher values sort first.
type Severity int

const (
	SeverityInfo Severity = iota
	SeverityLow
	SeverityMedium
	SeverityHigh
	SeverityCritical
)

// String returns the lowercase name used in rule documents
func (s Severity) String() string {
	switch s {
	case SeverityInfo:
		return "info"
	case SeverityLow:
		return "low"
	case SeverityMedium:
		return "medium"
	case SeverityHigh:
		return "high"
	case SeverityCritical:
		return "critical"
	default:
		return "unknown"
	}
}

// ParseSeverity parses a severity name. Empty defaults to medium.
func ParseSeverity(s string) (Severity, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "info", "informational":
		return SeverityInfo, nil
	case "low":
		return SeverityLow, nil
	case "", "medium":
		return SeverityMedium, nil
	case "high":
		return SeverityHigh, nil
	case "critical":
		return SeverityCritical, nil
	}
	return 0, fmt.Errorf("unknown severity %q", s)
}

// UnmarshalText lets severities appear as strings in YAML and JSON
func (s *Severity) UnmarshalText(b []byte) error {
	v, err := ParseSeverity(string(b))
	if err != nil {
		return err
	}
	*s = v
	return nil
}

// MarshalText writes the lowercase name
func (s Severity) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Confidence ranks how likely a finding is a true positive
type Confidence int

const (
	ConfidenceLow Confidence = iota
	ConfidenceMedium
	ConfidenceHigh
)

func (c Confidence) String() string {
	switch c {
	case ConfidenceLow:
		return "low"
	case ConfidenceMedium:
		return "medium"
	case ConfidenceHigh:
		return "high"
	default:
		return "unknown"
	}
}

// ParseConfidence parses a confidence name. Empty defaults to medium.
func ParseConfidence(s string) (Confidence, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "low":
		return ConfidenceLow, nil
	case "", "medium":
		return ConfidenceMedium, nil
	case "high":
		return ConfidenceHigh, nil
	}
	return 0, fmt.Errorf("unknown confidence %q", s)
}

func (c *Confidence) UnmarshalText(b []byte) error {
	v, err := ParseConfidence(string(b))
	if err != nil {
		return err
	}
	*c = v
	return nil
}

func (c Confidence) MarshalText() ([]byte, error) {
	return []byte(c.String()), nil
}

// Finding is one noteworthy match produced by a heuristic rule
type Finding struct {
	RuleID      string     `json:"rule_id"`
	Description string     `json:"description,omitempty"`
	File        string     `json:"file"`
	Line        int        `json:"line,omitempty"`
	Path        string     `json:"path,omitempty"`
	Excerpt     string     `json:"excerpt"`
	Severity    Severity   `json:"severity"`
	Confidence  Confidence `json:"confidence"`
	DedupKey    string     `json:"dedup_key"`
	FirstSeen   time.Time  `json:"first_seen,omitempty"`
}

// NormalizeMatch trims and collapses whitespace so cosmetic differences
// do not produce distinct findings.
func NormalizeMatch(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

// DedupKey derives the identity of a finding from rule, file and match
func DedupKey(ruleID, file, match string) string {
	h := sha256.New()
	h.Write([]byte(ruleID))
	h.Write([]byte{0})
	h.Write([]byte(file))
	h.Write([]byte{0})
	h.Write([]byte(NormalizeMatch(match)))
	return hex.EncodeToString(h.Sum(nil))
}

// Less orders findings by severity desc, confidence desc, then by
// rule, file and line for a stable result.
func (f Finding) Less(o Finding) bool {
	if f.Severity != o.Severity {
		return f.Severity > o.Severity
	}
	if f.Confidence != o.Confidence {
		return f.Confidence > o.Confidence
	}
	if f.RuleID != o.RuleID {
		return f.RuleID < o.RuleID
	}
	if f.File != o.File {
		return f.File < o.File
	}
	if f.Line != o.Line {
		return f.Line < o.Line
	}
	return f.DedupKey < o.DedupKey
}
