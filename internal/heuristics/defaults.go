package heuristics

import (
	"gopkg.in/yaml.v3"
)

// DefaultRules returns the built-in rule set used when no rules file is
// configured.
func DefaultRules() []RuleSpec {
	return []RuleSpec{
		{
			ID:        "secrets",
			Desc:      "Possible secrets and API keys",
			FileGlobs: []string{"**/*.js", "**/*.txt", "**/*.log", "**/*.json", "**/*.xml"},
			Regex: []string{
				`AKIA[0-9A-Z]{16}`,
				`(?i)(secret|api[-_]?key|token|password)[\s:="'\[]{0,5}([A-Za-z0-9_\-]{16,})`,
				`(?i)(bearer|authorization)[\s:="'\[]{0,5}([A-Za-z0-9_\-\.]{20,})`,
				`(?i)-----BEGIN [A-Z ]+-----`,
				`sk_live_[0-9a-zA-Z]{24}`,
				`pk_live_[0-9a-zA-Z]{24}`,
				`ghp_[A-Za-z0-9]{36}`,
				`gho_[A-Za-z0-9]{36}`,
			},
			Severity:      "critical",
			Confidence:    "high",
			CaseSensitive: true,
		},
		{
			ID:        "endpoints_with_params",
			Desc:      "Endpoints with parameters",
			FileGlobs: []string{"**/endpoints/**/*.txt", "**/web/**/*.json"},
			Regex: []string{
				`https?://[^\s]+\?[a-zA-Z0-9_]+=`,
				"['\"`]/[^'\"`\\s]*\\?[a-zA-Z0-9_]+=",
			},
			Severity:   "medium",
			Confidence: "medium",
		},
		{
			ID:        "interesting_status_codes",
			Desc:      "Interesting HTTP status codes",
			FileGlobs: []string{"**/web/**/*.json", "**/web/**/*.txt"},
			Regex: []string{
				`"status_code":\s*(403|500|502|503)`,
				`\[(403|500|502|503)\]`,
			},
			Severity:   "medium",
			Confidence: "medium",
		},
		{
			ID:        "admin_panels",
			Desc:      "Potential admin panels",
			FileGlobs: []string{"**/*.txt", "**/*.json"},
			Regex: []string{
				`/(admin|administrator|wp-admin|cpanel|manager|dashboard)[/\s]`,
			},
			Severity:   "high",
			Confidence: "high",
		},
		{
			ID:        "sensitive_files",
			Desc:      "Sensitive files and backups",
			FileGlobs: []string{"**/*.txt", "**/*.json"},
			Regex: []string{
				`\.git/config`,
				`\.env(\.[a-zA-Z]+)?\b`,
				`config\.php`,
				`\.backup\b`,
				`\.(sql|db)\b`,
				`robots\.txt`,
				`sitemap\.xml`,
			},
			Severity:   "high",
			Confidence: "high",
		},
		{
			ID:        "technology_indicators",
			Desc:      "Technology and framework indicators",
			FileGlobs: []string{"**/web/**/*.json", "**/*.txt"},
			Regex: []string{
				`X-Powered-By:\s*([^\r\n]+)`,
				`\b(php|asp|jsp|python|node\.js|django|flask|laravel)\b`,
			},
			JSONPath: []string{
				`$.webserver`,
				`$.server`,
				`$.tech[*]`,
			},
			Severity:   "low",
			Confidence: "medium",
		},
	}
}

// DefaultRulesYAML renders the built-in rules as a rules document, a
// starting point for a custom rules_file.
func DefaultRulesYAML() ([]byte, error) {
	return yaml.Marshal(ruleDocument{Rules: DefaultRules()})
}
