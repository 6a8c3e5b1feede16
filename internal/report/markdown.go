package report

import (
	"bytes"
	"strconv"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/nao1215/markdown"
	"github.com/nao1215/markdown/mermaid/piechart"

	"github.com/hochfrequenz/recon-orchestrator/internal/domain"
)

var severityOrder = []domain.Severity{
	domain.SeverityCritical,
	domain.SeverityHigh,
	domain.SeverityMedium,
	domain.SeverityLow,
	domain.SeverityInfo,
}

// Markdown renders the summary as a markdown document
func Markdown(s *Summary) (string, error) {
	var buf bytes.Buffer
	md := markdown.NewMarkdown(&buf)

	md.H1("Recon summary: " + s.Target)
	md.PlainText("")
	md.Table(markdown.TableSet{
		Header: []string{"Property", "Value"},
		Rows: [][]string{
			{"Target", "`" + s.Target + "`"},
			{"Run", valueOr(s.RunID, "-")},
			{"Status", valueOr(string(s.RunStatus), "-")},
			{"Generated", s.GeneratedAt.Format("2006-01-02 15:04:05 MST")},
			{"Files scanned", strconv.Itoa(s.FilesScanned)},
			{"Findings", strconv.Itoa(s.TotalFindings)},
		},
	})
	md.PlainText("")

	writeSeverities(md, s)
	writeRules(md, s)
	writeTop(md, s)
	writeTasks(md, s)

	if len(s.Errors) > 0 {
		md.H2("Errors")
		md.PlainText("")
		md.BulletList(s.Errors...)
		md.PlainText("")
	}

	if err := md.Build(); err != nil {
		return "", err
	}
	return buf.String(), nil
}

func writeSeverities(md *markdown.Markdown, s *Summary) {
	md.H2("Findings by severity")
	md.PlainText("")

	rows := make([][]string, 0, len(severityOrder))
	for _, sev := range severityOrder {
		rows = append(rows, []string{sev.String(), strconv.Itoa(s.BySeverity[sev.String()])})
	}
	md.Table(markdown.TableSet{Header: []string{"Severity", "Count"}, Rows: rows})
	md.PlainText("")

	if s.TotalFindings > 0 {
		chart := piechart.NewPieChart(bytes.NewBuffer(nil), piechart.WithTitle("Severity distribution"), piechart.WithShowData(true))
		for _, sev := range severityOrder {
			if n := s.BySeverity[sev.String()]; n > 0 {
				chart.LabelAndIntValue(sev.String(), uint64(n))
			}
		}
		md.CodeBlocks(markdown.SyntaxHighlightMermaid, chart.String())
		md.PlainText("")
	}

	switch {
	case s.BySeverity[domain.SeverityCritical.String()] > 0:
		md.Cautionf("%d critical finding(s) need review.", s.BySeverity[domain.SeverityCritical.String()])
	case s.BySeverity[domain.SeverityHigh.String()] > 0:
		md.Warningf("%d high severity finding(s).", s.BySeverity[domain.SeverityHigh.String()])
	case s.TotalFindings > 0:
		md.Note("Only medium or lower severity findings.")
	default:
		md.Tip("No findings.")
	}
	md.PlainText("")
}

func writeRules(md *markdown.Markdown, s *Summary) {
	if len(s.ByRule) == 0 {
		return
	}
	md.H2("Findings by rule")
	md.PlainText("")
	rows := make([][]string, len(s.ByRule))
	for i, r := range s.ByRule {
		rows[i] = []string{r.RuleID, strconv.Itoa(r.Count), r.Severity.String()}
	}
	md.Table(markdown.TableSet{Header: []string{"Rule", "Count", "Max severity"}, Rows: rows})
	md.PlainText("")
}

func writeTop(md *markdown.Markdown, s *Summary) {
	if len(s.Top) == 0 {
		return
	}
	md.H2("Top findings")
	md.PlainText("")
	rows := make([][]string, len(s.Top))
	for i, f := range s.Top {
		loc := f.File
		if f.Line > 0 {
			loc += ":" + strconv.Itoa(f.Line)
		}
		rows[i] = []string{
			f.Severity.String(),
			f.Confidence.String(),
			f.RuleID,
			loc,
			"`" + strings.ReplaceAll(truncateString(f.Excerpt, 80), "|", `\|`) + "`",
		}
	}
	md.Table(markdown.TableSet{Header: []string{"Severity", "Confidence", "Rule", "Location", "Match"}, Rows: rows})
	md.PlainText("")
}

func writeTasks(md *markdown.Markdown, s *Summary) {
	if len(s.Tasks) == 0 {
		return
	}
	md.H2("Tasks")
	md.PlainText("")
	rows := make([][]string, len(s.Tasks))
	for i, t := range s.Tasks {
		took := "-"
		if t.DurationMs > 0 {
			took = humanize.FtoaWithDigits(float64(t.DurationMs)/1000, 1) + "s"
		}
		rows[i] = []string{t.Name, string(t.State), took, valueOr(t.Reason, "-")}
	}
	md.Table(markdown.TableSet{Header: []string{"Task", "State", "Duration", "Reason"}, Rows: rows})
	md.PlainText("")
}

func valueOr(s, fallback string) string {
	if s == "" {
		return fallback
	}
	return s
}

// truncateString truncates a string to maxLen characters with ellipsis.
func truncateString(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	if maxLen <= 3 {
		return s[:maxLen]
	}
	return s[:maxLen-3] + "..."
}
