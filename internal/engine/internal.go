package engine

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/hochfrequenz/recon-orchestrator/internal/domain"
	"github.com/hochfrequenz/recon-orchestrator/internal/notify"
	"github.com/hochfrequenz/recon-orchestrator/internal/report"
)

// runInternal executes the built-in task kinds on a worker goroutine.
// Findings go through the run's store, events stay on the control loop.
func (rc *RunContext) runInternal(ctx context.Context, def domain.TaskDefinition, logPath string) error {
	out, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("opening task log: %w", err)
	}
	defer out.Close()

	start := time.Now()
	fmt.Fprintf(out, "=== %s (%s) started %s\n", def.Name, def.Kind, start.UTC().Format(time.RFC3339))

	switch def.Kind {
	case domain.KindSummarize:
		err = rc.summarize(ctx, out)
	case domain.KindNotify:
		err = rc.notifySummary(out)
	default:
		err = fmt.Errorf("unsupported task kind %q", def.Kind)
	}

	status := "ok"
	if err != nil {
		status = err.Error()
		fmt.Fprintf(out, "error: %v\n", err)
	}
	fmt.Fprintf(out, "=== finished in %s: %s\n", time.Since(start).Round(time.Millisecond), status)
	return err
}

func (rc *RunContext) summarize(ctx context.Context, out *os.File) error {
	f := rc.facade
	res, err := f.analyze(ctx, rc.layout, rc.store, rc.Snapshot(), rc.log.WithField("task", "summarize"))
	if err != nil {
		return err
	}
	s := res.Summary
	fmt.Fprintf(out, "files scanned: %s\n", humanize.Comma(int64(s.FilesScanned)))
	fmt.Fprintf(out, "findings: %d (%d new)\n", s.TotalFindings, res.NewFindings)
	for _, st := range s.ByRule {
		fmt.Fprintf(out, "  %-24s %5d  %s\n", st.RuleID, st.Count, st.Severity)
	}
	for _, e := range s.Errors {
		fmt.Fprintf(out, "warning: %s\n", e)
	}
	fmt.Fprintf(out, "wrote %s\nwrote %s\n", res.JSONPath, res.MDPath)
	return nil
}

// notifySummary delivers the current run state with summary.md attached
// when a summarize task produced one.
func (rc *RunContext) notifySummary(out *os.File) error {
	f := rc.facade
	n := notify.ForRun(rc.Snapshot(), f.now())
	n.Title = rc.Target + ": recon summary"

	md := filepath.Join(rc.layout.ReportsDir(), report.MarkdownFile)
	if _, err := os.Stat(md); err == nil {
		n.Attachment = md
	}
	if count, err := rc.store.CountFindings(); err == nil {
		n.Message += fmt.Sprintf("\n%d findings stored", count)
	}

	if _, noop := f.notifier.(notify.NoopNotifier); noop {
		fmt.Fprintln(out, "no notification channel configured")
		return nil
	}
	if err := f.notifier.Send(n); err != nil {
		return fmt.Errorf("sending notification: %w", err)
	}
	fmt.Fprintf(out, "sent %q\n", n.Title)
	if n.Attachment != "" {
		fmt.Fprintf(out, "attached %s\n", n.Attachment)
	}
	return nil
}
