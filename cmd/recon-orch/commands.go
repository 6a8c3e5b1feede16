package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/hochfrequenz/recon-orchestrator/internal/domain"
	"github.com/hochfrequenz/recon-orchestrator/internal/engine"
	"github.com/hochfrequenz/recon-orchestrator/internal/heuristics"
	"github.com/hochfrequenz/recon-orchestrator/internal/observer"
	"github.com/hochfrequenz/recon-orchestrator/internal/pipeline"
)

var (
	initForce      bool
	runOnly        []string
	runConcurrency int
	runPipeline    string
	runVars        []string
	runNoNotify    bool
	statusJSON     bool
	tailLines      int
	tailTask       string
	tailFollow     bool
	findingsTop    int
	findingsJSON   bool
	archiveUpload  bool
	historyLimit   int
)

func init() {
	// init command
	initCmd := &cobra.Command{
		Use:   "init TARGET",
		Short: "Create a target directory with a starter pipeline",
		Args:  cobra.ExactArgs(1),
		RunE:  runInit,
	}
	initCmd.Flags().BoolVar(&initForce, "force", false, "overwrite an existing tasks.yaml")
	rootCmd.AddCommand(initCmd)

	// run command
	runCmd := &cobra.Command{
		Use:   "run TARGET",
		Short: "Run a target's pipeline in the foreground",
		Args:  cobra.ExactArgs(1),
		RunE:  runRun,
	}
	addRunFlags(runCmd)
	rootCmd.AddCommand(runCmd)

	// start command
	startCmd := &cobra.Command{
		Use:   "start TARGET",
		Short: "Run a target's pipeline in the background",
		Args:  cobra.ExactArgs(1),
		RunE:  runStart,
	}
	addRunFlags(startCmd)
	rootCmd.AddCommand(startCmd)

	// status command
	statusCmd := &cobra.Command{
		Use:   "status [TARGET...]",
		Short: "Show the latest run of one or more targets",
		RunE:  runStatus,
	}
	statusCmd.Flags().BoolVar(&statusJSON, "json", false, "print the progress document as JSON")
	rootCmd.AddCommand(statusCmd)

	// tail command
	tailCmd := &cobra.Command{
		Use:   "tail TARGET",
		Short: "Show the end of the runner log or a task log",
		Args:  cobra.ExactArgs(1),
		RunE:  runTail,
	}
	tailCmd.Flags().IntVarP(&tailLines, "lines", "n", engine.DefaultTailLines, "number of lines")
	tailCmd.Flags().StringVar(&tailTask, "task", "", "show this task's log instead of the runner log")
	tailCmd.Flags().BoolVarP(&tailFollow, "follow", "f", false, "keep printing appended lines")
	rootCmd.AddCommand(tailCmd)

	// stop command
	stopCmd := &cobra.Command{
		Use:   "stop TARGET",
		Short: "Request cancellation of a target's active run",
		Args:  cobra.ExactArgs(1),
		RunE:  runStop,
	}
	rootCmd.AddCommand(stopCmd)

	// findings command
	findingsCmd := &cobra.Command{
		Use:   "findings TARGET",
		Short: "List the highest ranked findings of a target",
		Args:  cobra.ExactArgs(1),
		RunE:  runFindings,
	}
	findingsCmd.Flags().IntVarP(&findingsTop, "top", "n", 20, "number of findings (0 for all)")
	findingsCmd.Flags().BoolVar(&findingsJSON, "json", false, "print findings as JSON")
	rootCmd.AddCommand(findingsCmd)

	// summarize command
	summarizeCmd := &cobra.Command{
		Use:   "summarize TARGET",
		Short: "Scan a target's outputs and write the summary reports",
		Args:  cobra.ExactArgs(1),
		RunE:  runSummarize,
	}
	rootCmd.AddCommand(summarizeCmd)

	// archive command
	archiveCmd := &cobra.Command{
		Use:   "archive TARGET",
		Short: "Pack outputs, reports and logs into results.zip",
		Args:  cobra.ExactArgs(1),
		RunE:  runArchive,
	}
	archiveCmd.Flags().BoolVar(&archiveUpload, "upload", false, "upload the archive to the configured bucket")
	rootCmd.AddCommand(archiveCmd)

	// list command
	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List initialized targets",
		RunE:  runList,
	}
	rootCmd.AddCommand(listCmd)

	// history command
	historyCmd := &cobra.Command{
		Use:   "history TARGET",
		Short: "List past runs of a target",
		Args:  cobra.ExactArgs(1),
		RunE:  runHistory,
	}
	historyCmd.Flags().IntVarP(&historyLimit, "limit", "n", 10, "number of runs (0 for all)")
	rootCmd.AddCommand(historyCmd)

	// rules command
	rulesCmd := &cobra.Command{
		Use:   "rules",
		Short: "Print the built-in heuristic rules as an editable rules file",
		Args:  cobra.NoArgs,
		RunE:  runRules,
	}
	rootCmd.AddCommand(rulesCmd)

	// recover command
	recoverCmd := &cobra.Command{
		Use:   "recover TARGET",
		Short: "Close runs left unfinished by a crash",
		Args:  cobra.ExactArgs(1),
		RunE:  runRecover,
	}
	rootCmd.AddCommand(recoverCmd)
}

func addRunFlags(cmd *cobra.Command) {
	cmd.Flags().StringSliceVar(&runOnly, "only", nil, "run only these tasks (comma separated)")
	cmd.Flags().IntVar(&runConcurrency, "concurrency", 0, "override the pipeline's concurrency")
	cmd.Flags().StringVar(&runPipeline, "pipeline", "", "pipeline file to use instead of tasks.yaml")
	cmd.Flags().StringArrayVar(&runVars, "var", nil, "template variable KEY=VALUE (repeatable)")
	cmd.Flags().BoolVar(&runNoNotify, "no-notify", false, "do not send notifications")
}

func startOptions() (engine.StartOptions, error) {
	opts := engine.StartOptions{
		Pipeline:    runPipeline,
		Only:        runOnly,
		Concurrency: runConcurrency,
	}
	if len(runVars) > 0 {
		opts.Vars = make(map[string]string, len(runVars))
	}
	for _, kv := range runVars {
		k, v, ok := strings.Cut(kv, "=")
		if !ok || k == "" {
			return opts, fmt.Errorf("invalid --var %q, want KEY=VALUE", kv)
		}
		opts.Vars[k] = v
	}
	return opts, nil
}

func runInit(cmd *cobra.Command, args []string) error {
	_, _, f, err := setup(facadeOptions{noNotify: true})
	if err != nil {
		return err
	}
	path, err := f.Init(args[0], initForce)
	if err != nil {
		return err
	}
	fmt.Printf("Initialized %s\nEdit %s, then run: recon-orch run %s\n", args[0], path, args[0])
	return nil
}

func runRun(cmd *cobra.Command, args []string) error {
	opts, err := startOptions()
	if err != nil {
		return err
	}
	_, _, f, err := setup(facadeOptions{noNotify: runNoNotify})
	if err != nil {
		return err
	}

	ctx, cancel := signalContext()
	defer cancel()

	status, err := f.Run(ctx, args[0], opts)
	if err != nil {
		return err
	}
	if status != domain.RunCompleted {
		return runOutcome(args[0], status)
	}
	return nil
}

func runStatus(cmd *cobra.Command, args []string) error {
	_, _, f, err := setup(facadeOptions{noNotify: true})
	if err != nil {
		return err
	}

	targets := args
	if len(targets) == 0 {
		infos, err := f.List(cmd.Context())
		if err != nil {
			return err
		}
		for _, info := range infos {
			targets = append(targets, info.Target)
		}
	}
	if len(targets) == 0 {
		fmt.Println("No targets found")
		return nil
	}

	snaps := make([]*domain.Snapshot, len(targets))
	g, _ := errgroup.WithContext(cmd.Context())
	for i, target := range targets {
		i, target := i, target
		g.Go(func() error {
			snap, err := f.Status(target)
			if err != nil && !(errors.Is(err, engine.ErrNoRun) && len(args) == 0) {
				return fmt.Errorf("%s: %w", target, err)
			}
			snaps[i] = snap
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	now := time.Now()
	if statusJSON {
		docs := make([]engine.Progress, 0, len(snaps))
		for _, snap := range snaps {
			if snap != nil {
				docs = append(docs, engine.NewProgress(snap, now))
			}
		}
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if len(docs) == 1 {
			return enc.Encode(docs[0])
		}
		return enc.Encode(docs)
	}

	for i, snap := range snaps {
		if snap == nil {
			fmt.Printf("%s: no runs yet\n\n", targets[i])
			continue
		}
		printStatus(snap, now)
		fmt.Println()
	}
	return nil
}

func printStatus(snap *domain.Snapshot, now time.Time) {
	done, total := snap.Progress()
	fmt.Printf("Target: %s  Run: %s  Status: %s\n", snap.Run.Target, snap.Run.ID, snap.Run.Status)
	fmt.Printf("Started: %s  Done: %d/%d", humanize.Time(snap.Run.StartedAt), done, total)
	if snap.Run.FinishedAt != nil {
		fmt.Printf("  Finished: %s", humanize.Time(*snap.Run.FinishedAt))
	} else if eta, ok := snap.EstimateRemaining(now); ok {
		fmt.Printf("  ETA: ~%s", span(eta))
	}
	fmt.Println()

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "TASK\tSTATE\tDURATION\tEXIT\tREASON")
	for _, t := range snap.Tasks {
		duration := "-"
		if d, ok := t.Duration(); ok {
			duration = d.Round(time.Second).String()
		} else if t.StartedAt != nil {
			duration = now.Sub(*t.StartedAt).Round(time.Second).String()
		}
		exit := "-"
		if t.ExitCode != nil {
			exit = fmt.Sprint(*t.ExitCode)
		}
		reason := t.Reason
		if reason == "" {
			reason = "-"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", t.Name, t.State, duration, exit, reason)
	}
	w.Flush()
}

func runTail(cmd *cobra.Command, args []string) error {
	_, _, f, err := setup(facadeOptions{noNotify: true})
	if err != nil {
		return err
	}
	path, err := f.LogPath(args[0], tailTask)
	if err != nil {
		return err
	}

	var offset int64
	if info, err := os.Stat(path); err == nil {
		offset = info.Size()
	}
	lines, err := observer.LastLines(path, tailLines)
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	for _, line := range lines {
		fmt.Println(line)
	}
	if !tailFollow {
		return nil
	}

	ctx, cancel := signalContext()
	defer cancel()
	return observer.Follow(ctx, path, offset, func(chunk []byte) error {
		_, err := os.Stdout.Write(chunk)
		return err
	})
}

func runStop(cmd *cobra.Command, args []string) error {
	_, _, f, err := setup(facadeOptions{noNotify: true})
	if err != nil {
		return err
	}
	if err := f.Stop(args[0]); err != nil {
		return err
	}
	fmt.Printf("Stop requested for %s\n", args[0])
	return nil
}

func runFindings(cmd *cobra.Command, args []string) error {
	_, _, f, err := setup(facadeOptions{noNotify: true})
	if err != nil {
		return err
	}
	findings, err := f.TopFindings(cmd.Context(), args[0], findingsTop)
	if err != nil {
		return err
	}
	if findingsJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if findings == nil {
			findings = []domain.Finding{}
		}
		return enc.Encode(findings)
	}
	if len(findings) == 0 {
		fmt.Println("No findings")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "SEVERITY\tCONFIDENCE\tRULE\tLOCATION\tMATCH")
	for _, fd := range findings {
		loc := fd.File
		if fd.Line > 0 {
			loc = fmt.Sprintf("%s:%d", fd.File, fd.Line)
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", fd.Severity, fd.Confidence, fd.RuleID, loc, truncate(fd.Excerpt, 60))
	}
	w.Flush()
	return nil
}

func runSummarize(cmd *cobra.Command, args []string) error {
	_, _, f, err := setup(facadeOptions{noNotify: true})
	if err != nil {
		return err
	}
	res, err := f.Analyze(cmd.Context(), args[0])
	if err != nil {
		return err
	}
	fmt.Printf("Scanned %s files, %s findings (%s new)\n",
		humanize.Comma(int64(res.Summary.FilesScanned)),
		humanize.Comma(int64(res.Summary.TotalFindings)),
		humanize.Comma(int64(res.NewFindings)))
	fmt.Printf("Wrote %s\n      %s\n", res.JSONPath, res.MDPath)
	return nil
}

func runArchive(cmd *cobra.Command, args []string) error {
	_, _, f, err := setup(facadeOptions{noNotify: true})
	if err != nil {
		return err
	}
	res, err := f.Archive(cmd.Context(), args[0], archiveUpload)
	if err != nil {
		return err
	}
	fmt.Printf("Wrote %s (%d files, %s)\n", res.Path, res.Files, humanize.Bytes(uint64(res.Bytes)))
	if res.URL != "" {
		fmt.Printf("Uploaded to %s\n", res.URL)
	}
	return nil
}

func runList(cmd *cobra.Command, args []string) error {
	_, _, f, err := setup(facadeOptions{noNotify: true})
	if err != nil {
		return err
	}
	infos, err := f.List(cmd.Context())
	if err != nil {
		return err
	}
	if len(infos) == 0 {
		fmt.Printf("No targets in %s\n", f.Root())
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "TARGET\tSTATUS\tPROGRESS\tSTARTED\tRUN")
	for _, info := range infos {
		status, started, run := "-", "-", "-"
		if info.RunID != "" {
			status = string(info.Status)
			run = info.RunID
		}
		if info.StartedAt != nil {
			started = humanize.Time(*info.StartedAt)
		}
		fmt.Fprintf(w, "%s\t%s\t%d/%d\t%s\t%s\n", info.Target, status, info.Done, info.Total, started, run)
	}
	w.Flush()
	return nil
}

func runHistory(cmd *cobra.Command, args []string) error {
	_, _, f, err := setup(facadeOptions{noNotify: true})
	if err != nil {
		return err
	}
	runs, err := f.History(args[0], historyLimit)
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "RUN	STATUS	STARTED	DURATION	OK	FAILED	SKIPPED")
	for _, r := range runs {
		duration := "-"
		if r.FinishedAt != nil {
			duration = span(r.FinishedAt.Sub(r.StartedAt))
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d/%d\t%d\t%d\n", r.ID, r.Status, humanize.Time(r.StartedAt), duration,
			r.Succeeded, r.Tasks, r.Failed, r.Skipped)
	}
	w.Flush()
	return nil
}

func runRules(cmd *cobra.Command, args []string) error {
	data, err := heuristics.DefaultRulesYAML()
	if err != nil {
		return err
	}
	_, err = cmd.OutOrStdout().Write(data)
	return err
}

func runRecover(cmd *cobra.Command, args []string) error {
	_, _, f, err := setup(facadeOptions{noNotify: true})
	if err != nil {
		return err
	}
	recovered, err := f.Recover(args[0])
	if err != nil {
		return err
	}
	if len(recovered) == 0 {
		fmt.Println("Nothing to recover")
		return nil
	}
	for _, r := range recovered {
		fmt.Printf("Closed run %s: %d failed, %d skipped\n", r.RunID, len(r.Failed), len(r.Skipped))
	}
	return nil
}

// span renders a duration as "3 minutes"
func span(d time.Duration) string {
	var zero time.Time
	return strings.TrimSpace(humanize.RelTime(zero, zero.Add(d), "", ""))
}

func truncate(s string, n int) string {
	s = strings.ReplaceAll(s, "\n", " ")
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}

// targetExists reports whether the target was initialized under root
func targetExists(root, target string) bool {
	return pipeline.NewLayout(root, target).Exists()
}
