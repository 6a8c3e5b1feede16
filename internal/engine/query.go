package engine

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/sirupsen/logrus"

	"github.com/hochfrequenz/recon-orchestrator/internal/archive"
	"github.com/hochfrequenz/recon-orchestrator/internal/domain"
	"github.com/hochfrequenz/recon-orchestrator/internal/heuristics"
	"github.com/hochfrequenz/recon-orchestrator/internal/observer"
	"github.com/hochfrequenz/recon-orchestrator/internal/pipeline"
	"github.com/hochfrequenz/recon-orchestrator/internal/report"
	"github.com/hochfrequenz/recon-orchestrator/internal/taskstore"
)

// DefaultTailLines is used when a caller asks for zero lines
const DefaultTailLines = 50

// AnalysisResult is the outcome of one heuristic pass over a target
type AnalysisResult struct {
	Summary     *report.Summary `json:"summary"`
	NewFindings int             `json:"new_findings"`
	JSONPath    string          `json:"json_path"`
	MDPath      string          `json:"md_path"`
}

// ArchiveResult describes a packed (and possibly uploaded) results archive
type ArchiveResult struct {
	Path  string `json:"path"`
	Files int    `json:"files"`
	Bytes int64  `json:"bytes"`
	URL   string `json:"url,omitempty"`
}

// RunSummary is one past run of a target with its task outcomes
type RunSummary struct {
	domain.Run
	Tasks     int `json:"tasks"`
	Succeeded int `json:"succeeded"`
	Failed    int `json:"failed"`
	Skipped   int `json:"skipped"`
}

// History returns up to limit runs of target, newest first. limit <= 0
// means all.
func (f *Facade) History(target string, limit int) ([]RunSummary, error) {
	// Status reconciles a run whose process died before it is listed.
	if _, err := f.Status(target); err != nil {
		return nil, err
	}
	l, err := f.existingLayout(target)
	if err != nil {
		return nil, err
	}

	var out []RunSummary
	err = f.withStore(l, func(store *taskstore.Store) error {
		runs, err := store.ListRuns(limit)
		if err != nil {
			return err
		}
		for _, run := range runs {
			tasks, err := store.TaskInstances(run.ID)
			if err != nil {
				return err
			}
			sum := RunSummary{Run: *run, Tasks: len(tasks)}
			for _, t := range tasks {
				switch {
				case t.State == domain.TaskSucceeded:
					sum.Succeeded++
				case t.State == domain.TaskSkipped || t.State == domain.TaskCancelled:
					sum.Skipped++
				case t.State.Terminal():
					sum.Failed++
				}
			}
			out = append(out, sum)
		}
		return nil
	})
	return out, err
}

// LogPath returns the runner log of target, or the log of one task of the
// latest run when task is set.
func (f *Facade) LogPath(target, task string) (string, error) {
	l, err := f.existingLayout(target)
	if err != nil {
		return "", err
	}
	if task == "" {
		return l.RunnerLogPath(), nil
	}
	snap, err := f.Status(target)
	if err != nil {
		return "", err
	}
	t, ok := snap.Task(task)
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrUnknownTask, task)
	}
	if t.LogPath != "" {
		return t.LogPath, nil
	}
	return l.TaskLogPath(t.Position, t.Name), nil
}

// Tail returns the last n lines of the runner log of target
func (f *Facade) Tail(target string, n int) ([]string, error) {
	return f.tail(target, "", n)
}

// TailTask returns the last n lines of one task's log
func (f *Facade) TailTask(target, task string, n int) ([]string, error) {
	return f.tail(target, task, n)
}

func (f *Facade) tail(target, task string, n int) ([]string, error) {
	if n <= 0 {
		n = DefaultTailLines
	}
	path, err := f.LogPath(target, task)
	if err != nil {
		return nil, err
	}
	return observer.LastLines(path, n)
}

// TopFindings returns the n highest ranked findings stored for target.
// n <= 0 returns all of them.
func (f *Facade) TopFindings(ctx context.Context, target string, n int) ([]domain.Finding, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	l, err := f.existingLayout(target)
	if err != nil {
		return nil, err
	}
	if _, err := os.Stat(l.DBPath()); err != nil {
		return nil, nil
	}
	var findings []domain.Finding
	err = f.withStore(l, func(store *taskstore.Store) error {
		findings, err = store.TopFindings(n)
		return err
	})
	return findings, err
}

// Analyze scans the outputs of target with the configured rules, stores new
// findings and rewrites the summary reports.
func (f *Facade) Analyze(ctx context.Context, target string) (*AnalysisResult, error) {
	l, err := f.existingLayout(target)
	if err != nil {
		return nil, err
	}
	var res *AnalysisResult
	err = f.withStore(l, func(store *taskstore.Store) error {
		snap, err := f.latestSnapshot(store, target)
		if err != nil {
			return err
		}
		res, err = f.analyze(ctx, l, store, snap, f.log.WithField("target", target))
		return err
	})
	return res, err
}

// latestSnapshot returns nil when target has no run yet
func (f *Facade) latestSnapshot(store *taskstore.Store, target string) (*domain.Snapshot, error) {
	if rc, ok := f.lookup(target); ok {
		return rc.Snapshot(), nil
	}
	run, err := store.LatestRun()
	if errors.Is(err, taskstore.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return store.Snapshot(run.ID)
}

func (f *Facade) analyze(ctx context.Context, l pipeline.Layout, store *taskstore.Store, snap *domain.Snapshot, log logrus.FieldLogger) (*AnalysisResult, error) {
	specs, err := heuristics.LoadRules(f.cfg.General.RulesFile)
	if err != nil {
		return nil, err
	}
	scan, err := heuristics.NewScanner(0, log).Analyze(ctx, specs, l.OutputsDir())
	if err != nil {
		return nil, err
	}

	runID := ""
	if snap != nil {
		runID = snap.Run.ID
	}
	added, err := store.SaveFindings(runID, scan.Findings)
	if err != nil {
		return nil, err
	}
	byRule := make(map[string]int)
	for _, fd := range scan.Findings {
		byRule[fd.RuleID]++
	}
	f.metrics.ObserveScan(scan.FilesScanned, byRule)

	all, err := store.TopFindings(0)
	if err != nil {
		return nil, err
	}
	summary := report.Build(l.Target, snap, all, report.DefaultTop, f.now())
	summary.FilesScanned = scan.FilesScanned
	for _, e := range scan.Errors {
		summary.Errors = append(summary.Errors, e.Error())
	}

	jsonPath, mdPath, err := report.Write(l.ReportsDir(), summary)
	if err != nil {
		return nil, err
	}
	log.WithFields(logrus.Fields{
		"files":    scan.FilesScanned,
		"findings": summary.TotalFindings,
		"new":      added,
		"errors":   len(scan.Errors),
	}).Info("Analysis finished")

	return &AnalysisResult{Summary: summary, NewFindings: added, JSONPath: jsonPath, MDPath: mdPath}, nil
}

// Archive packs the results of target into reports/results.zip and, when
// upload is set, ships it to the configured bucket.
func (f *Facade) Archive(ctx context.Context, target string, upload bool) (*ArchiveResult, error) {
	l, err := f.existingLayout(target)
	if err != nil {
		return nil, err
	}
	if upload && f.uploader == nil {
		return nil, archive.ErrUploadDisabled
	}

	z, err := archive.Zip(l)
	if err != nil {
		return nil, err
	}
	res := &ArchiveResult{Path: z.Path, Files: z.Files, Bytes: z.Bytes}
	if !upload {
		return res, nil
	}

	runID := f.now().UTC().Format("20060102T150405Z")
	if snap, err := f.Status(target); err == nil {
		runID = snap.Run.ID
	}
	key := archive.ObjectKey(f.cfg.Archive.Prefix, target, runID, z.Path)
	if res.URL, err = f.uploader.Upload(ctx, z.Path, key); err != nil {
		return res, fmt.Errorf("uploading archive: %w", err)
	}
	f.log.WithFields(logrus.Fields{"target": target, "url": res.URL}).Info("Archive uploaded")
	return res, nil
}
