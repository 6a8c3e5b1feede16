package pipeline

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
)

// File and directory names inside a target directory
const (
	PipelineFile = "tasks.yaml"
	DBFile       = "run.db"
	ProgressFile = "progress.json"
	LockFile     = ".lock"
	StopFile     = ".stop"
	RunnerLog    = "runner.log"
	ResultsZip   = "results.zip"
)

var (
	targetRegex = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]*$`)

	outputSubdirs = []string{"recon", "web", "endpoints", "scans", "artifacts"}
)

// ValidateTarget rejects names that are not a single safe path component
func ValidateTarget(target string) error {
	if !targetRegex.MatchString(target) || target == "." || target == ".." {
		return fmt.Errorf("invalid target name %q", target)
	}
	return nil
}

// Layout resolves the paths of one target's working directory
type Layout struct {
	Root   string
	Target string
}

// NewLayout returns the layout for target under root
func NewLayout(root, target string) Layout {
	return Layout{Root: root, Target: target}
}

func (l Layout) Dir() string           { return filepath.Join(l.Root, l.Target) }
func (l Layout) PipelinePath() string  { return filepath.Join(l.Dir(), PipelineFile) }
func (l Layout) DBPath() string        { return filepath.Join(l.Dir(), DBFile) }
func (l Layout) ProgressPath() string  { return filepath.Join(l.Dir(), ProgressFile) }
func (l Layout) LockPath() string      { return filepath.Join(l.Dir(), LockFile) }
func (l Layout) StopPath() string      { return filepath.Join(l.Dir(), StopFile) }
func (l Layout) LogsDir() string       { return filepath.Join(l.Dir(), "logs") }
func (l Layout) TaskLogsDir() string   { return filepath.Join(l.LogsDir(), "tasks") }
func (l Layout) RunnerLogPath() string { return filepath.Join(l.LogsDir(), RunnerLog) }
func (l Layout) OutputsDir() string    { return filepath.Join(l.Dir(), "outputs") }
func (l Layout) ReportsDir() string    { return filepath.Join(l.Dir(), "reports") }
func (l Layout) TmpDir() string        { return filepath.Join(l.Dir(), "tmp") }

// TaskLogPath returns the log file for a task, prefixed by its position
func (l Layout) TaskLogPath(position int, name string) string {
	return filepath.Join(l.TaskLogsDir(), fmt.Sprintf("%02d_%s.log", position+1, name))
}

// Builtins returns the variables every pipeline can reference
func (l Layout) Builtins() Vars {
	return Vars{
		"TARGET":  l.Target,
		"ROOT":    l.Root,
		"OUT":     l.Dir(),
		"LOGS":    l.LogsDir(),
		"OUTPUTS": l.OutputsDir(),
		"REPORTS": l.ReportsDir(),
		"TMP":     l.TmpDir(),
	}
}

// Ensure creates the directory tree of the target
func (l Layout) Ensure() error {
	dirs := []string{l.TaskLogsDir(), l.ReportsDir(), l.TmpDir()}
	for _, sub := range outputSubdirs {
		dirs = append(dirs, filepath.Join(l.OutputsDir(), sub))
	}
	for _, d := range dirs {
		if err := os.MkdirAll(d, 0o755); err != nil {
			return fmt.Errorf("creating %s: %w", d, err)
		}
	}
	return nil
}

// Exists reports whether the target directory has been initialized
func (l Layout) Exists() bool {
	_, err := os.Stat(l.PipelinePath())
	return err == nil
}
