// Package executor supervises the external processes behind shell tasks.
package executor

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	"github.com/sirupsen/logrus"
)

// DefaultGrace is the interval between the graceful and the forceful signal
const DefaultGrace = 10 * time.Second

// Job describes one process launch
type Job struct {
	Task    string
	Command string
	Dir     string
	Env     []string
	LogPath string
	Timeout time.Duration
}

// Outcome is the result of supervising a job
type Outcome struct {
	ExitCode  int
	TimedOut  bool
	Cancelled bool
	Killed    bool
	Duration  time.Duration
	PID       int
	Err       error
}

// DurationMs returns the runtime in milliseconds
func (o Outcome) DurationMs() int64 {
	return o.Duration.Milliseconds()
}

// Success reports whether the process ran to completion with exit code zero
func (o Outcome) Success() bool {
	return o.Err == nil && !o.TimedOut && !o.Cancelled && o.ExitCode == 0
}

// Supervisor runs commands through a shell, streaming output to a log file
// and enforcing deadlines with a graceful-then-forceful stop.
type Supervisor struct {
	Shell string
	Grace time.Duration
	log   logrus.FieldLogger
}

// NewSupervisor creates a supervisor. Empty shell means /bin/sh.
func NewSupervisor(shell string, grace time.Duration, log logrus.FieldLogger) *Supervisor {
	if shell == "" {
		shell = "/bin/sh"
	}
	if grace <= 0 {
		grace = DefaultGrace
	}
	if log == nil {
		l := logrus.New()
		l.SetOutput(io.Discard)
		log = l
	}
	return &Supervisor{Shell: shell, Grace: grace, log: log.WithField("component", "supervisor")}
}

// Execute launches the job and blocks until it exits or is terminated.
// Cancelling ctx stops the process the same way a timeout does.
func (s *Supervisor) Execute(ctx context.Context, job Job) Outcome {
	start := time.Now()
	log := s.log.WithField("task", job.Task)

	logFile, err := openLog(job.LogPath)
	if err != nil {
		return Outcome{ExitCode: -1, Err: fmt.Errorf("opening log: %w", err)}
	}
	defer logFile.Close()

	fmt.Fprintf(logFile, "### %s started %s\n### $ %s\n", job.Task, start.Format(time.RFC3339), job.Command)

	cmd := exec.Command(s.Shell, "-c", job.Command)
	cmd.Dir = job.Dir
	cmd.Env = append(os.Environ(), job.Env...)
	// The child writes straight into the file so tailing sees output live.
	cmd.Stdout = logFile
	cmd.Stderr = logFile
	setProcessGroup(cmd)

	if err := cmd.Start(); err != nil {
		out := Outcome{ExitCode: -1, Duration: time.Since(start), Err: fmt.Errorf("starting command: %w", err)}
		writeTrailer(logFile, job.Task, out)
		return out
	}
	out := Outcome{PID: cmd.Process.Pid}
	log.WithField("pid", out.PID).Debug("process started")

	waitCh := make(chan error, 1)
	go func() { waitCh <- cmd.Wait() }()

	var deadline <-chan time.Time
	if job.Timeout > 0 {
		timer := time.NewTimer(job.Timeout)
		defer timer.Stop()
		deadline = timer.C
	}

	var waitErr error
	select {
	case waitErr = <-waitCh:
	case <-deadline:
		out.TimedOut = true
		log.WithField("timeout", job.Timeout).Warn("deadline reached, terminating")
		out.Killed, waitErr = s.terminate(cmd, waitCh)
	case <-ctx.Done():
		out.Cancelled = true
		log.Info("stop requested, terminating")
		out.Killed, waitErr = s.terminate(cmd, waitCh)
	}

	out.Duration = time.Since(start)
	out.ExitCode = exitStatus(waitErr)
	if waitErr != nil && out.ExitCode < 0 && !out.TimedOut && !out.Cancelled {
		out.Err = waitErr
	}
	writeTrailer(logFile, job.Task, out)
	return out
}

// terminate sends the graceful signal, escalates after the grace interval
// and reaps whatever is left of the process group.
func (s *Supervisor) terminate(cmd *exec.Cmd, waitCh <-chan error) (killed bool, err error) {
	_ = terminateGroup(cmd)

	grace := time.NewTimer(s.Grace)
	defer grace.Stop()

	select {
	case err = <-waitCh:
		_ = killGroup(cmd)
		return false, err
	case <-grace.C:
		s.log.WithField("pid", cmd.Process.Pid).Warn("grace interval elapsed, killing process group")
		_ = killGroup(cmd)
		return true, <-waitCh
	}
}

func openLog(path string) (*os.File, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	return os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
}

func writeTrailer(w io.Writer, task string, out Outcome) {
	status := fmt.Sprintf("exit=%d", out.ExitCode)
	switch {
	case out.TimedOut:
		status += " timed_out"
	case out.Cancelled:
		status += " cancelled"
	}
	if out.Killed {
		status += " killed"
	}
	if out.Err != nil {
		status += fmt.Sprintf(" error=%q", out.Err.Error())
	}
	fmt.Fprintf(w, "### %s finished %s %s duration=%s\n", task, time.Now().Format(time.RFC3339), status, out.Duration.Round(time.Millisecond))
}
