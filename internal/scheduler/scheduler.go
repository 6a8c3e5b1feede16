package scheduler

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/hochfrequenz/recon-orchestrator/internal/domain"
	"github.com/hochfrequenz/recon-orchestrator/internal/executor"
	"github.com/sirupsen/logrus"
)

const (
	// DefaultConcurrency is the pool size when none is configured
	DefaultConcurrency = 2
	// DefaultPollInterval is how often the stop flag is checked
	DefaultPollInterval = 200 * time.Millisecond
)

// EventLog persists events before the scheduler acts on them
type EventLog interface {
	Append(snap *domain.Snapshot, ev domain.Event) (domain.Event, error)
}

// Executor runs the process behind a shell task
type Executor interface {
	Execute(ctx context.Context, job executor.Job) executor.Outcome
}

// InternalRunner executes a built-in task kind, writing to logPath
type InternalRunner func(ctx context.Context, def domain.TaskDefinition, logPath string) error

// Options configures a scheduler
type Options struct {
	Graph    *Graph
	Log      EventLog
	Executor Executor
	Internal InternalRunner

	// Commands holds the rendered command per task; tasks without an
	// entry run their definition's command as is.
	Commands map[string]string
	Env      []string
	Dir      string
	LogPath  func(def domain.TaskDefinition) string

	Concurrency    int
	DefaultTimeout time.Duration
	PollInterval   time.Duration

	// StopRequested is polled every PollInterval; returning true stops
	// the run as if Stop had been called.
	StopRequested func() bool
	// OnEvent observes every persisted event. It runs on the control loop
	// and must not retain snap.
	OnEvent func(ev domain.Event, snap *domain.Snapshot)
	Logger  logrus.FieldLogger
}

// Scheduler drives one run: it admits ready tasks into a bounded pool,
// records every transition in the event log first and propagates outcomes
// to dependents. Only the control loop touches the snapshot and the log.
type Scheduler struct {
	opts Options
	snap *domain.Snapshot
	log  logrus.FieldLogger

	stopCh   chan struct{}
	stopOnce sync.Once

	running    map[string]context.CancelFunc
	stopping   bool
	stopReason string
}

type result struct {
	name    string
	outcome executor.Outcome
}

// New creates a scheduler for the run described by snap
func New(opts Options, snap *domain.Snapshot) *Scheduler {
	if opts.Concurrency <= 0 {
		opts.Concurrency = DefaultConcurrency
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = DefaultPollInterval
	}
	if opts.LogPath == nil {
		opts.LogPath = func(domain.TaskDefinition) string { return "" }
	}
	log := opts.Logger
	if log == nil {
		l := logrus.New()
		l.SetOutput(io.Discard)
		log = l
	}
	return &Scheduler{
		opts:    opts,
		snap:    snap,
		log:     log.WithFields(logrus.Fields{"component": "scheduler", "run": snap.Run.ID}),
		stopCh:  make(chan struct{}),
		running: make(map[string]context.CancelFunc),
	}
}

// Stop asks the run to stop. Safe to call from any goroutine, repeatedly.
func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() { close(s.stopCh) })
}

// Run executes the pipeline until every task is terminal and returns the
// final run status. A persistence failure aborts the run: running tasks
// are stopped and the error is returned.
func (s *Scheduler) Run(ctx context.Context) (domain.RunStatus, error) {
	results := make(chan result, s.opts.Graph.Len())
	ticker := time.NewTicker(s.opts.PollInterval)
	defer ticker.Stop()

	stopCh := s.stopCh
	done := ctx.Done()

	if err := s.queueInitial(); err != nil {
		return s.abort(err, results)
	}

	for {
		if !s.stopping {
			if err := s.admit(ctx, results); err != nil {
				return s.abort(err, results)
			}
		}
		if len(s.running) == 0 {
			if s.snap.AllTerminal() {
				break
			}
			return s.abort(fmt.Errorf("no runnable task left, waiting: %v", s.nonTerminal()), results)
		}

		var err error
		select {
		case r := <-results:
			s.release(r.name)
			err = s.complete(r)
		case <-stopCh:
			stopCh = nil
			err = s.requestStop("stop requested")
		case <-done:
			done = nil
			err = s.requestStop("context cancelled")
		case <-ticker.C:
			if s.opts.StopRequested != nil && s.opts.StopRequested() {
				err = s.requestStop("stop flag found")
			}
		}
		if err != nil {
			return s.abort(err, results)
		}
	}

	status := s.finalStatus()
	if err := s.record("", domain.EventRunFinished, domain.EventPayload{Status: status, Reason: s.stopReason}); err != nil {
		return domain.RunFailed, err
	}
	s.log.WithField("status", status).Info("Run finished")
	return status, nil
}

func (s *Scheduler) queueInitial() error {
	for _, name := range s.snap.InState(domain.TaskPending) {
		if err := s.record(name, domain.EventQueued, domain.EventPayload{}); err != nil {
			return err
		}
	}
	return nil
}

// admit starts ready tasks in declaration order while the pool has room
func (s *Scheduler) admit(ctx context.Context, results chan<- result) error {
	if ctx.Err() != nil {
		return nil
	}
	for _, name := range s.snap.InState(domain.TaskReady) {
		if len(s.running) >= s.opts.Concurrency {
			return nil
		}
		if err := s.launch(ctx, name, results); err != nil {
			return err
		}
	}
	return nil
}

func (s *Scheduler) launch(ctx context.Context, name string, results chan<- result) error {
	def, ok := s.opts.Graph.Definition(name)
	if !ok {
		return fmt.Errorf("task %s is not in the graph", name)
	}
	command := def.Command
	if rendered, ok := s.opts.Commands[name]; ok {
		command = rendered
	}
	logPath := s.opts.LogPath(def)

	if err := s.record(name, domain.EventStarted, domain.EventPayload{Command: command, LogPath: logPath}); err != nil {
		return err
	}

	tctx, cancel := context.WithCancel(ctx)
	s.running[name] = cancel
	s.log.WithFields(logrus.Fields{"task": name, "running": len(s.running)}).Info("Task started")

	go func() {
		results <- result{name: name, outcome: s.execute(tctx, def, command, logPath)}
	}()
	return nil
}

func (s *Scheduler) timeout(def domain.TaskDefinition) time.Duration {
	if def.Timeout > 0 {
		return def.Timeout
	}
	return s.opts.DefaultTimeout
}

// execute runs on a worker goroutine and must not touch scheduler state
func (s *Scheduler) execute(ctx context.Context, def domain.TaskDefinition, command, logPath string) executor.Outcome {
	timeout := s.timeout(def)
	if !def.IsInternal() {
		return s.opts.Executor.Execute(ctx, executor.Job{
			Task:    def.Name,
			Command: command,
			Dir:     s.opts.Dir,
			Env:     s.opts.Env,
			LogPath: logPath,
			Timeout: timeout,
		})
	}

	start := time.Now()
	if s.opts.Internal == nil {
		return executor.Outcome{ExitCode: -1, Err: fmt.Errorf("no handler for %s tasks", def.Kind)}
	}
	ictx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		ictx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	err := s.opts.Internal(ictx, def, logPath)

	out := executor.Outcome{Duration: time.Since(start)}
	switch {
	case ctx.Err() != nil:
		out.Cancelled = true
		out.ExitCode = -1
	case errors.Is(ictx.Err(), context.DeadlineExceeded):
		out.TimedOut = true
		out.ExitCode = -1
	case err != nil:
		out.ExitCode = 1
		out.Err = err
	}
	return out
}

func (s *Scheduler) release(name string) {
	if cancel, ok := s.running[name]; ok {
		cancel()
		delete(s.running, name)
	}
}

// complete records the outcome of a finished worker and updates dependents
func (s *Scheduler) complete(r result) error {
	o := r.outcome
	def, _ := s.opts.Graph.Definition(r.name)
	log := s.log.WithFields(logrus.Fields{"task": r.name, "exit_code": o.ExitCode, "duration": o.Duration.Round(time.Millisecond)})

	if o.Killed {
		if err := s.record(r.name, domain.EventKilled, domain.EventPayload{Signal: "SIGKILL", Reason: "grace interval elapsed"}); err != nil {
			return err
		}
	}

	p := domain.EventPayload{DurationMs: o.DurationMs()}
	if o.ExitCode >= 0 {
		p.ExitCode = domain.IntPtr(o.ExitCode)
	}

	var kind domain.EventKind
	switch {
	case o.TimedOut:
		kind = domain.EventTimedOut
		p.Reason = (&domain.TimeoutError{Task: r.name, Timeout: s.timeout(def)}).Error()
		log.Warn("Task timed out")
	case o.Cancelled:
		kind = domain.EventCancelled
		p.Reason = s.stopReason
		if p.Reason == "" {
			p.Reason = "cancelled"
		}
		log.Info("Task cancelled")
	case !o.Success():
		kind = domain.EventFailed
		p.Reason = (&domain.ProcessError{Task: r.name, ExitCode: o.ExitCode, Err: o.Err}).Error()
		log.Warn("Task failed")
	default:
		kind = domain.EventCompleted
		log.Info("Task completed")
	}

	if err := s.record(r.name, kind, p); err != nil {
		return err
	}
	return s.propagate(r.name)
}

// propagate queues dependents whose prerequisites all succeeded and skips,
// transitively, dependents of a prerequisite that did not.
func (s *Scheduler) propagate(name string) error {
	for _, dep := range s.opts.Graph.Dependents(name) {
		t, ok := s.snap.Task(dep)
		if !ok || (t.State != domain.TaskBlocked && t.State != domain.TaskPending) {
			continue
		}

		blocker, blockerState, waiting := "", domain.TaskState(""), false
		for _, need := range s.opts.Graph.Needs(dep) {
			nt, _ := s.snap.Task(need)
			if nt.State.BlocksDependents() {
				blocker, blockerState = need, nt.State
				break
			}
			if nt.State != domain.TaskSucceeded {
				waiting = true
			}
		}

		switch {
		case blocker != "":
			reason := fmt.Sprintf("prerequisite %s %s", blocker, blockerState)
			if err := s.record(dep, domain.EventSkipped, domain.EventPayload{Reason: reason}); err != nil {
				return err
			}
			s.log.WithFields(logrus.Fields{"task": dep, "reason": reason}).Info("Task skipped")
			if err := s.propagate(dep); err != nil {
				return err
			}
		case !waiting:
			if err := s.record(dep, domain.EventQueued, domain.EventPayload{}); err != nil {
				return err
			}
		}
	}
	return nil
}

// requestStop cancels every task that has not started and signals the
// running ones. Their outcomes arrive through the results channel.
func (s *Scheduler) requestStop(reason string) error {
	if s.stopping {
		return nil
	}
	s.stopping = true
	s.stopReason = reason
	s.log.WithFields(logrus.Fields{"reason": reason, "running": len(s.running)}).Warn("Stopping run")

	for _, t := range s.snap.Tasks {
		if t.State.Terminal() || t.State == domain.TaskRunning {
			continue
		}
		if err := s.record(t.Name, domain.EventCancelled, domain.EventPayload{Reason: reason}); err != nil {
			return err
		}
	}
	for _, cancel := range s.running {
		cancel()
	}
	return nil
}

// abort stops whatever is running and waits for the workers to return so
// no process outlives the run.
func (s *Scheduler) abort(err error, results <-chan result) (domain.RunStatus, error) {
	s.log.WithError(err).Error("Aborting run")
	for _, cancel := range s.running {
		cancel()
	}
	for len(s.running) > 0 {
		r := <-results
		delete(s.running, r.name)
	}
	return domain.RunFailed, err
}

// finalStatus: any cancelled task means the run was stopped; otherwise a
// failed or timed-out required task fails the run.
func (s *Scheduler) finalStatus() domain.RunStatus {
	for _, t := range s.snap.Tasks {
		if t.State == domain.TaskCancelled {
			return domain.RunCancelled
		}
	}
	for _, t := range s.snap.Tasks {
		if (t.State == domain.TaskFailed || t.State == domain.TaskTimedOut) && !t.Optional {
			return domain.RunFailed
		}
	}
	return domain.RunCompleted
}

func (s *Scheduler) nonTerminal() []string {
	var names []string
	for _, t := range s.snap.Tasks {
		if !t.State.Terminal() {
			names = append(names, t.Name)
		}
	}
	return names
}

func (s *Scheduler) record(task string, kind domain.EventKind, p domain.EventPayload) error {
	ev, err := s.opts.Log.Append(s.snap, domain.TaskEvent(s.snap.Run.ID, task, kind, p))
	if err != nil {
		return err
	}
	if s.opts.OnEvent != nil {
		s.opts.OnEvent(ev, s.snap)
	}
	return nil
}
