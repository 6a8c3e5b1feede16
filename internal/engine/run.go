package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/hochfrequenz/recon-orchestrator/internal/domain"
	reconlog "github.com/hochfrequenz/recon-orchestrator/internal/log"
	"github.com/hochfrequenz/recon-orchestrator/internal/notify"
	"github.com/hochfrequenz/recon-orchestrator/internal/pipeline"
	"github.com/hochfrequenz/recon-orchestrator/internal/scheduler"
	"github.com/hochfrequenz/recon-orchestrator/internal/taskstore"
)

const stuckCheckInterval = 30 * time.Second

// StartOptions adjust a single run
type StartOptions struct {
	// Pipeline overrides the target's tasks.yaml
	Pipeline string
	// Only restricts the run to the named tasks
	Only []string
	// Concurrency overrides the pipeline's pool size when positive
	Concurrency int
	// Vars take precedence over the pipeline's own vars
	Vars map[string]string
}

// RunContext bundles everything one run needs: its graph, rendered
// commands, store, scheduler and logs. It lives from Start until the run
// has finished and released its lock.
type RunContext struct {
	ID     string
	Target string

	facade *Facade
	layout pipeline.Layout
	store  *taskstore.Store
	sched  *scheduler.Scheduler
	log    logrus.FieldLogger
	logOut io.Closer

	mu   sync.RWMutex
	snap *domain.Snapshot

	done   chan struct{}
	status domain.RunStatus
	err    error
	cancel context.CancelFunc
}

// plan is a validated pipeline ready to be persisted
type plan struct {
	pipeline *pipeline.Pipeline
	graph    *scheduler.Graph
	commands map[string]string
	env      []string
}

// Start validates the pipeline of target, persists a new run and executes
// it in the background. Configuration errors are returned before anything
// is written or launched.
func (f *Facade) Start(ctx context.Context, target string, opts StartOptions) (string, error) {
	rc, err := f.start(ctx, target, opts)
	if err != nil {
		return "", err
	}
	return rc.ID, nil
}

func (f *Facade) start(ctx context.Context, target string, opts StartOptions) (*RunContext, error) {
	l, err := f.Layout(target)
	if err != nil {
		return nil, err
	}
	source := opts.Pipeline
	if source == "" {
		if !l.Exists() {
			return nil, fmt.Errorf("%w: %s (run init first)", ErrUnknownTarget, target)
		}
		source = l.PipelinePath()
	}

	f.mu.Lock()
	if _, busy := f.active[target]; busy {
		f.mu.Unlock()
		return nil, ErrRunActive
	}
	// Reserve the slot while preparing so a concurrent Start fails fast.
	f.active[target] = nil
	f.mu.Unlock()

	rc, err := f.prepare(ctx, l, source, opts)
	if err != nil {
		f.mu.Lock()
		delete(f.active, target)
		f.mu.Unlock()
		return nil, err
	}

	f.mu.Lock()
	f.active[target] = rc
	f.mu.Unlock()

	runCtx, cancel := context.WithCancel(context.Background())
	rc.cancel = cancel
	go rc.run(runCtx)
	return rc, nil
}

// Run starts a run and waits for it, for foreground use
func (f *Facade) Run(ctx context.Context, target string, opts StartOptions) (domain.RunStatus, error) {
	rc, err := f.start(ctx, target, opts)
	if err != nil {
		return domain.RunFailed, err
	}
	status, err := rc.Wait(ctx)
	if errors.Is(err, context.Canceled) {
		rc.Stop()
		return rc.Wait(context.Background())
	}
	return status, err
}

func (f *Facade) plan(l pipeline.Layout, source string, opts StartOptions) (*plan, error) {
	p, err := pipeline.Load(source, pipeline.Defaults{
		Concurrency: f.cfg.General.Concurrency,
		Timeout:     f.cfg.General.DefaultTimeout.Std(),
	})
	if err != nil {
		return nil, err
	}
	if p, err = p.Only(opts.Only); err != nil {
		return nil, err
	}
	if opts.Concurrency > 0 {
		p.Concurrency = opts.Concurrency
	}

	graph, err := scheduler.BuildGraph(p.Tasks)
	if err != nil {
		var ce *domain.ConfigError
		if errors.As(err, &ce) {
			return nil, err
		}
		return nil, &domain.ConfigError{Source: source, Err: err}
	}

	custom := make(map[string]string, len(p.Vars)+len(opts.Vars))
	for k, v := range p.Vars {
		custom[k] = v
	}
	for k, v := range opts.Vars {
		custom[k] = v
	}
	vars, err := pipeline.BuildVars(l, custom)
	if err != nil {
		return nil, err
	}

	commands := make(map[string]string, len(p.Tasks))
	for _, def := range p.Tasks {
		if def.IsInternal() {
			continue
		}
		cmd, err := pipeline.Render(def.Command, vars)
		if err != nil {
			return nil, fmt.Errorf("task %s: %w", def.Name, err)
		}
		commands[def.Name] = cmd
	}
	env, err := pipeline.RenderEnv(p.Env, vars)
	if err != nil {
		return nil, err
	}
	return &plan{pipeline: p, graph: graph, commands: commands, env: env}, nil
}

func (f *Facade) prepare(ctx context.Context, l pipeline.Layout, source string, opts StartOptions) (*RunContext, error) {
	pl, err := f.plan(l, source, opts)
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	if err := l.Ensure(); err != nil {
		return nil, err
	}
	if err := acquireLock(l.LockPath()); err != nil {
		return nil, err
	}
	_ = os.Remove(l.StopPath())

	rc := &RunContext{
		ID:     uuid.NewString(),
		Target: l.Target,
		facade: f,
		layout: l,
		done:   make(chan struct{}),
	}

	runnerLog, closer, err := reconlog.OpenRunnerLog(l.RunnerLogPath(), f.cfg.General.LogLevel, f.log.Out)
	if err != nil {
		releaseLock(l.LockPath())
		return nil, err
	}
	rc.logOut = closer
	rc.log = runnerLog.WithFields(logrus.Fields{"target": l.Target, "run": rc.ID})

	store, err := taskstore.New(l.DBPath())
	if err != nil {
		rc.closeLog()
		releaseLock(l.LockPath())
		return nil, err
	}
	rc.store = store

	if _, err := f.recover(store, l, rc.log); err != nil {
		rc.release()
		return nil, err
	}

	tasks := make([]domain.TaskInstance, 0, len(pl.pipeline.Tasks))
	for _, def := range pl.pipeline.Tasks {
		tasks = append(tasks, domain.NewTaskInstance(rc.ID, def))
	}
	snap, err := store.CreateRun(domain.Run{
		ID:              rc.ID,
		Target:          l.Target,
		PipelineVersion: pl.pipeline.Version,
		Concurrency:     pl.pipeline.Concurrency,
		StartedAt:       f.now().UTC(),
	}, tasks)
	if err != nil {
		rc.release()
		return nil, err
	}
	if err := writeLockRun(l.LockPath(), rc.ID); err != nil {
		rc.log.WithError(err).Warn("Could not record run id in lock file")
	}
	rc.snap = snap.Clone()
	rc.onEvent(domain.Event{RunID: rc.ID, Kind: domain.EventRunStarted, Timestamp: snap.Run.StartedAt, Seq: snap.LastSeq}, snap)

	rc.sched = scheduler.New(scheduler.Options{
		Graph:          pl.graph,
		Log:            store,
		Executor:       f.exec,
		Internal:       rc.runInternal,
		Commands:       pl.commands,
		Env:            pl.env,
		Dir:            l.Dir(),
		LogPath:        func(def domain.TaskDefinition) string { return l.TaskLogPath(def.Position, def.Name) },
		Concurrency:    pl.pipeline.Concurrency,
		DefaultTimeout: f.cfg.General.DefaultTimeout.Std(),
		PollInterval:   f.cfg.General.PollInterval.Std(),
		StopRequested:  rc.stopFlagPresent,
		OnEvent:        rc.onEvent,
		Logger:         rc.log,
	}, snap)

	rc.log.WithFields(logrus.Fields{
		"tasks":       len(tasks),
		"concurrency": pl.pipeline.Concurrency,
		"pipeline":    source,
	}).Info("Run started")
	return rc, nil
}

func (rc *RunContext) run(ctx context.Context) {
	defer rc.cancel()

	if f := rc.facade; f.stops != nil {
		if err := f.stops.Add(rc.layout.Dir()); err != nil {
			rc.log.WithError(err).Warn("Cannot watch for stop flag")
		}
		defer f.stops.Remove(rc.layout.Dir())
	}

	stuckDone := make(chan struct{})
	go rc.watchStuck(ctx, stuckDone)

	status, err := rc.sched.Run(ctx)
	close(stuckDone)
	if err != nil {
		rc.log.WithError(err).Error("Run aborted")
	}

	snap := rc.Snapshot()
	if err == nil {
		n := notify.ForRun(snap, rc.facade.now())
		if serr := rc.facade.notifier.Send(n); serr != nil {
			rc.log.WithError(serr).Warn("Sending run notification failed")
		}
	}

	rc.facade.mu.Lock()
	delete(rc.facade.active, rc.Target)
	rc.facade.mu.Unlock()

	rc.status, rc.err = status, err
	rc.release()
	close(rc.done)
}

func (rc *RunContext) watchStuck(ctx context.Context, done <-chan struct{}) {
	ticker := time.NewTicker(stuckCheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			for _, name := range rc.facade.observer.NewlyStuck(rc.Snapshot(), now) {
				rc.log.WithField("task", name).Warn("Task has been running unusually long")
			}
		}
	}
}

// release frees the lock, the stop flag, the store and the log file
func (rc *RunContext) release() {
	_ = os.Remove(rc.layout.StopPath())
	releaseLock(rc.layout.LockPath())
	if rc.store != nil {
		if err := rc.store.Close(); err != nil {
			rc.log.WithError(err).Warn("Closing store failed")
		}
	}
	rc.closeLog()
}

func (rc *RunContext) closeLog() {
	if rc.logOut != nil {
		rc.logOut.Close()
	}
}

// onEvent runs on the control loop after every persisted event
func (rc *RunContext) onEvent(ev domain.Event, snap *domain.Snapshot) {
	clone := snap.Clone()
	rc.mu.Lock()
	rc.snap = clone
	rc.mu.Unlock()

	if err := WriteProgress(rc.layout.ProgressPath(), clone, rc.facade.now()); err != nil {
		rc.log.WithError(err).Warn("Writing progress document failed")
	}
	rc.facade.observer.Observe(ev)
	rc.facade.metrics.ObserveEvent(ev, clone)
	rc.facade.emit(rc.Target, ev, clone)
}

func (rc *RunContext) stopFlagPresent() bool {
	_, err := os.Stat(rc.layout.StopPath())
	return err == nil
}

// Snapshot returns a copy of the latest state of the run
func (rc *RunContext) Snapshot() *domain.Snapshot {
	rc.mu.RLock()
	defer rc.mu.RUnlock()
	return rc.snap.Clone()
}

// Stop requests the run to stop
func (rc *RunContext) Stop() {
	rc.sched.Stop()
}

// Wait blocks until the run finished or ctx is done
func (rc *RunContext) Wait(ctx context.Context) (domain.RunStatus, error) {
	select {
	case <-rc.done:
		return rc.status, rc.err
	case <-ctx.Done():
		return "", ctx.Err()
	}
}
