// Package engine is the query and control surface over target runs. Every
// front end (CLI, HTTP API, dashboard, scheduled batches) goes through a
// Facade.
package engine

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/hochfrequenz/recon-orchestrator/internal/archive"
	"github.com/hochfrequenz/recon-orchestrator/internal/config"
	"github.com/hochfrequenz/recon-orchestrator/internal/domain"
	"github.com/hochfrequenz/recon-orchestrator/internal/executor"
	"github.com/hochfrequenz/recon-orchestrator/internal/metrics"
	"github.com/hochfrequenz/recon-orchestrator/internal/notify"
	"github.com/hochfrequenz/recon-orchestrator/internal/observer"
	"github.com/hochfrequenz/recon-orchestrator/internal/pipeline"
	"github.com/hochfrequenz/recon-orchestrator/internal/scheduler"
	"github.com/hochfrequenz/recon-orchestrator/internal/taskstore"
)

var (
	ErrUnknownTarget = errors.New("unknown target")
	ErrRunActive     = errors.New("a run is already active for this target")
	ErrNoRun         = errors.New("no run recorded for this target")
	ErrUnknownTask   = errors.New("unknown task")
)

// Listener observes every persisted event of every run driven by the
// facade. Listeners run on the run's control loop and must return quickly.
type Listener func(target string, ev domain.Event, snap *domain.Snapshot)

// Options configures a Facade. Only Config is required.
type Options struct {
	Config   *config.Config
	Executor scheduler.Executor
	Notifier notify.Notifier
	Metrics  *metrics.Metrics
	// Uploader receives result archives; nil disables uploads
	Uploader archive.Uploader
	Logger   *logrus.Logger
	Now      func() time.Time
}

// Facade starts, stops and inspects runs of the targets under the work dir
type Facade struct {
	cfg      *config.Config
	root     string
	exec     scheduler.Executor
	notifier notify.Notifier
	metrics  *metrics.Metrics
	uploader archive.Uploader
	observer *observer.Observer
	log      *logrus.Logger
	now      func() time.Time

	stops *observer.StopWatcher

	mu        sync.Mutex
	active    map[string]*RunContext
	listeners []Listener
}

// New creates a facade. The stop flag watcher is optional; without it the
// scheduler still polls for the flag.
func New(opts Options) (*Facade, error) {
	if opts.Config == nil {
		return nil, errors.New("engine: config is required")
	}
	if err := opts.Config.Validate(); err != nil {
		return nil, &domain.ConfigError{Source: "config", Err: err}
	}
	log := opts.Logger
	if log == nil {
		log = logrus.StandardLogger()
	}
	f := &Facade{
		cfg:      opts.Config,
		root:     opts.Config.General.WorkDir,
		exec:     opts.Executor,
		notifier: opts.Notifier,
		metrics:  opts.Metrics,
		uploader: opts.Uploader,
		observer: observer.New(opts.Config.General.StuckAfter.Std()),
		log:      log,
		now:      opts.Now,
		active:   make(map[string]*RunContext),
	}
	if f.exec == nil {
		f.exec = executor.NewSupervisor(f.cfg.General.Shell, f.cfg.General.KillGrace.Std(), log)
	}
	if f.notifier == nil {
		f.notifier = notify.NoopNotifier{}
	}
	if f.now == nil {
		f.now = time.Now
	}

	sw, err := observer.NewStopWatcher(pipeline.StopFile, f.onStopFlag, log)
	if err != nil {
		log.WithError(err).Warn("Stop flag watcher unavailable, falling back to polling")
	} else {
		sw.Start(context.Background())
		f.stops = sw
	}

	f.RecoverAll()
	return f, nil
}

// Root returns the work directory holding all targets
func (f *Facade) Root() string { return f.root }

// Stats aggregates task outcomes of every run driven by this process
func (f *Facade) Stats() observer.Stats { return f.observer.GetStats() }

// AddListener registers fn for all future events
func (f *Facade) AddListener(fn Listener) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.listeners = append(f.listeners, fn)
}

func (f *Facade) emit(target string, ev domain.Event, snap *domain.Snapshot) {
	f.mu.Lock()
	listeners := append([]Listener(nil), f.listeners...)
	f.mu.Unlock()
	for _, fn := range listeners {
		fn(target, ev, snap)
	}
}

// Layout resolves and validates a target's directory layout
func (f *Facade) Layout(target string) (pipeline.Layout, error) {
	if err := pipeline.ValidateTarget(target); err != nil {
		return pipeline.Layout{}, fmt.Errorf("%w: %v", ErrUnknownTarget, err)
	}
	return pipeline.NewLayout(f.root, target), nil
}

func (f *Facade) existingLayout(target string) (pipeline.Layout, error) {
	l, err := f.Layout(target)
	if err != nil {
		return l, err
	}
	if _, err := os.Stat(l.Dir()); err != nil {
		return l, fmt.Errorf("%w: %s", ErrUnknownTarget, target)
	}
	return l, nil
}

// Init scaffolds a target directory with a starter pipeline
func (f *Facade) Init(target string, force bool) (string, error) {
	l, err := f.Layout(target)
	if err != nil {
		return "", err
	}
	if err := pipeline.WriteStarter(l, force); err != nil {
		return "", err
	}
	return l.PipelinePath(), nil
}

func (f *Facade) lookup(target string) (*RunContext, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	rc, ok := f.active[target]
	return rc, ok && rc != nil
}

// busy reports whether this process runs or is preparing a run of target
func (f *Facade) busy(target string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.active[target]
	return ok
}

// Active returns the targets with a run driven by this process
func (f *Facade) Active() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	names := make([]string, 0, len(f.active))
	for name, rc := range f.active {
		if rc != nil {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}

// Wait blocks until the in-process run of target finishes
func (f *Facade) Wait(ctx context.Context, target string) (domain.RunStatus, error) {
	rc, ok := f.lookup(target)
	if !ok {
		return "", ErrNoRun
	}
	return rc.Wait(ctx)
}

// Stop asks the active run of target to stop. A run driven by another
// process is reached through the stop flag file.
func (f *Facade) Stop(target string) error {
	l, err := f.existingLayout(target)
	if err != nil {
		return err
	}
	if rc, ok := f.lookup(target); ok {
		rc.Stop()
		return nil
	}
	lock, err := readLock(l.LockPath())
	if err != nil || !lock.alive() {
		return ErrNoRun
	}
	if err := os.WriteFile(l.StopPath(), []byte(f.now().UTC().Format(time.RFC3339)+"\n"), 0o644); err != nil {
		return fmt.Errorf("writing stop flag: %w", err)
	}
	f.log.WithFields(logrus.Fields{"target": target, "pid": lock.PID}).Info("Stop flag written")
	return nil
}

func (f *Facade) onStopFlag(dir string) {
	target := filepath.Base(dir)
	if rc, ok := f.lookup(target); ok && filepath.Clean(rc.layout.Dir()) == filepath.Clean(dir) {
		rc.log.Info("Stop flag detected")
		rc.Stop()
	}
}

// Status returns the current snapshot of the latest run of target
func (f *Facade) Status(target string) (*domain.Snapshot, error) {
	if rc, ok := f.lookup(target); ok {
		return rc.Snapshot(), nil
	}
	l, err := f.existingLayout(target)
	if err != nil {
		return nil, err
	}
	if _, err := os.Stat(l.DBPath()); err != nil {
		return nil, ErrNoRun
	}
	snap, err := f.latest(l)
	if err != nil || snap.Run.Status.Terminal() || lockHeld(l.LockPath()) {
		return snap, err
	}

	// The run's process is gone; close the run before reporting it.
	if _, err := f.Recover(target); err != nil && !errors.Is(err, ErrRunActive) {
		return nil, err
	}
	return f.latest(l)
}

func (f *Facade) latest(l pipeline.Layout) (*domain.Snapshot, error) {
	var snap *domain.Snapshot
	err := f.withStore(l, func(store *taskstore.Store) error {
		run, err := store.LatestRun()
		if errors.Is(err, taskstore.ErrNotFound) {
			return ErrNoRun
		}
		if err != nil {
			return err
		}
		snap, err = store.Snapshot(run.ID)
		return err
	})
	return snap, err
}

// withStore uses the store of the active run or opens the target's
// database for the duration of fn.
func (f *Facade) withStore(l pipeline.Layout, fn func(*taskstore.Store) error) error {
	if rc, ok := f.lookup(l.Target); ok {
		return fn(rc.store)
	}
	store, err := taskstore.New(l.DBPath())
	if err != nil {
		return err
	}
	defer store.Close()
	return fn(store)
}

// TargetInfo summarizes one target for listings
type TargetInfo struct {
	Target    string           `json:"target"`
	Active    bool             `json:"active"`
	RunID     string           `json:"run_id,omitempty"`
	Status    domain.RunStatus `json:"status,omitempty"`
	StartedAt *time.Time       `json:"started_at,omitempty"`
	Done      int              `json:"done"`
	Total     int              `json:"total"`
}

// targets returns the initialized targets under the work dir in name order
func (f *Facade) targets() ([]string, error) {
	entries, err := os.ReadDir(f.root)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	var targets []string
	for _, e := range entries {
		if !e.IsDir() || pipeline.ValidateTarget(e.Name()) != nil {
			continue
		}
		if pipeline.NewLayout(f.root, e.Name()).Exists() {
			targets = append(targets, e.Name())
		}
	}
	return targets, nil
}

// List returns every initialized target under the work dir
func (f *Facade) List(ctx context.Context) ([]TargetInfo, error) {
	targets, err := f.targets()
	if err != nil {
		return nil, err
	}

	infos := make([]TargetInfo, len(targets))
	g, _ := errgroup.WithContext(ctx)
	g.SetLimit(4)
	for i, target := range targets {
		i, target := i, target
		g.Go(func() error {
			info := TargetInfo{Target: target}
			_, info.Active = f.lookup(target)
			snap, err := f.Status(target)
			switch {
			case errors.Is(err, ErrNoRun):
			case err != nil:
				return fmt.Errorf("%s: %w", target, err)
			default:
				started := snap.Run.StartedAt
				info.RunID = snap.Run.ID
				info.Status = snap.Run.Status
				info.StartedAt = &started
				info.Done, info.Total = snap.Progress()
			}
			infos[i] = info
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return infos, nil
}

// Shutdown stops every active run and waits for them to finish
func (f *Facade) Shutdown(ctx context.Context) error {
	f.mu.Lock()
	runs := make([]*RunContext, 0, len(f.active))
	for _, rc := range f.active {
		if rc != nil {
			runs = append(runs, rc)
		}
	}
	f.mu.Unlock()

	for _, rc := range runs {
		rc.Stop()
	}
	var errs []error
	for _, rc := range runs {
		if _, err := rc.Wait(ctx); err != nil && !errors.Is(err, context.Canceled) {
			errs = append(errs, err)
		}
	}
	if f.stops != nil {
		f.stops.Stop()
	}
	return errors.Join(errs...)
}
