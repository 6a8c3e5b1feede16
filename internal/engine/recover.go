package engine

import (
	"errors"
	"os"

	"github.com/sirupsen/logrus"

	"github.com/hochfrequenz/recon-orchestrator/internal/domain"
	"github.com/hochfrequenz/recon-orchestrator/internal/pipeline"
	"github.com/hochfrequenz/recon-orchestrator/internal/taskstore"
)

// InterruptedReason marks tasks and runs closed by recovery
const InterruptedReason = "interrupted"

// RecoveredRun lists what recovery changed in one run
type RecoveredRun struct {
	RunID   string   `json:"run_id"`
	Failed  []string `json:"failed,omitempty"`
	Skipped []string `json:"skipped,omitempty"`
}

// Recover closes runs of target that were left running by a process that
// no longer exists: running tasks fail, every other unfinished task is
// skipped and the run fails, all recorded as ordinary events.
func (f *Facade) Recover(target string) ([]RecoveredRun, error) {
	if f.busy(target) {
		return nil, ErrRunActive
	}
	l, err := f.existingLayout(target)
	if err != nil {
		return nil, err
	}
	if lockHeld(l.LockPath()) {
		return nil, ErrRunActive
	}
	if _, err := os.Stat(l.DBPath()); err != nil {
		return nil, nil
	}

	store, err := taskstore.New(l.DBPath())
	if err != nil {
		return nil, err
	}
	defer store.Close()

	recovered, err := f.recover(store, l, f.log.WithField("target", target))
	if err != nil {
		return recovered, err
	}
	_ = os.Remove(l.LockPath())
	_ = os.Remove(l.StopPath())
	return recovered, nil
}

// RecoverAll runs Recover for every target whose lock owner is gone.
// Targets still owned by a live process are left alone.
func (f *Facade) RecoverAll() map[string][]RecoveredRun {
	targets, err := f.targets()
	if err != nil {
		f.log.WithError(err).Warn("Listing targets for recovery failed")
		return nil
	}

	out := make(map[string][]RecoveredRun)
	for _, target := range targets {
		l := pipeline.NewLayout(f.root, target)
		if _, err := os.Stat(l.DBPath()); err != nil {
			continue
		}
		recovered, err := f.Recover(target)
		switch {
		case errors.Is(err, ErrRunActive):
		case err != nil:
			f.log.WithError(err).WithField("target", target).Warn("Recovery failed")
		case len(recovered) > 0:
			out[target] = recovered
		}
	}
	return out
}

// recover requires the caller to own the target
func (f *Facade) recover(store *taskstore.Store, l pipeline.Layout, log logrus.FieldLogger) ([]RecoveredRun, error) {
	runs, err := store.UnfinishedRuns()
	if err != nil {
		return nil, err
	}

	var out []RecoveredRun
	for _, run := range runs {
		snap, err := store.Snapshot(run.ID)
		if err != nil {
			return out, err
		}
		rec := RecoveredRun{RunID: run.ID}

		for _, t := range snap.Tasks {
			var kind domain.EventKind
			switch {
			case t.State == domain.TaskRunning:
				kind = domain.EventFailed
				rec.Failed = append(rec.Failed, t.Name)
			case !t.State.Terminal():
				kind = domain.EventSkipped
				rec.Skipped = append(rec.Skipped, t.Name)
			default:
				continue
			}
			ev := domain.TaskEvent(run.ID, t.Name, kind, domain.EventPayload{Reason: InterruptedReason})
			if _, err := store.Append(snap, ev); err != nil {
				return out, err
			}
		}

		ev := domain.TaskEvent(run.ID, "", domain.EventRunFinished, domain.EventPayload{Status: domain.RunFailed, Reason: InterruptedReason})
		if _, err := store.Append(snap, ev); err != nil {
			return out, err
		}
		if err := WriteProgress(l.ProgressPath(), snap, f.now()); err != nil {
			log.WithError(err).Warn("Writing progress document failed")
		}

		log.WithFields(logrus.Fields{
			"run":     run.ID,
			"failed":  rec.Failed,
			"skipped": rec.Skipped,
		}).Warn("Recovered interrupted run")
		out = append(out, rec)
	}
	return out, nil
}
