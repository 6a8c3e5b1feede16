package engine

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/hochfrequenz/recon-orchestrator/internal/executor"
)

// lockInfo is the content of a target's .lock file
type lockInfo struct {
	PID   int
	RunID string
}

func (l lockInfo) alive() bool {
	return executor.ProcessAlive(l.PID)
}

// lockFreshness is how long an unreadable lock counts as held; a lock is
// created empty and written right after.
const lockFreshness = 5 * time.Second

// lockHeld reports whether another live process owns the lock at path
func lockHeld(path string) bool {
	held, err := readLock(path)
	if err == nil {
		return held.PID != os.Getpid() && held.alive()
	}
	info, statErr := os.Stat(path)
	return statErr == nil && time.Since(info.ModTime()) < lockFreshness
}

func readLock(path string) (lockInfo, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return lockInfo{}, err
	}
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	pid, err := strconv.Atoi(strings.TrimSpace(lines[0]))
	if err != nil {
		return lockInfo{}, fmt.Errorf("malformed lock file %s", path)
	}
	info := lockInfo{PID: pid}
	if len(lines) > 1 {
		info.RunID = strings.TrimSpace(lines[1])
	}
	return info, nil
}

// acquireLock claims the target for this process. A lock left behind by
// a process that no longer exists is taken over.
func acquireLock(path string) error {
	content := []byte(strconv.Itoa(os.Getpid()) + "\n")
	for attempt := 0; attempt < 2; attempt++ {
		f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
		if err == nil {
			_, werr := f.Write(content)
			cerr := f.Close()
			return errors.Join(werr, cerr)
		}
		if !errors.Is(err, os.ErrExist) {
			return err
		}
		held, rerr := readLock(path)
		if rerr == nil && held.PID != os.Getpid() && held.alive() {
			return fmt.Errorf("%w (pid %d)", ErrRunActive, held.PID)
		}
		if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
			return err
		}
	}
	return ErrRunActive
}

func writeLockRun(path, runID string) error {
	return os.WriteFile(path, []byte(fmt.Sprintf("%d\n%s\n", os.Getpid(), runID)), 0o644)
}

func releaseLock(path string) {
	held, err := readLock(path)
	if err == nil && held.PID != os.Getpid() {
		return
	}
	_ = os.Remove(path)
}
