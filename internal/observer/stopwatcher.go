package observer

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/sirupsen/logrus"
)

// StopCallback is called when a stop flag appears in a watched directory
type StopCallback func(dir string)

// StopWatcher monitors target directories for the creation of a stop flag
// file, the cross-process way to cancel a run.
type StopWatcher struct {
	watcher  *fsnotify.Watcher
	flag     string
	callback StopCallback
	debounce time.Duration
	log      logrus.FieldLogger

	dirs    map[string]struct{}
	pending map[string]struct{}
	timer   *time.Timer
	mu      sync.Mutex

	cancel context.CancelFunc
}

// NewStopWatcher creates a watcher for files named flag
func NewStopWatcher(flag string, callback StopCallback, log logrus.FieldLogger) (*StopWatcher, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if log == nil {
		log = logrus.StandardLogger()
	}

	return &StopWatcher{
		watcher:  watcher,
		flag:     flag,
		callback: callback,
		debounce: 100 * time.Millisecond,
		log:      log.WithField("component", "stopwatcher"),
		dirs:     make(map[string]struct{}),
		pending:  make(map[string]struct{}),
	}, nil
}

// Add starts watching dir. A flag that already exists fires immediately.
func (sw *StopWatcher) Add(dir string) error {
	dir = filepath.Clean(dir)

	sw.mu.Lock()
	if _, exists := sw.dirs[dir]; exists {
		sw.mu.Unlock()
		return nil
	}
	if err := sw.watcher.Add(dir); err != nil {
		sw.mu.Unlock()
		return err
	}
	sw.dirs[dir] = struct{}{}
	sw.mu.Unlock()

	if _, err := os.Stat(filepath.Join(dir, sw.flag)); err == nil {
		sw.schedule(dir)
	}
	return nil
}

// Remove stops watching dir
func (sw *StopWatcher) Remove(dir string) {
	dir = filepath.Clean(dir)

	sw.mu.Lock()
	defer sw.mu.Unlock()

	if _, exists := sw.dirs[dir]; !exists {
		return
	}
	sw.watcher.Remove(dir)
	delete(sw.dirs, dir)
	delete(sw.pending, dir)
}

// Start begins watching for file changes
func (sw *StopWatcher) Start(ctx context.Context) {
	ctx, sw.cancel = context.WithCancel(ctx)

	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-sw.watcher.Events:
				if !ok {
					return
				}
				sw.handleEvent(event)
			case err, ok := <-sw.watcher.Errors:
				if !ok {
					return
				}
				sw.log.WithError(err).Warn("Watcher error")
			}
		}
	}()
}

// Stop stops watching for file changes
func (sw *StopWatcher) Stop() {
	if sw.cancel != nil {
		sw.cancel()
	}
	sw.watcher.Close()
}

func (sw *StopWatcher) handleEvent(event fsnotify.Event) {
	if filepath.Base(event.Name) != sw.flag {
		return
	}
	if event.Op&(fsnotify.Create|fsnotify.Write) == 0 {
		return
	}
	sw.schedule(filepath.Dir(event.Name))
}

func (sw *StopWatcher) schedule(dir string) {
	sw.mu.Lock()
	defer sw.mu.Unlock()

	if _, watched := sw.dirs[dir]; !watched {
		return
	}
	sw.pending[dir] = struct{}{}

	if sw.timer != nil {
		sw.timer.Stop()
	}
	sw.timer = time.AfterFunc(sw.debounce, sw.flush)
}

func (sw *StopWatcher) flush() {
	sw.mu.Lock()
	pending := sw.pending
	sw.pending = make(map[string]struct{})
	sw.mu.Unlock()

	if sw.callback == nil {
		return
	}
	for dir := range pending {
		sw.callback(dir)
	}
}

// SetDebounce sets the debounce duration for batching file changes
func (sw *StopWatcher) SetDebounce(d time.Duration) {
	sw.mu.Lock()
	defer sw.mu.Unlock()
	sw.debounce = d
}
