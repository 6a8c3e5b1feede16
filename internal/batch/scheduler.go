package batch

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"
)

// RunFunc executes one batch. ctx carries the batch's max duration.
type RunFunc func(ctx context.Context, cfg BatchConfig) error

// Scheduler manages scheduled batch runs
type Scheduler struct {
	configs map[string]BatchConfig
	parser  cron.Parser
	lastRun map[string]time.Time
	running map[string]bool
	tick    time.Duration
	now     func() time.Time
	log     logrus.FieldLogger
	mu      sync.RWMutex
	wg      sync.WaitGroup
}

// NewScheduler creates a new batch scheduler. Occurrences before its
// creation are not caught up.
func NewScheduler(configs []BatchConfig, log logrus.FieldLogger) (*Scheduler, error) {
	if log == nil {
		log = logrus.StandardLogger()
	}
	s := &Scheduler{
		configs: make(map[string]BatchConfig),
		parser:  cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow),
		lastRun: make(map[string]time.Time),
		running: make(map[string]bool),
		tick:    30 * time.Second,
		now:     time.Now,
		log:     log.WithField("component", "batch"),
	}

	created := s.now()
	for _, cfg := range configs {
		if err := cfg.Validate(); err != nil {
			return nil, err
		}
		s.configs[cfg.Name] = cfg
		s.lastRun[cfg.Name] = created
	}

	return s, nil
}

// ParseCron parses a five-field cron expression
func ParseCron(expr string) (cron.Schedule, error) {
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)
	return parser.Parse(expr)
}

// NextRun returns the next scheduled run time for a batch
func (s *Scheduler) NextRun(name string) time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()

	cfg, ok := s.configs[name]
	if !ok {
		return time.Time{}
	}

	sched, err := s.parser.Parse(cfg.Cron)
	if err != nil {
		return time.Time{}
	}

	return sched.Next(s.now())
}

// ShouldRun returns true if a batch is due and not already running
func (s *Scheduler) ShouldRun(name string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()

	cfg, ok := s.configs[name]
	if !ok {
		return false
	}

	if s.running[name] {
		return false
	}

	sched, err := s.parser.Parse(cfg.Cron)
	if err != nil {
		return false
	}

	nextRun := sched.Next(s.lastRun[name])
	return !s.now().Before(nextRun)
}

// MarkRunning marks a batch as currently running
func (s *Scheduler) MarkRunning(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.running[name] = true
	s.lastRun[name] = s.now()
}

// MarkComplete marks a batch as complete
func (s *Scheduler) MarkComplete(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.running[name] = false
}

// GetConfig returns the config for a batch
func (s *Scheduler) GetConfig(name string) (BatchConfig, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cfg, ok := s.configs[name]
	return cfg, ok
}

// ListBatches returns all batch names in lexical order
func (s *Scheduler) ListBatches() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	names := make([]string, 0, len(s.configs))
	for name := range s.configs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// RunDue starts every due batch in its own goroutine and returns their names
func (s *Scheduler) RunDue(ctx context.Context, runFunc RunFunc) []string {
	var started []string
	for _, name := range s.ListBatches() {
		if !s.ShouldRun(name) {
			continue
		}
		cfg, _ := s.GetConfig(name)
		s.MarkRunning(name)
		started = append(started, name)

		s.wg.Add(1)
		go func(c BatchConfig) {
			defer s.wg.Done()
			defer s.MarkComplete(c.Name)

			runCtx, cancel := context.WithTimeout(ctx, c.MaxDuration.Std())
			defer cancel()

			log := s.log.WithField("batch", c.Name)
			log.WithField("targets", c.Targets).Info("Batch started")
			if err := runFunc(runCtx, c); err != nil {
				log.WithError(err).Error("Batch failed")
				return
			}
			log.Info("Batch finished")
		}(cfg)
	}
	return started
}

// Start runs the scheduler loop until ctx is done, then waits for batches
// in flight.
func (s *Scheduler) Start(ctx context.Context, runFunc RunFunc) {
	ticker := time.NewTicker(s.tick)
	defer ticker.Stop()

	for _, name := range s.ListBatches() {
		s.log.WithFields(logrus.Fields{"batch": name, "next": s.NextRun(name)}).Info("Batch scheduled")
	}

	for {
		select {
		case <-ctx.Done():
			s.wg.Wait()
			return
		case <-ticker.C:
			s.RunDue(ctx, runFunc)
		}
	}
}
