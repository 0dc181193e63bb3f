// Package scheduler runs named jobs at fixed intervals.
package scheduler

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/charmbracelet/log"

	"github.com/adap-ai/adap/internal/errs"
	"github.com/adap-ai/adap/internal/logging"
)

var (
	ErrInvalidInterval = errs.New(errs.ErrConfiguration, "job interval must be positive")
	ErrJobExists       = errs.New(errs.ErrConfiguration, "job already exists")
)

// JobFunc is the work performed on each run, with its arguments bound.
type JobFunc func(ctx context.Context) error

// JobInfo is a snapshot of a job's state.
type JobInfo struct {
	Name      string        `json:"name"`
	Interval  time.Duration `json:"interval"`
	NextRunAt time.Time     `json:"next_run_at"`
	Runs      int           `json:"runs"`
	Failures  int           `json:"failures"`
	Running   bool          `json:"running"`
}

type job struct {
	name      string
	interval  time.Duration
	fn        JobFunc
	nextRunAt time.Time
	runs      int
	failures  int
	running   bool
}

// Scheduler polls its jobs every tick and starts each one that is due.
// A job never overlaps itself; its next run is computed from the moment
// its previous run returned.
type Scheduler struct {
	tick   time.Duration
	logger *log.Logger

	mu   sync.Mutex
	jobs map[string]*job

	runMu   sync.Mutex
	running bool
	stop    chan struct{}
	loopWg  sync.WaitGroup
	jobWg   sync.WaitGroup
	ctx     context.Context
	cancel  context.CancelFunc
}

// New creates a Scheduler that checks for due jobs every tick.
func New(tick time.Duration, logger *log.Logger) *Scheduler {
	if tick <= 0 {
		tick = 250 * time.Millisecond
	}
	return &Scheduler{
		tick:   tick,
		logger: logging.OrDiscard(logger),
		jobs:   make(map[string]*job),
	}
}

// Add registers a job. It first fires on the next tick.
func (s *Scheduler) Add(name string, interval time.Duration, fn JobFunc) error {
	if interval <= 0 {
		return fmt.Errorf("%w: %s", ErrInvalidInterval, name)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.jobs[name]; ok {
		return fmt.Errorf("%w: %s", ErrJobExists, name)
	}
	s.jobs[name] = &job{
		name:      name,
		interval:  interval,
		fn:        fn,
		nextRunAt: time.Now(),
	}
	return nil
}

// Remove deletes a job. A run already in progress completes.
func (s *Scheduler) Remove(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, ok := s.jobs[name]
	delete(s.jobs, name)
	return ok
}

// Jobs returns a snapshot of all jobs sorted by name.
func (s *Scheduler) Jobs() []JobInfo {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]JobInfo, 0, len(s.jobs))
	for _, j := range s.jobs {
		out = append(out, JobInfo{
			Name:      j.name,
			Interval:  j.interval,
			NextRunAt: j.nextRunAt,
			Runs:      j.runs,
			Failures:  j.failures,
			Running:   j.running,
		})
	}
	sort.Slice(out, func(i, k int) bool { return out[i].Name < out[k].Name })
	return out
}

// Start launches the control loop.
func (s *Scheduler) Start() {
	s.runMu.Lock()
	defer s.runMu.Unlock()
	if s.running {
		return
	}
	s.running = true
	s.stop = make(chan struct{})
	s.ctx, s.cancel = context.WithCancel(context.Background())

	s.loopWg.Add(1)
	go s.loop(s.ctx, s.stop)
}

// Stop ends the control loop, cancels running jobs and waits for them.
func (s *Scheduler) Stop() {
	s.runMu.Lock()
	if !s.running {
		s.runMu.Unlock()
		return
	}
	s.running = false
	close(s.stop)
	s.cancel()
	s.runMu.Unlock()

	s.loopWg.Wait()
	s.jobWg.Wait()
}

func (s *Scheduler) loop(ctx context.Context, stop <-chan struct{}) {
	defer s.loopWg.Done()

	ticker := time.NewTicker(s.tick)
	defer ticker.Stop()

	s.runDue(ctx)
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			s.runDue(ctx)
		}
	}
}

func (s *Scheduler) runDue(ctx context.Context) {
	now := time.Now()

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, j := range s.jobs {
		if j.running || now.Before(j.nextRunAt) {
			continue
		}
		j.running = true
		s.jobWg.Add(1)
		go s.run(ctx, j)
	}
}

func (s *Scheduler) run(ctx context.Context, j *job) {
	defer s.jobWg.Done()

	var err error
	defer func() {
		s.mu.Lock()
		j.nextRunAt = time.Now().Add(j.interval)
		j.running = false
		j.runs++
		if err != nil {
			j.failures++
		}
		s.mu.Unlock()
	}()

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("job panic: %v", r)
			s.logger.Error("scheduled job panicked", "job", j.name, "error", err)
		}
	}()

	err = j.fn(ctx)
	if err != nil {
		s.logger.Warn("scheduled job failed", "job", j.name, "error", err)
	}
}
