// Package scheduler runs named background tasks on fixed intervals.
package scheduler

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Task is one run of a periodic job. ctx is cancelled when the scheduler
// stops.
type Task func(ctx context.Context) error

// TaskInfo describes a registered task.
type TaskInfo struct {
	Name         string        `json:"name"`
	Interval     time.Duration `json:"interval"`
	Runs         int64         `json:"runs"`
	Failures     int64         `json:"failures"`
	LastRun      *time.Time    `json:"last_run,omitempty"`
	LastDuration time.Duration `json:"last_duration"`
	LastError    string        `json:"last_error,omitempty"`
}

type job struct {
	info TaskInfo
	fn   Task
	kick chan struct{}
	quit chan struct{}
}

// Scheduler owns one goroutine per task. Runs of one task never overlap.
type Scheduler struct {
	mu     sync.Mutex
	jobs   map[string]*job
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	logger *zap.Logger
}

func New(logger *zap.Logger) *Scheduler {
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{jobs: make(map[string]*job), ctx: ctx, cancel: cancel, logger: logger}
}

// Every runs fn each interval until Remove or Stop. A task already
// registered under name is replaced. Calls after Stop are ignored.
func (s *Scheduler) Every(name string, interval time.Duration, fn Task) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ctx.Err() != nil {
		return
	}
	if old, ok := s.jobs[name]; ok {
		close(old.quit)
	}
	j := &job{
		info: TaskInfo{Name: name, Interval: interval},
		fn:   fn,
		kick: make(chan struct{}, 1),
		quit: make(chan struct{}),
	}
	s.jobs[name] = j
	s.wg.Add(1)
	go s.loop(j)
	s.logger.Info("scheduler task registered", zap.String("name", name), zap.Duration("interval", interval))
}

// Run asks name to run now, outside its interval. It reports false for an
// unknown task. A run already pending is not queued twice.
func (s *Scheduler) Run(name string) bool {
	s.mu.Lock()
	j, ok := s.jobs[name]
	s.mu.Unlock()
	if !ok {
		return false
	}
	select {
	case j.kick <- struct{}{}:
	default:
	}
	return true
}

// Remove stops name. Its current run, if any, finishes.
func (s *Scheduler) Remove(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if j, ok := s.jobs[name]; ok {
		close(j.quit)
		delete(s.jobs, name)
	}
}

// Stop cancels every task's context and waits for running tasks to return.
func (s *Scheduler) Stop() {
	s.cancel()
	s.wg.Wait()
}

func (s *Scheduler) loop(j *job) {
	defer s.wg.Done()
	ticker := time.NewTicker(j.info.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
		case <-j.kick:
		case <-j.quit:
			return
		case <-s.ctx.Done():
			return
		}
		s.exec(j)
	}
}

func (s *Scheduler) exec(j *job) {
	start := time.Now()
	err := s.call(j)
	elapsed := time.Since(start)

	s.mu.Lock()
	j.info.Runs++
	j.info.LastRun = &start
	j.info.LastDuration = elapsed
	j.info.LastError = ""
	if err != nil {
		j.info.Failures++
		j.info.LastError = err.Error()
	}
	s.mu.Unlock()

	if err != nil && s.ctx.Err() == nil {
		s.logger.Warn("scheduler task failed", zap.String("task", j.info.Name), zap.Error(err))
	}
}

func (s *Scheduler) call(j *job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("scheduler task panicked", zap.String("task", j.info.Name), zap.Any("recover", r))
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return j.fn(s.ctx)
}

// Names returns the registered task names, sorted.
func (s *Scheduler) Names() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	names := make([]string, 0, len(s.jobs))
	for name := range s.jobs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Tasks returns a snapshot of every task, sorted by name.
func (s *Scheduler) Tasks() []TaskInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]TaskInfo, 0, len(s.jobs))
	for _, j := range s.jobs {
		out = append(out, j.info)
	}
	sort.Slice(out, func(a, b int) bool { return out[a].Name < out[b].Name })
	return out
}
