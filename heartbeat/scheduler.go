// Package heartbeat provides the periodic scheduler shared by all recurring
// service tasks and the heartbeat emitter built on it. A single scheduler
// goroutine fans ticks out to registered tasks instead of each task owning
// its own timer thread.
package heartbeat

import (
	"context"
	"sync"
	"time"
)

type (
	// Task is a registered periodic callback. Due tasks are launched on
	// their own goroutine so one slow task cannot delay the others.
	Task func(ctx context.Context)

	// Scheduler drives registered tasks from one ticker goroutine.
	Scheduler struct {
		resolution time.Duration

		mu    sync.Mutex
		tasks map[string]*scheduledTask

		startOnce sync.Once
		stopOnce  sync.Once
		done      chan struct{}
		wg        sync.WaitGroup
	}

	scheduledTask struct {
		interval time.Duration
		lastRun  time.Time
		fn       Task
	}
)

// DefaultResolution is the scheduler tick resolution.
const DefaultResolution = time.Second

// NewScheduler constructs a stopped scheduler. A non-positive resolution
// falls back to the default.
func NewScheduler(resolution time.Duration) *Scheduler {
	if resolution <= 0 {
		resolution = DefaultResolution
	}
	return &Scheduler{
		resolution: resolution,
		tasks:      make(map[string]*scheduledTask),
		done:       make(chan struct{}),
	}
}

// Register adds or replaces a named periodic task. The first run happens
// one interval after registration.
func (s *Scheduler) Register(name string, interval time.Duration, fn Task) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tasks[name] = &scheduledTask{interval: interval, lastRun: time.Now(), fn: fn}
}

// Unregister removes a named task. Idempotent.
func (s *Scheduler) Unregister(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.tasks, name)
}

// Start launches the ticker goroutine. Subsequent calls are no-ops.
func (s *Scheduler) Start() {
	s.startOnce.Do(func() {
		s.wg.Add(1)
		go s.run()
	})
}

// Stop halts the ticker and waits for it to exit. Task goroutines already
// launched are not interrupted.
func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() { close(s.done) })
	s.wg.Wait()
}

func (s *Scheduler) run() {
	defer s.wg.Done()
	ticker := time.NewTicker(s.resolution)
	defer ticker.Stop()

	ctx := context.Background()
	for {
		select {
		case <-s.done:
			return
		case now := <-ticker.C:
			s.fanOut(ctx, now)
		}
	}
}

// fanOut launches every due task.
func (s *Scheduler) fanOut(ctx context.Context, now time.Time) {
	s.mu.Lock()
	var due []Task
	for _, t := range s.tasks {
		if now.Sub(t.lastRun) >= t.interval {
			t.lastRun = now
			due = append(due, t.fn)
		}
	}
	s.mu.Unlock()

	for _, fn := range due {
		go fn(ctx)
	}
}
