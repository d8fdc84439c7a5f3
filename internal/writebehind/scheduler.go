// Package writebehind coalesces bursts of mutations into one deferred write
// per key.
package writebehind

import (
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

// DefaultDelay is measured from the most recent Schedule call for a key.
const DefaultDelay = 2 * time.Second

// Scheduler holds at most one pending task per key. Scheduling again
// replaces the pending task and restarts its delay; a replaced task never
// runs. Runs for the same key are serialized.
type Scheduler struct {
	clock clock.Clock
	delay time.Duration

	mu      sync.Mutex
	pending map[string]*task
	running map[string]*sync.Mutex
	wg      sync.WaitGroup
}

type task struct {
	key   string
	fn    func()
	timer *clock.Timer
}

func New(clk clock.Clock, delay time.Duration) *Scheduler {
	if clk == nil {
		clk = clock.New()
	}
	if delay <= 0 {
		delay = DefaultDelay
	}
	return &Scheduler{
		clock:   clk,
		delay:   delay,
		pending: make(map[string]*task),
		running: make(map[string]*sync.Mutex),
	}
}

// Schedule arranges for fn to run once key has been quiet for the delay.
func (s *Scheduler) Schedule(key string, fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if prev, ok := s.pending[key]; ok {
		prev.timer.Stop()
	}
	t := &task{key: key, fn: fn}
	// fire blocks on s.mu until t.timer is assigned.
	t.timer = s.clock.AfterFunc(s.delay, func() { s.fire(t) })
	s.pending[key] = t
}

// Cancel drops the pending task for key, reporting whether there was one.
func (s *Scheduler) Cancel(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.pending[key]
	if ok {
		t.timer.Stop()
		delete(s.pending, key)
	}
	return ok
}

// Pending reports whether key has a task waiting.
func (s *Scheduler) Pending(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.pending[key]
	return ok
}

// Len returns the number of pending tasks.
func (s *Scheduler) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

// Flush runs the pending task for key now, if any, and waits for it.
func (s *Scheduler) Flush(key string) bool {
	s.mu.Lock()
	t, ok := s.pending[key]
	if !ok {
		s.mu.Unlock()
		return false
	}
	t.timer.Stop()
	delete(s.pending, key)
	lock := s.lockFor(key)
	s.wg.Add(1)
	s.mu.Unlock()

	s.run(t, lock)
	return true
}

// FlushAll runs every pending task now and waits for in-flight runs.
func (s *Scheduler) FlushAll() {
	s.mu.Lock()
	tasks := make([]*task, 0, len(s.pending))
	for key, t := range s.pending {
		t.timer.Stop()
		delete(s.pending, key)
		tasks = append(tasks, t)
	}
	s.mu.Unlock()

	for _, t := range tasks {
		s.mu.Lock()
		lock := s.lockFor(t.key)
		s.wg.Add(1)
		s.mu.Unlock()
		s.run(t, lock)
	}
	s.wg.Wait()
}

// Wait blocks until in-flight runs complete.
func (s *Scheduler) Wait() { s.wg.Wait() }

func (s *Scheduler) fire(t *task) {
	s.mu.Lock()
	if s.pending[t.key] != t {
		// Superseded or cancelled after the timer had already fired.
		s.mu.Unlock()
		return
	}
	delete(s.pending, t.key)
	lock := s.lockFor(t.key)
	s.wg.Add(1)
	s.mu.Unlock()

	s.run(t, lock)
}

func (s *Scheduler) run(t *task, lock *sync.Mutex) {
	defer s.wg.Done()
	lock.Lock()
	defer lock.Unlock()
	t.fn()
}

// lockFor requires s.mu.
func (s *Scheduler) lockFor(key string) *sync.Mutex {
	l, ok := s.running[key]
	if !ok {
		l = new(sync.Mutex)
		s.running[key] = l
	}
	return l
}

// Forget releases bookkeeping for a key which will not be scheduled again.
func (s *Scheduler) Forget(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t, ok := s.pending[key]; ok {
		t.timer.Stop()
		delete(s.pending, key)
	}
	delete(s.running, key)
}
