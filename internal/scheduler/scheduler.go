// Package scheduler runs delayed, cancellable tasks keyed by name. Scheduling
// a key that is already pending replaces the earlier task.
package scheduler

import (
	"sort"
	"sync"
	"time"
)

type Scheduler interface {
	Schedule(key string, delay time.Duration, task func())
	Cancel(key string) bool
	Stop()
}

// Timer is the wall-clock scheduler backed by time.AfterFunc.
type Timer struct {
	mu      sync.Mutex
	timers  map[string]*time.Timer
	stopped bool
}

func New() *Timer {
	return &Timer{
		timers: make(map[string]*time.Timer),
	}
}

func (that *Timer) Schedule(key string, delay time.Duration, task func()) {
	that.mu.Lock()
	defer that.mu.Unlock()

	if that.stopped {
		return
	}

	if pending, ok := that.timers[key]; ok {
		pending.Stop()
	}

	// the callback blocks on mu until the timer is registered
	var timer *time.Timer
	timer = time.AfterFunc(delay, func() {
		that.mu.Lock()
		current, ok := that.timers[key]
		if !ok || current != timer {
			that.mu.Unlock()
			return
		}
		delete(that.timers, key)
		that.mu.Unlock()

		task()
	})
	that.timers[key] = timer
}

func (that *Timer) Cancel(key string) bool {
	that.mu.Lock()
	defer that.mu.Unlock()

	timer, ok := that.timers[key]
	if !ok {
		return false
	}

	delete(that.timers, key)

	return timer.Stop()
}

// Stop cancels every pending task. Tasks scheduled afterwards are ignored.
func (that *Timer) Stop() {
	that.mu.Lock()
	defer that.mu.Unlock()

	that.stopped = true
	for key, timer := range that.timers {
		timer.Stop()
		delete(that.timers, key)
	}
}

// Pending returns the number of tasks waiting to fire.
func (that *Timer) Pending() int {
	that.mu.Lock()
	defer that.mu.Unlock()

	return len(that.timers)
}

type fakeTask struct {
	at  time.Duration
	seq int
	run func()
}

// Fake is a manually driven scheduler for tests. Time only moves on Advance.
type Fake struct {
	mu      sync.Mutex
	now     time.Duration
	seq     int
	tasks   map[string]fakeTask
	stopped bool
}

func NewFake() *Fake {
	return &Fake{
		tasks: make(map[string]fakeTask),
	}
}

func (that *Fake) Schedule(key string, delay time.Duration, task func()) {
	that.mu.Lock()
	defer that.mu.Unlock()

	if that.stopped {
		return
	}

	that.seq++
	that.tasks[key] = fakeTask{at: that.now + delay, seq: that.seq, run: task}
}

func (that *Fake) Cancel(key string) bool {
	that.mu.Lock()
	defer that.mu.Unlock()

	if _, ok := that.tasks[key]; !ok {
		return false
	}

	delete(that.tasks, key)

	return true
}

func (that *Fake) Stop() {
	that.mu.Lock()
	defer that.mu.Unlock()

	that.stopped = true
	clear(that.tasks)
}

// Advance moves the clock forward and runs every task that became due, in due order.
func (that *Fake) Advance(d time.Duration) {
	that.mu.Lock()
	that.now += d

	due := make([]fakeTask, 0, len(that.tasks))
	for key, task := range that.tasks {
		if task.at <= that.now {
			due = append(due, task)
			delete(that.tasks, key)
		}
	}
	that.mu.Unlock()

	sort.Slice(due, func(i, j int) bool {
		if due[i].at == due[j].at {
			return due[i].seq < due[j].seq
		}
		return due[i].at < due[j].at
	})

	for _, task := range due {
		task.run()
	}
}

func (that *Fake) Pending() int {
	that.mu.Lock()
	defer that.mu.Unlock()

	return len(that.tasks)
}

// Has reports whether key is pending.
func (that *Fake) Has(key string) bool {
	that.mu.Lock()
	defer that.mu.Unlock()

	_, ok := that.tasks[key]

	return ok
}
