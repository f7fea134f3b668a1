// Package exec implements the single-threaded service executor:
// everything that must not run concurrently with Raft's own state
// mutations — timer callbacks, the results of background I/O, and
// posted completions — runs as a closure on this one goroutine
// (spec.md §5).
package exec

import (
	"sync"
	"time"
)

// Executor runs submitted functions one at a time, in submission
// order, on a single background goroutine.
type Executor struct {
	tasks chan func()
	done  chan struct{}
	wg    sync.WaitGroup
}

// New returns a started Executor with the given task queue depth.
func New(queueDepth int) *Executor {
	e := &Executor{
		tasks: make(chan func(), queueDepth),
		done:  make(chan struct{}),
	}
	e.wg.Add(1)
	go e.run()
	return e
}

func (e *Executor) run() {
	defer e.wg.Done()
	for {
		select {
		case fn := <-e.tasks:
			fn()
		case <-e.done:
			// Drain whatever is already queued before exiting so a
			// Stop() racing with in-flight Submit calls doesn't silently
			// drop work that was already accepted.
			for {
				select {
				case fn := <-e.tasks:
					fn()
				default:
					return
				}
			}
		}
	}
}

// Submit enqueues fn to run on the executor goroutine. It blocks if
// the queue is full; callers on the executor goroutine itself must
// never call Submit synchronously against a full queue.
func (e *Executor) Submit(fn func()) {
	select {
	case e.tasks <- fn:
	case <-e.done:
	}
}

// Stop signals the executor to drain and exit, and waits for it to do so.
func (e *Executor) Stop() {
	close(e.done)
	e.wg.Wait()
}

// ScheduledTask is a cancelable, resettable timer whose callback is
// always delivered through the owning Executor, never directly from
// Go's runtime timer goroutine.
type ScheduledTask struct {
	executor *Executor
	fn       func()

	mu      sync.Mutex
	timer   *time.Timer
	active  bool
}

// Schedule arms fn to run (on the executor) after d elapses.
func (e *Executor) Schedule(d time.Duration, fn func()) *ScheduledTask {
	st := &ScheduledTask{executor: e, fn: fn, active: true}
	st.timer = time.AfterFunc(d, st.fire)
	return st
}

func (st *ScheduledTask) fire() {
	st.mu.Lock()
	active := st.active
	st.mu.Unlock()
	if active {
		st.executor.Submit(st.fn)
	}
}

// Reset idempotently reschedules the task to fire after d from now,
// canceling any pending firing.
func (st *ScheduledTask) Reset(d time.Duration) {
	st.mu.Lock()
	defer st.mu.Unlock()
	st.active = true
	st.timer.Reset(d)
}

// Cancel idempotently prevents any future firing of this task.
func (st *ScheduledTask) Cancel() {
	st.mu.Lock()
	defer st.mu.Unlock()
	st.active = false
	st.timer.Stop()
}
