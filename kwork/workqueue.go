package kwork

import (
	"sync"
	"sync/atomic"

	"golang.org/x/sync/errgroup"
)

// Work is one deferred work item: pending is the atomic flag
// schedule_work uses to reject a redundant re-queue, handler runs on
// the workqueue's single worker.
type Work struct {
	pending atomic.Bool
	Handler func(w *Work)
}

// tryMarkPending atomically sets pending, reporting whether this call
// was the one that set it (false means the item was already queued).
func (w *Work) tryMarkPending() bool {
	return w.pending.CompareAndSwap(false, true)
}

// Workqueue is a single-worker FIFO queue of Work items: schedule_work
// appends to the queue's FIFO and wakes the worker, which pops one item,
// clears its pending bit, and calls its handler.
type Workqueue struct {
	mu      sync.Mutex
	fifo    []*Work
	wake    chan struct{}
	group   *errgroup.Group
	stopped atomic.Bool
}

// NewWorkqueue starts a Workqueue's single worker goroutine (this
// hosted simulation's stand-in for a dedicated worker thread) and
// returns the handle. The worker runs under an
// errgroup.Group so Destroy can wait for it to actually exit rather than
// merely flushing its queue.
func NewWorkqueue() *Workqueue {
	wq := &Workqueue{
		wake: make(chan struct{}, 1),
	}
	var g errgroup.Group
	wq.group = &g
	g.Go(func() error {
		wq.workerLoop()
		return nil
	})
	return wq
}

func (wq *Workqueue) workerLoop() {
	for {
		wq.mu.Lock()
		if len(wq.fifo) == 0 {
			if wq.stopped.Load() {
				wq.mu.Unlock()
				return
			}
			wq.mu.Unlock()
			<-wq.wake
			continue
		}
		item := wq.fifo[0]
		wq.fifo = wq.fifo[1:]
		wq.mu.Unlock()

		item.pending.Store(false)
		if item.Handler != nil {
			item.Handler(item)
		}
	}
}

// ScheduleWork atomically marks w pending; on success appends it to the
// FIFO and wakes the worker, on failure (already pending) returns false
// without re-queuing.
func (wq *Workqueue) ScheduleWork(w *Work) bool {
	if !w.tryMarkPending() {
		return false
	}
	wq.mu.Lock()
	wq.fifo = append(wq.fifo, w)
	wq.mu.Unlock()
	wq.poke()
	return true
}

func (wq *Workqueue) poke() {
	select {
	case wq.wake <- struct{}{}:
	default:
	}
}

// Flush enqueues a sentinel work item whose handler closes a channel,
// and blocks until it runs (and therefore until every item queued ahead
// of it has too).
func (wq *Workqueue) Flush() {
	done := make(chan struct{})
	sentinel := &Work{}
	sentinel.Handler = func(*Work) { close(done) }
	wq.ScheduleWork(sentinel)
	<-done
}

// Destroy flushes the queue, then stops the worker, waiting for its
// goroutine to actually exit.
func (wq *Workqueue) Destroy() {
	wq.Flush()
	wq.stopped.Store(true)
	wq.poke()
	_ = wq.group.Wait()
}
