// Package kwork implements the deferred-work layer: kernel threads,
// work queues, and the softirq pump.
package kwork

import (
	"sync/atomic"

	"github.com/breenix/breenix-go/kstack"
	"github.com/breenix/breenix-go/sched"
)

// KthreadHandle is kthread_run's return value: a handle onto a
// kernel-only Thread whose body goroutine cooperates with ShouldStop
// and Park/Unpark instead of being forcibly killed.
type KthreadHandle struct {
	thread   *sched.Thread
	stop     atomic.Bool
	exitCode atomic.Int64
	done     chan struct{}
}

// KthreadRun creates a new kernel-only Thread running body in its own
// goroutine (this hosted simulation's stand-in for a real kernel context
// switch into the thread's entry point), enqueues it on rq, and returns
// a handle. body must poll ShouldStop between work items and return its
// exit code when asked to stop.
func KthreadRun(rq *sched.RunQueue, id sched.ID, name string, body func(h *KthreadHandle) int) *KthreadHandle {
	// body runs on its own goroutine stack; the kernel-stack Handle is
	// only bookkeeping for accounting symmetry with user threads, so a
	// zero Handle (no backing frames) is correct here.
	h := &KthreadHandle{
		thread: sched.NewKernelThread(id, name, kstack.Handle{}),
		done:   make(chan struct{}),
	}
	rq.Enqueue(h.thread)
	go func() {
		code := body(h)
		h.exitCode.Store(int64(code))
		rq.Terminate(h.thread, code)
		close(h.done)
	}()
	return h
}

// ShouldStop reports whether Stop has been requested.
func (h *KthreadHandle) ShouldStop() bool { return h.stop.Load() }

// Park blocks the kthread's goroutine until Unpark (or Stop, which also
// unparks) wakes it.
func (h *KthreadHandle) Park() { h.thread.Park() }

// Unpark wakes a parked kthread without requesting it to stop.
func (h *KthreadHandle) Unpark() { h.thread.Unpark() }

// Stop requests the kthread to exit: it sets the stop flag and unparks
// it. Stop does not itself wait for exit; call Join for that.
func (h *KthreadHandle) Stop() {
	h.stop.Store(true)
	h.thread.Unpark()
}

// Join blocks until the kthread's body has returned and reports its
// exit code: a channel close standing in for spinning on an atomic
// exit code at the level a hosted Go simulation can manage.
func (h *KthreadHandle) Join() int {
	<-h.done
	return int(h.exitCode.Load())
}

// Thread exposes the underlying scheduler thread for callers (like the
// softirq pump) that need to check its state.
func (h *KthreadHandle) Thread() *sched.Thread { return h.thread }
