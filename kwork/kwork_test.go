package kwork

import (
	"sync"
	"testing"
	"time"

	"github.com/breenix/breenix-go/kstack"
	"github.com/breenix/breenix-go/sched"
)

func testRunQueue() *sched.RunQueue {
	idle := sched.NewKernelThread(0, "idle", kstack.Handle{})
	return sched.NewRunQueue(0, idle)
}

func TestKthreadRunStopJoin(t *testing.T) {
	rq := testRunQueue()
	var ran int
	h := KthreadRun(rq, 1, "worker", func(h *KthreadHandle) int {
		for !h.ShouldStop() {
			ran++
			h.Park()
		}
		return 7
	})
	h.Unpark()
	h.Stop()
	if code := h.Join(); code != 7 {
		t.Fatalf("expected exit code 7, got %d", code)
	}
	if ran == 0 {
		t.Fatal("expected the kthread body to run at least once")
	}
}

func TestWorkqueueFIFOAndReQueueRejection(t *testing.T) {
	wq := NewWorkqueue()
	defer wq.Destroy()

	var mu sync.Mutex
	var order []int

	w1 := &Work{}
	w1.Handler = func(*Work) { mu.Lock(); order = append(order, 1); mu.Unlock() }
	w2 := &Work{}
	w2.Handler = func(*Work) { mu.Lock(); order = append(order, 2); mu.Unlock() }

	if !wq.ScheduleWork(w1) {
		t.Fatal("first schedule_work must succeed")
	}
	if !wq.ScheduleWork(w2) {
		t.Fatal("second distinct work item must succeed")
	}
	wq.Flush()

	mu.Lock()
	got := append([]int(nil), order...)
	mu.Unlock()
	if len(got) != 2 || got[0] != 1 || got[1] != 2 {
		t.Fatalf("expected FIFO order [1 2], got %v", got)
	}
}

// TestScheduleWorkRejectsDoubleQueue verifies that calling
// schedule_work(w) twice before the worker has executed it in between
// returns false the second time. try_set_pending is what ScheduleWork
// gates on, so this is exercised directly at that level: the window
// between a successful schedule and the worker's pop-and-clear is racy
// to hit from outside, but the atomic it rests on is deterministic.
func TestScheduleWorkRejectsDoubleQueue(t *testing.T) {
	w := &Work{}
	if !w.tryMarkPending() {
		t.Fatal("fresh work item must be markable")
	}
	if w.tryMarkPending() {
		t.Fatal("a work item already pending must reject a second mark (property 11)")
	}
}

func TestSoftirqPumpOrdersByLowestIndexFirst(t *testing.T) {
	p := NewPump()
	var mu sync.Mutex
	var order []Softirq
	for _, k := range []Softirq{HiTx, Timer, NetRx, Block} {
		k := k
		p.Register(k, func() { mu.Lock(); order = append(order, k); mu.Unlock() })
	}
	// Raised inside an interrupt, the four bits stay pending until a
	// single Do() dispatches them together.
	p.EnterInterrupt()
	p.Raise(Block)
	p.Raise(HiTx)
	p.Raise(NetRx)
	p.Raise(Timer)
	p.ExitInterrupt()
	p.Do()

	mu.Lock()
	defer mu.Unlock()
	want := []Softirq{HiTx, Timer, NetRx, Block}
	if len(order) != len(want) {
		t.Fatalf("expected %d handler calls, got %d (%v)", len(want), len(order), order)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("expected priority order %v, got %v", want, order)
		}
	}
}

func TestSoftirqPumpRefusesNestedPump(t *testing.T) {
	p := NewPump()
	p.EnterInterrupt()
	if p.Do() {
		t.Fatal("Do() must return false while in_interrupt is set (no nesting)")
	}
	p.ExitInterrupt()
}

func TestRaiseRunsHandlerWithKsoftirqdRunning(t *testing.T) {
	p := NewPump()
	rq := testRunQueue()

	var calls int
	var mu sync.Mutex
	p.Register(Timer, func() {
		mu.Lock()
		calls++
		mu.Unlock()
	})

	h := KthreadRun(rq, 2, "ksoftirqd", p.KsoftirqdBody)
	p.SetKsoftirqd(h)

	p.Raise(Timer)

	deadline := time.After(time.Second)
	for {
		mu.Lock()
		n := calls
		mu.Unlock()
		if n > 0 {
			break
		}
		select {
		case <-deadline:
			t.Fatal("timer softirq handler never ran")
		case <-time.After(time.Millisecond):
		}
	}

	h.Stop()
	h.Join()
}
