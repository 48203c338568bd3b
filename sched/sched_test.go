package sched

import (
	"testing"

	"github.com/breenix/breenix-go/kstack"
)

func thread(id ID, name string) *Thread {
	return NewUserThread(id, 1, name, kstack.Handle{})
}

func TestPickNextFallsBackToIdle(t *testing.T) {
	idle := NewKernelThread(0, "idle0", kstack.Handle{})
	rq := NewRunQueue(0, idle)
	if got := rq.PickNext(); got != idle {
		t.Fatalf("expected idle task on empty ready queue, got %v", got.Name)
	}
}

func TestFIFOOrder(t *testing.T) {
	idle := NewKernelThread(0, "idle0", kstack.Handle{})
	rq := NewRunQueue(0, idle)
	a, b, c := thread(1, "a"), thread(2, "b"), thread(3, "c")
	rq.Enqueue(a)
	rq.Enqueue(b)
	rq.Enqueue(c)
	for _, want := range []*Thread{a, b, c} {
		if got := rq.PickNext(); got != want {
			t.Fatalf("expected FIFO order, got %s want %s", got.Name, want.Name)
		}
	}
}

func TestSwitchGatedByPreemptCount(t *testing.T) {
	idle := NewKernelThread(0, "idle0", kstack.Handle{})
	rq := NewRunQueue(0, idle)
	a := thread(1, "a")
	rq.Enqueue(a)
	rq.RequestResched()

	rq.Preempt().Disable()
	if got := rq.Switch(); got != idle {
		t.Fatal("switch must not happen while preempt_count > 0")
	}
	if err := rq.Preempt().Enable(); err != nil {
		t.Fatal(err)
	}
	rq.RequestResched()
	got := rq.Switch()
	if got != a {
		t.Fatalf("expected switch to thread a once preempt_count==0, got %s", got.Name)
	}
	if got.State() != Running {
		t.Fatal("incoming thread must be Running after switch")
	}
}

func TestSwitchRequiresNeedResched(t *testing.T) {
	idle := NewKernelThread(0, "idle0", kstack.Handle{})
	rq := NewRunQueue(0, idle)
	a := thread(1, "a")
	rq.Enqueue(a)
	// No RequestResched call: switch must be a no-op.
	if got := rq.Switch(); got != idle {
		t.Fatal("switch must not happen without need_resched")
	}
}

func TestTickSetsNeedReschedOnQuantumExhaustion(t *testing.T) {
	idle := NewKernelThread(0, "idle0", kstack.Handle{})
	rq := NewRunQueue(0, idle)
	const quantum = 4
	for i := 0; i < quantum-1; i++ {
		rq.Tick(quantum)
		if rq.NeedResched() {
			t.Fatalf("need_resched set too early at tick %d", i+1)
		}
	}
	rq.Tick(quantum)
	if !rq.NeedResched() {
		t.Fatal("expected need_resched set once quantum exhausted")
	}
}

func TestBlockAndWakeRoundTrip(t *testing.T) {
	idle := NewKernelThread(0, "idle0", kstack.Handle{})
	rq := NewRunQueue(0, idle)
	a := thread(1, "a")

	rq.mu.Lock()
	rq.current = a
	a.state = Running
	rq.mu.Unlock()

	ctx := CpuContext{RIP: 0x1000, RSP: 0x7000}
	rq.BlockCurrentForSignal(ctx)

	if a.State() != BlockedOnSignal {
		t.Fatalf("expected BlockedOnSignal, got %v", a.State())
	}
	if a.SavedUserspaceContext == nil || a.SavedUserspaceContext.RIP != 0x1000 {
		t.Fatal("expected saved userspace context stashed on thread")
	}
	// Blocked thread must not be handed out by PickNext.
	if got := rq.PickNext(); got != idle {
		t.Fatal("blocked thread must not be scheduled")
	}

	rq.Wake(a)
	if a.State() != Ready {
		t.Fatalf("expected Ready after wake, got %v", a.State())
	}
	if got := rq.PickNext(); got != a {
		t.Fatal("expected woken thread back in ready queue")
	}
}

func TestWakeIgnoresAlreadyRunnableThread(t *testing.T) {
	idle := NewKernelThread(0, "idle0", kstack.Handle{})
	rq := NewRunQueue(0, idle)
	a := thread(1, "a")
	rq.Enqueue(a) // a is Ready, not Blocked
	rq.Wake(a)    // must not duplicate it in the ready queue

	first := rq.PickNext()
	second := rq.PickNext()
	if first != a {
		t.Fatal("expected a first")
	}
	if second != idle {
		t.Fatal("expected a enqueued exactly once despite the redundant Wake")
	}
}

func TestPreemptCounterUnderflowReportsEINVAL(t *testing.T) {
	var p PreemptCounter
	if err := p.Enable(); err == nil {
		t.Fatal("expected error enabling an already-zero preempt counter")
	}
}

func TestParkUnpark(t *testing.T) {
	k := NewKernelThread(7, "kworker", kstack.Handle{})
	done := make(chan struct{})
	go func() {
		k.Park()
		close(done)
	}()
	k.Unpark()
	<-done
}
