// Package sched implements the thread and scheduling layer: the Thread
// object, one FIFO run queue per CPU, the preempt counter discipline,
// the tick handler, and block/wake for threads waiting on a signal.
package sched

import (
	"sync"

	"github.com/breenix/breenix-go/errkit"
	"github.com/breenix/breenix-go/klog"
	"github.com/breenix/breenix-go/kstack"
)

// State is a thread's scheduling state.
type State int

const (
	Ready State = iota
	Running
	Blocked
	BlockedOnSignal
	Terminated
)

func (s State) String() string {
	switch s {
	case Ready:
		return "ready"
	case Running:
		return "running"
	case Blocked:
		return "blocked"
	case BlockedOnSignal:
		return "blocked_on_signal"
	case Terminated:
		return "terminated"
	default:
		return "unknown"
	}
}

// CpuContext is the minimal saved-register set a context switch moves
// between the outgoing and incoming thread. It stands in for the real
// callee-saved-register + RSP save a context switch performs; fields
// beyond RSP/RIP/RFLAGS are opaque blobs this hosted simulation never
// interprets as real machine state.
type CpuContext struct {
	RSP    uint64
	RIP    uint64
	RFlags uint64
	GPRs   [15]uint64
}

// ThreadLocalSlot is a supplemented feature (original_source tls.rs):
// a small fixed-size per-thread scratch area user code can stash a
// thread-local pointer in, read back without a syscall.
type ThreadLocalSlot struct {
	Ptr uint64
}

// ID identifies a Thread, unique for the lifetime of the simulated boot.
type ID uint64

// Thread is the scheduling unit.
type Thread struct {
	mu sync.Mutex

	ID      ID
	OwnerPID int64
	Name    string

	state State

	KernelStack kstack.Handle

	SavedContext           CpuContext
	SavedUserspaceContext  *CpuContext // populated only while blocked mid-syscall
	BlockedInSyscall       bool
	TLS                    ThreadLocalSlot

	ExitCode *int

	// kernelOnly threads (kthreads, idle) never carry a userspace
	// context and are never candidates for signal delivery.
	kernelOnly bool

	parkCh chan struct{}
}

func newThread(id ID, pid int64, name string, stack kstack.Handle, kernelOnly bool) *Thread {
	return &Thread{
		ID:          id,
		OwnerPID:    pid,
		Name:        name,
		state:       Ready,
		KernelStack: stack,
		kernelOnly:  kernelOnly,
		parkCh:      make(chan struct{}, 1),
	}
}

// NewUserThread creates a thread that will run user code and therefore
// can carry a saved userspace context and receive signal trampolines.
func NewUserThread(id ID, pid int64, name string, stack kstack.Handle) *Thread {
	return newThread(id, pid, name, stack, false)
}

// NewKernelThread creates a kernel-only thread (kthread, idle task):
// the idle task never blocks, and kthreads have no userspace context
// to deliver signals into.
func NewKernelThread(id ID, name string, stack kstack.Handle) *Thread {
	return newThread(id, 0, name, stack, true)
}

// Park blocks the calling goroutine driving this kthread until Unpark is
// called, the park/unpark primitive kwork's kthread_run exposes on its
// returned handle.
func (t *Thread) Park() {
	<-t.parkCh
}

// Unpark wakes a parked kthread; non-blocking and idempotent if already
// unparked (buffered channel of size 1).
func (t *Thread) Unpark() {
	select {
	case t.parkCh <- struct{}{}:
	default:
	}
}

// SetSavedUserspaceContext installs ctx as the context a syscall return
// (or sigreturn) resumes into. Exported for ksyscall's sigreturn/fork
// handlers, the two call sites outside this package that legitimately
// set a thread's resume point directly rather than via blockCurrent.
func (t *Thread) SetSavedUserspaceContext(ctx CpuContext) {
	t.mu.Lock()
	t.SavedUserspaceContext = &ctx
	t.mu.Unlock()
}

// State returns the thread's current scheduling state.
func (t *Thread) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

func (t *Thread) setState(s State) {
	t.mu.Lock()
	t.state = s
	t.mu.Unlock()
}

// IsKernelOnly reports whether this thread never carries a userspace
// context (true for kthreads and the idle task).
func (t *Thread) IsKernelOnly() bool { return t.kernelOnly }

// PreemptCounter is the per-CPU preempt_count gate: a context switch is
// permitted iff count == 0 && need_resched.
type PreemptCounter struct {
	mu    sync.Mutex
	count int
}

// Disable raises the counter, forbidding preemption until every Disable
// is matched by an Enable.
func (p *PreemptCounter) Disable() {
	p.mu.Lock()
	p.count++
	p.mu.Unlock()
}

// Enable lowers the counter. It is a programming error to call Enable
// more times than Disable; this simulation reports it as EINVAL rather
// than panicking, since a real kernel would underflow into undefined
// behaviour but a hosted one can afford to say so.
func (p *PreemptCounter) Enable() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.count == 0 {
		return errkit.New(errkit.EINVAL, "sched.PreemptCounter.Enable: underflow")
	}
	p.count--
	return nil
}

// Zero reports whether the counter currently permits preemption.
func (p *PreemptCounter) Zero() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.count == 0
}

// RunQueue is one CPU's FIFO ready queue of thread ids, plus that CPU's
// preempt counter, need_resched flag, and currently-running thread.
type RunQueue struct {
	mu           sync.Mutex
	cpuID        uint32
	ready        []*Thread
	current      *Thread
	idle         *Thread
	needResched  bool
	preempt      PreemptCounter
	ticks        uint64
}

// NewRunQueue creates an empty run queue for cpuID. idle is the per-CPU
// idle task, one per CPU and started early.
func NewRunQueue(cpuID uint32, idle *Thread) *RunQueue {
	return &RunQueue{cpuID: cpuID, idle: idle, current: idle}
}

// Enqueue appends t to the tail of the ready queue and marks it Ready.
func (rq *RunQueue) Enqueue(t *Thread) {
	rq.mu.Lock()
	t.setState(Ready)
	rq.ready = append(rq.ready, t)
	rq.mu.Unlock()
}

// Current returns the thread presently charged to this CPU.
func (rq *RunQueue) Current() *Thread {
	rq.mu.Lock()
	defer rq.mu.Unlock()
	return rq.current
}

// Len reports how many threads are waiting in the ready queue, for
// kmetrics' run-queue-depth gauge.
func (rq *RunQueue) Len() int {
	rq.mu.Lock()
	defer rq.mu.Unlock()
	return len(rq.ready)
}

// CPUID returns the CPU this run queue belongs to, used as the gauge
// label kmetrics attaches per core.
func (rq *RunQueue) CPUID() uint32 { return rq.cpuID }

// NeedResched reports and RequestResched sets the per-CPU resched flag.
func (rq *RunQueue) NeedResched() bool {
	rq.mu.Lock()
	defer rq.mu.Unlock()
	return rq.needResched
}

func (rq *RunQueue) RequestResched() {
	rq.mu.Lock()
	rq.needResched = true
	rq.mu.Unlock()
}

// Preempt exposes this CPU's preempt counter to callers that bracket a
// non-preemptible section (interrupt handlers, lock holders).
func (rq *RunQueue) Preempt() *PreemptCounter { return &rq.preempt }

// PickNext dequeues the head of the ready queue, or returns the idle
// task if the queue is empty.
func (rq *RunQueue) PickNext() *Thread {
	rq.mu.Lock()
	defer rq.mu.Unlock()
	if len(rq.ready) == 0 {
		return rq.idle
	}
	next := rq.ready[0]
	rq.ready = rq.ready[1:]
	return next
}

// Switch is the context switch contract at the level this hosted
// simulation can express it: it permits the switch only if
// preempt_count == 0 && need_resched, swaps rq.current, and clears
// need_resched. It does not itself decide signal-trampoline construction
// (ksyscall's PrepareUserReturn owns that); it only records which thread
// is current.
func (rq *RunQueue) Switch() *Thread {
	rq.mu.Lock()
	if !rq.preempt.Zero() || !rq.needResched {
		rq.mu.Unlock()
		return rq.current
	}
	outgoing := rq.current
	rq.mu.Unlock()

	next := rq.PickNext()

	rq.mu.Lock()
	if outgoing != rq.idle && outgoing.State() == Running {
		outgoing.setState(Ready)
		rq.ready = append(rq.ready, outgoing)
	}
	next.setState(Running)
	rq.current = next
	rq.needResched = false
	rq.mu.Unlock()

	klog.Default().Debug("context switch", "cpu", rq.cpuID, "from", outgoing.Name, "to", next.Name)
	return next
}

// Tick performs the tick handler duties this package owns: increment
// the tick counter and set need_resched once the current
// thread's quantum is exhausted. Timer firing and softirq raising are
// layered in by kwork/signal, which call Tick and then do their own work
// within the same tick edge.
func (rq *RunQueue) Tick(quantumTicks uint64) {
	rq.mu.Lock()
	rq.ticks++
	exhausted := quantumTicks > 0 && rq.ticks%quantumTicks == 0
	rq.mu.Unlock()
	if exhausted {
		rq.RequestResched()
	}
}

// Ticks returns the number of ticks this CPU has processed.
func (rq *RunQueue) Ticks() uint64 {
	rq.mu.Lock()
	defer rq.mu.Unlock()
	return rq.ticks
}

// blockCurrent stashes ctx on the current thread, transitions it to s,
// and drops it from the ready queue by simply not re-enqueuing it
// (PickNext never sees it again until a Wake call re-enqueues it).
func (rq *RunQueue) blockCurrent(ctx CpuContext, s State) *Thread {
	rq.mu.Lock()
	cur := rq.current
	rq.mu.Unlock()

	cur.mu.Lock()
	cur.SavedUserspaceContext = &ctx
	cur.state = s
	cur.mu.Unlock()

	rq.RequestResched()
	return cur
}

// BlockCurrentForSignal is block_current_for_signal_with_context, used
// by pause/sigsuspend.
func (rq *RunQueue) BlockCurrentForSignal(ctx CpuContext) {
	rq.blockCurrent(ctx, BlockedOnSignal)
}

// BlockCurrent is the generic wait-queue block: a syscall that can't
// complete yet (read with no data, accept with no pending
// connection, wait with no zombie child) saves its context and goes
// Blocked, woken later by whatever event it's waiting on.
func (rq *RunQueue) BlockCurrent(ctx CpuContext) *Thread {
	return rq.blockCurrent(ctx, Blocked)
}

// Wake transitions a Blocked/BlockedOnSignal thread back to Ready and
// re-enqueues it, the mechanism kill() uses to target a
// BlockedOnSignal thread and wake_connection_waiters uses for a
// blocked connection. It also unparks t's park channel, so a
// caller physically blocked in a real goroutine (the way this hosted
// simulation implements waiting on a pipe/socket/child, rather than a
// pure state-machine block) actually resumes.
func (rq *RunQueue) Wake(t *Thread) {
	t.mu.Lock()
	woken := t.state == Blocked || t.state == BlockedOnSignal
	if woken {
		t.state = Ready
	}
	t.mu.Unlock()
	if !woken {
		return
	}
	rq.mu.Lock()
	rq.ready = append(rq.ready, t)
	rq.needResched = true
	rq.mu.Unlock()
	t.Unpark()
}

// Terminate marks t Terminated with the given exit code and removes it
// from scheduling consideration; PickNext's ready-queue slice never
// contains it again once it leaves rq.current.
func (rq *RunQueue) Terminate(t *Thread, exitCode int) {
	t.mu.Lock()
	t.state = Terminated
	t.ExitCode = &exitCode
	t.mu.Unlock()
	rq.RequestResched()
}
