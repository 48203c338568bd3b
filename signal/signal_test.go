package signal

import (
	"testing"

	"github.com/breenix/breenix-go/errkit"
	"github.com/breenix/breenix-go/frame"
	"github.com/breenix/breenix-go/kstack"
	"github.com/breenix/breenix-go/process"
	"github.com/breenix/breenix-go/sched"
	"github.com/breenix/breenix-go/vm"
)

func newTestProcess(t *testing.T) (*frame.Allocator, *vm.ProcessPageTable, *process.Process) {
	t.Helper()
	alloc := frame.New(512)
	kpt, err := vm.NewKernelPageTable(alloc, 300)
	if err != nil {
		t.Fatal(err)
	}
	pt, err := vm.NewProcessPageTable(alloc, kpt)
	if err != nil {
		t.Fatal(err)
	}
	m := process.NewManager()
	p := m.Create(pt, 0, "/")

	// Map a user stack the trampoline can write into.
	for i := 0; i < 4; i++ {
		f, err := alloc.Alloc()
		if err != nil {
			t.Fatal(err)
		}
		va := vm.VirtAddr(0x7000_0000_0000) + vm.VirtAddr(i*4096)
		if err := pt.Map(va, f, vm.PTEUser|vm.PTEWritable); err != nil {
			t.Fatal(err)
		}
	}
	return alloc, pt, p
}

const userStackTop = 0x7000_0000_4000 // one past the 4 mapped pages above

func TestParseNameAndNumber(t *testing.T) {
	n, err := Parse("SIGTERM")
	if err != nil || n != SIGTERM {
		t.Fatalf("Parse(SIGTERM) = %v, %v", n, err)
	}
	n, err = Parse("USR1")
	if err != nil || n != SIGUSR1 {
		t.Fatalf("Parse(USR1) = %v, %v", n, err)
	}
	n, err = Parse("9")
	if err != nil || n != SIGKILL {
		t.Fatalf("Parse(9) = %v, %v", n, err)
	}
	if _, err := Parse("NOTASIGNAL"); err == nil {
		t.Fatal("expected error for unknown signal name")
	}
}

func TestQueueSetsAndIsDeliverable(t *testing.T) {
	_, _, p := newTestProcess(t)
	idle := sched.NewKernelThread(0, "idle", kstack.Handle{})
	rq := sched.NewRunQueue(0, idle)

	if err := Queue(p, rq, SIGUSR1); err != nil {
		t.Fatal(err)
	}
	if got := Deliverable(p); got != SIGUSR1 {
		t.Fatalf("expected SIGUSR1 deliverable, got %v", got)
	}
}

func TestSignalZeroIsExistenceTestOnly(t *testing.T) {
	_, _, p := newTestProcess(t)
	idle := sched.NewKernelThread(0, "idle", kstack.Handle{})
	rq := sched.NewRunQueue(0, idle)
	if err := Queue(p, rq, 0); err != nil {
		t.Fatal(err)
	}
	if p.Signals.Pending != 0 {
		t.Fatal("signal 0 must not set any pending bit")
	}
}

func TestBlockedMaskNeverCarriesKillOrStop(t *testing.T) {
	_, _, p := newTestProcess(t)
	SetBlocked(p, ^uint64(0)) // try to block everything
	if p.Signals.Blocked&(bit(SIGKILL)|bit(SIGSTOP)) != 0 {
		t.Fatal("property 4: SIGKILL/SIGSTOP must never be blockable")
	}
}

func TestSetActionRejectsUncatchableSignals(t *testing.T) {
	_, _, p := newTestProcess(t)
	if err := SetAction(p, SIGKILL, process.SignalAction{Handler: 0x1000}); err == nil {
		t.Fatal("expected error installing a handler for SIGKILL")
	}
}

// TestBuildAndSigreturnRoundTrip checks that for any saved frame F,
// sigreturn(build(F)) == F with RFLAGS masked to
// (F.rflags & 0x0CD5) | 0x200.
func TestBuildAndSigreturnRoundTrip(t *testing.T) {
	alloc, pt, p := newTestProcess(t)
	if err := SetAction(p, SIGUSR1, process.SignalAction{Handler: 0x4000_0000}); err != nil {
		t.Fatal(err)
	}
	if err := Queue(p, nopRunQueue(), SIGUSR1); err != nil {
		t.Fatal(err)
	}

	saved := sched.CpuContext{
		RIP:    0x5000,
		RSP:    userStackTop,
		RFlags: 0xFFFF_FFFF, // garbage high bits that sigreturn must mask away
	}
	for i := range saved.GPRs {
		saved.GPRs[i] = uint64(i + 1)
	}

	sa := process.SignalAction{Handler: 0x4000_0000}
	newCtx, err := Build(alloc, pt, p, saved, SIGUSR1, sa)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if newCtx.RIP != sa.Handler {
		t.Fatal("expected handler RIP")
	}
	if p.Signals.Pending&bit(SIGUSR1) != 0 {
		t.Fatal("Build must clear the pending bit")
	}
	if p.Signals.Blocked&bit(SIGUSR1) == 0 {
		t.Fatal("Build must add signo to blocked (no SA_NODEFER)")
	}

	restored, err := Sigreturn(alloc, pt, p, vm.VirtAddr(newCtx.RSP))
	if err != nil {
		t.Fatalf("Sigreturn: %v", err)
	}
	if restored.RIP != saved.RIP || restored.RSP != saved.RSP {
		t.Fatalf("round trip mismatch: got RIP=%#x RSP=%#x want RIP=%#x RSP=%#x",
			restored.RIP, restored.RSP, saved.RIP, saved.RSP)
	}
	wantFlags := (saved.RFlags & 0x0CD5) | 0x0200
	if restored.RFlags != wantFlags {
		t.Fatalf("expected masked RFLAGS %#x, got %#x", wantFlags, restored.RFlags)
	}
	for i := range saved.GPRs {
		if restored.GPRs[i] != saved.GPRs[i] {
			t.Fatalf("GPR[%d] mismatch: got %d want %d", i, restored.GPRs[i], saved.GPRs[i])
		}
	}
	if p.Signals.Blocked&bit(SIGUSR1) != 0 {
		t.Fatal("sigreturn must restore the pre-delivery blocked mask (SIGUSR1 was not blocked before)")
	}
}

// TestSigsuspendRestoresOldMaskOnSigreturn is scenario E4.
func TestSigsuspendRestoresOldMaskOnSigreturn(t *testing.T) {
	alloc, pt, p := newTestProcess(t)
	BlockMore(p, bit(SIGUSR1)) // thread blocks SIGUSR1 first
	if err := SetAction(p, SIGUSR1, process.SignalAction{Handler: 0x4000_0000}); err != nil {
		t.Fatal(err)
	}

	rq := nopRunQueue()
	thr := sched.NewUserThread(1, p.PID, "main", kstack.Handle{})
	rq.Enqueue(thr)
	rq.PickNext() // dequeues thr; rq.current stays the idle thread, which BlockCurrentForSignal acts on
	// directly exercise sigsuspend's core contract without full scheduler wiring:
	if err := Sigsuspend(rq, thr, p, sched.CpuContext{RSP: userStackTop}, 0); !errkit.Is(err, errkit.EINTR) {
		t.Fatalf("expected EINTR from Sigsuspend, got %v", err)
	}
	if p.Signals.Blocked != 0 {
		t.Fatal("sigsuspend must install the temporary (here: empty) mask")
	}

	// Another thread delivers SIGUSR1: it is deliverable despite the
	// pre-sigsuspend mask having blocked it, because sigsuspend's temp
	// mask is empty.
	if err := Queue(p, rq, SIGUSR1); err != nil {
		t.Fatal(err)
	}
	if Deliverable(p) != SIGUSR1 {
		t.Fatal("expected SIGUSR1 deliverable under sigsuspend's temporary empty mask")
	}

	saved := sched.CpuContext{RIP: 0x9000, RSP: userStackTop, RFlags: 0x0200}
	newCtx, err := Build(alloc, pt, p, saved, SIGUSR1, process.SignalAction{Handler: 0x4000_0000})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := Sigreturn(alloc, pt, p, vm.VirtAddr(newCtx.RSP)); err != nil {
		t.Fatal(err)
	}
	if p.Signals.Blocked&bit(SIGUSR1) == 0 {
		t.Fatal("E4: after the handler returns, blocked must again contain SIGUSR1")
	}
}

func TestSigaltstackRejectsWhileOnStack(t *testing.T) {
	_, _, p := newTestProcess(t)
	p.Signals.AltStack = process.AltStack{Enabled: true, OnStack: true, Base: userStackTop, Size: 4096}
	_, err := Sigaltstack(p, &process.AltStack{Enabled: true, Base: userStackTop, Size: 4096})
	if !errkit.Is(err, errkit.EPERM) {
		t.Fatalf("expected EPERM while on_stack, got %v", err)
	}
}

func TestSigaltstackRejectsTooSmall(t *testing.T) {
	_, _, p := newTestProcess(t)
	_, err := Sigaltstack(p, &process.AltStack{Enabled: true, Base: userStackTop, Size: 100})
	if !errkit.Is(err, errkit.EINVAL) {
		t.Fatalf("expected EINVAL for undersized alt stack, got %v", err)
	}
}

func TestAlarmArmAndFire(t *testing.T) {
	_, _, p := newTestProcess(t)
	rq := nopRunQueue()
	Alarm(p, 0, 1) // arm for 1 second == kconfig.TicksPerSecond ticks
	FireExpiredTimers(p, rq, 0)
	if Deliverable(p) != 0 {
		t.Fatal("alarm must not fire before its deadline")
	}
	FireExpiredTimers(p, rq, 200)
	if Deliverable(p) != SIGALRM {
		t.Fatal("expected SIGALRM queued once the deadline tick is reached")
	}
}

func nopRunQueue() *sched.RunQueue {
	idle := sched.NewKernelThread(0, "idle", kstack.Handle{})
	return sched.NewRunQueue(0, idle)
}
