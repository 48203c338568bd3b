package signal

import (
	"encoding/binary"

	"github.com/breenix/breenix-go/errkit"
	"github.com/breenix/breenix-go/frame"
	"github.com/breenix/breenix-go/kconfig"
	"github.com/breenix/breenix-go/process"
	"github.com/breenix/breenix-go/sched"
	"github.com/breenix/breenix-go/vm"
)

// frameMagic is the sentinel written at the head of every on-stack
// SignalFrame and checked by Sigreturn.
const frameMagic uint64 = 0x5349474652414D45 // arbitrary, not ABI-significant

// gprCount mirrors sched.CpuContext.GPRs's length.
const gprCount = 15

// frameWords is magic, saved_rip, saved_rsp, saved_rflags, saved_blocked,
// then the GPRs.
const frameWords = 5 + gprCount
const frameSize = frameWords * 8

// TrampolineVA is the fixed per-process slot the kernel maps the
// sigreturn trampoline stub at: a constant userspace code blob the
// kernel maps once per process at a fixed slot. This hosted
// simulation never executes the blob; Sigreturn is invoked directly by
// ksyscall's dispatch the same way any other syscall is, so the constant
// exists only so the written SignalFrame's neighboring trampoline-pointer
// word has a plausible, inspectable value.
const TrampolineVA vm.VirtAddr = vm.UserSpaceEnd - 0x2000

// Layout convention used by this implementation (documented because a
// real x86_64 trampoline's "RSP-8" offsets only make sense while actual
// machine code is executing; here Build and Sigreturn are each other's
// exact inverse):
//
//	[ frameBase - 8 ]             trampoline VA (informational only)
//	[ frameBase, frameBase+frameSize )   the SignalFrame, magic first
//	handler entry RSP == frameBase
//
// sigreturn is told frameBase directly (ksyscall passes the thread's
// current RSP, which a real trampoline stub would have left unchanged
// since it never pushes before trapping back into the kernel).

// Build implements delivery-point trampoline construction for one
// deliverable signal with a registered user handler. It writes
// the SignalFrame to the user stack (or alt stack, per SA_ONSTACK) and
// returns the CpuContext the scheduler should switch the thread into.
func Build(alloc *frame.Allocator, pt *vm.ProcessPageTable, p *process.Process, saved sched.CpuContext, n Num, sa process.SignalAction) (sched.CpuContext, error) {
	p.Signals.Lock()
	top := vm.VirtAddr(saved.RSP)
	onAltStack := false
	if sa.Flags&process.SA_ONSTACK != 0 && p.Signals.AltStack.Enabled && !p.Signals.AltStack.OnStack {
		top = vm.VirtAddr(p.Signals.AltStack.Base + p.Signals.AltStack.Size)
		onAltStack = true
	}
	blockedBefore := p.Signals.Blocked
	p.Signals.Unlock()

	frameBase := top - 8 - vm.VirtAddr(frameSize)

	buf := make([]byte, frameSize)
	binary.LittleEndian.PutUint64(buf[0:], frameMagic)
	binary.LittleEndian.PutUint64(buf[8:], saved.RIP)
	binary.LittleEndian.PutUint64(buf[16:], saved.RSP)
	binary.LittleEndian.PutUint64(buf[24:], saved.RFlags)
	binary.LittleEndian.PutUint64(buf[32:], blockedBefore)
	for i, g := range saved.GPRs {
		binary.LittleEndian.PutUint64(buf[40+i*8:], g)
	}
	if err := vm.WriteUser(alloc, pt, frameBase, buf); err != nil {
		return sched.CpuContext{}, err
	}
	var tramp [8]byte
	binary.LittleEndian.PutUint64(tramp[:], uint64(TrampolineVA))
	if err := vm.WriteUser(alloc, pt, frameBase-8, tramp[:]); err != nil {
		return sched.CpuContext{}, err
	}

	p.Signals.Lock()
	newBlocked := (p.Signals.Blocked | sa.Mask) & ^killableMask
	if sa.Flags&process.SA_NODEFER == 0 {
		newBlocked |= bit(n)
	}
	p.Signals.Blocked = newBlocked
	if onAltStack {
		p.Signals.AltStack.OnStack = true
	}
	p.Signals.Pending &^= bit(n)
	p.Signals.Unlock()

	var newCtx sched.CpuContext
	newCtx.RIP = sa.Handler
	newCtx.RSP = uint64(frameBase)
	newCtx.RFlags = saved.RFlags
	newCtx.GPRs[0] = uint64(n) // RDI convention: GPRs[0] carries the first argument
	return newCtx, nil
}

// Sigreturn implements sigreturn: read the SignalFrame at frameBase
// (this simulation's documented equivalent of "RSP-8"), validate the
// magic, sanitise RFLAGS, restore GPRs/RSP/RIP, restore the blocked
// mask (honoring SigsuspendSavedMask if present), clear
// alt_stack.on_stack.
func Sigreturn(alloc *frame.Allocator, pt *vm.ProcessPageTable, p *process.Process, frameBase vm.VirtAddr) (sched.CpuContext, error) {
	buf := make([]byte, frameSize)
	if err := vm.ReadUser(alloc, pt, frameBase, buf); err != nil {
		return sched.CpuContext{}, err
	}
	magic := binary.LittleEndian.Uint64(buf[0:])
	if magic != frameMagic {
		return sched.CpuContext{}, errkit.New(errkit.EFAULT, "signal.Sigreturn: bad magic")
	}
	savedRIP := binary.LittleEndian.Uint64(buf[8:])
	savedRSP := binary.LittleEndian.Uint64(buf[16:])
	savedRFlags := binary.LittleEndian.Uint64(buf[24:])
	savedBlocked := binary.LittleEndian.Uint64(buf[32:])

	if !vm.VirtAddr(savedRIP).IsUser() || !vm.VirtAddr(savedRSP).IsUser() {
		return sched.CpuContext{}, errkit.New(errkit.EFAULT, "signal.Sigreturn: non-user saved context")
	}

	var ctx sched.CpuContext
	ctx.RIP = savedRIP
	ctx.RSP = savedRSP
	ctx.RFlags = (savedRFlags & kconfig.UserRFlagsMask) | kconfig.RequiredRFlags
	for i := range ctx.GPRs {
		ctx.GPRs[i] = binary.LittleEndian.Uint64(buf[40+i*8:])
	}

	p.Signals.Lock()
	if p.Signals.SigsuspendSavedMask != nil {
		p.Signals.Blocked = *p.Signals.SigsuspendSavedMask & ^killableMask
		p.Signals.SigsuspendSavedMask = nil
	} else {
		p.Signals.Blocked = savedBlocked & ^killableMask
	}
	p.Signals.AltStack.OnStack = false
	p.Signals.Unlock()

	return ctx, nil
}
